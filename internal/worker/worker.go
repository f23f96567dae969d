package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/agentrt/agent"
	"github.com/aixgo-dev/agentrt/internal/observability"
	"github.com/aixgo-dev/agentrt/internal/runtime"
	metrics "github.com/aixgo-dev/agentrt/pkg/observability"
	"github.com/aixgo-dev/agentrt/pkg/serialization"
	pb "github.com/aixgo-dev/agentrt/proto"
)

// Metadata keys carried on request and event frames.
const (
	MetadataMessageID = "message_id"
	MetadataWorkerID  = "worker_id"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("worker already started")

// Runtime hosts agents in a worker process. Every send goes through the
// host, including sends to agents that live in this worker; published
// events come back from the host and are fanned out locally.
type Runtime struct {
	config   *Config
	logger   *slog.Logger
	id       string
	table    *runtime.AgentTable
	registry *serialization.Registry

	conn      *HostConnection
	connected atomic.Bool

	mu            sync.Mutex
	channel       *Channel
	nextRequestID uint64
	pending       map[string]*runtime.PendingReply
	cancel        context.CancelFunc
	loopDone      chan struct{}
}

var _ agent.Runtime = (*Runtime)(nil)

// New creates a worker runtime for the host at hostAddress. Nothing is
// dialed until Start.
func New(hostAddress string, opts ...Option) (*Runtime, error) {
	cfg := DefaultConfig()
	cfg.HostAddress = hostAddress
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Registry == nil {
		return nil, errors.New("worker requires a message registry")
	}

	r := &Runtime{
		config:   cfg,
		id:       uuid.NewString(),
		registry: cfg.Registry,
		pending:  make(map[string]*runtime.PendingReply),
	}
	r.logger = cfg.Logger.With("component", "worker", "worker_id", r.id)

	table, err := runtime.NewAgentTable(r, cfg.MaxNamespaces, r.logger)
	if err != nil {
		return nil, err
	}
	r.table = table

	if cfg.EnableMetrics {
		metrics.InitMetrics()
	}
	return r, nil
}

// ID returns the worker instance id.
func (r *Runtime) ID() string { return r.id }

// Connected reports whether a channel to the host is open.
func (r *Runtime) Connected() bool { return r.connected.Load() }

// Start dials the host and opens the first channel, then keeps the channel
// open in the background, reconnecting after failures, until Stop.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return ErrAlreadyStarted
	}

	conn, err := DialHost(r.config, r.id, r.logger)
	if err != nil {
		return err
	}

	// The channel outlives ctx; ctx only bounds the first connect.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	abort := context.AfterFunc(ctx, cancel)
	ch, err := conn.Open(loopCtx)
	abort()
	if err == nil && loopCtx.Err() != nil {
		ch.Close()
		err = loopCtx.Err()
	}
	if err != nil {
		cancel()
		_ = conn.Close()
		return err
	}

	r.conn = conn
	r.cancel = cancel
	r.loopDone = make(chan struct{})
	r.attachLocked(ch)

	go r.maintain(loopCtx, ch, r.loopDone)
	r.logger.Info("connected to host", "host", r.config.HostAddress)
	return nil
}

// Stop closes the channel and the connection. Pending sends fail with
// agent.ErrConnectionLost. Stopping a worker that is not running is a no-op.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done, conn := r.cancel, r.loopDone, r.conn
	r.cancel, r.loopDone = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.logger.Info("disconnected from host")
	return conn.Close()
}

// Register adds a factory and announces the type to the host.
func (r *Runtime) Register(agentType string, factory agent.Factory) error {
	if err := r.table.Register(agentType, factory); err != nil {
		return err
	}

	r.mu.Lock()
	ch := r.channel
	r.mu.Unlock()
	if ch != nil {
		if err := ch.Send(registerFrame(agentType)); err != nil {
			r.logger.Warn("agent type registered locally but not announced", "agent_type", agentType, "error", err)
		}
	}
	r.logger.Info("agent type registered", "agent_type", agentType)
	return nil
}

// Get returns the id for agentType in namespace key. Types registered in
// this worker are instantiated; other types are assumed to live elsewhere.
func (r *Runtime) Get(ctx context.Context, agentType, key string) (agent.AgentID, error) {
	id := agent.AgentID{Type: agentType, Key: key}
	if err := agent.ValidateAgentType(agentType); err != nil {
		return agent.AgentID{}, err
	}
	if !r.table.IsRegistered(agentType) {
		return id, nil
	}
	if _, err := r.table.Agent(ctx, id); err != nil {
		return agent.AgentID{}, err
	}
	return id, nil
}

// AddSubscription adds an explicit subscription for events delivered to
// this worker.
func (r *Runtime) AddSubscription(_ context.Context, sub agent.Subscription) error {
	return r.table.AddSubscription(sub)
}

// RemoveSubscription removes an explicit subscription by id.
func (r *Runtime) RemoveSubscription(_ context.Context, id string) error {
	return r.table.RemoveSubscription(id)
}

// SaveState snapshots the agents instantiated in this worker.
func (r *Runtime) SaveState(_ context.Context) (map[string]json.RawMessage, error) {
	return r.table.SaveState()
}

// LoadState restores snapshots into this worker's agents.
func (r *Runtime) LoadState(ctx context.Context, state map[string]json.RawMessage) error {
	return r.table.LoadState(ctx, state)
}

// SendMessage sends message to recipient through the host and waits for the
// reply. Cancelling ctx abandons the wait.
func (r *Runtime) SendMessage(ctx context.Context, message any, recipient agent.AgentID, opts ...agent.SendOption) (any, error) {
	o := agent.ApplySendOptions(opts...)

	ctx, span := r.startSpan(ctx, "worker.send",
		append(observability.AgentAttrs("recipient", recipient),
			attribute.String("message.type", r.registry.TypeName(message)))...)

	payload, err := r.payload(message)
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}

	r.mu.Lock()
	ch := r.channel
	if ch == nil {
		r.mu.Unlock()
		err := fmt.Errorf("%w: not connected to host", agent.ErrConnectionLost)
		observability.EndSpan(span, err)
		return nil, err
	}
	r.nextRequestID++
	requestID := strconv.FormatUint(r.nextRequestID, 10)
	reply := runtime.NewPendingReply()
	r.pending[requestID] = reply
	r.recordPendingLocked()
	r.mu.Unlock()

	span.SetAttributes(attribute.String("request.id", requestID))

	err = ch.Send(&pb.Message{Request: &pb.RpcRequest{
		RequestId: requestID,
		Source:    wireID(o.Sender),
		Target:    pb.AgentId{Type: recipient.Type, Key: recipient.Key},
		Method:    payload.DataType,
		Payload:   payload,
		Metadata:  r.frameMetadata(o),
	}})
	if err != nil {
		r.removePending(requestID)
		err = fmt.Errorf("%w: %w", agent.ErrConnectionLost, err)
		observability.EndSpan(span, err)
		return nil, err
	}

	result, err := reply.Wait(ctx)
	if ctx.Err() != nil {
		r.removePending(requestID)
	}
	observability.EndSpan(span, err)
	return result, err
}

// PublishMessage sends message to the host for broadcast. It returns once
// the event is queued on the channel.
func (r *Runtime) PublishMessage(ctx context.Context, message any, topic agent.TopicID, opts ...agent.SendOption) error {
	o := agent.ApplySendOptions(opts...)

	_, span := r.startSpan(ctx, "worker.publish",
		attribute.String("topic.type", topic.Type),
		attribute.String("topic.source", topic.Source))

	payload, err := r.payload(message)
	if err != nil {
		observability.EndSpan(span, err)
		return err
	}

	r.mu.Lock()
	ch := r.channel
	r.mu.Unlock()
	if ch == nil {
		err := fmt.Errorf("%w: not connected to host", agent.ErrConnectionLost)
		observability.EndSpan(span, err)
		return err
	}

	err = ch.Send(&pb.Message{Event: &pb.Event{
		TopicType:   topic.Type,
		TopicSource: topic.Source,
		Source:      wireID(o.Sender),
		DataType:    payload.DataType,
		Payload:     payload,
		Metadata:    r.frameMetadata(o),
	}})
	if err != nil {
		err = fmt.Errorf("%w: %w", agent.ErrConnectionLost, err)
	}
	observability.EndSpan(span, err)
	return err
}

// BreakerState reports the state of the reconnect circuit breaker. It is
// closed while the worker is not started.
func (r *Runtime) BreakerState() gobreaker.State {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return gobreaker.StateClosed
	}
	return conn.BreakerState()
}

// PendingRequests returns the number of sends awaiting a reply.
func (r *Runtime) PendingRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// maintain serves ch and every channel reopened after it until ctx is done.
func (r *Runtime) maintain(ctx context.Context, ch *Channel, done chan struct{}) {
	defer close(done)

	backoff := r.config.MinBackoff
	for {
		err := ch.Run(func(m *pb.Message) { r.handleFrame(ctx, ch, m) })
		r.detach(ch, err)
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("channel to host lost", "error", err)

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			next, err := r.conn.Open(ctx)
			if err != nil {
				r.recordReconnect("failure")
				r.logger.Warn("reconnect to host failed", "error", err, "retry_in", backoff.String())
				backoff = min(backoff*2, r.config.MaxBackoff)
				continue
			}

			r.mu.Lock()
			r.attachLocked(next)
			r.mu.Unlock()
			r.recordReconnect("success")
			r.logger.Info("reconnected to host")
			ch = next
			backoff = r.config.MinBackoff
			break
		}
	}
}

// attachLocked makes ch current and replays type registrations on it.
func (r *Runtime) attachLocked(ch *Channel) {
	r.channel = ch
	for _, agentType := range r.table.AgentTypes() {
		if err := ch.Send(registerFrame(agentType)); err != nil {
			r.logger.Warn("failed to announce agent type", "agent_type", agentType, "error", err)
		}
	}
	r.connected.Store(true)
}

// detach closes ch and fails every pending reply.
func (r *Runtime) detach(ch *Channel, cause error) {
	ch.Close()

	r.mu.Lock()
	if r.channel == ch {
		r.channel = nil
	}
	pending := r.pending
	r.pending = make(map[string]*runtime.PendingReply)
	r.recordPendingLocked()
	r.mu.Unlock()
	r.connected.Store(false)

	if cause == nil {
		cause = context.Canceled
	}
	for _, reply := range pending {
		reply.Fail(fmt.Errorf("%w: %v", agent.ErrConnectionLost, cause))
	}
	if len(pending) > 0 {
		r.logger.Warn("failed pending requests after disconnect", "count", len(pending))
	}
}

func (r *Runtime) handleFrame(ctx context.Context, ch *Channel, m *pb.Message) {
	if r.config.EnableMetrics {
		metrics.RecordHostFrame(m.Kind(), "inbound")
	}

	switch {
	case m.Response != nil:
		r.handleResponse(m.Response)
	case m.Request != nil:
		go r.handleRequest(ctx, ch, m.Request)
	case m.Event != nil:
		go r.handleEvent(ctx, m.Event)
	case m.RegisterAgentType != nil:
		r.logger.Warn("host sent an agent type registration", "agent_type", m.RegisterAgentType.Type)
	default:
		r.logger.Warn("ignoring empty frame")
	}
}

func (r *Runtime) handleResponse(resp *pb.RpcResponse) {
	r.mu.Lock()
	reply, ok := r.pending[resp.RequestId]
	delete(r.pending, resp.RequestId)
	r.recordPendingLocked()
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("response for unknown request", "request_id", resp.RequestId)
		return
	}

	if resp.Error != "" || resp.ErrorCode != "" {
		reply.Fail(&agent.RemoteError{Code: resp.ErrorCode, Message: resp.Error})
		return
	}

	result, err := r.decode(resp.Payload)
	if err != nil {
		reply.Fail(err)
		return
	}
	reply.Resolve(result)
}

func (r *Runtime) handleRequest(ctx context.Context, ch *Channel, req *pb.RpcRequest) {
	resp := &pb.RpcResponse{RequestId: req.RequestId}

	payload, err := r.invoke(ctx, req)
	if err != nil {
		resp.Error = err.Error()
		resp.ErrorCode = agent.ErrorCode(err)
		r.logger.Debug("request failed", "target", req.Target.Type+"/"+req.Target.Key, "code", resp.ErrorCode, "error", err)
	} else {
		resp.Payload = payload
	}

	if err := ch.Send(&pb.Message{Response: resp}); err != nil {
		r.logger.Debug("dropping response on closed channel", "request_id", req.RequestId, "error", err)
	}
}

func (r *Runtime) invoke(ctx context.Context, req *pb.RpcRequest) (*pb.Payload, error) {
	if req.Payload == nil {
		return nil, fmt.Errorf("%w: request without payload", agent.ErrSerialization)
	}
	if req.Method != "" && req.Method != req.Payload.DataType {
		return nil, fmt.Errorf("%w: method %s does not match payload type %s",
			agent.ErrSerialization, req.Method, req.Payload.DataType)
	}
	message, err := r.decode(req.Payload)
	if err != nil {
		return nil, err
	}

	id := agent.AgentID{Type: req.Target.Type, Key: req.Target.Key}
	a, err := r.table.Agent(ctx, id)
	if err != nil {
		return nil, err
	}

	result, err := runtime.Invoke(ctx, a, message, agent.MessageContext{
		Sender:    localID(req.Source),
		IsRPC:     true,
		MessageID: req.Metadata[MetadataMessageID],
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return r.payload(result)
}

func (r *Runtime) handleEvent(ctx context.Context, ev *pb.Event) {
	if ev.Payload == nil {
		r.logger.Warn("event without payload", "topic_type", ev.TopicType)
		return
	}
	message, err := r.decode(ev.Payload)
	if err != nil {
		r.logger.Error("failed to decode event", "data_type", ev.Payload.DataType, "error", err)
		return
	}

	topic := agent.TopicID{Type: ev.TopicType, Source: ev.TopicSource}
	sender := localID(ev.Source)
	recipients, err := r.table.Subscribers(ctx, topic, agent.TypeName(message), sender)
	if err != nil {
		r.logger.Debug("event abandoned", "topic", topic.String(), "error", err)
		return
	}

	runtime.FanOut(ctx, r.logger, recipients, message, agent.MessageContext{
		Sender:    sender,
		Topic:     &topic,
		MessageID: ev.Metadata[MetadataMessageID],
	})
}

func (r *Runtime) payload(message any) (*pb.Payload, error) {
	typeName := r.registry.TypeName(message)
	data, err := r.registry.Serialize(message, typeName)
	if err != nil {
		return nil, err
	}
	contentType, err := r.registry.ContentType(typeName)
	if err != nil {
		return nil, err
	}
	return &pb.Payload{DataType: typeName, DataContentType: contentType, Data: data}, nil
}

func (r *Runtime) decode(p *pb.Payload) (any, error) {
	if p == nil {
		return nil, nil
	}
	return r.registry.Deserialize(p.Data, p.DataType)
}

func (r *Runtime) frameMetadata(o agent.SendOptions) map[string]string {
	messageID := o.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	return map[string]string{
		MetadataMessageID: messageID,
		MetadataWorkerID:  r.id,
	}
}

func (r *Runtime) removePending(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.recordPendingLocked()
	r.mu.Unlock()
}

func (r *Runtime) recordPendingLocked() {
	if r.config.EnableMetrics {
		metrics.SetWorkerPending(len(r.pending))
	}
}

func (r *Runtime) recordReconnect(status string) {
	if r.config.EnableMetrics {
		metrics.RecordWorkerReconnect(status)
	}
}

func (r *Runtime) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !r.config.EnableTracing {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return observability.StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

func registerFrame(agentType string) *pb.Message {
	return &pb.Message{RegisterAgentType: &pb.RegisterAgentType{Type: agentType}}
}

func wireID(id *agent.AgentID) *pb.AgentId {
	if id == nil {
		return nil
	}
	return &pb.AgentId{Type: id.Type, Key: id.Key}
}

func localID(id *pb.AgentId) *agent.AgentID {
	if id == nil {
		return nil
	}
	return &agent.AgentID{Type: id.Type, Key: id.Key}
}
