// Package host implements the central broker that workers connect to. It
// routes requests to the worker owning the target agent type and broadcasts
// events to every worker.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/aixgo-dev/agentrt/agent"
	"github.com/aixgo-dev/agentrt/internal/observability"
	"github.com/aixgo-dev/agentrt/internal/runtime"
	"github.com/aixgo-dev/agentrt/internal/transport"
	metrics "github.com/aixgo-dev/agentrt/pkg/observability"
	pb "github.com/aixgo-dev/agentrt/proto"
)

// workerIDHeader matches the header workers attach to their channel.
const workerIDHeader = "x-agentrt-worker-id"

// Config holds host configuration.
type Config struct {
	Logger *slog.Logger

	// FramesPerSecond > 0 limits inbound frames per client.
	FramesPerSecond       float64
	FrameBurst            int
	GlobalFramesPerSecond float64

	EnableMetrics bool
	EnableTracing bool
}

// Option configures a Servicer.
type Option func(*Config)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithRateLimit limits inbound frames per client.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Config) {
		c.FramesPerSecond = perSecond
		c.FrameBurst = burst
	}
}

// WithGlobalRateLimit limits inbound frames across all clients. It only
// applies together with WithRateLimit.
func WithGlobalRateLimit(perSecond float64) Option {
	return func(c *Config) {
		c.GlobalFramesPerSecond = perSecond
	}
}

// WithMetrics toggles Prometheus metrics.
func WithMetrics(enabled bool) Option {
	return func(c *Config) {
		c.EnableMetrics = enabled
	}
}

// WithTracing toggles OpenTelemetry spans.
func WithTracing(enabled bool) Option {
	return func(c *Config) {
		c.EnableTracing = enabled
	}
}

type client struct {
	id       uint64
	workerID string
	outbound *transport.Queue[*pb.Message]
}

func (c *client) send(m *pb.Message) error {
	return c.outbound.Push(m)
}

// futureKey identifies a forwarded request by the client that must answer
// it and the host-assigned request id.
type futureKey struct {
	owner     uint64
	requestID string
}

// Servicer implements the AgentRpc service.
type Servicer struct {
	pb.UnimplementedAgentRpcServer

	config  *Config
	logger  *slog.Logger
	limiter *FrameLimiter

	mu            sync.Mutex
	nextClientID  uint64
	nextRequestID uint64
	clients       map[uint64]*client
	agentTypes    map[string]uint64
	futures       map[futureKey]*runtime.PendingReply
	closing       bool
}

var _ pb.AgentRpcServer = (*Servicer)(nil)

// NewServicer creates a servicer with the given options.
func NewServicer(opts ...Option) *Servicer {
	cfg := &Config{
		Logger:        slog.Default(),
		EnableMetrics: true,
		EnableTracing: true,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Servicer{
		config:     cfg,
		logger:     cfg.Logger.With("component", "host"),
		clients:    make(map[uint64]*client),
		agentTypes: make(map[string]uint64),
		futures:    make(map[futureKey]*runtime.PendingReply),
	}
	if cfg.FramesPerSecond > 0 {
		s.limiter = NewFrameLimiter(cfg.FramesPerSecond, max(cfg.FrameBurst, 1), cfg.GlobalFramesPerSecond)
	}
	if cfg.EnableMetrics {
		metrics.InitMetrics()
	}
	return s
}

// OpenChannel serves one worker until its stream ends or Shutdown closes
// it.
func (s *Servicer) OpenChannel(stream pb.AgentRpc_OpenChannelServer) error {
	c := s.connect(workerID(stream.Context()))
	defer s.disconnect(c)

	// Recv only unblocks once the handler returns, so the receive loop is
	// not part of the group.
	received := make(chan error, 1)
	go func() {
		received <- s.receive(stream, c)
	}()

	g, ctx := errgroup.WithContext(stream.Context())

	g.Go(func() error {
		select {
		case err := <-received:
			return err
		case <-ctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		for {
			m, err := c.outbound.Pop(ctx)
			if err != nil {
				return err
			}
			if err := stream.Send(m); err != nil {
				return err
			}
			s.recordFrame(m.Kind(), "outbound")
		}
	})

	err := g.Wait()
	if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrQueueClosed) ||
		errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
		return nil
	}
	return err
}

func (s *Servicer) receive(stream pb.AgentRpc_OpenChannelServer, c *client) error {
	ctx := stream.Context()
	for {
		m, err := stream.Recv()
		if err != nil {
			return err
		}
		if s.limiter != nil {
			waited, err := s.limiter.Admit(ctx, c.id)
			if err != nil {
				return err
			}
			if waited && s.config.EnableMetrics {
				metrics.RecordRateLimited()
			}
		}
		s.handleFrame(ctx, c, m)
	}
}

// Shutdown ends every worker stream once the frames already queued for it
// are sent. Streams opened afterwards end immediately.
func (s *Servicer) Shutdown() {
	s.mu.Lock()
	s.closing = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.outbound.Close()
	}
	s.logger.Info("closing worker streams", "clients", len(clients))
}

// AgentTypes returns the registered agent types, sorted.
func (s *Servicer) AgentTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.agentTypes))
	for t := range s.agentTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Owner returns the id of the client hosting agentType.
func (s *Servicer) Owner(agentType string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.agentTypes[agentType]
	return id, ok
}

// ClientCount returns the number of connected workers.
func (s *Servicer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// PendingForwards returns the number of forwarded requests awaiting a
// response.
func (s *Servicer) PendingForwards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.futures)
}

func (s *Servicer) connect(workerID string) *client {
	s.mu.Lock()
	s.nextClientID++
	c := &client{
		id:       s.nextClientID,
		workerID: workerID,
		outbound: transport.NewQueue[*pb.Message](),
	}
	s.clients[c.id] = c
	n := len(s.clients)
	if s.closing {
		c.outbound.Close()
	}
	s.mu.Unlock()

	if s.config.EnableMetrics {
		metrics.SetHostClients(n)
	}
	s.logger.Info("worker connected", "client_id", c.id, "worker_id", workerID)
	return c
}

// disconnect removes c with its agent types and fails every request
// forwarded to it.
func (s *Servicer) disconnect(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	var removed []string
	for t, owner := range s.agentTypes {
		if owner == c.id {
			delete(s.agentTypes, t)
			removed = append(removed, t)
		}
	}
	var orphaned []*runtime.PendingReply
	for key, f := range s.futures {
		if key.owner == c.id {
			delete(s.futures, key)
			orphaned = append(orphaned, f)
		}
	}
	n := len(s.clients)
	s.mu.Unlock()

	c.outbound.Close()
	if s.limiter != nil {
		s.limiter.Forget(c.id)
	}

	cause := fmt.Errorf("%w: worker %d disconnected", agent.ErrConnectionLost, c.id)
	for _, f := range orphaned {
		f.Fail(cause)
	}

	if s.config.EnableMetrics {
		metrics.SetHostClients(n)
	}
	sort.Strings(removed)
	s.logger.Info("worker disconnected", "client_id", c.id, "worker_id", c.workerID,
		"agent_types", removed, "failed_requests", len(orphaned))
}

func (s *Servicer) handleFrame(ctx context.Context, c *client, m *pb.Message) {
	s.recordFrame(m.Kind(), "inbound")

	if err := m.Validate(); err != nil {
		s.logger.Warn("ignoring invalid frame", "client_id", c.id, "error", err)
		return
	}

	switch {
	case m.RegisterAgentType != nil:
		s.registerAgentType(c, m.RegisterAgentType.Type)
	case m.Request != nil:
		s.forward(ctx, c, m.Request)
	case m.Response != nil:
		s.resolve(c, m.Response)
	case m.Event != nil:
		s.broadcast(m)
	}
}

func (s *Servicer) registerAgentType(c *client, agentType string) {
	if err := agent.ValidateAgentType(agentType); err != nil {
		s.logger.Warn("rejecting agent type registration", "client_id", c.id, "error", err)
		return
	}

	s.mu.Lock()
	if s.clients[c.id] != c {
		// The stream ended while this frame was being handled.
		s.mu.Unlock()
		return
	}
	prev, existed := s.agentTypes[agentType]
	s.agentTypes[agentType] = c.id
	s.mu.Unlock()

	if existed && prev != c.id {
		s.logger.Warn("agent type re-registered by another worker", "agent_type", agentType,
			"previous_client_id", prev, "client_id", c.id)
		return
	}
	s.logger.Debug("agent type registered", "agent_type", agentType, "client_id", c.id)
}

// forward sends req to the owner of its target type under a host-unique
// request id and answers the requester once the owner responds.
func (s *Servicer) forward(ctx context.Context, c *client, req *pb.RpcRequest) {
	ctx, span := s.startSpan(ctx, "host.forward",
		attribute.String("target.type", req.Target.Type),
		attribute.String("target.key", req.Target.Key),
		attribute.Int64("client.id", int64(c.id)))

	s.mu.Lock()
	var owner *client
	if id, ok := s.agentTypes[req.Target.Type]; ok {
		owner = s.clients[id]
	}
	if owner == nil {
		s.mu.Unlock()
		err := fmt.Errorf("%w: %s", agent.ErrUnknownAgentType, req.Target.Type)
		observability.EndSpan(span, err)
		s.reply(c, errorResponse(req.RequestId, err))
		return
	}
	s.nextRequestID++
	key := futureKey{owner: owner.id, requestID: strconv.FormatUint(s.nextRequestID, 10)}
	future := runtime.NewPendingReply()
	s.futures[key] = future
	s.mu.Unlock()

	span.SetAttributes(attribute.Int64("owner.id", int64(owner.id)))

	forwarded := *req
	forwarded.RequestId = key.requestID
	if err := owner.send(&pb.Message{Request: &forwarded}); err != nil {
		s.failFuture(key, fmt.Errorf("%w: %w", agent.ErrConnectionLost, err))
	}

	go s.await(ctx, c, req.RequestId, key, future, span)
}

func (s *Servicer) await(ctx context.Context, c *client, requestID string, key futureKey, future *runtime.PendingReply, span trace.Span) {
	v, err := future.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		// The requester is gone; nobody is left to answer.
		s.dropFuture(key)
		observability.EndSpan(span, err)
		return
	}
	observability.EndSpan(span, err)

	if err != nil {
		s.reply(c, errorResponse(requestID, err))
		return
	}
	answered := *v.(*pb.RpcResponse)
	answered.RequestId = requestID
	s.reply(c, &answered)
}

func (s *Servicer) resolve(c *client, resp *pb.RpcResponse) {
	key := futureKey{owner: c.id, requestID: resp.RequestId}
	s.mu.Lock()
	future, ok := s.futures[key]
	delete(s.futures, key)
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("response for unknown request", "client_id", c.id, "request_id", resp.RequestId)
		return
	}
	future.Resolve(resp)
}

func (s *Servicer) broadcast(m *pb.Message) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.send(m); err != nil {
			s.logger.Debug("event not delivered to disconnecting worker", "client_id", c.id)
		}
	}
}

func (s *Servicer) reply(c *client, resp *pb.RpcResponse) {
	if err := c.send(&pb.Message{Response: resp}); err != nil {
		s.logger.Debug("requester disconnected before response", "client_id", c.id, "request_id", resp.RequestId)
	}
}

func (s *Servicer) failFuture(key futureKey, err error) {
	s.mu.Lock()
	future, ok := s.futures[key]
	delete(s.futures, key)
	s.mu.Unlock()
	if ok {
		future.Fail(err)
	}
}

func (s *Servicer) dropFuture(key futureKey) {
	s.mu.Lock()
	delete(s.futures, key)
	s.mu.Unlock()
}

func (s *Servicer) recordFrame(kind, direction string) {
	if s.config.EnableMetrics {
		metrics.RecordHostFrame(kind, direction)
	}
}

func (s *Servicer) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !s.config.EnableTracing {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return observability.StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

func errorResponse(requestID string, err error) *pb.RpcResponse {
	return &pb.RpcResponse{
		RequestId: requestID,
		Error:     err.Error(),
		ErrorCode: agent.ErrorCode(err),
	}
}

func workerID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(workerIDHeader); len(v) > 0 {
		return v[0]
	}
	return ""
}
