package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/agentrt/agent"
	"github.com/aixgo-dev/agentrt/internal/observability"
	"github.com/aixgo-dev/agentrt/internal/transport"
	metrics "github.com/aixgo-dev/agentrt/pkg/observability"
)

// SingleThreadedRuntime delivers messages between agents in one process.
//
// Envelopes are admitted to a FIFO queue. A single dispatcher pops them in
// order and runs the intervention handlers; each surviving envelope is then
// dispatched on its own goroutine, so handlers run concurrently and may
// complete out of order.
type SingleThreadedRuntime struct {
	config *Config
	logger *slog.Logger
	table  *AgentTable
	queue  *transport.Queue[envelope]

	// outstanding counts envelopes popped but not yet fully dispatched.
	outstanding atomic.Int64
	stopped     atomic.Bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
}

var _ agent.Runtime = (*SingleThreadedRuntime)(nil)

// NewSingleThreadedRuntime creates a runtime with the given options.
func NewSingleThreadedRuntime(opts ...Option) (*SingleThreadedRuntime, error) {
	cfg := NewConfig(opts...)

	r := &SingleThreadedRuntime{
		config: cfg,
		logger: cfg.Logger.With("component", "runtime"),
		queue:  transport.NewQueue[envelope](),
	}

	table, err := NewAgentTable(r, cfg.MaxNamespaces, r.logger)
	if err != nil {
		return nil, err
	}
	r.table = table

	if cfg.EnableMetrics {
		metrics.InitMetrics()
	}
	return r, nil
}

// Register adds a factory under agentType.
func (r *SingleThreadedRuntime) Register(agentType string, factory agent.Factory) error {
	if err := r.table.Register(agentType, factory); err != nil {
		return err
	}
	r.logger.Info("agent type registered", "agent_type", agentType)
	return nil
}

// Get returns the id of the agentType instance in namespace key,
// instantiating it if needed.
func (r *SingleThreadedRuntime) Get(ctx context.Context, agentType, key string) (agent.AgentID, error) {
	id := agent.AgentID{Type: agentType, Key: key}
	if _, err := r.table.Agent(ctx, id); err != nil {
		return agent.AgentID{}, err
	}
	return id, nil
}

// AgentInstance returns the live agent for id.
func (r *SingleThreadedRuntime) AgentInstance(ctx context.Context, id agent.AgentID) (agent.Agent, error) {
	return r.table.Agent(ctx, id)
}

// AgentMetadata returns the metadata of the agent for id.
func (r *SingleThreadedRuntime) AgentMetadata(ctx context.Context, id agent.AgentID) (agent.Metadata, error) {
	a, err := r.table.Agent(ctx, id)
	if err != nil {
		return agent.Metadata{}, err
	}
	return a.Metadata(), nil
}

// AddSubscription adds an explicit subscription.
func (r *SingleThreadedRuntime) AddSubscription(_ context.Context, sub agent.Subscription) error {
	return r.table.AddSubscription(sub)
}

// RemoveSubscription removes an explicit subscription by id.
func (r *SingleThreadedRuntime) RemoveSubscription(_ context.Context, id string) error {
	return r.table.RemoveSubscription(id)
}

// SaveState snapshots every instantiated agent.
func (r *SingleThreadedRuntime) SaveState(_ context.Context) (map[string]json.RawMessage, error) {
	return r.table.SaveState()
}

// LoadState restores snapshots produced by SaveState.
func (r *SingleThreadedRuntime) LoadState(ctx context.Context, state map[string]json.RawMessage) error {
	return r.table.LoadState(ctx, state)
}

// SendMessage enqueues message for recipient and waits for its reply.
// Cancelling ctx abandons the wait; the handler sees the same ctx.
func (r *SingleThreadedRuntime) SendMessage(ctx context.Context, message any, recipient agent.AgentID, opts ...agent.SendOption) (any, error) {
	if r.stopped.Load() {
		return nil, agent.ErrRuntimeStopped
	}
	o := agent.ApplySendOptions(opts...)

	ctx, span := r.startSpan(ctx, "runtime.send",
		append(observability.AgentAttrs("recipient", recipient),
			attribute.String("message.type", agent.TypeName(message)))...)

	env := &sendEnvelope{
		ctx:       ctx,
		message:   message,
		sender:    o.Sender,
		recipient: recipient,
		messageID: messageID(o),
		reply:     NewPendingReply(),
	}
	if err := r.enqueue(env); err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}

	result, err := env.reply.Wait(ctx)
	observability.EndSpan(span, err)
	return result, err
}

// PublishMessage enqueues message for every subscriber in topic.Source.
// It returns once the message is queued.
func (r *SingleThreadedRuntime) PublishMessage(ctx context.Context, message any, topic agent.TopicID, opts ...agent.SendOption) error {
	if r.stopped.Load() {
		return agent.ErrRuntimeStopped
	}
	o := agent.ApplySendOptions(opts...)

	ctx, span := r.startSpan(ctx, "runtime.publish",
		attribute.String("topic.type", topic.Type),
		attribute.String("topic.source", topic.Source),
		attribute.String("message.type", agent.TypeName(message)))

	err := r.enqueue(&publishEnvelope{
		ctx:       ctx,
		message:   message,
		sender:    o.Sender,
		topic:     topic,
		messageID: messageID(o),
	})
	observability.EndSpan(span, err)
	return err
}

// ProcessNext pops and processes the oldest envelope. With an empty queue
// it yields the processor and returns without blocking.
func (r *SingleThreadedRuntime) ProcessNext(ctx context.Context) {
	if !r.processNext(ctx) {
		goruntime.Gosched()
	}
}

// Idle reports whether the queue is empty and no dispatch is in flight.
func (r *SingleThreadedRuntime) Idle() bool {
	idle := false
	r.queue.Inspect(func(n int) {
		idle = n == 0 && r.outstanding.Load() == 0
	})
	return idle
}

// QueueDepth returns the number of envelopes waiting to be popped.
func (r *SingleThreadedRuntime) QueueDepth() int {
	return r.queue.Len()
}

// Outstanding returns the number of envelopes being dispatched.
func (r *SingleThreadedRuntime) Outstanding() int64 {
	return r.outstanding.Load()
}

// Start runs the processing loop in the background until Stop or ctx is done.
func (r *SingleThreadedRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return ErrRuntimeAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.loopDone = make(chan struct{})
	r.stopped.Store(false)

	go r.loop(loopCtx, r.loopDone)
	r.logger.Debug("runtime started")
	return nil
}

// Stop cancels the processing loop and waits for it to exit. Sends still
// queued fail with agent.ErrRuntimeStopped and queued publishes are
// discarded. In-flight dispatches keep running; a send whose handler
// finishes after Stop also fails with agent.ErrRuntimeStopped.
func (r *SingleThreadedRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.loopDone
	r.cancel, r.loopDone = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	r.stopped.Store(true)
	cancel()

	select {
	case <-done:
		dropped := r.failQueued()
		r.logger.Debug("runtime stopped", "dropped", dropped, "outstanding", r.outstanding.Load())
		return nil
	case <-ctx.Done():
		go func() {
			<-done
			r.failQueued()
		}()
		return ctx.Err()
	}
}

// failQueued empties the queue once the loop is gone. Every send or
// response envelope fails its pending reply with agent.ErrRuntimeStopped.
func (r *SingleThreadedRuntime) failQueued() int {
	n := 0
	for {
		env, ok := r.queue.TryPop()
		if !ok {
			return n
		}
		n++
		switch e := env.(type) {
		case *sendEnvelope:
			e.reply.Fail(agent.ErrRuntimeStopped)
		case *responseEnvelope:
			e.reply.Fail(agent.ErrRuntimeStopped)
		}
		if r.config.EnableMetrics {
			metrics.RecordEnvelope(env.kind(), metrics.OutcomeDropped)
		}
	}
}

// StopWhenIdle waits until the runtime is idle, then stops it.
func (r *SingleThreadedRuntime) StopWhenIdle(ctx context.Context) error {
	return r.StopWhen(ctx, r.Idle)
}

// StopWhen polls cond and stops the runtime once it holds.
func (r *SingleThreadedRuntime) StopWhen(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for !cond() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.Stop(ctx)
}

func (r *SingleThreadedRuntime) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if err := r.queue.Wait(ctx); err != nil {
			return
		}
		r.processNext(ctx)
	}
}

func (r *SingleThreadedRuntime) enqueue(env envelope) error {
	if err := r.queue.Push(env); err != nil {
		return fmt.Errorf("enqueue %s: %w", env.kind(), err)
	}

	depth := r.queue.Len()
	if r.config.QueueWarnThreshold > 0 && depth > r.config.QueueWarnThreshold {
		r.logger.Warn("runtime queue is backing up", "depth", depth, "threshold", r.config.QueueWarnThreshold)
	}
	if r.config.EnableMetrics {
		metrics.SetQueueDepth(depth)
	}
	return nil
}

// processNext runs on the dispatcher. It reports whether an envelope was popped.
func (r *SingleThreadedRuntime) processNext(ctx context.Context) bool {
	var env envelope
	popped := r.queue.PopFunc(func(e envelope) {
		env = e
		r.outstanding.Add(1)
	})
	if !popped {
		return false
	}
	if r.config.EnableMetrics {
		metrics.SetQueueDepth(r.queue.Len())
		metrics.SetOutstanding(r.outstanding.Load())
	}

	switch e := env.(type) {
	case *sendEnvelope:
		r.processSend(e)
	case *publishEnvelope:
		r.processPublish(e)
	case *responseEnvelope:
		r.processResponse(e)
	default:
		r.logger.Error("unknown envelope", "kind", env.kind())
		r.finish(env.kind(), metrics.OutcomeFailed)
	}
	return true
}

func (r *SingleThreadedRuntime) processSend(e *sendEnvelope) {
	message := e.message
	for _, h := range r.config.Interventions {
		out, err := h.OnSend(e.ctx, message, e.sender, e.recipient)
		if err != nil {
			e.reply.Fail(err)
			r.finish(kindSend, metrics.OutcomeFailed)
			return
		}
		if agent.IsDropMessage(out) {
			e.reply.Fail(fmt.Errorf("%w: send to %s", agent.ErrMessageDropped, e.recipient))
			r.finish(kindSend, metrics.OutcomeDropped)
			return
		}
		message = out
	}

	go r.dispatchSend(e, message)
}

func (r *SingleThreadedRuntime) dispatchSend(e *sendEnvelope, message any) {
	outcome := metrics.OutcomeFailed
	defer func() { r.finish(kindSend, outcome) }()

	ctx, span := r.startSpan(e.ctx, "runtime.dispatch",
		append(observability.AgentAttrs("recipient", e.recipient),
			attribute.String("envelope.kind", kindSend))...)

	a, err := r.table.Agent(ctx, e.recipient)
	if err != nil {
		observability.EndSpan(span, err)
		e.reply.Fail(err)
		return
	}

	start := time.Now()
	result, err := Invoke(ctx, a, message, agent.MessageContext{
		Sender:    e.sender,
		IsRPC:     true,
		MessageID: e.messageID,
	})
	r.recordDispatch(kindSend, time.Since(start))
	observability.EndSpan(span, err)

	if err != nil {
		e.reply.Fail(err)
		return
	}

	// The response is queued before outstanding drops, so Idle never
	// reports true while the reply is still on its way.
	if err := r.enqueue(&responseEnvelope{
		ctx:       e.ctx,
		message:   result,
		sender:    e.recipient,
		recipient: e.sender,
		reply:     e.reply,
	}); err != nil {
		e.reply.Fail(err)
		return
	}
	// Stop may have drained the queue before the response landed in it.
	if r.stopped.Load() {
		r.failQueued()
	}
	outcome = metrics.OutcomeDelivered
}

func (r *SingleThreadedRuntime) processPublish(e *publishEnvelope) {
	message := e.message
	for _, h := range r.config.Interventions {
		out, err := h.OnPublish(e.ctx, message, e.sender, e.topic)
		if err != nil {
			r.logger.Error("publish intervention failed", "topic", e.topic.String(), "error", err)
			r.finish(kindPublish, metrics.OutcomeFailed)
			return
		}
		if agent.IsDropMessage(out) {
			r.logger.Debug("publish dropped by intervention", "topic", e.topic.String())
			r.finish(kindPublish, metrics.OutcomeDropped)
			return
		}
		message = out
	}

	go r.dispatchPublish(e, message)
}

func (r *SingleThreadedRuntime) dispatchPublish(e *publishEnvelope, message any) {
	defer r.finish(kindPublish, metrics.OutcomeDelivered)

	ctx, span := r.startSpan(e.ctx, "runtime.dispatch",
		attribute.String("envelope.kind", kindPublish),
		attribute.String("topic.type", e.topic.Type),
		attribute.String("topic.source", e.topic.Source))
	defer span.End()

	recipients, err := r.table.Subscribers(ctx, e.topic, agent.TypeName(message), e.sender)
	if err != nil {
		r.logger.Debug("publish abandoned", "topic", e.topic.String(), "error", err)
		return
	}
	span.SetAttributes(attribute.Int("recipients", len(recipients)))

	topic := e.topic
	start := time.Now()
	FanOut(ctx, r.logger, recipients, message, agent.MessageContext{
		Sender:    e.sender,
		Topic:     &topic,
		MessageID: e.messageID,
	})
	r.recordDispatch(kindPublish, time.Since(start))
}

func (r *SingleThreadedRuntime) processResponse(e *responseEnvelope) {
	message := e.message
	for _, h := range r.config.Interventions {
		out, err := h.OnResponse(e.ctx, message, e.sender, e.recipient)
		if err != nil {
			e.reply.Fail(err)
			r.finish(kindResponse, metrics.OutcomeFailed)
			return
		}
		if agent.IsDropMessage(out) {
			e.reply.Fail(fmt.Errorf("%w: response from %s", agent.ErrMessageDropped, e.sender))
			r.finish(kindResponse, metrics.OutcomeDropped)
			return
		}
		message = out
	}

	e.reply.Resolve(message)
	r.finish(kindResponse, metrics.OutcomeDelivered)
}

func (r *SingleThreadedRuntime) finish(kind, outcome string) {
	n := r.outstanding.Add(-1)
	if r.config.EnableMetrics {
		metrics.RecordEnvelope(kind, outcome)
		metrics.SetOutstanding(n)
	}
}

func (r *SingleThreadedRuntime) recordDispatch(kind string, d time.Duration) {
	if r.config.EnableMetrics {
		metrics.RecordDispatch(kind, d)
	}
}

func (r *SingleThreadedRuntime) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !r.config.EnableTracing {
		return ctx, noopSpan
	}
	return observability.StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

var noopSpan = trace.SpanFromContext(context.Background())

func messageID(o agent.SendOptions) string {
	if o.MessageID != "" {
		return o.MessageID
	}
	return uuid.NewString()
}
