package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// HandlerFunc handles one message routed by type.
type HandlerFunc func(ctx context.Context, message any, mctx MessageContext) (any, error)

// Handler binds a message type name to a handler function.
type Handler struct {
	// MessageType is the exact type name accepted (see TypeName).
	MessageType string
	// Produces lists the type names the handler may return. Empty means
	// any result is accepted.
	Produces []string
	Handle   HandlerFunc
}

// HandlerFor builds a Handler for message type T.
func HandlerFor[T any](fn func(ctx context.Context, message T, mctx MessageContext) (any, error)) Handler {
	return Handler{
		MessageType: TypeNameFor[T](),
		Handle: func(ctx context.Context, message any, mctx MessageContext) (any, error) {
			typed, ok := message.(T)
			if !ok {
				return nil, fmt.Errorf("%w: expected %s, got %T", ErrCannotHandle, TypeNameFor[T](), message)
			}
			return fn(ctx, typed, mctx)
		},
	}
}

// WithProduces declares the result types of h.
func (h Handler) WithProduces(typeNames ...string) Handler {
	h.Produces = append(slices.Clone(h.Produces), typeNames...)
	return h
}

// UnhandledFunc is invoked for messages with no matching handler.
type UnhandledFunc func(ctx context.Context, message any, mctx MessageContext) (any, error)

// Router maps message type names to handlers. The table is built once and
// never modified.
type Router struct {
	handlers  map[string]Handler
	order     []string
	strict    bool
	unhandled UnhandledFunc
	logger    *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithStrict controls result checking. A strict router (the default) fails
// when a handler returns a type outside its Produces list; a non-strict
// router logs the mismatch and returns the result.
func WithStrict(strict bool) RouterOption {
	return func(r *Router) {
		r.strict = strict
	}
}

// WithUnhandled overrides the path taken for unrouted message types.
func WithUnhandled(fn UnhandledFunc) RouterOption {
	return func(r *Router) {
		r.unhandled = fn
	}
}

// WithRouterLogger sets the logger used for non-strict mismatches.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter builds the routing table from handlers.
// Returns an error if two handlers claim the same message type.
func NewRouter(handlers []Handler, opts ...RouterOption) (*Router, error) {
	r := &Router{
		handlers: make(map[string]Handler, len(handlers)),
		strict:   true,
		logger:   slog.Default(),
	}
	r.unhandled = defaultUnhandled
	for _, opt := range opts {
		opt(r)
	}

	for _, h := range handlers {
		if h.MessageType == "" || h.Handle == nil {
			return nil, fmt.Errorf("handler must have a message type and a function")
		}
		if _, exists := r.handlers[h.MessageType]; exists {
			return nil, fmt.Errorf("duplicate handler for message type %s", h.MessageType)
		}
		r.handlers[h.MessageType] = h
		r.order = append(r.order, h.MessageType)
	}

	return r, nil
}

func defaultUnhandled(_ context.Context, message any, _ MessageContext) (any, error) {
	return nil, fmt.Errorf("%w: %s", ErrCannotHandle, TypeName(message))
}

// MessageTypes returns the routed type names in declaration order.
func (r *Router) MessageTypes() []string {
	return slices.Clone(r.order)
}

// Dispatch invokes the handler registered for the exact type of message.
func (r *Router) Dispatch(ctx context.Context, message any, mctx MessageContext) (any, error) {
	name := TypeName(message)
	h, ok := r.handlers[name]
	if !ok {
		return r.unhandled(ctx, message, mctx)
	}

	result, err := h.Handle(ctx, message, mctx)
	if err != nil {
		return nil, err
	}

	if len(h.Produces) > 0 {
		got := TypeName(result)
		if !slices.Contains(h.Produces, got) {
			if r.strict {
				return nil, fmt.Errorf("%w: handler for %s returned %q, declared %v", ErrUnexpectedResult, name, got, h.Produces)
			}
			r.logger.Warn("handler returned undeclared type",
				"message_type", name,
				"result_type", got,
				"declared", h.Produces,
			)
		}
	}

	return result, nil
}

// RoutedAgent is an Agent whose OnMessage dispatches through a Router.
// Its subscriptions default to the routed message types.
type RoutedAgent struct {
	BaseAgent
	router        *Router
	subscriptions []string
}

// NewRoutedAgent builds a RoutedAgent with the given handlers.
func NewRoutedAgent(fc FactoryContext, description string, handlers []Handler, opts ...RouterOption) (*RoutedAgent, error) {
	router, err := NewRouter(handlers, opts...)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", fc.ID, err)
	}
	return &RoutedAgent{
		BaseAgent:     NewBaseAgent(fc, description),
		router:        router,
		subscriptions: router.MessageTypes(),
	}, nil
}

// SetSubscriptions replaces the default subscriptions.
func (a *RoutedAgent) SetSubscriptions(typeNames ...string) {
	a.subscriptions = slices.Clone(typeNames)
}

func (a *RoutedAgent) Metadata() Metadata {
	md := a.BaseAgent.Metadata()
	md.Subscriptions = slices.Clone(a.subscriptions)
	return md
}

func (a *RoutedAgent) OnMessage(ctx context.Context, message any, mctx MessageContext) (any, error) {
	return a.router.Dispatch(ctx, message, mctx)
}
