package agent

import (
	"context"
	"encoding/json"
)

// Runtime provides message delivery between agents.
// It is implemented by the in-process runtime and by the worker runtime,
// which relays through a Host.
type Runtime interface {
	// SendMessage delivers message to recipient and waits for exactly one
	// reply. Cancelling ctx abandons the wait and is propagated to the handler.
	SendMessage(ctx context.Context, message any, recipient AgentID, opts ...SendOption) (any, error)

	// PublishMessage broadcasts message to every subscriber in topic.Source.
	// Subscriber failures are never reported to the publisher.
	PublishMessage(ctx context.Context, message any, topic TopicID, opts ...SendOption) error

	// Register adds a factory under agentType.
	// Returns ErrAgentTypeAlreadyRegistered if the name is taken.
	Register(agentType string, factory Factory) error

	// Get returns the id of the agentType instance in namespace key,
	// instantiating it if needed.
	Get(ctx context.Context, agentType, key string) (AgentID, error)

	// SaveState snapshots every instantiated agent, keyed by AgentID.String().
	SaveState(ctx context.Context) (map[string]json.RawMessage, error)

	// LoadState restores snapshots produced by SaveState.
	LoadState(ctx context.Context, state map[string]json.RawMessage) error
}

// SendOptions holds per-call options.
type SendOptions struct {
	Sender    *AgentID
	MessageID string
}

// SendOption configures a SendMessage or PublishMessage call.
type SendOption func(*SendOptions)

// WithSender sets the sending agent.
func WithSender(id AgentID) SendOption {
	return func(o *SendOptions) {
		o.Sender = &id
	}
}

// WithMessageID overrides the generated message id.
func WithMessageID(id string) SendOption {
	return func(o *SendOptions) {
		o.MessageID = id
	}
}

// ApplySendOptions folds opts into a SendOptions value.
func ApplySendOptions(opts ...SendOption) SendOptions {
	var o SendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
