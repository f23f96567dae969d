package agent

import (
	"context"
	"encoding/json"
)

// Agent is the interface that all agents must implement.
// The runtime calls these methods; it never inspects agent internals.
type Agent interface {
	// ID returns the address this instance was created for.
	ID() AgentID

	// Metadata describes the agent. Subscriptions lists the message type
	// names the agent receives when they are published into its namespace.
	Metadata() Metadata

	// OnMessage handles one message. For a send the returned value is the
	// reply; for a publish it is discarded.
	OnMessage(ctx context.Context, message any, mctx MessageContext) (any, error)

	// SaveState returns an opaque, JSON-serializable snapshot of the agent.
	SaveState() (json.RawMessage, error)

	// LoadState restores a snapshot produced by SaveState.
	LoadState(state json.RawMessage) error
}

// Metadata describes an agent instance.
type Metadata struct {
	Type          string   `json:"type"`
	Key           string   `json:"key"`
	Description   string   `json:"description"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// MessageContext carries delivery details to OnMessage.
type MessageContext struct {
	// Sender is nil when the message did not originate from an agent.
	Sender *AgentID
	// Topic is set for published messages.
	Topic *TopicID
	// IsRPC is true for sends, which expect exactly one reply.
	IsRPC bool
	// MessageID identifies the message for tracing.
	MessageID string
}

// FactoryContext is handed to a Factory when the runtime instantiates an agent.
type FactoryContext struct {
	ID AgentID
	// Runtime is a non-owning handle for sending and publishing. Agents must
	// not assume they outlive it.
	Runtime Runtime
}

// Factory builds the agent for fc.ID. Factories must not synchronously address
// the agent they are constructing.
type Factory func(fc FactoryContext) (Agent, error)

// BaseAgent carries the identity, description and runtime handle that most
// agents need. Embed it and override what differs.
type BaseAgent struct {
	id          AgentID
	description string
	runtime     Runtime
}

// NewBaseAgent creates a BaseAgent from the factory context.
func NewBaseAgent(fc FactoryContext, description string) BaseAgent {
	return BaseAgent{id: fc.ID, description: description, runtime: fc.Runtime}
}

func (b *BaseAgent) ID() AgentID { return b.id }

// Runtime returns the handle of the runtime that created the agent.
func (b *BaseAgent) Runtime() Runtime { return b.runtime }

// Metadata returns the agent's type, key and description with no subscriptions.
func (b *BaseAgent) Metadata() Metadata {
	return Metadata{Type: b.id.Type, Key: b.id.Key, Description: b.description}
}

// SaveState returns an empty snapshot.
func (b *BaseAgent) SaveState() (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

// LoadState ignores the snapshot.
func (b *BaseAgent) LoadState(json.RawMessage) error { return nil }

// SendMessage sends msg from this agent and waits for the reply.
func (b *BaseAgent) SendMessage(ctx context.Context, msg any, recipient AgentID, opts ...SendOption) (any, error) {
	opts = append([]SendOption{WithSender(b.id)}, opts...)
	return b.runtime.SendMessage(ctx, msg, recipient, opts...)
}

// PublishMessage publishes msg from this agent into topic.
func (b *BaseAgent) PublishMessage(ctx context.Context, msg any, topic TopicID, opts ...SendOption) error {
	opts = append([]SendOption{WithSender(b.id)}, opts...)
	return b.runtime.PublishMessage(ctx, msg, topic, opts...)
}
