package agent

import "context"

type dropMessage struct{}

// DropMessage is returned by an InterventionHandler to veto delivery.
var DropMessage any = dropMessage{}

// IsDropMessage reports whether v is the DropMessage sentinel.
func IsDropMessage(v any) bool {
	_, ok := v.(dropMessage)
	return ok
}

// InterventionHandler observes messages before dispatch. Each method returns
// the message to deliver (the original, a substitute, or DropMessage).
// Handlers run in registration order on the dispatcher goroutine, in
// admission order.
type InterventionHandler interface {
	OnSend(ctx context.Context, message any, sender *AgentID, recipient AgentID) (any, error)
	OnPublish(ctx context.Context, message any, sender *AgentID, topic TopicID) (any, error)
	OnResponse(ctx context.Context, message any, sender AgentID, recipient *AgentID) (any, error)
}

// DefaultInterventionHandler passes every message through unchanged.
// Embed it to override a subset of the hooks.
type DefaultInterventionHandler struct{}

func (DefaultInterventionHandler) OnSend(_ context.Context, message any, _ *AgentID, _ AgentID) (any, error) {
	return message, nil
}

func (DefaultInterventionHandler) OnPublish(_ context.Context, message any, _ *AgentID, _ TopicID) (any, error) {
	return message, nil
}

func (DefaultInterventionHandler) OnResponse(_ context.Context, message any, _ AgentID, _ *AgentID) (any, error) {
	return message, nil
}
