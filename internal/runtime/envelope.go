package runtime

import (
	"context"

	"github.com/aixgo-dev/agentrt/agent"
)

const (
	kindSend     = "send"
	kindPublish  = "publish"
	kindResponse = "response"
)

type envelope interface {
	kind() string
}

type sendEnvelope struct {
	ctx       context.Context
	message   any
	sender    *agent.AgentID
	recipient agent.AgentID
	messageID string
	reply     *PendingReply
}

type publishEnvelope struct {
	ctx       context.Context
	message   any
	sender    *agent.AgentID
	topic     agent.TopicID
	messageID string
}

type responseEnvelope struct {
	ctx       context.Context
	message   any
	sender    agent.AgentID
	recipient *agent.AgentID
	reply     *PendingReply
}

func (*sendEnvelope) kind() string     { return kindSend }
func (*publishEnvelope) kind() string  { return kindPublish }
func (*responseEnvelope) kind() string { return kindResponse }
