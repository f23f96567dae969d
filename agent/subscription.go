package agent

import (
	"fmt"
	"strings"
)

// Subscription matches topics and maps a matching topic to the agent that
// receives it. IsMatch returning true must imply MapToAgent succeeds.
type Subscription interface {
	ID() string
	IsMatch(topic TopicID) bool
	MapToAgent(topic TopicID) (AgentID, error)
}

// TypeSubscription delivers topics of exactly TopicType to the AgentType
// instance in the topic's namespace.
type TypeSubscription struct {
	TopicType string
	AgentType string
}

func (s TypeSubscription) ID() string {
	return "type:" + s.TopicType + "->" + s.AgentType
}

func (s TypeSubscription) IsMatch(topic TopicID) bool {
	return topic.Type == s.TopicType
}

func (s TypeSubscription) MapToAgent(topic TopicID) (AgentID, error) {
	if !s.IsMatch(topic) {
		return AgentID{}, fmt.Errorf("topic %s does not match subscription %s", topic, s.ID())
	}
	return AgentID{Type: s.AgentType, Key: topic.Source}, nil
}

// TypePrefixSubscription delivers topics whose type starts with Prefix.
type TypePrefixSubscription struct {
	Prefix    string
	AgentType string
}

func (s TypePrefixSubscription) ID() string {
	return "prefix:" + s.Prefix + "->" + s.AgentType
}

func (s TypePrefixSubscription) IsMatch(topic TopicID) bool {
	return strings.HasPrefix(topic.Type, s.Prefix)
}

func (s TypePrefixSubscription) MapToAgent(topic TopicID) (AgentID, error) {
	if !s.IsMatch(topic) {
		return AgentID{}, fmt.Errorf("topic %s does not match subscription %s", topic, s.ID())
	}
	return AgentID{Type: s.AgentType, Key: topic.Source}, nil
}
