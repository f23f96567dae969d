package agent

import (
	"fmt"
	"regexp"
	"strings"
)

var agentTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:-]{0,127}$`)

// AgentID identifies one logical agent instance: a registered agent type
// inside a namespace (Key). AgentID is comparable and safe to use as a map key.
type AgentID struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// String renders the id as "type/key".
func (id AgentID) String() string {
	return id.Type + "/" + id.Key
}

// ParseAgentID parses the "type/key" form produced by AgentID.String.
func ParseAgentID(s string) (AgentID, error) {
	typ, key, ok := strings.Cut(s, "/")
	if !ok || typ == "" {
		return AgentID{}, fmt.Errorf("invalid agent id %q: expected type/key", s)
	}
	return AgentID{Type: typ, Key: key}, nil
}

// AgentType names a registered agent factory.
type AgentType struct {
	Type string `json:"type"`
}

func (t AgentType) String() string { return t.Type }

// ValidateAgentType checks that name can be used as an agent type.
func ValidateAgentType(name string) error {
	if !agentTypePattern.MatchString(name) {
		return fmt.Errorf("invalid agent type %q", name)
	}
	return nil
}

// TopicID identifies the destination of a published message. Source is the
// namespace the message is published into.
type TopicID struct {
	Type   string `json:"type"`
	Source string `json:"source"`
}

func (t TopicID) String() string {
	return t.Type + "/" + t.Source
}
