// Package proto defines the frames exchanged between workers and the host
// and the bidirectional gRPC service that carries them.
package proto

import "fmt"

// AgentId addresses an agent on the wire.
type AgentId struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// Payload is a serialized message together with its registry type name.
type Payload struct {
	DataType        string `json:"data_type"`
	DataContentType string `json:"data_content_type"`
	Data            []byte `json:"data"`
}

// RegisterAgentType announces that the sending worker hosts a factory.
type RegisterAgentType struct {
	Type string `json:"type"`
}

// RpcRequest asks the owner of Target to handle Payload and answer with
// an RpcResponse carrying the same RequestId. Method names the request's
// message type and, when set, must match Payload.DataType.
type RpcRequest struct {
	RequestId string            `json:"request_id"`
	Source    *AgentId          `json:"source,omitempty"`
	Target    AgentId           `json:"target"`
	Method    string            `json:"method,omitempty"`
	Payload   *Payload          `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RpcResponse answers an RpcRequest. Exactly one of Payload or Error is set.
type RpcResponse struct {
	RequestId string            `json:"request_id"`
	Payload   *Payload          `json:"payload,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Event is a published message.
type Event struct {
	TopicType   string            `json:"topic_type"`
	TopicSource string            `json:"topic_source"`
	Source      *AgentId          `json:"source,omitempty"`
	DataType    string            `json:"data_type"`
	Payload     *Payload          `json:"payload"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Message is the stream frame. Exactly one field is set.
type Message struct {
	RegisterAgentType *RegisterAgentType `json:"register_agent_type,omitempty"`
	Request           *RpcRequest        `json:"request,omitempty"`
	Response          *RpcResponse       `json:"response,omitempty"`
	Event             *Event             `json:"event,omitempty"`
}

// Frame kinds reported by Kind.
const (
	KindRegisterAgentType = "register_agent_type"
	KindRequest           = "request"
	KindResponse          = "response"
	KindEvent             = "event"
)

// Kind names the populated field of m.
func (m *Message) Kind() string {
	switch {
	case m == nil:
		return ""
	case m.RegisterAgentType != nil:
		return KindRegisterAgentType
	case m.Request != nil:
		return KindRequest
	case m.Response != nil:
		return KindResponse
	case m.Event != nil:
		return KindEvent
	default:
		return ""
	}
}

// Validate checks that exactly one field of m is set.
func (m *Message) Validate() error {
	n := 0
	for _, set := range []bool{m.RegisterAgentType != nil, m.Request != nil, m.Response != nil, m.Event != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("frame must carry exactly one message, got %d", n)
	}
	return nil
}
