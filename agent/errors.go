package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrCannotHandle is returned when no handler accepts a message type.
	ErrCannotHandle = errors.New("cannot handle message")

	// ErrMessageDropped is returned when an intervention handler vetoes delivery.
	ErrMessageDropped = errors.New("message dropped")

	// ErrUnknownAgentType is returned when no factory (or host route) exists for an agent type.
	ErrUnknownAgentType = errors.New("unknown agent type")

	// ErrSerialization is returned for unregistered type names and malformed payloads.
	ErrSerialization = errors.New("serialization error")

	// ErrConnectionLost is returned for every pending reply owned by a failed connection.
	ErrConnectionLost = errors.New("connection lost")

	// ErrAgentTypeAlreadyRegistered is returned when a factory name is registered twice.
	ErrAgentTypeAlreadyRegistered = errors.New("agent type already registered")

	// ErrUnexpectedResult is returned by a strict router when a handler produces an undeclared type.
	ErrUnexpectedResult = errors.New("unexpected handler result type")

	// ErrRuntimeStopped is returned when a message is submitted to a stopped runtime.
	ErrRuntimeStopped = errors.New("runtime stopped")
)

// Error codes carried across the wire in place of the sentinel errors.
const (
	CodeCannotHandle     = "cannot_handle"
	CodeMessageDropped   = "message_dropped"
	CodeUnknownAgentType = "unknown_agent_type"
	CodeSerialization    = "serialization"
	CodeConnectionLost   = "connection_lost"
	CodeInternal         = "internal"
)

var codeErrors = map[string]error{
	CodeCannotHandle:     ErrCannotHandle,
	CodeMessageDropped:   ErrMessageDropped,
	CodeUnknownAgentType: ErrUnknownAgentType,
	CodeSerialization:    ErrSerialization,
	CodeConnectionLost:   ErrConnectionLost,
}

// RemoteError is a failure reported by another process. It unwraps to the
// sentinel error matching its code so errors.Is works across the wire.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%s): %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return codeErrors[e.Code]
}

// ErrorCode maps err onto a wire error code.
func ErrorCode(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}
