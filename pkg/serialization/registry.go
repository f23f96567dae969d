// Package serialization maps message type names to wire encoders.
//
// A Registry is constructed once per runtime and passed to every component
// that crosses the process boundary. There is no package-level registry.
package serialization

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/aixgo-dev/agentrt/agent"
)

var (
	// ErrAlreadyRegistered is returned when a type name is registered twice.
	ErrAlreadyRegistered = errors.New("message type already registered")

	// ErrUnknownType is returned for type names with no serializer.
	ErrUnknownType = errors.New("unknown message type")
)

// Content types reported by the built-in serializers.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// Serializer encodes and decodes values of one message type.
type Serializer interface {
	TypeName() string
	ContentType() string
	Serialize(msg any) ([]byte, error)
	Deserialize(data []byte) (any, error)
}

// boundSerializer is implemented by serializers tied to a single Go type.
type boundSerializer interface {
	goType() reflect.Type
}

// Registry is a concurrency-safe table of serializers keyed by type name.
type Registry struct {
	serializers map[string]Serializer
	// names maps the Go type of bound serializers to their registered name.
	names map[reflect.Type]string
	mu    sync.RWMutex
}

// NewRegistry creates a registry preloaded with serializers.
func NewRegistry(serializers ...Serializer) (*Registry, error) {
	r := &Registry{
		serializers: make(map[string]Serializer),
		names:       make(map[reflect.Type]string),
	}
	for _, s := range serializers {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds s. Returns ErrAlreadyRegistered if its type name is taken.
func (r *Registry) Register(s Serializer) error {
	name := s.TypeName()
	if name == "" {
		return fmt.Errorf("serializer has an empty type name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.serializers[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.serializers[name] = s
	if b, ok := s.(boundSerializer); ok {
		if _, taken := r.names[b.goType()]; !taken {
			r.names[b.goType()] = name
		}
	}
	return nil
}

// IsRegistered reports whether typeName has a serializer.
func (r *Registry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.serializers[typeName]
	return ok
}

// TypeNames returns the registered names in sorted order.
func (r *Registry) TypeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.serializers))
	for name := range r.serializers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TypeName returns the registry name of msg: the name its Go type was
// registered under, or agent.TypeName for types the registry has not bound.
// When several serializers share a Go type the first registered wins.
func (r *Registry) TypeName(msg any) string {
	if msg != nil {
		r.mu.RLock()
		name, ok := r.names[reflect.TypeOf(msg)]
		r.mu.RUnlock()
		if ok {
			return name
		}
	}
	return agent.TypeName(msg)
}

// ContentType returns the content type of typeName's serializer.
func (r *Registry) ContentType(typeName string) (string, error) {
	s, err := r.lookup(typeName)
	if err != nil {
		return "", err
	}
	return s.ContentType(), nil
}

// Serialize encodes msg with the serializer registered under typeName.
func (r *Registry) Serialize(msg any, typeName string) ([]byte, error) {
	s, err := r.lookup(typeName)
	if err != nil {
		return nil, err
	}
	data, err := s.Serialize(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", agent.ErrSerialization, typeName, err)
	}
	return data, nil
}

// Deserialize decodes data with the serializer registered under typeName.
func (r *Registry) Deserialize(data []byte, typeName string) (any, error) {
	s, err := r.lookup(typeName)
	if err != nil {
		return nil, err
	}
	msg, err := s.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", agent.ErrSerialization, typeName, err)
	}
	return msg, nil
}

func (r *Registry) lookup(typeName string) (Serializer, error) {
	r.mu.RLock()
	s, ok := r.serializers[typeName]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", agent.ErrSerialization, ErrUnknownType, typeName)
	}
	return s, nil
}
