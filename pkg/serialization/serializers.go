package serialization

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"google.golang.org/protobuf/proto"

	"github.com/aixgo-dev/agentrt/agent"
)

// JSONSerializer encodes plain Go values of type T as JSON.
type JSONSerializer[T any] struct {
	name string
}

// NewJSONSerializer creates a serializer named after T.
func NewJSONSerializer[T any]() *JSONSerializer[T] {
	return &JSONSerializer[T]{name: agent.TypeNameFor[T]()}
}

// NewNamedJSONSerializer creates a serializer for T under an explicit name.
func NewNamedJSONSerializer[T any](name string) *JSONSerializer[T] {
	return &JSONSerializer[T]{name: name}
}

func (s *JSONSerializer[T]) TypeName() string     { return s.name }
func (s *JSONSerializer[T]) ContentType() string  { return ContentTypeJSON }
func (s *JSONSerializer[T]) goType() reflect.Type { return reflect.TypeFor[T]() }

func (s *JSONSerializer[T]) Serialize(msg any) ([]byte, error) {
	typed, ok := msg.(T)
	if !ok {
		return nil, fmt.Errorf("expected %s, got %T", s.name, msg)
	}
	return json.Marshal(typed)
}

func (s *JSONSerializer[T]) Deserialize(data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// SchemaSerializer encodes T as JSON and validates the document against a
// JSON Schema on both encode and decode.
type SchemaSerializer[T any] struct {
	JSONSerializer[T]
	schema *jsonschema.Schema
}

// NewSchemaSerializer compiles schemaJSON and returns a validating serializer for T.
func NewSchemaSerializer[T any](schemaJSON []byte) (*SchemaSerializer[T], error) {
	name := agent.TypeNameFor[T]()

	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}

	return &SchemaSerializer[T]{
		JSONSerializer: JSONSerializer[T]{name: name},
		schema:         compiled,
	}, nil
}

func (s *SchemaSerializer[T]) Serialize(msg any) ([]byte, error) {
	data, err := s.JSONSerializer.Serialize(msg)
	if err != nil {
		return nil, err
	}
	if err := s.validate(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *SchemaSerializer[T]) Deserialize(data []byte) (any, error) {
	if err := s.validate(data); err != nil {
		return nil, err
	}
	return s.JSONSerializer.Deserialize(data)
}

func (s *SchemaSerializer[T]) validate(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// ProtoSerializer encodes one protobuf message type in binary wire format.
type ProtoSerializer struct {
	prototype proto.Message
	name      string
}

// NewProtoSerializer creates a serializer for the type of prototype.
func NewProtoSerializer(prototype proto.Message) *ProtoSerializer {
	return &ProtoSerializer{
		prototype: prototype,
		name:      string(prototype.ProtoReflect().Descriptor().FullName()),
	}
}

func (s *ProtoSerializer) TypeName() string     { return s.name }
func (s *ProtoSerializer) ContentType() string  { return ContentTypeProtobuf }
func (s *ProtoSerializer) goType() reflect.Type { return reflect.TypeOf(s.prototype) }

func (s *ProtoSerializer) Serialize(msg any) ([]byte, error) {
	m, ok := msg.(proto.Message)
	if !ok || agent.TypeName(m) != s.name {
		return nil, fmt.Errorf("expected %s, got %T", s.name, msg)
	}
	return proto.Marshal(m)
}

func (s *ProtoSerializer) Deserialize(data []byte) (any, error) {
	m := s.prototype.ProtoReflect().New().Interface()
	if err := proto.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}
