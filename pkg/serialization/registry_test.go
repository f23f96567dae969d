package serialization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/aixgo-dev/agentrt/agent"
)

type echoRequest struct {
	Content string `json:"content"`
	Repeat  int    `json:"repeat"`
}

// labelSet is only ever registered under a custom wire name.
type labelSet struct {
	Labels map[string]string `json:"labels"`
}

type pointerNamed struct {
	ID string `json:"id"`
}

func (pointerNamed) MessageTypeName() string { return "acme.PointerNamed" }

const echoSchema = `{
	"type": "object",
	"properties": {
		"content": {"type": "string", "minLength": 1},
		"repeat":  {"type": "integer", "minimum": 0}
	},
	"required": ["content"]
}`

func TestRegistryRoundTrip(t *testing.T) {
	schemaSer, err := NewSchemaSerializer[echoRequest]([]byte(echoSchema))
	require.NoError(t, err)

	reg, err := NewRegistry(
		schemaSer,
		NewNamedJSONSerializer[map[string]string]("labels"),
		NewProtoSerializer(&wrapperspb.StringValue{}),
		NewProtoSerializer(&structpb.Struct{}),
	)
	require.NoError(t, err)

	t.Run("json struct", func(t *testing.T) {
		msg := echoRequest{Content: "hi", Repeat: 2}
		name := reg.TypeName(msg)
		require.True(t, reg.IsRegistered(name))

		data, err := reg.Serialize(msg, name)
		require.NoError(t, err)
		got, err := reg.Deserialize(data, name)
		require.NoError(t, err)
		assert.Equal(t, msg, got)

		ct, err := reg.ContentType(name)
		require.NoError(t, err)
		assert.Equal(t, ContentTypeJSON, ct)
	})

	t.Run("protobuf message", func(t *testing.T) {
		msg, err := structpb.NewStruct(map[string]any{"k": "v", "n": 3.0})
		require.NoError(t, err)
		name := reg.TypeName(msg)
		assert.Equal(t, "google.protobuf.Struct", name)

		data, err := reg.Serialize(msg, name)
		require.NoError(t, err)
		got, err := reg.Deserialize(data, name)
		require.NoError(t, err)
		assert.True(t, proto.Equal(msg, got.(proto.Message)))

		ct, err := reg.ContentType(name)
		require.NoError(t, err)
		assert.Equal(t, ContentTypeProtobuf, ct)
	})

	t.Run("named serializer", func(t *testing.T) {
		name := reg.TypeName(map[string]string{"a": "b"})
		require.Equal(t, "labels", name)

		data, err := reg.Serialize(map[string]string{"a": "b"}, name)
		require.NoError(t, err)
		got, err := reg.Deserialize(data, "labels")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "b"}, got)
	})

	t.Run("type names sorted", func(t *testing.T) {
		assert.Equal(t, []string{
			"echoRequest",
			"google.protobuf.StringValue",
			"google.protobuf.Struct",
			"labels",
		}, reg.TypeNames())
	})
}

func TestRegistryErrors(t *testing.T) {
	reg, err := NewRegistry(NewJSONSerializer[echoRequest]())
	require.NoError(t, err)

	t.Run("duplicate registration", func(t *testing.T) {
		err := reg.Register(NewJSONSerializer[echoRequest]())
		assert.ErrorIs(t, err, ErrAlreadyRegistered)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := reg.Serialize("x", "missing")
		assert.ErrorIs(t, err, ErrUnknownType)
		assert.ErrorIs(t, err, agent.ErrSerialization)

		_, err = reg.Deserialize([]byte(`{}`), "missing")
		assert.ErrorIs(t, err, agent.ErrSerialization)

		_, err = reg.ContentType("missing")
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := reg.Deserialize([]byte(`{not json`), "echoRequest")
		assert.ErrorIs(t, err, agent.ErrSerialization)
	})

	t.Run("wrong value type", func(t *testing.T) {
		_, err := reg.Serialize(42, "echoRequest")
		assert.ErrorIs(t, err, agent.ErrSerialization)
	})
}

func TestSchemaSerializerValidation(t *testing.T) {
	s, err := NewSchemaSerializer[echoRequest]([]byte(echoSchema))
	require.NoError(t, err)

	_, err = s.Serialize(echoRequest{Content: ""})
	assert.Error(t, err)

	_, err = s.Deserialize([]byte(`{"content":"ok","repeat":-1}`))
	assert.Error(t, err)

	got, err := s.Deserialize([]byte(`{"content":"ok"}`))
	require.NoError(t, err)
	assert.Equal(t, echoRequest{Content: "ok"}, got)

	_, err = NewSchemaSerializer[echoRequest]([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestProtoSerializerRejectsOtherMessages(t *testing.T) {
	s := NewProtoSerializer(&wrapperspb.StringValue{})
	_, err := s.Serialize(wrapperspb.Int64(4))
	assert.Error(t, err)
	_, err = s.Serialize("plain")
	assert.Error(t, err)
}

func TestCustomNameIsUsedForTypedValues(t *testing.T) {
	reg, err := NewRegistry(
		NewNamedJSONSerializer[labelSet]("acme.Labels"),
		NewJSONSerializer[*pointerNamed](),
	)
	require.NoError(t, err)

	msg := labelSet{Labels: map[string]string{"env": "prod"}}
	name := reg.TypeName(msg)
	assert.Equal(t, "acme.Labels", name)

	data, err := reg.Serialize(msg, name)
	require.NoError(t, err)
	got, err := reg.Deserialize(data, name)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	// Pointer message types pick up a value-receiver MessageTypeName.
	ptr := &pointerNamed{ID: "7"}
	assert.Equal(t, "acme.PointerNamed", reg.TypeName(ptr))
	data, err = reg.Serialize(ptr, "acme.PointerNamed")
	require.NoError(t, err)
	back, err := reg.Deserialize(data, "acme.PointerNamed")
	require.NoError(t, err)
	assert.Equal(t, ptr, back)

	// Unbound types fall back to the derived name.
	assert.Equal(t, "echoRequest", reg.TypeName(echoRequest{}))
}
