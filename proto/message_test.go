package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageKind(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want string
	}{
		{"nil", nil, ""},
		{"empty", &Message{}, ""},
		{"register", &Message{RegisterAgentType: &RegisterAgentType{Type: "echoer"}}, KindRegisterAgentType},
		{"request", &Message{Request: &RpcRequest{RequestId: "1"}}, KindRequest},
		{"response", &Message{Response: &RpcResponse{RequestId: "1"}}, KindResponse},
		{"event", &Message{Event: &Event{TopicType: "news"}}, KindEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.Kind())
		})
	}
}

func TestMessageValidate(t *testing.T) {
	assert.Error(t, (&Message{}).Validate())
	assert.Error(t, (&Message{
		Request:  &RpcRequest{},
		Response: &RpcResponse{},
	}).Validate())
	assert.NoError(t, (&Message{Event: &Event{}}).Validate())
}

func TestJSONCodecCarriesBinaryPayload(t *testing.T) {
	codec := jsonCodec{}
	in := &Message{Request: &RpcRequest{
		RequestId: "7",
		Target:    AgentId{Type: "echoer", Key: "default"},
		Payload: &Payload{
			DataType:        "google.protobuf.StringValue",
			DataContentType: "application/x-protobuf",
			Data:            []byte{0x0a, 0x00, 0xff},
		},
	}}

	data, err := codec.Marshal(in)
	require.NoError(t, err)

	var out Message
	require.NoError(t, codec.Unmarshal(data, &out))
	assert.Equal(t, in, &out)
	assert.Equal(t, CodecName, codec.Name())
}
