package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Hand-written gRPC stubs for the agentrt.AgentRpc service. Frames are
// plain Go structs encoded with the JSON codec in codec.go.

const (
	ServiceName       = "agentrt.AgentRpc"
	OpenChannelMethod = "/agentrt.AgentRpc/OpenChannel"
)

// AgentRpcClient is the client API for AgentRpc.
type AgentRpcClient interface {
	OpenChannel(ctx context.Context, opts ...grpc.CallOption) (AgentRpc_OpenChannelClient, error)
}

// AgentRpc_OpenChannelClient is the worker side of the channel.
type AgentRpc_OpenChannelClient interface {
	Send(*Message) error
	Recv() (*Message, error)
	grpc.ClientStream
}

type agentRpcClient struct {
	cc grpc.ClientConnInterface
}

// NewAgentRpcClient creates a new AgentRpcClient.
func NewAgentRpcClient(cc grpc.ClientConnInterface) AgentRpcClient {
	return &agentRpcClient{cc}
}

func (c *agentRpcClient) OpenChannel(ctx context.Context, opts ...grpc.CallOption) (AgentRpc_OpenChannelClient, error) {
	opts = append(opts, CallOption())
	stream, err := c.cc.NewStream(ctx, &agentRpcServiceDesc.Streams[0], OpenChannelMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &agentRpcOpenChannelClient{stream}, nil
}

type agentRpcOpenChannelClient struct {
	grpc.ClientStream
}

func (x *agentRpcOpenChannelClient) Send(m *Message) error {
	return x.ClientStream.SendMsg(m)
}

func (x *agentRpcOpenChannelClient) Recv() (*Message, error) {
	m := new(Message)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// AgentRpcServer is the server API for AgentRpc.
type AgentRpcServer interface {
	OpenChannel(AgentRpc_OpenChannelServer) error
}

// AgentRpc_OpenChannelServer is the host side of the channel.
type AgentRpc_OpenChannelServer interface {
	Send(*Message) error
	Recv() (*Message, error)
	grpc.ServerStream
}

// UnimplementedAgentRpcServer can be embedded for forward compatibility.
type UnimplementedAgentRpcServer struct{}

func (UnimplementedAgentRpcServer) OpenChannel(AgentRpc_OpenChannelServer) error {
	return status.Error(codes.Unimplemented, "method OpenChannel not implemented")
}

func _AgentRpc_OpenChannel_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentRpcServer).OpenChannel(&agentRpcOpenChannelServer{stream})
}

type agentRpcOpenChannelServer struct {
	grpc.ServerStream
}

func (x *agentRpcOpenChannelServer) Send(m *Message) error {
	return x.ServerStream.SendMsg(m)
}

func (x *agentRpcOpenChannelServer) Recv() (*Message, error) {
	m := new(Message)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

var agentRpcServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentRpcServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "OpenChannel",
			Handler:       _AgentRpc_OpenChannel_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "agent_rpc.proto",
}

// RegisterAgentRpcServer registers the AgentRpc service with gRPC.
func RegisterAgentRpcServer(s grpc.ServiceRegistrar, srv AgentRpcServer) {
	s.RegisterService(&agentRpcServiceDesc, srv)
}
