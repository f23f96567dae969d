package worker

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/aixgo-dev/agentrt/agent"
	"github.com/aixgo-dev/agentrt/pkg/serialization"
	pb "github.com/aixgo-dev/agentrt/proto"
)

type ping struct {
	Text string `json:"text"`
}

type pingAgent struct {
	agent.BaseAgent
}

func newPingAgent(fc agent.FactoryContext) (agent.Agent, error) {
	return &pingAgent{BaseAgent: agent.NewBaseAgent(fc, "answers pings")}, nil
}

func (a *pingAgent) OnMessage(_ context.Context, message any, _ agent.MessageContext) (any, error) {
	p, ok := message.(ping)
	if !ok {
		return nil, agent.ErrCannotHandle
	}
	return ping{Text: "pong:" + p.Text}, nil
}

// fakeHost records the frames of each channel and lets the test answer them.
type fakeHost struct {
	pb.UnimplementedAgentRpcServer
	sessions chan *fakeSession
}

type fakeSession struct {
	stream pb.AgentRpc_OpenChannelServer
	frames chan *pb.Message
	drop   chan struct{}
}

func (h *fakeHost) OpenChannel(stream pb.AgentRpc_OpenChannelServer) error {
	s := &fakeSession{stream: stream, frames: make(chan *pb.Message, 64), drop: make(chan struct{})}
	h.sessions <- s

	go func() {
		defer close(s.frames)
		for {
			m, err := stream.Recv()
			if err != nil {
				return
			}
			s.frames <- m
		}
	}()

	select {
	case <-s.drop:
		return status.Error(codes.Unavailable, "dropped by test")
	case <-stream.Context().Done():
		return nil
	}
}

func (s *fakeSession) next(t *testing.T) *pb.Message {
	t.Helper()
	select {
	case m, ok := <-s.frames:
		require.True(t, ok, "channel closed")
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (h *fakeHost) session(t *testing.T) *fakeSession {
	t.Helper()
	select {
	case s := <-h.sessions:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for channel")
		return nil
	}
}

func testRegistry(t *testing.T) *serialization.Registry {
	t.Helper()
	reg, err := serialization.NewRegistry(serialization.NewJSONSerializer[ping]())
	require.NoError(t, err)
	return reg
}

func startFakeHost(t *testing.T) (*fakeHost, []grpc.DialOption) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	h := &fakeHost{sessions: make(chan *fakeSession, 4)}
	pb.RegisterAgentRpcServer(srv, h)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return h, []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

func newTestWorker(t *testing.T, dialOpts []grpc.DialOption) *Runtime {
	t.Helper()
	w, err := New("passthrough:///bufnet",
		WithRegistry(testRegistry(t)),
		WithDialOptions(dialOpts...),
		WithBackoff(10*time.Millisecond, 50*time.Millisecond),
		WithMetrics(false),
		WithTracing(false),
	)
	require.NoError(t, err)
	return w
}

func marshalPing(t *testing.T, text string) *pb.Payload {
	t.Helper()
	data, err := json.Marshal(ping{Text: text})
	require.NoError(t, err)
	return &pb.Payload{DataType: "ping", DataContentType: serialization.ContentTypeJSON, Data: data}
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New("localhost:1")
	assert.Error(t, err)
}

func TestSendBeforeStartFails(t *testing.T) {
	w := newTestWorker(t, nil)
	_, err := w.SendMessage(context.Background(), ping{Text: "x"}, agent.AgentID{Type: "pinger", Key: "default"})
	assert.ErrorIs(t, err, agent.ErrConnectionLost)
	assert.ErrorIs(t, w.PublishMessage(context.Background(), ping{}, agent.TopicID{Type: "t", Source: "s"}), agent.ErrConnectionLost)
}

func TestSendUnregisteredMessageType(t *testing.T) {
	host, dialOpts := startFakeHost(t)
	w := newTestWorker(t, dialOpts)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(context.Background()) })
	host.session(t)

	_, err := w.SendMessage(context.Background(), struct{ X int }{1}, agent.AgentID{Type: "pinger", Key: "default"})
	assert.ErrorIs(t, err, agent.ErrSerialization)
	assert.Equal(t, 0, w.PendingRequests())
}

func TestRegisterAnnouncesType(t *testing.T) {
	host, dialOpts := startFakeHost(t)
	w := newTestWorker(t, dialOpts)

	// Registered before Start: announced when the channel opens.
	require.NoError(t, w.Register("early", newPingAgent))
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(context.Background()) })
	assert.True(t, w.Connected())

	s := host.session(t)
	m := s.next(t)
	require.NotNil(t, m.RegisterAgentType)
	assert.Equal(t, "early", m.RegisterAgentType.Type)

	require.NoError(t, w.Register("late", newPingAgent))
	m = s.next(t)
	require.NotNil(t, m.RegisterAgentType)
	assert.Equal(t, "late", m.RegisterAgentType.Type)

	err := w.Register("late", newPingAgent)
	assert.ErrorIs(t, err, agent.ErrAgentTypeAlreadyRegistered)
}

func TestSendMessageResolvesFromResponse(t *testing.T) {
	host, dialOpts := startFakeHost(t)
	w := newTestWorker(t, dialOpts)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(context.Background()) })
	s := host.session(t)

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := w.SendMessage(context.Background(), ping{Text: "hi"}, agent.AgentID{Type: "pinger", Key: "default"},
			agent.WithSender(agent.AgentID{Type: "caller", Key: "default"}), agent.WithMessageID("m-1"))
		done <- result{v, err}
	}()

	m := s.next(t)
	require.NotNil(t, m.Request)
	req := m.Request
	assert.Equal(t, "1", req.RequestId)
	assert.Equal(t, pb.AgentId{Type: "pinger", Key: "default"}, req.Target)
	assert.Equal(t, &pb.AgentId{Type: "caller", Key: "default"}, req.Source)
	assert.Equal(t, "m-1", req.Metadata[MetadataMessageID])
	assert.Equal(t, w.ID(), req.Metadata[MetadataWorkerID])
	assert.Equal(t, "ping", req.Payload.DataType)
	assert.Equal(t, "ping", req.Method)

	require.NoError(t, s.stream.Send(&pb.Message{Response: &pb.RpcResponse{
		RequestId: req.RequestId,
		Payload:   marshalPing(t, "pong"),
	}}))

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, ping{Text: "pong"}, r.value)
	assert.Equal(t, 0, w.PendingRequests())
}

func TestSendMessageRemoteError(t *testing.T) {
	host, dialOpts := startFakeHost(t)
	w := newTestWorker(t, dialOpts)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(context.Background()) })
	s := host.session(t)

	done := make(chan error, 1)
	go func() {
		_, err := w.SendMessage(context.Background(), ping{Text: "hi"}, agent.AgentID{Type: "missing", Key: "default"})
		done <- err
	}()

	m := s.next(t)
	require.NotNil(t, m.Request)
	require.NoError(t, s.stream.Send(&pb.Message{Response: &pb.RpcResponse{
		RequestId: m.Request.RequestId,
		Error:     "no worker hosts missing",
		ErrorCode: agent.CodeUnknownAgentType,
	}}))

	err := <-done
	assert.ErrorIs(t, err, agent.ErrUnknownAgentType)
	var remote *agent.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "no worker hosts missing", remote.Message)
}

func TestSendMessageCancellationRemovesPending(t *testing.T) {
	host, dialOpts := startFakeHost(t)
	w := newTestWorker(t, dialOpts)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(context.Background()) })
	s := host.session(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := w.SendMessage(ctx, ping{Text: "hi"}, agent.AgentID{Type: "pinger", Key: "default"})
		done <- err
	}()

	m := s.next(t)
	require.NotNil(t, m.Request)
	assert.Equal(t, 1, w.PendingRequests())
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, w.PendingRequests())

	// A late response is ignored.
	require.NoError(t, s.stream.Send(&pb.Message{Response: &pb.RpcResponse{RequestId: m.Request.RequestId}}))
}

func TestIncomingRequestIsAnswered(t *testing.T) {
	host, dialOpts := startFakeHost(t)
	w := newTestWorker(t, dialOpts)
	require.NoError(t, w.Register("pinger", newPingAgent))
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(context.Background()) })
	s := host.session(t)
	require.NotNil(t, s.next(t).RegisterAgentType)

	require.NoError(t, s.stream.Send(&pb.Message{Request: &pb.RpcRequest{
		RequestId: "h-7",
		Target:    pb.AgentId{Type: "pinger", Key: "default"},
		Payload:   marshalPing(t, "hello"),
	}}))

	m := s.next(t)
	require.NotNil(t, m.Response)
	assert.Equal(t, "h-7", m.Response.RequestId)
	assert.Empty(t, m.Response.Error)
	require.NotNil(t, m.Response.Payload)

	var got ping
	require.NoError(t, json.Unmarshal(m.Response.Payload.Data, &got))
	assert.Equal(t, "pong:hello", got.Text)

	require.NoError(t, s.stream.Send(&pb.Message{Request: &pb.RpcRequest{
		RequestId: "h-8",
		Target:    pb.AgentId{Type: "nobody", Key: "default"},
		Payload:   marshalPing(t, "hello"),
	}}))
	m = s.next(t)
	require.NotNil(t, m.Response)
	assert.Equal(t, "h-8", m.Response.RequestId)
	assert.Equal(t, agent.CodeUnknownAgentType, m.Response.ErrorCode)

	require.NoError(t, s.stream.Send(&pb.Message{Request: &pb.RpcRequest{
		RequestId: "h-9",
		Target:    pb.AgentId{Type: "pinger", Key: "default"},
		Method:    "shout",
		Payload:   marshalPing(t, "hello"),
	}}))
	m = s.next(t)
	require.NotNil(t, m.Response)
	assert.Equal(t, "h-9", m.Response.RequestId)
	assert.Equal(t, agent.CodeSerialization, m.Response.ErrorCode)
	assert.Contains(t, m.Response.Error, "method shout")
}

func TestConnectionLossFailsPendingAndReconnects(t *testing.T) {
	host, dialOpts := startFakeHost(t)
	w := newTestWorker(t, dialOpts)
	require.NoError(t, w.Register("pinger", newPingAgent))
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	first := host.session(t)
	require.NotNil(t, first.next(t).RegisterAgentType)

	done := make(chan error, 1)
	go func() {
		_, err := w.SendMessage(context.Background(), ping{Text: "hi"}, agent.AgentID{Type: "pinger", Key: "default"})
		done <- err
	}()
	require.NotNil(t, first.next(t).Request)

	close(first.drop)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, agent.ErrConnectionLost)
	case <-time.After(5 * time.Second):
		t.Fatal("pending send was not failed")
	}

	second := host.session(t)
	m := second.next(t)
	require.NotNil(t, m.RegisterAgentType, "registrations are replayed after reconnect")
	assert.Equal(t, "pinger", m.RegisterAgentType.Type)
	require.Eventually(t, w.Connected, 5*time.Second, 10*time.Millisecond)
}

func TestStopFailsPending(t *testing.T) {
	host, dialOpts := startFakeHost(t)
	w := newTestWorker(t, dialOpts)
	require.NoError(t, w.Start(context.Background()))
	s := host.session(t)

	done := make(chan error, 1)
	go func() {
		_, err := w.SendMessage(context.Background(), ping{Text: "hi"}, agent.AgentID{Type: "pinger", Key: "default"})
		done <- err
	}()
	require.NotNil(t, s.next(t).Request)

	assert.Equal(t, gobreaker.StateClosed, w.BreakerState())
	require.NoError(t, w.Stop(context.Background()))
	assert.ErrorIs(t, <-done, agent.ErrConnectionLost)
	assert.False(t, w.Connected())
	assert.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, gobreaker.StateClosed, w.BreakerState())
}

func TestGetForRemoteType(t *testing.T) {
	w := newTestWorker(t, nil)
	require.NoError(t, w.Register("pinger", newPingAgent))

	id, err := w.Get(context.Background(), "remote", "k")
	require.NoError(t, err)
	assert.Equal(t, agent.AgentID{Type: "remote", Key: "k"}, id)

	id, err = w.Get(context.Background(), "pinger", "k")
	require.NoError(t, err)
	assert.Equal(t, agent.AgentID{Type: "pinger", Key: "k"}, id)

	_, err = w.Get(context.Background(), "bad type!", "k")
	assert.Error(t, err)
}
