package host

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/aixgo-dev/agentrt/agent"
	"github.com/aixgo-dev/agentrt/internal/worker"
	"github.com/aixgo-dev/agentrt/pkg/serialization"
)

type textMessage struct {
	Content string `json:"content"`
}

type echoAgent struct {
	agent.BaseAgent
}

func newEchoAgent(fc agent.FactoryContext) (agent.Agent, error) {
	return &echoAgent{BaseAgent: agent.NewBaseAgent(fc, "echoes text")}, nil
}

func (a *echoAgent) OnMessage(_ context.Context, message any, _ agent.MessageContext) (any, error) {
	m, ok := message.(textMessage)
	if !ok {
		return nil, agent.ErrCannotHandle
	}
	return textMessage{Content: a.ID().Key + ":" + m.Content}, nil
}

// relayAgent forwards every message to echo/<own key> and returns the reply.
type relayAgent struct {
	agent.BaseAgent
}

func newRelayAgent(fc agent.FactoryContext) (agent.Agent, error) {
	return &relayAgent{BaseAgent: agent.NewBaseAgent(fc, "relays to echo")}, nil
}

func (a *relayAgent) OnMessage(ctx context.Context, message any, _ agent.MessageContext) (any, error) {
	return a.SendMessage(ctx, message, agent.AgentID{Type: "echo", Key: a.ID().Key})
}

// blockingAgent never answers until its context ends.
type blockingAgent struct {
	agent.BaseAgent
	started chan struct{}
}

func (a *blockingAgent) OnMessage(ctx context.Context, _ any, _ agent.MessageContext) (any, error) {
	a.started <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

// listenerAgent records published text messages.
type listenerAgent struct {
	agent.BaseAgent
	received chan<- string
}

func (a *listenerAgent) Metadata() agent.Metadata {
	m := a.BaseAgent.Metadata()
	m.Subscriptions = []string{"textMessage"}
	return m
}

func (a *listenerAgent) OnMessage(_ context.Context, message any, mctx agent.MessageContext) (any, error) {
	if m, ok := message.(textMessage); ok && mctx.Topic != nil {
		a.received <- a.ID().Key + ":" + m.Content
	}
	return nil, nil
}

type cluster struct {
	t        *testing.T
	servicer *Servicer
	server   *Server
	listener *bufconn.Listener
}

func startCluster(t *testing.T, opts ...Option) *cluster {
	t.Helper()
	opts = append([]Option{WithMetrics(false), WithTracing(false)}, opts...)
	servicer := NewServicer(opts...)
	srv := NewServer(servicer, nil)

	lis := bufconn.Listen(1 << 20)
	srv.ServeListener(lis)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return &cluster{t: t, servicer: servicer, server: srv, listener: lis}
}

func (c *cluster) worker() *worker.Runtime {
	c.t.Helper()
	reg, err := serialization.NewRegistry(serialization.NewJSONSerializer[textMessage]())
	require.NoError(c.t, err)

	w, err := worker.New("passthrough:///bufnet",
		worker.WithRegistry(reg),
		worker.WithDialOptions(
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return c.listener.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		),
		worker.WithBackoff(10*time.Millisecond, 50*time.Millisecond),
		worker.WithMetrics(false),
		worker.WithTracing(false),
	)
	require.NoError(c.t, err)
	require.NoError(c.t, w.Start(context.Background()))
	c.t.Cleanup(func() { _ = w.Stop(context.Background()) })
	return w
}

func (c *cluster) waitForType(agentType string) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		_, ok := c.servicer.Owner(agentType)
		return ok
	}, 5*time.Second, 5*time.Millisecond, "agent type %s never registered", agentType)
}

func TestTwoWorkerForwarding(t *testing.T) {
	c := startCluster(t)
	w1 := c.worker()
	w2 := c.worker()

	require.NoError(t, w2.Register("echo", newEchoAgent))
	require.NoError(t, w1.Register("relay", newRelayAgent))
	c.waitForType("echo")
	c.waitForType("relay")
	assert.Equal(t, 2, c.servicer.ClientCount())
	assert.Equal(t, []string{"echo", "relay"}, c.servicer.AgentTypes())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := w1.SendMessage(ctx, textMessage{Content: "hello"}, agent.AgentID{Type: "echo", Key: "default"})
	require.NoError(t, err)
	assert.Equal(t, textMessage{Content: "default:hello"}, got)

	// W2 -> relay on W1 -> echo on W2 -> back.
	got, err = w2.SendMessage(ctx, textMessage{Content: "round trip"}, agent.AgentID{Type: "relay", Key: "k1"})
	require.NoError(t, err)
	assert.Equal(t, textMessage{Content: "k1:round trip"}, got)

	// A worker reaching its own agent still goes through the host.
	got, err = w2.SendMessage(ctx, textMessage{Content: "self"}, agent.AgentID{Type: "echo", Key: "me"})
	require.NoError(t, err)
	assert.Equal(t, textMessage{Content: "me:self"}, got)

	assert.Equal(t, 0, c.servicer.PendingForwards())
}

func TestConcurrentRequestsKeepTheirReplies(t *testing.T) {
	c := startCluster(t)
	w1 := c.worker()
	w2 := c.worker()
	w3 := c.worker()
	require.NoError(t, w3.Register("echo", newEchoAgent))
	c.waitForType("echo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Both workers start their request ids at 1; the host must not mix
	// them up.
	type result struct {
		got any
		err error
	}
	results := make(chan result, 20)
	for i := 0; i < 10; i++ {
		for _, w := range []*worker.Runtime{w1, w2} {
			go func(w *worker.Runtime) {
				got, err := w.SendMessage(ctx, textMessage{Content: w.ID()}, agent.AgentID{Type: "echo", Key: "k"})
				if err == nil && got != (textMessage{Content: "k:" + w.ID()}) {
					err = assert.AnError
				}
				results <- result{got, err}
			}(w)
		}
	}
	for i := 0; i < 20; i++ {
		r := <-results
		require.NoError(t, r.err, "got %v", r.got)
	}
}

func TestUnknownTargetFailsImmediately(t *testing.T) {
	c := startCluster(t)
	w := c.worker()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := w.SendMessage(ctx, textMessage{Content: "anyone?"}, agent.AgentID{Type: "ghost", Key: "default"})
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrUnknownAgentType)
	assert.Equal(t, agent.CodeUnknownAgentType, agent.ErrorCode(err))
}

func TestHandlerErrorCodeCrossesTheHost(t *testing.T) {
	c := startCluster(t)
	w1 := c.worker()
	w2 := c.worker()
	require.NoError(t, w2.Register("strict", func(fc agent.FactoryContext) (agent.Agent, error) {
		return &refusingAgent{BaseAgent: agent.NewBaseAgent(fc, "")}, nil
	}))
	c.waitForType("strict")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := w1.SendMessage(ctx, textMessage{Content: "x"}, agent.AgentID{Type: "strict", Key: "default"})
	assert.ErrorIs(t, err, agent.ErrCannotHandle)
}

type refusingAgent struct {
	agent.BaseAgent
}

func (a *refusingAgent) OnMessage(context.Context, any, agent.MessageContext) (any, error) {
	return nil, agent.ErrCannotHandle
}

func TestDisconnectFailsOnlyOwnersPendingRequests(t *testing.T) {
	c := startCluster(t)
	caller := c.worker()
	doomed := c.worker()
	survivor := c.worker()

	started := make(chan struct{}, 1)
	require.NoError(t, doomed.Register("blocker", func(fc agent.FactoryContext) (agent.Agent, error) {
		return &blockingAgent{BaseAgent: agent.NewBaseAgent(fc, ""), started: started}, nil
	}))
	require.NoError(t, survivor.Register("echo", newEchoAgent))
	c.waitForType("blocker")
	c.waitForType("echo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	blocked := make(chan error, 1)
	go func() {
		_, err := caller.SendMessage(ctx, textMessage{Content: "wait"}, agent.AgentID{Type: "blocker", Key: "default"})
		blocked <- err
	}()
	select {
	case <-started:
	case <-ctx.Done():
		t.Fatal("blocker never started")
	}
	assert.Equal(t, 1, c.servicer.PendingForwards())

	require.NoError(t, doomed.Stop(context.Background()))

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, agent.ErrConnectionLost)
	case <-ctx.Done():
		t.Fatal("pending request was not failed")
	}

	require.Eventually(t, func() bool {
		_, ok := c.servicer.Owner("blocker")
		return !ok
	}, 5*time.Second, 5*time.Millisecond)

	got, err := caller.SendMessage(ctx, textMessage{Content: "still here"}, agent.AgentID{Type: "echo", Key: "default"})
	require.NoError(t, err)
	assert.Equal(t, textMessage{Content: "default:still here"}, got)
	assert.True(t, caller.Connected())
}

func TestStopWithConnectedWorkersIsGraceful(t *testing.T) {
	c := startCluster(t)
	w := c.worker()
	require.NoError(t, w.Register("echo", newEchoAgent))
	c.waitForType("echo")
	require.Eventually(t, w.Connected, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, c.servicer.ClientCount())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, c.server.Stop(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, c.servicer.ClientCount())
	assert.Empty(t, c.servicer.AgentTypes())
}

func TestEventsReachEveryWorker(t *testing.T) {
	c := startCluster(t)
	w1 := c.worker()
	w2 := c.worker()

	received := make(chan string, 4)
	factory := func(fc agent.FactoryContext) (agent.Agent, error) {
		return &listenerAgent{BaseAgent: agent.NewBaseAgent(fc, ""), received: received}, nil
	}
	require.NoError(t, w1.Register("listener_a", factory))
	require.NoError(t, w2.Register("listener_b", factory))
	c.waitForType("listener_a")
	c.waitForType("listener_b")

	err := w1.PublishMessage(context.Background(), textMessage{Content: "news"}, agent.TopicID{Type: "updates", Source: "room"})
	require.NoError(t, err)

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case s := <-received:
			got = append(got, s)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d listeners received the event", len(got))
		}
	}
	assert.ElementsMatch(t, []string{"room:news", "room:news"}, got)
}

func TestRateLimitedHostStillDelivers(t *testing.T) {
	c := startCluster(t, WithRateLimit(200, 2))
	w1 := c.worker()
	w2 := c.worker()
	require.NoError(t, w2.Register("echo", newEchoAgent))
	c.waitForType("echo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		_, err := w1.SendMessage(ctx, textMessage{Content: "x"}, agent.AgentID{Type: "echo", Key: "default"})
		require.NoError(t, err)
	}
}
