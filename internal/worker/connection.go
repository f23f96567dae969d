package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/aixgo-dev/agentrt/internal/transport"
	pb "github.com/aixgo-dev/agentrt/proto"
)

// WorkerIDHeader carries the worker instance id on the channel's metadata.
const WorkerIDHeader = "x-agentrt-worker-id"

// HostConnection owns the client connection to the host. Each call to Open
// starts a new channel over it; opening is guarded by a circuit breaker.
type HostConnection struct {
	conn     *grpc.ClientConn
	client   pb.AgentRpcClient
	breaker  *gobreaker.CircuitBreaker[pb.AgentRpc_OpenChannelClient]
	workerID string
	logger   *slog.Logger
}

// DialHost creates the client connection. No I/O happens until Open.
func DialHost(cfg *Config, workerID string, logger *slog.Logger) (*HostConnection, error) {
	if cfg.HostAddress == "" {
		return nil, errors.New("host address is required")
	}

	opts := cfg.DialOptions
	if len(opts) == 0 {
		defaults, err := transport.ClientOptions(nil, transport.DefaultKeepalive(), logger)
		if err != nil {
			return nil, err
		}
		opts = defaults
	}

	conn, err := grpc.NewClient(cfg.HostAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for host %s: %w", cfg.HostAddress, err)
	}

	breaker := gobreaker.NewCircuitBreaker[pb.AgentRpc_OpenChannelClient](gobreaker.Settings{
		Name:        "host-connect",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &HostConnection{
		conn:     conn,
		client:   pb.NewAgentRpcClient(conn),
		breaker:  breaker,
		workerID: workerID,
		logger:   logger,
	}, nil
}

// BreakerState reports the reconnect circuit breaker state.
func (c *HostConnection) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Open starts a channel to the host. The channel lives until ctx is done,
// Close is called, or the stream fails.
func (c *HostConnection) Open(ctx context.Context) (*Channel, error) {
	streamCtx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(ctx, WorkerIDHeader, c.workerID))

	stream, err := c.breaker.Execute(func() (pb.AgentRpc_OpenChannelClient, error) {
		return c.client.OpenChannel(streamCtx)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return &Channel{
		stream:   stream,
		outbound: transport.NewQueue[*pb.Message](),
		ctx:      streamCtx,
		cancel:   cancel,
	}, nil
}

// Close closes the client connection.
func (c *HostConnection) Close() error {
	return c.conn.Close()
}

// Channel is one open stream to the host with its unbounded outbound queue.
type Channel struct {
	stream   pb.AgentRpc_OpenChannelClient
	outbound *transport.Queue[*pb.Message]
	ctx      context.Context
	cancel   context.CancelFunc
}

// Send queues a frame. It fails once the channel is closed.
func (ch *Channel) Send(m *pb.Message) error {
	if err := ch.outbound.Push(m); err != nil {
		return fmt.Errorf("send %s: %w", m.Kind(), err)
	}
	return nil
}

// Run pumps frames in both directions until either side fails. handle runs
// on the receiving goroutine and must not block.
func (ch *Channel) Run(handle func(*pb.Message)) error {
	g, ctx := errgroup.WithContext(ch.ctx)
	stop := context.AfterFunc(ctx, ch.cancel)
	defer stop()

	g.Go(func() error {
		for {
			m, err := ch.outbound.Pop(ctx)
			if err != nil {
				return err
			}
			if err := ch.stream.Send(m); err != nil {
				return fmt.Errorf("send %s: %w", m.Kind(), err)
			}
		}
	})

	g.Go(func() error {
		for {
			m, err := ch.stream.Recv()
			if err != nil {
				return err
			}
			handle(m)
		}
	})

	return g.Wait()
}

// Close cancels the stream and rejects further sends.
func (ch *Channel) Close() {
	ch.outbound.Close()
	ch.cancel()
}
