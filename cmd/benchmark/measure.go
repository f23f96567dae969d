package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/agentrt"
	"github.com/aixgo-dev/agentrt/agent"
	"github.com/aixgo-dev/agentrt/pkg/config"
	"github.com/aixgo-dev/agentrt/pkg/serialization"
)

type ping struct {
	Seq int `json:"seq"`
}

type pong struct {
	Seq int `json:"seq"`
}

func newPonger(fc agent.FactoryContext) (agent.Agent, error) {
	return agent.NewRoutedAgent(fc, "answers pings", []agent.Handler{
		agent.HandlerFor(func(_ context.Context, m ping, _ agent.MessageContext) (any, error) {
			return pong{Seq: m.Seq}, nil
		}),
	})
}

func benchConfig() *config.Config {
	cfg := config.Default()
	cfg.Runtime.EnableMetrics = false
	cfg.Runtime.EnableTracing = false
	cfg.Observability.MetricsAddress = ""
	cfg.Host.Address = "127.0.0.1:0"
	return cfg
}

// measure sends requests pings to ponger agents through the runtime named
// by mode, spreading them over concurrency senders.
func measure(ctx context.Context, mode string, requests, concurrency int, logger *slog.Logger) (Result, error) {
	if requests <= 0 || concurrency <= 0 {
		return Result{}, fmt.Errorf("requests and concurrency must be positive")
	}

	var (
		rt      agent.Runtime
		cleanup func()
		err     error
	)
	switch mode {
	case "local":
		rt, cleanup, err = startLocal(ctx, logger)
	case "host":
		rt, cleanup, err = startCluster(ctx, logger)
	default:
		return Result{}, fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	latencies := make([]time.Duration, requests)
	var next atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for w := range concurrency {
		target := agent.AgentID{Type: "ponger", Key: fmt.Sprintf("ns-%d", w)}
		g.Go(func() error {
			for {
				i := int(next.Add(1)) - 1
				if i >= requests {
					return nil
				}
				t0 := time.Now()
				reply, err := rt.SendMessage(gctx, ping{Seq: i}, target)
				if err != nil {
					return err
				}
				if p, ok := reply.(pong); !ok || p.Seq != i {
					return fmt.Errorf("%w: got %#v for ping %d", agent.ErrUnexpectedResult, reply, i)
				}
				latencies[i] = time.Since(t0)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return summarize(mode, concurrency, time.Since(start), latencies), nil
}

func summarize(mode string, concurrency int, elapsed time.Duration, latencies []time.Duration) Result {
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)
	pct := func(p float64) time.Duration {
		if len(sorted) == 0 {
			return 0
		}
		return sorted[int(p*float64(len(sorted)-1))]
	}
	return Result{
		Mode:        mode,
		Requests:    len(latencies),
		Concurrency: concurrency,
		Elapsed:     elapsed,
		Throughput:  float64(len(latencies)) / elapsed.Seconds(),
		P50:         pct(0.50),
		P95:         pct(0.95),
		P99:         pct(0.99),
	}
}

func startLocal(ctx context.Context, logger *slog.Logger) (agent.Runtime, func(), error) {
	rt, err := agentrt.NewLocalRuntime(benchConfig(), logger)
	if err != nil {
		return nil, nil, err
	}
	if err := rt.Register("ponger", newPonger); err != nil {
		return nil, nil, err
	}
	if err := rt.Start(ctx); err != nil {
		return nil, nil, err
	}
	return rt, func() { _ = rt.Stop(context.Background()) }, nil
}

// startCluster runs a host on loopback, a worker hosting the pongers and a
// second worker that sends the pings.
func startCluster(ctx context.Context, logger *slog.Logger) (agent.Runtime, func(), error) {
	cfg := benchConfig()
	registry, err := serialization.NewRegistry(
		serialization.NewJSONSerializer[ping](),
		serialization.NewJSONSerializer[pong](),
	)
	if err != nil {
		return nil, nil, err
	}

	h, err := agentrt.NewHost(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := h.Listen(cfg.Host.Address); err != nil {
		return nil, nil, err
	}
	cfg.Worker.HostAddress = h.Addr().String()

	var stops []func()
	cleanup := func() {
		for _, stop := range slices.Backward(stops) {
			stop()
		}
	}
	stops = append(stops, func() { _ = h.Stop(context.Background()) })

	startWorker := func(setup func(*agentrt.Worker) error) (*agentrt.Worker, error) {
		w, err := agentrt.NewWorker(cfg, registry, logger)
		if err != nil {
			return nil, err
		}
		if err := setup(w); err != nil {
			return nil, err
		}
		if err := w.Start(ctx); err != nil {
			return nil, err
		}
		stops = append(stops, func() { _ = w.Stop(context.Background()) })
		return w, nil
	}

	_, err = startWorker(func(w *agentrt.Worker) error { return w.Register("ponger", newPonger) })
	if err == nil {
		err = waitForType(ctx, h, "ponger")
	}
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	client, err := startWorker(func(*agentrt.Worker) error { return nil })
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return client, cleanup, nil
}

func waitForType(ctx context.Context, h *agentrt.Host, agentType string) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := h.Servicer().Owner(agentType); ok {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to register: %w", agentType, ctx.Err())
		}
	}
}
