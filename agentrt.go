// Package agentrt wires the agent runtimes, the host and their ambient
// services together from a config.Config.
//
// Agents written against the agent package run unchanged in a LocalRuntime
// (one process) or in a Worker connected to a Host.
package agentrt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/agentrt/agent"
	"github.com/aixgo-dev/agentrt/internal/host"
	"github.com/aixgo-dev/agentrt/internal/observability"
	"github.com/aixgo-dev/agentrt/internal/runtime"
	"github.com/aixgo-dev/agentrt/internal/transport"
	"github.com/aixgo-dev/agentrt/internal/worker"
	"github.com/aixgo-dev/agentrt/pkg/config"
	metrics "github.com/aixgo-dev/agentrt/pkg/observability"
	"github.com/aixgo-dev/agentrt/pkg/serialization"
	"github.com/aixgo-dev/agentrt/pkg/statestore"
)

// Version is reported by the health endpoints (set via ldflags).
var Version = "dev"

const shutdownTimeout = 30 * time.Second

type (
	// LocalRuntime delivers messages between agents of one process.
	LocalRuntime = runtime.SingleThreadedRuntime
	// Worker hosts agents in a process connected to a Host.
	Worker = worker.Runtime
	// Host relays requests and events between workers.
	Host = host.Server
)

// NewLocalRuntime creates an in-process runtime from cfg.Runtime.
func NewLocalRuntime(cfg *config.Config, logger *slog.Logger, interventions ...agent.InterventionHandler) (*LocalRuntime, error) {
	return runtime.NewSingleThreadedRuntime(
		runtime.WithLogger(logger),
		runtime.WithInterventionHandlers(interventions...),
		runtime.WithMaxNamespaces(cfg.Runtime.MaxNamespaces),
		runtime.WithQueueWarnThreshold(cfg.Runtime.QueueWarnThreshold),
		runtime.WithMetrics(cfg.Runtime.EnableMetrics),
		runtime.WithTracing(cfg.Runtime.EnableTracing),
	)
}

// NewWorker creates a worker for cfg.Worker.HostAddress. Messages crossing
// the host must be registered in registry.
func NewWorker(cfg *config.Config, registry *serialization.Registry, logger *slog.Logger) (*Worker, error) {
	dialOpts, err := transport.ClientOptions(&cfg.Worker.TLS, cfg.Worker.Keepalive, logger)
	if err != nil {
		return nil, fmt.Errorf("worker transport: %w", err)
	}
	return worker.New(cfg.Worker.HostAddress,
		worker.WithLogger(logger),
		worker.WithRegistry(registry),
		worker.WithDialOptions(dialOpts...),
		worker.WithMaxNamespaces(cfg.Runtime.MaxNamespaces),
		worker.WithBackoff(cfg.Worker.MinBackoff, cfg.Worker.MaxBackoff),
		worker.WithBreaker(cfg.Worker.BreakerFailures, cfg.Worker.BreakerTimeout),
		worker.WithMetrics(cfg.Runtime.EnableMetrics),
		worker.WithTracing(cfg.Runtime.EnableTracing),
	)
}

// NewHost creates a host server from cfg.Host. It does not listen yet.
func NewHost(cfg *config.Config, logger *slog.Logger) (*Host, error) {
	serverOpts, err := transport.ServerOptions(&cfg.Host.TLS, cfg.Host.Keepalive)
	if err != nil {
		return nil, fmt.Errorf("host transport: %w", err)
	}

	opts := []host.Option{
		host.WithLogger(logger),
		host.WithMetrics(cfg.Runtime.EnableMetrics),
		host.WithTracing(cfg.Runtime.EnableTracing),
	}
	if rl := cfg.Host.RateLimit; rl.FramesPerSecond > 0 {
		opts = append(opts,
			host.WithRateLimit(rl.FramesPerSecond, rl.Burst),
			host.WithGlobalRateLimit(rl.GlobalFramesPerSecond))
	}
	return host.NewServer(host.NewServicer(opts...), logger, serverOpts...), nil
}

// RunHost listens on cfg.Host.Address and relays frames until ctx is done.
func RunHost(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger = orDefault(logger)

	stopTracing, err := initTracing(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopTracing()

	h, err := NewHost(cfg, logger)
	if err != nil {
		return err
	}
	if err := h.Listen(cfg.Host.Address); err != nil {
		return err
	}
	return ServeHost(ctx, cfg, h, logger)
}

// ServeHost runs the observability server next to h, which must already be
// listening, and stops both when ctx is done or h stops serving.
func ServeHost(ctx context.Context, cfg *config.Config, h *Host, logger *slog.Logger) error {
	logger = orDefault(logger)
	checker := metrics.NewHealthChecker(Version)
	checker.RegisterCheck(metrics.BacklogCheck("pending_forwards",
		h.Servicer().PendingForwards, cfg.Runtime.QueueWarnThreshold))

	g, gctx := errgroup.WithContext(ctx)
	serveObservability(gctx, g, cfg, checker, logger)
	g.Go(func() error {
		err := h.Wait(gctx)
		if gctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("server closed")
		}
		return fmt.Errorf("host stopped serving: %w", err)
	})
	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(err, h.Stop(stopCtx))
}

// RunWorker connects a worker to its host and serves until ctx is done.
// setup registers agent types and subscriptions before the first connect.
// With a state store configured, the checkpoint named by
// cfg.StateStore.Checkpoint is restored before connecting and rewritten at
// shutdown, and also on cfg.StateStore.CheckpointSchedule when one is set.
func RunWorker(ctx context.Context, cfg *config.Config, registry *serialization.Registry, logger *slog.Logger, setup func(*Worker) error) error {
	logger = orDefault(logger)

	stopTracing, err := initTracing(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopTracing()

	w, err := NewWorker(cfg, registry, logger)
	if err != nil {
		return err
	}
	if setup != nil {
		if err := setup(w); err != nil {
			return fmt.Errorf("worker setup: %w", err)
		}
	}

	schedule, err := cfg.StateStore.Schedule()
	if err != nil {
		return fmt.Errorf("checkpoint schedule: %w", err)
	}
	store, err := statestore.Open(ctx, cfg.StateStore)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	if store != nil {
		defer store.Close()
		if err := Restore(ctx, w, store, cfg.StateStore.Checkpoint); err != nil {
			if !errors.Is(err, statestore.ErrNotFound) {
				return err
			}
			logger.Info("no checkpoint to restore", "checkpoint", cfg.StateStore.Checkpoint)
		}
	}

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to connect to host: %w", err)
	}

	var periodic *statestore.Periodic
	if store != nil && schedule != nil {
		periodic = statestore.StartPeriodic(ctx, schedule, func(ctx context.Context) error {
			return Checkpoint(ctx, w, store, cfg.StateStore.Checkpoint)
		}, logger)
	}

	checker := metrics.NewHealthChecker(Version)
	checker.RegisterCheck(metrics.HostConnectionCheck(w.Connected))
	checker.RegisterCheck(metrics.CircuitBreakerCheck("host_breaker", func() bool {
		return w.BreakerState() == gobreaker.StateOpen
	}))
	checker.RegisterCheck(metrics.BacklogCheck("pending_requests", w.PendingRequests, cfg.Runtime.QueueWarnThreshold))
	if store != nil {
		checker.RegisterCheck(metrics.StateStoreCheck(func(ctx context.Context) error {
			_, err := store.List(ctx)
			return err
		}))
	}

	g, gctx := errgroup.WithContext(ctx)
	serveObservability(gctx, g, cfg, checker, logger)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()

	if periodic != nil {
		periodic.Stop()
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if store != nil {
		err = errors.Join(err, Checkpoint(stopCtx, w, store, cfg.StateStore.Checkpoint))
	}
	return errors.Join(err, w.Stop(stopCtx))
}

// Checkpoint saves the state of every agent rt has instantiated under name.
func Checkpoint(ctx context.Context, rt agent.Runtime, store statestore.Store, name string) error {
	state, err := rt.SaveState(ctx)
	if err != nil {
		return fmt.Errorf("save runtime state: %w", err)
	}
	cp := &statestore.Checkpoint{
		Name:      name,
		CreatedAt: time.Now().UTC(),
		State:     state,
	}
	if err := store.Save(ctx, cp); err != nil {
		return fmt.Errorf("checkpoint %s: %w", name, err)
	}
	return nil
}

// Restore loads the checkpoint called name into rt, instantiating the
// agents it names. It returns statestore.ErrNotFound when there is none.
func Restore(ctx context.Context, rt agent.Runtime, store statestore.Store, name string) error {
	cp, err := store.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("restore %s: %w", name, err)
	}
	if err := rt.LoadState(ctx, cp.State); err != nil {
		return fmt.Errorf("restore %s: %w", name, err)
	}
	return nil
}

func serveObservability(ctx context.Context, g *errgroup.Group, cfg *config.Config, checker *metrics.HealthChecker, logger *slog.Logger) {
	addr := cfg.Observability.MetricsAddress
	if addr == "" {
		return
	}

	srv := metrics.NewServer(addr, checker, logger)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func initTracing(ctx context.Context, cfg *config.Config, logger *slog.Logger) (func(), error) {
	t := cfg.Observability.Tracing
	if !t.Enabled {
		return func() {}, nil
	}

	err := observability.Init(ctx, observability.Config{
		ServiceName:  cfg.Observability.ServiceName,
		Enabled:      true,
		ExporterType: t.Exporter,
		OTLPEndpoint: t.Endpoint,
		OTLPInsecure: t.Insecure,
		OTLPHeaders:  t.Headers,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}, nil
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
