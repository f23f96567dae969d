package statestore

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Periodic calls a save function on a cron schedule. A run that is still
// going when the next one is due causes that run to be skipped.
type Periodic struct {
	cron *cron.Cron
}

// StartPeriodic calls save on schedule until Stop or ctx is done. Failures
// are logged and retried at the next tick.
func StartPeriodic(ctx context.Context, schedule cron.Schedule, save func(context.Context) error, logger *slog.Logger) *Periodic {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "statestore")

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if err := save(ctx); err != nil {
			logger.Error("periodic checkpoint failed", "error", err)
			return
		}
		logger.Debug("periodic checkpoint written")
	}))
	c.Start()
	return &Periodic{cron: c}
}

// Stop cancels future runs and waits for a running save to return.
func (p *Periodic) Stop() {
	<-p.cron.Stop().Done()
}
