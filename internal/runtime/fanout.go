package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aixgo-dev/agentrt/agent"
)

// Invoke calls a.OnMessage, converting a panic into an error.
func Invoke(ctx context.Context, a agent.Agent, message any, mctx agent.MessageContext) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = fmt.Errorf("agent %s panicked: %v", a.ID(), p)
		}
	}()
	return a.OnMessage(ctx, message, mctx)
}

// FanOut delivers a published message to every recipient concurrently and
// waits for all of them. Failures are logged, never returned: cancellation
// at debug level, everything else as an error.
func FanOut(ctx context.Context, logger *slog.Logger, recipients []agent.Agent, message any, mctx agent.MessageContext) {
	errs := make([]error, len(recipients))

	var wg sync.WaitGroup
	for i, a := range recipients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = Invoke(ctx, a, message, mctx)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		id := recipients[i].ID().String()
		if errors.Is(err, context.Canceled) {
			logger.Debug("publish delivery cancelled", "agent", id, "message_type", agent.TypeName(message))
			continue
		}
		logger.Error("publish delivery failed", "agent", id, "message_type", agent.TypeName(message), "error", err)
	}
}
