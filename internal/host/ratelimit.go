package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FrameLimiter throttles inbound frames per client, optionally under a
// global limit shared by all clients. Throttled clients are slowed down,
// never disconnected.
type FrameLimiter struct {
	global  *rate.Limiter
	clients map[uint64]*rate.Limiter
	mu      sync.Mutex

	perSecond float64
	burst     int
}

// NewFrameLimiter creates a limiter allowing perSecond frames per client
// with the given burst. globalPerSecond <= 0 disables the global limit.
func NewFrameLimiter(perSecond float64, burst int, globalPerSecond float64) *FrameLimiter {
	l := &FrameLimiter{
		clients:   make(map[uint64]*rate.Limiter),
		perSecond: perSecond,
		burst:     burst,
	}
	if globalPerSecond > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalPerSecond), max(1, int(globalPerSecond)))
	}
	return l
}

// Admit blocks until clientID may deliver another frame. It reports whether
// the frame had to wait.
func (l *FrameLimiter) Admit(ctx context.Context, clientID uint64) (bool, error) {
	waited := false
	for _, lim := range []*rate.Limiter{l.global, l.client(clientID)} {
		if lim == nil {
			continue
		}
		res := lim.Reserve()
		if !res.OK() {
			return waited, fmt.Errorf("frame rate limit of client %d cannot be satisfied", clientID)
		}
		delay := res.Delay()
		if delay == 0 {
			continue
		}
		waited = true
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			res.Cancel()
			return waited, ctx.Err()
		}
	}
	return waited, nil
}

// Forget drops the state of a disconnected client.
func (l *FrameLimiter) Forget(clientID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, clientID)
}

func (l *FrameLimiter) client(clientID uint64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.clients[clientID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.perSecond), l.burst)
		l.clients[clientID] = lim
	}
	return lim
}
