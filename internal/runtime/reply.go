package runtime

import (
	"context"
	"sync"
)

// PendingReply is the one-shot result slot of a send. The first Resolve or
// Fail wins; later calls are ignored.
type PendingReply struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// NewPendingReply creates an unresolved reply.
func NewPendingReply() *PendingReply {
	return &PendingReply{done: make(chan struct{})}
}

// Resolve completes the reply with v. Reports whether this call completed it.
func (p *PendingReply) Resolve(v any) bool {
	return p.complete(v, nil)
}

// Fail completes the reply with err. Reports whether this call completed it.
func (p *PendingReply) Fail(err error) bool {
	return p.complete(nil, err)
}

func (p *PendingReply) complete(v any, err error) bool {
	completed := false
	p.once.Do(func() {
		p.value, p.err = v, err
		close(p.done)
		completed = true
	})
	return completed
}

// Done is closed once the reply is complete.
func (p *PendingReply) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the reply completes or ctx is done.
func (p *PendingReply) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
