package pool

import (
	"container/list"
	"context"
	"sync"

	"github.com/odvcencio/gridrunner/pkg/browser"
	"github.com/odvcencio/gridrunner/pkg/telemetry"
)

// LimitedPool caps the sessions of one browser type that are checked out at
// once. Requests above the cap wait in arrival order.
type LimitedPool struct {
	browserID string
	limit     int
	inner     Pool

	mu        sync.Mutex
	launched  int
	out       map[*browser.Browser]struct{}
	queue     *list.List // of *waiter
	cancelled bool
}

type waiter struct {
	ready   chan struct{}
	granted bool
	err     error
}

// NewLimitedPool allows at most limit checked-out sessions of browserID.
// A limit below one is treated as one.
func NewLimitedPool(browserID string, limit int, inner Pool) *LimitedPool {
	if limit < 1 {
		limit = 1
	}
	return &LimitedPool{
		browserID: browserID,
		limit:     limit,
		inner:     inner,
		out:       make(map[*browser.Browser]struct{}),
		queue:     list.New(),
	}
}

func (p *LimitedPool) GetBrowser(ctx context.Context, id string, opts GetOptions) (*browser.Browser, error) {
	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return nil, cancelled(id)
	}
	if p.launched < p.limit && p.queue.Len() == 0 {
		p.launched++
		p.mu.Unlock()
		return p.acquire(ctx, id, opts)
	}

	w := &waiter{ready: make(chan struct{})}
	elem := p.queue.PushBack(w)
	telemetry.SetPoolWaiters(p.browserID, p.queue.Len())
	p.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		p.mu.Lock()
		switch {
		case w.granted:
			// Permit arrived while giving up; pass it on.
			p.releaseLocked()
		case w.err == nil:
			p.queue.Remove(elem)
			telemetry.SetPoolWaiters(p.browserID, p.queue.Len())
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}

	if w.err != nil {
		return nil, w.err
	}
	return p.acquire(ctx, id, opts)
}

// acquire runs with a permit held and gives it back if the launch fails.
func (p *LimitedPool) acquire(ctx context.Context, id string, opts GetOptions) (*browser.Browser, error) {
	b, err := p.inner.GetBrowser(ctx, id, opts)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.releaseLocked()
		return nil, err
	}
	p.out[b] = struct{}{}
	return b, nil
}

// FreeBrowser releases a session checked out from this pool. Freeing a
// session that is not checked out does nothing.
func (p *LimitedPool) FreeBrowser(ctx context.Context, b *browser.Browser, opts FreeOptions) error {
	p.mu.Lock()
	if _, ok := p.out[b]; !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.out, b)
	force := opts.Force || p.cancelled || p.queue.Len() == 0
	p.mu.Unlock()

	err := p.inner.FreeBrowser(ctx, b, FreeOptions{Force: force})

	p.mu.Lock()
	p.releaseLocked()
	p.mu.Unlock()
	return err
}

// releaseLocked returns one permit and grants it to waiters oldest first.
func (p *LimitedPool) releaseLocked() {
	if p.launched > 0 {
		p.launched--
	}
	for p.launched < p.limit && p.queue.Len() > 0 {
		w := p.queue.Remove(p.queue.Front()).(*waiter)
		p.launched++
		w.granted = true
		close(w.ready)
	}
	telemetry.SetPoolWaiters(p.browserID, p.queue.Len())
}

// Launched returns the number of sessions currently checked out.
func (p *LimitedPool) Launched() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launched
}

// Waiting returns the number of queued requests.
func (p *LimitedPool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Cancel rejects every queued request and cancels the inner pool.
func (p *LimitedPool) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	for p.queue.Len() > 0 {
		w := p.queue.Remove(p.queue.Front()).(*waiter)
		w.err = cancelled(p.browserID)
		close(w.ready)
	}
	telemetry.SetPoolWaiters(p.browserID, 0)
	p.mu.Unlock()

	p.inner.Cancel()
}
