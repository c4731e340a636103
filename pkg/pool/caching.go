package pool

import (
	"context"
	"sync"

	"github.com/odvcencio/gridrunner/pkg/browser"
	"github.com/odvcencio/gridrunner/pkg/config"
	"github.com/odvcencio/gridrunner/pkg/telemetry"
)

type cacheKey struct {
	id      string
	version string
}

// CachingPool keeps released sessions for reuse until they served
// testsPerSession tests or broke.
type CachingPool struct {
	cfg   *config.Config
	inner Pool

	mu        sync.Mutex
	idle      map[cacheKey][]*browser.Browser
	out       map[*browser.Browser]struct{}
	cancelled bool
}

// NewCachingPool wraps inner with a session cache.
func NewCachingPool(cfg *config.Config, inner Pool) *CachingPool {
	return &CachingPool{
		cfg:   cfg,
		inner: inner,
		idle:  make(map[cacheKey][]*browser.Browser),
		out:   make(map[*browser.Browser]struct{}),
	}
}

func (p *CachingPool) GetBrowser(ctx context.Context, id string, opts GetOptions) (*browser.Browser, error) {
	if b := p.takeIdle(id, p.version(id, opts.Version)); b != nil {
		b.UseCount++
		telemetry.RecordSessionReused(id)
		return b, nil
	}

	b, err := p.inner.GetBrowser(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	b.UseCount = 1
	p.mu.Lock()
	p.out[b] = struct{}{}
	p.mu.Unlock()
	return b, nil
}

func (p *CachingPool) takeIdle(id, version string) *browser.Browser {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return nil
	}

	key := cacheKey{id: id, version: version}
	list := p.idle[key]
	if len(list) == 0 {
		return nil
	}
	b := list[0]
	if len(list) == 1 {
		delete(p.idle, key)
	} else {
		p.idle[key] = list[1:]
	}
	p.out[b] = struct{}{}
	return b
}

// FreeBrowser keeps or ends a session checked out from this pool. Freeing a
// session that is not checked out does nothing.
func (p *CachingPool) FreeBrowser(ctx context.Context, b *browser.Browser, opts FreeOptions) error {
	p.mu.Lock()
	_, ok := p.out[b]
	delete(p.out, b)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if p.keep(b, opts) {
		return nil
	}
	return p.inner.FreeBrowser(ctx, b, opts)
}

// keep stores b as idle when it can serve another test.
func (p *CachingPool) keep(b *browser.Browser, opts FreeOptions) bool {
	if opts.Force || b.IsBroken() {
		return false
	}
	bc, _ := p.cfg.ForBrowser(b.ID)
	if bc.TestsPerSession > 0 && b.UseCount >= bc.TestsPerSession {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return false
	}
	key := cacheKey{id: b.ID, version: b.Version}
	p.idle[key] = append(p.idle[key], b)
	return true
}

// version resolves an empty requested version to the configured one, the
// same way BasicPool labels the sessions it launches.
func (p *CachingPool) version(id, requested string) string {
	if requested != "" {
		return requested
	}
	bc, _ := p.cfg.ForBrowser(id)
	return bc.Version()
}

// Idle returns how many sessions of a browser are cached.
func (p *CachingPool) Idle(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k, list := range p.idle {
		if k.id == id {
			n += len(list)
		}
	}
	return n
}

// Cancel ends every idle session and cancels the inner pool.
func (p *CachingPool) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	idle := p.idle
	p.idle = make(map[cacheKey][]*browser.Browser)
	p.mu.Unlock()

	for _, list := range idle {
		for _, b := range list {
			_ = p.inner.FreeBrowser(context.Background(), b, FreeOptions{Force: true})
		}
	}
	p.inner.Cancel()
}
