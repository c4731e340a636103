package pool

import (
	"context"
	"sync/atomic"

	"github.com/odvcencio/gridrunner/pkg/browser"
	"github.com/odvcencio/gridrunner/pkg/config"
	"github.com/odvcencio/gridrunner/pkg/events"
	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
)

// BrowserPool routes requests to a LimitedPool per configured browser. All
// of them share one CachingPool over one BasicPool.
type BrowserPool struct {
	shared    Pool
	limited   map[string]*LimitedPool
	cancelled atomic.Bool
	stop      func() bool
}

// New builds the pool for every browser in cfg. The pool is cancelled when
// ctx ends.
func New(ctx context.Context, cfg *config.Config, launcher browser.Launcher, emitter *events.Emitter, opts ...Option) *BrowserPool {
	shared := NewCachingPool(cfg, NewBasicPool(cfg, launcher, emitter, opts...))
	return newBrowserPool(ctx, cfg, shared)
}

func newBrowserPool(ctx context.Context, cfg *config.Config, shared Pool) *BrowserPool {
	p := &BrowserPool{
		shared:  shared,
		limited: make(map[string]*LimitedPool, len(cfg.Browsers)),
	}
	for _, id := range cfg.BrowserIDs() {
		bc, _ := cfg.ForBrowser(id)
		p.limited[id] = NewLimitedPool(id, bc.SessionsPerBrowser, shared)
	}
	p.stop = context.AfterFunc(ctx, p.Cancel)
	return p
}

func (p *BrowserPool) GetBrowser(ctx context.Context, id string, opts GetOptions) (*browser.Browser, error) {
	if p.cancelled.Load() {
		return nil, ErrPoolTerminated
	}
	lp, ok := p.limited[id]
	if !ok {
		return nil, acquisitionError(nil, id, "browser is not configured")
	}
	return lp.GetBrowser(ctx, id, opts)
}

func (p *BrowserPool) FreeBrowser(ctx context.Context, b *browser.Browser, opts FreeOptions) error {
	lp, ok := p.limited[b.ID]
	if !ok {
		return gerrors.New(gerrors.ErrCodeRelease, "browser is not configured").
			WithContext("browser", b.ID)
	}
	return lp.FreeBrowser(ctx, b, opts)
}

// Limited returns the per-browser pool of id.
func (p *BrowserPool) Limited(id string) (*LimitedPool, bool) {
	lp, ok := p.limited[id]
	return lp, ok
}

// Cancel rejects queued and future requests and ends idle sessions.
// Checked-out sessions stay alive until freed.
func (p *BrowserPool) Cancel() {
	if p.cancelled.Swap(true) {
		return
	}
	for _, lp := range p.limited {
		lp.Cancel()
	}
	p.shared.Cancel()
}

// Close detaches the pool from its context without cancelling it.
func (p *BrowserPool) Close() {
	p.stop()
}
