package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/odvcencio/gridrunner/pkg/browser"
	"github.com/odvcencio/gridrunner/pkg/config"
	"github.com/odvcencio/gridrunner/pkg/events"
	"github.com/odvcencio/gridrunner/pkg/logging"
	"github.com/odvcencio/gridrunner/pkg/telemetry"
)

// BasicPool launches a fresh session for every request and ends it on release.
type BasicPool struct {
	cfg      *config.Config
	launcher browser.Launcher
	emitter  *events.Emitter
	opts     options

	cancelled atomic.Bool

	mu  sync.Mutex
	out map[*browser.Browser]struct{}

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewBasicPool creates a pool launching sessions through launcher. Session
// start and end are announced on emitter, which may be nil.
func NewBasicPool(cfg *config.Config, launcher browser.Launcher, emitter *events.Emitter, opts ...Option) *BasicPool {
	if emitter == nil {
		emitter = events.NewEmitter()
	}
	return &BasicPool{
		cfg:      cfg,
		launcher: launcher,
		emitter:  emitter,
		opts:     buildOptions(opts),
		out:      make(map[*browser.Browser]struct{}),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *BasicPool) GetBrowser(ctx context.Context, id string, opts GetOptions) (b *browser.Browser, err error) {
	if p.cancelled.Load() {
		return nil, cancelled(id)
	}
	bc, ok := p.cfg.ForBrowser(id)
	if !ok {
		return nil, acquisitionError(nil, id, "unknown browser")
	}

	if lim := p.limiter(bc); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, acquisitionError(err, id, "session launch throttled")
		}
	}

	ctx, span := telemetry.StartSpan(ctx, "pool.launch", telemetry.AttrBrowserID.String(id))
	defer func() { telemetry.EndSpan(span, err) }()

	version := opts.Version
	if version == "" {
		version = bc.Version()
	}

	sess, err := p.launcher.Launch(ctx, browser.LaunchRequest{
		BrowserID:           id,
		Version:             version,
		Engine:              bc.Engine,
		GridURL:             bc.GridURL,
		Headless:            bc.Headless,
		DesiredCapabilities: bc.DesiredCapabilities,
	})
	if err != nil {
		return nil, acquisitionError(err, id, "failed to launch session")
	}
	b = browser.New(id, version, sess)

	if bc.Calibrate && p.opts.calibrator != nil {
		cal, err := p.opts.calibrator.Calibrate(ctx, sess)
		if err != nil {
			p.quit(b)
			return nil, acquisitionError(err, id, "failed to calibrate session")
		}
		b.Calibration = cal
	}

	info := SessionInfo{BrowserID: id, SessionID: b.SessionID, Browser: b}
	if err := p.emitter.EmitAndWait(ctx, events.SessionStart, info); err != nil {
		p.quit(b)
		return nil, acquisitionError(err, id, "session start listener failed")
	}

	if p.cancelled.Load() {
		p.quit(b)
		return nil, cancelled(id)
	}
	p.mu.Lock()
	p.out[b] = struct{}{}
	p.mu.Unlock()
	return b, nil
}

// FreeBrowser ends a session launched by this pool. Freeing a session twice
// does nothing the second time.
func (p *BasicPool) FreeBrowser(ctx context.Context, b *browser.Browser, _ FreeOptions) error {
	p.mu.Lock()
	_, ok := p.out[b]
	delete(p.out, b)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	info := SessionInfo{BrowserID: b.ID, SessionID: b.SessionID, Browser: b}
	if err := p.emitter.EmitAndWait(ctx, events.SessionEnd, info); err != nil {
		p.opts.logger.Log(logging.Event{
			Level:     logging.LevelWarn,
			Category:  logging.CategoryPool,
			EventType: "session_end_listener_failed",
			BrowserID: b.ID,
			SessionID: b.SessionID,
			Message:   err.Error(),
		})
	}
	return releaseError(b.Quit(ctx), b.ID, b.SessionID)
}

// Cancel stops issuing sessions. A launch in progress is quit once it completes.
func (p *BasicPool) Cancel() {
	p.cancelled.Store(true)
}

func (p *BasicPool) quit(b *browser.Browser) {
	if err := b.Quit(context.Background()); err != nil {
		p.opts.logger.Log(logging.Event{
			Level:     logging.LevelWarn,
			Category:  logging.CategoryPool,
			EventType: "session_quit_failed",
			BrowserID: b.ID,
			SessionID: b.SessionID,
			Message:   err.Error(),
		})
	}
}

// limiter returns the launch limiter of a browser, or nil when launches are unthrottled.
func (p *BasicPool) limiter(bc config.BrowserConfig) *rate.Limiter {
	if bc.SessionLaunchRate <= 0 {
		return nil
	}
	p.limMu.Lock()
	defer p.limMu.Unlock()
	lim, ok := p.limiters[bc.ID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(bc.SessionLaunchRate), 1)
		p.limiters[bc.ID] = lim
	}
	return lim
}
