package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/odvcencio/gridrunner/pkg/browser"
	"github.com/odvcencio/gridrunner/pkg/bus"
	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
	"github.com/odvcencio/gridrunner/pkg/logging"
	"github.com/odvcencio/gridrunner/pkg/pool"
)

// AttachingPool is the worker side of the session pool. It attaches to
// sessions the runner launched, keeps them for later tests on the same
// session and announces every release on the session's free subject.
type AttachingPool struct {
	attacher browser.Attacher
	bus      bus.MessageBus
	logger   *logging.Logger

	mu        sync.Mutex
	sessions  map[string]*browser.Browser
	cancelled atomic.Bool
}

var _ pool.Pool = (*AttachingPool)(nil)

// NewAttachingPool creates a pool attaching through attacher and
// publishing free signals on b.
func NewAttachingPool(attacher browser.Attacher, b bus.MessageBus, logger *logging.Logger) *AttachingPool {
	return &AttachingPool{
		attacher: attacher,
		bus:      b,
		logger:   logger,
		sessions: make(map[string]*browser.Browser),
	}
}

func (p *AttachingPool) GetBrowser(ctx context.Context, id string, opts pool.GetOptions) (*browser.Browser, error) {
	if p.cancelled.Load() {
		return nil, &pool.CancelledError{BrowserID: id, Reason: "worker pool cancelled"}
	}
	if opts.SessionID == "" {
		return nil, gerrors.New(gerrors.ErrCodeAcquisition, "no session to attach to").
			WithContext("browser", id)
	}

	p.mu.Lock()
	b, ok := p.sessions[opts.SessionID]
	p.mu.Unlock()
	if ok {
		b.ApplyState(browser.State{})
		return b, nil
	}

	s, err := p.attacher.Attach(ctx, browser.AttachRequest{
		BrowserID:    id,
		Version:      opts.Version,
		SessionID:    opts.SessionID,
		Capabilities: opts.SessionCaps,
		Options:      opts.SessionOpts,
	})
	if err != nil {
		return nil, gerrors.Wrap(err, gerrors.ErrCodeAcquisition, "failed to attach to session").
			WithContext("browser", id).
			WithContext("session", opts.SessionID)
	}

	b = browser.New(id, opts.Version, s)
	b.SessionID = opts.SessionID
	if len(b.Capabilities) == 0 {
		b.Capabilities = opts.SessionCaps
	}
	if len(b.Options) == 0 {
		b.Options = opts.SessionOpts
	}

	p.mu.Lock()
	p.sessions[opts.SessionID] = b
	p.mu.Unlock()
	return b, nil
}

// FreeBrowser publishes the session state on its free subject. Broken
// sessions are detached; the runner decides whether they end.
func (p *AttachingPool) FreeBrowser(ctx context.Context, b *browser.Browser, _ pool.FreeOptions) error {
	data, err := json.Marshal(b.State)
	if err != nil {
		return gerrors.Wrap(err, gerrors.ErrCodeInternal, "failed to encode session state")
	}
	pubErr := p.bus.Publish(ctx, FreeBrowserSubject(b.SessionID), data)

	if b.IsBroken() {
		p.mu.Lock()
		delete(p.sessions, b.SessionID)
		p.mu.Unlock()
		p.detach(ctx, b)
	}

	if pubErr != nil {
		return gerrors.Wrap(pubErr, gerrors.ErrCodeRelease, "failed to publish free signal").
			WithContext("session", b.SessionID)
	}
	return nil
}

// Cancel rejects further attaches.
func (p *AttachingPool) Cancel() {
	p.cancelled.Store(true)
}

// Close detaches every kept session.
func (p *AttachingPool) Close(ctx context.Context) {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*browser.Browser)
	p.mu.Unlock()

	for _, b := range sessions {
		p.detach(ctx, b)
	}
}

// Len returns the number of kept sessions.
func (p *AttachingPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *AttachingPool) detach(ctx context.Context, b *browser.Browser) {
	if err := b.Quit(ctx); err != nil {
		p.logger.Log(logging.Event{
			Level:     logging.LevelWarn,
			Category:  logging.CategoryWorker,
			EventType: "detach_failed",
			BrowserID: b.ID,
			SessionID: b.SessionID,
			Message:   err.Error(),
		})
	}
}
