// Package pool hands out browser sessions to test units.
//
// Pools compose: BasicPool launches a fresh session per request, CachingPool
// reuses released sessions, LimitedPool caps the sessions of one browser type
// and queues the rest. BrowserPool wires one LimitedPool per configured
// browser over a shared CachingPool(BasicPool).
package pool

import (
	"context"

	"github.com/odvcencio/gridrunner/pkg/browser"
	"github.com/odvcencio/gridrunner/pkg/logging"
)

//go:generate mockgen -package=pool -destination=mock_launcher_test.go github.com/odvcencio/gridrunner/pkg/browser Launcher

// GetOptions narrows which session a pool hands out.
type GetOptions struct {
	Version string
	// Session fields identify an existing session on the worker side.
	SessionID   string
	SessionCaps map[string]any
	SessionOpts map[string]any
}

// FreeOptions tunes a release.
type FreeOptions struct {
	// Force ends the session instead of keeping it for reuse.
	Force bool
}

// Provider acquires and releases sessions.
type Provider interface {
	GetBrowser(ctx context.Context, id string, opts GetOptions) (*browser.Browser, error)
	FreeBrowser(ctx context.Context, b *browser.Browser, opts FreeOptions) error
}

// Pool is a Provider that can be cancelled. Cancel stops issuing sessions
// and fails queued requests; sessions already handed out stay alive.
type Pool interface {
	Provider
	Cancel()
}

// SessionInfo is the payload of session start and end events.
type SessionInfo struct {
	BrowserID string
	SessionID string
	Browser   *browser.Browser
}

// Option configures pools built by this package.
type Option func(*options)

type options struct {
	logger     *logging.Logger
	calibrator browser.Calibrator
}

// WithLogger sets the logger used for pool warnings.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCalibrator calibrates launched sessions of browsers that ask for it.
func WithCalibrator(c browser.Calibrator) Option {
	return func(o *options) { o.calibrator = c }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
