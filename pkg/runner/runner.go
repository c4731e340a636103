// Package runner turns a collection of parsed tests into scheduled,
// retried and cancellable units of work. MainRunner fans out to one
// BrowserRunner per browser; each test becomes a TestRunner that acquires a
// session from the pool, dispatches the test to a worker and releases the
// session exactly once.
package runner

import (
	"context"

	"github.com/odvcencio/gridrunner/pkg/browser"
	"github.com/odvcencio/gridrunner/pkg/logging"
	"github.com/odvcencio/gridrunner/pkg/worker"
)

// Workers is the dispatch channel to the worker fleet.
type Workers interface {
	RunTest(ctx context.Context, req worker.RunTestRequest) (*worker.Result, error)
	// OnFreeBrowser calls fn once when a worker releases sessionID. The
	// returned func unsubscribes.
	OnFreeBrowser(ctx context.Context, sessionID string, fn func(browser.State)) (func(), error)
	End(ctx context.Context) error
}

// TestRunner runs one test unit. Run returns the error of a failed test and
// nil for passed, skipped or cancelled ones.
type TestRunner interface {
	Run(ctx context.Context) error
	// Cancel keeps a unit that has not begun from starting.
	Cancel()
}

// Option configures runners.
type Option func(*options)

type options struct {
	logger *logging.Logger
}

// WithLogger sets the logger for warnings that do not fail the run.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func warn(l *logging.Logger, eventType string, err error, browserID, sessionID string) {
	l.Log(logging.Event{
		Level:     logging.LevelWarn,
		Category:  logging.CategoryRunner,
		EventType: eventType,
		BrowserID: browserID,
		SessionID: sessionID,
		Message:   err.Error(),
	})
}
