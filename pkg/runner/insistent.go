package runner

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/odvcencio/gridrunner/pkg/config"
	"github.com/odvcencio/gridrunner/pkg/events"
	"github.com/odvcencio/gridrunner/pkg/logging"
	"github.com/odvcencio/gridrunner/pkg/pool"
	"github.com/odvcencio/gridrunner/pkg/testtree"
)

// attemptEvents pass from an attempt to the parent as they are. TestFail is
// routed through the retry decision.
var attemptEvents = []events.Event{events.TestBegin, events.TestPass, events.TestEnd}

// InsistentTestRunner retries failed attempts while retries remain. Each
// attempt runs on a fresh clone of the test.
type InsistentTestRunner struct {
	test    *testtree.Test
	agent   *pool.Agent
	workers Workers
	emitter *events.Emitter
	hooks   *HookFailures
	cfg     *config.Config
	logger  *logging.Logger
	opts    []Option

	cancelled atomic.Bool
	mu        sync.Mutex
	current   *RegularTestRunner
}

// NewInsistentTestRunner creates a retrying runner. test.RetriesLeft is the
// number of retries allowed after the first attempt.
func NewInsistentTestRunner(test *testtree.Test, agent *pool.Agent, workers Workers, emitter *events.Emitter, hooks *HookFailures, cfg *config.Config, opts ...Option) *InsistentTestRunner {
	return &InsistentTestRunner{
		test:    test,
		agent:   agent,
		workers: workers,
		emitter: emitter,
		hooks:   hooks,
		cfg:     cfg,
		logger:  buildOptions(opts).logger,
		opts:    opts,
	}
}

func (r *InsistentTestRunner) Cancel() {
	r.cancelled.Store(true)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		r.current.Cancel()
	}
}

func (r *InsistentTestRunner) Run(ctx context.Context) error {
	retriesLeft := r.test.RetriesLeft
	var failed *testtree.Test
	for {
		a := r.attempt(ctx, retriesLeft)
		switch {
		case a.retried:
			failed = a.test
			retriesLeft--
		case !a.began && failed != nil:
			// The retry was cancelled before it began; the last failure is final.
			endCtx := context.WithoutCancel(ctx)
			if err := r.emitter.Emit(endCtx, events.TestFail, failed); err != nil {
				warn(r.logger, "listener_failed", err, failed.BrowserID, failed.SessionID)
			}
			return failed.Err
		default:
			return a.err
		}
	}
}

type attemptResult struct {
	test    *testtree.Test
	began   bool
	retried bool
	err     error
}

func (r *InsistentTestRunner) attempt(ctx context.Context, retriesLeft int) attemptResult {
	t := r.test.Clone()
	t.RetriesLeft = retriesLeft

	em := events.NewEmitter()
	unit := NewRegularTestRunner(t, r.agent, r.workers, em, r.hooks, r.opts...)
	res := attemptResult{test: t}

	unsub := events.Passthrough(em, r.emitter, attemptEvents, nil)
	defer unsub()
	defer em.On(events.TestBegin, func(context.Context, any) error {
		res.began = true
		return nil
	})()
	defer em.On(events.TestFail, func(ctx context.Context, data any) error {
		if ctx.Err() == nil && r.shouldRetry(t, unit) {
			res.retried = true
			return r.emitter.Emit(ctx, events.Retry, t)
		}
		return r.emitter.Emit(ctx, events.TestFail, t)
	})()

	r.mu.Lock()
	r.current = unit
	if r.cancelled.Load() {
		unit.Cancel()
	}
	r.mu.Unlock()

	res.err = unit.Run(ctx)
	return res
}

func (r *InsistentTestRunner) shouldRetry(t *testtree.Test, unit *RegularTestRunner) bool {
	if t.RetriesLeft <= 0 || r.cancelled.Load() || unit.ShortCircuited() {
		return false
	}
	return r.cfg.Retryable(config.RetryInfo{
		FullTitle:   t.FullTitle(),
		BrowserID:   t.BrowserID,
		Err:         t.Err,
		RetriesLeft: t.RetriesLeft,
	})
}
