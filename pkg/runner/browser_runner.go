package runner

import (
	"context"
	"sync"

	"github.com/odvcencio/gridrunner/pkg/config"
	"github.com/odvcencio/gridrunner/pkg/events"
	"github.com/odvcencio/gridrunner/pkg/logging"
	"github.com/odvcencio/gridrunner/pkg/pool"
	"github.com/odvcencio/gridrunner/pkg/testtree"
)

// BrowserRunner runs the tests of one browser id. Every test runs in its own
// goroutine; the pool bounds how many hold a session at once.
type BrowserRunner struct {
	browserID string
	cfg       *config.Config
	provider  pool.Provider
	workers   Workers
	emitter   *events.Emitter
	units     *events.Emitter
	hooks     *HookFailures
	monitor   *SuiteMonitor
	tasks     *taskGroup
	logger    *logging.Logger
	opts      []Option

	mu        sync.Mutex
	active    map[TestRunner]struct{}
	cancelled bool
}

// NewBrowserRunner creates a runner reporting on emitter. Wait blocks until
// every added test finished.
func NewBrowserRunner(browserID string, cfg *config.Config, provider pool.Provider, workers Workers, emitter *events.Emitter, opts ...Option) *BrowserRunner {
	return newBrowserRunner(browserID, cfg, provider, workers, emitter, newTaskGroup(), opts)
}

func newBrowserRunner(browserID string, cfg *config.Config, provider pool.Provider, workers Workers, emitter *events.Emitter, tasks *taskGroup, opts []Option) *BrowserRunner {
	r := &BrowserRunner{
		browserID: browserID,
		cfg:       cfg,
		provider:  provider,
		workers:   workers,
		emitter:   emitter,
		units:     events.NewEmitter(),
		hooks:     NewHookFailures(),
		monitor:   NewSuiteMonitor(emitter),
		tasks:     tasks,
		logger:    buildOptions(opts).logger,
		opts:      opts,
		active:    make(map[TestRunner]struct{}),
	}
	r.listen()
	return r
}

// BrowserID returns the browser this runner runs tests in.
func (r *BrowserRunner) BrowserID() string {
	return r.browserID
}

func (r *BrowserRunner) listen() {
	forward := func(ev events.Event) events.Handler {
		return func(ctx context.Context, data any) error {
			return r.emitter.Emit(ctx, ev, data)
		}
	}
	test := func(data any) *testtree.Test {
		t, _ := data.(*testtree.Test)
		if t != nil && t.BrowserID == "" {
			t.BrowserID = r.browserID
		}
		return t
	}

	r.units.On(events.TestBegin, func(ctx context.Context, data any) error {
		if err := r.monitor.TestBegin(ctx, test(data)); err != nil {
			return err
		}
		return r.emitter.Emit(ctx, events.TestBegin, data)
	})
	r.units.On(events.TestPass, forward(events.TestPass))
	r.units.On(events.TestPending, forward(events.TestPending))
	r.units.On(events.TestFail, func(ctx context.Context, data any) error {
		t := test(data)
		if t != nil {
			r.hooks.Record(t, t.Err)
		}
		if err := r.emitter.Emit(ctx, events.TestFail, data); err != nil {
			return err
		}
		return r.monitor.TestFail(ctx, t)
	})
	r.units.On(events.Retry, func(ctx context.Context, data any) error {
		if err := r.monitor.TestRetry(ctx, test(data)); err != nil {
			return err
		}
		return r.emitter.Emit(ctx, events.Retry, data)
	})
	r.units.On(events.TestEnd, func(ctx context.Context, data any) error {
		if err := r.emitter.Emit(ctx, events.TestEnd, data); err != nil {
			return err
		}
		return r.monitor.TestEnd(ctx, test(data))
	})
}

// Run adds every test. It returns once they are scheduled.
func (r *BrowserRunner) Run(ctx context.Context, tests []*testtree.Test) {
	for _, t := range tests {
		if !r.AddTest(ctx, t) {
			return
		}
	}
}

// AddTest schedules test. It reports false when the runner was cancelled or
// no longer accepts work.
func (r *BrowserRunner) AddTest(ctx context.Context, test *testtree.Test) bool {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return false
	}
	unit := r.newUnit(test)
	r.active[unit] = struct{}{}
	r.mu.Unlock()

	ok := r.tasks.Go(func() {
		defer r.untrack(unit)
		_ = unit.Run(ctx)
	})
	if !ok {
		r.untrack(unit)
	}
	return ok
}

func (r *BrowserRunner) newUnit(test *testtree.Test) TestRunner {
	if test.BrowserID == "" {
		test.BrowserID = r.browserID
	}
	if test.IsSkipped() {
		return NewSkippedTestRunner(test, r.units, r.opts...)
	}

	version := test.BrowserVersion
	retries := r.cfg.Defaults.Retry
	if bc, ok := r.cfg.ForBrowser(r.browserID); ok {
		retries = bc.Retry
		if version == "" {
			version = bc.Version()
		}
	}
	test.RetriesLeft = retries
	agent := pool.NewAgent(r.browserID, version, r.provider)
	return NewInsistentTestRunner(test, agent, r.workers, r.units, r.hooks, r.cfg, r.opts...)
}

func (r *BrowserRunner) untrack(unit TestRunner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, unit)
}

// Active returns the number of tests still running.
func (r *BrowserRunner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Cancel stops running tests that have not begun and rejects new ones.
func (r *BrowserRunner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	for unit := range r.active {
		unit.Cancel()
	}
}

// Wait blocks until every test finished and stops accepting new ones. Only
// runners created by NewBrowserRunner own their task group.
func (r *BrowserRunner) Wait() {
	r.tasks.Close()
}
