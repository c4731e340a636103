package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odvcencio/gridrunner/pkg/browser"
	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
	"github.com/odvcencio/gridrunner/pkg/events"
	"github.com/odvcencio/gridrunner/pkg/logging"
	"github.com/odvcencio/gridrunner/pkg/pool"
	"github.com/odvcencio/gridrunner/pkg/telemetry"
	"github.com/odvcencio/gridrunner/pkg/testtree"
	"github.com/odvcencio/gridrunner/pkg/worker"
)

// RegularTestRunner runs one attempt of a test: acquire a session, dispatch
// to a worker, report, release.
type RegularTestRunner struct {
	test    *testtree.Test
	agent   *pool.Agent
	workers Workers
	emitter *events.Emitter
	hooks   *HookFailures
	logger  *logging.Logger

	cancelled      atomic.Bool
	shortCircuited atomic.Bool
}

// NewRegularTestRunner creates a runner for one attempt of test. hooks may
// be nil.
func NewRegularTestRunner(test *testtree.Test, agent *pool.Agent, workers Workers, emitter *events.Emitter, hooks *HookFailures, opts ...Option) *RegularTestRunner {
	return &RegularTestRunner{
		test:    test,
		agent:   agent,
		workers: workers,
		emitter: emitter,
		hooks:   hooks,
		logger:  buildOptions(opts).logger,
	}
}

// Cancel keeps the attempt from emitting anything if it has not begun. An
// acquisition that fails after the run context ended is silent as well.
func (r *RegularTestRunner) Cancel() {
	r.cancelled.Store(true)
}

// ShortCircuited reports whether the attempt failed with an ancestor's
// beforeAll error without being dispatched.
func (r *RegularTestRunner) ShortCircuited() bool {
	return r.shortCircuited.Load()
}

func (r *RegularTestRunner) Run(ctx context.Context) error {
	t := r.test
	ctx, span := telemetry.StartSpan(ctx, "runner.test",
		attribute.String("gridrunner.browser", t.BrowserID),
		attribute.String("gridrunner.test", t.FullTitle()),
	)

	b, err := r.acquire(ctx)
	rel := r.newRelease(b)
	defer rel.free(context.WithoutCancel(ctx))

	if r.cancelled.Load() || (err != nil && ctx.Err() != nil) {
		telemetry.EndSpan(span, nil)
		return nil
	}
	if b != nil {
		t.SessionID = b.SessionID
		if hookErr := r.hooks.Lookup(t); hookErr != nil {
			// A sibling's beforeAll failed while this attempt waited for a session.
			r.shortCircuited.Store(true)
			err = hookErr
		}
	}
	r.emit(ctx, events.TestBegin)

	t.StartTime = time.Now()
	if err == nil {
		err = r.dispatch(ctx, b)
	}
	t.Duration = time.Since(t.StartTime)

	status := telemetry.StatusPassed
	if err != nil {
		status = telemetry.StatusFailed
		t.Err = err
		r.emit(ctx, events.TestFail)
	} else {
		r.emit(ctx, events.TestPass)
	}
	r.emit(ctx, events.TestEnd)
	span.SetAttributes(attribute.String("gridrunner.status", status))
	telemetry.EndSpan(span, err)
	return err
}

func (r *RegularTestRunner) acquire(ctx context.Context) (*browser.Browser, error) {
	if hookErr := r.hooks.Lookup(r.test); hookErr != nil {
		r.shortCircuited.Store(true)
		return nil, hookErr
	}
	return r.agent.GetBrowser(ctx, pool.SessionRequest{})
}

func (r *RegularTestRunner) dispatch(ctx context.Context, b *browser.Browser) error {
	t := r.test
	res, err := r.workers.RunTest(ctx, worker.RunTestRequest{
		FullTitle:      t.FullTitle(),
		BrowserID:      t.BrowserID,
		BrowserVersion: t.BrowserVersion,
		SessionID:      b.SessionID,
		SessionCaps:    b.Capabilities,
		SessionOpts:    b.Options,
		File:           t.File,
	})
	if err != nil {
		var te *worker.TestError
		if errors.As(err, &te) {
			r.apply(te.Result)
		}
		return err
	}
	r.apply(*res)
	return nil
}

// apply merges what the worker reported. Keys the orchestrator already set
// are kept.
func (r *RegularTestRunner) apply(res worker.Result) {
	t := r.test
	for k, v := range res.Meta {
		if _, ok := t.Meta[k]; !ok {
			t.SetMeta(k, v)
		}
	}
	t.History = res.History
	t.AssertViewResults = res.TestCtx.Normalize().AssertViewResults
}

func (r *RegularTestRunner) emit(ctx context.Context, ev events.Event) {
	if err := r.emitter.Emit(ctx, ev, r.test); err != nil {
		warn(r.logger, "listener_failed", err, r.test.BrowserID, r.test.SessionID)
	}
}

// release frees one checkout exactly once, either early on the worker's
// free signal or after the test finished.
type release struct {
	runner  *RegularTestRunner
	browser *browser.Browser
	unsub   func()

	mu       sync.Mutex
	state    *browser.State
	released atomic.Bool
	done     chan struct{}
}

func (r *RegularTestRunner) newRelease(b *browser.Browser) *release {
	rel := &release{runner: r, browser: b, done: make(chan struct{})}
	if b == nil {
		return rel
	}
	unsub, err := r.workers.OnFreeBrowser(context.Background(), b.SessionID, rel.signal)
	if err != nil {
		warn(r.logger, "free_signal_unavailable", err, b.ID, b.SessionID)
		return rel
	}
	rel.mu.Lock()
	defer rel.mu.Unlock()
	if rel.released.Load() {
		unsub()
		return rel
	}
	rel.unsub = unsub
	return rel
}

func (rel *release) signal(s browser.State) {
	rel.mu.Lock()
	rel.state = &s
	rel.mu.Unlock()
	go rel.run(context.Background())
}

// free releases the checkout if nobody did yet and waits until it is done.
func (rel *release) free(ctx context.Context) {
	rel.run(ctx)
	<-rel.done
}

func (rel *release) run(ctx context.Context) {
	if !rel.released.CompareAndSwap(false, true) {
		return
	}
	defer close(rel.done)
	if rel.browser == nil {
		return
	}

	rel.mu.Lock()
	state, unsub := rel.state, rel.unsub
	rel.unsub = nil
	rel.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if state != nil {
		rel.browser.ApplyState(*state)
	}

	r := rel.runner
	if err := r.agent.FreeBrowser(ctx, rel.browser); err != nil {
		if _, ok := gerrors.As(err); !ok {
			err = gerrors.Wrap(err, gerrors.ErrCodeRelease, "failed to free browser")
		}
		warn(r.logger, "release_failed", err, rel.browser.ID, rel.browser.SessionID)
	}
}
