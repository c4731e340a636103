package runner

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/gridrunner/pkg/config"
	"github.com/odvcencio/gridrunner/pkg/events"
	"github.com/odvcencio/gridrunner/pkg/logging"
	"github.com/odvcencio/gridrunner/pkg/pool"
	"github.com/odvcencio/gridrunner/pkg/telemetry"
	"github.com/odvcencio/gridrunner/pkg/testtree"
)

// Result summarises a finished run. It is the payload of RunnerEnd.
type Result struct {
	Stats     Stats         `json:"stats"`
	Cancelled bool          `json:"cancelled"`
	Duration  time.Duration `json:"duration"`
}

// MainRunner runs a collection across browsers and drives the run-level
// events. Listeners subscribe through Emitter before Run.
type MainRunner struct {
	cfg     *config.Config
	pool    pool.Pool
	workers Workers
	emitter *events.Emitter
	tasks   *taskGroup
	stats   *statsCollector
	logger  *logging.Logger
	opts    []Option

	mu        sync.Mutex
	runners   map[string]*BrowserRunner
	runCtx    context.Context
	cancelled bool
}

// NewMainRunner creates a runner drawing sessions from p and dispatching
// to workers.
func NewMainRunner(cfg *config.Config, p pool.Pool, workers Workers, opts ...Option) *MainRunner {
	r := &MainRunner{
		cfg:     cfg,
		pool:    p,
		workers: workers,
		emitter: events.NewEmitter(),
		tasks:   newTaskGroup(),
		stats:   newStatsCollector(),
		logger:  buildOptions(opts).logger,
		opts:    opts,
		runners: make(map[string]*BrowserRunner),
	}
	r.stats.Attach(r.emitter)
	return r
}

// Emitter carries every run, suite and test event.
func (r *MainRunner) Emitter() *events.Emitter {
	return r.emitter
}

// Stats returns the counts so far.
func (r *MainRunner) Stats() Stats {
	return r.stats.Snapshot()
}

// Run executes the collection. Failing startRunner or begin listeners fail
// the run. Workers are ended and endRunner is emitted in every case.
func (r *MainRunner) Run(ctx context.Context, collection *testtree.Collection) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "runner.run",
		attribute.Int("gridrunner.tests", collection.Len()),
	)
	start := time.Now()
	stop := context.AfterFunc(ctx, r.Cancel)
	defer stop()

	r.mu.Lock()
	r.runCtx = ctx
	r.mu.Unlock()

	if err := r.emitter.EmitAndWait(ctx, events.RunnerStart, r); err != nil {
		r.tasks.Close()
		endCtx := context.WithoutCancel(ctx)
		r.endWorkers(endCtx)
		res := Result{Stats: r.stats.Snapshot(), Cancelled: r.isCancelled() || ctx.Err() != nil, Duration: time.Since(start)}
		if endErr := r.emitter.EmitAndWait(endCtx, events.RunnerEnd, res); endErr != nil {
			warn(r.logger, "end_runner_failed", endErr, "", "")
		}
		telemetry.EndSpan(span, err)
		return res, err
	}

	var runErr error
	if err := r.emitter.EmitAndWait(ctx, events.Begin, r); err != nil {
		runErr = err
	} else if !r.isCancelled() {
		r.runBrowsers(ctx, collection)
	}
	r.tasks.Close()

	endCtx := context.WithoutCancel(ctx)
	if err := r.emitter.EmitAndWait(endCtx, events.BeforeEndRunner, r); err != nil {
		warn(r.logger, "before_end_failed", err, "", "")
	}
	r.endWorkers(endCtx)

	res := Result{Stats: r.stats.Snapshot(), Cancelled: r.isCancelled() || ctx.Err() != nil, Duration: time.Since(start)}
	if err := r.emitter.EmitAndWait(endCtx, events.RunnerEnd, res); err != nil {
		warn(r.logger, "end_runner_failed", err, "", "")
	}
	span.SetAttributes(
		attribute.Int("gridrunner.passed", res.Stats.Passed),
		attribute.Int("gridrunner.failed", res.Stats.Failed),
	)
	telemetry.EndSpan(span, runErr)
	return res, runErr
}

func (r *MainRunner) runBrowsers(ctx context.Context, collection *testtree.Collection) {
	var g errgroup.Group
	for _, id := range collection.Browsers() {
		br, ok := r.browserRunner(id)
		if !ok {
			break
		}
		tests := collection.Tests(id)
		g.Go(func() error {
			br.Run(ctx, tests)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *MainRunner) endWorkers(ctx context.Context) {
	if r.workers == nil {
		return
	}
	if err := r.workers.End(ctx); err != nil {
		warn(r.logger, "workers_end_failed", err, "", "")
	}
}

// browserRunner returns the live runner of id, starting one if needed. It
// reports false once the run was cancelled.
func (r *MainRunner) browserRunner(id string) (*BrowserRunner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return nil, false
	}
	br, ok := r.runners[id]
	if !ok {
		br = newBrowserRunner(id, r.cfg, r.pool, r.workers, r.emitter, r.tasks, r.opts)
		r.runners[id] = br
	}
	return br, true
}

// AddTestToRun folds test into the running run. It reports false before Run
// started and after the run stopped accepting tests.
func (r *MainRunner) AddTestToRun(test *testtree.Test, browserID string) bool {
	r.mu.Lock()
	ctx := r.runCtx
	r.mu.Unlock()
	if ctx == nil {
		return false
	}
	br, ok := r.browserRunner(browserID)
	if !ok {
		return false
	}
	return br.AddTest(ctx, test)
}

// Cancel stops every browser runner and the pool. Tests already dispatched
// finish; nothing new begins.
func (r *MainRunner) Cancel() {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	runners := make([]*BrowserRunner, 0, len(r.runners))
	for _, br := range r.runners {
		runners = append(runners, br)
	}
	r.mu.Unlock()

	for _, br := range runners {
		br.Cancel()
	}
	r.pool.Cancel()
}

func (r *MainRunner) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}
