package runner

import (
	"context"

	"github.com/odvcencio/gridrunner/pkg/events"
	"github.com/odvcencio/gridrunner/pkg/logging"
	"github.com/odvcencio/gridrunner/pkg/testtree"
)

// SkippedTestRunner reports a pending test without touching the pool.
// Disabled tests are not reported at all.
type SkippedTestRunner struct {
	test    *testtree.Test
	emitter *events.Emitter
	logger  *logging.Logger
}

// NewSkippedTestRunner creates a runner for a pending or disabled test.
func NewSkippedTestRunner(test *testtree.Test, emitter *events.Emitter, opts ...Option) *SkippedTestRunner {
	return &SkippedTestRunner{test: test, emitter: emitter, logger: buildOptions(opts).logger}
}

func (r *SkippedTestRunner) Run(ctx context.Context) error {
	if r.test.Disabled {
		return nil
	}
	for _, ev := range []events.Event{events.TestBegin, events.TestPending, events.TestEnd} {
		if err := r.emitter.Emit(ctx, ev, r.test); err != nil {
			warn(r.logger, "listener_failed", err, r.test.BrowserID, "")
		}
	}
	return nil
}

func (r *SkippedTestRunner) Cancel() {}
