package worker

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/odvcencio/gridrunner/pkg/browser"
	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
	"github.com/odvcencio/gridrunner/pkg/testtree"
)

// Executor runs one test with the hooks of its suites.
type Executor struct {
	comparator testtree.Comparator
}

// NewExecutor creates an executor comparing screenshots with cmp, which
// may be nil.
func NewExecutor(cmp testtree.Comparator) *Executor {
	return &Executor{comparator: cmp}
}

// Run executes test on b. Hooks run outermost suite first: every beforeAll,
// every beforeEach, the body, then afterEach and afterAll innermost first.
// A failing before hook skips the body; after hooks of every suite whose
// before phase started still run. The result is filled even on failure.
func (e *Executor) Run(ctx context.Context, test *testtree.Test, b *browser.Browser) (Result, error) {
	t := testtree.NewT(b, test, e.comparator)

	var suites []*testtree.Suite
	if test.Parent != nil {
		suites = test.Parent.Ancestors()
		slices.Reverse(suites)
	}

	var err error
	allStarted, eachStarted := 0, 0

	for _, s := range suites {
		allStarted++
		if err = e.hooks(ctx, test, t, s, testtree.BeforeAll, s.BeforeAllHooks); err != nil {
			break
		}
	}
	if err == nil {
		for _, s := range suites {
			eachStarted++
			if err = e.hooks(ctx, test, t, s, testtree.BeforeEach, s.BeforeEachHooks); err != nil {
				break
			}
		}
	}

	if err == nil {
		if err = e.call(ctx, test.Timeout, test.Fn, t); err != nil {
			err = asTestFailure(err)
		} else {
			err = assertViewFailure(t.AssertViewResults())
		}
	}

	for i := eachStarted - 1; i >= 0; i-- {
		s := suites[i]
		if hookErr := e.hooks(ctx, test, t, s, testtree.AfterEach, s.AfterEachHooks); hookErr != nil && err == nil {
			err = hookErr
		}
	}
	for i := allStarted - 1; i >= 0; i-- {
		s := suites[i]
		if hookErr := e.hooks(ctx, test, t, s, testtree.AfterAll, s.AfterAllHooks); hookErr != nil && err == nil {
			err = hookErr
		}
	}

	res := Result{
		Meta:    t.Meta(),
		TestCtx: TestCtx{AssertViewResults: t.AssertViewResults()}.Normalize(),
		History: t.History(),
	}
	return res, err
}

func (e *Executor) hooks(ctx context.Context, test *testtree.Test, t *testtree.T, s *testtree.Suite, kind string, hooks []*testtree.Hook) error {
	for _, h := range hooks {
		if err := e.call(ctx, test.Timeout, h.Fn, t); err != nil {
			return gerrors.NewHookError(kind, s.FullTitle(), err)
		}
	}
	return nil
}

// call runs fn under timeout. A timed out session is marked broken since it
// may still be busy with the abandoned call.
func (e *Executor) call(ctx context.Context, timeout time.Duration, fn testtree.Fn, t *testtree.T) error {
	if fn == nil {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- gerrors.Newf(gerrors.ErrCodeTestFailed, "panic: %v", r)
			}
		}()
		done <- fn(ctx, t)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			t.MarkBroken()
			return gerrors.Newf(gerrors.ErrCodeTestTimeout, "timed out after %s", timeout)
		}
		return ctx.Err()
	}
}

func asTestFailure(err error) error {
	if _, ok := gerrors.As(err); ok {
		return err
	}
	return gerrors.Wrap(err, gerrors.ErrCodeTestFailed, "test failed")
}

func assertViewFailure(results []testtree.AssertViewResult) error {
	var states []string
	for _, r := range results {
		if !r.Equal {
			states = append(states, r.StateName)
		}
	}
	if len(states) == 0 {
		return nil
	}
	return gerrors.New(gerrors.ErrCodeTestFailed, "image comparison failed").
		WithContext("states", strings.Join(states, ", "))
}
