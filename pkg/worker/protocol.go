// Package worker runs tests dispatched by the runner over the message bus.
//
// The runner holds the browser sessions; a worker attaches to the session
// named in the request, runs the test with its hooks and replies with the
// result. When the worker is done with a session it publishes a free
// signal on a per-session subject so the runner can release it early.
package worker

import (
	"maps"

	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
	"github.com/odvcencio/gridrunner/pkg/history"
	"github.com/odvcencio/gridrunner/pkg/testtree"
)

const (
	// RunTestSubject carries RunTestRequest messages.
	RunTestSubject = "gridrunner.worker.runTest"
	// QueueGroup shares RunTestSubject among all workers.
	QueueGroup = "workers"
)

// FreeBrowserSubject is where a worker announces it released sessionID.
func FreeBrowserSubject(sessionID string) string {
	return "gridrunner.worker." + sessionID + ".freeBrowser"
}

// RunTestRequest asks a worker to run one test on an existing session.
type RunTestRequest struct {
	FullTitle      string         `json:"fullTitle"`
	BrowserID      string         `json:"browserId"`
	BrowserVersion string         `json:"browserVersion,omitempty"`
	SessionID      string         `json:"sessionId"`
	SessionCaps    map[string]any `json:"sessionCaps,omitempty"`
	SessionOpts    map[string]any `json:"sessionOpts,omitempty"`
	File           string         `json:"file"`
}

// TestCtx carries what a test collected beyond pass or fail.
type TestCtx struct {
	AssertViewResults []testtree.AssertViewResult `json:"assertViewResults"`
}

// Normalize replaces a missing result list with an empty one.
func (c TestCtx) Normalize() TestCtx {
	if c.AssertViewResults == nil {
		c.AssertViewResults = []testtree.AssertViewResult{}
	}
	return c
}

// Result is what a test run produced.
type Result struct {
	Meta    map[string]any  `json:"meta,omitempty"`
	TestCtx TestCtx         `json:"testCtx"`
	History []*history.Node `json:"history,omitempty"`
}

// Failure is a failed run with whatever it collected before failing.
type Failure struct {
	Error   *gerrors.Payload `json:"error"`
	Meta    map[string]any   `json:"meta,omitempty"`
	TestCtx *TestCtx         `json:"testCtx,omitempty"`
	History []*history.Node  `json:"history,omitempty"`
}

// Response is the reply to a RunTestRequest. Exactly one field is set.
type Response struct {
	Result  *Result  `json:"result,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

func failureResponse(err error, partial *Result) Response {
	f := &Failure{Error: gerrors.ToPayload(err)}
	if partial != nil {
		f.Meta = partial.Meta
		ctx := partial.TestCtx
		f.TestCtx = &ctx
		f.History = partial.History
	}
	return Response{Failure: f}
}

// TestError is a failed run as seen by the runner. Result holds the partial
// meta, test context and history the worker reported.
type TestError struct {
	Err    error
	Result Result
}

func (e *TestError) Error() string {
	return e.Err.Error()
}

func (e *TestError) Unwrap() error {
	return e.Err
}

func (f *Failure) testError() *TestError {
	te := &TestError{}
	if e := gerrors.FromPayload(f.Error); e != nil {
		te.Err = e
	} else {
		te.Err = gerrors.New(gerrors.ErrCodeTestFailed, "test failed without an error")
	}
	te.Result.Meta = maps.Clone(f.Meta)
	if f.TestCtx != nil {
		te.Result.TestCtx = *f.TestCtx
	}
	te.Result.History = f.History
	return te
}
