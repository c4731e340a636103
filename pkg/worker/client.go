package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/odvcencio/gridrunner/pkg/browser"
	"github.com/odvcencio/gridrunner/pkg/bus"
	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
	"github.com/odvcencio/gridrunner/pkg/logging"
)

// Client dispatches tests to whichever worker of the queue group picks
// them up.
type Client struct {
	bus     bus.MessageBus
	timeout time.Duration
	logger  *logging.Logger
}

// NewClient creates a client. A timeout <= 0 waits for the reply as long as
// the caller's context allows.
func NewClient(b bus.MessageBus, timeout time.Duration) *Client {
	return &Client{bus: b, timeout: timeout}
}

// WithLogger sets the logger for malformed worker signals.
func (c *Client) WithLogger(l *logging.Logger) *Client {
	c.logger = l
	return c
}

// RunTest dispatches req and waits for its result. A failed test is
// returned as a *TestError carrying the partial result.
func (c *Client) RunTest(ctx context.Context, req RunTestRequest) (*Result, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, gerrors.Wrap(err, gerrors.ErrCodeInternal, "failed to encode request")
	}

	reply, err := c.bus.Request(ctx, RunTestSubject, data, c.timeout)
	if err != nil {
		return nil, gerrors.Wrap(err, gerrors.ErrCodeDispatch, "failed to dispatch test").
			WithContext("test", req.FullTitle).
			WithContext("browser", req.BrowserID).
			WithRetryable(errors.Is(err, bus.ErrTimeout) || errors.Is(err, bus.ErrNoResponders))
	}

	var resp Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, gerrors.Wrap(err, gerrors.ErrCodeDispatch, "malformed worker reply").
			WithContext("test", req.FullTitle)
	}
	switch {
	case resp.Failure != nil:
		return nil, resp.Failure.testError()
	case resp.Result != nil:
		res := *resp.Result
		res.TestCtx = res.TestCtx.Normalize()
		return &res, nil
	}
	return nil, gerrors.New(gerrors.ErrCodeDispatch, "empty worker reply").
		WithContext("test", req.FullTitle)
}

// OnFreeBrowser calls fn once with the state a worker reports when it
// releases sessionID. The returned func unsubscribes.
func (c *Client) OnFreeBrowser(ctx context.Context, sessionID string, fn func(browser.State)) (func(), error) {
	var once sync.Once
	sub, err := c.bus.Subscribe(ctx, FreeBrowserSubject(sessionID), func(msg *bus.Message) []byte {
		var state browser.State
		if err := json.Unmarshal(msg.Data, &state); err != nil {
			_ = c.logger.Warn(logging.CategoryWorker, "free_signal_malformed", err.Error(), map[string]any{"session": sessionID})
			return nil
		}
		once.Do(func() { fn(state) })
		return nil
	})
	if err != nil {
		return nil, gerrors.Wrap(err, gerrors.ErrCodeDispatch, "failed to watch session").
			WithContext("session", sessionID)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Workers is the runner's view of the worker fleet: a Client plus the
// supervisor keeping the processes alive.
type Workers struct {
	*Client
	supervisor *Supervisor
}

// NewWorkers pairs a client with the supervisor of its workers. The
// supervisor may be nil when workers are managed elsewhere.
func NewWorkers(client *Client, supervisor *Supervisor) *Workers {
	return &Workers{Client: client, supervisor: supervisor}
}

// End stops every worker.
func (w *Workers) End(ctx context.Context) error {
	if w.supervisor == nil {
		return nil
	}
	return w.supervisor.Stop(ctx)
}
