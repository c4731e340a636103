package storage

import (
	"context"
	"encoding/json"
	"time"

	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
	"github.com/odvcencio/gridrunner/pkg/events"
	"github.com/odvcencio/gridrunner/pkg/logging"
	"github.com/odvcencio/gridrunner/pkg/runner"
	"github.com/odvcencio/gridrunner/pkg/testtree"
)

// Recorder writes the run and every test outcome it sees on a runner's
// emitter. Storage failures are logged and never fail the run.
type Recorder struct {
	store  *Store
	writer *BatchWriter
	runID  string
	logger *logging.Logger
}

// NewRecorder creates a recorder for runID.
func NewRecorder(store *Store, runID string, logger *logging.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		writer: store.NewBatchWriter(50, 250*time.Millisecond),
		runID:  runID,
		logger: logger,
	}
	r.writer.OnError(func(err error) { r.warn("results_flush_failed", err) })
	return r
}

// Attach subscribes the recorder to em. The returned func detaches it.
func (r *Recorder) Attach(em *events.Emitter) func() {
	unsubs := []func(){
		em.On(events.RunnerStart, r.onStart),
		em.On(events.RunnerEnd, r.onEnd),
		em.On(events.TestPass, r.onTest(ResultPassed)),
		em.On(events.TestFail, r.onTest(ResultFailed)),
		em.On(events.Retry, r.onTest(ResultRetried)),
		em.On(events.TestPending, r.onTest(ResultSkipped)),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (r *Recorder) onStart(context.Context, any) error {
	if err := r.store.CreateRun(&Run{ID: r.runID, StartedAt: time.Now()}); err != nil {
		r.warn("run_create_failed", err)
	}
	return nil
}

func (r *Recorder) onTest(status string) events.Handler {
	return func(_ context.Context, data any) error {
		t, ok := data.(*testtree.Test)
		if !ok {
			return nil
		}
		if err := r.writer.Add(r.result(t, status)); err != nil {
			r.warn("results_flush_failed", err)
		}
		return nil
	}
}

func (r *Recorder) onEnd(_ context.Context, data any) error {
	if err := r.writer.Close(); err != nil {
		r.warn("results_flush_failed", err)
	}
	res, _ := data.(runner.Result)
	run := &Run{
		ID:      r.runID,
		Status:  runStatus(res),
		Total:   res.Stats.Total,
		Passed:  res.Stats.Passed,
		Failed:  res.Stats.Failed,
		Retries: res.Stats.Retries,
		Skipped: res.Stats.Skipped,
	}
	if err := r.store.FinishRun(run); err != nil {
		r.warn("run_finish_failed", err)
	}
	return nil
}

func runStatus(res runner.Result) string {
	switch {
	case res.Cancelled:
		return RunStatusCancelled
	case res.Stats.Failed > 0:
		return RunStatusFailed
	}
	return RunStatusPassed
}

func (r *Recorder) result(t *testtree.Test, status string) *TestResult {
	res := &TestResult{
		RunID:       r.runID,
		BrowserID:   t.BrowserID,
		FullTitle:   t.FullTitle(),
		File:        t.File,
		Status:      status,
		SessionID:   t.SessionID,
		RetriesLeft: t.RetriesLeft,
		Duration:    t.Duration,
		Meta:        t.Meta,
		RecordedAt:  time.Now(),
	}
	if len(t.History) > 0 {
		if data, err := json.Marshal(t.History); err == nil {
			res.History = data
		}
	}
	if t.Err != nil {
		res.ErrorCode = string(gerrors.GetCode(t.Err))
		res.ErrorMessage = t.Err.Error()
	}
	return res
}

func (r *Recorder) warn(eventType string, err error) {
	r.logger.Log(logging.Event{
		Level:     logging.LevelWarn,
		Category:  logging.CategoryStorage,
		EventType: eventType,
		RunID:     r.runID,
		Message:   err.Error(),
	})
}
