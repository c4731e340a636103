package ipc

import (
	"context"

	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
	"github.com/odvcencio/gridrunner/pkg/events"
	"github.com/odvcencio/gridrunner/pkg/pool"
	"github.com/odvcencio/gridrunner/pkg/runner"
	"github.com/odvcencio/gridrunner/pkg/telemetry"
	"github.com/odvcencio/gridrunner/pkg/testtree"
)

var testTelemetry = map[events.Event]telemetry.EventType{
	events.TestBegin:   telemetry.EventTestBegin,
	events.TestPass:    telemetry.EventTestPassed,
	events.TestFail:    telemetry.EventTestFailed,
	events.TestPending: telemetry.EventTestPending,
	events.Retry:       telemetry.EventTestRetry,
	events.TestEnd:     telemetry.EventTestEnd,
}

// PublishRunnerEvents mirrors the run, suite, test and session events of
// em onto hub under runID. The returned func detaches it.
func PublishRunnerEvents(em *events.Emitter, hub *telemetry.Hub, runID string) func() {
	p := &runnerPublisher{hub: hub, runID: runID}
	unsubs := []func(){
		em.On(events.RunnerStart, p.onRunStart),
		em.On(events.RunnerEnd, p.onRunEnd),
		em.On(events.SuiteBegin, p.onSuite(telemetry.EventSuiteBegin)),
		em.On(events.SuiteEnd, p.onSuite(telemetry.EventSuiteEnd)),
		em.On(events.SessionStart, p.onSession(telemetry.EventSessionLaunched)),
		em.On(events.SessionEnd, p.onSession(telemetry.EventSessionQuit)),
	}
	for ev, typ := range testTelemetry {
		unsubs = append(unsubs, em.On(ev, p.onTest(typ)))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

type runnerPublisher struct {
	hub   *telemetry.Hub
	runID string
}

func (p *runnerPublisher) publish(event telemetry.Event) {
	event.RunID = p.runID
	p.hub.Publish(event)
}

func (p *runnerPublisher) onRunStart(context.Context, any) error {
	p.publish(telemetry.Event{Type: telemetry.EventRunStarted})
	return nil
}

func (p *runnerPublisher) onRunEnd(_ context.Context, data any) error {
	res, _ := data.(runner.Result)
	p.publish(telemetry.Event{
		Type: telemetry.EventRunFinished,
		Data: map[string]any{
			"stats":      res.Stats,
			"cancelled":  res.Cancelled,
			"durationMs": res.Duration.Milliseconds(),
		},
	})
	return nil
}

func (p *runnerPublisher) onSuite(typ telemetry.EventType) events.Handler {
	return func(_ context.Context, data any) error {
		s, ok := data.(*testtree.Suite)
		if !ok || s == nil {
			return nil
		}
		p.publish(telemetry.Event{
			Type:      typ,
			BrowserID: s.BrowserID,
			Data: map[string]any{
				"title":     s.Title,
				"fullTitle": s.FullTitle(),
				"file":      s.File,
			},
		})
		return nil
	}
}

func (p *runnerPublisher) onTest(typ telemetry.EventType) events.Handler {
	return func(_ context.Context, data any) error {
		t, ok := data.(*testtree.Test)
		if !ok || t == nil {
			return nil
		}
		payload := map[string]any{
			"title":       t.Title,
			"fullTitle":   t.FullTitle(),
			"file":        t.File,
			"retriesLeft": t.RetriesLeft,
		}
		if t.Duration > 0 {
			payload["durationMs"] = t.Duration.Milliseconds()
		}
		if t.SkipReason != "" {
			payload["skipReason"] = t.SkipReason
		}
		if t.Err != nil {
			payload["error"] = t.Err.Error()
			if code := gerrors.GetCode(t.Err); code != "" {
				payload["errorCode"] = string(code)
			}
		}
		p.publish(telemetry.Event{
			Type:      typ,
			BrowserID: t.BrowserID,
			SessionID: t.SessionID,
			Data:      payload,
		})
		return nil
	}
}

func (p *runnerPublisher) onSession(typ telemetry.EventType) events.Handler {
	return func(_ context.Context, data any) error {
		info, ok := data.(pool.SessionInfo)
		if !ok {
			return nil
		}
		p.publish(telemetry.Event{
			Type:      typ,
			BrowserID: info.BrowserID,
			SessionID: info.SessionID,
		})
		return nil
	}
}
