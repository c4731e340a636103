package runner

import (
	"context"
	"sync"

	"github.com/odvcencio/gridrunner/pkg/events"
	"github.com/odvcencio/gridrunner/pkg/telemetry"
	"github.com/odvcencio/gridrunner/pkg/testtree"
)

// Counts tallies test outcomes. Total counts finished tests, not attempts.
type Counts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Retries int `json:"retries"`
	Skipped int `json:"skipped"`
}

// Stats are the outcome counts of a run, overall and per browser.
type Stats struct {
	Counts
	Browsers map[string]Counts `json:"browsers"`
}

// statsCollector listens to test events and counts them.
type statsCollector struct {
	mu    sync.Mutex
	total Counts
	by    map[string]*Counts
}

func newStatsCollector() *statsCollector {
	return &statsCollector{by: make(map[string]*Counts)}
}

// Attach subscribes the collector to em. The returned func detaches it.
func (c *statsCollector) Attach(em *events.Emitter) func() {
	on := func(ev events.Event, status string) func() {
		return em.On(ev, func(_ context.Context, data any) error {
			if t, ok := data.(*testtree.Test); ok {
				c.record(t, status)
			}
			return nil
		})
	}
	unsubs := []func(){
		on(events.TestPass, telemetry.StatusPassed),
		on(events.TestFail, telemetry.StatusFailed),
		on(events.Retry, telemetry.StatusRetried),
		on(events.TestPending, telemetry.StatusSkipped),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (c *statsCollector) record(t *testtree.Test, status string) {
	telemetry.RecordTest(t.BrowserID, status, t.Duration)

	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.by[t.BrowserID]
	if !ok {
		b = &Counts{}
		c.by[t.BrowserID] = b
	}
	for _, counts := range []*Counts{&c.total, b} {
		switch status {
		case telemetry.StatusPassed:
			counts.Passed++
			counts.Total++
		case telemetry.StatusFailed:
			counts.Failed++
			counts.Total++
		case telemetry.StatusSkipped:
			counts.Skipped++
			counts.Total++
		case telemetry.StatusRetried:
			counts.Retries++
		}
	}
}

// Snapshot returns a copy of the current counts.
func (c *statsCollector) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Counts: c.total, Browsers: make(map[string]Counts, len(c.by))}
	for id, b := range c.by {
		s.Browsers[id] = *b
	}
	return s
}
