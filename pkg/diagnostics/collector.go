// Package diagnostics collects run telemetry for post-mortem dumps.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/gridrunner/pkg/telemetry"
)

// MaxEvents is the default maximum number of events to retain.
const MaxEvents = 200

const maxErrors = 50

// Collector aggregates telemetry events of one run.
type Collector struct {
	mu        sync.RWMutex
	events    []telemetry.Event
	maxEvents int

	tests          map[telemetry.EventType]int
	failures       map[string]int
	launched       int
	quit           int
	launchFailures int
	workerStarts   int
	workerExits    int
	recentErrors   []errorEntry

	unsubscribe func()
	done        chan struct{}
	started     time.Time
}

type errorEntry struct {
	Time      time.Time
	Type      string
	BrowserID string
	Message   string
}

// NewCollector creates a new diagnostic collector.
func NewCollector() *Collector {
	return &Collector{
		events:       make([]telemetry.Event, 0, MaxEvents),
		maxEvents:    MaxEvents,
		tests:        make(map[telemetry.EventType]int),
		failures:     make(map[string]int),
		recentErrors: make([]errorEntry, 0, maxErrors),
		started:      time.Now(),
	}
}

// Subscribe starts collecting events from a telemetry hub.
func (c *Collector) Subscribe(hub *telemetry.Hub) {
	if hub == nil {
		return
	}
	ch, unsub := hub.Subscribe()
	c.unsubscribe = unsub
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		for event := range ch {
			c.record(event)
		}
	}()
}

// Close stops collecting. Events published before Close are recorded by
// the time it returns.
func (c *Collector) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.done != nil {
		<-c.done
	}
}

func (c *Collector) record(event telemetry.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) >= c.maxEvents {
		c.events = c.events[1:]
	}
	c.events = append(c.events, event)

	switch event.Type {
	case telemetry.EventTestPassed, telemetry.EventTestPending, telemetry.EventTestRetry:
		c.tests[event.Type]++

	case telemetry.EventTestFailed:
		c.tests[event.Type]++
		c.failures[event.BrowserID]++
		msg, _ := event.Data["error"].(string)
		if title, ok := event.Data["fullTitle"].(string); ok {
			msg = title + ": " + msg
		}
		c.addError(event, msg)

	case telemetry.EventSessionLaunched:
		c.launched++

	case telemetry.EventSessionQuit:
		c.quit++

	case telemetry.EventSessionLaunchFailed:
		c.launchFailures++
		msg, _ := event.Data["error"].(string)
		c.addError(event, msg)

	case telemetry.EventWorkerStarted:
		c.workerStarts++

	case telemetry.EventWorkerExited:
		c.workerExits++
		if msg, ok := event.Data["error"].(string); ok {
			c.addError(event, fmt.Sprintf("worker %v: %s", event.Data["slot"], msg))
		}
	}
}

func (c *Collector) addError(event telemetry.Event, msg string) {
	if len(c.recentErrors) >= maxErrors {
		c.recentErrors = c.recentErrors[1:]
	}
	c.recentErrors = append(c.recentErrors, errorEntry{
		Time:      event.Timestamp,
		Type:      string(event.Type),
		BrowserID: event.BrowserID,
		Message:   msg,
	})
}

// Dump returns a formatted diagnostic report.
func (c *Collector) Dump() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("=== Run Diagnostics ===\n")
	sb.WriteString(fmt.Sprintf("Collection Started: %s\n", c.started.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Collection Duration: %s\n", time.Since(c.started).Round(time.Second)))
	sb.WriteString("\n")

	sb.WriteString("=== Tests ===\n")
	sb.WriteString(fmt.Sprintf("Passed: %d\n", c.tests[telemetry.EventTestPassed]))
	sb.WriteString(fmt.Sprintf("Failed: %d\n", c.tests[telemetry.EventTestFailed]))
	sb.WriteString(fmt.Sprintf("Retried: %d\n", c.tests[telemetry.EventTestRetry]))
	sb.WriteString(fmt.Sprintf("Pending: %d\n", c.tests[telemetry.EventTestPending]))
	sb.WriteString("\n")

	sb.WriteString("=== Sessions ===\n")
	sb.WriteString(fmt.Sprintf("Launched: %d\n", c.launched))
	sb.WriteString(fmt.Sprintf("Quit: %d\n", c.quit))
	sb.WriteString(fmt.Sprintf("Launch Failures: %d\n", c.launchFailures))
	sb.WriteString("\n")

	sb.WriteString("=== Workers ===\n")
	sb.WriteString(fmt.Sprintf("Started: %d\n", c.workerStarts))
	sb.WriteString(fmt.Sprintf("Exited: %d\n", c.workerExits))
	sb.WriteString("\n")

	if len(c.failures) > 0 {
		sb.WriteString("=== Failures By Browser ===\n")
		browsers := make([]string, 0, len(c.failures))
		for id := range c.failures {
			browsers = append(browsers, id)
		}
		slices.Sort(browsers)
		for _, id := range browsers {
			sb.WriteString(fmt.Sprintf("  %s: %d\n", id, c.failures[id]))
		}
		sb.WriteString("\n")
	}

	if len(c.recentErrors) > 0 {
		sb.WriteString("=== Recent Errors ===\n")
		for _, err := range c.recentErrors {
			sb.WriteString(fmt.Sprintf("  [%s] %s %s: %s\n",
				err.Time.Format("15:04:05"), err.Type, err.BrowserID, err.Message))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("=== Recent Events (last 20) ===\n")
	start := len(c.events) - 20
	if start < 0 {
		start = 0
	}
	for _, event := range c.events[start:] {
		data := ""
		if len(event.Data) > 0 {
			if b, err := json.Marshal(event.Data); err == nil {
				data = string(b)
				if len(data) > 80 {
					data = data[:77] + "..."
				}
			}
		}
		sb.WriteString(fmt.Sprintf("  [%s] %s %s %s\n",
			event.Timestamp.Format("15:04:05"), event.Type, event.BrowserID, data))
	}
	sb.WriteString("\n")

	sb.WriteString("=== End Run Diagnostics ===\n")
	return sb.String()
}

// WriteFile writes Dump to path, creating its directory.
func (c *Collector) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create diagnostics directory: %w", err)
	}
	return os.WriteFile(path, []byte(c.Dump()), 0o644)
}

// Stats returns a summary of collected statistics.
func (c *Collector) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]any{
		"uptime":          time.Since(c.started).String(),
		"event_count":     len(c.events),
		"tests_passed":    c.tests[telemetry.EventTestPassed],
		"tests_failed":    c.tests[telemetry.EventTestFailed],
		"tests_retried":   c.tests[telemetry.EventTestRetry],
		"tests_pending":   c.tests[telemetry.EventTestPending],
		"sessions":        c.launched,
		"sessions_quit":   c.quit,
		"launch_failures": c.launchFailures,
		"worker_starts":   c.workerStarts,
		"worker_exits":    c.workerExits,
		"error_count":     len(c.recentErrors),
	}
}
