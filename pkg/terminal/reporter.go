package terminal

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/odvcencio/gridrunner/pkg/events"
	"github.com/odvcencio/gridrunner/pkg/runner"
	"github.com/odvcencio/gridrunner/pkg/testtree"
)

// Reporter prints one line per test outcome.
type Reporter struct {
	w *Writer
}

// NewReporter creates a reporter writing to w.
func NewReporter(w *Writer) *Reporter {
	return &Reporter{w: w}
}

// Attach subscribes the reporter to em. The returned func detaches it.
func (r *Reporter) Attach(em *events.Emitter) func() {
	unsubs := []func(){
		em.On(events.TestPass, r.onTest(func(t *testtree.Test) {
			r.w.Success("✓ %s %s", label(t), formatDuration(t.Duration))
		})),
		em.On(events.TestFail, r.onTest(func(t *testtree.Test) {
			r.w.Error("✗ %s %s", label(t), formatDuration(t.Duration))
			if t.Err != nil {
				r.w.Dim("    %s", firstLine(t.Err.Error()))
			}
		})),
		em.On(events.Retry, r.onTest(func(t *testtree.Test) {
			r.w.Warn("↻ %s retrying, %d left", label(t), t.RetriesLeft)
		})),
		em.On(events.TestPending, r.onTest(func(t *testtree.Test) {
			msg := "- " + label(t)
			if t.SkipReason != "" {
				msg += " (" + t.SkipReason + ")"
			}
			r.w.Dim("%s", msg)
		})),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (r *Reporter) onTest(print func(*testtree.Test)) events.Handler {
	return func(_ context.Context, data any) error {
		if t, ok := data.(*testtree.Test); ok && t != nil {
			print(t)
		}
		return nil
	}
}

func label(t *testtree.Test) string {
	return "[" + t.BrowserID + "] " + t.FullTitle()
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return "(" + d.Round(time.Millisecond).String() + ")"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Summary prints the final counts overall and per browser.
func (w *Writer) Summary(res runner.Result) {
	stats := res.Stats
	browsers := make([]string, 0, len(stats.Browsers))
	for id := range stats.Browsers {
		browsers = append(browsers, id)
	}
	slices.Sort(browsers)

	nameWidth := len("total")
	for _, id := range browsers {
		nameWidth = max(nameWidth, len(id))
	}
	name := lipgloss.NewStyle().Width(nameWidth + 2)

	var sb strings.Builder
	row := func(rowName string, c runner.Counts) {
		done := c.Passed + c.Failed + c.Skipped
		sb.WriteString(name.Render(rowName))
		sb.WriteString(renderBar(c.Passed, max(done, 1), 20))
		sb.WriteString(fmt.Sprintf("  %s %s %s %s\n",
			w.successStyle.Render(fmt.Sprintf("%d passed", c.Passed)),
			w.errorStyle.Render(fmt.Sprintf("%d failed", c.Failed)),
			w.warnStyle.Render(fmt.Sprintf("%d retries", c.Retries)),
			w.dimStyle.Render(fmt.Sprintf("%d skipped", c.Skipped)),
		))
	}
	for _, id := range browsers {
		row(id, stats.Browsers[id])
	}
	row("total", stats.Counts)

	title := fmt.Sprintf("%d tests in %s", stats.Total, res.Duration.Round(time.Millisecond))
	if res.Cancelled {
		title += " (cancelled)"
	}
	w.Box(title, strings.TrimRight(sb.String(), "\n"))
}
