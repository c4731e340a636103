package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/gridrunner/pkg/config"
	"github.com/odvcencio/gridrunner/pkg/storage"
	"github.com/odvcencio/gridrunner/pkg/terminal"
)

func (a *App) runRuns(_ context.Context, args []string) error {
	fs := a.flagSet("runs")
	configPath := fs.String("config", "", "config file (default: ~/.gridrunner/config.yaml merged with ./.gridrunner.yaml)")
	limit := fs.Int("limit", 20, "number of runs to list")
	runID := fs.String("run", "", "show the results of one run")
	flaky := fs.Bool("flaky", false, "with -run, only show tests that passed after a retry")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if *flaky && *runID == "" {
		return usageError(errors.New("-flaky needs -run"))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, err := openResults(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	out := terminal.NewWithOutput(a.Stdout)
	if *runID == "" {
		return listRuns(out, store, *limit)
	}
	return showRun(out, store, *runID, *flaky)
}

func openResults(cfg *config.Config) (*storage.Store, error) {
	if cfg.System.ResultsDB == "" {
		return nil, usageError(errors.New("no results database configured (system.results_db)"))
	}
	return storage.New(cfg.System.ResultsDB)
}

func listRuns(out *terminal.Writer, store *storage.Store, limit int) error {
	runs, err := store.ListRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		out.Dim("no runs recorded")
		return nil
	}
	out.Header("Runs")
	for _, run := range runs {
		line := fmt.Sprintf("%s  %-9s  %s  %d passed, %d failed, %d skipped",
			run.ID, run.Status, run.StartedAt.Local().Format(time.DateTime), run.Passed, run.Failed, run.Skipped)
		switch run.Status {
		case storage.RunStatusPassed:
			out.Success("%s", line)
		case storage.RunStatusFailed:
			out.Error("%s", line)
		default:
			out.Println("%s", line)
		}
	}
	return nil
}

func showRun(out *terminal.Writer, store *storage.Store, runID string, flakyOnly bool) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}

	var results []*storage.TestResult
	if flakyOnly {
		results, err = store.FlakyTests(runID)
	} else {
		results, err = store.ListResults(runID)
	}
	if err != nil {
		return err
	}

	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "%-8s [%s] %s", r.Status, r.BrowserID, r.FullTitle)
		if r.ErrorMessage != "" {
			fmt.Fprintf(&b, "\n         %s", firstLine(r.ErrorMessage))
		}
		b.WriteByte('\n')
	}
	if len(results) == 0 {
		b.WriteString("no results\n")
	}
	out.Box(fmt.Sprintf("%s (%s)", run.ID, run.Status), strings.TrimRight(b.String(), "\n"))
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
