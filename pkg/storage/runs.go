package storage

import (
	"database/sql"
	"errors"
	"time"

	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
)

// Run status values.
const (
	RunStatusRunning   = "running"
	RunStatusPassed    = "passed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Run is one orchestrator run and its final counts.
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Status     string     `json:"status"`
	Total      int        `json:"total"`
	Passed     int        `json:"passed"`
	Failed     int        `json:"failed"`
	Retries    int        `json:"retries"`
	Skipped    int        `json:"skipped"`
}

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("storage: run not found")

// CreateRun records the start of a run.
func (s *Store) CreateRun(run *Run) error {
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	err := withBusyRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO runs (run_id, started_at, status) VALUES (?, ?, ?)`,
			run.ID, run.StartedAt, run.Status,
		)
		return err
	})
	if err != nil {
		return gerrors.Wrap(err, gerrors.ErrCodeStorageWrite, "failed to create run").WithContext("run", run.ID)
	}
	s.notify(newEvent(EventRunCreated, run.ID, run.ID, *run))
	return nil
}

// FinishRun stores the final status and counts of a run.
func (s *Store) FinishRun(run *Run) error {
	finished := time.Now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	var res sql.Result
	err := withBusyRetry(func() error {
		var err error
		res, err = s.db.Exec(`
			UPDATE runs SET finished_at = ?, status = ?, total = ?, passed = ?, failed = ?, retries = ?, skipped = ?
			WHERE run_id = ?`,
			finished, run.Status, run.Total, run.Passed, run.Failed, run.Retries, run.Skipped, run.ID,
		)
		return err
	})
	if err != nil {
		return gerrors.Wrap(err, gerrors.ErrCodeStorageWrite, "failed to finish run").WithContext("run", run.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gerrors.Wrap(ErrRunNotFound, gerrors.ErrCodeStorageWrite, "failed to finish run").WithContext("run", run.ID)
	}
	run.FinishedAt = &finished
	s.notify(newEvent(EventRunFinished, run.ID, run.ID, *run))
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, started_at, finished_at, status, total, passed, failed, retries, skipped
		FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.Wrap(ErrRunNotFound, gerrors.ErrCodeStorageRead, "run not found").WithContext("run", runID)
	}
	if err != nil {
		return nil, gerrors.Wrap(err, gerrors.ErrCodeStorageRead, "failed to load run").WithContext("run", runID)
	}
	return run, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT run_id, started_at, finished_at, status, total, passed, failed, retries, skipped
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, gerrors.Wrap(err, gerrors.ErrCodeStorageRead, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, gerrors.Wrap(err, gerrors.ErrCodeStorageRead, "failed to scan run")
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var finished sql.NullTime
	if err := row.Scan(&run.ID, &run.StartedAt, &finished, &run.Status,
		&run.Total, &run.Passed, &run.Failed, &run.Retries, &run.Skipped); err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}
