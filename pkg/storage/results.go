package storage

import (
	"encoding/json"
	"time"

	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
)

// Result status values.
const (
	ResultPassed  = "passed"
	ResultFailed  = "failed"
	ResultRetried = "retried"
	ResultSkipped = "skipped"
)

// TestResult is the outcome of one attempt of one test in one browser.
type TestResult struct {
	ID           int64           `json:"id"`
	RunID        string          `json:"runId"`
	BrowserID    string          `json:"browserId"`
	FullTitle    string          `json:"fullTitle"`
	File         string          `json:"file,omitempty"`
	Status       string          `json:"status"`
	SessionID    string          `json:"sessionId,omitempty"`
	RetriesLeft  int             `json:"retriesLeft"`
	Duration     time.Duration   `json:"duration"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Meta         map[string]any  `json:"meta,omitempty"`
	History      json.RawMessage `json:"history,omitempty"`
	RecordedAt   time.Time       `json:"recordedAt"`
}

// SaveResults inserts results in one transaction and assigns their ids.
func (s *Store) SaveResults(results []*TestResult) error {
	if len(results) == 0 {
		return nil
	}
	err := withBusyRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO test_results (run_id, browser_id, full_title, file, status, session_id, retries_left,
				duration_ms, error_code, error_message, meta_json, history_json, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		ids := make([]int64, len(results))
		for i, r := range results {
			meta, err := json.Marshal(r.Meta)
			if err != nil {
				return err
			}
			if r.Meta == nil {
				meta = []byte("{}")
			}
			history := []byte(r.History)
			if len(history) == 0 {
				history = []byte("[]")
			}
			if r.RecordedAt.IsZero() {
				r.RecordedAt = time.Now()
			}
			res, err := stmt.Exec(r.RunID, r.BrowserID, r.FullTitle, r.File, r.Status, r.SessionID, r.RetriesLeft,
				r.Duration.Milliseconds(), r.ErrorCode, r.ErrorMessage, string(meta), string(history), r.RecordedAt)
			if err != nil {
				return err
			}
			if ids[i], err = res.LastInsertId(); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		for i, r := range results {
			r.ID = ids[i]
		}
		return nil
	})
	if err != nil {
		return gerrors.Wrap(err, gerrors.ErrCodeStorageWrite, "failed to save test results").
			WithContext("count", len(results))
	}
	s.notify(newEvent(EventResultsSaved, results[0].RunID, nil, len(results)))
	return nil
}

// ListResults returns the results of a run in insertion order.
func (s *Store) ListResults(runID string) ([]*TestResult, error) {
	return s.queryResults(`WHERE run_id = ? ORDER BY id`, runID)
}

// TestHistory returns the latest results of one test in one browser across
// runs, newest first.
func (s *Store) TestHistory(browserID, fullTitle string, limit int) ([]*TestResult, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryResults(`WHERE browser_id = ? AND full_title = ? ORDER BY id DESC LIMIT ?`, browserID, fullTitle, limit)
}

// FlakyTests lists tests of a run that were retried and eventually passed.
func (s *Store) FlakyTests(runID string) ([]*TestResult, error) {
	return s.queryResults(`
		WHERE run_id = ? AND status = 'passed' AND EXISTS (
			SELECT 1 FROM test_results r
			WHERE r.run_id = test_results.run_id AND r.browser_id = test_results.browser_id
				AND r.full_title = test_results.full_title AND r.status = 'retried'
		) ORDER BY id`, runID)
}

func (s *Store) queryResults(where string, args ...any) ([]*TestResult, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, browser_id, full_title, file, status, session_id, retries_left,
			duration_ms, error_code, error_message, meta_json, history_json, recorded_at
		FROM test_results `+where, args...)
	if err != nil {
		return nil, gerrors.Wrap(err, gerrors.ErrCodeStorageRead, "failed to query test results")
	}
	defer rows.Close()

	var out []*TestResult
	for rows.Next() {
		var (
			r        TestResult
			duration int64
			meta     string
			history  string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.BrowserID, &r.FullTitle, &r.File, &r.Status, &r.SessionID,
			&r.RetriesLeft, &duration, &r.ErrorCode, &r.ErrorMessage, &meta, &history, &r.RecordedAt); err != nil {
			return nil, gerrors.Wrap(err, gerrors.ErrCodeStorageRead, "failed to scan test result")
		}
		r.Duration = time.Duration(duration) * time.Millisecond
		if meta != "" && meta != "{}" && meta != "null" {
			_ = json.Unmarshal([]byte(meta), &r.Meta)
		}
		if history != "" && history != "[]" {
			r.History = json.RawMessage(history)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, gerrors.Wrap(err, gerrors.ErrCodeStorageRead, "failed to read test results")
	}
	return out, nil
}
