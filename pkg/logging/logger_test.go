package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestNewLogger tests logger construction with temp directories
func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		baseDir string
		runID   string
	}{
		{name: "valid directory and run ID", baseDir: t.TempDir(), runID: "run-123"},
		{name: "creates directories if not exist", baseDir: filepath.Join(t.TempDir(), "nested", "path"), runID: "run-456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.baseDir, tt.runID)
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			defer logger.Close()

			if logger.minLevel != LevelInfo {
				t.Errorf("minLevel = %v, want %v", logger.minLevel, LevelInfo)
			}

			runFile := filepath.Join(tt.baseDir, "runs", tt.runID+".jsonl")
			if logger.RunPath() != runFile {
				t.Errorf("RunPath() = %v, want %v", logger.RunPath(), runFile)
			}
			if _, err := os.Stat(runFile); os.IsNotExist(err) {
				t.Errorf("run log file not created")
			}
			if _, err := os.Stat(filepath.Join(tt.baseDir, "errors.jsonl")); os.IsNotExist(err) {
				t.Errorf("errors.jsonl not created")
			}
		})
	}
}

// TestNewLoggerInvalidDirectory tests error handling for invalid directories
func TestNewLoggerInvalidDirectory(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "file-not-dir")
	if err := os.WriteFile(filePath, []byte("test"), 0644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if _, err := NewLogger(filePath, "run"); err == nil {
		t.Fatal("expected error when baseDir is a file, got nil")
	}
}

func TestLogEvent(t *testing.T) {
	baseDir := t.TempDir()
	logger, err := NewLogger(baseDir, "run-1")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	before := time.Now()
	err = logger.Log(Event{
		Level:     LevelInfo,
		Category:  CategoryPool,
		EventType: "session_launched",
		BrowserID: "chrome",
		SessionID: "s-1",
		Message:   "launched",
	})
	if err != nil {
		t.Fatalf("Log() failed: %v", err)
	}

	events, err := ReadRecentEvents(logger.RunPath(), 1)
	if err != nil {
		t.Fatalf("ReadRecentEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	logged := events[0]
	if logged.RunID != "run-1" {
		t.Errorf("RunID = %v, want run-1", logged.RunID)
	}
	if logged.BrowserID != "chrome" || logged.SessionID != "s-1" {
		t.Errorf("unexpected ids %q/%q", logged.BrowserID, logged.SessionID)
	}
	if logged.Timestamp.Before(before) {
		t.Errorf("Timestamp %v should be set automatically", logged.Timestamp)
	}
}

func TestLogErrorEvent(t *testing.T) {
	baseDir := t.TempDir()
	logger, err := NewLogger(baseDir, "run-1")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	if err := logger.Error(CategoryRunner, "end_runner_failed", "listener failed", nil); err != nil {
		t.Fatalf("Error() failed: %v", err)
	}
	if err := logger.Warn(CategoryPool, "release_failed", "quit failed", nil); err != nil {
		t.Fatalf("Warn() failed: %v", err)
	}

	runEvents, _ := ReadRecentEvents(logger.RunPath(), 10)
	if len(runEvents) != 2 {
		t.Errorf("expected 2 events in run log, got %d", len(runEvents))
	}

	errorEvents, _ := ReadRecentEvents(filepath.Join(baseDir, "errors.jsonl"), 10)
	if len(errorEvents) != 1 {
		t.Fatalf("expected 1 event in error log, got %d", len(errorEvents))
	}
	if errorEvents[0].EventType != "end_runner_failed" {
		t.Errorf("error log type = %v", errorEvents[0].EventType)
	}
}

func TestShouldLog(t *testing.T) {
	logger := NewWriterLogger(&bytes.Buffer{})

	tests := []struct {
		minLevel  Level
		logLevel  Level
		shouldLog bool
	}{
		{LevelDebug, LevelDebug, true},
		{LevelInfo, LevelDebug, false},
		{LevelInfo, LevelWarn, true},
		{LevelWarn, LevelInfo, false},
		{LevelError, LevelWarn, false},
		{LevelError, LevelError, true},
	}

	for _, tt := range tests {
		logger.SetMinLevel(tt.minLevel)
		if got := logger.shouldLog(tt.logLevel); got != tt.shouldLog {
			t.Errorf("shouldLog(%v) with minLevel %v = %v, want %v", tt.logLevel, tt.minLevel, got, tt.shouldLog)
		}
	}
}

func TestWriterLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf)
	logger.SetRunID("r-9")

	logger.Debug(CategoryBus, "ignored", "below min level", nil)
	logger.Info(CategoryWorker, "worker_started", "up", map[string]any{"pid": 42})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}

	var ev Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if ev.RunID != "r-9" || ev.Category != CategoryWorker {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Details["pid"] != float64(42) {
		t.Errorf("details = %v", ev.Details)
	}
}

func TestNilLogger(t *testing.T) {
	var logger *Logger
	if err := logger.Info(CategoryRunner, "x", "y", nil); err != nil {
		t.Errorf("nil logger should discard, got %v", err)
	}
	logger.SetMinLevel(LevelDebug)
	if err := logger.Close(); err != nil {
		t.Errorf("nil Close() = %v", err)
	}
	if logger.RunPath() != "" {
		t.Error("nil logger has no run path")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("warn") != LevelWarn {
		t.Error("warn should parse")
	}
	if ParseLevel("loud") != LevelInfo {
		t.Error("unknown levels fall back to info")
	}
}
