package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event represents an audit log event
type Event struct {
	Timestamp   time.Time         `json:"timestamp"`
	Type        string            `json:"type"` // "start", "end", "error"
	RunID       string            `json:"run_id"`
	Command     string            `json:"command"` // "stress", "launch"
	PID         int               `json:"pid,omitempty"`
	Allocations int               `json:"allocations,omitempty"`
	TotalBytes  int64             `json:"total_bytes,omitempty"`
	ExitCode    int               `json:"exit_code,omitempty"`
	Duration    string            `json:"duration,omitempty"` // ISO 8601 duration format
	Error       string            `json:"error,omitempty"`
	Outcome     string            `json:"outcome,omitempty"` // "completed", "exhausted", "exited", "killed", "error"
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RunStats carries the figures recorded when a run ends
type RunStats struct {
	PID         int
	Allocations int
	TotalBytes  int64
	ExitCode    int
}

// Logger appends audit events to a file, one JSON object per line
type Logger struct {
	logFile string
	file    *os.File
	lock    sync.Mutex
	logger  *slog.Logger
}

// NewLogger creates a new audit logger
func NewLogger(logFile string) (*Logger, error) {
	if logFile == "" {
		return nil, fmt.Errorf("log file path cannot be empty")
	}

	// Ensure log directory exists
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file in append mode
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Logger{
		logFile: logFile,
		file:    file,
		logger:  slog.Default(),
	}, nil
}

// SetLogger sets the logger used for problems writing the audit file
func (l *Logger) SetLogger(logger *slog.Logger) {
	l.logger = logger
}

// Log writes an audit event to the log file
func (l *Logger) Log(event Event) error {
	if l.file == nil {
		return fmt.Errorf("logger file not initialized")
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	// Set timestamp if not already set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Marshal to JSON
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	// Write to file with newline
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	// Sync to ensure data is written to disk
	if err := l.file.Sync(); err != nil {
		l.logger.Warn("failed to sync audit log file", slog.String("error", err.Error()))
	}

	return nil
}

// LogStart logs the start of a run
func (l *Logger) LogStart(runID, command string, metadata map[string]string) error {
	event := Event{
		Timestamp: time.Now().UTC(),
		Type:      "start",
		RunID:     runID,
		Command:   command,
		Metadata:  metadata,
	}
	return l.Log(event)
}

// LogEnd logs the end of a run
func (l *Logger) LogEnd(runID, command string, stats RunStats, duration time.Duration, outcome string) error {
	event := Event{
		Timestamp:   time.Now().UTC(),
		Type:        "end",
		RunID:       runID,
		Command:     command,
		PID:         stats.PID,
		Allocations: stats.Allocations,
		TotalBytes:  stats.TotalBytes,
		ExitCode:    stats.ExitCode,
		Duration:    FormatDuration(duration),
		Outcome:     outcome,
	}
	return l.Log(event)
}

// LogError logs a run that could not complete
func (l *Logger) LogError(runID, command, errMsg string) error {
	event := Event{
		Timestamp: time.Now().UTC(),
		Type:      "error",
		RunID:     runID,
		Command:   command,
		Error:     errMsg,
		Outcome:   "error",
	}
	return l.Log(event)
}

// FormatDuration renders d as an ISO 8601 duration (PT<seconds>.<nanos>S)
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("PT%d.%09dS", int64(d.Seconds()), d.Nanoseconds()%1e9)
}

// Close closes the audit logger file
func (l *Logger) Close() error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil // Mark as closed
		return err
	}
	return nil
}
