// Package audit records operator actions (start, stop, open and the bulk
// variants) to an append-only log of newline-delimited JSON, by default
// ~/.portvisor/audit.log.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Action is the operator command that was issued.
type Action string

const (
	ActionStart      Action = "start"
	ActionStop       Action = "stop"
	ActionRefresh    Action = "refresh"
	ActionOpen       Action = "open"
	ActionStartAll   Action = "start_all"
	ActionStopAll    Action = "stop_all"
	ActionRefreshAll Action = "refresh_all"
)

// Entry is a single audit record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Action    Action    `json:"action"`
	Service   string    `json:"service,omitempty"`
	Actor     string    `json:"actor,omitempty"` // "api", "console"
	Error     string    `json:"error,omitempty"`
}

// Logger appends entries to a file. A nil *Logger discards everything.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewLogger creates or opens path for appending, creating its directory.
func NewLogger(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &Logger{file: f, path: path}, nil
}

// Path returns the log file path.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Log writes an entry.
func (l *Logger) Log(entry Entry) error {
	if l == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// Record logs action by actor against service, with the outcome err.
func (l *Logger) Record(actor string, action Action, service string, err error) error {
	e := Entry{Action: action, Service: service, Actor: actor}
	if err != nil {
		e.Error = err.Error()
	}
	return l.Log(e)
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.file.Close()
}
