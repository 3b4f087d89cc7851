package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var out []Entry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("bad line %q: %v", line, err)
		}
		out = append(out, e)
	}
	return out
}

func TestLoggerWritesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(path)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	ts := time.Date(2026, 2, 19, 10, 30, 0, 0, time.UTC)
	l.Log(Entry{Timestamp: ts, Action: ActionStart, Service: "data", Actor: "api"})
	l.Record("console", ActionStopAll, "", nil)

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != ActionStart || entries[0].Service != "data" || !entries[0].Timestamp.Equal(ts) {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].Action != ActionStopAll || entries[1].Actor != "console" {
		t.Errorf("second entry = %+v", entries[1])
	}
}

func TestRecordError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, _ := NewLogger(path)
	defer l.Close()

	l.Record("api", ActionStart, "sim", errors.New("entry script missing"))

	e := readEntries(t, path)[0]
	if e.Error != "entry script missing" {
		t.Errorf("error = %q", e.Error)
	}
}

func TestLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	l1, _ := NewLogger(path)
	l1.Log(Entry{Action: ActionStart, Service: "first"})
	l1.Close()

	l2, _ := NewLogger(path)
	l2.Log(Entry{Action: ActionStop, Service: "second"})
	l2.Close()

	if n := len(readEntries(t, path)); n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
}

func TestLoggerDefaultTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, _ := NewLogger(path)
	defer l.Close()

	before := time.Now().UTC()
	l.Log(Entry{Action: ActionOpen, Service: "vis_a"})
	after := time.Now().UTC()

	e := readEntries(t, path)[0]
	if e.Timestamp.Before(before) || e.Timestamp.After(after) {
		t.Errorf("timestamp %v not between %v and %v", e.Timestamp, before, after)
	}
}

func TestLoggerFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	l, err := NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	l.Close()

	info, _ := os.Stat(path)
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600, got %o", perm)
	}
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	if err := l.Record("api", ActionStart, "x", nil); err != nil {
		t.Errorf("nil logger Record: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("nil logger Close: %v", err)
	}
}
