package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benaskins/portvisor/internal/config"
)

func TestTimeoutsFrom(t *testing.T) {
	got := timeoutsFrom(config.Timeouts{
		Probe:         config.Duration{Duration: 2 * time.Second},
		ProbeAttempts: 10,
		GracePeriod:   config.Duration{Duration: 3 * time.Second},
	})
	if got.ProbeTimeout != 2*time.Second {
		t.Errorf("ProbeTimeout = %v, want 2s", got.ProbeTimeout)
	}
	if got.ProbeAttempts != 10 {
		t.Errorf("ProbeAttempts = %d, want 10", got.ProbeAttempts)
	}
	if got.GracePeriod != 3*time.Second {
		t.Errorf("GracePeriod = %v, want 3s", got.GracePeriod)
	}
	if got.Stagger != 0 {
		t.Errorf("Stagger = %v, want 0 (supervisor default)", got.Stagger)
	}
}

func TestRunPreflight(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	if err := runPreflight(ctx, nil, dir); err != nil {
		t.Errorf("empty command: %v", err)
	}
	if err := runPreflight(ctx, []string{"true"}, dir); err != nil {
		t.Errorf("true: %v", err)
	}

	err := runPreflight(ctx, []string{"sh", "-c", "echo first; echo 'No module named streamlit' >&2; exit 1"}, dir)
	if err == nil {
		t.Fatal("expected failure")
	}
	// The error is "<argv>: <exit status>: <last output line>".
	msg := err.Error()
	if tail := msg[strings.LastIndex(msg, ": ")+2:]; tail != "No module named streamlit" {
		t.Errorf("error should end with only the last output line, got %q", tail)
	}
	if !strings.Contains(msg, "exit status 1") {
		t.Errorf("error should carry the exit status: %v", err)
	}
}

func TestLastLine(t *testing.T) {
	cases := map[string]string{
		"":         "",
		"one":      "one",
		"one\ntwo": "two",
		"a\nb\nc":  "c",
	}
	for in, want := range cases {
		if got := lastLine(in); got != want {
			t.Errorf("lastLine(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestForEachContinuesPastFailure(t *testing.T) {
	var seen []string
	err := forEach([]string{"a", "b", "c"}, func(id string) (string, error) {
		seen = append(seen, id)
		if id == "b" {
			return "", errors.New("boom")
		}
		return "ok", nil
	})
	if err == nil || !strings.Contains(err.Error(), "1 of 3") {
		t.Errorf("error = %v, want 1 of 3 failed", err)
	}
	if strings.Join(seen, ",") != "a,b,c" {
		t.Errorf("visited %v, want all three", seen)
	}
}
