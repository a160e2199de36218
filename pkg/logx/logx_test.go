package logx

import (
	"testing"
	"time"
)

func TestLoggerBuffersEntries(t *testing.T) {
	logger := NewLogger("test-runner")
	logger.Info("iteration %d started", 3)

	entries := RecentEntries("test-runner", time.Time{})
	if len(entries) == 0 {
		t.Fatal("expected at least one buffered entry")
	}

	last := entries[len(entries)-1]
	if last.Component != "test-runner" {
		t.Errorf("expected component test-runner, got %s", last.Component)
	}
	if last.Level != string(LevelInfo) {
		t.Errorf("expected INFO level, got %s", last.Level)
	}
	if last.Message != "iteration 3 started" {
		t.Errorf("unexpected message: %s", last.Message)
	}
}

func TestDebugSuppressedByDefault(t *testing.T) {
	SetDebug(false)
	defer SetDebug(false)

	logger := NewLogger("debug-check")
	logger.Debug("should not appear")

	for _, e := range RecentEntries("debug-check", time.Time{}) {
		if e.Level == string(LevelDebug) {
			t.Fatal("debug entry buffered while debug disabled")
		}
	}

	SetDebug(true)
	logger.Debug("now visible")

	found := false
	for _, e := range RecentEntries("debug-check", time.Time{}) {
		if e.Level == string(LevelDebug) {
			found = true
		}
	}
	if !found {
		t.Fatal("debug entry missing while debug enabled")
	}
}

func TestRecentEntriesFiltersByComponent(t *testing.T) {
	NewLogger("comp-a").Info("a")
	NewLogger("comp-b").Info("b")

	for _, e := range RecentEntries("comp-a", time.Time{}) {
		if e.Component != "comp-a" {
			t.Errorf("filter leaked component %s", e.Component)
		}
	}
}
