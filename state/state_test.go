package state

import (
	"testing"
)

func TestMemoryTracker(t *testing.T) {
	tracker := NewMemoryTracker()

	if tracker.AlreadyProcessed("h1") {
		t.Error("fresh tracker should not know h1")
	}
	if err := tracker.MarkProcessed("h1", "msg-1"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if !tracker.AlreadyProcessed("h1") {
		t.Error("h1 should be processed after marking")
	}
	if tracker.AlreadyProcessed("") {
		t.Error("empty hash must never report as processed")
	}
	if got := tracker.Snapshot().Processed; got != 1 {
		t.Errorf("Snapshot().Processed = %d, want 1", got)
	}
}

func TestFileTracker_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	tracker, err := NewFileTracker(dir, true)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	if err := tracker.MarkProcessed("h1", "msg-1"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if err := tracker.MarkProcessed("h2", "msg-2"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewFileTracker(dir, true)
	if err != nil {
		t.Fatalf("NewFileTracker() reopen error = %v", err)
	}
	defer reopened.Close()

	if !reopened.AlreadyProcessed("h1") || !reopened.AlreadyProcessed("h2") {
		t.Error("reopened tracker lost processed hashes")
	}
	if got := reopened.Snapshot().Processed; got != 2 {
		t.Errorf("Snapshot().Processed = %d, want 2", got)
	}
}

func TestFileTracker_NoPersist(t *testing.T) {
	dir := t.TempDir()

	tracker, err := NewFileTracker(dir, false)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	if err := tracker.MarkProcessed("h1", "msg-1"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewFileTracker(dir, false)
	if err != nil {
		t.Fatalf("NewFileTracker() reopen error = %v", err)
	}
	if reopened.AlreadyProcessed("h1") {
		t.Error("non-persisting tracker should not survive a reopen")
	}
}
