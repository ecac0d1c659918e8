package datastore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndListDTCEvents(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	event := DTCEvent{Timestamp: now, Code: "P0420", State: "confirmed", Occurrence: 1}
	if err := store.SaveDTCEvent("engine", event); err != nil {
		t.Fatalf("SaveDTCEvent: %v", err)
	}

	events, err := store.ListDTCEvents("engine", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListDTCEvents: %v", err)
	}
	if len(events) != 1 || events[0].Code != "P0420" {
		t.Fatalf("unexpected events: %+v", events)
	}

	future, err := store.ListDTCEvents("engine", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ListDTCEvents: %v", err)
	}
	if len(future) != 0 {
		t.Fatalf("expected no events after future cutoff, got %+v", future)
	}
}

func TestSaveAndLoadLatestSnapshot(t *testing.T) {
	store := newTestStore(t)
	vin := "1HGCM82633A004352"

	older := SnapshotPoint{Timestamp: time.Now().Add(-time.Minute), RPM: 800, Speed: 0}
	newer := SnapshotPoint{Timestamp: time.Now(), RPM: 3000, Speed: 60, MIL: true}

	if err := store.SaveSnapshot(vin, older); err != nil {
		t.Fatalf("SaveSnapshot(older): %v", err)
	}
	if err := store.SaveSnapshot(vin, newer); err != nil {
		t.Fatalf("SaveSnapshot(newer): %v", err)
	}

	latest, err := store.LatestSnapshot(vin)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if latest.RPM != 3000 || !latest.MIL {
		t.Fatalf("expected the most recent snapshot, got %+v", latest)
	}
}

func TestLatestSnapshotNoRowsErrors(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.LatestSnapshot("unknown-vin"); err == nil {
		t.Fatal("expected error for a VIN with no saved snapshots")
	}
}

func TestSaveAndListCaptureSessions(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	if err := store.SaveCaptureSession("/captures/a.json", "1HGCM82633A004352", 42, now); err != nil {
		t.Fatalf("SaveCaptureSession: %v", err)
	}
	// Re-saving the same path updates rather than duplicates.
	if err := store.SaveCaptureSession("/captures/a.json", "1HGCM82633A004352", 50, now); err != nil {
		t.Fatalf("SaveCaptureSession (update): %v", err)
	}

	sessions, err := store.ListCaptureSessions()
	if err != nil {
		t.Fatalf("ListCaptureSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].FrameCount != 50 {
		t.Fatalf("expected 1 updated session, got %+v", sessions)
	}
}

var _ Store = (*SQLiteStore)(nil)
