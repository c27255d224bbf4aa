package audit

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestOpenAndMigrate(t *testing.T) {
	d := openTestDB(t)

	d.RecordScheduler("1", "check friends failed")

	events, err := d.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != "scheduler" {
		t.Fatalf("expected kind scheduler, got %q", events[0].Kind)
	}
	if events[0].SteamID == nil || *events[0].SteamID != "1" {
		t.Fatalf("expected steam_id 1, got %+v", events[0].SteamID)
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	d := openTestDB(t)

	d.RecordScheduler("1", "first")
	d.RecordScheduler("2", "second")

	events, err := d.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if *events[0].SteamID != "2" {
		t.Fatalf("expected the newest event first, got %+v", events[0])
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	d := openTestDB(t)

	for i := 0; i < 5; i++ {
		d.RecordScheduler("1", "tick")
	}

	events, err := d.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestRecordCooldownIncludesReason(t *testing.T) {
	d := openTestDB(t)
	d.RecordCooldown(0, "friends", "429", "HTTP 429")

	events, err := d.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "cooldown" {
		t.Fatalf("expected a single cooldown event, got %+v", events)
	}
	if events[0].ConnectionIndex == nil || *events[0].ConnectionIndex != 0 {
		t.Fatalf("expected connection_index 0, got %+v", events[0].ConnectionIndex)
	}
}
