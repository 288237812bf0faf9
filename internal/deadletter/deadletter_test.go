package deadletter

import (
	"context"
	"testing"
	"time"

	"beacon/internal/models"
	"beacon/internal/storage"
)

func entryFor(users ...string) models.DeadLetterEntry {
	events := make([]models.Event, len(users))
	for i, u := range users {
		events[i] = models.NewEvent("sync_failed", nil, models.Identity{UserID: u, SessionID: "s", DeviceID: "d"})
	}
	now := time.Now().UTC()
	return models.DeadLetterEntry{
		Batch:         models.NewBatch(events),
		Reason:        "server returned 503",
		FirstFailedAt: now,
		LastAttemptAt: now,
	}
}

func openStore(t *testing.T, kv storage.KV, capacity int) *Store {
	t.Helper()
	s, err := Open(context.Background(), kv, Config{Capacity: capacity, ReprocessInterval: time.Hour})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStore_EvictsOldestPastCapacity(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, storage.NewMemory(), 3)

	var ids []string
	for i := 0; i < 5; i++ {
		e := entryFor("u")
		ids = append(ids, e.Batch.ID)
		if _, err := s.Add(ctx, e); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	if s.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", s.Len())
	}
	if s.Evicted() != 2 {
		t.Errorf("expected 2 evictions, got %d", s.Evicted())
	}
	entries := s.Entries()
	if entries[0].Batch.ID != ids[2] {
		t.Errorf("expected oldest surviving %s, got %s", ids[2], entries[0].Batch.ID)
	}
}

func TestStore_AddReplacesSameBatch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, storage.NewMemory(), 10)

	e := entryFor("u")
	first := e.FirstFailedAt
	_, _ = s.Add(ctx, e)

	e.FirstFailedAt = first.Add(time.Hour)
	e.Reason = "timeout"
	_, _ = s.Add(ctx, e)

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Reason != "timeout" || !entries[0].FirstFailedAt.Equal(first) {
		t.Errorf("unexpected entry %+v", entries[0])
	}
}

func TestStore_ListDueAndTouch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, storage.NewMemory(), 10)

	e := entryFor("u")
	_, _ = s.Add(ctx, e)

	now := e.LastAttemptAt
	if due := s.ListDue(now.Add(30 * time.Minute)); len(due) != 0 {
		t.Fatalf("entry should rest for the reprocess interval, got %d due", len(due))
	}
	due := s.ListDue(now.Add(time.Hour))
	if len(due) != 1 {
		t.Fatalf("expected 1 due entry, got %d", len(due))
	}

	later := now.Add(time.Hour)
	if err := s.Touch(ctx, e.Batch.ID, later, "still failing"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if due := s.ListDue(later.Add(time.Minute)); len(due) != 0 {
		t.Errorf("touched entry should not be due yet")
	}
	if got := s.Entries()[0]; got.Reason != "still failing" || !got.LastAttemptAt.Equal(later) {
		t.Errorf("touch not applied: %+v", got)
	}

	if err := s.Touch(ctx, "missing", later, "x"); err != ErrEntryNotFound {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestStore_Remove(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, storage.NewMemory(), 10)

	e := entryFor("u")
	_, _ = s.Add(ctx, e)

	if ok, err := s.Remove(ctx, e.Batch.ID); err != nil || !ok {
		t.Fatalf("Remove: %v %v", ok, err)
	}
	if ok, _ := s.Remove(ctx, e.Batch.ID); ok {
		t.Error("second remove should report false")
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
}

func TestStore_PurgeUser(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, storage.NewMemory(), 10)

	_, _ = s.Add(ctx, entryFor("alice", "alice"))
	mixed := entryFor("alice", "bob")
	_, _ = s.Add(ctx, mixed)

	removed, err := s.PurgeUser(ctx, "alice")
	if err != nil {
		t.Fatalf("PurgeUser: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected 3 events removed, got %d", removed)
	}

	entries := s.Entries()
	if len(entries) != 1 || entries[0].Batch.ID != mixed.Batch.ID {
		t.Fatalf("expected only the mixed batch to survive, got %d entries", len(entries))
	}
	for _, ev := range entries[0].Batch.Events {
		if ev.UserID == "alice" {
			t.Error("alice's event survived purge")
		}
	}
}

func TestStore_Persistence(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	s := openStore(t, kv, 10)

	e := entryFor("u")
	_, _ = s.Add(ctx, e)

	restored := openStore(t, kv, 10)
	if restored.Len() != 1 || restored.Entries()[0].Batch.ID != e.Batch.ID {
		t.Fatalf("expected entry to survive reopen")
	}
}
