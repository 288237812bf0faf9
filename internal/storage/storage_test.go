package storage

import (
	"context"
	"errors"
	"testing"
)

func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	if _, err := kv.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := kv.Set(ctx, "queue", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kv.Set(ctx, "queue", []byte("v2")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := kv.Get(ctx, "queue")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("expected v2, got %q", got)
	}

	if err := kv.Delete(ctx, "queue"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := kv.Get(ctx, "queue"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryKV(t *testing.T) {
	kv := NewMemory()
	defer kv.Close()
	exerciseKV(t, kv)
}

func TestMemoryKV_CopiesValues(t *testing.T) {
	kv := NewMemory()
	ctx := context.Background()

	val := []byte("abc")
	_ = kv.Set(ctx, "k", val)
	val[0] = 'z'

	got, _ := kv.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("stored value aliased caller slice: %q", got)
	}
}

func TestMemoryKV_SetFailure(t *testing.T) {
	kv := NewMemory()
	ctx := context.Background()
	boom := errors.New("disk full")

	kv.SetFailure(boom)
	if err := kv.Set(ctx, "k", []byte("v")); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}

	kv.SetFailure(nil)
	if err := kv.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBadgerKV_InMemory(t *testing.T) {
	kv, err := OpenBadger(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	defer kv.Close()
	exerciseKV(t, kv)
}

func TestBadgerKV_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	kv, err := OpenBadger(BadgerConfig{Path: dir, SyncWrites: true})
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	if err := kv.Set(ctx, "snapshot", []byte(`{"events":[]}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	kv, err = OpenBadger(BadgerConfig{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer kv.Close()

	got, err := kv.Get(ctx, "snapshot")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != `{"events":[]}` {
		t.Errorf("unexpected value %q", got)
	}
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	if _, err := OpenBadger(BadgerConfig{}); err == nil {
		t.Fatal("expected error without path")
	}
}
