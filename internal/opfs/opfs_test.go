package opfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAtomicThenRead(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := store.WriteAtomic(ctx, "snapshots", "foo_manifest.json", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	data, err := store.ReadFile(filepath.Join("snapshots", "foo_manifest.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Fatalf("got %q", data)
	}

	if _, err := os.Stat(filepath.Join(dir, "snapshots", "foo_manifest.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("expected tmp file to be gone, stat err = %v", err)
	}
}

func TestDeleteIfExistsIsNoopOnAbsence(t *testing.T) {
	store, err := New(t.TempDir(), DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := store.DeleteIfExists("nope.arrow"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestListEntriesOnMissingDirReturnsEmpty(t *testing.T) {
	store, err := New(t.TempDir(), DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entries, err := store.ListEntries("does-not-exist")
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected 0 entries, got %d", len(entries))
	}
}

func TestRenameFileOverwritesAndRemovesOld(t *testing.T) {
	store, err := New(t.TempDir(), DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := store.WriteAtomic(ctx, "snapshots", "old_shard_0.arrow", []byte("payload")); err != nil {
		t.Fatalf("seed write: %v", err)
	}
	if err := store.RenameFile(ctx, "snapshots", "old_shard_0.arrow", "new_shard_0.arrow"); err != nil {
		t.Fatalf("RenameFile: %v", err)
	}
	if _, err := store.ReadFile(filepath.Join("snapshots", "old_shard_0.arrow")); err == nil {
		t.Fatalf("expected old file to be gone")
	}
	data, err := store.ReadFile(filepath.Join("snapshots", "new_shard_0.arrow"))
	if err != nil {
		t.Fatalf("ReadFile new: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("got %q", data)
	}
}
