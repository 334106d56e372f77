package snapshot

import (
	"context"
	"testing"

	"github.com/cleanslate/engine/internal/dbengine"
	"github.com/cleanslate/engine/internal/identity"
	"github.com/cleanslate/engine/internal/manifest"
	"github.com/cleanslate/engine/internal/opfs"
)

func newTestStore(t *testing.T) (*Store, *dbengine.Engine) {
	t.Helper()
	e, err := dbengine.Open(":memory:", dbengine.DefaultConfig())
	if err != nil {
		t.Fatalf("dbengine.Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	files, err := opfs.New(t.TempDir(), opfs.DefaultConfig())
	if err != nil {
		t.Fatalf("opfs.New: %v", err)
	}
	return New(e, files, DefaultConfig()), e
}

func TestExportThenImportRoundTripsRowsAndIdentity(t *testing.T) {
	ctx := context.Background()
	s, e := newTestStore(t)

	if _, err := e.Exec(ctx, `CREATE TABLE customers AS
		SELECT * FROM (VALUES
			('alice', 'a@example.com'),
			('bob', 'b@example.com'),
			('carol', 'c@example.com')
		) AS t(name, email)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := identity.Stamp(ctx, e, "customers"); err != nil {
		t.Fatalf("Stamp: %v", err)
	}

	if err := s.ExportTableToSnapshot(ctx, "customers", "customers"); err != nil {
		t.Fatalf("ExportTableToSnapshot: %v", err)
	}

	m, err := s.manifests.Read("customers")
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if m.TotalRows != 3 {
		t.Fatalf("TotalRows = %d, want 3", m.TotalRows)
	}
	if len(m.Shards) != 1 {
		t.Fatalf("Shards = %d, want 1", len(m.Shards))
	}
	if m.OrderByColumn != "_cs_id" {
		t.Fatalf("OrderByColumn = %q, want _cs_id", m.OrderByColumn)
	}
	if m.Shards[0].MinCsID == nil || *m.Shards[0].MinCsID != 100 {
		t.Fatalf("MinCsID = %v, want 100", m.Shards[0].MinCsID)
	}

	if err := s.ImportTableFromSnapshot(ctx, "customers", "customers_reimported"); err != nil {
		t.Fatalf("ImportTableFromSnapshot: %v", err)
	}

	row := e.DB().QueryRowContext(ctx, `SELECT count(*) FROM "customers_reimported"`)
	var n int
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("reimported row count = %d, want 3", n)
	}

	row = e.DB().QueryRowContext(ctx, `SELECT name FROM "customers_reimported" ORDER BY "_cs_id" LIMIT 1`)
	var name string
	if err := row.Scan(&name); err != nil {
		t.Fatalf("scan name: %v", err)
	}
	if name != "alice" {
		t.Fatalf("first row name = %q, want alice", name)
	}
}

func TestFreezeThenThawRoundTrips(t *testing.T) {
	ctx := context.Background()
	s, e := newTestStore(t)

	if _, err := e.Exec(ctx, `CREATE TABLE t AS SELECT * FROM (VALUES (1), (2)) AS v(n)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := identity.Stamp(ctx, e, "t"); err != nil {
		t.Fatalf("Stamp: %v", err)
	}

	if err := s.Freeze(ctx, "t", "t", true); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	exists, err := e.TableExists(ctx, "t")
	if err != nil {
		t.Fatalf("TableExists: %v", err)
	}
	if exists {
		t.Fatalf("expected table dropped after Freeze")
	}

	ok, err := s.Thaw(ctx, "t", "t")
	if err != nil {
		t.Fatalf("Thaw: %v", err)
	}
	if !ok {
		t.Fatalf("expected Thaw to succeed")
	}
	exists, err = e.TableExists(ctx, "t")
	if err != nil {
		t.Fatalf("TableExists after thaw: %v", err)
	}
	if !exists {
		t.Fatalf("expected table materialized after Thaw")
	}
}

func TestImportTableFromSnapshotReadsLegacySingleFileLayout(t *testing.T) {
	ctx := context.Background()
	s, e := newTestStore(t)

	if _, err := e.Exec(ctx, `CREATE TABLE widgets AS SELECT * FROM (VALUES ('a'), ('b')) AS t(name)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := identity.Stamp(ctx, e, "widgets"); err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	if err := s.ExportTableToSnapshot(ctx, "widgets", "widgets"); err != nil {
		t.Fatalf("ExportTableToSnapshot: %v", err)
	}

	// Simulate a pre-sharding snapshot: the single Arrow IPC stream a
	// shard-0 file already is, renamed to the legacy bare-file layout
	// with no manifest alongside it, per spec.md §6.1.
	shardData, err := s.files.ReadFile(manifest.SnapshotsDir + "/" + shardFileName("widgets", 0))
	if err != nil {
		t.Fatalf("read shard: %v", err)
	}
	if err := s.files.WriteAtomic(ctx, manifest.SnapshotsDir, "widgets_legacy.arrow", shardData); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	if !s.HasSnapshot("widgets_legacy") {
		t.Fatalf("expected HasSnapshot to recognize the legacy single-file layout")
	}

	if err := s.ImportTableFromSnapshot(ctx, "widgets_legacy", "widgets_from_legacy"); err != nil {
		t.Fatalf("ImportTableFromSnapshot (legacy): %v", err)
	}

	row := e.DB().QueryRowContext(ctx, `SELECT count(*) FROM "widgets_from_legacy"`)
	var n int
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("legacy-imported row count = %d, want 2", n)
	}
}

func TestCleanupOnStartupRemovesUndersizedAndOrphanedFiles(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if err := s.files.EnsureDirectory("snapshots"); err != nil {
		t.Fatalf("EnsureDirectory: %v", err)
	}
	if err := s.files.WriteAtomic(ctx, "snapshots", "orphan.arrow.tmp", []byte("x")); err != nil {
		t.Fatalf("seed tmp: %v", err)
	}
	if err := s.files.WriteAtomic(ctx, "snapshots", "tiny_shard_0.arrow", []byte("123")); err != nil {
		t.Fatalf("seed tiny shard: %v", err)
	}

	s.CleanupOnStartup(ctx)

	entries, err := s.files.ListEntries("snapshots")
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	for _, e := range entries {
		if e.Name == "orphan.arrow.tmp.tmp" || e.Name == "orphan.arrow.tmp" {
			t.Fatalf("expected orphaned tmp file removed, found %q", e.Name)
		}
		if e.Name == "tiny_shard_0.arrow" {
			t.Fatalf("expected undersized shard removed, found %q", e.Name)
		}
	}
}
