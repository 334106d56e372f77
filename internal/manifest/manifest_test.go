package manifest

import (
	"context"
	"testing"

	"github.com/cleanslate/engine/internal/apperrors"
	"github.com/cleanslate/engine/internal/opfs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	files, err := opfs.New(t.TempDir(), opfs.DefaultConfig())
	if err != nil {
		t.Fatalf("opfs.New: %v", err)
	}
	return New(files)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	min, max := int64(100), int64(300)
	m := Manifest{
		SnapshotID:    "customers",
		TotalRows:     3,
		TotalBytes:    512,
		ShardSize:     50000,
		Columns:       []string{"id", "name"},
		OrderByColumn: "_cs_id",
		CreatedAt:     1234,
		Shards: []Shard{
			{Index: 0, FileName: "customers_shard_0.arrow", RowCount: 3, ByteSize: 512, MinCsID: &min, MaxCsID: &max},
		},
	}
	ctx := context.Background()
	if err := s.Write(ctx, m); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Read("customers")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Version != ManifestVersion {
		t.Fatalf("version = %d, want %d", got.Version, ManifestVersion)
	}
	if got.TotalRows != 3 || len(got.Shards) != 1 {
		t.Fatalf("got %+v", got)
	}
	if err := Validate(got); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestReadCorruptTooSmall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.files.WriteAtomic(ctx, SnapshotsDir, FileName("bad"), []byte("{}")); err != nil {
		t.Fatalf("seed write: %v", err)
	}
	_, err := s.Read("bad")
	if !apperrors.Is(err, apperrors.KindCorruptSnapshot) {
		t.Fatalf("expected KindCorruptSnapshot, got %v", err)
	}
}

func TestReadMissingIsSnapshotMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read("never-existed")
	if !apperrors.Is(err, apperrors.KindSnapshotMissing) {
		t.Fatalf("expected KindSnapshotMissing, got %v", err)
	}
}

func TestValidateRejectsRowCountMismatch(t *testing.T) {
	m := Manifest{
		SnapshotID: "x",
		TotalRows:  10,
		Shards:     []Shard{{Index: 0, FileName: "x_shard_0.arrow", RowCount: 3, ByteSize: 64}},
	}
	if err := Validate(m); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestValidateRejectsSparseIndex(t *testing.T) {
	m := Manifest{
		SnapshotID: "x",
		TotalRows:  3,
		Shards:     []Shard{{Index: 1, FileName: "x_shard_1.arrow", RowCount: 3, ByteSize: 64}},
	}
	if err := Validate(m); err == nil {
		t.Fatalf("expected dense-index error")
	}
}
