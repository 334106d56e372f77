// Package manifest serializes and validates per-snapshot JSON manifests.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cleanslate/engine/internal/apperrors"
	"github.com/cleanslate/engine/internal/opfs"
)

const (
	// SnapshotsDir is the directory under the opfs root that holds every
	// shard and manifest file, matching spec.md §6.1's on-disk layout.
	SnapshotsDir = "snapshots"

	// ManifestVersion is the only manifest schema version this build
	// writes; readers accept only this version.
	ManifestVersion = 1

	// minManifestBytes is the spec.md §4.2 corruption floor: a manifest
	// smaller than this cannot possibly be valid JSON for our schema.
	minManifestBytes = 10
)

// Shard describes one Arrow IPC file that is part of a Snapshot.
type Shard struct {
	Index     int    `json:"index"`
	FileName  string `json:"fileName"`
	RowCount  int64  `json:"rowCount"`
	ByteSize  int64  `json:"byteSize"`
	MinCsID   *int64 `json:"minCsId,omitempty"`
	MaxCsID   *int64 `json:"maxCsId,omitempty"`
}

// Manifest is the JSON document persisted at {snapshotId}_manifest.json.
type Manifest struct {
	Version        int      `json:"version"`
	SnapshotID     string   `json:"snapshotId"`
	TotalRows      int64    `json:"totalRows"`
	TotalBytes     int64    `json:"totalBytes"`
	ShardSize      int      `json:"shardSize"`
	Shards         []Shard  `json:"shards"`
	Columns        []string `json:"columns"`
	OrderByColumn  string   `json:"orderByColumn"`
	CreatedAt      int64    `json:"createdAt"` // epoch milliseconds
}

// FileName returns the manifest's on-disk name for a given snapshot id.
func FileName(snapshotID string) string {
	return snapshotID + "_manifest.json"
}

// Store reads and writes manifests through an opfs.Store.
type Store struct {
	files *opfs.Store
}

// New creates a manifest Store backed by files.
func New(files *opfs.Store) *Store {
	return &Store{files: files}
}

// Write serializes m and writes it atomically.
func (s *Store) Write(ctx context.Context, m Manifest) error {
	if m.Version == 0 {
		m.Version = ManifestVersion
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal %q: %w", m.SnapshotID, err)
	}
	return s.files.WriteAtomic(ctx, SnapshotsDir, FileName(m.SnapshotID), data)
}

// Read loads and validates the manifest for snapshotID. A too-small,
// unparseable or other-version file is reported as apperrors.KindCorruptSnapshot so the
// caller can delete-and-re-export rather than crash.
func (s *Store) Read(snapshotID string) (Manifest, error) {
	name := filepath.Join(SnapshotsDir, FileName(snapshotID))
	data, err := s.files.ReadFile(name)
	if err != nil {
		return Manifest{}, apperrors.New(apperrors.KindSnapshotMissing, err,
			"manifest for %q not found", snapshotID)
	}
	if len(data) < minManifestBytes {
		return Manifest{}, apperrors.New(apperrors.KindCorruptSnapshot, nil,
			"manifest for %q is %d bytes, below the %d-byte floor", snapshotID, len(data), minManifestBytes)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, apperrors.New(apperrors.KindCorruptSnapshot, err,
			"manifest for %q is not valid JSON", snapshotID)
	}
	if m.Version != ManifestVersion {
		return Manifest{}, apperrors.New(apperrors.KindCorruptSnapshot, nil,
			"manifest for %q has unsupported version %d", snapshotID, m.Version)
	}
	return m, nil
}

// Delete removes the manifest file for snapshotID, no-op if absent.
func (s *Store) Delete(snapshotID string) error {
	return s.files.DeleteIfExists(filepath.Join(SnapshotsDir, FileName(snapshotID)))
}

// Validate checks the invariants spec.md §8 requires of every manifest:
// shard row counts sum to TotalRows, indices are dense from 0, and every
// shard's recorded size meets the 8-byte floor.
func Validate(m Manifest) error {
	var sum int64
	for i, sh := range m.Shards {
		if sh.Index != i {
			return fmt.Errorf("manifest %q: shard at position %d has index %d", m.SnapshotID, i, sh.Index)
		}
		if sh.ByteSize < 8 {
			return apperrors.New(apperrors.KindCorruptSnapshot, nil,
				"manifest %q: shard %d is %d bytes, below the 8-byte floor", m.SnapshotID, sh.Index, sh.ByteSize)
		}
		sum += sh.RowCount
	}
	if sum != m.TotalRows {
		return fmt.Errorf("manifest %q: shard row counts sum to %d, want %d", m.SnapshotID, sum, m.TotalRows)
	}
	return nil
}
