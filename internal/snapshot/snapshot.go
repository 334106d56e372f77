// Package snapshot is the Snapshot Store (the hardest piece): it moves
// a table's data between the live DuckDB engine and durable Arrow IPC
// shard files, and owns the freeze/thaw/swap choreography that keeps
// at most one table materialized at a time.
package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cleanslate/engine/internal/apperrors"
	"github.com/cleanslate/engine/internal/arrowio"
	"github.com/cleanslate/engine/internal/dbengine"
	"github.com/cleanslate/engine/internal/identity"
	"github.com/cleanslate/engine/internal/manifest"
	"github.com/cleanslate/engine/internal/opfs"
	"github.com/cleanslate/engine/internal/table"
)

// Config tunes shard sizing. ShardSize mirrors spec.md §6.2's fixed 50000.
type Config struct {
	ShardSize int64
}

// DefaultConfig returns the spec's shard size.
func DefaultConfig() Config {
	return Config{ShardSize: 50000}
}

// Store is the Snapshot Store. One Store per process; it shares the
// single DuckDB engine and OPFS directory with the rest of the app.
type Store struct {
	engine    *dbengine.Engine
	files     *opfs.Store
	manifests *manifest.Store
	cfg       Config

	// exportMu is the global export lock (§4.3.1 step 1): all exports
	// serialize to cap peak resident memory, since serializing a shard
	// produces a full in-memory byte buffer.
	exportMu sync.Mutex

	bgMu     sync.Mutex
	bgCancel map[string]context.CancelFunc
}

// New constructs a Store over an already-open engine and file store.
func New(engine *dbengine.Engine, files *opfs.Store, cfg Config) *Store {
	if cfg.ShardSize <= 0 {
		cfg.ShardSize = DefaultConfig().ShardSize
	}
	return &Store{
		engine:    engine,
		files:     files,
		manifests: manifest.New(files),
		cfg:       cfg,
		bgCancel:  make(map[string]context.CancelFunc),
	}
}

func shardFileName(snapshotID string, index int) string {
	return fmt.Sprintf("%s_shard_%d.arrow", snapshotID, index)
}

// ExportTableToSnapshot serializes tableName to a complete set of shard
// files plus one manifest under snapshotID, per spec.md §4.3.1. On any
// shard failure the export is rolled back entirely: no manifest is
// written and any shard files produced by this attempt are removed.
func (s *Store) ExportTableToSnapshot(ctx context.Context, tableName, snapshotID string) error {
	s.exportMu.Lock()
	defer s.exportMu.Unlock()

	cols, err := s.tableColumns(ctx, tableName)
	if err != nil {
		return err
	}
	orderBy := s.detectOrderByColumn(cols)

	rowCount, err := s.countRows(ctx, tableName)
	if err != nil {
		return err
	}

	totalShards := int(rowCount / s.cfg.ShardSize)
	if rowCount%s.cfg.ShardSize != 0 || totalShards == 0 {
		totalShards++
	}

	shards := make([]manifest.Shard, 0, totalShards)
	written := make([]string, 0, totalShards)

	rollback := func() {
		for _, fn := range written {
			_ = s.files.DeleteIfExists(manifest.SnapshotsDir + "/" + fn)
		}
	}

	colNames := make([]string, len(cols))
	for i, c := range cols {
		colNames[i] = dbengine.QuoteIdent(c.Name)
	}
	selectList := strings.Join(colNames, ", ")
	quotedTable := dbengine.QuoteIdent(tableName)

	for i := 0; i < totalShards; i++ {
		query := fmt.Sprintf(`SELECT %s FROM %s`, selectList, quotedTable)
		if orderBy != "" {
			query += fmt.Sprintf(` ORDER BY %s`, dbengine.QuoteIdent(orderBy))
		}
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, s.cfg.ShardSize, int64(i)*s.cfg.ShardSize)

		rows, err := s.engine.Query(ctx, query)
		if err != nil {
			rollback()
			return fmt.Errorf("snapshot: export shard %d of %q: %w", i, tableName, err)
		}
		data, n, err := arrowio.EncodeRows(rows, cols)
		rows.Close()
		if err != nil {
			rollback()
			return fmt.Errorf("snapshot: encode shard %d of %q: %w", i, tableName, err)
		}

		fn := shardFileName(snapshotID, i)
		if err := s.files.WriteAtomic(ctx, manifest.SnapshotsDir, fn, data); err != nil {
			rollback()
			return fmt.Errorf("snapshot: write shard %d of %q: %w", i, tableName, err)
		}
		written = append(written, fn)

		sh := manifest.Shard{
			Index:    i,
			FileName: fn,
			RowCount: n,
			ByteSize: int64(len(data)),
		}
		if hasCsID(cols) {
			if minVal, maxVal, ok, err := s.csIDBoundsForShard(ctx, quotedTable, orderBy, i); err == nil && ok {
				mv, xv := minVal, maxVal
				sh.MinCsID = &mv
				sh.MaxCsID = &xv
			}
		}
		shards = append(shards, sh)

		// Cooperative yield between shards (§5: never block the
		// scheduler more than ~50ms).
		runtime.Gosched()
	}

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	m := manifest.Manifest{
		Version:       manifest.ManifestVersion,
		SnapshotID:    snapshotID,
		TotalRows:     rowCount,
		TotalBytes:    sumBytes(shards),
		ShardSize:     int(s.cfg.ShardSize),
		Shards:        shards,
		Columns:       names,
		OrderByColumn: orderBy,
		CreatedAt:     nowMillis(),
	}
	if err := s.manifests.Write(ctx, m); err != nil {
		rollback()
		return err
	}

	if rowCount > s.cfg.ShardSize {
		if err := s.engine.Checkpoint(ctx); err != nil {
			return err
		}
	}
	return nil
}

// snapshotLayout is the on-disk encoding ImportTableFromSnapshot finds
// for a given snapshot id, per spec.md §6.1: the current sharded
// layout is the only one a build writes, but a single legacy Arrow
// file or a run of legacy Parquet chunks must still be readable.
type snapshotLayout int

const (
	layoutSharded snapshotLayout = iota
	layoutLegacySingleFile
	layoutLegacyParquetChunks
)

func legacySingleFileName(snapshotID string) string {
	return snapshotID + ".arrow"
}

func legacyParquetChunkName(snapshotID string, index int) string {
	return fmt.Sprintf("%s_part_%d.parquet", snapshotID, index)
}

// discoverLayout determines which encoding snapshotID was written in.
// A current build only ever writes layoutSharded; the other two exist
// solely to read snapshots a prior, non-sharding implementation left
// behind.
func (s *Store) discoverLayout(snapshotID string) (snapshotLayout, error) {
	if _, err := s.manifests.Read(snapshotID); err == nil {
		return layoutSharded, nil
	}
	if _, err := s.files.Stat(manifest.SnapshotsDir + "/" + legacySingleFileName(snapshotID)); err == nil {
		return layoutLegacySingleFile, nil
	}
	if _, err := s.files.Stat(manifest.SnapshotsDir + "/" + legacyParquetChunkName(snapshotID, 0)); err == nil {
		return layoutLegacyParquetChunks, nil
	}
	return layoutSharded, apperrors.New(apperrors.KindSnapshotMissing, nil,
		"snapshot: %q has no sharded manifest, legacy single-file, or legacy chunked layout", snapshotID)
}

// ImportTableFromSnapshot drops tableName if present and rebuilds it
// from snapshotID, per spec.md §4.3.2 step 2: discover the layout
// first, then import it with the matching reader.
func (s *Store) ImportTableFromSnapshot(ctx context.Context, snapshotID, tableName string) error {
	if err := s.engine.DropTable(ctx, tableName); err != nil {
		return err
	}

	layout, err := s.discoverLayout(snapshotID)
	if err != nil {
		return err
	}
	switch layout {
	case layoutLegacySingleFile:
		return s.importLegacySingleFile(ctx, snapshotID, tableName)
	case layoutLegacyParquetChunks:
		return s.importLegacyParquetChunks(ctx, snapshotID, tableName)
	default:
		return s.importSharded(ctx, snapshotID, tableName)
	}
}

// importLegacySingleFile reads a bare {snapshotId}.arrow file — the
// same Arrow IPC stream format a single shard uses, just not split —
// and loads it as one shard.
func (s *Store) importLegacySingleFile(ctx context.Context, snapshotID, tableName string) error {
	data, err := s.files.ReadFile(manifest.SnapshotsDir + "/" + legacySingleFileName(snapshotID))
	if err != nil {
		return fmt.Errorf("snapshot: read legacy file for %q: %w", snapshotID, err)
	}
	decoded, err := arrowio.DecodeShard(data)
	if err != nil {
		return apperrors.New(apperrors.KindCorruptSnapshot, err, "snapshot: decode legacy file for %q", snapshotID)
	}
	if err := s.createTableFromColumns(ctx, tableName, decoded); err != nil {
		return err
	}
	return s.ensureIdentityColumns(ctx, tableName)
}

// importLegacyParquetChunks reads a run of {snapshotId}_part_{i}.parquet
// files via DuckDB's native Parquet reader rather than decoding Arrow
// IPC — DuckDB's read_parquet already handles the column-by-name
// reconciliation a schema-drifted chunk run would need.
func (s *Store) importLegacyParquetChunks(ctx context.Context, snapshotID, tableName string) error {
	var paths []string
	for i := 0; ; i++ {
		name := legacyParquetChunkName(snapshotID, i)
		if _, err := s.files.Stat(manifest.SnapshotsDir + "/" + name); err != nil {
			break
		}
		paths = append(paths, quoteSQLStringLiteral(filepath.Join(s.files.Root(), manifest.SnapshotsDir, name)))
	}
	if len(paths) == 0 {
		return apperrors.New(apperrors.KindSnapshotMissing, nil,
			"snapshot: no legacy Parquet chunks found for %q", snapshotID)
	}

	quotedTable := dbengine.QuoteIdent(tableName)
	query := fmt.Sprintf(`CREATE TABLE %s AS SELECT * FROM read_parquet([%s], union_by_name=true)`,
		quotedTable, strings.Join(paths, ", "))
	if _, err := s.engine.Exec(ctx, query); err != nil {
		return apperrors.New(apperrors.KindSchemaDrift, err,
			"snapshot: import legacy Parquet chunks for %q", snapshotID)
	}
	return s.ensureIdentityColumns(ctx, tableName)
}

func quoteSQLStringLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// importSharded is the current, manifest-driven import path.
func (s *Store) importSharded(ctx context.Context, snapshotID, tableName string) error {
	m, err := s.manifests.Read(snapshotID)
	if err != nil {
		return err
	}
	if err := manifest.Validate(m); err != nil {
		return apperrors.New(apperrors.KindCorruptSnapshot, err, "snapshot: manifest for %q fails validation", snapshotID)
	}

	sortedShards := append([]manifest.Shard(nil), m.Shards...)
	sort.Slice(sortedShards, func(i, j int) bool { return sortedShards[i].Index < sortedShards[j].Index })

	quotedTable := dbengine.QuoteIdent(tableName)
	var schemaColNames []string

	for i, sh := range sortedShards {
		data, err := s.files.ReadFile(manifest.SnapshotsDir + "/" + sh.FileName)
		if err != nil {
			return fmt.Errorf("snapshot: read shard %q: %w", sh.FileName, err)
		}
		decoded, err := arrowio.DecodeShard(data)
		if err != nil {
			return apperrors.New(apperrors.KindCorruptSnapshot, err, "snapshot: decode shard %q", sh.FileName)
		}

		colNames := make([]string, decoded.Schema.NumFields())
		for fi := range colNames {
			colNames[fi] = decoded.Schema.Field(fi).Name
		}

		if i == 0 {
			schemaColNames = colNames
			if err := s.createTableFromColumns(ctx, tableName, decoded); err != nil {
				return err
			}
		} else if !sameColumns(schemaColNames, colNames) {
			// Schema mismatch across shards: fall back to a temp-table
			// insert-select rather than a raw append.
			if err := s.insertViaTempTable(ctx, quotedTable, colNames, decoded.Rows); err != nil {
				return err
			}
			continue
		}
		quotedCols := make([]string, len(colNames))
		for ci, c := range colNames {
			quotedCols[ci] = dbengine.QuoteIdent(c)
		}
		if i > 0 {
			if err := s.insertRows(ctx, quotedTable, quotedCols, decoded.Rows); err != nil {
				return err
			}
		}
	}

	return s.ensureIdentityColumns(ctx, tableName)
}

func (s *Store) ensureIdentityColumns(ctx context.Context, tableName string) error {
	return identity.Stamp(ctx, s.engine, tableName)
}

func (s *Store) createTableFromColumns(ctx context.Context, tableName string, decoded *arrowioDecoded) error {
	return s.createTableFromDecoded(ctx, tableName, decoded)
}

// Freeze exports tableName if needed (dirty, or no snapshot exists yet)
// then drops it from the engine, per spec.md §4.3.3.
func (s *Store) Freeze(ctx context.Context, tableName, snapshotID string, dirty bool) error {
	needsExport := dirty
	if !needsExport {
		if _, err := s.manifests.Read(snapshotID); err != nil {
			if apperrors.Is(err, apperrors.KindSnapshotMissing) {
				needsExport = true
			} else {
				return err
			}
		} else if !s.shardLooksIntact(snapshotID) {
			needsExport = true
		}
	}
	if needsExport {
		if err := s.ExportTableToSnapshot(ctx, tableName, snapshotID); err != nil {
			return err
		}
	}
	if err := s.engine.DropTable(ctx, tableName); err != nil {
		return err
	}
	return s.engine.Checkpoint(ctx)
}

// shardLooksIntact performs the soft Arrow IPC continuation-token probe
// spec.md §4.3.3 describes: reject only files that are both missing the
// 0xFFFFFFFF marker and implausibly small.
func (s *Store) shardLooksIntact(snapshotID string) bool {
	m, err := s.manifests.Read(snapshotID)
	if err != nil || len(m.Shards) == 0 {
		return false
	}
	data, err := s.files.ReadFile(manifest.SnapshotsDir + "/" + m.Shards[0].FileName)
	if err != nil || len(data) < 4 {
		return false
	}
	hasToken := data[0] == 0xFF && data[1] == 0xFF && data[2] == 0xFF && data[3] == 0xFF
	if !hasToken && len(data) <= 64 {
		return false
	}
	return true
}

// Thaw imports tableName from snapshotID if it is not already
// materialized. Returns false (not an error) if the import fails, so
// the caller can fall back to shard-backed queries.
func (s *Store) Thaw(ctx context.Context, snapshotID, tableName string) (bool, error) {
	exists, err := s.engine.TableExists(ctx, tableName)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}
	if err := s.ImportTableFromSnapshot(ctx, snapshotID, tableName); err != nil {
		return false, nil
	}
	return true, nil
}

// BackgroundMaterialize imports snapshotID into tableName on a detached
// goroutine, registering a cancellation token keyed by tableName.
// Cancelling drops any partial table; an import error falls back to a
// synchronous Thaw. onDone is invoked (if non-nil) with the final
// materialized state.
func (s *Store) BackgroundMaterialize(ctx context.Context, snapshotID, tableName string, onDone func(materialized bool)) {
	s.bgMu.Lock()
	if cancel, ok := s.bgCancel[tableName]; ok {
		cancel()
	}
	bgCtx, cancel := context.WithCancel(ctx)
	s.bgCancel[tableName] = cancel
	s.bgMu.Unlock()

	go func() {
		defer func() {
			s.bgMu.Lock()
			delete(s.bgCancel, tableName)
			s.bgMu.Unlock()
		}()

		err := s.ImportTableFromSnapshot(bgCtx, snapshotID, tableName)
		if bgCtx.Err() != nil {
			_ = s.engine.DropTable(context.Background(), tableName)
			if onDone != nil {
				onDone(false)
			}
			return
		}
		if err != nil {
			ok, _ := s.Thaw(context.Background(), snapshotID, tableName)
			if onDone != nil {
				onDone(ok)
			}
			return
		}
		if onDone != nil {
			onDone(true)
		}
	}()
}

// CancelBackgroundMaterialize cancels any in-flight background
// materialize for tableName.
func (s *Store) CancelBackgroundMaterialize(tableName string) {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if cancel, ok := s.bgCancel[tableName]; ok {
		cancel()
		delete(s.bgCancel, tableName)
	}
}

// Dematerialize drops tableName for the duration of a heavy operation,
// exporting first if dirty, per spec.md §4.3.5.
func (s *Store) Dematerialize(ctx context.Context, tableName, snapshotID string, dirty bool) error {
	if dirty {
		if err := s.ExportTableToSnapshot(ctx, tableName, snapshotID); err != nil {
			return err
		}
	}
	if err := s.engine.DropTable(ctx, tableName); err != nil {
		return err
	}
	return s.engine.Checkpoint(ctx)
}

// Rematerialize restores a table dematerialized by Dematerialize.
func (s *Store) Rematerialize(ctx context.Context, snapshotID, tableName string) error {
	return s.ImportTableFromSnapshot(ctx, snapshotID, tableName)
}

// HasSnapshot reports whether snapshotID has a readable layout: a
// readable, non-corrupt manifest, or failing that a legacy single-file
// snapshot.
func (s *Store) HasSnapshot(snapshotID string) bool {
	_, err := s.discoverLayout(snapshotID)
	return err == nil
}

// DeleteSnapshot removes a snapshot's manifest and every shard file it
// references. Used by the Timeline when a forward branch of discarded
// (redoable) tier-3 commands is truncated on a fresh Apply.
func (s *Store) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	m, err := s.manifests.Read(snapshotID)
	if err != nil {
		if apperrors.Is(err, apperrors.KindSnapshotMissing) {
			return nil
		}
		return err
	}
	for _, sh := range m.Shards {
		_ = s.files.DeleteIfExists(manifest.SnapshotsDir + "/" + sh.FileName)
	}
	return s.manifests.Delete(snapshotID)
}

// Swap atomically replaces finalId's snapshot with newId's, per
// spec.md §4.3.6: rename-first-then-delete so a mid-swap crash never
// loses data — at every instant either the old or new manifest exists.
func (s *Store) Swap(ctx context.Context, oldID, newID, finalID string) error {
	newManifest, err := s.manifests.Read(newID)
	if err != nil {
		return err
	}

	renamed := make([]manifest.Shard, len(newManifest.Shards))
	for i, sh := range newManifest.Shards {
		finalName := shardFileName(finalID, sh.Index)
		if err := s.files.RenameFile(ctx, manifest.SnapshotsDir, sh.FileName, finalName); err != nil {
			return fmt.Errorf("snapshot: swap rename shard %d: %w", sh.Index, err)
		}
		sh.FileName = finalName
		renamed[i] = sh
	}

	if err := s.manifests.Delete(newID); err != nil {
		return err
	}
	finalManifest := newManifest
	finalManifest.SnapshotID = finalID
	finalManifest.Shards = renamed
	finalManifest.CreatedAt = nowMillis()
	if err := s.manifests.Write(ctx, finalManifest); err != nil {
		return err
	}

	if oldManifest, err := s.manifests.Read(oldID); err == nil {
		for _, sh := range oldManifest.Shards {
			if sh.Index >= len(renamed) {
				_ = s.files.DeleteIfExists(manifest.SnapshotsDir + "/" + sh.FileName)
			}
		}
	}

	entries, err := s.files.ListEntries(manifest.SnapshotsDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name, oldID+"_part_") {
			_ = s.files.DeleteIfExists(manifest.SnapshotsDir + "/" + e.Name)
		}
	}
	return nil
}

// CleanupOnStartup runs the never-throwing startup cleanup of
// spec.md §4.3.7, in order.
func (s *Store) CleanupOnStartup(ctx context.Context) {
	entries, err := s.files.ListEntries(manifest.SnapshotsDir)
	if err != nil {
		return
	}

	// (a) orphaned *.tmp files.
	for _, e := range entries {
		if strings.HasSuffix(e.Name, ".tmp") {
			_ = s.files.DeleteIfExists(manifest.SnapshotsDir + "/" + e.Name)
		}
	}

	// (b) undersized shard/manifest files.
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		switch {
		case strings.HasSuffix(e.Name, ".arrow") && e.Size < 8:
			_ = s.files.DeleteIfExists(manifest.SnapshotsDir + "/" + e.Name)
		case strings.HasSuffix(e.Name, "_manifest.json") && e.Size < 10:
			_ = s.files.DeleteIfExists(manifest.SnapshotsDir + "/" + e.Name)
		}
	}

	// (c) orphaned diff files: a _diff_ shard/manifest with no
	// corresponding manifest surviving (b)'s pass).
	survivors, err := s.files.ListEntries(manifest.SnapshotsDir)
	if err == nil {
		manifestIDs := map[string]bool{}
		for _, e := range survivors {
			if strings.HasSuffix(e.Name, "_manifest.json") {
				manifestIDs[strings.TrimSuffix(e.Name, "_manifest.json")] = true
			}
		}
		for _, e := range survivors {
			if !strings.Contains(e.Name, "_diff_") {
				continue
			}
			owner := diffSnapshotID(e.Name)
			if owner != "" && !manifestIDs[owner] {
				_ = s.files.DeleteIfExists(manifest.SnapshotsDir + "/" + e.Name)
			}
		}
	}

	// (d) case-insensitive shard-name collisions: keep only the
	// fully-lowercase member of each colliding group.
	survivors, err = s.files.ListEntries(manifest.SnapshotsDir)
	if err != nil {
		return
	}
	groups := map[string][]string{}
	for _, e := range survivors {
		if e.IsDir {
			continue
		}
		key := strings.ToLower(e.Name)
		groups[key] = append(groups[key], e.Name)
	}
	for lower, names := range groups {
		if len(names) < 2 {
			continue
		}
		for _, n := range names {
			if n != lower {
				_ = s.files.DeleteIfExists(manifest.SnapshotsDir + "/" + n)
			}
		}
	}
}

func diffSnapshotID(fileName string) string {
	idx := strings.Index(fileName, "_diff_")
	if idx < 0 {
		return ""
	}
	return fileName[:idx]
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sumBytes(shards []manifest.Shard) int64 {
	var total int64
	for _, sh := range shards {
		total += sh.ByteSize
	}
	return total
}

func hasCsID(cols []table.Column) bool {
	for _, c := range cols {
		if c.Name == identity.ColCsID {
			return true
		}
	}
	return false
}

// csIDBoundsForShard computes min/max _cs_id for the i'th shard window
// of quotedTable, matching the same ORDER BY/LIMIT/OFFSET the export
// used to produce that shard's rows.
func (s *Store) csIDBoundsForShard(ctx context.Context, quotedTable, orderBy string, index int) (int64, int64, bool, error) {
	csID := dbengine.QuoteIdent(identity.ColCsID)
	query := fmt.Sprintf(`SELECT MIN(%s), MAX(%s) FROM (SELECT %s FROM %s`, csID, csID, csID, quotedTable)
	if orderBy != "" {
		query += fmt.Sprintf(` ORDER BY %s`, dbengine.QuoteIdent(orderBy))
	}
	query += fmt.Sprintf(` LIMIT %d OFFSET %d) AS shard_window`, s.cfg.ShardSize, int64(index)*s.cfg.ShardSize)

	row := s.engine.DB().QueryRowContext(ctx, query)
	var min, max int64
	if err := row.Scan(&min, &max); err != nil {
		return 0, 0, false, err
	}
	return min, max, true, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
