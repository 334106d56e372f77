package timeline

import (
	"context"
	"testing"

	"github.com/cleanslate/engine/internal/dbengine"
	"github.com/cleanslate/engine/internal/identity"
	"github.com/cleanslate/engine/internal/opfs"
	"github.com/cleanslate/engine/internal/snapshot"
)

type recordingAudit struct{ entries []AuditEntry }

func (r *recordingAudit) Record(e AuditEntry) { r.entries = append(r.entries, e) }

type recordingDirty struct {
	cells   []string
	columns []string
}

func (r *recordingDirty) MarkCellDirty(tableID string, csID int64, column string) {
	r.cells = append(r.cells, column)
}
func (r *recordingDirty) MarkColumnDirty(tableID string, column string) {
	r.columns = append(r.columns, column)
}

func newTestExecutor(t *testing.T) (*Executor, *dbengine.Engine) {
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
	store := snapshot.New(e, files, snapshot.DefaultConfig())
	return NewExecutor(e, store), e
}

func TestApplyThenUndoTier2InverseSQL(t *testing.T) {
	ctx := context.Background()
	ex, e := newTestExecutor(t)

	if _, err := e.Exec(ctx, `CREATE TABLE t AS SELECT * FROM (VALUES ('alice')) AS v(name)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := identity.Stamp(ctx, e, "t"); err != nil {
		t.Fatalf("Stamp: %v", err)
	}

	audit := &recordingAudit{}
	dirty := &recordingDirty{}
	ex.Audit = audit
	ex.Dirty = dirty

	tl := NewTimeline("t")
	cmd := &Command{
		ID:             "cmd-1",
		Kind:           "transform:rename",
		Tier:           TierInverseSQL,
		ForwardSQL:     `ALTER TABLE "t" RENAME COLUMN "name" TO "full_name"`,
		InverseSQL:     `ALTER TABLE "t" RENAME COLUMN "full_name" TO "name"`,
		TouchedColumns: []string{"name"},
	}
	if err := ex.Apply(ctx, tl, cmd); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if tl.Position() != 0 {
		t.Fatalf("Position = %d, want 0", tl.Position())
	}
	if len(audit.entries) != 1 || audit.entries[0].Kind != AuditTypeA {
		t.Fatalf("expected one Type A audit entry, got %+v", audit.entries)
	}
	if len(dirty.columns) != 1 || dirty.columns[0] != "name" {
		t.Fatalf("expected column 'name' marked dirty, got %v", dirty.columns)
	}

	var exists int
	row := e.DB().QueryRowContext(ctx, `SELECT count(*) FROM information_schema.columns WHERE table_name='t' AND column_name='full_name'`)
	if err := row.Scan(&exists); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if exists != 1 {
		t.Fatalf("expected column renamed to full_name")
	}

	if err := ex.Undo(ctx, tl); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if tl.Position() != -1 {
		t.Fatalf("Position after undo = %d, want -1", tl.Position())
	}
	row = e.DB().QueryRowContext(ctx, `SELECT count(*) FROM information_schema.columns WHERE table_name='t' AND column_name='name'`)
	if err := row.Scan(&exists); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if exists != 1 {
		t.Fatalf("expected undo to restore original column name")
	}

	if err := ex.Redo(ctx, tl); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if tl.Position() != 0 {
		t.Fatalf("Position after redo = %d, want 0", tl.Position())
	}
}

func TestApplyThenUndoTier3SnapshotBacked(t *testing.T) {
	ctx := context.Background()
	ex, e := newTestExecutor(t)

	if _, err := e.Exec(ctx, `CREATE TABLE t AS SELECT * FROM (VALUES ('a'), ('b'), ('a')) AS v(name)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := identity.Stamp(ctx, e, "t"); err != nil {
		t.Fatalf("Stamp: %v", err)
	}

	tl := NewTimeline("t")
	cmd := &Command{
		ID:         "cmd-1",
		Kind:       "transform:dedupe",
		Tier:       TierSnapshotBacked,
		ForwardSQL: `DELETE FROM "t" WHERE "_cs_id" NOT IN (SELECT MIN("_cs_id") FROM "t" GROUP BY "name")`,
	}
	if err := ex.Apply(ctx, tl, cmd); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if cmd.SnapshotBefore == "" {
		t.Fatalf("expected SnapshotBefore to be recorded for a tier-3 command")
	}

	var n int
	row := e.DB().QueryRowContext(ctx, `SELECT count(*) FROM "t"`)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 2 {
		t.Fatalf("row count after dedupe = %d, want 2", n)
	}

	if err := ex.Undo(ctx, tl); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if tl.IsReplaying() {
		t.Fatalf("expected isReplaying cleared after a successful undo")
	}
	row = e.DB().QueryRowContext(ctx, `SELECT count(*) FROM "t"`)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("scan after undo: %v", err)
	}
	if n != 3 {
		t.Fatalf("row count after undo = %d, want 3 (original rows restored)", n)
	}
}

// TestCommandParamsSurviveAnInterveningUndoRedoCycle covers spec.md
// §4.6.2's regression-test contract: a command's Params must still read
// back correctly after a later command is applied, undone, and redone
// around it.
func TestCommandParamsSurviveAnInterveningUndoRedoCycle(t *testing.T) {
	ctx := context.Background()
	ex, e := newTestExecutor(t)

	if _, err := e.Exec(ctx, `CREATE TABLE t AS SELECT * FROM (VALUES ('widget')) AS v(name)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := identity.Stamp(ctx, e, "t"); err != nil {
		t.Fatalf("Stamp: %v", err)
	}

	tl := NewTimeline("t")
	padZeros := &Command{
		ID:         "cmd-1",
		Kind:       "transform:pad_zeros",
		Tier:       TierInverseSQL,
		Params:     map[string]any{"length": 9},
		ForwardSQL: `ALTER TABLE "t" RENAME COLUMN "name" TO "name_padded"`,
		InverseSQL: `ALTER TABLE "t" RENAME COLUMN "name_padded" TO "name"`,
	}
	if err := ex.Apply(ctx, tl, padZeros); err != nil {
		t.Fatalf("Apply pad_zeros: %v", err)
	}

	rename := &Command{
		ID:         "cmd-2",
		Kind:       "transform:rename",
		Tier:       TierInverseSQL,
		ForwardSQL: `ALTER TABLE "t" RENAME COLUMN "name_padded" TO "full_name"`,
		InverseSQL: `ALTER TABLE "t" RENAME COLUMN "full_name" TO "name_padded"`,
	}
	if err := ex.Apply(ctx, tl, rename); err != nil {
		t.Fatalf("Apply rename: %v", err)
	}

	if err := ex.Undo(ctx, tl); err != nil {
		t.Fatalf("Undo rename: %v", err)
	}
	if err := ex.Redo(ctx, tl); err != nil {
		t.Fatalf("Redo rename: %v", err)
	}

	if n, ok := padZeros.Params["length"]; !ok || n != 9 {
		t.Fatalf(`pad_zeros.Params["length"] = %v, want 9`, n)
	}
}

func TestApplyAfterUndoTruncatesForwardBranchAndDeletesItsSnapshot(t *testing.T) {
	ctx := context.Background()
	ex, e := newTestExecutor(t)

	if _, err := e.Exec(ctx, `CREATE TABLE t AS SELECT * FROM (VALUES (1), (2)) AS v(n)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := identity.Stamp(ctx, e, "t"); err != nil {
		t.Fatalf("Stamp: %v", err)
	}

	tl := NewTimeline("t")
	first := &Command{
		ID: "cmd-1", Kind: "transform:custom-sql", Tier: TierSnapshotBacked,
		ForwardSQL: `DELETE FROM "t" WHERE "n" = 1`,
	}
	if err := ex.Apply(ctx, tl, first); err != nil {
		t.Fatalf("Apply first: %v", err)
	}
	if err := ex.Undo(ctx, tl); err != nil {
		t.Fatalf("Undo: %v", err)
	}

	discardedSnapshotID := first.SnapshotBefore

	second := &Command{
		ID: "cmd-2", Kind: "transform:custom-sql", Tier: TierSnapshotBacked,
		ForwardSQL: `DELETE FROM "t" WHERE "n" = 2`,
	}
	if err := ex.Apply(ctx, tl, second); err != nil {
		t.Fatalf("Apply second: %v", err)
	}
	if tl.CanRedo() {
		t.Fatalf("expected forward branch truncated, CanRedo should be false")
	}
	if len(tl.Commands()) != 1 {
		t.Fatalf("expected exactly one command after truncation, got %d", len(tl.Commands()))
	}

	if ex.Snapshots().HasSnapshot(discardedSnapshotID) {
		t.Fatalf("expected discarded snapshot %q to be deleted", discardedSnapshotID)
	}
}
