// Package timeline is the Command Executor (the conceptual core): it
// owns one Timeline of commands per table, dispatches apply/undo/redo
// by tier, and emits audit entries and best-effort lineage
// notifications as a side effect of every successful apply.
package timeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cleanslate/engine/internal/apperrors"
	"github.com/cleanslate/engine/internal/dbengine"
	"github.com/cleanslate/engine/internal/snapshot"
)

// Tier is a property of the command definition, never user-selectable.
type Tier int

const (
	// TierExpressionChainable commands (trim, uppercase, pad, …) undo by
	// projecting a shadow __base column; later tier-1 edits on the same
	// column stack into one expression instead of layering shadows.
	TierExpressionChainable Tier = 1
	// TierInverseSQL commands (rename, single-cell edit, a cell batch)
	// record their own inverse DDL/DML at apply time.
	TierInverseSQL Tier = 2
	// TierSnapshotBacked commands (dedupe, cast-type, split-column,
	// match-merge, stack, join, standardize, custom-sql, large ops)
	// export a snapshot before applying; undo restores it.
	TierSnapshotBacked Tier = 3
)

// AuditKind distinguishes the two audit-entry shapes spec.md §4.6.2
// step 5 describes.
type AuditKind string

const (
	AuditTypeA AuditKind = "transform" // one per transform command
	AuditTypeB AuditKind = "edit"      // one per coalesced cell edit
)

// AuditEntry is one row of the append-only audit trail.
type AuditEntry struct {
	TableID   string
	CommandID string
	Kind      AuditKind
	Column    string
	CsID      *int64 // set only for AuditTypeB
	Timestamp time.Time
}

// AuditSink receives every audit entry a command produces.
type AuditSink interface {
	Record(entry AuditEntry)
}

// DirtyTracker receives the dirty-cell/column bookkeeping spec.md
// §4.6.2 step 6 describes.
type DirtyTracker interface {
	MarkCellDirty(tableID string, csID int64, column string)
	MarkColumnDirty(tableID string, column string)
}

// LineageNotifier is told about every successfully applied command so
// it can append to the row-origin lineage graph. Implementations must
// not block Apply's caller — the Executor invokes it on a detached
// goroutine, matching the fire-and-forget graph push the Executor's
// own apply loop is grounded on.
type LineageNotifier interface {
	NotifyCommand(ctx context.Context, tableID string, cmd *Command) error
}

// Command is one entry in a Timeline. Params is immutable once set:
// it is serialized verbatim with the timeline and replay must re-issue
// it unchanged (spec.md §4.6.2's parameter-preservation contract).
type Command struct {
	ID     string
	Kind   string // e.g. "transform:trim", "edit:cell-batch", "transform:rename"
	Tier   Tier
	Params map[string]any

	// ForwardSQL is executed to apply the command.
	ForwardSQL string
	// InverseSQL is executed to undo a tier 1/2 command. Unused for tier 3.
	InverseSQL string
	// BaseColumn is the shadow column a tier-1 command projects from on
	// undo (e.g. "name__base"). Unused outside tier 1.
	BaseColumn string
	// SnapshotBefore is the snapshot id exported immediately before a
	// tier-3 command was applied. Unused outside tier 3.
	SnapshotBefore string

	// TouchedColumns drives bulk dirty-column marking for transforms;
	// CellEdits drives per-cell dirty marking for edit batches.
	TouchedColumns []string
	CellEdits      []CellEdit

	AppliedAt time.Time
}

// CellEdit is one coalesced cell change carried by an edit:cell-batch
// command (see internal/editbatch.Edit, which this mirrors).
type CellEdit struct {
	CsID   int64
	Column string
}

// Timeline is one table's ordered command log and cursor.
type Timeline struct {
	TableID string

	mu          sync.Mutex
	commands    []*Command
	position    int // index of the last applied command, -1 if none
	isReplaying bool
	// seq is a monotonically increasing counter used to name tier-3
	// snapshot_before files. It never reuses a value, even across a
	// truncate-then-reapply at the same position, so a just-deleted
	// snapshot's id can never collide with a freshly exported one.
	seq int
}

// NewTimeline creates an empty Timeline for tableID.
func NewTimeline(tableID string) *Timeline {
	return &Timeline{TableID: tableID, position: -1}
}

// Restore rebuilds a Timeline from a durable command log and cursor
// position, per spec.md §4.6.5: the commands themselves are not
// replayed against the engine (the table's data already reflects them
// via the thawed snapshot) — this only restores the in-memory log so
// Undo/Redo can resume where the prior process left off. seq is set
// past every tier-3 command's own sequence suffix so a fresh
// snapshot_before id can never collide with one carried over from the
// restored log.
func Restore(tableID string, commands []*Command, position int) *Timeline {
	tl := &Timeline{TableID: tableID, commands: commands, position: position}
	for _, cmd := range commands {
		if cmd.Tier != TierSnapshotBacked {
			continue
		}
		if n, ok := trailingSnapshotSeq(cmd.SnapshotBefore); ok && n > tl.seq {
			tl.seq = n
		}
	}
	return tl
}

// trailingSnapshotSeq extracts the "_cmd_{n}_before" sequence number a
// tier-3 SnapshotBefore id carries, if any.
func trailingSnapshotSeq(snapshotID string) (int, bool) {
	const marker = "_cmd_"
	i := strings.LastIndex(snapshotID, marker)
	if i < 0 {
		return 0, false
	}
	rest := snapshotID[i+len(marker):]
	j := strings.Index(rest, "_before")
	if j < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:j])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Position returns the index of the last applied command, -1 if none.
func (tl *Timeline) Position() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.position
}

// Commands returns a copy of the full command log, for persistence.
func (tl *Timeline) Commands() []*Command {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	out := make([]*Command, len(tl.commands))
	copy(out, tl.commands)
	return out
}

// IsReplaying reports the failed-replay sentinel of spec.md §4.6.6.
func (tl *Timeline) IsReplaying() bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.isReplaying
}

// Reset clears the isReplaying sentinel after the user acknowledges
// the unrecoverable-replay banner, allowing further commands.
func (tl *Timeline) Reset() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.isReplaying = false
}

// CanUndo / CanRedo expose cursor bounds for UI affordances.
func (tl *Timeline) CanUndo() bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.position >= 0
}

func (tl *Timeline) CanRedo() bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.position < len(tl.commands)-1
}

// Executor is the single process-wide Command Executor. It holds no
// per-table state of its own — that lives on each Timeline — only the
// shared engine, snapshot store, and optional audit/dirty/lineage
// collaborators.
type Executor struct {
	engine    *dbengine.Engine
	snapshots *snapshot.Store

	Audit    AuditSink
	Dirty    DirtyTracker
	Lineage  LineageNotifier

	wg sync.WaitGroup
}

// NewExecutor constructs the process-wide executor.
func NewExecutor(engine *dbengine.Engine, snapshots *snapshot.Store) *Executor {
	return &Executor{engine: engine, snapshots: snapshots}
}

// Snapshots exposes the executor's Snapshot Store, e.g. so the
// Startup Orchestrator can thaw and hydrate without constructing a
// second one.
func (ex *Executor) Snapshots() *snapshot.Store { return ex.snapshots }

// Wait blocks until every detached lineage-notification goroutine this
// executor has started has finished. Intended for graceful shutdown
// and for tests.
func (ex *Executor) Wait() {
	ex.wg.Wait()
}

// Apply executes cmd against tl's table, per spec.md §4.6.2.
func (ex *Executor) Apply(ctx context.Context, tl *Timeline, cmd *Command) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if tl.isReplaying {
		return apperrors.New(apperrors.KindReplayFailure, nil,
			"timeline: table %q is stuck in a failed replay; commands are rejected until Reset", tl.TableID)
	}

	// Step 1: truncate the forward (redoable) branch, if any, and
	// delete its tier-3 snapshots.
	if tl.position < len(tl.commands)-1 {
		discarded := tl.commands[tl.position+1:]
		for _, d := range discarded {
			if d.Tier == TierSnapshotBacked && d.SnapshotBefore != "" {
				if err := ex.snapshots.DeleteSnapshot(ctx, d.SnapshotBefore); err != nil {
					return fmt.Errorf("timeline: discard forward branch of %q: %w", tl.TableID, err)
				}
			}
		}
		tl.commands = tl.commands[:tl.position+1]
	}

	// Step 2: tier 3 exports a snapshot of the pre-command state, unless
	// a failed earlier Apply of cmd already took one that still exists.
	if cmd.Tier == TierSnapshotBacked && (cmd.SnapshotBefore == "" || !ex.snapshots.HasSnapshot(cmd.SnapshotBefore)) {
		tl.seq++
		snapID := fmt.Sprintf("%s__cmd_%d_before", tl.TableID, tl.seq)
		if err := ex.snapshots.ExportTableToSnapshot(ctx, tl.TableID, snapID); err != nil {
			return fmt.Errorf("timeline: export snapshot_before for %q: %w", cmd.Kind, err)
		}
		cmd.SnapshotBefore = snapID
	}

	// Step 3: execute the command's forward SQL inside a transaction.
	// A failed apply rolls back, appends nothing, and keeps
	// snapshot_before (if taken) for reuse on retry.
	if err := ex.execInTx(ctx, cmd.ForwardSQL); err != nil {
		return fmt.Errorf("timeline: apply %q on %q: %w", cmd.Kind, tl.TableID, err)
	}

	// Step 4: append and advance.
	cmd.AppliedAt = time.Now()
	tl.commands = append(tl.commands, cmd)
	tl.position++

	ex.emitAudit(tl.TableID, cmd)
	ex.markDirty(tl.TableID, cmd)
	ex.notifyLineageAsync(tl.TableID, cmd)
	return nil
}

// Undo reverts the command at the Timeline's current position, per
// spec.md §4.6.3.
func (ex *Executor) Undo(ctx context.Context, tl *Timeline) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if tl.isReplaying {
		return apperrors.New(apperrors.KindReplayFailure, nil,
			"timeline: table %q is stuck in a failed replay; commands are rejected until Reset", tl.TableID)
	}
	if tl.position < 0 {
		return fmt.Errorf("timeline: nothing to undo on %q", tl.TableID)
	}

	cmd := tl.commands[tl.position]
	switch cmd.Tier {
	case TierExpressionChainable, TierInverseSQL:
		if err := ex.execInTx(ctx, cmd.InverseSQL); err != nil {
			return fmt.Errorf("timeline: undo %q on %q: %w", cmd.Kind, tl.TableID, err)
		}
		tl.position--
	case TierSnapshotBacked:
		tl.isReplaying = true
		if err := ex.snapshots.ImportTableFromSnapshot(ctx, cmd.SnapshotBefore, tl.TableID); err != nil {
			return apperrors.New(apperrors.KindReplayFailure, err,
				"timeline: undo %q on %q: restore snapshot_before %q", cmd.Kind, tl.TableID, cmd.SnapshotBefore)
		}
		tl.position--
		tl.isReplaying = false
	default:
		return fmt.Errorf("timeline: unknown tier %d for command %q", cmd.Tier, cmd.Kind)
	}

	ex.notifyLineageAsync(tl.TableID, cmd)
	return nil
}

// Redo mirrors Apply for the command immediately after the current
// position, per spec.md §4.6.4.
func (ex *Executor) Redo(ctx context.Context, tl *Timeline) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if tl.isReplaying {
		return apperrors.New(apperrors.KindReplayFailure, nil,
			"timeline: table %q is stuck in a failed replay; commands are rejected until Reset", tl.TableID)
	}
	next := tl.position + 1
	if next >= len(tl.commands) {
		return fmt.Errorf("timeline: nothing to redo on %q", tl.TableID)
	}
	cmd := tl.commands[next]

	switch cmd.Tier {
	case TierExpressionChainable, TierInverseSQL:
		if err := ex.execInTx(ctx, cmd.ForwardSQL); err != nil {
			return fmt.Errorf("timeline: redo %q on %q: %w", cmd.Kind, tl.TableID, err)
		}
	case TierSnapshotBacked:
		tl.isReplaying = true
		// Tier 3 redo uses the next command's own snapshot_before as the
		// base state, then re-executes its forward SQL to reach the
		// post-command state.
		if err := ex.snapshots.ImportTableFromSnapshot(ctx, cmd.SnapshotBefore, tl.TableID); err != nil {
			return apperrors.New(apperrors.KindReplayFailure, err,
				"timeline: redo %q on %q: restore snapshot_before %q", cmd.Kind, tl.TableID, cmd.SnapshotBefore)
		}
		if err := ex.execInTx(ctx, cmd.ForwardSQL); err != nil {
			return apperrors.New(apperrors.KindReplayFailure, err,
				"timeline: redo %q on %q: reapply forward SQL", cmd.Kind, tl.TableID)
		}
		tl.isReplaying = false
	default:
		return fmt.Errorf("timeline: unknown tier %d for command %q", cmd.Tier, cmd.Kind)
	}

	tl.position = next
	ex.emitAudit(tl.TableID, cmd)
	ex.markDirty(tl.TableID, cmd)
	ex.notifyLineageAsync(tl.TableID, cmd)
	return nil
}

func (ex *Executor) execInTx(ctx context.Context, sql string) error {
	if sql == "" {
		return nil
	}
	tx, err := ex.engine.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sql); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec: %w", err)
	}
	return tx.Commit()
}

func (ex *Executor) emitAudit(tableID string, cmd *Command) {
	if ex.Audit == nil {
		return
	}
	if cmd.Kind == "edit:cell-batch" && len(cmd.CellEdits) > 0 {
		for _, e := range cmd.CellEdits {
			csID := e.CsID
			ex.Audit.Record(AuditEntry{
				TableID: tableID, CommandID: cmd.ID, Kind: AuditTypeB,
				Column: e.Column, CsID: &csID, Timestamp: cmd.AppliedAt,
			})
		}
		return
	}
	ex.Audit.Record(AuditEntry{
		TableID: tableID, CommandID: cmd.ID, Kind: AuditTypeA,
		Timestamp: cmd.AppliedAt,
	})
}

func (ex *Executor) markDirty(tableID string, cmd *Command) {
	if ex.Dirty == nil {
		return
	}
	if len(cmd.CellEdits) > 0 {
		for _, e := range cmd.CellEdits {
			ex.Dirty.MarkCellDirty(tableID, e.CsID, e.Column)
		}
		return
	}
	for _, col := range cmd.TouchedColumns {
		ex.Dirty.MarkColumnDirty(tableID, col)
	}
}

// notifyLineageAsync fires the lineage push on a detached goroutine
// with its own timeout-bounded context, so a slow or unreachable graph
// store never blocks command application.
func (ex *Executor) notifyLineageAsync(tableID string, cmd *Command) {
	if ex.Lineage == nil {
		return
	}
	ex.wg.Add(1)
	go func() {
		defer ex.wg.Done()
		pushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = ex.Lineage.NotifyCommand(pushCtx, tableID, cmd)
	}()
}
