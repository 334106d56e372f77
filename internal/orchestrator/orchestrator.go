// Package orchestrator is the Startup Orchestrator (spec.md §4.9): a
// strict, numbered cold-start sequence that brings the DB engine,
// snapshot store, and timelines into a consistent state before
// signaling "ready" — grounded on the teacher's main.go, which wires
// its collector, database, flagger, and worker in the same
// top-to-bottom numbered-step style.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cleanslate/engine/internal/apperrors"
	"github.com/cleanslate/engine/internal/dbengine"
	"github.com/cleanslate/engine/internal/opfs"
	"github.com/cleanslate/engine/internal/snapshot"
	"github.com/cleanslate/engine/internal/table"
	"github.com/cleanslate/engine/internal/timeline"
)

// appStateFileName is the top-level (not under snapshots/) JSON file
// recording which tables exist and which one was active when the
// process last shut down.
const appStateFileName = "app_state.json"

// AppStateTable is one table entry in the persisted app-state document.
type AppStateTable struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AppState is the JSON document read at step 3 and written whenever the
// table list, active table, or any table's timeline changes.
type AppState struct {
	Tables        []AppStateTable          `json:"tables"`
	ActiveTableID string                   `json:"activeTableId"`
	Timelines     map[string]PersistedTimeline `json:"timelines"`
}

// PersistedCellEdit is the durable form of timeline.CellEdit.
type PersistedCellEdit struct {
	CsID   int64  `json:"csId"`
	Column string `json:"column"`
}

// PersistedCommand is the durable form of timeline.Command: the same
// fields, serialized verbatim so a reload can reconstruct the command
// log without re-deriving it (spec.md §4.6.5's parameter-preservation
// contract extended across a restart).
type PersistedCommand struct {
	ID             string              `json:"id"`
	Kind           string              `json:"kind"`
	Tier           int                 `json:"tier"`
	Params         map[string]any      `json:"params"`
	ForwardSQL     string              `json:"forwardSql"`
	InverseSQL     string              `json:"inverseSql"`
	BaseColumn     string              `json:"baseColumn"`
	SnapshotBefore string              `json:"snapshotBefore"`
	TouchedColumns []string            `json:"touchedColumns"`
	CellEdits      []PersistedCellEdit `json:"cellEdits"`
	AppliedAt      time.Time           `json:"appliedAt"`
}

// PersistedTimeline is one table's durable command log and cursor, per
// spec.md §4.6.5 and §6.1 ("per-table timelines (with snapshot id
// references, positions, dirty-cell sets)").
type PersistedTimeline struct {
	Commands []PersistedCommand `json:"commands"`
	Position int                `json:"position"`
}

func toPersistedCommand(cmd *timeline.Command) PersistedCommand {
	cellEdits := make([]PersistedCellEdit, len(cmd.CellEdits))
	for i, ce := range cmd.CellEdits {
		cellEdits[i] = PersistedCellEdit{CsID: ce.CsID, Column: ce.Column}
	}
	return PersistedCommand{
		ID:             cmd.ID,
		Kind:           cmd.Kind,
		Tier:           int(cmd.Tier),
		Params:         cmd.Params,
		ForwardSQL:     cmd.ForwardSQL,
		InverseSQL:     cmd.InverseSQL,
		BaseColumn:     cmd.BaseColumn,
		SnapshotBefore: cmd.SnapshotBefore,
		TouchedColumns: cmd.TouchedColumns,
		CellEdits:      cellEdits,
		AppliedAt:      cmd.AppliedAt,
	}
}

func fromPersistedCommand(pc PersistedCommand) *timeline.Command {
	cellEdits := make([]timeline.CellEdit, len(pc.CellEdits))
	for i, ce := range pc.CellEdits {
		cellEdits[i] = timeline.CellEdit{CsID: ce.CsID, Column: ce.Column}
	}
	return &timeline.Command{
		ID:             pc.ID,
		Kind:           pc.Kind,
		Tier:           timeline.Tier(pc.Tier),
		Params:         pc.Params,
		ForwardSQL:     pc.ForwardSQL,
		InverseSQL:     pc.InverseSQL,
		BaseColumn:     pc.BaseColumn,
		SnapshotBefore: pc.SnapshotBefore,
		TouchedColumns: pc.TouchedColumns,
		CellEdits:      cellEdits,
		AppliedAt:      pc.AppliedAt,
	}
}

// TableStatus is a table's post-restore state: present and thawed,
// present but missing its snapshot, or untouched (still frozen).
type TableStatus struct {
	ID      string
	Name    string
	Missing bool
}

// Orchestrator drives cold start and holds the resulting live objects:
// one Timeline per known table and a shared timeline.Executor.
type Orchestrator struct {
	engine    *dbengine.Engine
	files     *opfs.Store
	snapshots *snapshot.Store
	executor  *timeline.Executor

	mu            sync.Mutex
	state         AppState
	tableStatuses map[string]TableStatus
	activeID      string
	timelines     map[string]*timeline.Timeline
	ready         bool
}

// New wires an Orchestrator around an already-open engine and file
// store. Callers normally follow with Start.
func New(engine *dbengine.Engine, files *opfs.Store, snapshots *snapshot.Store) *Orchestrator {
	return &Orchestrator{
		engine:        engine,
		files:         files,
		snapshots:     snapshots,
		executor:      timeline.NewExecutor(engine, snapshots),
		tableStatuses: map[string]TableStatus{},
		timelines:     map[string]*timeline.Timeline{},
	}
}

// Executor exposes the shared timeline executor for callers that apply
// commands once startup has completed.
func (o *Orchestrator) Executor() *timeline.Executor { return o.executor }

// IsReady reports whether Start has completed successfully.
func (o *Orchestrator) IsReady() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready
}

// ActiveTableID returns the currently active table, "" if none.
func (o *Orchestrator) ActiveTableID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeID
}

// Tables satisfies inspector.TableSource: a plain-struct snapshot of
// every known table's materialization state, suitable for the
// read-only Store Inspector Surface.
func (o *Orchestrator) Tables() []table.Table {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]table.Table, 0, len(o.tableStatuses))
	for _, st := range o.tableStatuses {
		out = append(out, table.Table{
			ID:           st.ID,
			Name:         st.Name,
			Materialized: st.ID == o.activeID && !st.Missing,
		})
	}
	return out
}

// TimelinePosition satisfies inspector.TimelineSource.
func (o *Orchestrator) TimelinePosition(tableID string) int {
	o.mu.Lock()
	tl := o.timelines[tableID]
	o.mu.Unlock()
	if tl == nil {
		return -1
	}
	return tl.Position()
}

// Timeline returns the hydrated Timeline for tableID, creating one if
// this table was not present at cold start (e.g. just created by the
// user this session).
func (o *Orchestrator) Timeline(tableID string) *timeline.Timeline {
	o.mu.Lock()
	defer o.mu.Unlock()
	tl, ok := o.timelines[tableID]
	if !ok {
		tl = timeline.NewTimeline(tableID)
		o.timelines[tableID] = tl
	}
	return tl
}

// Start runs the eight-step cold-start sequence spec.md §4.9 specifies,
// in order, returning early on the first unrecoverable error. Steps 4
// onward degrade gracefully per table (a missing snapshot marks that
// table, it does not abort startup) since an operator recovering from
// partial disk loss should still get a running system.
func (o *Orchestrator) Start(ctx context.Context) error {
	// Step 1: the DB engine is already open by the time an Orchestrator
	// exists (dbengine.Open happens in the caller, mirroring the
	// teacher's main.go opening its DuckDB client before constructing
	// anything that depends on it).

	// Step 2: §4.3.7 cleanup.
	o.snapshots.CleanupOnStartup(ctx)

	// Step 3: read app-state JSON.
	state, err := o.readAppState()
	if err != nil {
		return fmt.Errorf("orchestrator: read app state: %w", err)
	}
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()

	// Step 4: verify each referenced table's snapshot exists.
	for _, t := range state.Tables {
		status := TableStatus{ID: t.ID, Name: t.Name}
		if !o.snapshots.HasSnapshot(t.Name) {
			status.Missing = true
		}
		o.mu.Lock()
		o.tableStatuses[t.ID] = status
		o.mu.Unlock()
	}

	// Step 5: thaw the previously-active table.
	if state.ActiveTableID != "" {
		status, ok := o.tableStatuses[state.ActiveTableID]
		if ok && !status.Missing {
			if _, err := o.snapshots.Thaw(ctx, status.Name, status.Name); err != nil {
				return fmt.Errorf("orchestrator: thaw active table %q: %w", status.Name, err)
			}
		}
		o.mu.Lock()
		o.activeID = state.ActiveTableID
		o.mu.Unlock()
	}

	// Step 6: hydrate all timelines. A table whose app-state entry
	// carries a persisted command log (§4.6.5) is rebuilt with that log
	// and cursor so undo/redo survive the restart; any other known
	// table gets a fresh, position -1 Timeline.
	o.mu.Lock()
	for _, t := range state.Tables {
		if _, ok := o.timelines[t.ID]; ok {
			continue
		}
		if pt, ok := state.Timelines[t.ID]; ok {
			commands := make([]*timeline.Command, len(pt.Commands))
			for i, pc := range pt.Commands {
				commands[i] = fromPersistedCommand(pc)
			}
			o.timelines[t.ID] = timeline.Restore(t.ID, commands, pt.Position)
		} else {
			o.timelines[t.ID] = timeline.NewTimeline(t.ID)
		}
	}
	o.mu.Unlock()

	// Step 7: checkpoint.
	if err := o.engine.Checkpoint(ctx); err != nil {
		return fmt.Errorf("orchestrator: checkpoint: %w", err)
	}

	// Step 8: signal ready.
	o.mu.Lock()
	o.ready = true
	o.mu.Unlock()
	return nil
}

// SaveAppState persists the current table list, active table id, and
// every known table's timeline (commands, cursor position, and the
// snapshot id references tier-3 commands carry), called whenever the
// table list or active table changes and after every apply/undo/redo
// so a later restart can restore undo/redo history, per spec.md
// §4.6.5 and §6.1.
func (o *Orchestrator) SaveAppState(ctx context.Context, tables []AppStateTable, activeTableID string) error {
	o.mu.Lock()
	timelines := make(map[string]PersistedTimeline, len(o.timelines))
	for id, tl := range o.timelines {
		commands := tl.Commands()
		pcs := make([]PersistedCommand, len(commands))
		for i, cmd := range commands {
			pcs[i] = toPersistedCommand(cmd)
		}
		timelines[id] = PersistedTimeline{Commands: pcs, Position: tl.Position()}
	}
	o.mu.Unlock()

	state := AppState{Tables: tables, ActiveTableID: activeTableID, Timelines: timelines}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal app state: %w", err)
	}
	if err := o.files.WriteAtomic(ctx, "", appStateFileName, data); err != nil {
		return fmt.Errorf("orchestrator: write app state: %w", err)
	}
	o.mu.Lock()
	o.state = state
	o.activeID = activeTableID
	for _, t := range tables {
		if _, ok := o.tableStatuses[t.ID]; !ok {
			o.tableStatuses[t.ID] = TableStatus{ID: t.ID, Name: t.Name}
		}
	}
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) readAppState() (AppState, error) {
	data, err := o.files.ReadFile(appStateFileName)
	if err != nil {
		// No prior session: an empty app state is a normal cold start,
		// not a failure.
		return AppState{}, nil
	}
	var state AppState
	if err := json.Unmarshal(data, &state); err != nil {
		return AppState{}, apperrors.New(apperrors.KindCorruptSnapshot, err, "app state file is not valid JSON")
	}
	return state, nil
}
