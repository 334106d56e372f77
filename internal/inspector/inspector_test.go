package inspector

import (
	"context"
	"testing"

	"github.com/cleanslate/engine/internal/dbengine"
	"github.com/cleanslate/engine/internal/table"
)

type stubTables struct {
	tables []table.Table
	active string
}

func (s stubTables) Tables() []table.Table  { return s.tables }
func (s stubTables) ActiveTableID() string  { return s.active }

type stubTimelines struct{ positions map[string]int }

func (s stubTimelines) TimelinePosition(tableID string) int { return s.positions[tableID] }

type stubDirty struct {
	cells, pending map[string]int
}

func (s stubDirty) DirtyCellCount(tableID string) int   { return s.cells[tableID] }
func (s stubDirty) PendingEditCount(tableID string) int { return s.pending[tableID] }

func newTestEngine(t *testing.T) *dbengine.Engine {
	t.Helper()
	e, err := dbengine.Open(":memory:", dbengine.DefaultConfig())
	if err != nil {
		t.Fatalf("dbengine.Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestSnapshotProjectsUserColumnsAndCounts(t *testing.T) {
	engine := newTestEngine(t)
	tables := stubTables{
		tables: []table.Table{{
			ID: "t1", Name: "t1", RowCount: 3, Materialized: true, Dirty: true,
			Columns: []table.Column{{Name: "name", Type: table.TypeVarchar}, {Name: "_cs_id", Type: table.TypeBigInt}},
		}},
		active: "t1",
	}
	timelines := stubTimelines{positions: map[string]int{"t1": 2}}
	dirty := stubDirty{cells: map[string]int{"t1": 5}, pending: map[string]int{"t1": 1}}

	insp := New(engine, tables, timelines, dirty, nil, func() string { return "idle" })
	snap := insp.Snapshot()

	if snap.ActiveTableID != "t1" {
		t.Fatalf("ActiveTableID = %q, want t1", snap.ActiveTableID)
	}
	if len(snap.Tables) != 1 {
		t.Fatalf("expected 1 table view, got %d", len(snap.Tables))
	}
	view := snap.Tables[0]
	if len(view.Columns) != 1 || view.Columns[0] != "name" {
		t.Fatalf("expected internal column filtered out, got %v", view.Columns)
	}
	if view.TimelinePosition != 2 || view.DirtyCellCount != 5 || view.PendingEditCount != 1 {
		t.Fatalf("unexpected view %+v", view)
	}
	if snap.PersistenceStatus != "idle" {
		t.Fatalf("PersistenceStatus = %q, want idle", snap.PersistenceStatus)
	}
}

func TestBusyFlagsReflectedInSnapshot(t *testing.T) {
	engine := newTestEngine(t)
	tables := stubTables{}
	busy := &BusyFlags{}
	busy.SetMatcherBusy(true)
	busy.SetCombinerBusy(true)

	insp := New(engine, tables, stubTimelines{positions: map[string]int{}}, stubDirty{}, busy, nil)
	snap := insp.Snapshot()
	if !snap.Busy.MatcherBusy || !snap.Busy.CombinerBusy || snap.Busy.DiffBusy {
		t.Fatalf("unexpected busy flags %+v", snap.Busy)
	}
	if snap.PersistenceStatus != "unknown" {
		t.Fatalf("expected default persistence status 'unknown', got %q", snap.PersistenceStatus)
	}
}

func TestRunQueryAllowsSelect(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	if _, err := engine.Exec(ctx, `CREATE TABLE t AS SELECT * FROM (VALUES (1, 'a'), (2, 'b')) AS v(id, name)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	insp := New(engine, stubTables{}, stubTimelines{positions: map[string]int{}}, stubDirty{}, nil, nil)

	rows, err := insp.RunQuery(ctx, `SELECT id, name FROM t ORDER BY id`)
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["name"] != "a" {
		t.Fatalf("unexpected first row %+v", rows[0])
	}
}

func TestRunQueryRejectsMutatingStatements(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	insp := New(engine, stubTables{}, stubTimelines{positions: map[string]int{}}, stubDirty{}, nil, nil)

	cases := []string{
		`DELETE FROM t`,
		`DROP TABLE t`,
		`SELECT 1; DROP TABLE t`,
		`UPDATE t SET name = 'x'`,
		`CREATE TABLE x AS SELECT 1`,
	}
	for _, q := range cases {
		if _, err := insp.RunQuery(ctx, q); err == nil {
			t.Fatalf("expected RunQuery to reject %q", q)
		}
	}
}

func TestRunQueryAllowsColumnNamesContainingKeywordSubstrings(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	if _, err := engine.Exec(ctx, `CREATE TABLE t AS SELECT * FROM (VALUES (1)) AS v(updated_at)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	insp := New(engine, stubTables{}, stubTimelines{positions: map[string]int{}}, stubDirty{}, nil, nil)
	if _, err := insp.RunQuery(ctx, `SELECT updated_at FROM t`); err != nil {
		t.Fatalf("RunQuery should allow a column name merely containing a keyword substring: %v", err)
	}
}
