package mcpserver

import (
	"context"
	"testing"

	"github.com/cleanslate/engine/internal/dbengine"
	"github.com/cleanslate/engine/internal/inspector"
	"github.com/cleanslate/engine/internal/table"
)

type stubTables struct{ tables []table.Table }

func (s stubTables) Tables() []table.Table { return s.tables }
func (s stubTables) ActiveTableID() string {
	if len(s.tables) == 0 {
		return ""
	}
	return s.tables[0].ID
}

type stubTimelines struct{}

func (stubTimelines) TimelinePosition(string) int { return -1 }

type stubDirty struct{}

func (stubDirty) DirtyCellCount(string) int   { return 0 }
func (stubDirty) PendingEditCount(string) int { return 0 }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	e, err := dbengine.Open(":memory:", dbengine.DefaultConfig())
	if err != nil {
		t.Fatalf("dbengine.Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	if _, err := e.Exec(context.Background(), `CREATE TABLE t AS SELECT * FROM (VALUES (1)) AS v(n)`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	tables := stubTables{tables: []table.Table{{ID: "t1", Name: "t", RowCount: 1, Columns: []table.Column{{Name: "n", Type: table.TypeBigInt}}}}}
	insp := inspector.New(e, tables, stubTimelines{}, stubDirty{}, nil, nil)

	s, err := NewServer(Config{ServerName: "cleanslate", ServerVersion: "test"}, insp, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func TestHandleListTablesReturnsKnownTables(t *testing.T) {
	s := newTestServer(t)
	_, result, err := s.handleListTables(context.Background(), nil, ListTablesArgs{})
	if err != nil {
		t.Fatalf("handleListTables: %v", err)
	}
	if len(result.Tables) != 1 || result.Tables[0].ID != "t1" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestHandleGetTableStateFoundAndNotFound(t *testing.T) {
	s := newTestServer(t)

	_, found, err := s.handleGetTableState(context.Background(), nil, GetTableStateArgs{TableID: "t1"})
	if err != nil {
		t.Fatalf("handleGetTableState: %v", err)
	}
	if !found.Found {
		t.Fatalf("expected table t1 to be found")
	}

	_, missing, err := s.handleGetTableState(context.Background(), nil, GetTableStateArgs{TableID: "ghost"})
	if err != nil {
		t.Fatalf("handleGetTableState: %v", err)
	}
	if missing.Found {
		t.Fatalf("expected table 'ghost' to be reported not found")
	}
}

func TestHandleRunQueryRejectsMutatingSQL(t *testing.T) {
	s := newTestServer(t)
	if _, _, err := s.handleRunQuery(context.Background(), nil, RunQueryArgs{SQL: "DROP TABLE t"}); err == nil {
		t.Fatalf("expected run_query to reject a mutating statement")
	}
}

func TestHandleRunQueryExecutesSelect(t *testing.T) {
	s := newTestServer(t)
	_, result, err := s.handleRunQuery(context.Background(), nil, RunQueryArgs{SQL: "SELECT n FROM t"})
	if err != nil {
		t.Fatalf("handleRunQuery: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(result.Rows))
	}
}

func TestHandleSuggestFormulaWithoutAssistantConfiguredReturnsError(t *testing.T) {
	s := newTestServer(t)
	if _, _, err := s.handleSuggestFormula(context.Background(), nil, SuggestFormulaArgs{Description: "flag negatives", Columns: []string{"n"}}); err == nil {
		t.Fatalf("expected an error when the formula assistant is not configured")
	}
}
