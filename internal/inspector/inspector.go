// Package inspector is the Store Inspector Surface (spec.md §4.8): a
// stable, side-effect-free read projection over the engine's stores,
// plus a restricted runQuery escape hatch. It exists so an external
// test/automation harness can assert invariants without reaching into
// live store internals, mirroring the teacher's relational.Repo query
// methods — plain structs out, no *sql.DB or mutable store handed back.
package inspector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/cleanslate/engine/internal/dbengine"
	"github.com/cleanslate/engine/internal/table"
)

// TableSource supplies the set of tables the inspector should report
// on. The orchestrator (internal/orchestrator) is the production
// implementation; tests can supply a stub.
type TableSource interface {
	Tables() []table.Table
	ActiveTableID() string
}

// TimelineSource reports a table's undo/redo cursor position, -1 if
// the table has no timeline yet.
type TimelineSource interface {
	TimelinePosition(tableID string) int
}

// DirtyState reports the counts the grid's "unsaved changes" affordance
// and the debounced edit batch track.
type DirtyState interface {
	DirtyCellCount(tableID string) int
	PendingEditCount(tableID string) int
}

// BusyFlags tracks the three external collaborators spec.md §4.8 asks
// the inspector to expose (matcher, diff viewer, combiner — all
// out-of-scope UIs per spec.md's Non-goals; this struct is the only
// contract the core offers them). Safe for concurrent use: each
// collaborator calls its own Set method from its own goroutine, and
// Snapshot reads all three with a single atomic load apiece.
type BusyFlags struct {
	matcher  atomic.Bool
	diff     atomic.Bool
	combiner atomic.Bool
}

func (b *BusyFlags) SetMatcherBusy(busy bool)  { b.matcher.Store(busy) }
func (b *BusyFlags) SetDiffBusy(busy bool)     { b.diff.Store(busy) }
func (b *BusyFlags) SetCombinerBusy(busy bool) { b.combiner.Store(busy) }

func (b *BusyFlags) snapshot() BusyFlagsView {
	return BusyFlagsView{
		MatcherBusy:  b.matcher.Load(),
		DiffBusy:     b.diff.Load(),
		CombinerBusy: b.combiner.Load(),
	}
}

// BusyFlagsView is the read-only shape Snapshot returns.
type BusyFlagsView struct {
	MatcherBusy  bool
	DiffBusy     bool
	CombinerBusy bool
}

// TableView is one table's projection. Only user columns are listed,
// per table.UserColumnNames's internal-column filtering rule.
type TableView struct {
	ID               string
	Name             string
	RowCount         int64
	Columns          []string
	Materialized     bool
	Dirty            bool
	TimelinePosition int
	DirtyCellCount   int
	PendingEditCount int
}

// Snapshot is the full point-in-time projection spec.md §4.8 names.
type Snapshot struct {
	Tables            []TableView
	ActiveTableID     string
	Busy              BusyFlagsView
	PersistenceStatus string
}

// PersistenceStatusFunc reports the current persistence status label
// (e.g. "idle", "saving", "error: <reason>") at Snapshot call time.
type PersistenceStatusFunc func() string

// Inspector assembles Snapshot from its collaborators. It never holds
// a lock of its own and never mutates anything it reads from — every
// method here is read-only by construction.
type Inspector struct {
	engine      *dbengine.Engine
	tables      TableSource
	timelines   TimelineSource
	dirty       DirtyState
	busy        *BusyFlags
	persistence PersistenceStatusFunc
}

// New builds an Inspector. persistence may be nil, in which case
// PersistenceStatus is always "unknown".
func New(engine *dbengine.Engine, tables TableSource, timelines TimelineSource, dirty DirtyState, busy *BusyFlags, persistence PersistenceStatusFunc) *Inspector {
	if persistence == nil {
		persistence = func() string { return "unknown" }
	}
	return &Inspector{engine: engine, tables: tables, timelines: timelines, dirty: dirty, busy: busy, persistence: persistence}
}

// Snapshot builds the full read projection.
func (i *Inspector) Snapshot() Snapshot {
	tables := i.tables.Tables()
	views := make([]TableView, 0, len(tables))
	for _, t := range tables {
		views = append(views, TableView{
			ID:               t.ID,
			Name:             t.Name,
			RowCount:         t.RowCount,
			Columns:          table.UserColumnNames(t.Columns),
			Materialized:     t.Materialized,
			Dirty:            t.Dirty,
			TimelinePosition: i.timelines.TimelinePosition(t.ID),
			DirtyCellCount:   i.dirty.DirtyCellCount(t.ID),
			PendingEditCount: i.dirty.PendingEditCount(t.ID),
		})
	}
	busy := BusyFlagsView{}
	if i.busy != nil {
		busy = i.busy.snapshot()
	}
	return Snapshot{
		Tables:            views,
		ActiveTableID:     i.tables.ActiveTableID(),
		Busy:              busy,
		PersistenceStatus: i.persistence(),
	}
}

// QueryError marks a RunQuery call rejected before it ever reached the
// database, because the statement was not provably read-only.
type QueryError struct {
	Msg string
}

func (e *QueryError) Error() string { return "inspector: " + e.Msg }

// RunQuery is the `runQuery(sql)` escape hatch spec.md §4.8 names. It
// accepts only a single SELECT or WITH (CTE) statement, column-and-row
// results, no semicolon-separated statement batches, and no DDL/DML
// keywords anywhere in the text — a blunt but effective guard, since
// the inspector has no business ever mutating store state.
func (i *Inspector) RunQuery(ctx context.Context, query string) ([]map[string]any, error) {
	if err := checkReadOnly(query); err != nil {
		return nil, err
	}
	rows, err := i.engine.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("inspector: run query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

var forbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "TRUNCATE",
	"ATTACH", "DETACH", "COPY", "PRAGMA", "CHECKPOINT", "CALL", "GRANT",
	"REVOKE", "VACUUM", "EXPORT", "IMPORT",
}

func checkReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return &QueryError{Msg: "empty query"}
	}
	if strings.Contains(strings.TrimRight(trimmed, ";"), ";") {
		return &QueryError{Msg: "multiple statements are not allowed"}
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return &QueryError{Msg: "only SELECT and WITH queries are allowed"}
	}
	for _, kw := range forbiddenKeywords {
		if containsWord(upper, kw) {
			return &QueryError{Msg: fmt.Sprintf("keyword %q is not allowed in a read-only query", kw)}
		}
	}
	return nil
}

func containsWord(haystack, word string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], word)
		if i < 0 {
			return false
		}
		abs := idx + i
		before := byte(' ')
		if abs > 0 {
			before = haystack[abs-1]
		}
		after := byte(' ')
		if abs+len(word) < len(haystack) {
			after = haystack[abs+len(word)]
		}
		if !isIdentByte(before) && !isIdentByte(after) {
			return true
		}
		idx = abs + len(word)
	}
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("inspector: columns: %w", err)
	}
	var out []map[string]any
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("inspector: scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = raw[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
