// Package table holds the shared tabular data model: Table, Column, and
// the internal-column filtering rule applied at every user-facing
// boundary (grid, pickers, diff, CSV export, schema-change banner).
package table

import "strings"

// ColumnType is one of the DuckDB types the engine understands.
type ColumnType string

const (
	TypeVarchar   ColumnType = "VARCHAR"
	TypeBigInt    ColumnType = "BIGINT"
	TypeDouble    ColumnType = "DOUBLE"
	TypeBoolean   ColumnType = "BOOLEAN"
	TypeDate      ColumnType = "DATE"
	TypeTimestamp ColumnType = "TIMESTAMP"
)

// Column describes one column of a Table.
type Column struct {
	Name string
	Type ColumnType
}

// ColumnPreferences holds per-column UI hints that are not the grid's
// concern to invent but travel with the table so they survive reload.
type ColumnPreferences struct {
	WordWrap bool
	Width    int // 0 means "let the grid decide"
}

// Table is a user-visible tabular dataset.
type Table struct {
	ID                string
	Name              string // normalized, lowercased on-disk form
	Columns           []Column
	RowCount          int64
	ColumnPreferences map[string]ColumnPreferences // keyed by column name

	// Materialized is true when the table's data currently lives in the
	// DB engine; false when it is frozen (shard-backed only).
	Materialized bool
	// Dirty is true when the table has changes not yet reflected in its
	// most recent snapshot export.
	Dirty bool
}

// NormalizeName lowercases a table/snapshot id for its on-disk form, the
// same normalization spec.md §3 requires of snapshotId.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// IsInternalColumn reports whether a column name must be filtered from
// every user-facing projection: it starts with "_", ends with "__base",
// or is exactly "duckdb_schema" or "row_id".
func IsInternalColumn(name string) bool {
	if strings.HasPrefix(name, "_") {
		return true
	}
	if strings.HasSuffix(name, "__base") {
		return true
	}
	return name == "duckdb_schema" || name == "row_id"
}

// UserColumns filters cols down to the ones a user-facing view may show.
func UserColumns(cols []Column) []Column {
	out := make([]Column, 0, len(cols))
	for _, c := range cols {
		if !IsInternalColumn(c.Name) {
			out = append(out, c)
		}
	}
	return out
}

// UserColumnNames is UserColumns projected to names only, the shape the
// grid column list / transformation-picker dropdown / diff column list /
// CSV export all consume.
func UserColumnNames(cols []Column) []string {
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		if !IsInternalColumn(c.Name) {
			names = append(names, c.Name)
		}
	}
	return names
}

// ColumnByName finds a column by name, case-sensitive (DuckDB identifiers
// here are always created case-sensitively via quoted identifiers).
func ColumnByName(cols []Column, name string) (Column, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}
