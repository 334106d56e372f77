// Package identity assigns and maintains the two per-row identifiers
// every materialized table carries: the gap-based _cs_id used as the
// canonical ordering key, and the opaque _cs_origin_id used to trace a
// row across stacks, joins, and diffs.
package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cleanslate/engine/internal/dbengine"
)

// Column names reserved by the identity subsystem. They are internal
// columns per table.IsInternalColumn (leading underscore).
const (
	ColCsID       = "_cs_id"
	ColCsOriginID = "_cs_origin_id"
)

// GapSize is the spacing between consecutive _cs_id values assigned at
// ingest, leaving room for later in-between insertion without a
// renumber.
const GapSize = 100

// Stamp adds _cs_id and _cs_origin_id to a freshly ingested table,
// using the table's current row order as the _cs_id ordering source.
// tableName must already be quoted-safe (callers pass identifiers, not
// user strings).
func Stamp(ctx context.Context, e *dbengine.Engine, tableName string) error {
	q := dbengine.QuoteIdent(tableName)
	tmp := dbengine.QuoteIdent(tableName + "__cs_stamp_tmp")

	hasCsID, err := hasColumn(ctx, e, tableName, ColCsID)
	if err != nil {
		return err
	}
	hasOriginID, err := hasColumn(ctx, e, tableName, ColCsOriginID)
	if err != nil {
		return err
	}
	if hasCsID && hasOriginID {
		return nil
	}

	selectCsID := fmt.Sprintf("%s AS %s", dbengine.QuoteIdent(ColCsID), dbengine.QuoteIdent(ColCsID))
	if !hasCsID {
		selectCsID = fmt.Sprintf("(ROW_NUMBER() OVER () * %d) AS %s", GapSize, dbengine.QuoteIdent(ColCsID))
	}
	selectOriginID := fmt.Sprintf("%s AS %s", dbengine.QuoteIdent(ColCsOriginID), dbengine.QuoteIdent(ColCsOriginID))
	if !hasOriginID {
		// DuckDB's uuid() produces a random UUID per row.
		selectOriginID = fmt.Sprintf("uuid() AS %s", dbengine.QuoteIdent(ColCsOriginID))
	}

	stmt := fmt.Sprintf(
		`CREATE TABLE %s AS SELECT %s, %s, * FROM %s`,
		tmp, selectCsID, selectOriginID, q,
	)
	if _, err := e.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("identity: stamp %q: %w", tableName, err)
	}
	if err := e.DropTable(ctx, tableName); err != nil {
		return err
	}
	if _, err := e.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, tmp, q)); err != nil {
		return fmt.Errorf("identity: rename stamped table %q: %w", tableName, err)
	}
	return nil
}

// NeedsRenumber detects the migration case in spec.md §4.4: a table
// restored without gap-based identity (the minimum gap between
// consecutive, ordered _cs_id values is 1 rather than GapSize).
func NeedsRenumber(ctx context.Context, e *dbengine.Engine, tableName string) (bool, error) {
	delta, err := minConsecutiveDelta(ctx, e, tableName)
	if err != nil {
		return false, err
	}
	return delta < GapSize, nil
}

func minConsecutiveDelta(ctx context.Context, e *dbengine.Engine, tableName string) (int64, error) {
	q := dbengine.QuoteIdent(tableName)
	csID := dbengine.QuoteIdent(ColCsID)
	row := e.DB().QueryRowContext(ctx, fmt.Sprintf(`
		WITH ordered AS (
			SELECT %s AS csid,
			       LAG(%s) OVER (ORDER BY %s) AS prev
			FROM %s
		)
		SELECT COALESCE(MIN(csid - prev), %d) FROM ordered WHERE prev IS NOT NULL
	`, csID, csID, csID, q, GapSize))
	var delta int64 = GapSize
	if err := row.Scan(&delta); err != nil {
		return 0, fmt.Errorf("identity: inspect gaps on %q: %w", tableName, err)
	}
	return delta, nil
}

// Renumber rewrites _cs_id to a fresh gap-based sequence in the table's
// current order, preserving every other column and _cs_origin_id.
// Runs inside a single transaction so it is all-or-nothing.
func Renumber(ctx context.Context, e *dbengine.Engine, tableName string) error {
	q := dbengine.QuoteIdent(tableName)
	tmp := dbengine.QuoteIdent(tableName + "__cs_renumber_tmp")

	cols, err := columnNamesExcept(ctx, e, tableName, ColCsID)
	if err != nil {
		return err
	}

	tx, err := e.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("identity: begin renumber tx: %w", err)
	}
	defer tx.Rollback()

	selectList := make([]string, 0, len(cols))
	for _, c := range cols {
		selectList = append(selectList, dbengine.QuoteIdent(c))
	}
	joined := ""
	for i, c := range selectList {
		if i > 0 {
			joined += ", "
		}
		joined += c
	}

	stmt := fmt.Sprintf(
		`CREATE TABLE %s AS SELECT (ROW_NUMBER() OVER (ORDER BY %s) * %d) AS %s, %s FROM %s`,
		tmp, dbengine.QuoteIdent(ColCsID), GapSize, dbengine.QuoteIdent(ColCsID), joined, q,
	)
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("identity: renumber %q: %w", tableName, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE %s`, q)); err != nil {
		return fmt.Errorf("identity: drop original %q during renumber: %w", tableName, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, tmp, q)); err != nil {
		return fmt.Errorf("identity: rename renumbered %q: %w", tableName, err)
	}
	return tx.Commit()
}

func hasColumn(ctx context.Context, e *dbengine.Engine, tableName, column string) (bool, error) {
	row := e.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM information_schema.columns WHERE table_name = ? AND column_name = ?`,
		tableName, column)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("identity: check column %q on %q: %w", column, tableName, err)
	}
	return n > 0, nil
}

func columnNamesExcept(ctx context.Context, e *dbengine.Engine, tableName, exclude string) ([]string, error) {
	rows, err := e.DB().QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_name = ? ORDER BY ordinal_position`,
		tableName)
	if err != nil {
		return nil, fmt.Errorf("identity: list columns of %q: %w", tableName, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if name != exclude {
			cols = append(cols, name)
		}
	}
	return cols, rows.Err()
}

// NewOriginID generates a fresh _cs_origin_id value for programmatic row
// construction (e.g. a diff-table builder that doesn't go through SQL
// uuid()).
func NewOriginID() string {
	return uuid.NewString()
}
