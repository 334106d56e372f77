package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/cleanslate/engine/internal/apperrors"
	"github.com/cleanslate/engine/internal/arrowio"
	"github.com/cleanslate/engine/internal/dbengine"
	"github.com/cleanslate/engine/internal/table"
)

// arrowioDecoded is a local alias so the rest of this package doesn't
// repeat the fully qualified type at every call site.
type arrowioDecoded = arrowio.Decoded

// tableColumns reads tableName's column list and DuckDB types from
// information_schema, in ordinal order.
func (s *Store) tableColumns(ctx context.Context, tableName string) ([]table.Column, error) {
	rows, err := s.engine.DB().QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_name = ? ORDER BY ordinal_position`,
		tableName)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list columns of %q: %w", tableName, err)
	}
	defer rows.Close()

	var cols []table.Column
	for rows.Next() {
		var name, duckType string
		if err := rows.Scan(&name, &duckType); err != nil {
			return nil, err
		}
		cols = append(cols, table.Column{Name: name, Type: mapDuckType(duckType)})
	}
	return cols, rows.Err()
}

func mapDuckType(duckType string) table.ColumnType {
	upper := strings.ToUpper(duckType)
	switch {
	case strings.Contains(upper, "BOOL"):
		return table.TypeBoolean
	case strings.HasPrefix(upper, "TIMESTAMP"):
		return table.TypeTimestamp
	case upper == "DATE":
		return table.TypeDate
	case strings.Contains(upper, "DOUBLE"), strings.Contains(upper, "FLOAT"), strings.Contains(upper, "DECIMAL"), strings.Contains(upper, "NUMERIC"):
		return table.TypeDouble
	case strings.Contains(upper, "INT"), strings.Contains(upper, "HUGEINT"):
		return table.TypeBigInt
	default:
		return table.TypeVarchar
	}
}

// countRows returns tableName's row count.
func (s *Store) countRows(ctx context.Context, tableName string) (int64, error) {
	row := s.engine.DB().QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, dbengine.QuoteIdent(tableName)))
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("snapshot: count rows of %q: %w", tableName, err)
	}
	return n, nil
}

// detectOrderByColumn picks the table's natural ordering key: _cs_id
// for normal tables, sort_key or row_id for diff tables, otherwise
// none (spec.md §4.3.1 step 3).
func (s *Store) detectOrderByColumn(cols []table.Column) string {
	preference := []string{"_cs_id", "sort_key", "row_id"}
	names := make(map[string]bool, len(cols))
	for _, c := range cols {
		names[c.Name] = true
	}
	for _, p := range preference {
		if names[p] {
			return p
		}
	}
	return ""
}

// createTableFromDecoded CREATE TABLEs tableName from the first
// shard's decoded rows and inferred schema.
func (s *Store) createTableFromDecoded(ctx context.Context, tableName string, decoded *arrowioDecoded) error {
	n := decoded.Schema.NumFields()
	cols := make([]table.Column, n)
	colDefs := make([]string, n)
	for i := 0; i < n; i++ {
		f := decoded.Schema.Field(i)
		colType := arrowTypeToColumnType(f.Type.String())
		cols[i] = table.Column{Name: f.Name, Type: colType}
		colDefs[i] = fmt.Sprintf("%s %s", dbengine.QuoteIdent(f.Name), colType)
	}

	ddl := fmt.Sprintf(`CREATE TABLE %s (%s)`, dbengine.QuoteIdent(tableName), strings.Join(colDefs, ", "))
	if _, err := s.engine.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("snapshot: create table %q from shard: %w", tableName, err)
	}

	quotedCols := make([]string, n)
	for i, c := range cols {
		quotedCols[i] = dbengine.QuoteIdent(c.Name)
	}
	return s.insertRows(ctx, dbengine.QuoteIdent(tableName), quotedCols, decoded.Rows)
}

func arrowTypeToColumnType(typeName string) table.ColumnType {
	switch typeName {
	case "int64":
		return table.TypeBigInt
	case "float64":
		return table.TypeDouble
	case "bool":
		return table.TypeBoolean
	case "date32[day]":
		return table.TypeDate
	default:
		if strings.HasPrefix(typeName, "timestamp") {
			return table.TypeTimestamp
		}
		return table.TypeVarchar
	}
}

// insertRows inserts rows into an existing table inside one
// transaction, via arrowio's per-row parameterized INSERT helper.
func (s *Store) insertRows(ctx context.Context, quotedTable string, quotedCols []string, rows [][]any) error {
	tx, err := s.engine.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: begin insert tx for %s: %w", quotedTable, err)
	}
	if err := arrowio.InsertRows(tx, quotedTable, quotedCols, rows); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// insertViaTempTable handles the cross-shard schema-mismatch fallback
// of spec.md §4.3.2 step 3: build a VARCHAR temp table with the
// incoming shard's own column names, then INSERT INTO … BY NAME
// SELECT * so DuckDB performs
// the column-by-name reconciliation rather than a raw positional copy.
func (s *Store) insertViaTempTable(ctx context.Context, quotedTable string, colNames []string, rows [][]any) error {
	tmpName := strings.Trim(quotedTable, `"`) + "__cs_schema_fallback_tmp"
	quotedTmp := dbengine.QuoteIdent(tmpName)
	quotedCols := make([]string, len(colNames))
	colDefs := make([]string, len(colNames))
	for i, c := range colNames {
		quotedCols[i] = dbengine.QuoteIdent(c)
		colDefs[i] = fmt.Sprintf("%s VARCHAR", dbengine.QuoteIdent(c))
	}

	if _, err := s.engine.Exec(ctx, fmt.Sprintf(`CREATE TEMP TABLE %s (%s)`, quotedTmp, strings.Join(colDefs, ", "))); err != nil {
		return fmt.Errorf("snapshot: create schema-fallback temp table: %w", err)
	}
	defer func() { _ = s.engine.DropTable(ctx, tmpName) }()

	if err := s.insertRows(ctx, quotedTmp, quotedCols, rows); err != nil {
		return err
	}

	_, err := s.engine.Exec(ctx, fmt.Sprintf(`INSERT INTO %s BY NAME SELECT * FROM %s`, quotedTable, quotedTmp))
	if err != nil {
		return apperrors.New(apperrors.KindSchemaDrift, err,
			"snapshot: shard columns for %s are incompatible with the existing table even via the temp-table fallback", quotedTable)
	}
	return nil
}
