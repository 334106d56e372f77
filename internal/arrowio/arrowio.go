// Package arrowio encodes and decodes shard files: the Arrow IPC
// (stream format) byte layout the Snapshot Store reads and writes to
// the shard directory, and the glue that moves rows between that
// layout and DuckDB via database/sql.
package arrowio

import (
	"bytes"
	"database/sql"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/cleanslate/engine/internal/table"
)

// SchemaFor builds the Arrow schema a shard file carries for cols, in
// column order. Every shard of a snapshot shares one schema.
func SchemaFor(cols []table.Column) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = arrow.Field{Name: c.Name, Type: arrowType(c.Type), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(t table.ColumnType) arrow.DataType {
	switch t {
	case table.TypeBigInt:
		return arrow.PrimitiveTypes.Int64
	case table.TypeDouble:
		return arrow.PrimitiveTypes.Float64
	case table.TypeBoolean:
		return arrow.FixedWidthTypes.Boolean
	case table.TypeDate:
		return arrow.FixedWidthTypes.Date32
	case table.TypeTimestamp:
		return arrow.FixedWidthTypes.Timestamp_us
	default:
		return arrow.BinaryTypes.String
	}
}

// EncodeRows drains rows into one Arrow IPC stream, in cols order, and
// returns the serialized bytes. Caller owns rows and must close it.
func EncodeRows(rows *sql.Rows, cols []table.Column) ([]byte, int64, error) {
	pool := memory.NewGoAllocator()
	schema := SchemaFor(cols)
	bldr := array.NewRecordBuilder(pool, schema)
	defer bldr.Release()

	scanTargets := make([]any, len(cols))
	scanPtrs := make([]any, len(cols))
	for i := range cols {
		scanPtrs[i] = &scanTargets[i]
	}

	var rowCount int64
	for rows.Next() {
		if err := rows.Scan(scanPtrs...); err != nil {
			return nil, 0, fmt.Errorf("arrowio: scan row %d: %w", rowCount, err)
		}
		for i, c := range cols {
			if err := appendValue(bldr.Field(i), c.Type, scanTargets[i]); err != nil {
				return nil, 0, fmt.Errorf("arrowio: column %q row %d: %w", c.Name, rowCount, err)
			}
		}
		rowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("arrowio: iterate rows: %w", err)
	}

	rec := bldr.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(pool))
	if err := w.Write(rec); err != nil {
		return nil, 0, fmt.Errorf("arrowio: write ipc stream: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, 0, fmt.Errorf("arrowio: close ipc writer: %w", err)
	}
	return buf.Bytes(), rowCount, nil
}

func appendValue(b array.Builder, t table.ColumnType, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch t {
	case table.TypeBigInt:
		n, err := asInt64(v)
		if err != nil {
			return err
		}
		b.(*array.Int64Builder).Append(n)
	case table.TypeDouble:
		f, err := asFloat64(v)
		if err != nil {
			return err
		}
		b.(*array.Float64Builder).Append(f)
	case table.TypeBoolean:
		bl, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		b.(*array.BooleanBuilder).Append(bl)
	case table.TypeDate:
		ts, err := asTime(v)
		if err != nil {
			return err
		}
		b.(*array.Date32Builder).Append(arrow.Date32FromTime(ts))
	case table.TypeTimestamp:
		ts, err := asTime(v)
		if err != nil {
			return err
		}
		stamp, err := arrow.TimestampFromTime(ts, arrow.Microsecond)
		if err != nil {
			return err
		}
		b.(*array.TimestampBuilder).Append(stamp)
	default:
		b.(*array.StringBuilder).Append(asString(v))
	}
	return nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func asFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected float, got %T", v)
	}
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("expected time.Time, got %T", v)
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", s)
	}
}

// Decoded is one shard's contents read back from its Arrow IPC bytes.
type Decoded struct {
	Schema *arrow.Schema
	Rows   [][]any
}

// DecodeShard parses an Arrow IPC stream previously produced by
// EncodeRows back into row-major Go values, in schema column order.
func DecodeShard(data []byte) (*Decoded, error) {
	pool := memory.NewGoAllocator()
	r, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(pool))
	if err != nil {
		return nil, fmt.Errorf("arrowio: open ipc reader: %w", err)
	}
	defer r.Release()

	schema := r.Schema()
	out := &Decoded{Schema: schema}
	for r.Next() {
		rec := r.Record()
		nRows := int(rec.NumRows())
		nCols := int(rec.NumCols())
		for ri := 0; ri < nRows; ri++ {
			row := make([]any, nCols)
			for ci := 0; ci < nCols; ci++ {
				row[ci] = cellAt(rec.Column(ci), ri)
			}
			out.Rows = append(out.Rows, row)
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("arrowio: iterate ipc batches: %w", err)
	}
	return out, nil
}

func cellAt(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch c := col.(type) {
	case *array.Int64:
		return c.Value(i)
	case *array.Float64:
		return c.Value(i)
	case *array.Boolean:
		return c.Value(i)
	case *array.Date32:
		return c.Value(i).ToTime()
	case *array.Timestamp:
		unit := col.DataType().(*arrow.TimestampType).Unit
		return c.Value(i).ToTime(unit)
	case *array.String:
		return c.Value(i)
	default:
		return nil
	}
}

// InsertRows inserts decoded rows into an existing DuckDB table by
// executing one parameterized single-row INSERT per row through exec;
// it opens no transaction itself (the Snapshot Store's caller passes a
// *sql.Tx). Used when reassembling a table from its shards.
func InsertRows(exec execer, tableQuoted string, colsQuoted []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	placeholders := make([]string, len(colsQuoted))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	rowPlaceholder := "(" + join(placeholders, ", ") + ")"

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", tableQuoted, join(colsQuoted, ", "), rowPlaceholder)
	for _, row := range rows {
		if _, err := exec.Exec(stmt, row...); err != nil {
			return fmt.Errorf("arrowio: insert row: %w", err)
		}
	}
	return nil
}

// execer is the minimal subset of *sql.Tx / *sql.DB InsertRows needs.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func join(items []string, sep string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += sep
		}
		out += s
	}
	return out
}
