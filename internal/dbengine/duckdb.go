// Package dbengine owns the single DuckDB connection the whole process
// shares. Every other package reaches the database through an Engine
// value passed by reference, never through a free-standing global.
package dbengine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb" // registers the "duckdb" driver
)

// Config mirrors the teacher's DatabaseConfig shape: sensible zero
// values mean "leave it at DuckDB's own default".
type Config struct {
	Threads       int           // PRAGMA threads, 0 = DuckDB default
	MemoryLimitGB int           // PRAGMA memory_limit, 0 = DuckDB default
	Timeout       time.Duration // connect-time ping timeout, 0 = none
}

// DefaultConfig returns a Config that defers every tunable to DuckDB.
func DefaultConfig() Config {
	return Config{}
}

// Engine is the single materialize-one-table-at-a-time DuckDB handle the
// Snapshot Store and Timeline share (spec.md §5's "Memory policy —
// Single Active Table").
type Engine struct {
	db  *sql.DB
	cfg Config
}

// Open connects to dsn ("" or ":memory:" for an in-memory engine,
// otherwise a file path) and applies cfg.
func Open(dsn string, cfg Config) (*Engine, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbengine: open %q: %w", dsn, err)
	}

	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dbengine: ping %q: %w", dsn, err)
	}

	// DuckDB is embedded and single-writer; serialize all access through
	// one connection exactly as the teacher's DuckDBClient does.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	e := &Engine{db: db, cfg: cfg}
	if err := e.configure(cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dbengine: configure: %w", err)
	}
	return e, nil
}

func (e *Engine) configure(cfg Config) error {
	if cfg.Threads > 0 {
		if _, err := e.db.Exec(fmt.Sprintf("PRAGMA threads=%d", cfg.Threads)); err != nil {
			return fmt.Errorf("set threads: %w", err)
		}
	}
	if cfg.MemoryLimitGB > 0 {
		if _, err := e.db.Exec(fmt.Sprintf("PRAGMA memory_limit='%dGB'", cfg.MemoryLimitGB)); err != nil {
			return fmt.Errorf("set memory limit: %w", err)
		}
	}
	e.cfg = cfg
	return nil
}

// DB exposes the underlying *sql.DB for packages that need raw query
// access (snapshot export/import, formula lowering, inspector RunQuery).
func (e *Engine) DB() *sql.DB { return e.db }

// Close releases the connection.
func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Checkpoint flushes DuckDB's write-ahead state and releases buffer
// pool memory. Called after large shard exports and on freeze, per
// spec.md §4.3.1 step 6 and §4.3.3.
func (e *Engine) Checkpoint(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, "CHECKPOINT")
	if err != nil {
		return fmt.Errorf("dbengine: checkpoint: %w", err)
	}
	return nil
}

// Exec runs a statement that returns no rows.
func (e *Engine) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return e.db.ExecContext(ctx, query, args...)
}

// Query runs a statement that returns rows.
func (e *Engine) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return e.db.QueryContext(ctx, query, args...)
}

// BeginTx starts a transaction, used by the Timeline for apply/undo so a
// failed command never leaves partial column mutations behind.
func (e *Engine) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return e.db.BeginTx(ctx, nil)
}

// TableExists reports whether a base table with the given name exists.
func (e *Engine) TableExists(ctx context.Context, name string) (bool, error) {
	row := e.db.QueryRowContext(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_name = ?`, name)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("dbengine: check table %q exists: %w", name, err)
	}
	return n > 0, nil
}

// DropTable drops a table if it exists.
func (e *Engine) DropTable(ctx context.Context, name string) error {
	_, err := e.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, QuoteIdent(name)))
	if err != nil {
		return fmt.Errorf("dbengine: drop table %q: %w", name, err)
	}
	return nil
}

// QuoteIdent double-quotes a DuckDB identifier, doubling any embedded
// quote. Every dynamic table/column name that gets interpolated into SQL
// anywhere in this module goes through this function.
func QuoteIdent(ident string) string {
	escaped := ""
	for _, r := range ident {
		if r == '"' {
			escaped += `""`
		} else {
			escaped += string(r)
		}
	}
	return `"` + escaped + `"`
}
