// Package database opens the SQL backend shared by every casepilot store.
//
// SQLite (mattn/go-sqlite3) is the default and needs no setup; a
// postgres:// or postgresql:// DSN switches to PostgreSQL (lib/pq).
// Stores write queries with "?" placeholders and DB rebinds them for the
// active dialect.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL backend.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// DB wraps *sql.DB and rewrites placeholders for the active dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// DialectFor returns the dialect implied by a DSN.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return Postgres
	}
	return SQLite
}

// Open connects to dsn. Plain paths are treated as SQLite files opened in WAL
// mode with a single connection so writers never race each other.
func Open(dsn string) (*DB, error) {
	dialect := DialectFor(dsn)
	source := dsn
	if dialect == SQLite && !strings.Contains(dsn, "?") && dsn != ":memory:" {
		source = dsn + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open(string(dialect), source)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect, err)
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", dialect, err)
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

// New wraps an existing connection (tests use it with sqlmock).
func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, Dialect: dialect}
}

// Rebind converts "?" placeholders to "$n" for PostgreSQL.
func (db *DB) Rebind(query string) string {
	if db.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ExecContext rebinds query before executing it.
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.DB.ExecContext(ctx, db.Rebind(query), args...)
}

// QueryContext rebinds query before executing it.
func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.DB.QueryContext(ctx, db.Rebind(query), args...)
}

// QueryRowContext rebinds query before executing it.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.DB.QueryRowContext(ctx, db.Rebind(query), args...)
}

// Migrate runs each DDL statement in order. Statements must be valid for both
// dialects (TEXT, INTEGER, REAL, TIMESTAMP columns only).
func (db *DB) Migrate(ctx context.Context, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
	}
	return nil
}
