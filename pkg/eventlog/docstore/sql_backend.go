package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fluxorio/eventstore/pkg/eventlog"
)

// Dialect abstracts the handful of SQL differences between the relational
// drivers this backend supports: pgx/v5 (Postgres), lib/pq (Postgres), and
// mattn/go-sqlite3 (SQLite). Callers register the matching driver with
// database/sql themselves (blank-importing the driver package) and pass a
// *sql.DB opened against it.
type Dialect struct {
	Name string
	// Placeholder returns the bind-parameter marker for the n-th (1-based)
	// argument, e.g. "$1" for Postgres, "?" for SQLite.
	Placeholder func(n int) string
}

// PostgresDialect covers both jackc/pgx (via pgx/v5/stdlib) and lib/pq,
// which share the same placeholder syntax.
var PostgresDialect = Dialect{
	Name:        "postgres",
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
}

// SQLiteDialect covers mattn/go-sqlite3.
var SQLiteDialect = Dialect{
	Name:        "sqlite",
	Placeholder: func(n int) string { return "?" },
}

// SQLBackend adapts a relational table to the docstore.Backend capability
// set. "container" is stored as a partition column rather than mapped to a
// separate table, since document containers in this module are small in
// number and the access pattern is always container+key.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

// NewSQLBackend wraps an already-open *sql.DB. table defaults to
// "eventlog_documents" when empty.
func NewSQLBackend(db *sql.DB, dialect Dialect, table string) *SQLBackend {
	if table == "" {
		table = "eventlog_documents"
	}
	return &SQLBackend{db: db, dialect: dialect, table: table}
}

// EnsureContainer creates the backing table if it doesn't exist. Container
// verification here is really table verification; the container value
// itself is just a row-level partition and needs no DDL.
func (b *SQLBackend) EnsureContainer(ctx context.Context, container string, autoCreate bool) error {
	if !autoCreate {
		var probe int
		row := b.db.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", b.table))
		if err := row.Scan(&probe); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("docstore: table %s not available: %w", b.table, err)
		}
		return nil
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		container TEXT NOT NULL,
		doc_key TEXT NOT NULL,
		body TEXT NOT NULL,
		etag TEXT NOT NULL,
		PRIMARY KEY (container, doc_key)
	)`, b.table)
	if _, err := b.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("docstore: failed to create table %s: %w", b.table, err)
	}
	return nil
}

func (b *SQLBackend) Load(ctx context.Context, container, key string) ([]byte, string, error) {
	q := fmt.Sprintf("SELECT body, etag FROM %s WHERE container = %s AND doc_key = %s",
		b.table, b.dialect.Placeholder(1), b.dialect.Placeholder(2))
	var body, etag string
	err := b.db.QueryRowContext(ctx, q, container, key).Scan(&body, &etag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", eventlog.DocumentNotFound(container, key)
	}
	if err != nil {
		return nil, "", eventlog.NewError(eventlog.CodeCommitPartialFailure, "sql load failed for "+key, err)
	}
	return []byte(body), etag, nil
}

func (b *SQLBackend) Save(ctx context.Context, container, key string, body []byte, ifMatch string, createOnly bool) (string, error) {
	newETag := uuid.NewString()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", eventlog.NewError(eventlog.CodeCommitPartialFailure, "sql save failed to start transaction for "+key, err)
	}
	defer tx.Rollback()

	selectQ := fmt.Sprintf("SELECT etag FROM %s WHERE container = %s AND doc_key = %s",
		b.table, b.dialect.Placeholder(1), b.dialect.Placeholder(2))
	var currentETag string
	err = tx.QueryRowContext(ctx, selectQ, container, key).Scan(&currentETag)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !createOnly && ifMatch != "" {
			return "", eventlog.OptimisticConflict("document "+key+" does not exist", nil)
		}
		insertQ := fmt.Sprintf("INSERT INTO %s (container, doc_key, body, etag) VALUES (%s, %s, %s, %s)",
			b.table, b.dialect.Placeholder(1), b.dialect.Placeholder(2), b.dialect.Placeholder(3), b.dialect.Placeholder(4))
		if _, err := tx.ExecContext(ctx, insertQ, container, key, string(body), newETag); err != nil {
			return "", eventlog.NewError(eventlog.CodeCommitPartialFailure, "sql insert failed for "+key, err)
		}
	case err != nil:
		return "", eventlog.NewError(eventlog.CodeCommitPartialFailure, "sql save failed to read current row for "+key, err)
	default:
		if createOnly {
			return "", eventlog.OptimisticConflict("document "+key+" already exists", nil)
		}
		if ifMatch != "" && currentETag != ifMatch {
			return "", eventlog.OptimisticConflict("document "+key+" etag mismatch", nil)
		}
		updateQ := fmt.Sprintf("UPDATE %s SET body = %s, etag = %s WHERE container = %s AND doc_key = %s",
			b.table, b.dialect.Placeholder(1), b.dialect.Placeholder(2), b.dialect.Placeholder(3), b.dialect.Placeholder(4))
		if _, err := tx.ExecContext(ctx, updateQ, string(body), newETag, container, key); err != nil {
			return "", eventlog.NewError(eventlog.CodeCommitPartialFailure, "sql update failed for "+key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", eventlog.NewError(eventlog.CodeCommitPartialFailure, "sql save failed to commit for "+key, err)
	}
	return newETag, nil
}
