// Copyright 2025 The Soliplex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store is the persistence layer. It supports an embedded
// single-writer SQLite database for development and PostgreSQL with row-level
// locking for multi-worker production, with identical semantics on both.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects backend-specific SQL.
type Dialect string

const (
	// DialectSQLite is the embedded single-writer backend.
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres is the concurrent client/server backend.
	DialectPostgres Dialect = "postgres"
)

// timeFormat is a fixed-width UTC layout so stored TEXT timestamps compare
// lexicographically in both backends.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store provides transactional access to all engine state.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the database named by url and runs migrations.
// URLs starting with postgres:// or postgresql:// select the PostgreSQL
// backend; anything else is treated as a SQLite path (the file: prefix is
// stripped).
func Open(ctx context.Context, url string) (*Store, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)

	switch {
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		dialect = DialectPostgres
		db, err = sql.Open("pgx", url)
	default:
		dialect = DialectSQLite
		db, err = sql.Open("sqlite", strings.TrimPrefix(url, "file:"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// SQLite serializes writes, so only 1 connection
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, dialect: dialect}

	if dialect == DialectSQLite {
		if err := s.configurePragmas(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure pragmas: %w", err)
		}
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Dialect returns the active backend dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// withTx runs fn inside a transaction, committing on nil and rolling back on
// any error path.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txKey struct{}

// txContext embeds an open transaction in ctx so callbacks that write back
// through the store join it instead of waiting on a pool connection.
func txContext(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// execer is the query surface shared by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// querier returns the transaction carried by ctx, if any, else the pool.
func (s *Store) querier(ctx context.Context) execer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// rebind rewrites ? placeholders to $1..$n for PostgreSQL. Queries are
// written once with ? and rebound per dialect.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// formatTime renders a timestamp in the fixed store layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// formatTimePtr renders an optional timestamp, or NULL.
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseTime reads a stored timestamp.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// parseTimePtr reads an optional stored timestamp.
func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// marshalMap encodes a JSON map column. Nil maps store as NULL.
func marshalMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON column: %w", err)
	}
	return string(data), nil
}

// unmarshalMap decodes a JSON map column. NULL reads as nil.
func unmarshalMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON column: %w", err)
	}
	return m, nil
}

// canonicalJSON renders a map with sorted keys, used to deduplicate
// StepConfig rows by content. encoding/json sorts map keys.
func canonicalJSON(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize config: %w", err)
	}
	return string(data), nil
}

// nullString converts an empty string to NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// boolInt stores booleans portably as 0/1.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
