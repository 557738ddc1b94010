// Package store persists entities, resources, actions, attributions and
// sessions in SQLite, with an optional sqlite-vec index over resource
// embeddings.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a primary key is already taken.
	ErrConflict = errors.New("already exists")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs statements against either the database or an open
// transaction.
type Queries struct {
	q   querier
	vec *vecIndex
}

// Store owns the database handle.
type Store struct {
	*Queries
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path. dims is the embedding width
// used for the vector index.
func Open(path string, dims int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	vec := newVecIndex(db, dims)
	if vec.available {
		if n, err := vec.Backfill(context.Background(), db); err == nil && n > 0 {
			slog.Info("backfilled vector index", "resources", n)
		}
	}
	s.Queries = &Queries{q: db, vec: vec}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// VectorIndexAvailable reports whether KNN queries use sqlite-vec.
func (s *Store) VectorIndexAvailable() bool { return s.vec.available }

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&Queries{q: tx, vec: s.vec}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS entity (
	id          TEXT PRIMARY KEY,
	role        TEXT NOT NULL,
	name        TEXT,
	wallet      TEXT,
	public_key  TEXT,
	metadata    TEXT NOT NULL DEFAULT '{}',
	extensions  TEXT NOT NULL DEFAULT '{}',
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session (
	id          TEXT PRIMARY KEY,
	title       TEXT,
	metadata    TEXT NOT NULL DEFAULT '{}',
	started_at  INTEGER NOT NULL,
	ended_at    INTEGER
);

CREATE TABLE IF NOT EXISTS action (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	performed_by  TEXT NOT NULL REFERENCES entity(id),
	timestamp     INTEGER NOT NULL,
	input_cids    TEXT NOT NULL DEFAULT '[]',
	output_cids   TEXT NOT NULL DEFAULT '[]',
	tool_used     TEXT,
	proof         TEXT,
	extensions    TEXT NOT NULL DEFAULT '{}',
	session_id    TEXT REFERENCES session(id)
);

CREATE TABLE IF NOT EXISTS action_output (
	cid        TEXT NOT NULL,
	action_id  TEXT NOT NULL REFERENCES action(id),
	PRIMARY KEY (cid, action_id)
);

CREATE TABLE IF NOT EXISTS resource (
	cid          TEXT PRIMARY KEY,
	size         INTEGER NOT NULL,
	algorithm    TEXT NOT NULL,
	type         TEXT NOT NULL,
	locations    TEXT NOT NULL DEFAULT '[]',
	created_by   TEXT NOT NULL REFERENCES entity(id),
	root_action  TEXT NOT NULL REFERENCES action(id),
	license      TEXT,
	embedding    TEXT,
	extensions   TEXT NOT NULL DEFAULT '{}',
	session_id   TEXT REFERENCES session(id),
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS attribution (
	id                       TEXT PRIMARY KEY,
	resource_cid             TEXT NOT NULL REFERENCES resource(cid),
	entity_id                TEXT NOT NULL REFERENCES entity(id),
	role                     TEXT NOT NULL,
	weight                   INTEGER CHECK (weight IS NULL OR (weight >= 0 AND weight <= 10000)),
	included_in_revenue      INTEGER NOT NULL DEFAULT 0,
	included_in_attribution  INTEGER NOT NULL DEFAULT 1,
	note                     TEXT,
	extensions               TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS session_message (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES session(id),
	entity_id   TEXT,
	content     TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_action_output_cid ON action_output(cid);
CREATE INDEX IF NOT EXISTS idx_action_session ON action(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_resource_type ON resource(type);
CREATE INDEX IF NOT EXISTS idx_resource_session ON resource(session_id);
CREATE INDEX IF NOT EXISTS idx_attribution_resource ON attribution(resource_cid);
CREATE INDEX IF NOT EXISTS idx_message_session ON session_message(session_id, created_at);
`

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Counts returns the number of rows per table.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	for _, table := range []string{"entity", "resource", "action", "attribution", "session", "session_message"} {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

// LastActivity returns the time of the newest action or message, or the zero
// time when there is none.
func (s *Store) LastActivity(ctx context.Context) (time.Time, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(t) FROM (
			SELECT MAX(timestamp) AS t FROM action
			UNION ALL
			SELECT MAX(created_at) FROM session_message
		)`).Scan(&n)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last activity: %w", err)
	}
	if !n.Valid {
		return time.Time{}, nil
	}
	return fromUnix(n.Int64), nil
}

func isPrimaryKeyConflict(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func toUnix(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
