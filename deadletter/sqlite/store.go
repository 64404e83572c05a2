// Package sqlite provides a persistent deadletter.Store so quarantine
// decisions survive a process restart.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/tailored-agentic-units/relay/deadletter"
)

const (
	BucketEntries    = "entries"
	BucketQuarantine = "quarantine"
)

//go:embed schema.sql
var schema string

// DB is an open dead-letter database. Each bucket is an independent Store.
type DB struct {
	sqlDB *sql.DB
}

// Open opens the database at path and applies the schema.
func Open(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	if path == ":memory:" {
		dsn = path
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &DB{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (db *DB) Close() error {
	if db == nil || db.sqlDB == nil {
		return nil
	}
	return db.sqlDB.Close()
}

// Store returns the Store for bucket.
func (db *DB) Store(bucket string) *Store {
	return &Store{sqlDB: db.sqlDB, bucket: bucket}
}

// Store is a deadletter.Store over one bucket of a DB.
type Store struct {
	sqlDB  *sql.DB
	bucket string
}

var _ deadletter.Store = (*Store)(nil)

func (s *Store) Get(ctx context.Context, id string) (deadletter.Entry, bool, error) {
	var body string
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT body FROM deadletter_entries WHERE bucket = ? AND id = ?
`, s.bucket, id).Scan(&body)
	if err == sql.ErrNoRows {
		return deadletter.Entry{}, false, nil
	}
	if err != nil {
		return deadletter.Entry{}, false, fmt.Errorf("get entry: %w", err)
	}

	var entry deadletter.Entry
	if err := json.Unmarshal([]byte(body), &entry); err != nil {
		return deadletter.Entry{}, false, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return entry, true, nil
}

func (s *Store) Set(ctx context.Context, entry deadletter.Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", entry.ID, err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO deadletter_entries (bucket, id, body, last_failure)
VALUES (?, ?, ?, ?)
ON CONFLICT (bucket, id) DO UPDATE SET
	body = excluded.body,
	last_failure = excluded.last_failure
`,
		s.bucket,
		entry.ID,
		string(body),
		entry.LastFailure.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set entry: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM deadletter_entries WHERE bucket = ? AND id = ?
`, s.bucket, id); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]deadletter.Entry, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT body FROM deadletter_entries WHERE bucket = ? ORDER BY id
`, s.bucket)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []deadletter.Entry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var entry deadletter.Entry
		if err := json.Unmarshal([]byte(body), &entry); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM deadletter_entries WHERE bucket = ?
`, s.bucket).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM deadletter_entries WHERE bucket = ?
`, s.bucket); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	return nil
}
