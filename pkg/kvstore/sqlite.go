package kvstore

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // registers the pure-Go "sqlite" driver
)

// schema is created on open. expires_at is a unix-nano deadline; NULL means
// the entry never expires.
const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER
);
CREATE INDEX IF NOT EXISTS kv_expires_at ON kv (expires_at) WHERE expires_at IS NOT NULL;
`

// SQLiteStore is a Store backed by a single sqlite database file.
// Expired entries are filtered on read and removed by the RunPurge sweep.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLite opens (creating if necessary) the database at path.
// An empty path opens a private in-memory database, used by tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", path, err)
	}

	// A single connection sidesteps SQLITE_BUSY under concurrent writers;
	// throughput here is counters and small records, not bulk data.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get returns the value for key, treating expired rows as absent.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	var value []byte
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM kv WHERE key = ?", key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	if expired(expiresAt) {
		return nil, false, nil
	}
	return value, true, nil
}

// Set stores value under key, replacing any existing entry.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?) "+
			"ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at",
		key, value, deadline(ttl))
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Absent keys are a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// CompareAndSet atomically replaces key's value if the current value equals
// expected (nil expected = create only if absent).
func (s *SQLiteStore) CompareAndSet(ctx context.Context, key string, expected, next []byte, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cas %q: begin: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	var current []byte
	var expiresAt sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT value, expires_at FROM kv WHERE key = ?", key).Scan(&current, &expiresAt)
	present := err == nil && !expired(expiresAt)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("cas %q: read: %w", key, err)
	}

	switch {
	case expected == nil && present:
		return ErrCASConflict
	case expected != nil && !present:
		return ErrCASConflict
	case expected != nil && !bytes.Equal(current, expected):
		return ErrCASConflict
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?) "+
			"ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at",
		key, next, deadline(ttl))
	if err != nil {
		return fmt.Errorf("cas %q: write: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cas %q: commit: %w", key, err)
	}
	return nil
}

// List returns live keys with the given prefix in lexical order.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM kv WHERE key >= ? AND key < ? AND (expires_at IS NULL OR expires_at > ?) ORDER BY key",
		prefix, prefix+"\xff", time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("list %q: scan: %w", prefix, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// PurgeExpired removes rows whose deadline has passed. Returns rows removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?", time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RunPurge removes expired rows on a fixed cadence until ctx is done.
func (s *SQLiteStore) RunPurge(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeExpired(ctx); err != nil && err != ErrClosed {
				slog.Warn("Expired-row purge failed", "error", err)
			}
		}
	}
}

// Close closes the underlying database. Safe to call more than once.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func deadline(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl).UnixNano()
}

func expired(expiresAt sql.NullInt64) bool {
	return expiresAt.Valid && expiresAt.Int64 <= time.Now().UnixNano()
}
