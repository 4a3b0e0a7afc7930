// Package store owns the embedded SQLite database backing the response
// cache. It bounds the connection pool, initializes the schema, and wraps
// reads and writes with bounded retry on lock contention.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	proxyerrors "github.com/apibuddy/apibuddy/pkg/errors"
)

// MemoryPath selects an ephemeral in-memory database.
const MemoryPath = ":memory:"

const (
	schemaVersion = 1

	maxRetries     = 5
	baseRetryDelay = 50 * time.Millisecond
	maxRetryDelay  = time.Second
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cache_entries (
		fingerprint TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		status INTEGER NOT NULL,
		headers_blob TEXT NOT NULL,
		payload_blob BLOB NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		ttl_seconds INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cache_domain_created
		ON cache_entries(domain, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_cache_last_accessed
		ON cache_entries(last_accessed_at);`,
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	);`,
}

// Store manages SQLite database operations with a bounded connection pool.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (or creates) the database at path and initializes the schema.
// A corrupt or locked database file surfaces here and is fatal to startup.
// Pass MemoryPath for an ephemeral shared in-memory database.
func Open(path string, maxPool int, logger *slog.Logger) (*Store, error) {
	if maxPool <= 0 {
		maxPool = 5
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, proxyerrors.NewStorageError(fmt.Sprintf("open database: %v", err))
	}

	// Connections are created lazily up to maxPool and kept on the idle
	// free-list. Idle connections must not be closed for the shared
	// in-memory database or its contents would vanish with them.
	db.SetMaxOpenConns(maxPool)
	db.SetMaxIdleConns(maxPool)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: path, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, proxyerrors.NewStorageError(fmt.Sprintf("database unavailable: %v", err))
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// dsn builds the SQLite connection string with the concurrency pragmas the
// proxy relies on: WAL for concurrent readers, NORMAL sync, and a busy
// timeout so writers queue instead of failing immediately.
func dsn(path string) string {
	params := "cache=shared&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=10000"
	if path == MemoryPath {
		return "file::memory:?" + params
	}
	return "file:" + path + "?" + params
}

// initSchema is idempotent: every statement is IF NOT EXISTS and the version
// row is only inserted when absent.
func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return proxyerrors.NewStorageError(fmt.Sprintf("init schema: %v", err))
		}
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return proxyerrors.NewStorageError(fmt.Sprintf("read schema version: %v", err))
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return proxyerrors.NewStorageError(fmt.Sprintf("record schema version: %v", err))
		}
	}
	return nil
}

// Query runs a read-only statement. Reads run concurrently with other reads
// under WAL. Lock contention is retried with bounded exponential backoff.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := s.withRetry(ctx, func() error {
		var err error
		rows, err = s.db.QueryContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, proxyerrors.NewStorageError(fmt.Sprintf("query: %v", err))
	}
	return rows, nil
}

// QueryRow runs a read-only statement expected to return at most one row.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Update runs a write statement inside a transaction and returns the number
// of affected rows. A constraint violation returns 0 without an error.
// Transient lock contention is retried up to maxRetries; exhausting the
// retries surfaces as a storage error.
func (s *Store) Update(ctx context.Context, query string, args ...any) (int64, error) {
	var affected int64
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		if isConstraintViolation(err) {
			return 0, nil
		}
		return 0, proxyerrors.NewStorageError(fmt.Sprintf("update: %v", err))
	}
	return affected, nil
}

// withRetry retries fn on lock contention with exponential backoff and
// jitter, capped at maxRetryDelay per attempt.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = fn()
		if err == nil || !isLockContention(err) {
			return err
		}

		delay := baseRetryDelay << attempt
		delay += time.Duration(rand.Int63n(int64(baseRetryDelay)))
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		s.logger.Debug("database locked, retrying",
			"attempt", attempt+1,
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isLockContention(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return strings.Contains(strings.ToLower(err.Error()), "locked")
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// Path returns the configured database path.
func (s *Store) Path() string {
	return s.path
}

// FileSize returns the database file size in bytes, or 0 for the in-memory
// database.
func (s *Store) FileSize() int64 {
	if s.path == MemoryPath {
		return 0
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return proxyerrors.NewStorageError(fmt.Sprintf("ping: %v", err))
	}
	return nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	return s.db.Close()
}
