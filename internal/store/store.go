// Package store is the coordination plane's durable persistence layer: a
// single SQLite database accessed through a narrow statement surface, one
// table per entity in the data model, with conditional-update transitions
// enforcing the plane's linearizability guarantees.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/coordplane/internal/bus"
	"github.com/basket/coordplane/internal/errcode"
)

const (
	retryMaxAttempts = 3
	retryBaseDelay   = 100 * time.Millisecond
)

// Store wraps a single *sql.DB configured for SQLite's single-writer model:
// one open connection, WAL journaling, and busy-timeout backed retries
// instead of application-level locking.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	bus    *bus.Bus
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithBus(b *bus.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// Open opens (creating if necessary) the SQLite database at path and
// applies schema migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errcode.New(errcode.ConnectionError, "open sqlite", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB { return s.db }

// retryOnBusy retries fn up to retryMaxAttempts times with exponential
// backoff and jitter when it fails with a retryable (connection-class)
// error, mirroring SQLite's own advice for handling SQLITE_BUSY under a
// single-writer connection pool.
func (s *Store) retryOnBusy(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := retryBaseDelay
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(delay) / 2))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay + jitter):
			}
			delay *= 2
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		code := errcode.ClassifySQLite(err)
		if code != errcode.ConnectionError {
			return err
		}
		s.logger.Warn("store: retrying after busy/locked error", "attempt", attempt+1, "error", err)
	}
	return lastErr
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	checksum TEXT NOT NULL,
	applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
`)
	if err != nil {
		return errcode.New(errcode.TransactionError, "create schema_migrations", err)
	}
	for _, m := range migrations {
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

type migration struct {
	version int
	sql     string
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	checksum := hashString(m.sql)
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?`, m.version).Scan(&existing)
	switch {
	case err == nil:
		if existing != checksum {
			return errcode.New(errcode.InvalidState,
				fmt.Sprintf("migration %d checksum mismatch: schema drifted from a previously applied version", m.version), nil)
		}
		return nil
	case err != sql.ErrNoRows:
		return errcode.New(errcode.TransactionError, "read schema_migrations", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errcode.New(errcode.TransactionError, "begin migration tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range strings.Split(m.sql, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errcode.New(errcode.TransactionError, fmt.Sprintf("apply migration %d", m.version), err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`, m.version, checksum); err != nil {
		return errcode.New(errcode.TransactionError, "record migration", err)
	}
	return tx.Commit()
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
