// Package index is the rebuildable SQLite projection of node documents,
// session records and event journals.
//
// The index is a cache. It may lag the sources and can be deleted at any
// time; RebuildFromSource recreates it. Nothing that decides correctness
// (id uniqueness, optimistic concurrency) reads from it.
package index

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - initial schema
//
// An index written with any other version is dropped and recreated; the
// caller rebuilds it from source.
const currentSchemaVersion = 1

// Default contention settings: each attempt waits up to busyTimeout inside
// SQLite, then retries back off from retryBase until busyDeadline.
const (
	defaultBusyTimeout  = 250 * time.Millisecond
	defaultRetryBase    = 10 * time.Millisecond
	defaultMaxRetries   = 8
	defaultBusyDeadline = 2 * time.Second
)

// Index is the analytics index. It is safe for concurrent use; writes from
// other processes are serialised by SQLite.
type Index struct {
	path   string
	logger *slog.Logger

	busyTimeout  time.Duration
	retryBase    time.Duration
	maxRetries   int
	busyDeadline time.Duration

	// mu guards db against Close.
	mu sync.RWMutex
	db *sql.DB

	// reset is set when Open discarded an incompatible schema.
	reset atomic.Bool
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Index) { ix.logger = l }
}

// WithBusyPolicy overrides the bounded wait used under write contention.
func WithBusyPolicy(busyTimeout, retryBase time.Duration, maxRetries int, deadline time.Duration) Option {
	return func(ix *Index) {
		ix.busyTimeout = busyTimeout
		ix.retryBase = retryBase
		ix.maxRetries = maxRetries
		ix.busyDeadline = deadline
	}
}

// Open creates or opens the index database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (the index is rebuildable)
//   - a short busy timeout; longer waits are retried with backoff
//   - BEGIN IMMEDIATE transactions, so writers queue at BEGIN
func Open(path string, opts ...Option) (*Index, error) {
	ix := &Index{
		path:         path,
		logger:       slog.Default(),
		busyTimeout:  defaultBusyTimeout,
		retryBase:    defaultRetryBase,
		maxRetries:   defaultMaxRetries,
		busyDeadline: defaultBusyDeadline,
	}
	for _, opt := range opts {
		opt(ix)
	}
	db, reset, err := ix.openDB(path)
	if err != nil {
		return nil, err
	}
	ix.db = db
	ix.reset.Store(reset)
	return ix, nil
}

// NeedsRebuild reports whether Open found an index with an incompatible
// schema and cleared it.
func (ix *Index) NeedsRebuild() bool {
	return ix.reset.Load()
}

// Path returns the database file path.
func (ix *Index) Path() string {
	return ix.path
}

func (ix *Index) dsn(path string) string {
	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprint(ix.busyTimeout.Milliseconds()))
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func (ix *Index) openDB(path string) (*sql.DB, bool, error) {
	db, err := sql.Open("sqlite3", ix.dsn(path))
	if err != nil {
		return nil, false, fmt.Errorf("failed to open index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("failed to connect to index: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps the DSN
	// pragmas in force for the life of the handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	reset, err := applySchema(db)
	if err != nil {
		db.Close()
		return nil, false, fmt.Errorf("failed to apply schema: %w", err)
	}
	return db, reset, nil
}

// Close closes the database.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.db == nil {
		return nil
	}
	err := ix.db.Close()
	ix.db = nil
	return err
}

// handle returns the live database under the read lock. Callers release
// it when done.
func (ix *Index) handle() (*sql.DB, func(), error) {
	ix.mu.RLock()
	if ix.db == nil {
		ix.mu.RUnlock()
		return nil, nil, errors.New("index is closed")
	}
	return ix.db, ix.mu.RUnlock, nil
}

// applySchema creates tables if they don't exist. A database stamped with
// another schema version is emptied first.
func applySchema(db *sql.DB) (bool, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return false, fmt.Errorf("get user_version: %w", err)
	}
	reset := false
	if version != 0 && version != currentSchemaVersion {
		for _, table := range []string{"outbox", "events", "sessions", "edges", "nodes"} {
			if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
				return false, fmt.Errorf("drop %s: %w", table, err)
			}
		}
		reset = true
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return false, fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return false, fmt.Errorf("set user_version: %w", err)
	}
	return reset, nil
}

// isBusy reports whether err is SQLite lock contention.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// withRetry runs one write transaction, retrying on contention with
// exponential backoff until maxRetries or the busy deadline. Exhausting the
// bounded wait returns BUSY; the caller's source write has already
// succeeded, so BUSY means "index is behind", never "data lost".
func (ix *Index) withRetry(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	db, release, err := ix.handle()
	if err != nil {
		return err
	}
	defer release()
	return ix.retryBusy(ctx, op, func() error { return runTx(ctx, db, fn) })
}

func (ix *Index) retryBusy(ctx context.Context, op string, attempt func() error) error {
	deadline := time.Now().Add(ix.busyDeadline)
	backoff := ix.retryBase
	var lastErr error
	for try := 0; try <= ix.maxRetries; try++ {
		lastErr = attempt()
		if lastErr == nil || !isBusy(lastErr) {
			return lastErr
		}
		if time.Now().Add(backoff).After(deadline) {
			break
		}
		ix.logger.Debug("index busy, retrying", "op", op, "attempt", try+1, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return ir.WrapError(ir.ErrCodeBusy, op, "", lastErr)
}

// txBeginner is a *sql.DB or a pinned *sql.Conn.
type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

func runTx(ctx context.Context, db txBeginner, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (ix *Index) verifyPragma(name, expected string) error {
	db, release, err := ix.handle()
	if err != nil {
		return err
	}
	defer release()
	var value string
	if err := db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
