// Package store is the shared persistence layer: a single SQLite
// database holding the corpus (entries, search history), the FTS5
// full-text table, the persistent query-cache tier, and the
// optimization bookkeeping tables.
//
// The store is shared by the tiered query cache, the retrieval engine,
// and the optimization monitor, so all DDL is idempotent and statements
// are prepared once and reused.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/kbforge/retrieval/internal/kberr"
)

// Store wraps the SQLite database and its advisory file lock.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	lock   *flock.Flock
	logger *slog.Logger
	closed bool

	stmtMu sync.Mutex
	stmts  map[string]*sql.Stmt
}

// Open opens (or creates) the store at path. An empty path opens an
// in-memory database for testing. On-disk stores take an advisory file
// lock so a second process cannot initialize against the same database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var dsn string
	var fileLock *flock.Flock

	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, kberr.New(kberr.ErrCodeStoreOpen,
				fmt.Sprintf("failed to create directory %s", dir), err)
		}

		fileLock = flock.New(path + ".lock")
		locked, err := fileLock.TryLock()
		if err != nil {
			return nil, kberr.New(kberr.ErrCodeStoreLocked, "failed to acquire store lock", err)
		}
		if !locked {
			return nil, kberr.New(kberr.ErrCodeStoreLocked,
				"store is locked by another process: "+path, nil)
		}

		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		if fileLock != nil {
			_ = fileLock.Unlock()
		}
		return nil, kberr.New(kberr.ErrCodeStoreOpen, "failed to open database", err)
	}

	// Single writer to prevent lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite; DSN
	// parameters alone are not honored.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			if fileLock != nil {
				_ = fileLock.Unlock()
			}
			return nil, kberr.New(kberr.ErrCodeStoreOpen, "failed to set pragma", err)
		}
	}

	s := &Store{
		db:     db,
		path:   path,
		lock:   fileLock,
		logger: logger,
		stmts:  make(map[string]*sql.Stmt),
	}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		if fileLock != nil {
			_ = fileLock.Unlock()
		}
		return nil, kberr.New(kberr.ErrCodeStoreSchema, "failed to initialize schema", err)
	}

	return s, nil
}

// initSchema creates all tables and indexes. Every statement is
// idempotent: multiple components may initialize against the same store.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- Knowledge corpus, written by external collaborators.
	CREATE TABLE IF NOT EXISTS entries (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL,
		problem       TEXT NOT NULL DEFAULT '',
		solution      TEXT NOT NULL DEFAULT '',
		category      TEXT NOT NULL DEFAULT '',
		tags          TEXT NOT NULL DEFAULT '',
		usage_count   INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		archived      INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL DEFAULT 0,
		updated_at    INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_entries_category ON entries(category);
	CREATE INDEX IF NOT EXISTS idx_entries_usage ON entries(usage_count DESC);

	-- FTS5 full-text index. Text columns are indexed; the identity
	-- column is stored but not searchable. Content is pre-tokenized by
	-- the text pipeline so query terms line up with indexed terms.
	CREATE VIRTUAL TABLE IF NOT EXISTS entry_fts USING fts5(
		entry_id UNINDEXED,
		title,
		problem,
		solution,
		tags,
		tokenize='unicode61'
	);

	-- Per-field token lengths for BM25 length normalization.
	CREATE TABLE IF NOT EXISTS entry_doclen (
		entry_id TEXT NOT NULL,
		field    TEXT NOT NULL,
		length   INTEGER NOT NULL,
		PRIMARY KEY (entry_id, field)
	);

	-- Persistent query-cache tier.
	CREATE TABLE IF NOT EXISTS query_cache (
		key           TEXT PRIMARY KEY,
		value         TEXT NOT NULL,
		type          TEXT NOT NULL DEFAULT '',
		tags          TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		expires_at    INTEGER NOT NULL,
		last_accessed INTEGER NOT NULL,
		hit_count     INTEGER NOT NULL DEFAULT 0,
		size          INTEGER NOT NULL DEFAULT 0,
		compressed    INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_query_cache_expires ON query_cache(expires_at);
	CREATE INDEX IF NOT EXISTS idx_query_cache_accessed ON query_cache(last_accessed);

	-- Optimization audit log.
	CREATE TABLE IF NOT EXISTS optimization_log (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy        TEXT NOT NULL,
		pattern         TEXT NOT NULL DEFAULT '',
		before_avg_ms   REAL NOT NULL DEFAULT 0,
		after_avg_ms    REAL NOT NULL DEFAULT 0,
		improvement_pct REAL NOT NULL DEFAULT 0,
		applied_at      INTEGER NOT NULL DEFAULT 0,
		rolled_back_at  INTEGER,
		status          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_optlog_strategy_time ON optimization_log(strategy, applied_at);

	-- Rolling performance snapshots.
	CREATE TABLE IF NOT EXISTS performance_snapshots (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		avg_ms           REAL NOT NULL,
		p95_ms           REAL NOT NULL,
		p99_ms           REAL NOT NULL,
		cache_hit_rate   REAL NOT NULL,
		query_volume     INTEGER NOT NULL,
		slow_query_count INTEGER NOT NULL,
		created_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_perf_created ON performance_snapshots(created_at);

	-- Mined query-pattern aggregates.
	CREATE TABLE IF NOT EXISTS pattern_analysis (
		pattern     TEXT PRIMARY KEY,
		query_count INTEGER NOT NULL DEFAULT 0,
		avg_ms      REAL NOT NULL DEFAULT 0,
		last_seen   INTEGER NOT NULL DEFAULT 0
	);

	-- Search history, written by the router, mined by the optimizer.
	CREATE TABLE IF NOT EXISTS search_history (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		query        TEXT NOT NULL,
		normalized   TEXT NOT NULL,
		strategy     TEXT NOT NULL,
		duration_ms  REAL NOT NULL,
		result_count INTEGER NOT NULL,
		cache_hit    INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_created ON search_history(created_at);
	CREATE INDEX IF NOT EXISTS idx_history_normalized ON search_history(normalized);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	_, err := s.db.Exec(schema)
	return err
}

// prepared returns a cached prepared statement, preparing it on first use.
func (s *Store) prepared(query string) (*sql.Stmt, error) {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()

	if stmt, ok := s.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	s.stmts[query] = stmt
	return stmt, nil
}

// InTx runs fn inside a transaction, rolling back on error.
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kberr.StoreError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// DB exposes the underlying handle for components that manage their own
// statements.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database path ("" for in-memory stores).
func (s *Store) Path() string {
	return s.path
}

// Checkpoint forces a WAL checkpoint to ensure durability.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Close checkpoints, closes the database, and releases the file lock.
// Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.stmtMu.Lock()
	for _, stmt := range s.stmts {
		_ = stmt.Close()
	}
	s.stmts = make(map[string]*sql.Stmt)
	s.stmtMu.Unlock()

	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.db.Close()

	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	return err
}
