package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Sentinel errors for the idempotency and lookup contracts.
var (
	// ErrAlreadyProcessed means the check-and-set on processed_at found the
	// column already set. Callers treat this as success, not failure.
	ErrAlreadyProcessed = errors.New("reply already processed")

	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Store is the durable message store backed by SQLite
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open opens (creating if needed) the store at the given path
func Open(dbPath string, logger *logrus.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writes must be durable before any store call returns, and the
	// check-and-set must be atomic under concurrent per-thread workers.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = FULL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Seed the watermark row so updates never race an insert
	if _, err := db.Exec("INSERT OR IGNORE INTO poll_state (id, last_uid) VALUES (1, 0)"); err != nil {
		return nil, fmt.Errorf("failed to seed poll state: %w", err)
	}

	logger.WithField("path", dbPath).Info("Message store opened")
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying database connection
func (s *Store) DB() *sql.DB {
	return s.db
}
