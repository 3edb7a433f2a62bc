// Package store is the durable Store behind the Orchestrator: a single
// embedded SQLite file under the application data directory,
// schema-migrated with golang-migrate, accessed only by the Orchestrator.
// Grounded on gonzb's internal/store package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is the sole durable home for Task records.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) the SQLite database at dbPath and runs
// every pending migration before returning.
func New(dbPath string) (*Store, error) {
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// Tasks are written one transition at a time, never during an active
	// transfer; a single writer connection keeps SQLite's WAL mode honest
	// without a bigger pool fighting over file locks.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
