// Package store journals swarm, task and proposal lifecycles to sqlite so
// an operator can inspect history after the in-memory state is gone.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/swarmdlabs/swarmd/internal/config"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS swarms (
			id           TEXT PRIMARY KEY,
			topology     TEXT NOT NULL,
			max_agents   INTEGER NOT NULL,
			status       TEXT NOT NULL,
			created_at   DATETIME NOT NULL,
			destroyed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id             TEXT PRIMARY KEY,
			swarm_id       TEXT NOT NULL REFERENCES swarms(id),
			capabilities   TEXT NOT NULL,
			priority       TEXT NOT NULL,
			status         TEXT NOT NULL,
			assigned_agent TEXT,
			attempts       INTEGER DEFAULT 0,
			reason         TEXT,
			created_at     DATETIME NOT NULL,
			updated_at     DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_swarm ON tasks(swarm_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id         TEXT PRIMARY KEY,
			swarm_id   TEXT NOT NULL REFERENCES swarms(id),
			algorithm  TEXT NOT NULL,
			status     TEXT NOT NULL,
			decision   TEXT,
			confidence REAL DEFAULT 0,
			opened_at  DATETIME NOT NULL,
			closed_at  DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_swarm ON proposals(swarm_id, opened_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
