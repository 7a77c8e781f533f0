package store

import (
	"database/sql"
	"fmt"
	"time"
)

type SwarmRecord struct {
	ID          string     `json:"id"`
	Topology    string     `json:"topology"`
	MaxAgents   int        `json:"max_agents"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	DestroyedAt *time.Time `json:"destroyed_at,omitempty"`
}

const swarmColumns = `id, topology, max_agents, status, created_at, destroyed_at`

func scanSwarm(scanner interface {
	Scan(dest ...any) error
}) (*SwarmRecord, error) {
	r := &SwarmRecord{}
	err := scanner.Scan(&r.ID, &r.Topology, &r.MaxAgents, &r.Status, &r.CreatedAt, &r.DestroyedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) SaveSwarm(r *SwarmRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO swarms (id, topology, max_agents, status, created_at, destroyed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			destroyed_at = excluded.destroyed_at`,
		r.ID, r.Topology, r.MaxAgents, r.Status, r.CreatedAt, r.DestroyedAt)
	if err != nil {
		return fmt.Errorf("save swarm: %w", err)
	}
	return nil
}

func (s *Store) GetSwarm(id string) (*SwarmRecord, error) {
	row := s.db.QueryRow(`SELECT `+swarmColumns+` FROM swarms WHERE id = ?`, id)
	r, err := scanSwarm(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	return r, nil
}

func (s *Store) ListSwarms() ([]SwarmRecord, error) {
	rows, err := s.db.Query(`SELECT ` + swarmColumns + ` FROM swarms ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list swarms: %w", err)
	}
	defer rows.Close()

	var records []SwarmRecord
	for rows.Next() {
		r, err := scanSwarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}
