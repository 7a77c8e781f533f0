package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type TaskRecord struct {
	ID            string          `json:"id"`
	SwarmID       string          `json:"swarm_id"`
	Capabilities  json.RawMessage `json:"capabilities"`
	Priority      string          `json:"priority"`
	Status        string          `json:"status"`
	AssignedAgent string          `json:"assigned_agent,omitempty"`
	Attempts      int             `json:"attempts"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

const taskColumns = `id, swarm_id, capabilities, priority, status, assigned_agent, attempts, reason, created_at, updated_at`

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*TaskRecord, error) {
	r := &TaskRecord{}
	var capabilities string
	var assigned, reason *string
	err := scanner.Scan(&r.ID, &r.SwarmID, &capabilities, &r.Priority, &r.Status, &assigned, &r.Attempts, &reason, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Capabilities = json.RawMessage(capabilities)
	if assigned != nil {
		r.AssignedAgent = *assigned
	}
	if reason != nil {
		r.Reason = *reason
	}
	return r, nil
}

func (s *Store) SaveTask(r *TaskRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, swarm_id, capabilities, priority, status, assigned_agent, attempts, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			assigned_agent = excluded.assigned_agent,
			attempts = excluded.attempts,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		r.ID, r.SwarmID, string(r.Capabilities), r.Priority, r.Status, r.AssignedAgent, r.Attempts, r.Reason, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(id string) (*TaskRecord, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	r, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return r, nil
}

func (s *Store) ListTasks(swarmID string) ([]TaskRecord, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE swarm_id = ? ORDER BY created_at`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		r, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}
