package store

import (
	"database/sql"
	"fmt"
	"time"
)

type ProposalRecord struct {
	ID         string     `json:"id"`
	SwarmID    string     `json:"swarm_id"`
	Algorithm  string     `json:"algorithm"`
	Status     string     `json:"status"`
	Decision   string     `json:"decision,omitempty"`
	Confidence float64    `json:"confidence"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

const proposalColumns = `id, swarm_id, algorithm, status, decision, confidence, opened_at, closed_at`

func scanProposal(scanner interface {
	Scan(dest ...any) error
}) (*ProposalRecord, error) {
	r := &ProposalRecord{}
	var decision *string
	err := scanner.Scan(&r.ID, &r.SwarmID, &r.Algorithm, &r.Status, &decision, &r.Confidence, &r.OpenedAt, &r.ClosedAt)
	if err != nil {
		return nil, err
	}
	if decision != nil {
		r.Decision = *decision
	}
	return r, nil
}

func (s *Store) SaveProposal(r *ProposalRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO proposals (id, swarm_id, algorithm, status, decision, confidence, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			decision = excluded.decision,
			confidence = excluded.confidence,
			closed_at = excluded.closed_at`,
		r.ID, r.SwarmID, r.Algorithm, r.Status, r.Decision, r.Confidence, r.OpenedAt, r.ClosedAt)
	if err != nil {
		return fmt.Errorf("save proposal: %w", err)
	}
	return nil
}

func (s *Store) GetProposal(id string) (*ProposalRecord, error) {
	row := s.db.QueryRow(`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	r, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return r, nil
}

func (s *Store) ListProposals(swarmID string) ([]ProposalRecord, error) {
	rows, err := s.db.Query(`SELECT `+proposalColumns+` FROM proposals WHERE swarm_id = ? ORDER BY opened_at`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var records []ProposalRecord
	for rows.Next() {
		r, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// PurgeTerminal removes journal entries that reached a terminal state before
// the cutoff: destroyed swarms, their tasks and proposals, plus terminal
// tasks and closed proposals of live swarms.
func (s *Store) PurgeTerminal(before time.Time) (int64, error) {
	var purged int64

	res, err := s.db.Exec(`DELETE FROM tasks WHERE status IN ('completed', 'failed') AND updated_at < ?`, before)
	if err != nil {
		return purged, fmt.Errorf("purge tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	purged += n

	res, err = s.db.Exec(`DELETE FROM proposals WHERE status != 'open' AND closed_at IS NOT NULL AND closed_at < ?`, before)
	if err != nil {
		return purged, fmt.Errorf("purge proposals: %w", err)
	}
	n, _ = res.RowsAffected()
	purged += n

	res, err = s.db.Exec(`
		DELETE FROM swarms WHERE status = 'destroyed' AND destroyed_at < ?
		AND id NOT IN (SELECT DISTINCT swarm_id FROM tasks)
		AND id NOT IN (SELECT DISTINCT swarm_id FROM proposals)`, before)
	if err != nil {
		return purged, fmt.Errorf("purge swarms: %w", err)
	}
	n, _ = res.RowsAffected()
	purged += n

	return purged, nil
}
