package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fentz26/conductor/internal/models"
)

// --- Agent Registry Operations ---

// SaveAgent inserts or replaces a watched agent. Registering an agent again
// overwrites its previous configuration.
func (s *Store) SaveAgent(ctx context.Context, a *models.AgentLivenessRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, output_ref, timeout_seconds, registered_at, last_activity, status, triggered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
			output_ref = excluded.output_ref,
			timeout_seconds = excluded.timeout_seconds,
			registered_at = excluded.registered_at,
			last_activity = excluded.last_activity,
			status = excluded.status,
			triggered_at = excluded.triggered_at`,
		a.AgentID, nullString(a.OutputRef), a.TimeoutSeconds, a.RegisteredAt, a.LastActivity, a.Status, nullTime(a.TriggeredAt),
	)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

// ListAgents returns every registered agent.
func (s *Store) ListAgents(ctx context.Context) ([]models.AgentLivenessRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, output_ref, timeout_seconds, registered_at, last_activity, status, triggered_at
		 FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []models.AgentLivenessRecord
	for rows.Next() {
		var a models.AgentLivenessRecord
		var ref sql.NullString
		var triggeredAt sql.NullTime
		if err := rows.Scan(&a.AgentID, &ref, &a.TimeoutSeconds, &a.RegisteredAt, &a.LastActivity, &a.Status, &triggeredAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.OutputRef = ref.String
		if triggeredAt.Valid {
			t := triggeredAt.Time
			a.TriggeredAt = &t
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
