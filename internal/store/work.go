package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fentz26/conductor/internal/models"
)

// --- Work Queue Operations ---

// SaveArea inserts or updates a work area.
func (s *Store) SaveArea(ctx context.Context, area *models.WorkArea) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO areas (area_id, priority, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(area_id) DO UPDATE SET priority = excluded.priority`,
		area.AreaID, area.Priority, area.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save area: %w", err)
	}
	return nil
}

// SaveInitiative inserts an initiative. Initiatives are immutable once created.
func (s *Store) SaveInitiative(ctx context.Context, in *models.Initiative) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO initiatives (initiative_id, area_id, title, created_at) VALUES (?, ?, ?, ?)`,
		in.InitiativeID, in.AreaID, nullString(in.Title), in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save initiative: %w", err)
	}
	return nil
}

// SaveTask inserts or updates a task.
func (s *Store) SaveTask(ctx context.Context, t *models.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (task_id, initiative_id, area_id, title, status, outcome, run_id, seq, created_at, dispatched_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			outcome = excluded.outcome,
			run_id = excluded.run_id,
			dispatched_at = excluded.dispatched_at,
			completed_at = excluded.completed_at`,
		t.TaskID, t.InitiativeID, t.AreaID, t.Title, t.Status, nullString(string(t.Outcome)), nullString(t.RunID),
		t.Seq, t.CreatedAt, nullTime(t.DispatchedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// WorkSnapshot is the full persisted work queue.
type WorkSnapshot struct {
	Areas       []models.WorkArea
	Initiatives []models.Initiative
	Tasks       []models.Task
}

// LoadWork reads every area, initiative and task.
func (s *Store) LoadWork(ctx context.Context) (*WorkSnapshot, error) {
	snap := &WorkSnapshot{}

	rows, err := s.db.QueryContext(ctx, `SELECT area_id, priority, created_at FROM areas ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query areas: %w", err)
	}
	for rows.Next() {
		var a models.WorkArea
		if err := rows.Scan(&a.AreaID, &a.Priority, &a.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan area: %w", err)
		}
		snap.Areas = append(snap.Areas, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT initiative_id, area_id, title, created_at FROM initiatives ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query initiatives: %w", err)
	}
	for rows.Next() {
		var in models.Initiative
		var title sql.NullString
		if err := rows.Scan(&in.InitiativeID, &in.AreaID, &title, &in.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan initiative: %w", err)
		}
		in.Title = title.String
		snap.Initiatives = append(snap.Initiatives, in)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT task_id, initiative_id, area_id, title, status, outcome, run_id, seq, created_at, dispatched_at, completed_at
		 FROM tasks ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t models.Task
		var outcome, runID sql.NullString
		var dispatchedAt, completedAt sql.NullTime
		if err := rows.Scan(&t.TaskID, &t.InitiativeID, &t.AreaID, &t.Title, &t.Status, &outcome, &runID,
			&t.Seq, &t.CreatedAt, &dispatchedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Outcome = models.SpanStatus(outcome.String)
		t.RunID = runID.String
		if dispatchedAt.Valid {
			ts := dispatchedAt.Time
			t.DispatchedAt = &ts
		}
		if completedAt.Valid {
			ts := completedAt.Time
			t.CompletedAt = &ts
		}
		snap.Tasks = append(snap.Tasks, t)
	}
	return snap, rows.Err()
}
