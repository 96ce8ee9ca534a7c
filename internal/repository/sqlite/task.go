package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/leadpilot/leadpilot/pkg/models"
)

func (s *Store) CreateTask(ctx context.Context, t *models.Task) (int64, error) {
	if t == nil {
		return 0, fmt.Errorf("task is nil")
	}

	ts := now()
	res, err := s.conn.Exec(ctx,
		`INSERT INTO tasks (lead_id, kind, title, due_at, assignee, created) VALUES (?, ?, ?, ?, ?, ?)`,
		t.LeadID, t.Kind, t.Title, nullableUnix(t.DueAt), t.Assignee, ts,
	)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	t.ID = id
	t.Created = ts
	return id, nil
}

func (s *Store) ListTasksByLead(ctx context.Context, leadID int64) ([]models.Task, error) {
	rows, err := s.conn.GetConn().QueryContext(ctx,
		`SELECT id, lead_id, kind, title, due_at, assignee, created FROM tasks WHERE lead_id = ? ORDER BY id ASC`,
		leadID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		var (
			t   models.Task
			due sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.LeadID, &t.Kind, &t.Title, &due, &t.Assignee, &t.Created); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if due.Valid {
			t.DueAt = unixPtr(&due.Int64)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
