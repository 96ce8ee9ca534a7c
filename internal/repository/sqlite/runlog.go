package sqlite

import (
	"context"
	"fmt"

	"github.com/leadpilot/leadpilot/pkg/models"
)

func (s *Store) AppendRunLog(ctx context.Context, l *models.RunLog) (int64, error) {
	if l == nil {
		return 0, fmt.Errorf("run log is nil")
	}

	res, err := s.conn.Exec(ctx,
		`INSERT INTO automation_run_logs (run_id, rule_key, status, matched, sent, skipped, failed, message, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.RunID, l.RuleKey, l.Status, l.Matched, l.Sent, l.Skipped, l.Failed, l.Message, now(),
	)
	if err != nil {
		return 0, fmt.Errorf("append run log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	l.ID = id
	return id, nil
}

func (s *Store) ListRunLogs(ctx context.Context, limit int) ([]models.RunLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.GetConn().QueryContext(ctx,
		`SELECT id, run_id, rule_key, status, matched, sent, skipped, failed, message, created
		 FROM automation_run_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	defer rows.Close()

	var out []models.RunLog
	for rows.Next() {
		var l models.RunLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.RuleKey, &l.Status, &l.Matched, &l.Sent,
			&l.Skipped, &l.Failed, &l.Message, &l.Created); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
