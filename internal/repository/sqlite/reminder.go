package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/leadpilot/leadpilot/pkg/models"
)

func (s *Store) LastReminder(ctx context.Context, leadID int64, ruleKey, checkpoint string) (*models.ReminderEntry, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT id, lead_id, rule_key, checkpoint, sent_at FROM reminder_log
		 WHERE lead_id = ? AND rule_key = ? AND checkpoint = ?
		 ORDER BY sent_at DESC, id DESC LIMIT 1`,
		leadID, ruleKey, checkpoint,
	)

	var e models.ReminderEntry
	err := row.Scan(&e.ID, &e.LeadID, &e.RuleKey, &e.Checkpoint, &e.SentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan reminder: %w", err)
	}
	return &e, nil
}

func (s *Store) RecordReminder(ctx context.Context, e *models.ReminderEntry) (int64, error) {
	if e == nil {
		return 0, fmt.Errorf("reminder entry is nil")
	}
	if e.SentAt == 0 {
		e.SentAt = now()
	}

	res, err := s.conn.Exec(ctx,
		`INSERT INTO reminder_log (lead_id, rule_key, checkpoint, sent_at) VALUES (?, ?, ?, ?)`,
		e.LeadID, e.RuleKey, e.Checkpoint, e.SentAt,
	)
	if err != nil {
		return 0, fmt.Errorf("record reminder: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}
