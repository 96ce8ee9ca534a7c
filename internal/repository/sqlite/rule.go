package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/leadpilot/leadpilot/pkg/models"
)

const ruleColumns = `id, rule_key, name, trigger_type, condition_json, actions_json, schedule_tag, cron_expr, enabled, created, updated`

// SaveRule upserts by rule_key so seeding and admin edits share one path.
func (s *Store) SaveRule(ctx context.Context, r *models.AutomationRule) (int64, error) {
	if r == nil {
		return 0, fmt.Errorf("rule is nil")
	}
	if r.RuleKey == "" {
		return 0, fmt.Errorf("rule key is required")
	}

	ts := now()
	_, err := s.conn.Exec(ctx,
		`INSERT INTO automation_rules (rule_key, name, trigger_type, condition_json, actions_json, schedule_tag, cron_expr, enabled, created, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(rule_key) DO UPDATE SET
		   name = excluded.name,
		   trigger_type = excluded.trigger_type,
		   condition_json = excluded.condition_json,
		   actions_json = excluded.actions_json,
		   schedule_tag = excluded.schedule_tag,
		   cron_expr = excluded.cron_expr,
		   enabled = excluded.enabled,
		   updated = excluded.updated`,
		r.RuleKey, r.Name, string(r.TriggerType), string(r.ConditionJSON), string(r.ActionsJSON),
		r.ScheduleTag, r.CronExpr, boolInt(r.Enabled), ts, ts,
	)
	if err != nil {
		return 0, fmt.Errorf("save rule %q: %w", r.RuleKey, err)
	}

	var id int64
	row := s.conn.QueryRow(ctx, `SELECT id FROM automation_rules WHERE rule_key = ?`, r.RuleKey)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("read back rule %q: %w", r.RuleKey, err)
	}
	r.ID = id
	return id, nil
}

func (s *Store) GetRuleByKey(ctx context.Context, key string) (*models.AutomationRule, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE rule_key = ?`, key)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *Store) ListRules(ctx context.Context, scheduleTag string, enabledOnly bool) ([]models.AutomationRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE 1=1`
	var args []any
	if scheduleTag != "" {
		q += ` AND schedule_tag = ?`
		args = append(args, scheduleTag)
	}
	if enabledOnly {
		q += ` AND enabled = 1`
	}
	q += ` ORDER BY rule_key ASC`

	rows, err := s.conn.GetConn().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []models.AutomationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) SetRuleEnabled(ctx context.Context, key string, enabled bool) error {
	res, err := s.conn.Exec(ctx, `UPDATE automation_rules SET enabled = ?, updated = ? WHERE rule_key = ?`, boolInt(enabled), now(), key)
	if err != nil {
		return fmt.Errorf("set rule enabled %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("rule %q not found", key)
	}
	return nil
}

func scanRule(sc rowScanner) (*models.AutomationRule, error) {
	var (
		r          models.AutomationRule
		trigger    string
		condition  string
		actions    string
		enabledInt int
	)
	err := sc.Scan(&r.ID, &r.RuleKey, &r.Name, &trigger, &condition, &actions,
		&r.ScheduleTag, &r.CronExpr, &enabledInt, &r.Created, &r.Updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	r.TriggerType = models.TriggerType(trigger)
	r.ConditionJSON = json.RawMessage(condition)
	r.ActionsJSON = json.RawMessage(actions)
	r.Enabled = enabledInt != 0
	return &r, nil
}
