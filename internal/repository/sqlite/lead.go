package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/leadpilot/leadpilot/pkg/models"
)

const leadColumns = `id, name, phone, service, nationality, priority, expiry_date, info_shared_at, info_type, next_followup_at, last_contact_at, created, updated`

func (s *Store) CreateLead(ctx context.Context, l *models.Lead) (int64, error) {
	if l == nil {
		return 0, fmt.Errorf("lead is nil")
	}
	if l.Phone == "" {
		return 0, fmt.Errorf("lead phone is required")
	}

	ts := now()
	res, err := s.conn.Exec(ctx,
		`INSERT INTO leads (name, phone, service, nationality, priority, expiry_date, info_shared_at, info_type, next_followup_at, last_contact_at, created, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Name, l.Phone, l.Service, l.Nationality, l.Priority,
		nullableUnix(l.ExpiryDate), nullableUnix(l.InfoSharedAt), l.InfoType,
		nullableUnix(l.NextFollowupAt), nullableUnix(l.LastContactAt), ts, ts,
	)
	if err != nil {
		return 0, fmt.Errorf("insert lead: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	l.ID = id
	l.Created, l.Updated = ts, ts
	return id, nil
}

func (s *Store) GetLead(ctx context.Context, id int64) (*models.Lead, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id)
	return scanLead(row)
}

func (s *Store) GetLeadByPhone(ctx context.Context, phone string) (*models.Lead, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE phone = ?`, phone)
	return scanLead(row)
}

// ListActiveLeads returns leads that still have a live conversation, oldest
// first. Leads whose every conversation is archived fall out of automation.
func (s *Store) ListActiveLeads(ctx context.Context, limit int) ([]models.Lead, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.conn.GetConn().QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads l
		 WHERE NOT EXISTS (SELECT 1 FROM conversations c WHERE c.lead_id = l.id)
		    OR EXISTS (SELECT 1 FROM conversations c WHERE c.lead_id = l.id AND c.archived = 0)
		 ORDER BY l.id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list active leads: %w", err)
	}
	defer rows.Close()

	var out []models.Lead
	for rows.Next() {
		l, err := scanLeadRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *Store) SetLeadPriority(ctx context.Context, id int64, priority string) error {
	_, err := s.conn.Exec(ctx, `UPDATE leads SET priority = ?, updated = ? WHERE id = ?`, priority, now(), id)
	if err != nil {
		return fmt.Errorf("set lead priority %d: %w", id, err)
	}
	return nil
}

func (s *Store) SetNextFollowup(ctx context.Context, id int64, at time.Time) error {
	_, err := s.conn.Exec(ctx, `UPDATE leads SET next_followup_at = ?, updated = ? WHERE id = ?`, at.UTC().Unix(), now(), id)
	if err != nil {
		return fmt.Errorf("set next followup %d: %w", id, err)
	}
	return nil
}

func (s *Store) TouchLastContact(ctx context.Context, id int64, at time.Time) error {
	_, err := s.conn.Exec(ctx, `UPDATE leads SET last_contact_at = ?, updated = ? WHERE id = ?`, at.UTC().Unix(), now(), id)
	if err != nil {
		return fmt.Errorf("touch last contact %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row *sql.Row) (*models.Lead, error) {
	l, err := scanLeadFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

func scanLeadRows(rows *sql.Rows) (*models.Lead, error) {
	return scanLeadFrom(rows)
}

func scanLeadFrom(sc rowScanner) (*models.Lead, error) {
	var (
		l        models.Lead
		expiry   sql.NullInt64
		info     sql.NullInt64
		followup sql.NullInt64
		contact  sql.NullInt64
	)
	err := sc.Scan(&l.ID, &l.Name, &l.Phone, &l.Service, &l.Nationality, &l.Priority,
		&expiry, &info, &l.InfoType, &followup, &contact, &l.Created, &l.Updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan lead: %w", err)
	}
	if expiry.Valid {
		l.ExpiryDate = unixPtr(&expiry.Int64)
	}
	if info.Valid {
		l.InfoSharedAt = unixPtr(&info.Int64)
	}
	if followup.Valid {
		l.NextFollowupAt = unixPtr(&followup.Int64)
	}
	if contact.Valid {
		l.LastContactAt = unixPtr(&contact.Int64)
	}
	return &l, nil
}
