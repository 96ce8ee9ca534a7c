package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/leadpilot/leadpilot/pkg/models"
)

const jobColumns = `id, dedupe_key, conversation_id, channel, body, template_key, status, attempts, max_attempts, next_try_at, last_error, provider_message_id, created, updated`

// EnqueueJob inserts the job; the unique dedupe_key collapses duplicates.
// INSERT OR IGNORE plus a read-back keeps the whole operation race-safe
// without a transaction: whichever insert wins, both callers read one row.
func (s *Store) EnqueueJob(ctx context.Context, j *models.OutboundJob) (int64, bool, error) {
	if j == nil {
		return 0, false, fmt.Errorf("job is nil")
	}
	if j.DedupeKey == "" {
		return 0, false, fmt.Errorf("job dedupe key is required")
	}
	if j.Status == "" {
		j.Status = models.JobQueued
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 3
	}

	ts := now()
	res, err := s.conn.Exec(ctx,
		`INSERT OR IGNORE INTO outbound_jobs (dedupe_key, conversation_id, channel, body, template_key, status, attempts, max_attempts, next_try_at, last_error, provider_message_id, created, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`,
		j.DedupeKey, j.ConversationID, j.Channel, j.Body, j.TemplateKey,
		string(j.Status), j.Attempts, j.MaxAttempts, nullableUnix(j.NextTryAt), ts, ts,
	)
	if err != nil {
		return 0, false, fmt.Errorf("enqueue job: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}

	var id int64
	row := s.conn.QueryRow(ctx, `SELECT id FROM outbound_jobs WHERE dedupe_key = ?`, j.DedupeKey)
	if err := row.Scan(&id); err != nil {
		return 0, false, fmt.Errorf("read back job by dedupe key: %w", err)
	}
	j.ID = id
	return id, inserted > 0, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (*models.OutboundJob, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+jobColumns+` FROM outbound_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (s *Store) GetJobByDedupeKey(ctx context.Context, key string) (*models.OutboundJob, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+jobColumns+` FROM outbound_jobs WHERE dedupe_key = ?`, key)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (s *Store) ListDueQueuedIDs(ctx context.Context, limit int, at time.Time) ([]int64, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.conn.GetConn().QueryContext(ctx,
		`SELECT id FROM outbound_jobs
		 WHERE status = 'queued' AND (next_try_at IS NULL OR next_try_at <= ?)
		 ORDER BY created ASC, id ASC LIMIT ?`,
		at.UTC().Unix(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimJob is the at-most-once gate: the conditional update flips exactly one
// queued row to processing, so of N concurrent claimers exactly one wins.
func (s *Store) ClaimJob(ctx context.Context, id int64) (*models.OutboundJob, error) {
	res, err := s.conn.Exec(ctx,
		`UPDATE outbound_jobs SET status = 'processing', updated = ? WHERE id = ? AND status = 'queued'`,
		now(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("claim job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetJob(ctx, id)
}

func (s *Store) MarkJobSent(ctx context.Context, id int64, providerMessageID string) error {
	_, err := s.conn.Exec(ctx,
		`UPDATE outbound_jobs SET status = 'sent', attempts = attempts + 1, provider_message_id = ?, last_error = '', updated = ? WHERE id = ?`,
		providerMessageID, now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark job %d sent: %w", id, err)
	}
	return nil
}

func (s *Store) RequeueJob(ctx context.Context, id int64, attempts int, lastError string, nextTry time.Time) error {
	_, err := s.conn.Exec(ctx,
		`UPDATE outbound_jobs SET status = 'queued', attempts = ?, last_error = ?, next_try_at = ?, updated = ? WHERE id = ?`,
		attempts, lastError, nextTry.UTC().Unix(), now(), id,
	)
	if err != nil {
		return fmt.Errorf("requeue job %d: %w", id, err)
	}
	return nil
}

func (s *Store) MarkJobFailed(ctx context.Context, id int64, attempts int, lastError string) error {
	_, err := s.conn.Exec(ctx,
		`UPDATE outbound_jobs SET status = 'failed', attempts = ?, last_error = ?, updated = ? WHERE id = ?`,
		attempts, lastError, now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark job %d failed: %w", id, err)
	}
	return nil
}

func (s *Store) JobStats(ctx context.Context) (map[string]int, error) {
	rows, err := s.conn.GetConn().QueryContext(ctx, `SELECT status, COUNT(1) FROM outbound_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func scanJob(sc rowScanner) (*models.OutboundJob, error) {
	var (
		j       models.OutboundJob
		status  string
		nextTry sql.NullInt64
	)
	err := sc.Scan(&j.ID, &j.DedupeKey, &j.ConversationID, &j.Channel, &j.Body, &j.TemplateKey,
		&status, &j.Attempts, &j.MaxAttempts, &nextTry, &j.LastError, &j.ProviderMessageID,
		&j.Created, &j.Updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Status = models.JobStatus(status)
	if nextTry.Valid {
		j.NextTryAt = unixPtr(&nextTry.Int64)
	}
	return &j, nil
}
