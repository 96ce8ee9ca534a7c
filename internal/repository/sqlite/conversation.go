package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leadpilot/leadpilot/pkg/models"
	"github.com/leadpilot/leadpilot/pkg/repository"
)

const conversationColumns = `id, lead_id, channel, stage, known_fields, last_question_key, state_version, last_inbound_at, last_outbound_at, last_auto_send_at, archived, created, updated`

func (s *Store) CreateConversation(ctx context.Context, c *models.Conversation) (int64, error) {
	if c == nil {
		return 0, fmt.Errorf("conversation is nil")
	}
	if c.Channel == "" {
		c.Channel = "whatsapp"
	}
	if c.Stage == "" {
		c.Stage = models.StageIntake
	}
	if c.StateVersion == 0 {
		c.StateVersion = 1
	}
	fields, err := marshalFields(c.KnownFields)
	if err != nil {
		return 0, err
	}

	ts := now()
	res, err := s.conn.Exec(ctx,
		`INSERT INTO conversations (lead_id, channel, stage, known_fields, last_question_key, state_version, last_inbound_at, last_outbound_at, last_auto_send_at, archived, created, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.LeadID, c.Channel, string(c.Stage), fields, c.LastQuestionKey, c.StateVersion,
		nullableUnix(c.LastInboundAt), nullableUnix(c.LastOutboundAt), nullableUnix(c.LastAutoSendAt),
		boolInt(c.Archived), ts, ts,
	)
	if err != nil {
		return 0, fmt.Errorf("insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	c.ID = id
	c.Created, c.Updated = ts, ts
	return id, nil
}

func (s *Store) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *Store) GetConversationByLead(ctx context.Context, leadID int64, channel string) (*models.Conversation, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE lead_id = ? AND channel = ? AND archived = 0 ORDER BY id DESC LIMIT 1`,
		leadID, channel,
	)
	return scanConversation(row)
}

// UpdateConversationCAS commits the row only when state_version still matches
// expectedVersion, bumping the version in the same statement. A zero-row
// update means a concurrent writer won. Moving the stage backwards is
// rejected; ReopenConversation is the only sanctioned regression.
func (s *Store) UpdateConversationCAS(ctx context.Context, c *models.Conversation, expectedVersion int64) error {
	if c == nil {
		return fmt.Errorf("conversation is nil")
	}
	fields, err := marshalFields(c.KnownFields)
	if err != nil {
		return err
	}

	var storedStage string
	err = s.conn.QueryRow(ctx,
		`SELECT stage FROM conversations WHERE id = ? AND state_version = ?`,
		c.ID, expectedVersion,
	).Scan(&storedStage)
	if err == sql.ErrNoRows {
		return repository.ErrStaleVersion
	}
	if err != nil {
		return fmt.Errorf("read conversation %d stage: %w", c.ID, err)
	}
	if c.Stage.Rank() < models.Stage(storedStage).Rank() {
		return repository.ErrStageRegression
	}

	res, err := s.conn.Exec(ctx,
		`UPDATE conversations
		 SET stage = ?, known_fields = ?, last_question_key = ?, last_inbound_at = ?, last_outbound_at = ?,
		     archived = ?, state_version = state_version + 1, updated = ?
		 WHERE id = ? AND state_version = ?`,
		string(c.Stage), fields, c.LastQuestionKey,
		nullableUnix(c.LastInboundAt), nullableUnix(c.LastOutboundAt),
		boolInt(c.Archived), now(),
		c.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update conversation %d: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrStaleVersion
	}
	c.StateVersion = expectedVersion + 1
	return nil
}

func (s *Store) TouchLastAutoSend(ctx context.Context, id int64, at time.Time) error {
	_, err := s.conn.Exec(ctx,
		`UPDATE conversations SET last_auto_send_at = ?, state_version = state_version + 1, updated = ? WHERE id = ?`,
		at.UTC().Unix(), now(), id,
	)
	if err != nil {
		return fmt.Errorf("touch last auto-send %d: %w", id, err)
	}
	return nil
}

func (s *Store) ReopenConversation(ctx context.Context, id int64, stage models.Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("invalid stage %q", stage)
	}
	res, err := s.conn.Exec(ctx,
		`UPDATE conversations SET stage = ?, archived = 0, last_question_key = '', state_version = state_version + 1, updated = ? WHERE id = ?`,
		string(stage), now(), id,
	)
	if err != nil {
		return fmt.Errorf("reopen conversation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conversation %d not found", id)
	}
	return nil
}

func (s *Store) ArchiveConversation(ctx context.Context, id int64) error {
	_, err := s.conn.Exec(ctx,
		`UPDATE conversations SET archived = 1, state_version = state_version + 1, updated = ? WHERE id = ?`,
		now(), id,
	)
	if err != nil {
		return fmt.Errorf("archive conversation %d: %w", id, err)
	}
	return nil
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	var (
		c           models.Conversation
		stage       string
		fields      string
		inbound     sql.NullInt64
		outbound    sql.NullInt64
		autoSend    sql.NullInt64
		archivedInt int
	)
	err := row.Scan(&c.ID, &c.LeadID, &c.Channel, &stage, &fields, &c.LastQuestionKey,
		&c.StateVersion, &inbound, &outbound, &autoSend, &archivedInt, &c.Created, &c.Updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	c.Stage = models.Stage(stage)
	c.Archived = archivedInt != 0
	if err := json.Unmarshal([]byte(fields), &c.KnownFields); err != nil {
		return nil, fmt.Errorf("decode known fields: %w", err)
	}
	if inbound.Valid {
		c.LastInboundAt = unixPtr(&inbound.Int64)
	}
	if outbound.Valid {
		c.LastOutboundAt = unixPtr(&outbound.Int64)
	}
	if autoSend.Valid {
		c.LastAutoSendAt = unixPtr(&autoSend.Int64)
	}
	return &c, nil
}

func marshalFields(fields map[string]string) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode known fields: %w", err)
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
