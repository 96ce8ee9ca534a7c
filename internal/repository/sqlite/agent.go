package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/leadpilot/leadpilot/pkg/models"
)

func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) (int64, error) {
	if a == nil {
		return 0, fmt.Errorf("agent is nil")
	}
	if a.Email == "" {
		return 0, fmt.Errorf("agent email is required")
	}

	res, err := s.conn.Exec(ctx,
		`INSERT INTO agents (name, email, password_hash, updated) VALUES (?, ?, ?, ?)`,
		a.Name, a.Email, a.PasswordHash, now(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert agent: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

func (s *Store) GetAgentByEmail(ctx context.Context, email string) (*models.Agent, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT id, name, email, password_hash, updated FROM agents WHERE email = ?`, email)

	var a models.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Email, &a.PasswordHash, &a.Updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return &a, nil
}
