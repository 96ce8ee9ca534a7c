// Package sqlite implements the pkg/repository contracts on the internal DB
// wrapper. One Store serves every entity; timestamps are unix seconds.
package sqlite

import (
	"log/slog"
	"time"

	"github.com/leadpilot/leadpilot/internal/db"
	"github.com/leadpilot/leadpilot/pkg/repository"
)

// Store implements the repository interfaces over sqlite.
type Store struct {
	conn   *db.DB
	logger *slog.Logger
}

var _ repository.ConversationRepo = (*Store)(nil)
var _ repository.LeadRepo = (*Store)(nil)
var _ repository.RuleRepo = (*Store)(nil)
var _ repository.OutboundJobRepo = (*Store)(nil)
var _ repository.RunLogRepo = (*Store)(nil)
var _ repository.ReminderRepo = (*Store)(nil)
var _ repository.TaskRepo = (*Store)(nil)
var _ repository.AgentRepo = (*Store)(nil)

// New wires a Store. logger may be nil.
func New(conn *db.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{conn: conn, logger: logger}
}

// Repository bundles the store into the aggregate contract.
func (s *Store) Repository() *repository.Repository {
	return &repository.Repository{
		Conversations: s,
		Leads:         s,
		Rules:         s,
		Jobs:          s,
		RunLogs:       s,
		Reminders:     s,
		Tasks:         s,
		Agents:        s,
	}
}

func now() int64 {
	return time.Now().UTC().Unix()
}

// nullableUnix maps an optional time to its unix-seconds column value.
func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

// unixPtr maps a nullable unix-seconds column back to a time pointer.
func unixPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}
