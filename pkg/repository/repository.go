package repository

import (
	"context"
	"errors"
	"time"

	"github.com/leadpilot/leadpilot/pkg/models"
)

// Repository interfaces for domain entities. These are the public contracts
// consumers should depend on; concrete implementations live under internal/.

// ErrStaleVersion is returned by compare-and-swap conversation updates when
// the caller's state version no longer matches the stored row. It is an
// expected outcome for the loser of a write race, not a failure: re-read and
// retry, or drop the write.
var ErrStaleVersion = errors.New("conversation state version is stale")

// ErrStageRegression is returned when a write would move a conversation to an
// earlier lifecycle stage. Going backwards requires ReopenConversation.
var ErrStageRegression = errors.New("conversation stage cannot move backwards")

type ConversationRepo interface {
	CreateConversation(ctx context.Context, c *models.Conversation) (int64, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	GetConversationByLead(ctx context.Context, leadID int64, channel string) (*models.Conversation, error)
	// UpdateConversationCAS commits c only if the stored state_version still
	// equals expectedVersion; on success the version is incremented. Returns
	// ErrStaleVersion when another writer got there first, and
	// ErrStageRegression when c.Stage is earlier than the stored stage.
	UpdateConversationCAS(ctx context.Context, c *models.Conversation, expectedVersion int64) error
	// ReopenConversation is the sanctioned backwards transition: it moves the
	// conversation to the given stage, clears the archive flag and bumps the
	// state version.
	ReopenConversation(ctx context.Context, id int64, stage models.Stage) error
	// TouchLastAutoSend records an automated send. It bumps the state version
	// in the same statement, so concurrent qualification writers observe it.
	TouchLastAutoSend(ctx context.Context, id int64, at time.Time) error
	ArchiveConversation(ctx context.Context, id int64) error
}

type LeadRepo interface {
	CreateLead(ctx context.Context, l *models.Lead) (int64, error)
	GetLead(ctx context.Context, id int64) (*models.Lead, error)
	GetLeadByPhone(ctx context.Context, phone string) (*models.Lead, error)
	ListActiveLeads(ctx context.Context, limit int) ([]models.Lead, error)
	SetLeadPriority(ctx context.Context, id int64, priority string) error
	SetNextFollowup(ctx context.Context, id int64, at time.Time) error
	TouchLastContact(ctx context.Context, id int64, at time.Time) error
}

type RuleRepo interface {
	// SaveRule inserts or updates by the unique rule_key (idempotent seeding
	// and admin edits share this path).
	SaveRule(ctx context.Context, r *models.AutomationRule) (int64, error)
	GetRuleByKey(ctx context.Context, key string) (*models.AutomationRule, error)
	// ListRules returns rules ordered by rule_key. scheduleTag filters when
	// non-empty; enabledOnly drops disabled rules (they are retained for
	// audit, never deleted).
	ListRules(ctx context.Context, scheduleTag string, enabledOnly bool) ([]models.AutomationRule, error)
	SetRuleEnabled(ctx context.Context, key string, enabled bool) error
}

type OutboundJobRepo interface {
	// EnqueueJob inserts j; when a row with the same dedupe key already
	// exists the insert is a no-op and the existing job's id is returned
	// with created=false.
	EnqueueJob(ctx context.Context, j *models.OutboundJob) (id int64, created bool, err error)
	GetJob(ctx context.Context, id int64) (*models.OutboundJob, error)
	GetJobByDedupeKey(ctx context.Context, key string) (*models.OutboundJob, error)
	// ListDueQueuedIDs returns ids of queued jobs whose retry hold-off has
	// elapsed, oldest first.
	ListDueQueuedIDs(ctx context.Context, limit int, now time.Time) ([]int64, error)
	// ClaimJob transitions id queued→processing with a conditional update and
	// returns the claimed row. A nil job means another runner won the race;
	// skip silently.
	ClaimJob(ctx context.Context, id int64) (*models.OutboundJob, error)
	MarkJobSent(ctx context.Context, id int64, providerMessageID string) error
	// RequeueJob puts a processing job back in the queue after a transient
	// failure, recording the attempt and the earliest next try.
	RequeueJob(ctx context.Context, id int64, attempts int, lastError string, nextTry time.Time) error
	MarkJobFailed(ctx context.Context, id int64, attempts int, lastError string) error
	JobStats(ctx context.Context) (map[string]int, error)
}

type RunLogRepo interface {
	AppendRunLog(ctx context.Context, l *models.RunLog) (int64, error)
	ListRunLogs(ctx context.Context, limit int) ([]models.RunLog, error)
}

type ReminderRepo interface {
	// LastReminder returns the most recent reminder for (lead, rule,
	// checkpoint), or nil when none was recorded.
	LastReminder(ctx context.Context, leadID int64, ruleKey, checkpoint string) (*models.ReminderEntry, error)
	RecordReminder(ctx context.Context, e *models.ReminderEntry) (int64, error)
}

type TaskRepo interface {
	CreateTask(ctx context.Context, t *models.Task) (int64, error)
	ListTasksByLead(ctx context.Context, leadID int64) ([]models.Task, error)
}

type AgentRepo interface {
	CreateAgent(ctx context.Context, a *models.Agent) (int64, error)
	GetAgentByEmail(ctx context.Context, email string) (*models.Agent, error)
}

// Repository aggregates the per-entity contracts for callers that need
// several of them (the rule engine, the reply orchestrator).
type Repository struct {
	Conversations ConversationRepo
	Leads         LeadRepo
	Rules         RuleRepo
	Jobs          OutboundJobRepo
	RunLogs       RunLogRepo
	Reminders     ReminderRepo
	Tasks         TaskRepo
	Agents        AgentRepo
}
