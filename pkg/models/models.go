package models

import (
	"encoding/json"
	"time"
)

// Stage is a conversation's position in the qualification lifecycle.
type Stage string

const (
	StageIntake     Stage = "INTAKE"
	StageQualifying Stage = "QUALIFYING"
	StageInfoShared Stage = "INFO_SHARED"
	StageQuoted     Stage = "QUOTED"
	StageFollowUp   Stage = "FOLLOW_UP"
	StageHandedOff  Stage = "HANDED_OFF"
	StageClosed     Stage = "CLOSED"
)

var stageOrder = map[Stage]int{
	StageIntake:     0,
	StageQualifying: 1,
	StageInfoShared: 2,
	StageQuoted:     3,
	StageFollowUp:   4,
	StageHandedOff:  5,
	StageClosed:     6,
}

// Rank returns the stage's position in the lifecycle, or -1 for unknown stages.
func (s Stage) Rank() int {
	if r, ok := stageOrder[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a known lifecycle stage.
func (s Stage) Valid() bool { return s.Rank() >= 0 }

// Next returns the stage immediately after s. Terminal stages return themselves.
func (s Stage) Next() Stage {
	switch s {
	case StageIntake:
		return StageQualifying
	case StageQualifying:
		return StageInfoShared
	case StageInfoShared:
		return StageQuoted
	case StageQuoted:
		return StageFollowUp
	case StageFollowUp:
		return StageHandedOff
	default:
		return s
	}
}

// Conversation is one thread per (lead, channel). KnownFields holds the
// qualification attributes extracted so far. StateVersion increments on every
// mutation; writers must present the version they read or the write fails.
type Conversation struct {
	ID              int64             `json:"id" db:"id"`
	LeadID          int64             `json:"lead_id" db:"lead_id"`
	Channel         string            `json:"channel" db:"channel"`
	Stage           Stage             `json:"stage" db:"stage"`
	KnownFields     map[string]string `json:"known_fields" db:"known_fields"`
	LastQuestionKey string            `json:"last_question_key,omitempty" db:"last_question_key"`
	StateVersion    int64             `json:"state_version" db:"state_version"`
	LastInboundAt   *time.Time        `json:"last_inbound_at,omitempty" db:"last_inbound_at"`
	LastOutboundAt  *time.Time        `json:"last_outbound_at,omitempty" db:"last_outbound_at"`
	LastAutoSendAt  *time.Time        `json:"last_auto_send_at,omitempty" db:"last_auto_send_at"`
	Archived        bool              `json:"archived" db:"archived"`
	Created         int64             `json:"created" db:"created"`
	Updated         int64             `json:"updated" db:"updated"`
}

// Lead is the contact aggregate owning a conversation.
type Lead struct {
	ID             int64      `json:"id" db:"id"`
	Name           string     `json:"name" db:"name"`
	Phone          string     `json:"phone" db:"phone"`
	Service        string     `json:"service,omitempty" db:"service"`
	Nationality    string     `json:"nationality,omitempty" db:"nationality"`
	Priority       string     `json:"priority,omitempty" db:"priority"`
	ExpiryDate     *time.Time `json:"expiry_date,omitempty" db:"expiry_date"`
	InfoSharedAt   *time.Time `json:"info_shared_at,omitempty" db:"info_shared_at"`
	InfoType       string     `json:"info_type,omitempty" db:"info_type"`
	NextFollowupAt *time.Time `json:"next_followup_at,omitempty" db:"next_followup_at"`
	LastContactAt  *time.Time `json:"last_contact_at,omitempty" db:"last_contact_at"`
	Created        int64      `json:"created" db:"created"`
	Updated        int64      `json:"updated" db:"updated"`
}

// TriggerType is the condition class making a rule eligible for evaluation.
type TriggerType string

const (
	TriggerExpiryWindow    TriggerType = "EXPIRY_WINDOW"
	TriggerInfoShared      TriggerType = "INFO_SHARED"
	TriggerNoReplySLA      TriggerType = "NO_REPLY_SLA"
	TriggerFollowupOverdue TriggerType = "FOLLOWUP_OVERDUE"
	TriggerNoActivity      TriggerType = "NO_ACTIVITY"
)

// KnownTriggerTypes lists every trigger type the engine evaluates.
var KnownTriggerTypes = []TriggerType{
	TriggerExpiryWindow,
	TriggerInfoShared,
	TriggerNoReplySLA,
	TriggerFollowupOverdue,
	TriggerNoActivity,
}

// AutomationRule is a trigger + condition + ordered action list. RuleKey is
// the unique business key used for idempotent seeding.
type AutomationRule struct {
	ID            int64           `json:"id" db:"id"`
	RuleKey       string          `json:"rule_key" db:"rule_key"`
	Name          string          `json:"name" db:"name"`
	TriggerType   TriggerType     `json:"trigger_type" db:"trigger_type"`
	ConditionJSON json.RawMessage `json:"condition" db:"condition_json"`
	ActionsJSON   json.RawMessage `json:"actions" db:"actions_json"`
	ScheduleTag   string          `json:"schedule_tag" db:"schedule_tag"`
	CronExpr      string          `json:"cron_expr,omitempty" db:"cron_expr"`
	Enabled       bool            `json:"enabled" db:"enabled"`
	Created       int64           `json:"created" db:"created"`
	Updated       int64           `json:"updated" db:"updated"`
}

// JobStatus is the outbound job lifecycle state.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobSent       JobStatus = "sent"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool { return s == JobSent || s == JobFailed }

// OutboundJob is one attempt to deliver one logical message. DedupeKey is
// unique: repeated enqueues for the same logical message collapse into one row.
type OutboundJob struct {
	ID                int64      `json:"id" db:"id"`
	DedupeKey         string     `json:"dedupe_key" db:"dedupe_key"`
	ConversationID    int64      `json:"conversation_id" db:"conversation_id"`
	Channel           string     `json:"channel" db:"channel"`
	Body              string     `json:"body" db:"body"`
	TemplateKey       string     `json:"template_key,omitempty" db:"template_key"`
	Status            JobStatus  `json:"status" db:"status"`
	Attempts          int        `json:"attempts" db:"attempts"`
	MaxAttempts       int        `json:"max_attempts" db:"max_attempts"`
	NextTryAt         *time.Time `json:"next_try_at,omitempty" db:"next_try_at"`
	LastError         string     `json:"last_error,omitempty" db:"last_error"`
	ProviderMessageID string     `json:"provider_message_id,omitempty" db:"provider_message_id"`
	Created           int64      `json:"created" db:"created"`
	Updated           int64      `json:"updated" db:"updated"`
}

// DedupePrefix returns a short prefix of the dedupe key for run logs and job
// listings, enough to correlate without dumping the whole key.
func (j *OutboundJob) DedupePrefix() string {
	const n = 16
	if len(j.DedupeKey) <= n {
		return j.DedupeKey
	}
	return j.DedupeKey[:n]
}

// RunLog is the append-only ledger of one rule evaluation or manual trigger.
type RunLog struct {
	ID      int64  `json:"id" db:"id"`
	RunID   string `json:"run_id" db:"run_id"`
	RuleKey string `json:"rule_key" db:"rule_key"`
	Status  string `json:"status" db:"status"`
	Matched int    `json:"matched" db:"matched"`
	Sent    int    `json:"sent" db:"sent"`
	Skipped int    `json:"skipped" db:"skipped"`
	Failed  int    `json:"failed" db:"failed"`
	Message string `json:"message,omitempty" db:"message"`
	Created int64  `json:"created" db:"created"`
}

// Task is created by rule actions for human follow-up.
type Task struct {
	ID       int64      `json:"id" db:"id"`
	LeadID   int64      `json:"lead_id" db:"lead_id"`
	Kind     string     `json:"kind" db:"kind"`
	Title    string     `json:"title" db:"title"`
	DueAt    *time.Time `json:"due_at,omitempty" db:"due_at"`
	Assignee string     `json:"assignee,omitempty" db:"assignee"`
	Created  int64      `json:"created" db:"created"`
}

// ReminderEntry records that a reminder fired for a lead at a checkpoint, so
// the same checkpoint is not reminded twice inside the configured window.
type ReminderEntry struct {
	ID         int64  `json:"id" db:"id"`
	LeadID     int64  `json:"lead_id" db:"lead_id"`
	RuleKey    string `json:"rule_key" db:"rule_key"`
	Checkpoint string `json:"checkpoint" db:"checkpoint"`
	SentAt     int64  `json:"sent_at" db:"sent_at"`
}

// Agent is an operator account for the admin API.
type Agent struct {
	ID           int64  `json:"id" db:"id"`
	Name         string `json:"name" db:"name"`
	Email        string `json:"email" db:"email"`
	PasswordHash string `json:"-" db:"password_hash"`
	Updated      int64  `json:"updated" db:"updated"`
}
