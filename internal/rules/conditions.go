// Package rules evaluates automation rules: trigger-typed conditions over
// leads and conversations, ordered action execution, reminder dedupe and an
// append-only run ledger.
package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/leadpilot/leadpilot/pkg/models"
)

// Condition decides whether a rule applies to one lead at one instant.
// Checkpoint identifies the business moment being acted on; the reminder log
// keys on it so the same moment is not reminded twice inside the window.
type Condition interface {
	Match(l *models.Lead, c *models.Conversation, now time.Time) bool
	Checkpoint(l *models.Lead) string
}

// ExpiryWindowCond matches leads whose policy expiry falls within daysBefore
// days from now.
type ExpiryWindowCond struct {
	DaysBefore int `json:"daysBefore"`
}

func (e *ExpiryWindowCond) Match(l *models.Lead, _ *models.Conversation, now time.Time) bool {
	if l.ExpiryDate == nil {
		return false
	}
	until := l.ExpiryDate.Sub(now)
	return until > 0 && until <= time.Duration(e.DaysBefore)*24*time.Hour
}

func (e *ExpiryWindowCond) Checkpoint(l *models.Lead) string {
	if l.ExpiryDate == nil {
		return fmt.Sprintf("expiry:none:%d", e.DaysBefore)
	}
	return fmt.Sprintf("expiry:%s:%d", l.ExpiryDate.UTC().Format("2006-01-02"), e.DaysBefore)
}

// InfoSharedCond matches leads who received information at least daysSince
// days ago and have not moved on. InfoType narrows the match when non-empty.
type InfoSharedCond struct {
	DaysSince int    `json:"daysSince"`
	InfoType  string `json:"infoType,omitempty"`
}

func (c *InfoSharedCond) Match(l *models.Lead, _ *models.Conversation, now time.Time) bool {
	if l.InfoSharedAt == nil {
		return false
	}
	if c.InfoType != "" && l.InfoType != c.InfoType {
		return false
	}
	return now.Sub(*l.InfoSharedAt) >= time.Duration(c.DaysSince)*24*time.Hour
}

func (c *InfoSharedCond) Checkpoint(l *models.Lead) string {
	if l.InfoSharedAt == nil {
		return "info:none"
	}
	return fmt.Sprintf("info:%s:%d", l.InfoSharedAt.UTC().Format("2006-01-02"), c.DaysSince)
}

// NoReplySLACond matches conversations where we asked something and the lead
// has been silent for at least Hours.
type NoReplySLACond struct {
	Hours int `json:"hours"`
}

func (c *NoReplySLACond) Match(_ *models.Lead, conv *models.Conversation, now time.Time) bool {
	if conv == nil || conv.LastOutboundAt == nil {
		return false
	}
	if conv.LastInboundAt != nil && conv.LastInboundAt.After(*conv.LastOutboundAt) {
		return false
	}
	return now.Sub(*conv.LastOutboundAt) >= time.Duration(c.Hours)*time.Hour
}

func (c *NoReplySLACond) Checkpoint(l *models.Lead) string {
	return fmt.Sprintf("noreply:%d:%d", l.ID, c.Hours)
}

// FollowupOverdueCond matches leads whose scheduled follow-up is past due by
// more than the grace period.
type FollowupOverdueCond struct {
	GraceHours int `json:"graceHours"`
}

func (c *FollowupOverdueCond) Match(l *models.Lead, _ *models.Conversation, now time.Time) bool {
	if l.NextFollowupAt == nil {
		return false
	}
	return now.Sub(*l.NextFollowupAt) >= time.Duration(c.GraceHours)*time.Hour
}

func (c *FollowupOverdueCond) Checkpoint(l *models.Lead) string {
	if l.NextFollowupAt == nil {
		return "followup:none"
	}
	return fmt.Sprintf("followup:%s", l.NextFollowupAt.UTC().Format("2006-01-02T15:04"))
}

// NoActivityCond matches leads with no contact in either direction for at
// least Days days.
type NoActivityCond struct {
	Days int `json:"days"`
}

func (c *NoActivityCond) Match(l *models.Lead, _ *models.Conversation, now time.Time) bool {
	if l.LastContactAt == nil {
		return false
	}
	return now.Sub(*l.LastContactAt) >= time.Duration(c.Days)*24*time.Hour
}

func (c *NoActivityCond) Checkpoint(l *models.Lead) string {
	if l.LastContactAt == nil {
		return "activity:none"
	}
	return fmt.Sprintf("activity:%s:%d", l.LastContactAt.UTC().Format("2006-01-02"), c.Days)
}

// ParseCondition decodes the condition payload for the given trigger type.
func ParseCondition(trigger models.TriggerType, raw json.RawMessage) (Condition, error) {
	var cond Condition
	switch trigger {
	case models.TriggerExpiryWindow:
		cond = &ExpiryWindowCond{}
	case models.TriggerInfoShared:
		cond = &InfoSharedCond{}
	case models.TriggerNoReplySLA:
		cond = &NoReplySLACond{}
	case models.TriggerFollowupOverdue:
		cond = &FollowupOverdueCond{}
	case models.TriggerNoActivity:
		cond = &NoActivityCond{}
	default:
		return nil, fmt.Errorf("unknown trigger type %q", trigger)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("trigger %s requires a condition", trigger)
	}
	if err := json.Unmarshal(raw, cond); err != nil {
		return nil, fmt.Errorf("decode %s condition: %w", trigger, err)
	}
	return cond, nil
}
