package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/leadpilot/leadpilot/internal/dispatch"
	"github.com/leadpilot/leadpilot/internal/sanitize"
	"github.com/leadpilot/leadpilot/pkg/models"
	"github.com/leadpilot/leadpilot/pkg/repository"
	"github.com/leadpilot/leadpilot/pkg/textgen"
)

// RunSummary aggregates one engine sweep over a schedule tag.
type RunSummary struct {
	RunID       string          `json:"run_id"`
	ScheduleTag string          `json:"schedule_tag"`
	DryRun      bool            `json:"dry_run"`
	Rules       int             `json:"rules"`
	RulesHeld   int             `json:"rules_held"` // not due per cron, not evaluated
	Matched     int             `json:"matched"`
	Sent        int             `json:"sent"`
	Skipped     int             `json:"skipped"`
	Failed      int             `json:"failed"`
	Logs        []models.RunLog `json:"logs"`
}

// Config tunes the engine.
type Config struct {
	// ReminderWindowDays suppresses repeat reminders for the same checkpoint
	// inside this many days. Zero means the default of 1.
	ReminderWindowDays int
	// LeadBatchSize caps how many active leads one sweep evaluates.
	LeadBatchSize int
	// MaxJobAttempts is stamped on every queued job.
	MaxJobAttempts int
	// Channel selects which conversation channel rules evaluate against.
	// Empty means "whatsapp".
	Channel string
}

func (c *Config) withDefaults() Config {
	out := Config{ReminderWindowDays: 1, LeadBatchSize: 500, MaxJobAttempts: 3, Channel: "whatsapp"}
	if c == nil {
		return out
	}
	if c.ReminderWindowDays > 0 {
		out.ReminderWindowDays = c.ReminderWindowDays
	}
	if c.LeadBatchSize > 0 {
		out.LeadBatchSize = c.LeadBatchSize
	}
	if c.MaxJobAttempts > 0 {
		out.MaxJobAttempts = c.MaxJobAttempts
	}
	if c.Channel != "" {
		out.Channel = c.Channel
	}
	return out
}

// Engine runs enabled automation rules against the active lead book. Rules
// evaluate in rule_key order; one rule's failure never stops the sweep.
type Engine struct {
	repo       *repository.Repository
	dispatcher *dispatch.Dispatcher
	gen        textgen.Generator
	cron       *gronx.Gronx
	cfg        Config
	logger     *slog.Logger
	nowFn      func() time.Time
}

// NewEngine wires the engine. gen may be nil, in which case SEND_AI_REPLY
// bodies are the rendered template text without a generation pass; logger may
// be nil.
func NewEngine(repo *repository.Repository, d *dispatch.Dispatcher, gen textgen.Generator, cfg *Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:       repo,
		dispatcher: d,
		gen:        gen,
		cron:       gronx.New(),
		cfg:        cfg.withDefaults(),
		logger:     logger,
		nowFn:      time.Now,
	}
}

// SetNow overrides the clock; tests only.
func (e *Engine) SetNow(fn func() time.Time) {
	if fn != nil {
		e.nowFn = fn
	}
}

// RunScheduledRules evaluates every enabled rule under scheduleTag, ordered
// by rule_key. With dryRun set, every action still runs through rendering,
// generation and the cool-down gate, so the summary carries the exact counts a
// real sweep would produce, but nothing is queued or written: no job, no task,
// no reminder, no run log.
func (e *Engine) RunScheduledRules(ctx context.Context, scheduleTag string, dryRun bool) (*RunSummary, error) {
	now := e.nowFn()
	summary := &RunSummary{
		RunID:       uuid.NewString(),
		ScheduleTag: scheduleTag,
		DryRun:      dryRun,
	}

	ruleList, err := e.repo.Rules.ListRules(ctx, scheduleTag, true)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	leads, err := e.repo.Leads.ListActiveLeads(ctx, e.cfg.LeadBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list active leads: %w", err)
	}

	for _, rule := range ruleList {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if rule.CronExpr != "" {
			due, err := e.cron.IsDue(rule.CronExpr, now)
			if err != nil || !due {
				summary.RulesHeld++
				continue
			}
		}
		summary.Rules++
		e.runRule(ctx, &rule, leads, now, dryRun, summary)
	}
	return summary, nil
}

// RunRuleByKey evaluates a single rule regardless of its cron schedule; the
// manual-trigger path for the admin API.
func (e *Engine) RunRuleByKey(ctx context.Context, ruleKey string, dryRun bool) (*RunSummary, error) {
	rule, err := e.repo.Rules.GetRuleByKey(ctx, ruleKey)
	if err != nil {
		return nil, fmt.Errorf("load rule %q: %w", ruleKey, err)
	}
	if rule == nil {
		return nil, fmt.Errorf("rule %q not found", ruleKey)
	}

	leads, err := e.repo.Leads.ListActiveLeads(ctx, e.cfg.LeadBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list active leads: %w", err)
	}

	summary := &RunSummary{RunID: uuid.NewString(), DryRun: dryRun, Rules: 1}
	e.runRule(ctx, rule, leads, e.nowFn(), dryRun, summary)
	return summary, nil
}

func (e *Engine) runRule(ctx context.Context, rule *models.AutomationRule, leads []models.Lead, now time.Time, dryRun bool, summary *RunSummary) {
	log := models.RunLog{RunID: summary.RunID, RuleKey: rule.RuleKey}

	cond, err := ParseCondition(rule.TriggerType, rule.ConditionJSON)
	if err == nil {
		var actions []Action
		actions, err = ParseActions(rule.ActionsJSON)
		if err == nil {
			e.evaluate(ctx, rule, cond, actions, leads, now, dryRun, &log)
		}
	}
	if err != nil {
		log.Status = "error"
		log.Message = err.Error()
		e.logger.Error("rule unusable", slog.String("rule_key", rule.RuleKey), slog.String("error", err.Error()))
	}

	summary.Matched += log.Matched
	summary.Sent += log.Sent
	summary.Skipped += log.Skipped
	summary.Failed += log.Failed

	if !dryRun {
		if _, err := e.repo.RunLogs.AppendRunLog(ctx, &log); err != nil {
			e.logger.Error("append run log", slog.String("rule_key", rule.RuleKey), slog.String("error", err.Error()))
		}
	}
	summary.Logs = append(summary.Logs, log)
}

func (e *Engine) evaluate(ctx context.Context, rule *models.AutomationRule, cond Condition, actions []Action, leads []models.Lead, now time.Time, dryRun bool, log *models.RunLog) {
	window := time.Duration(e.cfg.ReminderWindowDays) * 24 * time.Hour

	for i := range leads {
		lead := &leads[i]
		conv, err := e.repo.Conversations.GetConversationByLead(ctx, lead.ID, e.cfg.Channel)
		if err != nil {
			log.Failed++
			continue
		}
		if !cond.Match(lead, conv, now) {
			continue
		}
		log.Matched++

		checkpoint := cond.Checkpoint(lead)
		last, err := e.repo.Reminders.LastReminder(ctx, lead.ID, rule.RuleKey, checkpoint)
		if err != nil {
			log.Failed++
			continue
		}
		if last != nil && now.Sub(time.Unix(last.SentAt, 0)) < window {
			log.Skipped++
			continue
		}

		if err := e.execute(ctx, rule, actions, lead, conv, now, dryRun); err != nil {
			if errors.Is(err, dispatch.ErrRateLimited) {
				log.Skipped++
				continue
			}
			log.Failed++
			e.logger.Error("rule actions failed",
				slog.String("rule_key", rule.RuleKey),
				slog.Int64("lead_id", lead.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if !dryRun {
			if _, err := e.repo.Reminders.RecordReminder(ctx, &models.ReminderEntry{
				LeadID:     lead.ID,
				RuleKey:    rule.RuleKey,
				Checkpoint: checkpoint,
				SentAt:     now.Unix(),
			}); err != nil {
				e.logger.Error("record reminder", slog.Int64("lead_id", lead.ID), slog.String("error", err.Error()))
			}
		}
		log.Sent++
	}

	switch {
	case log.Failed > 0 && log.Sent > 0:
		log.Status = "partial"
	case log.Failed > 0:
		log.Status = "failed"
	default:
		log.Status = "ok"
	}
}

// execute runs the rule's actions for one lead, in array order. The first
// failing action aborts the rest of the list for this lead. A dry run walks
// every action through rendering, generation and the cool-down gate,
// suppressing only the final insert or store write, so the summary reports
// exactly what a real run would do.
func (e *Engine) execute(ctx context.Context, rule *models.AutomationRule, actions []Action, lead *models.Lead, conv *models.Conversation, now time.Time, dryRun bool) error {
	for i, a := range actions {
		var err error
		switch a.Type {
		case ActionSendAIReply:
			err = e.sendAIReply(ctx, rule, a.Params, lead, conv, dryRun)
		case ActionCreateTask, ActionCreateAgentTask:
			err = e.createTask(ctx, a.Params, lead, now, dryRun)
		case ActionSetNextFollowup:
			err = e.setNextFollowup(ctx, a.Params, lead, now, dryRun)
		case ActionSetPriority:
			err = e.setPriority(ctx, a.Params, lead, dryRun)
		default:
			err = fmt.Errorf("unknown action type %q", a.Type)
		}
		if err != nil {
			return fmt.Errorf("action %d (%s): %w", i, a.Type, err)
		}
	}
	return nil
}

func (e *Engine) sendAIReply(ctx context.Context, rule *models.AutomationRule, raw json.RawMessage, lead *models.Lead, conv *models.Conversation, dryRun bool) error {
	var p SendAIReplyParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	if p.Intent == "" {
		p.Intent = rule.RuleKey
	}
	if conv == nil {
		return fmt.Errorf("lead %d has no open conversation", lead.ID)
	}

	prompt, err := textgen.RenderTemplate(p.PromptTemplate, map[string]any{
		"Lead": lead,
		"Now":  e.nowFn().UTC().Format("2006-01-02"),
	})
	if err != nil {
		return fmt.Errorf("render prompt: %w", err)
	}

	body := prompt
	if e.gen != nil {
		out, err := e.gen.Generate(ctx, prompt)
		if err != nil {
			return fmt.Errorf("generate reply: %w", err)
		}
		body = sanitize.Sanitize(out).Text
	}

	req := dispatch.EnqueueRequest{
		ConversationID: conv.ID,
		Intent:         p.Intent,
		Channel:        conv.Channel,
		Body:           body,
		TemplateKey:    p.TemplateKey,
		MaxAttempts:    e.cfg.MaxJobAttempts,
	}
	if dryRun {
		return e.dispatcher.Preview(ctx, req)
	}
	_, err = e.dispatcher.Enqueue(ctx, req)
	return err
}

func (e *Engine) createTask(ctx context.Context, raw json.RawMessage, lead *models.Lead, now time.Time, dryRun bool) error {
	var p TaskParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	task := &models.Task{
		LeadID:   lead.ID,
		Kind:     p.Kind,
		Title:    p.Title,
		Assignee: p.Assignee,
	}
	if p.DueInHours > 0 {
		due := now.Add(time.Duration(p.DueInHours) * time.Hour)
		task.DueAt = &due
	}
	if dryRun {
		return nil
	}
	_, err := e.repo.Tasks.CreateTask(ctx, task)
	return err
}

func (e *Engine) setNextFollowup(ctx context.Context, raw json.RawMessage, lead *models.Lead, now time.Time, dryRun bool) error {
	var p FollowupParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	if dryRun {
		return nil
	}
	return e.repo.Leads.SetNextFollowup(ctx, lead.ID, now.Add(time.Duration(p.InDays)*24*time.Hour))
}

func (e *Engine) setPriority(ctx context.Context, raw json.RawMessage, lead *models.Lead, dryRun bool) error {
	var p PriorityParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	if dryRun {
		return nil
	}
	return e.repo.Leads.SetLeadPriority(ctx, lead.ID, p.Priority)
}
