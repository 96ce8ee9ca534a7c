// Package reply orchestrates one inbound message: find or create the lead
// and conversation, merge extracted fields, ask the qualification machine for
// the next move, commit it with a compare-and-swap, and queue the outbound
// reply.
package reply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/leadpilot/leadpilot/internal/dispatch"
	"github.com/leadpilot/leadpilot/internal/qualify"
	"github.com/leadpilot/leadpilot/internal/sanitize"
	"github.com/leadpilot/leadpilot/pkg/models"
	"github.com/leadpilot/leadpilot/pkg/repository"
	"github.com/leadpilot/leadpilot/pkg/textgen"
)

// Inbound is one message received from a lead.
type Inbound struct {
	Phone   string `json:"phone"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
	// Fields carries pre-extracted qualification fields. When empty and a
	// generator is wired, the orchestrator extracts them itself.
	Fields map[string]string `json:"fields,omitempty"`
}

// Result reports what the orchestrator decided and queued.
type Result struct {
	LeadID         int64             `json:"lead_id"`
	ConversationID int64             `json:"conversation_id"`
	Stage          models.Stage      `json:"stage"`
	Action         qualify.Action    `json:"action"`
	JobID          int64             `json:"job_id,omitempty"`
	ReplyBody      string            `json:"reply_body,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
}

// questionPrompts drives reply generation per question key. Missing keys fall
// back to a generic phrasing.
var questionPrompts = map[string]string{
	"ask_name":              "Ask the customer for their name, briefly and warmly.",
	"ask_service":           "Ask the customer which insurance service they are interested in.",
	"ask_nationality":       "Ask the customer for their nationality, needed for the quote.",
	"ask_expiry_date":       "Ask the customer when their current policy expires.",
	"ask_preferred_contact": "Ask the customer how they prefer to be contacted.",
	"ask_quote_decision":    "Ask the customer whether the quote we sent works for them.",
	"ask_generic":           "Ask the customer, politely and briefly, for the details still needed to prepare their quote.",
}

var templatePrompts = map[string]string{
	"intake_complete": "Thank the customer for the details and say we are preparing their information.",
	"share_info":      "Tell the customer we are sharing the requested information and will follow up.",
	"send_quote":      "Tell the customer their quote is ready and summarize that we sent it.",
	"quote_followup":  "Ask the customer, briefly, whether they had a chance to review the quote.",
	"handoff_notice":  "Tell the customer a colleague will take over from here to finalize things.",
}

// Orchestrator wires the qualification machine to storage, generation and
// dispatch. One instance serves all conversations.
type Orchestrator struct {
	repo       *repository.Repository
	machine    *qualify.Machine
	dispatcher *dispatch.Dispatcher
	gen        textgen.Generator
	logger     *slog.Logger
	nowFn      func() time.Time
}

// New builds an orchestrator. gen may be nil; replies then use the prompt
// text directly and no field extraction is attempted. The dispatcher should
// carry no cool-down: direct answers to an inbound message are not automated
// outreach.
func New(repo *repository.Repository, machine *qualify.Machine, d *dispatch.Dispatcher, gen textgen.Generator, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		repo:       repo,
		machine:    machine,
		dispatcher: d,
		gen:        gen,
		logger:     logger,
		nowFn:      time.Now,
	}
}

// SetNow overrides the clock; tests only.
func (o *Orchestrator) SetNow(fn func() time.Time) {
	if fn != nil {
		o.nowFn = fn
	}
}

// HandleInbound processes one message end to end. Losing a concurrent write
// race triggers a single re-read and retry; a second loss returns the error.
func (o *Orchestrator) HandleInbound(ctx context.Context, in Inbound) (*Result, error) {
	if in.Phone == "" {
		return nil, fmt.Errorf("inbound message requires a phone number")
	}
	if in.Channel == "" {
		in.Channel = "whatsapp"
	}

	lead, err := o.findOrCreateLead(ctx, in)
	if err != nil {
		return nil, err
	}

	fields := in.Fields
	if len(fields) == 0 && o.gen != nil {
		fields = o.extractFields(ctx, in.Text)
	}

	var res *Result
	for attempt := 0; attempt < 2; attempt++ {
		conv, err := o.findOrCreateConversation(ctx, lead.ID, in.Channel)
		if err != nil {
			return nil, err
		}
		res, err = o.advance(ctx, lead, conv, fields)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrStaleVersion) || attempt == 1 {
			return nil, err
		}
		o.logger.Debug("lost conversation write race, retrying",
			slog.Int64("conversation_id", conv.ID))
	}

	if err := o.repo.Leads.TouchLastContact(ctx, lead.ID, o.nowFn()); err != nil {
		o.logger.Warn("touch last contact", slog.Int64("lead_id", lead.ID), slog.String("error", err.Error()))
	}
	return res, nil
}

func (o *Orchestrator) findOrCreateLead(ctx context.Context, in Inbound) (*models.Lead, error) {
	lead, err := o.repo.Leads.GetLeadByPhone(ctx, in.Phone)
	if err != nil {
		return nil, fmt.Errorf("lookup lead by phone: %w", err)
	}
	if lead != nil {
		return lead, nil
	}

	lead = &models.Lead{Phone: in.Phone, Name: in.Fields["name"]}
	if _, err := o.repo.Leads.CreateLead(ctx, lead); err != nil {
		return nil, fmt.Errorf("create lead: %w", err)
	}
	o.logger.Info("new lead created", slog.Int64("lead_id", lead.ID))
	return lead, nil
}

func (o *Orchestrator) findOrCreateConversation(ctx context.Context, leadID int64, channel string) (*models.Conversation, error) {
	conv, err := o.repo.Conversations.GetConversationByLead(ctx, leadID, channel)
	if err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}
	if conv != nil {
		return conv, nil
	}

	conv = &models.Conversation{
		LeadID:      leadID,
		Channel:     channel,
		Stage:       models.StageIntake,
		KnownFields: map[string]string{},
	}
	if _, err := o.repo.Conversations.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// advance runs one qualification step against a conversation snapshot and
// commits it. Returns repository.ErrStaleVersion when a concurrent writer won.
func (o *Orchestrator) advance(ctx context.Context, lead *models.Lead, conv *models.Conversation, fields map[string]string) (*Result, error) {
	now := o.nowFn()
	merged := qualify.MergeFields(conv.KnownFields, fields)

	action := o.machine.Next(qualify.Snapshot{
		Stage:           conv.Stage,
		KnownFields:     merged,
		LastQuestionKey: conv.LastQuestionKey,
	})

	expected := conv.StateVersion
	conv.KnownFields = merged
	conv.Stage = action.StageAfter
	conv.LastInboundAt = &now
	switch action.Kind {
	case qualify.KindAskQuestion:
		conv.LastQuestionKey = action.QuestionKey
	case qualify.KindAdvance, qualify.KindHandoff:
		conv.LastQuestionKey = ""
	}

	if err := o.repo.Conversations.UpdateConversationCAS(ctx, conv, expected); err != nil {
		return nil, err
	}

	res := &Result{
		LeadID:         lead.ID,
		ConversationID: conv.ID,
		Stage:          conv.Stage,
		Action:         action,
		Fields:         merged,
	}
	if action.NoAction() {
		return res, nil
	}

	body, err := o.composeReply(ctx, lead, action)
	if err != nil {
		return nil, fmt.Errorf("compose reply: %w", err)
	}
	res.ReplyBody = body

	// The state version makes retries of this exact transition collapse while
	// distinct transitions on the same day stay distinct.
	intent := fmt.Sprintf("reply_v%d", conv.StateVersion)
	jobID, err := o.dispatcher.Enqueue(ctx, dispatch.EnqueueRequest{
		ConversationID: conv.ID,
		Intent:         intent,
		Channel:        conv.Channel,
		Body:           body,
		TemplateKey:    action.TemplateKey,
		MaxAttempts:    3,
	})
	if err != nil {
		return nil, fmt.Errorf("queue reply: %w", err)
	}
	res.JobID = jobID
	return res, nil
}

// composeReply turns the machine's action into outbound text. Generated text
// is sanitized and checked against the banned phrase list; a banned fragment
// falls back to the plain prompt phrasing, which is known safe.
func (o *Orchestrator) composeReply(ctx context.Context, lead *models.Lead, action qualify.Action) (string, error) {
	var instruction string
	switch action.Kind {
	case qualify.KindAskQuestion:
		instruction = questionPrompts[action.QuestionKey]
		if instruction == "" {
			instruction = questionPrompts["ask_generic"]
		}
	case qualify.KindAdvance, qualify.KindHandoff:
		instruction = templatePrompts[action.TemplateKey]
		if instruction == "" {
			instruction = "Acknowledge the customer's message briefly and say we will follow up."
		}
	default:
		return "", fmt.Errorf("no reply for action %s", action.Kind)
	}

	if o.gen == nil {
		return instruction, nil
	}

	prompt := fmt.Sprintf(
		"You are a WhatsApp assistant for an insurance brokerage. Customer name: %s. %s Respond with the message text only, one or two sentences.",
		lead.Name, instruction,
	)
	out, err := o.gen.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	body := sanitize.Sanitize(out).Text

	if ok, fragment := o.machine.ReplyAllowed(body); !ok {
		o.logger.Warn("generated reply contained banned fragment",
			slog.String("fragment", fragment))
		return instruction, nil
	}
	return body, nil
}

// extractFields asks the generator for qualification fields as a flat JSON
// object. Extraction is best effort: any failure yields no fields.
func (o *Orchestrator) extractFields(ctx context.Context, text string) map[string]string {
	prompt := fmt.Sprintf(
		"Extract any of these fields from the customer message as a flat JSON object with string values, omitting unknown ones: name, service, nationality, expiry_date, preferred_contact, quote_decision. Message: %q. Respond with JSON only.",
		text,
	)
	out, err := o.gen.Generate(ctx, prompt)
	if err != nil {
		o.logger.Warn("field extraction failed", slog.String("error", err.Error()))
		return nil
	}

	cleaned := strings.TrimSpace(sanitize.Sanitize(out).Text)
	if !strings.HasPrefix(cleaned, "{") {
		return nil
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		o.logger.Warn("field extraction returned malformed JSON", slog.String("error", err.Error()))
		return nil
	}
	return fields
}
