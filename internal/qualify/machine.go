// Package qualify implements the conversation qualification state machine:
// given a conversation's known fields and stage, it decides the single next
// action: ask a specific question, acknowledge and advance, or hand off to a
// human. The machine is pure; callers persist conversation updates and
// dispatch any resulting message.
package qualify

import (
	"strings"

	"github.com/leadpilot/leadpilot/pkg/models"
)

// ActionKind classifies the machine's decision.
type ActionKind string

const (
	// KindAskQuestion asks for the highest-priority missing field.
	KindAskQuestion ActionKind = "ASK_QUESTION"
	// KindAdvance acknowledges a completed stage and moves one stage forward.
	KindAdvance ActionKind = "ADVANCE"
	// KindHandoff escalates the conversation to a human agent.
	KindHandoff ActionKind = "HANDOFF"
	// KindNone means there is nothing safe or useful to do. Callers must
	// treat it as success-with-nothing-to-do, not an error.
	KindNone ActionKind = "NONE"
)

// Action is the machine's intent record: either a question key or a reply
// template key, plus the stage the conversation should be in afterwards.
type Action struct {
	Kind        ActionKind   `json:"kind"`
	QuestionKey string       `json:"question_key,omitempty"`
	TemplateKey string       `json:"template_key,omitempty"`
	StageAfter  models.Stage `json:"stage_after"`
}

// NoAction reports whether the caller has nothing to do.
func (a Action) NoAction() bool { return a.Kind == KindNone }

// Field pairs a qualification field name with the question key used to ask
// for it. Order inside a stage's field list is the asking priority.
type Field struct {
	Name        string
	QuestionKey string
}

// Snapshot is the read-only conversation state the machine decides on.
type Snapshot struct {
	Stage           models.Stage
	KnownFields     map[string]string
	LastQuestionKey string
}

// Machine holds the per-stage required fields, the banned-question set and
// the banned phrase fragments. Construct with NewMachine; the zero value asks
// nothing.
type Machine struct {
	required        map[models.Stage][]Field
	advanceTemplate map[models.Stage]string
	bannedQuestions map[string]struct{}
	bannedPhrases   []string
}

// Option tweaks machine construction.
type Option func(*Machine)

// WithRequiredFields replaces the required-field priority list for a stage.
func WithRequiredFields(stage models.Stage, fields []Field) Option {
	return func(m *Machine) { m.required[stage] = fields }
}

// WithBannedQuestions adds question keys that must never be emitted.
func WithBannedQuestions(keys ...string) Option {
	return func(m *Machine) {
		for _, k := range keys {
			m.bannedQuestions[strings.ToLower(k)] = struct{}{}
		}
	}
}

// WithBannedPhrases adds phrase fragments that must never appear in reply
// text. Matching is case-insensitive substring.
func WithBannedPhrases(phrases ...string) Option {
	return func(m *Machine) {
		for _, p := range phrases {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" {
				m.bannedPhrases = append(m.bannedPhrases, p)
			}
		}
	}
}

// NewMachine builds a machine with the default stage plan and any options
// applied on top.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		required: map[models.Stage][]Field{
			models.StageIntake: {
				{Name: "name", QuestionKey: "ask_name"},
				{Name: "service", QuestionKey: "ask_service"},
				{Name: "nationality", QuestionKey: "ask_nationality"},
			},
			models.StageQualifying: {
				{Name: "expiry_date", QuestionKey: "ask_expiry_date"},
				{Name: "preferred_contact", QuestionKey: "ask_preferred_contact"},
			},
			models.StageQuoted: {
				{Name: "quote_decision", QuestionKey: "ask_quote_decision"},
			},
		},
		advanceTemplate: map[models.Stage]string{
			models.StageIntake:     "intake_complete",
			models.StageQualifying: "share_info",
			models.StageInfoShared: "send_quote",
			models.StageQuoted:     "quote_followup",
			models.StageFollowUp:   "handoff_notice",
		},
		bannedQuestions: map[string]struct{}{
			// obsolete question types must never resurface
			"ask_new_or_renewal": {},
			"ask_company_name":   {},
		},
		bannedPhrases: []string{"new or renewal", "company name"},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Next decides the next action for the snapshot. It never emits a banned
// question key; when the stage plan would, it falls back to the safe generic
// prompt, or escalates if even that is unavailable.
func (m *Machine) Next(s Snapshot) Action {
	stage := s.Stage
	if !stage.Valid() {
		stage = models.StageIntake
	}

	// terminal stages: nothing to drive
	if stage == models.StageHandedOff || stage == models.StageClosed {
		return Action{Kind: KindNone, StageAfter: stage}
	}

	for _, f := range m.required[stage] {
		if known(s.KnownFields, f.Name) {
			continue
		}
		if m.QuestionBanned(f.QuestionKey) {
			// never emit banned content; keep the conversation moving with
			// the generic prompt instead
			return Action{Kind: KindAskQuestion, QuestionKey: "ask_generic", StageAfter: stage}
		}
		return Action{Kind: KindAskQuestion, QuestionKey: f.QuestionKey, StageAfter: stage}
	}

	// every field required for the current stage is known: advance exactly
	// one stage, even when downstream fields happen to be known already
	next := stage.Next()
	if next == models.StageHandedOff {
		return Action{Kind: KindHandoff, TemplateKey: m.advanceTemplate[stage], StageAfter: next}
	}
	tpl, ok := m.advanceTemplate[stage]
	if !ok {
		return Action{Kind: KindNone, StageAfter: stage}
	}
	return Action{Kind: KindAdvance, TemplateKey: tpl, StageAfter: next}
}

// QuestionBanned reports whether the question key is on the banned set.
func (m *Machine) QuestionBanned(key string) bool {
	_, banned := m.bannedQuestions[strings.ToLower(key)]
	return banned
}

// ReplyAllowed checks rendered reply text against the banned phrase
// fragments. It returns false with the offending fragment when the text must
// not be sent.
func (m *Machine) ReplyAllowed(text string) (bool, string) {
	lower := strings.ToLower(text)
	for _, p := range m.bannedPhrases {
		if strings.Contains(lower, p) {
			return false, p
		}
	}
	return true, ""
}

// MergeFields applies newly extracted fields onto the known set. Known fields
// are append/overwrite-only: an empty extracted value never clears an
// existing one. The returned map is a copy; inputs are not mutated.
func MergeFields(known, extracted map[string]string) map[string]string {
	out := make(map[string]string, len(known)+len(extracted))
	for k, v := range known {
		out[k] = v
	}
	for k, v := range extracted {
		if strings.TrimSpace(v) == "" {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}

func known(fields map[string]string, name string) bool {
	v, ok := fields[name]
	return ok && strings.TrimSpace(v) != ""
}
