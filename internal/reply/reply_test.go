package reply

import (
	"context"
	"errors"
	"testing"

	"github.com/leadpilot/leadpilot/internal/dispatch"
	"github.com/leadpilot/leadpilot/internal/qualify"
	"github.com/leadpilot/leadpilot/pkg/models"
	"github.com/leadpilot/leadpilot/pkg/repository"
	"github.com/leadpilot/leadpilot/pkg/repository/mock"
)

// scriptedGen returns canned generator outputs in order.
type scriptedGen struct {
	outputs []string
	calls   int
}

func (g *scriptedGen) Generate(_ context.Context, _ string) (string, error) {
	if g.calls >= len(g.outputs) {
		return "", errors.New("no scripted output left")
	}
	out := g.outputs[g.calls]
	g.calls++
	return out, nil
}

func newOrchestrator(store *mock.Store, gen *scriptedGen) *Orchestrator {
	d := dispatch.NewDispatcher(store, store, dispatch.NewRateLimiter(0), nil)
	if gen == nil {
		return New(store.Repository(), qualify.NewMachine(), d, nil, nil)
	}
	return New(store.Repository(), qualify.NewMachine(), d, gen, nil)
}

func TestFirstInboundCreatesLeadAndAsks(t *testing.T) {
	store := mock.New()
	o := newOrchestrator(store, nil)
	ctx := context.Background()

	res, err := o.HandleInbound(ctx, Inbound{Phone: "+971501112233", Text: "hi"})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}

	if res.LeadID == 0 || res.ConversationID == 0 {
		t.Fatalf("lead/conversation not created: %+v", res)
	}
	if res.Action.Kind != qualify.KindAskQuestion || res.Action.QuestionKey != "ask_name" {
		t.Fatalf("first contact must ask for the name: %+v", res.Action)
	}
	if res.Stage != models.StageIntake {
		t.Fatalf("stage = %s, want INTAKE", res.Stage)
	}
	if res.JobID == 0 || res.ReplyBody == "" {
		t.Fatalf("no reply queued: %+v", res)
	}

	conv, _ := store.GetConversation(ctx, res.ConversationID)
	if conv.LastQuestionKey != "ask_name" {
		t.Fatalf("last question not recorded: %q", conv.LastQuestionKey)
	}
	if conv.LastInboundAt == nil {
		t.Fatal("inbound timestamp not stamped")
	}

	lead, _ := store.GetLead(ctx, res.LeadID)
	if lead.LastContactAt == nil {
		t.Fatal("lead last contact not stamped")
	}
}

func TestSecondInboundReusesConversation(t *testing.T) {
	store := mock.New()
	o := newOrchestrator(store, nil)
	ctx := context.Background()

	first, err := o.HandleInbound(ctx, Inbound{Phone: "+971501112233", Text: "hi"})
	if err != nil {
		t.Fatalf("first inbound: %v", err)
	}
	second, err := o.HandleInbound(ctx, Inbound{
		Phone:  "+971501112233",
		Text:   "I'm Ali",
		Fields: map[string]string{"name": "Ali"},
	})
	if err != nil {
		t.Fatalf("second inbound: %v", err)
	}

	if second.ConversationID != first.ConversationID || second.LeadID != first.LeadID {
		t.Fatalf("second message spawned new entities: %+v vs %+v", second, first)
	}
	if second.Action.QuestionKey != "ask_service" {
		t.Fatalf("want next missing field question, got %+v", second.Action)
	}
	if second.Fields["name"] != "Ali" {
		t.Fatalf("merged fields lost the name: %+v", second.Fields)
	}
}

func TestCompletedIntakeAdvances(t *testing.T) {
	store := mock.New()
	o := newOrchestrator(store, nil)
	ctx := context.Background()

	res, err := o.HandleInbound(ctx, Inbound{
		Phone: "+971501112233",
		Text:  "details",
		Fields: map[string]string{
			"name":        "Ali",
			"service":     "car insurance",
			"nationality": "Egyptian",
		},
	})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}

	if res.Action.Kind != qualify.KindAdvance {
		t.Fatalf("complete intake must advance: %+v", res.Action)
	}
	if res.Stage != models.StageQualifying {
		t.Fatalf("stage = %s, want QUALIFYING", res.Stage)
	}
	if res.Action.TemplateKey != "intake_complete" {
		t.Fatalf("template = %q", res.Action.TemplateKey)
	}

	conv, _ := store.GetConversation(ctx, res.ConversationID)
	if conv.Stage != models.StageQualifying {
		t.Fatalf("persisted stage = %s", conv.Stage)
	}
	if conv.LastQuestionKey != "" {
		t.Fatalf("advance must clear the pending question, got %q", conv.LastQuestionKey)
	}
}

func TestFieldsNeverCleared(t *testing.T) {
	store := mock.New()
	o := newOrchestrator(store, nil)
	ctx := context.Background()

	if _, err := o.HandleInbound(ctx, Inbound{
		Phone:  "+971501112233",
		Text:   "I'm Ali",
		Fields: map[string]string{"name": "Ali"},
	}); err != nil {
		t.Fatalf("first inbound: %v", err)
	}

	// A later message with no extractable fields must not erase anything.
	res, err := o.HandleInbound(ctx, Inbound{Phone: "+971501112233", Text: "ok"})
	if err != nil {
		t.Fatalf("second inbound: %v", err)
	}
	if res.Fields["name"] != "Ali" {
		t.Fatalf("known field lost: %+v", res.Fields)
	}
}

func TestGeneratedReplyIsSanitized(t *testing.T) {
	store := mock.New()
	gen := &scriptedGen{outputs: []string{
		`{}`, // extraction finds nothing
		`{"response": "  What name should I put on the policy?  "}`,
	}}
	o := newOrchestrator(store, gen)

	res, err := o.HandleInbound(context.Background(), Inbound{Phone: "+971501112233", Text: "hi"})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if res.ReplyBody != "What name should I put on the policy?" {
		t.Fatalf("reply not sanitized: %q", res.ReplyBody)
	}
}

func TestBannedPhraseFallsBack(t *testing.T) {
	store := mock.New()
	gen := &scriptedGen{outputs: []string{
		`{}`,
		`Is this a new or renewal policy?`,
	}}
	o := newOrchestrator(store, gen)

	res, err := o.HandleInbound(context.Background(), Inbound{Phone: "+971501112233", Text: "hi"})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if res.ReplyBody != questionPrompts["ask_name"] {
		t.Fatalf("banned reply must fall back to the safe phrasing, got %q", res.ReplyBody)
	}
}

func TestFieldExtractionFromGenerator(t *testing.T) {
	store := mock.New()
	gen := &scriptedGen{outputs: []string{
		"```json\n{\"name\": \"Ali\", \"service\": \"car insurance\"}\n```",
		`Thanks Ali! What nationality should I note down?`,
	}}
	o := newOrchestrator(store, gen)

	res, err := o.HandleInbound(context.Background(), Inbound{
		Phone: "+971501112233",
		Text:  "Hi, I'm Ali, I need car insurance",
	})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if res.Fields["name"] != "Ali" || res.Fields["service"] == "" {
		t.Fatalf("extracted fields not merged: %+v", res.Fields)
	}
	if res.Action.QuestionKey != "ask_nationality" {
		t.Fatalf("want nationality question after extraction, got %+v", res.Action)
	}
}

// raceOnceRepo makes the first CAS update fail as if a concurrent writer won.
type raceOnceRepo struct {
	repository.ConversationRepo
	raced bool
}

func (r *raceOnceRepo) UpdateConversationCAS(ctx context.Context, c *models.Conversation, expected int64) error {
	if !r.raced {
		r.raced = true
		return repository.ErrStaleVersion
	}
	return r.ConversationRepo.UpdateConversationCAS(ctx, c, expected)
}

func TestStaleVersionRetriesOnce(t *testing.T) {
	store := mock.New()
	repo := store.Repository()
	raced := &raceOnceRepo{ConversationRepo: store}
	repo.Conversations = raced

	d := dispatch.NewDispatcher(store, store, dispatch.NewRateLimiter(0), nil)
	o := New(repo, qualify.NewMachine(), d, nil, nil)

	res, err := o.HandleInbound(context.Background(), Inbound{Phone: "+971501112233", Text: "hi"})
	if err != nil {
		t.Fatalf("handle inbound after one lost race: %v", err)
	}
	if !raced.raced {
		t.Fatal("race decorator never triggered")
	}
	if res.Action.QuestionKey != "ask_name" {
		t.Fatalf("retry produced wrong action: %+v", res.Action)
	}

	conv, _ := store.GetConversation(context.Background(), res.ConversationID)
	if conv.LastQuestionKey != "ask_name" {
		t.Fatalf("retry did not persist: %+v", conv)
	}
}

func TestTerminalStageDoesNothing(t *testing.T) {
	store := mock.New()
	ctx := context.Background()

	leadID, _ := store.CreateLead(ctx, &models.Lead{Phone: "+971501112233"})
	if _, err := store.CreateConversation(ctx, &models.Conversation{
		LeadID:      leadID,
		Channel:     "whatsapp",
		Stage:       models.StageHandedOff,
		KnownFields: map[string]string{},
	}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	o := newOrchestrator(store, nil)
	res, err := o.HandleInbound(ctx, Inbound{Phone: "+971501112233", Text: "hello again"})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if !res.Action.NoAction() {
		t.Fatalf("handed-off conversation must stay quiet: %+v", res.Action)
	}
	if res.JobID != 0 {
		t.Fatalf("no job should be queued, got %d", res.JobID)
	}

	stats, _ := store.JobStats(ctx)
	if stats["queued"] != 0 {
		t.Fatalf("queued jobs: %d", stats["queued"])
	}

	// The inbound timestamp still updates even when nothing is sent.
	conv, _ := store.GetConversationByLead(ctx, leadID, "whatsapp")
	if conv.LastInboundAt == nil {
		t.Fatal("inbound timestamp not stamped")
	}
}
