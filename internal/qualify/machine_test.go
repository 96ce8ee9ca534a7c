package qualify_test

import (
	"testing"

	"github.com/leadpilot/leadpilot/internal/qualify"
	"github.com/leadpilot/leadpilot/pkg/models"
)

func TestEmptyIntakeAsksForName(t *testing.T) {
	m := qualify.NewMachine()
	a := m.Next(qualify.Snapshot{Stage: models.StageIntake, KnownFields: map[string]string{}})
	if a.Kind != qualify.KindAskQuestion {
		t.Fatalf("expected ASK_QUESTION, got %s", a.Kind)
	}
	if a.QuestionKey != "ask_name" {
		t.Fatalf("expected ask_name, got %s", a.QuestionKey)
	}
	if a.StageAfter != models.StageIntake {
		t.Fatalf("stage must not change while fields are missing, got %s", a.StageAfter)
	}
}

func TestMissingNationalityAskedNext(t *testing.T) {
	m := qualify.NewMachine()
	a := m.Next(qualify.Snapshot{
		Stage:       models.StageIntake,
		KnownFields: map[string]string{"name": "Amina", "service": "renewal"},
	})
	if a.QuestionKey != "ask_nationality" {
		t.Fatalf("expected ask_nationality, got %s", a.QuestionKey)
	}
	if a.StageAfter != models.StageIntake {
		t.Fatalf("expected stage unchanged, got %s", a.StageAfter)
	}
}

func TestCompleteStageAdvancesExactlyOne(t *testing.T) {
	m := qualify.NewMachine()
	// downstream fields incidentally known; must still advance only one stage
	a := m.Next(qualify.Snapshot{
		Stage: models.StageIntake,
		KnownFields: map[string]string{
			"name": "Amina", "service": "renewal", "nationality": "KE",
			"expiry_date": "2026-11-01", "preferred_contact": "morning",
		},
	})
	if a.Kind != qualify.KindAdvance {
		t.Fatalf("expected ADVANCE, got %s", a.Kind)
	}
	if a.StageAfter != models.StageQualifying {
		t.Fatalf("expected QUALIFYING, got %s", a.StageAfter)
	}
	if a.TemplateKey == "" {
		t.Fatalf("advance must carry a template key")
	}
}

func TestBannedQuestionNeverEmitted(t *testing.T) {
	m := qualify.NewMachine(
		qualify.WithRequiredFields(models.StageIntake, []qualify.Field{
			{Name: "renewal_kind", QuestionKey: "ask_new_or_renewal"},
		}),
	)
	a := m.Next(qualify.Snapshot{Stage: models.StageIntake, KnownFields: map[string]string{}})
	if a.QuestionKey == "ask_new_or_renewal" {
		t.Fatalf("banned question key emitted")
	}
	if a.QuestionKey != "ask_generic" {
		t.Fatalf("expected safe generic prompt, got %s", a.QuestionKey)
	}
}

func TestBannedPhraseDetection(t *testing.T) {
	m := qualify.NewMachine()
	ok, frag := m.ReplyAllowed("Is this a NEW OR RENEWAL application?")
	if ok {
		t.Fatalf("banned phrase slipped through")
	}
	if frag != "new or renewal" {
		t.Fatalf("unexpected fragment %q", frag)
	}
	if ok, _ := m.ReplyAllowed("Happy to help with your renewal!"); !ok {
		t.Fatalf("benign reply rejected")
	}
}

func TestTerminalStagesReturnNoAction(t *testing.T) {
	m := qualify.NewMachine()
	for _, st := range []models.Stage{models.StageHandedOff, models.StageClosed} {
		a := m.Next(qualify.Snapshot{Stage: st, KnownFields: map[string]string{}})
		if !a.NoAction() {
			t.Fatalf("expected NoAction at %s, got %s", st, a.Kind)
		}
		if a.StageAfter != st {
			t.Fatalf("terminal stage must not move, got %s", a.StageAfter)
		}
	}
}

func TestFollowUpHandsOff(t *testing.T) {
	m := qualify.NewMachine()
	a := m.Next(qualify.Snapshot{Stage: models.StageFollowUp, KnownFields: map[string]string{}})
	if a.Kind != qualify.KindHandoff {
		t.Fatalf("expected HANDOFF, got %s", a.Kind)
	}
	if a.StageAfter != models.StageHandedOff {
		t.Fatalf("expected HANDED_OFF, got %s", a.StageAfter)
	}
}

func TestMergeFieldsNeverClears(t *testing.T) {
	known := map[string]string{"name": "Amina"}
	merged := qualify.MergeFields(known, map[string]string{"name": "", "service": "renewal"})
	if merged["name"] != "Amina" {
		t.Fatalf("empty extraction cleared an existing field")
	}
	if merged["service"] != "renewal" {
		t.Fatalf("new field not merged")
	}
	if known["service"] != "" {
		t.Fatalf("input map mutated")
	}
}

func TestWhitespaceOnlyFieldTreatedAsMissing(t *testing.T) {
	m := qualify.NewMachine()
	a := m.Next(qualify.Snapshot{
		Stage:       models.StageIntake,
		KnownFields: map[string]string{"name": "   "},
	})
	if a.QuestionKey != "ask_name" {
		t.Fatalf("whitespace value should count as missing, got %s", a.QuestionKey)
	}
}
