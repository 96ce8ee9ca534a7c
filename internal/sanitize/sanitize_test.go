package sanitize_test

import (
	"testing"

	"github.com/leadpilot/leadpilot/internal/sanitize"
)

func TestPlainTextPassesThrough(t *testing.T) {
	in := "Hello! Your renewal is due next month."
	res := sanitize.Sanitize(in)
	if res.WasJSON {
		t.Fatalf("plain text flagged as JSON")
	}
	if res.Text != in {
		t.Fatalf("expected %q, got %q", in, res.Text)
	}
}

func TestJSONObjectExtractsResponseField(t *testing.T) {
	res := sanitize.Sanitize(`{"response":"Hello"}`)
	if !res.WasJSON {
		t.Fatalf("expected was-JSON anomaly flag")
	}
	if res.Text != "Hello" {
		t.Fatalf("expected Hello, got %q", res.Text)
	}
}

func TestFieldPriorityOrder(t *testing.T) {
	// "response" wins over "message" regardless of key order in the document
	res := sanitize.Sanitize(`{"message":"second","response":"first"}`)
	if res.Text != "first" {
		t.Fatalf("expected first, got %q", res.Text)
	}

	res = sanitize.Sanitize(`{"answer":"only"}`)
	if res.Text != "only" {
		t.Fatalf("expected only, got %q", res.Text)
	}
}

func TestFencedJSONUnwrapped(t *testing.T) {
	in := "```json\n{\"reply\":\"Hi there\"}\n```"
	res := sanitize.Sanitize(in)
	if !res.WasJSON {
		t.Fatalf("expected was-JSON flag for fenced JSON")
	}
	if res.Text != "Hi there" {
		t.Fatalf("expected Hi there, got %q", res.Text)
	}
}

func TestUnknownObjectStringified(t *testing.T) {
	res := sanitize.Sanitize(`{"foo":"bar"}`)
	if !res.WasJSON {
		t.Fatalf("expected was-JSON flag")
	}
	if res.Text != `{"foo":"bar"}` {
		t.Fatalf("expected stringified object, got %q", res.Text)
	}
}

func TestBareJSONStringUnquoted(t *testing.T) {
	res := sanitize.Sanitize(`"Hello"`)
	if !res.WasJSON {
		t.Fatalf("expected was-JSON flag")
	}
	if res.Text != "Hello" {
		t.Fatalf("expected Hello, got %q", res.Text)
	}
}

func TestNumericProseUntouched(t *testing.T) {
	res := sanitize.Sanitize("42")
	if res.WasJSON {
		t.Fatalf("bare number must not be treated as JSON")
	}
	if res.Text != "42" {
		t.Fatalf("expected 42, got %q", res.Text)
	}
}

func TestIdempotence(t *testing.T) {
	inputs := []string{
		"plain text",
		`{"response":"Hello"}`,
		`{"foo":"bar"}`,
		"```json\n{\"text\":\"fenced\"}\n```",
		`"quoted"`,
		"",
		`{"response":"{\"response\":\"nested\"}"}`,
		`["first","second"]`,
	}
	for _, in := range inputs {
		once := sanitize.Sanitize(in)
		twice := sanitize.Sanitize(once.Text)
		if twice.Text != once.Text {
			t.Errorf("sanitize not idempotent for %q: %q != %q", in, once.Text, twice.Text)
		}
	}
}

func TestDoubleEncodedPayload(t *testing.T) {
	res := sanitize.Sanitize(`{"response":"{\"response\":\"nested\"}"}`)
	if res.Text != "nested" {
		t.Fatalf("expected nested, got %q", res.Text)
	}
}

func TestMalformedJSONPassesThrough(t *testing.T) {
	in := `{"response": "unterminated`
	res := sanitize.Sanitize(in)
	if res.WasJSON {
		t.Fatalf("malformed JSON must not be flagged")
	}
	if res.Text != in {
		t.Fatalf("expected passthrough, got %q", res.Text)
	}
}
