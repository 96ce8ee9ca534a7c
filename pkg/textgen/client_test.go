package textgen_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leadpilot/leadpilot/pkg/textgen"
)

func TestNewClientRejectsInvalidBaseURL(t *testing.T) {
	cfg := textgen.DefaultConfig()
	cfg.BaseURL = "not a url"
	if _, err := textgen.NewClient(cfg, nil); err == nil {
		t.Fatalf("expected error for invalid base url")
	}
}

func TestGenerateRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			http.Error(w, "temporary", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"response": "Hello from the model", "done": true})
	}))
	defer srv.Close()

	cfg := textgen.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Timeout = 2 * time.Second
	cfg.Retries = 2
	cfg.Backoff = 10 * time.Millisecond
	cfg.CircuitFailureThreshold = 10

	client, err := textgen.NewClient(cfg, srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	out, err := client.Generate(context.Background(), "say hello")
	if err != nil {
		t.Fatalf("Generate expected success after retry, got: %v", err)
	}
	if out != "Hello from the model" {
		t.Fatalf("unexpected output %q", out)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestGenerateCircuitOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := textgen.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Timeout = time.Second
	cfg.Retries = 0
	cfg.Backoff = time.Millisecond
	cfg.CircuitFailureThreshold = 1
	cfg.CircuitReset = time.Minute

	client, err := textgen.NewClient(cfg, srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	if _, err := client.Generate(context.Background(), "x"); err == nil {
		t.Fatalf("expected failure")
	}
	if _, err := client.Generate(context.Background(), "x"); err != textgen.ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestRenderTemplate(t *testing.T) {
	out, err := textgen.RenderTemplate("Hi {{.Name}}, your {{.Service}} expires soon.", map[string]string{
		"Name": "Amina", "Service": "work permit",
	})
	if err != nil {
		t.Fatalf("RenderTemplate: %v", err)
	}
	if out != "Hi Amina, your work permit expires soon." {
		t.Fatalf("unexpected render: %q", out)
	}

	if _, err := textgen.RenderTemplate("{{.Broken", nil); err == nil {
		t.Fatalf("expected parse error")
	}
}
