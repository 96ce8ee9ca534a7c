package provider_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leadpilot/leadpilot/pkg/provider"
)

func newServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *provider.HTTPSender) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := provider.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Token = "test-token"
	cfg.Timeout = 2 * time.Second
	cfg.RatePerSecond = 1000
	cfg.Burst = 1000

	s, err := provider.NewHTTPSender(cfg, srv.Client())
	if err != nil {
		t.Fatalf("NewHTTPSender: %v", err)
	}
	return srv, s
}

func TestSendSuccessReturnsMessageID(t *testing.T) {
	var gotAuth atomic.Value
	_, s := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["to"] != "+254700000001" {
			t.Errorf("unexpected to: %v", body["to"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.test.1"}},
		})
	})

	res, err := s.Send(context.Background(), "+254700000001", "whatsapp", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.ProviderMessageID != "wamid.test.1" {
		t.Fatalf("unexpected message id %q", res.ProviderMessageID)
	}
	if gotAuth.Load() != "Bearer test-token" {
		t.Fatalf("missing bearer token, got %v", gotAuth.Load())
	}
}

func TestPermanentVsTransientClassification(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
		{http.StatusTooManyRequests, false},
		{http.StatusRequestTimeout, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		_, s := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		})
		_, err := s.Send(context.Background(), "+15550100", "whatsapp", "x")
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if provider.IsPermanent(err) != tc.permanent {
			t.Errorf("status %d: permanent=%v, want %v", tc.status, provider.IsPermanent(err), tc.permanent)
		}
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	_, s := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Send(ctx, "+15550100", "whatsapp", "x")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if provider.IsPermanent(err) {
		t.Fatalf("timeout must be transient")
	}
}

func TestMockSenderScriptedFailures(t *testing.T) {
	m := provider.NewMockSender()
	m.FailN = 2

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := m.Send(ctx, "+1", "whatsapp", "x"); err == nil {
			t.Fatalf("expected scripted failure %d", i)
		}
	}
	res, err := m.Send(ctx, "+1", "whatsapp", "x")
	if err != nil {
		t.Fatalf("expected success after scripted failures: %v", err)
	}
	if res.ProviderMessageID == "" {
		t.Fatalf("mock must assign a message id")
	}
	if len(m.Sent()) != 1 {
		t.Fatalf("expected 1 recorded send, got %d", len(m.Sent()))
	}
}
