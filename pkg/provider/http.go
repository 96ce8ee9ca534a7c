package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/time/rate"
)

// package-level logger; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the logger used by pkg/provider. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// Config holds settings for the HTTP messaging client.
type Config struct {
	// BaseURL is the provider API root, e.g. https://graph.example.com/v18.0/1234
	BaseURL string `yaml:"base_url" json:"base_url"`
	// Token is the bearer token for the messages endpoint.
	Token string `yaml:"token" json:"token"`
	// Timeout is the per-request timeout; a timed-out send is a transient failure.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// RatePerSecond caps outbound API calls across all conversations.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	// Burst is the token-bucket burst size.
	Burst int `yaml:"burst" json:"burst"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:       10 * time.Second,
		RatePerSecond: 10,
		Burst:         5,
	}
}

// HTTPSender sends messages through a WhatsApp-style REST API. A token
// bucket bounds the global call rate; the per-conversation cool-down lives in
// the dispatch layer, backed by persisted timestamps.
type HTTPSender struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPSender creates a sender. httpClient may be nil.
func NewHTTPSender(cfg Config, httpClient *http.Client) (*HTTPSender, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPSender{
		cfg:     cfg,
		client:  httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}, nil
}

type sendRequest struct {
	To   string `json:"to"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Send posts one text message. Classification: 401/403/404/400 are permanent;
// 408, 429 and all 5xx are transient; transport errors and timeouts are
// transient.
func (s *HTTPSender) Send(ctx context.Context, to, channel, text string) (*SendResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var req sendRequest
	req.To = to
	req.Type = "text"
	req.Text.Body = text

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		// transport failure or timeout; eligible for retry
		return nil, fmt.Errorf("send to %s: %w", channel, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read send response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &Error{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode), Permanent: permanentStatus(resp.StatusCode)}
		var parsed sendResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
			perr.Message = parsed.Error.Message
		}
		logger.Warn("provider send failed",
			slog.Int("status", resp.StatusCode),
			slog.String("channel", channel),
			slog.Bool("permanent", perr.Permanent),
		)
		return nil, perr
	}

	var parsed sendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}
	if len(parsed.Messages) == 0 {
		return nil, &Error{Code: resp.StatusCode, Message: "no message id in response"}
	}

	logger.Info("provider send ok",
		slog.String("channel", channel),
		slog.String("provider_message_id", parsed.Messages[0].ID),
		slog.Duration("latency", time.Since(start)),
	)
	return &SendResult{ProviderMessageID: parsed.Messages[0].ID}, nil
}

func permanentStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}
