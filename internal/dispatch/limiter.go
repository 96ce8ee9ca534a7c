package dispatch

import (
	"time"

	"github.com/leadpilot/leadpilot/pkg/models"
)

// RateLimiter enforces the per-conversation cool-down between automated
// sends. It reads the persisted last-automated-send timestamp off the
// conversation row, so the check holds across multiple runner instances; no
// process-local state is kept.
type RateLimiter struct {
	cooldown time.Duration
}

// NewRateLimiter creates a limiter with the given cool-down. A zero or
// negative cool-down disables the check.
func NewRateLimiter(cooldown time.Duration) *RateLimiter {
	return &RateLimiter{cooldown: cooldown}
}

// Allow reports whether an automated send to the conversation is outside the
// cool-down window at the given instant. A suppressed send is skipped, never
// queued-and-delayed; the caller re-evaluates on the next pass.
func (l *RateLimiter) Allow(c *models.Conversation, now time.Time) bool {
	if l == nil || l.cooldown <= 0 {
		return true
	}
	if c == nil || c.LastAutoSendAt == nil {
		return true
	}
	return now.Sub(*c.LastAutoSendAt) >= l.cooldown
}

// Cooldown exposes the configured window for logs and diagnostics.
func (l *RateLimiter) Cooldown() time.Duration { return l.cooldown }
