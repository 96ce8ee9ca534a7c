// Package provider is the messaging-provider boundary: a WhatsApp-style HTTP
// API behind a small Sender contract, plus error classification the dispatch
// layer relies on to decide retry vs terminal failure.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// SendResult carries the provider-assigned id for a delivered message.
type SendResult struct {
	ProviderMessageID string `json:"provider_message_id"`
}

// Sender delivers one rendered message to one conversation target.
type Sender interface {
	Send(ctx context.Context, to, channel, text string) (*SendResult, error)
}

// Error is a delivery failure with a retry classification. Permanent errors
// (invalid recipient, revoked credentials) must not be retried; everything
// else is treated as transient and eligible for backoff.
type Error struct {
	Code      int
	Message   string
	Permanent bool
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("provider %s error (code %d): %s", kind, e.Code, e.Message)
}

// IsPermanent reports whether err is a classified permanent delivery error.
// Unclassified errors (timeouts, connection resets) count as transient.
func IsPermanent(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Permanent
	}
	return false
}
