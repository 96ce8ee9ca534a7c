// Package dispatch is the outbound delivery pipeline: deterministic dedupe
// keys, idempotent enqueue gated by a persisted cool-down, and a job runner
// that claims queued jobs with conditional updates so concurrent runner
// instances never double-send.
package dispatch

import (
	"fmt"
	"time"
)

// DedupeKey derives the idempotency key for one logical message. It is pure:
// the same (conversation, intent, bucket) always yields the same key across
// process restarts; a new day or a new intent yields a different key. No
// randomness and no wall-clock input beyond the bucket.
func DedupeKey(conversationID int64, intent string, at time.Time) string {
	return fmt.Sprintf("%d:%s:%s", conversationID, intent, at.UTC().Format("2006-01-02"))
}

// RetryKey derives a fresh dedupe key for re-enqueueing a terminally failed
// job as a new job. The original key stays burned; the derived key encodes
// the retry generation so the new job is a distinct logical message.
func RetryKey(originalKey string, generation int) string {
	return fmt.Sprintf("%s:r%d", originalKey, generation)
}
