package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leadpilot/leadpilot/pkg/models"
	"github.com/leadpilot/leadpilot/pkg/repository"
)

// ErrRateLimited marks a send suppressed by the per-conversation cool-down.
// Callers treat it as a skip, not a failure.
var ErrRateLimited = errors.New("conversation is inside the automated-send cool-down")

// EnqueueRequest describes one logical message to queue.
type EnqueueRequest struct {
	ConversationID int64
	Intent         string // message intent feeding the dedupe key, e.g. "expiry_reminder"
	Channel        string
	Body           string
	TemplateKey    string
	MaxAttempts    int
}

// Dispatcher owns idempotent enqueue: dedupe-key stamping, cool-down gating
// and the collapse of repeated enqueues into one job row.
type Dispatcher struct {
	jobs    repository.OutboundJobRepo
	convs   repository.ConversationRepo
	limiter *RateLimiter
	logger  *slog.Logger
	nowFn   func() time.Time
}

// NewDispatcher wires the dispatcher. logger may be nil.
func NewDispatcher(jobs repository.OutboundJobRepo, convs repository.ConversationRepo, limiter *RateLimiter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{jobs: jobs, convs: convs, limiter: limiter, logger: logger, nowFn: time.Now}
}

// SetNow overrides the clock; tests only.
func (d *Dispatcher) SetNow(fn func() time.Time) {
	if fn != nil {
		d.nowFn = fn
	}
}

// Enqueue stamps the request with its dedupe key and inserts the job. When a
// job with the same key already exists the call is a no-op returning the
// existing id. ErrRateLimited is returned when the conversation is inside
// its cool-down; nothing is queued.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	now := d.nowFn()

	conv, err := d.convs.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return 0, fmt.Errorf("load conversation %d: %w", req.ConversationID, err)
	}
	if conv == nil {
		return 0, fmt.Errorf("conversation %d not found", req.ConversationID)
	}
	if !d.limiter.Allow(conv, now) {
		d.logger.Info("send suppressed by cool-down",
			slog.Int64("conversation_id", req.ConversationID),
			slog.String("intent", req.Intent),
			slog.Duration("cooldown", d.limiter.Cooldown()),
		)
		return 0, ErrRateLimited
	}

	key := DedupeKey(req.ConversationID, req.Intent, now)
	return d.enqueueKeyed(ctx, key, req)
}

// Preview walks the same path as Enqueue, including the conversation lookup
// and cool-down gate, but stops short of the insert. Nil means a real call
// would queue the message (or collapse into an existing job).
func (d *Dispatcher) Preview(ctx context.Context, req EnqueueRequest) error {
	conv, err := d.convs.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation %d: %w", req.ConversationID, err)
	}
	if conv == nil {
		return fmt.Errorf("conversation %d not found", req.ConversationID)
	}
	if !d.limiter.Allow(conv, d.nowFn()) {
		return ErrRateLimited
	}
	return nil
}

// RetryFailed re-enqueues a terminally failed job as a new job with a derived
// dedupe key. Jobs are never resurrected in place.
func (d *Dispatcher) RetryFailed(ctx context.Context, jobID int64) (int64, error) {
	job, err := d.jobs.GetJob(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("load job %d: %w", jobID, err)
	}
	if job == nil {
		return 0, fmt.Errorf("job %d not found", jobID)
	}
	if job.Status != models.JobFailed {
		return 0, fmt.Errorf("job %d is %s, only failed jobs can be re-enqueued", jobID, job.Status)
	}

	key := RetryKey(job.DedupeKey, job.Attempts)
	return d.enqueueKeyed(ctx, key, EnqueueRequest{
		ConversationID: job.ConversationID,
		Channel:        job.Channel,
		Body:           job.Body,
		TemplateKey:    job.TemplateKey,
		MaxAttempts:    job.MaxAttempts,
	})
}

func (d *Dispatcher) enqueueKeyed(ctx context.Context, key string, req EnqueueRequest) (int64, error) {
	job := &models.OutboundJob{
		DedupeKey:      key,
		ConversationID: req.ConversationID,
		Channel:        req.Channel,
		Body:           req.Body,
		TemplateKey:    req.TemplateKey,
		Status:         models.JobQueued,
		MaxAttempts:    req.MaxAttempts,
	}

	id, created, err := d.jobs.EnqueueJob(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("enqueue job: %w", err)
	}
	if !created {
		d.logger.Debug("duplicate enqueue collapsed",
			slog.Int64("job_id", id),
			slog.String("dedupe_prefix", job.DedupePrefix()),
		)
		return id, nil
	}

	d.logger.Info("job queued",
		slog.Int64("job_id", id),
		slog.Int64("conversation_id", req.ConversationID),
		slog.String("dedupe_prefix", job.DedupePrefix()),
	)
	return id, nil
}
