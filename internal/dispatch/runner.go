package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/leadpilot/leadpilot/pkg/models"
	"github.com/leadpilot/leadpilot/pkg/provider"
	"github.com/leadpilot/leadpilot/pkg/repository"
)

// Result aggregates one processing sweep.
type Result struct {
	Claimed   int     `json:"claimed"`
	Sent      int     `json:"sent"`
	Retried   int     `json:"retried"`
	Failed    int     `json:"failed"`
	JobIDs    []int64 `json:"job_ids,omitempty"`
	LastError string  `json:"last_error,omitempty"`
}

// Runner drains due queued jobs: claim, send via the provider, record the
// outcome. Safe to run from several processes at once; the conditional claim
// guarantees each job is sent at most once.
type Runner struct {
	jobs        repository.OutboundJobRepo
	convs       repository.ConversationRepo
	leads       repository.LeadRepo
	sender      provider.Sender
	sendTimeout time.Duration
	logger      *slog.Logger
	nowFn       func() time.Time
}

// NewRunner wires the runner. sendTimeout bounds each provider call;
// zero means 30s.
func NewRunner(jobs repository.OutboundJobRepo, convs repository.ConversationRepo, leads repository.LeadRepo, sender provider.Sender, sendTimeout time.Duration, logger *slog.Logger) *Runner {
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		jobs:        jobs,
		convs:       convs,
		leads:       leads,
		sender:      sender,
		sendTimeout: sendTimeout,
		logger:      logger,
		nowFn:       time.Now,
	}
}

// SetNow overrides the clock; tests only.
func (r *Runner) SetNow(fn func() time.Time) {
	if fn != nil {
		r.nowFn = fn
	}
}

// Process claims and sends up to max due jobs. Jobs lost to a concurrent
// claimer are skipped silently. One job's failure never stops the sweep.
func (r *Runner) Process(ctx context.Context, max int) (*Result, error) {
	if max <= 0 {
		max = 10
	}

	ids, err := r.jobs.ListDueQueuedIDs(ctx, max, r.nowFn())
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}

	res := &Result{}
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		job, err := r.jobs.ClaimJob(ctx, id)
		if err != nil {
			r.logger.Error("claim failed", slog.Int64("job_id", id), slog.String("error", err.Error()))
			res.LastError = err.Error()
			continue
		}
		if job == nil {
			// Another worker got there first.
			continue
		}

		res.Claimed++
		res.JobIDs = append(res.JobIDs, id)
		r.processOne(ctx, job, res)
	}
	return res, nil
}

func (r *Runner) processOne(ctx context.Context, job *models.OutboundJob, res *Result) {
	// A lookup error may be a passing store hiccup, so the job goes back in
	// the queue; only a genuinely missing row is terminal.
	conv, err := r.convs.GetConversation(ctx, job.ConversationID)
	if err != nil {
		r.retry(ctx, job, res, fmt.Sprintf("load conversation %d: %v", job.ConversationID, err))
		return
	}
	if conv == nil {
		r.fail(ctx, job, res, fmt.Sprintf("conversation %d not found", job.ConversationID))
		return
	}
	lead, err := r.leads.GetLead(ctx, conv.LeadID)
	if err != nil {
		r.retry(ctx, job, res, fmt.Sprintf("load lead %d: %v", conv.LeadID, err))
		return
	}
	if lead == nil {
		r.fail(ctx, job, res, fmt.Sprintf("lead %d not found", conv.LeadID))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	sent, err := r.sender.Send(sendCtx, lead.Phone, job.Channel, job.Body)
	cancel()

	if err != nil {
		if provider.IsPermanent(err) {
			r.fail(ctx, job, res, err.Error())
			return
		}
		r.retry(ctx, job, res, err.Error())
		return
	}

	if err := r.jobs.MarkJobSent(ctx, job.ID, sent.ProviderMessageID); err != nil {
		r.logger.Error("mark sent failed", slog.Int64("job_id", job.ID), slog.String("error", err.Error()))
		res.LastError = err.Error()
		return
	}
	if err := r.convs.TouchLastAutoSend(ctx, job.ConversationID, r.nowFn()); err != nil {
		// The send itself succeeded; a stale cool-down stamp only risks an
		// extra suppression later.
		r.logger.Warn("touch last auto-send failed",
			slog.Int64("conversation_id", job.ConversationID),
			slog.String("error", err.Error()),
		)
	}

	res.Sent++
	r.logger.Info("job sent",
		slog.Int64("job_id", job.ID),
		slog.String("provider_message_id", sent.ProviderMessageID),
	)
}

func (r *Runner) retry(ctx context.Context, job *models.OutboundJob, res *Result, cause string) {
	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		r.fail(ctx, job, res, cause)
		return
	}

	nextTry := r.nowFn().Add(BackoffDuration(attempts))
	if err := r.jobs.RequeueJob(ctx, job.ID, attempts, cause, nextTry); err != nil {
		r.logger.Error("requeue failed", slog.Int64("job_id", job.ID), slog.String("error", err.Error()))
		res.LastError = err.Error()
		return
	}

	res.Retried++
	res.LastError = cause
	r.logger.Warn("job requeued",
		slog.Int64("job_id", job.ID),
		slog.Int("attempts", attempts),
		slog.Time("next_try_at", nextTry),
		slog.String("error", cause),
	)
}

func (r *Runner) fail(ctx context.Context, job *models.OutboundJob, res *Result, cause string) {
	if err := r.jobs.MarkJobFailed(ctx, job.ID, job.Attempts+1, cause); err != nil {
		r.logger.Error("mark failed errored", slog.Int64("job_id", job.ID), slog.String("error", err.Error()))
		res.LastError = err.Error()
		return
	}
	res.Failed++
	res.LastError = cause
	r.logger.Error("job failed permanently",
		slog.Int64("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
		slog.String("error", cause),
	)
}
