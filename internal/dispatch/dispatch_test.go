package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leadpilot/leadpilot/pkg/models"
	"github.com/leadpilot/leadpilot/pkg/provider"
	"github.com/leadpilot/leadpilot/pkg/repository/mock"
)

func seedConversation(t *testing.T, store *mock.Store) (leadID, convID int64) {
	t.Helper()
	ctx := context.Background()
	leadID, err := store.CreateLead(ctx, &models.Lead{Name: "Amira", Phone: "+971500000001"})
	if err != nil {
		t.Fatalf("create lead: %v", err)
	}
	convID, err = store.CreateConversation(ctx, &models.Conversation{
		LeadID:  leadID,
		Channel: "whatsapp",
		Stage:   models.StageQualifying,
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return leadID, convID
}

func TestDedupeKeyDeterministic(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	k1 := DedupeKey(42, "expiry_reminder", at)
	k2 := DedupeKey(42, "expiry_reminder", at.Add(5*time.Hour))
	if k1 != k2 {
		t.Fatalf("same day must yield same key: %q vs %q", k1, k2)
	}
	if k1 != "42:expiry_reminder:2026-03-14" {
		t.Fatalf("unexpected key shape: %q", k1)
	}

	if DedupeKey(42, "expiry_reminder", at.Add(24*time.Hour)) == k1 {
		t.Fatal("next day must yield a different key")
	}
	if DedupeKey(42, "followup", at) == k1 {
		t.Fatal("different intent must yield a different key")
	}
	if DedupeKey(43, "expiry_reminder", at) == k1 {
		t.Fatal("different conversation must yield a different key")
	}
}

func TestRetryKeyDistinct(t *testing.T) {
	base := DedupeKey(7, "quote", time.Now())
	r1 := RetryKey(base, 3)
	if r1 == base {
		t.Fatal("retry key must differ from the original")
	}
	if RetryKey(base, 4) == r1 {
		t.Fatal("retry generations must yield distinct keys")
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	store := mock.New()
	_, convID := seedConversation(t, store)
	d := NewDispatcher(store, store, NewRateLimiter(0), nil)

	ctx := context.Background()
	req := EnqueueRequest{
		ConversationID: convID,
		Intent:         "expiry_reminder",
		Channel:        "whatsapp",
		Body:           "Your policy expires soon.",
		MaxAttempts:    3,
	}

	id1, err := d.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	id2, err := d.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("duplicate enqueue created a second job: %d vs %d", id1, id2)
	}

	stats, err := store.JobStats(ctx)
	if err != nil {
		t.Fatalf("job stats: %v", err)
	}
	if stats["queued"] != 1 {
		t.Fatalf("want exactly 1 queued job, got %d", stats["queued"])
	}
}

func TestEnqueueSuppressedByCooldown(t *testing.T) {
	store := mock.New()
	_, convID := seedConversation(t, store)
	ctx := context.Background()

	recent := time.Now().Add(-5 * time.Minute)
	if err := store.TouchLastAutoSend(ctx, convID, recent); err != nil {
		t.Fatalf("touch: %v", err)
	}

	d := NewDispatcher(store, store, NewRateLimiter(30*time.Minute), nil)
	_, err := d.Enqueue(ctx, EnqueueRequest{
		ConversationID: convID,
		Intent:         "expiry_reminder",
		Channel:        "whatsapp",
		Body:           "reminder",
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}

	stats, _ := store.JobStats(ctx)
	if stats["queued"] != 0 {
		t.Fatalf("suppressed send must not queue a job, got %d queued", stats["queued"])
	}

	// Outside the window the same enqueue goes through.
	d.SetNow(func() time.Time { return recent.Add(31 * time.Minute) })
	if _, err := d.Enqueue(ctx, EnqueueRequest{
		ConversationID: convID,
		Intent:         "expiry_reminder",
		Channel:        "whatsapp",
		Body:           "reminder",
	}); err != nil {
		t.Fatalf("enqueue past cool-down: %v", err)
	}
}

func TestRunnerSendsAndRecords(t *testing.T) {
	store := mock.New()
	_, convID := seedConversation(t, store)
	sender := provider.NewMockSender()
	ctx := context.Background()

	d := NewDispatcher(store, store, NewRateLimiter(0), nil)
	jobID, err := d.Enqueue(ctx, EnqueueRequest{
		ConversationID: convID,
		Intent:         "expiry_reminder",
		Channel:        "whatsapp",
		Body:           "Your policy expires in 30 days.",
		MaxAttempts:    3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	r := NewRunner(store, store, store, sender, time.Second, nil)
	res, err := r.Process(ctx, 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Sent != 1 || res.Failed != 0 || res.Retried != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	job, _ := store.GetJob(ctx, jobID)
	if job.Status != models.JobSent {
		t.Fatalf("job status = %s, want sent", job.Status)
	}
	if job.ProviderMessageID == "" {
		t.Fatal("provider message id not recorded")
	}

	sent := sender.Sent()
	if len(sent) != 1 || sent[0].To != "+971500000001" {
		t.Fatalf("unexpected deliveries: %+v", sent)
	}

	conv, _ := store.GetConversation(ctx, convID)
	if conv.LastAutoSendAt == nil {
		t.Fatal("last auto-send not stamped on the conversation")
	}

	// A second sweep finds nothing.
	res, err = r.Process(ctx, 10)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if res.Claimed != 0 {
		t.Fatalf("sent job was claimed again: %+v", res)
	}
}

func TestRunnerTransientFailureRequeues(t *testing.T) {
	store := mock.New()
	_, convID := seedConversation(t, store)
	sender := provider.NewMockSender()
	sender.FailN = 1
	ctx := context.Background()

	d := NewDispatcher(store, store, NewRateLimiter(0), nil)
	jobID, err := d.Enqueue(ctx, EnqueueRequest{
		ConversationID: convID,
		Intent:         "followup",
		Channel:        "whatsapp",
		Body:           "checking in",
		MaxAttempts:    3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	r := NewRunner(store, store, store, sender, time.Second, nil)
	res, err := r.Process(ctx, 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Retried != 1 || res.Sent != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	job, _ := store.GetJob(ctx, jobID)
	if job.Status != models.JobQueued {
		t.Fatalf("job status = %s, want queued", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}
	if job.NextTryAt == nil || !job.NextTryAt.After(time.Now()) {
		t.Fatalf("next try must be in the future, got %v", job.NextTryAt)
	}

	// The hold-off keeps the job out of the due list until it elapses.
	res, err = r.Process(ctx, 10)
	if err != nil {
		t.Fatalf("process during hold-off: %v", err)
	}
	if res.Claimed != 0 {
		t.Fatalf("job claimed during hold-off: %+v", res)
	}

	// Past the hold-off the retry succeeds.
	r.SetNow(func() time.Time { return job.NextTryAt.Add(time.Second) })
	res, err = r.Process(ctx, 10)
	if err != nil {
		t.Fatalf("process after hold-off: %v", err)
	}
	if res.Sent != 1 {
		t.Fatalf("retry did not send: %+v", res)
	}
}

func TestRunnerPermanentFailureIsTerminal(t *testing.T) {
	store := mock.New()
	_, convID := seedConversation(t, store)
	sender := provider.NewMockSender()
	sender.Fail = &provider.Error{Code: 400, Message: "invalid recipient", Permanent: true}
	ctx := context.Background()

	d := NewDispatcher(store, store, NewRateLimiter(0), nil)
	jobID, err := d.Enqueue(ctx, EnqueueRequest{
		ConversationID: convID,
		Intent:         "quote",
		Channel:        "whatsapp",
		Body:           "your quote",
		MaxAttempts:    5,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	r := NewRunner(store, store, store, sender, time.Second, nil)
	res, err := r.Process(ctx, 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Failed != 1 || res.Retried != 0 {
		t.Fatalf("permanent error must not retry: %+v", res)
	}

	job, _ := store.GetJob(ctx, jobID)
	if job.Status != models.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if job.LastError == "" {
		t.Fatal("failure cause not recorded")
	}
}

func TestRunnerExhaustsAttempts(t *testing.T) {
	store := mock.New()
	_, convID := seedConversation(t, store)
	sender := provider.NewMockSender()
	sender.Fail = &provider.Error{Code: 503, Message: "provider down"}
	ctx := context.Background()

	d := NewDispatcher(store, store, NewRateLimiter(0), nil)
	jobID, err := d.Enqueue(ctx, EnqueueRequest{
		ConversationID: convID,
		Intent:         "followup",
		Channel:        "whatsapp",
		Body:           "checking in",
		MaxAttempts:    2,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	r := NewRunner(store, store, store, sender, time.Second, nil)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := r.Process(ctx, 10); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
		now = now.Add(10 * time.Minute)
		cur := now
		r.SetNow(func() time.Time { return cur })
	}

	job, _ := store.GetJob(ctx, jobID)
	if job.Status != models.JobFailed {
		t.Fatalf("job status = %s, want failed after max attempts", job.Status)
	}
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}
}

// flakyLookupStore errors a fixed number of conversation or lead reads, then
// behaves like the wrapped store.
type flakyLookupStore struct {
	*mock.Store
	convErrs int
	leadErrs int
}

func (f *flakyLookupStore) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	if f.convErrs > 0 {
		f.convErrs--
		return nil, errors.New("store unavailable")
	}
	return f.Store.GetConversation(ctx, id)
}

func (f *flakyLookupStore) GetLead(ctx context.Context, id int64) (*models.Lead, error) {
	if f.leadErrs > 0 {
		f.leadErrs--
		return nil, errors.New("store unavailable")
	}
	return f.Store.GetLead(ctx, id)
}

func TestRunnerLookupErrorRequeues(t *testing.T) {
	store := mock.New()
	_, convID := seedConversation(t, store)
	sender := provider.NewMockSender()
	ctx := context.Background()

	d := NewDispatcher(store, store, NewRateLimiter(0), nil)
	jobID, err := d.Enqueue(ctx, EnqueueRequest{
		ConversationID: convID,
		Intent:         "followup",
		Channel:        "whatsapp",
		Body:           "checking in",
		MaxAttempts:    3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	flaky := &flakyLookupStore{Store: store, convErrs: 1, leadErrs: 1}
	r := NewRunner(store, flaky, flaky, sender, time.Second, nil)

	// First sweep hits the conversation read error, second the lead read
	// error. Both are passing store hiccups, so the job stays queued.
	for i := 0; i < 2; i++ {
		res, err := r.Process(ctx, 10)
		if err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
		if res.Retried != 1 || res.Failed != 0 || res.Sent != 0 {
			t.Fatalf("sweep %d must requeue, got %+v", i, res)
		}
		job, _ := store.GetJob(ctx, jobID)
		if job.Status != models.JobQueued {
			t.Fatalf("sweep %d left job %s, want queued", i, job.Status)
		}
		if job.NextTryAt == nil {
			t.Fatalf("sweep %d set no hold-off", i)
		}
		r.SetNow(func() time.Time { return job.NextTryAt.Add(time.Second) })
	}

	// With the store healthy again the send goes through.
	res, err := r.Process(ctx, 10)
	if err != nil {
		t.Fatalf("final process: %v", err)
	}
	if res.Sent != 1 {
		t.Fatalf("healthy sweep did not send: %+v", res)
	}
}

func TestRunnerMissingRowIsTerminal(t *testing.T) {
	store := mock.New()
	ctx := context.Background()

	// A job pointing at a conversation that no longer exists.
	jobID, _, err := store.EnqueueJob(ctx, &models.OutboundJob{
		ConversationID: 999,
		Channel:        "whatsapp",
		Body:           "checking in",
		DedupeKey:      DedupeKey(999, "followup", time.Now()),
		MaxAttempts:    3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	r := NewRunner(store, store, store, provider.NewMockSender(), time.Second, nil)
	res, err := r.Process(ctx, 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Failed != 1 || res.Retried != 0 {
		t.Fatalf("missing row must be terminal: %+v", res)
	}

	job, _ := store.GetJob(ctx, jobID)
	if job.Status != models.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if job.LastError == "" {
		t.Fatal("failure cause not recorded")
	}
}

func TestRetryFailedCreatesNewJob(t *testing.T) {
	store := mock.New()
	_, convID := seedConversation(t, store)
	ctx := context.Background()

	d := NewDispatcher(store, store, NewRateLimiter(0), nil)
	jobID, err := d.Enqueue(ctx, EnqueueRequest{
		ConversationID: convID,
		Intent:         "quote",
		Channel:        "whatsapp",
		Body:           "your quote",
		MaxAttempts:    2,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := d.RetryFailed(ctx, jobID); err == nil {
		t.Fatal("retrying a queued job must be rejected")
	}

	if err := store.MarkJobFailed(ctx, jobID, 2, "provider down"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	newID, err := d.RetryFailed(ctx, jobID)
	if err != nil {
		t.Fatalf("retry failed job: %v", err)
	}
	if newID == jobID {
		t.Fatal("retry must create a new job, not resurrect the old one")
	}

	old, _ := store.GetJob(ctx, jobID)
	fresh, _ := store.GetJob(ctx, newID)
	if old.Status != models.JobFailed {
		t.Fatalf("original job mutated: %s", old.Status)
	}
	if fresh.Status != models.JobQueued || fresh.DedupeKey == old.DedupeKey {
		t.Fatalf("unexpected new job: %+v", fresh)
	}
}

func TestConcurrentRunnersSendEachJobOnce(t *testing.T) {
	store := mock.New()
	ctx := context.Background()
	sender := provider.NewMockSender()

	d := NewDispatcher(store, store, NewRateLimiter(0), nil)
	const jobCount = 8
	for i := 0; i < jobCount; i++ {
		_, convID := seedConversation(t, store)
		if _, err := d.Enqueue(ctx, EnqueueRequest{
			ConversationID: convID,
			Intent:         "expiry_reminder",
			Channel:        "whatsapp",
			Body:           "reminder",
			MaxAttempts:    3,
		}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	const workers = 4
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := NewRunner(store, store, store, sender, time.Second, nil)
			if _, err := r.Process(ctx, jobCount); err != nil {
				t.Errorf("process: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(sender.Sent()); got != jobCount {
		t.Fatalf("delivered %d messages for %d jobs", got, jobCount)
	}
	stats, _ := store.JobStats(ctx)
	if stats["sent"] != jobCount {
		t.Fatalf("want %d sent jobs, got %d", jobCount, stats["sent"])
	}
}

func TestBackoffDuration(t *testing.T) {
	if BackoffDuration(1) != 2*time.Second {
		t.Fatalf("attempt 1 = %v", BackoffDuration(1))
	}
	if BackoffDuration(3) != 8*time.Second {
		t.Fatalf("attempt 3 = %v", BackoffDuration(3))
	}
	if BackoffDuration(20) != 5*time.Minute {
		t.Fatalf("backoff must cap at 5m, got %v", BackoffDuration(20))
	}
}
