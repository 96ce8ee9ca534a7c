// Package mock provides an in-memory Repository implementation for tests.
// It mirrors the sqlite implementation's semantics where they matter to
// callers: dedupe-key uniqueness, conditional claims and CAS versioning.
package mock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/leadpilot/leadpilot/pkg/models"
	"github.com/leadpilot/leadpilot/pkg/repository"
)

// Store is a single in-memory backing for every repository contract.
type Store struct {
	mu sync.Mutex

	nextID        int64
	conversations map[int64]*models.Conversation
	leads         map[int64]*models.Lead
	rules         map[string]*models.AutomationRule
	jobs          map[int64]*models.OutboundJob
	jobsByKey     map[string]int64
	runLogs       []models.RunLog
	reminders     []models.ReminderEntry
	tasks         map[int64]*models.Task
	agents        map[int64]*models.Agent
}

// New returns an empty store.
func New() *Store {
	return &Store{
		conversations: make(map[int64]*models.Conversation),
		leads:         make(map[int64]*models.Lead),
		rules:         make(map[string]*models.AutomationRule),
		jobs:          make(map[int64]*models.OutboundJob),
		jobsByKey:     make(map[string]int64),
		tasks:         make(map[int64]*models.Task),
		agents:        make(map[int64]*models.Agent),
	}
}

// Repository bundles the store into the aggregate contract.
func (s *Store) Repository() *repository.Repository {
	return &repository.Repository{
		Conversations: s,
		Leads:         s,
		Rules:         s,
		Jobs:          s,
		RunLogs:       s,
		Reminders:     s,
		Tasks:         s,
		Agents:        s,
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// --- conversations ---

func (s *Store) CreateConversation(_ context.Context, c *models.Conversation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.id()
	if c.StateVersion == 0 {
		c.StateVersion = 1
	}
	cp := *c
	s.conversations[c.ID] = &cp
	return c.ID, nil
}

func (s *Store) GetConversation(_ context.Context, id int64) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetConversationByLead(_ context.Context, leadID int64, channel string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.LeadID == leadID && c.Channel == channel && !c.Archived {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) UpdateConversationCAS(_ context.Context, c *models.Conversation, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.conversations[c.ID]
	if !ok || cur.StateVersion != expectedVersion {
		return repository.ErrStaleVersion
	}
	if c.Stage.Rank() < cur.Stage.Rank() {
		return repository.ErrStageRegression
	}
	cp := *c
	cp.StateVersion = expectedVersion + 1
	cp.LastAutoSendAt = cur.LastAutoSendAt
	s.conversations[c.ID] = &cp
	c.StateVersion = cp.StateVersion
	return nil
}

func (s *Store) TouchLastAutoSend(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil
	}
	t := at
	c.LastAutoSendAt = &t
	c.StateVersion++
	return nil
}

func (s *Store) ReopenConversation(_ context.Context, id int64, stage models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %d not found", id)
	}
	c.Stage = stage
	c.Archived = false
	c.LastQuestionKey = ""
	c.StateVersion++
	return nil
}

func (s *Store) ArchiveConversation(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok {
		c.Archived = true
	}
	return nil
}

// --- leads ---

func (s *Store) CreateLead(_ context.Context, l *models.Lead) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = s.id()
	cp := *l
	s.leads[l.ID] = &cp
	return l.ID, nil
}

func (s *Store) GetLead(_ context.Context, id int64) (*models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *Store) GetLeadByPhone(_ context.Context, phone string) (*models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.leads {
		if l.Phone == phone {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ListActiveLeads(_ context.Context, limit int) ([]models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Lead, 0, len(s.leads))
	for _, l := range s.leads {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SetLeadPriority(_ context.Context, id int64, priority string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leads[id]; ok {
		l.Priority = priority
	}
	return nil
}

func (s *Store) SetNextFollowup(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leads[id]; ok {
		t := at
		l.NextFollowupAt = &t
	}
	return nil
}

func (s *Store) TouchLastContact(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leads[id]; ok {
		t := at
		l.LastContactAt = &t
	}
	return nil
}

// --- rules ---

func (s *Store) SaveRule(_ context.Context, r *models.AutomationRule) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rules[r.RuleKey]; ok {
		r.ID = cur.ID
	} else {
		r.ID = s.id()
	}
	cp := *r
	s.rules[r.RuleKey] = &cp
	return r.ID, nil
}

func (s *Store) GetRuleByKey(_ context.Context, key string) (*models.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[key]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListRules(_ context.Context, scheduleTag string, enabledOnly bool) ([]models.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AutomationRule, 0, len(s.rules))
	for _, r := range s.rules {
		if scheduleTag != "" && r.ScheduleTag != scheduleTag {
			continue
		}
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].RuleKey, out[j].RuleKey) < 0
	})
	return out, nil
}

func (s *Store) SetRuleEnabled(_ context.Context, key string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rules[key]; ok {
		r.Enabled = enabled
	}
	return nil
}

// --- outbound jobs ---

func (s *Store) EnqueueJob(_ context.Context, j *models.OutboundJob) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobsByKey[j.DedupeKey]; ok {
		return existing, false, nil
	}
	j.ID = s.id()
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 3
	}
	if j.Status == "" {
		j.Status = models.JobQueued
	}
	cp := *j
	s.jobs[j.ID] = &cp
	s.jobsByKey[j.DedupeKey] = j.ID
	return j.ID, true, nil
}

func (s *Store) GetJob(_ context.Context, id int64) (*models.OutboundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *Store) GetJobByDedupeKey(_ context.Context, key string) (*models.OutboundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.jobsByKey[key]
	if !ok {
		return nil, nil
	}
	cp := *s.jobs[id]
	return &cp, nil
}

func (s *Store) ListDueQueuedIDs(_ context.Context, limit int, now time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, j := range s.jobs {
		if j.Status != models.JobQueued {
			continue
		}
		if j.NextTryAt != nil && j.NextTryAt.After(now) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) ClaimJob(_ context.Context, id int64) (*models.OutboundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobQueued {
		return nil, nil
	}
	j.Status = models.JobProcessing
	cp := *j
	return &cp, nil
}

func (s *Store) MarkJobSent(_ context.Context, id int64, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = models.JobSent
		j.Attempts++
		j.ProviderMessageID = providerMessageID
	}
	return nil
}

func (s *Store) RequeueJob(_ context.Context, id int64, attempts int, lastError string, nextTry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = models.JobQueued
		j.Attempts = attempts
		j.LastError = lastError
		t := nextTry
		j.NextTryAt = &t
	}
	return nil
}

func (s *Store) MarkJobFailed(_ context.Context, id int64, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = models.JobFailed
		j.Attempts = attempts
		j.LastError = lastError
	}
	return nil
}

func (s *Store) JobStats(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make(map[string]int)
	for _, j := range s.jobs {
		stats[string(j.Status)]++
	}
	return stats, nil
}

// --- run logs ---

func (s *Store) AppendRunLog(_ context.Context, l *models.RunLog) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = s.id()
	s.runLogs = append(s.runLogs, *l)
	return l.ID, nil
}

func (s *Store) ListRunLogs(_ context.Context, limit int) ([]models.RunLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.RunLog, len(s.runLogs))
	copy(out, s.runLogs)
	// newest first
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- reminders ---

func (s *Store) LastReminder(_ context.Context, leadID int64, ruleKey, checkpoint string) (*models.ReminderEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *models.ReminderEntry
	for i := range s.reminders {
		e := &s.reminders[i]
		if e.LeadID != leadID || e.RuleKey != ruleKey || e.Checkpoint != checkpoint {
			continue
		}
		if last == nil || e.SentAt > last.SentAt {
			last = e
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (s *Store) RecordReminder(_ context.Context, e *models.ReminderEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.id()
	s.reminders = append(s.reminders, *e)
	return e.ID, nil
}

// --- tasks ---

func (s *Store) CreateTask(_ context.Context, t *models.Task) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.id()
	cp := *t
	s.tasks[t.ID] = &cp
	return t.ID, nil
}

func (s *Store) ListTasksByLead(_ context.Context, leadID int64) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Task
	for _, t := range s.tasks {
		if t.LeadID == leadID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- agents ---

func (s *Store) CreateAgent(_ context.Context, a *models.Agent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = s.id()
	cp := *a
	s.agents[a.ID] = &cp
	return a.ID, nil
}

func (s *Store) GetAgentByEmail(_ context.Context, email string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}
