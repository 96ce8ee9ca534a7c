package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/leadpilot/leadpilot/internal/rules"
	"github.com/leadpilot/leadpilot/pkg/models"
	"github.com/leadpilot/leadpilot/pkg/repository"
)

// RulesHandler exposes automation rule management and manual engine runs.
type RulesHandler struct {
	ruleRepo repository.RuleRepo
	runLogs  repository.RunLogRepo
	engine   *rules.Engine
}

func NewRulesHandler(ruleRepo repository.RuleRepo, runLogs repository.RunLogRepo, engine *rules.Engine) *RulesHandler {
	return &RulesHandler{ruleRepo: ruleRepo, runLogs: runLogs, engine: engine}
}

func (h *RulesHandler) List(w http.ResponseWriter, r *http.Request) {
	scheduleTag := r.URL.Query().Get("schedule_tag")
	enabledOnly := r.URL.Query().Get("enabled") == "true"

	list, err := h.ruleRepo.ListRules(r.Context(), scheduleTag, enabledOnly)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list rules failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": list})
}

func (h *RulesHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	rule, err := h.ruleRepo.GetRuleByKey(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "get rule failed")
		return
	}
	if rule == nil {
		respondError(w, http.StatusNotFound, "rule not found")
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Save validates and upserts a rule by its rule_key.
func (h *RulesHandler) Save(w http.ResponseWriter, r *http.Request) {
	var rule models.AutomationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := rules.ValidateRule(r.Context(), &rule); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.ruleRepo.SaveRule(r.Context(), &rule)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "save rule failed")
		return
	}
	rule.ID = id
	respondJSON(w, http.StatusOK, rule)
}

func (h *RulesHandler) SetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := mux.Vars(r)["key"]
		if err := h.ruleRepo.SetRuleEnabled(r.Context(), key, enabled); err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"rule_key": key, "enabled": enabled})
	}
}

type runRequest struct {
	ScheduleTag string `json:"schedule_tag"`
	RuleKey     string `json:"rule_key"`
	DryRun      bool   `json:"dry_run"`
}

// Run triggers the engine: one rule when rule_key is set (its cron schedule
// is bypassed), otherwise every enabled rule under schedule_tag.
func (h *RulesHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	var (
		summary *rules.RunSummary
		err     error
	)
	if req.RuleKey != "" {
		summary, err = h.engine.RunRuleByKey(r.Context(), req.RuleKey, req.DryRun)
	} else {
		summary, err = h.engine.RunScheduledRules(r.Context(), req.ScheduleTag, req.DryRun)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

func (h *RulesHandler) Runs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	logs, err := h.runLogs.ListRunLogs(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list run logs failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": logs})
}
