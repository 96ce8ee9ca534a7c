package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/leadpilot/leadpilot/internal/dispatch"
	"github.com/leadpilot/leadpilot/pkg/repository"
)

// OutboundHandler exposes the delivery queue: manual sweeps, job inspection,
// retry of terminally failed jobs and queue statistics.
type OutboundHandler struct {
	jobs       repository.OutboundJobRepo
	runner     *dispatch.Runner
	dispatcher *dispatch.Dispatcher
}

func NewOutboundHandler(jobs repository.OutboundJobRepo, runner *dispatch.Runner, d *dispatch.Dispatcher) *OutboundHandler {
	return &OutboundHandler{jobs: jobs, runner: runner, dispatcher: d}
}

type processRequest struct {
	Max int `json:"max"`
}

// Process claims and sends due jobs; the manual counterpart of the
// background sweep.
func (h *OutboundHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid payload")
			return
		}
	}

	res, err := h.runner.Process(r.Context(), req.Max)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *OutboundHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "get job failed")
		return
	}
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// RetryJob re-enqueues a failed job as a fresh job with a derived dedupe key.
func (h *OutboundHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	newID, err := h.dispatcher.RetryFailed(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"job_id": newID})
}

func (h *OutboundHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.JobStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "job stats failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": stats})
}
