package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/leadpilot/leadpilot/pkg/models"
	"github.com/leadpilot/leadpilot/pkg/repository"
)

// ConversationsHandler exposes conversation inspection and the explicit
// reopen transition; all other stage movement happens through the
// qualification flow.
type ConversationsHandler struct {
	convs repository.ConversationRepo
}

func NewConversationsHandler(convs repository.ConversationRepo) *ConversationsHandler {
	return &ConversationsHandler{convs: convs}
}

func (h *ConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	conv, err := h.convs.GetConversation(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "get conversation failed")
		return
	}
	if conv == nil {
		respondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

type reopenRequest struct {
	Stage models.Stage `json:"stage"`
}

func (h *ConversationsHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	var req reopenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !req.Stage.Valid() {
		respondError(w, http.StatusBadRequest, "unknown stage")
		return
	}

	if err := h.convs.ReopenConversation(r.Context(), id, req.Stage); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	conv, err := h.convs.GetConversation(r.Context(), id)
	if err != nil || conv == nil {
		respondError(w, http.StatusInternalServerError, "get conversation failed")
		return
	}
	respondJSON(w, http.StatusOK, conv)
}
