package api

import (
	"encoding/json"
	"net/http"

	"log/slog"

	"github.com/leadpilot/leadpilot/internal/reply"
)

// WebhookHandler receives inbound messages from the messaging provider.
type WebhookHandler struct {
	orchestrator *reply.Orchestrator
}

func NewWebhookHandler(o *reply.Orchestrator) *WebhookHandler {
	return &WebhookHandler{orchestrator: o}
}

// Inbound handles one provider webhook delivery. The provider retries on
// non-2xx, so validation failures return 400 while processing failures return
// 500 and will be redelivered; the dedupe layer absorbs the replays.
func (h *WebhookHandler) Inbound(w http.ResponseWriter, r *http.Request) {
	var in reply.Inbound
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if in.Phone == "" || in.Text == "" {
		respondError(w, http.StatusBadRequest, "phone and text are required")
		return
	}

	res, err := h.orchestrator.HandleInbound(r.Context(), in)
	if err != nil {
		logger.Error("inbound processing failed",
			slog.String("phone", in.Phone),
			slog.String("error", err.Error()),
		)
		respondError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	respondJSON(w, http.StatusOK, res)
}
