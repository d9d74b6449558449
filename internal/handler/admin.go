package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/botfleet/orchestrator/internal/audit"
	"github.com/botfleet/orchestrator/internal/billing"
)

type AdminHandler struct {
	coordinator *billing.Coordinator
}

func NewAdminHandler(coordinator *billing.Coordinator) *AdminHandler {
	return &AdminHandler{coordinator: coordinator}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/subscriptions/extend", h.ExtendSubscription)

	return r
}

// POST /admin/subscriptions/extend
func (h *AdminHandler) ExtendSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string `json:"ownerId"`
		Days    int    `json:"days"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}

	sub, err := h.coordinator.ExtendSubscription(r.Context(), req.OwnerID, req.Days)
	if err != nil {
		writeError(w, r, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventAdminExtend,
		OwnerID: req.OwnerID,
		Details: map[string]any{"days": req.Days},
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"ownerId":   sub.OwnerID,
		"plan":      sub.Plan,
		"expiresAt": formatTime(&sub.ExpiresAt),
	})
}
