package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/orchestrator/internal/connector"
	apperrors "github.com/botfleet/orchestrator/internal/errors"
	"github.com/botfleet/orchestrator/internal/model"
)

// Deliverer hands runner-reported events to the connection they belong to.
type Deliverer interface {
	Deliver(ctx context.Context, instanceID string, ev connector.Event) error
}

// PairingReporter records pairing attempts the runner saw rejected.
type PairingReporter interface {
	ReportPairingFailure(ctx context.Context, id, reason string) (*model.Instance, error)
}

type RunnerHandler struct {
	deliverer Deliverer
	pairing   PairingReporter
}

func NewRunnerHandler(deliverer Deliverer, pairing PairingReporter) *RunnerHandler {
	return &RunnerHandler{deliverer: deliverer, pairing: pairing}
}

func (h *RunnerHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/instances/{id}/events", h.Event)
	r.Post("/instances/{id}/pairing-failed", h.PairingFailed)

	return r
}

// POST /runner/v1/instances/{id}/events
func (h *RunnerHandler) Event(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var ev connector.Event
	if err := decodeJSON(r, &ev, false); err != nil {
		writeError(w, r, err)
		return
	}
	switch ev.Type {
	case connector.EventCredentialsUpdated, connector.EventMessage, connector.EventConnectionState:
	default:
		writeError(w, r, apperrors.InvalidInput("type", "unknown event type"))
		return
	}

	if err := h.deliverer.Deliver(r.Context(), id, ev); err != nil {
		if errors.Is(err, connector.ErrNoConnection) {
			log.Debug().Str("instanceId", id).Str("type", string(ev.Type)).Msg("runner event for unknown connection")
			writeError(w, r, apperrors.NotFound("Connection"))
			return
		}
		writeError(w, r, apperrors.Internal("Failed to deliver event").WithCause(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// POST /runner/v1/instances/{id}/pairing-failed
func (h *RunnerHandler) PairingFailed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}

	inst, err := h.pairing.ReportPairingFailure(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deploymentState": inst.DeploymentState})
}
