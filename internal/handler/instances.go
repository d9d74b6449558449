package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/orchestrator/internal/audit"
	"github.com/botfleet/orchestrator/internal/middleware"
	"github.com/botfleet/orchestrator/internal/orchestrator"
)

type InstanceHandler struct {
	orch *orchestrator.Orchestrator
}

func NewInstanceHandler(orch *orchestrator.Orchestrator) *InstanceHandler {
	return &InstanceHandler{orch: orch}
}

func (h *InstanceHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Status)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/pair", h.Pair)
	r.Post("/{id}/credentials", h.UploadCredentials)
	r.Post("/{id}/deploy", h.Deploy)
	r.Post("/{id}/restart", h.Restart)
	r.Post("/{id}/stop", h.Stop)

	return r
}

// POST /v1/instances
func (h *InstanceHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwnerID(r.Context())

	var req struct {
		Name          string `json:"name"`
		AccountNumber string `json:"accountNumber"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}

	inst, err := h.orch.Create(r.Context(), owner, orchestrator.CreateInput{
		Name:          req.Name,
		AccountNumber: req.AccountNumber,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, formatInstance(inst))
}

// GET /v1/instances
func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwnerID(r.Context())
	params := ParsePagination(r)

	instances, err := h.orch.List(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}

	start, end := params.page(len(instances))
	items := make([]map[string]any, 0, end-start)
	for i := start; i < end; i++ {
		items = append(items, formatInstance(&instances[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  len(instances),
		"limit":  params.Limit,
		"offset": params.Offset,
	})
}

// GET /v1/instances/{id}
func (h *InstanceHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.orch.Status(r.Context(), middleware.GetOwnerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// POST /v1/instances/{id}/pair
func (h *InstanceHandler) Pair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountNumber string `json:"accountNumber"`
	}
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.orch.Pair(r.Context(), middleware.GetOwnerID(r.Context()), chi.URLParam(r, "id"), req.AccountNumber)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /v1/instances/{id}/credentials
func (h *InstanceHandler) UploadCredentials(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwnerID(r.Context())
	id := chi.URLParam(r, "id")

	var req struct {
		Credentials json.RawMessage `json:"credentials"`
		Passphrase  string          `json:"passphrase"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}

	inst, err := h.orch.UploadCredentials(r.Context(), owner, id, orchestrator.UploadInput{
		Credentials: req.Credentials,
		Passphrase:  req.Passphrase,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:       audit.EventCredentialsUpload,
		OwnerID:    owner,
		InstanceID: id,
		Details:    map[string]any{"passphrase": req.Passphrase != ""},
	})
	writeJSON(w, http.StatusOK, formatInstance(inst))
}

// POST /v1/instances/{id}/deploy
// Returns once the instance is deploying; the outcome arrives as a state event.
func (h *InstanceHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	inst, err := h.orch.Deploy(r.Context(), middleware.GetOwnerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, formatInstance(inst))
}

// POST /v1/instances/{id}/restart
func (h *InstanceHandler) Restart(w http.ResponseWriter, r *http.Request) {
	inst, err := h.orch.Restart(r.Context(), middleware.GetOwnerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, formatInstance(inst))
}

// POST /v1/instances/{id}/stop
func (h *InstanceHandler) Stop(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwnerID(r.Context())
	id := chi.URLParam(r, "id")

	var req struct {
		ClearCredentials bool `json:"clearCredentials"`
	}
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}

	inst, err := h.orch.Stop(r.Context(), owner, id, req.ClearCredentials)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if req.ClearCredentials {
		audit.LogFromRequest(r, audit.Event{
			Type:       audit.EventCredentialsClear,
			OwnerID:    owner,
			InstanceID: id,
			Details:    map[string]any{"trigger": "stop"},
		})
	}
	writeJSON(w, http.StatusOK, formatInstance(inst))
}

// DELETE /v1/instances/{id}
func (h *InstanceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwnerID(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.orch.Delete(r.Context(), owner, id); err != nil {
		writeError(w, r, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:       audit.EventInstanceDelete,
		OwnerID:    owner,
		InstanceID: id,
	})
	log.Info().Str("instanceId", id).Str("ownerId", owner).Msg("instance deleted")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
