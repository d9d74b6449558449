package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/botfleet/orchestrator/internal/errors"
	"github.com/botfleet/orchestrator/internal/httputil"
	"github.com/botfleet/orchestrator/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

// writeError logs unexpected failures before writing the typed response.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch apperrors.ClassOf(err) {
	case apperrors.ClassInternal, apperrors.ClassRetryable, apperrors.ClassExternal:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	httputil.WriteError(w, err)
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched
// when optional is set.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return nil
	}
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apperrors.ValidationError("Request body too large")
	}
	return apperrors.ValidationError("Invalid request body")
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func formatInstance(inst *model.Instance) map[string]any {
	return map[string]any{
		"id":                    inst.ID,
		"name":                  inst.Name,
		"externalAccountNumber": inst.ExternalAccountNumber,
		"deploymentState":       inst.DeploymentState,
		"hasCredentials":        inst.HasCredentials(),
		"expiresAt":             formatTime(inst.ExpiresAt),
		"lastActiveAt":          formatTime(inst.LastActiveAt),
		"deployedAt":            formatTime(inst.DeployedAt),
		"createdAt":             inst.CreatedAt.Format(time.RFC3339),
		"updatedAt":             inst.UpdatedAt.Format(time.RFC3339),
	}
}
