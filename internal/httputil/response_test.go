package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/botfleet/orchestrator/internal/errors"
)

func TestStatusFromCode(t *testing.T) {
	tests := []struct {
		code   apperrors.ErrorCode
		status int
	}{
		{apperrors.ErrCodeValidation, http.StatusBadRequest},
		{apperrors.ErrCodeInvalidCredentials, http.StatusBadRequest},
		{apperrors.ErrCodeSubscriptionRequired, http.StatusPaymentRequired},
		{apperrors.ErrCodeInstanceLimitReached, http.StatusForbidden},
		{apperrors.ErrCodeCredentialsRequired, http.StatusPreconditionFailed},
		{apperrors.ErrCodeAlreadyOnline, http.StatusConflict},
		{apperrors.ErrCodeInvalidSignature, http.StatusUnauthorized},
		{apperrors.ErrCodeDecryptionFailed, http.StatusUnprocessableEntity},
		{apperrors.ErrCodeNotFound, http.StatusNotFound},
		{apperrors.ErrCodeExternal, http.StatusBadGateway},
		{apperrors.ErrCodeDatabase, http.StatusServiceUnavailable},
		{apperrors.ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, StatusFromCode(tt.code))
		})
	}
}

func TestWriteError(t *testing.T) {
	t.Run("writes app error body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, apperrors.AlreadyDeploying())

		assert.Equal(t, http.StatusConflict, rec.Code)
		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, apperrors.ErrCodeAlreadyDeploying, body.Code)
	})

	t.Run("retryable errors set Retry-After", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, apperrors.Database(errors.New("conn reset")))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "5", rec.Header().Get("Retry-After"))
		assert.NotContains(t, rec.Body.String(), "conn reset")
	})

	t.Run("unknown errors become internal", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.New("secret detail"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "secret detail")
	})
}
