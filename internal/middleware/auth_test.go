package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/botfleet/orchestrator/internal/errors"
	"github.com/botfleet/orchestrator/internal/httputil"
	"github.com/botfleet/orchestrator/internal/util"
)

const testServiceKey = "service-key-0123456789abcdef0123456789"

func okHandler(t *testing.T, seen *string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			*seen = GetOwnerID(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) apperrors.ErrorCode {
	t.Helper()
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func TestServiceAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		apiKey string
		auth   string
		owner  string
		status int
		code   apperrors.ErrorCode
	}{
		{"missing token", testServiceKey, "", "owner-1", http.StatusUnauthorized, apperrors.ErrCodeUnauthorized},
		{"wrong token", testServiceKey, "Bearer nope", "owner-1", http.StatusUnauthorized, apperrors.ErrCodeUnauthorized},
		{"not bearer", testServiceKey, "Basic " + testServiceKey, "owner-1", http.StatusUnauthorized, apperrors.ErrCodeUnauthorized},
		{"unconfigured key", "", "Bearer anything", "owner-1", http.StatusUnauthorized, apperrors.ErrCodeUnauthorized},
		{"missing owner", testServiceKey, "Bearer " + testServiceKey, "", http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{"malformed owner", testServiceKey, "Bearer " + testServiceKey, "owner 1/..", http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewServiceAuthMiddleware(tt.apiKey).Handler(okHandler(t, nil))

			req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			if tt.owner != "" {
				req.Header.Set(OwnerHeader, tt.owner)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}

	t.Run("passes owner to handler", func(t *testing.T) {
		var seen string
		handler := NewServiceAuthMiddleware(testServiceKey).Handler(okHandler(t, &seen))

		req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
		req.Header.Set("Authorization", "Bearer "+testServiceKey)
		req.Header.Set(OwnerHeader, "owner-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "owner-1", seen)
	})
}

func TestAdminAuthMiddleware(t *testing.T) {
	hash, err := util.HashKey("admin-key")
	require.NoError(t, err)

	t.Run("accepts matching key", func(t *testing.T) {
		handler := NewAdminAuthMiddleware(hash).Handler(okHandler(t, nil))
		req := httptest.NewRequest(http.MethodPost, "/admin/subscriptions/extend", nil)
		req.Header.Set(AdminKeyHeader, "admin-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("rejects wrong key", func(t *testing.T) {
		handler := NewAdminAuthMiddleware(hash).Handler(okHandler(t, nil))
		req := httptest.NewRequest(http.MethodPost, "/admin/subscriptions/extend", nil)
		req.Header.Set(AdminKeyHeader, "guess")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("disabled without hash", func(t *testing.T) {
		handler := NewAdminAuthMiddleware("").Handler(okHandler(t, nil))
		req := httptest.NewRequest(http.MethodPost, "/admin/subscriptions/extend", nil)
		req.Header.Set(AdminKeyHeader, "admin-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestRunnerAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
		status int
	}{
		{"valid", "runner-secret", "runner-secret", http.StatusOK},
		{"wrong", "runner-secret", "other", http.StatusUnauthorized},
		{"missing", "runner-secret", "", http.StatusUnauthorized},
		{"unconfigured", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewRunnerAuthMiddleware(tt.secret).Handler(okHandler(t, nil))
			req := httptest.NewRequest(http.MethodPost, "/runner/v1/instances/x/events", nil)
			if tt.header != "" {
				req.Header.Set(RunnerSecretHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
