package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/botfleet/orchestrator/internal/audit"
	apperrors "github.com/botfleet/orchestrator/internal/errors"
	"github.com/botfleet/orchestrator/internal/httputil"
	"github.com/botfleet/orchestrator/internal/util"
)

type contextKey string

const OwnerContextKey contextKey = "owner"

const (
	OwnerHeader        = "X-Owner-ID"
	AdminKeyHeader     = "X-Admin-Key"
	RunnerSecretHeader = "X-Runner-Secret"
)

// GetOwnerID returns the owner the control plane acts for, or "".
func GetOwnerID(ctx context.Context) string {
	if owner, ok := ctx.Value(OwnerContextKey).(string); ok {
		return owner
	}
	return ""
}

// WithOwnerID is used by tests and by handlers that resolve the owner themselves.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, OwnerContextKey, ownerID)
}

// ServiceAuthMiddleware authenticates the control plane with a shared bearer
// key and scopes the request to the owner named in X-Owner-ID.
type ServiceAuthMiddleware struct {
	apiKey string
}

func NewServiceAuthMiddleware(apiKey string) *ServiceAuthMiddleware {
	return &ServiceAuthMiddleware{apiKey: apiKey}
}

func (m *ServiceAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.apiKey == "" {
			log.Error().Msg("service auth: SERVICE_API_KEY not configured")
			httputil.WriteError(w, apperrors.Unauthorized("Service authentication not configured"))
			return
		}

		token := extractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}
		if !util.ConstantTimeEqual(token, m.apiKey) {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAuthFailure})
			httputil.WriteError(w, apperrors.Unauthorized("Invalid token"))
			return
		}

		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if !util.IsValidOwnerID(owner) {
			httputil.WriteError(w, apperrors.InvalidInput(OwnerHeader, "missing or malformed owner id"))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), owner)))
	})
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// AdminAuthMiddleware checks X-Admin-Key against a bcrypt hash. An empty hash
// disables the admin surface.
type AdminAuthMiddleware struct {
	keyHash string
}

func NewAdminAuthMiddleware(keyHash string) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{keyHash: keyHash}
}

func (m *AdminAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.keyHash == "" {
			httputil.WriteError(w, apperrors.Forbidden("Admin endpoints are disabled"))
			return
		}

		key := r.Header.Get(AdminKeyHeader)
		if key == "" || !util.CheckKeyHash(key, m.keyHash) {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAdminAuthFailure})
			httputil.WriteError(w, apperrors.Unauthorized("Invalid admin key"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RunnerAuthMiddleware authenticates callbacks from the protocol runner.
type RunnerAuthMiddleware struct {
	secret string
}

func NewRunnerAuthMiddleware(secret string) *RunnerAuthMiddleware {
	return &RunnerAuthMiddleware{secret: secret}
}

func (m *RunnerAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(RunnerSecretHeader)
		if m.secret == "" || got == "" || !util.ConstantTimeEqual(got, m.secret) {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventRunnerAuthFailure})
			httputil.WriteError(w, apperrors.Unauthorized("Invalid runner secret"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
