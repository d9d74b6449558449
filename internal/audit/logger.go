// Package audit records security-relevant events on a dedicated log stream.
package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventAuthFailure       EventType = "auth_failure"
	EventAdminAuthFailure  EventType = "admin_auth_failure"
	EventRunnerAuthFailure EventType = "runner_auth_failure"
	EventInvalidSignature  EventType = "invalid_signature"
	EventDecryptionFailure EventType = "decryption_failure"
	EventRateLimitExceed   EventType = "rate_limit_exceeded"
	EventCredentialsUpload EventType = "credentials_upload"
	EventCredentialsClear  EventType = "credentials_clear"
	EventInstanceDelete    EventType = "instance_delete"
	EventSubscriptionGrant EventType = "subscription_grant"
	EventAdminExtend       EventType = "admin_extend"
)

type Event struct {
	Type       EventType
	OwnerID    string
	InstanceID string
	IP         string
	UserAgent  string
	Details    map[string]any
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "security").
		Str("eventType", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.OwnerID != "" {
		logger = logger.With().Str("ownerId", event.OwnerID).Logger()
	}
	if event.InstanceID != "" {
		logger = logger.With().Str("instanceId", event.InstanceID).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}
	if event.UserAgent != "" {
		logger = logger.With().Str("userAgent", event.UserAgent).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("security audit event")
}

func addField(e *zerolog.Event, key string, value any) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = getClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
