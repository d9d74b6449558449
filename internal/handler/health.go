package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/botfleet/orchestrator/internal/config"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports database reachability and the number of live
// sessions held by this process.
type HealthHandler struct {
	db       Pinger
	sessions func() int
}

func NewHealthHandler(db Pinger, sessions func() int) *HealthHandler {
	return &HealthHandler{db: db, sessions: sessions}
}

// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	dbStatus := "ok"
	if err := h.db.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("health check: database unreachable")
		status = "degraded"
		dbStatus = "unreachable"
		code = http.StatusServiceUnavailable
	}

	live := 0
	if h.sessions != nil {
		live = h.sessions()
	}

	writeJSON(w, code, map[string]any{
		"status":       status,
		"database":     dbStatus,
		"liveSessions": live,
		"timestamp":    time.Now().UnixMilli(),
	})
}
