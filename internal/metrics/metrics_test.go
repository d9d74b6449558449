package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New()
	m.Transition("deploying", "online", "connected")
	m.Transition("deploying", "online", "connected")
	m.Webhook("activated")
	m.JobAffected("expire_subscriptions", 0)
	m.RegisterLiveSessions(func() int { return 3 })

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("deploying", "online", "connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooks.WithLabelValues("activated")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "orchestrator_live_sessions 3")
	assert.Contains(t, rec.Body.String(), "orchestrator_state_transitions_total")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Transition("a", "b", "c")
	m.Rejected("deploy", "ALREADY_ONLINE")
	m.Reconnect("ok")
	m.Webhook("replayed")
	m.Restore("failed")
	m.JobAffected("x", 1)
	m.RegisterLiveSessions(func() int { return 0 })
}
