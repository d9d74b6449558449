package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/botfleet/orchestrator/internal/errors"
)

func TestDisconnectReasons(t *testing.T) {
	t.Run("permanent reasons", func(t *testing.T) {
		for _, r := range []DisconnectReason{
			ReasonLoggedOut, ReasonBadSession, ReasonForbidden,
			ReasonMultideviceMismatch, ReasonConnectionReplaced,
		} {
			assert.True(t, r.Permanent(), r)
		}
	})

	t.Run("transient reasons", func(t *testing.T) {
		for _, r := range []DisconnectReason{
			ReasonConnectionClosed, ReasonConnectionLost, ReasonTimedOut,
			ReasonRestartRequired, ReasonUnavailableService, ReasonUnknown,
		} {
			assert.False(t, r.Permanent(), r)
		}
	})

	t.Run("status codes", func(t *testing.T) {
		assert.Equal(t, ReasonLoggedOut, ReasonFromStatusCode(401))
		assert.Equal(t, ReasonRestartRequired, ReasonFromStatusCode(515))
		assert.Equal(t, ReasonConnectionReplaced, ReasonFromStatusCode(440))
		assert.Equal(t, ReasonUnknown, ReasonFromStatusCode(999))
	})

	t.Run("close reason falls back to status code", func(t *testing.T) {
		assert.Equal(t, ReasonLoggedOut, Event{StatusCode: 401}.CloseReason())
		assert.Equal(t, ReasonTimedOut, Event{Reason: ReasonTimedOut, StatusCode: 401}.CloseReason())
	})

	t.Run("only session-invalidating reasons clear credentials", func(t *testing.T) {
		assert.True(t, ReasonLoggedOut.ClearsCredentials())
		assert.False(t, ReasonConnectionReplaced.ClearsCredentials())
	})
}

type fakeRunner struct {
	mu       sync.Mutex
	starts   []startSessionRequest
	stops    []stopSessionRequest
	secrets  []string
	failNext bool
}

func (f *fakeRunner) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start-session", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.secrets = append(f.secrets, r.Header.Get(runnerSecretHeader))
		if f.failNext {
			f.failNext = false
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req startSessionRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.starts = append(f.starts, req)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/stop-session", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req stopSessionRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.stops = append(f.stops, req)
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestRunnerConnector(t *testing.T) {
	runner := &fakeRunner{}
	server := httptest.NewServer(runner.handler())
	defer server.Close()

	c := NewRunnerConnector(server.URL+"/", "runner-secret", 5*time.Second)
	ctx := context.Background()

	t.Run("open starts a runner session", func(t *testing.T) {
		conn, err := c.Open(ctx, "inst-1", "/sessions/inst-1")
		require.NoError(t, err)
		defer conn.Close(ctx)

		runner.mu.Lock()
		require.Len(t, runner.starts, 1)
		assert.Equal(t, "inst-1", runner.starts[0].InstanceID)
		assert.Equal(t, "/sessions/inst-1", runner.starts[0].SessionDir)
		assert.Equal(t, "runner-secret", runner.secrets[0])
		runner.mu.Unlock()
	})

	t.Run("deliver routes events to the connection", func(t *testing.T) {
		conn, err := c.Open(ctx, "inst-2", "/sessions/inst-2")
		require.NoError(t, err)

		require.NoError(t, c.Deliver(ctx, "inst-2", Event{Type: EventConnectionState, State: StateOpen}))

		select {
		case ev := <-conn.Events():
			assert.Equal(t, StateOpen, ev.State)
			assert.False(t, ev.At.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}

		require.NoError(t, conn.Close(ctx))
		_, ok := <-conn.Events()
		assert.False(t, ok, "events channel closed after Close")

		assert.ErrorIs(t, c.Deliver(ctx, "inst-2", Event{Type: EventMessage}), ErrNoConnection)

		runner.mu.Lock()
		assert.Equal(t, "inst-2", runner.stops[len(runner.stops)-1].InstanceID)
		runner.mu.Unlock()
	})

	t.Run("deliver without connection fails", func(t *testing.T) {
		assert.ErrorIs(t, c.Deliver(ctx, "unknown", Event{Type: EventMessage}), ErrNoConnection)
	})

	t.Run("runner failure is an external error", func(t *testing.T) {
		runner.mu.Lock()
		runner.failNext = true
		runner.mu.Unlock()

		_, err := c.Open(ctx, "inst-3", "/sessions/inst-3")
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeExternal, apperrors.GetCode(err))
		assert.ErrorIs(t, c.Deliver(ctx, "inst-3", Event{Type: EventMessage}), ErrNoConnection)
	})

	t.Run("reopen replaces a stale connection", func(t *testing.T) {
		first, err := c.Open(ctx, "inst-4", "/d")
		require.NoError(t, err)
		second, err := c.Open(ctx, "inst-4", "/d")
		require.NoError(t, err)
		defer second.Close(ctx)

		_, ok := <-first.Events()
		assert.False(t, ok)
		require.NoError(t, c.Deliver(ctx, "inst-4", Event{Type: EventMessage}))
		ev := <-second.Events()
		assert.Equal(t, EventMessage, ev.Type)
	})
}
