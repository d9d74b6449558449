package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/botfleet/orchestrator/internal/errors"
)

const (
	runnerSecretHeader = "X-Runner-Secret"
	eventBufferSize    = 64
)

var ErrNoConnection = errors.New("no open connection for instance")

// RunnerConnector drives sessions hosted by the protocol runner over HTTP.
// The runner reports events back through Deliver.
type RunnerConnector struct {
	baseURL string
	secret  string
	client  *http.Client

	mu    sync.Mutex
	conns map[string]*runnerConn
}

func NewRunnerConnector(baseURL, secret string, timeout time.Duration) *RunnerConnector {
	return &RunnerConnector{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client: &http.Client{
			Timeout: timeout,
		},
		conns: make(map[string]*runnerConn),
	}
}

type startSessionRequest struct {
	InstanceID string `json:"instanceId"`
	SessionDir string `json:"sessionDir"`
}

type stopSessionRequest struct {
	InstanceID string `json:"instanceId"`
}

func (c *RunnerConnector) Open(ctx context.Context, instanceID, credentialsDir string) (Connection, error) {
	conn := &runnerConn{
		owner:      c,
		instanceID: instanceID,
		events:     make(chan Event, eventBufferSize),
		done:       make(chan struct{}),
	}

	c.mu.Lock()
	stale := c.conns[instanceID]
	c.conns[instanceID] = conn
	c.mu.Unlock()
	if stale != nil {
		stale.shutdown()
	}

	err := c.post(ctx, "/api/start-session", startSessionRequest{
		InstanceID: instanceID,
		SessionDir: credentialsDir,
	})
	if err != nil {
		c.release(conn)
		conn.shutdown()
		return nil, apperrors.External("runner", err)
	}

	log.Debug().Str("instanceId", instanceID).Msg("runner session started")
	return conn, nil
}

// Deliver routes an event reported by the runner to the open connection.
func (c *RunnerConnector) Deliver(ctx context.Context, instanceID string, ev Event) error {
	c.mu.Lock()
	conn := c.conns[instanceID]
	c.mu.Unlock()
	if conn == nil {
		return ErrNoConnection
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	return conn.deliver(ctx, ev)
}

func (c *RunnerConnector) release(conn *runnerConn) {
	c.mu.Lock()
	if c.conns[conn.instanceID] == conn {
		delete(c.conns, conn.instanceID)
	}
	c.mu.Unlock()
}

func (c *RunnerConnector) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(runnerSecretHeader, c.secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("runner request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("runner %s failed with status %d body=%q", path, resp.StatusCode, string(respBody))
	}
	return nil
}

type runnerConn struct {
	owner      *RunnerConnector
	instanceID string
	events     chan Event
	done       chan struct{}

	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

func (rc *runnerConn) Events() <-chan Event {
	return rc.events
}

func (rc *runnerConn) deliver(ctx context.Context, ev Event) error {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.closed {
		return ErrNoConnection
	}

	select {
	case rc.events <- ev:
		return nil
	case <-rc.done:
		return ErrNoConnection
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown stops delivery and closes the event channel exactly once.
func (rc *runnerConn) shutdown() {
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.mu.Lock()
		rc.closed = true
		close(rc.events)
		rc.mu.Unlock()
	})
}

func (rc *runnerConn) Close(ctx context.Context) error {
	rc.owner.release(rc)
	rc.shutdown()

	err := rc.owner.post(ctx, "/api/stop-session", stopSessionRequest{InstanceID: rc.instanceID})
	if err != nil {
		log.Warn().Err(err).Str("instanceId", rc.instanceID).Msg("runner stop-session failed")
		return apperrors.External("runner", err)
	}
	return nil
}
