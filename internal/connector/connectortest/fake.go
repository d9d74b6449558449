// Package connectortest provides a scripted Connector for tests.
package connectortest

import (
	"context"
	"sync"
	"time"

	"github.com/botfleet/orchestrator/internal/connector"
)

// Fake records every Open call. By default connections stay silent until
// the test emits events; AutoOpen and Refuse script the first event.
type Fake struct {
	mu sync.Mutex

	// AutoOpen emits an open event as soon as a connection is created.
	AutoOpen bool
	// Refuse makes connections for the listed instances close immediately
	// with the given reason instead of opening.
	Refuse map[string]connector.DisconnectReason
	// OpenErr makes Open itself fail for the listed instances.
	OpenErr map[string]error

	conns map[string][]*Conn
}

func New() *Fake {
	return &Fake{
		Refuse:  make(map[string]connector.DisconnectReason),
		OpenErr: make(map[string]error),
		conns:   make(map[string][]*Conn),
	}
}

func (f *Fake) Open(ctx context.Context, instanceID, credentialsDir string) (connector.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.OpenErr[instanceID]; ok {
		return nil, err
	}

	c := &Conn{InstanceID: instanceID, Dir: credentialsDir, events: make(chan connector.Event, 64)}
	f.conns[instanceID] = append(f.conns[instanceID], c)

	if reason, ok := f.Refuse[instanceID]; ok {
		c.Emit(connector.Event{Type: connector.EventConnectionState, State: connector.StateClose, Reason: reason})
	} else if f.AutoOpen {
		c.Emit(connector.Event{Type: connector.EventConnectionState, State: connector.StateOpen})
	}
	return c, nil
}

// SetAutoOpen toggles AutoOpen safely while sessions are running.
func (f *Fake) SetAutoOpen(v bool) {
	f.mu.Lock()
	f.AutoOpen = v
	f.mu.Unlock()
}

// SetRefuse scripts (or with an empty reason, clears) refusal for id.
func (f *Fake) SetRefuse(id string, reason connector.DisconnectReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reason == "" {
		delete(f.Refuse, id)
		return
	}
	f.Refuse[id] = reason
}

// Opens returns how many times Open was called for id.
func (f *Fake) Opens(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[id])
}

// Last returns the most recent connection for id, or nil.
func (f *Fake) Last(id string) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := f.conns[id]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// Live counts connections for id that have not been closed.
func (f *Fake) Live(id string) int {
	f.mu.Lock()
	conns := append([]*Conn(nil), f.conns[id]...)
	f.mu.Unlock()

	n := 0
	for _, c := range conns {
		if !c.Closed() {
			n++
		}
	}
	return n
}

type Conn struct {
	InstanceID string
	Dir        string

	mu     sync.Mutex
	events chan connector.Event
	closed bool
}

func (c *Conn) Events() <-chan connector.Event {
	return c.events
}

// Emit queues ev; it returns false when the connection is closed or the
// buffer is full.
func (c *Conn) Emit(ev connector.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
