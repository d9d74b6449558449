// Package connector is the boundary to the messaging protocol. The
// orchestrator only sees connections that emit events; the protocol
// itself runs in a separate runner process.
package connector

import (
	"context"
	"encoding/json"
	"time"
)

type EventType string

const (
	EventCredentialsUpdated EventType = "credentials_updated"
	EventMessage            EventType = "message"
	EventConnectionState    EventType = "connection_state"
)

type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClose      ConnState = "close"
)

type Event struct {
	Type        EventType        `json:"type"`
	State       ConnState        `json:"state,omitempty"`
	Reason      DisconnectReason `json:"reason,omitempty"`
	StatusCode  int              `json:"statusCode,omitempty"`
	Credentials json.RawMessage  `json:"credentials,omitempty"`
	At          time.Time        `json:"at"`
}

// CloseReason resolves the disconnect reason of a close event, falling back
// to the status code when the runner did not name one.
func (e Event) CloseReason() DisconnectReason {
	if e.Reason != "" {
		return e.Reason
	}
	return ReasonFromStatusCode(e.StatusCode)
}

// Connection is one live protocol session. Events is closed after Close.
type Connection interface {
	Events() <-chan Event
	Close(ctx context.Context) error
}

type Connector interface {
	// Open starts a session from the credentials in credentialsDir. A nil
	// error means the attempt started, not that the connection is open;
	// that is reported by a connection_state event.
	Open(ctx context.Context, instanceID, credentialsDir string) (Connection, error)
}
