// Package session owns the realtime hub connection for the signed-in user.
//
// A Session keeps at most one live transport, rebuilds it when credentials
// change or the app returns to the foreground, falls back to a fixed-delay
// manual retry when the transport gives up, and appends every inbound
// message to an ordered log. Consumers read consistent snapshots through
// Snapshot and Subscribe.
//
// All state lives on a single event-loop goroutine. Transport open and
// close run on a separate connector goroutine that owns the live handle, so
// two connections can never overlap.
package session

import (
	"context"
	"encoding/json"

	"github.com/migadu/nestlink/credentials"
)

// Status of the session's connection.
type Status string

const (
	StatusDisconnected Status = "Disconnected"
	StatusConnecting   Status = "Connecting"
	StatusConnected    Status = "Connected"
	StatusReconnecting Status = "Reconnecting"
)

var allStatuses = []string{
	string(StatusDisconnected),
	string(StatusConnecting),
	string(StatusConnected),
	string(StatusReconnecting),
}

// AppState is the host application's visibility.
type AppState string

const (
	AppForeground AppState = "foreground"
	AppBackground AppState = "background"
)

// Snapshot is an internally consistent view of the session. Messages shares
// its backing array with the log; callers must not modify it.
type Snapshot struct {
	Status       Status            `json:"status"`
	Error        string            `json:"error,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	IsConnected  bool              `json:"is_connected"`
	ConnectionID string            `json:"connection_id,omitempty"`
	Messages     []json.RawMessage `json:"-"`
}

// sameState reports whether nothing a consumer can observe has changed. The
// log is append-only, so comparing lengths is enough.
func (s *Snapshot) sameState(o *Snapshot) bool {
	return s.Status == o.Status &&
		s.Error == o.Error &&
		s.UserID == o.UserID &&
		s.IsConnected == o.IsConnected &&
		s.ConnectionID == o.ConnectionID &&
		len(s.Messages) == len(o.Messages)
}

// Transport is one live hub connection as seen by the session.
type Transport interface {
	ConnectionID() string
	Close(ctx context.Context) error
}

// TransportEvents are the callbacks a Dialer wires into the transport it
// opens. They may be called from any goroutine.
type TransportEvents struct {
	OnMessage      func(payload json.RawMessage)
	OnReconnecting func(err error)
	OnReconnected  func(connectionID string)
	OnClose        func(err error)
}

// Dialer opens a transport for a credential. Dial must honour ctx
// cancellation.
type Dialer interface {
	Dial(ctx context.Context, cred credentials.Credential, events TransportEvents) (Transport, error)
}

// Resumer is implemented by dialers that keep state worth resetting when the
// app returns to the foreground, such as an open circuit breaker.
type Resumer interface {
	Resume()
}
