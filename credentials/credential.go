// Package credentials reads the signed-in user's id and bearer token from a
// credential store and reports changes to the session.
//
// The authentication flow owns writes; nestlink only observes. Stores that can
// push change notifications implement Watcher so the poller reacts without
// waiting for the next tick.
package credentials

import (
	"context"

	"github.com/migadu/nestlink/helpers"
)

// Credential is an immutable snapshot of the authentication state.
type Credential struct {
	UserID string
	Token  string
}

// Valid reports whether both fields are present.
func (c Credential) Valid() bool {
	return c.UserID != "" && c.Token != ""
}

func (c Credential) Equal(o Credential) bool {
	return c.UserID == o.UserID && c.Token == o.Token
}

// String keeps tokens out of logs.
func (c Credential) String() string {
	return "user=" + c.UserID + " token=" + helpers.TokenFingerprint(c.Token)
}

// Store is the read side of a credential backend. A missing credential is
// reported as the zero Credential with a nil error.
type Store interface {
	Load(ctx context.Context) (Credential, error)
}

// Watcher is implemented by stores that publish change notifications. The
// returned channel is closed when ctx is done.
type Watcher interface {
	Watch(ctx context.Context) <-chan struct{}
}

// Writer is the write side used by the admin tool and by tests.
type Writer interface {
	Save(ctx context.Context, c Credential) error
	Clear(ctx context.Context) error
}

// ReadWriteStore is a store that can be both read and written.
type ReadWriteStore interface {
	Store
	Writer
	Ping(ctx context.Context) error
	Close() error
}
