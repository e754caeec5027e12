package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/nestlink/config"
	"github.com/migadu/nestlink/consts"
	"github.com/migadu/nestlink/credentials"
	"github.com/migadu/nestlink/logger"
	"github.com/migadu/nestlink/pkg/metrics"
)

const eventQueueSize = 256

// Options configures a Session.
type Options struct {
	Dialer Dialer
	// Poller feeds credential changes. Without one, callers push changes
	// through UpdateCredential.
	Poller            *credentials.Poller
	ConnectRetryDelay time.Duration
	DropRetryDelay    time.Duration
	CloseTimeout      time.Duration

	// statusHook observes every transition on the loop goroutine.
	statusHook func(prev, next Status, errMsg string)
}

// OptionsFromConfig fills the retry and teardown settings from [session].
func OptionsFromConfig(cfg config.SessionConfig, dialer Dialer, poller *credentials.Poller) (Options, error) {
	connectDelay, err := cfg.GetConnectRetryDelay()
	if err != nil {
		return Options{}, fmt.Errorf("invalid session.connect_retry_delay: %w", err)
	}
	dropDelay, err := cfg.GetDropRetryDelay()
	if err != nil {
		return Options{}, fmt.Errorf("invalid session.drop_retry_delay: %w", err)
	}
	closeTimeout, err := cfg.GetCloseTimeout()
	if err != nil {
		return Options{}, fmt.Errorf("invalid session.close_timeout: %w", err)
	}
	return Options{
		Dialer:            dialer,
		Poller:            poller,
		ConnectRetryDelay: connectDelay,
		DropRetryDelay:    dropDelay,
		CloseTimeout:      closeTimeout,
	}, nil
}

// Session is the single owner of the hub connection. Create it with New,
// feed it credentials with Start (or UpdateCredential) and release it with
// Close.
type Session struct {
	opts   Options
	dialer Dialer
	conn   *connector
	log    *slog.Logger

	events  chan event
	stopped chan struct{}

	bcast *broadcaster
	snap  atomic.Pointer[Snapshot]

	startOnce sync.Once
	closeOnce sync.Once

	// st is owned by the loop goroutine.
	st loopState
}

func New(opts Options) (*Session, error) {
	if opts.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	if opts.ConnectRetryDelay <= 0 {
		opts.ConnectRetryDelay = 5 * time.Second
	}
	if opts.DropRetryDelay <= 0 {
		opts.DropRetryDelay = 10 * time.Second
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 5 * time.Second
	}

	s := &Session{
		opts:    opts,
		dialer:  opts.Dialer,
		log:     logger.Component("session"),
		events:  make(chan event, eventQueueSize),
		stopped: make(chan struct{}),
		bcast:   newBroadcaster(),
	}
	s.st = loopState{
		status:   StatusDisconnected,
		appState: AppForeground,
		timers:   newTimerTable(s.post),
	}
	s.conn = newConnector(opts.Dialer, s.post, opts.CloseTimeout, s.log)
	s.snap.Store(&Snapshot{Status: StatusDisconnected})
	metrics.SetSessionStatus(string(StatusDisconnected), allStatuses)

	go s.conn.run()
	go s.loop()
	return s, nil
}

// Start begins credential polling. It is a no-op without a poller or when
// called twice.
func (s *Session) Start(ctx context.Context) {
	if s.opts.Poller == nil {
		return
	}
	s.startOnce.Do(func() {
		s.opts.Poller.OnChange(s.UpdateCredential)
		s.opts.Poller.Start(ctx)
	})
}

// UpdateCredential reports a credential change. Callers that receive
// explicit sign-in and sign-out events use it instead of a poller.
func (s *Session) UpdateCredential(cred credentials.Credential) {
	s.post(credentialChanged{cred: cred})
}

// post delivers ev to the loop, or drops it once the loop has exited.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.stopped:
	}
}

// call posts an event carrying done and waits for the loop to handle it.
func (s *Session) call(ctx context.Context, ev event, done chan struct{}) error {
	select {
	case <-s.stopped:
		return consts.ErrSessionClosed
	default:
	}
	select {
	case s.events <- ev:
	case <-s.stopped:
		return consts.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return consts.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot {
	return *s.snap.Load()
}

// Messages returns the inbound log in arrival order.
func (s *Session) Messages() []json.RawMessage {
	return s.snap.Load().Messages
}

// AddMessage appends payload to the log as if it had arrived from the hub.
func (s *Session) AddMessage(ctx context.Context, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("add message: invalid JSON payload")
	}
	done := make(chan struct{})
	return s.call(ctx, addMessage{payload: payload, done: done}, done)
}

// ForceReconnect tears down the current connection and opens a new one with
// the latest credential.
func (s *Session) ForceReconnect(ctx context.Context) error {
	done := make(chan struct{})
	return s.call(ctx, forceReconnect{done: done}, done)
}

// SetAppState reports a foreground or background transition.
func (s *Session) SetAppState(ctx context.Context, state AppState) error {
	switch state {
	case AppForeground, AppBackground:
	default:
		return fmt.Errorf("unknown app state %q", state)
	}
	done := make(chan struct{})
	return s.call(ctx, appStateChanged{state: state, done: done}, done)
}

// Subscribe returns a channel that always holds the most recent snapshot,
// starting with the current one, and a function that ends the subscription.
// The channel is closed when the session closes.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	return s.bcast.subscribe(s.Snapshot())
}

// HealthError is nil while connected or while intentionally idle without
// credentials.
func (s *Session) HealthError() error {
	snap := s.snap.Load()
	switch {
	case snap.Status == StatusConnected:
		return nil
	case snap.Error == consts.ErrAuthRequired.Error():
		return nil
	case snap.Error != "":
		return fmt.Errorf("session %s: %s", snap.Status, snap.Error)
	default:
		return fmt.Errorf("session %s", snap.Status)
	}
}

// Close stops polling, cancels pending timers and closes the live
// connection. It waits for teardown until ctx is done. Calls after the
// first return nil.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.opts.Poller != nil {
			s.opts.Poller.Stop()
		}
		s.post(closeRequest{})

		select {
		case <-s.stopped:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		select {
		case <-s.conn.done:
		case <-ctx.Done():
			err = fmt.Errorf("waiting for connection teardown: %w", ctx.Err())
		}
		s.bcast.close()
		s.log.Info("[SESSION] closed")
	})
	return err
}
