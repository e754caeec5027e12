package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/migadu/nestlink/credentials"
)

type fakeTransport struct {
	id     string
	cred   credentials.Credential
	events TransportEvents
	dialer *fakeDialer

	mu     sync.Mutex
	closed bool
}

func (t *fakeTransport) ConnectionID() string { return t.id }

func (t *fakeTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.dialer.release()
	return t.dialer.closeErr
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeDialer records dials and tracks how many transports are open at once.
type fakeDialer struct {
	mu        sync.Mutex
	dials     []credentials.Credential
	open      int
	peak      int
	opened    []*fakeTransport
	failNext  int
	delay     time.Duration
	ignoreCtx bool
	gate      chan struct{}
	closeErr  error
	resumes   int
}

func (d *fakeDialer) Dial(ctx context.Context, cred credentials.Credential, ev TransportEvents) (Transport, error) {
	d.mu.Lock()
	d.dials = append(d.dials, cred)
	n := len(d.dials)
	fail := d.failNext > 0
	if fail {
		d.failNext--
	}
	delay, ignoreCtx, gate := d.delay, d.ignoreCtx, d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			if !ignoreCtx {
				return nil, ctx.Err()
			}
			<-gate
		}
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			if !ignoreCtx {
				return nil, ctx.Err()
			}
			time.Sleep(delay)
		}
	}
	if fail {
		return nil, errors.New("dial tcp 10.0.0.1:443: connect: connection refused")
	}

	t := &fakeTransport{id: fmt.Sprintf("conn-%d", n), cred: cred, events: ev, dialer: d}
	d.mu.Lock()
	d.open++
	if d.open > d.peak {
		d.peak = d.open
	}
	d.opened = append(d.opened, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) Resume() {
	d.mu.Lock()
	d.resumes++
	d.mu.Unlock()
}

func (d *fakeDialer) release() {
	d.mu.Lock()
	d.open--
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) dialed(i int) credentials.Credential {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[i]
}

func (d *fakeDialer) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *fakeDialer) peakOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.opened) == 0 {
		return nil
	}
	return d.opened[len(d.opened)-1]
}

func (d *fakeDialer) transports() []*fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeTransport(nil), d.opened...)
}

type transition struct {
	from, to Status
	err      string
}

type transitionLog struct {
	mu  sync.Mutex
	log []transition
}

func (l *transitionLog) add(prev, next Status, errMsg string) {
	l.mu.Lock()
	l.log = append(l.log, transition{prev, next, errMsg})
	l.mu.Unlock()
}

func (l *transitionLog) statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []Status{StatusDisconnected}
	for _, t := range l.log {
		out = append(out, t.to)
	}
	return out
}

func (l *transitionLog) reset() {
	l.mu.Lock()
	l.log = nil
	l.mu.Unlock()
}

type harness struct {
	s      *Session
	dialer *fakeDialer
	trans  *transitionLog
}

func newHarness(t *testing.T, d *fakeDialer, mutate func(*Options)) *harness {
	t.Helper()
	if d == nil {
		d = &fakeDialer{}
	}
	trans := &transitionLog{}
	opts := Options{
		Dialer:            d,
		ConnectRetryDelay: 30 * time.Millisecond,
		DropRetryDelay:    40 * time.Millisecond,
		CloseTimeout:      time.Second,
		statusHook:        trans.add,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return &harness{s: s, dialer: d, trans: trans}
}

func (h *harness) waitStatus(t *testing.T, want Status) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.s.Snapshot().Status == want
	}, 2*time.Second, time.Millisecond, "status never became %s (now %s)", want, h.s.Snapshot().Status)
	return h.s.Snapshot()
}

// sync waits until every event posted so far has been handled.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	h.inspect(t, func(*loopState) {})
}

func (h *harness) inspect(t *testing.T, fn func(*loopState)) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, h.s.call(context.Background(), inspect{fn: fn, done: done}, done))
}

func (h *harness) retryPending(t *testing.T) bool {
	var pending bool
	h.inspect(t, func(st *loopState) { pending = st.timers.pending(timerRetry) })
	return pending
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

var (
	credU1T1 = credentials.Credential{UserID: "u1", Token: "t1"}
	credU1T2 = credentials.Credential{UserID: "u1", Token: "t2"}
)
