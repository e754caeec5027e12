package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/nestlink/credentials"
	"github.com/migadu/nestlink/helpers"
	"github.com/migadu/nestlink/pkg/metrics"
)

type connectorCmd struct {
	gen  uint64
	open bool
	cred credentials.Credential
}

// connector owns the live transport. Commands run strictly in order on its
// goroutine: the previous transport is always closed before a new one is
// dialed, and a dial for a superseded generation is cancelled or, if it
// already succeeded, closed before it becomes live.
type connector struct {
	dialer       Dialer
	post         func(event)
	closeTimeout time.Duration
	log          *slog.Logger

	latest atomic.Uint64

	mu         sync.Mutex
	queue      []connectorCmd
	stopping   bool
	dialGen    uint64
	dialCancel context.CancelFunc
	signal     chan struct{}
	done       chan struct{}

	// owned by run
	live    Transport
	liveGen uint64
}

func newConnector(d Dialer, post func(event), closeTimeout time.Duration, log *slog.Logger) *connector {
	return &connector{
		dialer:       d,
		post:         post,
		closeTimeout: closeTimeout,
		log:          log,
		signal:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// submit queues cmd and cancels any in-flight dial for an older generation.
// It never blocks the caller.
func (c *connector) submit(cmd connectorCmd) {
	c.latest.Store(cmd.gen)

	c.mu.Lock()
	if c.dialCancel != nil && c.dialGen < cmd.gen {
		c.dialCancel()
		c.dialCancel = nil
	}
	if !c.stopping {
		c.queue = append(c.queue, cmd)
	}
	c.mu.Unlock()

	c.wake()
}

// stop tears down the live transport after draining queued commands.
func (c *connector) stop() {
	c.mu.Lock()
	c.stopping = true
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	c.mu.Unlock()
	c.wake()
}

func (c *connector) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *connector) next() (connectorCmd, bool) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			cmd := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return cmd, true
		}
		stopping := c.stopping
		c.mu.Unlock()
		if stopping {
			return connectorCmd{}, false
		}
		<-c.signal
	}
}

func (c *connector) run() {
	defer close(c.done)
	for {
		cmd, ok := c.next()
		if !ok {
			c.teardown()
			return
		}
		c.handle(cmd)
	}
}

func (c *connector) handle(cmd connectorCmd) {
	c.teardown()
	if !cmd.open {
		return
	}
	if c.latest.Load() != cmd.gen {
		metrics.ConnectAttempts.WithLabelValues("superseded").Inc()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.dialGen = cmd.gen
	c.dialCancel = cancel
	c.mu.Unlock()
	if c.latest.Load() != cmd.gen {
		cancel()
	}

	c.log.Info("[SESSION] opening connection", "gen", cmd.gen, "user_id", cmd.cred.UserID,
		"token", helpers.TokenFingerprint(cmd.cred.Token))
	start := time.Now()
	t, err := c.dialer.Dial(ctx, cmd.cred, c.eventsFor(cmd.gen))
	metrics.ConnectDuration.Observe(time.Since(start).Seconds())

	c.mu.Lock()
	c.dialCancel = nil
	c.mu.Unlock()

	superseded := c.latest.Load() != cmd.gen
	if err != nil {
		if superseded {
			metrics.ConnectAttempts.WithLabelValues("superseded").Inc()
		} else {
			metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		}
		c.post(dialResult{gen: cmd.gen, err: err})
		return
	}
	if superseded {
		metrics.ConnectAttempts.WithLabelValues("superseded").Inc()
		c.log.Info("[SESSION] closing connection opened for a superseded generation", "gen", cmd.gen)
		c.closeTransport(t)
		return
	}

	c.live = t
	c.liveGen = cmd.gen
	metrics.LiveConnections.Set(1)
	metrics.ConnectAttempts.WithLabelValues("success").Inc()
	c.post(dialResult{gen: cmd.gen, connectionID: t.ConnectionID()})
}

func (c *connector) teardown() {
	if c.live == nil {
		return
	}
	c.log.Info("[SESSION] closing connection", "gen", c.liveGen)
	c.closeTransport(c.live)
	c.live = nil
	c.liveGen = 0
	metrics.LiveConnections.Set(0)
}

// closeTransport is best effort: failures are logged and counted, never returned.
func (c *connector) closeTransport(t Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), c.closeTimeout)
	defer cancel()
	if err := t.Close(ctx); err != nil {
		metrics.TeardownFailures.Inc()
		c.log.Warn("[SESSION] connection teardown failed", "error", err)
	}
}

func (c *connector) eventsFor(gen uint64) TransportEvents {
	return TransportEvents{
		OnMessage: func(payload json.RawMessage) {
			c.post(messageReceived{gen: gen, payload: payload})
		},
		OnReconnecting: func(err error) {
			c.post(transportReconnecting{gen: gen, err: err})
		},
		OnReconnected: func(id string) {
			c.post(transportReconnected{gen: gen, connectionID: id})
		},
		OnClose: func(err error) {
			c.post(transportClosed{gen: gen, err: err})
		},
	}
}
