// Package hub is a client for the JSON hub protocol (version 1) over
// WebSocket: negotiate, handshake, keepalive pings, server timeout detection,
// and an automatic reconnect schedule with reconnecting, reconnected and
// close callbacks.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/migadu/nestlink/consts"
	"github.com/migadu/nestlink/helpers"
	"github.com/migadu/nestlink/logger"
	"github.com/migadu/nestlink/pkg/circuitbreaker"
	"github.com/migadu/nestlink/pkg/metrics"
	"github.com/migadu/nestlink/pkg/retry"
)

const writeWait = 10 * time.Second

// State of a hub connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Disconnected"
	}
}

// Handler receives the raw arguments of an inbound invocation.
type Handler func(args []json.RawMessage)

// TokenFactory returns the bearer token for a negotiate or reconnect attempt.
type TokenFactory func(ctx context.Context) (string, error)

type Options struct {
	// URL is the full hub address, e.g. https://api.example.com/hub/messageHub?userId=u1.
	URL                string
	AccessTokenFactory TokenFactory
	// ReconnectPolicy drives automatic reconnect. Nil disables it.
	ReconnectPolicy   retry.Policy
	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	ServerTimeout     time.Duration
	// SkipNegotiation connects the WebSocket directly; the connection id is
	// then generated locally.
	SkipNegotiation  bool
	NegotiateRetries int
	NegotiateBackoff retry.BackoffConfig
	Breaker          *circuitbreaker.CircuitBreaker
	HTTPClient       *http.Client
	Dialer           *websocket.Dialer
}

// Conn is one logical hub connection. Automatic reconnects replace the
// underlying WebSocket but keep the Conn and its handlers.
type Conn struct {
	opts   Options
	hubURL *url.URL
	log    *slog.Logger

	mu             sync.Mutex
	handlers       map[string][]Handler
	onReconnecting func(error)
	onReconnected  func(connectionID string)
	onClose        func(error)
	state          State
	ws             *websocket.Conn
	connectionID   string
	started        bool

	writeMu sync.Mutex

	runCtx    context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn validates opts and fills defaults. It does not connect.
func NewConn(opts Options) (*Conn, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid hub url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("invalid hub url scheme %q", u.Scheme)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = 15 * time.Second
	}
	if opts.ServerTimeout <= 0 {
		opts.ServerTimeout = 30 * time.Second
	}
	if opts.NegotiateBackoff.InitialInterval <= 0 {
		opts.NegotiateBackoff = retry.BackoffConfig{
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Multiplier:      2,
			Jitter:          true,
		}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.HandshakeTimeout}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}
	if opts.AccessTokenFactory == nil {
		opts.AccessTokenFactory = func(context.Context) (string, error) { return "", nil }
	}

	return &Conn{
		opts:     opts,
		hubURL:   u,
		log:      logger.Component("hub").With("trace", uuid.NewString()[:8]),
		handlers: make(map[string][]Handler),
		done:     make(chan struct{}),
	}, nil
}

// On registers a handler for an inbound invocation target. Targets match
// case-insensitively.
func (c *Conn) On(target string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(target)
	c.handlers[key] = append(c.handlers[key], h)
}

func (c *Conn) OnReconnecting(fn func(error)) {
	c.mu.Lock()
	c.onReconnecting = fn
	c.mu.Unlock()
}

func (c *Conn) OnReconnected(fn func(connectionID string)) {
	c.mu.Lock()
	c.onReconnected = fn
	c.mu.Unlock()
}

// OnClose registers the terminal callback. It fires once per Conn: with nil
// after Stop, or with the cause when the connection is lost for good.
func (c *Conn) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID is empty unless the connection is Connected.
func (c *Conn) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Start negotiates, dials and completes the handshake. A failed Start leaves
// the Conn Disconnected and does not fire OnClose. Start may be called once.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("hub connection already started")
	}
	c.started = true
	c.state = StateConnecting
	c.mu.Unlock()

	ws, id, rest, err := c.connect(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		close(c.done)
		return err
	}

	c.mu.Lock()
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	c.ws = ws
	c.connectionID = id
	c.state = StateConnected
	c.mu.Unlock()

	c.log.Info("[HUB] connected", "connection_id", id)
	go c.run(ws, rest)
	return nil
}

// Stop closes the connection and cancels any automatic reconnect. It waits
// until the connection goroutine has exited or ctx is done.
func (c *Conn) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.cancel == nil {
		c.mu.Unlock()
		return nil
	}
	c.cancel()
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		c.writeMu.Lock()
		_ = ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = ws.WriteMessage(websocket.TextMessage, encodeClose(""))
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		ws.Close()
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub connection stop: %w", ctx.Err())
	}
}

// Send invokes target on the server without waiting for a result.
func (c *Conn) Send(ctx context.Context, target string, args ...any) error {
	record, err := encodeInvocation(target, args)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	state := c.state
	c.mu.Unlock()
	if ws == nil || state != StateConnected {
		return consts.ErrNoConnection
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.write(ws, record, deadline)
}

func (c *Conn) write(ws *websocket.Conn, record []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, record)
}

// connect runs negotiate, dial and handshake. rest holds any records the
// server sent in the same frame as the handshake response.
func (c *Conn) connect(ctx context.Context) (*websocket.Conn, string, []byte, error) {
	token, err := c.opts.AccessTokenFactory(ctx)
	if err != nil {
		return nil, "", nil, fmt.Errorf("access token factory: %w", err)
	}

	n := &negotiation{hubURL: c.hubURL, token: token, connectionID: uuid.NewString()}
	if !c.opts.SkipNegotiation {
		if n, err = c.negotiate(ctx, token); err != nil {
			return nil, "", nil, err
		}
	}

	wsURL := websocketURL(n)
	header := http.Header{}
	if n.token != "" {
		header.Set("Authorization", "Bearer "+n.token)
	}

	c.log.Debug("[HUB] dialing", "url", helpers.MaskURL(wsURL), "token", helpers.TokenFingerprint(n.token))
	ws, res, err := c.opts.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if res != nil && (res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden) {
			return nil, "", nil, fmt.Errorf("%w: websocket upgrade returned %d", consts.ErrHubUnauthorized, res.StatusCode)
		}
		return nil, "", nil, fmt.Errorf("websocket dial %s failed: %w", helpers.MaskURL(wsURL), err)
	}

	rest, err := c.handshake(ctx, ws)
	if err != nil {
		ws.Close()
		return nil, "", nil, err
	}
	return ws, n.connectionID, rest, nil
}

func (c *Conn) handshake(ctx context.Context, ws *websocket.Conn) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	if err := c.write(ws, handshakeRequest, deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrHubHandshakeFailed, err)
	}
	if err := ws.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", consts.ErrHubHandshakeFailed, err)
	}
	return parseHandshake(data)
}

func websocketURL(n *negotiation) string {
	u := *n.hubURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	if n.connectionToken != "" {
		q.Set("id", n.connectionToken)
	}
	if n.token != "" {
		q.Set("access_token", n.token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// closeError is returned by serve when the server sent a close record.
type closeError struct {
	reason         string
	allowReconnect bool
}

func (e *closeError) Error() string {
	if e.reason == "" {
		return consts.ErrHubClosedByServer.Error()
	}
	return fmt.Sprintf("%s: %s", consts.ErrHubClosedByServer, e.reason)
}

func (e *closeError) Unwrap() error { return consts.ErrHubClosedByServer }

func (c *Conn) run(ws *websocket.Conn, rest []byte) {
	defer close(c.done)

	for {
		cause := c.serve(ws, rest)
		if c.runCtx.Err() != nil {
			c.finish(nil)
			return
		}

		var ce *closeError
		if c.opts.ReconnectPolicy == nil || (errors.As(cause, &ce) && !ce.allowReconnect) {
			c.finish(cause)
			return
		}

		var err error
		ws, rest, err = c.reconnect(cause)
		if err != nil {
			if c.runCtx.Err() != nil {
				c.finish(nil)
			} else {
				c.finish(err)
			}
			return
		}
	}
}

// serve reads records until the WebSocket fails, the server closes, or the
// server goes quiet for longer than ServerTimeout.
func (c *Conn) serve(ws *websocket.Conn, rest []byte) error {
	defer ws.Close()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.keepAlive(ws, stopPing)

	if err := c.dispatch(rest); err != nil {
		return err
	}

	for {
		if err := ws.SetReadDeadline(time.Now().Add(c.opts.ServerTimeout)); err != nil {
			return err
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("%w: no message for %s", consts.ErrHubServerTimeout, c.opts.ServerTimeout)
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		if err := c.dispatch(data); err != nil {
			return err
		}
	}
}

func (c *Conn) dispatch(data []byte) error {
	for _, rec := range splitRecords(data) {
		var msg message
		if err := json.Unmarshal(rec, &msg); err != nil {
			c.log.Warn("[HUB] dropping malformed record", "error", err)
			continue
		}
		metrics.HubFramesReceived.WithLabelValues(typeName(msg.Type)).Inc()

		switch msg.Type {
		case typeInvocation:
			c.invoke(msg.Target, msg.Arguments)
		case typePing:
		case typeClose:
			return &closeError{reason: msg.Error, allowReconnect: msg.AllowReconnect}
		default:
			c.log.Debug("[HUB] ignoring record", "type", typeName(msg.Type))
		}
	}
	return nil
}

func (c *Conn) invoke(target string, args []json.RawMessage) {
	c.mu.Lock()
	handlers := c.handlers[strings.ToLower(target)]
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.log.Warn("[HUB] no handler registered for target", "target", target)
		return
	}
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("[HUB] handler panicked", "target", target, "panic", r)
				}
			}()
			h(args)
		}()
	}
}

func (c *Conn) keepAlive(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write(ws, pingRecord, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("[HUB] keepalive ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Conn) reconnect(cause error) (*websocket.Conn, []byte, error) {
	c.mu.Lock()
	c.state = StateReconnecting
	c.ws = nil
	c.connectionID = ""
	onReconnecting := c.onReconnecting
	c.mu.Unlock()

	c.log.Warn("[HUB] connection lost, reconnecting", "error", cause)
	if onReconnecting != nil {
		onReconnecting(cause)
	}

	for attempt := 0; ; attempt++ {
		delay, ok := c.opts.ReconnectPolicy.NextDelay(attempt)
		if !ok {
			metrics.HubReconnectAttempts.WithLabelValues("exhausted").Inc()
			return nil, nil, fmt.Errorf("%w after %d attempts: %v", consts.ErrHubReconnectExhausted, attempt, cause)
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-c.runCtx.Done():
				t.Stop()
				return nil, nil, c.runCtx.Err()
			case <-t.C:
			}
		}

		ws, id, rest, err := c.connect(c.runCtx)
		if err != nil {
			if c.runCtx.Err() != nil {
				return nil, nil, c.runCtx.Err()
			}
			metrics.HubReconnectAttempts.WithLabelValues("failure").Inc()
			c.log.Warn("[HUB] reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}

		c.mu.Lock()
		if c.runCtx.Err() != nil {
			c.mu.Unlock()
			ws.Close()
			return nil, nil, c.runCtx.Err()
		}
		c.ws = ws
		c.connectionID = id
		c.state = StateConnected
		onReconnected := c.onReconnected
		c.mu.Unlock()

		metrics.HubReconnectAttempts.WithLabelValues("success").Inc()
		c.log.Info("[HUB] reconnected", "connection_id", id, "attempt", attempt+1)
		if onReconnected != nil {
			onReconnected(id)
		}
		return ws, rest, nil
	}
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	c.state = StateDisconnected
	c.ws = nil
	c.connectionID = ""
	onClose := c.onClose
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		if err != nil {
			c.log.Warn("[HUB] connection closed", "error", err)
		} else {
			c.log.Info("[HUB] connection stopped")
		}
		if onClose != nil {
			onClose(err)
		}
	})
}
