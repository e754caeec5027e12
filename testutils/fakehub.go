package testutils

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const recordSeparator = 0x1E

// Invocation is a client-to-server invocation captured by FakeHub.
type Invocation struct {
	ConnectionID string
	Target       string
	Arguments    []json.RawMessage
}

// FakeHub is an in-process hub speaking the JSON hub protocol over WebSocket.
// It serves negotiate at <path>/negotiate and the upgrade at <path>.
type FakeHub struct {
	Server *httptest.Server
	Path   string

	upgrader websocket.Upgrader

	mu               sync.Mutex
	conns            map[string]*fakeHubConn
	pending          map[string]string // connection token -> connection id
	negotiations     int
	upgrades         int
	peak             int
	tokens           []string
	userIDs          []string
	rejected         map[string]bool
	failNegotiations int
	handshakeError   string
	noWebSockets     bool
	invocations      []Invocation
	pings            int
	connected        chan string
}

type fakeHubConn struct {
	id     string
	userID string
	token  string
	ws     *websocket.Conn
	wmu    sync.Mutex
}

func (c *fakeHubConn) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// NewFakeHub starts a fake hub serving /hub/messageHub. It is closed when the
// test ends.
func NewFakeHub(t *testing.T) *FakeHub {
	t.Helper()
	h := &FakeHub{
		Path:      "/hub/messageHub",
		conns:     make(map[string]*fakeHubConn),
		pending:   make(map[string]string),
		rejected:  make(map[string]bool),
		connected: make(chan string, 64),
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(h.Path+"/negotiate", h.handleNegotiate)
	mux.HandleFunc(h.Path, h.handleUpgrade)
	h.Server = httptest.NewServer(mux)
	t.Cleanup(h.Close)
	return h
}

// URL is the API base address to configure clients with.
func (h *FakeHub) URL() string { return h.Server.URL }

// HubURL is the full hub address for userID.
func (h *FakeHub) HubURL(userID string) string {
	return h.Server.URL + h.Path + "?userId=" + userID
}

func (h *FakeHub) Close() {
	h.DropAll()
	h.Server.Close()
}

// RejectToken makes negotiate and upgrade answer 401 for token.
func (h *FakeHub) RejectToken(token string) {
	h.mu.Lock()
	h.rejected[token] = true
	h.mu.Unlock()
}

// FailNextNegotiations makes the next n negotiate requests answer 503.
func (h *FakeHub) FailNextNegotiations(n int) {
	h.mu.Lock()
	h.failNegotiations = n
	h.mu.Unlock()
}

// SetHandshakeError makes the handshake response carry msg.
func (h *FakeHub) SetHandshakeError(msg string) {
	h.mu.Lock()
	h.handshakeError = msg
	h.mu.Unlock()
}

// DisableWebSockets advertises only long polling in negotiate responses.
func (h *FakeHub) DisableWebSockets() {
	h.mu.Lock()
	h.noWebSockets = true
	h.mu.Unlock()
}

func bearer(r *http.Request) string {
	if tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "); tok != r.Header.Get("Authorization") {
		return tok
	}
	return r.URL.Query().Get("access_token")
}

func (h *FakeHub) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := bearer(r)

	h.mu.Lock()
	h.negotiations++
	h.tokens = append(h.tokens, token)
	h.userIDs = append(h.userIDs, r.URL.Query().Get("userId"))
	if h.failNegotiations > 0 {
		h.failNegotiations--
		h.mu.Unlock()
		http.Error(w, "hub warming up", http.StatusServiceUnavailable)
		return
	}
	if h.rejected[token] {
		h.mu.Unlock()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := uuid.NewString()
	connToken := uuid.NewString()
	h.pending[connToken] = id
	transport := "WebSockets"
	if h.noWebSockets {
		transport = "LongPolling"
	}
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"negotiateVersion": 1,
		"connectionId":     id,
		"connectionToken":  connToken,
		"availableTransports": []map[string]any{
			{"transport": transport, "transferFormats": []string{"Text"}},
		},
	})
}

func (h *FakeHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := bearer(r)
	connToken := r.URL.Query().Get("id")

	h.mu.Lock()
	if h.rejected[token] {
		h.mu.Unlock()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, ok := h.pending[connToken]
	if ok {
		delete(h.pending, connToken)
	} else if connToken == "" {
		// skip-negotiation clients connect without a connection token
		id, ok = uuid.NewString(), true
	}
	h.mu.Unlock()
	if !ok {
		http.Error(w, "no connection with that id", http.StatusNotFound)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &fakeHubConn{id: id, userID: r.URL.Query().Get("userId"), token: token, ws: ws}

	if !h.handshake(conn) {
		ws.Close()
		return
	}

	h.mu.Lock()
	h.upgrades++
	h.conns[id] = conn
	if len(h.conns) > h.peak {
		h.peak = len(h.conns)
	}
	h.mu.Unlock()

	select {
	case h.connected <- id:
	default:
	}
	h.readLoop(conn)
}

func (h *FakeHub) handshake(conn *fakeHubConn) bool {
	_ = conn.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ws.ReadMessage()
	if err != nil || bytes.IndexByte(data, recordSeparator) < 0 {
		return false
	}
	_ = conn.ws.SetReadDeadline(time.Time{})

	h.mu.Lock()
	herr := h.handshakeError
	h.mu.Unlock()

	resp := []byte("{}")
	if herr != "" {
		resp, _ = json.Marshal(map[string]string{"error": herr})
	}
	if err := conn.write(append(resp, recordSeparator)); err != nil {
		return false
	}
	return herr == ""
}

func (h *FakeHub) readLoop(conn *fakeHubConn) {
	defer func() {
		conn.ws.Close()
		h.mu.Lock()
		if h.conns[conn.id] == conn {
			delete(h.conns, conn.id)
		}
		h.mu.Unlock()
	}()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		for _, rec := range bytes.Split(data, []byte{recordSeparator}) {
			if len(rec) == 0 {
				continue
			}
			var msg struct {
				Type      int               `json:"type"`
				Target    string            `json:"target"`
				Arguments []json.RawMessage `json:"arguments"`
			}
			if json.Unmarshal(rec, &msg) != nil {
				continue
			}
			switch msg.Type {
			case 1:
				h.mu.Lock()
				h.invocations = append(h.invocations, Invocation{ConnectionID: conn.id, Target: msg.Target, Arguments: msg.Arguments})
				h.mu.Unlock()
			case 6:
				h.mu.Lock()
				h.pings++
				h.mu.Unlock()
			case 7:
				return
			}
		}
	}
}

func (h *FakeHub) snapshotConns() []*fakeHubConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*fakeHubConn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Send invokes target on every connected client.
func (h *FakeHub) Send(target string, args ...any) error {
	b, err := json.Marshal(map[string]any{"type": 1, "target": target, "arguments": args})
	if err != nil {
		return err
	}
	return h.SendRaw(string(b) + "\x1e")
}

// SendRaw writes data verbatim as one text frame to every connected client.
func (h *FakeHub) SendRaw(data string) error {
	for _, c := range h.snapshotConns() {
		if err := c.write([]byte(data)); err != nil {
			return err
		}
	}
	return nil
}

// DropAll closes every connection without a close record, like a network loss.
func (h *FakeHub) DropAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*fakeHubConn)
	h.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

// CloseAll sends a close record to every client.
func (h *FakeHub) CloseAll(reason string, allowReconnect bool) {
	b, _ := json.Marshal(map[string]any{"type": 7, "error": reason, "allowReconnect": allowReconnect})
	_ = h.SendRaw(string(b) + "\x1e")
}

// WaitConnected waits for the next successful handshake and returns its connection id.
func (h *FakeHub) WaitConnected(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case id := <-h.connected:
		return id
	case <-time.After(timeout):
		t.Fatalf("no client connected to the fake hub within %s", timeout)
		return ""
	}
}

func (h *FakeHub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// PeakConnections is the highest number of simultaneous connections seen.
func (h *FakeHub) PeakConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peak
}

func (h *FakeHub) Negotiations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.negotiations
}

func (h *FakeHub) Upgrades() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.upgrades
}

func (h *FakeHub) Pings() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pings
}

// Tokens returns the bearer tokens presented to negotiate, in order.
func (h *FakeHub) Tokens() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.tokens...)
}

func (h *FakeHub) UserIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.userIDs...)
}

// ConnectedTokens returns the bearer tokens of the live connections.
func (h *FakeHub) ConnectedTokens() []string {
	var out []string
	for _, c := range h.snapshotConns() {
		out = append(out, c.token)
	}
	return out
}

func (h *FakeHub) Invocations() []Invocation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Invocation(nil), h.invocations...)
}
