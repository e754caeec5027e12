package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/migadu/nestlink/config"
	"github.com/migadu/nestlink/credentials"
	"github.com/migadu/nestlink/hub"
	"github.com/migadu/nestlink/logger"
	"github.com/migadu/nestlink/pkg/circuitbreaker"
)

// HubDialer opens hub connections for the session.
type HubDialer struct {
	baseURL      string
	path         string
	receiveEvent string
	template     hub.Options
	breaker      *circuitbreaker.CircuitBreaker
}

// NewHubDialer builds a dialer from the [hub] section. breaker may be nil.
func NewHubDialer(cfg config.HubConfig, breaker *circuitbreaker.CircuitBreaker) (*HubDialer, error) {
	opts, err := hub.OptionsFromConfig(cfg, breaker)
	if err != nil {
		return nil, err
	}
	return &HubDialer{
		baseURL:      cfg.BaseURL,
		path:         cfg.GetPath(),
		receiveEvent: cfg.GetReceiveEvent(),
		template:     opts,
		breaker:      breaker,
	}, nil
}

// WithOptions replaces the connection template. Tests use it to shorten timeouts.
func (d *HubDialer) WithOptions(fn func(*hub.Options)) *HubDialer {
	fn(&d.template)
	return d
}

func (d *HubDialer) Dial(ctx context.Context, cred credentials.Credential, ev TransportEvents) (Transport, error) {
	url, err := hub.BuildURL(d.baseURL, d.path, cred.UserID)
	if err != nil {
		return nil, err
	}

	opts := d.template
	opts.URL = url
	token := cred.Token
	opts.AccessTokenFactory = func(context.Context) (string, error) { return token, nil }

	conn, err := hub.NewConn(opts)
	if err != nil {
		return nil, err
	}

	conn.On(d.receiveEvent, func(args []json.RawMessage) {
		if len(args) == 0 {
			logger.Warn("[SESSION] inbound event without arguments", "event", d.receiveEvent)
			return
		}
		ev.OnMessage(args[0])
	})
	conn.OnReconnecting(ev.OnReconnecting)
	conn.OnReconnected(ev.OnReconnected)
	conn.OnClose(ev.OnClose)

	if err := conn.Start(ctx); err != nil {
		return nil, fmt.Errorf("hub start: %w", err)
	}
	return hubTransport{conn: conn}, nil
}

// Resume lets the next dial probe the hub even if the breaker is open.
func (d *HubDialer) Resume() {
	if d.breaker != nil {
		d.breaker.ForceHalfOpen()
	}
}

type hubTransport struct {
	conn *hub.Conn
}

func (t hubTransport) ConnectionID() string { return t.conn.ConnectionID() }

func (t hubTransport) Close(ctx context.Context) error { return t.conn.Stop(ctx) }
