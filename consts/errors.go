package consts

import "errors"

var (
	ErrAuthRequired  = errors.New("authentication required")
	ErrSessionClosed = errors.New("session closed")
	ErrNoConnection  = errors.New("no live connection")
	ErrTokenExpired  = errors.New("token expired")

	ErrHubUnauthorized       = errors.New("hub rejected credentials")
	ErrHubHandshakeFailed    = errors.New("hub handshake failed")
	ErrHubNoTransport        = errors.New("hub offers no supported transport")
	ErrHubClosedByServer     = errors.New("hub closed the connection")
	ErrHubServerTimeout      = errors.New("hub server timeout elapsed without receiving a message")
	ErrHubReconnectExhausted = errors.New("hub reconnect attempts exhausted")
)
