package session

import (
	"encoding/json"

	"github.com/migadu/nestlink/credentials"
)

// event is anything the loop reacts to.
type event interface{}

type credentialChanged struct {
	cred credentials.Credential
}

type dialResult struct {
	gen          uint64
	connectionID string
	err          error
}

type transportReconnecting struct {
	gen uint64
	err error
}

type transportReconnected struct {
	gen          uint64
	connectionID string
}

type transportClosed struct {
	gen uint64
	err error
}

type messageReceived struct {
	gen     uint64
	payload json.RawMessage
}

type timerFired struct {
	name string
	id   uint64
}

type appStateChanged struct {
	state AppState
	done  chan struct{}
}

type forceReconnect struct {
	done chan struct{}
}

type addMessage struct {
	payload json.RawMessage
	done    chan struct{}
}

type closeRequest struct{}

// inspect runs fn on the loop goroutine. Tests use it to read loop-owned state.
type inspect struct {
	fn   func(*loopState)
	done chan struct{}
}
