package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/migadu/nestlink/consts"
	"github.com/migadu/nestlink/credentials"
	"github.com/migadu/nestlink/helpers"
	"github.com/migadu/nestlink/pkg/metrics"
)

const (
	retryReasonOpenFailed = "open_failed"
	retryReasonDropped    = "dropped"
)

// loopState is owned by the event loop goroutine.
type loopState struct {
	status   Status
	errMsg   string
	userID   string
	connID   string
	cred     credentials.Credential
	hasConn  bool
	gen      uint64
	messages messageLog
	timers   *timerTable
	appState AppState
	closed   bool
}

func (s *Session) loop() {
	defer close(s.stopped)
	for ev := range s.events {
		s.handle(ev)
		s.publish()
		if s.st.closed {
			return
		}
	}
}

func (s *Session) handle(ev event) {
	switch e := ev.(type) {
	case credentialChanged:
		s.onCredentialChanged(e.cred)
	case dialResult:
		s.onDialResult(e)
	case transportReconnecting:
		s.onReconnecting(e)
	case transportReconnected:
		s.onReconnected(e)
	case transportClosed:
		s.onTransportClosed(e)
	case messageReceived:
		s.appendMessage(e.payload, true)
	case timerFired:
		s.onTimer(e)
	case appStateChanged:
		s.onAppState(e.state)
		close(e.done)
	case forceReconnect:
		s.log.Info("[SESSION] forced reconnect requested")
		s.disconnect()
		s.connect()
		close(e.done)
	case addMessage:
		s.appendMessage(e.payload, false)
		close(e.done)
	case inspect:
		e.fn(&s.st)
		close(e.done)
	case closeRequest:
		s.shutdown()
	default:
		s.log.Error("[SESSION] unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

func (s *Session) onCredentialChanged(cred credentials.Credential) {
	s.st.cred = cred
	s.log.Info("[SESSION] credential changed", "user_id", cred.UserID,
		"token", helpers.TokenFingerprint(cred.Token), "valid", cred.Valid())
	s.connect()
}

// connect replaces any existing connection with a fresh one for the current
// credential. Without a valid credential it tears everything down and waits
// for the next credential change.
func (s *Session) connect() {
	s.st.timers.cancel(timerRetry)

	if !s.st.cred.Valid() {
		if s.st.hasConn {
			s.st.gen++
			s.conn.submit(connectorCmd{gen: s.st.gen})
			s.st.hasConn = false
		}
		s.st.timers.cancelAll()
		metrics.ConnectAttempts.WithLabelValues("no_credentials").Inc()
		s.st.userID = s.st.cred.UserID
		s.st.connID = ""
		s.setStatus(StatusDisconnected, consts.ErrAuthRequired.Error())
		return
	}

	s.st.gen++
	s.st.hasConn = true
	s.st.userID = s.st.cred.UserID
	s.st.connID = ""
	s.setStatus(StatusConnecting, "")
	s.conn.submit(connectorCmd{gen: s.st.gen, open: true, cred: s.st.cred})
}

// disconnect tears down the current connection if there is one.
func (s *Session) disconnect() {
	s.st.timers.cancel(timerRetry)
	if !s.st.hasConn {
		return
	}
	s.st.gen++
	s.conn.submit(connectorCmd{gen: s.st.gen})
	s.st.hasConn = false
	s.st.connID = ""
	s.setStatus(StatusDisconnected, "")
}

func (s *Session) onDialResult(e dialResult) {
	if e.gen != s.st.gen {
		return
	}
	if e.err != nil {
		s.st.connID = ""
		s.setStatus(StatusDisconnected, "failed to connect: "+helpers.SanitizeErrorText(e.err.Error()))
		s.scheduleRetry(retryReasonOpenFailed, s.opts.ConnectRetryDelay)
		return
	}
	s.st.connID = e.connectionID
	s.setStatus(StatusConnected, "")
}

func (s *Session) onReconnecting(e transportReconnecting) {
	if e.gen != s.st.gen {
		return
	}
	metrics.TransportEvents.WithLabelValues("reconnecting").Inc()
	msg := "connection lost, reconnecting"
	if e.err != nil {
		msg += ": " + helpers.SanitizeErrorText(e.err.Error())
	}
	s.st.connID = ""
	s.setStatus(StatusReconnecting, msg)
}

func (s *Session) onReconnected(e transportReconnected) {
	if e.gen != s.st.gen {
		return
	}
	metrics.TransportEvents.WithLabelValues("reconnected").Inc()
	s.st.timers.cancel(timerRetry)
	s.st.connID = e.connectionID
	s.setStatus(StatusConnected, "")
}

func (s *Session) onTransportClosed(e transportClosed) {
	if e.gen != s.st.gen {
		return
	}
	metrics.TransportEvents.WithLabelValues("closed").Inc()
	msg := "connection closed"
	if e.err != nil {
		msg += ": " + helpers.SanitizeErrorText(e.err.Error())
	}
	s.st.connID = ""
	s.setStatus(StatusDisconnected, msg)
	s.scheduleRetry(retryReasonDropped, s.opts.DropRetryDelay)
}

func (s *Session) scheduleRetry(reason string, delay time.Duration) {
	s.log.Info("[SESSION] manual retry scheduled", "reason", reason, "delay", delay)
	s.st.timers.schedule(timerRetry, reason, delay)
}

// onTimer handles a fired manual retry. The transport may have recovered on
// its own in the meantime, so the status is re-checked before acting.
func (s *Session) onTimer(e timerFired) {
	entry, ok := s.st.timers.take(e.name, e.id)
	if !ok {
		return
	}
	switch s.st.status {
	case StatusConnected, StatusConnecting, StatusReconnecting:
		metrics.ManualRetries.WithLabelValues(entry.reason, "skipped").Inc()
		s.log.Debug("[SESSION] manual retry skipped", "status", string(s.st.status))
		return
	}
	metrics.ManualRetries.WithLabelValues(entry.reason, "connect").Inc()
	s.log.Info("[SESSION] manual retry", "reason", entry.reason)
	s.connect()
}

func (s *Session) onAppState(state AppState) {
	s.st.appState = state
	if state != AppForeground {
		s.log.Debug("[SESSION] app moved to background")
		return
	}
	if s.st.hasConn && s.st.status == StatusDisconnected {
		metrics.ForegroundResumes.WithLabelValues("connect").Inc()
		s.log.Info("[SESSION] foreground with a dropped connection, reconnecting")
		if r, ok := s.dialer.(Resumer); ok {
			r.Resume()
		}
		s.connect()
		return
	}
	metrics.ForegroundResumes.WithLabelValues("none").Inc()
}

func (s *Session) appendMessage(payload json.RawMessage, inbound bool) {
	if inbound {
		metrics.MessagesReceived.Inc()
	}
	if inner, ok := unwrapPayload(payload); ok {
		metrics.MessagesUnwrapped.Inc()
		payload = inner
	}
	s.st.messages.append(payload)
	metrics.MessageLogSize.Set(float64(s.st.messages.len()))
}

func (s *Session) shutdown() {
	s.st.timers.cancelAll()
	if s.st.hasConn {
		s.st.gen++
		s.st.hasConn = false
	}
	s.conn.stop()
	s.st.connID = ""
	s.st.closed = true
	s.setStatus(StatusDisconnected, "")
}

func (s *Session) setStatus(next Status, errMsg string) {
	prev := s.st.status
	s.st.status = next
	s.st.errMsg = errMsg
	if prev == next {
		return
	}
	if s.opts.statusHook != nil {
		s.opts.statusHook(prev, next, errMsg)
	}
	metrics.SessionTransitions.WithLabelValues(string(prev), string(next)).Inc()
	metrics.SetSessionStatus(string(next), allStatuses)
	if errMsg != "" {
		s.log.Warn("[SESSION] status changed", "from", string(prev), "to", string(next), "error", errMsg)
	} else {
		s.log.Info("[SESSION] status changed", "from", string(prev), "to", string(next))
	}
}

// publish stores and broadcasts a new snapshot if anything observable changed.
func (s *Session) publish() {
	next := &Snapshot{
		Status:       s.st.status,
		Error:        s.st.errMsg,
		UserID:       s.st.userID,
		IsConnected:  s.st.status == StatusConnected,
		ConnectionID: s.st.connID,
		Messages:     s.st.messages.view(),
	}
	if prev := s.snap.Load(); prev != nil && prev.sameState(next) {
		return
	}
	s.snap.Store(next)
	s.bcast.publish(*next)
}
