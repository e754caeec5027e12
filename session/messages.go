package session

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// unwrapPayload returns X for an object carrying a "payload" key and raw
// otherwise. Other keys beside "payload" are discarded.
func unwrapPayload(raw json.RawMessage) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw, false
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return raw, false
	}
	inner, ok := env["payload"]
	if !ok {
		return raw, false
	}
	return inner, true
}

// messageLog is the append-only inbound log. It is owned by the event loop.
type messageLog struct {
	entries []json.RawMessage
}

func (l *messageLog) append(m json.RawMessage) {
	cp := make(json.RawMessage, len(m))
	copy(cp, m)
	l.entries = append(l.entries, cp)
}

// view returns a read-only window whose capacity equals its length, so a
// later append never writes into memory a consumer can see.
func (l *messageLog) view() []json.RawMessage {
	n := len(l.entries)
	return l.entries[:n:n]
}

func (l *messageLog) len() int { return len(l.entries) }

// Decode unmarshals a log entry into T.
func Decode[T any](entry json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(entry, &v); err != nil {
		return v, fmt.Errorf("decode message: %w", err)
	}
	return v, nil
}

// DecodeAll decodes every entry, stopping at the first failure.
func DecodeAll[T any](entries []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(entries))
	for i, e := range entries {
		v, err := Decode[T](e)
		if err != nil {
			return out, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
