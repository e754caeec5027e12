package hub

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/migadu/nestlink/consts"
)

// recordSeparator terminates every JSON hub protocol record.
const recordSeparator = 0x1E

// Message types of the JSON hub protocol, version 1.
const (
	typeInvocation       = 1
	typeStreamItem       = 2
	typeCompletion       = 3
	typeStreamInvocation = 4
	typeCancelInvocation = 5
	typePing             = 6
	typeClose            = 7
)

var handshakeRequest = []byte(`{"protocol":"json","version":1}` + "\x1e")

var pingRecord = []byte(`{"type":6}` + "\x1e")

type message struct {
	Type           int               `json:"type"`
	Target         string            `json:"target,omitempty"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

func typeName(t int) string {
	switch t {
	case typeInvocation:
		return "invocation"
	case typeStreamItem:
		return "stream_item"
	case typeCompletion:
		return "completion"
	case typeStreamInvocation:
		return "stream_invocation"
	case typeCancelInvocation:
		return "cancel_invocation"
	case typePing:
		return "ping"
	case typeClose:
		return "close"
	default:
		return "unknown"
	}
}

// splitRecords returns the complete records in data. A trailing fragment
// without a separator is dropped; the server never splits a record across
// WebSocket frames in text mode.
func splitRecords(data []byte) [][]byte {
	var records [][]byte
	for len(data) > 0 {
		i := bytes.IndexByte(data, recordSeparator)
		if i < 0 {
			break
		}
		if i > 0 {
			records = append(records, data[:i])
		}
		data = data[i+1:]
	}
	return records
}

// parseHandshake reads the handshake response at the start of data and
// returns whatever follows it in the same frame.
func parseHandshake(data []byte) (rest []byte, err error) {
	i := bytes.IndexByte(data, recordSeparator)
	if i < 0 {
		return nil, fmt.Errorf("%w: incomplete handshake response", consts.ErrHubHandshakeFailed)
	}
	var resp handshakeResponse
	if err := json.Unmarshal(data[:i], &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrHubHandshakeFailed, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", consts.ErrHubHandshakeFailed, resp.Error)
	}
	return data[i+1:], nil
}

func encodeInvocation(target string, args []any) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("failed to encode argument %d for %s: %w", i, target, err)
		}
		raw = append(raw, b)
	}
	b, err := json.Marshal(message{Type: typeInvocation, Target: target, Arguments: raw})
	if err != nil {
		return nil, err
	}
	return append(b, recordSeparator), nil
}

func encodeClose(reason string) []byte {
	b, _ := json.Marshal(message{Type: typeClose, Error: reason})
	return append(b, recordSeparator)
}
