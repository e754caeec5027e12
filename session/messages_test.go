package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnwrapPayload(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wrapped bool
	}{
		{"envelope object", `{"payload":{"kind":"reminder","id":7}}`, `{"kind":"reminder","id":7}`, true},
		{"envelope scalar", `{"payload":42}`, `42`, true},
		{"envelope null", `{"payload":null}`, `null`, true},
		{"envelope with whitespace", " {\"payload\": [1,2]} ", `[1,2]`, true},
		{"extra keys", `{"payload":1,"meta":2}`, `1`, true},
		{"extra keys before payload", `{"type":"chat","payload":{"seq":1}}`, `{"seq":1}`, true},
		{"no payload key", `{"kind":"reminder"}`, `{"kind":"reminder"}`, false},
		{"array", `[{"payload":1}]`, `[{"payload":1}]`, false},
		{"string", `"payload"`, `"payload"`, false},
		{"empty object", `{}`, `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := unwrapPayload(raw(tt.in))
			assert.Equal(t, tt.wrapped, ok)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMessageLogViewIsStable(t *testing.T) {
	var l messageLog
	l.append(raw(`1`))
	l.append(raw(`2`))
	v := l.view()

	l.append(raw(`3`))
	require.Len(t, v, 2)
	assert.Equal(t, 2, cap(v))
	assert.Equal(t, 3, l.len())

	src := raw(`{"a":1}`)
	l.append(src)
	src[2] = 'b'
	assert.Equal(t, `{"a":1}`, string(l.view()[3]))
}

func TestInboundMessagesKeepArrivalOrder(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.s.UpdateCredential(credU1T1)
	h.waitStatus(t, StatusConnected)
	tr := h.dialer.last()

	tr.events.OnMessage(raw(`{"payload":{"seq":1}}`))
	tr.events.OnMessage(raw(`{"seq":2}`))
	tr.events.OnMessage(raw(`{"payload":{"seq":3},"extra":true}`))
	require.NoError(t, h.s.AddMessage(context.Background(), raw(`{"payload":{"seq":4}}`)))
	tr.events.OnMessage(raw(`"five"`))
	h.sync(t)

	msgs := h.s.Messages()
	require.Len(t, msgs, 5)
	assert.JSONEq(t, `{"seq":1}`, string(msgs[0]))
	assert.JSONEq(t, `{"seq":2}`, string(msgs[1]))
	assert.JSONEq(t, `{"seq":3}`, string(msgs[2]))
	assert.JSONEq(t, `{"seq":4}`, string(msgs[3]))
	assert.Equal(t, `"five"`, string(msgs[4]))

	// A snapshot taken earlier is unaffected by later arrivals.
	before := h.s.Snapshot()
	tr.events.OnMessage(raw(`6`))
	h.sync(t)
	assert.Len(t, before.Messages, 5)
	assert.Len(t, h.s.Messages(), 6)
}

func TestMessagesSurviveReconnect(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.s.UpdateCredential(credU1T1)
	h.waitStatus(t, StatusConnected)
	old := h.dialer.last()
	old.events.OnMessage(raw(`{"n":1}`))

	h.s.UpdateCredential(credU1T2)
	h.sync(t)
	// Delivered before teardown completed; still kept.
	old.events.OnMessage(raw(`{"n":2}`))
	h.waitStatus(t, StatusConnected)
	h.dialer.last().events.OnMessage(raw(`{"n":3}`))
	h.sync(t)

	type note struct {
		N int `json:"n"`
	}
	notes, err := DecodeAll[note](h.s.Messages())
	require.NoError(t, err)
	assert.Equal(t, []note{{1}, {2}, {3}}, notes)
}

func TestAddMessageRejectsInvalidJSON(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.Error(t, h.s.AddMessage(context.Background(), raw(`{not json`)))
	h.sync(t)
	assert.Empty(t, h.s.Messages())
}

func TestAddMessageUnwrapsEnvelopeWithExtraKeys(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.s.AddMessage(context.Background(), raw(`{"payload":{"seq":1},"type":"chat"}`)))
	h.sync(t)

	msgs := h.s.Messages()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"seq":1}`, string(msgs[0]))
}

func TestDecode(t *testing.T) {
	type reminder struct {
		Kind string `json:"kind"`
		Week int    `json:"week"`
	}

	r, err := Decode[reminder](raw(`{"kind":"checkup","week":12}`))
	require.NoError(t, err)
	assert.Equal(t, reminder{Kind: "checkup", Week: 12}, r)

	_, err = Decode[reminder](raw(`"checkup"`))
	require.Error(t, err)

	out, err := DecodeAll[reminder]([]json.RawMessage{raw(`{"kind":"a"}`), raw(`[]`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry 1")
	assert.Len(t, out, 1)
}
