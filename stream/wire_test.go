package stream

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

func TestWriterFormat(t *testing.T) {
	var out flushRecorder
	w := NewWriter(&out)

	require.NoError(t, w.Write(Event{Type: TypeAgentStart, Seq: 1, Payload: map[string]any{"agent": "analyst", "status": "running"}}))
	require.NoError(t, w.Write(Event{Type: TypeHeartbeat}))
	require.NoError(t, w.Write(Event{Type: TypeDone, Seq: 2}))

	want := "id: 1\nevent: agent_start\ndata: {\"agent\":\"analyst\",\"status\":\"running\"}\n\n" +
		"event: heartbeat\ndata: {}\n\n" +
		"id: 2\nevent: done\ndata: {}\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, out.String())
	assert.Equal(t, 3, out.flushes)
}

func TestDecoderRoundTrip(t *testing.T) {
	in := []Event{
		{Type: TypeToolResult, Seq: 1, Payload: map[string]any{"agent": "router", "query_type": "general"}},
		{Type: TypeHeartbeat, Payload: map[string]any{}},
		{Type: TypeValidation, Seq: 2, Payload: map[string]any{"status": "approved", "revision_needed": false}},
		{Type: TypeComplete, Seq: 3, Payload: map[string]any{"content": "line one\nline two"}},
		{Type: TypeDone, Seq: 4, Payload: map[string]any{}},
	}
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, ev := range in {
		require.NoError(t, w.Write(ev))
	}

	got, err := ReadAll(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecoderSentinelAloneIsDone(t *testing.T) {
	dec := NewDecoder(strings.NewReader("event: token\ndata: {\"content\":\"x\"}\n\ndata: [DONE]\n\nevent: token\ndata: {}\n\n"))

	ev, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeToken, ev.Type)

	ev, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeDone, ev.Type)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderIgnoresComments(t *testing.T) {
	events, err := ReadAll(strings.NewReader(": keep-alive\n\nid: 7\nevent: token\ndata: {\"content\":\"a\"}\n"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(7), events[0].Seq)
}

func TestDecoderRejectsBadPayload(t *testing.T) {
	_, err := ReadAll(strings.NewReader("event: token\ndata: {not json}\n\n"))
	assert.Error(t, err)
}
