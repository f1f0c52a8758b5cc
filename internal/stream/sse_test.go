package stream

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Event{ID: 7, Type: EventIntelligence, Data: json.RawMessage(`{"a":1}`)}))
	assert.Equal(t, "id: 7\nevent: intelligence\ndata: {\"a\":1}\n\n", buf.String())

	buf.Reset()
	require.NoError(t, Encode(&buf, Event{Type: EventHeartbeat}))
	assert.Equal(t, "event: heartbeat\ndata: {}\n\n", buf.String())
}

func TestSSEWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)
	require.NotNil(t, w)

	require.NoError(t, w.Retry(3*time.Second))
	require.NoError(t, w.Write(Event{ID: 1, Type: EventAlert, Data: json.RawMessage(`{}`)}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.True(t, rec.Flushed)
	assert.Equal(t, "retry: 3000\n\nid: 1\nevent: alert\ndata: {}\n\n", rec.Body.String())
}

func TestDecoder(t *testing.T) {
	raw := ": comment\n" +
		"retry: 1500\n\n" +
		"event: connection\ndata: {\"topic\":\"t\"}\n\n" +
		"id: 3\r\nevent: intelligence\r\ndata: line one\r\ndata: line two\r\n\r\n" +
		"data: bare\n\n"
	d := NewDecoder(strings.NewReader(raw))

	f, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, f.Retry)
	assert.Empty(t, f.Event)

	f, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, Frame{Event: "connection", Data: `{"topic":"t"}`}, f)

	f, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, "3", f.ID)
	assert.Equal(t, "line one\nline two", f.Data)

	f, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, "message", f.Event)

	_, err = d.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoder_TruncatedFrame(t *testing.T) {
	d := NewDecoder(strings.NewReader("id: 1\nevent: alert\ndata: {"))
	_, err := d.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	events := []Event{
		{Type: EventConnection, Data: json.RawMessage(`{"x":1}`)},
		{ID: 1, Type: EventIntelligence, Data: json.RawMessage(`{"content":"a"}`)},
		{ID: 2, Type: EventComplete, Data: json.RawMessage(`{}`)},
	}
	for _, e := range events {
		require.NoError(t, Encode(&buf, e))
	}

	d := NewDecoder(&buf)
	for _, e := range events {
		f, err := d.Next()
		require.NoError(t, err)
		assert.Equal(t, string(e.Type), f.Event)
		assert.Equal(t, string(e.Data), f.Data)
		if e.ID == 0 {
			assert.Empty(t, f.ID)
		}
	}
}
