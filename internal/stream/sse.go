package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Encode writes e in text/event-stream framing. Events without an id get no
// id line so they do not move the client's Last-Event-ID.
func Encode(w io.Writer, e Event) error {
	var b strings.Builder
	if e.ID != 0 {
		fmt.Fprintf(&b, "id: %d\n", e.ID)
	}
	fmt.Fprintf(&b, "event: %s\n", e.Type)
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// SSEWriter writes events to an HTTP response and flushes after each one.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers on w. Returns nil if the writer
// does not support flushing.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: f}
}

// Retry advises the client how long to wait before reconnecting.
func (s *SSEWriter) Retry(d time.Duration) error {
	if _, err := fmt.Fprintf(s.w, "retry: %d\n\n", d.Milliseconds()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Write encodes one event and flushes it.
func (s *SSEWriter) Write(e Event) error {
	if err := Encode(s.w, e); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Frame is one decoded server-sent event.
type Frame struct {
	ID    string
	Event string
	Data  string
	Retry time.Duration
}

// Decoder reads frames from an event stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next complete frame. Comment lines are skipped and a
// frame carrying only a retry hint is returned with empty Event and Data.
func (d *Decoder) Next() (Frame, error) {
	var f Frame
	var data []string
	seen := false

	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" && !seen {
				return Frame{}, io.EOF
			}
			if err != io.EOF {
				return Frame{}, err
			}
			if line == "" {
				return Frame{}, io.ErrUnexpectedEOF
			}
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !seen {
				continue
			}
			f.Data = strings.Join(data, "\n")
			if f.Event == "" && f.Data != "" {
				f.Event = "message"
			}
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		seen = true
		switch field {
		case "id":
			f.ID = value
		case "event":
			f.Event = value
		case "data":
			data = append(data, value)
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil {
				f.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}
