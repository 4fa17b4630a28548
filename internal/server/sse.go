package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

const sseWriteTimeout = 3 * time.Second

// SSEStream writes Server-Sent Events to one client. Each event
// carries an increasing id so clients can tell missed events
// after a reconnect.
type SSEStream struct {
	w      http.ResponseWriter
	f      http.Flusher
	nextID uint64
}

// NewSSEStream sets the event-stream headers and flushes them.
// It fails when w cannot stream.
func NewSSEStream(w http.ResponseWriter) (*SSEStream, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &SSEStream{w: w, f: f}, nil
}

// Send writes one event. Multi-line data is split across data
// fields. It returns false once the client is gone.
func (s *SSEStream) Send(event, data string) bool {
	rc := http.NewResponseController(s.w)
	_ = rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	defer func() { _ = rc.SetWriteDeadline(time.Time{}) }()

	s.nextID++
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\nevent: %s\n", s.nextID, event)
	for line := range strings.SplitSeq(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")

	if _, err := s.w.Write([]byte(b.String())); err != nil {
		log.Printf("sse: writing %q: %v", event, err)
		return false
	}
	s.f.Flush()
	return true
}

// SendJSON writes one event with v encoded as JSON.
func (s *SSEStream) SendJSON(event string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("sse: encoding %q: %v", event, err)
		return false
	}
	return s.Send(event, string(data))
}
