package server

import (
	"net/http"
	"time"
)

// handleEvents streams store and settings change notifications
// as Server-Sent Events, with a periodic heartbeat.
func (s *Server) handleEvents(
	w http.ResponseWriter, r *http.Request,
) {
	if s.broker == nil {
		writeError(w, http.StatusServiceUnavailable,
			"live updates are disabled")
		return
	}

	stream, err := NewSSEStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError,
			"streaming not supported")
		return
	}

	changes, unsubscribe := s.broker.Subscribe()
	defer unsubscribe()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if !stream.SendJSON(c.Kind, c) {
				return
			}
		case <-heartbeat.C:
			if !stream.Send("heartbeat",
				time.Now().UTC().Format(time.RFC3339)) {
				return
			}
		}
	}
}
