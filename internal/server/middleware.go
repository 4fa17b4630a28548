package server

import (
	"encoding/json"
	"net/http"
	"time"
)

const timedOutMsg = "request timed out"

// withTimeout bounds h by the configured write timeout. A
// handler that overruns gets a JSON 503 in place of its output.
func (s *Server) withTimeout(h http.HandlerFunc) http.Handler {
	body, _ := json.Marshal(jsonError{Error: timedOutMsg})

	inner := h
	if delay := s.handlerDelay; delay > 0 {
		inner = func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(delay)
			h(w, r)
		}
	}
	th := http.TimeoutHandler(inner, s.cfg.WriteTimeout, string(body))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		th.ServeHTTP(&timeoutWriter{ResponseWriter: w}, r)
	})
}

// timeoutWriter labels the TimeoutHandler's 503 body as JSON.
// Handler responses already carry their own Content-Type.
type timeoutWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *timeoutWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	h := w.Header()
	if code == http.StatusServiceUnavailable && h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *timeoutWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
