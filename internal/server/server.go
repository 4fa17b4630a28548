package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/wesm/usageview/internal/config"
	"github.com/wesm/usageview/internal/db"
	"github.com/wesm/usageview/internal/watch"
)

// VersionInfo holds build-time version metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Server is the HTTP server for the usage analytics API.
type Server struct {
	mu      gosync.RWMutex
	cfg     config.Config
	stores  *db.Registry
	broker  *watch.Broker
	mux     *http.ServeMux
	httpSrv *http.Server
	version VersionInfo
	metrics *metrics

	// heartbeat is the keepalive interval of the events stream.
	heartbeat time.Duration

	// handlerDelay is injected before each timeout-wrapped
	// handler, used only by tests to guarantee handlers
	// exceed a short timeout. Zero in production.
	handlerDelay time.Duration
}

// New creates a new Server reading usage databases through
// stores.
func New(
	cfg config.Config, stores *db.Registry, opts ...Option,
) *Server {
	s := &Server{
		cfg:       cfg,
		stores:    stores,
		mux:       http.NewServeMux(),
		metrics:   newMetrics(),
		heartbeat: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.watchBroker(s.broker)
	s.routes()
	return s
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build-time version metadata.
func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

// WithBroker enables the live events stream, fed by b.
func WithBroker(b *watch.Broker) Option {
	return func(s *Server) { s.broker = b }
}

// WithHeartbeat overrides the events stream keepalive
// interval. Non-positive values are ignored.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

func (s *Server) routes() {
	s.handle("GET /api/v1/overview", s.withTimeout(s.handleOverview))
	s.handle("GET /api/v1/usage/timeseries", s.withTimeout(s.handleUsageSeries))
	s.handle("GET /api/v1/usage/models", s.withTimeout(s.handleBreakdown(db.DimModel)))
	s.handle("GET /api/v1/usage/directories", s.withTimeout(s.handleBreakdown(db.DimDirectory)))
	s.handle("GET /api/v1/usage/sources", s.withTimeout(s.handleBreakdown(db.DimSource)))
	s.handle("GET /api/v1/usage/matrix", s.withTimeout(s.handleUsageMatrix))
	s.handle("GET /api/v1/tools", s.withTimeout(s.handleTools))
	s.handle("GET /api/v1/tools/latency", s.withTimeout(s.handleToolLatency))
	s.handle("GET /api/v1/turns/latency", s.withTimeout(s.handleTurnLatency))
	s.handle("GET /api/v1/cost", s.withTimeout(s.handleCost))
	s.handle("GET /api/v1/filters", s.withTimeout(s.handleFilterOptions))
	s.handle("GET /api/v1/version", s.withTimeout(s.handleGetVersion))

	// SSE: Do not use timeout, as this is a long-lived connection.
	s.handle("GET /api/v1/events", http.HandlerFunc(s.handleEvents))

	s.mux.Handle("GET /metrics", s.metrics.handler())
}

// handle registers h on pattern with request metrics.
func (s *Server) handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, s.metrics.instrument(pattern, h))
}

func (s *Server) handleGetVersion(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.version)
}

// Handler returns the http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(logMiddleware(s.mux))
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.httpSrv = srv
	s.mu.Unlock()
	log.Printf("Starting server at http://%s", addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// FindAvailablePort finds an available port starting from the
// given port, binding to the specified host.
func FindAvailablePort(host string, start int) int {
	for port := start; port < start+100; port++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return port
		}
	}
	return start
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			log.Printf("%s %s", r.Method, r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}
