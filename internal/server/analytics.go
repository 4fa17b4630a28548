package server

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/wesm/usageview/internal/db"
	"github.com/wesm/usageview/internal/pricing"
	"github.com/wesm/usageview/internal/settings"
)

// loadFailedMsg is the only store failure detail clients see.
const loadFailedMsg = "failed to load"

// request is what every analytics handler runs against: the
// store selected for this request, its normalized filters and
// the price table in effect.
type request struct {
	store   *db.DB
	filters db.Filters
	pricing pricing.Table
	query   url.Values
}

// prepare reads the settings, resolves the store and normalizes
// the filters. Settings are read on every request so edits
// apply without a restart. It writes the error response and
// returns false when the store cannot be opened.
func (s *Server) prepare(
	w http.ResponseWriter, r *http.Request,
) (request, bool) {
	set, err := settings.Load(s.cfg.SettingsPath)
	if err != nil {
		log.Printf("settings error (using defaults): %v", err)
	}

	path := s.cfg.DBPath
	if set.DBPath != "" {
		path = set.DBPath
	}
	store, err := s.stores.Get(path)
	if err != nil {
		log.Printf("store error: %v", err)
		writeError(w, http.StatusInternalServerError, loadFailedMsg)
		return request{}, false
	}

	q := r.URL.Query()
	return request{
		store:   store,
		filters: db.NormalizeFilters(q, time.Now()),
		pricing: set.Pricing,
		query:   q,
	}, true
}

// analyticsHandler adapts a query function into a handler that
// prepares the request, runs fn and writes its result as JSON.
func analyticsHandler[T any](
	s *Server, fn func(ctx context.Context, req request) (T, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := s.prepare(w, r)
		if !ok {
			return
		}
		result, err := fn(r.Context(), req)
		if err != nil {
			if handleContextError(w, err) {
				return
			}
			log.Printf("analytics error: %v", err)
			writeError(w, http.StatusInternalServerError, loadFailedMsg)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	analyticsHandler(s, func(
		ctx context.Context, req request,
	) (db.Overview, error) {
		return req.store.GetOverview(ctx, req.filters, req.pricing)
	})(w, r)
}

func (s *Server) handleUsageSeries(w http.ResponseWriter, r *http.Request) {
	analyticsHandler(s, func(
		ctx context.Context, req request,
	) (db.SeriesResponse, error) {
		return req.store.GetUsageSeries(ctx, req.filters, req.pricing)
	})(w, r)
}

func (s *Server) handleBreakdown(dim db.Dimension) http.HandlerFunc {
	return analyticsHandler(s, func(
		ctx context.Context, req request,
	) (db.TopNResult, error) {
		return req.store.GetUsageBreakdown(ctx, req.filters, dim)
	})
}

func (s *Server) handleUsageMatrix(w http.ResponseWriter, r *http.Request) {
	analyticsHandler(s, func(
		ctx context.Context, req request,
	) (db.MatrixResult, error) {
		return req.store.GetUsageMatrix(ctx, req.filters)
	})(w, r)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	analyticsHandler(s, func(
		ctx context.Context, req request,
	) (db.TopNResult, error) {
		return req.store.GetToolUsage(
			ctx, req.filters, req.query.Get("tool_type"),
		)
	})(w, r)
}

// latencyResponse wraps latency summaries with the grouping
// that produced them.
type latencyResponse struct {
	Group   string              `json:"group"`
	Summary []db.LatencySummary `json:"summary"`
}

// parseLatencyGroup reads the group param. Unknown values fall
// back to grouping by tool name.
func parseLatencyGroup(q url.Values) db.LatencyGroup {
	if db.LatencyGroup(q.Get("group")) == db.GroupByToolType {
		return db.GroupByToolType
	}
	return db.GroupByToolName
}

func (s *Server) handleToolLatency(w http.ResponseWriter, r *http.Request) {
	analyticsHandler(s, func(
		ctx context.Context, req request,
	) (latencyResponse, error) {
		group := parseLatencyGroup(req.query)
		sum, err := req.store.ToolLatency(
			ctx, req.filters, group, req.query.Get("tool_type"),
		)
		return latencyResponse{Group: string(group), Summary: sum}, err
	})(w, r)
}

func (s *Server) handleTurnLatency(w http.ResponseWriter, r *http.Request) {
	analyticsHandler(s, func(
		ctx context.Context, req request,
	) (latencyResponse, error) {
		sum, err := req.store.TurnLatency(ctx, req.filters)
		return latencyResponse{Group: "model", Summary: sum}, err
	})(w, r)
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	analyticsHandler(s, func(
		ctx context.Context, req request,
	) (db.CostResponse, error) {
		return req.store.GetCost(ctx, req.filters, req.pricing)
	})(w, r)
}

func (s *Server) handleFilterOptions(w http.ResponseWriter, r *http.Request) {
	analyticsHandler(s, func(
		ctx context.Context, req request,
	) (db.FilterOptions, error) {
		return req.store.GetFilterOptions(ctx, req.filters)
	})(w, r)
}
