package server_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/usageview/internal/config"
	"github.com/wesm/usageview/internal/db"
	"github.com/wesm/usageview/internal/dbtest"
	"github.com/wesm/usageview/internal/server"
	"github.com/wesm/usageview/internal/watch"
)

// janRange covers every fixture row.
const janRange = "from=2026-01-01&to=2026-01-31"

// --- Test helpers ---

// testEnv is a server over a seeded fixture database.
type testEnv struct {
	srv          *server.Server
	handler      http.Handler
	writer       *dbtest.Writer
	broker       *watch.Broker
	dbPath       string
	settingsPath string
}

// setupOption customizes the config used by setup.
type setupOption func(*config.Config)

func withDBPath(p string) setupOption {
	return func(c *config.Config) { c.DBPath = p }
}

func setup(t *testing.T, opts ...setupOption) *testEnv {
	return setupWithServerOpts(t, nil, opts...)
}

func setupWithServerOpts(
	t *testing.T, srvOpts []server.Option, opts ...setupOption,
) *testEnv {
	t.Helper()
	w, dbPath := dbtest.New(t)
	seed(t, w)

	cfg := config.Config{
		Host:         "127.0.0.1",
		DBPath:       dbPath,
		SettingsPath: filepath.Join(t.TempDir(), "settings.json"),
		WriteTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	stores := db.NewRegistry()
	t.Cleanup(func() { stores.Close() })

	broker := watch.NewBroker()
	srvOpts = append([]server.Option{server.WithBroker(broker)}, srvOpts...)
	srv := server.New(cfg, stores, srvOpts...)

	return &testEnv{
		srv:          srv,
		handler:      srv.Handler(),
		writer:       w,
		broker:       broker,
		dbPath:       dbPath,
		settingsPath: cfg.SettingsPath,
	}
}

// seed inserts three token events, two timed turns and three
// tool calls on 2026-01-15.
//
//	gpt-5.2-codex       /apps/web  cli     1100 tokens
//	gpt-5.1-codex-mini  /lib       vscode   330 tokens
//	mystery-model       /apps      cli      110 tokens
func seed(t *testing.T, w *dbtest.Writer) {
	t.Helper()
	dbtest.MustInsert(t, w.InsertEvents(
		dbtest.Event{
			TS: "2026-01-15T10:00:00.000Z", SessionID: "s1",
			TurnID: "t1", Model: "gpt-5.2-codex",
			Directory: "/apps/web", Source: "cli",
			InputTokens: 1000, OutputTokens: 100,
		},
		dbtest.Event{
			TS: "2026-01-15T11:00:00.000Z", SessionID: "s2",
			TurnID: "t2", Model: "gpt-5.1-codex-mini",
			Directory: "/lib", Source: "vscode",
			InputTokens: 300, OutputTokens: 30,
		},
		dbtest.Event{
			TS: "2026-01-15T12:00:00.000Z", SessionID: "s3",
			TurnID: "t3", Model: "mystery-model",
			Directory: "/apps", Source: "cli",
			InputTokens: 100, OutputTokens: 10,
		},
	))
	dbtest.MustInsert(t, w.InsertTurns(
		dbtest.Turn{
			TurnID: "t1", SessionID: "s1",
			TS: "2026-01-15T10:00:00.000Z", Model: "gpt-5.2-codex",
			Directory: "/apps/web", Source: "cli",
			DurationMs: dbtest.Ptr[int64](1000),
		},
		dbtest.Turn{
			TurnID: "t2", SessionID: "s2",
			TS: "2026-01-15T11:00:00.000Z", Model: "gpt-5.2-codex",
			Directory: "/lib", Source: "vscode",
			DurationMs: dbtest.Ptr[int64](3000),
		},
	))
	dbtest.MustInsert(t, w.InsertToolCalls(
		dbtest.ToolCall{
			TS: "2026-01-15T10:00:01.000Z", SessionID: "s1",
			TurnID: "t1", Source: "cli", ToolName: "shell",
			ToolType: "exec", DurationMs: dbtest.Ptr[int64](100),
		},
		dbtest.ToolCall{
			TS: "2026-01-15T10:00:02.000Z", SessionID: "s1",
			TurnID: "t1", Source: "cli", ToolName: "shell",
			ToolType: "exec", DurationMs: dbtest.Ptr[int64](200),
		},
		dbtest.ToolCall{
			TS: "2026-01-15T11:00:01.000Z", SessionID: "s2",
			TurnID: "t2", Source: "vscode", ToolName: "read_file",
			ToolType: "fs", DurationMs: dbtest.Ptr[int64](50),
		},
	))
}

func (te *testEnv) writeSettings(t *testing.T, content string) {
	t.Helper()
	require.NoError(t,
		os.WriteFile(te.settingsPath, []byte(content), 0o644))
}

func (te *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	te.handler.ServeHTTP(w, req)
	return w
}

// getJSON requests path, expects 200 and decodes the body.
func getJSON[T any](t *testing.T, te *testEnv, path string) T {
	t.Helper()
	w := te.get(t, path)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func assertErrorResponse(
	t *testing.T, w *httptest.ResponseRecorder, status int, msg string,
) {
	t.Helper()
	assert.Equal(t, status, w.Code)
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, msg, body.Error)
}

// --- Routes ---

func TestOverview(t *testing.T) {
	te := setup(t)
	o := getJSON[db.Overview](t, te, "/api/v1/overview?"+janRange)

	assert.Equal(t, int64(1400), o.InputTokens)
	assert.Equal(t, int64(140), o.OutputTokens)
	assert.Equal(t, int64(3), o.Events)
	assert.Equal(t, int64(2), o.Turns)
	assert.Equal(t, int64(3), o.ToolCalls)
	assert.Equal(t, "USD", o.Cost.Currency)
	assert.Equal(t, int64(1540), o.Cost.TotalTokens)
	assert.Equal(t, int64(1430), o.Cost.PricedTokens)
	assert.Equal(t, []string{"mystery-model"}, o.Cost.Unpriced)
}

func TestOverviewOutsideRangeIsEmpty(t *testing.T) {
	te := setup(t)
	o := getJSON[db.Overview](t, te,
		"/api/v1/overview?from=2025-01-01&to=2025-01-31")

	assert.Zero(t, o.InputTokens)
	assert.Zero(t, o.Events)
	assert.Equal(t, 1.0, o.Cost.Coverage)
}

func TestBreakdowns(t *testing.T) {
	te := setup(t)
	tests := []struct {
		path      string
		wantTop   []db.CategoricalRow
		wantOther *db.CategoricalRow
	}{
		{
			path: "/api/v1/usage/models?topN=2&" + janRange,
			wantTop: []db.CategoricalRow{
				{Label: "gpt-5.2-codex", Metric: 1100},
				{Label: "gpt-5.1-codex-mini", Metric: 330},
			},
			wantOther: &db.CategoricalRow{Label: db.OtherLabel, Metric: 110},
		},
		{
			path: "/api/v1/usage/sources?" + janRange,
			wantTop: []db.CategoricalRow{
				{Label: "cli", Metric: 1210},
				{Label: "vscode", Metric: 330},
			},
		},
		{
			path: "/api/v1/usage/directories?dirs=/apps&" + janRange,
			wantTop: []db.CategoricalRow{
				{Label: "/apps/web", Metric: 1100},
				{Label: "/apps", Metric: 110},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := getJSON[db.TopNResult](t, te, tt.path)
			assert.Equal(t, tt.wantTop, got.Top)
			assert.Equal(t, tt.wantOther, got.Other)
		})
	}
}

func TestUsageSeries(t *testing.T) {
	te := setup(t)
	got := getJSON[db.SeriesResponse](t, te,
		"/api/v1/usage/timeseries?bucket=day&"+janRange)

	assert.Equal(t, db.BucketDay, got.Bucket)
	assert.False(t, got.Truncated)
	require.Len(t, got.Series, 1)
	p := got.Series[0]
	assert.Equal(t, "2026-01-15T00:00:00.000Z", p.Bucket)
	assert.Equal(t, int64(1400), p.InputTokens)
	require.NotNil(t, p.Cost)
	assert.InDelta(t, 1430.0/1540.0, p.Coverage, 1e-9)
}

func TestUsageMatrix(t *testing.T) {
	te := setup(t)
	got := getJSON[db.MatrixResult](t, te,
		"/api/v1/usage/matrix?"+janRange)

	assert.Len(t, got.Rows, 3)
	assert.Len(t, got.Cols, 3)
	require.Len(t, got.Cells, len(got.Rows))
	assert.Equal(t, 1540.0, got.Total())
}

func TestUsageMatrixPinnedModels(t *testing.T) {
	te := setup(t)
	got := getJSON[db.MatrixResult](t, te,
		"/api/v1/usage/matrix?models=gpt-5.2-codex&"+janRange)

	assert.Equal(t, []string{"gpt-5.2-codex"}, got.Rows)
	assert.Equal(t, []string{"/apps/web"}, got.Cols)
	assert.Equal(t, 1100.0, got.Total())
}

func TestTools(t *testing.T) {
	te := setup(t)

	all := getJSON[db.TopNResult](t, te, "/api/v1/tools?"+janRange)
	assert.Equal(t, []db.CategoricalRow{
		{Label: "shell", Metric: 2},
		{Label: "read_file", Metric: 1},
	}, all.Top)

	fs := getJSON[db.TopNResult](t, te,
		"/api/v1/tools?tool_type=fs&"+janRange)
	assert.Equal(t, []string{"read_file"}, fs.Labels())
}

type latencyBody struct {
	Group   string              `json:"group"`
	Summary []db.LatencySummary `json:"summary"`
}

func TestToolLatency(t *testing.T) {
	te := setup(t)

	byName := getJSON[latencyBody](t, te,
		"/api/v1/tools/latency?"+janRange)
	assert.Equal(t, "name", byName.Group)
	require.Len(t, byName.Summary, 2)

	byType := getJSON[latencyBody](t, te,
		"/api/v1/tools/latency?group=type&"+janRange)
	assert.Equal(t, "type", byType.Group)
	labels := make([]string, 0, len(byType.Summary))
	for _, s := range byType.Summary {
		labels = append(labels, s.Label)
	}
	assert.ElementsMatch(t, []string{"exec", "fs"}, labels)

	bogus := getJSON[latencyBody](t, te,
		"/api/v1/tools/latency?group=bogus&"+janRange)
	assert.Equal(t, "name", bogus.Group)
}

func TestTurnLatency(t *testing.T) {
	te := setup(t)
	got := getJSON[latencyBody](t, te, "/api/v1/turns/latency?"+janRange)

	assert.Equal(t, "model", got.Group)
	require.Len(t, got.Summary, 1)
	s := got.Summary[0]
	assert.Equal(t, "gpt-5.2-codex", s.Label)
	assert.Equal(t, 2, s.Count)
	require.NotNil(t, s.P50)
	assert.Equal(t, 1000.0, *s.P50)
}

func TestCost(t *testing.T) {
	te := setup(t)
	got := getJSON[db.CostResponse](t, te, "/api/v1/cost?"+janRange)

	require.Len(t, got.Models, 3)
	byModel := map[string]db.ModelCost{}
	for _, m := range got.Models {
		byModel[m.Model] = m
	}
	assert.Nil(t, byModel["mystery-model"].Cost)
	require.NotNil(t, byModel["gpt-5.2-codex"].Cost)
	// 1000 * 1.75/1M + 100 * 14/1M
	assert.InDelta(t, 0.00315, *byModel["gpt-5.2-codex"].Cost, 1e-9)
}

func TestFilterOptions(t *testing.T) {
	te := setup(t)
	got := getJSON[db.FilterOptions](t, te,
		"/api/v1/filters?models=gpt-5.2-codex&"+janRange)

	assert.Equal(t,
		[]string{"gpt-5.1-codex-mini", "gpt-5.2-codex", "mystery-model"},
		got.Models)
	assert.Equal(t, []string{"cli", "vscode"}, got.Sources)
	assert.Equal(t, []string{"/apps", "/apps/web", "/lib"}, got.Directories)
}

func TestVersion(t *testing.T) {
	te := setupWithServerOpts(t, []server.Option{
		server.WithVersion(server.VersionInfo{
			Version: "v1.2.3", Commit: "abc123",
		}),
	})
	got := getJSON[server.VersionInfo](t, te, "/api/v1/version")
	assert.Equal(t, "v1.2.3", got.Version)
	assert.Equal(t, "abc123", got.Commit)
}

// --- Store and settings resolution ---

func TestMissingStoreFails(t *testing.T) {
	te := setup(t, withDBPath(filepath.Join(t.TempDir(), "absent.db")))
	for _, path := range []string{
		"/api/v1/overview",
		"/api/v1/usage/models",
		"/api/v1/filters",
	} {
		assertErrorResponse(t, te.get(t, path),
			http.StatusInternalServerError, "failed to load")
	}
}

func TestSettingsDBPathOverride(t *testing.T) {
	te := setup(t, withDBPath(filepath.Join(t.TempDir(), "absent.db")))
	path, err := json.Marshal(te.dbPath)
	require.NoError(t, err)
	te.writeSettings(t, `{"db_path": `+string(path)+`}`)

	o := getJSON[db.Overview](t, te, "/api/v1/overview?"+janRange)
	assert.Equal(t, int64(1400), o.InputTokens)
}

func TestSettingsPricingApplied(t *testing.T) {
	te := setup(t)
	te.writeSettings(t, `{
		"currency": "EUR",
		"pricing": {"models": {
			"mystery-model": {"input": 1, "cached_input": 0, "output": 2}
		}}
	}`)

	o := getJSON[db.Overview](t, te, "/api/v1/overview?"+janRange)
	assert.Equal(t, "EUR", o.Cost.Currency)
	assert.Equal(t, 1.0, o.Cost.Coverage)
	assert.Empty(t, o.Cost.Unpriced)
}

func TestSettingsReadPerRequest(t *testing.T) {
	te := setup(t)
	before := getJSON[db.Overview](t, te, "/api/v1/overview?"+janRange)
	assert.Equal(t, "USD", before.Cost.Currency)

	te.writeSettings(t, `{"currency": "GBP"}`)
	after := getJSON[db.Overview](t, te, "/api/v1/overview?"+janRange)
	assert.Equal(t, "GBP", after.Cost.Currency)
}

func TestMalformedSettingsUsesDefaults(t *testing.T) {
	te := setup(t)
	te.writeSettings(t, `{"currency": `)

	o := getJSON[db.Overview](t, te, "/api/v1/overview?"+janRange)
	assert.Equal(t, "USD", o.Cost.Currency)
	assert.Equal(t, int64(1400), o.InputTokens)
}

func TestMalformedFiltersFallBack(t *testing.T) {
	te := setup(t)
	w := te.get(t,
		"/api/v1/usage/models?from=garbage&to=nope&topN=-4&bucket=week")
	assert.Equal(t, http.StatusOK, w.Code)
}

// --- Middleware ---

func TestCORSPreflight(t *testing.T) {
	te := setup(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/overview", nil)
	w := httptest.NewRecorder()
	te.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS",
		w.Header().Get("Access-Control-Allow-Methods"))
	assert.Empty(t, w.Body.String())
}

func TestCORSHeadersOnGet(t *testing.T) {
	te := setup(t)
	w := te.get(t, "/api/v1/version")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMethodNotAllowed(t *testing.T) {
	te := setup(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/overview", nil)
	w := httptest.NewRecorder()
	te.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMetrics(t *testing.T) {
	te := setup(t)
	te.get(t, "/api/v1/overview?"+janRange)
	te.get(t, "/api/v1/overview?"+janRange)

	w := te.get(t, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text,
		`usageview_http_requests_total{method="GET",route="GET /api/v1/overview",status="200"} 2`)
	assert.Contains(t, text, "usageview_http_request_duration_seconds_bucket")
	assert.Contains(t, text, "usageview_event_subscribers 0")
}

func TestFindAvailablePort(t *testing.T) {
	port := server.FindAvailablePort("127.0.0.1", 40000)
	assert.GreaterOrEqual(t, port, 40000)
	assert.Less(t, port, 40100)
}

func TestShutdownWithoutListen(t *testing.T) {
	te := setup(t)
	assert.NoError(t, te.srv.Shutdown(t.Context()))
}

func TestHandlerServesOnlyKnownRoutes(t *testing.T) {
	te := setup(t)
	w := te.get(t, "/api/v1/sessions")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
