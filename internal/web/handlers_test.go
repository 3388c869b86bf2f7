package web

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"

	"github.com/rewindly/agent/internal/activity"
	"github.com/rewindly/agent/internal/config"
	"github.com/rewindly/agent/internal/db"
	"github.com/rewindly/agent/internal/metadata"
	"github.com/rewindly/agent/internal/ops"
	"github.com/rewindly/agent/internal/queue"
	"github.com/rewindly/agent/internal/syncer"
	"github.com/rewindly/agent/internal/tracker"
)

var start = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type okClient struct{}

func (okClient) Send(_ context.Context, batch []activity.Record) (int, error) {
	return len(batch), nil
}

type testEnv struct {
	handler http.Handler
	clock   *quartz.Mock
	queue   *queue.Queue
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := config.DefaultConfig()
	clock := quartz.NewMock(t)
	clock.Set(start)
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})

	q := queue.New(database)
	agent := syncer.New(q, database, okClient{}, syncer.Options{Clock: clock, Logger: logger})
	t.Cleanup(agent.Close)

	extractor := metadata.ExtractorFunc(func(_ context.Context, page metadata.Page) (metadata.Metadata, error) {
		return metadata.Metadata{Title: activity.StringPtr(page.Title)}, nil
	})
	rec := tracker.New(q, extractor, clock, logger)

	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		t.Fatalf("template sub-FS: %v", err)
	}
	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		t.Fatalf("static sub-FS: %v", err)
	}
	renderer, err := NewRenderer(templateSub, "test")
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	h := &Handlers{
		deps: ops.Deps{
			Queue:    q,
			Agent:    agent,
			Clock:    clock,
			Logger:   logger,
			Presence: rec,
			Location: time.UTC,
		},
		recorder: rec,
		cfg:      cfg,
		renderer: renderer,
		logger:   logger,
	}

	return &testEnv{handler: h.routes(staticSub), clock: clock, queue: q}
}

func (e *testEnv) do(t *testing.T, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return e.serve(req)
}

func (e *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) advance(t *testing.T, d time.Duration) {
	t.Helper()
	e.clock.Advance(d).MustWait(context.Background())
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
}

const docsTab = `{"type":"tab_activated","data":{"page":{"tab_id":1,"url":"https://docs.example.com/guide","title":"Guide"}}}`

func TestEvents_TabSwitchQueuesActivity(t *testing.T) {
	env := setupTest(t)

	w := env.do(t, "POST", "/events", docsTab)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp eventResponse
	decodeBody(t, w, &resp)
	if resp.State != "tracking" {
		t.Errorf("state = %q, want tracking", resp.State)
	}

	env.advance(t, 42*time.Second)

	w = env.do(t, "POST", "/events", `{"type":"focus_changed","data":{"focused":false}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	decodeBody(t, w, &resp)
	if resp.State != "idle" || resp.IsUserActive {
		t.Errorf("resp = %+v, want idle and inactive", resp)
	}

	n, err := env.queue.Len(context.Background())
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

func TestEvents_ShortActivityDropped(t *testing.T) {
	env := setupTest(t)

	env.do(t, "POST", "/events", docsTab)
	env.advance(t, 3*time.Second)
	env.do(t, "POST", "/events", `{"type":"shutdown"}`)

	n, err := env.queue.Len(context.Background())
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestEvents_Rejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{"type":`},
		{"missing type", `{"data":{}}`},
		{"unknown type", `{"type":"tab_closed"}`},
		{"bad idle state", `{"type":"idle_state_changed","data":{"state":"asleep"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTest(t)
			w := env.do(t, "POST", "/events", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body = %s", w.Code, w.Body.String())
			}
			var resp struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			decodeBody(t, w, &resp)
			if resp.Error.Code != "INVALID_REQUEST" {
				t.Errorf("code = %q, want INVALID_REQUEST", resp.Error.Code)
			}
		})
	}
}

func TestOriginGuard(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		want   int
	}{
		{"no origin", "", http.StatusOK},
		{"chrome extension", "chrome-extension://abcdef", http.StatusOK},
		{"firefox extension", "moz-extension://1234", http.StatusOK},
		{"same host", "http://example.com", http.StatusOK},
		{"foreign site", "https://evil.example", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTest(t)
			var w *httptest.ResponseRecorder
			if tt.origin == "" {
				w = env.do(t, "POST", "/sync", "")
			} else {
				w = env.do(t, "POST", "/sync", "", "Origin", tt.origin)
			}
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestSync_EmptyQueueSucceeds(t *testing.T) {
	env := setupTest(t)

	w := env.do(t, "POST", "/sync", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var out ops.SyncOutput
	decodeBody(t, w, &out)
	if !out.Success || out.Synced != 0 {
		t.Errorf("out = %+v, want success with 0 synced", out)
	}
}

func TestSync_FinishesAfterClientDisconnect(t *testing.T) {
	env := setupTest(t)

	env.do(t, "POST", "/events", docsTab)
	env.advance(t, time.Minute)
	env.do(t, "POST", "/events", `{"type":"user_inactive"}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := env.serve(httptest.NewRequest("POST", "/sync", nil).WithContext(ctx))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var out ops.SyncOutput
	decodeBody(t, w, &out)
	if !out.Success || out.Synced != 1 {
		t.Errorf("out = %+v, want success with 1 synced", out)
	}

	n, err := env.queue.Len(context.Background())
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestEvents_CancelledRequestKeepsActivity(t *testing.T) {
	env := setupTest(t)

	env.do(t, "POST", "/events", docsTab)
	env.advance(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("POST", "/events", strings.NewReader(`{"type":"shutdown"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := env.serve(req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	n, err := env.queue.Len(context.Background())
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

func TestRecent_BadLimit(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"not a number", "/recent?limit=abc"},
		{"fraction", "/recent?limit=2.5"},
		{"negative", "/recent?limit=-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTest(t)
			w := env.do(t, "GET", tt.target, "")
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body = %s", w.Code, w.Body.String())
			}
			var resp struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			decodeBody(t, w, &resp)
			if resp.Error.Code != "INVALID_REQUEST" {
				t.Errorf("code = %q, want INVALID_REQUEST", resp.Error.Code)
			}
		})
	}
}

func TestStatsRecentClear(t *testing.T) {
	env := setupTest(t)

	env.do(t, "POST", "/events", docsTab)
	env.advance(t, 2*time.Minute)
	env.do(t, "POST", "/events", `{"type":"idle_state_changed","data":{"state":"idle"}}`)

	w := env.do(t, "GET", "/stats", "")
	var stats ops.StatsOutput
	decodeBody(t, w, &stats)
	if stats.PendingSync != 1 || stats.TotalActivitiesToday != 1 || stats.TotalTimeToday != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.IsActive {
		t.Error("IsActive = true after idle, want false")
	}

	w = env.do(t, "GET", "/recent?limit=3", "")
	var recent ops.RecentOutput
	decodeBody(t, w, &recent)
	if len(recent.Activities) != 1 || recent.Activities[0].Title != "Guide" {
		t.Errorf("recent = %+v", recent)
	}

	w = env.do(t, "GET", "/recent?limit=-1", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want 400", w.Code)
	}

	w = env.do(t, "POST", "/clear", "")
	var cleared ops.ClearOutput
	decodeBody(t, w, &cleared)
	if !cleared.Success || cleared.Removed != 1 {
		t.Errorf("clear = %+v", cleared)
	}

	w = env.do(t, "GET", "/stats", "")
	decodeBody(t, w, &stats)
	if stats.PendingSync != 0 {
		t.Errorf("PendingSync after clear = %d, want 0", stats.PendingSync)
	}
}

func TestReport_HTML(t *testing.T) {
	env := setupTest(t)

	env.do(t, "POST", "/events", docsTab)
	env.advance(t, 5*time.Minute)
	env.do(t, "POST", "/events", `{"type":"user_inactive"}`)

	w := env.do(t, "GET", "/report", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<h1>Activity on Monday, May 4, 2026</h1>") {
		t.Errorf("report heading missing:\n%s", body)
	}
	if !strings.Contains(body, `href="https://docs.example.com/guide"`) {
		t.Errorf("timeline link missing:\n%s", body)
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing")
	}
}

func TestReport_JSON(t *testing.T) {
	env := setupTest(t)

	w := env.do(t, "GET", "/report?format=json", "")
	var report ops.ReportOutput
	decodeBody(t, w, &report)
	if report.Activities != 0 {
		t.Errorf("Activities = %d, want 0", report.Activities)
	}
	if !strings.Contains(report.Markdown, "Nothing tracked yet today.") {
		t.Errorf("markdown = %q", report.Markdown)
	}
}

func TestRootRedirects(t *testing.T) {
	env := setupTest(t)

	w := env.do(t, "GET", "/", "")
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/report" {
		t.Errorf("status = %d, location = %q", w.Code, w.Header().Get("Location"))
	}
}

func TestConfigEndpoint(t *testing.T) {
	env := setupTest(t)

	w := env.do(t, "GET", "/config", "")
	var cfg configResponse
	decodeBody(t, w, &cfg)
	if cfg.IdleDetectionSeconds != 30 || cfg.SyncIntervalSeconds != 300 {
		t.Errorf("config = %+v", cfg)
	}
}

func TestStaticServed(t *testing.T) {
	env := setupTest(t)

	w := env.do(t, "GET", "/static/style.css", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
