package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/notesync/engine/domain"
	"github.com/WessleyAI/notesync/engine/service"
	"github.com/WessleyAI/notesync/pkg/metrics"
)

type fakeFacade struct {
	answer   *domain.Answer
	err      error
	got      domain.Query
	stats    service.Stats
	statsErr error
}

func (f *fakeFacade) Query(_ context.Context, q domain.Query) (*domain.Answer, error) {
	f.got = q
	if f.err != nil {
		return nil, f.err
	}
	// Mirror the real pipeline: validation happens inside Query.
	if err := domain.ValidateQuery(q); err != nil {
		return nil, err
	}
	return f.answer, nil
}

func (f *fakeFacade) Health() service.Health {
	return service.Health{Status: "healthy", Listener: "listening", Services: map[string]bool{"vector_index": true}}
}

func (f *fakeFacade) Stats(context.Context) (service.Stats, error) { return f.stats, f.statsErr }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/search", bytes.NewBufferString(body))
	h.ServeHTTP(rec, req)
	return rec
}

func TestSearch(t *testing.T) {
	f := &fakeFacade{answer: &domain.Answer{
		Text: "Go was made at Google.",
		Sources: []domain.SearchHit{
			{ID: "1", Content: "Go history", Score: 0.9, Metadata: map[string]any{"title": "Go"}},
			{ID: "2", Content: "Google", Score: 0.7, Metadata: map[string]any{}},
		},
	}}
	rec := post(handleSearch(f, 5, quiet()), `{"text":"Who made Go?","top_k":2}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Answer  string           `json:"answer"`
		Sources []map[string]any `json:"sources"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Answer != "Go was made at Google." || len(resp.Sources) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, ok := resp.Sources[0]["content"]; !ok {
		t.Fatalf("source missing content: %v", resp.Sources[0])
	}
	if _, ok := resp.Sources[0]["embedding"]; ok {
		t.Fatal("embedding leaked into response")
	}
	if f.got.TopK != 2 {
		t.Fatalf("top_k = %d", f.got.TopK)
	}
}

func TestSearch_DefaultTopK(t *testing.T) {
	f := &fakeFacade{answer: &domain.Answer{Sources: []domain.SearchHit{}}}
	rec := post(handleSearch(f, 5, quiet()), `{"text":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if f.got.TopK != 5 {
		t.Fatalf("omitted top_k should default to 5, got %d", f.got.TopK)
	}
}

func TestSearch_ExplicitZeroTopKRejected(t *testing.T) {
	f := &fakeFacade{}
	rec := post(handleSearch(f, 5, quiet()), `{"text":"hello","top_k":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSearch_InvalidJSON(t *testing.T) {
	rec := post(handleSearch(&fakeFacade{}, 5, quiet()), "not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSearch_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("text", "", domain.ErrEmptyQuery), http.StatusBadRequest},
		{&domain.GenerationError{StatusCode: 500, Message: "boom"}, http.StatusBadGateway},
		{&domain.RetrievalError{Stage: "search", Err: errors.New("down")}, http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := post(handleSearch(&fakeFacade{err: tc.err}, 5, quiet()), `{"text":"q"}`)
		if rec.Code != tc.want {
			t.Errorf("%v: got %d, want %d", tc.err, rec.Code, tc.want)
		}
		var body errorResponse
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body.Error == "" {
			t.Errorf("%v: missing error body", tc.err)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	handleHealth(&fakeFacade{})(rec, httptest.NewRequest("GET", "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var h service.Health
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != "healthy" || !h.Services["vector_index"] {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := &fakeFacade{stats: service.Stats{TotalDocuments: 3, Indexed: 4, SystemStatus: "healthy"}}
	rec := httptest.NewRecorder()
	handleStats(f, quiet())(rec, httptest.NewRequest("GET", "/api/stats", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total_documents":3`) {
		t.Fatalf("unexpected stats response %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"system_status":"healthy"`) {
		t.Fatalf("system_status missing: %s", rec.Body)
	}

	f.statsErr = errors.New("qdrant down")
	rec = httptest.NewRecorder()
	handleStats(f, quiet())(rec, httptest.NewRequest("GET", "/api/stats", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRouter(t *testing.T) {
	reg := metrics.New()
	f := &fakeFacade{answer: &domain.Answer{Sources: []domain.SearchHit{}}}
	h := newRouter(f, 5, reg, defaultConfig().HTTP, quiet())

	rec := post(h, `{"text":"q"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("CORS header missing")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/search", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/search: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `notesync_http_requests_total{method="POST",path="POST /api/search",status="200"} 1`) {
		t.Fatalf("request not counted:\n%s", rec.Body)
	}
}

func TestRouterServesUnprefixedPaths(t *testing.T) {
	f := &fakeFacade{answer: &domain.Answer{Text: "a", Sources: []domain.SearchHit{}}}
	h := newRouter(f, 5, metrics.New(), defaultConfig().HTTP, quiet())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/search", strings.NewReader(`{"text":"q"}`)))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"answer":"a"`) {
		t.Fatalf("POST /search: %d %s", rec.Code, rec.Body)
	}
	for _, path := range []string{"/health", "/stats"} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s: %d", path, rec.Code)
		}
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Port != "8000" || cfg.Provider != "ollama" || cfg.ChangeFeed.CaptureDeletes {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Qdrant.Addr() != "localhost:6334" {
		t.Fatalf("qdrant addr = %s", cfg.Qdrant.Addr())
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notesync.yaml")
	yml := `
http:
  port: "9000"
change_feed:
  capture_deletes: true
  poll_interval: 2s
qdrant:
  collection: from_file
rag:
  max_context_chars: 4000
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QDRANT_COLLECTION", "from_env")
	t.Setenv("POSTGRES_PASSWORD", "s3cr@t")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Port != "9000" || !cfg.ChangeFeed.CaptureDeletes || cfg.ChangeFeed.PollInterval != 2*time.Second {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Qdrant.Collection != "from_env" {
		t.Fatalf("env should override file, got %s", cfg.Qdrant.Collection)
	}
	if cfg.RAG.MaxContextChars != 4000 || cfg.RAG.MaxTopK != 50 {
		t.Fatalf("rag config = %+v", cfg.RAG)
	}
	if dsn := cfg.Postgres.DSN(); !strings.Contains(dsn, "s3cr%40t@localhost:5432/postgres") {
		t.Fatalf("dsn = %s", dsn)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("PROVIDER", "bard")
	if _, err := loadConfig(""); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("TEST_ENV_VAR_XYZ", "custom")
	if v := envOr("TEST_ENV_VAR_XYZ", "default"); v != "custom" {
		t.Fatalf("expected custom, got %s", v)
	}
	if v := envOr("NONEXISTENT_VAR_ABC", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %s", v)
	}
	t.Setenv("TEST_BOOL_XYZ", "yes")
	if !envBool("TEST_BOOL_XYZ", false) {
		t.Fatal("expected true")
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("DEBUG") != slog.LevelDebug || parseLevel("bogus") != slog.LevelInfo {
		t.Fatal("unexpected level mapping")
	}
}
