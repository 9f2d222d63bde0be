package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"livecast/internal/api"
	"livecast/internal/livestream"
	"livecast/internal/observability/metrics"
	"livecast/internal/storage"
)

type stubManager struct{}

func (stubManager) Create(def livestream.StreamDefinition) (int64, error) { return def.ID, nil }
func (stubManager) Cancel(int64) bool                                  { return false }
func (stubManager) Stop(int64) bool                                    { return false }
func (stubManager) Snapshot(string) []livestream.View                  { return []livestream.View{} }

func newTestServer(t *testing.T, logger *slog.Logger, recorder *metrics.Recorder) *Server {
	t.Helper()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	handler, err := api.NewHandler(api.Config{
		Manager: stubManager{},
		Store:   storage.NewMemoryRepository(),
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	srv, err := New(handler, Config{Addr: "127.0.0.1:0", Logger: logger, Metrics: recorder})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func TestNewRequiresHandler(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatalf("expected error for nil handler")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddlewareWithGenerator(func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(RequestIDHeader)
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "incoming")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get(RequestIDHeader) != "incoming" || seen != "incoming" {
		t.Fatalf("expected incoming id to be preserved, got header %q", rec.Header().Get(RequestIDHeader))
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", maxRequestIDLength+1))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get(RequestIDHeader) != "generated" {
		t.Fatalf("expected oversized id to be replaced, got %q", rec.Header().Get(RequestIDHeader))
	}
}

func TestChainLogsAndCountsRequests(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	recorder := metrics.New()
	srv := newTestServer(t, logger, recorder)

	req := httptest.NewRequest(http.MethodGet, "/api/streams/status", nil)
	req.Header.Set(api.OwnerHeader, "alice")
	req.Header.Set(RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["request_id"] != "req-1" || entry["component"] != "http" || entry["status"] != float64(200) {
		t.Fatalf("unexpected log entry %v", entry)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `livecast_http_requests_total{method="GET",path="/api/streams/status",status="200"} 1`) {
		t.Fatalf("expected request to be counted, got:\n%s", rec.Body.String())
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected generated request id on metrics response")
	}
}

func TestHealthIsQuietAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	srv := newTestServer(t, logger, metrics.New())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected health probes to log at debug only, got %q", buf.String())
	}
}

func TestRunGracefulShutdown(t *testing.T) {
	ready := make(chan struct{})
	handler, err := api.NewHandler(api.Config{Manager: stubManager{}, Store: storage.NewMemoryRepository()})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	srv, err := New(handler, Config{
		Addr:            "127.0.0.1:0",
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:         metrics.New(),
		ShutdownTimeout: time.Second,
		Ready:           ready,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunReportsListenError(t *testing.T) {
	handler, err := api.NewHandler(api.Config{Manager: stubManager{}, Store: storage.NewMemoryRepository()})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	srv, err := New(handler, Config{Addr: "256.0.0.1:bad", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Run(context.Background()); err == nil {
		t.Fatalf("expected listen error")
	}
}
