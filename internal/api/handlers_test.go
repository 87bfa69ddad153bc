package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/detector"
	"github.com/pulsewatch/pulsewatch/internal/events"
	"github.com/pulsewatch/pulsewatch/internal/pulse"
	"github.com/pulsewatch/pulsewatch/internal/realtime"
	"github.com/pulsewatch/pulsewatch/internal/registry"
	"github.com/pulsewatch/pulsewatch/internal/status"
	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

const adminToken = "0123456789abcdef0123"

func apiConfig() *config.Config {
	cfg := &config.Config{
		Storage:  config.StorageConfig{Host: "localhost", DBName: "pulsewatch"},
		AdminAPI: config.AdminAPIConfig{Token: adminToken},
		Monitors: []config.MonitorConfig{
			{ID: "web", Token: "web-token-1", Name: "Web", IntervalSeconds: 30},
			{ID: "db", Token: "db-token-11", Name: "DB", IntervalSeconds: 60, GroupID: "core"},
		},
		Groups: []config.GroupConfig{
			{ID: "core", Name: "Core", Strategy: config.StrategyAllUp, IntervalSeconds: 60},
		},
		StatusPages: []config.StatusPageConfig{
			{Slug: "public", Name: "Public status", Items: []string{"core", "web"}},
			{Slug: "internal", Name: "Internal status", Items: []string{"db"}, Password: "letmein"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

type apiEnv struct {
	handler http.Handler
	cache   *status.Cache
	det     *detector.Detector
}

func setupTest(t *testing.T) *apiEnv {
	t.Helper()
	bus := events.NewBus(64)
	t.Cleanup(func() { bus.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	reg, err := registry.New("unused.toml", apiConfig(), bus, logger)
	if err != nil {
		t.Fatalf("registry rejected config: %v", err)
	}

	metrics := telemetry.New()
	cache := status.NewCache()

	writer := pulse.NewBatchWriter(nil, metrics, time.Second, 100, 1000, logger)
	queue := pulse.NewRecomputeQueue(nil, time.Second, 1, logger)
	ingestor := pulse.NewIngestor(reg, writer, queue, bus, metrics, logger)

	det := detector.New(reg, cache, bus, metrics, 30*time.Second, time.Minute, logger)
	hub := realtime.NewHub(reg, bus, metrics, logger)

	handler := NewRouter(&Dependencies{
		Registry:      reg,
		Cache:         cache,
		Store:         nil,
		Ingestor:      ingestor,
		Detector:      det,
		Hub:           hub,
		Metrics:       metrics,
		Logger:        logger,
		CheckInterval: 30 * time.Second,
	})
	return &apiEnv{handler: handler, cache: cache, det: det}
}

func (env *apiEnv) request(t *testing.T, method, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, w.Body.String())
	}
	return body
}

func TestPushEndpoint(t *testing.T) {
	env := setupTest(t)

	t.Run("accepts a pulse", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/push/web-token-1?latency=42.5", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["success"] != true || body["monitorId"] != "web" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("rejects unknown token", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/push/not-a-token", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("rejects malformed latency", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/push/web-token-1?latency=abc", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("rejects non-positive latency", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/push/web-token-1?latency=-1", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestStatusPage(t *testing.T) {
	env := setupTest(t)
	lat := 12.0
	env.cache.Set(status.StatusData{
		SourceType: "monitor", ID: "web", Name: "Web",
		Status: status.StatusUp, Latency: &lat,
	})
	env.cache.Set(status.StatusData{
		SourceType: "monitor", ID: "db", Name: "DB", Status: status.StatusDown,
	})
	env.cache.Set(status.StatusData{
		SourceType: "group", ID: "core", Name: "Core", Status: status.StatusDown,
	})

	t.Run("renders the item tree", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/status/public", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		items, ok := body["items"].([]any)
		if !ok || len(items) != 2 {
			t.Fatalf("items = %v, want core and web", body["items"])
		}

		group := items[0].(map[string]any)
		if group["id"] != "core" || group["status"] != "down" {
			t.Errorf("group item = %v", group)
		}
		children, _ := group["children"].([]any)
		if len(children) != 1 {
			t.Fatalf("core children = %v, want db", group["children"])
		}
	})

	t.Run("unknown slug is 404", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/status/nope", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("summary counts monitors", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/status/public/summary", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["up"] != float64(1) || body["down"] != float64(1) || body["total"] != float64(2) {
			t.Errorf("summary = %v", body)
		}
	})
}

func TestStatusPagePasswordGate(t *testing.T) {
	env := setupTest(t)

	t.Run("missing password", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/status/internal", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/status/internal", map[string]string{"X-Page-Password": "nope"})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("correct password", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/status/internal", map[string]string{"X-Page-Password": "letmein"})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		if body := decodeBody(t, w); body["slug"] != "internal" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("summary is gated too", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/status/internal/summary", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("open pages need no password", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/status/public", nil)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})
}

func TestAdminAuthGate(t *testing.T) {
	env := setupTest(t)

	t.Run("missing header", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/admin/monitors/", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/admin/monitors/", map[string]string{
			"Authorization": "Basic abc",
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/admin/monitors/", map[string]string{
			"Authorization": "Bearer wrong",
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("valid token lists monitors", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/admin/monitors/", map[string]string{
			"Authorization": "Bearer " + adminToken,
		})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["total"] != float64(2) {
			t.Errorf("total = %v, want 2", body["total"])
		}
	})
}

func TestDetectorHealthEndpoint(t *testing.T) {
	env := setupTest(t)

	t.Run("unhealthy before the first scan", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/v1/health/missing-pulse-detector", nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", w.Code)
		}
	})

	t.Run("healthy after a scan", func(t *testing.T) {
		env.det.Scan(context.Background())
		w := env.request(t, http.MethodGet, "/v1/health/missing-pulse-detector", nil)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, body %s", w.Code, w.Body.String())
		}
	})
}

func TestParseMonth(t *testing.T) {
	start, end, ok := parseMonth("2026-02")
	if !ok {
		t.Fatal("valid month rejected")
	}
	if start != time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) {
		t.Errorf("start = %v", start)
	}
	if end != time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) {
		t.Errorf("end = %v", end)
	}

	if _, _, ok := parseMonth("February"); ok {
		t.Error("malformed month accepted")
	}

	// Empty input defaults to the current month.
	start, end, ok = parseMonth("")
	if !ok || !end.Equal(start.AddDate(0, 1, 0)) {
		t.Errorf("default month = %v..%v", start, end)
	}
}
