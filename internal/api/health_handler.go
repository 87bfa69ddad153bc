package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthHandler serves liveness endpoints and the config reload trigger.
type HealthHandler struct {
	deps    *Dependencies
	started time.Time
}

func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{deps: deps, started: time.Now()}
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	storageOK := h.deps.Store.Ping(r.Context()) == nil
	body := map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"storage":        storageOK,
	}
	code := http.StatusOK
	if !storageOK {
		body["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	SendJSON(w, code, body)
}

// DetectorHealth handles GET /v1/health/missing-pulse-detector. The
// detector is healthy when its last scan completed within two check
// intervals.
func (h *HealthHandler) DetectorHealth(w http.ResponseWriter, r *http.Request) {
	last := h.deps.Detector.LastScan()
	healthy := !last.IsZero() && time.Since(last) <= 2*h.deps.CheckInterval

	body := map[string]any{
		"healthy": healthy,
	}
	if !last.IsZero() {
		body["lastScan"] = last.UTC()
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	SendJSON(w, code, body)
}

// Reload handles GET /v1/reload/{token}: the token must match the admin
// token; on match the config file is re-read and swapped in.
func (h *HealthHandler) Reload(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	expected := h.deps.Registry.Current().Config().AdminAPI.Token
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		SendError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid reload token", nil)
		return
	}

	if err := h.deps.Registry.Reload(r.Context()); HandleAppError(w, r, err) {
		return
	}
	SendJSON(w, http.StatusOK, map[string]any{"success": true})
}
