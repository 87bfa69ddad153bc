package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pulsewatch/pulsewatch/internal/pulse"
)

// PushHandler accepts pulses over plain HTTP GET so the dumbest possible
// probe (curl in cron) can report.
type PushHandler struct {
	deps *Dependencies
}

func NewPushHandler(deps *Dependencies) *PushHandler {
	return &PushHandler{deps: deps}
}

// Push handles GET /v1/push/{token}.
func (h *PushHandler) Push(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	req := pulse.SubmitRequest{}
	var bad bool
	req.Latency = queryFloat(w, r, "latency", &bad)
	req.StartTime = queryFloat(w, r, "startTime", &bad)
	req.EndTime = queryFloat(w, r, "endTime", &bad)
	req.Custom1 = queryFloat(w, r, "custom1", &bad)
	req.Custom2 = queryFloat(w, r, "custom2", &bad)
	req.Custom3 = queryFloat(w, r, "custom3", &bad)
	if bad {
		return
	}

	monitorID, err := h.deps.Ingestor.Submit(r.Context(), token, req)
	if HandleAppError(w, r, err) {
		return
	}
	SendJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"monitorId": monitorID,
	})
}

// queryFloat parses an optional float query parameter, writing a 400 once
// on the first malformed value.
func queryFloat(w http.ResponseWriter, r *http.Request, name string, bad *bool) *float64 {
	raw := r.URL.Query().Get(name)
	if raw == "" || *bad {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		SendError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid "+name+" parameter", nil)
		*bad = true
		return nil
	}
	return &v
}
