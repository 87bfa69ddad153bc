package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pulsewatch/pulsewatch/internal/status"
)

// HistoryHandler serves the time-series endpoints. Short periods come from
// raw pulses, medium from hourly roll-ups, long from daily roll-ups.
type HistoryHandler struct {
	deps *Dependencies
}

func NewHistoryHandler(deps *Dependencies) *HistoryHandler {
	return &HistoryHandler{deps: deps}
}

// MonitorHistory handles GET /v1/monitors/{id}/history?period=.
func (h *HistoryHandler) MonitorHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap := h.deps.Registry.Current()
	if _, ok := snap.MonitorByID(id); !ok {
		SendError(w, r, http.StatusNotFound, "NOT_FOUND", "monitor not found", nil)
		return
	}

	period, ok := status.ParsePeriod(r.URL.Query().Get("period"))
	if !ok {
		SendError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid period", nil)
		return
	}

	now := time.Now().UTC()
	from := now.Add(-period.Duration())

	var (
		data any
		err  error
	)
	switch period {
	case status.Period1h:
		data, err = h.deps.Store.RawSeries(r.Context(), id, from, now)
	case status.Period24h, status.Period7d:
		data, err = h.deps.Store.HourlySeries(r.Context(), id, from, now)
	default:
		data, err = h.deps.Store.DailySeries(r.Context(), id, from, now)
	}
	if HandleAppError(w, r, err) {
		return
	}
	SendJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"period": period,
		"series": data,
	})
}

// GroupHistory handles GET /v1/groups/{id}/history?period=. The series is
// the per-bucket mean over the group's direct monitor members.
func (h *HistoryHandler) GroupHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap := h.deps.Registry.Current()
	if _, ok := snap.GroupByID(id); !ok {
		SendError(w, r, http.StatusNotFound, "NOT_FOUND", "group not found", nil)
		return
	}

	period, ok := status.ParsePeriod(r.URL.Query().Get("period"))
	if !ok {
		SendError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid period", nil)
		return
	}

	monitorIDs := snap.MonitorsInGroup(id)
	now := time.Now().UTC()
	from := now.Add(-period.Duration())

	var (
		data any
		err  error
	)
	switch period {
	case status.Period1h, status.Period24h, status.Period7d:
		data, err = h.deps.Store.GroupHourlySeries(r.Context(), monitorIDs, from, now)
	default:
		data, err = h.deps.Store.GroupDailySeries(r.Context(), monitorIDs, from, now)
	}
	if HandleAppError(w, r, err) {
		return
	}
	SendJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"period": period,
		"series": data,
	})
}
