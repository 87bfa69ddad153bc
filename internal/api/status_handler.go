package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/registry"
	"github.com/pulsewatch/pulsewatch/internal/status"
)

// StatusHandler serves the public status-page views.
type StatusHandler struct {
	deps *Dependencies
}

func NewStatusHandler(deps *Dependencies) *StatusHandler {
	return &StatusHandler{deps: deps}
}

// authorize enforces the page password for the HTTP views, mirroring the
// websocket subscribe check. Viewers supply it in the X-Page-Password
// header.
func (h *StatusHandler) authorize(w http.ResponseWriter, r *http.Request, page *config.StatusPageConfig) bool {
	if page.Password == "" || page.PasswordMatches(r.Header.Get("X-Page-Password")) {
		return true
	}
	SendError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "wrong page password", nil)
	return false
}

// pageItem is one entry of the status-page tree.
type pageItem struct {
	Type     string             `json:"type"` // "monitor" or "group"
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Status   status.Status      `json:"status"`
	Latency  *float64           `json:"latency,omitempty"`
	Uptime   map[status.Period]float64 `json:"uptime,omitempty"`
	Children []pageItem         `json:"children,omitempty"`
}

// Page handles GET /v1/status/{slug}.
func (h *StatusHandler) Page(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	snap := h.deps.Registry.Current()

	page, ok := snap.PageBySlug(slug)
	if !ok {
		SendError(w, r, http.StatusNotFound, "NOT_FOUND", "status page not found", nil)
		return
	}
	if !h.authorize(w, r, page) {
		return
	}

	items := make([]pageItem, 0, len(page.Items))
	for _, itemID := range page.Items {
		if item, ok := h.buildItem(snap, itemID); ok {
			items = append(items, item)
		}
	}
	SendJSON(w, http.StatusOK, map[string]any{
		"slug":  page.Slug,
		"name":  page.Name,
		"items": items,
	})
}

func (h *StatusHandler) buildItem(snap *registry.Snapshot, id string) (pageItem, bool) {
	if m, ok := snap.MonitorByID(id); ok {
		return h.monitorItem(m), true
	}
	if g, ok := snap.GroupByID(id); ok {
		return h.groupItem(snap, g), true
	}
	return pageItem{}, false
}

func (h *StatusHandler) monitorItem(m *config.MonitorConfig) pageItem {
	item := pageItem{Type: "monitor", ID: m.ID, Name: m.Name, Status: status.StatusUnknown}
	if d, ok := h.deps.Cache.Get(m.ID); ok {
		item.Status = d.Status
		item.Latency = d.Latency
		item.Uptime = d.Uptime
	}
	return item
}

func (h *StatusHandler) groupItem(snap *registry.Snapshot, g *config.GroupConfig) pageItem {
	item := pageItem{Type: "group", ID: g.ID, Name: g.Name, Status: status.StatusUnknown}
	if d, ok := h.deps.Cache.Get(g.ID); ok {
		item.Status = d.Status
		item.Uptime = d.Uptime
	}
	for _, monitorID := range snap.MonitorsInGroup(g.ID) {
		if m, ok := snap.MonitorByID(monitorID); ok {
			item.Children = append(item.Children, h.monitorItem(m))
		}
	}
	for _, subID := range snap.SubGroups(g.ID) {
		if sub, ok := snap.GroupByID(subID); ok {
			item.Children = append(item.Children, h.groupItem(snap, sub))
		}
	}
	return item
}

// Summary handles GET /v1/status/{slug}/summary.
func (h *StatusHandler) Summary(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	snap := h.deps.Registry.Current()

	page, ok := snap.PageBySlug(slug)
	if !ok {
		SendError(w, r, http.StatusNotFound, "NOT_FOUND", "status page not found", nil)
		return
	}
	if !h.authorize(w, r, page) {
		return
	}

	var up, degraded, down int
	monitorIDs := snap.PageMonitorIDs(slug)
	for _, id := range monitorIDs {
		switch h.deps.Cache.StatusOf(id) {
		case status.StatusUp:
			up++
		case status.StatusDegraded:
			degraded++
		case status.StatusDown:
			down++
		}
	}
	SendJSON(w, http.StatusOK, map[string]int{
		"up":       up,
		"degraded": degraded,
		"down":     down,
		"total":    len(monitorIDs),
	})
}

// Incidents handles GET /v1/status/{slug}/incidents?month=YYYY-MM.
func (h *StatusHandler) Incidents(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	snap := h.deps.Registry.Current()

	page, ok := snap.PageBySlug(slug)
	if !ok {
		SendError(w, r, http.StatusNotFound, "NOT_FOUND", "status page not found", nil)
		return
	}
	if !h.authorize(w, r, page) {
		return
	}

	monthStart, monthEnd, ok := parseMonth(r.URL.Query().Get("month"))
	if !ok {
		SendError(w, r, http.StatusBadRequest, "BAD_REQUEST", "month must be YYYY-MM", nil)
		return
	}

	// Incidents can reference both page items and the monitors they expand
	// to.
	entityIDs := append([]string{}, page.Items...)
	entityIDs = append(entityIDs, snap.PageMonitorIDs(slug)...)

	incidents, err := h.deps.Store.IncidentsForMonth(r.Context(), entityIDs, monthStart, monthEnd)
	if HandleAppError(w, r, err) {
		return
	}
	SendListResponse(w, incidents, len(incidents))
}

func parseMonth(raw string) (time.Time, time.Time, bool) {
	if raw == "" {
		now := time.Now().UTC()
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), true
	}
	start, err := time.Parse("2006-01", raw)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return start, start.AddDate(0, 1, 0), true
}
