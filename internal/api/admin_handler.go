package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pulsewatch/pulsewatch/internal/apperr"
	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/storage"
)

// AdminHandler implements the bearer-token CRUD over configuration entities
// and incidents. Entity mutations clone the active document, edit the
// clone, and hand it to the registry's apply protocol; a rejected candidate
// never disturbs the running configuration.
type AdminHandler struct {
	deps *Dependencies
}

func NewAdminHandler(deps *Dependencies) *AdminHandler {
	return &AdminHandler{deps: deps}
}

// apply validates and persists a mutated clone.
func (h *AdminHandler) apply(w http.ResponseWriter, r *http.Request, cfg *config.Config) bool {
	if err := h.deps.Registry.Apply(r.Context(), cfg); HandleAppError(w, r, err) {
		return false
	}
	return true
}

// --- monitors ---

func (h *AdminHandler) ListMonitors(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Registry.Current().Config()
	SendListResponse(w, cfg.Monitors, len(cfg.Monitors))
}

func (h *AdminHandler) GetMonitor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if m, ok := h.deps.Registry.Current().MonitorByID(id); ok {
		SendJSON(w, http.StatusOK, m)
		return
	}
	SendError(w, r, http.StatusNotFound, "NOT_FOUND", "monitor not found", nil)
}

func (h *AdminHandler) CreateMonitor(w http.ResponseWriter, r *http.Request) {
	input, ok := DecodeJSON[config.MonitorConfig](w, r)
	if !ok {
		return
	}
	cfg := h.deps.Registry.Current().Config().Clone()
	for _, m := range cfg.Monitors {
		if m.ID == input.ID {
			HandleAppError(w, r, apperr.Newf(apperr.KindConflict, "monitor %q already exists", input.ID))
			return
		}
	}
	cfg.Monitors = append(cfg.Monitors, input)
	if h.apply(w, r, cfg) {
		SendJSON(w, http.StatusCreated, input)
	}
}

func (h *AdminHandler) UpdateMonitor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	input, ok := DecodeJSON[config.MonitorConfig](w, r)
	if !ok {
		return
	}
	input.ID = id

	cfg := h.deps.Registry.Current().Config().Clone()
	idx := -1
	for i := range cfg.Monitors {
		if cfg.Monitors[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		SendError(w, r, http.StatusNotFound, "NOT_FOUND", "monitor not found", nil)
		return
	}
	cfg.Monitors[idx] = input
	if h.apply(w, r, cfg) {
		SendJSON(w, http.StatusOK, input)
	}
}

func (h *AdminHandler) DeleteMonitor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg := h.deps.Registry.Current().Config().Clone()

	kept := cfg.Monitors[:0]
	found := false
	for _, m := range cfg.Monitors {
		if m.ID == id {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	if !found {
		SendError(w, r, http.StatusNotFound, "NOT_FOUND", "monitor not found", nil)
		return
	}
	cfg.Monitors = kept
	if h.apply(w, r, cfg) {
		SendJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// --- groups ---

func (h *AdminHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Registry.Current().Config()
	SendListResponse(w, cfg.Groups, len(cfg.Groups))
}

func (h *AdminHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if g, ok := h.deps.Registry.Current().GroupByID(id); ok {
		SendJSON(w, http.StatusOK, g)
		return
	}
	SendError(w, r, http.StatusNotFound, "NOT_FOUND", "group not found", nil)
}

func (h *AdminHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	input, ok := DecodeJSON[config.GroupConfig](w, r)
	if !ok {
		return
	}
	cfg := h.deps.Registry.Current().Config().Clone()
	for _, g := range cfg.Groups {
		if g.ID == input.ID {
			HandleAppError(w, r, apperr.Newf(apperr.KindConflict, "group %q already exists", input.ID))
			return
		}
	}
	cfg.Groups = append(cfg.Groups, input)
	if h.apply(w, r, cfg) {
		SendJSON(w, http.StatusCreated, input)
	}
}

func (h *AdminHandler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	input, ok := DecodeJSON[config.GroupConfig](w, r)
	if !ok {
		return
	}
	input.ID = id

	cfg := h.deps.Registry.Current().Config().Clone()
	idx := -1
	for i := range cfg.Groups {
		if cfg.Groups[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		SendError(w, r, http.StatusNotFound, "NOT_FOUND", "group not found", nil)
		return
	}
	cfg.Groups[idx] = input
	if h.apply(w, r, cfg) {
		SendJSON(w, http.StatusOK, input)
	}
}

func (h *AdminHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg := h.deps.Registry.Current().Config().Clone()

	kept := cfg.Groups[:0]
	found := false
	for _, g := range cfg.Groups {
		if g.ID == id {
			found = true
			continue
		}
		kept = append(kept, g)
	}
	if !found {
		SendError(w, r, http.StatusNotFound, "NOT_FOUND", "group not found", nil)
		return
	}
	cfg.Groups = kept
	if h.apply(w, r, cfg) {
		SendJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// --- status pages ---

func (h *AdminHandler) ListPages(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Registry.Current().Config()
	SendListResponse(w, cfg.StatusPages, len(cfg.StatusPages))
}

func (h *AdminHandler) CreatePage(w http.ResponseWriter, r *http.Request) {
	input, ok := DecodeJSON[config.StatusPageConfig](w, r)
	if !ok {
		return
	}
	cfg := h.deps.Registry.Current().Config().Clone()
	for _, p := range cfg.StatusPages {
		if p.Slug == input.Slug {
			HandleAppError(w, r, apperr.Newf(apperr.KindConflict, "status page %q already exists", input.Slug))
			return
		}
	}
	cfg.StatusPages = append(cfg.StatusPages, input)
	if h.apply(w, r, cfg) {
		SendJSON(w, http.StatusCreated, input)
	}
}

func (h *AdminHandler) UpdatePage(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	input, ok := DecodeJSON[config.StatusPageConfig](w, r)
	if !ok {
		return
	}
	input.Slug = slug

	cfg := h.deps.Registry.Current().Config().Clone()
	idx := -1
	for i := range cfg.StatusPages {
		if cfg.StatusPages[i].Slug == slug {
			idx = i
			break
		}
	}
	if idx < 0 {
		SendError(w, r, http.StatusNotFound, "NOT_FOUND", "status page not found", nil)
		return
	}
	cfg.StatusPages[idx] = input
	if h.apply(w, r, cfg) {
		SendJSON(w, http.StatusOK, input)
	}
}

func (h *AdminHandler) DeletePage(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	cfg := h.deps.Registry.Current().Config().Clone()

	kept := cfg.StatusPages[:0]
	found := false
	for _, p := range cfg.StatusPages {
		if p.Slug == slug {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		SendError(w, r, http.StatusNotFound, "NOT_FOUND", "status page not found", nil)
		return
	}
	cfg.StatusPages = kept
	if h.apply(w, r, cfg) {
		SendJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// --- notification channels ---

func (h *AdminHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Registry.Current().Config()
	SendListResponse(w, cfg.Channels, len(cfg.Channels))
}

func (h *AdminHandler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	input, ok := DecodeJSON[config.ChannelConfig](w, r)
	if !ok {
		return
	}
	cfg := h.deps.Registry.Current().Config().Clone()
	for _, ch := range cfg.Channels {
		if ch.ID == input.ID {
			HandleAppError(w, r, apperr.Newf(apperr.KindConflict, "channel %q already exists", input.ID))
			return
		}
	}
	cfg.Channels = append(cfg.Channels, input)
	if h.apply(w, r, cfg) {
		SendJSON(w, http.StatusCreated, input)
	}
}

func (h *AdminHandler) UpdateChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	input, ok := DecodeJSON[config.ChannelConfig](w, r)
	if !ok {
		return
	}
	input.ID = id

	cfg := h.deps.Registry.Current().Config().Clone()
	idx := -1
	for i := range cfg.Channels {
		if cfg.Channels[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		SendError(w, r, http.StatusNotFound, "NOT_FOUND", "channel not found", nil)
		return
	}
	cfg.Channels[idx] = input
	if h.apply(w, r, cfg) {
		SendJSON(w, http.StatusOK, input)
	}
}

func (h *AdminHandler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg := h.deps.Registry.Current().Config().Clone()

	kept := cfg.Channels[:0]
	found := false
	for _, ch := range cfg.Channels {
		if ch.ID == id {
			found = true
			continue
		}
		kept = append(kept, ch)
	}
	if !found {
		SendError(w, r, http.StatusNotFound, "NOT_FOUND", "channel not found", nil)
		return
	}
	cfg.Channels = kept
	if h.apply(w, r, cfg) {
		SendJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// --- incidents ---

type incidentInput struct {
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	Severity   string     `json:"severity"`
	Affected   []string   `json:"affected"`
	StartedAt  *time.Time `json:"startedAt"`
	ResolvedAt *time.Time `json:"resolvedAt"`
}

func (h *AdminHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.deps.Store.ListIncidents(r.Context())
	if HandleAppError(w, r, err) {
		return
	}
	SendListResponse(w, incidents, len(incidents))
}

func (h *AdminHandler) GetIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	inc, err := h.deps.Store.GetIncident(r.Context(), id)
	if HandleAppError(w, r, err) {
		return
	}
	SendJSON(w, http.StatusOK, inc)
}

func (h *AdminHandler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	input, ok := DecodeJSON[incidentInput](w, r)
	if !ok {
		return
	}
	if input.Title == "" {
		SendError(w, r, http.StatusBadRequest, "BAD_REQUEST", "title is required", nil)
		return
	}
	startedAt := time.Now().UTC()
	if input.StartedAt != nil {
		startedAt = *input.StartedAt
	}
	severity := input.Severity
	if severity == "" {
		severity = "minor"
	}

	inc := storage.Incident{
		ID:         uuid.New(),
		Title:      input.Title,
		Body:       input.Body,
		Severity:   severity,
		Affected:   input.Affected,
		StartedAt:  startedAt,
		ResolvedAt: input.ResolvedAt,
	}
	if err := h.deps.Store.CreateIncident(r.Context(), inc); HandleAppError(w, r, err) {
		return
	}
	SendJSON(w, http.StatusCreated, inc)
}

func (h *AdminHandler) UpdateIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	input, ok := DecodeJSON[incidentInput](w, r)
	if !ok {
		return
	}
	existing, err := h.deps.Store.GetIncident(r.Context(), id)
	if HandleAppError(w, r, err) {
		return
	}

	if input.Title != "" {
		existing.Title = input.Title
	}
	if input.Body != "" {
		existing.Body = input.Body
	}
	if input.Severity != "" {
		existing.Severity = input.Severity
	}
	if input.Affected != nil {
		existing.Affected = input.Affected
	}
	if input.StartedAt != nil {
		existing.StartedAt = *input.StartedAt
	}
	if input.ResolvedAt != nil {
		existing.ResolvedAt = input.ResolvedAt
	}

	if err := h.deps.Store.UpdateIncident(r.Context(), *existing); HandleAppError(w, r, err) {
		return
	}
	SendJSON(w, http.StatusOK, existing)
}

func (h *AdminHandler) DeleteIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.deps.Store.DeleteIncident(r.Context(), id); HandleAppError(w, r, err) {
		return
	}
	SendJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *AdminHandler) AddIncidentUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	input, ok := DecodeJSON[storage.IncidentUpdate](w, r)
	if !ok {
		return
	}
	if input.Message == "" {
		SendError(w, r, http.StatusBadRequest, "BAD_REQUEST", "message is required", nil)
		return
	}
	input.ID = uuid.New()
	input.IncidentID = id
	if err := h.deps.Store.AddIncidentUpdate(r.Context(), input); HandleAppError(w, r, err) {
		return
	}
	SendJSON(w, http.StatusCreated, input)
}

// --- configuration ---

func (h *AdminHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	SendJSON(w, http.StatusOK, h.deps.Registry.Current().Config())
}

func (h *AdminHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	input, ok := DecodeJSON[config.Config](w, r)
	if !ok {
		return
	}
	if h.apply(w, r, &input) {
		SendJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		SendError(w, r, http.StatusBadRequest, "INVALID_ID", "Invalid UUID format", nil)
		return uuid.Nil, false
	}
	return id, true
}
