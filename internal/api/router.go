package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pulsewatch/pulsewatch/internal/detector"
	"github.com/pulsewatch/pulsewatch/internal/middleware"
	"github.com/pulsewatch/pulsewatch/internal/pulse"
	"github.com/pulsewatch/pulsewatch/internal/realtime"
	"github.com/pulsewatch/pulsewatch/internal/registry"
	"github.com/pulsewatch/pulsewatch/internal/status"
	"github.com/pulsewatch/pulsewatch/internal/storage"
	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

// Dependencies bundles everything the handlers reach into.
type Dependencies struct {
	Registry      *registry.Registry
	Cache         *status.Cache
	Store         *storage.Store
	Ingestor      *pulse.Ingestor
	Detector      *detector.Detector
	Hub           *realtime.Hub
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger
	CheckInterval time.Duration
}

// NewRouter creates and configures the API router
func NewRouter(deps *Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.Logger(deps.Logger))

	healthHandler := NewHealthHandler(deps)
	pushHandler := NewPushHandler(deps)
	statusHandler := NewStatusHandler(deps)
	historyHandler := NewHistoryHandler(deps)
	adminHandler := NewAdminHandler(deps)

	// Public routes
	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", deps.Metrics.Handler())
	r.Get("/ws", deps.Hub.ServeWs(deps.Ingestor))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/push/{token}", pushHandler.Push)
		r.Get("/reload/{token}", healthHandler.Reload)
		r.Get("/health/missing-pulse-detector", healthHandler.DetectorHealth)

		r.Route("/status/{slug}", func(r chi.Router) {
			r.Get("/", statusHandler.Page)
			r.Get("/summary", statusHandler.Summary)
			r.Get("/incidents", statusHandler.Incidents)
		})

		r.Get("/monitors/{id}/history", historyHandler.MonitorHistory)
		r.Get("/groups/{id}/history", historyHandler.GroupHistory)

		// Admin routes (require bearer token)
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminAuth(func() string {
				return deps.Registry.Current().Config().AdminAPI.Token
			}))

			r.Route("/monitors", func(r chi.Router) {
				r.Get("/", adminHandler.ListMonitors)
				r.Post("/", adminHandler.CreateMonitor)
				r.Get("/{id}", adminHandler.GetMonitor)
				r.Put("/{id}", adminHandler.UpdateMonitor)
				r.Delete("/{id}", adminHandler.DeleteMonitor)
			})

			r.Route("/groups", func(r chi.Router) {
				r.Get("/", adminHandler.ListGroups)
				r.Post("/", adminHandler.CreateGroup)
				r.Get("/{id}", adminHandler.GetGroup)
				r.Put("/{id}", adminHandler.UpdateGroup)
				r.Delete("/{id}", adminHandler.DeleteGroup)
			})

			r.Route("/status-pages", func(r chi.Router) {
				r.Get("/", adminHandler.ListPages)
				r.Post("/", adminHandler.CreatePage)
				r.Put("/{slug}", adminHandler.UpdatePage)
				r.Delete("/{slug}", adminHandler.DeletePage)
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", adminHandler.ListChannels)
				r.Post("/", adminHandler.CreateChannel)
				r.Put("/{id}", adminHandler.UpdateChannel)
				r.Delete("/{id}", adminHandler.DeleteChannel)
			})

			r.Route("/incidents", func(r chi.Router) {
				r.Get("/", adminHandler.ListIncidents)
				r.Post("/", adminHandler.CreateIncident)
				r.Get("/{id}", adminHandler.GetIncident)
				r.Put("/{id}", adminHandler.UpdateIncident)
				r.Delete("/{id}", adminHandler.DeleteIncident)
				r.Post("/{id}/updates", adminHandler.AddIncidentUpdate)
			})

			r.Route("/config", func(r chi.Router) {
				r.Get("/", adminHandler.GetConfig)
				r.Put("/", adminHandler.PutConfig)
			})
		})
	})

	return r
}
