package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/arc-relay/backend/internal/config"
	"github.com/zhouzirui/arc-relay/backend/internal/handler/feature"
	"github.com/zhouzirui/arc-relay/backend/internal/handler/run"
	"github.com/zhouzirui/arc-relay/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/arc-relay/backend/internal/middleware"
	featureModel "github.com/zhouzirui/arc-relay/backend/internal/model/feature"
	historyService "github.com/zhouzirui/arc-relay/backend/internal/service/history"
	runService "github.com/zhouzirui/arc-relay/backend/internal/service/run"
	"github.com/zhouzirui/arc-relay/backend/internal/service/session"
	"github.com/zhouzirui/arc-relay/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(cfg *config.Config, features featureModel.Store, runs *runService.Service, registry *session.Registry, history historyService.Store, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(cfg.Server.AllowedOrigins))

	// Create handlers
	featureHandler := feature.New(features)
	runHandler := run.New(history, registry, runs)
	streamHandler := stream.New(runs, stream.Config{
		KeepAliveInterval: cfg.Stream.KeepAliveInterval,
		WriteTimeout:      cfg.Stream.WriteTimeout,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	})
	startLimit := middlewarePkg.RateLimit(cfg.Stream.StartRate, cfg.Stream.StartBurst)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"activeSessions": registry.Len(),
			"pendingRuns":    runs.PendingCount(),
		})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(api chi.Router) {
		featureHandler.RegisterRoutes(api)
		runHandler.RegisterRoutes(api)

		// Stream starts are rate limited; attach and cancel are not.
		streamHandler.RegisterRoutes(api, startLimit)

		api.Group(func(admin chi.Router) {
			admin.Use(middlewarePkg.AdminOnly(cfg.Admin.Token))
			runHandler.RegisterAdminRoutes(admin)
		})
	})

	return r
}
