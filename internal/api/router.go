package api

import (
	"net/http"
	"time"
	"toolhub_api/internal/api/handler"
	"toolhub_api/internal/app/service"
	"toolhub_api/internal/app/worker"
	"toolhub_api/internal/app/ws"
	"toolhub_api/internal/common/security"
	"toolhub_api/internal/platform/config"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
	"github.com/redis/go-redis/v9"
)

func NewRouter(
	authService *service.AuthService,
	toolService *service.ToolService,
	preflightService *service.PreflightService,
	exportService *service.ExportService,
	deliveryService *service.DeliveryService,
	cleanupWorker *worker.CleanupWorker,
	hub *ws.Hub,
	rdb *redis.Client,
) http.Handler {
	r := chi.NewRouter()

	// Base Middlewares
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger) // Chi's logger
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	// JWT Auth Middleware Setup
	// Verifies the token found in "Authorization: Bearer T", puts claims in context.
	r.Use(jwtauth.Verifier(security.TokenAuth))

	// Public health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	// API v1 Routes
	r.Route("/api/v1", func(v1 chi.Router) {
		// Auth routes (public)
		authHandler := handler.NewAuthHandler(authService)
		v1.Group(func(publicAuth chi.Router) {
			authHandler.RegisterRoutes(publicAuth)
		})

		// Tool routes (authenticated; export start + preflight live here)
		toolHandler := handler.NewToolHandler(toolService, exportService, preflightService)
		v1.Route("/tools", toolHandler.RegisterRoutes)

		// Export job routes (status, cancel, checksum, download, list, ws feed)
		exportHandler := handler.NewExportHandler(exportService, deliveryService, hub, rdb, config.AppConfig.StatusPollRatePerSecond)
		v1.Route("/export-jobs", exportHandler.RegisterRoutes)

		// Admin routes
		adminHandler := handler.NewAdminHandler(cleanupWorker)
		v1.Route("/admin", adminHandler.RegisterRoutes)
	})

	return r
}
