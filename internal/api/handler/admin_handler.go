package handler

import (
	"net/http"
	"toolhub_api/internal/api/middleware"
	"toolhub_api/internal/app/worker"
	"toolhub_api/internal/common"

	"github.com/go-chi/chi/v5"
)

type AdminHandler struct {
	cleanupWorker *worker.CleanupWorker
}

func NewAdminHandler(cw *worker.CleanupWorker) *AdminHandler {
	return &AdminHandler{cleanupWorker: cw}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Authenticator)
	r.Use(middleware.AdminOnly)

	r.Post("/export-cleanup", h.runCleanup)
}

// runCleanup triggers one sweep on demand. If a run is already in flight the
// worker returns a zero result rather than racing it.
func (h *AdminHandler) runCleanup(w http.ResponseWriter, r *http.Request) {
	result, err := h.cleanupWorker.Run(r.Context())
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, result)
}
