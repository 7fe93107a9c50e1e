package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"toolhub_api/internal/api/middleware"
	"toolhub_api/internal/app/service"
	"toolhub_api/internal/common"
	"toolhub_api/internal/domain/model"

	"github.com/go-chi/chi/v5"
)

type ToolHandler struct {
	toolService      *service.ToolService
	exportService    *service.ExportService
	preflightService *service.PreflightService
}

func NewToolHandler(ts *service.ToolService, es *service.ExportService, ps *service.PreflightService) *ToolHandler {
	return &ToolHandler{toolService: ts, exportService: es, preflightService: ps}
}

func (h *ToolHandler) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Authenticator)

	r.Post("/", h.createTool)
	r.Get("/", h.listTools)
	r.Get("/{toolID}", h.getTool)
	r.Put("/{toolID}", h.updateTool)
	r.Delete("/{toolID}", h.archiveTool)

	r.Post("/{toolID}/export", h.startExport)
	r.Post("/{toolID}/export/validate", h.validateExport)
}

func (h *ToolHandler) createTool(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "Missing user context")
		return
	}

	var req service.CreateToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.RespondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}

	tool, err := h.toolService.CreateTool(r.Context(), userID, req)
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusCreated, tool)
}

func (h *ToolHandler) listTools(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserIDFromContext(r.Context())
	userRole, _ := middleware.GetUserRoleFromContext(r.Context())

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page <= 0 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	toolType := model.ToolType(r.URL.Query().Get("type"))

	// Admins see everything; users see their own tools.
	ownerFilter := userID
	if userRole == model.RoleAdmin {
		ownerFilter = ""
	}

	tools, total, err := h.toolService.ListTools(r.Context(), ownerFilter, toolType, page, pageSize)
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}

	type PaginatedToolsResponse struct {
		Tools    []model.Tool `json:"tools"`
		Total    int          `json:"total"`
		Page     int          `json:"page"`
		PageSize int          `json:"page_size"`
	}
	common.RespondWithJSON(w, http.StatusOK, PaginatedToolsResponse{
		Tools:    tools,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

func (h *ToolHandler) getTool(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserIDFromContext(r.Context())
	userRole, _ := middleware.GetUserRoleFromContext(r.Context())

	tool, err := h.toolService.GetTool(r.Context(), chi.URLParam(r, "toolID"), userID, userRole)
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, tool)
}

func (h *ToolHandler) updateTool(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserIDFromContext(r.Context())
	userRole, _ := middleware.GetUserRoleFromContext(r.Context())

	var req service.UpdateToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.RespondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}

	tool, err := h.toolService.UpdateTool(r.Context(), chi.URLParam(r, "toolID"), userID, userRole, req)
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, tool)
}

func (h *ToolHandler) archiveTool(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserIDFromContext(r.Context())
	userRole, _ := middleware.GetUserRoleFromContext(r.Context())

	if err := h.toolService.ArchiveTool(r.Context(), chi.URLParam(r, "toolID"), userID, userRole); err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ToolHandler) startExport(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "Missing user context")
		return
	}

	userRole, _ := middleware.GetUserRoleFromContext(r.Context())

	job, err := h.exportService.StartExport(r.Context(), chi.URLParam(r, "toolID"), userID, userRole)
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusCreated, job)
}

func (h *ToolHandler) validateExport(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserIDFromContext(r.Context())
	userRole, _ := middleware.GetUserRoleFromContext(r.Context())

	report, err := h.preflightService.ValidateTool(r.Context(), chi.URLParam(r, "toolID"), userID, userRole)
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, report)
}
