package service

import (
	"context"
	"encoding/json"
	"toolhub_api/internal/common"
	"toolhub_api/internal/domain/model"
	"toolhub_api/internal/domain/repository"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

type ToolService struct {
	toolRepo repository.ToolRepository
}

func NewToolService(toolRepo repository.ToolRepository) *ToolService {
	return &ToolService{toolRepo: toolRepo}
}

type CreateToolRequest struct {
	Name       string          `json:"name"`
	Type       model.ToolType  `json:"type"`
	Definition json.RawMessage `json:"definition"`
}

type UpdateToolRequest struct {
	Name       *string          `json:"name,omitempty"`
	Definition *json.RawMessage `json:"definition,omitempty"`
}

func (s *ToolService) CreateTool(ctx context.Context, ownerID string, req CreateToolRequest) (*model.Tool, error) {
	if req.Name == "" {
		return nil, common.Errorf("tool name is required: %w", common.ErrBadRequest)
	}
	if !req.Type.Valid() {
		return nil, common.Errorf("unknown tool type %q: %w", req.Type, common.ErrBadRequest)
	}
	if len(req.Definition) == 0 || !json.Valid(req.Definition) {
		return nil, common.Errorf("tool definition must be a valid JSON document: %w", common.ErrBadRequest)
	}

	tool := &model.Tool{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Name:       req.Name,
		Slug:       slug.Make(req.Name),
		Type:       req.Type,
		Definition: req.Definition,
	}
	if err := s.toolRepo.CreateTool(ctx, tool); err != nil {
		return nil, common.Errorf("failed to create tool: %w", err)
	}
	return s.toolRepo.FindToolByID(ctx, tool.ID)
}

func (s *ToolService) GetTool(ctx context.Context, toolID, callerID, callerRole string) (*model.Tool, error) {
	tool, err := s.toolRepo.FindToolByID(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if err := authorizeToolAccess(tool, callerID, callerRole); err != nil {
		return nil, err
	}
	return tool, nil
}

func (s *ToolService) ListTools(ctx context.Context, ownerID string, toolType model.ToolType, page, pageSize int) ([]model.Tool, int, error) {
	if toolType != "" && !toolType.Valid() {
		return nil, 0, common.Errorf("unknown tool type %q: %w", toolType, common.ErrBadRequest)
	}
	offset := (page - 1) * pageSize
	return s.toolRepo.ListTools(ctx, ownerID, toolType, pageSize, offset)
}

func (s *ToolService) UpdateTool(ctx context.Context, toolID, callerID, callerRole string, req UpdateToolRequest) (*model.Tool, error) {
	tool, err := s.toolRepo.FindToolByID(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if err := authorizeToolAccess(tool, callerID, callerRole); err != nil {
		return nil, err
	}

	if req.Name != nil {
		if *req.Name == "" {
			return nil, common.Errorf("tool name cannot be empty: %w", common.ErrBadRequest)
		}
		tool.Name = *req.Name
		tool.Slug = slug.Make(*req.Name)
	}
	if req.Definition != nil {
		if !json.Valid(*req.Definition) {
			return nil, common.Errorf("tool definition must be a valid JSON document: %w", common.ErrBadRequest)
		}
		tool.Definition = *req.Definition
	}

	if err := s.toolRepo.UpdateTool(ctx, tool); err != nil {
		return nil, common.Errorf("failed to update tool: %w", err)
	}
	return s.toolRepo.FindToolByID(ctx, toolID)
}

func (s *ToolService) ArchiveTool(ctx context.Context, toolID, callerID, callerRole string) error {
	tool, err := s.toolRepo.FindToolByID(ctx, toolID)
	if err != nil {
		return err
	}
	if err := authorizeToolAccess(tool, callerID, callerRole); err != nil {
		return err
	}
	return s.toolRepo.ArchiveTool(ctx, toolID)
}

// authorizeToolAccess gates every per-tool operation: only the owner or an
// admin may see or act on a tool.
func authorizeToolAccess(tool *model.Tool, callerID, callerRole string) error {
	if callerRole == model.RoleAdmin {
		return nil
	}
	if tool.OwnerID == callerID {
		return nil
	}
	return common.Errorf("caller does not own tool %s: %w", tool.ID, common.ErrForbidden)
}
