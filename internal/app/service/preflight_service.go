package service

import (
	"context"
	"encoding/json"
	"fmt"
	"toolhub_api/internal/domain/model"
	"toolhub_api/internal/domain/repository"
)

// Definitions above this size export fine but make for slow downloads; the
// report flags them so the UI can warn before the user commits to an export.
const largeDefinitionBytes = 5 << 20

// PreflightReport is the exportability assessment for a tool.
type PreflightReport struct {
	Success  bool     `json:"success"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	Info     []string `json:"info"`
}

type PreflightService struct {
	toolRepo repository.ToolRepository
}

func NewPreflightService(toolRepo repository.ToolRepository) *PreflightService {
	return &PreflightService{toolRepo: toolRepo}
}

// ValidateTool inspects a tool before an export job is created. Same access
// rule as the export itself: owner or admin.
func (s *PreflightService) ValidateTool(ctx context.Context, toolID, callerID, callerRole string) (*PreflightReport, error) {
	tool, err := s.toolRepo.FindToolByID(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if err := authorizeToolAccess(tool, callerID, callerRole); err != nil {
		return nil, err
	}
	return s.Inspect(tool), nil
}

func (s *PreflightService) Inspect(tool *model.Tool) *PreflightReport {
	report := &PreflightReport{
		Errors:   []string{},
		Warnings: []string{},
		Info:     []string{},
	}

	if tool.IsArchived {
		report.Errors = append(report.Errors, "tool is archived and cannot be exported")
	}
	if len(tool.Definition) == 0 {
		report.Errors = append(report.Errors, "tool has no definition to export")
	} else if !json.Valid(tool.Definition) {
		report.Errors = append(report.Errors, "tool definition is not a well-formed JSON document")
	}
	if !tool.Type.Valid() {
		report.Errors = append(report.Errors, fmt.Sprintf("unknown tool type %q", tool.Type))
	}

	if len(tool.Definition) > largeDefinitionBytes {
		report.Warnings = append(report.Warnings, fmt.Sprintf("definition is large (%d bytes); export may take a while", len(tool.Definition)))
	}

	report.Info = append(report.Info, fmt.Sprintf("tool %q (%s), definition %d bytes", tool.Name, tool.Type, len(tool.Definition)))
	report.Success = len(report.Errors) == 0
	return report
}
