package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"toolhub_api/internal/common"
	"toolhub_api/internal/domain/model"
	"toolhub_api/internal/domain/repository"

	"github.com/google/uuid"
)

func validTool() *model.Tool {
	return &model.Tool{
		ID:         uuid.NewString(),
		OwnerID:    "user-1",
		Name:       "Landing Theme",
		Slug:       "landing-theme",
		Type:       model.ToolTypeTheme,
		Definition: json.RawMessage(`{"palette":{"primary":"#336699"}}`),
	}
}

func TestInspectPassesValidTool(t *testing.T) {
	svc := NewPreflightService(repository.NewMemToolRepository())

	report := svc.Inspect(validTool())
	if !report.Success {
		t.Fatalf("report not successful: %v", report.Errors)
	}
	if len(report.Errors) != 0 || len(report.Warnings) != 0 {
		t.Errorf("unexpected findings: errors=%v warnings=%v", report.Errors, report.Warnings)
	}
	if len(report.Info) == 0 {
		t.Error("report should carry at least one info line")
	}
}

func TestInspectFindings(t *testing.T) {
	svc := NewPreflightService(repository.NewMemToolRepository())

	tests := []struct {
		name    string
		mutate  func(*model.Tool)
		wantErr string
	}{
		{"archived", func(tool *model.Tool) { tool.IsArchived = true }, "archived"},
		{"empty definition", func(tool *model.Tool) { tool.Definition = nil }, "no definition"},
		{"malformed definition", func(tool *model.Tool) { tool.Definition = json.RawMessage(`{"broken":`) }, "well-formed"},
		{"unknown type", func(tool *model.Tool) { tool.Type = "widget" }, "unknown tool type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := validTool()
			tt.mutate(tool)
			report := svc.Inspect(tool)
			if report.Success {
				t.Fatal("report should not be successful")
			}
			found := false
			for _, e := range report.Errors {
				if strings.Contains(e, tt.wantErr) {
					found = true
				}
			}
			if !found {
				t.Errorf("errors %v missing %q", report.Errors, tt.wantErr)
			}
		})
	}
}

func TestInspectWarnsOnLargeDefinition(t *testing.T) {
	svc := NewPreflightService(repository.NewMemToolRepository())

	tool := validTool()
	big := `{"blob":"` + strings.Repeat("x", largeDefinitionBytes) + `"}`
	tool.Definition = json.RawMessage(big)

	report := svc.Inspect(tool)
	if !report.Success {
		t.Fatalf("large definitions are a warning, not an error: %v", report.Errors)
	}
	if len(report.Warnings) == 0 {
		t.Error("expected a large-definition warning")
	}
}

func TestValidateToolMissing(t *testing.T) {
	svc := NewPreflightService(repository.NewMemToolRepository())
	_, err := svc.ValidateTool(context.Background(), uuid.NewString(), "user-1", model.RoleUser)
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestValidateToolAuthorization(t *testing.T) {
	repo := repository.NewMemToolRepository()
	svc := NewPreflightService(repo)

	tool := validTool()
	if err := repo.CreateTool(context.Background(), tool); err != nil {
		t.Fatal(err)
	}

	_, err := svc.ValidateTool(context.Background(), tool.ID, "intruder", model.RoleUser)
	if !errors.Is(err, common.ErrForbidden) {
		t.Fatalf("foreign preflight: got %v, want ErrForbidden", err)
	}

	report, err := svc.ValidateTool(context.Background(), tool.ID, "user-1", model.RoleUser)
	if err != nil {
		t.Fatalf("owner preflight: %v", err)
	}
	if !report.Success {
		t.Errorf("report not successful: %v", report.Errors)
	}
}
