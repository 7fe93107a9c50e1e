package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"toolhub_api/internal/common"
	"toolhub_api/internal/domain/model"
)

// In-memory repository implementations. They mirror the Postgres semantics
// closely enough to back tests and databaseless local runs: the same
// active-job-per-tool uniqueness, the same partial-update mapping, the same
// error taxonomy.

type MemExportJobRepository struct {
	mu   sync.Mutex
	jobs map[string]*model.ExportJob
	// ToolTypes backs the tool_type_filter in ListJobs, which the Postgres
	// implementation resolves with a join.
	ToolTypes map[string]model.ToolType
}

func NewMemExportJobRepository() *MemExportJobRepository {
	return &MemExportJobRepository{
		jobs:      make(map[string]*model.ExportJob),
		ToolTypes: make(map[string]model.ToolType),
	}
}

func (r *MemExportJobRepository) CreateJob(ctx context.Context, job *model.ExportJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Same constraint the unique partial index enforces in Postgres: the
	// check and the insert happen under one lock.
	for _, existing := range r.jobs {
		if existing.ToolID == job.ToolID && existing.Status.Active() {
			return fmt.Errorf("an export for this tool is already active: %w", common.ErrConflict)
		}
	}

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *MemExportJobRepository) GetJobByID(ctx context.Context, id string) (*model.ExportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return cloneJob(job), nil
}

func (r *MemExportJobRepository) UpdateJob(ctx context.Context, id string, upd ExportJobUpdate) (*model.ExportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	applyUpdate(job, upd)
	return cloneJob(job), nil
}

func (r *MemExportJobRepository) CompareAndSetStatus(ctx context.Context, id string, fromAny []model.ExportJobStatus, to model.ExportJobStatus, upd ExportJobUpdate) (*model.ExportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	matched := false
	for _, s := range fromAny {
		if job.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return nil, fmt.Errorf("job %s is not in a valid state for transition to %s: %w", id, to, common.ErrConflict)
	}

	job.Status = to
	applyUpdate(job, upd)
	return cloneJob(job), nil
}

func (r *MemExportJobRepository) ListJobs(ctx context.Context, filter ExportJobListFilter) ([]model.ExportJob, int, error) {
	if filter.Limit < 1 || filter.Limit > 100 {
		return nil, 0, fmt.Errorf("limit must be between 1 and 100: %w", common.ErrBadRequest)
	}
	if filter.Offset < 0 {
		return nil, 0, fmt.Errorf("offset must be non-negative: %w", common.ErrBadRequest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	matched := []*model.ExportJob{}
	for _, job := range r.jobs {
		if filter.UserID != nil && (job.UserID == nil || *job.UserID != *filter.UserID) {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.ToolType != "" && r.ToolTypes[job.ToolID] != filter.ToolType {
			continue
		}
		if filter.StartDate != nil && job.CreatedAt.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && job.CreatedAt.After(*filter.EndDate) {
			continue
		}
		matched = append(matched, job)
	}

	asc := strings.EqualFold(filter.SortOrder, "asc")
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var less bool
		switch filter.SortBy {
		case "updated_at":
			less = a.UpdatedAt.Before(b.UpdatedAt)
		case "completed_at":
			less = timePtrBefore(a.CompletedAt, b.CompletedAt)
		case "status":
			less = a.Status < b.Status
		default:
			less = a.CreatedAt.Before(b.CreatedAt)
		}
		if asc {
			return less
		}
		return !less
	})

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}

	page := make([]model.ExportJob, 0, end-start)
	for _, job := range matched[start:end] {
		page = append(page, *cloneJob(job))
	}
	return page, total, nil
}

func (r *MemExportJobRepository) ListExpiredPackages(ctx context.Context, now time.Time) ([]model.ExportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expired := []model.ExportJob{}
	for _, job := range r.jobs {
		if job.Status == model.ExportStatusCompleted && job.PackagePath != nil &&
			job.PackageExpiresAt != nil && job.PackageExpiresAt.Before(now) {
			expired = append(expired, *cloneJob(job))
		}
	}
	return expired, nil
}

func (r *MemExportJobRepository) DeleteOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	var deleted int64
	for id, job := range r.jobs {
		if job.Status.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(r.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *MemExportJobRepository) IncrementDownloadCount(ctx context.Context, id string, previousCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil
	}
	// Lost races no-op; the counter never moves backwards.
	if job.DownloadCount < previousCount+1 {
		job.DownloadCount = previousCount + 1
		bumpUpdatedAt(job)
	}
	return nil
}

func applyUpdate(job *model.ExportJob, upd ExportJobUpdate) {
	if upd.Status != nil {
		job.Status = *upd.Status
	}
	if upd.StepsCompleted != nil {
		job.StepsCompleted = *upd.StepsCompleted
	}
	if upd.StepsTotal != nil {
		job.StepsTotal = *upd.StepsTotal
	}
	if upd.CurrentStep != nil {
		job.CurrentStep = *upd.CurrentStep
	}
	if upd.ClearPackagePath {
		job.PackagePath = nil
	} else if upd.PackagePath != nil {
		job.PackagePath = upd.PackagePath
	}
	if upd.PackageSizeBytes != nil {
		job.PackageSizeBytes = upd.PackageSizeBytes
	}
	if upd.PackageChecksum != nil {
		job.PackageChecksum = upd.PackageChecksum
	}
	if upd.PackageAlgorithm != nil {
		job.PackageAlgorithm = upd.PackageAlgorithm
	}
	if upd.PackageExpiresAt != nil {
		job.PackageExpiresAt = upd.PackageExpiresAt
	}
	if upd.ChecksumVerified != nil {
		job.ChecksumVerifiedAt = upd.ChecksumVerified
	}
	if upd.ErrorMessage != nil {
		job.ErrorMessage = upd.ErrorMessage
	}
	if upd.StartedAt != nil {
		job.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		job.CompletedAt = upd.CompletedAt
	}
	bumpUpdatedAt(job)
}

// bumpUpdatedAt keeps updated_at strictly increasing even when writes land
// within clock resolution.
func bumpUpdatedAt(job *model.ExportJob) {
	now := time.Now()
	if !now.After(job.UpdatedAt) {
		now = job.UpdatedAt.Add(time.Microsecond)
	}
	job.UpdatedAt = now
}

func cloneJob(job *model.ExportJob) *model.ExportJob {
	clone := *job
	clone.ProgressPercentage = clone.ComputeProgressPercentage()
	return &clone
}

func timePtrBefore(a, b *time.Time) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return a.Before(*b)
}

type MemToolRepository struct {
	mu    sync.Mutex
	tools map[string]*model.Tool
}

func NewMemToolRepository() *MemToolRepository {
	return &MemToolRepository{tools: make(map[string]*model.Tool)}
}

func (r *MemToolRepository) CreateTool(ctx context.Context, tool *model.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.tools {
		if existing.Slug == tool.Slug {
			return fmt.Errorf("tool with this slug already exists: %w", common.ErrConflict)
		}
	}
	now := time.Now()
	tool.CreatedAt = now
	tool.UpdatedAt = now
	clone := *tool
	r.tools[tool.ID] = &clone
	return nil
}

func (r *MemToolRepository) UpdateTool(ctx context.Context, tool *model.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.tools[tool.ID]
	if !ok {
		return common.ErrNotFound
	}
	existing.Name = tool.Name
	existing.Slug = tool.Slug
	existing.Definition = tool.Definition
	existing.UpdatedAt = time.Now()
	return nil
}

func (r *MemToolRepository) FindToolByID(ctx context.Context, id string) (*model.Tool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tool, ok := r.tools[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	clone := *tool
	return &clone, nil
}

func (r *MemToolRepository) ListTools(ctx context.Context, ownerID string, toolType model.ToolType, limit, offset int) ([]model.Tool, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := []*model.Tool{}
	for _, tool := range r.tools {
		if tool.IsArchived {
			continue
		}
		if ownerID != "" && tool.OwnerID != ownerID {
			continue
		}
		if toolType != "" && tool.Type != toolType {
			continue
		}
		matched = append(matched, tool)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]model.Tool, 0, end-offset)
	for _, tool := range matched[offset:end] {
		page = append(page, *tool)
	}
	return page, total, nil
}

func (r *MemToolRepository) ArchiveTool(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tool, ok := r.tools[id]
	if !ok {
		return common.ErrNotFound
	}
	tool.IsArchived = true
	tool.UpdatedAt = time.Now()
	return nil
}
