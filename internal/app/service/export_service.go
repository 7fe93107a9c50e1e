package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
	"toolhub_api/internal/common"
	"toolhub_api/internal/domain/model"
	"toolhub_api/internal/domain/repository"
	"toolhub_api/internal/platform/queue"
	"toolhub_api/internal/platform/storage"

	"github.com/google/uuid"
)

const PackageChecksumAlgorithm = "sha256"

// ExportService owns the export job lifecycle: creation, status, cancellation
// and integrity verification. Package generation itself runs in the export
// worker; the start call only persists a pending row and enqueues the job ID.
type ExportService struct {
	jobRepo   repository.ExportJobRepository
	toolRepo  repository.ToolRepository
	preflight *PreflightService
	enqueuer  queue.Enqueuer
	store     *storage.LocalFS
}

func NewExportService(
	jobRepo repository.ExportJobRepository,
	toolRepo repository.ToolRepository,
	preflight *PreflightService,
	enqueuer queue.Enqueuer,
	store *storage.LocalFS,
) *ExportService {
	return &ExportService{
		jobRepo:   jobRepo,
		toolRepo:  toolRepo,
		preflight: preflight,
		enqueuer:  enqueuer,
		store:     store,
	}
}

// StartExport creates a pending job and hands it to the worker queue. It
// returns as soon as the row exists; callers poll GetExportStatus for
// progress. Only the tool owner or an admin may export a tool. A second
// active job for the same tool is rejected with Conflict (enforced by the
// store's unique partial index, not an in-memory lock).
func (s *ExportService) StartExport(ctx context.Context, toolID, callerID, callerRole string) (*model.ExportJob, error) {
	tool, err := s.toolRepo.FindToolByID(ctx, toolID)
	if err != nil {
		return nil, common.Errorf("tool not found: %w", err)
	}
	if err := authorizeToolAccess(tool, callerID, callerRole); err != nil {
		return nil, err
	}

	report := s.preflight.Inspect(tool)
	if !report.Success {
		return nil, common.Errorf("tool failed export pre-flight checks: %s: %w",
			strings.Join(report.Errors, "; "), common.ErrValidation)
	}

	job := &model.ExportJob{
		ID:          uuid.NewString(),
		ToolID:      tool.ID,
		UserID:      &callerID,
		Status:      model.ExportStatusPending,
		CurrentStep: "queued",
	}
	if err := s.jobRepo.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if err := s.enqueuer.Enqueue(ctx, job.ID); err != nil {
		// The row exists but no worker will ever pick it up; fail it rather
		// than leaving a pending job that blocks future exports of this tool.
		errMsg := "failed to enqueue export job"
		now := time.Now()
		if _, updErr := s.jobRepo.CompareAndSetStatus(ctx, job.ID,
			[]model.ExportJobStatus{model.ExportStatusPending}, model.ExportStatusFailed,
			repository.ExportJobUpdate{ErrorMessage: &errMsg, CompletedAt: &now}); updErr != nil {
			log.Printf("ERROR: Failed to mark unenqueued job %s as failed: %v", job.ID, updErr)
		}
		return nil, common.Errorf("failed to enqueue export job %s: %w", job.ID, err)
	}

	log.Printf("INFO: Export job %s for tool %s enqueued by user %s.", job.ID, tool.ID, callerID)
	return job, nil
}

func (s *ExportService) GetExportStatus(ctx context.Context, jobID string) (*model.ExportJob, error) {
	return s.jobRepo.GetJobByID(ctx, jobID)
}

// CancelExport flags a pending or in_progress job as cancelling. The worker
// observes the flag at its next step boundary and settles the job into
// cancelled; cancellation is cooperative, never preemptive.
func (s *ExportService) CancelExport(ctx context.Context, jobID, callerID, callerRole string) (*model.ExportJob, error) {
	job, err := s.jobRepo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := authorizeJobAccess(job, callerID, callerRole); err != nil {
		return nil, err
	}
	if !job.Status.Cancellable() {
		return nil, common.Errorf("job %s cannot be cancelled from status %q: %w", jobID, job.Status, common.ErrConflict)
	}

	step := "cancelling"
	updated, err := s.jobRepo.CompareAndSetStatus(ctx, jobID,
		[]model.ExportJobStatus{model.ExportStatusPending, model.ExportStatusInProgress},
		model.ExportStatusCancelling,
		repository.ExportJobUpdate{CurrentStep: &step})
	if err != nil {
		return nil, err
	}

	// A job cancelled before the worker ever picked it up has no in-flight
	// step to notice the flag; settle it immediately. The guard is the CAS
	// result, not the earlier read: a worker pickup between that read and the
	// CAS sets started_at, and a started job must settle at its own checkpoint
	// so partial artifacts get removed.
	if updated.StartedAt == nil {
		now := time.Now()
		done := "cancelled"
		settled, settleErr := s.jobRepo.CompareAndSetStatus(ctx, jobID,
			[]model.ExportJobStatus{model.ExportStatusCancelling}, model.ExportStatusCancelled,
			repository.ExportJobUpdate{CurrentStep: &done, CompletedAt: &now})
		if settleErr == nil {
			log.Printf("INFO: Export job %s cancelled before pickup.", jobID)
			return settled, nil
		}
	}

	log.Printf("INFO: Export job %s flagged cancelling by user %s.", jobID, callerID)
	return updated, nil
}

// VerifyPackageIntegrity recomputes the package digest and compares it with
// the expected checksum. A match refreshes checksum_verified_at; a mismatch
// is a tamper signal the caller must not ignore.
func (s *ExportService) VerifyPackageIntegrity(ctx context.Context, jobID, relPath, expectedChecksum string) (bool, error) {
	actual, _, err := ChecksumFile(s.store.Abs(relPath))
	if err != nil {
		return false, common.Errorf("failed to checksum package for job %s: %w", jobID, err)
	}
	if !strings.EqualFold(actual, expectedChecksum) {
		return false, nil
	}

	now := time.Now()
	if _, err := s.jobRepo.UpdateJob(ctx, jobID, repository.ExportJobUpdate{ChecksumVerified: &now}); err != nil {
		log.Printf("WARN: Package for job %s verified but timestamp update failed: %v", jobID, err)
	}
	return true, nil
}

// UpdateDownloadTracking bumps the download counter using the count the
// caller read before streaming. Concurrent downloads may under-count; the
// counter never decrements.
func (s *ExportService) UpdateDownloadTracking(ctx context.Context, jobID string, previousCount int) error {
	return s.jobRepo.IncrementDownloadCount(ctx, jobID, previousCount)
}

func (s *ExportService) ListExportJobs(ctx context.Context, callerID, callerRole string, filter repository.ExportJobListFilter) ([]model.ExportJob, int, error) {
	if callerRole != model.RoleAdmin {
		// Non-admin callers only ever see their own jobs.
		filter.UserID = &callerID
	}
	return s.jobRepo.ListJobs(ctx, filter)
}

type ChecksumInfo struct {
	JobID            string     `json:"job_id"`
	PackageChecksum  string     `json:"package_checksum"`
	Algorithm        string     `json:"algorithm"`
	PackageSizeBytes int64      `json:"package_size_bytes"`
	PackageSizeMB    float64    `json:"package_size_mb"`
	CreatedAt        time.Time  `json:"created_at"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
}

func (s *ExportService) GetChecksumInfo(ctx context.Context, jobID string) (*ChecksumInfo, error) {
	job, err := s.jobRepo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.ExportStatusCompleted || job.PackageChecksum == nil {
		return nil, common.Errorf("job %s has no package checksum: %w", jobID, common.ErrBadRequest)
	}

	var size int64
	if job.PackageSizeBytes != nil {
		size = *job.PackageSizeBytes
	}
	algorithm := PackageChecksumAlgorithm
	if job.PackageAlgorithm != nil {
		algorithm = *job.PackageAlgorithm
	}
	return &ChecksumInfo{
		JobID:            job.ID,
		PackageChecksum:  *job.PackageChecksum,
		Algorithm:        algorithm,
		PackageSizeBytes: size,
		PackageSizeMB:    float64(size) / (1024 * 1024),
		CreatedAt:        job.CreatedAt,
		VerifiedAt:       job.ChecksumVerifiedAt,
	}, nil
}

func authorizeJobAccess(job *model.ExportJob, callerID, callerRole string) error {
	if callerRole == model.RoleAdmin {
		return nil
	}
	if job.UserID != nil && *job.UserID == callerID {
		return nil
	}
	return common.Errorf("caller does not own export job %s: %w", job.ID, common.ErrForbidden)
}

// ChecksumFile streams the file through sha256 and returns the lowercase hex
// digest and byte count.
func ChecksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("checksum read: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
