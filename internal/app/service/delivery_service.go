package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"toolhub_api/internal/common"
	"toolhub_api/internal/domain/model"
	"toolhub_api/internal/domain/repository"
	"toolhub_api/internal/platform/storage"
)

// DeliveryService prepares completed packages for download: authorization,
// on-disk presence, integrity re-verification and the client-facing filename.
// The HTTP layer does the actual byte streaming and reports back on success.
type DeliveryService struct {
	jobRepo       repository.ExportJobRepository
	toolRepo      repository.ToolRepository
	exportService *ExportService
	store         *storage.LocalFS
}

func NewDeliveryService(
	jobRepo repository.ExportJobRepository,
	toolRepo repository.ToolRepository,
	exportService *ExportService,
	store *storage.LocalFS,
) *DeliveryService {
	return &DeliveryService{
		jobRepo:       jobRepo,
		toolRepo:      toolRepo,
		exportService: exportService,
		store:         store,
	}
}

// PackageDownload is a ready-to-stream package. The caller owns File and
// must close it.
type PackageDownload struct {
	Job      *model.ExportJob
	File     *os.File
	Size     int64
	Filename string
}

// OpenPackage runs the full pre-stream gauntlet from the delivery contract.
// No byte may be streamed unless every check passes.
func (s *DeliveryService) OpenPackage(ctx context.Context, jobID, callerID, callerRole string) (*PackageDownload, error) {
	job, err := s.jobRepo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.ExportStatusCompleted {
		return nil, common.Errorf("export job %s is not ready for download (status %q): %w", jobID, job.Status, common.ErrNotFound)
	}
	if job.PackagePath == nil {
		// Expired or cleaned up. Distinct from never-existed.
		return nil, common.Errorf("package for job %s has expired: %w", jobID, common.ErrGone)
	}
	if err := authorizeJobAccess(job, callerID, callerRole); err != nil {
		return nil, err
	}

	info, err := s.store.Stat(*job.PackagePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// DB says completed but the file is missing. Inconsistency worth
			// surfacing in logs, not papering over.
			log.Printf("ERROR: Package file missing for completed job %s (path %s)", job.ID, *job.PackagePath)
			return nil, common.Errorf("package file for job %s not found: %w", jobID, common.ErrNotFound)
		}
		return nil, common.Errorf("failed to stat package for job %s: %w", jobID, err)
	}

	if job.PackageChecksum != nil {
		ok, err := s.exportService.VerifyPackageIntegrity(ctx, job.ID, *job.PackagePath, *job.PackageChecksum)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Printf("ERROR: SECURITY: Package integrity check failed for job %s; refusing delivery", job.ID)
			return nil, common.Errorf("package for job %s failed integrity verification: %w", jobID, common.ErrForbidden)
		}
	} else {
		log.Printf("WARN: Job %s has no stored checksum (legacy package); serving unverified", job.ID)
	}

	f, err := s.store.Open(*job.PackagePath)
	if err != nil {
		return nil, common.Errorf("failed to open package for job %s: %w", jobID, err)
	}

	return &PackageDownload{
		Job:      job,
		File:     f,
		Size:     info.Size(),
		Filename: s.packageFilename(ctx, job),
	}, nil
}

// FinalizeDownload records a completed stream. Only ever called after the
// last byte went out without error; aborted transfers must not count.
func (s *DeliveryService) FinalizeDownload(ctx context.Context, job *model.ExportJob) {
	if err := s.exportService.UpdateDownloadTracking(ctx, job.ID, job.DownloadCount); err != nil {
		log.Printf("WARN: Failed to update download count for job %s: %v", job.ID, err)
	}
}

func (s *DeliveryService) packageFilename(ctx context.Context, job *model.ExportJob) string {
	name := "tool"
	if tool, err := s.toolRepo.FindToolByID(ctx, job.ToolID); err == nil && tool.Slug != "" {
		name = tool.Slug
	}
	date := job.CreatedAt
	if job.CompletedAt != nil {
		date = *job.CompletedAt
	}
	return fmt.Sprintf("%s-export-%s.zip", name, date.Format("2006-01-02"))
}
