package worker

import (
	"context"
	"errors"
	"log"
	"os"
	"sync/atomic"
	"time"
	"toolhub_api/internal/domain/repository"
	"toolhub_api/internal/platform/storage"
)

type CleanupResult struct {
	DeletedCount    int   `json:"deleted_count"`
	FreedSpaceBytes int64 `json:"freed_space_bytes"`
}

// CleanupWorker reclaims expired packages from disk and purges terminal job
// rows past retention. Active rows are never touched.
type CleanupWorker struct {
	jobRepo       repository.ExportJobRepository
	store         *storage.LocalFS
	retentionDays int
	running       atomic.Bool
}

func NewCleanupWorker(jobRepo repository.ExportJobRepository, store *storage.LocalFS, retentionDays int) *CleanupWorker {
	return &CleanupWorker{
		jobRepo:       jobRepo,
		store:         store,
		retentionDays: retentionDays,
	}
}

// Run performs one cleanup sweep. A call while another run is in flight is a
// no-op returning a zero result; two sweeps must never race file deletion.
func (w *CleanupWorker) Run(ctx context.Context) (CleanupResult, error) {
	if !w.running.CompareAndSwap(false, true) {
		log.Println("INFO: Cleanup run already in progress; skipping.")
		return CleanupResult{}, nil
	}
	defer w.running.Store(false)

	var result CleanupResult

	expired, err := w.jobRepo.ListExpiredPackages(ctx, time.Now())
	if err != nil {
		return result, err
	}

	for i := range expired {
		job := &expired[i]
		if job.PackagePath == nil {
			continue
		}
		relPath := *job.PackagePath

		var size int64
		if info, err := w.store.Stat(relPath); err == nil {
			size = info.Size()
		}
		if err := w.store.Remove(relPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("ERROR: Failed to delete expired package %s (job %s): %v", relPath, job.ID, err)
			continue
		}

		// Path cleared, checksum retained for audit; later downloads get Gone.
		if _, err := w.jobRepo.UpdateJob(ctx, job.ID, repository.ExportJobUpdate{ClearPackagePath: true}); err != nil {
			log.Printf("ERROR: Failed to clear package path for job %s: %v", job.ID, err)
			continue
		}

		result.DeletedCount++
		result.FreedSpaceBytes += size
		log.Printf("INFO: Reclaimed expired package %s (job %s, %d bytes)", relPath, job.ID, size)
	}

	purged, err := w.jobRepo.DeleteOlderThan(ctx, w.retentionDays)
	if err != nil {
		return result, err
	}
	if purged > 0 {
		log.Printf("INFO: Purged %d export job rows past %d-day retention.", purged, w.retentionDays)
	}

	return result, nil
}

// StartTimer runs one sweep immediately, then once per interval until the
// context is cancelled.
func (w *CleanupWorker) StartTimer(ctx context.Context, interval time.Duration) {
	if _, err := w.Run(ctx); err != nil {
		log.Printf("ERROR: Cleanup run failed: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("Cleanup worker stopping...")
			return
		case <-ticker.C:
			if _, err := w.Run(ctx); err != nil {
				log.Printf("ERROR: Cleanup run failed: %v", err)
			}
		}
	}
}
