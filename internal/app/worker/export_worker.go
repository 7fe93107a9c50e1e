package worker

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"
	"toolhub_api/internal/app/service"
	"toolhub_api/internal/common"
	"toolhub_api/internal/domain/model"
	"toolhub_api/internal/domain/repository"
	"toolhub_api/internal/platform/config"
	"toolhub_api/internal/platform/storage"

	"github.com/redis/go-redis/v9"
)

// Generation steps: load tool, render definition, write archive, checksum.
const exportStepsTotal = 4

// JobNotifier receives the job after each persisted mutation (progress
// websocket feed).
type JobNotifier func(job *model.ExportJob)

// ExportWorker drains the export queue and drives package generation. All
// cross-step coordination goes through the job row: cancellation is observed
// by re-reading the persisted status between steps, never via process memory,
// so a restart mid-job leaves nothing stuck in transit.
type ExportWorker struct {
	rdb        *redis.Client
	jobRepo    repository.ExportJobRepository
	toolRepo   repository.ToolRepository
	store      *storage.LocalFS
	packageTTL time.Duration
	notify     JobNotifier
}

func NewExportWorker(
	rdb *redis.Client,
	jobRepo repository.ExportJobRepository,
	toolRepo repository.ToolRepository,
	store *storage.LocalFS,
	packageTTL time.Duration,
) *ExportWorker {
	return &ExportWorker{
		rdb:        rdb,
		jobRepo:    jobRepo,
		toolRepo:   toolRepo,
		store:      store,
		packageTTL: packageTTL,
	}
}

func (w *ExportWorker) SetNotifier(n JobNotifier) {
	w.notify = n
}

func (w *ExportWorker) Start(ctx context.Context) {
	log.Println("Export worker started, listening to queue:", config.AppConfig.ExportQueueName)
	for {
		select {
		case <-ctx.Done():
			log.Println("Export worker stopping...")
			return
		default:
			// Blocking pop from Redis queue
			popped, err := w.rdb.BRPop(ctx, 0*time.Second, config.AppConfig.ExportQueueName).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					log.Printf("Worker BRPop exiting or timed out: %v", err)
					time.Sleep(1 * time.Second)
					continue
				}
				log.Printf("ERROR: Failed to BRPop from Redis queue '%s': %v", config.AppConfig.ExportQueueName, err)
				time.Sleep(5 * time.Second)
				continue
			}

			// popped is an array: [queueName, value]
			if len(popped) < 2 || popped[1] == "" {
				log.Println("WARN: BRPop returned empty job ID.")
				continue
			}
			jobID := popped[1]
			log.Printf("Worker picked up export job ID: %s", jobID)
			w.ProcessJob(ctx, jobID)
		}
	}
}

// ProcessJob runs the generation pipeline for one job. Exported so a manual
// requeue or a test can drive a job without the Redis loop.
func (w *ExportWorker) ProcessJob(ctx context.Context, jobID string) {
	job, err := w.jobRepo.GetJobByID(ctx, jobID)
	if err != nil {
		log.Printf("ERROR: Failed to fetch export job %s: %v", jobID, err)
		return
	}

	switch job.Status {
	case model.ExportStatusPending:
		// proceed
	case model.ExportStatusCancelling:
		w.settleCancelled(ctx, jobID, "")
		return
	default:
		log.Printf("WARN: Export job %s is %q, not pending; skipping.", jobID, job.Status)
		return
	}

	now := time.Now()
	total := exportStepsTotal
	step := "loading tool"
	job, err = w.jobRepo.CompareAndSetStatus(ctx, jobID,
		[]model.ExportJobStatus{model.ExportStatusPending}, model.ExportStatusInProgress,
		repository.ExportJobUpdate{StartedAt: &now, StepsTotal: &total, CurrentStep: &step})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		// Lost the pending slot: most likely cancelled between pop and here.
		if current, getErr := w.jobRepo.GetJobByID(ctx, jobID); getErr == nil && current.Status == model.ExportStatusCancelling {
			w.settleCancelled(ctx, jobID, "")
			return
		}
		log.Printf("ERROR: Could not move export job %s to in_progress: %v", jobID, err)
		return
	}
	w.notifyUpdate(job)

	// Step 1: load the tool being exported.
	tool, err := w.toolRepo.FindToolByID(ctx, job.ToolID)
	if err != nil {
		w.failJob(ctx, jobID, fmt.Sprintf("failed to load tool %s: %v", job.ToolID, err), "")
		return
	}
	if !w.advance(ctx, jobID, 1, "rendering definition", "") {
		return
	}

	// Step 2: render the export manifest alongside the raw definition.
	manifest, err := json.MarshalIndent(map[string]interface{}{
		"job_id":      job.ID,
		"tool_id":     tool.ID,
		"name":        tool.Name,
		"slug":        tool.Slug,
		"type":        tool.Type,
		"exported_at": time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		w.failJob(ctx, jobID, fmt.Sprintf("failed to render export manifest: %v", err), "")
		return
	}
	if !w.advance(ctx, jobID, 2, "writing archive", "") {
		return
	}

	// Step 3: write the zip package.
	relPath := job.ID + ".zip"
	if err := w.writeArchive(relPath, manifest, tool.Definition); err != nil {
		w.failJob(ctx, jobID, fmt.Sprintf("failed to write package archive: %v", err), relPath)
		return
	}
	if !w.advance(ctx, jobID, 3, "computing checksum", relPath) {
		return
	}

	// Step 4: digest the final on-disk bytes.
	digest, size, err := service.ChecksumFile(w.store.Abs(relPath))
	if err != nil {
		w.failJob(ctx, jobID, fmt.Sprintf("failed to checksum package: %v", err), relPath)
		return
	}

	completedAt := time.Now()
	expiresAt := completedAt.Add(w.packageTTL)
	algorithm := service.PackageChecksumAlgorithm
	doneStep := "completed"
	completed := exportStepsTotal
	job, err = w.jobRepo.CompareAndSetStatus(ctx, jobID,
		[]model.ExportJobStatus{model.ExportStatusInProgress}, model.ExportStatusCompleted,
		repository.ExportJobUpdate{
			StepsCompleted:   &completed,
			CurrentStep:      &doneStep,
			PackagePath:      &relPath,
			PackageSizeBytes: &size,
			PackageChecksum:  &digest,
			PackageAlgorithm: &algorithm,
			PackageExpiresAt: &expiresAt,
			CompletedAt:      &completedAt,
		})
	if err != nil {
		// Cancelled during the final step; honor it and drop the artifact.
		if errors.Is(err, context.Canceled) {
			return
		}
		if current, getErr := w.jobRepo.GetJobByID(ctx, jobID); getErr == nil && current.Status == model.ExportStatusCancelling {
			w.settleCancelled(ctx, jobID, relPath)
			return
		}
		log.Printf("ERROR: Failed to complete export job %s: %v", jobID, err)
		return
	}
	w.notifyUpdate(job)
	log.Printf("INFO: Export job %s completed: package %s (%d bytes, %s %s)", jobID, relPath, size, algorithm, digest)
}

// advance is the cooperative cancellation checkpoint between generation
// steps. It re-reads the persisted status; a cancelling flag wins over
// progress. Returns false when the pipeline must stop.
func (w *ExportWorker) advance(ctx context.Context, jobID string, completed int, nextStep, relPath string) bool {
	current, err := w.jobRepo.GetJobByID(ctx, jobID)
	if err != nil {
		log.Printf("ERROR: Failed to re-read export job %s at step boundary: %v", jobID, err)
		return false
	}
	if current.Status == model.ExportStatusCancelling {
		w.settleCancelled(ctx, jobID, relPath)
		return false
	}

	// Conditional on in_progress so progress can never land on a row that was
	// settled between the read above and this write.
	job, err := w.jobRepo.CompareAndSetStatus(ctx, jobID,
		[]model.ExportJobStatus{model.ExportStatusInProgress}, model.ExportStatusInProgress,
		repository.ExportJobUpdate{
			StepsCompleted: &completed,
			CurrentStep:    &nextStep,
		})
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			if latest, getErr := w.jobRepo.GetJobByID(ctx, jobID); getErr == nil && latest.Status == model.ExportStatusCancelling {
				w.settleCancelled(ctx, jobID, relPath)
				return false
			}
		}
		log.Printf("ERROR: Failed to record progress for export job %s: %v", jobID, err)
		return false
	}
	w.notifyUpdate(job)
	return true
}

func (w *ExportWorker) failJob(ctx context.Context, jobID, errMsg, relPath string) {
	log.Printf("ERROR: Export job %s failed: %s", jobID, errMsg)
	w.removePartial(relPath)

	now := time.Now()
	job, err := w.jobRepo.CompareAndSetStatus(ctx, jobID,
		[]model.ExportJobStatus{model.ExportStatusInProgress, model.ExportStatusPending}, model.ExportStatusFailed,
		repository.ExportJobUpdate{ErrorMessage: &errMsg, CompletedAt: &now})
	if err != nil {
		// A concurrent cancel takes precedence over the failure record.
		if current, getErr := w.jobRepo.GetJobByID(ctx, jobID); getErr == nil && current.Status == model.ExportStatusCancelling {
			w.settleCancelled(ctx, jobID, "")
			return
		}
		log.Printf("ERROR: Failed to mark export job %s as failed: %v", jobID, err)
		return
	}
	w.notifyUpdate(job)
}

func (w *ExportWorker) settleCancelled(ctx context.Context, jobID, relPath string) {
	w.removePartial(relPath)

	now := time.Now()
	step := "cancelled"
	job, err := w.jobRepo.CompareAndSetStatus(ctx, jobID,
		[]model.ExportJobStatus{model.ExportStatusCancelling}, model.ExportStatusCancelled,
		repository.ExportJobUpdate{CurrentStep: &step, CompletedAt: &now})
	if err != nil {
		// Both the canceller and the worker may try to settle; losing the race
		// to an already-cancelled row is fine.
		if errors.Is(err, common.ErrConflict) {
			if latest, getErr := w.jobRepo.GetJobByID(ctx, jobID); getErr == nil && latest.Status == model.ExportStatusCancelled {
				return
			}
		}
		log.Printf("ERROR: Failed to settle cancelled export job %s: %v", jobID, err)
		return
	}
	w.notifyUpdate(job)
	log.Printf("INFO: Export job %s cancelled at step boundary.", jobID)
}

func (w *ExportWorker) removePartial(relPath string) {
	if relPath == "" {
		return
	}
	if err := w.store.Remove(relPath); err != nil {
		log.Printf("WARN: Failed to remove partial package %s: %v", relPath, err)
	}
}

func (w *ExportWorker) writeArchive(relPath string, manifest, definition []byte) error {
	f, err := w.store.Create(relPath)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	entries := []struct {
		name string
		data []byte
	}{
		{"manifest.json", manifest},
		{"definition.json", definition},
	}
	for _, entry := range entries {
		ew, err := zw.Create(entry.name)
		if err != nil {
			return fmt.Errorf("archive entry %s: %w", entry.name, err)
		}
		if _, err := ew.Write(entry.data); err != nil {
			return fmt.Errorf("archive entry %s: %w", entry.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return f.Sync()
}

func (w *ExportWorker) notifyUpdate(job *model.ExportJob) {
	if w.notify != nil && job != nil {
		w.notify(job)
	}
}
