package worker

import (
	"archive/zip"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
	"toolhub_api/internal/app/service"
	"toolhub_api/internal/domain/model"
	"toolhub_api/internal/domain/repository"
	"toolhub_api/internal/platform/storage"

	"github.com/google/uuid"
)

type workerFixture struct {
	jobRepo  *repository.MemExportJobRepository
	toolRepo *repository.MemToolRepository
	store    *storage.LocalFS
	worker   *ExportWorker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	store, err := storage.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	jobRepo := repository.NewMemExportJobRepository()
	toolRepo := repository.NewMemToolRepository()
	w := NewExportWorker(nil, jobRepo, toolRepo, store, 168*time.Hour)
	return &workerFixture{jobRepo: jobRepo, toolRepo: toolRepo, store: store, worker: w}
}

func (f *workerFixture) seedTool(t *testing.T) *model.Tool {
	t.Helper()
	tool := &model.Tool{
		ID:         uuid.NewString(),
		OwnerID:    "user-1",
		Name:       "Checkout Form",
		Slug:       "checkout-form",
		Type:       model.ToolTypeForm,
		Definition: json.RawMessage(`{"fields":[{"name":"email","type":"email"}]}`),
	}
	if err := f.toolRepo.CreateTool(context.Background(), tool); err != nil {
		t.Fatal(err)
	}
	return tool
}

func (f *workerFixture) seedJob(t *testing.T, toolID string) *model.ExportJob {
	t.Helper()
	userID := "user-1"
	job := &model.ExportJob{
		ID:          uuid.NewString(),
		ToolID:      toolID,
		UserID:      &userID,
		Status:      model.ExportStatusPending,
		CurrentStep: "queued",
	}
	if err := f.jobRepo.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	return job
}

func TestProcessJobCompletesPackage(t *testing.T) {
	f := newWorkerFixture(t)
	tool := f.seedTool(t)
	job := f.seedJob(t, tool.ID)

	var mu sync.Mutex
	var statuses []model.ExportJobStatus
	f.worker.SetNotifier(func(j *model.ExportJob) {
		mu.Lock()
		statuses = append(statuses, j.Status)
		mu.Unlock()
	})

	f.worker.ProcessJob(context.Background(), job.ID)

	done, err := f.jobRepo.GetJobByID(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != model.ExportStatusCompleted {
		t.Fatalf("status = %s (%v), want completed", done.Status, done.ErrorMessage)
	}
	if done.StepsCompleted != done.StepsTotal || done.ProgressPercentage != 100 {
		t.Errorf("progress = %d/%d (%d%%), want full", done.StepsCompleted, done.StepsTotal, done.ProgressPercentage)
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Error("completed job must carry started_at and completed_at")
	}
	if done.PackagePath == nil || done.PackageChecksum == nil || done.PackageSizeBytes == nil {
		t.Fatal("completed job must carry package path, checksum and size")
	}
	if done.PackageAlgorithm == nil || *done.PackageAlgorithm != service.PackageChecksumAlgorithm {
		t.Errorf("algorithm = %v, want sha256", done.PackageAlgorithm)
	}
	if done.PackageExpiresAt == nil || !done.PackageExpiresAt.After(*done.CompletedAt) {
		t.Error("package expiry must be set after completion time")
	}
	if len(*done.PackageChecksum) != 64 || strings.ToLower(*done.PackageChecksum) != *done.PackageChecksum {
		t.Errorf("checksum %q is not lowercase sha256 hex", *done.PackageChecksum)
	}

	// The stored checksum matches the on-disk bytes exactly.
	digest, size, err := service.ChecksumFile(f.store.Abs(*done.PackagePath))
	if err != nil {
		t.Fatal(err)
	}
	if digest != *done.PackageChecksum || size != *done.PackageSizeBytes {
		t.Error("stored checksum or size disagrees with the file on disk")
	}

	// The archive contains the manifest and the raw definition.
	zr, err := zip.OpenReader(f.store.Abs(*done.PackagePath))
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	names := map[string]bool{}
	for _, entry := range zr.File {
		names[entry.Name] = true
	}
	if !names["manifest.json"] || !names["definition.json"] {
		t.Errorf("archive entries = %v, want manifest.json and definition.json", names)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) == 0 || statuses[len(statuses)-1] != model.ExportStatusCompleted {
		t.Errorf("notifier statuses = %v, want trailing completed", statuses)
	}
}

func TestProcessJobMissingToolFails(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedJob(t, uuid.NewString())

	f.worker.ProcessJob(context.Background(), job.ID)

	done, _ := f.jobRepo.GetJobByID(context.Background(), job.ID)
	if done.Status != model.ExportStatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if done.ErrorMessage == nil || !strings.Contains(*done.ErrorMessage, "failed to load tool") {
		t.Errorf("error message = %v", done.ErrorMessage)
	}
	if done.CompletedAt == nil {
		t.Error("failed job must carry completed_at")
	}
}

func TestProcessJobHonorsCancellingBeforePickup(t *testing.T) {
	f := newWorkerFixture(t)
	tool := f.seedTool(t)
	job := f.seedJob(t, tool.ID)

	st := model.ExportStatusCancelling
	if _, err := f.jobRepo.UpdateJob(context.Background(), job.ID, repository.ExportJobUpdate{Status: &st}); err != nil {
		t.Fatal(err)
	}

	f.worker.ProcessJob(context.Background(), job.ID)

	done, _ := f.jobRepo.GetJobByID(context.Background(), job.ID)
	if done.Status != model.ExportStatusCancelled {
		t.Fatalf("status = %s, want cancelled", done.Status)
	}
	if done.PackagePath != nil {
		t.Error("cancelled job must not carry a package")
	}
}

func TestProcessJobCancelledMidRunLeavesNoArtifact(t *testing.T) {
	f := newWorkerFixture(t)
	tool := f.seedTool(t)
	job := f.seedJob(t, tool.ID)

	// Flip the persisted status to cancelling as soon as the first progress
	// write lands; the next step boundary must observe it.
	flipped := false
	f.worker.SetNotifier(func(j *model.ExportJob) {
		if !flipped && j.Status == model.ExportStatusInProgress {
			flipped = true
			st := model.ExportStatusCancelling
			if _, err := f.jobRepo.UpdateJob(context.Background(), job.ID, repository.ExportJobUpdate{Status: &st}); err != nil {
				t.Errorf("flip to cancelling: %v", err)
			}
		}
	})

	f.worker.ProcessJob(context.Background(), job.ID)

	done, _ := f.jobRepo.GetJobByID(context.Background(), job.ID)
	if done.Status != model.ExportStatusCancelled {
		t.Fatalf("status = %s, want cancelled", done.Status)
	}
	if _, err := f.store.Stat(job.ID + ".zip"); err == nil {
		t.Error("partial package left on disk after cancellation")
	}
}

func TestAdvanceRefusesSettledJob(t *testing.T) {
	f := newWorkerFixture(t)
	tool := f.seedTool(t)
	job := f.seedJob(t, tool.ID)

	// Settle the job out from under the pipeline.
	settled := model.ExportStatusCancelled
	doneStep := "cancelled"
	completedAt := time.Now()
	if _, err := f.jobRepo.UpdateJob(context.Background(), job.ID, repository.ExportJobUpdate{
		Status:      &settled,
		CurrentStep: &doneStep,
		CompletedAt: &completedAt,
	}); err != nil {
		t.Fatal(err)
	}

	if f.worker.advance(context.Background(), job.ID, 2, "writing archive", "") {
		t.Fatal("advance on a settled job must report stop")
	}

	done, _ := f.jobRepo.GetJobByID(context.Background(), job.ID)
	if done.Status != model.ExportStatusCancelled || done.CurrentStep != "cancelled" {
		t.Errorf("settled row mutated to %s/%q", done.Status, done.CurrentStep)
	}
	if done.StepsCompleted != 0 {
		t.Errorf("steps_completed = %d, progress must not land on a settled row", done.StepsCompleted)
	}
}

func TestProcessJobSkipsNonPending(t *testing.T) {
	f := newWorkerFixture(t)
	tool := f.seedTool(t)
	job := f.seedJob(t, tool.ID)

	st := model.ExportStatusCompleted
	if _, err := f.jobRepo.UpdateJob(context.Background(), job.ID, repository.ExportJobUpdate{Status: &st}); err != nil {
		t.Fatal(err)
	}

	// A duplicate delivery of a settled job must not restart generation.
	f.worker.ProcessJob(context.Background(), job.ID)

	done, _ := f.jobRepo.GetJobByID(context.Background(), job.ID)
	if done.Status != model.ExportStatusCompleted {
		t.Fatalf("status = %s, want completed untouched", done.Status)
	}
}
