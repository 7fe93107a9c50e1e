package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"toolhub_api/internal/common"
	"toolhub_api/internal/domain/model"
	"toolhub_api/internal/domain/repository"
	"toolhub_api/internal/platform/storage"

	"github.com/google/uuid"
)

type recordingEnqueuer struct {
	mu     sync.Mutex
	jobIDs []string
	fail   bool
}

func (e *recordingEnqueuer) Enqueue(ctx context.Context, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return errors.New("queue unavailable")
	}
	e.jobIDs = append(e.jobIDs, jobID)
	return nil
}

type exportFixture struct {
	jobRepo  *repository.MemExportJobRepository
	toolRepo *repository.MemToolRepository
	enqueuer *recordingEnqueuer
	store    *storage.LocalFS
	svc      *ExportService
}

func newExportFixture(t *testing.T) *exportFixture {
	t.Helper()
	store, err := storage.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	jobRepo := repository.NewMemExportJobRepository()
	toolRepo := repository.NewMemToolRepository()
	enqueuer := &recordingEnqueuer{}
	svc := NewExportService(jobRepo, toolRepo, NewPreflightService(toolRepo), enqueuer, store)
	return &exportFixture{jobRepo: jobRepo, toolRepo: toolRepo, enqueuer: enqueuer, store: store, svc: svc}
}

func (f *exportFixture) seedTool(t *testing.T, ownerID string) *model.Tool {
	t.Helper()
	tool := &model.Tool{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Name:       "Feedback Form",
		Slug:       "feedback-form-" + uuid.NewString()[:8],
		Type:       model.ToolTypeForm,
		Definition: json.RawMessage(`{"fields":[{"name":"rating","type":"number"}]}`),
	}
	if err := f.toolRepo.CreateTool(context.Background(), tool); err != nil {
		t.Fatal(err)
	}
	return tool
}

func TestStartExportCreatesPendingAndEnqueues(t *testing.T) {
	f := newExportFixture(t)
	tool := f.seedTool(t, "user-1")

	job, err := f.svc.StartExport(context.Background(), tool.ID, "user-1", model.RoleUser)
	if err != nil {
		t.Fatalf("StartExport: %v", err)
	}
	if job.Status != model.ExportStatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if job.UserID == nil || *job.UserID != "user-1" {
		t.Error("job not attributed to requesting user")
	}
	if len(f.enqueuer.jobIDs) != 1 || f.enqueuer.jobIDs[0] != job.ID {
		t.Errorf("enqueued IDs = %v, want [%s]", f.enqueuer.jobIDs, job.ID)
	}

	stored, err := f.svc.GetExportStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != model.ExportStatusPending || stored.CurrentStep != "queued" {
		t.Errorf("stored job = %s/%q, want pending/queued", stored.Status, stored.CurrentStep)
	}
}

func TestStartExportAuthorization(t *testing.T) {
	f := newExportFixture(t)
	tool := f.seedTool(t, "user-1")

	_, err := f.svc.StartExport(context.Background(), tool.ID, "intruder", model.RoleUser)
	if !errors.Is(err, common.ErrForbidden) {
		t.Fatalf("foreign user start: got %v, want ErrForbidden", err)
	}
	if len(f.enqueuer.jobIDs) != 0 {
		t.Error("nothing should be enqueued for a forbidden start")
	}

	// Admins can export anyone's tool.
	job, err := f.svc.StartExport(context.Background(), tool.ID, "admin-1", model.RoleAdmin)
	if err != nil {
		t.Fatalf("admin start: %v", err)
	}
	if job.UserID == nil || *job.UserID != "admin-1" {
		t.Error("job not attributed to the admin who requested it")
	}
}

func TestStartExportRejectsConcurrentForSameTool(t *testing.T) {
	f := newExportFixture(t)
	tool := f.seedTool(t, "user-1")

	if _, err := f.svc.StartExport(context.Background(), tool.ID, "user-1", model.RoleUser); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.StartExport(context.Background(), tool.ID, "user-1", model.RoleUser)
	if !errors.Is(err, common.ErrConflict) {
		t.Fatalf("second start: got %v, want ErrConflict", err)
	}
}

func TestStartExportConcurrentRequestsSingleWinner(t *testing.T) {
	f := newExportFixture(t)
	tool := f.seedTool(t, "user-1")

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.StartExport(context.Background(), tool.ID, "user-1", model.RoleUser)
		}(i)
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		if err == nil {
			started++
		} else if !errors.Is(err, common.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if started != 1 {
		t.Fatalf("%d exports started for one tool, want exactly 1", started)
	}
	if len(f.enqueuer.jobIDs) != 1 {
		t.Fatalf("%d jobs enqueued, want exactly 1", len(f.enqueuer.jobIDs))
	}
}

func TestStartExportRejectsUnexportableTool(t *testing.T) {
	f := newExportFixture(t)
	tool := f.seedTool(t, "user-1")
	if err := f.toolRepo.ArchiveTool(context.Background(), tool.ID); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.StartExport(context.Background(), tool.ID, "user-1", model.RoleUser)
	if !errors.Is(err, common.ErrValidation) {
		t.Fatalf("archived tool: got %v, want ErrValidation", err)
	}
	if len(f.enqueuer.jobIDs) != 0 {
		t.Error("nothing should be enqueued when pre-flight fails")
	}
}

func TestStartExportEnqueueFailureFailsJob(t *testing.T) {
	f := newExportFixture(t)
	tool := f.seedTool(t, "user-1")
	f.enqueuer.fail = true

	_, err := f.svc.StartExport(context.Background(), tool.ID, "user-1", model.RoleUser)
	if err == nil {
		t.Fatal("expected error when enqueue fails")
	}

	// The failed row must not hold the tool's export slot.
	f.enqueuer.fail = false
	if _, err := f.svc.StartExport(context.Background(), tool.ID, "user-1", model.RoleUser); err != nil {
		t.Fatalf("start after enqueue failure: %v", err)
	}
}

func TestCancelExportPendingSettlesImmediately(t *testing.T) {
	f := newExportFixture(t)
	tool := f.seedTool(t, "user-1")
	job, err := f.svc.StartExport(context.Background(), tool.ID, "user-1", model.RoleUser)
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := f.svc.CancelExport(context.Background(), job.ID, "user-1", model.RoleUser)
	if err != nil {
		t.Fatalf("CancelExport: %v", err)
	}
	if cancelled.Status != model.ExportStatusCancelled {
		t.Errorf("status = %s, want cancelled (pending jobs settle without worker help)", cancelled.Status)
	}
	if cancelled.CompletedAt == nil {
		t.Error("cancelled job must carry completed_at")
	}
}

func TestCancelExportInProgressFlagsCancelling(t *testing.T) {
	f := newExportFixture(t)
	tool := f.seedTool(t, "user-1")
	job, err := f.svc.StartExport(context.Background(), tool.ID, "user-1", model.RoleUser)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if _, err := f.jobRepo.CompareAndSetStatus(context.Background(), job.ID,
		[]model.ExportJobStatus{model.ExportStatusPending}, model.ExportStatusInProgress,
		repository.ExportJobUpdate{StartedAt: &now}); err != nil {
		t.Fatal(err)
	}

	flagged, err := f.svc.CancelExport(context.Background(), job.ID, "user-1", model.RoleUser)
	if err != nil {
		t.Fatalf("CancelExport: %v", err)
	}
	if flagged.Status != model.ExportStatusCancelling {
		t.Errorf("status = %s, want cancelling (worker settles at next checkpoint)", flagged.Status)
	}
}

// pickupRacingJobRepo simulates a worker grabbing the job between the
// canceller's read and its cancelling write: the first cancelling transition
// is preceded by a pending -> in_progress pickup that stamps started_at.
type pickupRacingJobRepo struct {
	*repository.MemExportJobRepository
	raced bool
}

func (r *pickupRacingJobRepo) CompareAndSetStatus(ctx context.Context, id string, fromAny []model.ExportJobStatus, to model.ExportJobStatus, upd repository.ExportJobUpdate) (*model.ExportJob, error) {
	if to == model.ExportStatusCancelling && !r.raced {
		r.raced = true
		now := time.Now()
		if _, err := r.MemExportJobRepository.CompareAndSetStatus(ctx, id,
			[]model.ExportJobStatus{model.ExportStatusPending}, model.ExportStatusInProgress,
			repository.ExportJobUpdate{StartedAt: &now}); err != nil {
			return nil, err
		}
	}
	return r.MemExportJobRepository.CompareAndSetStatus(ctx, id, fromAny, to, upd)
}

func TestCancelExportPickedUpDuringCancelStaysCancelling(t *testing.T) {
	f := newExportFixture(t)
	racing := &pickupRacingJobRepo{MemExportJobRepository: f.jobRepo}
	svc := NewExportService(racing, f.toolRepo, NewPreflightService(f.toolRepo), f.enqueuer, f.store)

	tool := f.seedTool(t, "user-1")
	job, err := svc.StartExport(context.Background(), tool.ID, "user-1", model.RoleUser)
	if err != nil {
		t.Fatal(err)
	}

	// The job reads as pending, but a worker claims it mid-cancel. The cancel
	// must leave it cancelling for the worker's checkpoint, not force it
	// terminal underneath a running pipeline.
	flagged, err := svc.CancelExport(context.Background(), job.ID, "user-1", model.RoleUser)
	if err != nil {
		t.Fatalf("CancelExport: %v", err)
	}
	if flagged.Status != model.ExportStatusCancelling {
		t.Fatalf("status = %s, want cancelling", flagged.Status)
	}
	stored, _ := f.jobRepo.GetJobByID(context.Background(), job.ID)
	if stored.Status != model.ExportStatusCancelling {
		t.Errorf("stored status = %s, want cancelling", stored.Status)
	}
}

func TestCancelExportTerminalConflicts(t *testing.T) {
	f := newExportFixture(t)
	tool := f.seedTool(t, "user-1")
	job, err := f.svc.StartExport(context.Background(), tool.ID, "user-1", model.RoleUser)
	if err != nil {
		t.Fatal(err)
	}
	failMsg := "boom"
	if _, err := f.jobRepo.UpdateJob(context.Background(), job.ID, repository.ExportJobUpdate{
		Status:       statusPtr(model.ExportStatusFailed),
		ErrorMessage: &failMsg,
	}); err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.CancelExport(context.Background(), job.ID, "user-1", model.RoleUser)
	if !errors.Is(err, common.ErrConflict) {
		t.Fatalf("cancel of failed job: got %v, want ErrConflict", err)
	}

	after, _ := f.jobRepo.GetJobByID(context.Background(), job.ID)
	if after.Status != model.ExportStatusFailed {
		t.Errorf("status mutated to %s by rejected cancel", after.Status)
	}
}

func TestCancelExportAuthorization(t *testing.T) {
	f := newExportFixture(t)
	tool := f.seedTool(t, "user-1")
	job, err := f.svc.StartExport(context.Background(), tool.ID, "user-1", model.RoleUser)
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.CancelExport(context.Background(), job.ID, "intruder", model.RoleUser)
	if !errors.Is(err, common.ErrForbidden) {
		t.Fatalf("foreign user cancel: got %v, want ErrForbidden", err)
	}

	// Admins can cancel anyone's job.
	if _, err := f.svc.CancelExport(context.Background(), job.ID, "admin-1", model.RoleAdmin); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
}

func TestVerifyPackageIntegrity(t *testing.T) {
	f := newExportFixture(t)
	tool := f.seedTool(t, "user-1")
	job, err := f.svc.StartExport(context.Background(), tool.ID, "user-1", model.RoleUser)
	if err != nil {
		t.Fatal(err)
	}

	relPath := job.ID + ".zip"
	if _, err := f.store.Put(relPath, strings.NewReader("package payload")); err != nil {
		t.Fatal(err)
	}
	digest, _, err := ChecksumFile(f.store.Abs(relPath))
	if err != nil {
		t.Fatal(err)
	}

	ok, err := f.svc.VerifyPackageIntegrity(context.Background(), job.ID, relPath, digest)
	if err != nil || !ok {
		t.Fatalf("VerifyPackageIntegrity = %v, %v; want true, nil", ok, err)
	}
	stored, _ := f.jobRepo.GetJobByID(context.Background(), job.ID)
	if stored.ChecksumVerifiedAt == nil {
		t.Error("successful verification must stamp checksum_verified_at")
	}

	// Case-insensitive hex comparison.
	ok, err = f.svc.VerifyPackageIntegrity(context.Background(), job.ID, relPath, strings.ToUpper(digest))
	if err != nil || !ok {
		t.Fatalf("uppercase digest: got %v, %v; want true, nil", ok, err)
	}

	// Tamper with the file; the stored digest no longer matches.
	if _, err := f.store.Put(relPath, strings.NewReader("tampered payload")); err != nil {
		t.Fatal(err)
	}
	ok, err = f.svc.VerifyPackageIntegrity(context.Background(), job.ID, relPath, digest)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("tampered package must fail verification")
	}
}

func TestGetChecksumInfo(t *testing.T) {
	f := newExportFixture(t)
	tool := f.seedTool(t, "user-1")
	job, err := f.svc.StartExport(context.Background(), tool.ID, "user-1", model.RoleUser)
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.GetChecksumInfo(context.Background(), job.ID)
	if !errors.Is(err, common.ErrBadRequest) {
		t.Fatalf("checksum of pending job: got %v, want ErrBadRequest", err)
	}

	digest := strings.Repeat("ab", 32)
	size := int64(2 * 1024 * 1024)
	algo := PackageChecksumAlgorithm
	if _, err := f.jobRepo.UpdateJob(context.Background(), job.ID, repository.ExportJobUpdate{
		Status:           statusPtr(model.ExportStatusCompleted),
		PackageChecksum:  &digest,
		PackageSizeBytes: &size,
		PackageAlgorithm: &algo,
	}); err != nil {
		t.Fatal(err)
	}

	info, err := f.svc.GetChecksumInfo(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.PackageChecksum != digest || info.Algorithm != "sha256" {
		t.Errorf("info = %+v", info)
	}
	if info.PackageSizeMB != 2.0 {
		t.Errorf("size MB = %v, want 2.0", info.PackageSizeMB)
	}
}

func TestListExportJobsScopesNonAdmins(t *testing.T) {
	f := newExportFixture(t)
	mine := f.seedTool(t, "user-1")
	theirs := f.seedTool(t, "user-2")

	if _, err := f.svc.StartExport(context.Background(), mine.ID, "user-1", model.RoleUser); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.StartExport(context.Background(), theirs.ID, "user-2", model.RoleUser); err != nil {
		t.Fatal(err)
	}

	filter := repository.ExportJobListFilter{Limit: 20}
	jobs, total, err := f.svc.ListExportJobs(context.Background(), "user-1", model.RoleUser, filter)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(jobs) != 1 {
		t.Fatalf("non-admin sees %d jobs, want 1", total)
	}
	if jobs[0].UserID == nil || *jobs[0].UserID != "user-1" {
		t.Error("non-admin listing leaked a foreign job")
	}

	_, total, err = f.svc.ListExportJobs(context.Background(), "admin-1", model.RoleAdmin, filter)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Fatalf("admin sees %d jobs, want 2", total)
	}
}

func statusPtr(s model.ExportJobStatus) *model.ExportJobStatus { return &s }

func TestChecksumFile(t *testing.T) {
	f := newExportFixture(t)
	if _, err := f.store.Put("sample.bin", strings.NewReader("hello")); err != nil {
		t.Fatal(err)
	}

	digest, size, err := ChecksumFile(f.store.Abs("sample.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if size != 5 {
		t.Errorf("size = %d, want 5", size)
	}
	// sha256("hello")
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if digest != want {
		t.Errorf("digest = %s, want %s", digest, want)
	}
}
