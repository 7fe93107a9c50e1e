package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"toolhub_api/internal/common"
	"toolhub_api/internal/domain/model"

	"github.com/jackc/pgx/v5/pgconn"
)

// ExportJobUpdate is a typed partial update. Only non-nil fields are written;
// updated_at is bumped server-side on every call. ClearPackagePath nulls the
// path column (expiry) while leaving the checksum in place for audit.
type ExportJobUpdate struct {
	Status           *model.ExportJobStatus
	StepsCompleted   *int
	StepsTotal       *int
	CurrentStep      *string
	PackagePath      *string
	PackageSizeBytes *int64
	PackageChecksum  *string
	PackageAlgorithm *string
	PackageExpiresAt *time.Time
	ChecksumVerified *time.Time
	ErrorMessage     *string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ClearPackagePath bool
}

type ExportJobListFilter struct {
	UserID    *string // nil: no owner scoping (admin)
	Status    model.ExportJobStatus
	ToolType  model.ToolType
	StartDate *time.Time
	EndDate   *time.Time
	SortBy    string
	SortOrder string
	Limit     int
	Offset    int
}

type ExportJobRepository interface {
	CreateJob(ctx context.Context, job *model.ExportJob) error
	GetJobByID(ctx context.Context, id string) (*model.ExportJob, error)
	UpdateJob(ctx context.Context, id string, upd ExportJobUpdate) (*model.ExportJob, error)
	// CompareAndSetStatus applies upd and the status transition only if the row
	// is currently in one of fromAny; returns ErrConflict otherwise.
	CompareAndSetStatus(ctx context.Context, id string, fromAny []model.ExportJobStatus, to model.ExportJobStatus, upd ExportJobUpdate) (*model.ExportJob, error)
	ListJobs(ctx context.Context, filter ExportJobListFilter) ([]model.ExportJob, int, error)
	// ListExpiredPackages returns completed jobs whose package is past expiry
	// and still on disk.
	ListExpiredPackages(ctx context.Context, now time.Time) ([]model.ExportJob, error)
	// DeleteOlderThan removes terminal job rows past retention. Active rows
	// (pending/in_progress/cancelling) are never touched.
	DeleteOlderThan(ctx context.Context, retentionDays int) (int64, error)
	// IncrementDownloadCount writes previousCount+1. A lost race is a silent
	// no-op (acceptable under-count); the count never decreases.
	IncrementDownloadCount(ctx context.Context, id string, previousCount int) error
}

const exportJobColumns = `id, tool_id, user_id, status, steps_completed, steps_total, current_step,
       package_path, package_size_bytes, package_checksum, package_algorithm, package_expires_at,
       checksum_verified_at, download_count, error_message, created_at, updated_at, started_at, completed_at`

type pgExportJobRepository struct {
	db *sql.DB
}

func NewPgExportJobRepository(db *sql.DB) ExportJobRepository {
	return &pgExportJobRepository{db: db}
}

// CreateJob inserts a pending row. The export_jobs_one_active_per_tool unique
// partial index (tool_id WHERE status IN ('pending','in_progress','cancelling'))
// rejects a second active job for the same tool; that surfaces as ErrConflict.
func (r *pgExportJobRepository) CreateJob(ctx context.Context, job *model.ExportJob) error {
	query := `INSERT INTO export_jobs (id, tool_id, user_id, status, steps_completed, steps_total, current_step, download_count)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
	          RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		job.ID, job.ToolID, job.UserID, job.Status, job.StepsCompleted, job.StepsTotal, job.CurrentStep,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("an export for this tool is already active: %w", common.ErrConflict)
		}
		return fmt.Errorf("pgExportJobRepository.CreateJob: %w", err)
	}
	return nil
}

func (r *pgExportJobRepository) GetJobByID(ctx context.Context, id string) (*model.ExportJob, error) {
	query := `SELECT ` + exportJobColumns + ` FROM export_jobs WHERE id = $1`
	job, err := scanExportJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("pgExportJobRepository.GetJobByID: %w", err)
	}
	return job, nil
}

// buildSetClause maps update fields to columns explicitly. No runtime
// name transformation; every writable column is listed here.
func buildSetClause(upd ExportJobUpdate, args *[]interface{}, argID *int) []string {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	add := func(column string, value interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, *argID))
		*args = append(*args, value)
		*argID++
	}

	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.StepsCompleted != nil {
		add("steps_completed", *upd.StepsCompleted)
	}
	if upd.StepsTotal != nil {
		add("steps_total", *upd.StepsTotal)
	}
	if upd.CurrentStep != nil {
		add("current_step", *upd.CurrentStep)
	}
	if upd.ClearPackagePath {
		sets = append(sets, "package_path = NULL")
	} else if upd.PackagePath != nil {
		add("package_path", *upd.PackagePath)
	}
	if upd.PackageSizeBytes != nil {
		add("package_size_bytes", *upd.PackageSizeBytes)
	}
	if upd.PackageChecksum != nil {
		add("package_checksum", *upd.PackageChecksum)
	}
	if upd.PackageAlgorithm != nil {
		add("package_algorithm", *upd.PackageAlgorithm)
	}
	if upd.PackageExpiresAt != nil {
		add("package_expires_at", *upd.PackageExpiresAt)
	}
	if upd.ChecksumVerified != nil {
		add("checksum_verified_at", *upd.ChecksumVerified)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.StartedAt != nil {
		add("started_at", *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		add("completed_at", *upd.CompletedAt)
	}
	return sets
}

func (r *pgExportJobRepository) UpdateJob(ctx context.Context, id string, upd ExportJobUpdate) (*model.ExportJob, error) {
	var args []interface{}
	argID := 1
	sets := buildSetClause(upd, &args, &argID)

	query := fmt.Sprintf(`UPDATE export_jobs SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), argID, exportJobColumns)
	args = append(args, id)

	job, err := scanExportJob(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("pgExportJobRepository.UpdateJob: %w", err)
	}
	return job, nil
}

func (r *pgExportJobRepository) CompareAndSetStatus(ctx context.Context, id string, fromAny []model.ExportJobStatus, to model.ExportJobStatus, upd ExportJobUpdate) (*model.ExportJob, error) {
	upd.Status = &to

	var args []interface{}
	argID := 1
	sets := buildSetClause(upd, &args, &argID)

	fromPlaceholders := make([]string, len(fromAny))
	idArg := argID
	args = append(args, id)
	argID++
	for i, s := range fromAny {
		fromPlaceholders[i] = fmt.Sprintf("$%d", argID)
		args = append(args, s)
		argID++
	}

	query := fmt.Sprintf(`UPDATE export_jobs SET %s WHERE id = $%d AND status IN (%s) RETURNING %s`,
		strings.Join(sets, ", "), idArg, strings.Join(fromPlaceholders, ","), exportJobColumns)

	job, err := scanExportJob(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Row missing entirely vs. wrong status: disambiguate for callers.
			if _, getErr := r.GetJobByID(ctx, id); errors.Is(getErr, common.ErrNotFound) {
				return nil, common.ErrNotFound
			}
			return nil, fmt.Errorf("job %s is not in a valid state for transition to %s: %w", id, to, common.ErrConflict)
		}
		return nil, fmt.Errorf("pgExportJobRepository.CompareAndSetStatus: %w", err)
	}
	return job, nil
}

var exportJobSortColumns = map[string]string{
	"created_at":   "j.created_at",
	"updated_at":   "j.updated_at",
	"completed_at": "j.completed_at",
	"status":       "j.status",
}

func (r *pgExportJobRepository) ListJobs(ctx context.Context, filter ExportJobListFilter) ([]model.ExportJob, int, error) {
	if filter.Limit < 1 || filter.Limit > 100 {
		return nil, 0, fmt.Errorf("limit must be between 1 and 100: %w", common.ErrBadRequest)
	}
	if filter.Offset < 0 {
		return nil, 0, fmt.Errorf("offset must be non-negative: %w", common.ErrBadRequest)
	}

	var conditions []string
	var args []interface{}
	argID := 1

	addCond := func(cond string, value interface{}) {
		conditions = append(conditions, fmt.Sprintf(cond, argID))
		args = append(args, value)
		argID++
	}

	joinTools := filter.ToolType != ""
	if filter.UserID != nil {
		addCond("j.user_id = $%d", *filter.UserID)
	}
	if filter.Status != "" {
		addCond("j.status = $%d", filter.Status)
	}
	if joinTools {
		addCond("t.type = $%d", filter.ToolType)
	}
	if filter.StartDate != nil {
		addCond("j.created_at >= $%d", *filter.StartDate)
	}
	if filter.EndDate != nil {
		addCond("j.created_at <= $%d", *filter.EndDate)
	}

	from := " FROM export_jobs j"
	if joinTools {
		from += " JOIN tools t ON j.tool_id = t.id"
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*)"+from+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgExportJobRepository.ListJobs count: %w", err)
	}

	sortCol, ok := exportJobSortColumns[filter.SortBy]
	if !ok {
		sortCol = "j.created_at"
	}
	order := "DESC"
	if strings.EqualFold(filter.SortOrder, "asc") {
		order = "ASC"
	}

	query := "SELECT " + prefixColumns("j", exportJobColumns) + from + where +
		fmt.Sprintf(" ORDER BY %s %s LIMIT $%d OFFSET $%d", sortCol, order, argID, argID+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgExportJobRepository.ListJobs query: %w", err)
	}
	defer rows.Close()

	jobs := []model.ExportJob{}
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("pgExportJobRepository.ListJobs scan: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgExportJobRepository.ListJobs rows.Err: %w", err)
	}
	return jobs, total, nil
}

func (r *pgExportJobRepository) ListExpiredPackages(ctx context.Context, now time.Time) ([]model.ExportJob, error) {
	query := `SELECT ` + exportJobColumns + ` FROM export_jobs
	          WHERE status = $1 AND package_path IS NOT NULL AND package_expires_at IS NOT NULL AND package_expires_at < $2`
	rows, err := r.db.QueryContext(ctx, query, model.ExportStatusCompleted, now)
	if err != nil {
		return nil, fmt.Errorf("pgExportJobRepository.ListExpiredPackages: %w", err)
	}
	defer rows.Close()

	jobs := []model.ExportJob{}
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, fmt.Errorf("pgExportJobRepository.ListExpiredPackages scan: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (r *pgExportJobRepository) DeleteOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	query := `DELETE FROM export_jobs
	          WHERE status IN ($1, $2, $3, $4)
	          AND created_at < CURRENT_TIMESTAMP - make_interval(days => $5)`
	res, err := r.db.ExecContext(ctx, query,
		model.ExportStatusCompleted, model.ExportStatusFailed, model.ExportStatusCancelled, model.ExportStatusRolledBack,
		retentionDays)
	if err != nil {
		return 0, fmt.Errorf("pgExportJobRepository.DeleteOlderThan: %w", err)
	}
	return res.RowsAffected()
}

func (r *pgExportJobRepository) IncrementDownloadCount(ctx context.Context, id string, previousCount int) error {
	query := `UPDATE export_jobs
	          SET download_count = $2, updated_at = CURRENT_TIMESTAMP
	          WHERE id = $1 AND download_count < $2`
	if _, err := r.db.ExecContext(ctx, query, id, previousCount+1); err != nil {
		return fmt.Errorf("pgExportJobRepository.IncrementDownloadCount: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExportJob(row rowScanner) (*model.ExportJob, error) {
	job := &model.ExportJob{}
	err := row.Scan(
		&job.ID, &job.ToolID, &job.UserID, &job.Status, &job.StepsCompleted, &job.StepsTotal, &job.CurrentStep,
		&job.PackagePath, &job.PackageSizeBytes, &job.PackageChecksum, &job.PackageAlgorithm, &job.PackageExpiresAt,
		&job.ChecksumVerifiedAt, &job.DownloadCount, &job.ErrorMessage,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.ProgressPercentage = job.ComputeProgressPercentage()
	return job, nil
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
