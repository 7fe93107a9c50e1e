package model

import (
	"math"
	"time"
)

type ExportJobStatus string

const (
	ExportStatusPending    ExportJobStatus = "pending"
	ExportStatusInProgress ExportJobStatus = "in_progress"
	ExportStatusCompleted  ExportJobStatus = "completed"
	ExportStatusFailed     ExportJobStatus = "failed"
	ExportStatusCancelling ExportJobStatus = "cancelling"
	ExportStatusCancelled  ExportJobStatus = "cancelled"
	ExportStatusRolledBack ExportJobStatus = "rolled_back"
)

// Active reports whether the job still occupies the per-tool export slot.
func (s ExportJobStatus) Active() bool {
	return s == ExportStatusPending || s == ExportStatusInProgress || s == ExportStatusCancelling
}

// Terminal statuses never transition further.
func (s ExportJobStatus) Terminal() bool {
	switch s {
	case ExportStatusCompleted, ExportStatusFailed, ExportStatusCancelled, ExportStatusRolledBack:
		return true
	}
	return false
}

// Cancellable reports whether CancelExport is valid from this status.
func (s ExportJobStatus) Cancellable() bool {
	return s == ExportStatusPending || s == ExportStatusInProgress
}

var exportTransitions = map[ExportJobStatus][]ExportJobStatus{
	ExportStatusPending:    {ExportStatusInProgress, ExportStatusCancelling},
	ExportStatusInProgress: {ExportStatusCompleted, ExportStatusFailed, ExportStatusCancelling},
	ExportStatusCancelling: {ExportStatusCancelled},
}

// ValidTransition enforces the monotonic export state machine. Terminal
// statuses have no outgoing edges; no transition may skip an intermediate state.
func ValidTransition(from, to ExportJobStatus) bool {
	for _, next := range exportTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type ExportJob struct {
	ID     string          `json:"id"`
	ToolID string          `json:"tool_id"`
	UserID *string         `json:"user_id,omitempty"` // nil for system-initiated jobs
	Status ExportJobStatus `json:"status"`

	StepsCompleted int    `json:"steps_completed"`
	StepsTotal     int    `json:"steps_total"`
	CurrentStep    string `json:"current_step"`

	PackagePath        *string    `json:"-"` // never exposed to clients
	PackageSizeBytes   *int64     `json:"package_size_bytes,omitempty"`
	PackageChecksum    *string    `json:"package_checksum,omitempty"`
	PackageAlgorithm   *string    `json:"package_algorithm,omitempty"`
	PackageExpiresAt   *time.Time `json:"package_expires_at,omitempty"`
	ChecksumVerifiedAt *time.Time `json:"checksum_verified_at,omitempty"`
	DownloadCount      int        `json:"download_count"`

	ErrorMessage *string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Derived, populated on read; not a column.
	ProgressPercentage int `json:"progress_percentage"`
}

// ComputeProgressPercentage derives the rounded completion percentage.
// Zero until steps_total is known.
func (j *ExportJob) ComputeProgressPercentage() int {
	if j.StepsTotal <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(j.StepsCompleted) / float64(j.StepsTotal)))
}
