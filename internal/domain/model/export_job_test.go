package model

import "testing"

func TestComputeProgressPercentage(t *testing.T) {
	tests := []struct {
		name      string
		completed int
		total     int
		want      int
	}{
		{"no total yet", 0, 0, 0},
		{"negative total", 1, -1, 0},
		{"zero of four", 0, 4, 0},
		{"one of four", 1, 4, 25},
		{"two of four", 2, 4, 50},
		{"all four", 4, 4, 100},
		{"rounds up", 2, 3, 67},
		{"rounds down", 1, 3, 33},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := ExportJob{StepsCompleted: tt.completed, StepsTotal: tt.total}
			if got := job.ComputeProgressPercentage(); got != tt.want {
				t.Errorf("ComputeProgressPercentage() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestValidTransition(t *testing.T) {
	allowed := []struct{ from, to ExportJobStatus }{
		{ExportStatusPending, ExportStatusInProgress},
		{ExportStatusPending, ExportStatusCancelling},
		{ExportStatusInProgress, ExportStatusCompleted},
		{ExportStatusInProgress, ExportStatusFailed},
		{ExportStatusInProgress, ExportStatusCancelling},
		{ExportStatusCancelling, ExportStatusCancelled},
	}
	for _, tr := range allowed {
		if !ValidTransition(tr.from, tr.to) {
			t.Errorf("ValidTransition(%s, %s) = false, want true", tr.from, tr.to)
		}
	}

	denied := []struct{ from, to ExportJobStatus }{
		{ExportStatusPending, ExportStatusCompleted},
		{ExportStatusPending, ExportStatusCancelled},
		{ExportStatusCancelling, ExportStatusInProgress},
		{ExportStatusCancelling, ExportStatusCompleted},
		{ExportStatusCompleted, ExportStatusInProgress},
		{ExportStatusFailed, ExportStatusPending},
		{ExportStatusCancelled, ExportStatusCancelling},
		{ExportStatusRolledBack, ExportStatusPending},
		{ExportStatusCompleted, ExportStatusCompleted},
	}
	for _, tr := range denied {
		if ValidTransition(tr.from, tr.to) {
			t.Errorf("ValidTransition(%s, %s) = true, want false", tr.from, tr.to)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	active := []ExportJobStatus{ExportStatusPending, ExportStatusInProgress, ExportStatusCancelling}
	for _, s := range active {
		if !s.Active() {
			t.Errorf("%s.Active() = false, want true", s)
		}
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}

	terminal := []ExportJobStatus{ExportStatusCompleted, ExportStatusFailed, ExportStatusCancelled, ExportStatusRolledBack}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
		if s.Active() {
			t.Errorf("%s.Active() = true, want false", s)
		}
		if s.Cancellable() {
			t.Errorf("%s.Cancellable() = true, want false", s)
		}
	}

	if !ExportStatusPending.Cancellable() || !ExportStatusInProgress.Cancellable() {
		t.Error("pending and in_progress must be cancellable")
	}
	if ExportStatusCancelling.Cancellable() {
		t.Error("cancelling must not be cancellable again")
	}
}
