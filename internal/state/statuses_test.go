package state

import (
	"testing"
)

func TestJobStatus_String(t *testing.T) {
	tests := []struct {
		name     string
		status   JobStatus
		expected string
	}{
		{name: "Idle status", status: StatusIdle, expected: "idle"},
		{name: "Queued status", status: StatusQueued, expected: "queued"},
		{name: "InProgress status", status: StatusInProgress, expected: "in_progress"},
		{name: "Done status", status: StatusDone, expected: "done"},
		{name: "DueDone status", status: StatusDueDone, expected: "due_done"},
		{name: "Failed status", status: StatusFailed, expected: "failed"},
		{name: "Cancelled status", status: StatusCancelled, expected: "cancelled"},
		{name: "Skipped status", status: StatusSkipped, expected: "skipped"},
		{name: "Batched status", status: StatusBatched, expected: "batched"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.status.String()
			if result != tt.expected {
				t.Errorf("String() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	terminal := map[JobStatus]bool{
		StatusDone:      true,
		StatusDueDone:   true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusSkipped:   true,
	}
	for _, s := range AllStatuses {
		if got := s.IsTerminal(); got != terminal[s] {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     JobStatus
		to       JobStatus
		expected bool
	}{
		{name: "Valid: Idle to Queued", from: StatusIdle, to: StatusQueued, expected: true},
		{name: "Valid: Idle to InProgress (fallback)", from: StatusIdle, to: StatusInProgress, expected: true},
		{name: "Valid: Queued to InProgress", from: StatusQueued, to: StatusInProgress, expected: true},
		{name: "Valid: Queued back to Idle", from: StatusQueued, to: StatusIdle, expected: true},
		{name: "Valid: Batched to InProgress", from: StatusBatched, to: StatusInProgress, expected: true},
		{name: "Valid: InProgress to Done", from: StatusInProgress, to: StatusDone, expected: true},
		{name: "Valid: InProgress to Skipped", from: StatusInProgress, to: StatusSkipped, expected: true},
		{name: "Invalid: Queued to Done", from: StatusQueued, to: StatusDone, expected: false},
		{name: "Invalid: Done to Failed", from: StatusDone, to: StatusFailed, expected: false},
		{name: "Invalid: Cancelled to InProgress", from: StatusCancelled, to: StatusInProgress, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestRunCondition_SatisfiedBy(t *testing.T) {
	tests := []struct {
		condition RunCondition
		parent    JobStatus
		expected  bool
	}{
		{RunOnSuccess, StatusDone, true},
		{RunOnSuccess, StatusDueDone, true},
		{RunOnSuccess, StatusFailed, false},
		{RunOnSuccess, StatusSkipped, false},
		{RunOnFailure, StatusFailed, true},
		{RunOnFailure, StatusCancelled, false},
		{RunOnFailure, StatusDone, false},
		{RunOnCancelled, StatusCancelled, true},
		{RunOnCancelled, StatusFailed, false},
		{RunOnFailureOrCancelled, StatusFailed, true},
		{RunOnFailureOrCancelled, StatusCancelled, true},
		{RunOnFailureOrCancelled, StatusSkipped, false},
		{RunOnAnyCompletedStatus, StatusSkipped, true},
		{RunOnAnyCompletedStatus, StatusDone, true},
		{RunOnAnyCompletedStatus, StatusInProgress, false},
		{RunInProgress, StatusDone, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.condition)+"/"+string(tt.parent), func(t *testing.T) {
			if got := tt.condition.SatisfiedBy(tt.parent); got != tt.expected {
				t.Errorf("SatisfiedBy() = %v, want %v", got, tt.expected)
			}
		})
	}
}
