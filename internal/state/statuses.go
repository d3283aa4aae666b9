package state

type JobStatus string

const (
	StatusIdle       JobStatus = "idle"
	StatusQueued     JobStatus = "queued"
	StatusInProgress JobStatus = "in_progress"
	StatusDone       JobStatus = "done"
	StatusDueDone    JobStatus = "due_done"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
	StatusSkipped    JobStatus = "skipped"
	StatusBatched    JobStatus = "batched"
)

func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusDueDone, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// IsPending reports whether s is still eligible for a claim.
func (s JobStatus) IsPending() bool {
	return s == StatusIdle || s == StatusQueued
}

var AllStatuses = []JobStatus{
	StatusIdle,
	StatusQueued,
	StatusInProgress,
	StatusDone,
	StatusDueDone,
	StatusFailed,
	StatusCancelled,
	StatusSkipped,
	StatusBatched,
}

type Transition struct {
	From JobStatus
	To   JobStatus
}

var ValidTransitions = []Transition{
	{From: StatusIdle, To: StatusQueued},
	{From: StatusIdle, To: StatusInProgress},
	{From: StatusQueued, To: StatusIdle},
	{From: StatusQueued, To: StatusInProgress},
	{From: StatusBatched, To: StatusInProgress},
	{From: StatusBatched, To: StatusSkipped},
	{From: StatusInProgress, To: StatusDone},
	{From: StatusInProgress, To: StatusDueDone},
	{From: StatusInProgress, To: StatusFailed},
	{From: StatusInProgress, To: StatusCancelled},
	{From: StatusInProgress, To: StatusSkipped},
}

func IsValidTransition(from, to JobStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
