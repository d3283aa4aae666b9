package state

// RunCondition decides when a batched child runs relative to its parent.
type RunCondition string

const (
	RunOnSuccess            RunCondition = "on_success"
	RunOnFailure            RunCondition = "on_failure"
	RunOnCancelled          RunCondition = "on_cancelled"
	RunOnFailureOrCancelled RunCondition = "on_failure_or_cancelled"
	RunOnAnyCompletedStatus RunCondition = "on_any_completed_status"
	RunInProgress           RunCondition = "in_progress"
)

func (c RunCondition) String() string {
	return string(c)
}

// Valid reports whether c is one of the known conditions.
func (c RunCondition) Valid() bool {
	switch c {
	case RunOnSuccess, RunOnFailure, RunOnCancelled, RunOnFailureOrCancelled, RunOnAnyCompletedStatus, RunInProgress:
		return true
	}
	return false
}

// SatisfiedBy reports whether a child with condition c may run once its
// parent finished with the terminal status parent.
// RunInProgress children start together with the parent and never match here.
func (c RunCondition) SatisfiedBy(parent JobStatus) bool {
	switch c {
	case RunOnSuccess:
		return parent == StatusDone || parent == StatusDueDone
	case RunOnFailure:
		return parent == StatusFailed
	case RunOnCancelled:
		return parent == StatusCancelled
	case RunOnFailureOrCancelled:
		return parent == StatusFailed || parent == StatusCancelled
	case RunOnAnyCompletedStatus:
		return parent.IsTerminal()
	}
	return false
}
