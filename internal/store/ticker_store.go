package store

import (
	"context"
	"time"

	"github.com/RezaEskandarii/gofire/internal/state"
	"github.com/RezaEskandarii/gofire/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a ticker or occurrence does not exist.
var ErrNotFound = errors.New("not found")

// ClaimRequest scopes a claim to one node and one instant.
type ClaimRequest struct {
	Node string
	Now  time.Time
	// From bounds the oldest execution time QueueDueTimeTickers may take.
	// For the timed-out sweep, pending rows older than From are forced.
	From time.Time
}

// CronOccurrenceCandidate is one computed cron firing that may not have a row yet.
type CronOccurrenceCandidate struct {
	CronTickerID  uuid.UUID
	ExecutionTime time.Time
}

// StatusUpdate is a sparse write. Nil fields are left untouched. The write
// only applies to a row Node holds, or to an unclaimed batch child; see
// Applies.
type StatusUpdate struct {
	ID               uuid.UUID
	Node             string
	Now              time.Time
	Status           *state.JobStatus
	RetryCount       *int
	ExecutedAt       *time.Time
	ElapsedTime      *time.Duration
	ExceptionDetails *string
	SkippedReason    *string
	// Acquire sets LockHolder to Node. ReleaseLock clears it.
	Acquire     bool
	ReleaseLock bool
}

// Empty reports whether the update would change nothing but UpdatedAt.
func (u StatusUpdate) Empty() bool {
	return u.Status == nil && u.RetryCount == nil && u.ExecutedAt == nil && u.ElapsedTime == nil &&
		u.ExceptionDetails == nil && u.SkippedReason == nil && !u.Acquire && !u.ReleaseLock
}

// WritableStatuses are the statuses a StatusUpdate may be applied to.
// Idle rows must be claimed first and terminal rows never change again.
var WritableStatuses = []state.JobStatus{state.StatusQueued, state.StatusInProgress, state.StatusBatched}

// Applies reports whether u may be written to a row in status held by
// holder. A nil holder is only accepted for a batch child, which is never
// claimed on its own and is run or skipped by whoever holds its parent.
func (u StatusUpdate) Applies(status state.JobStatus, holder *string) bool {
	switch status {
	case state.StatusQueued, state.StatusInProgress:
		return holder != nil && *holder == u.Node
	case state.StatusBatched:
		return holder == nil || *holder == u.Node
	}
	return false
}

// DeadNodeRelease reports what ReleaseDeadNode did.
type DeadNodeRelease struct {
	Released int64
	Skipped  int64
}

// OrphanReason is the skip reason of a batched child whose parent was
// skipped because its node died.
func OrphanReason(reason string) string {
	return "parent skipped: " + reason
}

// TickerStore is the shared persistence every node synchronizes through.
// Claim operations must be atomic at the storage layer; losing a race is
// reported as an empty result, never as an error.
type TickerStore interface {
	GetTimeTickerByID(ctx context.Context, id uuid.UUID) (*types.TimeTicker, error)
	GetTimeTickersByIDs(ctx context.Context, ids []uuid.UUID) ([]types.TimeTicker, error)
	ListTimeTickers(ctx context.Context, page, pageSize int, status state.JobStatus) (*types.PaginationResult[types.TimeTicker], error)
	// InsertTimeTickers stores the tickers and their children trees.
	InsertTimeTickers(ctx context.Context, tickers []types.TimeTicker) error
	// UpdateTimeTicker rewrites definition fields of an unclaimed ticker.
	// It reports false when the ticker is claimed or finished.
	UpdateTimeTicker(ctx context.Context, ticker *types.TimeTicker) (bool, error)
	DeleteTimeTickers(ctx context.Context, ids []uuid.UUID) (int64, error)

	GetCronTickerByID(ctx context.Context, id uuid.UUID) (*types.CronTicker, error)
	GetCronTickers(ctx context.Context) ([]types.CronTicker, error)
	InsertCronTickers(ctx context.Context, tickers []types.CronTicker) error
	UpdateCronTicker(ctx context.Context, ticker *types.CronTicker) error
	DeleteCronTickers(ctx context.Context, ids []uuid.UUID) (int64, error)

	GetCronOccurrenceByID(ctx context.Context, id uuid.UUID) (*types.CronTickerOccurrence, error)
	GetCronOccurrencesByCronTicker(ctx context.Context, cronTickerID uuid.UUID) ([]types.CronTickerOccurrence, error)

	// EarliestTimeTickerExecution returns the earliest execution time of an
	// unclaimed idle ticker, however late, or nil.
	EarliestTimeTickerExecution(ctx context.Context) (*time.Time, error)
	// QueueDueTimeTickers claims idle tickers due in [req.From, req.Now] into
	// Queued under req.Node and returns the ones this node won, children
	// loaded. A zero req.From leaves the range open at the bottom.
	QueueDueTimeTickers(ctx context.Context, req ClaimRequest) ([]types.TimeTicker, error)
	// QueueTimedOutTimeTickers force-claims idle or queued tickers older than
	// req.From into InProgress, regardless of the current holder.
	QueueTimedOutTimeTickers(ctx context.Context, req ClaimRequest) ([]types.TimeTicker, error)
	// QueueCronOccurrences creates or claims one occurrence per candidate.
	QueueCronOccurrences(ctx context.Context, req ClaimRequest, candidates []CronOccurrenceCandidate) ([]types.CronTickerOccurrence, error)
	QueueTimedOutCronOccurrences(ctx context.Context, req ClaimRequest) ([]types.CronTickerOccurrence, error)

	// ReleaseAcquired* return queued holds of node back to Idle.
	ReleaseAcquiredTimeTickers(ctx context.Context, node string, now time.Time) (int64, error)
	ReleaseAcquiredCronOccurrences(ctx context.Context, node string, now time.Time) (int64, error)

	// ReleaseDeadNode* release idle or queued holds of a dead node and mark
	// its in-progress work Skipped with reason. Batched children of a time
	// ticker skipped this way are settled too: on_any_completed_status
	// children become Idle roots due at their execution time or now, the
	// rest are Skipped along with their subtrees.
	ReleaseDeadNodeTimeTickers(ctx context.Context, node, reason string, now time.Time) (DeadNodeRelease, error)
	ReleaseDeadNodeCronOccurrences(ctx context.Context, node, reason string, now time.Time) (DeadNodeRelease, error)

	// Update*Status apply a sparse update and report whether the row matched.
	UpdateTimeTickerStatus(ctx context.Context, update StatusUpdate) (bool, error)
	UpdateCronOccurrenceStatus(ctx context.Context, update StatusUpdate) (bool, error)

	Close() error
}
