// Package execution runs one claimed job through its retry ladder, persists
// its status transitions and fans out to its batch children.
package execution

import (
	"context"
	"time"

	"github.com/RezaEskandarii/gofire/internal/cancellation"
	"github.com/RezaEskandarii/gofire/internal/clock"
	"github.com/RezaEskandarii/gofire/internal/constants"
	"github.com/RezaEskandarii/gofire/internal/job"
	"github.com/RezaEskandarii/gofire/internal/metrics"
	"github.com/RezaEskandarii/gofire/internal/notifier"
	"github.com/RezaEskandarii/gofire/internal/state"
	"github.com/RezaEskandarii/gofire/internal/store"
	"github.com/RezaEskandarii/gofire/types"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrFunctionNotRegistered fails jobs whose function has no handler on this node.
var ErrFunctionNotRegistered = errors.New("function not registered")

const siblingRunningReason = "another run of this job is already in progress"

// Kind classifies how a run ended.
type Kind int

const (
	Completed Kind = iota
	Cancelled
	Skipped
	Failed
	// Abandoned means another node holds the row; nothing was recorded.
	Abandoned
)

func (k Kind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return "abandoned"
}

// Outcome is the result of one job run.
type Outcome struct {
	Kind   Kind
	Reason string
	Err    error
}

// StatusWriter is the part of the store the coordinator writes through.
type StatusWriter interface {
	UpdateTimeTickerStatus(ctx context.Context, update store.StatusUpdate) (bool, error)
	UpdateCronOccurrenceStatus(ctx context.Context, update store.StatusUpdate) (bool, error)
}

// Deps are the collaborators of a Coordinator. Clock, Notifier and
// DefaultRetryInterval are optional.
type Deps struct {
	Store      StatusWriter
	Registry   *cancellation.Registry
	Clock      clock.Clock
	Notifier   notifier.Notifier
	Metrics    *metrics.Metrics
	Exceptions types.ExceptionHandler
	Logger     *zap.SugaredLogger
	Node       string
	// DefaultRetryInterval applies when a job has no retry intervals.
	DefaultRetryInterval time.Duration
}

// Coordinator runs claimed jobs and records their status transitions.
type Coordinator struct {
	store                StatusWriter
	registry             *cancellation.Registry
	clock                clock.Clock
	notifier             notifier.Notifier
	metrics              *metrics.Metrics
	exceptions           types.ExceptionHandler
	logger               *zap.SugaredLogger
	node                 string
	defaultRetryInterval time.Duration
}

// New returns a Coordinator writing as d.Node.
func New(d Deps) *Coordinator {
	c := &Coordinator{
		store:                d.Store,
		registry:             d.Registry,
		clock:                d.Clock,
		notifier:             d.Notifier,
		metrics:              d.Metrics,
		exceptions:           d.Exceptions,
		logger:               d.Logger.Named("execution"),
		node:                 d.Node,
		defaultRetryInterval: d.DefaultRetryInterval,
	}
	if c.clock == nil {
		c.clock = clock.System()
	}
	if c.notifier == nil {
		c.notifier = notifier.Nop{}
	}
	if c.defaultRetryInterval <= 0 {
		c.defaultRetryInterval = constants.DefaultRetryInterval
	}
	return c
}

// Execute runs jc and then its children. In-progress children start once
// the parent's row is acquired; the rest are evaluated against the parent's
// terminal status. A parent abandoned to another node starts no children.
// It returns once the whole tree has finished.
func (c *Coordinator) Execute(ctx context.Context, jc *job.Context) Outcome {
	var withParent, afterParent []*job.Context
	for _, child := range jc.Children {
		if runCondition(child) == state.RunInProgress {
			withParent = append(withParent, child)
		} else {
			afterParent = append(afterParent, child)
		}
	}

	var g errgroup.Group
	outcome := c.run(ctx, jc, func() {
		for _, child := range withParent {
			child := child
			g.Go(func() error {
				c.Execute(ctx, child)
				return nil
			})
		}
	})

	if outcome.Kind != Abandoned {
		for _, child := range afterParent {
			child := child
			cond := runCondition(child)
			if cond.SatisfiedBy(jc.Status) {
				g.Go(func() error {
					c.Execute(ctx, child)
					return nil
				})
				continue
			}
			c.skipTree(ctx, child, "run condition "+cond.String()+" not met by parent status "+jc.Status.String())
		}
	}

	_ = g.Wait()
	return outcome
}

func runCondition(jc *job.Context) state.RunCondition {
	if jc.RunCondition == nil {
		return state.RunOnSuccess
	}
	return *jc.RunCondition
}

func (c *Coordinator) skipTree(ctx context.Context, jc *job.Context, reason string) {
	jc.SetStatus(state.StatusSkipped)
	jc.SetSkippedReason(reason)
	c.persist(ctx, jc)
	c.notifyStatus(jc, reason)
	for _, child := range jc.Children {
		c.skipTree(ctx, child, "parent "+jc.TickerID.String()+" was skipped")
	}
}

// run executes jc itself. acquired is called once this node owns the row.
func (c *Coordinator) run(ctx context.Context, jc *job.Context, acquired func()) Outcome {
	start := c.clock.Now()

	entryCtx, release := c.registry.Add(ctx, cancellation.Entry{
		ID:           jc.TickerID,
		FunctionName: jc.FunctionName,
		Type:         jc.Type,
		ParentID:     jc.ParentID,
	})
	defer release()

	jc.SetStatus(state.StatusInProgress)
	jc.Acquire()
	if !c.persist(ctx, jc) {
		c.logger.Infow("job is held by another node, abandoning", "ticker_id", jc.TickerID, "function", jc.FunctionName)
		return Outcome{Kind: Abandoned}
	}
	c.notifyStatus(jc, "")
	acquired()

	var outcome Outcome
	if !jc.Registered {
		outcome = Outcome{Kind: Failed, Err: errors.Wrapf(ErrFunctionNotRegistered, "%q", jc.FunctionName)}
	} else {
		outcome = c.attempts(entryCtx, jc)
	}
	if outcome.Kind == Abandoned {
		return outcome
	}
	return c.finish(ctx, jc, start, outcome)
}

func (c *Coordinator) attempts(ctx context.Context, jc *job.Context) Outcome {
	if jc.Function.SkipIfSiblingRunning && c.siblingRunning(jc) {
		return Outcome{Kind: Skipped, Reason: siblingRunningReason}
	}

	var lastErr error
	for attempt := jc.RetryCount; attempt <= jc.Retries; attempt++ {
		if attempt > 0 {
			jc.SetRetryCount(attempt)
			if !c.persist(ctx, jc) {
				return Outcome{Kind: Abandoned}
			}
			select {
			case <-c.clock.After(c.retryDelay(jc, attempt)):
			case <-ctx.Done():
				return cancelledOutcome(ctx)
			}
		}

		ec, err := c.invoke(ctx, jc, attempt)
		if ctx.Err() != nil {
			return cancelledOutcome(ctx)
		}
		if reason, ok := ec.Termination(); ok {
			return Outcome{Kind: Skipped, Reason: reason}
		}
		if err == nil {
			return Outcome{Kind: Completed}
		}
		lastErr = err
		c.logger.Warnw("job attempt failed",
			"ticker_id", jc.TickerID,
			"function", jc.FunctionName,
			"attempt", attempt,
			"retries", jc.Retries,
			"error", err)
	}
	if lastErr == nil {
		lastErr = errors.Newf("retry count %d already exceeds retries %d", jc.RetryCount, jc.Retries)
	}
	return Outcome{Kind: Failed, Err: lastErr}
}

func (c *Coordinator) siblingRunning(jc *job.Context) bool {
	return jc.ParentID != nil && c.registry.IsParentRunningExcludingSelf(*jc.ParentID, jc.TickerID)
}

func cancelledOutcome(ctx context.Context) Outcome {
	cause := context.Cause(ctx)
	reason := "node shutting down"
	if cancellation.IsCancelled(ctx) {
		reason = "cancellation requested"
	}
	return Outcome{Kind: Cancelled, Reason: reason, Err: cause}
}

// retryDelay picks RetryIntervals[attempt-1], clamped to the last entry.
func (c *Coordinator) retryDelay(jc *job.Context, attempt int) time.Duration {
	if len(jc.RetryIntervals) == 0 {
		return c.defaultRetryInterval
	}
	i := min(attempt-1, len(jc.RetryIntervals)-1)
	return time.Duration(jc.RetryIntervals[i]) * time.Second
}

func (c *Coordinator) invoke(ctx context.Context, jc *job.Context, attempt int) (ec *types.ExecutionContext, err error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ec = &types.ExecutionContext{
		ID:           jc.TickerID,
		Type:         jc.Type,
		ParentID:     jc.ParentID,
		FunctionName: jc.FunctionName,
		ScheduledFor: jc.ExecutionTime,
		RetryCount:   attempt,
		IsDue:        jc.IsDue,
		Request:      jc.Request,
	}
	ec.WithSiblingCheck(func() bool { return c.siblingRunning(jc) })

	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("job panicked: %v", r)
		}
	}()
	err = withOrigin(jc.Function.Handler.Handle(attemptCtx, ec))
	return ec, err
}

func (c *Coordinator) finish(ctx context.Context, jc *job.Context, start time.Time, outcome Outcome) Outcome {
	now := c.clock.Now()
	elapsed := now.Sub(start)

	status := statusFor(outcome, jc.IsDue)
	jc.SetStatus(status)
	jc.SetExecuted(now, elapsed)
	switch outcome.Kind {
	case Failed:
		jc.SetException(summarize(outcome.Err))
	case Skipped:
		jc.SetSkippedReason(outcome.Reason)
	}
	jc.ReleaseLock()
	c.persist(ctx, jc)

	c.notifyStatus(jc, outcome.Reason)
	c.metrics.ObserveOutcome(jc.Type.String(), status.String(), jc.FunctionName, elapsed)

	fields := []any{
		"ticker_id", jc.TickerID,
		"function", jc.FunctionName,
		"status", status,
		"retry_count", jc.RetryCount,
		"elapsed", elapsed,
	}
	switch outcome.Kind {
	case Failed:
		c.logger.Errorw("job failed", append(fields, "error", outcome.Err)...)
		c.reportException(ctx, jc, outcome.Err, false)
	case Cancelled:
		c.logger.Infow("job cancelled", append(fields, "reason", outcome.Reason)...)
		c.reportException(ctx, jc, outcome.Err, true)
	case Skipped:
		c.logger.Infow("job skipped", append(fields, "reason", outcome.Reason)...)
	default:
		c.logger.Infow("job finished", fields...)
	}
	return outcome
}

func statusFor(o Outcome, due bool) state.JobStatus {
	switch o.Kind {
	case Completed:
		if due {
			return state.StatusDueDone
		}
		return state.StatusDone
	case Cancelled:
		return state.StatusCancelled
	case Skipped:
		return state.StatusSkipped
	}
	return state.StatusFailed
}

func (c *Coordinator) reportException(ctx context.Context, jc *job.Context, err error, cancelled bool) {
	if c.exceptions == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("exception handler panicked", "ticker_id", jc.TickerID, "panic", r)
		}
	}()
	ctx = context.WithoutCancel(ctx)
	if cancelled {
		c.exceptions.HandleCanceledException(ctx, err, jc.TickerID, jc.Type)
		return
	}
	c.exceptions.HandleException(ctx, err, jc.TickerID, jc.Type)
}

// persist writes the dirty fields. It reports false only when the row is
// held by another node; store errors are logged and treated as written.
func (c *Coordinator) persist(ctx context.Context, jc *job.Context) bool {
	if !jc.Dirty() {
		return true
	}
	ctx = context.WithoutCancel(ctx)
	update := jc.Flush(c.node, c.clock.Now())

	var (
		ok  bool
		err error
	)
	if jc.Type == types.CronTickerOccurrenceType {
		ok, err = c.store.UpdateCronOccurrenceStatus(ctx, update)
	} else {
		ok, err = c.store.UpdateTimeTickerStatus(ctx, update)
	}
	if err != nil {
		c.logger.Errorw("persist job status failed", "ticker_id", jc.TickerID, "status", jc.Status, "error", err)
		return true
	}
	return ok
}

func (c *Coordinator) notifyStatus(jc *job.Context, reason string) {
	c.notifier.StatusChanged(notifier.StatusEvent{
		Node:       c.node,
		ID:         jc.TickerID,
		Type:       jc.Type,
		Function:   jc.FunctionName,
		Status:     jc.Status,
		RetryCount: jc.RetryCount,
		Reason:     reason,
		At:         c.clock.Now(),
	})
}
