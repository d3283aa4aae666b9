// Package scheduler runs the node's main loop: sleep until the next due
// instant, claim, hand the claimed work to the task scheduler, repeat.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/RezaEskandarii/gofire/internal/claim"
	"github.com/RezaEskandarii/gofire/internal/clock"
	"github.com/RezaEskandarii/gofire/internal/execution"
	"github.com/RezaEskandarii/gofire/internal/job"
	"github.com/RezaEskandarii/gofire/internal/metrics"
	"github.com/RezaEskandarii/gofire/internal/taskscheduler"
	"github.com/RezaEskandarii/gofire/internal/throttle"
	"github.com/RezaEskandarii/gofire/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Claimer plans and claims work. *claim.Resolver implements it.
type Claimer interface {
	NextEligible(ctx context.Context) (claim.Plan, error)
	Claim(ctx context.Context, plan claim.Plan) ([]*job.Context, error)
	ClaimTimedOut(ctx context.Context) ([]*job.Context, error)
}

// Dispatcher runs claimed work. *taskscheduler.TaskScheduler implements it.
type Dispatcher interface {
	Queue(priority types.Priority, fn taskscheduler.Task) error
	Flush()
}

// Executor runs one claimed job to completion.
type Executor interface {
	Execute(ctx context.Context, jc *job.Context) execution.Outcome
}

// Options tunes the loop. Zero values take defaults.
type Options struct {
	// FallbackInterval paces the timed-out sweep.
	FallbackInterval time.Duration
	// RestartDebounce coalesces bursts of RequestRestart calls.
	RestartDebounce time.Duration
	// ErrorBackoff is how long the loop waits after a failed cycle.
	ErrorBackoff time.Duration
}

func (o *Options) withDefaults() {
	if o.FallbackInterval <= 0 {
		o.FallbackInterval = 30 * time.Second
	}
	if o.RestartDebounce <= 0 {
		o.RestartDebounce = 50 * time.Millisecond
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 5 * time.Second
	}
}

// Scheduler is one node's claim loop.
type Scheduler struct {
	claims   Claimer
	tasks    Dispatcher
	executor Executor
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
	opts     Options

	guard   *semaphore.Weighted
	wake    chan struct{}
	restart *throttle.Debouncer

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

// New returns a Scheduler. A nil clock means the system clock.
func New(claims Claimer, tasks Dispatcher, executor Executor, clk clock.Clock, m *metrics.Metrics, logger *zap.SugaredLogger, opts Options) *Scheduler {
	opts.withDefaults()
	if clk == nil {
		clk = clock.System()
	}
	s := &Scheduler{
		claims:   claims,
		tasks:    tasks,
		executor: executor,
		clock:    clk,
		metrics:  m,
		logger:   logger.Named("scheduler"),
		opts:     opts,
		guard:    semaphore.NewWeighted(1),
		wake:     make(chan struct{}, 1),
		inFlight: make(map[uuid.UUID]struct{}),
	}
	s.restart = throttle.NewDebouncer(opts.RestartDebounce, s.signal)
	return s
}

// RequestRestart makes the loop recompute its next wakeup. Calls arriving
// within the debounce delay collapse into one.
func (s *Scheduler) RequestRestart() {
	s.restart.Trigger()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.restart.Stop()

	fallback := time.NewTicker(s.opts.FallbackInterval)
	defer fallback.Stop()

	s.logger.Infow("scheduler loop started", "fallback_interval", s.opts.FallbackInterval)
	for {
		plan, err := s.claims.NextEligible(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Errorw("failed to resolve next eligible work", "error", err)
			s.metrics.IncLoopError()
			if !s.backoff(ctx) {
				return nil
			}
			continue
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if !plan.Empty() {
			d := plan.At.Sub(s.clock.Now())
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			s.logger.Info("scheduler loop stopped")
			return nil
		case <-s.wake:
			stopTimer(timer)
		case <-fallback.C:
			stopTimer(timer)
			s.Sweep(ctx)
		case <-fire:
			s.dispatch(ctx, plan)
		}
	}
}

func (s *Scheduler) backoff(ctx context.Context) bool {
	t := time.NewTimer(s.opts.ErrorBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
	case <-t.C:
	}
	return true
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (s *Scheduler) dispatch(ctx context.Context, plan claim.Plan) {
	if err := s.guard.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.guard.Release(1)

	jobs, err := s.claims.Claim(ctx, plan)
	if err != nil {
		s.logger.Errorw("claim failed", "at", plan.At, "error", err)
		s.metrics.IncLoopError()
	}
	s.observe(jobs, "due")
	s.submit(jobs)
}

// Sweep claims and runs work left pending past the fallback window.
func (s *Scheduler) Sweep(ctx context.Context) {
	if err := s.guard.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.guard.Release(1)

	jobs, err := s.claims.ClaimTimedOut(ctx)
	if err != nil {
		s.logger.Errorw("timed out sweep failed", "error", err)
		s.metrics.IncLoopError()
	}
	if len(jobs) > 0 {
		s.logger.Infow("picked up timed out work", "count", len(jobs))
	}
	s.observe(jobs, "timed_out")
	s.submit(jobs)
}

func (s *Scheduler) observe(jobs []*job.Context, mode string) {
	counts := map[types.TickerType]int{}
	for _, jc := range jobs {
		counts[jc.Type]++
	}
	for t, n := range counts {
		s.metrics.ObserveClaim(t.String(), mode, n)
	}
}

func (s *Scheduler) submit(jobs []*job.Context) {
	if len(jobs) == 0 {
		return
	}
	for _, jc := range jobs {
		if !s.track(jc.TickerID) {
			s.logger.Debugw("already running here", "ticker_id", jc.TickerID)
			continue
		}
		jc := jc
		err := s.tasks.Queue(jc.Priority(), func(taskCtx context.Context) {
			defer s.untrack(jc.TickerID)
			s.executor.Execute(taskCtx, jc)
		})
		if err != nil {
			s.untrack(jc.TickerID)
			s.logger.Warnw("could not queue job", "ticker_id", jc.TickerID, "function", jc.FunctionName, "error", err)
		}
	}
	s.tasks.Flush()
}

func (s *Scheduler) track(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[id]; ok {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) untrack(id uuid.UUID) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// InFlight is the number of jobs this node has handed to workers and not
// yet seen finish.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}
