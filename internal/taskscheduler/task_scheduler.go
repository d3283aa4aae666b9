// Package taskscheduler runs jobs on a fixed pool of worker goroutines.
//
// Work is buffered with Queue and released with Flush, which orders the
// batch High, Normal, Low while keeping FIFO order inside a priority.
// LongRunning work skips the pool and gets its own goroutine.
package taskscheduler

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RezaEskandarii/gofire/internal/throttle"
	"github.com/RezaEskandarii/gofire/types"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ErrStopped is returned by Queue after Stop.
var ErrStopped = errors.New("task scheduler stopped")

// Task is one unit of work. ctx is cancelled when the scheduler stops.
type Task func(ctx context.Context)

type item struct {
	priority types.Priority
	fn       Task
}

func rank(p types.Priority) int {
	switch p {
	case types.PriorityHigh:
		return 0
	case types.PriorityLow:
		return 2
	}
	return 1
}

type TaskScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan item
	logger *zap.SugaredLogger

	mu      sync.Mutex
	buffer  []item
	stopped bool

	workers  sync.WaitGroup
	detached sync.WaitGroup

	active    atomic.Int64
	coalescer *throttle.Coalescer[int]
}

// New starts workers goroutines reading from a queue of queueSize.
// onActive receives the in-flight count, coalesced over notifyDelay.
func New(workers, queueSize int, notifyDelay time.Duration, onActive func(int), logger *zap.SugaredLogger) *TaskScheduler {
	if workers < 1 {
		workers = 1
	}
	if onActive == nil {
		onActive = func(int) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &TaskScheduler{
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan item, queueSize),
		logger:    logger.Named("task-scheduler"),
		coalescer: throttle.NewCoalescer(notifyDelay, onActive),
	}
	for i := 0; i < workers; i++ {
		s.workers.Add(1)
		go s.work()
	}
	return s
}

// Queue buffers fn until the next Flush. LongRunning work starts at once.
func (s *TaskScheduler) Queue(priority types.Priority, fn Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if priority == types.PriorityLongRunning {
		s.detached.Add(1)
		go func() {
			defer s.detached.Done()
			s.run(fn)
		}()
		return nil
	}
	s.buffer = append(s.buffer, item{priority: priority, fn: fn})
	return nil
}

// Flush orders the buffered batch by priority and hands it to the workers.
// It blocks while the queue is full.
func (s *TaskScheduler) Flush() {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		return rank(batch[i].priority) < rank(batch[j].priority)
	})
	for i, it := range batch {
		select {
		case s.queue <- it:
		case <-s.ctx.Done():
			s.logger.Warnw("dropping queued work on shutdown", "count", len(batch)-i)
			return
		}
	}
}

func (s *TaskScheduler) work() {
	defer s.workers.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case it := <-s.queue:
			if s.ctx.Err() != nil {
				return
			}
			s.run(it.fn)
		}
	}
}

func (s *TaskScheduler) run(fn Task) {
	s.coalescer.Push(int(s.active.Add(1)))
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
		s.coalescer.Push(int(s.active.Add(-1)))
	}()
	fn(s.ctx)
}

// Active returns the number of tasks currently running.
func (s *TaskScheduler) Active() int {
	return int(s.active.Load())
}

// Stop refuses new work, cancels the context of running tasks and waits
// for them to return. Work still waiting in the queue is dropped.
func (s *TaskScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.buffer = nil
	s.mu.Unlock()

	s.cancel()
	s.workers.Wait()
	s.detached.Wait()
	s.coalescer.Stop()
}
