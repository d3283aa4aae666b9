package lock

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"
)

// LocalLockManager is the in-process lock used with the in-memory store,
// where every node shares one process.
type LocalLockManager struct {
	mu    sync.Mutex
	locks map[int]*semaphore.Weighted
}

func NewLocalLockManager() *LocalLockManager {
	return &LocalLockManager{locks: make(map[int]*semaphore.Weighted)}
}

func (l *LocalLockManager) get(lockID int) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.locks[lockID]
	if !ok {
		s = semaphore.NewWeighted(1)
		l.locks[lockID] = s
	}
	return s
}

func (l *LocalLockManager) Acquire(ctx context.Context, lockID int) error {
	if err := l.get(lockID).Acquire(ctx, 1); err != nil {
		return errors.Wrapf(err, "failed to acquire lock %d", lockID)
	}
	return nil
}

func (l *LocalLockManager) Release(ctx context.Context, lockID int) (err error) {
	defer func() {
		// Weighted panics when releasing more than held.
		if r := recover(); r != nil {
			err = errors.Newf("failed to release lock %d: not held", lockID)
		}
	}()
	l.get(lockID).Release(1)
	return nil
}
