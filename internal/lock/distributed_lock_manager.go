package lock

import "context"

// DistributedLockManager serializes one-time startup work, such as
// migrations and cron seeding, across every node sharing a store.
type DistributedLockManager interface {
	Acquire(ctx context.Context, lockID int) error
	Release(ctx context.Context, lockID int) error
}

// WithLock runs fn while holding lockID.
func WithLock(ctx context.Context, m DistributedLockManager, lockID int, fn func(ctx context.Context) error) error {
	if err := m.Acquire(ctx, lockID); err != nil {
		return err
	}
	defer func() { _ = m.Release(context.WithoutCancel(ctx), lockID) }()
	return fn(ctx)
}
