package jobmanager

import (
	"context"
	"runtime"

	"github.com/RezaEskandarii/gofire/app"
	"github.com/RezaEskandarii/gofire/client"
	"github.com/RezaEskandarii/gofire/internal/db"
	"github.com/RezaEskandarii/gofire/types/config"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// New initializes the entire Gofire node using the provided GofireConfig
// and starts it.
//
// The function performs the following steps:
//  1. Wires every dependency through app.NewContainer.
//  2. Runs schema and migration setup if PostgreSQL is used (protected by a distributed lock).
//  3. Seeds a CronTicker for every function registered with a cron expression.
//  4. Starts the scheduling loop, the liveness monitor and the ops server.
//
// The returned JobManager stops the node on Shutdown. Cancelling ctx stops
// the background loops but still leaves Shutdown to release resources.
func New(ctx context.Context, cfg *config.GofireConfig, opts ...app.ContainerOption) (*client.JobManager, error) {
	c, err := app.NewContainer(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	c.Logger.Infow("starting gofire node",
		"gomaxprocs", runtime.GOMAXPROCS(0),
		"storage", cfg.StorageDriver.String(),
		"workers", cfg.MaxConcurrency,
		"functions", cfg.Handlers.List(),
	)

	if err := bootstrap(ctx, c); err != nil {
		_ = c.Close()
		return nil, err
	}

	n := start(ctx, c)
	c.JobManager.OnShutdown(n.shutdown)
	return c.JobManager, nil
}

func bootstrap(ctx context.Context, c *app.Container) error {
	if c.DB != nil {
		if err := db.Init(ctx, c.DB, c.LockManager, c.Logger); err != nil {
			return err
		}
	}
	if _, err := c.JobManager.SeedRecurring(ctx); err != nil {
		return errors.Wrap(err, "seed recurring functions")
	}
	return nil
}

type node struct {
	c      *app.Container
	cancel context.CancelFunc
	group  *errgroup.Group
}

func start(ctx context.Context, c *app.Container) *node {
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	n := &node{c: c, cancel: cancel, group: g}

	n.goRun(gctx, "scheduler", c.Scheduler.Run)
	if c.Monitor != nil {
		n.goRun(gctx, "liveness", c.Monitor.Run)
	}
	if c.Server != nil {
		n.goRun(gctx, "server", c.Server.Run)
	}
	return n
}

// goRun starts fn in the group. A failure stops the other loops as well.
func (n *node) goRun(ctx context.Context, name string, fn func(ctx context.Context) error) {
	n.group.Go(func() error {
		if err := fn(ctx); err != nil {
			n.c.Logger.Errorw("background loop stopped", "loop", name, "error", err)
			return errors.Wrap(err, name)
		}
		return nil
	})
}

// shutdown stops the loops, cancels running jobs and waits for workers,
// hands queued holds back to the store and closes connections.
func (n *node) shutdown(ctx context.Context) error {
	logger := n.c.Logger
	n.cancel()
	errs := n.group.Wait()

	drained := make(chan struct{})
	go func() {
		n.c.Tasks.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = errors.CombineErrors(errs, errors.Wrap(ctx.Err(), "drain workers"))
	}

	released, err := n.c.Claims.ReleaseAcquired(context.WithoutCancel(ctx))
	if err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "release acquired tickers"))
	} else if released > 0 {
		logger.Infow("released queued tickers", "count", released)
	}

	errs = errors.CombineErrors(errs, n.c.Close())
	_ = logger.Sync()
	return errs
}
