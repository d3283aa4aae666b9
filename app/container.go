package app

import (
	"context"
	"database/sql"

	"github.com/RezaEskandarii/gofire/client"
	"github.com/RezaEskandarii/gofire/internal/cancellation"
	"github.com/RezaEskandarii/gofire/internal/claim"
	"github.com/RezaEskandarii/gofire/internal/clock"
	"github.com/RezaEskandarii/gofire/internal/execution"
	"github.com/RezaEskandarii/gofire/internal/liveness"
	"github.com/RezaEskandarii/gofire/internal/lock"
	"github.com/RezaEskandarii/gofire/internal/logging"
	"github.com/RezaEskandarii/gofire/internal/message_broaker"
	"github.com/RezaEskandarii/gofire/internal/metrics"
	"github.com/RezaEskandarii/gofire/internal/notifier"
	"github.com/RezaEskandarii/gofire/internal/scheduler"
	"github.com/RezaEskandarii/gofire/internal/server"
	"github.com/RezaEskandarii/gofire/internal/store"
	"github.com/RezaEskandarii/gofire/internal/store/memory"
	"github.com/RezaEskandarii/gofire/internal/store/postgres"
	"github.com/RezaEskandarii/gofire/internal/taskscheduler"
	"github.com/RezaEskandarii/gofire/pgk/parser"
	"github.com/RezaEskandarii/gofire/types/config"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Container holds all application dependencies. It is the single source of truth
// for dependency injection and ensures connections and services are created once.
type Container struct {
	Config *config.GofireConfig
	Logger *zap.SugaredLogger
	Clock  clock.Clock

	// Storage connections (created once, shared by all stores)
	DB    *sql.DB
	Redis *redis.Client

	Store         store.TickerStore
	LockManager   lock.DistributedLockManager
	MessageBroker message_broaker.MessageBroker

	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Notifier     notifier.Notifier
	Cancellation *cancellation.Registry

	Tasks       *taskscheduler.TaskScheduler
	Coordinator *execution.Coordinator
	Claims      *claim.Resolver
	Scheduler   *scheduler.Scheduler
	// Monitor is nil without Redis.
	Monitor *liveness.Monitor
	// Server is nil without a metrics address.
	Server *server.Server

	JobManager *client.JobManager
}

// NewContainer creates and wires all dependencies. Single entry point for DI.
// Call this once per application lifecycle. Nothing is started.
func NewContainer(ctx context.Context, cfg *config.GofireConfig, opts ...ContainerOption) (c *Container, err error) {
	opt := &containerConfig{}
	for _, o := range opts {
		o(opt)
	}

	c = &Container{Config: cfg, Clock: opt.clock, Logger: opt.logger, DB: opt.db, Redis: opt.redis}
	if c.Clock == nil {
		c.Clock = clock.System()
	}
	if c.Logger == nil {
		if c.Logger, err = logging.New(cfg.LogLevel, cfg.Instance); err != nil {
			return nil, err
		}
	}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if err = c.initStorage(ctx); err != nil {
		return nil, err
	}
	if c.Redis == nil && cfg.RedisConfig != nil {
		c.Redis = newRedisClient(cfg.RedisConfig)
	}
	if c.MessageBroker, err = newMessageBroker(cfg, c.Redis); err != nil {
		return nil, err
	}

	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.Metrics = metrics.New(c.Registry)
	c.Notifier = c.newNotifier()
	c.Cancellation = cancellation.NewRegistry()

	c.Tasks = taskscheduler.New(cfg.MaxConcurrency, cfg.QueueSize, cfg.NotifyDebounce, c.Notifier.ActiveThreadsChanged, c.Logger)
	c.Coordinator = execution.New(execution.Deps{
		Store:                c.Store,
		Registry:             c.Cancellation,
		Clock:                c.Clock,
		Notifier:             c.Notifier,
		Metrics:              c.Metrics,
		Exceptions:           cfg.ExceptionHandler,
		Logger:               c.Logger,
		Node:                 cfg.Instance,
		DefaultRetryInterval: cfg.DefaultRetryInterval,
	})
	c.Claims = claim.NewResolver(c.Store, cfg.Handlers, parser.NewCache(), c.Clock, c.Notifier, c.Logger, claim.Options{
		Node:           cfg.Instance,
		FallbackWindow: cfg.FallbackWindow,
		ClaimWindow:    cfg.ClaimWindow,
	})
	c.Scheduler = scheduler.New(c.Claims, c.Tasks, c.Coordinator, c.Clock, c.Metrics, c.Logger, scheduler.Options{
		FallbackInterval: cfg.FallbackInterval,
		RestartDebounce:  cfg.RestartDebounce,
		ErrorBackoff:     cfg.ErrorBackoff,
	})

	if c.Redis != nil {
		heartbeats := liveness.NewRedisHeartbeats(c.Redis, cfg.RedisConfig.KeyPrefix)
		c.Monitor = liveness.NewMonitor(heartbeats, c.Claims, c.Metrics, c.Logger, liveness.Options{
			Node:     cfg.Instance,
			Interval: cfg.HeartbeatInterval,
			TTL:      cfg.HeartbeatTTL,
		})
	}
	if cfg.MetricsAddr != "" {
		c.Server = server.New(cfg.MetricsAddr, cfg.Instance, c.Registry, c.HealthCheck, c.Logger)
	}

	c.JobManager = client.NewJobManager(c.Store, cfg.Handlers, c.LockManager, c.Scheduler, c.Cancellation, c.Clock, c.Logger)
	return c, nil
}

func (c *Container) initStorage(ctx context.Context) error {
	switch c.Config.StorageDriver {
	case config.Postgres:
		if c.DB == nil {
			db, err := openPostgresDB(ctx, c.Config.PostgresConfig)
			if err != nil {
				return errors.Wrap(err, "init storage")
			}
			c.DB = db
		}
		c.Store = postgres.NewPostgresTickerStore(c.DB)
		c.LockManager = lock.NewPostgresDistributedLockManager(c.DB)
	case config.InMemory:
		c.Store = memory.NewMemoryTickerStore()
		c.LockManager = lock.NewLocalLockManager()
	default:
		return errors.Newf("unsupported storage driver: %v", c.Config.StorageDriver)
	}
	return nil
}

func (c *Container) newNotifier() notifier.Notifier {
	notifiers := []notifier.Notifier{notifier.Metrics{M: c.Metrics}}
	if c.MessageBroker != nil {
		notifiers = append(notifiers, notifier.NewBroker(c.MessageBroker, c.Config.NotifyQueue, c.Config.Instance, c.Logger))
	}
	return notifier.Multi(notifiers...)
}

// HealthCheck pings the database and Redis when they are in use.
func (c *Container) HealthCheck(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.PingContext(ctx); err != nil {
			return errors.Wrap(err, "database")
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "redis")
		}
	}
	return nil
}

// Close releases connections. The store owns the database handle.
func (c *Container) Close() error {
	var errs error
	if c.MessageBroker != nil {
		errs = errors.CombineErrors(errs, c.MessageBroker.Close())
	}
	if c.Redis != nil {
		errs = errors.CombineErrors(errs, c.Redis.Close())
	}
	switch {
	case c.Store != nil:
		errs = errors.CombineErrors(errs, c.Store.Close())
	case c.DB != nil:
		errs = errors.CombineErrors(errs, c.DB.Close())
	}
	return errs
}
