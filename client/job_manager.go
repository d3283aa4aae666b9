package client

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/RezaEskandarii/gofire/custom_errors"
	"github.com/RezaEskandarii/gofire/internal/cancellation"
	"github.com/RezaEskandarii/gofire/internal/clock"
	"github.com/RezaEskandarii/gofire/internal/constants"
	"github.com/RezaEskandarii/gofire/internal/lock"
	"github.com/RezaEskandarii/gofire/internal/state"
	"github.com/RezaEskandarii/gofire/internal/store"
	"github.com/RezaEskandarii/gofire/pgk/parser"
	"github.com/RezaEskandarii/gofire/types"
	"github.com/RezaEskandarii/gofire/types/config"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrTickerLocked is returned when updating a ticker that was already
// claimed or has finished.
var ErrTickerLocked = errors.New("ticker is claimed or finished")

// Restarter wakes the scheduling loop so it re-plans against the store.
type Restarter interface {
	RequestRestart()
}

// JobManager is the entry point for adding, changing and cancelling work.
// Every mutation wakes this node's scheduling loop.
type JobManager struct {
	Store      store.TickerStore
	JobHandler *config.JobHandler

	lockManager lock.DistributedLockManager
	restarter   Restarter
	registry    *cancellation.Registry
	clock       clock.Clock
	logger      *zap.SugaredLogger

	shutdown     func(ctx context.Context) error
	shutdownOnce sync.Once
	shutdownErr  error
}

func NewJobManager(tickerStore store.TickerStore, jobHandler *config.JobHandler, lockManager lock.DistributedLockManager, restarter Restarter, registry *cancellation.Registry, clk clock.Clock, logger *zap.SugaredLogger) *JobManager {
	if clk == nil {
		clk = clock.System()
	}
	return &JobManager{
		Store:       tickerStore,
		JobHandler:  jobHandler,
		lockManager: lockManager,
		restarter:   restarter,
		registry:    registry,
		clock:       clk,
		logger:      logger.Named("client"),
	}
}

// OnShutdown sets what Shutdown runs. Only the first Shutdown call runs it.
func (jm *JobManager) OnShutdown(fn func(ctx context.Context) error) {
	jm.shutdown = fn
}

func (jm *JobManager) restart() {
	if jm.restarter != nil {
		jm.restarter.RequestRestart()
	}
}

// checkFunction is skipped without a function table, so admin tools can
// add work for functions only the worker nodes register.
func (jm *JobManager) checkFunction(name string, errs *custom_errors.ValidationError) {
	if name == "" || jm.JobHandler == nil {
		return
	}
	if !jm.JobHandler.Exists(name) {
		errs.Addf("unknown function %q", name)
	}
}

func encodeRequest(request any) (json.RawMessage, error) {
	switch v := request.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	raw, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	return raw, nil
}

// prepareTimeTicker assigns ids, timestamps and initial statuses to t and
// its children. Children start Batched and default to RunOnSuccess.
func (jm *JobManager) prepareTimeTicker(t *types.TimeTicker, parentID *uuid.UUID, now time.Time, errs *custom_errors.ValidationError) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.ExecutionTime != nil {
		at := t.ExecutionTime.UTC()
		t.ExecutionTime = &at
	}
	if parentID == nil {
		if t.ExecutionTime == nil {
			errs.Addf("time ticker %s: execution time is required", t.ID)
		}
		t.Status = state.StatusIdle
		t.ParentID = nil
		t.RunCondition = nil
	} else {
		pid := *parentID
		t.ParentID = &pid
		t.Status = state.StatusBatched
		if t.RunCondition == nil {
			rc := state.RunOnSuccess
			t.RunCondition = &rc
		} else if !t.RunCondition.Valid() {
			errs.Addf("time ticker %s: unknown run condition %q", t.ID, *t.RunCondition)
		}
	}
	t.LockHolder, t.LockedAt = nil, nil
	t.ExecutedAt, t.ExceptionDetails, t.SkippedReason = nil, nil, nil
	t.RetryCount = 0
	t.ElapsedTime = 0
	t.CreatedAt, t.UpdatedAt = now, now
	jm.checkFunction(t.Function, errs)

	if len(t.Children) == 0 {
		t.Children = nil
		return
	}
	children := make([]types.TimeTicker, len(t.Children))
	for i := range t.Children {
		children[i] = t.Children[i]
		jm.prepareTimeTicker(&children[i], &t.ID, now, errs)
	}
	t.Children = children
}

// AddTimeTickers validates and stores the tickers with their children.
// Nothing is stored when any of them is invalid.
func (jm *JobManager) AddTimeTickers(ctx context.Context, tickers []types.TimeTicker) ([]types.TimeTicker, error) {
	now := jm.clock.Now()
	errs := &custom_errors.ValidationError{}
	prepared := make([]types.TimeTicker, len(tickers))
	for i := range tickers {
		prepared[i] = tickers[i]
		jm.prepareTimeTicker(&prepared[i], nil, now, errs)
		validateStruct(prepared[i], errs)
	}
	if errs.HasError() {
		return nil, errs
	}
	if err := jm.Store.InsertTimeTickers(ctx, prepared); err != nil {
		return nil, errors.Wrap(err, "insert time tickers")
	}
	jm.logger.Debugw("time tickers added", "count", len(prepared))
	jm.restart()
	return prepared, nil
}

func (jm *JobManager) AddTimeTicker(ctx context.Context, ticker types.TimeTicker) (*types.TimeTicker, error) {
	added, err := jm.AddTimeTickers(ctx, []types.TimeTicker{ticker})
	if err != nil {
		return nil, err
	}
	return &added[0], nil
}

// Enqueue runs function once at the given time with request as its JSON payload.
func (jm *JobManager) Enqueue(ctx context.Context, function string, at time.Time, request any) (uuid.UUID, error) {
	raw, err := encodeRequest(request)
	if err != nil {
		return uuid.Nil, err
	}
	added, err := jm.AddTimeTicker(ctx, types.TimeTicker{Function: function, ExecutionTime: &at, Request: raw})
	if err != nil {
		return uuid.Nil, err
	}
	return added.ID, nil
}

// UpdateTimeTicker rewrites the definition of a ticker nobody has claimed yet.
func (jm *JobManager) UpdateTimeTicker(ctx context.Context, ticker *types.TimeTicker) error {
	cur, err := jm.Store.GetTimeTickerByID(ctx, ticker.ID)
	if err != nil {
		return errors.Wrapf(err, "load time ticker %s", ticker.ID)
	}

	errs := &custom_errors.ValidationError{}
	if ticker.ExecutionTime != nil {
		at := ticker.ExecutionTime.UTC()
		ticker.ExecutionTime = &at
	} else if cur.ParentID == nil {
		errs.Addf("time ticker %s: execution time is required", ticker.ID)
	}
	jm.checkFunction(ticker.Function, errs)
	definition := *ticker
	definition.Children = nil
	definition.RetryCount = 0
	validateStruct(definition, errs)
	if errs.HasError() {
		return errs
	}

	ticker.UpdatedAt = jm.clock.Now()
	ok, err := jm.Store.UpdateTimeTicker(ctx, ticker)
	if err != nil {
		return errors.Wrapf(err, "update time ticker %s", ticker.ID)
	}
	if !ok {
		return errors.Wrapf(ErrTickerLocked, "time ticker %s", ticker.ID)
	}
	jm.restart()
	return nil
}

// DeleteTimeTickers removes the tickers and their children. Runs of them in
// flight on this node are asked to stop.
func (jm *JobManager) DeleteTimeTickers(ctx context.Context, ids ...uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	for _, id := range ids {
		jm.Cancel(id)
	}
	deleted, err := jm.Store.DeleteTimeTickers(ctx, ids)
	if err != nil {
		return 0, errors.Wrap(err, "delete time tickers")
	}
	jm.restart()
	return deleted, nil
}

func (jm *JobManager) FindTimeTicker(ctx context.Context, id uuid.UUID) (*types.TimeTicker, error) {
	return jm.Store.GetTimeTickerByID(ctx, id)
}

func (jm *JobManager) ListTimeTickers(ctx context.Context, page, pageSize int, status state.JobStatus) (*types.PaginationResult[types.TimeTicker], error) {
	return jm.Store.ListTimeTickers(ctx, page, pageSize, status)
}

func (jm *JobManager) prepareCronTicker(t *types.CronTicker, errs *custom_errors.ValidationError) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Expression != "" {
		t.Expression = parser.Normalize(t.Expression)
		if err := parser.Validate(t.Expression); err != nil {
			errs.Addf("cron ticker %s: invalid expression %q", t.ID, t.Expression)
		}
	}
	jm.checkFunction(t.Function, errs)
	validateStruct(*t, errs)
}

// AddCronTicker stores a recurring ticker. Occurrences are created by the
// scheduling loop as they come due.
func (jm *JobManager) AddCronTicker(ctx context.Context, ticker types.CronTicker) (*types.CronTicker, error) {
	errs := &custom_errors.ValidationError{}
	jm.prepareCronTicker(&ticker, errs)
	if errs.HasError() {
		return nil, errs
	}
	now := jm.clock.Now()
	ticker.CreatedAt, ticker.UpdatedAt = now, now
	if err := jm.Store.InsertCronTickers(ctx, []types.CronTicker{ticker}); err != nil {
		return nil, errors.Wrap(err, "insert cron ticker")
	}
	jm.restart()
	return &ticker, nil
}

func (jm *JobManager) UpdateCronTicker(ctx context.Context, ticker *types.CronTicker) error {
	if ticker.ID == uuid.Nil {
		return custom_errors.NewValidationError(errors.New("cron ticker id is required"))
	}
	errs := &custom_errors.ValidationError{}
	jm.prepareCronTicker(ticker, errs)
	if errs.HasError() {
		return errs
	}
	ticker.UpdatedAt = jm.clock.Now()
	if err := jm.Store.UpdateCronTicker(ctx, ticker); err != nil {
		return errors.Wrapf(err, "update cron ticker %s", ticker.ID)
	}
	jm.restart()
	return nil
}

// DeleteCronTickers removes the cron tickers with all their occurrences.
func (jm *JobManager) DeleteCronTickers(ctx context.Context, ids ...uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	deleted, err := jm.Store.DeleteCronTickers(ctx, ids)
	if err != nil {
		return 0, errors.Wrap(err, "delete cron tickers")
	}
	jm.restart()
	return deleted, nil
}

func (jm *JobManager) FindCronTicker(ctx context.Context, id uuid.UUID) (*types.CronTicker, error) {
	return jm.Store.GetCronTickerByID(ctx, id)
}

func (jm *JobManager) ListCronTickers(ctx context.Context) ([]types.CronTicker, error) {
	return jm.Store.GetCronTickers(ctx)
}

func (jm *JobManager) CronOccurrences(ctx context.Context, cronTickerID uuid.UUID) ([]types.CronTickerOccurrence, error) {
	return jm.Store.GetCronOccurrencesByCronTicker(ctx, cronTickerID)
}

// Cancel asks a job running on this node to stop. It reports whether the
// job was found.
func (jm *JobManager) Cancel(id uuid.UUID) bool {
	if jm.registry == nil {
		return false
	}
	return jm.registry.RequestCancellation(id)
}

// ActiveTickers lists the jobs running on this node.
func (jm *JobManager) ActiveTickers() []cancellation.Entry {
	if jm.registry == nil {
		return nil
	}
	return jm.registry.Snapshot()
}

// SeedRecurring creates a CronTicker for every function registered with a
// cron expression that has none yet. Nodes starting together serialize on
// an advisory lock so each function is seeded once.
func (jm *JobManager) SeedRecurring(ctx context.Context) (int, error) {
	if jm.JobHandler == nil {
		return 0, nil
	}
	recurring := jm.JobHandler.Recurring()
	if len(recurring) == 0 {
		return 0, nil
	}

	var seeded int
	seed := func(ctx context.Context) error {
		existing, err := jm.Store.GetCronTickers(ctx)
		if err != nil {
			return errors.Wrap(err, "load cron tickers")
		}
		have := make(map[string]struct{}, len(existing))
		for _, t := range existing {
			have[t.Function] = struct{}{}
		}

		now := jm.clock.Now()
		var missing []types.CronTicker
		for _, fn := range recurring {
			if _, ok := have[fn.Name]; ok {
				continue
			}
			missing = append(missing, types.CronTicker{
				ID:          uuid.New(),
				Function:    fn.Name,
				Description: fn.Description,
				Expression:  fn.CronExpression,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
		if len(missing) == 0 {
			return nil
		}
		if err := jm.Store.InsertCronTickers(ctx, missing); err != nil {
			return errors.Wrap(err, "insert cron tickers")
		}
		seeded = len(missing)
		return nil
	}

	var err error
	if jm.lockManager == nil {
		err = seed(ctx)
	} else {
		err = lock.WithLock(ctx, jm.lockManager, constants.SeedCronTickersLock, seed)
	}
	if err != nil {
		return 0, err
	}
	if seeded > 0 {
		jm.logger.Infow("seeded recurring functions", "count", seeded)
		jm.restart()
	}
	return seeded, nil
}

// Shutdown stops the node. Later calls return the first call's result.
func (jm *JobManager) Shutdown(ctx context.Context) error {
	jm.shutdownOnce.Do(func() {
		if jm.shutdown != nil {
			jm.shutdownErr = jm.shutdown(ctx)
		}
	})
	return jm.shutdownErr
}

// GracefulExit blocks until SIGINT or SIGTERM, then shuts the node down
// within timeout.
func (jm *JobManager) GracefulExit(timeout time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	jm.logger.Info("gofire shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := jm.Shutdown(shutdownCtx); err != nil {
		jm.logger.Errorw("shutdown failed", "error", err)
		return err
	}
	jm.logger.Info("gofire shutdown complete")
	return nil
}
