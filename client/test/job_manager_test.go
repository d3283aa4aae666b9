package test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/RezaEskandarii/gofire/client"
	"github.com/RezaEskandarii/gofire/client/test/mocks"
	"github.com/RezaEskandarii/gofire/custom_errors"
	"github.com/RezaEskandarii/gofire/internal/cancellation"
	"github.com/RezaEskandarii/gofire/internal/clock"
	"github.com/RezaEskandarii/gofire/internal/constants"
	"github.com/RezaEskandarii/gofire/internal/state"
	"github.com/RezaEskandarii/gofire/internal/store"
	"github.com/RezaEskandarii/gofire/types"
	"github.com/RezaEskandarii/gofire/types/config"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

var noop = types.HandlerFunc(func(ctx context.Context, ec *types.ExecutionContext) error { return nil })

type fixture struct {
	store     *mocks.MockTickerStore
	locks     *mocks.MockDistributedLockManager
	restarter *mocks.MockRestarter
	registry  *cancellation.Registry
	handlers  *config.JobHandler
	jm        *client.JobManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     &mocks.MockTickerStore{},
		locks:     &mocks.MockDistributedLockManager{},
		restarter: &mocks.MockRestarter{},
		registry:  cancellation.NewRegistry(),
		handlers:  config.NewJobHandler(),
	}
	require.NoError(t, f.handlers.Register("send_sms", noop))
	require.NoError(t, f.handlers.Register("notify", noop))
	f.jm = client.NewJobManager(f.store, f.handlers, f.locks, f.restarter, f.registry, clock.NewFake(now), zap.NewNop().Sugar())
	return f
}

func validationErrors(t *testing.T, err error) []error {
	t.Helper()
	var v *custom_errors.ValidationError
	require.True(t, errors.As(err, &v), "expected a validation error, got %v", err)
	return v.Errors
}

func TestJobManager_AddTimeTicker(t *testing.T) {
	f := newFixture(t)
	var inserted []types.TimeTicker
	f.store.InsertTimeTickersFunc = func(ctx context.Context, tickers []types.TimeTicker) error {
		inserted = tickers
		return nil
	}

	at := time.Date(2025, 5, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	added, err := f.jm.AddTimeTicker(context.Background(), types.TimeTicker{
		Function:      "send_sms",
		ExecutionTime: &at,
		Retries:       2,
		Children: []types.TimeTicker{
			{Function: "notify"},
			{Function: "notify", RunCondition: ptr(state.RunOnFailure)},
		},
	})
	require.NoError(t, err)
	require.Len(t, inserted, 1)

	assert.NotEqual(t, uuid.Nil, added.ID)
	assert.Equal(t, state.StatusIdle, added.Status)
	assert.Equal(t, time.UTC, added.ExecutionTime.Location())
	assert.True(t, added.ExecutionTime.Equal(at))
	assert.Equal(t, now, added.CreatedAt)
	assert.Nil(t, added.LockHolder)

	require.Len(t, added.Children, 2)
	for _, child := range added.Children {
		assert.Equal(t, state.StatusBatched, child.Status)
		require.NotNil(t, child.ParentID)
		assert.Equal(t, added.ID, *child.ParentID)
	}
	assert.Equal(t, state.RunOnSuccess, *added.Children[0].RunCondition)
	assert.Equal(t, state.RunOnFailure, *added.Children[1].RunCondition)
	assert.Equal(t, 1, f.restarter.Calls)
}

func TestJobManager_AddTimeTicker_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		ticker types.TimeTicker
		errs   int
	}{
		{name: "missing execution time", ticker: types.TimeTicker{Function: "send_sms"}, errs: 1},
		{name: "unknown function", ticker: types.TimeTicker{Function: "missing", ExecutionTime: &now}, errs: 1},
		{name: "missing function", ticker: types.TimeTicker{ExecutionTime: &now}, errs: 1},
		{name: "negative retry interval", ticker: types.TimeTicker{Function: "send_sms", ExecutionTime: &now, RetryIntervals: []int{5, -5}}, errs: 1},
		{
			name: "bad child",
			ticker: types.TimeTicker{Function: "send_sms", ExecutionTime: &now, Children: []types.TimeTicker{
				{Function: "missing", RunCondition: ptr(state.RunCondition("whenever"))},
			}},
			errs: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.InsertTimeTickersFunc = func(ctx context.Context, tickers []types.TimeTicker) error {
				t.Fatal("invalid tickers must not reach the store")
				return nil
			}

			_, err := f.jm.AddTimeTicker(context.Background(), tt.ticker)
			assert.Len(t, validationErrors(t, err), tt.errs)
			assert.Zero(t, f.restarter.Calls)
		})
	}
}

func TestJobManager_AddTimeTickers_StoreError(t *testing.T) {
	f := newFixture(t)
	f.store.InsertTimeTickersFunc = func(ctx context.Context, tickers []types.TimeTicker) error {
		return errors.New("insert failed")
	}

	_, err := f.jm.AddTimeTickers(context.Background(), []types.TimeTicker{{Function: "send_sms", ExecutionTime: &now}})
	assert.ErrorContains(t, err, "insert failed")
	assert.Zero(t, f.restarter.Calls)
}

func TestJobManager_Enqueue(t *testing.T) {
	f := newFixture(t)
	var inserted types.TimeTicker
	f.store.InsertTimeTickersFunc = func(ctx context.Context, tickers []types.TimeTicker) error {
		inserted = tickers[0]
		return nil
	}

	id, err := f.jm.Enqueue(context.Background(), "send_sms", now.Add(time.Hour), map[string]string{"to": "+100"})
	require.NoError(t, err)
	assert.Equal(t, inserted.ID, id)
	assert.JSONEq(t, `{"to":"+100"}`, string(inserted.Request))

	_, err = f.jm.Enqueue(context.Background(), "send_sms", now, func() {})
	assert.ErrorContains(t, err, "marshal request")
}

func TestJobManager_UpdateTimeTicker(t *testing.T) {
	id := uuid.New()
	f := newFixture(t)
	f.store.GetTimeTickerByIDFunc = func(ctx context.Context, got uuid.UUID) (*types.TimeTicker, error) {
		return &types.TimeTicker{ID: got, Function: "send_sms", ExecutionTime: &now}, nil
	}
	var updated *types.TimeTicker
	f.store.UpdateTimeTickerFunc = func(ctx context.Context, ticker *types.TimeTicker) (bool, error) {
		updated = ticker
		return true, nil
	}

	later := now.Add(time.Hour)
	require.NoError(t, f.jm.UpdateTimeTicker(context.Background(), &types.TimeTicker{ID: id, Function: "notify", ExecutionTime: &later}))
	require.NotNil(t, updated)
	assert.Equal(t, "notify", updated.Function)
	assert.Equal(t, now, updated.UpdatedAt)
	assert.Equal(t, 1, f.restarter.Calls)
}

func TestJobManager_UpdateTimeTicker_Claimed(t *testing.T) {
	f := newFixture(t)
	f.store.GetTimeTickerByIDFunc = func(ctx context.Context, id uuid.UUID) (*types.TimeTicker, error) {
		return &types.TimeTicker{ID: id}, nil
	}
	f.store.UpdateTimeTickerFunc = func(ctx context.Context, ticker *types.TimeTicker) (bool, error) {
		return false, nil
	}

	err := f.jm.UpdateTimeTicker(context.Background(), &types.TimeTicker{ID: uuid.New(), Function: "send_sms", ExecutionTime: &now})
	assert.ErrorIs(t, err, client.ErrTickerLocked)
	assert.Zero(t, f.restarter.Calls)
}

func TestJobManager_UpdateTimeTicker_NotFound(t *testing.T) {
	f := newFixture(t)
	err := f.jm.UpdateTimeTicker(context.Background(), &types.TimeTicker{ID: uuid.New(), Function: "send_sms", ExecutionTime: &now})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJobManager_UpdateTimeTicker_ChildNeedsNoExecutionTime(t *testing.T) {
	parent := uuid.New()
	f := newFixture(t)
	f.store.GetTimeTickerByIDFunc = func(ctx context.Context, id uuid.UUID) (*types.TimeTicker, error) {
		return &types.TimeTicker{ID: id, ParentID: &parent, Status: state.StatusBatched}, nil
	}
	assert.NoError(t, f.jm.UpdateTimeTicker(context.Background(), &types.TimeTicker{ID: uuid.New(), Function: "notify"}))
}

func TestJobManager_DeleteTimeTickers_CancelsRunning(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	ctx, release := f.registry.Add(context.Background(), cancellation.Entry{ID: id, FunctionName: "send_sms", Type: types.TimeTickerType})
	defer release()

	var deletedIDs []uuid.UUID
	f.store.DeleteTimeTickersFunc = func(ctx context.Context, ids []uuid.UUID) (int64, error) {
		deletedIDs = ids
		return 3, nil
	}

	deleted, err := f.jm.DeleteTimeTickers(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	assert.Equal(t, []uuid.UUID{id}, deletedIDs)
	assert.True(t, cancellation.IsCancelled(ctx))
	assert.Equal(t, 1, f.restarter.Calls)

	deleted, err = f.jm.DeleteTimeTickers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestJobManager_AddCronTicker(t *testing.T) {
	f := newFixture(t)
	var inserted []types.CronTicker
	f.store.InsertCronTickersFunc = func(ctx context.Context, tickers []types.CronTicker) error {
		inserted = tickers
		return nil
	}

	added, err := f.jm.AddCronTicker(context.Background(), types.CronTicker{Function: "send_sms", Expression: "0  3 * * 0"})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "0 3 * * 0", added.Expression)
	assert.NotEqual(t, uuid.Nil, added.ID)
	assert.Equal(t, now, added.CreatedAt)
	assert.Equal(t, 1, f.restarter.Calls)
}

func TestJobManager_AddCronTicker_Invalid(t *testing.T) {
	f := newFixture(t)

	_, err := f.jm.AddCronTicker(context.Background(), types.CronTicker{Function: "missing", Expression: "every day"})
	assert.Len(t, validationErrors(t, err), 2)

	_, err = f.jm.AddCronTicker(context.Background(), types.CronTicker{Function: "send_sms"})
	assert.Len(t, validationErrors(t, err), 1)
}

func TestJobManager_UpdateCronTicker(t *testing.T) {
	f := newFixture(t)
	f.store.UpdateCronTickerFunc = func(ctx context.Context, ticker *types.CronTicker) error {
		return store.ErrNotFound
	}

	err := f.jm.UpdateCronTicker(context.Background(), &types.CronTicker{ID: uuid.New(), Function: "send_sms", Expression: "@hourly"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = f.jm.UpdateCronTicker(context.Background(), &types.CronTicker{Function: "send_sms", Expression: "@hourly"})
	validationErrors(t, err)
}

func TestJobManager_ScheduleHelpers(t *testing.T) {
	tests := []struct {
		name     string
		schedule func(jm *client.JobManager) (uuid.UUID, error)
		want     string
	}{
		{"minute", func(jm *client.JobManager) (uuid.UUID, error) { return jm.ScheduleEveryMinute(context.Background(), "send_sms", nil) }, "* * * * *"},
		{"hour", func(jm *client.JobManager) (uuid.UUID, error) { return jm.ScheduleEveryHour(context.Background(), "send_sms", nil) }, "0 * * * *"},
		{"day", func(jm *client.JobManager) (uuid.UUID, error) { return jm.ScheduleEveryDay(context.Background(), "send_sms", nil) }, "0 0 * * *"},
		{"week", func(jm *client.JobManager) (uuid.UUID, error) { return jm.ScheduleEveryWeek(context.Background(), "send_sms", nil) }, "0 0 * * 0"},
		{"month", func(jm *client.JobManager) (uuid.UUID, error) { return jm.ScheduleEveryMonth(context.Background(), "send_sms", nil) }, "0 0 1 * *"},
		{"year", func(jm *client.JobManager) (uuid.UUID, error) { return jm.ScheduleEveryYear(context.Background(), "send_sms", nil) }, "0 0 1 1 *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			var inserted types.CronTicker
			f.store.InsertCronTickersFunc = func(ctx context.Context, tickers []types.CronTicker) error {
				inserted = tickers[0]
				return nil
			}
			id, err := tt.schedule(f.jm)
			require.NoError(t, err)
			assert.Equal(t, inserted.ID, id)
			assert.Equal(t, tt.want, inserted.Expression)
			assert.Nil(t, inserted.Request)
		})
	}
}

func TestJobManager_Schedule_WithRequest(t *testing.T) {
	f := newFixture(t)
	var inserted types.CronTicker
	f.store.InsertCronTickersFunc = func(ctx context.Context, tickers []types.CronTicker) error {
		inserted = tickers[0]
		return nil
	}

	_, err := f.jm.Schedule(context.Background(), "send_sms", "30 8 * * *", json.RawMessage(`"welcome"`))
	require.NoError(t, err)
	assert.Equal(t, `"welcome"`, string(inserted.Request))
}

func TestJobManager_SeedRecurring(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.Register("nightly_backup", noop, config.WithCronExpression("0 2 * * *")))
	require.NoError(t, f.handlers.Register("hourly_refresh", noop, config.WithCronExpression("@hourly")))

	var locked, released []int
	f.locks.AcquireFunc = func(lockID int) error {
		locked = append(locked, lockID)
		return nil
	}
	f.locks.ReleaseFunc = func(lockID int) error {
		released = append(released, lockID)
		return nil
	}
	f.store.GetCronTickersFunc = func(ctx context.Context) ([]types.CronTicker, error) {
		return []types.CronTicker{{ID: uuid.New(), Function: "nightly_backup", Expression: "0 2 * * *"}}, nil
	}
	var inserted []types.CronTicker
	f.store.InsertCronTickersFunc = func(ctx context.Context, tickers []types.CronTicker) error {
		inserted = tickers
		return nil
	}

	seeded, err := f.jm.SeedRecurring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, seeded)
	require.Len(t, inserted, 1)
	assert.Equal(t, "hourly_refresh", inserted[0].Function)
	assert.Equal(t, "@hourly", inserted[0].Expression)
	assert.Equal(t, []int{constants.SeedCronTickersLock}, locked)
	assert.Equal(t, []int{constants.SeedCronTickersLock}, released)
	assert.Equal(t, 1, f.restarter.Calls)
}

func TestJobManager_SeedRecurring_LockFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.Register("nightly_backup", noop, config.WithCronExpression("0 2 * * *")))
	f.locks.AcquireFunc = func(lockID int) error { return errors.New("lock busy") }

	_, err := f.jm.SeedRecurring(context.Background())
	assert.ErrorContains(t, err, "lock busy")
}

func TestJobManager_SeedRecurring_NothingToSeed(t *testing.T) {
	f := newFixture(t)
	f.locks.AcquireFunc = func(lockID int) error {
		t.Fatal("no lock is needed without recurring functions")
		return nil
	}
	seeded, err := f.jm.SeedRecurring(context.Background())
	require.NoError(t, err)
	assert.Zero(t, seeded)
}

func TestJobManager_CancelAndActiveTickers(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	_, release := f.registry.Add(context.Background(), cancellation.Entry{ID: id, FunctionName: "send_sms", Type: types.TimeTickerType})
	defer release()

	active := f.jm.ActiveTickers()
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].ID)

	assert.True(t, f.jm.Cancel(id))
	assert.False(t, f.jm.Cancel(uuid.New()))
}

func TestJobManager_ShutdownRunsOnce(t *testing.T) {
	f := newFixture(t)
	var calls int
	f.jm.OnShutdown(func(ctx context.Context) error {
		calls++
		return errors.New("drain timed out")
	})

	assert.ErrorContains(t, f.jm.Shutdown(context.Background()), "drain timed out")
	assert.ErrorContains(t, f.jm.Shutdown(context.Background()), "drain timed out")
	assert.Equal(t, 1, calls)
}

func ptr[T any](v T) *T {
	return &v
}
