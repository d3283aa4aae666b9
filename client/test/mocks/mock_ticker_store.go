package mocks

import (
	"context"
	"time"

	"github.com/RezaEskandarii/gofire/internal/state"
	"github.com/RezaEskandarii/gofire/internal/store"
	"github.com/RezaEskandarii/gofire/types"
	"github.com/google/uuid"
)

// MockTickerStore is a mock implementation of store.TickerStore for testing.
// Unset funcs return zero values.
type MockTickerStore struct {
	GetTimeTickerByIDFunc              func(ctx context.Context, id uuid.UUID) (*types.TimeTicker, error)
	GetTimeTickersByIDsFunc            func(ctx context.Context, ids []uuid.UUID) ([]types.TimeTicker, error)
	ListTimeTickersFunc                func(ctx context.Context, page, pageSize int, status state.JobStatus) (*types.PaginationResult[types.TimeTicker], error)
	InsertTimeTickersFunc              func(ctx context.Context, tickers []types.TimeTicker) error
	UpdateTimeTickerFunc               func(ctx context.Context, ticker *types.TimeTicker) (bool, error)
	DeleteTimeTickersFunc              func(ctx context.Context, ids []uuid.UUID) (int64, error)
	GetCronTickerByIDFunc              func(ctx context.Context, id uuid.UUID) (*types.CronTicker, error)
	GetCronTickersFunc                 func(ctx context.Context) ([]types.CronTicker, error)
	InsertCronTickersFunc              func(ctx context.Context, tickers []types.CronTicker) error
	UpdateCronTickerFunc               func(ctx context.Context, ticker *types.CronTicker) error
	DeleteCronTickersFunc              func(ctx context.Context, ids []uuid.UUID) (int64, error)
	GetCronOccurrenceByIDFunc          func(ctx context.Context, id uuid.UUID) (*types.CronTickerOccurrence, error)
	GetCronOccurrencesByCronTickerFunc func(ctx context.Context, cronTickerID uuid.UUID) ([]types.CronTickerOccurrence, error)
	CloseFunc                          func() error
}

var _ store.TickerStore = (*MockTickerStore)(nil)

func (m *MockTickerStore) GetTimeTickerByID(ctx context.Context, id uuid.UUID) (*types.TimeTicker, error) {
	if m.GetTimeTickerByIDFunc != nil {
		return m.GetTimeTickerByIDFunc(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (m *MockTickerStore) GetTimeTickersByIDs(ctx context.Context, ids []uuid.UUID) ([]types.TimeTicker, error) {
	if m.GetTimeTickersByIDsFunc != nil {
		return m.GetTimeTickersByIDsFunc(ctx, ids)
	}
	return nil, nil
}

func (m *MockTickerStore) ListTimeTickers(ctx context.Context, page, pageSize int, status state.JobStatus) (*types.PaginationResult[types.TimeTicker], error) {
	if m.ListTimeTickersFunc != nil {
		return m.ListTimeTickersFunc(ctx, page, pageSize, status)
	}
	return &types.PaginationResult[types.TimeTicker]{Items: []types.TimeTicker{}}, nil
}

func (m *MockTickerStore) InsertTimeTickers(ctx context.Context, tickers []types.TimeTicker) error {
	if m.InsertTimeTickersFunc != nil {
		return m.InsertTimeTickersFunc(ctx, tickers)
	}
	return nil
}

func (m *MockTickerStore) UpdateTimeTicker(ctx context.Context, ticker *types.TimeTicker) (bool, error) {
	if m.UpdateTimeTickerFunc != nil {
		return m.UpdateTimeTickerFunc(ctx, ticker)
	}
	return true, nil
}

func (m *MockTickerStore) DeleteTimeTickers(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if m.DeleteTimeTickersFunc != nil {
		return m.DeleteTimeTickersFunc(ctx, ids)
	}
	return int64(len(ids)), nil
}

func (m *MockTickerStore) GetCronTickerByID(ctx context.Context, id uuid.UUID) (*types.CronTicker, error) {
	if m.GetCronTickerByIDFunc != nil {
		return m.GetCronTickerByIDFunc(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (m *MockTickerStore) GetCronTickers(ctx context.Context) ([]types.CronTicker, error) {
	if m.GetCronTickersFunc != nil {
		return m.GetCronTickersFunc(ctx)
	}
	return nil, nil
}

func (m *MockTickerStore) InsertCronTickers(ctx context.Context, tickers []types.CronTicker) error {
	if m.InsertCronTickersFunc != nil {
		return m.InsertCronTickersFunc(ctx, tickers)
	}
	return nil
}

func (m *MockTickerStore) UpdateCronTicker(ctx context.Context, ticker *types.CronTicker) error {
	if m.UpdateCronTickerFunc != nil {
		return m.UpdateCronTickerFunc(ctx, ticker)
	}
	return nil
}

func (m *MockTickerStore) DeleteCronTickers(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if m.DeleteCronTickersFunc != nil {
		return m.DeleteCronTickersFunc(ctx, ids)
	}
	return int64(len(ids)), nil
}

func (m *MockTickerStore) GetCronOccurrenceByID(ctx context.Context, id uuid.UUID) (*types.CronTickerOccurrence, error) {
	if m.GetCronOccurrenceByIDFunc != nil {
		return m.GetCronOccurrenceByIDFunc(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (m *MockTickerStore) GetCronOccurrencesByCronTicker(ctx context.Context, cronTickerID uuid.UUID) ([]types.CronTickerOccurrence, error) {
	if m.GetCronOccurrencesByCronTickerFunc != nil {
		return m.GetCronOccurrencesByCronTickerFunc(ctx, cronTickerID)
	}
	return nil, nil
}

// The scheduling side of the store is never reached from the client.

func (m *MockTickerStore) EarliestTimeTickerExecution(ctx context.Context) (*time.Time, error) {
	return nil, nil
}

func (m *MockTickerStore) QueueDueTimeTickers(ctx context.Context, req store.ClaimRequest) ([]types.TimeTicker, error) {
	return nil, nil
}

func (m *MockTickerStore) QueueTimedOutTimeTickers(ctx context.Context, req store.ClaimRequest) ([]types.TimeTicker, error) {
	return nil, nil
}

func (m *MockTickerStore) QueueCronOccurrences(ctx context.Context, req store.ClaimRequest, candidates []store.CronOccurrenceCandidate) ([]types.CronTickerOccurrence, error) {
	return nil, nil
}

func (m *MockTickerStore) QueueTimedOutCronOccurrences(ctx context.Context, req store.ClaimRequest) ([]types.CronTickerOccurrence, error) {
	return nil, nil
}

func (m *MockTickerStore) ReleaseAcquiredTimeTickers(ctx context.Context, node string, now time.Time) (int64, error) {
	return 0, nil
}

func (m *MockTickerStore) ReleaseAcquiredCronOccurrences(ctx context.Context, node string, now time.Time) (int64, error) {
	return 0, nil
}

func (m *MockTickerStore) ReleaseDeadNodeTimeTickers(ctx context.Context, node, reason string, now time.Time) (store.DeadNodeRelease, error) {
	return store.DeadNodeRelease{}, nil
}

func (m *MockTickerStore) ReleaseDeadNodeCronOccurrences(ctx context.Context, node, reason string, now time.Time) (store.DeadNodeRelease, error) {
	return store.DeadNodeRelease{}, nil
}

func (m *MockTickerStore) UpdateTimeTickerStatus(ctx context.Context, update store.StatusUpdate) (bool, error) {
	return false, nil
}

func (m *MockTickerStore) UpdateCronOccurrenceStatus(ctx context.Context, update store.StatusUpdate) (bool, error) {
	return false, nil
}

func (m *MockTickerStore) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
