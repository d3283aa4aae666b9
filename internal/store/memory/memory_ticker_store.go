// Package memory is a process-local TickerStore. It backs the InMemory
// storage driver and the multi-node claim tests.
package memory

import (
	"context"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/RezaEskandarii/gofire/internal/state"
	"github.com/RezaEskandarii/gofire/internal/store"
	"github.com/RezaEskandarii/gofire/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type occurrenceKey struct {
	cronTickerID  uuid.UUID
	executionTime int64
}

type MemoryTickerStore struct {
	mu            sync.Mutex
	timeTickers   map[uuid.UUID]*types.TimeTicker
	cronTickers   map[uuid.UUID]*types.CronTicker
	occurrences   map[uuid.UUID]*types.CronTickerOccurrence
	occurrenceIdx map[occurrenceKey]uuid.UUID
}

func NewMemoryTickerStore() *MemoryTickerStore {
	return &MemoryTickerStore{
		timeTickers:   make(map[uuid.UUID]*types.TimeTicker),
		cronTickers:   make(map[uuid.UUID]*types.CronTicker),
		occurrences:   make(map[uuid.UUID]*types.CronTickerOccurrence),
		occurrenceIdx: make(map[occurrenceKey]uuid.UUID),
	}
}

func keyOf(cronTickerID uuid.UUID, at time.Time) occurrenceKey {
	return occurrenceKey{cronTickerID: cronTickerID, executionTime: at.UTC().UnixNano()}
}

func isClaimable(status state.JobStatus, holder *string, node string) bool {
	return status.IsPending() && (holder == nil || *holder == node)
}

func cloneTimeTicker(t *types.TimeTicker) types.TimeTicker {
	c := *t
	c.RetryIntervals = slices.Clone(t.RetryIntervals)
	c.Request = slices.Clone(t.Request)
	c.Children = nil
	return c
}

func cloneCronTicker(t *types.CronTicker) types.CronTicker {
	c := *t
	c.RetryIntervals = slices.Clone(t.RetryIntervals)
	c.Request = slices.Clone(t.Request)
	return c
}

func (s *MemoryTickerStore) cloneOccurrence(o *types.CronTickerOccurrence) types.CronTickerOccurrence {
	c := *o
	if ct, ok := s.cronTickers[o.CronTickerID]; ok {
		cp := cloneCronTicker(ct)
		c.CronTicker = &cp
	}
	return c
}

// treeLocked returns a copy of the ticker with its children loaded recursively.
func (s *MemoryTickerStore) treeLocked(id uuid.UUID) types.TimeTicker {
	root := cloneTimeTicker(s.timeTickers[id])
	var children []*types.TimeTicker
	for _, t := range s.timeTickers {
		if t.ParentID != nil && *t.ParentID == id {
			children = append(children, t)
		}
	}
	sort.Slice(children, func(i, j int) bool {
		if children[i].CreatedAt.Equal(children[j].CreatedAt) {
			return children[i].ID.String() < children[j].ID.String()
		}
		return children[i].CreatedAt.Before(children[j].CreatedAt)
	})
	for _, c := range children {
		root.Children = append(root.Children, s.treeLocked(c.ID))
	}
	return root
}

func (s *MemoryTickerStore) GetTimeTickerByID(ctx context.Context, id uuid.UUID) (*types.TimeTicker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timeTickers[id]; !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "time ticker %s", id)
	}
	t := s.treeLocked(id)
	return &t, nil
}

func (s *MemoryTickerStore) GetTimeTickersByIDs(ctx context.Context, ids []uuid.UUID) ([]types.TimeTicker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.TimeTicker
	for _, id := range ids {
		if t, ok := s.timeTickers[id]; ok {
			out = append(out, cloneTimeTicker(t))
		}
	}
	return out, nil
}

func (s *MemoryTickerStore) ListTimeTickers(ctx context.Context, page, pageSize int, status state.JobStatus) (*types.PaginationResult[types.TimeTicker], error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	s.mu.Lock()
	var all []types.TimeTicker
	for _, t := range s.timeTickers {
		if status != "" && t.Status != status {
			continue
		}
		all = append(all, cloneTimeTicker(t))
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	start := min((page-1)*pageSize, total)
	end := min(start+pageSize, total)
	totalPages := int(math.Ceil(float64(total) / float64(pageSize)))

	return &types.PaginationResult[types.TimeTicker]{
		Items:           all[start:end],
		TotalItems:      total,
		Page:            page,
		PageSize:        pageSize,
		TotalPages:      totalPages,
		HasNextPage:     page < totalPages,
		HasPreviousPage: page > 1,
	}, nil
}

func (s *MemoryTickerStore) InsertTimeTickers(ctx context.Context, tickers []types.TimeTicker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var insert func(t types.TimeTicker) error
	insert = func(t types.TimeTicker) error {
		if _, ok := s.timeTickers[t.ID]; ok {
			return errors.Newf("time ticker %s already exists", t.ID)
		}
		children := t.Children
		c := cloneTimeTicker(&t)
		s.timeTickers[t.ID] = &c
		for _, child := range children {
			parentID := t.ID
			child.ParentID = &parentID
			if err := insert(child); err != nil {
				return err
			}
		}
		return nil
	}
	for _, t := range tickers {
		if err := insert(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryTickerStore) UpdateTimeTicker(ctx context.Context, ticker *types.TimeTicker) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timeTickers[ticker.ID]
	if !ok {
		return false, errors.Wrapf(store.ErrNotFound, "time ticker %s", ticker.ID)
	}
	if cur.LockHolder != nil || (cur.Status != state.StatusIdle && cur.Status != state.StatusBatched) {
		return false, nil
	}
	cur.Function = ticker.Function
	cur.Description = ticker.Description
	cur.ExecutionTime = ticker.ExecutionTime
	cur.Retries = ticker.Retries
	cur.RetryIntervals = slices.Clone(ticker.RetryIntervals)
	cur.Request = slices.Clone(ticker.Request)
	cur.UpdatedAt = ticker.UpdatedAt
	return true, nil
}

func (s *MemoryTickerStore) DeleteTimeTickers(ctx context.Context, ids []uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	var remove func(id uuid.UUID)
	remove = func(id uuid.UUID) {
		if _, ok := s.timeTickers[id]; !ok {
			return
		}
		delete(s.timeTickers, id)
		deleted++
		for childID, t := range s.timeTickers {
			if t.ParentID != nil && *t.ParentID == id {
				remove(childID)
			}
		}
	}
	for _, id := range ids {
		remove(id)
	}
	return deleted, nil
}

func (s *MemoryTickerStore) GetCronTickerByID(ctx context.Context, id uuid.UUID) (*types.CronTicker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.cronTickers[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "cron ticker %s", id)
	}
	c := cloneCronTicker(t)
	return &c, nil
}

func (s *MemoryTickerStore) GetCronTickers(ctx context.Context) ([]types.CronTicker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.CronTicker, 0, len(s.cronTickers))
	for _, t := range s.cronTickers {
		out = append(out, cloneCronTicker(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryTickerStore) InsertCronTickers(ctx context.Context, tickers []types.CronTicker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range tickers {
		if _, ok := s.cronTickers[tickers[i].ID]; ok {
			return errors.Newf("cron ticker %s already exists", tickers[i].ID)
		}
		c := cloneCronTicker(&tickers[i])
		s.cronTickers[c.ID] = &c
	}
	return nil
}

func (s *MemoryTickerStore) UpdateCronTicker(ctx context.Context, ticker *types.CronTicker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cronTickers[ticker.ID]
	if !ok {
		return errors.Wrapf(store.ErrNotFound, "cron ticker %s", ticker.ID)
	}
	createdAt := cur.CreatedAt
	c := cloneCronTicker(ticker)
	c.CreatedAt = createdAt
	s.cronTickers[ticker.ID] = &c
	return nil
}

func (s *MemoryTickerStore) DeleteCronTickers(ctx context.Context, ids []uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for _, id := range ids {
		if _, ok := s.cronTickers[id]; !ok {
			continue
		}
		delete(s.cronTickers, id)
		deleted++
		for occID, o := range s.occurrences {
			if o.CronTickerID == id {
				delete(s.occurrences, occID)
				delete(s.occurrenceIdx, keyOf(o.CronTickerID, o.ExecutionTime))
			}
		}
	}
	return deleted, nil
}

func (s *MemoryTickerStore) GetCronOccurrenceByID(ctx context.Context, id uuid.UUID) (*types.CronTickerOccurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.occurrences[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "cron occurrence %s", id)
	}
	c := s.cloneOccurrence(o)
	return &c, nil
}

func (s *MemoryTickerStore) GetCronOccurrencesByCronTicker(ctx context.Context, cronTickerID uuid.UUID) ([]types.CronTickerOccurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.CronTickerOccurrence
	for _, o := range s.occurrences {
		if o.CronTickerID == cronTickerID {
			out = append(out, s.cloneOccurrence(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionTime.Before(out[j].ExecutionTime) })
	return out, nil
}

func (s *MemoryTickerStore) EarliestTimeTickerExecution(ctx context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest *time.Time
	for _, t := range s.timeTickers {
		if t.Status != state.StatusIdle || t.LockHolder != nil || t.ExecutionTime == nil {
			continue
		}
		earliest = minTime(earliest, *t.ExecutionTime)
	}
	return earliest, nil
}

func minTime(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.Before(*cur) {
		return &t
	}
	return cur
}

func (s *MemoryTickerStore) QueueDueTimeTickers(ctx context.Context, req store.ClaimRequest) ([]types.TimeTicker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var won []uuid.UUID
	for id, t := range s.timeTickers {
		if t.ExecutionTime == nil || t.ExecutionTime.Before(req.From) || t.ExecutionTime.After(req.Now) {
			continue
		}
		if !isClaimable(t.Status, t.LockHolder, req.Node) {
			continue
		}
		s.lockTimeTickerLocked(t, state.StatusQueued, req)
		won = append(won, id)
	}
	return s.treesLocked(won), nil
}

func (s *MemoryTickerStore) QueueTimedOutTimeTickers(ctx context.Context, req store.ClaimRequest) ([]types.TimeTicker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var won []uuid.UUID
	for id, t := range s.timeTickers {
		if t.ExecutionTime == nil || !t.ExecutionTime.Before(req.From) || !t.Status.IsPending() {
			continue
		}
		s.lockTimeTickerLocked(t, state.StatusInProgress, req)
		won = append(won, id)
	}
	return s.treesLocked(won), nil
}

func (s *MemoryTickerStore) lockTimeTickerLocked(t *types.TimeTicker, status state.JobStatus, req store.ClaimRequest) {
	node := req.Node
	now := req.Now
	t.Status = status
	t.LockHolder = &node
	t.LockedAt = &now
	t.UpdatedAt = now
}

func (s *MemoryTickerStore) treesLocked(ids []uuid.UUID) []types.TimeTicker {
	out := make([]types.TimeTicker, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.treeLocked(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionTime.Before(*out[j].ExecutionTime) })
	return out
}

func (s *MemoryTickerStore) QueueCronOccurrences(ctx context.Context, req store.ClaimRequest, candidates []store.CronOccurrenceCandidate) ([]types.CronTickerOccurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.CronTickerOccurrence
	for _, c := range candidates {
		if _, ok := s.cronTickers[c.CronTickerID]; !ok {
			continue
		}
		node := req.Node
		now := req.Now
		key := keyOf(c.CronTickerID, c.ExecutionTime)
		if id, exists := s.occurrenceIdx[key]; exists {
			o := s.occurrences[id]
			if !isClaimable(o.Status, o.LockHolder, req.Node) {
				continue
			}
			o.Status = state.StatusQueued
			o.LockHolder = &node
			o.LockedAt = &now
			o.UpdatedAt = now
			out = append(out, s.cloneOccurrence(o))
			continue
		}
		o := &types.CronTickerOccurrence{
			ID:            uuid.New(),
			CronTickerID:  c.CronTickerID,
			ExecutionTime: c.ExecutionTime.UTC(),
			Status:        state.StatusQueued,
			LockHolder:    &node,
			LockedAt:      &now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.occurrences[o.ID] = o
		s.occurrenceIdx[key] = o.ID
		out = append(out, s.cloneOccurrence(o))
	}
	return out, nil
}

func (s *MemoryTickerStore) QueueTimedOutCronOccurrences(ctx context.Context, req store.ClaimRequest) ([]types.CronTickerOccurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.CronTickerOccurrence
	for _, o := range s.occurrences {
		if !o.ExecutionTime.Before(req.From) || !o.Status.IsPending() {
			continue
		}
		node := req.Node
		now := req.Now
		o.Status = state.StatusInProgress
		o.LockHolder = &node
		o.LockedAt = &now
		o.UpdatedAt = now
		out = append(out, s.cloneOccurrence(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionTime.Before(out[j].ExecutionTime) })
	return out, nil
}

func (s *MemoryTickerStore) ReleaseAcquiredTimeTickers(ctx context.Context, node string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.timeTickers {
		if t.Status == state.StatusQueued && t.LockHolder != nil && *t.LockHolder == node {
			t.Status = state.StatusIdle
			t.LockHolder = nil
			t.LockedAt = nil
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryTickerStore) ReleaseAcquiredCronOccurrences(ctx context.Context, node string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, o := range s.occurrences {
		if o.Status == state.StatusQueued && o.LockHolder != nil && *o.LockHolder == node {
			o.Status = state.StatusIdle
			o.LockHolder = nil
			o.LockedAt = nil
			o.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryTickerStore) ReleaseDeadNodeTimeTickers(ctx context.Context, node, reason string, now time.Time) (store.DeadNodeRelease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res store.DeadNodeRelease
	var skipped []uuid.UUID
	defer func() { s.settleOrphansLocked(skipped, store.OrphanReason(reason), now) }()
	for id, t := range s.timeTickers {
		if t.LockHolder == nil || *t.LockHolder != node {
			continue
		}
		switch {
		case t.Status.IsPending():
			t.Status = state.StatusIdle
			res.Released++
		case t.Status == state.StatusInProgress:
			r := reason
			t.Status = state.StatusSkipped
			t.SkippedReason = &r
			res.Skipped++
			skipped = append(skipped, id)
		default:
			continue
		}
		t.LockHolder = nil
		t.LockedAt = nil
		t.UpdatedAt = now
	}
	return res, nil
}

// settleOrphansLocked resolves the batched children of parents skipped
// without running their tree. Only direct children may be promoted.
func (s *MemoryTickerStore) settleOrphansLocked(parents []uuid.UUID, reason string, now time.Time) {
	for direct := true; len(parents) > 0; direct = false {
		var next []uuid.UUID
		for id, t := range s.timeTickers {
			if t.ParentID == nil || t.Status != state.StatusBatched || !slices.Contains(parents, *t.ParentID) {
				continue
			}
			t.UpdatedAt = now
			if direct && t.RunCondition != nil && *t.RunCondition == state.RunOnAnyCompletedStatus {
				t.Status = state.StatusIdle
				if t.ExecutionTime == nil {
					at := now
					t.ExecutionTime = &at
				}
				continue
			}
			r := reason
			t.Status = state.StatusSkipped
			t.SkippedReason = &r
			next = append(next, id)
		}
		parents = next
	}
}

func (s *MemoryTickerStore) ReleaseDeadNodeCronOccurrences(ctx context.Context, node, reason string, now time.Time) (store.DeadNodeRelease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res store.DeadNodeRelease
	for _, o := range s.occurrences {
		if o.LockHolder == nil || *o.LockHolder != node {
			continue
		}
		switch {
		case o.Status.IsPending():
			o.Status = state.StatusIdle
			res.Released++
		case o.Status == state.StatusInProgress:
			r := reason
			o.Status = state.StatusSkipped
			o.SkippedReason = &r
			res.Skipped++
		default:
			continue
		}
		o.LockHolder = nil
		o.LockedAt = nil
		o.UpdatedAt = now
	}
	return res, nil
}

func (s *MemoryTickerStore) UpdateTimeTickerStatus(ctx context.Context, u store.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timeTickers[u.ID]
	if !ok || !u.Applies(t.Status, t.LockHolder) {
		return false, nil
	}
	applyStatus(&t.Status, &t.RetryCount, &t.ExecutedAt, &t.ElapsedTime, &t.ExceptionDetails, &t.SkippedReason, u)
	applyLock(&t.LockHolder, &t.LockedAt, u)
	t.UpdatedAt = u.Now
	return true, nil
}

func (s *MemoryTickerStore) UpdateCronOccurrenceStatus(ctx context.Context, u store.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.occurrences[u.ID]
	if !ok || !u.Applies(o.Status, o.LockHolder) {
		return false, nil
	}
	applyStatus(&o.Status, &o.RetryCount, &o.ExecutedAt, &o.ElapsedTime, &o.ExceptionDetails, &o.SkippedReason, u)
	applyLock(&o.LockHolder, &o.LockedAt, u)
	o.UpdatedAt = u.Now
	return true, nil
}

func applyStatus(status *state.JobStatus, retryCount *int, executedAt **time.Time, elapsed *time.Duration, exception, skipped **string, u store.StatusUpdate) {
	if u.Status != nil {
		*status = *u.Status
	}
	if u.RetryCount != nil {
		*retryCount = *u.RetryCount
	}
	if u.ExecutedAt != nil {
		at := *u.ExecutedAt
		*executedAt = &at
	}
	if u.ElapsedTime != nil {
		*elapsed = *u.ElapsedTime
	}
	if u.ExceptionDetails != nil {
		v := *u.ExceptionDetails
		*exception = &v
	}
	if u.SkippedReason != nil {
		v := *u.SkippedReason
		*skipped = &v
	}
}

func applyLock(holder **string, lockedAt **time.Time, u store.StatusUpdate) {
	switch {
	case u.ReleaseLock:
		*holder = nil
		*lockedAt = nil
	case u.Acquire:
		node := u.Node
		now := u.Now
		*holder = &node
		*lockedAt = &now
	}
}

func (s *MemoryTickerStore) Close() error {
	return nil
}
