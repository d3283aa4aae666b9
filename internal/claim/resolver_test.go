package claim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/RezaEskandarii/gofire/internal/clock"
	"github.com/RezaEskandarii/gofire/internal/constants"
	"github.com/RezaEskandarii/gofire/internal/notifier"
	"github.com/RezaEskandarii/gofire/internal/state"
	"github.com/RezaEskandarii/gofire/internal/store"
	"github.com/RezaEskandarii/gofire/internal/store/memory"
	"github.com/RezaEskandarii/gofire/pgk/parser"
	"github.com/RezaEskandarii/gofire/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var base = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type functions map[string]types.Function

func (f functions) Resolve(name string) (types.Function, bool) {
	fn, ok := f[name]
	return fn, ok
}

type recordingNotifier struct {
	notifier.Nop
	mu      sync.Mutex
	claimed []notifier.ClaimedEvent
}

func (r *recordingNotifier) TickersClaimed(e notifier.ClaimedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed = append(r.claimed, e)
}

var registered = functions{"send_sms": {Name: "send_sms"}}

func newResolver(st store.TickerStore, clk clock.Clock, node string, n notifier.Notifier) *Resolver {
	return NewResolver(st, registered, parser.NewCache(), clk, n, zap.NewNop().Sugar(), Options{Node: node})
}

func idleAt(at time.Time) types.TimeTicker {
	return types.TimeTicker{
		ID:            uuid.New(),
		Function:      "send_sms",
		ExecutionTime: &at,
		Status:        state.StatusIdle,
		CreatedAt:     base.Add(-time.Hour),
		UpdatedAt:     base.Add(-time.Hour),
	}
}

func TestResolver_NextEligible_NothingPending(t *testing.T) {
	r := newResolver(memory.NewMemoryTickerStore(), clock.NewFake(base), "node-a", nil)

	plan, err := r.NextEligible(context.Background())
	require.NoError(t, err)
	assert.True(t, plan.Empty())
}

func TestResolver_NextEligible(t *testing.T) {
	tests := []struct {
		name        string
		timeAt      *time.Time
		expressions []string
		wantAt      time.Time
		wantTime    bool
		wantCron    int
	}{
		{
			name:     "time ticker only",
			timeAt:   ptr(base.Add(10 * time.Second)),
			wantAt:   base.Add(10 * time.Second),
			wantTime: true,
		},
		{
			name:        "cron only",
			expressions: []string{"*/30 * * * * *"},
			wantAt:      base.Add(30 * time.Second),
			wantCron:    1,
		},
		{
			name:        "same bucket claims both",
			timeAt:      ptr(base.Add(30*time.Second + 400*time.Millisecond)),
			expressions: []string{"*/30 * * * * *"},
			wantAt:      base.Add(30 * time.Second),
			wantTime:    true,
			wantCron:    1,
		},
		{
			name:        "earlier cron wins",
			timeAt:      ptr(base.Add(45 * time.Second)),
			expressions: []string{"*/30 * * * * *"},
			wantAt:      base.Add(30 * time.Second),
			wantCron:    1,
		},
		{
			name:        "earlier time ticker wins",
			timeAt:      ptr(base.Add(5 * time.Second)),
			expressions: []string{"*/30 * * * * *"},
			wantAt:      base.Add(5 * time.Second),
			wantTime:    true,
		},
		{
			name:        "tickers sharing the earliest instant are all candidates",
			expressions: []string{"*/30 * * * * *", "*/30 * * * * *", "0 * * * * *"},
			wantAt:      base.Add(30 * time.Second),
			wantCron:    2,
		},
		{
			name:        "bad expressions are skipped",
			expressions: []string{"not a cron", "0 * * * * *"},
			wantAt:      base.Add(time.Minute),
			wantCron:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := memory.NewMemoryTickerStore()
			if tt.timeAt != nil {
				require.NoError(t, st.InsertTimeTickers(ctx, []types.TimeTicker{idleAt(*tt.timeAt)}))
			}
			for _, expr := range tt.expressions {
				require.NoError(t, st.InsertCronTickers(ctx, []types.CronTicker{{ID: uuid.New(), Function: "send_sms", Expression: expr}}))
			}

			plan, err := newResolver(st, clock.NewFake(base), "node-a", nil).NextEligible(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAt, plan.At)
			assert.Equal(t, tt.wantTime, plan.TimeTickers)
			assert.Len(t, plan.CronCandidates, tt.wantCron)
		})
	}
}

func TestResolver_NextEligible_ClampsTickersPastFallbackWindow(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryTickerStore()
	late := idleAt(base.Add(-time.Minute))
	require.NoError(t, st.InsertTimeTickers(ctx, []types.TimeTicker{late}))

	rec := &recordingNotifier{}
	r := newResolver(st, clock.NewFake(base), "node-a", rec)
	plan, err := r.NextEligible(ctx)
	require.NoError(t, err)
	require.False(t, plan.Empty())
	assert.Equal(t, base.Add(-time.Second), plan.At)
	assert.True(t, plan.TimeTickers)

	jobs, err := r.Claim(ctx, plan)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, late.ID, jobs[0].TickerID)
	assert.True(t, jobs[0].IsDue)

	require.Len(t, rec.claimed, 1)
	assert.True(t, rec.claimed[0].Due)

	got, err := st.GetTimeTickerByID(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusQueued, got.Status)
	require.NotNil(t, got.LockHolder)
	assert.Equal(t, "node-a", *got.LockHolder)

	plan, err = r.NextEligible(ctx)
	require.NoError(t, err)
	assert.True(t, plan.Empty())
}

func TestResolver_Claim_SplitsOverdueFromOnTime(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryTickerStore()
	late, onTime := idleAt(base.Add(-time.Hour)), idleAt(base)
	require.NoError(t, st.InsertTimeTickers(ctx, []types.TimeTicker{late, onTime}))

	r := newResolver(st, clock.NewFake(base), "node-a", nil)
	jobs, err := r.Claim(ctx, Plan{At: base, TimeTickers: true})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	due := map[uuid.UUID]bool{}
	for _, j := range jobs {
		due[j.TickerID] = j.IsDue
	}
	assert.True(t, due[late.ID])
	assert.False(t, due[onTime.ID])
}

func TestResolver_Claim_TwoNodesOneWinner(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryTickerStore()
	at := base.Add(30 * time.Second)
	require.NoError(t, st.InsertTimeTickers(ctx, []types.TimeTicker{idleAt(at)}))
	require.NoError(t, st.InsertCronTickers(ctx, []types.CronTicker{{ID: uuid.New(), Function: "send_sms", Expression: "*/30 * * * * *"}}))

	clk := clock.NewFake(base)
	a := newResolver(st, clk, "node-a", nil)
	b := newResolver(st, clk, "node-b", nil)

	planA, err := a.NextEligible(ctx)
	require.NoError(t, err)
	planB, err := b.NextEligible(ctx)
	require.NoError(t, err)
	require.Equal(t, planA.At, planB.At)

	clk.Set(at)
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := map[types.TickerType]int{}
	for _, r := range []*Resolver{a, b} {
		wg.Add(1)
		go func(r *Resolver, plan Plan) {
			defer wg.Done()
			jobs, err := r.Claim(ctx, plan)
			assert.NoError(t, err)
			mu.Lock()
			for _, j := range jobs {
				total[j.Type]++
			}
			mu.Unlock()
		}(r, planA)
	}
	wg.Wait()

	assert.Equal(t, 1, total[types.TimeTickerType])
	assert.Equal(t, 1, total[types.CronTickerOccurrenceType])
}

func TestResolver_Claim_EarlyWakeUsesPlannedInstant(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryTickerStore()
	at := base.Add(10 * time.Second)
	ticker := idleAt(at)
	require.NoError(t, st.InsertTimeTickers(ctx, []types.TimeTicker{ticker}))

	clk := clock.NewFake(base)
	rec := &recordingNotifier{}
	r := newResolver(st, clk, "node-a", rec)
	plan, err := r.NextEligible(ctx)
	require.NoError(t, err)

	clk.Set(at.Add(-time.Millisecond))
	jobs, err := r.Claim(ctx, plan)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, ticker.ID, jobs[0].TickerID)
	assert.False(t, jobs[0].IsDue)
	assert.True(t, jobs[0].Registered)

	require.Len(t, rec.claimed, 1)
	assert.Equal(t, []uuid.UUID{ticker.ID}, rec.claimed[0].IDs)
	assert.Equal(t, "node-a", rec.claimed[0].Node)
}

func TestResolver_Claim_UnregisteredFunctionStillClaimed(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryTickerStore()
	ticker := idleAt(base)
	ticker.Function = "missing"
	require.NoError(t, st.InsertTimeTickers(ctx, []types.TimeTicker{ticker}))

	jobs, err := newResolver(st, clock.NewFake(base), "node-a", nil).Claim(ctx, Plan{At: base, TimeTickers: true})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Registered)
}

func TestResolver_ClaimTimedOut(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryTickerStore()
	stale := idleAt(base.Add(-5 * time.Second))
	fresh := idleAt(base.Add(time.Minute))
	require.NoError(t, st.InsertTimeTickers(ctx, []types.TimeTicker{stale, fresh}))

	jobs, err := newResolver(st, clock.NewFake(base), "node-a", nil).ClaimTimedOut(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stale.ID, jobs[0].TickerID)
	assert.True(t, jobs[0].IsDue)

	got, err := st.GetTimeTickerByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusInProgress, got.Status)
	assert.Equal(t, "node-a", *got.LockHolder)
}

func TestResolver_ReleaseDeadNode(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryTickerStore()
	dead := "node-dead"
	queued := idleAt(base)
	queued.Status = state.StatusQueued
	queued.LockHolder = &dead
	running := idleAt(base)
	running.Status = state.StatusInProgress
	running.LockHolder = &dead
	require.NoError(t, st.InsertTimeTickers(ctx, []types.TimeTicker{queued, running}))

	res, err := newResolver(st, clock.NewFake(base), "node-a", nil).ReleaseDeadNode(ctx, dead)
	require.NoError(t, err)
	assert.Equal(t, store.DeadNodeRelease{Released: 1, Skipped: 1}, res)

	got, err := st.GetTimeTickerByID(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusSkipped, got.Status)
	require.NotNil(t, got.SkippedReason)
	assert.Equal(t, constants.DeadNodeReason, *got.SkippedReason)

	got, err = st.GetTimeTickerByID(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusIdle, got.Status)
	assert.Nil(t, got.LockHolder)
}

func TestResolver_ReleaseDeadNode_RunsOnlyAnyStatusChildren(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryTickerStore()
	dead := "node-dead"
	onSuccess, always := state.RunOnSuccess, state.RunOnAnyCompletedStatus
	skippedChild := types.TimeTicker{ID: uuid.New(), Function: "send_sms", Status: state.StatusBatched, RunCondition: &onSuccess}
	runChild := types.TimeTicker{ID: uuid.New(), Function: "send_sms", Status: state.StatusBatched, RunCondition: &always}
	running := idleAt(base.Add(-time.Minute))
	running.Status = state.StatusInProgress
	running.LockHolder = &dead
	running.Children = []types.TimeTicker{skippedChild, runChild}
	require.NoError(t, st.InsertTimeTickers(ctx, []types.TimeTicker{running}))

	r := newResolver(st, clock.NewFake(base), "node-a", nil)
	_, err := r.ReleaseDeadNode(ctx, dead)
	require.NoError(t, err)

	plan, err := r.NextEligible(ctx)
	require.NoError(t, err)
	require.True(t, plan.TimeTickers)
	jobs, err := r.Claim(ctx, plan)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, runChild.ID, jobs[0].TickerID)

	got, err := st.GetTimeTickerByID(ctx, skippedChild.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusSkipped, got.Status)
}

func TestResolver_ReleaseAcquired(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryTickerStore()
	require.NoError(t, st.InsertTimeTickers(ctx, []types.TimeTicker{idleAt(base), idleAt(base)}))

	r := newResolver(st, clock.NewFake(base), "node-a", nil)
	jobs, err := r.Claim(ctx, Plan{At: base, TimeTickers: true})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	n, err := r.ReleaseAcquired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	plan, err := r.NextEligible(ctx)
	require.NoError(t, err)
	assert.Equal(t, base, plan.At)
}

func ptr(t time.Time) *time.Time {
	return &t
}
