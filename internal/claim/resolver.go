// Package claim decides when the next piece of work is due and takes
// ownership of it through the store's conditional writes.
package claim

import (
	"context"
	"time"

	"github.com/RezaEskandarii/gofire/internal/clock"
	"github.com/RezaEskandarii/gofire/internal/constants"
	"github.com/RezaEskandarii/gofire/internal/job"
	"github.com/RezaEskandarii/gofire/internal/notifier"
	"github.com/RezaEskandarii/gofire/internal/store"
	"github.com/RezaEskandarii/gofire/pgk/parser"
	"github.com/RezaEskandarii/gofire/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Plan is what the loop should claim when it wakes at At. A zero At means
// nothing is pending.
type Plan struct {
	At             time.Time
	TimeTickers    bool
	CronCandidates []store.CronOccurrenceCandidate
}

// Empty reports whether there is nothing to wait for.
func (p Plan) Empty() bool {
	return p.At.IsZero()
}

// Options configures a Resolver.
type Options struct {
	Node string
	// FallbackWindow is how late a job may be before it is run as due.
	// Pending rows older than this are also what the timed-out sweep takes.
	FallbackWindow time.Duration
	// ClaimWindow buckets time and cron instants; both kinds are claimed
	// together when they share a bucket.
	ClaimWindow time.Duration
}

// Resolver plans wakeups and claims work on behalf of one node.
type Resolver struct {
	store     store.TickerStore
	functions job.Resolver
	cache     *parser.Cache
	clock     clock.Clock
	notifier  notifier.Notifier
	logger    *zap.SugaredLogger
	opts      Options
}

// NewResolver returns a Resolver. Non-positive windows default to one
// second and a nil notifier to notifier.Nop.
func NewResolver(st store.TickerStore, functions job.Resolver, cache *parser.Cache, clk clock.Clock, n notifier.Notifier, logger *zap.SugaredLogger, opts Options) *Resolver {
	if opts.FallbackWindow <= 0 {
		opts.FallbackWindow = time.Second
	}
	if opts.ClaimWindow <= 0 {
		opts.ClaimWindow = time.Second
	}
	if n == nil {
		n = notifier.Nop{}
	}
	return &Resolver{
		store:     st,
		functions: functions,
		cache:     cache,
		clock:     clk,
		notifier:  n,
		logger:    logger.Named("claim"),
		opts:      opts,
	}
}

// NextEligible finds the earliest pending time ticker and the earliest
// upcoming cron occurrence and plans a wakeup for the sooner one. A ticker
// already past the fallback window is planned at now minus the window so
// the loop fires at once.
func (r *Resolver) NextEligible(ctx context.Context) (Plan, error) {
	now := r.clock.Now()

	timeAt, err := r.store.EarliestTimeTickerExecution(ctx)
	if err != nil {
		return Plan{}, errors.Wrap(err, "earliest time ticker")
	}
	if floor := now.Add(-r.opts.FallbackWindow); timeAt != nil && timeAt.Before(floor) {
		timeAt = &floor
	}
	cronAt, candidates, err := r.nextCron(ctx, now)
	if err != nil {
		return Plan{}, err
	}

	switch {
	case timeAt == nil && len(candidates) == 0:
		return Plan{}, nil
	case timeAt == nil:
		return Plan{At: cronAt, CronCandidates: candidates}, nil
	case len(candidates) == 0:
		return Plan{At: *timeAt, TimeTickers: true}, nil
	}

	if r.sameBucket(*timeAt, cronAt) {
		at := *timeAt
		if cronAt.Before(at) {
			at = cronAt
		}
		return Plan{At: at, TimeTickers: true, CronCandidates: candidates}, nil
	}
	if timeAt.Before(cronAt) {
		return Plan{At: *timeAt, TimeTickers: true}, nil
	}
	return Plan{At: cronAt, CronCandidates: candidates}, nil
}

func (r *Resolver) sameBucket(a, b time.Time) bool {
	return a.Truncate(r.opts.ClaimWindow).Equal(b.Truncate(r.opts.ClaimWindow))
}

// nextCron returns the earliest next occurrence across all cron tickers
// and every ticker that fires at it. Each distinct expression is
// evaluated once.
func (r *Resolver) nextCron(ctx context.Context, now time.Time) (time.Time, []store.CronOccurrenceCandidate, error) {
	tickers, err := r.store.GetCronTickers(ctx)
	if err != nil {
		return time.Time{}, nil, errors.Wrap(err, "load cron tickers")
	}

	nextByExpr := make(map[string]time.Time)
	var earliest time.Time
	for _, t := range tickers {
		expr := parser.Normalize(t.Expression)
		if _, seen := nextByExpr[expr]; seen {
			continue
		}
		next, err := r.cache.Next(expr, now)
		if err != nil {
			r.logger.Warnw("skipping cron ticker with bad expression", "cron_ticker_id", t.ID, "expression", t.Expression, "error", err)
			nextByExpr[expr] = time.Time{}
			continue
		}
		nextByExpr[expr] = next
		if earliest.IsZero() || next.Before(earliest) {
			earliest = next
		}
	}
	if earliest.IsZero() {
		return time.Time{}, nil, nil
	}

	var candidates []store.CronOccurrenceCandidate
	for _, t := range tickers {
		if next := nextByExpr[parser.Normalize(t.Expression)]; next.Equal(earliest) {
			candidates = append(candidates, store.CronOccurrenceCandidate{CronTickerID: t.ID, ExecutionTime: earliest})
		}
	}
	return earliest, candidates, nil
}

// Claim takes the work described by plan. Rows won by other nodes are
// silently left out. Time tickers older than the fallback window are
// claimed too and come back due.
func (r *Resolver) Claim(ctx context.Context, plan Plan) ([]*job.Context, error) {
	if plan.Empty() {
		return nil, nil
	}
	now := r.clock.Now()
	if now.Before(plan.At) {
		now = plan.At
	}
	req := store.ClaimRequest{Node: r.opts.Node, Now: now, From: now.Add(-r.opts.FallbackWindow)}

	var contexts []*job.Context
	var errs error

	if plan.TimeTickers {
		tickers, err := r.store.QueueDueTimeTickers(ctx, store.ClaimRequest{Node: req.Node, Now: now})
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "queue due time tickers"))
		}
		onTime, overdue := splitOverdue(tickers, req.From)
		contexts = append(contexts, r.fromTimeTickers(onTime, false, now)...)
		contexts = append(contexts, r.fromTimeTickers(overdue, true, now)...)
	}
	if len(plan.CronCandidates) > 0 {
		occurrences, err := r.store.QueueCronOccurrences(ctx, req, plan.CronCandidates)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "queue cron occurrences"))
		}
		contexts = append(contexts, r.fromOccurrences(occurrences, false, now)...)
	}
	return contexts, errs
}

// ClaimTimedOut force-claims work that is still pending past the fallback
// window, typically left by a node that died mid-claim. The resulting
// contexts are due.
func (r *Resolver) ClaimTimedOut(ctx context.Context) ([]*job.Context, error) {
	now := r.clock.Now()
	req := store.ClaimRequest{Node: r.opts.Node, Now: now, From: now.Add(-r.opts.FallbackWindow)}

	var contexts []*job.Context
	var errs error

	tickers, err := r.store.QueueTimedOutTimeTickers(ctx, req)
	if err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "queue timed out time tickers"))
	}
	contexts = append(contexts, r.fromTimeTickers(tickers, true, now)...)

	occurrences, err := r.store.QueueTimedOutCronOccurrences(ctx, req)
	if err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "queue timed out cron occurrences"))
	}
	contexts = append(contexts, r.fromOccurrences(occurrences, true, now)...)

	return contexts, errs
}

// splitOverdue separates tickers whose execution time is before floor.
func splitOverdue(tickers []types.TimeTicker, floor time.Time) (onTime, overdue []types.TimeTicker) {
	for _, t := range tickers {
		if t.ExecutionTime != nil && t.ExecutionTime.Before(floor) {
			overdue = append(overdue, t)
			continue
		}
		onTime = append(onTime, t)
	}
	return onTime, overdue
}

func (r *Resolver) fromTimeTickers(tickers []types.TimeTicker, due bool, now time.Time) []*job.Context {
	if len(tickers) == 0 {
		return nil
	}
	out := make([]*job.Context, 0, len(tickers))
	ids := make([]uuid.UUID, 0, len(tickers))
	for i := range tickers {
		out = append(out, job.FromTimeTicker(&tickers[i], r.functions, due))
		ids = append(ids, tickers[i].ID)
	}
	r.notifier.TickersClaimed(notifier.ClaimedEvent{Node: r.opts.Node, Type: types.TimeTickerType, IDs: ids, Due: due, At: now})
	return out
}

func (r *Resolver) fromOccurrences(occurrences []types.CronTickerOccurrence, due bool, now time.Time) []*job.Context {
	if len(occurrences) == 0 {
		return nil
	}
	out := make([]*job.Context, 0, len(occurrences))
	ids := make([]uuid.UUID, 0, len(occurrences))
	for i := range occurrences {
		out = append(out, job.FromCronOccurrence(&occurrences[i], r.functions, due))
		ids = append(ids, occurrences[i].ID)
	}
	r.notifier.TickersClaimed(notifier.ClaimedEvent{Node: r.opts.Node, Type: types.CronTickerOccurrenceType, IDs: ids, Due: due, At: now})
	return out
}

// ReleaseDeadNode returns a dead node's pending holds to Idle and marks its
// in-progress work Skipped.
func (r *Resolver) ReleaseDeadNode(ctx context.Context, node string) (store.DeadNodeRelease, error) {
	now := r.clock.Now()
	timeRes, err := r.store.ReleaseDeadNodeTimeTickers(ctx, node, constants.DeadNodeReason, now)
	if err != nil {
		return store.DeadNodeRelease{}, errors.Wrapf(err, "release time tickers of %s", node)
	}
	cronRes, err := r.store.ReleaseDeadNodeCronOccurrences(ctx, node, constants.DeadNodeReason, now)
	if err != nil {
		return timeRes, errors.Wrapf(err, "release cron occurrences of %s", node)
	}
	res := store.DeadNodeRelease{
		Released: timeRes.Released + cronRes.Released,
		Skipped:  timeRes.Skipped + cronRes.Skipped,
	}
	r.logger.Warnw("released work of dead node", "dead_node", node, "released", res.Released, "skipped", res.Skipped)
	return res, nil
}

// ReleaseAcquired hands this node's queued but unstarted work back.
func (r *Resolver) ReleaseAcquired(ctx context.Context) (int64, error) {
	now := r.clock.Now()
	n, err := r.store.ReleaseAcquiredTimeTickers(ctx, r.opts.Node, now)
	if err != nil {
		return 0, errors.Wrap(err, "release acquired time tickers")
	}
	m, err := r.store.ReleaseAcquiredCronOccurrences(ctx, r.opts.Node, now)
	if err != nil {
		return n, errors.Wrap(err, "release acquired cron occurrences")
	}
	return n + m, nil
}
