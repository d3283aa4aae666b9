package liveness

import (
	"context"
	"time"

	"github.com/RezaEskandarii/gofire/internal/metrics"
	"github.com/RezaEskandarii/gofire/internal/store"
	"go.uber.org/zap"
)

// Releaser hands a dead node's work back. *claim.Resolver implements it.
type Releaser interface {
	ReleaseDeadNode(ctx context.Context, node string) (store.DeadNodeRelease, error)
}

type Options struct {
	Node     string
	Interval time.Duration
	TTL      time.Duration
}

// Monitor beats for this node and reaps nodes whose heartbeat expired.
type Monitor struct {
	heartbeats Heartbeats
	releaser   Releaser
	metrics    *metrics.Metrics
	logger     *zap.SugaredLogger
	opts       Options
}

func NewMonitor(hb Heartbeats, releaser Releaser, m *metrics.Metrics, logger *zap.SugaredLogger, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.TTL <= opts.Interval {
		opts.TTL = 3 * opts.Interval
	}
	return &Monitor{
		heartbeats: hb,
		releaser:   releaser,
		metrics:    m,
		logger:     logger.Named("liveness"),
		opts:       opts,
	}
}

// Run beats every Interval until ctx is done, then removes this node's
// heartbeat so peers do not wait for the TTL.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			if err := m.heartbeats.Forget(context.WithoutCancel(ctx), m.opts.Node); err != nil {
				m.logger.Warnw("could not remove heartbeat", "error", err)
			}
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick beats once and reaps every expired peer.
func (m *Monitor) Tick(ctx context.Context) {
	if err := m.heartbeats.Beat(ctx, m.opts.Node, m.opts.TTL); err != nil {
		m.logger.Errorw("heartbeat failed", "error", err)
		return
	}

	nodes, err := m.heartbeats.Members(ctx)
	if err != nil {
		m.logger.Errorw("could not list nodes", "error", err)
		return
	}
	for _, node := range nodes {
		if node == m.opts.Node {
			continue
		}
		alive, err := m.heartbeats.Alive(ctx, node)
		if err != nil {
			m.logger.Errorw("could not check node", "peer", node, "error", err)
			continue
		}
		if alive {
			continue
		}
		if _, err := m.releaser.ReleaseDeadNode(ctx, node); err != nil {
			m.logger.Errorw("could not release dead node", "peer", node, "error", err)
			continue
		}
		m.metrics.IncDeadNode()
		if err := m.heartbeats.Forget(ctx, node); err != nil {
			m.logger.Warnw("could not forget dead node", "peer", node, "error", err)
		}
	}
}
