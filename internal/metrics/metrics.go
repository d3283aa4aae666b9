// Package metrics exposes scheduler counters to Prometheus. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gofire"

type Metrics struct {
	activeThreads prometheus.Gauge
	claimed       *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	loopErrors    prometheus.Counter
	deadNodes     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		activeThreads: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_threads",
			Help:      "Jobs currently executing on this node",
		}),
		claimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claimed_total",
			Help:      "Tickers and occurrences claimed by this node",
		}, []string{"type", "mode"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Finished jobs by terminal status",
		}, []string{"type", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of a job including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"}),
		loopErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_errors_total",
			Help:      "Scheduling cycles that failed against the store",
		}),
		deadNodes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_nodes_total",
			Help:      "Dead nodes whose work was released",
		}),
	}
}

func (m *Metrics) SetActiveThreads(n int) {
	if m == nil {
		return
	}
	m.activeThreads.Set(float64(n))
}

func (m *Metrics) ObserveClaim(tickerType, mode string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.claimed.WithLabelValues(tickerType, mode).Add(float64(n))
}

func (m *Metrics) ObserveOutcome(tickerType, status, function string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(tickerType, status).Inc()
	m.duration.WithLabelValues(function).Observe(elapsed.Seconds())
}

func (m *Metrics) IncLoopError() {
	if m == nil {
		return
	}
	m.loopErrors.Inc()
}

func (m *Metrics) IncDeadNode() {
	if m == nil {
		return
	}
	m.deadNodes.Inc()
}
