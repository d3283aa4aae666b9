package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetActiveThreads(3)
	m.ObserveClaim("time_ticker", "due", 2)
	m.ObserveClaim("time_ticker", "due", 0)
	m.ObserveOutcome("time_ticker", "done", "send_sms", time.Second)
	m.IncLoopError()
	m.IncDeadNode()

	assert.Equal(t, float64(3), testutil.ToFloat64(m.activeThreads))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.claimed.WithLabelValues("time_ticker", "due")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.outcomes.WithLabelValues("time_ticker", "done")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.loopErrors))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deadNodes))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetActiveThreads(1)
		m.ObserveClaim("x", "y", 1)
		m.ObserveOutcome("x", "y", "z", time.Second)
		m.IncLoopError()
		m.IncDeadNode()
	})
}
