// Package notifier reports claims, status changes and worker load to
// observers outside the scheduler.
package notifier

import (
	"encoding/json"
	"time"

	"github.com/RezaEskandarii/gofire/internal/message_broaker"
	"github.com/RezaEskandarii/gofire/internal/metrics"
	"github.com/RezaEskandarii/gofire/internal/state"
	"github.com/RezaEskandarii/gofire/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ClaimedEvent struct {
	Node string           `json:"node"`
	Type types.TickerType `json:"type"`
	IDs  []uuid.UUID      `json:"ids"`
	Due  bool             `json:"due"`
	At   time.Time        `json:"at"`
}

type StatusEvent struct {
	Node       string           `json:"node"`
	ID         uuid.UUID        `json:"id"`
	Type       types.TickerType `json:"type"`
	Function   string           `json:"function"`
	Status     state.JobStatus  `json:"status"`
	RetryCount int              `json:"retry_count"`
	Reason     string           `json:"reason,omitempty"`
	At         time.Time        `json:"at"`
}

// Notifier must not block; implementations drop events they cannot deliver.
type Notifier interface {
	TickersClaimed(e ClaimedEvent)
	StatusChanged(e StatusEvent)
	ActiveThreadsChanged(n int)
}

type Nop struct{}

func (Nop) TickersClaimed(ClaimedEvent) {}
func (Nop) StatusChanged(StatusEvent)   {}
func (Nop) ActiveThreadsChanged(int)    {}

type multi []Notifier

// Multi fans every event out to all non-nil notifiers.
func Multi(notifiers ...Notifier) Notifier {
	var m multi
	for _, n := range notifiers {
		if n != nil {
			m = append(m, n)
		}
	}
	return m
}

func (m multi) TickersClaimed(e ClaimedEvent) {
	for _, n := range m {
		n.TickersClaimed(e)
	}
}

func (m multi) StatusChanged(e StatusEvent) {
	for _, n := range m {
		n.StatusChanged(e)
	}
}

func (m multi) ActiveThreadsChanged(count int) {
	for _, n := range m {
		n.ActiveThreadsChanged(count)
	}
}

// Metrics forwards worker load and claim counts to Prometheus.
type Metrics struct {
	M *metrics.Metrics
}

func (n Metrics) TickersClaimed(e ClaimedEvent) {
	mode := "due"
	if e.Due {
		mode = "timed_out"
	}
	n.M.ObserveClaim(e.Type.String(), mode, len(e.IDs))
}

func (Metrics) StatusChanged(StatusEvent) {}

func (n Metrics) ActiveThreadsChanged(count int) {
	n.M.SetActiveThreads(count)
}

type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Broker publishes events as JSON envelopes on a message broker queue.
type Broker struct {
	broker message_broaker.MessageBroker
	queue  string
	node   string
	logger *zap.SugaredLogger
}

func NewBroker(broker message_broaker.MessageBroker, queue, node string, logger *zap.SugaredLogger) *Broker {
	return &Broker{broker: broker, queue: queue, node: node, logger: logger.Named("notifier")}
}

func (b *Broker) publish(event string, payload any) {
	body, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		b.logger.Warnw("marshal event failed", "event", event, "error", err)
		return
	}
	if err := b.broker.Publish(b.queue, body); err != nil {
		b.logger.Warnw("publish event failed", "event", event, "queue", b.queue, "error", err)
	}
}

func (b *Broker) TickersClaimed(e ClaimedEvent) {
	b.publish("tickers_claimed", e)
}

func (b *Broker) StatusChanged(e StatusEvent) {
	b.publish("status_changed", e)
}

func (b *Broker) ActiveThreadsChanged(count int) {
	b.publish("active_threads_changed", map[string]any{"node": b.node, "active": count})
}
