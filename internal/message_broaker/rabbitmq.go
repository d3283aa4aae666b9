package message_broaker

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// RabbitMQ publishes scheduler events to a durable direct exchange bound to
// one queue. Publishes are serialized because an amqp channel is not safe
// for concurrent use.
type RabbitMQ struct {
	conn  *amqp.Connection
	topo  topology
	mu    sync.Mutex
	pubCh *amqp.Channel
}

type topology struct {
	exchange   string
	queue      string
	routingKey string
}

func (t topology) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare exchange %s", t.exchange)
	}
	if _, err := ch.QueueDeclare(t.queue, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare queue %s", t.queue)
	}
	if err := ch.QueueBind(t.queue, t.routingKey, t.exchange, false, nil); err != nil {
		return errors.Wrapf(err, "bind %s to %s", t.queue, t.exchange)
	}
	return nil
}

// NewRabbitMQ dials url and declares exchange, queue and their binding.
func NewRabbitMQ(url, exchange, queue, routingKey string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}
	r := &RabbitMQ{
		conn: conn,
		topo: topology{exchange: exchange, queue: queue, routingKey: routingKey},
	}
	if r.pubCh, err = r.openChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) openChannel() (*amqp.Channel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open rabbitmq channel")
	}
	if err := r.topo.declare(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

// Publish routes message through the exchange. The queue argument is
// ignored: the binding was fixed when the broker was created.
func (r *RabbitMQ) Publish(_ string, message []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.pubCh.PublishWithContext(ctx, r.topo.exchange, r.topo.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         message,
	})
	if err != nil {
		return errors.Wrapf(err, "publish to %s", r.topo.exchange)
	}
	return nil
}

// Consume reads queue on a dedicated channel until ctx is done.
func (r *RabbitMQ) Consume(ctx context.Context, queue string) (<-chan []byte, error) {
	ch, err := r.openChannel()
	if err != nil {
		return nil, err
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, errors.Wrapf(err, "consume %s", queue)
	}
	return forward(ctx, deliveries, func(d amqp.Delivery) []byte { return d.Body }, func() { _ = ch.Close() }), nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.CombineErrors(r.pubCh.Close(), r.conn.Close())
}
