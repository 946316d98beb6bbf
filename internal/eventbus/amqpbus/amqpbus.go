// Package amqpbus fans run events out across process boundaries over a
// RabbitMQ topic exchange, so a process streaming events to SSE clients
// doesn't have to be the same process running the graph engine that emits
// them. Routing keys are "run.<runId>"; a consumer binds a pattern like
// "run.*" or "run.<runId>" depending on whether it wants every run's
// events or one run's.
package amqpbus

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/attractor-run/control-plane/internal/domain"
)

const exchangeKind = "topic"

func routingKey(runID string) string {
	return "run." + runID
}

// Dialer abstracts amqp.Dial so tests can inject a fake broker.
type Dialer interface {
	Dial(url string) (Connection, error)
}

// Connection abstracts *amqp.Connection.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Channel abstracts *amqp.Channel, narrowed to what this package uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// RealDialer dials a real broker with the real amqp091-go driver.
type RealDialer struct{}

func (RealDialer) Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realConnection{conn: conn}, nil
}

type realConnection struct {
	conn *amqp.Connection
}

func (r *realConnection) Channel() (Channel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (r *realConnection) Close() error {
	return r.conn.Close()
}

// declareExchange is idempotent and safe to call from both the publisher
// and the consumer side, since whichever starts first must not fail.
func declareExchange(ch Channel, exchange string) error {
	return ch.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil)
}

// Publisher publishes appended run events to the topic exchange. It
// implements internal/eventlog.Publisher.
type Publisher struct {
	ch       Channel
	exchange string
}

// NewPublisher opens a channel on conn and declares the exchange.
func NewPublisher(conn Connection, exchange string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqpbus: open channel: %w", err)
	}
	if err := declareExchange(ch, exchange); err != nil {
		return nil, fmt.Errorf("amqpbus: declare exchange %s: %w", exchange, err)
	}
	return &Publisher{ch: ch, exchange: exchange}, nil
}

// Publish marshals e to JSON and publishes it under routing key
// "run.<e.RunID>".
func (p *Publisher) Publish(ctx context.Context, e domain.RunEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("amqpbus: marshal event: %w", err)
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey(e.RunID), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   e.Ts,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("amqpbus: publish: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

// Consumer binds an exclusive queue to the exchange with bindingKey (e.g.
// "run.<runId>" for one run, "run.*" for every run) and decodes deliveries
// back into domain.RunEvent.
type Consumer struct {
	ch    Channel
	queue string
}

// NewConsumer opens a channel on conn, declares the exchange (in case the
// consumer starts before any publisher has), and binds a server-named,
// auto-deleting queue to bindingKey.
func NewConsumer(conn Connection, exchange, bindingKey string) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqpbus: open channel: %w", err)
	}
	if err := declareExchange(ch, exchange); err != nil {
		return nil, fmt.Errorf("amqpbus: declare exchange %s: %w", exchange, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqpbus: declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, bindingKey, exchange, false, nil); err != nil {
		return nil, fmt.Errorf("amqpbus: bind queue to %s: %w", bindingKey, err)
	}
	return &Consumer{ch: ch, queue: q.Name}, nil
}

// Consume starts delivering decoded events on the returned channel, which
// is closed when ctx is done or the underlying delivery channel closes.
// Deliveries that fail to unmarshal are dropped rather than sent raw.
func (c *Consumer) Consume(ctx context.Context) (<-chan domain.RunEvent, error) {
	deliveries, err := c.ch.Consume(c.queue, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqpbus: consume: %w", err)
	}
	out := make(chan domain.RunEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var e domain.RunEvent
				if err := json.Unmarshal(d.Body, &e); err != nil {
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
