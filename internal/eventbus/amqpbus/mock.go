package amqpbus

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// mockChannel is an in-memory stand-in for a broker channel: a publish is
// matched against every bound queue's binding key and delivered straight
// to that queue's subscriber channel, with no network involved.
type mockChannel struct {
	nextQueue int
	bindKeys  map[string]string             // queue name -> binding key
	subs      map[string]chan amqp.Delivery // queue name -> subscriber channel
}

func newMockChannel() *mockChannel {
	return &mockChannel{
		bindKeys: make(map[string]string),
		subs:     make(map[string]chan amqp.Delivery),
	}
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if name == "" {
		m.nextQueue++
		name = fmt.Sprintf("mock-queue-%d", m.nextQueue)
	}
	return amqp.Queue{Name: name}, nil
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	m.bindKeys[name] = key
	return nil
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	for queue, bindingKey := range m.bindKeys {
		if !bindingMatches(bindingKey, key) {
			continue
		}
		if ch, ok := m.subs[queue]; ok {
			ch <- amqp.Delivery{Body: msg.Body}
		}
	}
	return nil
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch := make(chan amqp.Delivery, 64)
	m.subs[queue] = ch
	return ch, nil
}

func (m *mockChannel) Close() error { return nil }

// bindingMatches implements the subset of AMQP topic matching this
// package's tests exercise: an exact match, or a single trailing "*"
// wildcard segment (e.g. "run.*" matches any "run.<anything>").
func bindingMatches(bindingKey, routingKeyValue string) bool {
	if bindingKey == routingKeyValue {
		return true
	}
	const wildcard = ".*"
	if len(bindingKey) > len(wildcard) && bindingKey[len(bindingKey)-len(wildcard):] == wildcard {
		prefix := bindingKey[:len(bindingKey)-1] // keep the trailing "."
		return len(routingKeyValue) >= len(prefix) && routingKeyValue[:len(prefix)] == prefix
	}
	return false
}

// mockConnection hands out one shared mockChannel so a publisher and a
// consumer built against the same mockConnection observe each other's
// traffic, the way two channels on one real broker connection would.
type mockConnection struct {
	ch *mockChannel
}

func newMockConnection() *mockConnection {
	return &mockConnection{ch: newMockChannel()}
}

func (m *mockConnection) Channel() (Channel, error) { return m.ch, nil }
func (m *mockConnection) Close() error              { return nil }
