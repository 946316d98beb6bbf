// Package eventlog is the run event log: an append-only Postgres-backed
// history (internal/store.RunEvents) fanned out to in-process subscribers
// via Broadcaster, plus an optional cross-process Publisher so a separate
// streaming API process can observe events emitted by the process actually
// running the graph engine.
package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/idgen"
	"github.com/attractor-run/control-plane/internal/store"
)

// Event is what a Broadcaster fans out; it's the domain event plus nothing
// else, named locally so the in-process transport doesn't have to spell
// out the domain package at every call site.
type Event = domain.RunEvent

// Publisher fans an appended event out across process boundaries. The
// amqpbus package provides the production implementation over a RabbitMQ
// topic exchange; tests can substitute a no-op or recording fake.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Log appends events to durable storage, broadcasts them to local
// subscribers, and (if configured) publishes them to the cross-process bus.
type Log struct {
	events    store.RunEvents
	publisher Publisher // nil is valid: no cross-process fanout configured

	mu           sync.Mutex
	broadcasters map[string]*Broadcaster
}

func New(events store.RunEvents, publisher Publisher) *Log {
	return &Log{
		events:       events,
		publisher:    publisher,
		broadcasters: make(map[string]*Broadcaster),
	}
}

// Append builds an event with a fresh id and the current time, persists it,
// broadcasts it locally and publishes it to the bus. Persistence happens
// first: a subscriber should never observe an event the durable log
// doesn't also have.
func (l *Log) Append(ctx context.Context, runID string, eventType domain.EventType, payload map[string]any) (Event, error) {
	e := Event{
		ID:      idgen.NewULID(),
		RunID:   runID,
		Ts:      time.Now(),
		Type:    eventType,
		Payload: payload,
	}
	if err := l.events.Append(ctx, &e); err != nil {
		return Event{}, fmt.Errorf("eventlog: append: %w", err)
	}

	l.broadcasterFor(runID).Send(e)

	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, e); err != nil {
			return e, fmt.Errorf("eventlog: publish: %w", err)
		}
	}
	return e, nil
}

// Subscribe returns a live feed for runID, replaying whatever this process
// has broadcast so far. It does not replay rows from storage written before
// this process's Broadcaster existed; callers that need full replay should
// call ListSince first and then Subscribe.
func (l *Log) Subscribe(runID string) (<-chan Event, <-chan struct{}, func()) {
	return l.broadcasterFor(runID).Subscribe()
}

// ListSince returns durable history for runID, for callers (a freshly
// connected SSE client, a resumed dispatcher) that need events persisted
// before they started watching.
func (l *Log) ListSince(ctx context.Context, runID, afterID string, limit int) ([]*domain.RunEvent, error) {
	return l.events.ListSince(ctx, runID, afterID, limit)
}

// CloseRun closes runID's broadcaster: no more local subscribers will be
// accepted and existing ones are told the run is finished. Called once the
// run reaches a terminal status.
func (l *Log) CloseRun(runID string) {
	l.mu.Lock()
	b, ok := l.broadcasters[runID]
	delete(l.broadcasters, runID)
	l.mu.Unlock()
	if ok {
		b.Close()
	}
}

func (l *Log) broadcasterFor(runID string) *Broadcaster {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.broadcasters[runID]
	if !ok {
		b = NewBroadcaster()
		l.broadcasters[runID] = b
	}
	return b
}
