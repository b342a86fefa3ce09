package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type inMemoryEvent struct {
	kind  string
	runId uuid.UUID
	body  []byte
}

func (e *inMemoryEvent) Kind() string     { return e.kind }
func (e *inMemoryEvent) RunId() uuid.UUID { return e.runId }
func (e *inMemoryEvent) Body() []byte     { return e.body }
func (e *inMemoryEvent) Ack() error       { return nil }
func (e *inMemoryEvent) Nack() error      { return nil }

// InMemoryQueue is both the Publisher and the Subscriber when no broker is configured.
type InMemoryQueue struct {
	events chan Event
	once   sync.Once
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		events: make(chan Event, 100),
	}
}

func (q *InMemoryQueue) publish(ctx context.Context, kind string, runId uuid.UUID, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	select {
	case q.events <- &inMemoryEvent{kind: kind, runId: runId, body: body}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) PublishTileFused(ctx context.Context, payload TileFusedPayload) error {
	return q.publish(ctx, TileFusedKey, payload.RunId, payload)
}

func (q *InMemoryQueue) PublishRunCompleted(ctx context.Context, payload RunCompletedPayload) error {
	return q.publish(ctx, RunCompletedKey, payload.RunId, payload)
}

func (q *InMemoryQueue) Events() <-chan Event {
	return q.events
}

// Close ends the event stream. Nothing may be published afterwards.
func (q *InMemoryQueue) Close() {
	q.once.Do(func() {
		close(q.events)
	})
}
