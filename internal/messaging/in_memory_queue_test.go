package messaging_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fdny-imt/xView2-FDNY/internal/messaging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueueDeliversEvents(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	runId := uuid.New()

	require.NoError(t, queue.PublishTileFused(context.Background(), messaging.TileFusedPayload{
		RunId:          runId,
		TileId:         "tile_7",
		LocationKey:    "loc/tile_7.tif",
		DamageKey:      "dmg/tile_7.tif",
		BuildingPixels: 12,
	}))
	require.NoError(t, queue.PublishRunCompleted(context.Background(), messaging.RunCompletedPayload{
		RunId: runId, Tiles: 1, Succeeded: 1,
	}))
	queue.Close()
	queue.Close()

	var events []messaging.Event
	for event := range queue.Events() {
		require.NoError(t, event.Ack())
		events = append(events, event)
	}
	require.Len(t, events, 2)

	assert.Equal(t, messaging.TileFusedKey, events[0].Kind())
	assert.Equal(t, runId, events[0].RunId())
	var fused messaging.TileFusedPayload
	require.NoError(t, json.Unmarshal(events[0].Body(), &fused))
	assert.Equal(t, "dmg/tile_7.tif", fused.DamageKey)
	assert.NotContains(t, string(events[0].Body()), "overlay_key")

	assert.Equal(t, messaging.RunCompletedKey, events[1].Kind())
	var completed messaging.RunCompletedPayload
	require.NoError(t, json.Unmarshal(events[1].Body(), &completed))
	assert.Equal(t, 1, completed.Succeeded)
}

func TestInMemoryQueuePublishHonorsContext(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	for i := 0; i < 100; i++ {
		require.NoError(t, queue.PublishTileFused(context.Background(), messaging.TileFusedPayload{TileId: "t"}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := queue.PublishRunCompleted(ctx, messaging.RunCompletedPayload{})
	assert.True(t, errors.Is(err, context.Canceled))
}

type recordedEvent struct {
	kind   string
	body   []byte
	acked  bool
	nacked bool
}

func (e *recordedEvent) Kind() string     { return e.kind }
func (e *recordedEvent) RunId() uuid.UUID { return uuid.Nil }
func (e *recordedEvent) Body() []byte     { return e.body }
func (e *recordedEvent) Ack() error       { e.acked = true; return nil }
func (e *recordedEvent) Nack() error      { e.nacked = true; return nil }

func TestDispatchRoutesEventsByKind(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	runId := uuid.New()
	ctx := context.Background()

	require.NoError(t, queue.PublishTileFused(ctx, messaging.TileFusedPayload{RunId: runId, TileId: "a", DamagedPixels: 3}))
	require.NoError(t, queue.PublishTileFused(ctx, messaging.TileFusedPayload{RunId: runId, TileId: "b"}))
	require.NoError(t, queue.PublishRunCompleted(ctx, messaging.RunCompletedPayload{RunId: runId, Tiles: 2, Succeeded: 2}))
	queue.Close()

	var tiles []string
	var completed []messaging.RunCompletedPayload
	err := messaging.Dispatch(ctx, queue.Events(), messaging.Handlers{
		TileFused: func(p messaging.TileFusedPayload) error {
			tiles = append(tiles, p.TileId)
			return nil
		},
		RunCompleted: func(p messaging.RunCompletedPayload) error {
			completed = append(completed, p)
			return nil
		},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, tiles)
	require.Len(t, completed, 1)
	assert.Equal(t, runId, completed[0].RunId)
	assert.Equal(t, 2, completed[0].Succeeded)
}

func TestDispatchNacksBadEvents(t *testing.T) {
	events := make(chan messaging.Event, 4)
	garbled := &recordedEvent{kind: messaging.TileFusedKey, body: []byte("{")}
	unknown := &recordedEvent{kind: "tile.exploded", body: []byte("{}")}
	failing := &recordedEvent{kind: messaging.RunCompletedKey, body: []byte(`{"tiles": 1}`)}
	ignored := &recordedEvent{kind: messaging.TileFusedKey, body: []byte(`{"tile_id": "x"}`)}
	events <- garbled
	events <- unknown
	events <- failing
	close(events)

	var failed []string
	err := messaging.Dispatch(context.Background(), events, messaging.Handlers{
		TileFused:    func(messaging.TileFusedPayload) error { return nil },
		RunCompleted: func(messaging.RunCompletedPayload) error { return errors.New("ledger unavailable") },
	}, func(e messaging.Event, err error) {
		failed = append(failed, e.Kind())
	})
	require.NoError(t, err)
	assert.Equal(t, []string{messaging.TileFusedKey, "tile.exploded", messaging.RunCompletedKey}, failed)
	for _, e := range []*recordedEvent{garbled, unknown, failing} {
		assert.True(t, e.nacked, e.kind)
		assert.False(t, e.acked, e.kind)
	}

	only := make(chan messaging.Event, 1)
	only <- ignored
	close(only)
	require.NoError(t, messaging.Dispatch(context.Background(), only, messaging.Handlers{}, nil))
	assert.True(t, ignored.acked)
}

func TestDispatchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := messaging.Dispatch(ctx, make(chan messaging.Event), messaging.Handlers{}, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
