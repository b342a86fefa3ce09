package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fdny-imt/xView2-FDNY/internal/messaging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFollowStopsWhenRunCompletes(t *testing.T) {
	ctx := context.Background()
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	watched, other := uuid.New(), uuid.New()
	require.NoError(t, queue.PublishTileFused(ctx, messaging.TileFusedPayload{RunId: other, TileId: "a"}))
	require.NoError(t, queue.PublishRunCompleted(ctx, messaging.RunCompletedPayload{RunId: other}))
	require.NoError(t, queue.PublishTileFused(ctx, messaging.TileFusedPayload{RunId: watched, TileId: "b"}))
	require.NoError(t, queue.PublishRunCompleted(ctx, messaging.RunCompletedPayload{RunId: watched, Tiles: 1, Succeeded: 1}))
	require.NoError(t, queue.PublishTileFused(ctx, messaging.TileFusedPayload{RunId: other, TileId: "c"}))

	done := make(chan error, 1)
	go func() { done <- follow(ctx, queue, watched) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not return after the run completed")
	}
	// The event after the completion is left in the stream.
	assert.Len(t, queue.Events(), 1)
}

func TestFollowAllRunsUntilCancelled(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()
	require.NoError(t, queue.PublishRunCompleted(context.Background(), messaging.RunCompletedPayload{RunId: uuid.New()}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := follow(ctx, queue, uuid.Nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Empty(t, queue.Events())
}
