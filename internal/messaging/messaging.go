package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// Exchange is the topic exchange every assessment event is published to.
	Exchange = "damage_assessment"

	TileFusedKey    = "tile.fused"
	RunCompletedKey = "run.completed"

	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

var EventKinds = []string{TileFusedKey, RunCompletedKey}

// Event is one delivered assessment event. Kind is its routing key.
type Event interface {
	Kind() string

	RunId() uuid.UUID

	Body() []byte

	Ack() error

	Nack() error
}

// TileFusedPayload announces the rasters of one fused tile to downstream exporters.
type TileFusedPayload struct {
	RunId          uuid.UUID `json:"run_id"`
	TileId         string    `json:"tile_id"`
	LocationKey    string    `json:"location_key"`
	DamageKey      string    `json:"damage_key"`
	OverlayKey     string    `json:"overlay_key,omitempty"`
	BuildingPixels int       `json:"building_pixels"`
	DamagedPixels  int       `json:"damaged_pixels"`
}

type RunCompletedPayload struct {
	RunId          uuid.UUID `json:"run_id"`
	Tiles          int       `json:"tiles"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
	FailedTiles    []string  `json:"failed_tiles,omitempty"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
}

type Publisher interface {
	PublishTileFused(ctx context.Context, payload TileFusedPayload) error

	PublishRunCompleted(ctx context.Context, payload RunCompletedPayload) error

	Close()
}

type Subscriber interface {
	Events() <-chan Event

	Close()
}

// Handlers receive decoded events. A nil handler acknowledges its events without looking at them.
type Handlers struct {
	TileFused    func(TileFusedPayload) error
	RunCompleted func(RunCompletedPayload) error
}

func (h Handlers) handle(event Event) error {
	switch event.Kind() {
	case TileFusedKey:
		if h.TileFused == nil {
			return nil
		}
		var payload TileFusedPayload
		if err := json.Unmarshal(event.Body(), &payload); err != nil {
			return fmt.Errorf("invalid %s event: %w", event.Kind(), err)
		}
		return h.TileFused(payload)
	case RunCompletedKey:
		if h.RunCompleted == nil {
			return nil
		}
		var payload RunCompletedPayload
		if err := json.Unmarshal(event.Body(), &payload); err != nil {
			return fmt.Errorf("invalid %s event: %w", event.Kind(), err)
		}
		return h.RunCompleted(payload)
	default:
		return fmt.Errorf("unknown event kind '%s'", event.Kind())
	}
}

// Dispatch decodes events and hands them to the handlers until the stream closes or ctx is done.
// Events that cannot be decoded or handled are nacked and reported through onError.
func Dispatch(ctx context.Context, events <-chan Event, handlers Handlers, onError func(Event, error)) error {
	for {
		// Checked first so no event is taken once ctx is done.
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := handlers.handle(event); err != nil {
				if onError != nil {
					onError(event, err)
				}
				if err := event.Nack(); err != nil {
					return fmt.Errorf("error rejecting %s event: %w", event.Kind(), err)
				}
				continue
			}
			if err := event.Ack(); err != nil {
				return fmt.Errorf("error acknowledging %s event: %w", event.Kind(), err)
			}
		}
	}
}
