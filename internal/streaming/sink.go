package streaming

import (
	"context"

	"github.com/servicehero/flowd/internal/store"
)

// HubSink adapts an EventHub to the engine's event sink contract so every
// appended event is also published to live subscribers.
type HubSink struct {
	hub EventHub
}

// NewHubSink wraps hub as an event sink.
func NewHubSink(hub EventHub) *HubSink {
	return &HubSink{hub: hub}
}

// AppendEvent publishes the event to the hub. Delivery is best-effort; the
// durable log is written elsewhere.
func (s *HubSink) AppendEvent(ctx context.Context, event *store.Event) error {
	return s.hub.Publish(ctx, StreamEvent{
		ExecutionID: event.ExecutionID,
		StepID:      event.StepID,
		EventType:   event.Type,
		Payload:     event.Payload,
	})
}
