package storage

import (
	"context"
	"log/slog"

	"github.com/loomctl/loom/internal/events"
)

// EventSink adapts a Storage into an events.Sink. Telemetry is purely
// observational, so persistence failures are logged and swallowed.
type EventSink struct {
	Store Storage
}

var _ events.Sink = (*EventSink)(nil)

// Record persists the event, best effort.
func (s *EventSink) Record(ctx context.Context, event *events.Event) {
	if err := s.Store.RecordEvent(ctx, event); err != nil {
		slog.Warn("failed to persist event",
			"event_type", string(event.Type),
			"run_id", event.RunID,
			"error", err)
	}
}
