package stores

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

// EventLog persists timeline events and mirrors them to the logger.
// It implements engine.EventPublisher.
type EventLog struct {
	store *SQLiteStore
	log   zerolog.Logger
}

// NewEventLog creates an event publisher backed by the store.
func NewEventLog(store *SQLiteStore, logger zerolog.Logger) *EventLog {
	return &EventLog{
		store: store,
		log:   logger.With().Str("component", "events").Logger(),
	}
}

// Publish assigns an ID when missing, logs the event and appends it.
func (e *EventLog) Publish(ctx context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	logEvent := e.log.Info()
	switch event.Level {
	case "error":
		logEvent = e.log.Error()
	case "warning":
		logEvent = e.log.Warn()
	}
	logEvent.
		Str("type", string(event.Type)).
		Str("run_id", event.RunID).
		Str("resource_id", event.ResourceID).
		Msg(event.Message)

	return e.store.AppendEvent(ctx, event)
}
