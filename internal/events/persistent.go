package events

import (
	"context"
	"log"
	"time"
)

// EventLog is the durable, per-competition append-only log behind the
// in-memory ring. Implemented by the Redis cache adapter.
type EventLog interface {
	AppendEvent(ctx context.Context, competitionID string, ev *StreamEvent) error
	ReadEvents(ctx context.Context, competitionID string, since time.Time) ([]*StreamEvent, error)
}

// PersistentBus wraps the in-memory Bus and also appends every
// competition-scoped event to the durable event log.
//
// Fan-out strategy:
//   - durable log: replay source for catchup after reconnect or eviction
//   - in-memory: immediate push to WebSocket subscribers
type PersistentBus struct {
	*Bus // embedded — Subscribe/Unsubscribe/History still work

	eventLog EventLog
	logger   *log.Logger
}

// NewPersistentBus creates a bus backed by the given durable log.
func NewPersistentBus(bus *Bus, eventLog EventLog) *PersistentBus {
	return &PersistentBus{
		Bus:      bus,
		eventLog: eventLog,
		logger:   log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Emit creates the envelope, appends it to the durable log, and fans
// out to in-memory subscribers. A failed append loses nothing but
// replay depth.
func (pb *PersistentBus) Emit(eventType, competitionID string, payload map[string]interface{}) {
	event := NewStreamEvent(eventType, competitionID, payload)
	pb.PublishRaw(event)
}

// PublishRaw publishes a pre-built event to both sinks. Useful when
// forwarding an event that already carries its id and timestamp.
//
// The durable append runs synchronously on the publisher's goroutine:
// a caller emitting events back-to-back must see them land in the log
// in the same order, and a detached append cannot guarantee that.
func (pb *PersistentBus) PublishRaw(event *StreamEvent) {
	if pb.eventLog != nil && event.CompetitionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := pb.eventLog.AppendEvent(ctx, event.CompetitionID, event); err != nil {
			pb.logger.Printf("durable append failed: %s type=%s: %v", event.ID, event.Type, err)
		}
		cancel()
	}
	pb.Bus.Publish(event)
}

// Replay returns the events for one competition since the given time,
// preferring the durable log and falling back to the in-memory ring.
func (pb *PersistentBus) Replay(ctx context.Context, competitionID string, since time.Time) ([]*StreamEvent, error) {
	if pb.eventLog != nil {
		evs, err := pb.eventLog.ReadEvents(ctx, competitionID, since)
		if err == nil {
			return evs, nil
		}
		pb.logger.Printf("durable replay failed for %s, serving ring: %v", competitionID, err)
	}
	return pb.Bus.History(HistoryFilter{CompetitionID: competitionID, Since: since}), nil
}

// ensure interface compatibility
var _ Emitter = (*PersistentBus)(nil)
var _ Emitter = (*Bus)(nil)
