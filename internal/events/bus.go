package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Emitter is the interface for publishing stream events. Both the
// in-memory Bus and the durable PersistentBus satisfy it.
type Emitter interface {
	Emit(eventType, competitionID string, payload map[string]interface{})
}

// TypeWildcard subscribes to every event type.
const TypeWildcard = "*"

// Event types crossing the bus and the WebSocket surface.
const (
	TypeAuthStatus        = "auth:status"
	TypeCompetitionState  = "competition:state"
	TypeCompetitionStart  = "competition:start"
	TypeLeaderboardUpdate = "leaderboard:update"
	TypeCompetitionEnd    = "competition:end"
	TypeVoteUpdate        = "vote:update"
	TypeChatMessage       = "chat:message"
	TypePriceUpdate       = "price:update"
	TypeCatchupComplete   = "catchup:complete"
	TypeServerShutdown    = "server:shutting-down"
)

// StreamEvent is the envelope for everything published on the bus.
type StreamEvent struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	CompetitionID string                 `json:"competitionId,omitempty"`
	Timestamp     time.Time              `json:"ts"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// NewStreamEvent stamps a fresh event envelope.
func NewStreamEvent(eventType, competitionID string, payload map[string]interface{}) *StreamEvent {
	return &StreamEvent{
		ID:            fmt.Sprintf("ev-%d", time.Now().UnixNano()),
		Type:          eventType,
		CompetitionID: competitionID,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// JSON serializes the event for the durable log and the wire.
func (ev *StreamEvent) JSON() ([]byte, error) {
	return json.Marshal(ev)
}

// HistoryFilter narrows a History read. Zero values match everything.
type HistoryFilter struct {
	CompetitionID string
	EventID       string
	Type          string
	Since         time.Time
}

func (f HistoryFilter) matches(ev *StreamEvent) bool {
	if f.CompetitionID != "" && ev.CompetitionID != f.CompetitionID {
		return false
	}
	if f.EventID != "" && ev.ID != f.EventID {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && !ev.Timestamp.After(f.Since) {
		return false
	}
	return true
}

// Bus is the in-process pub/sub backbone. Subscribers receive events on
// buffered channels; a full channel drops rather than suspending the
// publisher. The bus keeps a bounded in-memory history ring; anything
// evicted from the ring survives only in the durable event log.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *StreamEvent // eventType -> channels
	allSubs     []chan *StreamEvent            // wildcard subscribers

	history    []*StreamEvent
	historyMax int
	historyAge time.Duration

	logger     *log.Logger
	bufferSize int
}

// NewBus creates a bus whose ring holds at most historyMax events no
// older than historyAge.
func NewBus(historyMax int, historyAge time.Duration) *Bus {
	if historyMax <= 0 {
		historyMax = 1000
	}
	if historyAge <= 0 {
		historyAge = 5 * time.Minute
	}
	return &Bus{
		subscribers: make(map[string][]chan *StreamEvent),
		allSubs:     make([]chan *StreamEvent, 0),
		history:     make([]*StreamEvent, 0, historyMax),
		historyMax:  historyMax,
		historyAge:  historyAge,
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe creates a channel that receives events of the given types.
// Passing no types, or the wildcard "*", receives every event. The
// returned channel doubles as the unsubscribe token.
func (b *Bus) Subscribe(eventTypes ...string) chan *StreamEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *StreamEvent, b.bufferSize)

	wildcard := len(eventTypes) == 0
	for _, et := range eventTypes {
		if et == TypeWildcard {
			wildcard = true
		}
	}

	if wildcard {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}

	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (b *Bus) Unsubscribe(ch chan *StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := make([]chan *StreamEvent, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}

	filtered := make([]chan *StreamEvent, 0, len(b.allSubs))
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish records the event in the ring and delivers it to all matching
// subscribers without ever blocking.
func (b *Bus) Publish(event *StreamEvent) {
	b.mu.Lock()
	b.history = append(b.history, event)
	b.pruneLocked(time.Now())
	// snapshot subscriber lists so delivery happens outside the write lock
	typed := append([]chan *StreamEvent(nil), b.subscribers[event.Type]...)
	all := append([]chan *StreamEvent(nil), b.allSubs...)
	b.mu.Unlock()

	for _, ch := range typed {
		select {
		case ch <- event:
		default:
			// channel full, subscriber catches up from the durable log
		}
	}
	for _, ch := range all {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit is a convenience wrapper building the envelope and publishing it.
func (b *Bus) Emit(eventType, competitionID string, payload map[string]interface{}) {
	b.Publish(NewStreamEvent(eventType, competitionID, payload))
}

// History returns the ring entries matching the filter, oldest first.
func (b *Bus) History(filter HistoryFilter) []*StreamEvent {
	b.mu.Lock()
	b.pruneLocked(time.Now())
	out := make([]*StreamEvent, 0, len(b.history))
	for _, ev := range b.history {
		if filter.matches(ev) {
			out = append(out, ev)
		}
	}
	b.mu.Unlock()
	return out
}

// pruneLocked enforces both bounds: entry count and wall-clock age.
func (b *Bus) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.historyAge)
	start := 0
	for start < len(b.history) && b.history[start].Timestamp.Before(cutoff) {
		start++
	}
	if over := len(b.history) - start - b.historyMax; over > 0 {
		start += over
	}
	if start > 0 {
		b.history = append(b.history[:0:0], b.history[start:]...)
	}
}

// SubscriberCount returns the total number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
