package cache

import (
	"context"
	"sync"
	"time"

	"github.com/aioarena/backend/internal/core"
	"github.com/aioarena/backend/internal/events"
)

// Memory implements Store without external dependencies. Used when no
// Redis address is configured, and by tests.
type Memory struct {
	mu        sync.RWMutex
	snapshots map[string]*core.Snapshot
	eventLogs map[string][]*events.StreamEvent
	votes     map[string]map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[string]*core.Snapshot),
		eventLogs: make(map[string][]*events.StreamEvent),
		votes:     make(map[string]map[string]int64),
	}
}

func (m *Memory) WriteSnapshot(_ context.Context, snap *core.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	m.snapshots[snap.CompetitionID] = &cp
	return nil
}

func (m *Memory) ReadAllSnapshots(_ context.Context) ([]*core.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Snapshot, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		cp := *snap
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) RemoveSnapshot(_ context.Context, competitionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, competitionID)
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, competitionID string, ev *events.StreamEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := append(m.eventLogs[competitionID], ev)
	if len(log) > eventLogCap {
		log = log[len(log)-eventLogCap:]
	}
	m.eventLogs[competitionID] = log
	return nil
}

func (m *Memory) ReadEvents(_ context.Context, competitionID string, since time.Time) ([]*events.StreamEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*events.StreamEvent, 0)
	for _, ev := range m.eventLogs[competitionID] {
		if since.IsZero() || ev.Timestamp.After(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *Memory) IncrVote(_ context.Context, competitionID string, voteType, agentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byField, ok := m.votes[competitionID]
	if !ok {
		byField = make(map[string]int64)
		m.votes[competitionID] = byField
	}
	field := voteType + ":" + agentID
	byField[field]++
	return byField[field], nil
}

func (m *Memory) ReadVotes(_ context.Context, competitionID string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.votes[competitionID]))
	for field, n := range m.votes[competitionID] {
		out[field] = n
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
