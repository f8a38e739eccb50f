package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aioarena/backend/internal/core"
	"github.com/aioarena/backend/internal/events"
)

const compID = "11111111-1111-1111-1111-111111111111"

// ===== fakes =====

type fakeStore struct {
	mu           sync.Mutex
	comps        map[string]*core.Competition
	participants map[string][]core.Participant
}

func (s *fakeStore) LoadCompetition(_ context.Context, id string) (*core.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comps[id]
	if !ok {
		return nil, core.NewNotFound("competition %s not found", id)
	}
	return c, nil
}

func (s *fakeStore) ListParticipants(_ context.Context, id string) ([]core.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participants[id], nil
}

type fakeVotes struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (v *fakeVotes) IncrVote(_ context.Context, compID, voteType, agentID string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.counts == nil {
		v.counts = make(map[string]int64)
	}
	key := compID + ":" + voteType + ":" + agentID
	v.counts[key]++
	return v.counts[key], nil
}

func (v *fakeVotes) ReadVotes(_ context.Context, compID string) (map[string]int64, error) {
	return map[string]int64{}, nil
}

type fakeAuth struct{}

func (fakeAuth) Authenticate(token string) (string, error) {
	if token == "good-token" {
		return "user-1", nil
	}
	return "", core.NewError(core.KindAuthorization, "bad token")
}

type wsFixture struct {
	gw     *Gateway
	bus    *events.PersistentBus
	server *httptest.Server
}

func newFixture(t *testing.T) *wsFixture {
	t.Helper()
	bus := events.NewPersistentBus(events.NewBus(100, time.Minute), nil)
	store := &fakeStore{
		comps: map[string]*core.Competition{
			compID: {ID: compID, Status: core.StatusRunning},
		},
		participants: map[string][]core.Participant{
			compID: {{CompetitionID: compID, AgentID: "agent-1"}},
		},
	}
	gw := New(Options{
		Bus:   bus,
		Store: store,
		Votes: &fakeVotes{},
		Auth:  fakeAuth{},
	})
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	t.Cleanup(func() {
		gw.Shutdown()
		srv.Close()
	})
	return &wsFixture{gw: gw, bus: bus, server: srv}
}

func (f *wsFixture) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wsReply struct {
	Type          string                 `json:"type"`
	CompetitionID string                 `json:"competitionId"`
	Payload       map[string]interface{} `json:"payload"`
}

func readReply(t *testing.T, conn *websocket.Conn) wsReply {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var r wsReply
	require.NoError(t, json.Unmarshal(data, &r))
	return r
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// ===== admission =====

func TestAdmissionConcurrentCap(t *testing.T) {
	a := NewAdmission(2, 100)
	defer a.Close()

	require.NoError(t, a.Acquire("1.2.3.4"))
	require.NoError(t, a.Acquire("1.2.3.4"))
	err := a.Acquire("1.2.3.4")
	assert.True(t, core.IsKind(err, core.KindCapacity))

	// other addresses unaffected
	require.NoError(t, a.Acquire("5.6.7.8"))

	// releasing frees the slot
	a.Release("1.2.3.4")
	require.NoError(t, a.Acquire("1.2.3.4"))
}

func TestAdmissionRateCap(t *testing.T) {
	a := NewAdmission(100, 3)
	defer a.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Acquire("1.2.3.4"))
		a.Release("1.2.3.4")
	}
	err := a.Acquire("1.2.3.4")
	require.True(t, core.IsKind(err, core.KindCapacity))
	var kerr *core.Error
	require.ErrorAs(t, err, &kerr)
	assert.Greater(t, kerr.RetryAfter, time.Duration(0))
}

// ===== rooms =====

func TestValidRoom(t *testing.T) {
	tests := []struct {
		room string
		ok   bool
	}{
		{"competition:" + compID, true},
		{"tournament:" + compID, true},
		{"market:" + compID, true},
		{"market:mkt-42", true},
		{"competition:not-a-uuid", false},
		{"kitchen:" + compID, false},
		{"competition:", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, ValidRoom(tt.room), tt.room)
	}
}

// ===== socket behaviour =====

func TestRoomScopedFanout(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, nil)

	send(t, conn, map[string]interface{}{"type": "join:competition", "room": "competition:" + compID})
	require.Equal(t, "room:joined", readReply(t, conn).Type)

	// events for other competitions are not delivered
	f.bus.Emit(events.TypeLeaderboardUpdate, "22222222-2222-2222-2222-222222222222", map[string]interface{}{"n": 1})
	f.bus.Emit(events.TypeLeaderboardUpdate, compID, map[string]interface{}{"n": 2})

	got := readReply(t, conn)
	assert.Equal(t, events.TypeLeaderboardUpdate, got.Type)
	assert.Equal(t, compID, got.CompetitionID)
	assert.EqualValues(t, 2, got.Payload["n"])
}

func TestInvalidRoomRejected(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, nil)

	send(t, conn, map[string]interface{}{"type": "join:competition", "room": "competition:../etc"})
	r := readReply(t, conn)
	assert.Equal(t, "error", r.Type)
}

func TestSubscribeMarketFanout(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, nil)

	send(t, conn, map[string]interface{}{"type": "subscribe:market", "room": "market:mkt-42"})
	require.Equal(t, "room:joined", readReply(t, conn).Type)

	f.bus.Emit(events.TypePriceUpdate, compID, map[string]interface{}{"marketId": "mkt-42", "odds": -120})
	got := readReply(t, conn)
	assert.Equal(t, events.TypePriceUpdate, got.Type)
	assert.Equal(t, "mkt-42", got.Payload["marketId"])
}

func TestJoinRejectsWrongRoomKind(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, nil)

	// market rooms go through subscribe:market, not join:competition
	send(t, conn, map[string]interface{}{"type": "join:competition", "room": "market:mkt-42"})
	assert.Equal(t, "error", readReply(t, conn).Type)

	send(t, conn, map[string]interface{}{"type": "subscribe:market", "room": "competition:" + compID})
	assert.Equal(t, "error", readReply(t, conn).Type)
}

func TestLeaveStopsDelivery(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, nil)

	send(t, conn, map[string]interface{}{"type": "join:competition", "room": "competition:" + compID})
	require.Equal(t, "room:joined", readReply(t, conn).Type)

	send(t, conn, map[string]interface{}{"type": "leave:competition", "room": "competition:" + compID})
	require.Equal(t, "room:left", readReply(t, conn).Type)

	f.bus.Emit(events.TypeLeaderboardUpdate, compID, map[string]interface{}{"n": 1})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "no delivery after leaving the room")
}

func TestCatchupReplaysAndCompletes(t *testing.T) {
	f := newFixture(t)

	// history exists before the socket connects
	f.bus.Emit(events.TypeCompetitionStart, compID, map[string]interface{}{"name": "c"})
	f.bus.Emit(events.TypeLeaderboardUpdate, compID, map[string]interface{}{"turn": 1})

	conn := f.dial(t, nil)
	send(t, conn, map[string]interface{}{
		"type": "competition:catchup", "competitionId": compID, "sinceTs": 0,
	})

	var types []string
	for {
		r := readReply(t, conn)
		types = append(types, r.Type)
		if r.Type == events.TypeCatchupComplete {
			break
		}
	}
	require.GreaterOrEqual(t, len(types), 3)
	assert.Equal(t, events.TypeCompetitionStart, types[0])
	assert.Equal(t, events.TypeLeaderboardUpdate, types[1])
	assert.Equal(t, events.TypeCatchupComplete, types[len(types)-1], "completion marker comes last")
}

func TestCatchupRejectsBadID(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, nil)
	send(t, conn, map[string]interface{}{"type": "competition:catchup", "competitionId": "nope"})
	assert.Equal(t, "error", readReply(t, conn).Type)
}

func TestVoteRequiresAuth(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, nil)

	send(t, conn, map[string]interface{}{
		"type": "vote:cast", "competitionId": compID, "agentId": "agent-1", "voteType": "cheer",
	})
	r := readReply(t, conn)
	require.Equal(t, "error", r.Type)
	assert.Contains(t, r.Payload["message"], "authentication")
}

func TestVoteAuthenticatedFlow(t *testing.T) {
	f := newFixture(t)
	header := http.Header{"Authorization": []string{"Bearer good-token"}}
	conn := f.dial(t, header)

	auth := readReply(t, conn)
	require.Equal(t, events.TypeAuthStatus, auth.Type)
	require.Equal(t, true, auth.Payload["authenticated"])

	send(t, conn, map[string]interface{}{"type": "join:competition", "room": "competition:" + compID})
	require.Equal(t, "room:joined", readReply(t, conn).Type)

	send(t, conn, map[string]interface{}{
		"type": "vote:cast", "competitionId": compID, "agentId": "agent-1", "voteType": "cheer",
	})
	update := readReply(t, conn)
	require.Equal(t, events.TypeVoteUpdate, update.Type)
	assert.Equal(t, "agent-1", update.Payload["agentId"])
	assert.EqualValues(t, 1, update.Payload["count"])
}

func TestVoteRejectsNonParticipant(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, http.Header{"Authorization": []string{"Bearer good-token"}})
	require.Equal(t, events.TypeAuthStatus, readReply(t, conn).Type)

	send(t, conn, map[string]interface{}{
		"type": "vote:cast", "competitionId": compID, "agentId": "stranger", "voteType": "cheer",
	})
	r := readReply(t, conn)
	require.Equal(t, "error", r.Type)
	assert.Contains(t, r.Payload["message"], "participant")
}

func TestAuthRefreshKeepsSubscriptions(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, nil)

	send(t, conn, map[string]interface{}{"type": "join:competition", "room": "competition:" + compID})
	require.Equal(t, "room:joined", readReply(t, conn).Type)

	// bad token leaves the socket connected and unauthenticated
	send(t, conn, map[string]interface{}{"type": "auth:refresh", "token": "bogus"})
	bad := readReply(t, conn)
	require.Equal(t, events.TypeAuthStatus, bad.Type)
	assert.Equal(t, false, bad.Payload["authenticated"])

	send(t, conn, map[string]interface{}{"type": "auth:refresh", "token": "good-token"})
	good := readReply(t, conn)
	require.Equal(t, events.TypeAuthStatus, good.Type)
	assert.Equal(t, true, good.Payload["authenticated"])

	// the room joined before the refresh still delivers
	f.bus.Emit(events.TypeLeaderboardUpdate, compID, map[string]interface{}{"turn": 9})
	got := readReply(t, conn)
	assert.Equal(t, events.TypeLeaderboardUpdate, got.Type)
}

func TestChatTrimmedAndBroadcast(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, http.Header{"Authorization": []string{"Bearer good-token"}})
	require.Equal(t, events.TypeAuthStatus, readReply(t, conn).Type)

	send(t, conn, map[string]interface{}{"type": "join:competition", "room": "competition:" + compID})
	require.Equal(t, "room:joined", readReply(t, conn).Type)

	long := strings.Repeat("x", ChatMaxLen+100)
	send(t, conn, map[string]interface{}{
		"type": "chat:message", "competitionId": compID, "text": "  " + long + "  ",
	})

	got := readReply(t, conn)
	require.Equal(t, events.TypeChatMessage, got.Type)
	text, _ := got.Payload["text"].(string)
	assert.Len(t, text, ChatMaxLen, "chat text capped")
	assert.Equal(t, "user-1", got.Payload["userId"])
}

func TestChatTruncatesOnRuneBoundary(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, http.Header{"Authorization": []string{"Bearer good-token"}})
	require.Equal(t, events.TypeAuthStatus, readReply(t, conn).Type)

	send(t, conn, map[string]interface{}{"type": "join:competition", "room": "competition:" + compID})
	require.Equal(t, "room:joined", readReply(t, conn).Type)

	// 3-byte runes straddle the byte cap
	long := strings.Repeat("値", ChatMaxLen/3+10)
	send(t, conn, map[string]interface{}{
		"type": "chat:message", "competitionId": compID, "text": long,
	})

	got := readReply(t, conn)
	require.Equal(t, events.TypeChatMessage, got.Type)
	text, _ := got.Payload["text"].(string)
	assert.True(t, utf8.ValidString(text), "truncation must not split a rune")
	assert.LessOrEqual(t, len(text), ChatMaxLen)
}

func TestChatRejectsEmpty(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, http.Header{"Authorization": []string{"Bearer good-token"}})
	require.Equal(t, events.TypeAuthStatus, readReply(t, conn).Type)

	send(t, conn, map[string]interface{}{"type": "chat:message", "competitionId": compID, "text": "   "})
	assert.Equal(t, "error", readReply(t, conn).Type)
}

func TestShutdownBroadcast(t *testing.T) {
	bus := events.NewPersistentBus(events.NewBus(100, time.Minute), nil)
	gw := New(Options{Bus: bus, Store: &fakeStore{}, Votes: &fakeVotes{}, Auth: fakeAuth{}})
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return gw.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	go gw.Shutdown()

	r := readReply(t, conn)
	assert.Equal(t, events.TypeServerShutdown, r.Type)
	require.Eventually(t, func() bool { return gw.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownMessageType(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, nil)
	send(t, conn, map[string]interface{}{"type": "teleport"})
	r := readReply(t, conn)
	assert.Equal(t, "error", r.Type)
}
