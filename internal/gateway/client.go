package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/aioarena/backend/internal/core"
	"github.com/aioarena/backend/internal/events"
)

// inbound is the client->server message envelope.
type inbound struct {
	Type          string `json:"type"`
	Token         string `json:"token,omitempty"`
	Room          string `json:"room,omitempty"`
	CompetitionID string `json:"competitionId,omitempty"`
	AgentID       string `json:"agentId,omitempty"`
	VoteType      string `json:"voteType,omitempty"`
	Text          string `json:"text,omitempty"`
	SinceTs       int64  `json:"sinceTs,omitempty"` // unix millis
}

// Connection state machine: Connected(unauth) <-> Connected(auth) via
// auth:refresh; terminal Disconnected. Auth transitions never touch
// the room table, so subscriptions survive a refresh.
type client struct {
	gw   *Gateway
	conn *websocket.Conn
	ip   string

	send  chan []byte
	done  chan struct{}
	once  sync.Once
	busCh chan *events.StreamEvent

	voteLimiter *rate.Limiter

	mu     sync.Mutex
	userID string // empty while unauthenticated
	rooms  map[string]struct{}
}

func newClient(g *Gateway, conn *websocket.Conn, ip string) *client {
	return &client{
		gw:          g,
		conn:        conn,
		ip:          ip,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		busCh:       g.bus.Subscribe(events.TypeWildcard),
		voteLimiter: rate.NewLimiter(rate.Every(g.voteWindow/time.Duration(g.voteRate)), g.voteRate),
		rooms:       make(map[string]struct{}),
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.gw.bus.Unsubscribe(c.busCh)
		c.conn.Close()
		c.gw.remove(c)
	})
}

func (c *client) authed() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.userID != ""
}

func (c *client) authenticate(token string) {
	if c.gw.auth == nil {
		c.reply(events.TypeAuthStatus, map[string]interface{}{"authenticated": false, "error": "auth unavailable"})
		return
	}
	userID, err := c.gw.auth.Authenticate(token)
	if err != nil {
		c.reply(events.TypeAuthStatus, map[string]interface{}{"authenticated": false, "error": "invalid token"})
		return
	}
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
	c.reply(events.TypeAuthStatus, map[string]interface{}{"authenticated": true, "userId": userID})
}

func (c *client) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// ===== pumps =====

// writePump owns all writes to the socket: data, pings, close frame.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			if c.gw.metrics != nil {
				c.gw.metrics.WsMessages.WithLabelValues("out").Inc()
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// forwardPump moves bus events the client's rooms care about onto the
// send queue. Publishers are never blocked: a full queue drops this
// socket's backlog and asks it to catch up from the durable log.
func (c *client) forwardPump() {
	for ev := range c.busCh {
		if ev.Type == events.TypeServerShutdown {
			c.enqueueEvent(ev)
			continue
		}
		if !c.wantsEvent(ev) {
			continue
		}
		c.enqueueEvent(ev)
	}
}

func (c *client) wantsEvent(ev *events.StreamEvent) bool {
	if ev.CompetitionID != "" && c.inRoom("competition:"+ev.CompetitionID) {
		return true
	}
	if marketID, ok := ev.Payload["marketId"].(string); ok && c.inRoom("market:"+marketID) {
		return true
	}
	if tournamentID, ok := ev.Payload["tournamentId"].(string); ok && c.inRoom("tournament:"+tournamentID) {
		return true
	}
	return false
}

// enqueueEvent queues without blocking. On overflow the backlog is
// dropped and replaced with a catchup:required marker.
func (c *client) enqueueEvent(ev *events.StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
		return
	default:
	}

	// slow socket: drain the queue, then signal catchup
	for {
		select {
		case <-c.send:
		default:
			marker, _ := json.Marshal(map[string]interface{}{
				"type":          "catchup:required",
				"competitionId": ev.CompetitionID,
			})
			select {
			case c.send <- marker:
			default:
			}
			return
		}
	}
}

// readPump owns all reads and routes inbound messages.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if c.gw.metrics != nil {
			c.gw.metrics.WsMessages.WithLabelValues("in").Inc()
		}

		var msg inbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.replyError("", "invalid message format")
			continue
		}
		c.handle(&msg)
	}
}

// ===== message handlers =====

func (c *client) handle(msg *inbound) {
	switch msg.Type {
	case "auth:refresh":
		c.authenticate(msg.Token)
	case "join:competition":
		c.handleJoin(msg.Type, msg.Room, "competition:", "tournament:")
	case "subscribe:market":
		c.handleJoin(msg.Type, msg.Room, "market:")
	case "competition:catchup":
		c.handleCatchup(msg.CompetitionID, msg.SinceTs)
	case "vote:cast":
		c.handleVote(msg)
	case "chat:message":
		c.handleChat(msg)
	default:
		// leave:competition, leave:tournament, leave:market
		if strings.HasPrefix(msg.Type, "leave:") {
			c.handleLeave(msg.Room)
			return
		}
		c.replyError(msg.Type, "unknown message type")
	}
}

// handleJoin admits the socket to a room if the name is well formed and
// of a kind the message type allows.
func (c *client) handleJoin(msgType, room string, prefixes ...string) {
	allowed := false
	for _, p := range prefixes {
		if strings.HasPrefix(room, p) {
			allowed = true
			break
		}
	}
	if !allowed || !ValidRoom(room) {
		c.replyError(msgType, "invalid room name")
		return
	}
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	c.reply("room:joined", map[string]interface{}{"room": room})
}

func (c *client) handleLeave(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
	c.reply("room:left", map[string]interface{}{"room": room})
}

// handleCatchup replays the durable log (ring fallback) to this socket
// only, then marks completion.
func (c *client) handleCatchup(competitionID string, sinceTs int64) {
	if !validUUID(competitionID) {
		c.replyError("competition:catchup", "invalid competition id")
		return
	}
	since := time.UnixMilli(sinceTs).UTC()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	evs, err := c.gw.bus.Replay(ctx, competitionID, since)
	if err != nil {
		c.replyError("competition:catchup", "replay unavailable")
		return
	}
	for _, ev := range evs {
		c.enqueueEvent(ev)
	}
	c.enqueueEvent(events.NewStreamEvent(events.TypeCatchupComplete, competitionID, map[string]interface{}{
		"count": len(evs),
	}))
}

func (c *client) handleVote(msg *inbound) {
	userID, ok := c.authed()
	if !ok {
		c.replyError("vote:cast", "authentication required")
		return
	}
	if !c.voteLimiter.Allow() {
		c.replyError("vote:cast", "vote rate exceeded")
		return
	}
	if !validUUID(msg.CompetitionID) || msg.AgentID == "" {
		c.replyError("vote:cast", "invalid vote")
		return
	}
	if !core.ValidVoteType(core.VoteType(msg.VoteType)) {
		c.replyError("vote:cast", "invalid vote type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	comp, err := c.gw.store.LoadCompetition(ctx, msg.CompetitionID)
	if err != nil {
		c.replyError("vote:cast", "competition not found")
		return
	}
	if comp.Status != core.StatusRunning {
		c.replyError("vote:cast", "competition is not running")
		return
	}
	participants, err := c.gw.store.ListParticipants(ctx, msg.CompetitionID)
	if err != nil {
		c.replyError("vote:cast", "vote unavailable")
		return
	}
	found := false
	for _, p := range participants {
		if p.AgentID == msg.AgentID {
			found = true
			break
		}
	}
	if !found {
		c.replyError("vote:cast", "agent is not a participant")
		return
	}

	count, err := c.gw.votes.IncrVote(ctx, msg.CompetitionID, msg.VoteType, msg.AgentID)
	if err != nil {
		c.replyError("vote:cast", "vote unavailable")
		return
	}
	c.gw.bus.Emit(events.TypeVoteUpdate, msg.CompetitionID, map[string]interface{}{
		"agentId":  msg.AgentID,
		"voteType": msg.VoteType,
		"count":    count,
		"userId":   userID,
	})
}

func (c *client) handleChat(msg *inbound) {
	userID, ok := c.authed()
	if !ok {
		c.replyError("chat:message", "authentication required")
		return
	}
	if !validUUID(msg.CompetitionID) {
		c.replyError("chat:message", "invalid competition id")
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		c.replyError("chat:message", "empty message")
		return
	}
	if len(text) > ChatMaxLen {
		cut := ChatMaxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	c.gw.bus.Emit(events.TypeChatMessage, msg.CompetitionID, map[string]interface{}{
		"userId": userID,
		"text":   text,
	})
}

// ===== replies =====

func (c *client) reply(msgType string, payload map[string]interface{}) {
	data, err := json.Marshal(map[string]interface{}{"type": msgType, "payload": payload})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) replyError(inReplyTo, message string) {
	c.reply("error", map[string]interface{}{"of": inReplyTo, "message": message})
}
