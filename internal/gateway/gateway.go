// Package gateway serves the real-time WebSocket surface: rooms,
// admission, auth, catchup replay, votes and chat.
package gateway

import (
	"context"
	"log"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aioarena/backend/internal/core"
	"github.com/aioarena/backend/internal/events"
	"github.com/aioarena/backend/internal/metrics"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second // time allowed to write a message
	maxMsgSize = 64 * 1024
	sendBuffer = 256

	// ChatMaxLen truncates chat messages.
	ChatMaxLen = 500

	// vote:cast per-socket limit: 5 per 10 seconds.
	voteRateDefault   = 5
	voteWindowDefault = 10 * time.Second
)

var uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// roomRe validates room names: competition:{uuid}, tournament:{uuid},
// market:{id} where a market id is a uuid or a market-... slug.
var roomRe = regexp.MustCompile(`^(competition|tournament):[0-9a-fA-F-]{36}$|^market:[0-9a-zA-Z-]{1,64}$`)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventStream is the bus surface the gateway consumes: live fan-out
// plus durable replay.
type EventStream interface {
	events.Emitter
	Subscribe(eventTypes ...string) chan *events.StreamEvent
	Unsubscribe(ch chan *events.StreamEvent)
	Replay(ctx context.Context, competitionID string, since time.Time) ([]*events.StreamEvent, error)
}

// Store is the relational slice backing mutation checks.
type Store interface {
	LoadCompetition(ctx context.Context, id string) (*core.Competition, error)
	ListParticipants(ctx context.Context, competitionID string) ([]core.Participant, error)
}

// Votes aggregates spectator votes.
type Votes interface {
	IncrVote(ctx context.Context, competitionID string, voteType, agentID string) (int64, error)
	ReadVotes(ctx context.Context, competitionID string) (map[string]int64, error)
}

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(token string) (userID string, err error)
}

// Options configures a Gateway.
type Options struct {
	Bus           EventStream
	Store         Store
	Votes         Votes
	Auth          Authenticator
	Metrics       *metrics.Metrics
	MaxConnPerIP  int
	ConnRatePerMin int
	VoteRate      int
	VoteWindow    time.Duration
}

// Gateway owns the socket set. Subscription tables live per-socket;
// the gateway itself only tracks membership for broadcast and
// shutdown.
type Gateway struct {
	bus       EventStream
	store     Store
	votes     Votes
	auth      Authenticator
	admission *Admission
	metrics   *metrics.Metrics
	logger    *log.Logger

	voteRate   int
	voteWindow time.Duration

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// New creates a gateway.
func New(opts Options) *Gateway {
	voteRate := opts.VoteRate
	if voteRate <= 0 {
		voteRate = voteRateDefault
	}
	voteWindow := opts.VoteWindow
	if voteWindow <= 0 {
		voteWindow = voteWindowDefault
	}
	return &Gateway{
		bus:        opts.Bus,
		store:      opts.Store,
		votes:      opts.Votes,
		auth:       opts.Auth,
		admission:  NewAdmission(opts.MaxConnPerIP, opts.ConnRatePerMin),
		metrics:    opts.Metrics,
		logger:     log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
		voteRate:   voteRate,
		voteWindow: voteWindow,
		clients:    make(map[*client]struct{}),
	}
}

// HandleWS upgrades the HTTP request and runs the connection pumps.
// Admission happens before the upgrade so rejected peers cost one
// plain HTTP response, not a socket.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if err := g.admission.Acquire(ip); err != nil {
		w.Header().Set("Retry-After", "60")
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.admission.Release(ip)
		g.logger.Printf("upgrade failed for %s: %v", ip, err)
		return
	}

	c := newClient(g, conn, ip)

	// bearer token on the handshake; failure keeps the connection but
	// leaves it unauthenticated
	if token := bearerToken(r); token != "" {
		c.authenticate(token)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close()
		g.admission.Release(ip)
		return
	}
	g.clients[c] = struct{}{}
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.WsConnections.Inc()
	}

	go c.writePump()
	go c.forwardPump()
	go c.readPump()
}

// remove deregisters a disconnected client.
func (g *Gateway) remove(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
	g.admission.Release(c.ip)
	if g.metrics != nil {
		g.metrics.WsConnections.Dec()
	}
}

// ClientCount returns the number of connected sockets.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Shutdown broadcasts server:shutting-down and closes every socket.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	g.closed = true
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	if len(clients) > 0 {
		g.logger.Printf("shutting down: notifying %d sockets", len(clients))
	}
	shutdown := events.NewStreamEvent(events.TypeServerShutdown, "", nil)
	for _, c := range clients {
		c.enqueueEvent(shutdown)
	}
	// give the write pumps a moment to flush the notice
	time.Sleep(100 * time.Millisecond)
	for _, c := range clients {
		c.close()
	}
	g.admission.Close()
}

// ValidRoom reports whether a room name is well-formed.
func ValidRoom(room string) bool {
	return roomRe.MatchString(room)
}

func validUUID(s string) bool { return uuidRe.MatchString(s) }

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
