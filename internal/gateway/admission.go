package gateway

import (
	"log"
	"sync"
	"time"

	"github.com/aioarena/backend/internal/core"
)

// ============================================================================
// IP ADMISSION - Concurrent-connection cap + sliding-window rate cap
// ============================================================================

const (
	// DefaultMaxConnPerIP bounds simultaneous sockets from one address.
	DefaultMaxConnPerIP = 10

	// DefaultConnRatePerMin bounds new connections per address per minute.
	DefaultConnRatePerMin = 20

	admissionWindow = time.Minute
)

type ipState struct {
	concurrent  int
	count       int
	windowStart time.Time
}

// Admission enforces the per-IP connection policy at the WebSocket
// handshake. Expired windows are garbage-collected in the background.
type Admission struct {
	mu      sync.Mutex
	ips     map[string]*ipState
	maxConn int
	ratePer int
	logger  *log.Logger

	stop chan struct{}
	once sync.Once
}

// NewAdmission creates the admission guard with the given caps; zero
// values take the documented defaults.
func NewAdmission(maxConn, ratePerMin int) *Admission {
	if maxConn <= 0 {
		maxConn = DefaultMaxConnPerIP
	}
	if ratePerMin <= 0 {
		ratePerMin = DefaultConnRatePerMin
	}
	a := &Admission{
		ips:     make(map[string]*ipState),
		maxConn: maxConn,
		ratePer: ratePerMin,
		logger:  log.New(log.Writer(), "[ADMISSION] ", log.LstdFlags),
		stop:    make(chan struct{}),
	}
	go a.cleanup()
	return a
}

// Acquire admits one connection from ip or returns a Capacity error.
// Every successful Acquire must be paired with a Release on disconnect.
func (a *Admission) Acquire(ip string) error {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.ips[ip]
	if !ok {
		st = &ipState{windowStart: now}
		a.ips[ip] = st
	}
	if now.Sub(st.windowStart) > admissionWindow {
		st.count = 0
		st.windowStart = now
	}

	if st.concurrent >= a.maxConn {
		a.logger.Printf("connection cap reached for %s (%d concurrent)", ip, st.concurrent)
		return core.NewCapacity(admissionWindow, "too many concurrent connections from %s", ip)
	}
	if st.count >= a.ratePer {
		retry := admissionWindow - now.Sub(st.windowStart)
		a.logger.Printf("connection rate exceeded for %s (%d/min)", ip, st.count)
		return core.NewCapacity(retry, "connection rate exceeded for %s", ip)
	}

	st.concurrent++
	st.count++
	return nil
}

// Release returns one connection slot for ip.
func (a *Admission) Release(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.ips[ip]; ok && st.concurrent > 0 {
		st.concurrent--
	}
}

// Close stops the background cleanup.
func (a *Admission) Close() {
	a.once.Do(func() { close(a.stop) })
}

func (a *Admission) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.mu.Lock()
			now := time.Now()
			for ip, st := range a.ips {
				if st.concurrent == 0 && now.Sub(st.windowStart) > 2*admissionWindow {
					delete(a.ips, ip)
				}
			}
			a.mu.Unlock()
		case <-a.stop:
			return
		}
	}
}
