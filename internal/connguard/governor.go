// Package connguard tracks per-principal connection state: concurrent
// connection caps, reconnection backoff, and per-connection health
// (ping/pong). The system-wide admission queue lives alongside it in
// admission.go.
package connguard

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studyrooms/backend/internal/apperr"
)

// Connection mirrors the Connection entity: a handshake bound to exactly
// one principal and (once joined) one room.
type Connection struct {
	ID          uuid.UUID
	PrincipalID string
	RoomID      string
	OpenedAt    time.Time
	LastPongAt  time.Time
	MissedPings int
}

const (
	reconnectBackoffBase = time.Second
	reconnectBackoffCap  = 60 * time.Second
)

// Governor enforces the per-principal connection cap and reconnection
// backoff described by the connection-governor contract. It holds only
// process-local, in-memory state: connections are terminated on the gateway
// that accepted them, so there is nothing to share across replicas here
// (unlike the admission queue, which is cluster-wide).
type Governor struct {
	mu sync.Mutex

	maxPerPrincipal int
	closeWindow     time.Duration
	closeThreshold  int

	conns        map[uuid.UUID]*Connection
	byPrincipal  map[string]map[uuid.UUID]struct{}
	recentCloses map[string][]time.Time
}

// NewGovernor builds a Governor. maxPerPrincipal, closeWindow, and
// closeThreshold come from spec-level constants (2 connections; a rolling
// 10s window; 3 closes trigger backoff).
func NewGovernor(maxPerPrincipal int, closeWindow time.Duration, closeThreshold int) *Governor {
	return &Governor{
		maxPerPrincipal: maxPerPrincipal,
		closeWindow:     closeWindow,
		closeThreshold:  closeThreshold,
		conns:           make(map[uuid.UUID]*Connection),
		byPrincipal:     make(map[string]map[uuid.UUID]struct{}),
		recentCloses:    make(map[string][]time.Time),
	}
}

// Open admits a new connection for principalID under the gateway-assigned
// connID, or rejects it with TooManyConnections or ReconnectionThrottled.
// connID must be the same id every other Governor call for this connection
// uses (the gateway's own connection id): Open does not mint its own, since
// bookkeeping keyed on two different ids for the same connection would
// never find each other again.
func (g *Governor) Open(connID uuid.UUID, principalID string) (*Connection, *apperr.Error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()

	if wait := g.backoffRemaining(principalID, now); wait > 0 {
		return nil, apperr.New(apperr.ReconnectionThrottled, "reconnecting too quickly").
			WithRetryAfter(int(wait.Seconds() + 1))
	}

	if len(g.byPrincipal[principalID]) >= g.maxPerPrincipal {
		return nil, apperr.New(apperr.TooManyConnections, "too many concurrent connections")
	}

	conn := &Connection{
		ID:          connID,
		PrincipalID: principalID,
		OpenedAt:    now,
		LastPongAt:  now,
	}
	g.conns[conn.ID] = conn
	if g.byPrincipal[principalID] == nil {
		g.byPrincipal[principalID] = make(map[uuid.UUID]struct{})
	}
	g.byPrincipal[principalID][conn.ID] = struct{}{}

	return conn, nil
}

// backoffRemaining reports how much longer principalID must wait before its
// next handshake, given its recent close history. Exponential: min(1*2^n, 60)s
// where n is how many closes within the rolling window exceed the threshold
// (n = 0 when the threshold is first reached, so the first backoff is 1s).
func (g *Governor) backoffRemaining(principalID string, now time.Time) time.Duration {
	closes := g.pruneCloses(principalID, now)
	if len(closes) < g.closeThreshold {
		return 0
	}

	n := len(closes) - g.closeThreshold
	backoff := reconnectBackoffBase << uint(n)
	if backoff > reconnectBackoffCap || backoff <= 0 {
		backoff = reconnectBackoffCap
	}

	last := closes[len(closes)-1]
	elapsed := now.Sub(last)
	if elapsed >= backoff {
		return 0
	}
	return backoff - elapsed
}

func (g *Governor) pruneCloses(principalID string, now time.Time) []time.Time {
	cutoff := now.Add(-g.closeWindow)
	kept := g.recentCloses[principalID][:0]
	for _, t := range g.recentCloses[principalID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.recentCloses[principalID] = kept
	return kept
}

// Close tears down a connection and records the close for backoff tracking.
func (g *Governor) Close(connID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	conn, ok := g.conns[connID]
	if !ok {
		return
	}
	delete(g.conns, connID)
	if set := g.byPrincipal[conn.PrincipalID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(g.byPrincipal, conn.PrincipalID)
		}
	}
	g.recentCloses[conn.PrincipalID] = append(g.recentCloses[conn.PrincipalID], time.Now())
}

// RecordPong resets the missed-ping counter for connID.
func (g *Governor) RecordPong(connID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if conn, ok := g.conns[connID]; ok {
		conn.LastPongAt = time.Now()
		conn.MissedPings = 0
	}
}

// RecordPingSent increments the missed-ping counter; RecordPong clears it
// again before the next ping if the client is alive. The gateway calls this
// right before writing a ping frame and checks the returned count against
// the configured max-missed threshold.
func (g *Governor) RecordPingSent(connID uuid.UUID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	conn, ok := g.conns[connID]
	if !ok {
		return 0
	}
	conn.MissedPings++
	return conn.MissedPings
}

// BindRoom records which room a connection joined, for diagnostics (Get
// reports it); the gateway's teardown uses its own room id, not this one.
func (g *Governor) BindRoom(connID uuid.UUID, roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if conn, ok := g.conns[connID]; ok {
		conn.RoomID = roomID
	}
}

// Get returns a snapshot of the connection's current state.
func (g *Governor) Get(connID uuid.UUID) (Connection, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	conn, ok := g.conns[connID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}
