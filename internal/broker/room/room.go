// Package room implements the Room Manager (spec.md §4.3, §3 Room/Peer/
// ConnectionLock): per-room state for up-to-two peers and their
// single-use reconnection locks. Grounded on rustyguts-bken's
// internal/core/channel_state.go (mutex-guarded map of sessions, a
// Broadcast/SendTo fan-out API) generalized from presence/voice state to
// paired-peer/lock state, and on the collapsinghierarchy-nt-backend-wrtc
// rooms.go Join/Leave/Relay shape (other_examples/) for the ≤2-peer
// capacity check.
package room

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyuraku/flux/internal/signaling"
)

// ErrRoomFull is returned by Join when the room already holds two peers.
var ErrRoomFull = errors.New("room: full")

// ErrLockNotFound is returned when a lock id is unknown or already
// consumed.
var ErrLockNotFound = errors.New("room: lock not found")

// ErrLockExpired is returned when a lock id is known but past its TTL.
var ErrLockExpired = errors.New("room: lock expired")

// LockTTL is the connection-lock lifetime (spec.md §4.3, §5).
const LockTTL = 300 * time.Second

// Peer is one connected transport endpoint registered in a Room (spec.md §3
// Peer). Send delivers a Message to this peer's transport goroutine; it
// never blocks indefinitely (bounded by sendTimeout) so one slow peer
// cannot stall the room.
type Peer struct {
	ID   string
	Role signaling.Role
	Send chan signaling.Message
}

const sendTimeout = 50 * time.Millisecond

type connectionLock struct {
	peerID    string
	role      signaling.Role
	expiresAt time.Time
}

// Room holds the ≤2 peers paired by one code (spec.md §3 Room).
type Room struct {
	mu    sync.Mutex
	ID    string
	peers map[string]*Peer
	locks map[string]connectionLock
	now   func() time.Time
}

func newRoom(id string, now func() time.Time) *Room {
	return &Room{
		ID:    id,
		peers: make(map[string]*Peer),
		locks: make(map[string]connectionLock),
		now:   now,
	}
}

// Manager is the process-wide table of live Rooms (spec.md §3: "The Room
// Manager exclusively owns Rooms").
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*Room
	now   func() time.Time
}

// NewManager returns an empty Manager. now defaults to time.Now.
func NewManager(now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{rooms: make(map[string]*Room), now: now}
}

// room returns (creating if absent) the Room for id. Caller must not hold
// m.mu; room acquires and releases it itself.
func (m *Manager) room(id string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		r = newRoom(id, m.now)
		m.rooms[id] = r
	}
	return r
}

// roomIfExists returns the Room for id without creating one. Used by
// lookups keyed on client-supplied room ids (reconnect_with_lock) that must
// not grow the room table for ids nobody ever joined.
func (m *Manager) roomIfExists(id string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	return r, ok
}

// Join registers peerID with role in room roomID, enforcing the ≤2-peer
// cardinality invariant (spec.md §4.3: excess connections closed with
// ROOM_FULL). send is the caller's already-running outbound channel (owned
// by the transport handler for peerID's connection) — Join never creates
// its own, since a channel created after the transport's writer goroutine
// has started would never be read from. Returns the other peer currently
// in the room, if any.
func (m *Manager) Join(roomID, peerID string, role signaling.Role, send chan signaling.Message) (self *Peer, others []*Peer, err error) {
	r := m.room(roomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[peerID]; !exists && len(r.peers) >= 2 {
		return nil, nil, ErrRoomFull
	}

	p := &Peer{ID: peerID, Role: role, Send: send}
	r.peers[peerID] = p

	others = make([]*Peer, 0, len(r.peers)-1)
	for id, other := range r.peers {
		if id != peerID {
			others = append(others, other)
		}
	}
	return p, others, nil
}

// Leave removes peerID from roomID. If the room becomes empty, it reports
// emptied=true so the caller can expire the associated Code (spec.md §4.3
// "On peer close" / Room lifecycle).
func (m *Manager) Leave(roomID, peerID string) (remaining []*Peer, emptied bool) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return nil, true
	}

	r.mu.Lock()
	delete(r.peers, peerID)
	for _, p := range r.peers {
		remaining = append(remaining, p)
	}
	empty := len(r.peers) == 0
	r.mu.Unlock()

	if empty {
		m.mu.Lock()
		delete(m.rooms, roomID)
		m.mu.Unlock()
	}
	return remaining, empty
}

// Peer returns the Peer registered under peerID in roomID, if present.
func (m *Manager) Peer(roomID, peerID string) (*Peer, bool) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	return p, ok
}

// Peers returns every peer currently in roomID except exceptPeerID (pass ""
// to include all).
func (m *Manager) Peers(roomID, exceptPeerID string) []*Peer {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id == exceptPeerID {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Size reports how many peers are currently in roomID.
func (m *Manager) Size(roomID string) int {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// RoomCount reports the number of rooms currently tracked, including empty
// ones not yet swept by Leave. It feeds broker.Stats, which flux-broker
// logs periodically and serves on GET /stats.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Lock mints a fresh single-use connection lock bound to peerID in roomID,
// expiring after LockTTL (spec.md §4.3 lock_connection).
func (m *Manager) Lock(roomID, peerID string, role signaling.Role) (lockID string, expiresAt time.Time, err error) {
	r := m.room(roomID)
	lockID = uuid.NewString()
	expiresAt = m.now().Add(LockTTL)

	r.mu.Lock()
	r.locks[lockID] = connectionLock{peerID: peerID, role: role, expiresAt: expiresAt}
	r.mu.Unlock()
	return lockID, expiresAt, nil
}

// Reconnect consumes lockID, transplanting the locked peer's role onto
// newPeerID within roomID (spec.md §4.3 reconnect_with_lock). The lock is
// deleted whether or not it is still valid, since it is single-use either
// way (spec.md §3 ConnectionLock invariant: "consumed on use or on
// expiry").
func (m *Manager) Reconnect(roomID, lockID, newPeerID string, send chan signaling.Message) (*Peer, error) {
	r, ok := m.roomIfExists(roomID)
	if !ok {
		// A room that was never joined can never hold a valid lock; treat it
		// as lock-not-found rather than minting an empty Room entry that
		// nothing will ever clean up (no peer will join it to trigger Leave).
		return nil, ErrLockNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[lockID]
	if !ok {
		return nil, ErrLockNotFound
	}
	delete(r.locks, lockID)

	if m.now().After(lock.expiresAt) {
		return nil, ErrLockExpired
	}

	// The old connection id's Peer entry (if still present) is evicted —
	// it is a ghost now that a new transport connection is taking over
	// its identity (cf. other_examples/N0-C0M-Serenada signaling.go
	// ghost-eviction on reconnect, and collapsinghierarchy-nt-backend-wrtc
	// rooms.go's capacity accounting).
	delete(r.peers, lock.peerID)

	p := &Peer{ID: newPeerID, Role: lock.role, Send: send}
	r.peers[newPeerID] = p
	return p, nil
}

// Send delivers msg to p without blocking indefinitely; returns false if
// the send timed out or the channel was already closed.
func Send(p *Peer, msg signaling.Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case p.Send <- msg:
		return true
	case <-time.After(sendTimeout):
		return false
	}
}

// Broadcast delivers msg to every peer in peers, best-effort.
func Broadcast(peers []*Peer, msg signaling.Message) {
	for _, p := range peers {
		Send(p, msg)
	}
}
