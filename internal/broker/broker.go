// Package broker wires the Code Registry (C1), Abuse Control (C2), and
// Room Manager (C3) into the Signaling Protocol dispatch (C4, spec.md
// §4.3). It is transport-agnostic: internal/broker/ws and
// internal/broker/wt each open connections and feed inbound Messages into
// Broker.Handle, matching spec.md §9's "Global state... threaded into each
// per-connection task via explicit handle, not ambient state."
package broker

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hyuraku/flux/internal/broker/abuse"
	"github.com/hyuraku/flux/internal/broker/registry"
	"github.com/hyuraku/flux/internal/broker/room"
	"github.com/hyuraku/flux/internal/signaling"
)

// sendBuf is the per-peer outbound message buffer depth.
const sendBuf = 16

// Broker is the process-wide signaling coordinator.
type Broker struct {
	registry *registry.Registry
	abuse    *abuse.Control
	rooms    *room.Manager
	now      func() time.Time
	log      *slog.Logger
}

// New returns a Broker with fresh, empty state. now defaults to time.Now.
func New(now func() time.Time, log *slog.Logger) *Broker {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		registry: registry.New(now),
		rooms:    room.NewManager(now),
		abuse:    abuse.New(now),
		now:      now,
		log:      log.With("component", "broker"),
	}
}

// Session is the per-connection state a transport handler owns and feeds
// into Broker.Handle. It is not safe for concurrent use from more than one
// goroutine (spec.md §5: "messages from a given client connection are
// processed in arrival order").
type Session struct {
	PeerID    string
	ClientKey string // rate-limit/lockout key; source IP in production
	RoomID    string
	Role      signaling.Role
	Send      chan signaling.Message

	// CloseRequested is closed by the broker to tell the owning carrier to
	// terminate this connection once any already-queued Send messages have
	// been flushed (spec.md §7: capacity errors close the offending
	// connection). Handle is only ever called from the carrier's single
	// read goroutine for a given session, so RequestClose needs no lock.
	CloseRequested chan struct{}
	closeRequested bool
}

// Connect creates a new Session with a fresh transport-assigned peer id
// (spec.md §3 Peer: "peer_id is the connection identity assigned by the
// transport"). clientKey identifies the abuse-control bucket (source IP).
func (b *Broker) Connect(clientKey string) *Session {
	return &Session{
		PeerID:         uuid.NewString(),
		ClientKey:      clientKey,
		Send:           make(chan signaling.Message, sendBuf),
		CloseRequested: make(chan struct{}),
	}
}

// RequestClose signals the carrier serving s to close the connection after
// draining s.Send. Idempotent.
func (s *Session) RequestClose() {
	if s.closeRequested {
		return
	}
	s.closeRequested = true
	close(s.CloseRequested)
}

// Handle dispatches one inbound Message for s, exactly implementing the
// client→broker message catalog of spec.md §4.3.
func (b *Broker) Handle(s *Session, msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeGenerateCode:
		b.handleGenerateCode(s)
	case signaling.TypeJoinRoom:
		b.handleJoinRoom(s, msg)
	case signaling.TypeWebRTCOffer, signaling.TypeWebRTCAnswer, signaling.TypeICECandidate:
		b.handleRelay(s, msg)
	case signaling.TypeLockConnection:
		b.handleLockConnection(s, msg)
	case signaling.TypeReconnectWithLock:
		b.handleReconnectWithLock(s, msg)
	case signaling.TypeTransferStatus:
		b.handleTransferStatus(s, msg)
	default:
		// Unknown client→broker type reuses INVALID_CODE (spec.md §9:
		// "the spec reuses this code for 'unknown message'").
		b.log.Warn("unknown message type", "type", msg.Type, "peer_id", s.PeerID)
		send(s, signaling.ErrorMessage(signaling.ErrInvalidCode, "unknown message type"))
	}
}

// handleGenerateCode registers the caller as a room's receiver under a
// freshly-minted code, and — per the spec's sanctioned open-question
// resolution (spec.md §9 note, SPEC_FULL.md §9.2) — uses that code as the
// room id itself.
func (b *Broker) handleGenerateCode(s *Session) {
	code, err := b.registry.GenerateUnused(s.PeerID)
	if err != nil {
		b.log.Error("generate_code failed", "err", err, "peer_id", s.PeerID)
		send(s, signaling.ErrorMessage(signaling.ErrInvalidCode, "could not allocate a code"))
		return
	}

	_, _, joinErr := b.rooms.Join(code, s.PeerID, signaling.RoleReceiver, s.Send)
	if joinErr != nil {
		b.registry.Expire(code)
		send(s, signaling.ErrorMessage(signaling.ErrRoomFull, joinErr.Error()))
		s.RequestClose()
		return
	}
	s.RoomID = code
	s.Role = signaling.RoleReceiver

	b.log.Info("code generated", "code", code, "peer_id", s.PeerID)
	send(s, signaling.Message{
		Type:      signaling.TypeCodeGenerated,
		Code:      code,
		RoomID:    code,
		Timestamp: b.now().UnixMilli(),
	})
}

// handleJoinRoom runs the abuse-control gate, then registers the peer and
// broadcasts peer_joined (spec.md §4.2 entry order, §4.3 join_room).
func (b *Broker) handleJoinRoom(s *Session, msg signaling.Message) {
	key := s.ClientKey

	if b.abuse.IsLocked(key) {
		send(s, signaling.ErrorMessage(signaling.ErrRateLimited, "too many failed attempts"))
		return
	}
	if !b.abuse.CheckRate(key) {
		// RATE_LIMITED means we refused to even check; no failure recorded
		// (spec.md §7).
		send(s, signaling.ErrorMessage(signaling.ErrRateLimited, "rate limit exceeded"))
		return
	}
	b.abuse.RecordAttempt(key)

	if !b.registry.Validate(msg.Code) {
		b.abuse.RecordFailure(key)
		send(s, signaling.ErrorMessage(signaling.ErrInvalidCode, "invalid or expired code"))
		return
	}
	b.abuse.RecordSuccess(key)

	p, others, err := b.rooms.Join(msg.Code, s.PeerID, msg.Role, s.Send)
	if err != nil {
		send(s, signaling.ErrorMessage(signaling.ErrRoomFull, "room is full"))
		s.RequestClose()
		return
	}
	s.RoomID = msg.Code
	s.Role = msg.Role

	b.log.Info("peer joined", "room_id", msg.Code, "peer_id", s.PeerID, "role", msg.Role)

	joined := signaling.Message{
		Type:     signaling.TypePeerJoined,
		PeerID:   s.PeerID,
		PeerRole: s.Role,
		RoomID:   s.RoomID,
	}
	room.Broadcast(append(others, p), joined)
}

// handleRelay forwards an opaque offer/answer/candidate payload to
// target_peer_id, attaching from_peer_id. The broker never decodes the
// payload (spec.md §4.3 routing rule). Absent targets are silently dropped.
func (b *Broker) handleRelay(s *Session, msg signaling.Message) {
	target, ok := b.rooms.Peer(s.RoomID, msg.TargetPeerID)
	if !ok {
		b.log.Debug("relay target absent", "type", msg.Type, "target", msg.TargetPeerID)
		return
	}
	room.Send(target, signaling.Message{
		Type:         msg.Type,
		FromPeerID:   s.PeerID,
		TargetPeerID: msg.TargetPeerID,
		Payload:      msg.Payload,
	})
}

// handleLockConnection mints a single-use reconnection lock bound to the
// requested peer id (spec.md §4.3 lock_connection).
func (b *Broker) handleLockConnection(s *Session, msg signaling.Message) {
	peerID := msg.PeerID
	if peerID == "" {
		peerID = s.PeerID
	}
	lockID, expiresAt, err := b.rooms.Lock(s.RoomID, peerID, s.Role)
	if err != nil {
		send(s, signaling.ErrorMessage(signaling.ErrInvalidCode, err.Error()))
		return
	}
	send(s, signaling.Message{
		Type:      signaling.TypeConnectionLocked,
		LockID:    lockID,
		ExpiresAt: expiresAt.UnixMilli(),
	})
}

// handleReconnectWithLock transplants a previous peer's role onto the
// current connection id (spec.md §4.3 reconnect_with_lock). The room id
// comes from msg, not s: a reconnecting connection is brand new and has no
// Session.RoomID of its own yet — that's the whole point of reconnecting.
func (b *Broker) handleReconnectWithLock(s *Session, msg signaling.Message) {
	p, err := b.rooms.Reconnect(msg.RoomID, msg.LockID, s.PeerID, s.Send)
	if err != nil {
		code := signaling.ErrLockNotFound
		if err == room.ErrLockExpired {
			code = signaling.ErrLockExpired
		}
		send(s, signaling.ErrorMessage(code, err.Error()))
		return
	}
	s.RoomID = msg.RoomID
	s.Role = p.Role

	send(s, signaling.Message{
		Type:     signaling.TypePeerJoined,
		PeerID:   s.PeerID,
		PeerRole: s.Role,
		RoomID:   s.RoomID,
	})
}

// handleTransferStatus broadcasts a progress update to the other peer(s) in
// the room (spec.md §4.3 transfer_status).
func (b *Broker) handleTransferStatus(s *Session, msg signaling.Message) {
	others := b.rooms.Peers(s.RoomID, s.PeerID)
	room.Broadcast(others, signaling.Message{
		Type:       signaling.TypePeerStatus,
		FromPeerID: s.PeerID,
		Status:     msg.Status,
		Progress:   msg.Progress,
		Speed:      msg.Speed,
	})
}

// Disconnect runs the onClose logic exactly once for s: broadcast
// PEER_DISCONNECTED to the remaining peers, drop s from its room, and
// expire the room's code once it is empty (spec.md §4.3 "On peer close",
// §5 cancellation semantics).
func (b *Broker) Disconnect(s *Session) {
	defer close(s.Send)
	if s.RoomID == "" {
		return
	}
	remaining, emptied := b.rooms.Leave(s.RoomID, s.PeerID)
	room.Broadcast(remaining, signaling.ErrorMessage(signaling.ErrPeerDisconnected, "peer disconnected"))
	if emptied {
		b.registry.Expire(s.RoomID)
	}
	b.log.Info("peer disconnected", "room_id", s.RoomID, "peer_id", s.PeerID, "room_emptied", emptied)
}

// Stats reports operator-facing counters (ambient ops surface, SPEC_FULL.md
// §6).
type Stats struct {
	ActiveCodes int `json:"active_codes"`
	ActiveRooms int `json:"active_rooms"`
}

// Stats returns a snapshot of broker-wide counters. cmd/flux-broker logs it
// periodically the way server/metrics.go logs room stats, and serves it as
// JSON on the status server's GET /stats.
func (b *Broker) Stats() Stats {
	return Stats{
		ActiveCodes: b.registry.Len(),
		ActiveRooms: b.rooms.RoomCount(),
	}
}

func send(s *Session, msg signaling.Message) {
	select {
	case s.Send <- msg:
	default:
	}
}
