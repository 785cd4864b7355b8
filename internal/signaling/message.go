// Package signaling defines the JSON message catalog exchanged between a
// client and the broker (spec.md §4.3, §6). The types here are shared by
// the broker's transport handlers (internal/broker/ws, internal/broker/wt)
// and the client side (internal/dialer, internal/transfer), so the wire
// shape stays in exactly one place.
package signaling

import "encoding/json"

// Client→broker message types.
const (
	TypeGenerateCode     = "generate_code"
	TypeJoinRoom         = "join_room"
	TypeWebRTCOffer      = "webrtc_offer"
	TypeWebRTCAnswer     = "webrtc_answer"
	TypeICECandidate     = "ice_candidate"
	TypeLockConnection   = "lock_connection"
	TypeReconnectWithLock = "reconnect_with_lock"
	TypeTransferStatus   = "transfer_status"
)

// Broker→client message types.
const (
	TypeCodeGenerated   = "code_generated"
	TypePeerJoined      = "peer_joined"
	TypePeerLeft        = "peer_left"
	TypeConnectionLocked = "connection_locked"
	TypePeerStatus      = "peer_status"
	TypeError           = "error"
)

// Role is the declared role of a peer within a room.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Wire error codes (spec.md §4.3, §7).
const (
	ErrRoomFull          = "ROOM_FULL"
	ErrInvalidCode       = "INVALID_CODE"
	ErrPeerDisconnected  = "PEER_DISCONNECTED"
	ErrLockExpired       = "LOCK_EXPIRED"
	ErrLockNotFound      = "LOCK_NOT_FOUND"
	ErrRateLimited       = "RATE_LIMITED"
)

// Message is the single JSON envelope for every signaling exchange. Fields
// are tagged omitempty so a given message type only serializes the fields
// it actually uses — mirroring the teacher's single flat ControlMsg shape
// (rustyguts-bken server/protocol.go) rather than a Go-side sum type, since
// the discriminator lives entirely in the wire format.
type Message struct {
	Type string `json:"type"`

	// join_room
	Code string `json:"code,omitempty"`
	Role Role   `json:"role,omitempty"`

	// code_generated
	RoomID    string `json:"room_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// peer_joined / peer_left / relay envelopes
	PeerID       string          `json:"peer_id,omitempty"`
	FromPeerID   string          `json:"from_peer_id,omitempty"`
	TargetPeerID string          `json:"target_peer_id,omitempty"`
	PeerRole     Role            `json:"peer_role,omitempty"`

	// webrtc_offer / webrtc_answer / ice_candidate: opaque payload, never
	// inspected by the broker (spec.md §4.3 routing rule).
	Payload json.RawMessage `json:"payload,omitempty"`

	// lock_connection / reconnect_with_lock / connection_locked
	LockID    string `json:"lock_id,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`

	// transfer_status / peer_status
	Status   string  `json:"status,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Speed    float64 `json:"speed,omitempty"`

	// error{code, message}. Code doubles as the error taxonomy code (e.g.
	// ROOM_FULL) when Type == TypeError; it is the join code the rest of
	// the time. Both are plain strings under the wire key "code", so one
	// field serves both — the spec's wire shapes never overlap them on
	// the same message.
	Message string `json:"message,omitempty"`
}

// ErrorMessage builds an outbound error envelope.
func ErrorMessage(code, message string) Message {
	return Message{Type: TypeError, Code: code, Message: message}
}
