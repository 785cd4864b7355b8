package room

import (
	"testing"
	"time"

	"github.com/hyuraku/flux/internal/signaling"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestJoinThirdPeerRejected(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := NewManager(clock.now)

	if _, _, err := m.Join("123456", "p1", signaling.RoleReceiver, make(chan signaling.Message, 4)); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if _, _, err := m.Join("123456", "p2", signaling.RoleSender, make(chan signaling.Message, 4)); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if _, _, err := m.Join("123456", "p3", signaling.RoleSender, make(chan signaling.Message, 4)); err != ErrRoomFull {
		t.Fatalf("third join: got %v, want ErrRoomFull", err)
	}
	if got := m.Size("123456"); got != 2 {
		t.Fatalf("Size = %d, want 2", got)
	}
}

func TestJoinReturnsOtherPeers(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := NewManager(clock.now)

	m.Join("123456", "receiver-1", signaling.RoleReceiver, make(chan signaling.Message, 4))
	_, others, err := m.Join("123456", "sender-1", signaling.RoleSender, make(chan signaling.Message, 4))
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(others) != 1 || others[0].ID != "receiver-1" {
		t.Fatalf("others = %+v, want [receiver-1]", others)
	}
}

func TestLeaveEmptiesRoom(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := NewManager(clock.now)

	m.Join("123456", "p1", signaling.RoleReceiver, make(chan signaling.Message, 4))
	remaining, emptied := m.Leave("123456", "p1")
	if !emptied || len(remaining) != 0 {
		t.Fatalf("Leave = (%v, %v), want (nil, true)", remaining, emptied)
	}
	if m.Size("123456") != 0 {
		t.Fatal("expected room to be gone after last peer leaves")
	}
}

func TestReconnectWithLock(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := NewManager(clock.now)

	m.Join("123456", "p1", signaling.RoleReceiver, make(chan signaling.Message, 4))
	lockID, _, err := m.Lock("123456", "p1", signaling.RoleReceiver)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	p, err := m.Reconnect("123456", lockID, "p1-new", make(chan signaling.Message, 4))
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if p.Role != signaling.RoleReceiver {
		t.Fatalf("inherited role = %v, want receiver", p.Role)
	}
	if _, ok := m.Peer("123456", "p1"); ok {
		t.Fatal("expected old peer id to be evicted after reconnect")
	}

	// Single-use: reusing the same lock fails.
	if _, err := m.Reconnect("123456", lockID, "p1-new-2", make(chan signaling.Message, 4)); err != ErrLockNotFound {
		t.Fatalf("second reconnect with same lock: got %v, want ErrLockNotFound", err)
	}
}

func TestReconnectExpiredLock(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := NewManager(clock.now)

	m.Join("123456", "p1", signaling.RoleReceiver, make(chan signaling.Message, 4))
	lockID, _, _ := m.Lock("123456", "p1", signaling.RoleReceiver)

	clock.advance(LockTTL + time.Second)
	if _, err := m.Reconnect("123456", lockID, "p1-new", make(chan signaling.Message, 4)); err != ErrLockExpired {
		t.Fatalf("Reconnect after TTL: got %v, want ErrLockExpired", err)
	}
	// Expired locks are still consumed on use.
	if _, err := m.Reconnect("123456", lockID, "p1-new-2", make(chan signaling.Message, 4)); err != ErrLockNotFound {
		t.Fatalf("Reconnect after expired-consume: got %v, want ErrLockNotFound", err)
	}
}

// TestReconnectWithBogusRoomIDDoesNotLeakRoom guards against an
// unauthenticated client growing the room table unbounded by sending
// reconnect_with_lock for room ids nobody ever joined.
func TestReconnectWithBogusRoomIDDoesNotLeakRoom(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := NewManager(clock.now)

	for i := 0; i < 5; i++ {
		if _, err := m.Reconnect("999999", "nonexistent", "p1", make(chan signaling.Message, 4)); err != ErrLockNotFound {
			t.Fatalf("got %v, want ErrLockNotFound", err)
		}
	}
	if m.RoomCount() != 0 {
		t.Fatalf("RoomCount = %d, want 0: reconnect on an unknown room must not create one", m.RoomCount())
	}
}

func TestReconnectUnknownLock(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := NewManager(clock.now)
	if _, err := m.Reconnect("123456", "nonexistent", "p1", make(chan signaling.Message, 4)); err != ErrLockNotFound {
		t.Fatalf("got %v, want ErrLockNotFound", err)
	}
}
