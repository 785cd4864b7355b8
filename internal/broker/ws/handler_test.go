package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/hyuraku/flux/internal/broker"
	"github.com/hyuraku/flux/internal/signaling"
)

// dial opens a real websocket connection to an httptest.Server serving
// Handler.Register, independent of internal/dialer, to keep this test a
// black-box exercise of the wire protocol.
func dial(t *testing.T, url string) *gorillaws.Conn {
	t.Helper()
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func recvWithTimeout(t *testing.T, conn *gorillaws.Conn) signaling.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg signaling.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// TestEndToEndGenerateJoinRelay exercises spec.md §8 scenario 1 over the
// real wire: two independent gorilla/websocket client dials against an
// httptest.Server fronting Handler, a generate_code / join_room pairing,
// and a relayed webrtc_offer reaching the counterpart.
func TestEndToEndGenerateJoinRelay(t *testing.T) {
	b := broker.New(nil, nil)
	h := NewHandler(b, nil)
	e := echo.New()
	h.Register(e)

	srv := httptest.NewServer(e)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	receiver := dial(t, wsURL)
	defer receiver.Close()

	if err := receiver.WriteJSON(signaling.Message{Type: signaling.TypeGenerateCode, Role: signaling.RoleReceiver}); err != nil {
		t.Fatalf("write generate_code: %v", err)
	}
	codeGen := recvWithTimeout(t, receiver)
	if codeGen.Type != signaling.TypeCodeGenerated || codeGen.Code == "" {
		t.Fatalf("got %+v, want code_generated with a code", codeGen)
	}
	code := codeGen.Code

	sender := dial(t, wsURL)
	defer sender.Close()

	if err := sender.WriteJSON(signaling.Message{Type: signaling.TypeJoinRoom, Code: code, Role: signaling.RoleSender}); err != nil {
		t.Fatalf("write join_room: %v", err)
	}

	// Both participants receive a peer_joined broadcast: the sender learns
	// its own echo, the receiver learns the sender joined.
	joinedOnSender := recvWithTimeout(t, sender)
	if joinedOnSender.Type != signaling.TypePeerJoined || joinedOnSender.PeerRole != signaling.RoleSender {
		t.Fatalf("sender got %+v, want peer_joined/sender", joinedOnSender)
	}
	joinedOnReceiver := recvWithTimeout(t, receiver)
	if joinedOnReceiver.Type != signaling.TypePeerJoined || joinedOnReceiver.PeerRole != signaling.RoleSender {
		t.Fatalf("receiver got %+v, want peer_joined/sender", joinedOnReceiver)
	}

	// The receiver initiates WebRTC negotiation (spec.md §4.6 receiver step
	// 2): it targets the sender's peer id, learned from the peer_joined
	// broadcast it just received.
	if err := receiver.WriteJSON(signaling.Message{
		Type:         signaling.TypeWebRTCOffer,
		TargetPeerID: joinedOnReceiver.PeerID,
		Payload:      []byte(`{"sdp":"fake-offer"}`),
	}); err != nil {
		t.Fatalf("write webrtc_offer: %v", err)
	}

	relayed := recvWithTimeout(t, sender)
	if relayed.Type != signaling.TypeWebRTCOffer {
		t.Fatalf("got %+v, want relayed webrtc_offer", relayed)
	}
	if relayed.FromPeerID == "" || relayed.FromPeerID == joinedOnReceiver.PeerID {
		t.Fatalf("got from_peer_id %q, want the receiver's own peer id", relayed.FromPeerID)
	}
}

// TestRoomFullClosesThirdConnection exercises spec.md §8 scenario 6: a third
// peer joining an already-paired room gets ROOM_FULL and the broker closes
// its connection outright, rather than leaving it open to read forever.
func TestRoomFullClosesThirdConnection(t *testing.T) {
	b := broker.New(nil, nil)
	h := NewHandler(b, nil)
	e := echo.New()
	h.Register(e)

	srv := httptest.NewServer(e)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	receiver := dial(t, wsURL)
	defer receiver.Close()
	if err := receiver.WriteJSON(signaling.Message{Type: signaling.TypeGenerateCode, Role: signaling.RoleReceiver}); err != nil {
		t.Fatalf("write generate_code: %v", err)
	}
	codeGen := recvWithTimeout(t, receiver)
	code := codeGen.Code

	sender := dial(t, wsURL)
	defer sender.Close()
	if err := sender.WriteJSON(signaling.Message{Type: signaling.TypeJoinRoom, Code: code, Role: signaling.RoleSender}); err != nil {
		t.Fatalf("write join_room: %v", err)
	}
	recvWithTimeout(t, sender)   // peer_joined echo
	recvWithTimeout(t, receiver) // peer_joined for sender

	third := dial(t, wsURL)
	defer third.Close()
	if err := third.WriteJSON(signaling.Message{Type: signaling.TypeJoinRoom, Code: code, Role: signaling.RoleSender}); err != nil {
		t.Fatalf("write join_room: %v", err)
	}

	roomFull := recvWithTimeout(t, third)
	if roomFull.Type != signaling.TypeError || roomFull.Code != signaling.ErrRoomFull {
		t.Fatalf("got %+v, want error ROOM_FULL", roomFull)
	}

	third.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := third.ReadMessage(); err == nil {
		t.Fatal("expected the broker to close the connection after ROOM_FULL")
	}
}
