// Package ws serves the signaling protocol (spec.md §4.3, §6) over
// gorilla/websocket, the primary transport carrier. Grounded on
// rustyguts-bken's internal/ws/handler.go: upgrade, spawn a writer
// goroutine draining the session's outbound channel, then loop reading
// JSON frames into the broker's dispatch.
package ws

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/hyuraku/flux/internal/broker"
	"github.com/hyuraku/flux/internal/signaling"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20 // 1 MiB: signaling payloads only, never file bytes
)

// Handler serves /ws, bridging gorilla/websocket connections into a
// *broker.Broker.
type Handler struct {
	broker   *broker.Broker
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler binds a Handler to broker b.
func NewHandler(b *broker.Broker, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		broker: b,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		log: log.With("component", "ws"),
	}
}

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, remoteAddr)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()
	conn.SetReadLimit(readLimit)

	s := h.broker.Connect(remoteAddr)
	h.log.Debug("ws connected", "peer_id", s.PeerID, "remote", remoteAddr)

	// The writer goroutine must start before any Handle call can place a
	// message on s.Send, since room.Join/Reconnect hand this exact channel
	// to other peers as soon as this session joins a room.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for out := range s.Send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				h.log.Debug("ws write error", "peer_id", s.PeerID, "type", out.Type, "err", err)
				return
			}
			select {
			case <-s.CloseRequested:
				// Flushed the offending message (e.g. ROOM_FULL); now force
				// the blocked read loop to unblock and tear the session down
				// (spec.md §7: capacity errors close the connection).
				conn.Close()
				return
			default:
			}
		}
	}()

	// Wait for the writer goroutine to fully exit before the conn.Close()
	// deferred above runs, so a close never races an in-flight WriteJSON.
	// Disconnect (registered after, so it runs first on return) closes
	// s.Send, which is what lets the writer's range loop end in the normal
	// case; the writer may also exit earlier via a write error or
	// s.CloseRequested.
	defer func() { <-done }()

	defer func() {
		h.broker.Disconnect(s)
		h.log.Info("ws disconnected", "peer_id", s.PeerID, "remote", remoteAddr)
	}()

	for {
		var in signaling.Message
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("ws unexpected close", "peer_id", s.PeerID, "err", err)
			}
			return
		}
		h.log.Debug("ws recv", "peer_id", s.PeerID, "type", in.Type)
		h.broker.Handle(s, in)
	}
}
