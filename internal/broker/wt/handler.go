// Package wt serves the signaling protocol (spec.md §4.3, §6) over
// WebTransport/QUIC, proving the broker's transport-agnosticism: the same
// *broker.Broker and signaling.Message envelope drive both this carrier and
// internal/broker/ws. Grounded on rustyguts-bken's server/client.go
// handleClient (control stream accept, newline-delimited JSON join/control
// frames) and server/server_test.go's webtransport.Dialer/Server usage,
// adapted from a voice control-stream handshake to the signaling dispatch.
package wt

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/quic-go/webtransport-go"

	"github.com/hyuraku/flux/internal/broker"
	"github.com/hyuraku/flux/internal/signaling"
)

// Handler serves the WebTransport endpoint, bridging sessions into a
// *broker.Broker exactly like internal/broker/ws does for websockets.
type Handler struct {
	broker *broker.Broker
	server *webtransport.Server
	log    *slog.Logger
}

// NewHandler wraps srv, dispatching every accepted session's control stream
// into b. srv's H3 server must already be configured with a TLSConfig and
// Addr by the caller (cmd/flux-broker).
func NewHandler(b *broker.Broker, srv *webtransport.Server, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{broker: b, server: srv, log: log.With("component", "wt")}
}

// ServeHTTP upgrades one request to a WebTransport session and serves it
// until the peer disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess, err := h.server.Upgrade(w, r)
	if err != nil {
		h.log.Error("wt upgrade failed", "remote", r.RemoteAddr, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h.serveSession(sess, r.RemoteAddr)
}

// serveSession mirrors internal/broker/ws's serveConn: a dedicated control
// stream carries newline-delimited JSON signaling.Message frames instead of
// the datagram channel webtransport-go also exposes, since signaling traffic
// needs ordering and delivery guarantees the spec's reliable-channel model
// assumes (spec.md §3 Peer, §6).
func (h *Handler) serveSession(sess *webtransport.Session, remoteAddr string) {
	ctx := sess.Context()
	defer sess.CloseWithError(0, "bye")

	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		h.log.Debug("wt accept stream failed", "remote", remoteAddr, "err", err)
		return
	}

	s := h.broker.Connect(remoteAddr)
	h.log.Debug("wt connected", "peer_id", s.PeerID, "remote", remoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(stream)
		for out := range s.Send {
			if err := enc.Encode(out); err != nil {
				h.log.Debug("wt write error", "peer_id", s.PeerID, "type", out.Type, "err", err)
				return
			}
			select {
			case <-s.CloseRequested:
				// Flushed the offending message (e.g. ROOM_FULL); tear the
				// session down rather than waiting for the peer to notice
				// (spec.md §7: capacity errors close the connection).
				sess.CloseWithError(0, "room full")
				return
			default:
			}
		}
	}()

	// Wait for the writer goroutine to exit before the session-close defers
	// above run, so a close never races an in-flight stream write.
	defer func() { <-done }()

	defer func() {
		h.broker.Disconnect(s)
		h.log.Info("wt disconnected", "peer_id", s.PeerID, "remote", remoteAddr)
	}()

	reader := bufio.NewReader(stream)
	dec := json.NewDecoder(reader)
	for {
		var in signaling.Message
		if err := dec.Decode(&in); err != nil {
			h.log.Debug("wt read closed", "peer_id", s.PeerID, "err", err)
			return
		}
		h.log.Debug("wt recv", "peer_id", s.PeerID, "type", in.Type)
		h.broker.Handle(s, in)
	}
}
