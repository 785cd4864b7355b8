package main

import (
	"github.com/pion/webrtc/v4"

	"github.com/hyuraku/flux/internal/datagram"
	"github.com/hyuraku/flux/internal/transfer"
)

// newChannelFactory wraps datagram.Create with a public STUN server,
// matching rustyguts-bken's default ICE configuration (client/transport.go
// used a TURN/STUN pair; flux only needs STUN since it has no relay
// fallback in scope, spec.md §4.7 Non-goals).
func newChannelFactory() transfer.ChannelFactory {
	return func(initiator bool) (transfer.DatagramChannel, error) {
		return datagram.Create(initiator, datagram.Config{
			Trickle: true,
			ICEServers: []webrtc.ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		})
	}
}
