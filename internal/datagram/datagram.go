// Package datagram implements the Reliable Datagram Adapter (spec.md §4.7,
// C8): a thin contract around a single ordered, reliable, message-oriented
// data channel, backed by github.com/pion/webrtc/v4 — a direct dependency
// of rustyguts-bken's client (client/go.mod) even though the retrieved
// source never wires it in; flux is the first caller. The callback-setter
// shape (SetOnConnected, SetOnSignal, ...) mirrors client/transport.go's
// SetOnUserJoined/SetOnDisconnected family.
package datagram

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Label is the single data channel label flux negotiates (spec.md §4.7).
const Label = "flux-transfer"

// MaxMessageSize is the largest single message Send accepts (spec.md §4.7).
const MaxMessageSize = 16 * 1024 * 1024

// ErrNotConnected is returned by Send before the data channel has opened.
var ErrNotConnected = errors.New("datagram: not connected")

// ErrTooLarge is returned by Send when a message exceeds MaxMessageSize.
var ErrTooLarge = errors.New("datagram: message too large")

// SignalType discriminates the payloads emitted by OnSignal.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Signal is one outbound signaling payload to be relayed through C4.
type Signal struct {
	Type      SignalType `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"`
}

// RemoteSignal is one inbound signaling payload fed via Signal().
type RemoteSignal struct {
	Type      SignalType `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"`
}

// Channel wraps one *webrtc.PeerConnection and its single labelled data
// channel, in either initiator or non-initiator mode (spec.md §4.7 create).
type Channel struct {
	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	trickle    bool
	initiator  bool
	remoteSet  bool
	pending    []webrtc.ICECandidateInit
	onSignal   func(Signal)
	onConnected func()
	onDisconnected func()
	onError    func(error)
	onMessage  func([]byte)
}

// Config configures Create.
type Config struct {
	// Trickle enables per-candidate emission as ICE gathering progresses
	// (spec.md §4.7: "trickle is on by default"). When false, local
	// description emission is deferred until gathering completes.
	Trickle bool
	ICEServers []webrtc.ICEServer
}

// Create builds a Channel in initiator or non-initiator mode (spec.md §4.7
// create). In initiator mode it opens Label as an ordered data channel but
// does not yet negotiate — call Negotiate once callbacks are registered. In
// non-initiator mode it waits for the remote's OnDataChannel callback and
// reacts to Signal().
func Create(initiator bool, cfg Config) (*Channel, error) {
	api := webrtc.NewAPI()
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("datagram: new peer connection: %w", err)
	}

	c := &Channel{pc: pc, trickle: cfg.Trickle}

	pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			return
		}
		if !c.trickle {
			return
		}
		c.emitSignal(Signal{Type: SignalCandidate, Candidate: ic.ToJSON().Candidate})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.emitDisconnected()
		}
	})

	if initiator {
		ordered := true
		dc, err := pc.CreateDataChannel(Label, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return nil, fmt.Errorf("datagram: create data channel: %w", err)
		}
		c.bindDataChannel(dc)
		c.initiator = true
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			c.bindDataChannel(dc)
		})
	}

	return c, nil
}

// Negotiate starts the offer/answer exchange for an initiator Channel,
// emitting the local offer via the OnSignal callback. Callers must register
// SetOnSignal (and any other callbacks) before calling Negotiate, since the
// offer may be emitted synchronously. A non-initiator Channel never calls
// Negotiate; it reacts to Signal() instead.
func (c *Channel) Negotiate() error {
	if !c.initiator {
		return errors.New("datagram: Negotiate is only valid for an initiator channel")
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("datagram: create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("datagram: set local description: %w", err)
	}
	if c.trickle {
		c.emitSignal(Signal{Type: SignalOffer, SDP: offer.SDP})
	} else {
		go c.emitLocalDescriptionAfterGathering(SignalOffer)
	}
	return nil
}

func (c *Channel) bindDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		// connected fires only once the data channel itself is open, not
		// merely when the ICE connection is up (spec.md §4.7).
		c.emitConnected()
	})
	dc.OnClose(func() {
		c.emitDisconnected()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		cb := c.onMessage
		c.mu.Unlock()
		if cb != nil {
			cb(msg.Data)
		}
	})
}

func (c *Channel) emitLocalDescriptionAfterGathering(t SignalType) {
	<-webrtc.GatheringCompletePromise(c.pc)
	desc := c.pc.LocalDescription()
	if desc == nil {
		return
	}
	c.emitSignal(Signal{Type: t, SDP: desc.SDP})
}

// Signal handles one inbound remote description or candidate (spec.md §4.7
// signal). Candidates arriving before a remote description is set are
// queued and replayed once SetRemoteDescription succeeds.
func (c *Channel) Signal(s RemoteSignal) error {
	switch s.Type {
	case SignalOffer, SignalAnswer:
		sdpType := webrtc.SDPTypeOffer
		if s.Type == SignalAnswer {
			sdpType = webrtc.SDPTypeAnswer
		}
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: s.SDP}); err != nil {
			return fmt.Errorf("datagram: set remote description: %w", err)
		}

		c.mu.Lock()
		c.remoteSet = true
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, cand := range pending {
			if err := c.pc.AddICECandidate(cand); err != nil {
				c.emitError(fmt.Errorf("datagram: add queued candidate: %w", err))
			}
		}

		if s.Type == SignalOffer {
			answer, err := c.pc.CreateAnswer(nil)
			if err != nil {
				return fmt.Errorf("datagram: create answer: %w", err)
			}
			if err := c.pc.SetLocalDescription(answer); err != nil {
				return fmt.Errorf("datagram: set local description: %w", err)
			}
			if c.trickle {
				c.emitSignal(Signal{Type: SignalAnswer, SDP: answer.SDP})
			} else {
				go c.emitLocalDescriptionAfterGathering(SignalAnswer)
			}
		}
		return nil

	case SignalCandidate:
		cand := webrtc.ICECandidateInit{Candidate: s.Candidate}
		c.mu.Lock()
		remoteSet := c.remoteSet
		if !remoteSet {
			c.pending = append(c.pending, cand)
		}
		c.mu.Unlock()
		if !remoteSet {
			return nil
		}
		if err := c.pc.AddICECandidate(cand); err != nil {
			return fmt.Errorf("datagram: add candidate: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("datagram: unknown signal type %q", s.Type)
	}
}

// Send writes msg on the data channel (spec.md §4.7 send).
func (c *Channel) Send(msg []byte) error {
	if len(msg) > MaxMessageSize {
		return ErrTooLarge
	}
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotConnected
	}
	return dc.Send(msg)
}

// SendText writes a UTF-8 control message (spec.md §4.6 file_metadata /
// transfer_complete).
func (c *Channel) SendText(s string) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotConnected
	}
	if len(s) > MaxMessageSize {
		return ErrTooLarge
	}
	return dc.SendText(s)
}

// Close tears down the peer connection.
func (c *Channel) Close() error {
	return c.pc.Close()
}

// SetOnSignal registers the callback invoked for every local
// offer/answer/candidate that must be relayed through C4.
func (c *Channel) SetOnSignal(fn func(Signal)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSignal = fn
}

// SetOnConnected registers the callback invoked once the data channel
// opens.
func (c *Channel) SetOnConnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = fn
}

// SetOnDisconnected registers the callback invoked on data channel or
// connection close.
func (c *Channel) SetOnDisconnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = fn
}

// SetOnError registers the callback invoked when a queued remote candidate
// cannot be applied. A failed or closed peer connection is not reported
// here; it fires the disconnected callback instead, and data channel
// errors are not reported through either callback.
func (c *Channel) SetOnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// SetOnMessage registers the callback invoked for every inbound datagram.
func (c *Channel) SetOnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *Channel) emitSignal(s Signal) {
	c.mu.Lock()
	cb := c.onSignal
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (c *Channel) emitConnected() {
	c.mu.Lock()
	cb := c.onConnected
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *Channel) emitDisconnected() {
	c.mu.Lock()
	cb := c.onDisconnected
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *Channel) emitError(err error) {
	c.mu.Lock()
	cb := c.onError
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// MarshalSignal is a convenience for callers relaying a Signal as an opaque
// JSON payload through internal/signaling.
func MarshalSignal(s Signal) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalRemoteSignal is the inverse of MarshalSignal.
func UnmarshalRemoteSignal(b []byte) (RemoteSignal, error) {
	var s RemoteSignal
	err := json.Unmarshal(b, &s)
	return s, err
}
