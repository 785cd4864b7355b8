// Package transfer implements the Transfer State Machine (spec.md §4.6,
// C7): the sender/receiver lifecycle that pairs over signaling, negotiates
// the datagram channel, and drives the chunk framing and compression
// stages. Grounded on rustyguts-bken's client.go Client/DatagramSender
// split — the transport is stored behind a narrow interface precisely so
// tests can fake it, the same reason client.go stores `session
// DatagramSender` instead of a concrete webtransport.Session.
package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/hyuraku/flux/internal/chunk"
	"github.com/hyuraku/flux/internal/compress"
	"github.com/hyuraku/flux/internal/datagram"
	"github.com/hyuraku/flux/internal/signaling"
)

// Status is one state in the transfer lifecycle (spec.md §4.6).
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusWaiting      Status = "waiting"
	StatusTransferring Status = "transferring"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
	StatusError        Status = "error"
)

// sendDebounce and chunkYield implement the spec's cooperative pacing
// (spec.md §4.6 sender path step 5, §9 "cooperative pacing"): a short pause
// after file_metadata before streaming chunks, and a brief yield between
// chunks so a single-threaded runtime doesn't monopolize the executor.
const (
	sendDebounce = 20 * time.Millisecond
	chunkYield   = time.Millisecond
)

// ChunkMetadata announces the chunks that follow on the data channel
// (spec.md §3 ChunkMetadata, §6 control message file_metadata).
type ChunkMetadata struct {
	FileName    string `json:"fileName"`
	FileType    string `json:"fileType"`
	TotalSize   int64  `json:"totalSize"`
	ChunkSize   int    `json:"chunkSize"`
	TotalChunks uint32 `json:"totalChunks"`
	Compressed  bool   `json:"compressed"`
}

type controlEnvelope struct {
	Type     string        `json:"type"`
	Metadata ChunkMetadata `json:"metadata"`
	// compressed/encrypted are carried at the envelope's top level too, per
	// spec.md §6's wire shape; encrypted/publicKey round-trip unused by the
	// core pipeline (SPEC_FULL.md §9.3).
	Compressed bool   `json:"compressed"`
	Encrypted  bool   `json:"encrypted"`
	PublicKey  string `json:"publicKey,omitempty"`
}

const (
	controlFileMetadata    = "file_metadata"
	controlTransferComplete = "transfer_complete"
)

// File is one sender-side input (spec.md §1: file picking is an external
// collaborator; the engine only ever sees already-read bytes).
type File struct {
	Name string
	Type string
	Data []byte
}

// Config carries the spec's external configuration knobs (spec.md §6).
type Config struct {
	EnableCompression bool
	ChunkSize         int
}

// DatagramChannel is the narrow surface the engine needs from a negotiated
// channel (spec.md §4.7), satisfied by *datagram.Channel in production and
// by a fake in tests.
type DatagramChannel interface {
	Negotiate() error
	Signal(datagram.RemoteSignal) error
	Send([]byte) error
	SendText(string) error
	Close() error
	SetOnSignal(func(datagram.Signal))
	SetOnConnected(func())
	SetOnDisconnected(func())
	SetOnError(func(error))
	SetOnMessage(func([]byte))
}

// ChannelFactory creates a DatagramChannel in initiator or non-initiator
// mode. Production code passes a factory wrapping datagram.Create; tests
// pass one that returns a fake.
type ChannelFactory func(initiator bool) (DatagramChannel, error)

// Signaler is the narrow outbound surface the engine needs from the
// client's signaling dialer.
type Signaler interface {
	Send(signaling.Message) error
}

// Engine drives one TransferSession (spec.md §3). It is safe for
// concurrent use: signaling messages arrive on the dialer's read goroutine
// while datagram callbacks fire from the channel's own goroutines.
type Engine struct {
	mu sync.Mutex

	role   signaling.Role
	cfg    Config
	status Status

	roomID       string
	selfPeerID   string
	targetPeerID string

	signaler Signaler
	newChan  ChannelFactory
	channel  DatagramChannel

	files     []File
	fileIndex int

	acc                     *chunk.Accumulator
	currentMeta             ChunkMetadata
	currentFileCompressed   bool
	bytesTransferred        int64
	totalBytes              int64

	onCodeGenerated func(code string)
	onFileReceived  func(name, fileType string, data []byte)
	onStatusChange  func(Status)
	onError         func(error)

	log *slog.Logger
}

// New returns an idle Engine. role is fixed for the lifetime of the Engine
// (spec.md §3 TransferSession: role is per-session).
func New(role signaling.Role, cfg Config, signaler Signaler, newChan ChannelFactory, log *slog.Logger) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunk.DefaultChunkSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		role:     role,
		cfg:      cfg,
		status:   StatusIdle,
		signaler: signaler,
		newChan:  newChan,
		log:      log.With("component", "transfer", "role", role),
	}
}

// SetOnCodeGenerated, SetOnFileReceived, SetOnStatusChange, and SetOnError
// register the engine's external event callbacks (spec.md §4.6 emits
// file_received / error events).
func (e *Engine) SetOnCodeGenerated(fn func(code string)) { e.mu.Lock(); e.onCodeGenerated = fn; e.mu.Unlock() }
func (e *Engine) SetOnFileReceived(fn func(name, fileType string, data []byte)) {
	e.mu.Lock()
	e.onFileReceived = fn
	e.mu.Unlock()
}
func (e *Engine) SetOnStatusChange(fn func(Status)) { e.mu.Lock(); e.onStatusChange = fn; e.mu.Unlock() }
func (e *Engine) SetOnError(fn func(error))          { e.mu.Lock(); e.onError = fn; e.mu.Unlock() }

// Status returns the engine's current lifecycle state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	cb := e.onStatusChange
	e.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (e *Engine) fail(err error) {
	e.log.Error("transfer failed", "err", err)
	e.setStatus(StatusError)
	e.mu.Lock()
	cb := e.onError
	e.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// InitializeAsReceiver enters connecting and asks the broker to mint a code
// with generate_code; the engine enters waiting once code_generated arrives
// (spec.md §4.6 receiver path step 1).
func (e *Engine) InitializeAsReceiver() error {
	e.mu.Lock()
	e.role = signaling.RoleReceiver
	e.mu.Unlock()
	e.setStatus(StatusConnecting)
	return e.signaler.Send(signaling.Message{Type: signaling.TypeGenerateCode})
}

// InitializeAsSender joins room code as a sender with files queued to send
// once the channel opens (spec.md §4.6 sender path step 1).
func (e *Engine) InitializeAsSender(code string, files []File) error {
	e.mu.Lock()
	e.role = signaling.RoleSender
	e.roomID = code
	e.files = files
	e.totalBytes = 0
	for _, f := range files {
		e.totalBytes += int64(len(f.Data))
	}
	e.mu.Unlock()
	e.setStatus(StatusConnecting)
	return e.signaler.Send(signaling.Message{Type: signaling.TypeJoinRoom, Code: code, Role: signaling.RoleSender})
}

// HandleSignal dispatches one inbound broker→client Message (spec.md §4.6).
func (e *Engine) HandleSignal(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeCodeGenerated:
		e.handleCodeGenerated(msg)
	case signaling.TypePeerJoined:
		e.handlePeerJoined(msg)
	case signaling.TypePeerLeft:
		e.fail(fmt.Errorf("transfer: peer left the room"))
	case signaling.TypeWebRTCOffer:
		e.handleOffer(msg)
	case signaling.TypeWebRTCAnswer:
		e.handleAnswer(msg)
	case signaling.TypeICECandidate:
		e.handleCandidate(msg)
	case signaling.TypeError:
		e.handleError(msg)
	default:
		e.log.Debug("unhandled signal", "type", msg.Type)
	}
}

func (e *Engine) handleCodeGenerated(msg signaling.Message) {
	e.mu.Lock()
	e.roomID = msg.RoomID
	cb := e.onCodeGenerated
	e.mu.Unlock()
	e.setStatus(StatusWaiting)
	if cb != nil {
		cb(msg.Code)
	}
}

// handlePeerJoined implements spec.md §4.6 receiver step 2 / sender step 2:
// a message whose PeerRole matches our own role is the self-echo every
// participant of a join_room broadcast receives (broker.go broadcasts the
// single peer_joined event to the whole room including the joiner); a
// message with a *different* role names the counterpart.
func (e *Engine) handlePeerJoined(msg signaling.Message) {
	e.mu.Lock()
	if msg.PeerRole == e.role {
		e.selfPeerID = msg.PeerID
		e.mu.Unlock()
		return
	}
	e.targetPeerID = msg.PeerID
	isReceiver := e.role == signaling.RoleReceiver
	e.mu.Unlock()

	if !isReceiver {
		// Sender waits for the receiver's offer (spec.md §4.6 sender step 2).
		return
	}
	if err := e.openChannel(true); err != nil {
		e.fail(fmt.Errorf("transfer: open channel as initiator: %w", err))
	}
}

func (e *Engine) openChannel(initiator bool) error {
	ch, err := e.newChan(initiator)
	if err != nil {
		return err
	}
	ch.SetOnSignal(e.relaySignal)
	ch.SetOnConnected(e.handleConnected)
	ch.SetOnDisconnected(e.handleDisconnected)
	ch.SetOnError(func(err error) { e.fail(fmt.Errorf("transfer: datagram channel error: %w", err)) })
	ch.SetOnMessage(e.handleDatagramMessage)

	e.mu.Lock()
	e.channel = ch
	e.mu.Unlock()

	if initiator {
		return ch.Negotiate()
	}
	return nil
}

// relaySignal forwards a local offer/answer/candidate to the paired peer
// through C4 (spec.md §4.6, §4.7).
func (e *Engine) relaySignal(s datagram.Signal) {
	payload, err := datagram.MarshalSignal(s)
	if err != nil {
		e.fail(fmt.Errorf("transfer: marshal signal: %w", err))
		return
	}
	var msgType string
	switch s.Type {
	case datagram.SignalOffer:
		msgType = signaling.TypeWebRTCOffer
	case datagram.SignalAnswer:
		msgType = signaling.TypeWebRTCAnswer
	case datagram.SignalCandidate:
		msgType = signaling.TypeICECandidate
	default:
		return
	}

	e.mu.Lock()
	target := e.targetPeerID
	e.mu.Unlock()

	if err := e.signaler.Send(signaling.Message{Type: msgType, TargetPeerID: target, Payload: payload}); err != nil {
		e.log.Warn("relay signal failed", "type", msgType, "err", err)
	}
}

func (e *Engine) handleOffer(msg signaling.Message) {
	remote, err := datagram.UnmarshalRemoteSignal(msg.Payload)
	if err != nil {
		e.log.Warn("malformed webrtc_offer payload", "err", err)
		return
	}

	e.mu.Lock()
	hasChannel := e.channel != nil
	e.targetPeerID = msg.FromPeerID
	e.mu.Unlock()

	if !hasChannel {
		// Sender creates the channel in non-initiator mode on receiving the
		// receiver's offer (spec.md §4.6 sender path step 3).
		if err := e.openChannel(false); err != nil {
			e.fail(fmt.Errorf("transfer: open channel as responder: %w", err))
			return
		}
	}

	e.mu.Lock()
	ch := e.channel
	e.mu.Unlock()
	if err := ch.Signal(remote); err != nil {
		e.fail(fmt.Errorf("transfer: feed offer: %w", err))
	}
}

func (e *Engine) handleAnswer(msg signaling.Message) {
	remote, err := datagram.UnmarshalRemoteSignal(msg.Payload)
	if err != nil {
		e.log.Warn("malformed webrtc_answer payload", "err", err)
		return
	}
	e.mu.Lock()
	ch := e.channel
	e.mu.Unlock()
	if ch == nil {
		e.log.Warn("webrtc_answer with no channel established")
		return
	}
	if err := ch.Signal(remote); err != nil {
		e.fail(fmt.Errorf("transfer: feed answer: %w", err))
	}
}

func (e *Engine) handleCandidate(msg signaling.Message) {
	remote, err := datagram.UnmarshalRemoteSignal(msg.Payload)
	if err != nil {
		e.log.Warn("malformed ice_candidate payload", "err", err)
		return
	}

	e.mu.Lock()
	if e.targetPeerID == "" {
		// spec.md §4.6 sender path step 4: set target_peer_id from the
		// envelope if still unset.
		e.targetPeerID = msg.FromPeerID
	}
	ch := e.channel
	e.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Signal(remote); err != nil {
		e.log.Debug("feed candidate failed", "err", err)
	}
}

func (e *Engine) handleError(msg signaling.Message) {
	switch msg.Code {
	case signaling.ErrPeerDisconnected, signaling.ErrLockExpired, signaling.ErrLockNotFound:
		// Pairing errors are fatal to the current session (spec.md §7).
		e.fail(fmt.Errorf("transfer: %s: %s", msg.Code, msg.Message))
	default:
		e.log.Warn("signaling error", "code", msg.Code, "message", msg.Message)
	}
}

// handleConnected fires only once the data channel itself is open (spec.md
// §4.7). The sender kicks off its streaming loop here; the receiver simply
// starts accepting inbound datagrams via handleDatagramMessage.
func (e *Engine) handleConnected() {
	e.setStatus(StatusTransferring)
	e.mu.Lock()
	isSender := e.role == signaling.RoleSender
	e.mu.Unlock()
	if isSender {
		go e.runSendLoop()
	}
}

func (e *Engine) handleDisconnected() {
	e.mu.Lock()
	status := e.status
	e.mu.Unlock()
	if status != StatusCompleted && status != StatusCancelled {
		e.fail(errors.New("transfer: data channel disconnected"))
	}
}

// runSendLoop streams every queued file as file_metadata + framed chunks,
// then transfer_complete (spec.md §4.6 sender path step 5).
func (e *Engine) runSendLoop() {
	e.mu.Lock()
	files := e.files
	channel := e.channel
	enableCompression := e.cfg.EnableCompression
	chunkSize := e.cfg.ChunkSize
	e.mu.Unlock()

	for _, f := range files {
		compressed := enableCompression && compress.ShouldCompress(int64(len(f.Data)))
		meta := ChunkMetadata{
			FileName:    f.Name,
			FileType:    f.Type,
			TotalSize:   int64(len(f.Data)),
			ChunkSize:   chunkSize,
			TotalChunks: chunk.TotalChunks(int64(len(f.Data)), chunkSize),
			Compressed:  compressed,
		}
		env := controlEnvelope{Type: controlFileMetadata, Metadata: meta, Compressed: compressed}
		raw, err := json.Marshal(env)
		if err != nil {
			e.fail(fmt.Errorf("transfer: marshal file_metadata: %w", err))
			return
		}
		if err := channel.SendText(string(raw)); err != nil {
			e.fail(fmt.Errorf("transfer: send file_metadata: %w", err))
			return
		}
		time.Sleep(sendDebounce)

		next := chunk.Split(f.Data, chunkSize)
		for {
			c, ok := next()
			if !ok {
				break
			}
			if compressed {
				gz, err := compress.Compress(c.Payload)
				if err != nil {
					e.fail(fmt.Errorf("transfer: compress chunk %d: %w", c.Index, err))
					return
				}
				c.Payload = gz
			}
			if err := channel.Send(chunk.Serialize(c)); err != nil {
				e.fail(fmt.Errorf("transfer: send chunk %d: %w", c.Index, err))
				return
			}
			e.mu.Lock()
			e.bytesTransferred += int64(c.Size)
			e.mu.Unlock()
			time.Sleep(chunkYield)
		}
	}

	if err := channel.SendText(`{"type":"transfer_complete"}`); err != nil {
		e.fail(fmt.Errorf("transfer: send transfer_complete: %w", err))
		return
	}
	e.setStatus(StatusCompleted)
}

// handleDatagramMessage is the receiver's inbound-datagram dispatch
// (spec.md §4.6 receiver path step 5): a message that decodes as UTF-8 JSON
// with a known type is control; otherwise it is a framed chunk.
func (e *Engine) handleDatagramMessage(data []byte) {
	var env controlEnvelope
	if err := json.Unmarshal(data, &env); err == nil && (env.Type == controlFileMetadata || env.Type == controlTransferComplete) {
		switch env.Type {
		case controlFileMetadata:
			e.handleFileMetadata(env)
		case controlTransferComplete:
			e.setStatus(StatusCompleted)
		}
		return
	}
	e.handleChunk(data)
}

func (e *Engine) handleFileMetadata(env controlEnvelope) {
	e.mu.Lock()
	e.currentMeta = env.Metadata
	// The flag must be threaded from this message through every subsequent
	// chunk until the next file_metadata (spec.md §9 metadata-flag bug).
	e.currentFileCompressed = env.Metadata.Compressed
	acc := chunk.NewAccumulator(env.Metadata.TotalChunks)
	e.acc = acc
	e.bytesTransferred = 0
	e.mu.Unlock()

	// A zero-chunk file (empty Data) is already complete the moment its
	// accumulator is created: no chunk frame ever arrives to trigger the
	// completion check in handleChunk, so it must be checked here too.
	e.completeIfDone(acc, env.Metadata)
}

func (e *Engine) handleChunk(data []byte) {
	c, err := chunk.Deserialize(data)
	if err != nil {
		e.log.Warn("malformed chunk frame", "err", err)
		return
	}

	e.mu.Lock()
	compressed := e.currentFileCompressed
	acc := e.acc
	meta := e.currentMeta
	e.mu.Unlock()
	if acc == nil {
		e.log.Warn("chunk arrived before file_metadata", "index", c.Index)
		return
	}

	if compressed {
		payload, err := compress.Decompress(c.Payload)
		if err != nil {
			e.fail(fmt.Errorf("transfer: decompress chunk %d: %w", c.Index, err))
			return
		}
		c.Payload = payload
	}
	// c.Size came off the wire as the (possibly compressed) frame's payload
	// length; recompute it as the logical length so progress reflects
	// original file bytes.
	c.Size = uint32(len(c.Payload))

	if !acc.AddChunk(c) {
		e.log.Debug("duplicate chunk ignored", "index", c.Index)
		return
	}
	e.mu.Lock()
	e.bytesTransferred += int64(c.Size)
	e.mu.Unlock()

	e.completeIfDone(acc, meta)
}

// completeIfDone merges and emits onFileReceived once acc holds every
// expected chunk (spec.md §4.4 is_complete/merge). Shared by handleChunk and
// handleFileMetadata since a zero-chunk file completes without ever routing
// through handleChunk.
func (e *Engine) completeIfDone(acc *chunk.Accumulator, meta ChunkMetadata) {
	if !acc.IsComplete() {
		return
	}
	merged, err := acc.Merge()
	if err != nil {
		e.fail(fmt.Errorf("transfer: merge completed accumulator: %w", err))
		return
	}
	e.mu.Lock()
	cb := e.onFileReceived
	e.mu.Unlock()
	if cb != nil {
		cb(meta.FileName, meta.FileType, merged)
	}
}

// Progress returns bytes transferred so far and the session total (0 if
// unknown, e.g. on the receiver before any file_metadata has arrived).
func (e *Engine) Progress() (transferred, total int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.role == signaling.RoleReceiver && e.currentMeta.TotalSize > 0 {
		return e.bytesTransferred, e.currentMeta.TotalSize
	}
	return e.bytesTransferred, e.totalBytes
}

// Cancel moves the engine to cancelled unconditionally and tears down its
// resources (spec.md §4.6 cancellation): close the channel, drop the
// accumulator, and let the signaling dialer close independently since
// disconnecting here is a client-side teardown, not a broker RPC.
func (e *Engine) Cancel() error {
	e.setStatus(StatusCancelled)

	e.mu.Lock()
	ch := e.channel
	e.channel = nil
	e.acc = nil
	e.mu.Unlock()

	if ch == nil {
		return nil
	}
	var result *multierror.Error
	if err := ch.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
