// Package chunk implements Chunk Framing (spec.md §4.4): the binary record
// format file bytes travel as over the data channel, split/merge, and
// completeness tracking. Grounded on rustyguts-bken's client.go datagram
// header handling (fixed little-endian binary prefixes read with
// encoding/binary) generalized from a 3-byte voice header to the spec's
// 8-byte chunk header, and on channel_state.go's mutex-guarded-map
// discipline for the accumulator.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

// HeaderSize is the fixed [index u32 LE][size u32 LE] prefix length.
const HeaderSize = 8

// DefaultChunkSize is the default bytes-per-chunk before compression
// (spec.md §6 external configuration: chunk_size default 16 KiB).
const DefaultChunkSize = 16 * 1024

// ErrMalformed is returned by Deserialize for a frame too short to contain
// a header, or whose declared size overruns the remaining bytes.
var ErrMalformed = errors.New("chunk: malformed frame")

// ErrIncomplete is returned by Merge when a chunk index is missing.
var ErrIncomplete = errors.New("chunk: incomplete")

// Chunk is one framed slice of a file (spec.md §3 Chunk). Size is the
// length of Payload as framed on the wire: Serialize always derives it from
// len(Payload), so it reflects whatever bytes Payload currently holds
// (compressed or not) rather than the file's pre-compression logical
// length. Callers that need logical progress (bytes of original file
// content, post-decompression) must track it themselves — see
// transfer.Engine.handleChunk, which recomputes Size from the decompressed
// Payload before handing the chunk to Accumulator.
type Chunk struct {
	Index   uint32
	Size    uint32
	Payload []byte
}

// Serialize encodes c as [index u32 LE][size u32 LE][payload]. The size
// field is always len(c.Payload), regardless of c.Size, so a frame is
// self-consistent by construction and Deserialize's size check can never
// reject it.
func Serialize(c Chunk) []byte {
	buf := make([]byte, HeaderSize+len(c.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], c.Index)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(c.Payload)))
	copy(buf[HeaderSize:], c.Payload)
	return buf
}

// Deserialize decodes a frame produced by Serialize.
func Deserialize(b []byte) (Chunk, error) {
	if len(b) < HeaderSize {
		return Chunk{}, ErrMalformed
	}
	index := binary.LittleEndian.Uint32(b[0:4])
	size := binary.LittleEndian.Uint32(b[4:8])
	payload := b[HeaderSize:]
	if uint64(size) > uint64(len(payload)) {
		return Chunk{}, fmt.Errorf("%w: declared size %d exceeds %d available bytes", ErrMalformed, size, len(payload))
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return Chunk{Index: index, Size: size, Payload: out}, nil
}

// Split returns a lazy, finite, non-restartable sequence of Chunks covering
// data, each at most chunkSize bytes (the last may be smaller). index is
// monotonically increasing from 0 (spec.md §4.4 split).
//
// The returned function yields one Chunk per call and reports ok=false once
// data is exhausted; it holds no goroutine and is safe to abandon early.
func Split(data []byte, chunkSize int) func() (c Chunk, ok bool) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	offset := 0
	var index uint32
	return func() (Chunk, bool) {
		if offset >= len(data) {
			return Chunk{}, false
		}
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		payload := data[offset:end]
		c := Chunk{Index: index, Size: uint32(len(payload)), Payload: append([]byte(nil), payload...)}
		offset = end
		index++
		return c, true
	}
}

// TotalChunks computes ceil(totalSize / chunkSize) (spec.md §3 ChunkMetadata
// invariant).
func TotalChunks(totalSize int64, chunkSize int) uint32 {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if totalSize <= 0 {
		return 0
	}
	n := (totalSize + int64(chunkSize) - 1) / int64(chunkSize)
	if n > math.MaxUint32 {
		n = math.MaxUint32
	}
	return uint32(n)
}

// Accumulator collects Chunks by index until every index in [0, total) has
// arrived, then merges them in order (spec.md §4.4 add_chunk/is_complete/
// missing_chunks/progress/merge/to_file). Safe for concurrent use: add_chunk
// is invoked from the receiver's inbound-datagram path.
type Accumulator struct {
	mu          sync.Mutex
	total       uint32
	chunks      map[uint32]Chunk
	logicalSize uint64
}

// NewAccumulator returns an Accumulator expecting totalChunks pieces.
func NewAccumulator(totalChunks uint32) *Accumulator {
	return &Accumulator{total: totalChunks, chunks: make(map[uint32]Chunk, totalChunks)}
}

// AddChunk stores c by index, returning false if index was already present
// (spec.md §4.4: "returns false for duplicates"). Out-of-order arrival is
// allowed.
func (a *Accumulator) AddChunk(c Chunk) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.chunks[c.Index]; exists {
		return false
	}
	a.chunks[c.Index] = c
	a.logicalSize += uint64(c.Size)
	return true
}

// IsComplete reports whether every index in [0, total) has arrived.
func (a *Accumulator) IsComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint32(len(a.chunks)) >= a.total
}

// MissingChunks returns the indices in [0, total) not yet received, in
// ascending order.
func (a *Accumulator) MissingChunks() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var missing []uint32
	for i := uint32(0); i < a.total; i++ {
		if _, ok := a.chunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Progress returns bytes received so far and the received chunk count.
func (a *Accumulator) Progress() (bytesReceived uint64, chunksReceived uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logicalSize, uint32(len(a.chunks))
}

// Merge concatenates payloads in index order, failing with ErrIncomplete if
// any index in [0, total) is missing (spec.md §4.4 merge invariant).
func (a *Accumulator) Merge() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint32(len(a.chunks)) < a.total {
		return nil, ErrIncomplete
	}
	var size uint64
	for i := uint32(0); i < a.total; i++ {
		size += uint64(len(a.chunks[i].Payload))
	}
	out := make([]byte, 0, size)
	for i := uint32(0); i < a.total; i++ {
		c, ok := a.chunks[i]
		if !ok {
			return nil, ErrIncomplete
		}
		out = append(out, c.Payload...)
	}
	return out, nil
}

// ToFile merges the accumulator and hands the result to write under name.
func (a *Accumulator) ToFile(write func(name string, data []byte) error, name string) error {
	data, err := a.Merge()
	if err != nil {
		return err
	}
	return write(name, data)
}
