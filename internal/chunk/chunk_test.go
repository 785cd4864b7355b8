package chunk

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	cases := []Chunk{
		{Index: 0, Size: 0, Payload: nil},
		{Index: 1, Size: 5, Payload: []byte("hello")},
		{Index: 1<<32 - 1, Size: 3, Payload: []byte{1, 2, 3}},
	}
	for _, c := range cases {
		got, err := Deserialize(Serialize(c))
		if err != nil {
			t.Fatalf("Deserialize: %v", err)
		}
		if got.Index != c.Index || got.Size != c.Size || !bytes.Equal(got.Payload, c.Payload) {
			t.Fatalf("round trip = %+v, want %+v", got, c)
		}
	}
}

func TestSerializeDeserializeRoundTripRandom(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		payload := make([]byte, r.Intn(64*1024+1))
		r.Read(payload)
		c := Chunk{Index: r.Uint32(), Size: uint32(len(payload)), Payload: payload}
		got, err := Deserialize(Serialize(c))
		if err != nil {
			t.Fatalf("Deserialize: %v", err)
		}
		if got.Index != c.Index || got.Size != c.Size || !bytes.Equal(got.Payload, c.Payload) {
			t.Fatalf("round trip mismatch at iteration %d", i)
		}
	}
}

func TestDeserializeMalformedShort(t *testing.T) {
	if _, err := Deserialize([]byte{1, 2, 3}); err != ErrMalformed {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestDeserializeMalformedSizeOverrun(t *testing.T) {
	frame := Serialize(Chunk{Index: 0, Size: 100, Payload: []byte("short")})
	// Corrupt the declared size to exceed the actual payload length.
	frame[4] = 255
	frame[5] = 255
	if _, err := Deserialize(frame); err == nil {
		t.Fatal("expected error for size overrunning available bytes")
	}
}

func TestTotalChunks(t *testing.T) {
	cases := []struct {
		size, chunkSize int64
		want            uint32
	}{
		{0, 16, 0},
		{1, 16, 1},
		{16, 16, 1},
		{17, 16, 2},
		{13, 16, 1},
	}
	for _, c := range cases {
		if got := TotalChunks(c.size, int(c.chunkSize)); got != c.want {
			t.Fatalf("TotalChunks(%d, %d) = %d, want %d", c.size, c.chunkSize, got, c.want)
		}
	}
}

func TestSplitMergeRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 500)
	chunkSize := 97 // deliberately not a clean divisor

	total := TotalChunks(int64(len(original)), chunkSize)
	acc := NewAccumulator(total)

	next := Split(original, chunkSize)
	count := 0
	for {
		c, ok := next()
		if !ok {
			break
		}
		if !acc.AddChunk(c) {
			t.Fatalf("unexpected duplicate at index %d", c.Index)
		}
		count++
	}
	if uint32(count) != total {
		t.Fatalf("produced %d chunks, want %d", count, total)
	}
	if !acc.IsComplete() {
		t.Fatal("expected accumulator to be complete")
	}
	got, err := acc.Merge()
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !bytes.Equal(got, original) {
		t.Fatal("merged bytes differ from original")
	}
}

func TestSplitOutOfOrderArrival(t *testing.T) {
	original := []byte("0123456789abcdef0123456789abcdef")
	total := TotalChunks(int64(len(original)), 8)
	acc := NewAccumulator(total)

	var chunks []Chunk
	next := Split(original, 8)
	for {
		c, ok := next()
		if !ok {
			break
		}
		chunks = append(chunks, c)
	}

	// Feed in reverse order.
	for i := len(chunks) - 1; i >= 0; i-- {
		acc.AddChunk(chunks[i])
	}
	got, err := acc.Merge()
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !bytes.Equal(got, original) {
		t.Fatal("merged bytes differ from original after out-of-order arrival")
	}
}

func TestMergeIncompleteFailsAndMissingChunksReported(t *testing.T) {
	original := []byte("0123456789abcdef0123456789abcdef")
	total := TotalChunks(int64(len(original)), 8)
	acc := NewAccumulator(total)

	next := Split(original, 8)
	first, _ := next()
	acc.AddChunk(first)

	if _, err := acc.Merge(); err != ErrIncomplete {
		t.Fatalf("got %v, want ErrIncomplete", err)
	}
	missing := acc.MissingChunks()
	if len(missing) != int(total)-1 {
		t.Fatalf("MissingChunks = %v, want %d entries", missing, total-1)
	}
}

func TestAddChunkRejectsDuplicateIndex(t *testing.T) {
	acc := NewAccumulator(2)
	c := Chunk{Index: 0, Size: 3, Payload: []byte("abc")}
	if !acc.AddChunk(c) {
		t.Fatal("first AddChunk should succeed")
	}
	if acc.AddChunk(c) {
		t.Fatal("second AddChunk with same index should return false")
	}
}
