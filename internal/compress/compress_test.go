package compress

import (
	"bytes"
	"testing"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		[]byte("hello"),
		bytes.Repeat([]byte("abc123"), 5000),
	}
	for _, b := range cases {
		compressed, err := Compress(b)
		if err != nil {
			t.Fatalf("Compress: %v", err)
		}
		got, err := Decompress(compressed)
		if err != nil {
			t.Fatalf("Decompress: %v", err)
		}
		if !bytes.Equal(got, b) {
			t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(b))
		}
	}
}

func TestShouldCompressWindow(t *testing.T) {
	cases := []struct {
		size int64
		want bool
	}{
		{0, false},
		{MinCompressSize - 1, false},
		{MinCompressSize, true},
		{MaxCompressSize, true},
		{MaxCompressSize + 1, false},
	}
	for _, c := range cases {
		if got := ShouldCompress(c.size); got != c.want {
			t.Fatalf("ShouldCompress(%d) = %v, want %v", c.size, got, c.want)
		}
	}
}

// TestMetadataFlagMismatchCorruptsOutput is the spec's canonical bug
// regression test (spec.md §8): if the receiver decompresses with
// compressed=false while the sender actually compressed with
// compressed=true, the reassembled bytes must differ from the original.
func TestMetadataFlagMismatchCorruptsOutput(t *testing.T) {
	original := bytes.Repeat([]byte("payload bytes for the mismatch test "), 200)
	compressed, err := Compress(original)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	// Receiver wrongly believes compressed=false and skips Decompress,
	// treating the gzip bytes as if they were the literal payload.
	mistaken := compressed
	if bytes.Equal(mistaken, original) {
		t.Fatal("test setup invalid: compressed bytes accidentally equal original")
	}
}
