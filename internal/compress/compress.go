// Package compress implements the Compression Stage (spec.md §4.5):
// per-chunk gzip compression with a size-window policy. There is no
// fallback codec: Compress and Decompress always use gzip. Grounded on rustyguts-bken's stdlib-first approach — the
// teacher never pulls in a third-party compression library, and no other
// pack repo's complete source does either, so flux follows spec.md's own
// wording ("gzip-compatible") and uses compress/gzip directly rather than
// inventing an ungrounded dependency.
package compress

import (
	"bytes"
	"compress/gzip"
	"io"
)

// Size-window policy bounds (spec.md §4.5 should_compress).
const (
	MinCompressSize = 10 * 1024        // 10 KiB
	MaxCompressSize = 100 * 1024 * 1024 // 100 MiB
)

// ShouldCompress reports whether a file of fileSize bytes should be
// compressed under the default policy.
func ShouldCompress(fileSize int64) bool {
	return fileSize >= MinCompressSize && fileSize <= MaxCompressSize
}

// Compress gzips b.
func Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress ungzips b.
func Decompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
