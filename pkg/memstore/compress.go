package memstore

import (
	"bytes"
	"compress/gzip"
	"io"
)

// Compressor is the pure-function compression boundary spec.md §9 asks
// for: two functions, an opaque algorithm identifier, no mandated codec.
// The core depends only on this interface.
type Compressor interface {
	Compress(data []byte) (out []byte, algorithm string, err error)
	Decompress(data []byte, algorithm string) ([]byte, error)
}

// GzipCompressor is the default Compressor. No library in the example
// corpus ships a generic byte-compression codec (klauspost/reedsolomon and
// pierrec/lz4 in the corpus are erasure-coding/streaming codecs tied to a
// specific storage engine, not a drop-in Compressor); compress/gzip is the
// idiomatic stdlib choice for a swappable, pure-function codec and keeps
// the dependency surface honest about what's actually exercised.
type GzipCompressor struct{}

const gzipAlgorithm = "gzip"

func (GzipCompressor) Compress(data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), gzipAlgorithm, nil
}

func (GzipCompressor) Decompress(data []byte, algorithm string) ([]byte, error) {
	if algorithm != gzipAlgorithm {
		return nil, errUnsupportedAlgorithm(algorithm)
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type unsupportedAlgorithmError string

func (e unsupportedAlgorithmError) Error() string { return "unsupported compression algorithm: " + string(e) }

func errUnsupportedAlgorithm(algorithm string) error { return unsupportedAlgorithmError(algorithm) }
