// Package compressor implements the pluggable streaming compressor
// registry described in spec §4.E: a bidirectional table from a
// compression_format tag to an encoder/decoder pair. None, Gzip and
// Deflate are always registered; Brotli registers itself from brotli.go
// when built with the "brotli" tag, the same way the teacher
// (github.com/KarpelesLab/squashfs) gates XZ and ZSTD behind build tags
// in comp_xz.go/comp_zstd.go and has them self-register via an init().
package compressor

import (
	"bytes"
	"compress/flate"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/0x7d8/ddup-bak-go/ddberr"
)

// Format is the 4-bit compression_format tag stored in an entry's packed
// type/compression/mode word.
type Format uint8

const (
	None Format = iota
	Gzip
	Deflate
	Brotli
)

func (f Format) String() string {
	switch f {
	case None:
		return "None"
	case Gzip:
		return "Gzip"
	case Deflate:
		return "Deflate"
	case Brotli:
		return "Brotli"
	default:
		return "Unknown"
	}
}

// Handler supplies streaming encode/decode constructors for one format.
type Handler struct {
	// NewEncoder wraps dst so writes to it are compressed.
	NewEncoder func(dst io.Writer) (io.WriteCloser, error)
	// NewDecoder wraps src so reads from it are decompressed.
	NewDecoder func(src io.Reader) (io.ReadCloser, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[Format]*Handler{}
)

// Register adds or replaces the handler for format. Safe to call from an
// init() in a build-tag-gated file.
func Register(format Format, h *Handler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[format] = h
}

func lookup(format Format) (*Handler, error) {
	registryMu.RLock()
	h, ok := registry[format]
	registryMu.RUnlock()
	if !ok {
		return nil, ddberr.New(ddberr.ErrUnsupportedCompression, format.String())
	}
	return h, nil
}

// Supported reports whether format has a registered handler.
func Supported(format Format) bool {
	_, err := lookup(format)
	return err == nil
}

// NewEncoder returns a streaming encoder for format wrapping dst.
func NewEncoder(format Format, dst io.Writer) (io.WriteCloser, error) {
	h, err := lookup(format)
	if err != nil {
		return nil, err
	}
	return h.NewEncoder(dst)
}

// NewDecoder returns a streaming decoder for format wrapping src.
func NewDecoder(format Format, src io.Reader) (io.ReadCloser, error) {
	h, err := lookup(format)
	if err != nil {
		return nil, err
	}
	return h.NewDecoder(src)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func init() {
	Register(None, &Handler{
		NewEncoder: func(dst io.Writer) (io.WriteCloser, error) {
			return nopWriteCloser{dst}, nil
		},
		NewDecoder: func(src io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(src), nil
		},
	})

	Register(Gzip, &Handler{
		NewEncoder: func(dst io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriterLevel(dst, 6)
		},
		NewDecoder: func(src io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(src)
		},
	})

	Register(Deflate, &Handler{
		NewEncoder: func(dst io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(dst, 6)
		},
		NewDecoder: func(src io.Reader) (io.ReadCloser, error) {
			return flate.NewReader(src), nil
		},
	})
}

// CompressAll runs data through format's encoder in one shot; used for the
// archive's entry-forest block (§4.C finish()), which is always deflated
// as a whole rather than streamed.
func CompressAll(format Format, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := NewEncoder(format, &buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressAll runs data through format's decoder in one shot.
func DecompressAll(format Format, data []byte) ([]byte, error) {
	dec, err := NewDecoder(format, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
