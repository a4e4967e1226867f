package compressor_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/0x7d8/ddup-bak-go/compressor"
	"github.com/0x7d8/ddup-bak-go/ddberr"
)

func TestRoundTrip(t *testing.T) {
	formats := []compressor.Format{compressor.None, compressor.Gzip, compressor.Deflate}
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated. " +
		"the quick brown fox jumps over the lazy dog, repeated.")

	for _, f := range formats {
		var buf bytes.Buffer
		enc, err := compressor.NewEncoder(f, &buf)
		if err != nil {
			t.Fatalf("%s: NewEncoder: %s", f, err)
		}
		if _, err := enc.Write(payload); err != nil {
			t.Fatalf("%s: Write: %s", f, err)
		}
		if err := enc.Close(); err != nil {
			t.Fatalf("%s: Close: %s", f, err)
		}

		dec, err := compressor.NewDecoder(f, &buf)
		if err != nil {
			t.Fatalf("%s: NewDecoder: %s", f, err)
		}
		got, err := io.ReadAll(dec)
		if err != nil {
			t.Fatalf("%s: ReadAll: %s", f, err)
		}
		dec.Close()

		if !bytes.Equal(got, payload) {
			t.Errorf("%s: round trip mismatch: got %q want %q", f, got, payload)
		}
	}
}

func TestCompressAllRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	compressed, err := compressor.CompressAll(compressor.Deflate, payload)
	if err != nil {
		t.Fatalf("CompressAll: %s", err)
	}
	got, err := compressor.DecompressAll(compressor.Deflate, compressed)
	if err != nil {
		t.Fatalf("DecompressAll: %s", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q want %q", got, payload)
	}
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := compressor.NewEncoder(compressor.Format(99), &bytes.Buffer{})
	if !errors.Is(err, ddberr.ErrUnsupportedCompression) {
		t.Fatalf("expected ErrUnsupportedCompression, got %v", err)
	}
}

func TestBrotliUnsupportedWithoutBuildTag(t *testing.T) {
	if compressor.Supported(compressor.Brotli) {
		t.Skip("built with brotli tag")
	}
	_, err := compressor.NewEncoder(compressor.Brotli, &bytes.Buffer{})
	if !errors.Is(err, ddberr.ErrUnsupportedCompression) {
		t.Fatalf("expected ErrUnsupportedCompression, got %v", err)
	}
}
