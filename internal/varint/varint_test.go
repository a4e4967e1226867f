package varint_test

import (
	"bufio"
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/0x7d8/ddup-bak-go/ddberr"
	"github.com/0x7d8/ddup-bak-go/internal/varint"
)

func TestRoundTripU64(t *testing.T) {
	values := []uint64{
		0, 1, 127, 128, 300, math.MaxUint32, math.MaxUint32 + 1, math.MaxUint64,
	}

	for _, v := range values {
		var buf bytes.Buffer
		if err := varint.WriteU64(&buf, v); err != nil {
			t.Fatalf("WriteU64(%d): %s", v, err)
		}

		if got := buf.Len(); got != varint.Len(v) {
			t.Errorf("Len(%d) = %d, encoded %d bytes", v, varint.Len(v), got)
		}

		got, err := varint.ReadU64(bufio.NewReader(&buf))
		if err != nil {
			t.Fatalf("ReadU64(%d): %s", v, err)
		}
		if got != v {
			t.Errorf("round trip %d -> %d", v, got)
		}
	}
}

func TestRoundTripU32(t *testing.T) {
	values := []uint32{0, 1, 127, 128, 300, math.MaxUint32}

	for _, v := range values {
		var buf bytes.Buffer
		if err := varint.WriteU32(&buf, v); err != nil {
			t.Fatalf("WriteU32(%d): %s", v, err)
		}

		got, err := varint.ReadU32(bufio.NewReader(&buf))
		if err != nil {
			t.Fatalf("ReadU32(%d): %s", v, err)
		}
		if got != v {
			t.Errorf("round trip %d -> %d", v, got)
		}
	}
}

func TestReadU32RejectsOverflow(t *testing.T) {
	var buf bytes.Buffer
	if err := varint.WriteU64(&buf, uint64(math.MaxUint32)+1); err != nil {
		t.Fatal(err)
	}

	_, err := varint.ReadU32(bufio.NewReader(&buf))
	if !errors.Is(err, ddberr.ErrMalformedArchive) {
		t.Fatalf("expected ErrMalformedArchive, got %v", err)
	}
}

func TestReadTruncated(t *testing.T) {
	buf := bytes.NewReader([]byte{0x80, 0x80})
	_, err := varint.ReadU64(bufio.NewReader(buf))
	if !errors.Is(err, ddberr.ErrMalformedArchive) {
		t.Fatalf("expected ErrMalformedArchive, got %v", err)
	}
}

func TestReadExceedsMaxWidth(t *testing.T) {
	// 11 bytes, all continuation set - exceeds the 10-byte u64 limit.
	buf := bytes.NewReader(bytes.Repeat([]byte{0x80}, 11))
	_, err := varint.ReadU64(bufio.NewReader(buf))
	if !errors.Is(err, ddberr.ErrMalformedArchive) {
		t.Fatalf("expected ErrMalformedArchive, got %v", err)
	}
}
