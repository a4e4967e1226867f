// Package varint implements the 7-bit-segmented little-endian variable
// length integers used throughout the archive codec. Each byte carries 7
// payload bits in bits [0..7) and a continuation flag in bit 7; the stream
// ends at the first byte with that flag cleared.
//
// There is no teacher analogue for this: SquashFS encodes everything as
// fixed-width little/big-endian integers read with encoding/binary. This
// package is intentionally built on the standard library only —
// encoding/binary's own Uvarint decodes an untyped uint64 with no typed
// overflow checking, which the archive format requires (a varint_u32 field
// must reject a value that doesn't fit in 32 bits), so it doesn't serve the
// format as specified and a hand-rolled reader/writer is the correct size
// for the job.
package varint

import (
	"io"

	"github.com/0x7d8/ddup-bak-go/ddberr"
)

const (
	maxBytesU32 = 5
	maxBytesU64 = 10
)

// WriteU32 encodes v as a varint into w.
func WriteU32(w io.Writer, v uint32) error {
	return writeUint(w, uint64(v))
}

// WriteU64 encodes v as a varint into w.
func WriteU64(w io.Writer, v uint64) error {
	return writeUint(w, v)
}

func writeUint(w io.Writer, v uint64) error {
	var buf [maxBytesU64]byte
	n := 0
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf[n] = b
		n++
		if v == 0 {
			break
		}
	}
	_, err := w.Write(buf[:n])
	return err
}

// ReadU32 decodes a varint from r, failing with ddberr.ErrMalformedArchive
// if the encoded value would overflow 32 bits or the stream never
// terminates within 5 bytes.
func ReadU32(r io.ByteReader) (uint32, error) {
	v, err := readUint(r, maxBytesU32, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// ReadU64 decodes a varint from r, failing with ddberr.ErrMalformedArchive
// if the stream never terminates within 10 bytes or the final byte's
// payload bits would overflow 64 bits.
func ReadU64(r io.ByteReader) (uint64, error) {
	return readUint(r, maxBytesU64, 64)
}

func readUint(r io.ByteReader, maxBytes int, bitWidth uint) (uint64, error) {
	var result uint64
	var shift uint

	for i := 0; i < maxBytes; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return 0, ddberr.New(ddberr.ErrMalformedArchive, "truncated varint")
			}
			return 0, ddberr.Wrap(ddberr.ErrIO, "", err)
		}

		payload := uint64(b & 0x7f)

		// detect bits that would fall outside bitWidth before shifting them in
		if shift >= bitWidth {
			if payload != 0 {
				return 0, ddberr.New(ddberr.ErrMalformedArchive, "varint overflows typed width")
			}
		} else if shift+7 > bitWidth {
			if payload>>(bitWidth-shift) != 0 {
				return 0, ddberr.New(ddberr.ErrMalformedArchive, "varint overflows typed width")
			}
		}

		result |= payload << shift

		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}

	return 0, ddberr.New(ddberr.ErrMalformedArchive, "varint exceeds maximum encoded width")
}

// Len returns the number of bytes WriteU64 would emit for v — used by
// callers that need to precompute offsets without actually encoding.
func Len(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
