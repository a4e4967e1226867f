package entry

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/0x7d8/ddup-bak-go/compressor"
	"github.com/0x7d8/ddup-bak-go/ddberr"
	"github.com/0x7d8/ddup-bak-go/internal/varint"
)

// typeBits/compBits/compShift/modeShift implement the bit layout from spec §4.B/§6:
// bits[0..2)=entry_type, bits[2..6)=compression_format, bits[6..32)=mode.
const (
	typeBits  = 2
	compBits  = 4
	compShift = typeBits
	modeShift = typeBits + compBits
)

// Encode writes e (and, for directories, all descendants depth-first
// pre-order) to w.
func Encode(w io.Writer, e *Entry) error {
	if err := writeString32(w, e.Name); err != nil {
		return err
	}

	word := uint32(e.Type)&0x3 | (uint32(e.Compression)&0xf)<<compShift | (e.Mode << modeShift)
	var wb [4]byte
	binary.LittleEndian.PutUint32(wb[:], word)
	if _, err := w.Write(wb[:]); err != nil {
		return err
	}

	if err := varint.WriteU32(w, e.UID); err != nil {
		return err
	}
	if err := varint.WriteU32(w, e.GID); err != nil {
		return err
	}
	if err := varint.WriteU64(w, e.MTime); err != nil {
		return err
	}

	switch e.Type {
	case File:
		if err := varint.WriteU64(w, e.Size); err != nil {
			return err
		}
		if e.Compression != 0 {
			if err := varint.WriteU64(w, e.SizeCompressed); err != nil {
				return err
			}
		}
		if err := varint.WriteU64(w, e.SizeReal); err != nil {
			return err
		}
		if err := varint.WriteU64(w, e.Offset); err != nil {
			return err
		}
	case Directory:
		if err := varint.WriteU64(w, uint64(len(e.Children))); err != nil {
			return err
		}
		for _, c := range e.Children {
			if err := Encode(w, c); err != nil {
				return err
			}
		}
	case Symlink:
		if err := writeString32(w, e.Target); err != nil {
			return err
		}
		var b byte
		if e.TargetDir {
			b = 1
		}
		if _, err := w.Write([]byte{b}); err != nil {
			return err
		}
	}

	return nil
}

// Decode reads one entry (and its full subtree, if a directory) from r.
func Decode(r *bufio.Reader) (*Entry, error) {
	name, err := readString32(r)
	if err != nil {
		return nil, err
	}

	var wb [4]byte
	if _, err := io.ReadFull(r, wb[:]); err != nil {
		return nil, ddberr.Wrap(ddberr.ErrMalformedArchive, "", err)
	}
	word := binary.LittleEndian.Uint32(wb[:])

	e := &Entry{
		Name:        name,
		Type:        Type(word & 0x3),
		Compression: compressor.Format((word >> compShift) & 0xf),
		Mode:        word >> modeShift,
	}

	if e.UID, err = varint.ReadU32(r); err != nil {
		return nil, err
	}
	if e.GID, err = varint.ReadU32(r); err != nil {
		return nil, err
	}
	if e.MTime, err = varint.ReadU64(r); err != nil {
		return nil, err
	}

	switch e.Type {
	case File:
		if e.Size, err = varint.ReadU64(r); err != nil {
			return nil, err
		}
		if e.Compression != 0 {
			if e.SizeCompressed, err = varint.ReadU64(r); err != nil {
				return nil, err
			}
		}
		if e.SizeReal, err = varint.ReadU64(r); err != nil {
			return nil, err
		}
		if e.Offset, err = varint.ReadU64(r); err != nil {
			return nil, err
		}
	case Directory:
		childCount, err := varint.ReadU64(r)
		if err != nil {
			return nil, err
		}
		e.Children = make([]*Entry, 0, childCount)
		for i := uint64(0); i < childCount; i++ {
			child, err := Decode(r)
			if err != nil {
				return nil, err
			}
			e.Children = append(e.Children, child)
		}
	case Symlink:
		if e.Target, err = readString32(r); err != nil {
			return nil, err
		}
		b, err := r.ReadByte()
		if err != nil {
			return nil, ddberr.Wrap(ddberr.ErrMalformedArchive, "", err)
		}
		e.TargetDir = b != 0
	default:
		return nil, ddberr.New(ddberr.ErrMalformedArchive, "unknown entry type")
	}

	return e, nil
}

func writeString32(w io.Writer, s string) error {
	if err := varint.WriteU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString32(r *bufio.Reader) (string, error) {
	n, err := varint.ReadU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", ddberr.Wrap(ddberr.ErrMalformedArchive, "", err)
	}
	for _, b := range buf {
		if b == '/' || b == 0 {
			return "", ddberr.New(ddberr.ErrMalformedArchive, "entry name contains path separator or NUL")
		}
	}
	return string(buf), nil
}
