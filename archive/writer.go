// Package archive implements the archive codec's writer and reader
// (spec §4.C/§4.D/§6): a single-owner body stream followed by a
// deflate-compressed, depth-first entry forest and a fixed 16-byte
// trailer. Grounded on the teacher's (github.com/KarpelesLab/squashfs)
// Writer: an in-memory tree assembled before a single Finalize() pass,
// metadata blocks framed as "compressed, or raw if compression didn't pay
// off" (writer.go's writeMetadataBlock), and tables read back with a
// streaming tableReader built on io.LimitedReader (tablereader.go).
package archive

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/0x7d8/ddup-bak-go/chunk"
	"github.com/0x7d8/ddup-bak-go/compressor"
	"github.com/0x7d8/ddup-bak-go/ddberr"
	"github.com/0x7d8/ddup-bak-go/entry"
)

// Signature is the fixed 8-byte magic at offset 0 of every archive.
var Signature = [8]byte{'D', 'D', 'U', 'P', 'B', 'A', 'K', 0x01}

const trailerSize = 16

// Writer streams an archive's body region and, on Finalize, its entry
// forest and trailer. It owns w exclusively and is not safe for concurrent
// use — spec §5 requires the archive writer be single-threaded so that
// File entries' offsets are assigned in strictly monotonic order.
type Writer struct {
	w      io.Writer
	offset uint64
}

// New opens a new archive, writing the signature immediately.
func New(w io.Writer) (*Writer, error) {
	aw := &Writer{w: w}
	if _, err := aw.Write(Signature[:]); err != nil {
		return nil, ddberr.Wrap(ddberr.ErrIO, "", err)
	}
	return aw, nil
}

// Write implements io.Writer, tracking the current absolute offset so
// callers (and Writer itself) can record where a body began.
func (aw *Writer) Write(p []byte) (int, error) {
	n, err := aw.w.Write(p)
	aw.offset += uint64(n)
	return n, err
}

// Offset returns the current absolute write position.
func (aw *Writer) Offset() uint64 {
	return aw.offset
}

// WriteFileBody streams r into the archive at the current offset, passing
// it through format's encoder (identity for compressor.None). Returns the
// starting offset, the uncompressed size read, and the compressed size
// written (0 when format is None, per spec §4.B "present iff
// compression_format != None").
func (aw *Writer) WriteFileBody(r io.Reader, format compressor.Format) (offset, size, sizeCompressed uint64, err error) {
	offset = aw.offset

	if format == compressor.None {
		n, cerr := io.Copy(aw, r)
		if cerr != nil {
			return offset, 0, 0, ddberr.Wrap(ddberr.ErrIO, "", cerr)
		}
		return offset, uint64(n), 0, nil
	}

	enc, err := compressor.NewEncoder(format, aw)
	if err != nil {
		return offset, 0, 0, err
	}
	n, cerr := io.Copy(enc, r)
	if cerr != nil {
		enc.Close()
		return offset, 0, 0, ddberr.Wrap(ddberr.ErrIO, "", cerr)
	}
	if err := enc.Close(); err != nil {
		return offset, 0, 0, ddberr.Wrap(ddberr.ErrIO, "", err)
	}
	return offset, uint64(n), aw.offset - offset, nil
}

// WriteChunkRefs writes ids as a catenation of fixed 32-byte records — the
// body region for a File entry whose bytes live in the chunk store (spec
// §4.C "If size_real differs from size..."). Returns the starting offset
// and the number of bytes written (len(ids) * 32).
func (aw *Writer) WriteChunkRefs(ids []chunk.ID) (offset, size uint64, err error) {
	offset = aw.offset
	for _, id := range ids {
		if _, err := aw.Write(id[:]); err != nil {
			return offset, 0, ddberr.Wrap(ddberr.ErrIO, "", err)
		}
	}
	return offset, uint64(len(ids) * chunk.IDSize), nil
}

// Finalize serialises topLevel depth-first pre-order into a scratch
// buffer, deflates it as a whole, appends it, and writes the 16-byte
// trailer. It fsyncs w if w implements the Sync() error method.
func (aw *Writer) Finalize(topLevel []*entry.Entry) error {
	scratch, entryCount, err := encodeForest(topLevel)
	if err != nil {
		return err
	}

	compressed, err := compressor.CompressAll(compressor.Deflate, scratch)
	if err != nil {
		return err
	}

	entriesOffset := aw.offset
	if _, err := aw.Write(compressed); err != nil {
		return ddberr.Wrap(ddberr.ErrIO, "", err)
	}

	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint64(trailer[0:8], entryCount)
	binary.LittleEndian.PutUint64(trailer[8:16], entriesOffset)
	if _, err := aw.Write(trailer[:]); err != nil {
		return ddberr.Wrap(ddberr.ErrIO, "", err)
	}

	if syncer, ok := aw.w.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return ddberr.Wrap(ddberr.ErrIO, "", err)
		}
	}

	return nil
}

func encodeForest(topLevel []*entry.Entry) ([]byte, uint64, error) {
	var buf bytes.Buffer
	var count uint64
	for _, e := range topLevel {
		if err := entry.Encode(&buf, e); err != nil {
			return nil, 0, err
		}
		count += e.Count()
	}
	return buf.Bytes(), count, nil
}
