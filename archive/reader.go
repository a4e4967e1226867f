package archive

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/0x7d8/ddup-bak-go/chunk"
	"github.com/0x7d8/ddup-bak-go/compressor"
	"github.com/0x7d8/ddup-bak-go/ddberr"
	"github.com/0x7d8/ddup-bak-go/entry"
)

// ChunkResolver fetches a chunk's bytes by id, satisfied by
// *store.Store. Kept as a narrow interface so archive doesn't import
// store (store already depends on nothing archive-shaped, but this keeps
// the dependency direction one-way and testable without a real store).
type ChunkResolver interface {
	Get(id chunk.ID) ([]byte, error)
}

// Reader provides random-access reads over a parsed archive's entry forest
// and file bodies. Not safe for concurrent use by multiple goroutines
// (spec §5: "Archive readers are not thread-safe internally").
type Reader struct {
	ra   io.ReaderAt
	size int64

	entryCount    uint64
	entriesOffset uint64
	topLevel      []*entry.Entry
}

// Open parses the trailer, decodes the entry forest, and validates every
// File entry's body bounds against entriesOffset (spec invariant: "Every
// File entry's offset + size_compressed (or size) <= entries_offset").
func Open(ra io.ReaderAt, size int64) (*Reader, error) {
	if size < int64(len(Signature))+trailerSize {
		return nil, ddberr.New(ddberr.ErrMalformedArchive, "archive too small")
	}

	var sig [8]byte
	if _, err := ra.ReadAt(sig[:], 0); err != nil {
		return nil, ddberr.Wrap(ddberr.ErrIO, "", err)
	}
	if sig != Signature {
		return nil, ddberr.New(ddberr.ErrMalformedArchive, "bad signature")
	}

	var trailer [trailerSize]byte
	if _, err := ra.ReadAt(trailer[:], size-trailerSize); err != nil {
		return nil, ddberr.Wrap(ddberr.ErrIO, "", err)
	}
	entryCount := binary.LittleEndian.Uint64(trailer[0:8])
	entriesOffset := binary.LittleEndian.Uint64(trailer[8:16])

	if entriesOffset < uint64(len(Signature)) || entriesOffset > uint64(size-trailerSize) {
		return nil, ddberr.New(ddberr.ErrMalformedArchive, "entries_offset out of range")
	}

	blockLen := uint64(size-trailerSize) - entriesOffset
	compressed := make([]byte, blockLen)
	if _, err := ra.ReadAt(compressed, int64(entriesOffset)); err != nil {
		return nil, ddberr.Wrap(ddberr.ErrIO, "", err)
	}

	raw, err := compressor.DecompressAll(compressor.Deflate, compressed)
	if err != nil {
		return nil, ddberr.Wrap(ddberr.ErrMalformedArchive, "", err)
	}

	br := bufio.NewReader(bytes.NewReader(raw))
	var topLevel []*entry.Entry
	var consumed uint64
	for consumed < entryCount {
		e, err := entry.Decode(br)
		if err != nil {
			return nil, err
		}
		topLevel = append(topLevel, e)
		consumed += e.Count()
	}
	if consumed != entryCount {
		return nil, ddberr.New(ddberr.ErrMalformedArchive, "entry count mismatch")
	}

	r := &Reader{ra: ra, size: size, entryCount: entryCount, entriesOffset: entriesOffset, topLevel: topLevel}
	if err := r.validateBodyBounds(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) validateBodyBounds() error {
	for _, root := range r.topLevel {
		err := entry.Walk(root, func(_ string, e *entry.Entry) error {
			if e.Type != entry.File {
				return nil
			}
			bodyLen := e.Size
			if e.Compression != compressor.None {
				bodyLen = e.SizeCompressed
			}
			if e.Offset+bodyLen > r.entriesOffset {
				return ddberr.New(ddberr.ErrMalformedArchive,
					fmt.Sprintf("file %q body extends past entries_offset", e.Name))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Entries returns the archive's top-level entry list.
func (r *Reader) Entries() []*entry.Entry {
	return r.topLevel
}

// EntryCount returns the total number of entries (including nested ones).
func (r *Reader) EntryCount() uint64 {
	return r.entryCount
}

// Find descends path (slash-separated, relative to the archive root),
// failing with ErrNotFound if any component doesn't match or a non-final
// component isn't a Directory.
func (r *Reader) Find(path string) (*entry.Entry, error) {
	components := strings.Split(strings.Trim(path, "/"), "/")
	e := entry.Find(r.topLevel, components)
	if e == nil {
		return nil, ddberr.New(ddberr.ErrNotFound, path)
	}
	return e, nil
}

// OpenFileReader returns a streaming reader over e's body. For a plain
// (non-chunked) File entry it decompresses in place; for a chunk-
// referenced entry it reads the chunk-id list from the archive body and
// resolves each id through resolver, concatenating chunk payloads in
// order. resolver may be nil if e is known not to be chunked.
func (r *Reader) OpenFileReader(e *entry.Entry, resolver ChunkResolver) (io.ReadCloser, error) {
	if e.Type != entry.File {
		return nil, ddberr.New(ddberr.ErrInvalidArgument, "not a file entry")
	}

	if e.IsChunked() {
		return r.openChunkedReader(e, resolver)
	}

	bodyLen := e.Size
	if e.Compression != compressor.None {
		bodyLen = e.SizeCompressed
	}
	sec := io.NewSectionReader(r.ra, int64(e.Offset), int64(bodyLen))

	dec, err := compressor.NewDecoder(e.Compression, sec)
	if err != nil {
		return nil, err
	}
	return dec, nil
}

func (r *Reader) openChunkedReader(e *entry.Entry, resolver ChunkResolver) (io.ReadCloser, error) {
	if resolver == nil {
		return nil, ddberr.New(ddberr.ErrInvalidArgument, "chunked file requires a ChunkResolver")
	}

	ids, err := r.ChunkIDs(e)
	if err != nil {
		return nil, err
	}
	return &chunkedReader{resolver: resolver, ids: ids}, nil
}

// ChunkIDs reads a chunked File entry's body region and returns its
// ordered list of chunk ids, without resolving them. Used by callers that
// need to walk chunk references themselves — e.g. releasing them on
// archive deletion — rather than stream the reassembled file.
func (r *Reader) ChunkIDs(e *entry.Entry) ([]chunk.ID, error) {
	if !e.IsChunked() {
		return nil, ddberr.New(ddberr.ErrInvalidArgument, "entry is not chunked")
	}

	n := e.Size / chunk.IDSize
	ids := make([]chunk.ID, n)
	sec := io.NewSectionReader(r.ra, int64(e.Offset), int64(e.Size))
	buf := make([]byte, chunk.IDSize)
	for i := uint64(0); i < n; i++ {
		if _, err := io.ReadFull(sec, buf); err != nil {
			return nil, ddberr.Wrap(ddberr.ErrMalformedArchive, e.Name, err)
		}
		copy(ids[i][:], buf)
	}
	return ids, nil
}

// chunkedReader concatenates chunk payloads in order, fetching each one
// lazily as the previous is exhausted.
type chunkedReader struct {
	resolver ChunkResolver
	ids      []chunk.ID
	idx      int
	cur      []byte
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	for len(c.cur) == 0 {
		if c.idx >= len(c.ids) {
			return 0, io.EOF
		}
		data, err := c.resolver.Get(c.ids[c.idx])
		if err != nil {
			return 0, err
		}
		c.idx++
		c.cur = data
	}
	n := copy(p, c.cur)
	c.cur = c.cur[n:]
	return n, nil
}

func (c *chunkedReader) Close() error {
	c.cur = nil
	c.idx = len(c.ids)
	return nil
}
