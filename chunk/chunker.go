package chunk

import (
	"io"

	"github.com/0x7d8/ddup-bak-go/ddberr"
)

// Chunk is one emitted content-addressed byte range.
type Chunk struct {
	ID         ID
	FullDigest [FullDigestSize]byte
	Data       []byte
}

// Chunker splits a stream into fixed-size chunks, emitting exactly
// chunkSize bytes per chunk except for a possibly-shorter final chunk. It
// is lazy (reads only as Next is called) and non-restartable.
type Chunker struct {
	r         io.Reader
	chunkSize int
	done      bool
}

// New returns a Chunker reading from r in chunkSize-byte pieces. chunkSize
// must be positive.
func New(r io.Reader, chunkSize int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, ddberr.New(ddberr.ErrInvalidArgument, "chunk size must be positive")
	}
	return &Chunker{r: r, chunkSize: chunkSize}, nil
}

// Next reads and returns the next chunk, or io.EOF once the stream is
// exhausted.
func (c *Chunker) Next() (Chunk, error) {
	if c.done {
		return Chunk{}, io.EOF
	}

	buf := make([]byte, c.chunkSize)
	n, err := io.ReadFull(c.r, buf)
	switch err {
	case nil:
		// full chunk; more may follow
	case io.ErrUnexpectedEOF:
		c.done = true
		buf = buf[:n]
	case io.EOF:
		c.done = true
		return Chunk{}, io.EOF
	default:
		return Chunk{}, ddberr.Wrap(ddberr.ErrIO, "", err)
	}

	id, full := Digest(buf)
	return Chunk{ID: id, FullDigest: full, Data: buf}, nil
}

// All drains the chunker, returning every chunk in order. Convenience for
// callers (tests, small files) that don't need streaming.
func All(r io.Reader, chunkSize int) ([]Chunk, error) {
	c, err := New(r, chunkSize)
	if err != nil {
		return nil, err
	}
	var out []Chunk
	for {
		ch, err := c.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
}
