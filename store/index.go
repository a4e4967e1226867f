package store

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/google/renameio"

	"github.com/0x7d8/ddup-bak-go/chunk"
	"github.com/0x7d8/ddup-bak-go/ddberr"
	"github.com/0x7d8/ddup-bak-go/internal/varint"
)

// indexMagic is the 8-byte signature at the start of index.bin (spec §6).
var indexMagic = [8]byte{'D', 'D', 'U', 'P', 'I', 'D', 'X', 0x01}

type indexRecord struct {
	ID       chunk.ID
	Refcount uint64
	Length   uint64
}

// encodeIndex serialises records into the index.bin wire format: magic,
// u64 LE entry_count, then each record as {32 bytes id, varint refcount,
// varint length}.
func encodeIndex(records []indexRecord) []byte {
	var buf bytes.Buffer
	buf.Write(indexMagic[:])

	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(records)))
	buf.Write(countBuf[:])

	for _, r := range records {
		buf.Write(r.ID[:])
		varint.WriteU64(&buf, r.Refcount)
		varint.WriteU64(&buf, r.Length)
	}

	return buf.Bytes()
}

// decodeIndex parses the index.bin wire format produced by encodeIndex.
func decodeIndex(data []byte) ([]indexRecord, error) {
	if len(data) < 16 || !bytes.Equal(data[:8], indexMagic[:]) {
		return nil, ddberr.New(ddberr.ErrMalformedArchive, "bad index magic")
	}

	count := binary.LittleEndian.Uint64(data[8:16])
	r := bufio.NewReader(bytes.NewReader(data[16:]))

	records := make([]indexRecord, 0, count)
	for i := uint64(0); i < count; i++ {
		var rec indexRecord
		if _, err := io.ReadFull(r, rec.ID[:]); err != nil {
			return nil, ddberr.New(ddberr.ErrMalformedArchive, "truncated index")
		}
		refcount, err := varint.ReadU64(r)
		if err != nil {
			return nil, err
		}
		length, err := varint.ReadU64(r)
		if err != nil {
			return nil, err
		}
		rec.Refcount, rec.Length = refcount, length
		records = append(records, rec)
	}

	return records, nil
}

// saveIndexAtomic persists records to path, never mutating path in place:
// renameio writes to a sibling temp file, fsyncs, and renames over path —
// the same pattern distr1-distri uses (github.com/google/renameio) for
// every durable file it writes. A .bak copy of the previous index is kept
// alongside for the "non-fatal corruption" recovery path in repository.Open.
func saveIndexAtomic(path string, records []indexRecord) error {
	if data, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", data, 0644)
	}
	return renameio.WriteFile(path, encodeIndex(records), 0644)
}

func loadIndex(path string) ([]indexRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ddberr.Wrap(ddberr.ErrIO, path, err)
	}

	records, err := decodeIndex(data)
	if err == nil {
		return records, nil
	}

	// index corruption on open is non-fatal if a recent .bak exists (spec §7).
	bak, bakErr := os.ReadFile(path + ".bak")
	if bakErr != nil {
		return nil, err
	}
	records, bakDecodeErr := decodeIndex(bak)
	if bakDecodeErr != nil {
		return nil, err
	}
	return records, nil
}
