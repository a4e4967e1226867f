package archive_test

import (
	"bytes"
	"io"
	"io/fs"
	"testing"

	"github.com/0x7d8/ddup-bak-go/archive"
	"github.com/0x7d8/ddup-bak-go/chunk"
	"github.com/0x7d8/ddup-bak-go/compressor"
	"github.com/0x7d8/ddup-bak-go/entry"
)

type fakeResolver map[chunk.ID][]byte

func (f fakeResolver) Get(id chunk.ID) ([]byte, error) {
	return f[id], nil
}

func TestWriterReaderRoundTripPlain(t *testing.T) {
	var buf bytes.Buffer
	aw, err := archive.New(&buf)
	if err != nil {
		t.Fatalf("New: %s", err)
	}

	root := entry.NewDirectory("root", fs.ModeDir|0755, 0, 0, 1700000000)

	a := entry.NewFile("a.txt", 0644, 0, 0, 1700000001, 0)
	offset, size, sizeCompressed, err := aw.WriteFileBody(bytes.NewReader([]byte("hello")), compressor.None)
	if err != nil {
		t.Fatalf("WriteFileBody a.txt: %s", err)
	}
	a.Offset, a.Size, a.SizeCompressed, a.SizeReal = offset, size, sizeCompressed, size

	b := entry.NewFile("b.txt", 0644, 0, 0, 1700000002, 0)
	b.Compression = compressor.Gzip
	offset, size, sizeCompressed, err = aw.WriteFileBody(bytes.NewReader([]byte("world world world world")), compressor.Gzip)
	if err != nil {
		t.Fatalf("WriteFileBody b.txt: %s", err)
	}
	b.Offset, b.Size, b.SizeCompressed, b.SizeReal = offset, size, sizeCompressed, size

	root.Children = append(root.Children, a, b)
	root.SortChildren()

	if err := aw.Finalize([]*entry.Entry{root}); err != nil {
		t.Fatalf("Finalize: %s", err)
	}

	data := buf.Bytes()
	r, err := archive.Open(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Open: %s", err)
	}

	if r.EntryCount() != root.Count() {
		t.Fatalf("entry count mismatch: got %d want %d", r.EntryCount(), root.Count())
	}

	found, err := r.Find("root/a.txt")
	if err != nil {
		t.Fatalf("Find a.txt: %s", err)
	}
	rc, err := r.OpenFileReader(found, nil)
	if err != nil {
		t.Fatalf("OpenFileReader a.txt: %s", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "hello" {
		t.Errorf("a.txt contents = %q", got)
	}

	found, err = r.Find("root/b.txt")
	if err != nil {
		t.Fatalf("Find b.txt: %s", err)
	}
	rc, err = r.OpenFileReader(found, nil)
	if err != nil {
		t.Fatalf("OpenFileReader b.txt: %s", err)
	}
	got, _ = io.ReadAll(rc)
	rc.Close()
	if string(got) != "world world world world" {
		t.Errorf("b.txt contents = %q", got)
	}
}

func TestWriterReaderRoundTripChunked(t *testing.T) {
	var buf bytes.Buffer
	aw, err := archive.New(&buf)
	if err != nil {
		t.Fatalf("New: %s", err)
	}

	chunks, err := chunk.All(bytes.NewReader([]byte("helloworld")), 4)
	if err != nil {
		t.Fatalf("chunk.All: %s", err)
	}

	resolver := fakeResolver{}
	ids := make([]chunk.ID, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		resolver[c.ID] = c.Data
	}

	offset, size, err := aw.WriteChunkRefs(ids)
	if err != nil {
		t.Fatalf("WriteChunkRefs: %s", err)
	}

	f := entry.NewFile("big.bin", 0644, 0, 0, 1700000003, size)
	f.Offset = offset
	f.SizeReal = 10 // real uncompressed length of "helloworld"

	if err := aw.Finalize([]*entry.Entry{f}); err != nil {
		t.Fatalf("Finalize: %s", err)
	}

	data := buf.Bytes()
	r, err := archive.Open(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Open: %s", err)
	}

	found, err := r.Find("big.bin")
	if err != nil {
		t.Fatalf("Find: %s", err)
	}
	if !found.IsChunked() {
		t.Fatalf("expected chunked entry")
	}

	rc, err := r.OpenFileReader(found, resolver)
	if err != nil {
		t.Fatalf("OpenFileReader: %s", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("ReadAll: %s", err)
	}
	if string(got) != "helloworld" {
		t.Errorf("got %q want %q", got, "helloworld")
	}
}

func TestOpenRejectsBadSignature(t *testing.T) {
	data := bytes.Repeat([]byte{0}, 64)
	_, err := archive.Open(bytes.NewReader(data), int64(len(data)))
	if err == nil {
		t.Fatal("expected error for bad signature")
	}
}
