package archiver_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/0x7d8/ddup-bak-go/archive"
	"github.com/0x7d8/ddup-bak-go/archiver"
	"github.com/0x7d8/ddup-bak-go/chunk"
	"github.com/0x7d8/ddup-bak-go/entry"
)

type memPutter struct {
	data map[chunk.ID][]byte
}

func newMemPutter() *memPutter { return &memPutter{data: make(map[chunk.ID][]byte)} }

func (m *memPutter) Put(data []byte) (chunk.ID, error) {
	cp := make([]byte, len(data))
	copy(cp, data)
	id, _ := chunk.Digest(cp)
	m.data[id] = cp
	return id, nil
}

func (m *memPutter) Get(id chunk.ID) ([]byte, error) { return m.data[id], nil }

func writeTree(t *testing.T, root string) {
	t.Helper()
	mustWrite := func(rel, content string) {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("small.txt", "hi")
	mustWrite("sub/dir/big.bin", string(bytes.Repeat([]byte("x"), 50)))
	if err := os.Symlink("small.txt", filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}
}

func TestRunArchivesSmallAndChunkedFiles(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)

	var buf bytes.Buffer
	aw, err := archive.New(&buf)
	if err != nil {
		t.Fatalf("New: %s", err)
	}

	putter := newMemPutter()
	opts := archiver.Options{
		Threads:         2,
		ChunkSize:       16,
		SmallFileChunks: 1,
	}

	topLevel, err := archiver.Run(context.Background(), src, aw, putter, opts)
	if err != nil {
		t.Fatalf("Run: %s", err)
	}
	if err := aw.Finalize(topLevel); err != nil {
		t.Fatalf("Finalize: %s", err)
	}

	data := buf.Bytes()
	r, err := archive.Open(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Open: %s", err)
	}

	small, err := r.Find("small.txt")
	if err != nil {
		t.Fatalf("Find small.txt: %s", err)
	}
	if small.IsChunked() {
		t.Errorf("expected small.txt to be stored inline")
	}

	big, err := r.Find("sub/dir/big.bin")
	if err != nil {
		t.Fatalf("Find big.bin: %s", err)
	}
	if !big.IsChunked() {
		t.Errorf("expected big.bin to be chunked")
	}

	link, err := r.Find("link")
	if err != nil {
		t.Fatalf("Find link: %s", err)
	}
	if link.Type != entry.Symlink || link.Target != "small.txt" {
		t.Errorf("unexpected symlink entry: %+v", link)
	}

	var names []string
	for _, e := range r.Entries() {
		names = append(names, e.Name)
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for i := range names {
		if names[i] != sorted[i] {
			t.Errorf("top-level entries not sorted: %v", names)
			break
		}
	}
}

func TestRunSkipsIgnoredNames(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "keep.txt"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(src, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, ".git", "HEAD"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	aw, _ := archive.New(&buf)
	putter := newMemPutter()

	topLevel, err := archiver.Run(context.Background(), src, aw, putter, archiver.Options{
		ChunkSize: 16,
		Ignored:   map[string]struct{}{".git": {}},
	})
	if err != nil {
		t.Fatalf("Run: %s", err)
	}
	if len(topLevel) != 1 || topLevel[0].Name != "keep.txt" {
		t.Fatalf("expected only keep.txt, got %v", topLevel)
	}
}
