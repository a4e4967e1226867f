package store_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/0x7d8/ddup-bak-go/chunk"
	"github.com/0x7d8/ddup-bak-go/ddberr"
	"github.com/0x7d8/ddup-bak-go/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Create(filepath.Join(dir, "chunks"), filepath.Join(dir, "index.bin"))
	if err != nil {
		t.Fatalf("Create: %s", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Put([]byte("hello"))
	if err != nil {
		t.Fatalf("Put: %s", err)
	}

	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q want %q", got, "hello")
	}

	if rc, ok := s.Refcount(id); !ok || rc != 1 {
		t.Errorf("expected refcount 1, got %d (ok=%v)", rc, ok)
	}
}

func TestPutDedupIncrementsRefcount(t *testing.T) {
	s := newTestStore(t)

	id1, _ := s.Put([]byte("same"))
	id2, _ := s.Put([]byte("same"))
	if id1 != id2 {
		t.Fatalf("expected identical ids for identical content")
	}

	rc, _ := s.Refcount(id1)
	if rc != 2 {
		t.Errorf("expected refcount 2, got %d", rc)
	}
}

func TestGetMissingChunk(t *testing.T) {
	s := newTestStore(t)
	var id chunk.ID
	_, err := s.Get(id)
	if !errors.Is(err, ddberr.ErrChunkMissing) {
		t.Fatalf("expected ErrChunkMissing, got %v", err)
	}
}

func TestReleaseThenClean(t *testing.T) {
	s := newTestStore(t)

	id, _ := s.Put([]byte("orphan"))
	if err := s.Release(id, 1); err != nil {
		t.Fatalf("Release: %s", err)
	}

	rc, _ := s.Refcount(id)
	if rc != 0 {
		t.Fatalf("expected refcount 0 after release, got %d", rc)
	}

	// not deleted until Clean runs
	if _, err := s.Get(id); err != nil {
		t.Fatalf("expected chunk still readable before Clean: %s", err)
	}

	var seen []chunk.ID
	err := s.Clean(func(id chunk.ID, deleted bool) {
		if deleted {
			seen = append(seen, id)
		}
	})
	if err != nil {
		t.Fatalf("Clean: %s", err)
	}
	if len(seen) != 1 || seen[0] != id {
		t.Fatalf("expected Clean to report deletion of %s, got %v", id, seen)
	}

	if _, err := s.Get(id); !errors.Is(err, ddberr.ErrChunkMissing) {
		t.Fatalf("expected ErrChunkMissing after Clean, got %v", err)
	}
}

func TestCleanPreservesLiveChunks(t *testing.T) {
	s := newTestStore(t)

	live, _ := s.Put([]byte("live"))
	orphan, _ := s.Put([]byte("orphan"))
	s.Release(orphan, 1)

	if err := s.Clean(nil); err != nil {
		t.Fatalf("Clean: %s", err)
	}

	if _, err := s.Get(live); err != nil {
		t.Errorf("expected live chunk to survive Clean: %s", err)
	}
	if _, err := s.Get(orphan); !errors.Is(err, ddberr.ErrChunkMissing) {
		t.Errorf("expected orphan chunk removed by Clean")
	}
}

func TestSaveAndReopen(t *testing.T) {
	dir := t.TempDir()
	chunksDir := filepath.Join(dir, "chunks")
	indexPath := filepath.Join(dir, "index.bin")

	s, err := store.Create(chunksDir, indexPath)
	if err != nil {
		t.Fatalf("Create: %s", err)
	}
	id, _ := s.Put([]byte("persisted"))
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %s", err)
	}

	reopened, err := store.Open(chunksDir, indexPath)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	rc, ok := reopened.Refcount(id)
	if !ok || rc != 1 {
		t.Fatalf("expected refcount 1 after reopen, got %d (ok=%v)", rc, ok)
	}
	data, err := reopened.Get(id)
	if err != nil || string(data) != "persisted" {
		t.Fatalf("Get after reopen: %q, %v", data, err)
	}
}

func TestCreateFailsIfIndexExists(t *testing.T) {
	dir := t.TempDir()
	chunksDir := filepath.Join(dir, "chunks")
	indexPath := filepath.Join(dir, "index.bin")

	if _, err := store.Create(chunksDir, indexPath); err != nil {
		t.Fatalf("Create: %s", err)
	}
	_, err := store.Create(chunksDir, indexPath)
	if !errors.Is(err, ddberr.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}
