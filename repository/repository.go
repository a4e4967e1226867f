// Package repository ties the chunk store, archive codec, archiver and
// restorer together into the on-disk layout described in spec §6:
// <root>/index.bin, <root>/chunks/, <root>/archives/<name>.ddup. Grounded
// on the teacher's (github.com/KarpelesLab/squashfs) super.go: a single
// New()-style constructor that opens/validates a root structure before any
// other operation is allowed, the same "load header, validate, hand back a
// ready-to-use handle" shape used here for index.bin.
package repository

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/0x7d8/ddup-bak-go/archive"
	"github.com/0x7d8/ddup-bak-go/archiver"
	"github.com/0x7d8/ddup-bak-go/chunk"
	"github.com/0x7d8/ddup-bak-go/ddberr"
	"github.com/0x7d8/ddup-bak-go/entry"
	"github.com/0x7d8/ddup-bak-go/restorer"
	"github.com/0x7d8/ddup-bak-go/store"
)

const archiveSuffix = ".ddup"

// Repository is a handle onto a root directory holding a chunk store and a
// collection of archives.
type Repository struct {
	rootDir     string
	archivesDir string
	chunkSize   int
	maxChunks   int
	ignored     map[string]struct{}

	store      *store.Store
	saveOnDrop bool
}

// Create initialises a brand-new repository at rootDir, failing with
// ErrAlreadyExists if rootDir is non-empty. chunkSize and maxChunksPerFile
// govern how create_archive splits files; ignored is a set of path
// component names skipped by the walker (spec §4.H: "gitignore-style
// globs; exact component match suffices for the minimum requirement").
func Create(rootDir string, chunkSize, maxChunksPerFile int, ignored map[string]struct{}) (*Repository, error) {
	if chunkSize <= 0 {
		return nil, ddberr.New(ddberr.ErrInvalidArgument, "chunk size must be positive")
	}
	if nonEmpty, err := dirNonEmpty(rootDir); err != nil {
		return nil, err
	} else if nonEmpty {
		return nil, ddberr.New(ddberr.ErrAlreadyExists, rootDir)
	}

	archivesDir := filepath.Join(rootDir, "archives")
	if err := os.MkdirAll(archivesDir, 0755); err != nil {
		return nil, ddberr.Wrap(ddberr.ErrIO, archivesDir, err)
	}

	chunksDir := filepath.Join(rootDir, "chunks")
	indexPath := filepath.Join(rootDir, "index.bin")
	st, err := store.Create(chunksDir, indexPath)
	if err != nil {
		return nil, err
	}

	return &Repository{
		rootDir:     rootDir,
		archivesDir: archivesDir,
		chunkSize:   chunkSize,
		maxChunks:   maxChunksPerFile,
		ignored:     ignored,
		store:       st,
	}, nil
}

// Open loads an existing repository's index. chunksDir overrides the
// default <root>/chunks location when non-empty, letting several
// repositories share one chunk pool (spec §4.H: "allow external chunks
// directory for shared pools").
func Open(rootDir, chunksDir string) (*Repository, error) {
	if chunksDir == "" {
		chunksDir = filepath.Join(rootDir, "chunks")
	}
	indexPath := filepath.Join(rootDir, "index.bin")

	st, err := store.Open(chunksDir, indexPath)
	if err != nil {
		return nil, err
	}

	archivesDir := filepath.Join(rootDir, "archives")
	if err := os.MkdirAll(archivesDir, 0755); err != nil {
		return nil, ddberr.Wrap(ddberr.ErrIO, archivesDir, err)
	}

	return &Repository{
		rootDir:     rootDir,
		archivesDir: archivesDir,
		chunkSize:   0,
		ignored:     nil,
		store:       st,
	}, nil
}

// SetChunkSize overrides the chunk size/threshold used by CreateArchive,
// useful after Open (which doesn't persist these, per spec §6's index.bin
// layout carrying no chunk_size field).
func (r *Repository) SetChunkSize(chunkSize, maxChunksPerFile int) {
	r.chunkSize = chunkSize
	r.maxChunks = maxChunksPerFile
}

// SetIgnored overrides the ignored-path-component set used by
// CreateArchive.
func (r *Repository) SetIgnored(ignored map[string]struct{}) {
	r.ignored = ignored
}

// SetSaveOnDrop arranges for Save to run (errors logged, not propagated)
// when the Repository is garbage collected, mirroring spec §4.H's
// save_on_drop flag. Close is the preferred, deterministic way to flush;
// this is a backstop for callers that forget.
func (r *Repository) SetSaveOnDrop(v bool) {
	r.saveOnDrop = v
	if v {
		runtime.SetFinalizer(r, func(r *Repository) {
			if err := r.Save(); err != nil {
				log.Printf("ddup-bak: save on drop failed for %s: %s", r.rootDir, err)
			}
		})
	} else {
		runtime.SetFinalizer(r, nil)
	}
}

// Save persists the chunk index atomically.
func (r *Repository) Save() error {
	return r.store.Save()
}

// Close flushes the index if save_on_drop is set and releases the
// finalizer.
func (r *Repository) Close() error {
	runtime.SetFinalizer(r, nil)
	if r.saveOnDrop {
		return r.Save()
	}
	return nil
}

// ListArchives returns every archive name under archives_dir, the
// filename's .ddup suffix stripped.
func (r *Repository) ListArchives() ([]string, error) {
	des, err := os.ReadDir(r.archivesDir)
	if err != nil {
		return nil, ddberr.Wrap(ddberr.ErrIO, r.archivesDir, err)
	}
	var names []string
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), archiveSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(de.Name(), archiveSuffix))
	}
	sort.Strings(names)
	return names, nil
}

func (r *Repository) archivePath(name string) string {
	return filepath.Join(r.archivesDir, name+archiveSuffix)
}

// GetArchive opens name for reading.
func (r *Repository) GetArchive(name string) (*archive.Reader, func() error, error) {
	path := r.archivePath(name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ddberr.New(ddberr.ErrNotFound, name)
		}
		return nil, nil, ddberr.Wrap(ddberr.ErrIO, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, ddberr.Wrap(ddberr.ErrIO, path, err)
	}
	rd, err := archive.Open(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return rd, f.Close, nil
}

// CreateArchive runs the parallel archiver pipeline (spec §4.I), writing
// name.ddup under archives_dir. compressionCB chooses a format per file;
// a nil compressionCB stores everything uncompressed. On cancellation or
// failure, the partial archive file is discarded (spec §4.I).
func (r *Repository) CreateArchive(ctx context.Context, name, sourceDir string, compressionCB archiver.CompressionFunc, archivingCB func(path string), threads int) error {
	path := r.archivePath(name)
	if _, err := os.Stat(path); err == nil {
		return ddberr.New(ddberr.ErrAlreadyExists, name)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return ddberr.Wrap(ddberr.ErrIO, path, err)
	}

	aw, err := archive.New(f)
	if err != nil {
		f.Close()
		os.Remove(path)
		return err
	}

	topLevel, err := archiver.Run(ctx, sourceDir, aw, r.store, archiver.Options{
		Threads:          threads,
		ChunkSize:        r.chunkSize,
		SmallFileChunks:  1,
		MaxChunksPerFile: r.maxChunks,
		Ignored:          r.ignored,
		Compression:      compressionCB,
		Archiving:        archivingCB,
	})
	if err != nil {
		f.Close()
		os.Remove(path)
		return err
	}

	if err := aw.Finalize(topLevel); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return ddberr.Wrap(ddberr.ErrIO, path, err)
	}

	return r.store.Save()
}

// RestoreArchive runs the parallel restorer pipeline (spec §4.J), writing
// into <current_dir>/<name> by default (destDir empty), or destDir if
// given. Returns the directory actually used.
func (r *Repository) RestoreArchive(ctx context.Context, name, destDir string, progress restorer.ProgressFunc, threads int) (string, error) {
	rd, closeFn, err := r.GetArchive(name)
	if err != nil {
		return "", err
	}
	defer closeFn()

	if destDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", ddberr.Wrap(ddberr.ErrIO, "", err)
		}
		destDir = filepath.Join(cwd, name)
	}

	err = restorer.Run(ctx, rd, destDir, r.store, restorer.Options{
		Threads:  threads,
		Progress: progress,
	})
	if err != nil {
		return "", err
	}
	return destDir, nil
}

// DeleteArchive releases every chunk referenced by name's File entries,
// then unlinks the archive file. progress mirrors Clean's shape: called
// once per chunk reference release.
func (r *Repository) DeleteArchive(name string, progress store.CleanProgressFunc) error {
	rd, closeFn, err := r.GetArchive(name)
	if err != nil {
		return err
	}

	var walkErr error
	for _, root := range rd.Entries() {
		err := entry.Walk(root, func(_ string, e *entry.Entry) error {
			if e.Type != entry.File || !e.IsChunked() {
				return nil
			}
			return releaseChunkRefs(rd, r.store, e, progress)
		})
		if err != nil {
			walkErr = err
			break
		}
	}
	closeFn()
	if walkErr != nil {
		return walkErr
	}

	if err := r.store.Save(); err != nil {
		return err
	}

	path := r.archivePath(name)
	if err := os.Remove(path); err != nil {
		return ddberr.Wrap(ddberr.ErrIO, path, err)
	}
	return nil
}

func releaseChunkRefs(rd *archive.Reader, st *store.Store, e *entry.Entry, progress store.CleanProgressFunc) error {
	ids, err := rd.ChunkIDs(e)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := st.Release(id, 1); err != nil {
			return err
		}
		if progress != nil {
			rc, _ := st.Refcount(id)
			progress(id, rc == 0)
		}
	}
	return nil
}

// Clean sweeps the chunk store for zero-refcount chunks, deletes their
// backing files, and persists the updated index (spec §4.G/§4.H).
func (r *Repository) Clean(progress store.CleanProgressFunc) error {
	if err := r.store.Clean(progress); err != nil {
		return err
	}
	return r.store.Save()
}

// Stats reports aggregate chunk store counters (SPEC_FULL.md supplemented
// operation).
func (r *Repository) Stats() store.Stats {
	return r.store.Stats()
}

// VerifyChunk re-hashes a stored chunk's bytes, failing with
// ErrHashCollision if it no longer matches its id (SPEC_FULL.md
// supplemented operation).
func (r *Repository) VerifyChunk(id chunk.ID) error {
	return r.store.Verify(id)
}

// ArchiveInfo is a shallow summary of an archive, returned by Inspect
// without materialising any file bodies (SPEC_FULL.md supplemented
// operation).
type ArchiveInfo struct {
	Name          string
	SizeBytes     int64
	EntryCount    uint64
	TopLevelNames []string
}

// Inspect opens name just far enough to report its trailer fields and
// top-level entry names, backing the inspect CLI subcommand.
func (r *Repository) Inspect(name string) (ArchiveInfo, error) {
	path := r.archivePath(name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ArchiveInfo{}, ddberr.New(ddberr.ErrNotFound, name)
		}
		return ArchiveInfo{}, ddberr.Wrap(ddberr.ErrIO, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ArchiveInfo{}, ddberr.Wrap(ddberr.ErrIO, path, err)
	}

	rd, err := archive.Open(f, info.Size())
	if err != nil {
		return ArchiveInfo{}, err
	}

	names := make([]string, 0, len(rd.Entries()))
	for _, e := range rd.Entries() {
		names = append(names, e.Name)
	}

	return ArchiveInfo{
		Name:          name,
		SizeBytes:     info.Size(),
		EntryCount:    rd.EntryCount(),
		TopLevelNames: names,
	}, nil
}

func dirNonEmpty(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, ddberr.Wrap(ddberr.ErrIO, dir, err)
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, ddberr.Wrap(ddberr.ErrIO, dir, err)
	}
	return true, nil
}
