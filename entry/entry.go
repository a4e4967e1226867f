// Package entry implements the archive's tagged entry model (spec §4.B):
// a common header shared by File, Directory and Symlink variants, each
// serialised with the layout described there. Mirrors the flat, switch-on-
// type shape of the teacher's own Inode struct (inode.go) rather than a
// Go interface per variant — SquashFS doesn't model File/Directory/Symlink
// as separate types either, it keeps one struct and only looks at the
// fields relevant to ino.Type.
package entry

import (
	"io/fs"
	"sort"

	"github.com/0x7d8/ddup-bak-go/compressor"
)

// Type is the 2-bit entry_type tag.
type Type uint8

const (
	File Type = iota
	Directory
	Symlink
)

func (t Type) String() string {
	switch t {
	case File:
		return "File"
	case Directory:
		return "Directory"
	case Symlink:
		return "Symlink"
	default:
		return "Unknown"
	}
}

// Entry is one node of an archive's directory tree.
type Entry struct {
	// Common header (spec §4.B)
	Name        string
	Mode        uint32 // 26-bit packed POSIX mode (permission + setuid/setgid/sticky)
	Type        Type
	Compression compressor.Format
	UID         uint32
	GID         uint32
	MTime       uint64

	// File variant
	Size           uint64 // uncompressed size, or chunk-id-list byte length when chunked
	SizeCompressed uint64 // present iff Compression != None
	SizeReal       uint64 // logical size for dedup bookkeeping; see IsChunked
	Offset         uint64 // absolute byte offset of the body in the archive

	// Directory variant
	Children []*Entry

	// Symlink variant
	Target    string
	TargetDir bool
}

// IsChunked reports whether this File entry's body is a concatenated list
// of 32-byte chunk ids rather than raw/compressed bytes in place: such an
// entry records a SizeReal that differs from its Size.
func (e *Entry) IsChunked() bool {
	return e.Type == File && e.SizeReal != e.Size
}

// FSMode returns a complete fs.FileMode for this entry (permission bits
// plus the type bit appropriate to Type).
func (e *Entry) FSMode() fs.FileMode {
	m := modeToFS(e.Mode)
	switch e.Type {
	case Directory:
		m |= fs.ModeDir
	case Symlink:
		m |= fs.ModeSymlink
	}
	return m
}

// NewFile constructs a File entry. sizeReal defaults to size when chunking
// isn't used by the caller (set it explicitly for chunk-referenced bodies).
func NewFile(name string, mode fs.FileMode, uid, gid uint32, mtime uint64, size uint64) *Entry {
	return &Entry{
		Name:     name,
		Mode:     modeFromFS(mode),
		Type:     File,
		UID:      uid,
		GID:      gid,
		MTime:    mtime,
		Size:     size,
		SizeReal: size,
	}
}

// NewDirectory constructs an empty Directory entry.
func NewDirectory(name string, mode fs.FileMode, uid, gid uint32, mtime uint64) *Entry {
	return &Entry{
		Name:  name,
		Mode:  modeFromFS(mode),
		Type:  Directory,
		UID:   uid,
		GID:   gid,
		MTime: mtime,
	}
}

// NewSymlink constructs a Symlink entry.
func NewSymlink(name string, mode fs.FileMode, uid, gid uint32, mtime uint64, target string, targetDir bool) *Entry {
	return &Entry{
		Name:      name,
		Mode:      modeFromFS(mode),
		Type:      Symlink,
		UID:       uid,
		GID:       gid,
		MTime:     mtime,
		Target:    target,
		TargetDir: targetDir,
	}
}

// SortChildren orders a directory's children by byte-wise name comparison,
// the locale-independent ordering the archive writer uses (spec §4.C) so
// two runs over identical input produce byte-identical archives.
func (e *Entry) SortChildren() {
	sort.Slice(e.Children, func(i, j int) bool {
		return e.Children[i].Name < e.Children[j].Name
	})
}

// Count returns the number of entries a depth-first walk of e (e included)
// would visit — used to cross-check the archive trailer's entry_count.
func (e *Entry) Count() uint64 {
	n := uint64(1)
	for _, c := range e.Children {
		n += c.Count()
	}
	return n
}

// VisitFunc is called once per entry during Walk, receiving the slash-
// joined relative path from the walk root.
type VisitFunc func(path string, e *Entry) error

// Walk performs a depth-first, pre-order traversal of root and its
// descendants, mirroring fs.WalkDir's shape on the decoded entry forest.
// Exported because every consumer of a decoded archive (restorer,
// repository.DeleteArchive) needs the same traversal.
func Walk(root *Entry, fn VisitFunc) error {
	return walk("", root, fn)
}

func walk(prefix string, e *Entry, fn VisitFunc) error {
	p := e.Name
	if prefix != "" {
		p = prefix + "/" + e.Name
	}
	if err := fn(p, e); err != nil {
		return err
	}
	for _, c := range e.Children {
		if err := walk(p, c, fn); err != nil {
			return err
		}
	}
	return nil
}

// Find descends a top-level entry list by splitting path on "/", returning
// the matching entry or nil if any component doesn't match or a non-final
// component isn't a Directory.
func Find(topLevel []*Entry, components []string) *Entry {
	siblings := topLevel
	var cur *Entry

	for _, name := range components {
		if name == "" {
			continue
		}
		if cur != nil && cur.Type != Directory {
			return nil
		}

		var next *Entry
		for _, c := range siblings {
			if c.Name == name {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
		siblings = cur.Children
	}

	return cur
}
