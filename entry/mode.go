package entry

import "io/fs"

// Adapted from github.com/KarpelesLab/squashfs's mode.go. The teacher
// packs a file-type tag into the same word as permission bits (because
// SquashFS's Type field is a separate inode concept from Unix S_IFMT); this
// format already carries entry_type as its own 2-bit field, so only the
// permission and special bits (setuid/setgid/sticky) need converting here.
const (
	sISVTX = 0x200
	sISGID = 0x400
	sISUID = 0x800
)

// modeToFS converts the 26-bit packed POSIX mode (permission bits plus
// setuid/setgid/sticky) into an fs.FileMode carrying only those bits — the
// caller is expected to OR in the type bits separately via Entry.FSMode().
func modeToFS(mode uint32) fs.FileMode {
	res := fs.FileMode(mode & 0777)

	if mode&sISGID == sISGID {
		res |= fs.ModeSetgid
	}
	if mode&sISUID == sISUID {
		res |= fs.ModeSetuid
	}
	if mode&sISVTX == sISVTX {
		res |= fs.ModeSticky
	}

	return res
}

// modeFromFS is the inverse of modeToFS: it extracts the 26-bit packed
// POSIX mode from an fs.FileMode, dropping any type bits.
func modeFromFS(mode fs.FileMode) uint32 {
	res := uint32(mode.Perm())

	if mode&fs.ModeSetgid == fs.ModeSetgid {
		res |= sISGID
	}
	if mode&fs.ModeSetuid == fs.ModeSetuid {
		res |= sISUID
	}
	if mode&fs.ModeSticky == fs.ModeSticky {
		res |= sISVTX
	}

	return res
}
