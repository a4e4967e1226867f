//go:build windows

package archiver

import "io/fs"

// Windows has no POSIX uid/gid; entries are archived as owned by 0/0.
func uidOf(info fs.FileInfo) uint32 { return 0 }

func gidOf(info fs.FileInfo) uint32 { return 0 }
