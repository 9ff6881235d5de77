//go:build darwin

package transport

import "syscall"

// fillStatFields copies ownership and timestamps from a local stat result.
func fillStatFields(stat *syscall.Stat_t, entry *DirectoryEntry) {
	entry.UID = stat.Uid
	entry.GID = stat.Gid
	entry.ATime = Timestamp{Sec: stat.Atimespec.Sec, Nsec: stat.Atimespec.Nsec}
	entry.MTime = Timestamp{Sec: stat.Mtimespec.Sec, Nsec: stat.Mtimespec.Nsec}
	entry.CTime = Timestamp{Sec: stat.Ctimespec.Sec, Nsec: stat.Ctimespec.Nsec}
}
