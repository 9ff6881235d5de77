//go:build linux

package transport

import "syscall"

// fillStatFields copies ownership and timestamps from a local stat result.
func fillStatFields(stat *syscall.Stat_t, entry *DirectoryEntry) {
	entry.UID = stat.Uid
	entry.GID = stat.Gid
	entry.ATime = Timestamp{Sec: stat.Atim.Sec, Nsec: stat.Atim.Nsec}
	entry.MTime = Timestamp{Sec: stat.Mtim.Sec, Nsec: stat.Mtim.Nsec}
	entry.CTime = Timestamp{Sec: stat.Ctim.Sec, Nsec: stat.Ctim.Nsec}
}
