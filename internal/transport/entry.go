package transport

import (
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/sftp"
)

// EntryType classifies a remote directory entry.
type EntryType int

const (
	TypeRegular EntryType = iota
	TypeDirectory
	TypeSymlink
	TypeSpecial
	TypeSocket
	TypeDevice
	TypeFIFO
)

var entryTypeNames = [...]string{
	TypeRegular:   "regular",
	TypeDirectory: "directory",
	TypeSymlink:   "symlink",
	TypeSpecial:   "special",
	TypeSocket:    "socket",
	TypeDevice:    "device",
	TypeFIFO:      "fifo",
}

func (t EntryType) String() string {
	if t >= 0 && int(t) < len(entryTypeNames) {
		return entryTypeNames[t]
	}
	return "unknown"
}

// Timestamp is a seconds + nanoseconds pair as reported by the remote.
type Timestamp struct {
	Sec  int64
	Nsec int64
}

// Time converts the timestamp to a time.Time. The zero Timestamp maps to
// the zero time.
func (ts Timestamp) Time() time.Time {
	if ts.Sec == 0 && ts.Nsec == 0 {
		return time.Time{}
	}
	return time.Unix(ts.Sec, ts.Nsec)
}

// TimestampOf converts t into a Timestamp.
func TimestampOf(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	return Timestamp{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// DirectoryEntry describes one remote filesystem entry.
type DirectoryEntry struct {
	Path       string // full remote path
	Name       string // display name (base name)
	LinkTarget string
	Owner      string
	Group      string
	ACL        string
	ATime      Timestamp
	MTime      Timestamp
	CTime      Timestamp
	Size       int64
	Mode       os.FileMode // permission bits only
	UID        uint32
	GID        uint32
	Type       EntryType
}

// IsDir reports whether the entry is a directory.
func (e DirectoryEntry) IsDir() bool { return e.Type == TypeDirectory }

// IsRegular reports whether the entry is a regular file.
func (e DirectoryEntry) IsRegular() bool { return e.Type == TypeRegular }

func entryTypeOf(mode os.FileMode) EntryType {
	switch {
	case mode.IsDir():
		return TypeDirectory
	case mode&os.ModeSymlink != 0:
		return TypeSymlink
	case mode&os.ModeSocket != 0:
		return TypeSocket
	case mode&(os.ModeDevice|os.ModeCharDevice) != 0:
		return TypeDevice
	case mode&os.ModeNamedPipe != 0:
		return TypeFIFO
	case mode.IsRegular():
		return TypeRegular
	default:
		return TypeSpecial
	}
}

// entryFromInfo converts info for the entry at fullPath, pulling owner and
// timestamps from whichever backend-specific Sys() value is present.
func entryFromInfo(fullPath string, info os.FileInfo) DirectoryEntry {
	entry := DirectoryEntry{
		Path:  fullPath,
		Name:  info.Name(),
		Type:  entryTypeOf(info.Mode()),
		Size:  info.Size(),
		Mode:  info.Mode().Perm() | (info.Mode() & (os.ModeSetuid | os.ModeSetgid | os.ModeSticky)),
		MTime: TimestampOf(info.ModTime()),
	}
	if entry.Name == "" || entry.Name == "." {
		entry.Name = path.Base(fullPath)
	}

	switch st := info.Sys().(type) {
	case *sftp.FileStat:
		entry.UID = st.UID
		entry.GID = st.GID
		entry.ATime = Timestamp{Sec: int64(st.Atime)}
		entry.MTime = Timestamp{Sec: int64(st.Mtime)}
		for _, ext := range st.Extended {
			if strings.Contains(strings.ToLower(ext.ExtType), "acl") {
				entry.ACL = ext.ExtData
			}
		}
	case *syscall.Stat_t:
		fillStatFields(st, &entry)
	}
	return entry
}
