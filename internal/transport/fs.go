package transport

import (
	"io"
	"os"
	"os/user"
	"strconv"
	"sync"
)

// FS is the blocking protocol surface of one remote connection. A Session
// serializes every call onto its strand; implementations need not be safe
// for concurrent use.
type FS interface {
	ReadDir(p string) ([]os.FileInfo, error)
	Lstat(p string) (os.FileInfo, error)
	ReadLink(p string) (string, error)
	OpenFile(p string, flag int) (RemoteFile, error)
	Close() error
}

// RemoteFile is an open file on an FS. *sftp.File and *os.File satisfy it.
type RemoteFile interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	Stat() (os.FileInfo, error)
}

// OwnerResolver is implemented by backends that can map numeric ids to
// account names.
type OwnerResolver interface {
	LookupOwner(uid, gid uint32) (owner, group string)
}

// Keepaliver is implemented by backends whose connection needs periodic
// traffic to stay open.
type Keepaliver interface {
	Keepalive() error
}

// Compile-time interface checks.
var (
	_ FS            = (*LocalFS)(nil)
	_ OwnerResolver = (*LocalFS)(nil)
)

// LocalFS serves the local filesystem through the FS interface. It backs
// "local" sessions and stands in for a remote host in tests.
type LocalFS struct {
	mu     sync.Mutex
	users  map[uint32]string
	groups map[uint32]string
}

// NewLocalFS returns a LocalFS.
func NewLocalFS() *LocalFS {
	return &LocalFS{
		users:  make(map[uint32]string),
		groups: make(map[uint32]string),
	}
}

func (*LocalFS) ReadDir(p string) ([]os.FileInfo, error) {
	dirents, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			// Entry vanished between readdir and lstat.
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (*LocalFS) Lstat(p string) (os.FileInfo, error) { return os.Lstat(p) }

func (*LocalFS) ReadLink(p string) (string, error) { return os.Readlink(p) }

//nolint:ireturn // implements FS
func (*LocalFS) OpenFile(p string, flag int) (RemoteFile, error) {
	return os.OpenFile(p, flag, 0o644) //nolint:gosec // caller-controlled path by design of the backend
}

func (*LocalFS) Close() error { return nil }

// LookupOwner resolves uid/gid to names, caching results.
func (l *LocalFS) LookupOwner(uid, gid uint32) (string, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner, ok := l.users[uid]
	if !ok {
		if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
			owner = u.Username
		}
		l.users[uid] = owner
	}
	group, ok := l.groups[gid]
	if !ok {
		if g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10)); err == nil {
			group = g.Name
		}
		l.groups[gid] = group
	}
	return owner, group
}
