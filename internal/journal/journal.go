// Package journal records completed files of a bulk download in SQLite so
// an interrupted transfer can skip them when it is enqueued again.
package journal

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

const flushThreshold = 64

// DB is a resume journal shared by every job on one host.
type DB struct {
	db   *sql.DB
	path string

	mu      sync.Mutex
	pending []record
	done    chan struct{}
	stopped bool
}

type record struct {
	job   string
	rel   string
	size  int64
	mtime int64
	hash  string
}

// DefaultPath returns $XDG_STATE_HOME/ferry/journal.db, falling back to
// ~/.local/state/ferry/journal.db.
func DefaultPath() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "ferry", "journal.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "ferry-journal.db")
	}
	return filepath.Join(home, ".local", "state", "ferry", "journal.db")
}

// Open opens (or creates) the journal at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	d := &DB{db: db, path: path, done: make(chan struct{})}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}

	go d.flushLoop()
	return d, nil
}

func (d *DB) init() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id      TEXT PRIMARY KEY,
			remote  TEXT NOT NULL,
			local   TEXT NOT NULL,
			created INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS files (
			job   TEXT NOT NULL,
			path  TEXT NOT NULL,
			size  INTEGER NOT NULL,
			mtime INTEGER NOT NULL,
			hash  TEXT NOT NULL,
			PRIMARY KEY (job, path)
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Path returns the journal file location.
func (d *DB) Path() string { return d.path }

// JobID derives a stable job identifier from the remote and local roots.
func JobID(remote, local string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(remote))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(local))
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// Job returns the journal for the (remote, local) pair, creating its row
// on first use.
func (d *DB) Job(remote, local string) (*Job, error) {
	id := JobID(remote, local)
	_, err := d.db.Exec(
		"INSERT OR IGNORE INTO jobs (id, remote, local, created) VALUES (?, ?, ?, ?)",
		id, remote, local, time.Now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("register job %s: %w", id, err)
	}
	return &Job{db: d, id: id}, nil
}

// Flush writes pending records.
func (d *DB) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *DB) flushLocked() error {
	if len(d.pending) == 0 {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.Prepare(
		"INSERT OR REPLACE INTO files (job, path, size, mtime, hash) VALUES (?, ?, ?, ?, ?)",
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range d.pending {
		if _, err := stmt.Exec(r.job, r.rel, r.size, r.mtime, r.hash); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert %s: %w", r.rel, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	clear(d.pending)
	d.pending = d.pending[:0]
	return nil
}

func (d *DB) flushLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.mu.Lock()
			_ = d.flushLocked()
			d.mu.Unlock()
		}
	}
}

// Close flushes pending records and closes the database.
func (d *DB) Close() error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.done)
	}
	flushErr := d.flushLocked()
	d.mu.Unlock()
	return errors.Join(flushErr, d.db.Close())
}

// Job is the journal of one (remote, local) pair.
type Job struct {
	db *DB
	id string
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

// Done reports whether rel was recorded with the same size and mtime.
func (j *Job) Done(rel string, size, mtimeNano int64) bool {
	if err := j.db.Flush(); err != nil {
		return false
	}
	var storedSize, storedMtime int64
	err := j.db.db.QueryRow(
		"SELECT size, mtime FROM files WHERE job = ? AND path = ?", j.id, rel,
	).Scan(&storedSize, &storedMtime)
	if err != nil {
		return false
	}
	return storedSize == size && storedMtime == mtimeNano
}

// Mark records rel as completed. Writes are batched.
func (j *Job) Mark(rel string, size, mtimeNano int64, hash string) error {
	d := j.db
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return errors.New("journal: closed")
	}
	d.pending = append(d.pending, record{job: j.id, rel: rel, size: size, mtime: mtimeNano, hash: hash})
	if len(d.pending) >= flushThreshold {
		return d.flushLocked()
	}
	return nil
}

// Count returns the number of files recorded for the job.
func (j *Job) Count() (int, error) {
	if err := j.db.Flush(); err != nil {
		return 0, err
	}
	var n int
	if err := j.db.db.QueryRow("SELECT COUNT(*) FROM files WHERE job = ?", j.id).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", j.id, err)
	}
	return n, nil
}

// Reset forgets every file recorded for the job.
func (j *Job) Reset() error {
	d := j.db
	d.mu.Lock()
	kept := d.pending[:0]
	for _, r := range d.pending {
		if r.job != j.id {
			kept = append(kept, r)
		}
	}
	d.pending = kept
	d.mu.Unlock()

	if _, err := d.db.Exec("DELETE FROM files WHERE job = ?", j.id); err != nil {
		return fmt.Errorf("reset %s: %w", j.id, err)
	}
	return nil
}

// HashFile returns the hex BLAKE3 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, 32*1024)); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
