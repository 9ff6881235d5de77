package operation_test

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bamsammich/ferry/internal/operation"
	"github.com/bamsammich/ferry/internal/transport"
	"github.com/bamsammich/ferry/internal/worker"
)

const waitFor = 2 * time.Second

func newSession(t *testing.T, fs transport.FS) *transport.Session {
	t.Helper()
	if fs == nil {
		fs = transport.NewLocalFS()
	}
	loop := worker.NewLoop(nil)
	require.NoError(t, loop.Start(10*time.Millisecond, 0))
	t.Cleanup(loop.Stop)
	s := transport.NewSession(fs, worker.NewStrand(loop, t.Name()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeRandom(t *testing.T, path string, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return data
}

// run drives op through its whole lifecycle.
func run(t *testing.T, op operation.Operation) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, op.Prepare(ctx))
	require.NoError(t, op.Start())
	drain(t, op)
	require.NoError(t, op.Finalize())
	require.Equal(t, operation.StateCompleted, op.State())
}

// drain calls Work until it returns Complete.
func drain(t *testing.T, op operation.Operation) {
	t.Helper()
	for range 100_000 {
		res, err := op.Work(context.Background())
		require.NoError(t, err)
		if res == operation.Complete {
			return
		}
	}
	t.Fatal("work never completed")
}

// gateFS holds every Read until the gate is opened.
type gateFS struct {
	*transport.LocalFS
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func newGateFS() *gateFS {
	return &gateFS{
		LocalFS: transport.NewLocalFS(),
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
}

func (g *gateFS) open() { g.once.Do(func() { close(g.gate) }) }

func (g *gateFS) OpenFile(p string, flag int) (transport.RemoteFile, error) {
	f, err := g.LocalFS.OpenFile(p, flag)
	if err != nil {
		return nil, err
	}
	return &gateFile{RemoteFile: f, fs: g}, nil
}

type gateFile struct {
	transport.RemoteFile
	fs *gateFS
}

func (f *gateFile) Read(p []byte) (int, error) {
	select {
	case f.fs.entered <- struct{}{}:
	default:
	}
	<-f.fs.gate
	return f.RemoteFile.Read(p)
}

type progressLog struct {
	mu    sync.Mutex
	calls [][3]int64
}

func (p *progressLog) record(lo, hi, cur int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, [3]int64{lo, hi, cur})
}

func (p *progressLog) all() [][3]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][3]int64(nil), p.calls...)
}

type completions struct {
	mu  sync.Mutex
	got []bool
}

func (c *completions) record(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ok)
}

func (c *completions) all() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.got...)
}
