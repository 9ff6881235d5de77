package walker_test

import (
	"context"
	"errors"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/ferry/internal/walker"
)

type node struct {
	name string
	dir  bool
}

// mapScanner serves a fixed tree keyed by directory path.
type mapScanner struct {
	tree  map[string][]node
	fail  string
	calls []string
}

func (m *mapScanner) List(_ context.Context, dir string) ([]string, error) {
	m.calls = append(m.calls, dir)
	if dir == m.fail {
		return nil, errors.New("permission denied")
	}
	var out []string
	for _, n := range m.tree[dir] {
		p := path.Join(dir, n.name)
		if n.dir {
			p += "/"
		}
		out = append(out, p)
	}
	return out, nil
}

func (*mapScanner) Descend(e string) (string, bool) {
	if len(e) > 0 && e[len(e)-1] == '/' {
		return e[:len(e)-1], true
	}
	return "", false
}

func testTree() map[string][]node {
	return map[string][]node{
		"/r":     {{name: "a", dir: true}, {name: "f1"}, {name: "b", dir: true}},
		"/r/a":   {{name: "f2"}, {name: "c", dir: true}},
		"/r/b":   {{name: "f3"}},
		"/r/a/c": {},
	}
}

func TestWalker_CollectsEveryEntryOnce(t *testing.T) {
	t.Parallel()

	sc := &mapScanner{tree: testTree()}
	w := walker.New[string]("/r", sc)

	steps := 0
	for {
		more, err := w.Step(context.Background())
		require.NoError(t, err)
		steps++
		if !more {
			break
		}
	}

	assert.Equal(t, 4, steps, "one step per directory including root")
	assert.Equal(t, 4, w.Visited())
	assert.True(t, w.Done())
	assert.Equal(t, []string{"/r", "/r/a", "/r/b", "/r/a/c"}, sc.calls, "breadth-first")

	// 3 directories + 3 files below the root.
	entries := w.Eject()
	assert.Len(t, entries, 6)
	assert.Nil(t, w.Eject())
	assert.Zero(t, w.Len())
}

func TestWalker_EjectMidWalk(t *testing.T) {
	t.Parallel()

	w := walker.New[string]("/r", &mapScanner{tree: testTree()})
	more, err := w.Step(context.Background())
	require.NoError(t, err)
	require.True(t, more)

	first := w.Eject()
	assert.ElementsMatch(t, []string{"/r/a/", "/r/f1", "/r/b/"}, first)
	assert.Zero(t, w.Len())
	assert.Equal(t, 3, w.Total())

	for more {
		more, err = w.Step(context.Background())
		require.NoError(t, err)
	}
	rest := w.Eject()
	assert.ElementsMatch(t, []string{"/r/a/f2", "/r/a/c/", "/r/b/f3"}, rest)
	assert.Equal(t, 6, w.Total())
	assert.Nil(t, w.Eject())
}

func TestWalker_StepAfterDoneIsNoop(t *testing.T) {
	t.Parallel()

	w := walker.New[string]("/r", &mapScanner{tree: map[string][]node{}})
	more, err := w.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, more)

	more, err = w.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, 1, w.Visited())
}

func TestWalker_CancelKeepsCollectedEntries(t *testing.T) {
	t.Parallel()

	w := walker.New[string]("/r", &mapScanner{tree: testTree()})
	more, err := w.Step(context.Background())
	require.NoError(t, err)
	require.True(t, more)

	w.Cancel()
	_, err = w.Step(context.Background())
	require.ErrorIs(t, err, walker.ErrCanceled)

	assert.Equal(t, 2, w.Pending())
	assert.Len(t, w.Eject(), 3)
}

func TestWalker_ListErrorIsSticky(t *testing.T) {
	t.Parallel()

	sc := &mapScanner{tree: testTree(), fail: "/r/a"}
	w := walker.New[string]("/r", sc)

	_, err := w.Step(context.Background())
	require.NoError(t, err)
	_, err = w.Step(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/r/a")

	_, again := w.Step(context.Background())
	assert.Equal(t, err, again)
	assert.Len(t, sc.calls, 2, "no further listing after failure")
}

type ctxScanner struct{ mapScanner }

func (c *ctxScanner) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.mapScanner.List(ctx, dir)
}

func TestWalker_ContextErrorIsRetried(t *testing.T) {
	t.Parallel()

	sc := &ctxScanner{mapScanner{tree: testTree()}}
	w := walker.New[string]("/r", sc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	more, err := w.Step(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, more)
	assert.Zero(t, w.Visited())

	more, err = w.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, 1, w.Visited())
}
