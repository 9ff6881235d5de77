package worker_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/ferry/internal/worker"
)

// recorder collects labels from tasks running on the loop goroutine.
type recorder struct {
	mu     sync.Mutex
	labels []string
}

func (r *recorder) add(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels = append(r.labels, label)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.labels...)
}

func startLoop(t *testing.T) *worker.Loop {
	t.Helper()
	l := worker.NewLoop(nil)
	require.NoError(t, l.Start(20*time.Millisecond, 0))
	t.Cleanup(l.Stop)
	return l
}

func TestLoop_RunsOneShotTasksInOrder(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	rec := &recorder{}
	for i := range 5 {
		require.True(t, l.PushTask(func() { rec.add(fmt.Sprint(i)) }))
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 5 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, rec.snapshot())
}

func TestLoop_PermanentTasksRunWithinOneCycleOfBacklog(t *testing.T) {
	t.Parallel()

	l := worker.NewLoop(nil)
	rec := &recorder{}

	// Queue more one-shot tasks than one batch before the loop starts.
	for i := range 25 {
		require.True(t, l.PushTask(func() { rec.add(fmt.Sprintf("o%d", i)) }))
	}
	for _, name := range []string{"pA", "pB", "pC"} {
		_, ok := l.PushPermanentTask(func() { rec.add(name) })
		require.True(t, ok)
	}

	require.NoError(t, l.Start(time.Second, 0))
	t.Cleanup(l.Stop)

	require.Eventually(t, func() bool {
		n := 0
		for _, s := range rec.snapshot() {
			if s[0] == 'o' {
				n++
			}
		}
		return n == 25
	}, time.Second, 5*time.Millisecond)

	labels := rec.snapshot()
	// First cycle: exactly one batch of one-shot tasks, then every
	// permanent task once in registration order.
	require.GreaterOrEqual(t, len(labels), worker.BatchSize+3)
	for i := range worker.BatchSize {
		assert.Equal(t, fmt.Sprintf("o%d", i), labels[i])
	}
	assert.Equal(t, []string{"pA", "pB", "pC"}, labels[worker.BatchSize:worker.BatchSize+3])
}

func TestLoop_PermanentTaskIDsAreMonotonic(t *testing.T) {
	t.Parallel()

	l := worker.NewLoop(nil)
	first, ok := l.PushPermanentTask(func() {})
	require.True(t, ok)
	second, ok := l.PushPermanentTask(func() {})
	require.True(t, ok)

	assert.Greater(t, second, first)
	assert.Equal(t, 2, l.PermanentTaskCount())

	assert.True(t, l.RemovePermanentTask(first))
	assert.False(t, l.RemovePermanentTask(first))
	assert.Equal(t, 1, l.PermanentTaskCount())

	third, ok := l.PushPermanentTask(func() {})
	require.True(t, ok)
	assert.Greater(t, third, second)

	l.ClearPermanentTasks()
	assert.Zero(t, l.PermanentTaskCount())
}

func TestLoop_MutationDuringPermanentPassIsDeferred(t *testing.T) {
	t.Parallel()

	l := worker.NewLoop(nil)
	var selfID uint64
	var victimRuns, addedRuns atomic.Int32
	var registered atomic.Bool

	selfID, _ = l.PushPermanentTask(func() {
		// Remove ourselves, kill the next task in this pass, and add a new one.
		l.RemovePermanentTask(selfID)
		l.RemovePermanentTask(selfID + 1)
		if registered.CompareAndSwap(false, true) {
			l.PushPermanentTask(func() { addedRuns.Add(1) })
		}
	})
	_, ok := l.PushPermanentTask(func() { victimRuns.Add(1) })
	require.True(t, ok)

	require.NoError(t, l.Start(5*time.Millisecond, 0))
	t.Cleanup(l.Stop)

	require.Eventually(t, func() bool { return addedRuns.Load() >= 2 },
		time.Second, 5*time.Millisecond)
	assert.Zero(t, victimRuns.Load(), "removed task must not fire later in the same pass")
	assert.Equal(t, 1, l.PermanentTaskCount())
}

func TestLoop_PanickingTaskDoesNotKillLoop(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	var ran atomic.Bool
	require.True(t, l.PushTask(func() { panic("boom") }))
	require.True(t, l.PushTask(func() { ran.Store(true) }))

	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
	assert.True(t, l.Running())
}

func TestLoop_StopRejectsNewTasksAndDrainsAccepted(t *testing.T) {
	t.Parallel()

	l := worker.NewLoop(nil)
	require.NoError(t, l.Start(time.Second, 0))

	var ran atomic.Int32
	block := make(chan struct{})
	require.True(t, l.PushTask(func() { <-block }))
	for range 3 {
		require.True(t, l.PushTask(func() { ran.Add(1) }))
	}

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool { return !l.Running() }, time.Second, time.Millisecond)
	close(block)
	<-stopped

	assert.Equal(t, int32(3), ran.Load())
	assert.False(t, l.PushTask(func() {}))
	_, ok := l.PushPermanentTask(func() {})
	assert.False(t, ok)
	assert.ErrorIs(t, l.Start(time.Second, 0), worker.ErrAlreadyStarted)
}

func TestLoop_MinCycleWaitSpacesCycles(t *testing.T) {
	t.Parallel()

	l := worker.NewLoop(nil)
	var runs atomic.Int32
	_, ok := l.PushPermanentTask(func() { runs.Add(1) })
	require.True(t, ok)

	require.NoError(t, l.Start(time.Millisecond, 30*time.Millisecond))
	time.Sleep(100 * time.Millisecond)
	l.Stop()

	assert.LessOrEqual(t, runs.Load(), int32(5))
	assert.GreaterOrEqual(t, runs.Load(), int32(1))
}
