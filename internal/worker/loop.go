package worker

import (
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// BatchSize is the maximum number of one-shot tasks drained per cycle.
// Permanent tasks run after every batch, so a deep backlog of one-shot
// work never starves them.
const BatchSize = 10

// ErrAlreadyStarted is returned by Start on a loop that was started before.
var ErrAlreadyStarted = errors.New("worker: loop already started")

// Task is a zero-argument unit of work executed on the loop goroutine.
type Task func()

type loopState int

const (
	stateIdle loopState = iota
	stateRunning
	stateStopping
	stateStopped
)

type permanentTask struct {
	fn     Task
	id     uint64
	active atomic.Bool
}

// Loop runs one-shot and permanent tasks on a single goroutine. Blocking
// protocol calls are funneled through it so callers never block on them
// directly.
type Loop struct {
	logger *slog.Logger

	mu        sync.Mutex
	state     loopState
	tasks     []Task
	permanent []*permanentTask
	// added holds permanent tasks registered while a permanent pass is
	// in progress; they join the registry once the pass ends.
	added     []*permanentTask
	iterating bool
	nextID    uint64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	cycles atomic.Uint64
}

// NewLoop creates an idle loop. Tasks may be queued before Start; they run
// on the first cycle.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger: logger.With("component", "worker"),
		wake:   make(chan struct{}, 1),
	}
}

// Start spawns the loop goroutine. Each cycle drains up to BatchSize
// one-shot tasks, runs every permanent task once, then sleeps at least
// minCycleWait before waiting for new work or cycleTimeout.
func (l *Loop) Start(cycleTimeout, minCycleWait time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != stateIdle {
		return ErrAlreadyStarted
	}
	if cycleTimeout <= 0 {
		cycleTimeout = 250 * time.Millisecond
	}

	l.state = stateRunning
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.run(cycleTimeout, minCycleWait)
	return nil
}

// Stop requests shutdown and waits for the loop goroutine to exit. Tasks
// already accepted are still executed. Stop must not be called from a task
// running on this loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	switch l.state {
	case stateIdle:
		l.state = stateStopped
		l.tasks = nil
		l.mu.Unlock()
		return
	case stateRunning:
		l.state = stateStopping
		close(l.stop)
	case stateStopping, stateStopped:
	}
	done := l.done
	l.mu.Unlock()

	if done != nil {
		<-done
	}

	l.mu.Lock()
	l.state = stateStopped
	l.mu.Unlock()
}

// Running reports whether the loop goroutine is active and accepting tasks.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateRunning
}

// Cycles returns the number of completed scheduler cycles.
func (l *Loop) Cycles() uint64 { return l.cycles.Load() }

// PushTask enqueues a one-shot task. It returns false once the loop is
// stopping or stopped.
func (l *Loop) PushTask(fn Task) bool {
	l.mu.Lock()
	if !l.acceptingLocked() {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	l.signal()
	return true
}

// PushPermanentTask registers a task that runs once per cycle until it is
// removed. The returned id is never reused.
func (l *Loop) PushPermanentTask(fn Task) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.acceptingLocked() {
		return 0, false
	}

	l.nextID++
	pt := &permanentTask{id: l.nextID, fn: fn}
	pt.active.Store(true)
	if l.iterating {
		l.added = append(l.added, pt)
	} else {
		l.permanent = append(l.permanent, pt)
	}
	return pt.id, true
}

// RemovePermanentTask deregisters the task with the given id. A task
// removed during a permanent pass does not fire again, even later in the
// same pass. Reports whether the id was registered.
func (l *Loop) RemovePermanentTask(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := false
	for _, list := range [][]*permanentTask{l.permanent, l.added} {
		for _, pt := range list {
			if pt.id == id && pt.active.Swap(false) {
				removed = true
			}
		}
	}
	if !l.iterating {
		l.compactLocked()
	}
	return removed
}

// ClearPermanentTasks deregisters every permanent task.
func (l *Loop) ClearPermanentTasks() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, pt := range l.permanent {
		pt.active.Store(false)
	}
	for _, pt := range l.added {
		pt.active.Store(false)
	}
	if !l.iterating {
		l.compactLocked()
	}
}

// PermanentTaskCount returns the number of registered permanent tasks.
func (l *Loop) PermanentTaskCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, pt := range l.permanent {
		if pt.active.Load() {
			n++
		}
	}
	for _, pt := range l.added {
		if pt.active.Load() {
			n++
		}
	}
	return n
}

func (l *Loop) acceptingLocked() bool {
	return l.state == stateIdle || l.state == stateRunning
}

// compactLocked folds deferred registrations into the registry and drops
// removed entries. Caller holds l.mu and no pass is in progress.
func (l *Loop) compactLocked() {
	kept := l.permanent[:0]
	for _, pt := range l.permanent {
		if pt.active.Load() {
			kept = append(kept, pt)
		}
	}
	for _, pt := range l.added {
		if pt.active.Load() {
			kept = append(kept, pt)
		}
	}
	clear(l.permanent[len(kept):])
	l.permanent = kept
	l.added = nil
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run(cycleTimeout, minCycleWait time.Duration) {
	defer close(l.done)

	idle := time.NewTimer(cycleTimeout)
	defer idle.Stop()

	for {
		l.runBatch()
		l.runPermanent()
		l.cycles.Add(1)

		select {
		case <-l.stop:
			l.drain()
			return
		default:
		}

		if minCycleWait > 0 {
			idle.Reset(minCycleWait)
			select {
			case <-idle.C:
			case <-l.stop:
			}
		}
		if l.pending() > 0 {
			continue
		}

		idle.Reset(cycleTimeout)
		select {
		case <-l.wake:
		case <-idle.C:
		case <-l.stop:
		}
	}
}

func (l *Loop) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

func (l *Loop) runBatch() {
	l.mu.Lock()
	n := min(len(l.tasks), BatchSize)
	batch := make([]Task, n)
	copy(batch, l.tasks[:n])
	rest := copy(l.tasks, l.tasks[n:])
	clear(l.tasks[rest:])
	l.tasks = l.tasks[:rest]
	l.mu.Unlock()

	for _, fn := range batch {
		l.safeRun(fn)
	}
}

func (l *Loop) runPermanent() {
	l.mu.Lock()
	l.iterating = true
	snapshot := make([]*permanentTask, len(l.permanent))
	copy(snapshot, l.permanent)
	l.mu.Unlock()

	for _, pt := range snapshot {
		if !pt.active.Load() {
			continue
		}
		l.safeRun(pt.fn)
	}

	l.mu.Lock()
	l.iterating = false
	l.compactLocked()
	l.mu.Unlock()
}

// drain runs every one-shot task accepted before shutdown began.
func (l *Loop) drain() {
	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		if len(tasks) == 0 {
			return
		}
		for _, fn := range tasks {
			l.safeRun(fn)
		}
	}
}

func (l *Loop) safeRun(fn Task) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
