package queue

import (
	"fmt"
	"runtime/debug"

	"github.com/bamsammich/ferry/internal/event"
	"github.com/bamsammich/ferry/internal/operation"
	"github.com/bamsammich/ferry/internal/worker"
)

func (q *Queue) run() {
	defer q.loop.Done()
	for {
		q.dispatch()
		q.flush()
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch launches Work calls until every strand is at budget or no
// eligible operation is left. Within a strand the least recently served
// operation goes first.
func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || q.closed {
		return
	}

	eligible := q.eligibleLocked()
	for {
		picked := make(map[*worker.Strand]*entry)
		for _, e := range eligible {
			if e.inflight >= max(1, e.op.ParallelWorkDoable()) {
				continue
			}
			s := e.op.Strand()
			if q.strands[s] >= q.budget {
				continue
			}
			if cur, ok := picked[s]; !ok || e.served < cur.served {
				picked[s] = e
			}
		}
		if len(picked) == 0 {
			return
		}
		for s, e := range picked {
			q.launchLocked(s, e)
		}
	}
}

// eligibleLocked returns the unfinished, unpaused entries up to and
// including the first unfinished barrier.
func (q *Queue) eligibleLocked() []*entry {
	var out []*entry
	for _, e := range q.entries {
		if e.done {
			continue
		}
		if e.inflight == 0 && e.op.State().Terminal() {
			// Ended outside the queue, e.g. canceled through the operation.
			q.completeLocked(e)
			continue
		}
		if !e.paused {
			out = append(out, e)
		}
		if e.op.IsBarrier() {
			break
		}
	}
	return out
}

func (q *Queue) launchLocked(s *worker.Strand, e *entry) {
	q.served++
	e.served = q.served
	e.inflight++
	q.strands[s]++
	q.steps.Add(1)
	go q.step(s, e)
}

// step moves e one transition forward and records the outcome.
func (q *Queue) step(s *worker.Strand, e *entry) {
	defer q.steps.Done()
	panicked, err := q.safeAdvance(e)

	q.mu.Lock()
	e.inflight--
	if q.strands[s]--; q.strands[s] <= 0 {
		delete(q.strands, s)
	}
	switch {
	case panicked:
		// The operation may have panicked holding its own lock, so it is
		// not touched again.
		e.failure, e.broken = err, true
		q.completeLocked(e)
	case e.op.State().Terminal():
		if e.inflight == 0 {
			q.completeLocked(e)
		}
	case err == nil:
	case q.ctx.Err() != nil:
		// Interrupted by Shutdown.
	default:
		q.logger.Error("abandoning operation after error", "id", e.id, "state", e.op.State(), "error", err)
		e.failure = err
		_ = e.op.Cancel(true)
		if e.inflight == 0 {
			q.completeLocked(e)
		}
	}
	q.mu.Unlock()

	q.flush()
	q.signal()
}

// safeAdvance runs advance and turns a panic into an ImplementationError.
func (q *Queue) safeAdvance(e *entry) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("operation panicked", "id", e.id, "panic", r, "stack", string(debug.Stack()))
			panicked, err = true, fmt.Errorf("%w: panic in %s: %v", operation.ErrImplementation, e.op.Kind(), r)
		}
	}()
	return false, q.advance(e.op)
}

func (q *Queue) advance(op operation.Operation) error {
	switch op.State() {
	case operation.StateNotStarted:
		if err := op.Prepare(q.ctx); err != nil {
			return err
		}
		return op.Start()
	case operation.StatePrepared:
		return op.Start()
	case operation.StateRunning:
		res, err := op.Work(q.ctx)
		if err != nil || res != operation.Complete {
			return err
		}
		return op.Finalize()
	default:
		return nil
	}
}

// completeLocked records that e ended and queues its completion event.
func (q *Queue) completeLocked(e *entry) {
	if e.done {
		return
	}
	e.done = true

	ev := event.Event{
		Type: event.OperationCompleted,
		ID:   e.id,
		Kind: e.op.Kind().String(),
		Path: e.path,
	}
	switch {
	case e.failure != nil:
		ev.Reason, ev.Error = event.Failed, e.failure
	case e.op.State() == operation.StateCompleted:
		ev.Reason = event.Completed
	case e.op.State() == operation.StateCanceled:
		ev.Reason = event.Canceled
	default:
		ev.Reason, ev.Error = event.Failed, e.op.Err()
	}

	switch ev.Reason {
	case event.Completed:
		q.stats.AddOperationsCompleted(1)
		if e.op.Kind() == operation.KindDownload {
			q.stats.AddFilesDone(1)
		}
		q.logger.Debug("operation completed", "id", e.id, "kind", ev.Kind)
	case event.Canceled:
		q.stats.AddOperationsCanceled(1)
		q.logger.Debug("operation canceled", "id", e.id, "kind", ev.Kind)
	default:
		q.stats.AddOperationsFailed(1)
		q.logger.Warn("operation failed", "id", e.id, "kind", ev.Kind, "path", e.path, "error", ev.Error)
	}
	q.outbox = append(q.outbox, ev)

	if ev.Reason != event.Completed {
		for _, d := range e.dependents {
			if d.done {
				continue
			}
			_ = d.op.Cancel(true)
			if d.inflight == 0 && d.op.State().Terminal() {
				q.completeLocked(d)
			}
		}
	}

	close(q.changed)
	q.changed = make(chan struct{})
}
