// Package queue owns an ordered set of operations and drives them. A
// dispatcher goroutine hands Work calls to short-lived goroutines, at most
// StrandBudget per strand, honoring barriers: nothing enqueued after an
// unfinished barrier operation is dispatched.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bamsammich/ferry/internal/event"
	"github.com/bamsammich/ferry/internal/filter"
	"github.com/bamsammich/ferry/internal/journal"
	"github.com/bamsammich/ferry/internal/operation"
	"github.com/bamsammich/ferry/internal/stats"
	"github.com/bamsammich/ferry/internal/transport"
	"github.com/bamsammich/ferry/internal/worker"
)

var (
	ErrClosed           = errors.New("queue closed")
	ErrUnknownOperation = errors.New("unknown operation")
)

// Config configures a Queue.
type Config struct {
	// Options are the transfer defaults for enqueued downloads. A request
	// may replace them; Limiter and Temps are inherited when it leaves
	// them nil.
	Options operation.TransferOptions
	// Journal, when set, is handed to every bulk download.
	Journal *journal.DB
	// Events receives notifications. Progress events are dropped while the
	// channel is full; added and completed events wait for room until
	// Shutdown returns.
	Events chan<- event.Event
	Stats  *stats.Collector
	// StrandBudget caps concurrent Work calls per strand. Default 1.
	StrandBudget int
	Logger       *slog.Logger
}

// Queue schedules operations. It is safe for concurrent use.
type Queue struct {
	opts    operation.TransferOptions
	journal *journal.DB
	events  chan<- event.Event
	stats   *stats.Collector
	budget  int
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
	loop   sync.WaitGroup
	steps  sync.WaitGroup

	mu      sync.Mutex
	entries []*entry
	byID    map[string]*entry
	strands map[*worker.Strand]int
	paused  bool
	closed  bool
	served  uint64
	outbox  []event.Event
	changed chan struct{}
}

type entry struct {
	id       string
	op       operation.Operation
	path     string
	inflight int
	paused   bool
	done     bool
	served   uint64
	// failure is set when the queue abandons an operation that reported
	// an error without reaching a terminal state.
	failure error
	// broken is set when the operation panicked; its methods are no
	// longer called.
	broken bool
	// dependents are canceled when this entry ends without completing.
	dependents []*entry

	lastBytes int64
	lastTotal int64
	lastFiles int64
	lastCount int64
}

// New starts a queue. Call Shutdown to stop it.
func New(cfg Config) *Queue {
	opts := cfg.Options
	if opts.Temps == nil {
		opts.Temps = operation.NewTempRegistry()
	}
	budget := cfg.StrandBudget
	if budget <= 0 {
		budget = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Stats
	if collector == nil {
		collector = stats.NewCollector()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		opts:    opts,
		journal: cfg.Journal,
		events:  cfg.Events,
		stats:   collector,
		budget:  budget,
		logger:  logger.With("component", "queue"),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		byID:    make(map[string]*entry),
		strands: make(map[*worker.Strand]int),
		changed: make(chan struct{}),
	}
	q.loop.Add(1)
	go q.run()
	return q
}

// Stats returns the collector fed by this queue.
func (q *Queue) Stats() *stats.Collector { return q.stats }

// Temps returns the registry tracking temp files of enqueued downloads.
func (q *Queue) Temps() *operation.TempRegistry { return q.opts.Temps }

// ScanRequest enqueues a listing of Root.
type ScanRequest struct {
	Session *transport.Session
	Root    string
	Filter  *filter.Chain
}

// DownloadRequest enqueues a single file download.
type DownloadRequest struct {
	Session *transport.Session
	Remote  string
	Local   string
	Options *operation.TransferOptions
}

// BulkRequest enqueues a scan of Remote followed by a bulk download of
// what it finds.
type BulkRequest struct {
	Session *transport.Session
	Remote  string
	Local   string
	Filter  *filter.Chain
	Options *operation.TransferOptions
	Archive *operation.ArchiveOptions
}

// Enqueue adds an operation built by the caller. Its progress is not
// relayed; its completion is.
func (q *Queue) Enqueue(op operation.Operation) (string, error) {
	if op == nil {
		return "", errors.New("enqueue nil operation")
	}
	e := &entry{id: uuid.NewString(), op: op, path: pathOf(op)}
	return e.id, q.add(e)
}

// EnqueueScan adds a Scan. Scans are barriers.
func (q *Queue) EnqueueScan(req ScanRequest) (string, error) {
	id := uuid.NewString()
	scan, err := operation.NewScan(operation.ScanConfig{
		Session:       req.Session,
		Root:          req.Root,
		Filter:        req.Filter,
		FutureTimeout: q.opts.FutureTimeout,
		OnProgress:    q.scanProgress(id, req.Root),
		Logger:        q.logger,
	})
	if err != nil {
		return "", err
	}
	return id, q.add(&entry{id: id, op: scan, path: req.Root})
}

// EnqueueDownload adds a Download.
func (q *Queue) EnqueueDownload(req DownloadRequest) (string, error) {
	id := uuid.NewString()
	d, err := operation.NewDownload(operation.DownloadConfig{
		Session:    req.Session,
		Remote:     req.Remote,
		Local:      req.Local,
		Options:    q.options(req.Options),
		OnProgress: q.downloadProgress(id, req.Remote),
		Logger:     q.logger,
	})
	if err != nil {
		return "", err
	}
	return id, q.add(&entry{id: id, op: d, path: req.Remote})
}

// EnqueueBulkDownload adds a Scan of req.Remote and a BulkDownload fed by
// it. The bulk is canceled if the scan does not complete.
func (q *Queue) EnqueueBulkDownload(req BulkRequest) (scanID, bulkID string, err error) {
	scanID, bulkID = uuid.NewString(), uuid.NewString()
	scan, err := operation.NewScan(operation.ScanConfig{
		Session:       req.Session,
		Root:          req.Remote,
		Filter:        req.Filter,
		FutureTimeout: q.opts.FutureTimeout,
		OnProgress:    q.scanProgress(scanID, req.Remote),
		Logger:        q.logger,
	})
	if err != nil {
		return "", "", err
	}
	bulk, err := operation.NewBulkDownload(operation.BulkDownloadConfig{
		Session:    req.Session,
		Remote:     req.Remote,
		Local:      req.Local,
		Options:    q.options(req.Options),
		Archive:    req.Archive,
		Journal:    q.journal,
		Source:     scan,
		OnProgress: q.bulkProgress(bulkID),
		Logger:     q.logger,
	})
	if err != nil {
		return "", "", err
	}

	bulkEntry := &entry{id: bulkID, op: bulk, path: req.Remote}
	scanEntry := &entry{id: scanID, op: scan, path: req.Remote, dependents: []*entry{bulkEntry}}
	if err := q.add(scanEntry, bulkEntry); err != nil {
		return "", "", err
	}
	return scanID, bulkID, nil
}

func (q *Queue) options(o *operation.TransferOptions) operation.TransferOptions {
	if o == nil {
		return q.opts
	}
	opts := *o
	if opts.Limiter == nil {
		opts.Limiter = q.opts.Limiter
	}
	if opts.Temps == nil {
		opts.Temps = q.opts.Temps
	}
	return opts
}

func (q *Queue) add(entries ...*entry) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	for _, e := range entries {
		q.entries = append(q.entries, e)
		q.byID[e.id] = e
		q.stats.AddOperationsAdded(1)
		ev := event.Event{
			Type: event.OperationAdded,
			ID:   e.id,
			Kind: e.op.Kind().String(),
			Path: e.path,
		}
		e.op.Accept(&totalsVisitor{ev: &ev})
		q.outbox = append(q.outbox, ev)
		q.logger.Debug("operation added", "id", e.id, "kind", e.op.Kind(), "path", e.path)
	}
	q.mu.Unlock()

	q.flush()
	q.signal()
	return nil
}

// Pause stops dispatching Work calls. Calls in flight finish; no
// operation state is discarded.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume restarts dispatching.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.signal()
}

// Paused reports whether dispatching is paused.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// PauseOperation stops dispatching one operation and pauses it.
func (q *Queue) PauseOperation(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	if e.done {
		return nil
	}
	e.paused = true
	if e.op.State() == operation.StateRunning {
		return e.op.Pause()
	}
	return nil
}

// ResumeOperation lets a paused operation be dispatched again.
func (q *Queue) ResumeOperation(id string) error {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	e.paused = false
	q.mu.Unlock()

	q.signal()
	return nil
}

// Cancel cancels one operation. clean selects whether its partial output
// is removed.
func (q *Queue) Cancel(id string, clean bool) error {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	err := q.cancelLocked(e, clean)
	q.mu.Unlock()

	q.flush()
	q.signal()
	return err
}

// CancelAll cancels every unfinished operation.
func (q *Queue) CancelAll(clean bool) {
	q.mu.Lock()
	// Newest first, so bulk downloads receive the cleanup policy before
	// their scan's cancel reaches them.
	var errs []error
	for i := len(q.entries) - 1; i >= 0; i-- {
		if err := q.cancelLocked(q.entries[i], clean); err != nil {
			errs = append(errs, err)
		}
	}
	q.mu.Unlock()

	if len(errs) > 0 {
		q.logger.Warn("cancel failed", "error", errors.Join(errs...))
	}
	q.flush()
	q.signal()
}

func (q *Queue) cancelLocked(e *entry, clean bool) error {
	if e.done {
		return nil
	}
	if co, ok := e.op.(operation.CleanupOverrider); ok {
		co.OverrideCleanup(clean)
	}
	err := e.op.Cancel(true)
	if e.op.State().Terminal() {
		if e.inflight == 0 {
			q.completeLocked(e)
		}
		return nil
	}
	return err
}

// Info describes one operation in a Snapshot.
type Info struct {
	ID     string
	Kind   operation.Kind
	State  operation.State
	Path   string
	Paused bool
	Err    error
}

// Snapshot lists every operation in enqueue order.
func (q *Queue) Snapshot() []Info {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Info, 0, len(q.entries))
	for _, e := range q.entries {
		info := Info{ID: e.id, Kind: e.op.Kind(), Path: e.path, Paused: e.paused, Err: e.failure}
		if e.broken {
			info.State = operation.StateFailed
		} else {
			info.State = e.op.State()
			if info.Err == nil {
				info.Err = e.op.Err()
			}
		}
		out = append(out, info)
	}
	return out
}

// WaitIdle blocks until every enqueued operation has ended or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		idle := true
		for _, e := range q.entries {
			if !e.done {
				idle = false
				break
			}
		}
		ch := q.changed
		q.mu.Unlock()

		if idle {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown cancels everything, waits for Work calls in flight and stops
// the dispatcher. With clean, temp files still registered are removed.
func (q *Queue) Shutdown(clean bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.CancelAll(clean)
	q.cancel()
	q.steps.Wait()
	q.loop.Wait()
	q.flush()
	close(q.done)

	if clean {
		if n := q.opts.Temps.Cleanup(); n > 0 {
			q.logger.Info("removed leftover temp files", "count", n)
		}
	}
}

// pathVisitor extracts the primary path of an operation.
type pathVisitor struct{ path string }

func (v *pathVisitor) VisitScan(s *operation.Scan)                 { v.path = s.Root() }
func (v *pathVisitor) VisitDownload(d *operation.Download)         { v.path = d.Remote() }
func (v *pathVisitor) VisitBulkDownload(b *operation.BulkDownload) { v.path = b.Remote() }

// totalsVisitor fills the totals an operation already knows when it is
// added. A download learns its size in Prepare and a bulk download its
// totals from the scan, so both are usually zero here.
type totalsVisitor struct{ ev *event.Event }

func (v *totalsVisitor) VisitScan(s *operation.Scan) {
	v.ev.BytesTotal, v.ev.Count = s.TotalBytes(), int64(s.Len())
}

func (v *totalsVisitor) VisitDownload(d *operation.Download) {
	v.ev.Max, v.ev.BytesTotal = d.Size(), d.Size()
}

func (v *totalsVisitor) VisitBulkDownload(b *operation.BulkDownload) {
	p := b.Progress()
	v.ev.BytesTotal, v.ev.Count = p.BytesTotal, int64(p.FileCount)
}

func pathOf(op operation.Operation) string {
	v := &pathVisitor{}
	op.Accept(v)
	return v.path
}
