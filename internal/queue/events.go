package queue

import (
	"time"

	"github.com/bamsammich/ferry/internal/event"
	"github.com/bamsammich/ferry/internal/operation"
)

// flush delivers queued added and completed events.
func (q *Queue) flush() {
	q.mu.Lock()
	out := q.outbox
	q.outbox = nil
	q.mu.Unlock()

	for _, ev := range out {
		q.send(ev)
	}
}

func (q *Queue) send(ev event.Event) {
	if q.events == nil {
		return
	}
	ev.Timestamp = time.Now()
	select {
	case q.events <- ev:
	case <-q.done:
	}
}

// notify delivers a progress event if the channel has room.
func (q *Queue) notify(ev event.Event) {
	if q.events == nil {
		return
	}
	ev.Timestamp = time.Now()
	select {
	case q.events <- ev:
	default:
	}
}

// account folds absolute progress counters into the collector as deltas.
// Negative arguments leave the matching counter alone.
func (q *Queue) account(id string, bytes, total, files, scanned int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return
	}
	if bytes >= 0 {
		q.stats.AddBytesDone(bytes - e.lastBytes)
		e.lastBytes = bytes
	}
	if total >= 0 {
		q.stats.AddBytesTotal(total - e.lastTotal)
		e.lastTotal = total
	}
	if files >= 0 {
		q.stats.AddFilesDone(files - e.lastFiles)
		e.lastFiles = files
	}
	if scanned >= 0 {
		q.stats.AddEntriesScanned(scanned - e.lastCount)
		e.lastCount = scanned
	}
}

func (q *Queue) downloadProgress(id, remote string) func(lo, hi, cur int64) {
	kind := operation.KindDownload.String()
	return func(lo, hi, cur int64) {
		q.account(id, cur, hi, -1, -1)
		q.notify(event.Event{
			Type:    event.DownloadProgress,
			ID:      id,
			Kind:    kind,
			Path:    remote,
			Min:     lo,
			Max:     hi,
			Current: cur,
		})
	}
}

func (q *Queue) scanProgress(id, root string) func(totalBytes, currentIndex, totalScanned int64) {
	kind := operation.KindScan.String()
	return func(totalBytes, currentIndex, totalScanned int64) {
		q.account(id, -1, -1, -1, totalScanned)
		q.notify(event.Event{
			Type:       event.ScanProgress,
			ID:         id,
			Kind:       kind,
			Path:       root,
			BytesTotal: totalBytes,
			Index:      currentIndex,
			Count:      totalScanned,
		})
	}
}

func (q *Queue) bulkProgress(id string) func(operation.BulkProgress) {
	kind := operation.KindBulkDownload.String()
	return func(p operation.BulkProgress) {
		q.account(id, p.BytesDone, p.BytesTotal, int64(p.FileIndex), -1)
		q.notify(event.Event{
			Type:       event.BulkProgress,
			ID:         id,
			Kind:       kind,
			Path:       p.CurrentFile,
			Max:        p.CurrentTotal,
			Current:    p.CurrentBytes,
			Index:      int64(p.FileIndex),
			Count:      int64(p.FileCount),
			BytesDone:  p.BytesDone,
			BytesTotal: p.BytesTotal,
		})
	}
}
