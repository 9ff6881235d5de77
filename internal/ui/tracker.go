package ui

import (
	"github.com/bamsammich/ferry/internal/event"
	"github.com/bamsammich/ferry/internal/operation"
)

var (
	kindScan     = operation.KindScan.String()
	kindDownload = operation.KindDownload.String()
	kindBulk     = operation.KindBulkDownload.String()
)

// finished describes one file that landed locally.
type finished struct {
	Path string
	Size int64
}

// tracker folds the per-operation progress stream into what presenters
// print: finished files, scan counts and the overall file total.
type tracker struct {
	kinds     map[string]string
	sizes     map[string]int64 // download id -> file size
	index     map[string]int64 // bulk id -> files finished
	counts    map[string]int64 // bulk id -> file count
	scanned   map[string]int64 // scan id -> entries found
	scanBytes map[string]int64
}

func newTracker() *tracker {
	return &tracker{
		kinds:     make(map[string]string),
		sizes:     make(map[string]int64),
		index:     make(map[string]int64),
		counts:    make(map[string]int64),
		scanned:   make(map[string]int64),
		scanBytes: make(map[string]int64),
	}
}

// observe records ev and returns the file it finished, if any.
func (t *tracker) observe(ev Event) (finished, bool) {
	switch ev.Type {
	case event.OperationAdded:
		t.kinds[ev.ID] = ev.Kind
	case event.DownloadProgress:
		t.sizes[ev.ID] = ev.Max
	case event.ScanProgress:
		t.scanned[ev.ID] = ev.Count
		t.scanBytes[ev.ID] = ev.BytesTotal
	case event.BulkProgress:
		t.counts[ev.ID] = ev.Count
		if ev.Index > t.index[ev.ID] {
			t.index[ev.ID] = ev.Index
			return finished{Path: ev.Path, Size: ev.Max}, true
		}
	case event.OperationCompleted:
		if ev.Kind == kindDownload && ev.Reason == event.Completed {
			return finished{Path: ev.Path, Size: t.sizes[ev.ID]}, true
		}
	}
	return finished{}, false
}

// scan returns the entries and bytes a scan found so far.
func (t *tracker) scan(id string) (entries, bytes int64) {
	return t.scanned[id], t.scanBytes[id]
}

// filesTotal is the number of files known to be headed for local disk.
func (t *tracker) filesTotal() int64 {
	var n int64
	for id, kind := range t.kinds {
		switch kind {
		case kindDownload:
			n++
		case kindBulk:
			n += t.counts[id]
		}
	}
	return n
}
