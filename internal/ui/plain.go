package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/ferry/internal/event"
	"github.com/bamsammich/ferry/internal/stats"
)

// plainPresenter outputs one line per finished file or operation to stdout,
// and periodic progress to stderr when not a TTY.
type plainPresenter struct {
	w     io.Writer
	errW  io.Writer
	stats *stats.Collector
	root  string
	ops   *tracker
}

func (p *plainPresenter) Run(events <-chan Event) error {
	secTicker := time.NewTicker(time.Second)
	defer secTicker.Stop()
	ticks := 0

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-secTicker.C:
			p.stats.Tick()
			if ticks++; ticks%5 == 0 {
				p.printProgress()
			}
		}
	}
}

func (p *plainPresenter) handleEvent(ev Event) {
	if f, ok := p.ops.observe(ev); ok {
		speed := p.stats.RollingSpeed(5)
		fmt.Fprintf(p.w, "%s  %s  %s\n", StripRoot(p.root, f.Path), FormatBytes(f.Size), FormatRate(speed))
	}
	if ev.Type != event.OperationCompleted {
		return
	}

	path := StripRoot(p.root, ev.Path)
	switch ev.Reason {
	case event.Completed:
		if ev.Kind == kindScan {
			n, size := p.ops.scan(ev.ID)
			fmt.Fprintf(p.w, "scanned %s  %s entries  %s\n", path, FormatCount(n), FormatBytes(size))
		}
	case event.Canceled:
		fmt.Fprintf(p.w, "%s  %s canceled\n", path, ev.Kind)
	default:
		errMsg := "error"
		if ev.Error != nil {
			errMsg = ev.Error.Error()
		}
		fmt.Fprintf(p.w, "%s  %s  %s\n", path, ev.Kind, errMsg)
	}
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	if snap.BytesTotal > 0 {
		pct := fraction(snap.BytesDone, snap.BytesTotal) * 100
		speed := p.stats.RollingSpeed(10)
		eta := p.stats.ETA()
		fmt.Fprintf(p.errW, "progress: %.0f%% %s/%s %s/%s files %s eta %s\n",
			pct,
			FormatBytes(snap.BytesDone), FormatBytes(snap.BytesTotal),
			FormatCount(snap.FilesDone), FormatCount(p.ops.filesTotal()),
			FormatRate(speed),
			formatETA(eta),
		)
	} else {
		fmt.Fprintf(p.errW, "progress: %s downloaded %s files %s scanned\n",
			FormatBytes(snap.BytesDone),
			FormatCount(snap.FilesDone),
			FormatCount(snap.EntriesScanned),
		)
	}
}

func (p *plainPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}
