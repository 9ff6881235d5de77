package ui

import (
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/bamsammich/ferry/internal/event"
	"github.com/bamsammich/ferry/internal/stats"
)

// ANSI escape sequences.
const (
	ansiDim   = "\033[2m"
	ansiReset = "\033[0m"
)

// hudPresenter provides a rich TTY display with a scrolling feed of finished
// files and a 2-line HUD that redraws in place.
type hudPresenter struct {
	w     io.Writer
	stats *stats.Collector
	root  string // stripped from displayed paths
	ops   *tracker
	width int // terminal columns, 0 when unknown

	// Internal state.
	hudDrawn     bool
	hudLineCount int // actual number of lines in the last HUD draw
	current      string
	lastHUDDraw  time.Time
}

const (
	graphWidth       = 20
	meterWidth       = 20
	currentPathWidth = 40
	minPathWidth     = 16
	hudMinInterval   = 50 * time.Millisecond // don't redraw faster than this

	// hudFixedColumns is what line 1 of the HUD spends before the path.
	hudFixedColumns = 7 + graphWidth + 3 + 12 + 3 + 25 + 3
)

var graphLevels = []rune("\u2581\u2582\u2583\u2584\u2585\u2586\u2587\u2588")

// throughputGraph draws the newest width speed samples right-aligned, each
// scaled against the fastest sample in view. Missing history is flat.
func throughputGraph(samples []float64, width int) string {
	if width <= 0 {
		return ""
	}
	if len(samples) > width {
		samples = samples[len(samples)-width:]
	}
	peak := 0.0
	for _, v := range samples {
		peak = max(peak, v)
	}

	top := len(graphLevels) - 1
	var b strings.Builder
	b.WriteString(strings.Repeat(string(graphLevels[0]), width-len(samples)))
	for _, v := range samples {
		level := 0
		if peak > 0 && v > 0 {
			level = min(int(v/peak*float64(top)), top)
		}
		b.WriteRune(graphLevels[level])
	}
	return b.String()
}

// byteMeter renders done/total as a width-cell bar of filled and empty
// squares.
func byteMeter(done, total int64, width int) string {
	if width <= 0 {
		return ""
	}
	filled := int(fraction(done, total) * float64(width))
	return strings.Repeat("\u25aa", filled) + strings.Repeat("\u25a1", width-filled)
}

// pathWidth is the room left for the current path on a terminal of p.width
// columns.
func (p *hudPresenter) pathWidth() int {
	if p.width <= 0 {
		return currentPathWidth
	}
	return max(p.width-hudFixedColumns, minPathWidth)
}

func (p *hudPresenter) Run(events <-chan Event) error {
	// Fire first tick quickly to seed the ring buffer with initial speed data,
	// then switch to 1s interval.
	secTicker := time.NewTicker(250 * time.Millisecond)
	defer secTicker.Stop()
	firstTickDone := false

	// Redraw ticker for when no events are flowing (e.g., large file copy).
	redrawTicker := time.NewTicker(100 * time.Millisecond)
	defer redrawTicker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.clearHUD()
				return nil
			}
			p.handleEvent(ev)
			p.maybeDrawHUD()

		case <-redrawTicker.C:
			p.drawHUD()

		case <-secTicker.C:
			p.stats.Tick()
			if !firstTickDone {
				firstTickDone = true
				secTicker.Reset(1 * time.Second)
			}
		}
	}
}

func (p *hudPresenter) handleEvent(ev Event) {
	if f, ok := p.ops.observe(ev); ok {
		p.clearHUD()
		p.printFinished(f)
		p.drawHUD() // always redraw HUD after feed line
	}

	switch ev.Type {
	case event.DownloadProgress, event.BulkProgress:
		p.current = ev.Path

	case event.OperationCompleted:
		switch ev.Reason {
		case event.Completed:
			if ev.Kind == kindScan {
				n, size := p.ops.scan(ev.ID)
				p.clearHUD()
				fmt.Fprintf(p.w, "%sscanned %s entries  %s%s\n",
					ansiDim, FormatCount(n), FormatBytes(size), ansiReset)
				p.drawHUD()
			}
		case event.Canceled:
			p.clearHUD()
			fmt.Fprintf(p.w, "\u2013  %s  %scanceled%s\n", p.styledPath(ev.Path), ansiDim, ansiReset)
			p.drawHUD()
		default:
			errMsg := "error"
			if ev.Error != nil {
				errMsg = ev.Error.Error()
			}
			p.clearHUD()
			fmt.Fprintf(p.w, "\u2717  %s  %s\n", p.styledPath(ev.Path), errMsg)
			p.drawHUD()
		}
	}
}

func (p *hudPresenter) printFinished(f finished) {
	speed := p.stats.RollingSpeed(5)
	if speed > 0 {
		fmt.Fprintf(p.w, "\u2713  %s  %10s  %s\n",
			p.styledPath(f.Path), FormatBytes(f.Size), FormatRate(speed))
	} else {
		fmt.Fprintf(p.w, "\u2713  %s  %10s\n",
			p.styledPath(f.Path), FormatBytes(f.Size))
	}
}

// maybeDrawHUD redraws the HUD if enough time has passed since the last draw.
func (p *hudPresenter) maybeDrawHUD() {
	now := time.Now()
	if now.Sub(p.lastHUDDraw) < hudMinInterval {
		return
	}
	p.drawHUD()
}

func (p *hudPresenter) drawHUD() {
	snap := p.stats.Snapshot()

	// Clear previous HUD if drawn.
	p.clearHUD()

	pct := fraction(snap.BytesDone, snap.BytesTotal)
	speed := p.stats.RollingSpeed(10)
	eta := p.stats.ETA()

	// Line 1: throughput graph + speed + byte totals + current file.
	graph := throughputGraph(p.stats.SpeedSamples(graphWidth), graphWidth)
	fmt.Fprintf(p.w, "       %s   %s   %s / %s   %s%s%s\n",
		graph, FormatRate(speed),
		FormatBytes(snap.BytesDone), FormatBytes(snap.BytesTotal),
		ansiDim, truncPath(p.current, p.pathWidth()), ansiReset)

	// Line 2: byte meter + files + eta.
	bar := byteMeter(snap.BytesDone, snap.BytesTotal, meterWidth)
	fmt.Fprintf(p.w, " %3.0f%%  %s   %s / %s files   %s scanned   eta %s\n",
		pct*100, bar,
		FormatCount(snap.FilesDone), FormatCount(p.ops.filesTotal()),
		FormatCount(snap.EntriesScanned),
		formatETA(eta))

	p.hudDrawn = true
	p.hudLineCount = 2
	p.lastHUDDraw = time.Now()
}

func (p *hudPresenter) clearHUD() {
	if !p.hudDrawn {
		return
	}
	lines := p.hudLineCount
	if lines == 0 {
		lines = 2 // fallback
	}
	// Move cursor up N lines and clear to end of screen.
	fmt.Fprintf(p.w, "\033[%dA\033[J", lines)
	p.hudDrawn = false
}

func (p *hudPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}

// styledPath returns the path with the directory portion dimmed and the
// filename in normal weight, making the actual filename stand out.
func (p *hudPresenter) styledPath(name string) string {
	name = StripRoot(p.root, name)
	dir := path.Dir(name)
	base := path.Base(name)
	if dir == "." || dir == "" {
		return base
	}
	return fmt.Sprintf("%s%s/%s%s", ansiDim, dir, ansiReset, base)
}

// truncPath shortens a path to fit within maxLen characters.
func truncPath(name string, maxLen int) string {
	if len(name) <= maxLen {
		return name
	}
	if maxLen <= 3 {
		return name[:maxLen]
	}
	return "..." + name[len(name)-maxLen+3:]
}

// StripRoot removes a root prefix from a remote path, returning a clean
// relative path. Remote paths always use forward slashes.
func StripRoot(root, name string) string {
	if root == "" {
		return name
	}
	// Ensure root ends with separator for clean stripping.
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	if strings.HasPrefix(name, root) {
		return name[len(root):]
	}
	return name
}
