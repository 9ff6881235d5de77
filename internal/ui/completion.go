package ui

import (
	"fmt"

	"github.com/bamsammich/ferry/internal/stats"
)

// CompletionSummary builds a final summary line from a snapshot.
// Format: done ✓  files 48,917  size 2.1 GiB  avg 641 MB/s  time 3m 17s  errors 0
func CompletionSummary(snap stats.Snapshot) string {
	avgSpeed := 0.0
	if snap.Elapsed.Seconds() > 0 {
		avgSpeed = float64(snap.BytesDone) / snap.Elapsed.Seconds()
	}

	icon := "\u2713"
	if snap.OperationsFailed > 0 {
		icon = "\u2717"
	}

	base := fmt.Sprintf("done %s  files %s  size %s  avg %s  time %s",
		icon,
		FormatCount(snap.FilesDone),
		FormatBytes(snap.BytesDone),
		FormatRate(avgSpeed),
		FormatDuration(snap.Elapsed),
	)

	if snap.OperationsCanceled > 0 {
		base += fmt.Sprintf("  canceled %d", snap.OperationsCanceled)
	}

	base += fmt.Sprintf("  errors %d", snap.OperationsFailed)

	return base
}
