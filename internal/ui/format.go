package ui

import (
	"time"

	"github.com/dustin/go-humanize"
)

// FormatBytes formats a byte count in binary units.
func FormatBytes(b int64) string {
	if b < 0 {
		return "-" + humanize.IBytes(uint64(-b))
	}
	return humanize.IBytes(uint64(b))
}

// FormatRate formats a transfer rate in binary units per second.
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec < 1 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bytesPerSec)) + "/s"
}

// FormatCount formats an entry or file count with thousands separators.
func FormatCount(n int64) string {
	return humanize.Comma(n)
}

// FormatDuration formats elapsed time rounded to the second, e.g. "3m17s".
func FormatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

// formatETA is FormatDuration with "--" standing in for an unknown estimate.
func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	return FormatDuration(d)
}

// fraction is done/total clamped to [0, 1]; an unknown total reads as 0.
func fraction(done, total int64) float64 {
	switch {
	case total <= 0 || done <= 0:
		return 0
	case done >= total:
		return 1
	}
	return float64(done) / float64(total)
}
