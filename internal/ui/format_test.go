package ui

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatRate(t *testing.T) {
	tests := []struct {
		input float64
		want  string
	}{
		{0, "0 B/s"},
		{-1, "0 B/s"},
		{0.5, "0 B/s"},
		{512, "512 B/s"},
		{1536, "1.5 KiB/s"},
		{100 * 1024 * 1024, "100 MiB/s"},
		{2.5 * 1024 * 1024 * 1024, "2.5 GiB/s"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatRate(tt.input))
		})
	}
}

func TestFormatETA(t *testing.T) {
	assert.Equal(t, "--", formatETA(0))
	assert.Equal(t, "--", formatETA(-time.Second))
	assert.Equal(t, "30s", formatETA(30*time.Second))
	assert.Equal(t, "1m30s", formatETA(90*time.Second+200*time.Millisecond))
	assert.Equal(t, "1h1m1s", formatETA(3661*time.Second))
}

func TestFormatCount(t *testing.T) {
	assert.Equal(t, "0", FormatCount(0))
	assert.Equal(t, "999", FormatCount(999))
	assert.Equal(t, "14,302", FormatCount(14302))
	assert.Equal(t, "1,000,000", FormatCount(1000000))
	assert.Equal(t, "-1,000", FormatCount(-1000))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", FormatBytes(0))
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Equal(t, "100 MiB", FormatBytes(100*1024*1024))
	assert.Equal(t, "-2.0 KiB", FormatBytes(-2048))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", FormatDuration(0))
	assert.Equal(t, "30s", FormatDuration(30*time.Second))
	assert.Equal(t, "3m17s", FormatDuration(3*time.Minute+17*time.Second+400*time.Millisecond))
	assert.Equal(t, "1h2m3s", FormatDuration(time.Hour+2*time.Minute+3*time.Second))
}

func TestFraction(t *testing.T) {
	assert.Zero(t, fraction(10, 0))
	assert.Zero(t, fraction(-1, 10))
	assert.InDelta(t, 0.25, fraction(25, 100), 1e-9)
	assert.InDelta(t, 1.0, fraction(120, 100), 1e-9)
}
