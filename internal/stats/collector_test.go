package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	const goroutines = 100
	const opsPerGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range opsPerGoroutine {
				c.AddOperationsAdded(1)
				c.AddOperationsCompleted(1)
				c.AddEntriesScanned(1)
				c.AddFilesDone(1)
				c.AddBytesDone(256)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	expected := int64(goroutines * opsPerGoroutine)
	assert.Equal(t, expected, s.OperationsAdded)
	assert.Equal(t, expected, s.OperationsCompleted)
	assert.Equal(t, expected, s.EntriesScanned)
	assert.Equal(t, expected, s.FilesDone)
	assert.Equal(t, expected*256, s.BytesDone)
}

func TestSnapshotString(t *testing.T) {
	s := Snapshot{
		OperationsAdded:     3,
		OperationsCompleted: 1,
		OperationsFailed:    1,
		OperationsCanceled:  1,
		EntriesScanned:      10,
		FilesDone:           8,
		BytesDone:           4096,
		BytesTotal:          8192,
	}
	expected := "ops=3 completed=1 failed=1 canceled=1 scanned=10 files=8 bytes=4096/8192"
	assert.Equal(t, expected, s.String())
}

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	assert.False(t, c.startTime.IsZero())
	assert.InDelta(t, 0, c.Elapsed().Seconds(), 1)
}

func TestTickAndRollingSpeed(t *testing.T) {
	c := NewCollector()

	for range 5 {
		c.AddBytesDone(1000)
		c.Tick()
	}
	assert.InDelta(t, 1000.0, c.RollingSpeed(5), 0.01)
}

func TestRollingSpeedPartialWindow(t *testing.T) {
	c := NewCollector()

	c.AddBytesDone(500)
	c.Tick()
	c.AddBytesDone(500)
	c.Tick()

	// Ask for 10 but only have 2.
	assert.InDelta(t, 500.0, c.RollingSpeed(10), 0.01)
}

func TestRollingSpeedNoSamples(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, 0.0, c.RollingSpeed(5))
}

func TestRingWraparound(t *testing.T) {
	c := NewCollector()

	for range ringSize + 10 {
		c.AddBytesDone(100)
		c.Tick()
	}
	assert.InDelta(t, 100.0, c.RollingSpeed(ringSize), 0.01)
}

func TestETA(t *testing.T) {
	c := NewCollector()
	c.AddBytesTotal(10000)

	for range 5 {
		c.AddBytesDone(1000)
		c.Tick()
	}
	assert.InDelta(t, 5.0, c.ETA().Seconds(), 1.0)
}

func TestETANoSpeed(t *testing.T) {
	c := NewCollector()
	c.AddBytesTotal(10000)
	assert.Equal(t, time.Duration(0), c.ETA())
}

func TestETAComplete(t *testing.T) {
	c := NewCollector()
	c.AddBytesTotal(1000)
	c.AddBytesDone(1000)
	c.Tick()
	assert.Equal(t, time.Duration(0), c.ETA())
}

func TestSnapshotIncludesElapsed(t *testing.T) {
	c := NewCollector()
	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, c.Snapshot().Elapsed, time.Duration(0))
}

func TestSpeedSamples(t *testing.T) {
	c := NewCollector()
	assert.Empty(t, c.SpeedSamples(5))

	for i := range 3 {
		c.AddBytesDone(int64(i+1) * 100)
		c.Tick()
	}
	assert.Equal(t, []float64{100, 200, 300}, c.SpeedSamples(5))
	assert.Equal(t, []float64{200, 300}, c.SpeedSamples(2))
}
