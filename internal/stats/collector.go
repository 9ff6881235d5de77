package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks queue statistics using lock-free atomic counters.
type Collector struct {
	opsAdded       atomic.Int64
	opsCompleted   atomic.Int64
	opsFailed      atomic.Int64
	opsCanceled    atomic.Int64
	entriesScanned atomic.Int64
	filesDone      atomic.Int64
	bytesDone      atomic.Int64
	bytesTotal     atomic.Int64
	startTime      time.Time

	// Ring buffer, written only by Tick.
	mu         sync.Mutex
	throughput [ringSize]int64 // bytes delta per tick
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	OperationsAdded     int64
	OperationsCompleted int64
	OperationsFailed    int64
	OperationsCanceled  int64
	EntriesScanned      int64
	FilesDone           int64
	BytesDone           int64
	BytesTotal          int64
	Elapsed             time.Duration
}

func (c *Collector) AddOperationsAdded(n int64)     { c.opsAdded.Add(n) }
func (c *Collector) AddOperationsCompleted(n int64) { c.opsCompleted.Add(n) }
func (c *Collector) AddOperationsFailed(n int64)    { c.opsFailed.Add(n) }
func (c *Collector) AddOperationsCanceled(n int64)  { c.opsCanceled.Add(n) }
func (c *Collector) AddEntriesScanned(n int64)      { c.entriesScanned.Add(n) }
func (c *Collector) AddFilesDone(n int64)           { c.filesDone.Add(n) }
func (c *Collector) AddBytesDone(n int64)           { c.bytesDone.Add(n) }
func (c *Collector) AddBytesTotal(n int64)          { c.bytesTotal.Add(n) }

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		OperationsAdded:     c.opsAdded.Load(),
		OperationsCompleted: c.opsCompleted.Load(),
		OperationsFailed:    c.opsFailed.Load(),
		OperationsCanceled:  c.opsCanceled.Load(),
		EntriesScanned:      c.entriesScanned.Load(),
		FilesDone:           c.filesDone.Load(),
		BytesDone:           c.bytesDone.Load(),
		BytesTotal:          c.bytesTotal.Load(),
		Elapsed:             c.Elapsed(),
	}
}

// Tick records the byte delta since the previous Tick. Called once per
// second by the presenter.
func (c *Collector) Tick() {
	current := c.bytesDone.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(seconds, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// SpeedSamples returns up to n of the most recent per-tick byte deltas,
// oldest first.
func (c *Collector) SpeedSamples(n int) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(n, c.ringCount)
	if count <= 0 {
		return nil
	}
	out := make([]float64, count)
	for i := range count {
		idx := (c.ringIdx - count + i + ringSize) % ringSize
		out[i] = float64(c.throughput[idx])
	}
	return out
}

// ETA estimates remaining time based on rolling speed and remaining bytes.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesDone.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"ops=%d completed=%d failed=%d canceled=%d scanned=%d files=%d bytes=%d/%d",
		s.OperationsAdded, s.OperationsCompleted, s.OperationsFailed, s.OperationsCanceled,
		s.EntriesScanned, s.FilesDone, s.BytesDone, s.BytesTotal,
	)
}
