package capture

import (
	"fmt"
	"sync"
	"time"
)

// sample is one processed-frame observation.
type sample struct {
	procTime time.Duration
	success  bool
}

// perfWindow is a fixed-size rolling buffer of recent frame observations,
// read by the adaptive-interval adjuster.
type perfWindow struct {
	mu   sync.Mutex
	buf  []sample
	head int
	size int
}

func newPerfWindow(capacity int) *perfWindow {
	return &perfWindow{buf: make([]sample, capacity)}
}

func (w *perfWindow) add(procTime time.Duration, success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf[w.head] = sample{procTime: procTime, success: success}
	w.head = (w.head + 1) % len(w.buf)
	if w.size < len(w.buf) {
		w.size++
	}
}

// snapshot returns count, success rate and average processing time over the
// window contents.
func (w *perfWindow) snapshot() (n int, successRate float64, avgProc time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size == 0 {
		return 0, 0, 0
	}
	var ok int
	var total time.Duration
	for i := 0; i < w.size; i++ {
		s := w.buf[i]
		if s.success {
			ok++
		}
		total += s.procTime
	}
	return w.size, float64(ok) / float64(w.size), total / time.Duration(w.size)
}

// Stats is a snapshot of overall frame-capture performance.
type Stats struct {
	Total     int64
	Succeeded int64
	MaxProc   time.Duration
	AvgProc   time.Duration
}

// SuccessRate returns the percentage of successfully processed frames.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total) * 100
}

func (s Stats) String() string {
	return fmt.Sprintf("total=%d success=%d (%.1f%%) max=%s avg=%s",
		s.Total, s.Succeeded, s.SuccessRate(), s.MaxProc, s.AvgProc)
}

type statsCounters struct {
	mu        sync.Mutex
	total     int64
	succeeded int64
	maxProc   time.Duration
	totalProc time.Duration
}

func (c *statsCounters) record(procTime time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if success {
		c.succeeded++
	}
	if procTime > c.maxProc {
		c.maxProc = procTime
	}
	c.totalProc += procTime
}

func (c *statsCounters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Total: c.total, Succeeded: c.succeeded, MaxProc: c.maxProc}
	if c.total > 0 {
		s.AvgProc = c.totalProc / time.Duration(c.total)
	}
	return s
}
