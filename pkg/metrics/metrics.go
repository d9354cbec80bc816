package metrics

import (
	"fmt"
	"io"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/fjl/memsize"
)

// LatencyRecorder tracks how long forced collections take.
type LatencyRecorder struct {
	mu        sync.Mutex
	latencies []time.Duration
	startTime time.Time
}

// LatencyStats summarizes a LatencyRecorder.
type LatencyStats struct {
	Count int
	Mean  time.Duration
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// NewLatencyRecorder creates a new latency recorder
func NewLatencyRecorder() *LatencyRecorder {
	return &LatencyRecorder{
		latencies: make([]time.Duration, 0, 1_024),
		startTime: time.Now(),
	}
}

// Add records a single measured duration.
func (lr *LatencyRecorder) Add(d time.Duration) {
	lr.mu.Lock()
	lr.latencies = append(lr.latencies, d)
	lr.mu.Unlock()
}

// Stats computes percentiles over everything recorded so far.
func (lr *LatencyRecorder) Stats() LatencyStats {
	lr.mu.Lock()
	sorted := make([]time.Duration, len(lr.latencies))
	copy(sorted, lr.latencies)
	lr.mu.Unlock()

	if len(sorted) == 0 {
		return LatencyStats{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, lat := range sorted {
		sum += lat
	}

	return LatencyStats{
		Count: len(sorted),
		Mean:  sum / time.Duration(len(sorted)),
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P99:   percentile(sorted, 0.99),
		Max:   sorted[len(sorted)-1],
	}
}

// WriteStats outputs latency statistics
func (lr *LatencyRecorder) WriteStats(w io.Writer, label string) {
	s := lr.Stats()
	if s.Count == 0 {
		_, _ = fmt.Fprintf(w, "%s: No latencies recorded\n", label)
		return
	}

	_, _ = fmt.Fprintf(w, "\n=== %s ===\n", label)
	_, _ = fmt.Fprintf(w, "Operations:   %d\n", s.Count)
	_, _ = fmt.Fprintf(w, "Duration:     %v\n", time.Since(lr.startTime))
	_, _ = fmt.Fprintf(w, "Mean:         %v\n", s.Mean)
	_, _ = fmt.Fprintf(w, "Median (p50): %v\n", s.P50)
	_, _ = fmt.Fprintf(w, "p90:          %v\n", s.P90)
	_, _ = fmt.Fprintf(w, "p99:          %v\n", s.P99)
	_, _ = fmt.Fprintf(w, "Max:          %v\n", s.Max)
}

// MemStats returns current memory statistics
func MemStats() runtime.MemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m
}

// WriteMemStats outputs memory usage information
func WriteMemStats(w io.Writer, label string) {
	m := MemStats()

	_, _ = fmt.Fprintf(w, "\n=== Memory Stats: %s ===\n", label)
	_, _ = fmt.Fprintf(w, "Heap Alloc:   %d MB\n", m.HeapAlloc/1024/1024)
	_, _ = fmt.Fprintf(w, "Heap Objects: %d\n", m.HeapObjects)
	_, _ = fmt.Fprintf(w, "Sys Memory:   %d MB\n", m.Sys/1024/1024)
	_, _ = fmt.Fprintf(w, "GC Cycles:    %d\n", m.NumGC)
	if m.NumGC > 0 {
		_, _ = fmt.Fprintf(w, "Last GC Pause: %v\n", time.Duration(m.PauseNs[(m.NumGC+255)%256]))
		_, _ = fmt.Fprintf(w, "Total GC Pause: %v\n", time.Duration(m.PauseTotalNs))
	}
}

// RetainedSize walks everything reachable from v and returns its total size
// in bytes. v must be a non-nil pointer. The world is stopped during the scan.
// Closure environments are opaque to the scanner, so captured values count
// only through the slots that reference them.
func RetainedSize(v any) uintptr {
	return memsize.Scan(v).Total
}

// percentile returns the q‑percentile in [0,1] using linear interpolation.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + time.Duration(frac*float64(sorted[hi]-sorted[lo]))
}
