// Package monitor tracks execution metrics: intent outcomes, dispatch
// latency and process health.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ExecutionMetrics tracks pipeline performance.
type ExecutionMetrics struct {
	// Latency histograms
	IntentLatency   *LatencyHistogram
	DispatchLatency *LatencyHistogram

	// Counters
	intentsExecuted uint64
	intentsSkipped  uint64
	intentsRejected uint64
	intentsFailed   uint64
	duplicateHits   uint64
	apiRequests     uint64
	apiErrors       uint64
}

// NewExecutionMetrics creates a new metrics instance.
func NewExecutionMetrics() *ExecutionMetrics {
	return &ExecutionMetrics{
		IntentLatency:   NewLatencyHistogram(1000),
		DispatchLatency: NewLatencyHistogram(1000),
	}
}

// LatencyHistogram tracks latency samples with a sliding window. Stats are
// computed lazily and cached until new samples arrive.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		// Shift window: remove oldest
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// RecordOutcome counts one finished intent by its outcome class.
func (m *ExecutionMetrics) RecordOutcome(outcome string, duplicate bool) {
	if duplicate {
		atomic.AddUint64(&m.duplicateHits, 1)
		return
	}
	switch outcome {
	case "EXECUTED":
		atomic.AddUint64(&m.intentsExecuted, 1)
	case "REJECTED":
		atomic.AddUint64(&m.intentsRejected, 1)
	case "FAILED":
		atomic.AddUint64(&m.intentsFailed, 1)
	default:
		atomic.AddUint64(&m.intentsSkipped, 1)
	}
}

// IncrementAPI increments the request counter.
func (m *ExecutionMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors increments the error counter.
func (m *ExecutionMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// MetricsSnapshot is a point-in-time view for the metrics endpoint.
type MetricsSnapshot struct {
	IntentLatency   LatencyStats `json:"intent_latency"`
	DispatchLatency LatencyStats `json:"dispatch_latency"`
	IntentsExecuted uint64       `json:"intents_executed"`
	IntentsSkipped  uint64       `json:"intents_skipped"`
	IntentsRejected uint64       `json:"intents_rejected"`
	IntentsFailed   uint64       `json:"intents_failed"`
	DuplicateHits   uint64       `json:"duplicate_hits"`
	APIRequests     uint64       `json:"api_requests"`
	APIErrors       uint64       `json:"api_errors"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	HeapSys         uint64       `json:"heap_sys_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *ExecutionMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		IntentLatency:   m.IntentLatency.Stats(),
		DispatchLatency: m.DispatchLatency.Stats(),
		IntentsExecuted: atomic.LoadUint64(&m.intentsExecuted),
		IntentsSkipped:  atomic.LoadUint64(&m.intentsSkipped),
		IntentsRejected: atomic.LoadUint64(&m.intentsRejected),
		IntentsFailed:   atomic.LoadUint64(&m.intentsFailed),
		DuplicateHits:   atomic.LoadUint64(&m.duplicateHits),
		APIRequests:     atomic.LoadUint64(&m.apiRequests),
		APIErrors:       atomic.LoadUint64(&m.apiErrors),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		HeapSys:         memStats.HeapSys,
		Timestamp:       time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
