package scan

import (
	"sync/atomic"
	"time"
)

// Stats are process-wide engine counters, safe for concurrent use.
type Stats struct {
	TargetsScanned  atomic.Uint64
	TargetsFailed   atomic.Uint64
	ListingsSeen    atomic.Uint64
	ListingsQualify atomic.Uint64
	RateLimited     atomic.Uint64
	EgressFailures  atomic.Uint64
	EgressBlocked   atomic.Uint64
	DirectFallbacks atomic.Uint64
	PublishErrors   atomic.Uint64
	WorkersInFlight atomic.Int64
	FetchLatency    *Histogram
}

// NewStats returns zeroed stats with the default fetch latency buckets (seconds).
func NewStats() *Stats {
	return &Stats{FetchLatency: NewHistogram([]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5})}
}

// Histogram is a fixed-bucket latency histogram. Counts has one extra slot for +Inf.
type Histogram struct {
	Buckets []float64
	Counts  []atomic.Uint64
	SumNs   atomic.Uint64
	Count   atomic.Uint64
}

func NewHistogram(buckets []float64) *Histogram {
	return &Histogram{Buckets: buckets, Counts: make([]atomic.Uint64, len(buckets)+1)}
}

// Observe records one duration.
func (h *Histogram) Observe(d time.Duration) {
	if h == nil || d <= 0 {
		return
	}
	seconds := d.Seconds()
	idx := len(h.Buckets)
	for i, bound := range h.Buckets {
		if seconds <= bound {
			idx = i
			break
		}
	}
	h.Counts[idx].Add(1)
	h.SumNs.Add(uint64(d.Nanoseconds()))
	h.Count.Add(1)
}
