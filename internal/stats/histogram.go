package stats

import "math"

// Histogram bins cascade magnitudes into fixed-width buckets spanning
// [0, max). Magnitudes at or above max are counted as dropped rather than
// binned, so the bucket layout stays comparable across runs regardless of
// outliers. Bucket i covers [cutoff[i], cutoff[i+1]).
type Histogram struct {
	max     float64
	bins    int
	counts  []int64
	dropped int64
}

// HistogramSnapshot is the marshal-friendly view of a Histogram.
type HistogramSnapshot struct {
	Cutoffs     []float64 `json:"cutoffs"`
	Counts      []int64   `json:"counts"`
	RelativeLog []float64 `json:"relative_log_counts"`
	Dropped     int64     `json:"dropped"`
}

// NewHistogram builds a histogram with the given upper bound and bucket
// count. Callers validate both are positive.
func NewHistogram(max, bins int) *Histogram {
	return &Histogram{
		max:    float64(max),
		bins:   bins,
		counts: make([]int64, bins),
	}
}

// Add records one magnitude. Values at or above the upper bound are
// dropped, matching the fixed-range binning: the drop total stays visible
// through Dropped.
func (h *Histogram) Add(magnitude float64) {
	if magnitude >= h.max || magnitude < 0 {
		h.dropped++
		return
	}
	idx := int(magnitude / (h.max / float64(h.bins)))
	if idx >= h.bins {
		idx = h.bins - 1
	}
	h.counts[idx]++
}

// Cutoffs returns the bins+1 bucket boundaries from 0 to max inclusive.
func (h *Histogram) Cutoffs() []float64 {
	width := h.max / float64(h.bins)
	out := make([]float64, h.bins+1)
	for i := range out {
		out[i] = float64(i) * width
	}
	out[h.bins] = h.max
	return out
}

// Counts returns a copy of the per-bucket counts.
func (h *Histogram) Counts() []int64 {
	out := make([]int64, len(h.counts))
	copy(out, h.counts)
	return out
}

// Dropped returns how many magnitudes fell outside the bucket range.
func (h *Histogram) Dropped() int64 {
	return h.dropped
}

// RelativeLog returns log10(count+1) per bucket, scaled by the largest
// bucket so the result lies in [0,1]. Power-law distributed avalanche
// counts span orders of magnitude; the log-relative form keeps small
// buckets visible next to the dominant ones. An empty histogram returns
// all zeros.
func (h *Histogram) RelativeLog() []float64 {
	out := make([]float64, len(h.counts))
	peak := 0.0
	for i, n := range h.counts {
		out[i] = math.Log10(float64(n) + 1)
		if out[i] > peak {
			peak = out[i]
		}
	}
	if peak == 0 {
		return out
	}
	for i := range out {
		out[i] /= peak
	}
	return out
}

// Snapshot bundles the histogram state for the read surface.
func (h *Histogram) Snapshot() HistogramSnapshot {
	return HistogramSnapshot{
		Cutoffs:     h.Cutoffs(),
		Counts:      h.Counts(),
		RelativeLog: h.RelativeLog(),
		Dropped:     h.dropped,
	}
}
