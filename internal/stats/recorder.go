// Package stats accumulates per-iteration series and avalanche statistics
// for a sandpile run. The Recorder is written by the single simulation
// goroutine and read concurrently by the HTTP surface, so every write
// happens under a write lock and every read hands out copies.
package stats

import (
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/dvanhoesen/abelian-sandpile/internal/sandpile"
)

// Metric selects which cascade attribute feeds the magnitude series.
type Metric string

const (
	// MetricTopples records the total topple events per iteration.
	MetricTopples Metric = "topples"
	// MetricSites records the number of distinct toppled cells.
	MetricSites Metric = "sites"
)

// Retention controls how many cascade footprints the recorder keeps.
type Retention string

const (
	// RetainLatest keeps only the most recent cascade.
	RetainLatest Retention = "latest"
	// RetainNone keeps no footprints, series and histogram only.
	RetainNone Retention = "none"
	// RetainAll keeps every cascade of the run. Memory grows with
	// iterations times avalanche size; intended for small studies.
	RetainAll Retention = "all"
)

// Params configures a Recorder.
type Params struct {
	Metric         Metric
	HistogramMax   int
	HistogramBins  int
	Retention      Retention
	TrailingWindow int
}

// DefaultParams returns the standard recorder configuration: topple-count
// magnitudes, a 50-bucket histogram up to magnitude 100, latest-footprint
// retention, and a 500-sample trailing window.
func DefaultParams() Params {
	return Params{
		Metric:         MetricTopples,
		HistogramMax:   100,
		HistogramBins:  50,
		Retention:      RetainLatest,
		TrailingWindow: 500,
	}
}

func (p Params) validate() error {
	switch p.Metric {
	case MetricTopples, MetricSites:
	default:
		return fmt.Errorf("unknown magnitude metric %q: %w", p.Metric, sandpile.ErrInvalidConfiguration)
	}
	switch p.Retention {
	case RetainLatest, RetainNone, RetainAll:
	default:
		return fmt.Errorf("unknown footprint retention %q: %w", p.Retention, sandpile.ErrInvalidConfiguration)
	}
	if p.HistogramMax < 1 {
		return fmt.Errorf("histogram max must be at least 1, got %d: %w", p.HistogramMax, sandpile.ErrInvalidConfiguration)
	}
	if p.HistogramBins < 1 {
		return fmt.Errorf("histogram bins must be at least 1, got %d: %w", p.HistogramBins, sandpile.ErrInvalidConfiguration)
	}
	if p.TrailingWindow < 1 {
		return fmt.Errorf("trailing window must be at least 1, got %d: %w", p.TrailingWindow, sandpile.ErrInvalidConfiguration)
	}
	return nil
}

// RecordedCascade pairs a cascade with the iteration that produced it.
// Iterations count from 1.
type RecordedCascade struct {
	Iteration int
	Event     *sandpile.CascadeEvent
}

// Summary is the rollup view of a run so far.
type Summary struct {
	Iterations       int     `json:"iterations"`
	Metric           string  `json:"metric"`
	InitialMean      float64 `json:"initial_mean"`
	FinalMean        float64 `json:"final_mean"`
	TrailingMean     float64 `json:"trailing_mean"`
	TrailingStdDev   float64 `json:"trailing_std_dev"`
	SeriesStdDev     float64 `json:"series_std_dev"`
	MagnitudeMean    float64 `json:"magnitude_mean"`
	MagnitudeMax     float64 `json:"magnitude_max"`
	MagnitudeP50     float64 `json:"magnitude_p50"`
	MagnitudeP95     float64 `json:"magnitude_p95"`
	QuiescentCount   int64   `json:"quiescent_count"`
	TotalTopples     int64   `json:"total_topples"`
	HistogramDropped int64   `json:"histogram_dropped"`
}

// Recorder accumulates the mean-height series, the magnitude series, the
// magnitude histogram, and retained cascade footprints. Series are
// append-only; recorded history is never rewritten.
type Recorder struct {
	mu           sync.RWMutex
	params       Params
	means        []float64
	magnitudes   []float64
	hist         *Histogram
	quiescent    int64
	totalTopples int64
	maxMagnitude float64
	latest       *RecordedCascade
	all          []*RecordedCascade
}

// NewRecorder builds a Recorder, rejecting unusable params.
func NewRecorder(p Params) (*Recorder, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &Recorder{
		params: p,
		hist:   NewHistogram(p.HistogramMax, p.HistogramBins),
	}, nil
}

// RecordInitial stores the pre-run mean height, the sample taken before the
// first grain drops. It makes the mean series one entry longer than the
// magnitude series. Call it exactly once, before the first Record.
func (r *Recorder) RecordInitial(mean float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.means = append(r.means, mean)
}

// Record appends one iteration's outcome: the post-relaxation mean height
// and the cascade it took to get there. Quiescent iterations (no topples)
// are recorded as magnitude zero.
func (r *Recorder) Record(mean float64, ev *sandpile.CascadeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	magnitude := float64(ev.TotalTopples)
	if r.params.Metric == MetricSites {
		magnitude = float64(ev.Size)
	}

	r.means = append(r.means, mean)
	r.magnitudes = append(r.magnitudes, magnitude)
	r.hist.Add(magnitude)
	r.totalTopples += ev.TotalTopples
	if ev.TotalTopples == 0 {
		r.quiescent++
	}
	if magnitude > r.maxMagnitude {
		r.maxMagnitude = magnitude
	}

	if r.params.Retention == RetainNone {
		return
	}
	rec := &RecordedCascade{Iteration: len(r.magnitudes), Event: ev}
	r.latest = rec
	if r.params.Retention == RetainAll {
		r.all = append(r.all, rec)
	}
}

// Iterations returns how many iterations have been recorded.
func (r *Recorder) Iterations() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.magnitudes)
}

// MeanSeries returns a copy of the mean-height series. Index 0 is the
// pre-run sample when RecordInitial was used.
func (r *Recorder) MeanSeries() []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]float64, len(r.means))
	copy(out, r.means)
	return out
}

// MagnitudeSeries returns a copy of the per-iteration magnitude series.
func (r *Recorder) MagnitudeSeries() []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]float64, len(r.magnitudes))
	copy(out, r.magnitudes)
	return out
}

// Histogram returns the current magnitude distribution.
func (r *Recorder) Histogram() HistogramSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hist.Snapshot()
}

// LatestCascade returns the most recent retained cascade.
func (r *Recorder) LatestCascade() (RecordedCascade, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return RecordedCascade{}, false
	}
	return *r.latest, true
}

// CascadeAt returns the cascade of a specific iteration. Only available
// under RetainAll, except that the latest iteration is always reachable
// while a footprint is retained at all.
func (r *Recorder) CascadeAt(iteration int) (RecordedCascade, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest != nil && r.latest.Iteration == iteration {
		return *r.latest, true
	}
	if r.params.Retention != RetainAll {
		return RecordedCascade{}, false
	}
	if iteration < 1 || iteration > len(r.all) {
		return RecordedCascade{}, false
	}
	return *r.all[iteration-1], true
}

// Summary computes the rollup statistics over everything recorded so far.
func (r *Recorder) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{
		Iterations:       len(r.magnitudes),
		Metric:           string(r.params.Metric),
		MagnitudeMax:     r.maxMagnitude,
		QuiescentCount:   r.quiescent,
		TotalTopples:     r.totalTopples,
		HistogramDropped: r.hist.Dropped(),
	}
	if len(r.means) > 0 {
		s.InitialMean = r.means[0]
		s.FinalMean = r.means[len(r.means)-1]
		s.TrailingMean = stat.Mean(r.trailingLocked(), nil)
	}
	if len(r.means) > 1 {
		s.SeriesStdDev = stat.StdDev(r.means, nil)
	}
	if trailing := r.trailingLocked(); len(trailing) > 1 {
		s.TrailingStdDev = stat.StdDev(trailing, nil)
	}
	if len(r.magnitudes) > 0 {
		s.MagnitudeMean = stat.Mean(r.magnitudes, nil)
		sorted := make([]float64, len(r.magnitudes))
		copy(sorted, r.magnitudes)
		sort.Float64s(sorted)
		s.MagnitudeP50 = stat.Quantile(0.5, stat.Empirical, sorted, nil)
		s.MagnitudeP95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	}
	return s
}

// trailingLocked returns the last TrailingWindow samples of the mean
// series. Caller holds at least a read lock.
func (r *Recorder) trailingLocked() []float64 {
	if len(r.means) <= r.params.TrailingWindow {
		return r.means
	}
	return r.means[len(r.means)-r.params.TrailingWindow:]
}
