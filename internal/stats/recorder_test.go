package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvanhoesen/abelian-sandpile/internal/sandpile"
)

func cascade(topples int64, size int) *sandpile.CascadeEvent {
	return &sandpile.CascadeEvent{
		Counts:       map[sandpile.Coord]int{},
		Size:         size,
		TotalTopples: topples,
	}
}

func TestNewRecorderDefaults(t *testing.T) {
	r, err := NewRecorder(DefaultParams())
	require.NoError(t, err)
	assert.Zero(t, r.Iterations())
}

func TestNewRecorderRejectsBadParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"unknown metric", func(p *Params) { p.Metric = "cells" }},
		{"unknown retention", func(p *Params) { p.Retention = "some" }},
		{"zero histogram max", func(p *Params) { p.HistogramMax = 0 }},
		{"zero histogram bins", func(p *Params) { p.HistogramBins = 0 }},
		{"zero trailing window", func(p *Params) { p.TrailingWindow = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			_, err := NewRecorder(p)
			require.ErrorIs(t, err, sandpile.ErrInvalidConfiguration)
		})
	}
}

func TestRecorderSeries(t *testing.T) {
	r, err := NewRecorder(DefaultParams())
	require.NoError(t, err)

	r.RecordInitial(1.5)
	r.Record(2.0, cascade(3, 2))
	r.Record(2.1, cascade(0, 0))
	r.Record(2.2, cascade(7, 4))

	assert.Equal(t, []float64{1.5, 2.0, 2.1, 2.2}, r.MeanSeries(),
		"mean series carries the pre-run sample plus one entry per iteration")
	assert.Equal(t, []float64{3, 0, 7}, r.MagnitudeSeries())
	assert.Equal(t, 3, r.Iterations())

	s := r.Summary()
	assert.Equal(t, int64(1), s.QuiescentCount)
	assert.Equal(t, int64(10), s.TotalTopples)
	assert.Equal(t, 7.0, s.MagnitudeMax)
	assert.Equal(t, 1.5, s.InitialMean)
	assert.Equal(t, 2.2, s.FinalMean)
	assert.Equal(t, string(MetricTopples), s.Metric)
}

func TestRecorderSiteMetric(t *testing.T) {
	p := DefaultParams()
	p.Metric = MetricSites
	r, err := NewRecorder(p)
	require.NoError(t, err)

	r.Record(2.0, cascade(3, 2))
	r.Record(2.0, cascade(0, 0))
	r.Record(2.0, cascade(7, 4))

	assert.Equal(t, []float64{2, 0, 4}, r.MagnitudeSeries())
}

func TestRecorderSeriesAreCopies(t *testing.T) {
	r, err := NewRecorder(DefaultParams())
	require.NoError(t, err)
	r.Record(2.0, cascade(1, 1))

	means := r.MeanSeries()
	means[0] = 99
	assert.Equal(t, []float64{2.0}, r.MeanSeries(), "mutating a returned series must not rewrite history")
}

func TestRecorderRetention(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		p := DefaultParams()
		p.Retention = RetainNone
		r, err := NewRecorder(p)
		require.NoError(t, err)

		r.Record(2.0, cascade(5, 3))
		_, ok := r.LatestCascade()
		assert.False(t, ok)
	})

	t.Run("latest", func(t *testing.T) {
		r, err := NewRecorder(DefaultParams())
		require.NoError(t, err)

		r.Record(2.0, cascade(5, 3))
		r.Record(2.1, cascade(8, 4))

		rec, ok := r.LatestCascade()
		require.True(t, ok)
		assert.Equal(t, 2, rec.Iteration)
		assert.Equal(t, int64(8), rec.Event.TotalTopples)

		_, ok = r.CascadeAt(1)
		assert.False(t, ok, "only the latest footprint is retained")
		rec, ok = r.CascadeAt(2)
		require.True(t, ok)
		assert.Equal(t, int64(8), rec.Event.TotalTopples)
	})

	t.Run("all", func(t *testing.T) {
		p := DefaultParams()
		p.Retention = RetainAll
		r, err := NewRecorder(p)
		require.NoError(t, err)

		r.Record(2.0, cascade(5, 3))
		r.Record(2.1, cascade(8, 4))

		rec, ok := r.CascadeAt(1)
		require.True(t, ok)
		assert.Equal(t, int64(5), rec.Event.TotalTopples)
		rec, ok = r.CascadeAt(2)
		require.True(t, ok)
		assert.Equal(t, int64(8), rec.Event.TotalTopples)
		_, ok = r.CascadeAt(3)
		assert.False(t, ok)
	})
}

func TestRecorderSummaryStatistics(t *testing.T) {
	p := DefaultParams()
	p.TrailingWindow = 10
	r, err := NewRecorder(p)
	require.NoError(t, err)

	r.RecordInitial(0)
	for i := 1; i <= 100; i++ {
		r.Record(float64(i), cascade(int64(i), 1))
	}

	s := r.Summary()
	assert.Equal(t, 100, s.Iterations)
	assert.Equal(t, 0.0, s.InitialMean)
	assert.Equal(t, 100.0, s.FinalMean)
	assert.InDelta(t, 95.5, s.TrailingMean, 1e-9, "trailing window covers means 91..100")
	assert.Less(t, s.TrailingStdDev, s.SeriesStdDev,
		"a ramping series must settle inside the trailing window")
	assert.InDelta(t, 50.5, s.MagnitudeMean, 1e-9)
	assert.Equal(t, 50.0, s.MagnitudeP50)
	assert.Equal(t, 95.0, s.MagnitudeP95)
	assert.Equal(t, 100.0, s.MagnitudeMax)
	// Magnitude 100 sits on the histogram's upper bound and is dropped.
	assert.Equal(t, int64(1), s.HistogramDropped)
}

func TestRecorderSummaryEmpty(t *testing.T) {
	r, err := NewRecorder(DefaultParams())
	require.NoError(t, err)

	s := r.Summary()
	assert.Zero(t, s.Iterations)
	assert.Zero(t, s.FinalMean)
	assert.Zero(t, s.MagnitudeMax)
}
