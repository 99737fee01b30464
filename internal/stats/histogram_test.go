package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogramBinning(t *testing.T) {
	tests := []struct {
		name      string
		magnitude float64
		wantBin   int // -1 means dropped
	}{
		{"zero lands in the first bucket", 0, 0},
		{"below first cutoff", 1, 0},
		{"exactly on a cutoff goes right", 2, 1},
		{"mid range", 51, 25},
		{"last in-range value", 99, 49},
		{"at the maximum is dropped", 100, -1},
		{"far past the maximum is dropped", 2500, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHistogram(100, 50)
			h.Add(tt.magnitude)

			counts := h.Counts()
			if tt.wantBin == -1 {
				assert.Equal(t, int64(1), h.Dropped(), "magnitude should have been dropped")
				for i, n := range counts {
					assert.Zerof(t, n, "bucket %d should be empty", i)
				}
				return
			}
			assert.Zero(t, h.Dropped())
			for i, n := range counts {
				if i == tt.wantBin {
					assert.Equalf(t, int64(1), n, "bucket %d should hold the magnitude", i)
				} else {
					assert.Zerof(t, n, "bucket %d should be empty", i)
				}
			}
		})
	}
}

func TestHistogramCutoffs(t *testing.T) {
	h := NewHistogram(100, 50)
	cutoffs := h.Cutoffs()

	require.Len(t, cutoffs, 51)
	assert.Equal(t, 0.0, cutoffs[0])
	assert.Equal(t, 2.0, cutoffs[1])
	assert.Equal(t, 100.0, cutoffs[50])
}

func TestHistogramRelativeLog(t *testing.T) {
	h := NewHistogram(10, 2)
	// Nine values in the first bucket, none in the second.
	for i := 0; i < 9; i++ {
		h.Add(1)
	}

	rel := h.RelativeLog()
	require.Len(t, rel, 2)
	// log10(9+1) = 1 is the peak, so the first bucket normalizes to 1.
	assert.InDelta(t, 1.0, rel[0], 1e-12)
	assert.InDelta(t, 0.0, rel[1], 1e-12)
}

func TestHistogramRelativeLogEmpty(t *testing.T) {
	h := NewHistogram(10, 4)
	for _, v := range h.RelativeLog() {
		assert.Zero(t, v, "empty histogram must normalize to all zeros")
	}
}

func TestHistogramSnapshotIsCopy(t *testing.T) {
	h := NewHistogram(10, 2)
	h.Add(1)

	snap := h.Snapshot()
	snap.Counts[0] = 99
	snap.Cutoffs[0] = 99

	assert.Equal(t, int64(1), h.Counts()[0], "mutating a snapshot must not touch the histogram")
	assert.Equal(t, 0.0, h.Cutoffs()[0])
}
