// Package sandpile implements the Bak-Tang-Wiesenfeld abelian sandpile on a
// square lattice with open boundaries. A Field holds integer grain heights;
// the Engine in relax.go stabilizes the field after perturbations, emitting
// one CascadeEvent per relaxation episode.
//
// Grains pushed across the lattice edge leave the system, which is what
// guarantees every cascade terminates. The model is abelian: the order in
// which critical cells topple never changes the final stable field or the
// per-cell topple counts, only the internal event ordering.
package sandpile

import (
	"fmt"
	"math/rand"
)

// CriticalHeight is the topple threshold. Cells at or above it are critical
// and must relax; stable cells carry 0 through CriticalHeight-1 grains.
const CriticalHeight = 4

// Coord addresses one lattice cell by row and column.
type Coord struct {
	Row int
	Col int
}

// Field is a size x size sandpile lattice. Heights are stored row-major in a
// flat slice; Idx maps (row, col) to the backing index. The zero value is not
// usable; construct fields with New, NewEmpty, or NewFromHeights.
type Field struct {
	size    int
	heights []int
}

// New builds a size x size field with every cell seeded uniformly at random
// from [0, CriticalHeight), so a fresh field is always stable. The caller
// supplies the random source; runs that share a seed produce identical
// initial fields.
func New(size int, rng *rand.Rand) (*Field, error) {
	f, err := NewEmpty(size)
	if err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, fmt.Errorf("nil random source: %w", ErrInvalidConfiguration)
	}
	for i := range f.heights {
		f.heights[i] = rng.Intn(CriticalHeight)
	}
	return f, nil
}

// NewEmpty builds a size x size field with all heights zero.
func NewEmpty(size int) (*Field, error) {
	if size < 1 {
		return nil, fmt.Errorf("grid size must be at least 1, got %d: %w", size, ErrInvalidConfiguration)
	}
	return &Field{
		size:    size,
		heights: make([]int, size*size),
	}, nil
}

// NewFromHeights builds a field from an explicit square height matrix.
// Heights at or above CriticalHeight are accepted; callers that load such a
// field are expected to stabilize it before simulating on it.
func NewFromHeights(heights [][]int) (*Field, error) {
	size := len(heights)
	f, err := NewEmpty(size)
	if err != nil {
		return nil, err
	}
	for r, row := range heights {
		if len(row) != size {
			return nil, fmt.Errorf("row %d has %d columns, want %d: %w", r, len(row), size, ErrInvalidConfiguration)
		}
		for c, h := range row {
			if h < 0 {
				return nil, fmt.Errorf("negative height %d at (%d,%d): %w", h, r, c, ErrInvalidConfiguration)
			}
			f.heights[f.Idx(r, c)] = h
		}
	}
	return f, nil
}

// Size returns the lattice edge length.
func (f *Field) Size() int { return f.size }

// Area returns the total number of cells.
func (f *Field) Area() int { return f.size * f.size }

// Idx maps a row and column to the flat backing index.
func (f *Field) Idx(row, col int) int { return row*f.size + col }

// InBounds reports whether (row, col) addresses a cell on the lattice.
func (f *Field) InBounds(row, col int) bool {
	return row >= 0 && row < f.size && col >= 0 && col < f.size
}

// Height returns the grain count at (row, col).
func (f *Field) Height(row, col int) (int, error) {
	if !f.InBounds(row, col) {
		return 0, f.boundsError(row, col)
	}
	return f.heights[f.Idx(row, col)], nil
}

// Perturb drops a single grain at (row, col) and returns the new height.
// It never relaxes the field; callers stabilize through an Engine when the
// returned height reaches CriticalHeight.
func (f *Field) Perturb(row, col int) (int, error) {
	if !f.InBounds(row, col) {
		return 0, f.boundsError(row, col)
	}
	i := f.Idx(row, col)
	f.heights[i]++
	return f.heights[i], nil
}

// Mean returns the arithmetic mean height across all cells.
func (f *Field) Mean() float64 {
	return float64(f.Mass()) / float64(f.Area())
}

// Mass returns the total number of grains on the lattice.
func (f *Field) Mass() int64 {
	var total int64
	for _, h := range f.heights {
		total += int64(h)
	}
	return total
}

// Snapshot returns a deep row-major copy of the heights. Consumers own the
// copy outright; the live field never escapes the simulation goroutine.
func (f *Field) Snapshot() [][]int {
	out := make([][]int, f.size)
	for r := 0; r < f.size; r++ {
		row := make([]int, f.size)
		copy(row, f.heights[r*f.size:(r+1)*f.size])
		out[r] = row
	}
	return out
}

// Unstable returns every critical cell in row-major order. An empty result
// means the field is stable.
func (f *Field) Unstable() []Coord {
	var out []Coord
	for r := 0; r < f.size; r++ {
		for c := 0; c < f.size; c++ {
			if f.heights[f.Idx(r, c)] >= CriticalHeight {
				out = append(out, Coord{Row: r, Col: c})
			}
		}
	}
	return out
}

func (f *Field) heightAt(c Coord) int {
	return f.heights[f.Idx(c.Row, c.Col)]
}

func (f *Field) boundsError(row, col int) error {
	return fmt.Errorf("coordinate (%d,%d) outside %dx%d lattice: %w", row, col, f.size, f.size, ErrOutOfBounds)
}
