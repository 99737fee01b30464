package sandpile

import "sort"

// CascadeEvent records one relaxation episode: which cells toppled, how
// often, and how much mass left the lattice. A perturbation that lands on a
// stable cell yields an empty event (Size 0, TotalTopples 0, no counts).
type CascadeEvent struct {
	// Trigger is the perturbed cell that seeded the relaxation.
	Trigger Coord

	// Counts maps each toppled cell to its topple count. Untouched cells
	// never appear. The map contents are schedule-independent.
	Counts map[Coord]int

	// Size is the number of distinct cells that toppled, len(Counts).
	Size int

	// TotalTopples is the total number of topple events in the episode.
	TotalTopples int64

	// Dissipated is the number of grains pushed off the lattice edge.
	Dissipated int64

	// Waves counts relaxation sweeps under the default wave schedule, the
	// generation count of the cascade. Sequential work orders do not track
	// sweeps and leave it zero.
	Waves int
}

// Touched returns the toppled cells sorted row-major, giving a deterministic
// footprint regardless of map iteration order.
func (ev *CascadeEvent) Touched() []Coord {
	out := make([]Coord, 0, len(ev.Counts))
	for c := range ev.Counts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].Col < out[j].Col
	})
	return out
}

// Footprint renders the per-cell topple counts as a dense size x size grid.
// Cells that never toppled are zero.
func (ev *CascadeEvent) Footprint(size int) [][]int {
	grid := make([][]int, size)
	for r := range grid {
		grid[r] = make([]int, size)
	}
	for c, n := range ev.Counts {
		if c.Row >= 0 && c.Row < size && c.Col >= 0 && c.Col < size {
			grid[c.Row][c.Col] = n
		}
	}
	return grid
}
