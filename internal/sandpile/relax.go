package sandpile

import "fmt"

// DefaultSafetyFactor scales the divergence budget: a cascade may run at
// most DefaultSafetyFactor * area topples before the engine gives up.
// Cascades on a dissipative lattice terminate far below this.
const DefaultSafetyFactor = 1000

// Order selects how the engine drains its work set. Every order yields the
// same stable field, topple counts, Size, and TotalTopples; the model is
// abelian, so only internal scheduling differs.
type Order int

const (
	// OrderWaves topples generation by generation, the parallel schedule.
	// CascadeEvent.Waves counts the generations.
	OrderWaves Order = iota

	// OrderFIFO topples one cell at a time in discovery order.
	OrderFIFO

	// OrderLIFO topples one cell at a time, most recently discovered first.
	OrderLIFO
)

// Engine stabilizes fields after perturbations. The zero value relaxes with
// the wave schedule and the default topple budget; NewEngine layers options
// on top of that. An Engine holds no per-cascade state and may be reused
// across episodes.
type Engine struct {
	order      Order
	maxTopples int64
}

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine)

// WithOrder selects the work-order policy.
func WithOrder(o Order) EngineOption {
	return func(e *Engine) { e.order = o }
}

// WithMaxTopples overrides the divergence budget for a whole cascade.
// Values at or below zero keep the default of DefaultSafetyFactor times the
// lattice area.
func WithMaxTopples(n int64) EngineOption {
	return func(e *Engine) { e.maxTopples = n }
}

// NewEngine builds an Engine with the given options applied.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stabilize relaxes the field after a grain landed at the given cell and
// returns the resulting cascade. If the cell is stable the field is left
// untouched and the event is empty. On ErrRelaxationDiverged the field is
// left mid-cascade and must be discarded.
func (e *Engine) Stabilize(f *Field, at Coord) (*CascadeEvent, error) {
	if !f.InBounds(at.Row, at.Col) {
		return nil, f.boundsError(at.Row, at.Col)
	}
	ev := &CascadeEvent{Trigger: at, Counts: make(map[Coord]int)}
	if f.heightAt(at) < CriticalHeight {
		return ev, nil
	}
	if err := e.relax(f, []Coord{at}, ev); err != nil {
		return nil, err
	}
	ev.Size = len(ev.Counts)
	return ev, nil
}

// StabilizeAll relaxes a field with any number of critical cells, seeding
// the work set with all of them. Bulk-loaded fields pass through here once
// before simulation. Trigger is set to the first critical cell row-major.
func (e *Engine) StabilizeAll(f *Field) (*CascadeEvent, error) {
	ev := &CascadeEvent{Counts: make(map[Coord]int)}
	seeds := f.Unstable()
	if len(seeds) == 0 {
		return ev, nil
	}
	ev.Trigger = seeds[0]
	if err := e.relax(f, seeds, ev); err != nil {
		return nil, err
	}
	ev.Size = len(ev.Counts)
	return ev, nil
}

func (e *Engine) relax(f *Field, seeds []Coord, ev *CascadeEvent) error {
	budget := e.maxTopples
	if budget <= 0 {
		budget = int64(DefaultSafetyFactor) * int64(f.Area())
	}
	switch e.order {
	case OrderFIFO, OrderLIFO:
		return e.relaxSequential(f, seeds, ev, budget)
	default:
		return e.relaxWaves(f, seeds, ev, budget)
	}
}

// relaxWaves drains the work set generation by generation: every cell
// critical at the start of a wave topples exactly once, then the cells left
// critical form the next wave. This matches a parallel update schedule and
// keeps Waves equal to the cascade's generation count.
func (e *Engine) relaxWaves(f *Field, seeds []Coord, ev *CascadeEvent, budget int64) error {
	wave := append([]Coord(nil), seeds...)
	for len(wave) > 0 {
		ev.Waves++
		var next []Coord
		queued := make(map[Coord]struct{}, len(wave))
		enqueue := func(c Coord) {
			if _, ok := queued[c]; ok {
				return
			}
			queued[c] = struct{}{}
			next = append(next, c)
		}
		for _, c := range wave {
			if f.heightAt(c) < CriticalHeight {
				continue
			}
			if ev.TotalTopples >= budget {
				return divergenceError(f, c, budget, ev.TotalTopples)
			}
			toppleOnce(f, c, ev)
			if f.heightAt(c) >= CriticalHeight {
				enqueue(c)
			}
			for _, n := range neighborsOf(c) {
				if f.InBounds(n.Row, n.Col) && f.heightAt(n) >= CriticalHeight {
					enqueue(n)
				}
			}
		}
		wave = next
	}
	return nil
}

// relaxSequential drains the work set one cell per step. Cells may be
// queued more than once; a duplicate that relaxed in the meantime is
// skipped, never re-toppled.
func (e *Engine) relaxSequential(f *Field, seeds []Coord, ev *CascadeEvent, budget int64) error {
	work := append([]Coord(nil), seeds...)
	for len(work) > 0 {
		var c Coord
		if e.order == OrderLIFO {
			c = work[len(work)-1]
			work = work[:len(work)-1]
		} else {
			c = work[0]
			work = work[1:]
		}
		if f.heightAt(c) < CriticalHeight {
			continue
		}
		if ev.TotalTopples >= budget {
			return divergenceError(f, c, budget, ev.TotalTopples)
		}
		toppleOnce(f, c, ev)
		if f.heightAt(c) >= CriticalHeight {
			work = append(work, c)
		}
		for _, n := range neighborsOf(c) {
			if f.InBounds(n.Row, n.Col) && f.heightAt(n) >= CriticalHeight {
				work = append(work, n)
			}
		}
	}
	return nil
}

// toppleOnce fires a single topple at c: the cell sheds CriticalHeight
// grains, each in-bounds 4-neighbor gains one, and grains pushed past the
// lattice edge are dissipated. Interior topples conserve mass; edge and
// corner topples lose one and two grains respectively.
func toppleOnce(f *Field, c Coord, ev *CascadeEvent) {
	f.heights[f.Idx(c.Row, c.Col)] -= CriticalHeight
	ev.Counts[c]++
	ev.TotalTopples++
	for _, n := range neighborsOf(c) {
		if f.InBounds(n.Row, n.Col) {
			f.heights[f.Idx(n.Row, n.Col)]++
		} else {
			ev.Dissipated++
		}
	}
}

// neighborsOf returns the von Neumann neighborhood of c. Entries may fall
// outside the lattice; callers bounds-check.
func neighborsOf(c Coord) [4]Coord {
	return [4]Coord{
		{Row: c.Row - 1, Col: c.Col},
		{Row: c.Row + 1, Col: c.Col},
		{Row: c.Row, Col: c.Col - 1},
		{Row: c.Row, Col: c.Col + 1},
	}
}

func divergenceError(f *Field, c Coord, budget, topples int64) error {
	return fmt.Errorf("cascade exceeded budget of %d topples (at (%d,%d), %d fired) on %dx%d lattice: %w",
		budget, c.Row, c.Col, topples, f.size, f.size, ErrRelaxationDiverged)
}
