package sandpile

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustField(t *testing.T, heights [][]int) *Field {
	t.Helper()
	f, err := NewFromHeights(heights)
	if err != nil {
		t.Fatalf("NewFromHeights failed: %v", err)
	}
	return f
}

func TestStabilizeStableCellIsNoOp(t *testing.T) {
	f, err := NewEmpty(3)
	if err != nil {
		t.Fatalf("NewEmpty failed: %v", err)
	}
	if _, err := f.Perturb(1, 1); err != nil {
		t.Fatalf("Perturb failed: %v", err)
	}

	ev, err := NewEngine().Stabilize(f, Coord{Row: 1, Col: 1})
	if err != nil {
		t.Fatalf("Stabilize failed: %v", err)
	}

	if ev.Size != 0 || ev.TotalTopples != 0 || len(ev.Counts) != 0 || ev.Waves != 0 {
		t.Errorf("stable cell produced a non-empty cascade: %+v", ev)
	}
	want := [][]int{
		{0, 0, 0},
		{0, 1, 0},
		{0, 0, 0},
	}
	if diff := cmp.Diff(want, f.Snapshot()); diff != "" {
		t.Errorf("field mismatch (-want +got):\n%s", diff)
	}
}

// A center drop on a uniformly critical-minus-one 3x3 lattice cascades
// through every cell: the center fires, its four neighbors fire, the
// secondary credits push the corners to 5 and the center back to 4, and a
// third generation clears those.
func TestStabilizeFullLatticeCascade(t *testing.T) {
	f := mustField(t, [][]int{
		{3, 3, 3},
		{3, 3, 3},
		{3, 3, 3},
	})
	startMass := f.Mass()
	if _, err := f.Perturb(1, 1); err != nil {
		t.Fatalf("Perturb failed: %v", err)
	}

	ev, err := NewEngine().Stabilize(f, Coord{Row: 1, Col: 1})
	if err != nil {
		t.Fatalf("Stabilize failed: %v", err)
	}

	if ev.Size != 9 {
		t.Errorf("Size = %d, want 9 (every cell topples)", ev.Size)
	}
	if ev.TotalTopples != 10 {
		t.Errorf("TotalTopples = %d, want 10 (center fires twice)", ev.TotalTopples)
	}
	if ev.Waves != 3 {
		t.Errorf("Waves = %d, want 3", ev.Waves)
	}
	if ev.Dissipated != 12 {
		t.Errorf("Dissipated = %d, want 12", ev.Dissipated)
	}

	wantCounts := map[Coord]int{
		{0, 0}: 1, {0, 1}: 1, {0, 2}: 1,
		{1, 0}: 1, {1, 1}: 2, {1, 2}: 1,
		{2, 0}: 1, {2, 1}: 1, {2, 2}: 1,
	}
	if diff := cmp.Diff(wantCounts, ev.Counts); diff != "" {
		t.Errorf("topple counts mismatch (-want +got):\n%s", diff)
	}

	wantField := [][]int{
		{1, 3, 1},
		{3, 0, 3},
		{1, 3, 1},
	}
	if diff := cmp.Diff(wantField, f.Snapshot()); diff != "" {
		t.Errorf("final field mismatch (-want +got):\n%s", diff)
	}

	if got := f.Mass(); got >= startMass+1 {
		t.Errorf("final mass %d not below starting mass %d", got, startMass+1)
	}
	if got := f.Mass(); startMass+1 != got+ev.Dissipated {
		t.Errorf("mass accounting broken: start %d + 1 != final %d + dissipated %d", startMass, got, ev.Dissipated)
	}
	if unstable := f.Unstable(); len(unstable) != 0 {
		t.Errorf("field still has critical cells after Stabilize: %v", unstable)
	}
}

func TestToppleMassAccountingByPosition(t *testing.T) {
	tests := []struct {
		name           string
		heights        [][]int
		at             Coord
		wantDissipated int64
		wantMass       int64
	}{
		{
			name: "interior topple conserves mass",
			heights: [][]int{
				{0, 0, 0, 0, 0},
				{0, 0, 0, 0, 0},
				{0, 0, 4, 0, 0},
				{0, 0, 0, 0, 0},
				{0, 0, 0, 0, 0},
			},
			at:             Coord{Row: 2, Col: 2},
			wantDissipated: 0,
			wantMass:       4,
		},
		{
			name: "edge topple loses one grain",
			heights: [][]int{
				{0, 4, 0},
				{0, 0, 0},
				{0, 0, 0},
			},
			at:             Coord{Row: 0, Col: 1},
			wantDissipated: 1,
			wantMass:       3,
		},
		{
			name: "corner topple loses two grains",
			heights: [][]int{
				{4, 0, 0},
				{0, 0, 0},
				{0, 0, 0},
			},
			at:             Coord{Row: 0, Col: 0},
			wantDissipated: 2,
			wantMass:       2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustField(t, tt.heights)
			ev, err := NewEngine().Stabilize(f, tt.at)
			if err != nil {
				t.Fatalf("Stabilize failed: %v", err)
			}
			if ev.TotalTopples != 1 {
				t.Fatalf("TotalTopples = %d, want 1", ev.TotalTopples)
			}
			if ev.Dissipated != tt.wantDissipated {
				t.Errorf("Dissipated = %d, want %d", ev.Dissipated, tt.wantDissipated)
			}
			if got := f.Mass(); got != tt.wantMass {
				t.Errorf("final mass = %d, want %d", got, tt.wantMass)
			}
		})
	}
}

// Long randomized run: every iteration must preserve the grain ledger
// (mass in = mass retained + mass dissipated) and leave the field stable.
// The dissipation total must also agree with the per-cell topple counts,
// since each topple of a cell sheds exactly 4 minus its in-bounds degree.
func TestStabilizeMassLedgerRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	f, err := New(20, rng)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	engine := NewEngine()

	for i := 0; i < 2000; i++ {
		row, col := rng.Intn(f.Size()), rng.Intn(f.Size())
		before := f.Mass()
		if _, err := f.Perturb(row, col); err != nil {
			t.Fatalf("iteration %d: Perturb failed: %v", i, err)
		}
		ev, err := engine.Stabilize(f, Coord{Row: row, Col: col})
		if err != nil {
			t.Fatalf("iteration %d: Stabilize failed: %v", i, err)
		}

		after := f.Mass()
		if before+1 != after+ev.Dissipated {
			t.Fatalf("iteration %d: mass ledger broken: before %d + 1 != after %d + dissipated %d",
				i, before, after, ev.Dissipated)
		}

		var fromCounts int64
		for c, n := range ev.Counts {
			degree := int64(0)
			for _, nb := range neighborsOf(c) {
				if f.InBounds(nb.Row, nb.Col) {
					degree++
				}
			}
			fromCounts += int64(n) * (4 - degree)
		}
		if fromCounts != ev.Dissipated {
			t.Fatalf("iteration %d: dissipation %d disagrees with counts-derived %d", i, ev.Dissipated, fromCounts)
		}

		if unstable := f.Unstable(); len(unstable) != 0 {
			t.Fatalf("iteration %d: %d critical cells left after Stabilize", i, len(unstable))
		}
	}
}

// The model is abelian: wave, FIFO, and LIFO drains must agree on the final
// field and on every externally visible cascade attribute.
func TestConfluenceAcrossWorkOrders(t *testing.T) {
	const size = 12
	const iterations = 400

	newSeeded := func() *Field {
		f, err := New(size, rand.New(rand.NewSource(42)))
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		return f
	}

	fields := []*Field{newSeeded(), newSeeded(), newSeeded()}
	engines := []*Engine{
		NewEngine(WithOrder(OrderWaves)),
		NewEngine(WithOrder(OrderFIFO)),
		NewEngine(WithOrder(OrderLIFO)),
	}
	names := []string{"waves", "fifo", "lifo"}

	sites := rand.New(rand.NewSource(5))
	for i := 0; i < iterations; i++ {
		row, col := sites.Intn(size), sites.Intn(size)

		events := make([]*CascadeEvent, len(fields))
		for j := range fields {
			if _, err := fields[j].Perturb(row, col); err != nil {
				t.Fatalf("iteration %d (%s): Perturb failed: %v", i, names[j], err)
			}
			ev, err := engines[j].Stabilize(fields[j], Coord{Row: row, Col: col})
			if err != nil {
				t.Fatalf("iteration %d (%s): Stabilize failed: %v", i, names[j], err)
			}
			events[j] = ev
		}

		for j := 1; j < len(events); j++ {
			if events[j].Size != events[0].Size {
				t.Fatalf("iteration %d: %s Size %d != waves Size %d", i, names[j], events[j].Size, events[0].Size)
			}
			if events[j].TotalTopples != events[0].TotalTopples {
				t.Fatalf("iteration %d: %s TotalTopples %d != waves %d", i, names[j], events[j].TotalTopples, events[0].TotalTopples)
			}
			if events[j].Dissipated != events[0].Dissipated {
				t.Fatalf("iteration %d: %s Dissipated %d != waves %d", i, names[j], events[j].Dissipated, events[0].Dissipated)
			}
			if diff := cmp.Diff(events[0].Counts, events[j].Counts); diff != "" {
				t.Fatalf("iteration %d: %s topple counts diverge (-waves +%s):\n%s", i, names[j], names[j], diff)
			}
		}
		// Sequential drains track no generations.
		if events[1].Waves != 0 || events[2].Waves != 0 {
			t.Fatalf("iteration %d: sequential orders reported waves %d/%d, want 0", i, events[1].Waves, events[2].Waves)
		}
	}

	for j := 1; j < len(fields); j++ {
		if diff := cmp.Diff(fields[0].Snapshot(), fields[j].Snapshot()); diff != "" {
			t.Errorf("final field under %s differs from waves (-waves +%s):\n%s", names[j], names[j], diff)
		}
	}
}

func TestStabilizeAllOnStableFieldIsEmpty(t *testing.T) {
	f := mustField(t, [][]int{
		{3, 3, 3},
		{3, 3, 3},
		{3, 3, 3},
	})
	before := f.Snapshot()

	ev, err := NewEngine().StabilizeAll(f)
	if err != nil {
		t.Fatalf("StabilizeAll failed: %v", err)
	}
	if ev.Size != 0 || ev.TotalTopples != 0 || ev.Waves != 0 {
		t.Errorf("stable field produced a non-empty cascade: %+v", ev)
	}
	if diff := cmp.Diff(before, f.Snapshot()); diff != "" {
		t.Errorf("stable field mutated (-before +after):\n%s", diff)
	}
}

func TestStabilizeAllDrainsOverloadedCell(t *testing.T) {
	f := mustField(t, [][]int{
		{8, 0},
		{0, 0},
	})

	ev, err := NewEngine().StabilizeAll(f)
	if err != nil {
		t.Fatalf("StabilizeAll failed: %v", err)
	}

	if ev.Size != 1 {
		t.Errorf("Size = %d, want 1", ev.Size)
	}
	if ev.TotalTopples != 2 {
		t.Errorf("TotalTopples = %d, want 2 (one cell fires twice)", ev.TotalTopples)
	}
	if ev.Waves != 2 {
		t.Errorf("Waves = %d, want 2", ev.Waves)
	}
	if ev.Dissipated != 4 {
		t.Errorf("Dissipated = %d, want 4 (corner loses two per topple)", ev.Dissipated)
	}
	want := [][]int{
		{0, 2},
		{2, 0},
	}
	if diff := cmp.Diff(want, f.Snapshot()); diff != "" {
		t.Errorf("final field mismatch (-want +got):\n%s", diff)
	}
}

func TestStabilizeAllClearsUniformOverload(t *testing.T) {
	heights := make([][]int, 20)
	for r := range heights {
		heights[r] = make([]int, 20)
		for c := range heights[r] {
			heights[r][c] = CriticalHeight
		}
	}
	f := mustField(t, heights)

	ev, err := NewEngine().StabilizeAll(f)
	if err != nil {
		t.Fatalf("StabilizeAll failed: %v", err)
	}
	if unstable := f.Unstable(); len(unstable) != 0 {
		t.Fatalf("%d critical cells left after StabilizeAll", len(unstable))
	}
	if ev.Size != f.Area() {
		t.Errorf("Size = %d, want %d (every cell topples at least once)", ev.Size, f.Area())
	}
	if ev.TotalTopples < int64(f.Area()) {
		t.Errorf("TotalTopples = %d, want at least %d", ev.TotalTopples, f.Area())
	}
}

func TestStabilizeRejectsOutOfBounds(t *testing.T) {
	f, err := NewEmpty(3)
	if err != nil {
		t.Fatalf("NewEmpty failed: %v", err)
	}
	if _, err := NewEngine().Stabilize(f, Coord{Row: 5, Col: 5}); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Stabilize(5,5) error = %v, want ErrOutOfBounds", err)
	}
}

func TestDivergenceGuardTrips(t *testing.T) {
	f := mustField(t, [][]int{
		{3, 3, 3},
		{3, 3, 3},
		{3, 3, 3},
	})
	if _, err := f.Perturb(1, 1); err != nil {
		t.Fatalf("Perturb failed: %v", err)
	}

	// The full cascade needs 10 topples; a budget of 3 must abort it.
	engine := NewEngine(WithMaxTopples(3))
	_, err := engine.Stabilize(f, Coord{Row: 1, Col: 1})
	if !errors.Is(err, ErrRelaxationDiverged) {
		t.Fatalf("Stabilize error = %v, want ErrRelaxationDiverged", err)
	}
}

func TestDivergenceGuardQuietOnRealCascades(t *testing.T) {
	rng := rand.New(rand.NewSource(77))
	f, err := New(15, rng)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	engine := NewEngine(WithOrder(OrderLIFO))

	for i := 0; i < 3000; i++ {
		row, col := rng.Intn(f.Size()), rng.Intn(f.Size())
		if _, err := f.Perturb(row, col); err != nil {
			t.Fatalf("iteration %d: Perturb failed: %v", i, err)
		}
		if _, err := engine.Stabilize(f, Coord{Row: row, Col: col}); err != nil {
			t.Fatalf("iteration %d: default budget tripped on a legitimate cascade: %v", i, err)
		}
	}
}

func TestCascadeFootprintAndTouched(t *testing.T) {
	f := mustField(t, [][]int{
		{3, 3, 3},
		{3, 3, 3},
		{3, 3, 3},
	})
	if _, err := f.Perturb(1, 1); err != nil {
		t.Fatalf("Perturb failed: %v", err)
	}
	ev, err := NewEngine().Stabilize(f, Coord{Row: 1, Col: 1})
	if err != nil {
		t.Fatalf("Stabilize failed: %v", err)
	}

	want := [][]int{
		{1, 1, 1},
		{1, 2, 1},
		{1, 1, 1},
	}
	if diff := cmp.Diff(want, ev.Footprint(3)); diff != "" {
		t.Errorf("footprint mismatch (-want +got):\n%s", diff)
	}

	touched := ev.Touched()
	if len(touched) != 9 {
		t.Fatalf("Touched() has %d cells, want 9", len(touched))
	}
	for i := 1; i < len(touched); i++ {
		prev, cur := touched[i-1], touched[i]
		if cur.Row < prev.Row || (cur.Row == prev.Row && cur.Col <= prev.Col) {
			t.Fatalf("Touched() not sorted row-major: %v before %v", prev, cur)
		}
	}
}
