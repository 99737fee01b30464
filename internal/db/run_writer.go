package db

import (
	"fmt"

	"github.com/dvanhoesen/abelian-sandpile/internal/sim"
)

// DefaultSeriesBatchSize is how many series points a RunWriter buffers
// before flushing them in one transaction.
const DefaultSeriesBatchSize = 256

// RunWriter is a sim.Sink that persists a run as it executes: the run
// row on the first snapshot, then series points in batches. Call Finish
// after the run returns to flush the tail and close out the run row.
//
// A RunWriter runs on the simulation goroutine and is not safe for
// concurrent use.
type RunWriter struct {
	db        *DB
	params    sim.Params
	batchSize int
	pending   []SeriesPoint
	runID     string
}

// NewRunWriter builds a writer for one run. batchSize <= 0 selects
// DefaultSeriesBatchSize.
func NewRunWriter(database *DB, params sim.Params, batchSize int) *RunWriter {
	if batchSize <= 0 {
		batchSize = DefaultSeriesBatchSize
	}
	return &RunWriter{
		db:        database,
		params:    params,
		batchSize: batchSize,
		pending:   make([]SeriesPoint, 0, batchSize),
	}
}

// AfterIteration implements sim.Sink. Iteration 0 is the pre-run
// snapshot and creates the run row; later snapshots buffer series
// points.
func (w *RunWriter) AfterIteration(snap sim.Snapshot) error {
	if snap.Iteration == 0 {
		run := &Run{
			RunID:           snap.RunID,
			GridSize:        w.params.GridSize,
			Iterations:      w.params.Iterations,
			Seed:            w.params.Seed,
			MagnitudeMetric: string(w.params.Metric),
			InitialMean:     snap.Mean,
		}
		if err := w.db.InsertRun(run); err != nil {
			return fmt.Errorf("failed to insert run row: %w", err)
		}
		w.runID = run.RunID
		return nil
	}

	point := SeriesPoint{
		RunID:      snap.RunID,
		Iteration:  snap.Iteration,
		MeanHeight: snap.Mean,
	}
	if snap.Cascade != nil {
		point.CascadeSize = snap.Cascade.Size
		point.TotalTopples = snap.Cascade.TotalTopples
		point.Waves = snap.Cascade.Waves
		point.Dissipated = snap.Cascade.Dissipated
	}

	w.pending = append(w.pending, point)
	if len(w.pending) >= w.batchSize {
		return w.flush()
	}
	return nil
}

// Finish flushes buffered points and closes the run row. Safe to call
// when the run never started; it is then a no-op.
func (w *RunWriter) Finish(res *sim.Result, status string) error {
	if w.runID == "" {
		return nil
	}
	if err := w.flush(); err != nil {
		return err
	}

	var finalMean, maxMagnitude float64
	var totalTopples int64
	if res != nil {
		finalMean = res.FinalMean
		totalTopples = res.TotalTopples
		maxMagnitude = res.MaxMagnitude
	}
	return w.db.FinishRun(w.runID, status, finalMean, totalTopples, maxMagnitude)
}

// RunID returns the persisted run's ID, empty before the first snapshot.
func (w *RunWriter) RunID() string { return w.runID }

func (w *RunWriter) flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	if err := w.db.InsertSeriesBatch(w.pending); err != nil {
		return fmt.Errorf("failed to flush series batch: %w", err)
	}
	w.pending = w.pending[:0]
	return nil
}
