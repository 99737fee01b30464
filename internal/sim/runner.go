// Package sim drives sandpile runs: it owns the field, the relaxation
// engine, the random source, and the recorder, and executes the
// perturb-stabilize-record loop on a single goroutine. Everything outside
// that goroutine observes the run through snapshots and recorder copies.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/dvanhoesen/abelian-sandpile/internal/config"
	"github.com/dvanhoesen/abelian-sandpile/internal/monitoring"
	"github.com/dvanhoesen/abelian-sandpile/internal/sandpile"
	"github.com/dvanhoesen/abelian-sandpile/internal/stats"
)

// ErrPerturbQueueFull reports that the manual perturbation queue has no
// room; callers retry later or drop the request.
var ErrPerturbQueueFull = errors.New("manual perturbation queue full")

const manualQueueDepth = 64

// Params are the resolved run parameters. Unlike config.SimConfig every
// value is concrete; ParamsFromConfig fills the gaps, including drawing a
// seed when the config leaves rng_seed unset.
type Params struct {
	GridSize       int
	Iterations     int
	Seed           int64
	Metric         stats.Metric
	HistogramMax   int
	HistogramBins  int
	Retention      stats.Retention
	TrailingWindow int
	SafetyFactor   int
	SnapshotEvery  int
	LogEvery       int
}

// ParamsFromConfig resolves a config into concrete run parameters. A nil
// config means the standard defaults.
func ParamsFromConfig(cfg *config.SimConfig) (Params, error) {
	if cfg == nil {
		cfg = config.DefaultSimConfig()
	}
	if err := cfg.Validate(); err != nil {
		return Params{}, err
	}

	seed, ok := cfg.GetRngSeed()
	if !ok {
		var err error
		seed, err = NewSeed()
		if err != nil {
			return Params{}, err
		}
	}

	return Params{
		GridSize:       cfg.GetGridSize(),
		Iterations:     cfg.GetIterations(),
		Seed:           seed,
		Metric:         stats.Metric(cfg.GetMagnitudeMetric()),
		HistogramMax:   cfg.GetHistogramMax(),
		HistogramBins:  cfg.GetHistogramBins(),
		Retention:      stats.Retention(cfg.GetFootprintRetention()),
		TrailingWindow: cfg.GetTrailingWindow(),
		SafetyFactor:   cfg.GetDivergenceSafetyFactor(),
		SnapshotEvery:  cfg.GetSnapshotEvery(),
		LogEvery:       cfg.GetLogEvery(),
	}, nil
}

// normalized fills zero-valued recorder params with their defaults so
// hand-built Params stay usable in tests and tools.
func (p Params) normalized() Params {
	if p.Metric == "" {
		p.Metric = stats.MetricTopples
	}
	if p.Retention == "" {
		p.Retention = stats.RetainLatest
	}
	if p.HistogramMax == 0 {
		p.HistogramMax = 100
	}
	if p.HistogramBins == 0 {
		p.HistogramBins = 50
	}
	if p.TrailingWindow == 0 {
		p.TrailingWindow = 500
	}
	return p
}

// Snapshot is an immutable view of the run after one iteration. Heights is
// a fresh copy per snapshot; sinks may share a snapshot value, so
// consumers treat it as read-only.
type Snapshot struct {
	RunID     string
	Iteration int // 0 is the pre-run state
	GridSize  int
	Mean      float64
	Mass      int64
	Heights   [][]int
	Cascade   *sandpile.CascadeEvent // nil on the pre-run snapshot
}

// Sink consumes per-iteration snapshots on the simulation goroutine. A
// sink error aborts the run.
type Sink interface {
	AfterIteration(snap Snapshot) error
}

// Result summarizes a finished (or cancelled) run.
type Result struct {
	RunID        string
	GridSize     int
	Iterations   int
	Seed         int64
	InitialMean  float64
	FinalMean    float64
	TotalTopples int64
	MaxMagnitude float64
	Elapsed      time.Duration
}

// Runner executes one simulation run. Build it with NewRunner, attach
// sinks, then call Run exactly once.
type Runner struct {
	params   Params
	runID    string
	field    *sandpile.Field
	engine   *sandpile.Engine
	recorder *stats.Recorder
	rng      *rand.Rand
	sinks    []Sink
	manual   chan sandpile.Coord
	started  time.Time
}

// RunnerOption configures a Runner at construction.
type RunnerOption func(*Runner)

// WithSink attaches a per-iteration consumer. Sinks run in attachment
// order on the simulation goroutine.
func WithSink(s Sink) RunnerOption {
	return func(r *Runner) { r.sinks = append(r.sinks, s) }
}

// NewRunner builds a run from resolved parameters. The grid is seeded
// immediately, so two runners with the same Params start from identical
// fields.
func NewRunner(p Params, opts ...RunnerOption) (*Runner, error) {
	p = p.normalized()
	if p.GridSize < 1 {
		return nil, fmt.Errorf("grid size must be at least 1, got %d: %w", p.GridSize, sandpile.ErrInvalidConfiguration)
	}
	if p.Iterations < 0 {
		return nil, fmt.Errorf("iterations must not be negative, got %d: %w", p.Iterations, sandpile.ErrInvalidConfiguration)
	}

	rng := rand.New(rand.NewSource(p.Seed))
	field, err := sandpile.New(p.GridSize, rng)
	if err != nil {
		return nil, err
	}

	recorder, err := stats.NewRecorder(stats.Params{
		Metric:         p.Metric,
		HistogramMax:   p.HistogramMax,
		HistogramBins:  p.HistogramBins,
		Retention:      p.Retention,
		TrailingWindow: p.TrailingWindow,
	})
	if err != nil {
		return nil, err
	}

	var budget int64
	if p.SafetyFactor > 0 {
		budget = int64(p.SafetyFactor) * int64(field.Area())
	}

	r := &Runner{
		params:   p,
		runID:    uuid.New().String(),
		field:    field,
		engine:   sandpile.NewEngine(sandpile.WithMaxTopples(budget)),
		recorder: recorder,
		rng:      rng,
		manual:   make(chan sandpile.Coord, manualQueueDepth),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RunID returns this run's identifier.
func (r *Runner) RunID() string { return r.runID }

// Params returns the resolved run parameters.
func (r *Runner) Params() Params { return r.params }

// Recorder exposes the run's series and statistics. Its accessors are safe
// for concurrent readers while the run progresses.
func (r *Runner) Recorder() *stats.Recorder { return r.recorder }

// EnqueuePerturb schedules a manual grain drop. Safe to call from any
// goroutine; the simulation loop consumes the queue at the top of each
// iteration, one drop per iteration in place of the random site.
func (r *Runner) EnqueuePerturb(row, col int) error {
	if row < 0 || row >= r.params.GridSize || col < 0 || col >= r.params.GridSize {
		return fmt.Errorf("coordinate (%d,%d) outside %dx%d lattice: %w",
			row, col, r.params.GridSize, r.params.GridSize, sandpile.ErrOutOfBounds)
	}
	select {
	case r.manual <- sandpile.Coord{Row: row, Col: col}:
		return nil
	default:
		return ErrPerturbQueueFull
	}
}

// Run executes the configured number of iterations and returns the run
// summary. It is synchronous; callers wanting a background run wrap it in
// their own goroutine. On context cancellation or an engine error the
// partial Result is returned along with the error, and everything recorded
// up to that point stays readable through the Recorder.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.started = time.Now()
	p := r.params
	monitoring.Logf("sandpile run %s: %dx%d lattice, %d iterations, seed %d, metric %s",
		r.runID, p.GridSize, p.GridSize, p.Iterations, p.Seed, p.Metric)

	initial := r.field.Mean()
	r.recorder.RecordInitial(initial)
	monitoring.Logf("sandpile run %s: starting average grid value %.4f", r.runID, initial)
	if err := r.emit(0, nil); err != nil {
		return r.result(0), err
	}

	for i := 1; i <= p.Iterations; i++ {
		select {
		case <-ctx.Done():
			monitoring.Logf("sandpile run %s: cancelled after %d iterations", r.runID, i-1)
			return r.result(i - 1), ctx.Err()
		default:
		}

		at := r.nextSite()
		if _, err := r.field.Perturb(at.Row, at.Col); err != nil {
			return r.result(i - 1), fmt.Errorf("iteration %d: %w", i, err)
		}
		ev, err := r.engine.Stabilize(r.field, at)
		if err != nil {
			return r.result(i - 1), fmt.Errorf("iteration %d: %w", i, err)
		}
		r.recorder.Record(r.field.Mean(), ev)

		if p.SnapshotEvery > 0 && (i%p.SnapshotEvery == 0 || i == p.Iterations) {
			if err := r.emit(i, ev); err != nil {
				return r.result(i), err
			}
		}
		if p.LogEvery > 0 && i%p.LogEvery == 0 {
			monitoring.Logf("sandpile run %s: iteration %d/%d, mean height %.4f",
				r.runID, i, p.Iterations, r.field.Mean())
		}
	}

	res := r.result(p.Iterations)
	monitoring.Logf("sandpile run %s: finished %d iterations in %s, final mean %.4f",
		r.runID, res.Iterations, res.Elapsed.Round(time.Millisecond), res.FinalMean)
	return res, nil
}

// nextSite prefers queued manual drops, then falls back to a uniformly
// random cell. Manual drops consume no rng draws, so a seeded run stays
// deterministic unless a caller actually injects one.
func (r *Runner) nextSite() sandpile.Coord {
	select {
	case c := <-r.manual:
		return c
	default:
		return sandpile.Coord{Row: r.rng.Intn(r.params.GridSize), Col: r.rng.Intn(r.params.GridSize)}
	}
}

func (r *Runner) emit(iteration int, ev *sandpile.CascadeEvent) error {
	if len(r.sinks) == 0 {
		return nil
	}
	snap := Snapshot{
		RunID:     r.runID,
		Iteration: iteration,
		GridSize:  r.params.GridSize,
		Mean:      r.field.Mean(),
		Mass:      r.field.Mass(),
		Heights:   r.field.Snapshot(),
		Cascade:   ev,
	}
	for _, s := range r.sinks {
		if err := s.AfterIteration(snap); err != nil {
			return fmt.Errorf("sink failed at iteration %d: %w", iteration, err)
		}
	}
	return nil
}

func (r *Runner) result(iterations int) *Result {
	summary := r.recorder.Summary()
	return &Result{
		RunID:        r.runID,
		GridSize:     r.params.GridSize,
		Iterations:   iterations,
		Seed:         r.params.Seed,
		InitialMean:  summary.InitialMean,
		FinalMean:    r.field.Mean(),
		TotalTopples: summary.TotalTopples,
		MaxMagnitude: summary.MagnitudeMax,
		Elapsed:      time.Since(r.started),
	}
}
