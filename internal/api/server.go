// Package api serves the simulation's read surface and the manual
// perturbation endpoint over HTTP. Every handler reads published
// snapshots or recorder copies; none of them touch the live lattice.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/dvanhoesen/abelian-sandpile/internal/config"
	"github.com/dvanhoesen/abelian-sandpile/internal/db"
	"github.com/dvanhoesen/abelian-sandpile/internal/httputil"
	"github.com/dvanhoesen/abelian-sandpile/internal/sandpile"
	"github.com/dvanhoesen/abelian-sandpile/internal/sim"
	"github.com/dvanhoesen/abelian-sandpile/internal/stats"
	"github.com/dvanhoesen/abelian-sandpile/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const defaultRunsLimit = 20

type Server struct {
	runner    *sim.Runner
	publisher *sim.Publisher
	db        *db.DB
	cfg       *config.SimConfig
}

func NewServer(runner *sim.Runner, publisher *sim.Publisher, database *db.DB, cfg *config.SimConfig) *Server {
	return &Server{
		runner:    runner,
		publisher: publisher,
		db:        database,
		cfg:       cfg,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400 && statusCode < 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/field", s.showField)
	mux.HandleFunc("/api/cascade", s.showCascade)
	mux.HandleFunc("/api/series", s.showSeries)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/run_series", s.showRunSeries)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/perturb", s.perturbHandler)
	return mux
}

// recorder returns the active run's recorder, or false when the server
// was built without a runner.
func (s *Server) recorder() (*stats.Recorder, bool) {
	if s.runner == nil {
		return nil, false
	}
	return s.runner.Recorder(), true
}

// latestSnapshot returns the most recent published snapshot.
func (s *Server) latestSnapshot() (sim.Snapshot, bool) {
	if s.publisher == nil {
		return sim.Snapshot{}, false
	}
	return s.publisher.Latest()
}

// runComplete reports whether the active run has published its final
// iteration.
func (s *Server) runComplete() bool {
	if s.runner == nil {
		return false
	}
	snap, ok := s.latestSnapshot()
	return ok && snap.Iteration >= s.runner.Params().Iterations
}

type fieldResponse struct {
	RunID     string  `json:"run_id"`
	Iteration int     `json:"iteration"`
	GridSize  int     `json:"grid_size"`
	Mean      float64 `json:"mean"`
	Mass      int64   `json:"mass"`
	Heights   [][]int `json:"heights"`
}

func (s *Server) showField(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	snap, ok := s.latestSnapshot()
	if !ok {
		httputil.NotFound(w, "no field snapshot published yet")
		return
	}

	httputil.WriteJSONOK(w, fieldResponse{
		RunID:     snap.RunID,
		Iteration: snap.Iteration,
		GridSize:  snap.GridSize,
		Mean:      snap.Mean,
		Mass:      snap.Mass,
		Heights:   snap.Heights,
	})
}

type coordJSON struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

type cascadeResponse struct {
	RunID        string    `json:"run_id"`
	Iteration    int       `json:"iteration"`
	Trigger      coordJSON `json:"trigger"`
	Size         int       `json:"size"`
	TotalTopples int64     `json:"total_topples"`
	Waves        int       `json:"waves"`
	Dissipated   int64     `json:"dissipated"`
	Footprint    [][]int   `json:"footprint"`
}

func (s *Server) showCascade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	snap, ok := s.latestSnapshot()
	if !ok || snap.Cascade == nil {
		httputil.NotFound(w, "no cascade published yet")
		return
	}

	ev := snap.Cascade
	httputil.WriteJSONOK(w, cascadeResponse{
		RunID:        snap.RunID,
		Iteration:    snap.Iteration,
		Trigger:      coordJSON{Row: ev.Trigger.Row, Col: ev.Trigger.Col},
		Size:         ev.Size,
		TotalTopples: ev.TotalTopples,
		Waves:        ev.Waves,
		Dissipated:   ev.Dissipated,
		Footprint:    ev.Footprint(snap.GridSize),
	})
}

type seriesResponse struct {
	RunID       string    `json:"run_id"`
	Iterations  int       `json:"iterations"`
	MeanHeights []float64 `json:"mean_heights"`
	Magnitudes  []float64 `json:"magnitudes"`
}

func (s *Server) showSeries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	rec, ok := s.recorder()
	if !ok {
		httputil.NotFound(w, "no active run")
		return
	}

	window := 0
	if q := r.URL.Query().Get("window"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "invalid 'window' parameter")
			return
		}
		window = parsed
	}

	means := rec.MeanSeries()
	magnitudes := rec.MagnitudeSeries()
	if window > 0 {
		if len(means) > window {
			means = means[len(means)-window:]
		}
		if len(magnitudes) > window {
			magnitudes = magnitudes[len(magnitudes)-window:]
		}
	}

	httputil.WriteJSONOK(w, seriesResponse{
		RunID:       s.runner.RunID(),
		Iterations:  rec.Iterations(),
		MeanHeights: means,
		Magnitudes:  magnitudes,
	})
}

type statsResponse struct {
	RunID     string                  `json:"run_id"`
	Summary   stats.Summary           `json:"summary"`
	Histogram stats.HistogramSnapshot `json:"histogram"`
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	rec, ok := s.recorder()
	if !ok {
		httputil.NotFound(w, "no active run")
		return
	}

	httputil.WriteJSONOK(w, statsResponse{
		RunID:     s.runner.RunID(),
		Summary:   rec.Summary(),
		Histogram: rec.Histogram(),
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	if s.db == nil {
		httputil.ServiceUnavailable(w, "run history not available")
		return
	}

	limit := defaultRunsLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	runs, err := s.db.ListRuns(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}

	httputil.WriteJSONOK(w, runs)
}

type runSeriesResponse struct {
	Run    *db.Run          `json:"run"`
	Rollup *db.RunRollup    `json:"rollup"`
	Series []db.SeriesPoint `json:"series"`
}

func (s *Server) showRunSeries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	if s.db == nil {
		httputil.ServiceUnavailable(w, "run history not available")
		return
	}

	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		httputil.BadRequest(w, "missing 'run_id' parameter")
		return
	}

	run, err := s.db.GetRun(runID)
	if err != nil {
		if errors.Is(err, db.ErrRunNotFound) {
			httputil.NotFound(w, fmt.Sprintf("run %s not found", runID))
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve run: %v", err))
		return
	}

	rollup, err := s.db.GetRunRollup(runID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to roll up run: %v", err))
		return
	}

	series, err := s.db.RunSeries(runID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve run series: %v", err))
		return
	}
	if series == nil {
		series = []db.SeriesPoint{}
	}

	httputil.WriteJSONOK(w, runSeriesResponse{Run: run, Rollup: rollup, Series: series})
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	cfg := s.cfg
	if cfg == nil {
		cfg = config.DefaultSimConfig()
	}

	payload := map[string]interface{}{
		"grid_size":                cfg.GetGridSize(),
		"iterations":               cfg.GetIterations(),
		"magnitude_metric":         cfg.GetMagnitudeMetric(),
		"histogram_max":            cfg.GetHistogramMax(),
		"histogram_bins":           cfg.GetHistogramBins(),
		"footprint_retention":      cfg.GetFootprintRetention(),
		"trailing_window":          cfg.GetTrailingWindow(),
		"divergence_safety_factor": cfg.GetDivergenceSafetyFactor(),
		"snapshot_every":           cfg.GetSnapshotEvery(),
		"log_every":                cfg.GetLogEvery(),
		"version":                  version.String(),
	}
	if s.runner != nil {
		payload["run_id"] = s.runner.RunID()
		payload["seed"] = s.runner.Params().Seed
	}

	httputil.WriteJSONOK(w, payload)
}

type perturbRequest struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (s *Server) perturbHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	if s.runner == nil {
		httputil.Conflict(w, "no active run")
		return
	}
	if s.runComplete() {
		httputil.Conflict(w, "run already complete")
		return
	}

	var req perturbRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}

	if err := s.runner.EnqueuePerturb(req.Row, req.Col); err != nil {
		switch {
		case errors.Is(err, sandpile.ErrOutOfBounds):
			httputil.BadRequest(w, err.Error())
		case errors.Is(err, sim.ErrPerturbQueueFull):
			httputil.ServiceUnavailable(w, "perturbation queue full")
		default:
			httputil.InternalServerError(w, fmt.Sprintf("failed to queue perturbation: %v", err))
		}
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "queued",
		"row":    req.Row,
		"col":    req.Col,
	})
}
