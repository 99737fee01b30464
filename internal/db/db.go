// Package db persists simulation runs and their per-iteration series to
// SQLite, and exposes admin/debug routes over the live database.
package db

import (
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

// ErrRunNotFound is returned when a run ID has no row in sandpile_runs.
var ErrRunNotFound = errors.New("run not found")

type DB struct {
	*sql.DB
}

// NewDB opens (creating if needed) the database at path and ensures the
// base schema exists. Use OpenDB when migrations manage the schema.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sandpile_runs (
			run_id            TEXT PRIMARY KEY,
			grid_size         BIGINT,
			iterations        BIGINT,
			seed              BIGINT,
			magnitude_metric  TEXT,
			status            TEXT,
			started_unix_ns   BIGINT,
			finished_unix_ns  BIGINT,
			initial_mean      DOUBLE,
			final_mean        DOUBLE,
			total_topples     BIGINT,
			max_magnitude     DOUBLE,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS sandpile_series (
			run_id            TEXT,
			iteration         BIGINT,
			mean_height       DOUBLE,
			cascade_size      BIGINT,
			total_topples     BIGINT,
			waves             BIGINT,
			dissipated        BIGINT,
			PRIMARY KEY (run_id, iteration),
			FOREIGN KEY(run_id) REFERENCES sandpile_runs(run_id)
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// OpenDB opens the database at path without touching the schema. The
// migrate commands use this so golang-migrate owns every DDL change.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

// Run statuses recorded in sandpile_runs.status.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusCancelled = "cancelled"
	RunStatusFailed    = "failed"
)

// Run is one simulation run. FinishedUnixNS is nil while the run is
// still in progress.
type Run struct {
	RunID           string  `json:"run_id"`
	GridSize        int     `json:"grid_size"`
	Iterations      int     `json:"iterations"`
	Seed            int64   `json:"seed"`
	MagnitudeMetric string  `json:"magnitude_metric"`
	Status          string  `json:"status"`
	StartedUnixNS   int64   `json:"started_unix_ns"`
	FinishedUnixNS  *int64  `json:"finished_unix_ns,omitempty"`
	InitialMean     float64 `json:"initial_mean"`
	FinalMean       float64 `json:"final_mean"`
	TotalTopples    int64   `json:"total_topples"`
	MaxMagnitude    float64 `json:"max_magnitude"`
}

// SeriesPoint is one persisted iteration of a run.
type SeriesPoint struct {
	RunID        string  `json:"run_id"`
	Iteration    int     `json:"iteration"`
	MeanHeight   float64 `json:"mean_height"`
	CascadeSize  int     `json:"cascade_size"`
	TotalTopples int64   `json:"total_topples"`
	Waves        int     `json:"waves"`
	Dissipated   int64   `json:"dissipated"`
}

// InsertRun records the start of a run. A missing RunID gets a fresh
// UUID and a zero StartedUnixNS gets the current time, both written back
// to run.
func (db *DB) InsertRun(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.StartedUnixNS == 0 {
		run.StartedUnixNS = time.Now().UnixNano()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	return retryOnBusy(func() error {
		_, err := db.Exec(
			`INSERT INTO sandpile_runs (
				run_id, grid_size, iterations, seed, magnitude_metric,
				status, started_unix_ns, initial_mean
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID,
			run.GridSize,
			run.Iterations,
			run.Seed,
			run.MagnitudeMetric,
			run.Status,
			run.StartedUnixNS,
			run.InitialMean,
		)
		return err
	})
}

// FinishRun closes out a run with its final statistics. The finished
// timestamp is set to now.
func (db *DB) FinishRun(runID, status string, finalMean float64, totalTopples int64, maxMagnitude float64) error {
	finished := time.Now().UnixNano()

	return retryOnBusy(func() error {
		result, err := db.Exec(
			`UPDATE sandpile_runs
			SET status = ?, finished_unix_ns = ?, final_mean = ?, total_topples = ?, max_magnitude = ?
			WHERE run_id = ?`,
			status, finished, finalMean, totalTopples, maxMagnitude, runID,
		)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil
	})
}

// InsertSeriesBatch writes a batch of series points in one transaction.
func (db *DB) InsertSeriesBatch(points []SeriesPoint) error {
	if len(points) == 0 {
		return nil
	}

	return retryOnBusy(func() error {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin series batch: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(
			`INSERT INTO sandpile_series (
				run_id, iteration, mean_height, cascade_size, total_topples, waves, dissipated
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return fmt.Errorf("failed to prepare series insert: %w", err)
		}
		defer stmt.Close()

		for _, p := range points {
			if _, err := stmt.Exec(
				p.RunID, p.Iteration, p.MeanHeight, p.CascadeSize, p.TotalTopples, p.Waves, p.Dissipated,
			); err != nil {
				return fmt.Errorf("failed to insert series point %d: %w", p.Iteration, err)
			}
		}

		return tx.Commit()
	})
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(runID string) (*Run, error) {
	query := `
		SELECT run_id, grid_size, iterations, seed, magnitude_metric, status,
		       started_unix_ns, finished_unix_ns, initial_mean,
		       COALESCE(final_mean, 0), COALESCE(total_topples, 0), COALESCE(max_magnitude, 0)
		FROM sandpile_runs
		WHERE run_id = ?
	`

	var run Run
	err := db.DB.QueryRow(query, runID).Scan(
		&run.RunID,
		&run.GridSize,
		&run.Iterations,
		&run.Seed,
		&run.MagnitudeMetric,
		&run.Status,
		&run.StartedUnixNS,
		&run.FinishedUnixNS,
		&run.InitialMean,
		&run.FinalMean,
		&run.TotalTopples,
		&run.MaxMagnitude,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return &run, nil
}

// ListRuns retrieves the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	query := `
		SELECT run_id, grid_size, iterations, seed, magnitude_metric, status,
		       started_unix_ns, finished_unix_ns, initial_mean,
		       COALESCE(final_mean, 0), COALESCE(total_topples, 0), COALESCE(max_magnitude, 0)
		FROM sandpile_runs
		ORDER BY started_unix_ns DESC
		LIMIT ?
	`

	rows, err := db.DB.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		err := rows.Scan(
			&run.RunID,
			&run.GridSize,
			&run.Iterations,
			&run.Seed,
			&run.MagnitudeMetric,
			&run.Status,
			&run.StartedUnixNS,
			&run.FinishedUnixNS,
			&run.InitialMean,
			&run.FinalMean,
			&run.TotalTopples,
			&run.MaxMagnitude,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// RunSeries retrieves every persisted iteration of a run in order.
func (db *DB) RunSeries(runID string) ([]SeriesPoint, error) {
	query := `
		SELECT run_id, iteration, mean_height, cascade_size, total_topples, waves, dissipated
		FROM sandpile_series
		WHERE run_id = ?
		ORDER BY iteration ASC
	`

	rows, err := db.DB.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run series: %w", err)
	}
	defer rows.Close()

	var points []SeriesPoint
	for rows.Next() {
		var p SeriesPoint
		err := rows.Scan(
			&p.RunID,
			&p.Iteration,
			&p.MeanHeight,
			&p.CascadeSize,
			&p.TotalTopples,
			&p.Waves,
			&p.Dissipated,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan series point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return points, nil
}

// RunRollup aggregates a run's persisted series in SQL.
type RunRollup struct {
	RunID          string  `json:"run_id"`
	Points         int64   `json:"points"`
	MeanHeightAvg  float64 `json:"mean_height_avg"`
	MeanHeightMax  float64 `json:"mean_height_max"`
	CascadeSizeAvg float64 `json:"cascade_size_avg"`
	CascadeSizeMax int64   `json:"cascade_size_max"`
	QuiescentCount int64   `json:"quiescent_count"`
	TotalTopples   int64   `json:"total_topples"`
	WavesMax       int64   `json:"waves_max"`
	DissipatedSum  int64   `json:"dissipated_sum"`
}

// GetRunRollup computes the rollup for one run. A run with no persisted
// series points rolls up to all zeros.
func (db *DB) GetRunRollup(runID string) (*RunRollup, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(AVG(mean_height), 0),
		       COALESCE(MAX(mean_height), 0),
		       COALESCE(AVG(cascade_size), 0),
		       COALESCE(MAX(cascade_size), 0),
		       COALESCE(SUM(CASE WHEN total_topples = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(total_topples), 0),
		       COALESCE(MAX(waves), 0),
		       COALESCE(SUM(dissipated), 0)
		FROM sandpile_series
		WHERE run_id = ?
	`

	rollup := RunRollup{RunID: runID}
	err := db.DB.QueryRow(query, runID).Scan(
		&rollup.Points,
		&rollup.MeanHeightAvg,
		&rollup.MeanHeightMax,
		&rollup.CascadeSizeAvg,
		&rollup.CascadeSizeMax,
		&rollup.QuiescentCount,
		&rollup.TotalTopples,
		&rollup.WavesMax,
		&rollup.DissipatedSum,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to roll up run series: %w", err)
	}

	return &rollup, nil
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://sandpile.db", db.DB, &tailsql.DBOptions{
		Label: "Sandpile DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		backupPath := fmt.Sprintf("backup-%d.db", unixTime)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		// Send the backup file to the client
		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}

		// close the backup file after sending it
		// and remove it from the filesystem
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := gzipWriter.Write([]byte{}); err != nil {
			// Need to write something to initialize the gzip header
			http.Error(w, fmt.Sprintf("Failed to initialize gzip writer: %v", err), http.StatusInternalServerError)
			return
		}

		// Copy the backup file content to the gzip writer
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
