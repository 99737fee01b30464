package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/dvanhoesen/abelian-sandpile/internal/db"
)

func main() {
	var dbPath string
	var runID string
	var limit int
	var showSeries bool

	flag.StringVar(&dbPath, "db", "sandpile.db", "path to sqlite db")
	flag.StringVar(&runID, "run", "", "report a single run in detail")
	flag.IntVar(&limit, "limit", 20, "how many recent runs to list")
	flag.BoolVar(&showSeries, "series", false, "print the per-iteration series for -run")
	flag.Parse()

	dbConn, err := db.NewDB(dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer dbConn.Close()

	if runID != "" {
		if err := reportRun(dbConn, runID, showSeries); err != nil {
			log.Fatalf("failed to report run: %v", err)
		}
		return
	}

	if err := listRuns(dbConn, limit); err != nil {
		log.Fatalf("failed to list runs: %v", err)
	}
}

func formatStamp(unixNS int64) string {
	if unixNS == 0 {
		return "-"
	}
	return time.Unix(0, unixNS).UTC().Format("2006-01-02 15:04:05")
}

func formatElapsed(run *db.Run) string {
	if run.FinishedUnixNS == nil {
		return "-"
	}
	return time.Duration(*run.FinishedUnixNS - run.StartedUnixNS).Round(time.Millisecond).String()
}

// listRuns prints one line per recent run, newest first.
func listRuns(dbConn *db.DB, limit int) error {
	runs, err := dbConn.ListRuns(limit)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded yet")
		return nil
	}

	fmt.Printf("Most recent %d run(s):\n\n", len(runs))
	for _, run := range runs {
		fmt.Printf("  %s  %-9s  %3dx%-3d  %7d iters  started %s\n",
			run.RunID, run.Status, run.GridSize, run.GridSize,
			run.Iterations, formatStamp(run.StartedUnixNS))
	}
	fmt.Println("\nUse -run <run_id> for details")
	return nil
}

// reportRun prints the run row, the SQL rollup of its series, and
// optionally every persisted iteration.
func reportRun(dbConn *db.DB, runID string, showSeries bool) error {
	run, err := dbConn.GetRun(runID)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s\n", run.RunID)
	fmt.Printf("  status:          %s\n", run.Status)
	fmt.Printf("  lattice:         %dx%d\n", run.GridSize, run.GridSize)
	fmt.Printf("  iterations:      %d\n", run.Iterations)
	fmt.Printf("  seed:            %d\n", run.Seed)
	fmt.Printf("  metric:          %s\n", run.MagnitudeMetric)
	fmt.Printf("  started:         %s\n", formatStamp(run.StartedUnixNS))
	fmt.Printf("  elapsed:         %s\n", formatElapsed(run))
	fmt.Printf("  mean height:     %.4f -> %.4f\n", run.InitialMean, run.FinalMean)
	fmt.Printf("  total topples:   %d\n", run.TotalTopples)
	fmt.Printf("  max magnitude:   %.0f\n", run.MaxMagnitude)

	rollup, err := dbConn.GetRunRollup(runID)
	if err != nil {
		return err
	}

	fmt.Printf("\nSeries rollup (%d point(s)):\n", rollup.Points)
	if rollup.Points > 0 {
		fmt.Printf("  mean height:     avg %.4f, max %.4f\n", rollup.MeanHeightAvg, rollup.MeanHeightMax)
		fmt.Printf("  cascade size:    avg %.2f, max %d\n", rollup.CascadeSizeAvg, rollup.CascadeSizeMax)
		fmt.Printf("  quiescent:       %d of %d iterations\n", rollup.QuiescentCount, rollup.Points)
		fmt.Printf("  waves (max):     %d\n", rollup.WavesMax)
		fmt.Printf("  grains off-grid: %d\n", rollup.DissipatedSum)
	}

	if !showSeries {
		return nil
	}

	points, err := dbConn.RunSeries(runID)
	if err != nil {
		return err
	}

	fmt.Printf("\n%9s  %11s  %6s  %8s  %6s  %10s\n",
		"iteration", "mean height", "size", "topples", "waves", "dissipated")
	for _, p := range points {
		fmt.Printf("%9d  %11.4f  %6d  %8d  %6d  %10d\n",
			p.Iteration, p.MeanHeight, p.CascadeSize, p.TotalTopples, p.Waves, p.Dissipated)
	}
	return nil
}
