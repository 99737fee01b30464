package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dvanhoesen/abelian-sandpile/internal/api"
	"github.com/dvanhoesen/abelian-sandpile/internal/config"
	"github.com/dvanhoesen/abelian-sandpile/internal/db"
	"github.com/dvanhoesen/abelian-sandpile/internal/monitoring"
	"github.com/dvanhoesen/abelian-sandpile/internal/sim"
	"github.com/dvanhoesen/abelian-sandpile/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to a JSON config file (built-in defaults when omitted)")
	dbFile     = flag.String("db", "sandpile.db", "Path to the SQLite database file")
	listen     = flag.String("listen", ":8080", "HTTP listen address")
	gridSize   = flag.Int("size", 0, "Lattice edge length (overrides config when positive)")
	iterations = flag.Int("iterations", -1, "Perturbation iterations (overrides config when non-negative)")
	rngSeed    = flag.Int64("seed", 0, "RNG seed (overrides config when non-zero)")
	noHTTP     = flag.Bool("no-http", false, "Run the simulation without the HTTP server and exit when it finishes")
	quiet      = flag.Bool("quiet", false, "Suppress simulation progress logs")
)

// splitMigrateArgs separates an optional -db flag from the migrate action
// arguments, so "sandpile migrate up -db other.db" works in any order.
func splitMigrateArgs(args []string) ([]string, string) {
	dbPath := "sandpile.db"
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if (args[i] == "-db" || args[i] == "--db") && i+1 < len(args) {
			dbPath = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return rest, dbPath
}

// loadConfig resolves the startup configuration: the config file when one
// is named, then flag overrides on top.
func loadConfig() (*config.SimConfig, error) {
	cfg := config.EmptySimConfig()
	if *configPath != "" {
		loaded, err := config.LoadSimConfig(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if *gridSize > 0 {
		v := *gridSize
		cfg.GridSize = &v
	}
	if *iterations >= 0 {
		v := *iterations
		cfg.Iterations = &v
	}
	if *rngSeed != 0 {
		cfg = cfg.WithSeed(*rngSeed)
	}
	return cfg, nil
}

// runStatus maps a run outcome to the status recorded in sandpile_runs.
func runStatus(err error) string {
	switch {
	case err == nil:
		return db.RunStatusCompleted
	case errors.Is(err, context.Canceled):
		return db.RunStatusCancelled
	default:
		return db.RunStatusFailed
	}
}

// Main
func main() {
	// The migrate subcommand takes its own arguments and manages the
	// schema explicitly, so dispatch it before flag parsing.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		args, dbPath := splitMigrateArgs(os.Args[2:])
		db.RunMigrateCommand(args, dbPath)
		return
	}

	flag.Parse()

	if *listen == "" && !*noHTTP {
		log.Fatal("Listen address is required")
	}
	if *quiet {
		monitoring.SetLogger(nil)
	}

	log.Printf("sandpile %s", version.String())

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	params, err := sim.ParamsFromConfig(cfg)
	if err != nil {
		log.Fatalf("Invalid simulation parameters: %v", err)
	}

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Build the run: the writer persists it, the publisher feeds the
	// HTTP read surface.
	publisher := sim.NewPublisher()
	writer := db.NewRunWriter(database, params, 0)
	runner, err := sim.NewRunner(params, sim.WithSink(writer), sim.WithSink(publisher))
	if err != nil {
		log.Fatalf("Failed to build simulation: %v", err)
	}

	// Create a wait group for the simulation and HTTP server routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the simulation loop
	wg.Add(1)
	go func() {
		defer wg.Done()

		res, runErr := runner.Run(ctx)
		status := runStatus(runErr)
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			log.Printf("simulation failed: %v", runErr)
		}
		if err := writer.Finish(res, status); err != nil {
			log.Printf("failed to close out run record: %v", err)
		}
		log.Printf("simulation routine terminated (%s)", status)

		// With the HTTP server up the results stay browsable after the
		// run; without it there is nothing left to serve.
		if *noHTTP {
			stop()
		}
	}()

	// HTTP server goroutine
	if !*noHTTP {
		wg.Add(1)
		go func() {
			defer wg.Done()

			// create a new API server instance over the live run and the
			// run history database, and mount the API handlers
			mux := api.NewServer(runner, publisher, database, cfg).ServeMux()

			// mount the admin debugging routes
			database.AttachAdminRoutes(mux)

			server := &http.Server{
				Addr:    *listen,
				Handler: api.LoggingMiddleware(mux),
			}

			// Start server in a goroutine so it doesn't block
			go func() {
				log.Printf("Starting HTTP server on %s", *listen)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("failed to start server: %v", err)
				}
			}()

			// Wait for context cancellation to shut down server
			<-ctx.Done()
			log.Println("shutting down HTTP server...")

			// Create a shutdown context with a shorter timeout
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				// Force close the server if graceful shutdown fails
				if err := server.Close(); err != nil {
					log.Printf("HTTP server force close error: %v", err)
				}
			}

			log.Printf("HTTP server routine stopped")
		}()
	}

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
