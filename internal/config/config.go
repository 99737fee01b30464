package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dvanhoesen/abelian-sandpile/internal/sandpile"
)

// DefaultConfigPath is the path to the canonical simulation defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/sandpile.defaults.json"

// SimConfig is the tunable surface of a simulation run. All fields are
// pointers so a partial JSON file only overrides what it names; the Get*
// accessors fall back to the documented defaults for unset fields. The
// schema matches the /api/config endpoint, so the same JSON describes both
// startup configuration and the effective-config echo.
type SimConfig struct {
	// Lattice and run length
	GridSize   *int   `json:"grid_size,omitempty"`
	Iterations *int   `json:"iterations,omitempty"`
	RngSeed    *int64 `json:"rng_seed,omitempty"` // unset: drawn from the OS entropy pool

	// Recorder params
	MagnitudeMetric    *string `json:"magnitude_metric,omitempty"` // "topples" or "sites"
	HistogramMax       *int    `json:"histogram_max,omitempty"`
	HistogramBins      *int    `json:"histogram_bins,omitempty"`
	FootprintRetention *string `json:"footprint_retention,omitempty"` // "latest", "none", or "all"
	TrailingWindow     *int    `json:"trailing_window,omitempty"`

	// Engine params
	DivergenceSafetyFactor *int `json:"divergence_safety_factor,omitempty"`

	// Reporting params
	SnapshotEvery *int `json:"snapshot_every,omitempty"` // 0 disables snapshot publication
	LogEvery      *int `json:"log_every,omitempty"`      // 0 disables progress logging
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
func ptrInt64(v int64) *int64    { return &v }

// EmptySimConfig returns a SimConfig with all fields set to nil.
// Use LoadSimConfig to load actual values from a file.
func EmptySimConfig() *SimConfig {
	return &SimConfig{}
}

// DefaultSimConfig returns a fully populated config carrying the standard
// defaults. The rng seed stays unset so each run draws a fresh one.
func DefaultSimConfig() *SimConfig {
	return &SimConfig{
		GridSize:               ptrInt(30),
		Iterations:             ptrInt(5000),
		MagnitudeMetric:        ptrString("topples"),
		HistogramMax:           ptrInt(100),
		HistogramBins:          ptrInt(50),
		FootprintRetention:     ptrString("latest"),
		TrailingWindow:         ptrInt(500),
		DivergenceSafetyFactor: ptrInt(1000),
		SnapshotEvery:          ptrInt(1),
		LogEvery:               ptrInt(500),
	}
}

// LoadSimConfig loads a SimConfig from a JSON file. The file must carry a
// .json extension and stay under the max file size. Fields omitted from
// the JSON retain their defaults, so partial configs are safe.
func LoadSimConfig(path string) (*SimConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySimConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and common parent directories. Panics
// if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *SimConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadSimConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that every set field carries a usable value. Unset
// fields are fine; they resolve through the Get* defaults.
func (c *SimConfig) Validate() error {
	if c.GridSize != nil && *c.GridSize < 1 {
		return fmt.Errorf("grid_size must be at least 1, got %d: %w", *c.GridSize, sandpile.ErrInvalidConfiguration)
	}
	if c.Iterations != nil && *c.Iterations < 0 {
		return fmt.Errorf("iterations must not be negative, got %d: %w", *c.Iterations, sandpile.ErrInvalidConfiguration)
	}
	if c.MagnitudeMetric != nil {
		switch *c.MagnitudeMetric {
		case "topples", "sites":
		default:
			return fmt.Errorf("magnitude_metric must be \"topples\" or \"sites\", got %q: %w", *c.MagnitudeMetric, sandpile.ErrInvalidConfiguration)
		}
	}
	if c.HistogramMax != nil && *c.HistogramMax < 1 {
		return fmt.Errorf("histogram_max must be at least 1, got %d: %w", *c.HistogramMax, sandpile.ErrInvalidConfiguration)
	}
	if c.HistogramBins != nil && *c.HistogramBins < 1 {
		return fmt.Errorf("histogram_bins must be at least 1, got %d: %w", *c.HistogramBins, sandpile.ErrInvalidConfiguration)
	}
	if c.FootprintRetention != nil {
		switch *c.FootprintRetention {
		case "latest", "none", "all":
		default:
			return fmt.Errorf("footprint_retention must be \"latest\", \"none\", or \"all\", got %q: %w", *c.FootprintRetention, sandpile.ErrInvalidConfiguration)
		}
	}
	if c.TrailingWindow != nil && *c.TrailingWindow < 1 {
		return fmt.Errorf("trailing_window must be at least 1, got %d: %w", *c.TrailingWindow, sandpile.ErrInvalidConfiguration)
	}
	if c.DivergenceSafetyFactor != nil && *c.DivergenceSafetyFactor < 1 {
		return fmt.Errorf("divergence_safety_factor must be at least 1, got %d: %w", *c.DivergenceSafetyFactor, sandpile.ErrInvalidConfiguration)
	}
	if c.SnapshotEvery != nil && *c.SnapshotEvery < 0 {
		return fmt.Errorf("snapshot_every must not be negative, got %d: %w", *c.SnapshotEvery, sandpile.ErrInvalidConfiguration)
	}
	if c.LogEvery != nil && *c.LogEvery < 0 {
		return fmt.Errorf("log_every must not be negative, got %d: %w", *c.LogEvery, sandpile.ErrInvalidConfiguration)
	}
	return nil
}

// GetGridSize returns the lattice edge length (default 30).
func (c *SimConfig) GetGridSize() int {
	if c.GridSize != nil {
		return *c.GridSize
	}
	return 30
}

// GetIterations returns the number of perturbation iterations (default 5000).
func (c *SimConfig) GetIterations() int {
	if c.Iterations != nil {
		return *c.Iterations
	}
	return 5000
}

// GetRngSeed returns the configured seed and whether one was set. Unset
// means the run should draw a fresh seed.
func (c *SimConfig) GetRngSeed() (int64, bool) {
	if c.RngSeed != nil {
		return *c.RngSeed, true
	}
	return 0, false
}

// GetMagnitudeMetric returns the magnitude metric name (default "topples").
func (c *SimConfig) GetMagnitudeMetric() string {
	if c.MagnitudeMetric != nil {
		return *c.MagnitudeMetric
	}
	return "topples"
}

// GetHistogramMax returns the histogram upper bound (default 100).
func (c *SimConfig) GetHistogramMax() int {
	if c.HistogramMax != nil {
		return *c.HistogramMax
	}
	return 100
}

// GetHistogramBins returns the histogram bucket count (default 50).
func (c *SimConfig) GetHistogramBins() int {
	if c.HistogramBins != nil {
		return *c.HistogramBins
	}
	return 50
}

// GetFootprintRetention returns the footprint retention mode (default "latest").
func (c *SimConfig) GetFootprintRetention() string {
	if c.FootprintRetention != nil {
		return *c.FootprintRetention
	}
	return "latest"
}

// GetTrailingWindow returns the trailing-statistics window (default 500).
func (c *SimConfig) GetTrailingWindow() int {
	if c.TrailingWindow != nil {
		return *c.TrailingWindow
	}
	return 500
}

// GetDivergenceSafetyFactor returns the topple-budget multiplier applied to
// the lattice area (default 1000).
func (c *SimConfig) GetDivergenceSafetyFactor() int {
	if c.DivergenceSafetyFactor != nil {
		return *c.DivergenceSafetyFactor
	}
	return 1000
}

// GetSnapshotEvery returns the snapshot publication cadence (default 1,
// meaning every iteration; 0 disables publication).
func (c *SimConfig) GetSnapshotEvery() int {
	if c.SnapshotEvery != nil {
		return *c.SnapshotEvery
	}
	return 1
}

// GetLogEvery returns the progress-logging cadence (default 500; 0 keeps
// the run quiet).
func (c *SimConfig) GetLogEvery() int {
	if c.LogEvery != nil {
		return *c.LogEvery
	}
	return 500
}

// WithSeed returns a copy of the config with the rng seed pinned. The cmd
// layer uses it to apply flag overrides without mutating shared state.
func (c *SimConfig) WithSeed(seed int64) *SimConfig {
	out := *c
	out.RngSeed = ptrInt64(seed)
	return &out
}
