// Package config provides configuration loading and management for cortexmind.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate for unusable configurations
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML.
// A Config is built once at startup and shared read-only afterwards.
type Config struct {
	// Input and output locations
	Paths struct {
		// SubjectsDir is the FreeSurfer subjects root; every subdirectory is a subject
		SubjectsDir string `yaml:"subjectsDir"`

		// ImagesDir holds the per-subject morphometric (VBM) volumes
		ImagesDir string `yaml:"imagesDir"`

		// OutputDir receives one similarity matrix CSV per subject
		OutputDir string `yaml:"outputDir"`

		// LUTFile is the FreeSurfer colour lookup table
		LUTFile string `yaml:"lutFile"`

		// Manifest optionally lists subject ids, one per line, instead of
		// discovering them from SubjectsDir
		Manifest string `yaml:"manifest"`
	} `yaml:"paths"`

	// File naming templates; {id} is replaced with the subject id
	Layout struct {
		// Morphometric is relative to ImagesDir
		Morphometric string `yaml:"morphometric"`

		// Parcellation is relative to SubjectsDir
		Parcellation string `yaml:"parcellation"`

		// Output is relative to OutputDir
		Output string `yaml:"output"`
	} `yaml:"layout"`

	// Processing parameters
	Processing struct {
		// NumWorkers is how many subjects run concurrently; 0 or less means all cores
		NumWorkers int `yaml:"numWorkers"`

		// CorticalMarker selects label table entries whose name contains it
		CorticalMarker string `yaml:"corticalMarker"`

		// MinVoxels is the smallest region kept in a distribution
		MinVoxels int `yaml:"minVoxels"`

		// LabelAbsTol and LabelRelTol bound how far a parcellation voxel may
		// stray from an integer label and still match it
		LabelAbsTol float64 `yaml:"labelAbsTol"`
		LabelRelTol float64 `yaml:"labelRelTol"`

		// Resample equalizes region sample sizes before divergence estimation
		Resample bool `yaml:"resample"`

		// Seed makes resampling reproducible across runs
		Seed uint64 `yaml:"seed"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// MetricsFile, when set, receives the run counters in Prometheus text format
		MetricsFile string `yaml:"metricsFile"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	desktop := filepath.Join(home, "Desktop")
	cfg.Paths.SubjectsDir = desktop
	cfg.Paths.ImagesDir = desktop
	cfg.Paths.OutputDir = desktop
	cfg.Paths.LUTFile = filepath.Join(desktop, "FreeSurferColorLUT.txt")

	cfg.Layout.Morphometric = "mwp1{id}_T1w.nii_output.mgz"
	cfg.Layout.Parcellation = "{id}/mri/aparc+aseg.mgz"
	cfg.Layout.Output = "ACEMIND-Cortical-{id}.csv"

	cfg.Processing.NumWorkers = -1 // Use all available cores by default
	cfg.Processing.CorticalMarker = "ctx-"
	cfg.Processing.MinVoxels = 10
	cfg.Processing.LabelAbsTol = 1e-3
	cfg.Processing.LabelRelTol = 1e-5
	cfg.Processing.Resample = true
	cfg.Processing.Seed = 42

	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks the configuration for values the pipeline cannot work with
func (c *Config) Validate() error {
	var problems []string

	if c.Paths.SubjectsDir == "" && c.Paths.Manifest == "" {
		problems = append(problems, "paths.subjectsDir or paths.manifest is required")
	}
	if c.Paths.ImagesDir == "" {
		problems = append(problems, "paths.imagesDir is required")
	}
	if c.Paths.OutputDir == "" {
		problems = append(problems, "paths.outputDir is required")
	}
	for name, tmpl := range map[string]string{
		"layout.morphometric": c.Layout.Morphometric,
		"layout.parcellation": c.Layout.Parcellation,
		"layout.output":       c.Layout.Output,
	} {
		if !strings.Contains(tmpl, "{id}") {
			problems = append(problems, fmt.Sprintf("%s must contain {id}", name))
		}
	}
	if c.Processing.MinVoxels < 1 {
		problems = append(problems, "processing.minVoxels must be at least 1")
	}
	if c.Processing.LabelAbsTol < 0 || c.Processing.LabelRelTol < 0 {
		problems = append(problems, "label tolerances must be non-negative")
	}
	// Every label must stay closer to its own integer than to a neighbour.
	if tol := c.MaxLabelTolerance(); tol >= 0.5 || math.IsNaN(tol) {
		problems = append(problems, fmt.Sprintf("effective label tolerance %.4g must be below 0.5", tol))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// MaxLabelTolerance returns the widest tolerance applied to any label
// in the FreeSurfer range (labels stay below 15000).
func (c *Config) MaxLabelTolerance() float64 {
	return c.Processing.LabelAbsTol + c.Processing.LabelRelTol*15000
}

// Workers resolves NumWorkers to a concrete degree of parallelism
func (c *Config) Workers() int {
	if c.Processing.NumWorkers <= 0 {
		return runtime.NumCPU()
	}
	return c.Processing.NumWorkers
}

// MorphometricPath returns the morphometric volume path for a subject
func (c *Config) MorphometricPath(id string) string {
	return filepath.Join(c.Paths.ImagesDir, expand(c.Layout.Morphometric, id))
}

// ParcellationPath returns the parcellation volume path for a subject
func (c *Config) ParcellationPath(id string) string {
	return filepath.Join(c.Paths.SubjectsDir, expand(c.Layout.Parcellation, id))
}

// OutputPath returns the similarity matrix path for a subject
func (c *Config) OutputPath(id string) string {
	return filepath.Join(c.Paths.OutputDir, expand(c.Layout.Output, id))
}

func expand(tmpl, id string) string {
	return filepath.FromSlash(strings.ReplaceAll(tmpl, "{id}", id))
}
