package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10, cfg.Processing.MinVoxels)
	assert.Equal(t, 1e-3, cfg.Processing.LabelAbsTol)
	assert.Equal(t, "ctx-", cfg.Processing.CorticalMarker)
	assert.True(t, cfg.Processing.Resample)
	assert.Equal(t, runtime.NumCPU(), cfg.Workers())
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Layout, cfg.Layout)
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cortexmind.yaml")

	cfg := DefaultConfig()
	cfg.Paths.SubjectsDir = "/data/subjects"
	cfg.Processing.NumWorkers = 3
	cfg.Processing.LabelAbsTol = 0.01
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/subjects", loaded.Paths.SubjectsDir)
	assert.Equal(t, 3, loaded.Workers())
	assert.Equal(t, 0.01, loaded.Processing.LabelAbsTol)
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processing:\n  minVoxels: 25\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Processing.MinVoxels)
	assert.Equal(t, "ctx-", cfg.Processing.CorticalMarker)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processing: [unterminated"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero min voxels", func(c *Config) { c.Processing.MinVoxels = 0 }},
		{"negative tolerance", func(c *Config) { c.Processing.LabelAbsTol = -1 }},
		{"tolerance overlaps neighbour labels", func(c *Config) { c.Processing.LabelAbsTol = 0.6 }},
		{"output template without id", func(c *Config) { c.Layout.Output = "matrix.csv" }},
		{"no output dir", func(c *Config) { c.Paths.OutputDir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestPathTemplates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paths.SubjectsDir = "/fs"
	cfg.Paths.ImagesDir = "/vbm"
	cfg.Paths.OutputDir = "/out"

	assert.Equal(t, filepath.FromSlash("/vbm/mwp1sub-01_T1w.nii_output.mgz"), cfg.MorphometricPath("sub-01"))
	assert.Equal(t, filepath.FromSlash("/fs/sub-01/mri/aparc+aseg.mgz"), cfg.ParcellationPath("sub-01"))
	assert.Equal(t, filepath.FromSlash("/out/ACEMIND-Cortical-sub-01.csv"), cfg.OutputPath("sub-01"))
}
