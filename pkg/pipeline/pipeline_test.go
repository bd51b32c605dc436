package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortexmind/internal/fixtures"
	"cortexmind/internal/models"
	"cortexmind/pkg/config"
	"cortexmind/pkg/lut"
	"cortexmind/pkg/mgh"
	"cortexmind/pkg/similarity"
)

// stubEngine returns a deterministic matrix: similarity of regions i and j
// is 1/(1+|i-j|), diagonal zero.
type stubEngine struct {
	calls   int
	regions []string
	values  int
}

func (s *stubEngine) Compute(_ context.Context, table *similarity.LongTable, _ []string, regions []string, _ similarity.Options) (*similarity.Matrix, error) {
	s.calls++
	s.regions = regions
	s.values = table.Len()
	m := similarity.NewMatrix(regions)
	for i := range regions {
		for j := i + 1; j < len(regions); j++ {
			m.Data.SetSym(i, j, 1/float64(1+j-i))
		}
	}
	return m, nil
}

type engineFunc func(regions []string) (*similarity.Matrix, error)

func (f engineFunc) Compute(_ context.Context, _ *similarity.LongTable, _ []string, regions []string, _ similarity.Options) (*similarity.Matrix, error) {
	return f(regions)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T) *config.Config {
	t.Helper()
	cfg := fixtures.Config(t.TempDir())
	require.NoError(t, os.MkdirAll(cfg.Paths.OutputDir, 0755))
	return cfg
}

func TestProcessWritesMatrix(t *testing.T) {
	cfg := setup(t)
	require.NoError(t, fixtures.WriteSubject(cfg, "sub-01", fixtures.DefaultRegions))
	engine := &stubEngine{}

	res := New(cfg, fixtures.Table(), engine, WithLogger(quietLogger())).Process(context.Background(), "sub-01")

	require.NoError(t, res.Err)
	assert.Equal(t, Written, res.State)
	assert.Equal(t, cfg.OutputPath("sub-01"), res.Path)
	assert.Equal(t, 5, res.Regions)
	assert.Empty(t, res.Reason())
	assert.Equal(t, 300, engine.values, "every voxel value reaches the engine")

	f, err := os.Open(res.Path)
	require.NoError(t, err)
	defer f.Close()
	m, err := similarity.ReadCSV(f)
	require.NoError(t, err)
	assert.Equal(t, engine.regions, m.Names)
	assert.Equal(t, 0.5, m.At(0, 1))
	assert.Contains(t, filepath.Base(res.Path), "sub-01")
}

func TestProcessBanksstsScenario(t *testing.T) {
	cfg := setup(t)
	table := lut.New([]lut.Entry{
		{Label: 1001, Name: "ctx-lh-bankssts"},
		{Label: 2001, Name: "ctx-rh-bankssts"},
	})
	require.NoError(t, fixtures.WriteSubject(cfg, "sub-01", []fixtures.Region{
		{Label: 1001, Voxels: 12},
		{Label: 2001, Voxels: 3},
	}))

	res := New(cfg, table, similarity.NewMIND(), WithLogger(quietLogger())).Process(context.Background(), "sub-01")
	require.Equal(t, Written, res.State, "error: %v", res.Err)

	f, err := os.Open(res.Path)
	require.NoError(t, err)
	defer f.Close()
	m, err := similarity.ReadCSV(f)
	require.NoError(t, err)
	assert.Equal(t, []string{"ctx-lh-bankssts"}, m.Names)
	assert.Equal(t, 1, m.Size())
}

func TestProcessIsIdempotent(t *testing.T) {
	cfg := setup(t)
	require.NoError(t, fixtures.WriteSubject(cfg, "sub-01", fixtures.DefaultRegions))
	p := New(cfg, fixtures.Table(), similarity.NewMIND(), WithLogger(quietLogger()))

	first := p.Process(context.Background(), "sub-01")
	require.Equal(t, Written, first.State, "error: %v", first.Err)
	before, err := os.ReadFile(first.Path)
	require.NoError(t, err)

	second := p.Process(context.Background(), "sub-01")
	require.Equal(t, Written, second.State)
	after, err := os.ReadFile(second.Path)
	require.NoError(t, err)

	assert.Equal(t, before, after)

	entries, err := os.ReadDir(cfg.Paths.OutputDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestProcessMissingInputs(t *testing.T) {
	cfg := setup(t)
	require.NoError(t, fixtures.WriteSubject(cfg, "sub-01", fixtures.DefaultRegions))
	require.NoError(t, os.Remove(cfg.ParcellationPath("sub-01")))
	engine := &stubEngine{}

	res := New(cfg, fixtures.Table(), engine, WithLogger(quietLogger())).Process(context.Background(), "sub-01")

	assert.Equal(t, InputMissing, res.State)
	var missing *MissingInputError
	require.ErrorAs(t, res.Err, &missing)
	assert.Equal(t, "parcellation", missing.Kind)
	assert.Equal(t, cfg.ParcellationPath("sub-01"), missing.Path)
	assert.Zero(t, engine.calls)
	assert.NoFileExists(t, cfg.OutputPath("sub-01"))
}

func TestProcessMalformedSubjectID(t *testing.T) {
	cfg := setup(t)
	res := New(cfg, fixtures.Table(), &stubEngine{}, WithLogger(quietLogger())).Process(context.Background(), "../escape")
	assert.Equal(t, InputMissing, res.State)
	assert.Equal(t, "input_missing", res.Reason())
}

func TestProcessCorruptVolume(t *testing.T) {
	cfg := setup(t)
	require.NoError(t, fixtures.WriteSubject(cfg, "sub-01", fixtures.DefaultRegions))
	require.NoError(t, os.WriteFile(cfg.MorphometricPath("sub-01"), []byte("not a volume"), 0644))

	res := New(cfg, fixtures.Table(), &stubEngine{}, WithLogger(quietLogger())).Process(context.Background(), "sub-01")
	assert.Equal(t, InputMissing, res.State)
	assert.Error(t, res.Err)
}

func TestProcessOversizedVolumeHeader(t *testing.T) {
	cfg := setup(t)
	require.NoError(t, fixtures.WriteSubject(cfg, "sub-01", fixtures.DefaultRegions))

	// Header only, declaring a 4096^3 float grid.
	hdr := make([]byte, 284)
	for i, v := range []uint32{1, 4096, 4096, 4096, 1, uint32(mgh.Float)} {
		binary.BigEndian.PutUint32(hdr[4*i:], v)
	}
	require.NoError(t, os.WriteFile(cfg.ParcellationPath("sub-01"), hdr, 0644))

	res := New(cfg, fixtures.Table(), &stubEngine{}, WithLogger(quietLogger())).Process(context.Background(), "sub-01")
	assert.Equal(t, InputMissing, res.State)
	assert.ErrorIs(t, res.Err, mgh.ErrBadHeader)
}

func TestProcessShapeMismatch(t *testing.T) {
	cfg := setup(t)
	require.NoError(t, fixtures.WriteSubject(cfg, "sub-01", fixtures.DefaultRegions))
	loader := func(path string) (*models.Volume, error) {
		if path == cfg.MorphometricPath("sub-01") {
			return models.NewVolume(3, 3, 3), nil
		}
		_, parc, err := fixtures.Volumes(fixtures.DefaultRegions)
		return parc, err
	}

	res := New(cfg, fixtures.Table(), &stubEngine{}, WithLoader(loader), WithLogger(quietLogger())).
		Process(context.Background(), "sub-01")
	assert.Equal(t, InputMissing, res.State)
}

func TestProcessEmptyTableSkips(t *testing.T) {
	cfg := setup(t)
	require.NoError(t, fixtures.WriteSubject(cfg, "sub-01", fixtures.DefaultRegions))
	engine := &stubEngine{}

	res := New(cfg, lut.New(nil), engine, WithLogger(quietLogger())).Process(context.Background(), "sub-01")

	assert.Equal(t, EmptyDistribution, res.State)
	assert.Zero(t, engine.calls)
	assert.NoFileExists(t, cfg.OutputPath("sub-01"))
}

func TestProcessComputeFailures(t *testing.T) {
	engines := map[string]similarity.Engine{
		"error": engineFunc(func([]string) (*similarity.Matrix, error) {
			return nil, errors.New("estimator diverged")
		}),
		"panic": engineFunc(func([]string) (*similarity.Matrix, error) {
			panic("index out of range")
		}),
		"nil matrix": engineFunc(func([]string) (*similarity.Matrix, error) {
			return nil, nil
		}),
		"wrong labels": engineFunc(func(regions []string) (*similarity.Matrix, error) {
			return similarity.NewMatrix(regions[1:]), nil
		}),
	}

	for name, engine := range engines {
		t.Run(name, func(t *testing.T) {
			cfg := setup(t)
			require.NoError(t, fixtures.WriteSubject(cfg, "sub-01", fixtures.DefaultRegions))

			res := New(cfg, fixtures.Table(), engine, WithLogger(quietLogger())).Process(context.Background(), "sub-01")

			assert.Equal(t, ComputeFailed, res.State)
			assert.Error(t, res.Err)
			assert.Equal(t, 5, res.Regions)
			assert.NoFileExists(t, cfg.OutputPath("sub-01"))
		})
	}
}

func TestProcessWriteFailure(t *testing.T) {
	cfg := setup(t)
	require.NoError(t, fixtures.WriteSubject(cfg, "sub-01", fixtures.DefaultRegions))
	cfg.Paths.OutputDir = filepath.Join(cfg.Paths.OutputDir, "does", "not", "exist")

	res := New(cfg, fixtures.Table(), &stubEngine{}, WithLogger(quietLogger())).Process(context.Background(), "sub-01")

	assert.Equal(t, WriteFailed, res.State)
	assert.Contains(t, res.Err.Error(), cfg.OutputPath("sub-01"))
	assert.Empty(t, res.Path)
}

func TestInspect(t *testing.T) {
	cfg := setup(t)
	require.NoError(t, fixtures.WriteSubject(cfg, "sub-01", []fixtures.Region{
		{Label: 1001, Voxels: 12},
		{Label: 2001, Voxels: 3},
	}))
	p := New(cfg, fixtures.Table(), &stubEngine{}, WithLogger(quietLogger()))

	summaries, err := p.Inspect("sub-01")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, 12, summaries[0].Voxels)
	assert.True(t, summaries[0].Kept)
	assert.False(t, summaries[1].Kept)
	assert.Greater(t, summaries[0].Mean, 0.0)

	require.NoError(t, os.Remove(cfg.MorphometricPath("sub-01")))
	summaries, err = p.Inspect("sub-01")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, 3, summaries[1].Voxels)
	assert.True(t, math.IsNaN(summaries[1].Mean), "mean is NaN without morphometric data")
}

func TestStateMachine(t *testing.T) {
	for _, s := range SkipStates {
		assert.True(t, s.Terminal(), s.String())
	}
	assert.True(t, Written.Terminal())
	assert.False(t, Pending.Terminal())
	assert.False(t, Extracted.Terminal())
	assert.False(t, Computed.Terminal())
	assert.Equal(t, "unknown", State(99).String())
}
