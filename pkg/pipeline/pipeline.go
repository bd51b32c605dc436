// Package pipeline computes and stores the similarity matrix of one subject.
//
// Processing follows four steps:
// 1. Checking and loading the morphometric and parcellation volumes
// 2. Extracting per-region value distributions
// 3. Computing the similarity matrix with the configured engine
// 4. Writing the matrix as a labelled CSV table
//
// Any failure ends the subject with a skip state instead of an error, so a
// cohort run is never interrupted by a single subject.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"cortexmind/internal/models"
	"cortexmind/pkg/config"
	"cortexmind/pkg/extract"
	"cortexmind/pkg/lut"
	"cortexmind/pkg/mgh"
	"cortexmind/pkg/similarity"
)

// VolumeLoader reads a volume from disk
type VolumeLoader func(path string) (*models.Volume, error)

// Pipeline processes single subjects. It holds only read-only state and is
// safe to share between goroutines.
type Pipeline struct {
	cfg       *config.Config
	table     *lut.Table
	extractor *extract.Extractor
	engine    similarity.Engine
	load      VolumeLoader
	logger    *slog.Logger
}

// Option customizes a Pipeline
type Option func(*Pipeline)

// WithLoader replaces the MGH volume reader
func WithLoader(load VolumeLoader) Option {
	return func(p *Pipeline) { p.load = load }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New creates a pipeline over the shared configuration, label table and
// similarity engine.
func New(cfg *config.Config, table *lut.Table, engine similarity.Engine, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		table:  table,
		engine: engine,
		load:   mgh.ReadFile,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.extractor = &extract.Extractor{
		MinVoxels: cfg.Processing.MinVoxels,
		AbsTol:    cfg.Processing.LabelAbsTol,
		RelTol:    cfg.Processing.LabelRelTol,
		Logger:    p.logger,
	}
	return p
}

// Process runs every step for one subject. It never panics and never
// returns an error; the outcome is carried by the Result.
func (p *Pipeline) Process(ctx context.Context, id models.SubjectID) (res Result) {
	start := time.Now()
	res = Result{Subject: id, State: Pending}
	log := p.logger.With(slog.String("subject", id.String()))

	defer func() {
		if r := recover(); r != nil {
			res.State = ComputeFailed
			res.Path = ""
			res.Err = fmt.Errorf("panic: %v", r)
			log.Error("subject processing panicked",
				slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
		res.Duration = time.Since(start)
		if !res.Written() {
			log.Warn("skipping subject",
				slog.String("reason", res.Reason()), slog.Any("error", res.Err))
		}
	}()

	// Step 1: Check and load input volumes
	if err := id.Validate(); err != nil {
		res.State, res.Err = InputMissing, err
		return res
	}
	morph, parc, err := p.loadInputs(id.String())
	if err != nil {
		res.State, res.Err = InputMissing, err
		return res
	}
	log.Info("processing subject")

	// Step 2: Extract region distributions
	dists, err := p.extractor.Extract(morph, parc, p.table)
	if err != nil {
		res.State, res.Err = InputMissing, fmt.Errorf("extracting distributions: %w", err)
		return res
	}
	res.State = Extracted
	res.Regions = len(dists)
	if len(dists) == 0 {
		res.State = EmptyDistribution
		res.Err = fmt.Errorf("no region has at least %d voxels (%d labels in table)",
			p.extractor.MinVoxels, p.table.Len())
		return res
	}
	log.Debug("extracted distributions", slog.Int("regions", len(dists)))

	// Step 3: Compute the similarity matrix
	matrix, err := p.compute(ctx, dists)
	if err != nil {
		res.State, res.Err = ComputeFailed, err
		return res
	}
	res.State = Computed
	res.Regions = matrix.Size()

	// Step 4: Write the labelled table
	out := p.cfg.OutputPath(id.String())
	if err := writeMatrix(out, matrix); err != nil {
		res.State, res.Err = WriteFailed, fmt.Errorf("writing %s: %w", out, err)
		return res
	}
	res.State = Written
	res.Path = out
	log.Info("saved similarity matrix", slog.String("path", out), slog.Int("regions", matrix.Size()))
	return res
}

// MissingInputError names an absent input file
type MissingInputError struct {
	Kind string
	Path string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("missing %s volume: %s", e.Kind, e.Path)
}

func (p *Pipeline) loadInputs(id string) (morph, parc *models.Volume, err error) {
	morphPath := p.cfg.MorphometricPath(id)
	parcPath := p.cfg.ParcellationPath(id)

	for _, in := range []struct{ kind, path string }{
		{"morphometric", morphPath},
		{"parcellation", parcPath},
	} {
		if _, err := os.Stat(in.path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil, &MissingInputError{Kind: in.kind, Path: in.path}
			}
			return nil, nil, fmt.Errorf("checking %s volume: %w", in.kind, err)
		}
	}

	if morph, err = p.load(morphPath); err != nil {
		return nil, nil, fmt.Errorf("loading morphometric volume: %w", err)
	}
	if parc, err = p.load(parcPath); err != nil {
		return nil, nil, fmt.Errorf("loading parcellation volume: %w", err)
	}
	return morph, parc, nil
}

// compute invokes the engine and checks its result. Engine panics are
// recovered here so they are reported as compute failures.
func (p *Pipeline) compute(ctx context.Context, dists models.Distributions) (m *similarity.Matrix, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("similarity engine panicked: %v", r)
		}
	}()

	regions := dists.Names()
	table := similarity.FromDistributions(dists)
	opts := similarity.Options{
		Resample: p.cfg.Processing.Resample,
		Seed:     p.cfg.Processing.Seed,
	}

	m, err = p.engine.Compute(ctx, table, []string{similarity.ValueColumn}, regions, opts)
	if err != nil {
		return nil, fmt.Errorf("similarity computation: %w", err)
	}
	if err := m.Validate(regions); err != nil {
		return nil, err
	}
	return m, nil
}

// writeMatrix replaces path atomically so readers never see a partial table
func writeMatrix(path string, m *similarity.Matrix) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = similarity.WriteCSV(tmp, m); err != nil {
		return err
	}
	if err = tmp.Chmod(0644); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
