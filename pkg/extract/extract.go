// Package extract builds per-region distributions of morphometric values
// from a parcellation volume and a label table.
package extract

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"cortexmind/internal/models"
	"cortexmind/pkg/lut"
)

// ErrShapeMismatch is returned when the two volumes are not on the same grid
var ErrShapeMismatch = errors.New("volumes are not co-registered")

// DefaultMinVoxels is the smallest region retained in a distribution
const DefaultMinVoxels = 10

// Extractor gathers region distributions. The zero value is not usable;
// use New or fill every field.
type Extractor struct {
	// MinVoxels drops regions with fewer matched voxels
	MinVoxels int

	// AbsTol and RelTol follow numpy isclose: a voxel v matches label L
	// when |v-L| <= AbsTol + RelTol*|L|
	AbsTol float64
	RelTol float64

	Logger *slog.Logger
}

// New returns an extractor with the default threshold and tolerances
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		MinVoxels: DefaultMinVoxels,
		AbsTol:    1e-3,
		RelTol:    1e-5,
		Logger:    logger,
	}
}

// RegionCount reports how many voxels matched a label
type RegionCount struct {
	Label  int
	Name   string
	Voxels int

	// Kept is true when the region meets the voxel threshold
	Kept bool
}

// Extract returns the distributions of all table regions whose label
// occurs in parc and that match at least MinVoxels voxels. The result is
// in table order and may be empty.
func (e *Extractor) Extract(morph, parc *models.Volume, table *lut.Table) (models.Distributions, error) {
	buckets, err := e.gather(morph, parc, table, true)
	if err != nil {
		return nil, err
	}

	var dists models.Distributions
	for _, b := range buckets {
		if len(b.values) < e.MinVoxels {
			e.logger().Debug("dropping small region",
				slog.String("region", b.name), slog.Int("voxels", len(b.values)))
			continue
		}
		dists = append(dists, models.RegionDistribution{
			Label:  b.label,
			Name:   b.name,
			Values: b.values,
		})
	}
	return dists, nil
}

// Counts returns the voxel count of every table region present in parc,
// without collecting values.
func (e *Extractor) Counts(parc *models.Volume, table *lut.Table) ([]RegionCount, error) {
	buckets, err := e.gather(nil, parc, table, false)
	if err != nil {
		return nil, err
	}
	counts := make([]RegionCount, 0, len(buckets))
	for _, b := range buckets {
		counts = append(counts, RegionCount{
			Label:  b.label,
			Name:   b.name,
			Voxels: b.count,
			Kept:   b.count >= e.MinVoxels,
		})
	}
	return counts, nil
}

type bucket struct {
	label  int
	name   string
	count  int
	values []float64
}

// gather makes one pass over the parcellation. Each voxel is rounded to
// its nearest integer label and accepted when it lies within tolerance;
// tolerance below 0.5 keeps that match unique.
func (e *Extractor) gather(morph, parc *models.Volume, table *lut.Table, collect bool) ([]*bucket, error) {
	if parc == nil {
		return nil, fmt.Errorf("%w: missing parcellation", ErrShapeMismatch)
	}
	if collect {
		if morph == nil {
			return nil, fmt.Errorf("%w: missing morphometric volume", ErrShapeMismatch)
		}
		if !morph.SameGrid(parc) {
			return nil, fmt.Errorf("%w: morphometric %s, parcellation %s",
				ErrShapeMismatch, morph.Shape(), parc.Shape())
		}
		if len(morph.Data) != len(parc.Data) {
			return nil, fmt.Errorf("%w: %d vs %d voxels", ErrShapeMismatch, len(morph.Data), len(parc.Data))
		}
	}

	entries := table.Entries()
	byLabel := make(map[int]*bucket, len(entries))
	for _, en := range entries {
		byLabel[en.Label] = &bucket{label: en.Label, name: en.Name}
	}

	// A label is present only if some voxel carries it exactly.
	present := make(map[int]bool, len(entries))
	for i, v := range parc.Data {
		r := math.Round(v)
		b, ok := byLabel[int(r)]
		if !ok {
			continue
		}
		if v == r {
			present[b.label] = true
		}
		if math.Abs(v-r) > e.AbsTol+e.RelTol*math.Abs(r) {
			continue
		}
		b.count++
		if collect {
			b.values = append(b.values, morph.Data[i])
		}
	}

	out := make([]*bucket, 0, len(present))
	for _, en := range entries {
		if present[en.Label] {
			out = append(out, byLabel[en.Label])
		}
	}
	return out, nil
}

func (e *Extractor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
