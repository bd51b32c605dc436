package pipeline

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"cortexmind/internal/models"
)

// RegionSummary describes one region of a subject for quality control
type RegionSummary struct {
	Label  int
	Name   string
	Voxels int

	// Kept is true when the region meets the voxel threshold and would
	// appear in the similarity matrix
	Kept bool

	// Mean and StdDev of the morphometric values; NaN when the morphometric
	// volume is not available
	Mean   float64
	StdDev float64
}

// Inspect reports every table region present in a subject's parcellation.
// Without a morphometric volume only voxel counts are reported.
func (p *Pipeline) Inspect(id models.SubjectID) ([]RegionSummary, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	morph, parc, err := p.loadInputs(id.String())
	var missing *MissingInputError
	switch {
	case err == nil:
	case errors.As(err, &missing) && missing.Kind == "morphometric":
		return p.countOnly(id)
	default:
		return nil, err
	}

	// Gather every region regardless of size; the threshold only sets Kept.
	all := *p.extractor
	all.MinVoxels = 1
	dists, err := all.Extract(morph, parc, p.table)
	if err != nil {
		return nil, fmt.Errorf("extracting distributions: %w", err)
	}

	summaries := make([]RegionSummary, 0, len(dists))
	for _, d := range dists {
		mean, std := stat.MeanStdDev(d.Values, nil)
		summaries = append(summaries, RegionSummary{
			Label:  d.Label,
			Name:   d.Name,
			Voxels: len(d.Values),
			Kept:   len(d.Values) >= p.extractor.MinVoxels,
			Mean:   mean,
			StdDev: std,
		})
	}
	return summaries, nil
}

func (p *Pipeline) countOnly(id models.SubjectID) ([]RegionSummary, error) {
	parc, err := p.load(p.cfg.ParcellationPath(id.String()))
	if err != nil {
		return nil, fmt.Errorf("loading parcellation volume: %w", err)
	}

	counts, err := p.extractor.Counts(parc, p.table)
	if err != nil {
		return nil, fmt.Errorf("counting regions: %w", err)
	}
	summaries := make([]RegionSummary, 0, len(counts))
	for _, c := range counts {
		summaries = append(summaries, RegionSummary{
			Label:  c.Label,
			Name:   c.Name,
			Voxels: c.Voxels,
			Kept:   c.Kept,
			Mean:   math.NaN(),
			StdDev: math.NaN(),
		})
	}
	return summaries, nil
}
