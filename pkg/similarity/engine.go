// Package similarity turns per-region value distributions into a
// region-by-region similarity matrix.
//
// The Engine interface is the contract the subject pipeline relies on.
// MIND is the bundled implementation: a symmetrized k-nearest-neighbour
// KL divergence estimate mapped to 1/(1+D).
package similarity

import (
	"context"
	"errors"
	"fmt"

	"cortexmind/internal/models"
)

var (
	// ErrInvalidInput is returned when the long-form table cannot serve the request
	ErrInvalidInput = errors.New("invalid similarity input")

	// ErrTooFewSamples is returned when a region has fewer than two distinct samples
	ErrTooFewSamples = errors.New("too few distinct samples in region")

	// ErrInvalidMatrix is returned by Matrix.Validate
	ErrInvalidMatrix = errors.New("invalid similarity matrix")
)

// ValueColumn is the column name used for single-feature distributions
const ValueColumn = "Value"

// Options tunes an engine invocation
type Options struct {
	// Resample equalizes region sample sizes before estimation
	Resample bool

	// SampleSize is the per-region size used when resampling; 0 means the
	// size of the smallest region
	SampleSize int

	// Seed makes resampling reproducible
	Seed uint64
}

// Engine computes a similarity matrix over the named regions of a long-form
// table. Implementations must be safe for concurrent use.
type Engine interface {
	Compute(ctx context.Context, table *LongTable, valueColumns []string, regions []string, opts Options) (*Matrix, error)
}

// LongTable is the flattened (region, values...) representation of a set
// of region distributions. Row i has label Labels[i] and values
// Values[i*len(Columns) : (i+1)*len(Columns)].
type LongTable struct {
	Columns []string
	Labels  []string
	Values  []float64
}

// FromDistributions flattens distributions into a single-column table,
// keeping every value with its region name.
func FromDistributions(dists models.Distributions) *LongTable {
	total := 0
	for _, d := range dists {
		total += len(d.Values)
	}

	t := &LongTable{
		Columns: []string{ValueColumn},
		Labels:  make([]string, 0, total),
		Values:  make([]float64, 0, total),
	}
	for _, d := range dists {
		for _, v := range d.Values {
			t.Labels = append(t.Labels, d.Name)
			t.Values = append(t.Values, v)
		}
	}
	return t
}

// Len returns the number of rows
func (t *LongTable) Len() int {
	return len(t.Labels)
}

// Row returns the values of row i
func (t *LongTable) Row(i int) []float64 {
	w := len(t.Columns)
	return t.Values[i*w : (i+1)*w]
}

// ColumnIndex returns the position of a named column
func (t *LongTable) ColumnIndex(name string) (int, bool) {
	for i, c := range t.Columns {
		if c == name {
			return i, true
		}
	}
	return 0, false
}

// check verifies the table is internally consistent
func (t *LongTable) check() error {
	if t == nil {
		return fmt.Errorf("%w: nil table", ErrInvalidInput)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("%w: no value columns", ErrInvalidInput)
	}
	if len(t.Values) != len(t.Labels)*len(t.Columns) {
		return fmt.Errorf("%w: %d values for %d rows of %d columns",
			ErrInvalidInput, len(t.Values), len(t.Labels), len(t.Columns))
	}
	return nil
}
