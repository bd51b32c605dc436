package similarity

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Matrix is a symmetric region-by-region similarity table. Row and column
// labels are the same list, Names.
type Matrix struct {
	Names []string
	Data  *mat.SymDense
}

// NewMatrix allocates a zero matrix over names. names must not be empty.
func NewMatrix(names []string) *Matrix {
	n := len(names)
	labels := make([]string, n)
	copy(labels, names)
	return &Matrix{
		Names: labels,
		Data:  mat.NewSymDense(n, nil),
	}
}

// Size returns the number of regions
func (m *Matrix) Size() int {
	return len(m.Names)
}

// At returns the similarity of regions i and j
func (m *Matrix) At(i, j int) float64 {
	return m.Data.At(i, j)
}

// Get returns the similarity of two named regions
func (m *Matrix) Get(a, b string) (float64, bool) {
	i, j := m.index(a), m.index(b)
	if i < 0 || j < 0 {
		return 0, false
	}
	return m.Data.At(i, j), true
}

func (m *Matrix) index(name string) int {
	for i, n := range m.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// Validate checks that m is square, labelled exactly by regions (in any
// order) and holds only finite values.
func (m *Matrix) Validate(regions []string) error {
	if m == nil || m.Data == nil {
		return fmt.Errorf("%w: empty result", ErrInvalidMatrix)
	}
	r, c := m.Data.Dims()
	if r != c || r != len(m.Names) {
		return fmt.Errorf("%w: %dx%d data with %d labels", ErrInvalidMatrix, r, c, len(m.Names))
	}
	if len(m.Names) != len(regions) {
		return fmt.Errorf("%w: %d labels for %d regions", ErrInvalidMatrix, len(m.Names), len(regions))
	}

	want := make(map[string]bool, len(regions))
	for _, name := range regions {
		want[name] = true
	}
	seen := make(map[string]bool, len(m.Names))
	for _, name := range m.Names {
		if !want[name] {
			return fmt.Errorf("%w: unexpected region %q", ErrInvalidMatrix, name)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate region %q", ErrInvalidMatrix, name)
		}
		seen[name] = true
	}

	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			if v := m.Data.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: non-finite value at (%s, %s)", ErrInvalidMatrix, m.Names[i], m.Names[j])
			}
		}
	}
	return nil
}
