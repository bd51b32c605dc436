package similarity

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// symmetryTolerance bounds |a_ij - a_ji| accepted when reading a matrix
const symmetryTolerance = 1e-12

// WriteCSV writes m as a labelled table: an empty corner cell followed by
// the region names, then one row per region led by its name. Values use
// the shortest representation that round-trips, so identical matrices
// produce identical bytes.
func WriteCSV(w io.Writer, m *Matrix) error {
	cw := csv.NewWriter(w)

	header := make([]string, 0, m.Size()+1)
	header = append(header, "")
	header = append(header, m.Names...)
	if err := cw.Write(header); err != nil {
		return err
	}

	row := make([]string, m.Size()+1)
	for i, name := range m.Names {
		row[0] = name
		for j := range m.Names {
			row[j+1] = strconv.FormatFloat(m.At(i, j), 'g', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a table written by WriteCSV. It rejects tables whose row
// labels differ from their column labels or whose values are not symmetric.
func ReadCSV(r io.Reader) (*Matrix, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%w: no data rows", ErrInvalidMatrix)
	}

	names := records[0][1:]
	n := len(names)
	if len(records)-1 != n {
		return nil, fmt.Errorf("%w: %d rows for %d columns", ErrInvalidMatrix, len(records)-1, n)
	}

	data := make([]float64, n*n)
	for i, rec := range records[1:] {
		if rec[0] != names[i] {
			return nil, fmt.Errorf("%w: row %d labelled %q, column %q", ErrInvalidMatrix, i, rec[0], names[i])
		}
		for j, cell := range rec[1:] {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: cell (%s, %s): %v", ErrInvalidMatrix, names[i], names[j], err)
			}
			data[i*n+j] = v
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if math.Abs(data[i*n+j]-data[j*n+i]) > symmetryTolerance {
				return nil, fmt.Errorf("%w: asymmetric at (%s, %s)", ErrInvalidMatrix, names[i], names[j])
			}
		}
	}

	m := &Matrix{Names: append([]string(nil), names...), Data: mat.NewSymDense(n, data)}
	if err := m.Validate(names); err != nil {
		return nil, err
	}
	return m, nil
}
