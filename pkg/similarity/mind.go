package similarity

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// DefaultMinDistance floors neighbour distances so coincident samples in
// two regions do not produce infinite log ratios.
const DefaultMinDistance = 1e-10

// MIND estimates Morphometric INverse Divergence between regions.
//
// For regions P and Q with samples x_1..x_n and y_1..y_m in d dimensions,
// the 1-nearest-neighbour estimator is
//
//	D(P||Q) = d/n * sum_i log(nu_i / rho_i) + log(m / (n-1))
//
// where rho_i is the distance from x_i to its nearest other x and nu_i the
// distance to its nearest y. Similarity is 1/(1 + D(P||Q) + D(Q||P)) with
// the symmetric divergence clamped at zero. The diagonal is left at zero.
type MIND struct {
	MinDistance float64
}

// NewMIND returns a MIND engine with the default distance floor
func NewMIND() *MIND {
	return &MIND{MinDistance: DefaultMinDistance}
}

// region is the prepared sample set of one region
type region struct {
	name   string
	points kdtree.Points
	tree   *kdtree.Tree
}

// Compute implements Engine
func (e *MIND) Compute(ctx context.Context, table *LongTable, valueColumns []string, regions []string, opts Options) (*Matrix, error) {
	if err := table.check(); err != nil {
		return nil, err
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("%w: no regions requested", ErrInvalidInput)
	}
	if len(valueColumns) == 0 {
		return nil, fmt.Errorf("%w: no value columns requested", ErrInvalidInput)
	}

	features, err := standardize(table, valueColumns)
	if err != nil {
		return nil, err
	}

	prepared, err := e.group(table, features, len(valueColumns), regions)
	if err != nil {
		return nil, err
	}

	if opts.Resample {
		resample(prepared, opts)
	}
	for _, r := range prepared {
		r.tree = kdtree.New(r.points, false)
	}

	m := NewMatrix(regions)
	for i := range prepared {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := i + 1; j < len(prepared); j++ {
			d := e.divergence(prepared[i], prepared[j]) + e.divergence(prepared[j], prepared[i])
			if d < 0 || math.IsNaN(d) {
				d = 0
			}
			m.Data.SetSym(i, j, 1/(1+d))
		}
	}
	return m, nil
}

// standardize selects the requested columns and z-scores each of them over
// all rows. The result is row-major with len(cols) values per row.
func standardize(table *LongTable, cols []string) ([]float64, error) {
	n := table.Len()
	d := len(cols)
	out := make([]float64, n*d)
	column := make([]float64, n)

	for j, name := range cols {
		idx, ok := table.ColumnIndex(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidInput, name)
		}
		for i := 0; i < n; i++ {
			column[i] = table.Row(i)[idx]
		}

		mean, std := 0.0, 1.0
		if n > 1 {
			mean, std = stat.MeanStdDev(column, nil)
		}
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		for i := 0; i < n; i++ {
			out[i*d+j] = (column[i] - mean) / std
		}
	}
	return out, nil
}

// group collects the feature rows of each requested region, drops
// duplicate rows and orders the points deterministically.
func (e *MIND) group(table *LongTable, features []float64, d int, regions []string) ([]*region, error) {
	byName := make(map[string]*region, len(regions))
	out := make([]*region, len(regions))
	for i, name := range regions {
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("%w: region %q requested twice", ErrInvalidInput, name)
		}
		r := &region{name: name}
		byName[name] = r
		out[i] = r
	}

	for i, label := range table.Labels {
		r, ok := byName[label]
		if !ok {
			continue
		}
		p := make(kdtree.Point, d)
		copy(p, features[i*d:(i+1)*d])
		r.points = append(r.points, p)
	}

	for _, r := range out {
		r.points = dedupe(r.points)
		if len(r.points) < 2 {
			return nil, fmt.Errorf("%w: %q has %d", ErrTooFewSamples, r.name, len(r.points))
		}
	}
	return out, nil
}

func dedupe(points kdtree.Points) kdtree.Points {
	sort.Slice(points, func(i, j int) bool { return lessPoint(points[i], points[j]) })
	out := points[:0]
	for i, p := range points {
		if i > 0 && equalPoint(p, out[len(out)-1]) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func lessPoint(a, b kdtree.Point) bool {
	for k := range a {
		if a[k] != b[k] {
			return a[k] < b[k]
		}
	}
	return false
}

func equalPoint(a, b kdtree.Point) bool {
	for k := range a {
		if a[k] != b[k] {
			return false
		}
	}
	return true
}

// resample reduces every region larger than the target size to a random
// subset of that size. Each region draws from its own source seeded by
// opts.Seed and the region name, so results do not depend on region order.
func resample(regions []*region, opts Options) {
	target := opts.SampleSize
	if target <= 0 {
		target = math.MaxInt
		for _, r := range regions {
			if len(r.points) < target {
				target = len(r.points)
			}
		}
	}

	for _, r := range regions {
		if len(r.points) <= target {
			continue
		}
		h := fnv.New64a()
		h.Write([]byte(r.name))
		src := rand.NewSource(opts.Seed ^ h.Sum64())

		idxs := make([]int, target)
		sampleuv.WithoutReplacement(idxs, len(r.points), src)
		sort.Ints(idxs)

		picked := make(kdtree.Points, target)
		for i, idx := range idxs {
			picked[i] = r.points[idx]
		}
		r.points = picked
	}
}

// divergence estimates D(P||Q)
func (e *MIND) divergence(p, q *region) float64 {
	n := float64(len(p.points))
	m := float64(len(q.points))
	d := float64(len(p.points[0]))

	floor := e.MinDistance
	if floor <= 0 {
		floor = DefaultMinDistance
	}

	var sum float64
	for _, x := range p.points {
		rho := math.Max(secondNearest(p.tree, x), floor)
		_, nuSq := q.tree.Nearest(x)
		nu := math.Max(math.Sqrt(nuSq), floor)
		sum += math.Log(nu / rho)
	}
	return d/n*sum + math.Log(m/(n-1))
}

// secondNearest returns the distance from x to its nearest neighbour in
// tree other than itself.
func secondNearest(tree *kdtree.Tree, x kdtree.Point) float64 {
	keeper := kdtree.NewNKeeper(2)
	tree.NearestSet(keeper, x)

	far := 0.0
	for _, item := range keeper.Heap {
		if item.Comparable == nil {
			continue
		}
		if item.Dist > far {
			far = item.Dist
		}
	}
	return math.Sqrt(far)
}
