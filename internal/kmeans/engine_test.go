package kmeans

import (
	"math"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kmelbow/internal/dataset"
	"github.com/dreamware/kmelbow/internal/metrics"
	"github.com/dreamware/kmelbow/internal/sparse"
)

// groups builds a dataset with one block of entities per feature band.
// Entities in band g rate features [g*100, g*100+width) so bands are
// mutually orthogonal.
func groups(t *testing.T, seed int64, perGroup, bands, width int) *dataset.Dataset {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	b := dataset.NewBuilder()
	entity := uint32(1)
	for g := 0; g < bands; g++ {
		for i := 0; i < perGroup; i++ {
			for f := 0; f < width; f++ {
				b.Add(dataset.Record{
					Entity:  entity,
					Feature: uint16(g*100 + f),
					Value:   float64(1 + rng.Intn(5)),
				})
			}
			entity++
		}
	}
	ds, err := b.Build()
	require.NoError(t, err)
	return ds
}

// identical builds n entities that rate the same width features identically.
func identical(t *testing.T, n, width int) *dataset.Dataset {
	t.Helper()
	var recs []dataset.Record
	for e := 0; e < n; e++ {
		for f := 0; f < width; f++ {
			recs = append(recs, dataset.Record{Entity: uint32(e), Feature: uint16(f), Value: float64(1 + f%5)})
		}
	}
	ds, err := dataset.FromRecords(recs)
	require.NoError(t, err)
	return ds
}

func TestRunRejectsInvalidInput(t *testing.T) {
	ds := identical(t, 5, 60)
	e := New(Options{Seed: 1}, nil, nil)

	tests := []struct {
		name      string
		k         int
		threshold float64
	}{
		{"k zero", 0, 0.1},
		{"k negative", -2, 0.1},
		{"k above size", 6, 0.1},
		{"negative threshold", 2, -1},
		{"nan threshold", 2, math.NaN()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Run(ds, tt.k, tt.threshold)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestRunWithoutDataset(t *testing.T) {
	_, err := New(Options{}, nil, nil).Run(nil, 1, 0.1)
	assert.ErrorIs(t, err, dataset.ErrDataSource)
}

func TestRunNoEligibleCentroid(t *testing.T) {
	ds := identical(t, 10, 10)
	_, err := New(Options{Seed: 1}, nil, nil).Run(ds, 2, 0.1)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRunAssignsEveryPoint(t *testing.T) {
	ds := groups(t, 3, 15, 3, 60)
	res, err := New(Options{Seed: 42, Parallelism: 4}, nil, nil).Run(ds, 3, 1e-6)
	require.NoError(t, err)

	assert.Equal(t, 3, res.K)
	assert.True(t, res.Converged)
	assert.GreaterOrEqual(t, res.Iterations, 1)
	require.Len(t, res.Assignment, ds.Len())
	require.Len(t, res.Centroids, 3)
	for i, c := range res.Assignment {
		assert.True(t, c >= 0 && c < 3, "point %d assigned to %d", i, c)
	}
	assert.False(t, math.IsNaN(res.SSD))
	assert.False(t, math.IsInf(res.SSD, 0))
	assert.GreaterOrEqual(t, res.SSD, 0.0)
}

func TestRunIdenticalPointsCentroidEqualsPoint(t *testing.T) {
	ds := identical(t, 12, 60)
	res, err := New(Options{Seed: 9}, nil, nil).Run(ds, 1, 0.1)
	require.NoError(t, err)

	point := ds.Vector(0)
	centroid := res.Centroids[0]
	require.Equal(t, point.Len(), centroid.Len())
	point.Range(func(f uint16, x float64) {
		got, ok := centroid.Get(f)
		require.True(t, ok)
		assert.InDelta(t, x, got, 1e-9)
	})
	assert.InDelta(t, point.Norm(), centroid.Norm(), 1e-9)
	assert.InDelta(t, 0.0, res.SSD, 1e-6)
	assert.Equal(t, 1, res.Iterations)
}

func TestEmptyCentroidIsNeverChosen(t *testing.T) {
	ds := identical(t, 8, 60)
	e := New(Options{Seed: 5, Parallelism: 3}, nil, nil)
	require.NoError(t, e.computeNorms(ds))

	all := make([]int, ds.Len())
	for i := range all {
		all[i] = i
	}
	next, empty, err := e.update(ds, [][]int{{}, all})
	require.NoError(t, err)
	assert.Equal(t, 1, empty)
	assert.Equal(t, 0, next[0].Len())
	assert.Equal(t, 0.0, next[0].Norm())

	assignment := make([]int, ds.Len())
	ssd, members, err := e.assign(ds, next, assignment)
	require.NoError(t, err)
	for _, c := range assignment {
		assert.Equal(t, 1, c)
	}
	assert.Empty(t, members[0])
	assert.False(t, math.IsNaN(ssd))
	assert.False(t, math.IsInf(ssd, 0))
}

func TestRunRecordsMetrics(t *testing.T) {
	m := metrics.NewEngine(nil)
	ds := identical(t, 6, 60)
	_, err := New(Options{Seed: 2}, nil, m).Run(ds, 1, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs))
}

func TestRunIterationGuard(t *testing.T) {
	ds := groups(t, 11, 20, 4, 60)
	res, err := New(Options{Seed: 3, MaxIterations: 2}, nil, nil).Run(ds, 4, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Iterations, 2)
}

func TestRunDoesNotMutateDataset(t *testing.T) {
	ds := groups(t, 21, 10, 2, 60)
	before := make([]map[uint16]float64, ds.Len())
	for i := 0; i < ds.Len(); i++ {
		before[i] = map[uint16]float64{}
		ds.Vector(i).Range(func(f uint16, x float64) { before[i][f] = x })
	}

	_, err := New(Options{Seed: 8}, nil, nil).Run(ds, 2, 1e-6)
	require.NoError(t, err)

	for i := 0; i < ds.Len(); i++ {
		got := map[uint16]float64{}
		ds.Vector(i).Range(func(f uint16, x float64) { got[f] = x })
		assert.Equal(t, before[i], got)
	}
}

func TestInitCentroidsRespectsMinFeatures(t *testing.T) {
	b := dataset.NewBuilder()
	// entities 0..19 are sparse, 20..24 are rich
	for e := uint32(0); e < 25; e++ {
		width := 3
		if e >= 20 {
			width = 60
		}
		for f := 0; f < width; f++ {
			b.Add(dataset.Record{Entity: e, Feature: uint16(f), Value: 2})
		}
	}
	ds, err := b.Build()
	require.NoError(t, err)

	e := New(Options{Seed: 77}, nil, nil)
	require.NoError(t, e.computeNorms(ds))
	for round := 0; round < 20; round++ {
		centroids, err := e.initCentroids(ds, 4)
		require.NoError(t, err)
		for _, c := range centroids {
			assert.GreaterOrEqual(t, c.NonZero(), DefaultMinFeatures)
		}
	}
}

func TestInitCentroidsCopiesVectors(t *testing.T) {
	ds := identical(t, 3, 60)
	e := New(Options{Seed: 1}, nil, nil)
	require.NoError(t, e.computeNorms(ds))

	centroids, err := e.initCentroids(ds, 3)
	require.NoError(t, err)
	for _, c := range centroids {
		c.Set(0, 999)
	}
	for i := 0; i < ds.Len(); i++ {
		v, _ := ds.Vector(i).Get(0)
		assert.Equal(t, 1.0, v)
	}
}

func TestAssignIndependentOfParallelism(t *testing.T) {
	ds := groups(t, 5, 25, 3, 60)
	serial := New(Options{Seed: 1, Parallelism: 1}, nil, nil)
	wide := New(Options{Seed: 1, Parallelism: 7}, nil, nil)
	require.NoError(t, serial.computeNorms(ds))

	centroids := []*sparse.Vector{ds.Vector(0).Clone(), ds.Vector(30).Clone(), ds.Vector(60).Clone()}

	a1 := make([]int, ds.Len())
	a2 := make([]int, ds.Len())
	ssd1, m1, err := serial.assign(ds, centroids, a1)
	require.NoError(t, err)
	ssd2, m2, err := wide.assign(ds, centroids, a2)
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.Equal(t, m1, m2)
	assert.InDelta(t, ssd1, ssd2, 1e-9)

	total := 0
	for _, m := range m1 {
		total += len(m)
	}
	assert.Equal(t, ds.Len(), total, "every point has exactly one assignment")
}

func TestNearestTieGoesToLowestIndex(t *testing.T) {
	v := sparse.FromMap(map[uint16]float64{1: 1})
	empty := sparse.New(0)
	empty.ComputeNorm()
	same := sparse.FromMap(map[uint16]float64{1: 2})

	c, d := nearest(v, []*sparse.Vector{empty, same, same.Clone()})
	assert.Equal(t, 1, c)
	assert.InDelta(t, 0, d, 1e-9)

	c, d = nearest(v, []*sparse.Vector{empty, empty})
	assert.Equal(t, 0, c)
	assert.True(t, math.IsInf(d, 1))
}

func TestConvergenceAdvance(t *testing.T) {
	c := convergence{threshold: 0.5}
	assert.InDelta(t, 10.0, c.advance(10), 1e-12)
	assert.InDelta(t, 4.0, c.advance(6), 1e-12)
	assert.InDelta(t, 0.25, c.advance(5.75), 1e-12)
	assert.Equal(t, 3, c.iteration)
}
