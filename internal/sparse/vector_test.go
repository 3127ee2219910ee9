package sparse

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeNorm(t *testing.T) {
	v := FromMap(map[uint16]float64{1: 3, 2: 4})
	assert.True(t, v.NormValid())
	assert.InDelta(t, 5.0, v.Norm(), 1e-12)

	v.Set(3, 12)
	assert.False(t, v.NormValid(), "Set must invalidate the cached norm")
	assert.Equal(t, 0.0, v.Norm())

	assert.InDelta(t, 13.0, v.ComputeNorm(), 1e-12)
	assert.InDelta(t, 13.0, v.Norm(), 1e-12)
}

func TestNonZero(t *testing.T) {
	v := FromMap(map[uint16]float64{1: 3, 2: 0, 7: 1})
	assert.Equal(t, 3, v.Len())
	assert.Equal(t, 2, v.NonZero())
}

func TestCloneDoesNotAlias(t *testing.T) {
	v := FromMap(map[uint16]float64{1: 1, 2: 2})
	c := v.Clone()
	c.Set(1, 100)
	c.ComputeNorm()

	x, ok := v.Get(1)
	require.True(t, ok)
	assert.Equal(t, 1.0, x)
	assert.InDelta(t, math.Sqrt(5), v.Norm(), 1e-12)
}

func TestDotUsesIntersection(t *testing.T) {
	a := FromMap(map[uint16]float64{1: 2, 2: 3, 9: 5})
	b := FromMap(map[uint16]float64{2: 4, 9: 1, 10: 7, 11: 1})

	assert.InDelta(t, 17.0, Dot(a, b), 1e-12)
	assert.InDelta(t, 17.0, Dot(b, a), 1e-12)
}

func TestDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b map[uint16]float64
		want float64
	}{
		{"identical", map[uint16]float64{1: 1, 2: 2}, map[uint16]float64{1: 1, 2: 2}, 0},
		{"scaled", map[uint16]float64{1: 1, 2: 2}, map[uint16]float64{1: 3, 2: 6}, 0},
		{"orthogonal", map[uint16]float64{1: 1}, map[uint16]float64{2: 1}, math.Pi / 2},
		{"opposite", map[uint16]float64{1: 1}, map[uint16]float64{1: -1}, math.Pi},
		{"diagonal", map[uint16]float64{1: 1}, map[uint16]float64{1: 1, 2: 1}, math.Pi / 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(FromMap(tt.a), FromMap(tt.b))
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.False(t, math.IsNaN(got))
		})
	}
}

func TestDistanceZeroNormIsInfinite(t *testing.T) {
	empty := New(0)
	empty.ComputeNorm()
	v := FromMap(map[uint16]float64{1: 5})

	assert.True(t, math.IsInf(Distance(empty, v), 1))
	assert.True(t, math.IsInf(Distance(v, empty), 1))
}

func TestDistanceSymmetric(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	random := func() *Vector {
		v := New(0)
		for i := 0; i < 1+rng.Intn(40); i++ {
			v.Set(uint16(rng.Intn(60)), 1+float64(rng.Intn(5)))
		}
		v.ComputeNorm()
		return v
	}

	for i := 0; i < 200; i++ {
		a, b := random(), random()
		assert.InDelta(t, Distance(a, b), Distance(b, a), 1e-12)
	}
}
