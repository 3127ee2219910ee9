// Package sparse implements sparse rating vectors and the angular distance
// used by the clustering engine.
package sparse

import (
	"math"
)

// Vector maps a feature id to its value and caches its Euclidean norm.
//
// The cached norm is only valid after ComputeNorm; Set invalidates it.
// A Vector is not safe for concurrent mutation, but concurrent reads are
// fine once the norm has been computed.
type Vector struct {
	values map[uint16]float64
	norm   float64
	normOK bool
}

// New returns an empty vector with room for n features.
func New(n int) *Vector {
	return &Vector{values: make(map[uint16]float64, n)}
}

// FromMap builds a vector from a copy of values and computes its norm.
func FromMap(values map[uint16]float64) *Vector {
	v := New(len(values))
	for f, x := range values {
		v.values[f] = x
	}
	v.ComputeNorm()
	return v
}

// Set stores value for feature and invalidates the cached norm.
func (v *Vector) Set(feature uint16, value float64) {
	v.values[feature] = value
	v.normOK = false
}

// Get returns the value stored for feature.
func (v *Vector) Get(feature uint16) (float64, bool) {
	x, ok := v.values[feature]
	return x, ok
}

// Len is the number of stored features.
func (v *Vector) Len() int {
	return len(v.values)
}

// NonZero counts features whose value is not zero.
func (v *Vector) NonZero() int {
	n := 0
	for _, x := range v.values {
		if x != 0 {
			n++
		}
	}
	return n
}

// Range calls fn for every stored feature. Iteration order is unspecified.
func (v *Vector) Range(fn func(feature uint16, value float64)) {
	for f, x := range v.values {
		fn(f, x)
	}
}

// ComputeNorm recomputes and caches the Euclidean norm.
func (v *Vector) ComputeNorm() float64 {
	sum := 0.0
	for _, x := range v.values {
		sum += x * x
	}
	v.norm = math.Sqrt(sum)
	v.normOK = true
	return v.norm
}

// Norm returns the cached norm. It is zero until ComputeNorm has run.
func (v *Vector) Norm() float64 {
	if !v.normOK {
		return 0
	}
	return v.norm
}

// NormValid reports whether the cached norm reflects the current values.
func (v *Vector) NormValid() bool {
	return v.normOK
}

// Clone deep-copies the vector, including its cached norm.
func (v *Vector) Clone() *Vector {
	c := New(len(v.values))
	for f, x := range v.values {
		c.values[f] = x
	}
	c.norm = v.norm
	c.normOK = v.normOK
	return c
}

// Dot is the sparse dot product. It walks the smaller map and probes the larger.
func Dot(a, b *Vector) float64 {
	small, large := a.values, b.values
	if len(small) > len(large) {
		small, large = large, small
	}
	sum := 0.0
	for f, x := range small {
		if y, ok := large[f]; ok {
			sum += x * y
		}
	}
	return sum
}

// Distance is the angular distance arccos(cosine similarity) between a and b.
//
// Both norms must be cached. If either norm is zero (an empty centroid, or an
// all-zero entity) the distance is +Inf.
func Distance(a, b *Vector) float64 {
	na, nb := a.Norm(), b.Norm()
	if na == 0 || nb == 0 {
		return math.Inf(1)
	}
	cos := Dot(a, b) / (na * nb)
	// rounding can push identical vectors just past 1
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return math.Acos(cos)
}
