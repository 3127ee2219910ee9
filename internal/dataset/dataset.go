// Package dataset materialises (entity, feature, value) records into the
// in-memory sparse dataset the clustering engine runs on.
package dataset

import (
	"errors"
	"fmt"

	"github.com/dreamware/kmelbow/internal/sparse"
)

// ErrDataSource is returned when a dataset cannot be read or is empty.
var ErrDataSource = errors.New("data source error")

// Record is a single observed rating.
type Record struct {
	Entity  uint32  // e.g. the user id
	Feature uint16  // e.g. the movie id
	Value   float64 // the rating
}

// Dataset is an ordered, fixed-size collection of sparse vectors, one per
// distinct entity in first-seen order. It must not be modified once built.
type Dataset struct {
	vectors  []*sparse.Vector
	entities []uint32
}

// Len returns the number of entities.
func (d *Dataset) Len() int {
	return len(d.vectors)
}

// Vector returns the vector at index i.
func (d *Dataset) Vector(i int) *sparse.Vector {
	return d.vectors[i]
}

// Vectors exposes the backing slice for read-only fan-out.
func (d *Dataset) Vectors() []*sparse.Vector {
	return d.vectors
}

// Entity returns the entity id stored at index i.
func (d *Dataset) Entity(i int) uint32 {
	return d.entities[i]
}

// Builder accumulates records into a Dataset. Not safe for concurrent use.
type Builder struct {
	index   map[uint32]int
	ds      *Dataset
	records int
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		index: make(map[uint32]int),
		ds:    &Dataset{},
	}
}

// Add appends a record. A repeated (entity, feature) pair overwrites the
// earlier value.
func (b *Builder) Add(r Record) {
	pos, ok := b.index[r.Entity]
	if !ok {
		pos = len(b.ds.vectors)
		b.index[r.Entity] = pos
		b.ds.vectors = append(b.ds.vectors, sparse.New(8))
		b.ds.entities = append(b.ds.entities, r.Entity)
	}
	b.ds.vectors[pos].Set(r.Feature, r.Value)
	b.records++
}

// Records is the number of records added so far.
func (b *Builder) Records() int {
	return b.records
}

// Build returns the dataset. Norms are left for the engine to compute.
func (b *Builder) Build() (*Dataset, error) {
	if len(b.ds.vectors) == 0 {
		return nil, fmt.Errorf("%w: no records", ErrDataSource)
	}
	ds := b.ds
	b.ds = &Dataset{}
	b.index = make(map[uint32]int)
	b.records = 0
	return ds, nil
}

// FromRecords builds a dataset from an in-memory record slice.
func FromRecords(records []Record) (*Dataset, error) {
	b := NewBuilder()
	for _, r := range records {
		b.Add(r)
	}
	return b.Build()
}
