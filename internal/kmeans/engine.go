// Package kmeans runs k-means over sparse rating vectors using angular
// distance, with data-parallel assignment and centroid-update passes.
//
// A run proceeds in three stages:
//
//  1. Norms of every dataset vector are computed in parallel.
//  2. K centroids are sampled at random among vectors with at least
//     MinFeatures non-zero features, and cloned.
//  3. Assignment and update passes alternate until the change in the sum of
//     distances (SSD) between two iterations is at most the error threshold.
//
// Each pass is a fan-out over index partitions followed by a barrier; no
// pass of iteration t+1 starts before both passes of iteration t are done.
// The assignment pass accumulates SSD and cluster membership into
// per-partition partials that are merged sequentially afterwards, and the
// update pass builds a fresh centroid set that replaces the old one as a
// whole.
//
// Empty centroids keep an empty vector with a zero norm. Their distance to
// anything is +Inf, so they are never chosen while a finite candidate
// exists. A point with no finite candidate goes to centroid 0 and adds
// nothing to the SSD.
package kmeans

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/kmelbow/internal/dataset"
	"github.com/dreamware/kmelbow/internal/logging"
	"github.com/dreamware/kmelbow/internal/metrics"
	"github.com/dreamware/kmelbow/internal/sparse"
)

// ErrInvalidInput is returned for a K outside [1, dataset size] or an
// unusable threshold.
var ErrInvalidInput = errors.New("invalid input")

// DefaultMinFeatures is the minimum non-zero feature count of an initial centroid.
const DefaultMinFeatures = 50

// DefaultMaxIterations bounds a run that never settles under its threshold.
const DefaultMaxIterations = 500

// Options tunes an Engine. Zero values select defaults.
type Options struct {
	// MinFeatures rejects low-information vectors as initial centroids.
	// Zero or negative selects DefaultMinFeatures; 1 admits every non-empty
	// vector.
	MinFeatures int
	// MaxIterations stops the loop after this many iterations; negative means
	// no bound.
	MaxIterations int
	// Parallelism is the number of partitions per pass.
	Parallelism int
	// Seed for centroid sampling; 0 seeds from the clock.
	Seed int64
}

func (o Options) withDefaults() Options {
	if o.MinFeatures <= 0 {
		o.MinFeatures = DefaultMinFeatures
	}
	if o.MaxIterations == 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Parallelism <= 0 {
		o.Parallelism = runtime.GOMAXPROCS(0)
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	return o
}

// Result describes a finished run.
type Result struct {
	Assignment []int
	Centroids  []*sparse.Vector
	K          int
	SSD        float64
	Iterations int
	// Converged is false when MaxIterations cut the loop short.
	Converged bool
}

// Engine runs independent clustering computations. Run calls are
// serialised; the dataset must not be shared with a concurrent Run.
type Engine struct {
	log     logrus.FieldLogger
	metrics *metrics.Engine
	rng     *rand.Rand
	opts    Options
	mu      sync.Mutex
}

// New returns an engine. A nil logger discards output and nil metrics are
// replaced by unregistered collectors.
func New(opts Options, log logrus.FieldLogger, m *metrics.Engine) *Engine {
	opts = opts.withDefaults()
	if log == nil {
		log = logging.Nop()
	}
	if m == nil {
		m = metrics.NewEngine(nil)
	}
	return &Engine{
		log:     log.WithField("component", "kmeans"),
		metrics: m,
		rng:     rand.New(rand.NewSource(opts.Seed)),
		opts:    opts,
	}
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// convergence tracks the SSD of the last two iterations.
type convergence struct {
	prev, curr float64
	threshold  float64
	iteration  int
}

// advance records the SSD of a finished iteration and returns |ΔSSD|.
func (c *convergence) advance(ssd float64) float64 {
	c.prev, c.curr = c.curr, ssd
	c.iteration++
	return math.Abs(c.curr - c.prev)
}

// Run clusters ds into k groups and returns the converged SSD together with
// the final assignment and centroids.
func (e *Engine) Run(ds *dataset.Dataset, k int, threshold float64) (*Result, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, fmt.Errorf("%w: empty dataset", dataset.ErrDataSource)
	}
	if k < 1 || k > ds.Len() {
		return nil, fmt.Errorf("%w: k=%d outside [1, %d]", ErrInvalidInput, k, ds.Len())
	}
	if math.IsNaN(threshold) || threshold < 0 {
		return nil, fmt.Errorf("%w: threshold %v", ErrInvalidInput, threshold)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	log := e.log.WithField("k", k)

	if err := e.computeNorms(ds); err != nil {
		return nil, err
	}
	centroids, err := e.initCentroids(ds, k)
	if err != nil {
		return nil, err
	}

	state := convergence{threshold: threshold}
	assignment := make([]int, ds.Len())
	converged := false
	for {
		ssd, members, err := e.assign(ds, centroids, assignment)
		if err != nil {
			return nil, err
		}
		next, empty, err := e.update(ds, members)
		if err != nil {
			return nil, err
		}
		centroids = next
		if empty > 0 {
			e.metrics.EmptyCentroids.Add(float64(empty))
		}

		delta := state.advance(ssd)
		log.WithFields(logrus.Fields{
			"iteration": state.iteration,
			"ssd":       ssd,
			"delta":     delta,
			"empty":     empty,
		}).Debug("iteration done")

		if delta <= state.threshold {
			converged = true
			break
		}
		if e.opts.MaxIterations > 0 && state.iteration >= e.opts.MaxIterations {
			log.WithField("iterations", state.iteration).Warn("iteration limit reached before convergence")
			break
		}
	}

	elapsed := time.Since(start)
	e.metrics.Runs.Inc()
	e.metrics.Iterations.Observe(float64(state.iteration))
	e.metrics.Duration.Observe(elapsed.Seconds())
	log.WithFields(logrus.Fields{
		"ssd":        state.curr,
		"iterations": state.iteration,
		"elapsed":    elapsed.Round(time.Millisecond),
	}).Info("clustering finished")

	return &Result{
		K:          k,
		SSD:        state.curr,
		Iterations: state.iteration,
		Converged:  converged,
		Assignment: assignment,
		Centroids:  centroids,
	}, nil
}

// computeNorms fills in every missing cached norm. Indices are independent.
func (e *Engine) computeNorms(ds *dataset.Dataset) error {
	vectors := ds.Vectors()
	return fanOut(split(len(vectors), e.opts.Parallelism), func(_ int, s span) {
		for i := s.lo; i < s.hi; i++ {
			if !vectors[i].NormValid() {
				vectors[i].ComputeNorm()
			}
		}
	})
}

// initCentroids samples k vectors uniformly among those with at least
// MinFeatures non-zero features. Indices are distinct whenever enough
// candidates exist. The samples are cloned so centroid updates never touch
// the dataset.
func (e *Engine) initCentroids(ds *dataset.Dataset, k int) ([]*sparse.Vector, error) {
	var eligible []int
	for i, v := range ds.Vectors() {
		if v.NonZero() >= e.opts.MinFeatures {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: no vector has %d or more non-zero features", ErrInvalidInput, e.opts.MinFeatures)
	}

	picks := make([]int, k)
	if len(eligible) >= k {
		perm := e.rng.Perm(len(eligible))
		for i := range picks {
			picks[i] = eligible[perm[i]]
		}
	} else {
		e.log.WithFields(logrus.Fields{
			"k":        k,
			"eligible": len(eligible),
		}).Warn("fewer eligible vectors than k, sampling with replacement")
		for i := range picks {
			picks[i] = eligible[e.rng.Intn(len(eligible))]
		}
	}

	centroids := make([]*sparse.Vector, k)
	for i, idx := range picks {
		centroids[i] = ds.Vector(idx).Clone()
	}
	return centroids, nil
}

// partial is one partition's share of an assignment pass.
type partial struct {
	members [][]int
	ssd     float64
}

// assign maps every point to its nearest centroid, writing assignment in
// place. It returns the SSD and the member indices of each centroid, both
// merged from per-partition partials in partition order.
func (e *Engine) assign(ds *dataset.Dataset, centroids []*sparse.Vector, assignment []int) (float64, [][]int, error) {
	vectors := ds.Vectors()
	spans := split(len(vectors), e.opts.Parallelism)
	partials := make([]partial, len(spans))

	err := fanOut(spans, func(p int, s span) {
		acc := partial{members: make([][]int, len(centroids))}
		for i := s.lo; i < s.hi; i++ {
			c, d := nearest(vectors[i], centroids)
			assignment[i] = c
			acc.members[c] = append(acc.members[c], i)
			if !math.IsInf(d, 1) {
				acc.ssd += d
			}
		}
		partials[p] = acc
	})
	if err != nil {
		return 0, nil, err
	}

	ssd := 0.0
	members := make([][]int, len(centroids))
	for _, acc := range partials {
		ssd += acc.ssd
		for c, m := range acc.members {
			members[c] = append(members[c], m...)
		}
	}
	return ssd, members, nil
}

// nearest returns the closest centroid; ties go to the lowest index.
func nearest(v *sparse.Vector, centroids []*sparse.Vector) (int, float64) {
	best, dist := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := sparse.Distance(v, centroid); d < dist {
			best, dist = c, d
		}
	}
	return best, dist
}

// update recomputes every centroid as the per-feature mean of its members.
// Centroids are independent; each one sums its members sequentially into
// its own map. The returned set is new; the previous one is left untouched.
func (e *Engine) update(ds *dataset.Dataset, members [][]int) ([]*sparse.Vector, int, error) {
	next := make([]*sparse.Vector, len(members))
	err := fanOut(split(len(members), e.opts.Parallelism), func(_ int, s span) {
		for c := s.lo; c < s.hi; c++ {
			next[c] = mean(ds, members[c])
		}
	})
	if err != nil {
		return nil, 0, err
	}

	empty := 0
	for _, m := range members {
		if len(m) == 0 {
			empty++
		}
	}
	return next, empty, nil
}

func mean(ds *dataset.Dataset, idx []int) *sparse.Vector {
	if len(idx) == 0 {
		v := sparse.New(0)
		v.ComputeNorm()
		return v
	}
	sum := make(map[uint16]float64)
	for _, i := range idx {
		ds.Vector(i).Range(func(f uint16, x float64) {
			sum[f] += x
		})
	}
	n := float64(len(idx))
	v := sparse.New(len(sum))
	for f, x := range sum {
		v.Set(f, x/n)
	}
	v.ComputeNorm()
	return v
}
