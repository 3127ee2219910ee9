package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/kmelbow/internal/cluster"
	"github.com/dreamware/kmelbow/internal/collector"
	"github.com/dreamware/kmelbow/internal/logging"
	"github.com/dreamware/kmelbow/internal/metrics"
	"github.com/dreamware/kmelbow/internal/mux"
)

var (
	// ErrInvalidInput marks unusable parameters.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDuplicateRegistration marks a join for an address that is already
	// registered on the same or a later callback port.
	ErrDuplicateRegistration = errors.New("duplicate registration")
	// ErrNoWorkers is returned when the join window closes empty.
	ErrNoWorkers = errors.New("no workers registered")
	// ErrNoResults is returned when collection ends without a single result.
	ErrNoResults = errors.New("no results")
)

// Params are the run parameters handed to every worker.
type Params struct {
	KDown      int
	KUp        int
	Epsilon    float64
	DatasetDir string
}

// Validate checks the parameters before any worker is contacted.
func (p Params) Validate() error {
	var result *multierror.Error
	if p.KDown < 1 {
		result = multierror.Append(result, fmt.Errorf("kDown %d: must be at least 1", p.KDown))
	}
	if p.KDown > p.KUp {
		result = multierror.Append(result, fmt.Errorf("kDown %d > kUp %d", p.KDown, p.KUp))
	}
	if math.IsNaN(p.Epsilon) || math.IsInf(p.Epsilon, 0) || p.Epsilon <= 0 {
		result = multierror.Append(result, fmt.Errorf("epsilon %v: must be a positive number", p.Epsilon))
	}
	if p.DatasetDir == "" {
		result = multierror.Append(result, errors.New("dataset locator is empty"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

// Assignment is the K range dispatched to one worker.
type Assignment struct {
	Worker Registration
	Range  KRange
}

// Options configures a Coordinator. Zero values select defaults.
type Options struct {
	// ListenAddr is where workers join and report results.
	ListenAddr string
	// PortBase is the first callback port handed out.
	PortBase int
	// ProgressInterval is how often collection progress is checked.
	ProgressInterval time.Duration
	// StallChecks ends collection after this many checks without a new
	// result; 0 waits for the expected count or the context.
	StallChecks int
	// ReadTimeout bounds how long the listener waits for one frame.
	ReadTimeout time.Duration

	Logger     logrus.FieldLogger
	Metrics    *metrics.Coordinator
	MuxMetrics *metrics.Mux
}

// DefaultListenAddr is the well-known coordinator port.
const DefaultListenAddr = ":11000"

// StartFunc delivers a start message to a worker's callback address.
type StartFunc func(ctx context.Context, addr string, m cluster.StartRequest) error

// Coordinator owns the worker registry, the result records and the listener
// both phases share. Phases run in order: ListenForWorkers, LoadWorkers,
// ListenForResults, Dispatch, then CollectResults (or LoadResults) and
// ComputeElbow. The collector is cleared at every phase transition.
type Coordinator struct {
	params   Params
	log      logrus.FieldLogger
	metrics  *metrics.Coordinator
	opts     Options
	store    *collector.MemoryStore
	listener *mux.Listener
	registry *WorkerRegistry
	start    StartFunc

	mu      sync.RWMutex
	results []ResultRecord
}

// New validates params and builds a Coordinator. Nothing is bound yet.
func New(params Params, opts Options) (*Coordinator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = DefaultListenAddr
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCoordinator(nil)
	}

	store := collector.NewMemoryStore()
	c := &Coordinator{
		params:   params,
		log:      opts.Logger.WithField("component", "coordinator"),
		metrics:  opts.Metrics,
		opts:     opts,
		store:    store,
		registry: NewWorkerRegistry(),
		start:    cluster.Start,
	}
	c.listener = mux.New(opts.ListenAddr, store, mux.Options{
		PortBase:    opts.PortBase,
		ReadTimeout: opts.ReadTimeout,
		Logger:      opts.Logger,
		Metrics:     opts.MuxMetrics,
	})
	return c, nil
}

// SetStartFunction overrides how start messages are delivered.
// This is useful for testing.
func (c *Coordinator) SetStartFunction(fn StartFunc) {
	c.start = fn
}

// Params returns the run parameters.
func (c *Coordinator) Params() Params { return c.params }

// Addr returns the listener address while a listening phase is active.
func (c *Coordinator) Addr() string {
	if a := c.listener.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// JoinCount returns the joins collected so far in the current phase.
func (c *Coordinator) JoinCount() int {
	return c.store.Stats().Joins
}

// ListenForWorkers clears the collector and starts accepting joins.
func (c *Coordinator) ListenForWorkers() error {
	c.store.Clear()
	if err := c.listener.Start(); err != nil {
		return err
	}
	c.log.Info("accepting workers")
	return nil
}

// LoadWorkers stops the listener and registers every collected join in
// arrival order. A worker that joined more than once keeps its first
// position and the port of its latest join. Rejected joins are reported
// together in the returned error; the registrations that succeeded stay.
// It fails with ErrNoWorkers if the registry ends up empty.
func (c *Coordinator) LoadWorkers() (int, error) {
	if err := c.listener.Stop(); err != nil {
		c.log.WithError(err).Warn("stop listener")
	}

	var result *multierror.Error
	for _, j := range c.store.Joins() {
		if err := c.RegisterWorker(j); err != nil {
			c.log.WithError(err).Warn("join rejected")
			result = multierror.Append(result, err)
		}
	}
	c.store.Clear()

	n := c.registry.Len()
	c.metrics.Workers.Set(float64(n))
	if n == 0 {
		return 0, multierror.Append(result, ErrNoWorkers).ErrorOrNil()
	}
	c.log.WithField("workers", n).Info("workers loaded")
	return n, result.ErrorOrNil()
}

// RegisterWorker records the worker behind a join message. Any other
// message is ErrInvalidInput.
func (c *Coordinator) RegisterWorker(m cluster.Message) error {
	j, ok := m.(cluster.JoinRequest)
	if !ok {
		return fmt.Errorf("%w: register: expected join, got %s", ErrInvalidInput, m.Kind())
	}
	reg := Registration{IP: j.IP, Port: j.Port}
	prev, known := c.registry.Get(reg.IP)
	if err := c.registry.Register(reg); err != nil {
		return err
	}
	log := c.log.WithFields(logrus.Fields{"ip": reg.IP, "port": reg.Port})
	if known {
		log.WithField("previous_port", prev.Port).Info("worker re-joined")
		return nil
	}
	log.Info("worker registered")
	return nil
}

// Workers returns the registered workers in registration order.
func (c *Coordinator) Workers() []Registration {
	return c.registry.Workers()
}

// ListenForResults clears the collector and starts accepting results. Call
// it before Dispatch so that early results find the listener up.
func (c *Coordinator) ListenForResults() error {
	c.store.Clear()
	c.mu.Lock()
	c.results = nil
	c.mu.Unlock()
	if err := c.listener.Start(); err != nil {
		return err
	}
	c.log.Info("accepting results")
	return nil
}

// Dispatch partitions the K range over the registered workers and sends
// each its start message, one at a time in registration order, waiting for
// the acknowledgment before moving on. It stops at the first worker that
// fails and returns the assignments delivered so far.
func (c *Coordinator) Dispatch(ctx context.Context) ([]Assignment, error) {
	workers := c.registry.Workers()
	if len(workers) == 0 {
		return nil, ErrNoWorkers
	}
	ranges, err := PartitionWork(c.params.KDown, c.params.KUp, len(workers))
	if err != nil {
		return nil, err
	}
	if left := Undispatched(c.params.KDown, c.params.KUp, len(workers)); left.Len() > 0 {
		c.log.WithField("range", left.String()).Warn("K values left over by partitioning are not evaluated")
	}

	out := make([]Assignment, 0, len(workers))
	for i, w := range workers {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		msg := cluster.StartRequest{
			KDown:      ranges[i].Down,
			KUp:        ranges[i].Up,
			Epsilon:    c.params.Epsilon,
			DatasetDir: c.params.DatasetDir,
		}
		log := c.log.WithFields(logrus.Fields{"worker": w.Addr(), "range": ranges[i].String()})
		log.Info("requesting start")
		if err := c.start(ctx, w.Addr(), msg); err != nil {
			return out, fmt.Errorf("start %s: %w", w.Addr(), err)
		}
		c.metrics.Dispatched.Add(float64(ranges[i].Len()))
		out = append(out, Assignment{Worker: w, Range: ranges[i]})
		log.Info("start acknowledged")
	}
	return out, nil
}

// LoadResults stops the listener and loads the collected results. It
// reports true iff at least one result was received; otherwise it fails
// with ErrNoResults.
func (c *Coordinator) LoadResults() (bool, error) {
	if err := c.listener.Stop(); err != nil {
		c.log.WithError(err).Warn("stop listener")
	}
	if st := c.store.Stats(); st.Joins > 0 {
		c.log.WithField("joins", st.Joins).Warn("late joins ignored")
	}

	reports := c.store.Results()
	c.store.Clear()

	c.mu.Lock()
	for _, r := range reports {
		c.results = append(c.results, ResultRecord{K: r.K, SSD: r.SSD})
	}
	n := len(c.results)
	c.mu.Unlock()

	c.metrics.Results.Add(float64(len(reports)))
	if n == 0 {
		c.log.Warn("no results to process")
		return false, ErrNoResults
	}
	c.log.WithField("results", n).Info("results loaded")
	return true, nil
}

// CollectResults keeps the results listener running until expected results
// are in, progress stalls, or ctx ends, then loads them like LoadResults.
// expected 0 waits for a stall or the context only. The listener must have
// been started with ListenForResults.
func (c *Coordinator) CollectResults(ctx context.Context, expected int) (bool, error) {
	w := NewProgressWatcher(c.opts.ProgressInterval, expected, c.opts.StallChecks,
		func() int { return c.store.Stats().Results }, c.log)
	outcome := w.Watch(ctx)
	c.log.WithFields(logrus.Fields{
		"outcome":  outcome.String(),
		"received": w.Snapshot().Count,
		"expected": expected,
	}).Info("collection finished")
	return c.LoadResults()
}

// Results returns the loaded result records in arrival order.
func (c *Coordinator) Results() []ResultRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ResultRecord, len(c.results))
	copy(out, c.results)
	return out
}

// Close stops the listener if a phase left it running.
func (c *Coordinator) Close() error {
	return c.listener.Stop()
}
