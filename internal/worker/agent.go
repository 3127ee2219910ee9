// Package worker implements the worker side of the distributed elbow search.
//
// An Agent joins the coordinator, binds the callback port it was given,
// accepts exactly one start message there, and then clusters the dataset
// once per K of its range, reporting every SSD back as it goes.
//
// Lifecycle:
//
//	┌──────┐  port   ┌────────────┐  start   ┌─────────────┐  result × n
//	│ Join │────────▶│ AwaitStart │─────────▶│ RunAssigned │─────────────▶ coordinator
//	└──────┘         └────────────┘          └─────────────┘
//
// A failing K, whether the engine rejects it or the result cannot be
// delivered, is logged and the agent moves on to the next one. All such
// failures come back together from RunAssigned.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/kmelbow/internal/cluster"
	"github.com/dreamware/kmelbow/internal/dataset"
	"github.com/dreamware/kmelbow/internal/kmeans"
	"github.com/dreamware/kmelbow/internal/logging"
	"github.com/dreamware/kmelbow/internal/metrics"
	"github.com/dreamware/kmelbow/internal/mux"
)

// ErrNotJoined is returned by AwaitStart before a successful Join.
var ErrNotJoined = errors.New("worker has not joined")

// Engine runs one clustering for a given K.
type Engine interface {
	Run(ds *dataset.Dataset, k int, threshold float64) (*kmeans.Result, error)
}

// Loader reads the dataset behind a locator.
type Loader func(locator string) (*dataset.Dataset, error)

// Options configures an Agent.
type Options struct {
	// CoordinatorAddr is host:port of the coordinator listener.
	CoordinatorAddr string
	// AdvertiseIP is the IPv4 address sent in the join message.
	AdvertiseIP string
	// ListenIP is the local address the callback port is bound on.
	// Empty binds all interfaces.
	ListenIP string

	Engine  Engine
	Loader  Loader
	Logger  logrus.FieldLogger
	Metrics *metrics.Worker
}

// Agent is one worker process.
type Agent struct {
	opts    Options
	log     logrus.FieldLogger
	metrics *metrics.Worker
	session string

	mu   sync.Mutex
	port int
	ln   net.Listener
}

// New checks opts and creates an Agent. Engine is required; Loader
// defaults to dataset.Load.
func New(opts Options) (*Agent, error) {
	if _, _, err := net.SplitHostPort(opts.CoordinatorAddr); err != nil {
		return nil, fmt.Errorf("coordinator address %q: %w", opts.CoordinatorAddr, err)
	}
	if ip := net.ParseIP(opts.AdvertiseIP); ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("advertise address %q: want an IPv4 address", opts.AdvertiseIP)
	}
	if opts.Engine == nil {
		return nil, errors.New("worker: engine is required")
	}
	if opts.Loader == nil {
		opts.Loader = dataset.Load
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewWorker(nil)
	}

	session := uuid.NewString()
	return &Agent{
		opts:    opts,
		metrics: opts.Metrics,
		session: session,
		log: opts.Logger.WithFields(logrus.Fields{
			"component": "worker",
			"session":   session,
		}),
	}, nil
}

// Session identifies this agent in logs.
func (a *Agent) Session() string { return a.session }

// Port returns the callback port allocated by the coordinator, 0 before Join.
func (a *Agent) Port() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port
}

// Join announces the agent to the coordinator and binds the callback port
// it is given, so that a start sent right after the join finds it open.
func (a *Agent) Join(ctx context.Context) (int, error) {
	port, err := cluster.Join(ctx, a.opts.CoordinatorAddr, a.opts.AdvertiseIP)
	if err != nil {
		return 0, fmt.Errorf("join %s: %w", a.opts.CoordinatorAddr, err)
	}

	addr := net.JoinHostPort(a.opts.ListenIP, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("bind callback port: %w", err)
	}

	a.mu.Lock()
	if a.ln != nil {
		_ = a.ln.Close()
	}
	a.port, a.ln = port, ln
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{"coordinator": a.opts.CoordinatorAddr, "port": port}).Info("joined")
	return port, nil
}

// AwaitStart blocks until the coordinator sends the start message, then
// releases the callback port.
func (a *Agent) AwaitStart(ctx context.Context) (cluster.StartRequest, error) {
	a.mu.Lock()
	ln := a.ln
	a.ln = nil
	a.mu.Unlock()
	if ln == nil {
		return cluster.StartRequest{}, ErrNotJoined
	}
	defer ln.Close()

	a.log.WithField("addr", ln.Addr().String()).Info("waiting for start")
	start, err := mux.AcceptStart(ctx, ln)
	if err != nil {
		return cluster.StartRequest{}, err
	}
	a.log.WithFields(logrus.Fields{
		"k_down":  start.KDown,
		"k_up":    start.KUp,
		"epsilon": start.Epsilon,
		"dataset": start.DatasetDir,
	}).Info("start received")
	return start, nil
}

// RunAssigned loads the dataset once and, for every K in [KDown, KUp) in
// ascending order, runs the engine and submits the SSD to the coordinator.
// Engine and submission failures are collected and do not stop the loop.
// The context is only checked between K values; a clustering run in
// progress always finishes.
func (a *Agent) RunAssigned(ctx context.Context, start cluster.StartRequest) error {
	if start.KUp <= start.KDown {
		a.log.Warn("empty K range, nothing to do")
		return nil
	}

	began := time.Now()
	ds, err := a.opts.Loader(start.DatasetDir)
	if err != nil {
		a.metrics.Failed.WithLabelValues("load").Add(float64(start.KUp - start.KDown))
		return fmt.Errorf("load dataset %q: %w", start.DatasetDir, err)
	}
	a.log.WithFields(logrus.Fields{"vectors": ds.Len(), "took": time.Since(began).Round(time.Millisecond)}).Info("dataset loaded")

	var result *multierror.Error
	for k := start.KDown; k < start.KUp; k++ {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopped before k=%d: %w", k, err))
			break
		}
		log := a.log.WithField("k", k)

		res, err := a.opts.Engine.Run(ds, k, start.Epsilon)
		if err != nil {
			log.WithError(err).Error("clustering failed")
			a.metrics.Failed.WithLabelValues("engine").Inc()
			result = multierror.Append(result, fmt.Errorf("k=%d: %w", k, err))
			continue
		}
		log.WithFields(logrus.Fields{"ssd": res.SSD, "iterations": res.Iterations, "converged": res.Converged}).Info("clustering done")

		if err := cluster.Submit(ctx, a.opts.CoordinatorAddr, cluster.ResultReport{K: k, SSD: res.SSD}); err != nil {
			log.WithError(err).Error("submit failed")
			a.metrics.Failed.WithLabelValues("submit").Inc()
			result = multierror.Append(result, fmt.Errorf("submit k=%d: %w", k, err))
			continue
		}
		a.metrics.Submitted.Inc()
	}
	return result.ErrorOrNil()
}

// Run performs Join, AwaitStart and RunAssigned in sequence.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.Join(ctx); err != nil {
		return err
	}
	start, err := a.AwaitStart(ctx)
	if err != nil {
		return err
	}
	return a.RunAssigned(ctx, start)
}

// Close releases the callback port if it is still bound.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	err := a.ln.Close()
	a.ln = nil
	return err
}
