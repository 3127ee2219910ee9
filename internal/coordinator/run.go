package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// RunOptions bounds the join phase of Run.
type RunOptions struct {
	// JoinWindow is how long joins are accepted.
	JoinWindow time.Duration
	// ExpectedWorkers closes the join window early once this many joins
	// arrived; 0 always waits the full window.
	ExpectedWorkers int
}

// Report is the outcome of a complete run.
type Report struct {
	Workers     []Registration
	Assignments []Assignment
	Results     []ResultRecord
	Elbow       ElbowCandidate
	HasElbow    bool
}

// Run drives every phase in order: accept joins, register workers, start
// the results listener, dispatch, collect and compute the elbow.
//
// A worker that joined twice is dispatched on its latest port. A dispatch
// failure stops dispatching but collection still runs for the workers
// already started.
func (c *Coordinator) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	if err := c.ListenForWorkers(); err != nil {
		return nil, err
	}
	c.awaitJoins(ctx, opts)

	if _, err := c.LoadWorkers(); err != nil {
		if errors.Is(err, ErrNoWorkers) {
			return nil, err
		}
		c.log.WithError(err).Warn("some joins were rejected")
	}

	if err := c.ListenForResults(); err != nil {
		return nil, err
	}
	assignments, err := c.Dispatch(ctx)
	if err != nil {
		c.log.WithError(err).Error("dispatch stopped")
		if len(assignments) == 0 {
			_ = c.Close()
			return nil, err
		}
	}

	expected := 0
	for _, a := range assignments {
		expected += a.Range.Len()
	}
	collect := c.CollectResults
	if expected == 0 {
		c.log.Warn("no K values were dispatched")
		collect = func(context.Context, int) (bool, error) { return c.LoadResults() }
	}
	if _, err := collect(ctx, expected); err != nil {
		return &Report{Workers: c.Workers(), Assignments: assignments}, err
	}

	results := c.Results()
	elbow, ok := ComputeElbow(results)
	report := &Report{
		Workers:     c.Workers(),
		Assignments: assignments,
		Results:     results,
		Elbow:       elbow,
		HasElbow:    ok,
	}
	if ok {
		lo, hi := elbow.Bounds()
		c.log.WithFields(logrus.Fields{"k": elbow.K(), "from": lo, "to": hi, "decrease": elbow.Decrease}).Info("elbow found")
	} else {
		c.log.Warn("no elbow found")
	}
	return report, nil
}

func (c *Coordinator) awaitJoins(ctx context.Context, opts RunOptions) {
	window := opts.JoinWindow
	if window <= 0 {
		window = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	w := NewProgressWatcher(c.opts.ProgressInterval, opts.ExpectedWorkers, 0, c.JoinCount, c.log)
	outcome := w.Watch(ctx)
	c.log.WithFields(logrus.Fields{"joins": c.JoinCount(), "outcome": outcome.String()}).Info("join window closed")
}
