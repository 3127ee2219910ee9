// Package main implements the kmelbow coordinator, which gathers workers,
// hands each one a contiguous slice of the K range, collects the SSD every
// worker reports and prints the elbow estimate.
//
// Configuration is layered: defaults, then the YAML file given with
// --config, then KMELBOW_* environment variables, then flags.
//
// Example usage:
//
//	# accept joins for 20s, search K in [2, 30)
//	kmelbow-coordinator run \
//	  --dataset /data/netflix/training_set \
//	  --k-down 2 --k-up 30 --epsilon 0.001 \
//	  --join-window 20s --expected-workers 4
//
// Exit codes:
//   - 0: report printed
//   - 1: invalid configuration, no workers joined, or no results arrived
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamware/kmelbow/internal/config"
	"github.com/dreamware/kmelbow/internal/coordinator"
	"github.com/dreamware/kmelbow/internal/logging"
	"github.com/dreamware/kmelbow/internal/metrics"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "kmelbow-coordinator",
		Short:        "Distributed k-means elbow search coordinator",
		SilenceUsage: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kmelbow-coordinator %s\n", version)
		},
	})

	run := &cobra.Command{
		Use:   "run",
		Short: "Gather workers, dispatch the K range and report the elbow",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			_, err = runCoordinator(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
			return err
		},
	}
	f := run.Flags()
	f.String("config", "", "YAML configuration file")
	f.String("listen", "", "address workers join and report to")
	f.Int("port-base", 0, "first callback port handed to a worker")
	f.Int("k-down", 0, "lowest K tried, inclusive")
	f.Int("k-up", 0, "highest K tried, exclusive")
	f.Float64("epsilon", 0, "convergence threshold on the SSD change")
	f.String("dataset", "", "dataset file or directory, as seen by the workers")
	f.Duration("join-window", 0, "how long joins are accepted")
	f.Int("expected-workers", 0, "stop waiting for joins once this many arrived")
	f.Int("stall-checks", 0, "progress checks without a new result before giving up")
	f.String("log-level", "", "log level")
	f.String("log-format", "", "log format, text or json")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	root.AddCommand(run)

	return root
}

// loadConfig layers the file, the environment and any flag the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	c := &cfg.Coordinator
	if f.Changed("listen") {
		c.ListenAddr, _ = f.GetString("listen")
	}
	if f.Changed("port-base") {
		c.PortBase, _ = f.GetInt("port-base")
	}
	if f.Changed("k-down") {
		c.KDown, _ = f.GetInt("k-down")
	}
	if f.Changed("k-up") {
		c.KUp, _ = f.GetInt("k-up")
	}
	if f.Changed("epsilon") {
		c.Epsilon, _ = f.GetFloat64("epsilon")
	}
	if f.Changed("dataset") {
		c.Dataset, _ = f.GetString("dataset")
	}
	if f.Changed("join-window") {
		c.JoinWindow, _ = f.GetDuration("join-window")
	}
	if f.Changed("expected-workers") {
		c.ExpectedWorkers, _ = f.GetInt("expected-workers")
	}
	if f.Changed("stall-checks") {
		c.StallChecks, _ = f.GetInt("stall-checks")
	}
	if f.Changed("log-level") {
		cfg.Logging.Level, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.Logging.Format, _ = f.GetString("log-format")
	}
	if f.Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = f.GetString("metrics-addr")
	}

	if err := cfg.ValidateCoordinator(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runCoordinator performs one complete search and writes the report to out.
func runCoordinator(ctx context.Context, cfg *config.Config, out, logOut io.Writer) (*coordinator.Report, error) {
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, logOut)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Metrics.Addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, reg, log); err != nil {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	cc := cfg.Coordinator
	c, err := coordinator.New(
		coordinator.Params{KDown: cc.KDown, KUp: cc.KUp, Epsilon: cc.Epsilon, DatasetDir: cc.Dataset},
		coordinator.Options{
			ListenAddr:       cc.ListenAddr,
			PortBase:         cc.PortBase,
			ProgressInterval: cc.ProgressInterval,
			StallChecks:      cc.StallChecks,
			ReadTimeout:      cc.ReadTimeout,
			Logger:           log,
			Metrics:          metrics.NewCoordinator(reg),
			MuxMetrics:       metrics.NewMux(reg),
		},
	)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	report, err := c.Run(ctx, coordinator.RunOptions{JoinWindow: cc.JoinWindow, ExpectedWorkers: cc.ExpectedWorkers})
	if err != nil {
		log.WithError(err).Error("search failed")
		return nil, err
	}

	fmt.Fprint(out, coordinator.FormatReport(report.Results))
	fields := logrus.Fields{"workers": len(report.Workers), "results": len(report.Results)}
	if report.HasElbow {
		fields["k"] = report.Elbow.K()
	}
	log.WithFields(fields).Info("search finished")
	return report, nil
}
