// Package main implements the kmelbow worker. A worker joins the
// coordinator, waits on its callback port for a start message, then
// clusters the dataset for every K it was given and reports each SSD.
//
// Configuration:
//   - --coordinator / KMELBOW_COORDINATOR_ADDR: coordinator host:port
//   - --advertise-ip / KMELBOW_ADVERTISE_IP: IPv4 address sent with the join (required)
//   - --listen-ip / KMELBOW_LISTEN_IP: local bind address of the callback port
//   - engine.* in the YAML file or KMELBOW_MIN_FEATURES and friends
//
// Example usage:
//
//	kmelbow-worker run --coordinator 10.0.0.1:11000 --advertise-ip 10.0.0.7
//
// Joining is retried at a fixed interval so workers can be started before
// the coordinator. Once joined the worker exits after its range is done.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamware/kmelbow/internal/cluster"
	"github.com/dreamware/kmelbow/internal/config"
	"github.com/dreamware/kmelbow/internal/kmeans"
	"github.com/dreamware/kmelbow/internal/logging"
	"github.com/dreamware/kmelbow/internal/metrics"
	"github.com/dreamware/kmelbow/internal/worker"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "kmelbow-worker",
		Short:        "Distributed k-means elbow search worker",
		SilenceUsage: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kmelbow-worker %s\n", version)
		},
	})

	run := &cobra.Command{
		Use:   "run",
		Short: "Join the coordinator and cluster the assigned K range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	f := run.Flags()
	f.String("config", "", "YAML configuration file")
	f.String("coordinator", "", "coordinator host:port")
	f.String("advertise-ip", "", "IPv4 address announced to the coordinator")
	f.String("listen-ip", "", "local address for the callback port")
	f.Int("join-retries", 0, "join attempts after the first")
	f.Duration("join-interval", 0, "delay between join attempts")
	f.Int("min-features", 0, "minimum non-zero features of an initial centroid, at least 1")
	f.Int("max-iterations", 0, "iteration guard per run, negative for none")
	f.Int("parallelism", 0, "partitions per clustering pass")
	f.Int64("seed", 0, "centroid sampling seed")
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

	w, e := &cfg.Worker, &cfg.Engine
	if f.Changed("coordinator") {
		w.CoordinatorAddr, _ = f.GetString("coordinator")
	}
	if f.Changed("advertise-ip") {
		w.AdvertiseIP, _ = f.GetString("advertise-ip")
	}
	if f.Changed("listen-ip") {
		w.ListenIP, _ = f.GetString("listen-ip")
	}
	if f.Changed("join-retries") {
		w.JoinRetries, _ = f.GetInt("join-retries")
	}
	if f.Changed("join-interval") {
		w.JoinInterval, _ = f.GetDuration("join-interval")
	}
	if f.Changed("min-features") {
		e.MinFeatures, _ = f.GetInt("min-features")
	}
	if f.Changed("max-iterations") {
		e.MaxIterations, _ = f.GetInt("max-iterations")
	}
	if f.Changed("parallelism") {
		e.Parallelism, _ = f.GetInt("parallelism")
	}
	if f.Changed("seed") {
		e.Seed, _ = f.GetInt64("seed")
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

	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runWorker joins, waits for the start message and runs the assigned range.
func runWorker(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, logOut)
	if err != nil {
		return err
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

	engine := kmeans.New(kmeans.Options{
		MinFeatures:   cfg.Engine.MinFeatures,
		MaxIterations: cfg.Engine.MaxIterations,
		Parallelism:   cfg.Engine.Parallelism,
		Seed:          cfg.Engine.Seed,
	}, log, metrics.NewEngine(reg))

	agent, err := worker.New(worker.Options{
		CoordinatorAddr: cfg.Worker.CoordinatorAddr,
		AdvertiseIP:     cfg.Worker.AdvertiseIP,
		ListenIP:        cfg.Worker.ListenIP,
		Engine:          engine,
		Logger:          log,
		Metrics:         metrics.NewWorker(reg),
	})
	if err != nil {
		return err
	}
	defer agent.Close()

	if err := joinWithRetry(ctx, agent, cfg.Worker, log); err != nil {
		return err
	}
	start, err := agent.AwaitStart(ctx)
	if err != nil {
		return err
	}
	if err := agent.RunAssigned(ctx, start); err != nil {
		log.WithError(err).Error("some K values failed")
		return err
	}
	log.Info("assigned range done")
	return nil
}

// joiner is the part of the agent joinWithRetry drives.
type joiner interface {
	Join(ctx context.Context) (int, error)
}

// joinWithRetry retries Join at a fixed interval. A reply that is not a port
// means the peer is not a coordinator, so it is not retried.
func joinWithRetry(ctx context.Context, a joiner, w config.Worker, log logrus.FieldLogger) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(w.JoinInterval), uint64(w.JoinRetries)),
		ctx,
	)
	op := func() error {
		_, err := a.Join(ctx)
		if errors.Is(err, cluster.ErrProtocol) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.WithError(err).WithField("retry_in", next).Warn("join failed")
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("join %s: giving up: %w", w.CoordinatorAddr, err)
	}
	return nil
}
