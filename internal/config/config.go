// Package config loads the settings shared by the coordinator and worker
// binaries.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// KMELBOW_* environment variables. Command-line flags are applied on top by
// the binaries themselves.
//
// Environment variables:
//
//	KMELBOW_LISTEN_ADDR        coordinator listen address (default ":11000")
//	KMELBOW_PORT_BASE          first worker callback port (default 11001)
//	KMELBOW_K_DOWN             lowest K tried, inclusive
//	KMELBOW_K_UP               highest K tried, exclusive
//	KMELBOW_EPSILON            convergence threshold on the SSD change
//	KMELBOW_DATASET            dataset file or directory
//	KMELBOW_JOIN_WINDOW        how long joins are accepted (default 30s)
//	KMELBOW_EXPECTED_WORKERS   close the join window early at this many joins
//	KMELBOW_PROGRESS_INTERVAL  result progress check period (default 1s)
//	KMELBOW_STALL_CHECKS       checks without progress before giving up
//	KMELBOW_READ_TIMEOUT       per-frame read deadline (default 30s)
//	KMELBOW_COORDINATOR_ADDR   coordinator host:port, for workers
//	KMELBOW_ADVERTISE_IP       IPv4 address a worker announces
//	KMELBOW_LISTEN_IP          local address for the callback port
//	KMELBOW_JOIN_RETRIES       join attempts after the first (default 10)
//	KMELBOW_JOIN_INTERVAL      delay between join attempts (default 400ms)
//	KMELBOW_MIN_FEATURES       minimum features of an initial centroid, at least 1
//	KMELBOW_MAX_ITERATIONS     iteration guard, negative for none
//	KMELBOW_PARALLELISM        partitions per clustering pass
//	KMELBOW_SEED               centroid sampling seed, 0 for the clock
//	KMELBOW_LOG_LEVEL          logrus level (default "info")
//	KMELBOW_LOG_FORMAT         "text" or "json"
//	KMELBOW_METRICS_ADDR       Prometheus endpoint address, empty to disable
package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation and parse failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete settings tree.
type Config struct {
	Coordinator Coordinator `yaml:"coordinator"`
	Worker      Worker      `yaml:"worker"`
	Engine      Engine      `yaml:"engine"`
	Logging     Logging     `yaml:"logging"`
	Metrics     Metrics     `yaml:"metrics"`
}

// Coordinator holds the search parameters and the phase timings.
type Coordinator struct {
	ListenAddr       string        `yaml:"listen_addr"`
	PortBase         int           `yaml:"port_base"`
	KDown            int           `yaml:"k_down"`
	KUp              int           `yaml:"k_up"`
	Epsilon          float64       `yaml:"epsilon"`
	Dataset          string        `yaml:"dataset"`
	JoinWindow       time.Duration `yaml:"join_window"`
	ExpectedWorkers  int           `yaml:"expected_workers"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	StallChecks      int           `yaml:"stall_checks"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
}

// Worker holds what a worker needs to reach its coordinator.
type Worker struct {
	CoordinatorAddr string        `yaml:"coordinator_addr"`
	AdvertiseIP     string        `yaml:"advertise_ip"`
	ListenIP        string        `yaml:"listen_ip"`
	JoinRetries     int           `yaml:"join_retries"`
	JoinInterval    time.Duration `yaml:"join_interval"`
}

// Engine tunes the clustering engine.
type Engine struct {
	MinFeatures   int   `yaml:"min_features"`
	MaxIterations int   `yaml:"max_iterations"`
	Parallelism   int   `yaml:"parallelism"`
	Seed          int64 `yaml:"seed"`
}

// Logging selects the logrus level and formatter.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the settings used when nothing else is given.
func DefaultConfig() *Config {
	return &Config{
		Coordinator: Coordinator{
			ListenAddr:       ":11000",
			PortBase:         11001,
			KDown:            1,
			KUp:              2,
			Epsilon:          0.001,
			JoinWindow:       30 * time.Second,
			ProgressInterval: time.Second,
			ReadTimeout:      30 * time.Second,
		},
		Worker: Worker{
			CoordinatorAddr: "127.0.0.1:11000",
			JoinRetries:     10,
			JoinInterval:    400 * time.Millisecond,
		},
		Engine: Engine{
			MinFeatures: 50,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path and then
// with the environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from KMELBOW_* variables. Unparseable values
// are all reported together and leave the field unchanged.
func (c *Config) ApplyEnv() error {
	e := &envReader{}

	c.Coordinator.ListenAddr = getenv("KMELBOW_LISTEN_ADDR", c.Coordinator.ListenAddr)
	e.intVar("KMELBOW_PORT_BASE", &c.Coordinator.PortBase)
	e.intVar("KMELBOW_K_DOWN", &c.Coordinator.KDown)
	e.intVar("KMELBOW_K_UP", &c.Coordinator.KUp)
	e.floatVar("KMELBOW_EPSILON", &c.Coordinator.Epsilon)
	c.Coordinator.Dataset = getenv("KMELBOW_DATASET", c.Coordinator.Dataset)
	e.durationVar("KMELBOW_JOIN_WINDOW", &c.Coordinator.JoinWindow)
	e.intVar("KMELBOW_EXPECTED_WORKERS", &c.Coordinator.ExpectedWorkers)
	e.durationVar("KMELBOW_PROGRESS_INTERVAL", &c.Coordinator.ProgressInterval)
	e.intVar("KMELBOW_STALL_CHECKS", &c.Coordinator.StallChecks)
	e.durationVar("KMELBOW_READ_TIMEOUT", &c.Coordinator.ReadTimeout)

	c.Worker.CoordinatorAddr = getenv("KMELBOW_COORDINATOR_ADDR", c.Worker.CoordinatorAddr)
	c.Worker.AdvertiseIP = getenv("KMELBOW_ADVERTISE_IP", c.Worker.AdvertiseIP)
	c.Worker.ListenIP = getenv("KMELBOW_LISTEN_IP", c.Worker.ListenIP)
	e.intVar("KMELBOW_JOIN_RETRIES", &c.Worker.JoinRetries)
	e.durationVar("KMELBOW_JOIN_INTERVAL", &c.Worker.JoinInterval)

	e.intVar("KMELBOW_MIN_FEATURES", &c.Engine.MinFeatures)
	e.intVar("KMELBOW_MAX_ITERATIONS", &c.Engine.MaxIterations)
	e.intVar("KMELBOW_PARALLELISM", &c.Engine.Parallelism)
	e.int64Var("KMELBOW_SEED", &c.Engine.Seed)

	c.Logging.Level = getenv("KMELBOW_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getenv("KMELBOW_LOG_FORMAT", c.Logging.Format)
	c.Metrics.Addr = getenv("KMELBOW_METRICS_ADDR", c.Metrics.Addr)

	return e.err.ErrorOrNil()
}

// Validate checks the settings both binaries depend on.
func (c *Config) Validate() error {
	var result *multierror.Error
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		result = multierror.Append(result, fmt.Errorf("logging.level: %w", err))
	}
	if f := c.Logging.Format; f != "text" && f != "json" {
		result = multierror.Append(result, fmt.Errorf("logging.format %q: want text or json", f))
	}
	if c.Engine.MinFeatures < 1 {
		result = multierror.Append(result, fmt.Errorf("engine.min_features %d: must be at least 1", c.Engine.MinFeatures))
	}
	if c.Engine.Parallelism < 0 {
		result = multierror.Append(result, fmt.Errorf("engine.parallelism %d: must not be negative", c.Engine.Parallelism))
	}
	return wrap(result)
}

// ValidateCoordinator checks the coordinator section on top of Validate.
func (c *Config) ValidateCoordinator() error {
	var result *multierror.Error
	if err := c.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	cc := c.Coordinator
	if _, _, err := net.SplitHostPort(cc.ListenAddr); err != nil {
		result = multierror.Append(result, fmt.Errorf("coordinator.listen_addr: %w", err))
	}
	if cc.PortBase < 1 || cc.PortBase > math.MaxUint16 {
		result = multierror.Append(result, fmt.Errorf("coordinator.port_base %d: out of range", cc.PortBase))
	}
	if cc.KDown < 1 || cc.KUp < cc.KDown {
		result = multierror.Append(result, fmt.Errorf("coordinator.k_down %d, k_up %d: want 1 <= k_down <= k_up", cc.KDown, cc.KUp))
	}
	if !(cc.Epsilon > 0) || math.IsInf(cc.Epsilon, 0) {
		result = multierror.Append(result, fmt.Errorf("coordinator.epsilon %v: must be positive", cc.Epsilon))
	}
	if cc.Dataset == "" {
		result = multierror.Append(result, errors.New("coordinator.dataset: required"))
	}
	if cc.JoinWindow <= 0 {
		result = multierror.Append(result, fmt.Errorf("coordinator.join_window %s: must be positive", cc.JoinWindow))
	}
	if cc.ExpectedWorkers < 0 || cc.StallChecks < 0 {
		result = multierror.Append(result, errors.New("coordinator.expected_workers and stall_checks must not be negative"))
	}
	return wrap(result)
}

// ValidateWorker checks the worker section on top of Validate.
func (c *Config) ValidateWorker() error {
	var result *multierror.Error
	if err := c.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	w := c.Worker
	if _, _, err := net.SplitHostPort(w.CoordinatorAddr); err != nil {
		result = multierror.Append(result, fmt.Errorf("worker.coordinator_addr: %w", err))
	}
	if ip := net.ParseIP(w.AdvertiseIP); ip == nil || ip.To4() == nil {
		result = multierror.Append(result, fmt.Errorf("worker.advertise_ip %q: want an IPv4 address", w.AdvertiseIP))
	}
	if w.JoinRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("worker.join_retries %d: must not be negative", w.JoinRetries))
	}
	if w.JoinInterval < 0 {
		result = multierror.Append(result, fmt.Errorf("worker.join_interval %s: must not be negative", w.JoinInterval))
	}
	return wrap(result)
}

func wrap(result *multierror.Error) error {
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// getenv retrieves an environment variable with a fallback default.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// envReader parses typed variables, collecting every failure.
type envReader struct {
	err *multierror.Error
}

func (e *envReader) fail(k, v string, err error) {
	e.err = multierror.Append(e.err, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, k, v, err))
}

func (e *envReader) intVar(k string, dst *int) {
	v := os.Getenv(k)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(k, v, err)
		return
	}
	*dst = n
}

func (e *envReader) int64Var(k string, dst *int64) {
	v := os.Getenv(k)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(k, v, err)
		return
	}
	*dst = n
}

func (e *envReader) floatVar(k string, dst *float64) {
	v := os.Getenv(k)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(k, v, err)
		return
	}
	*dst = f
}

func (e *envReader) durationVar(k string, dst *time.Duration) {
	v := os.Getenv(k)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(k, v, err)
		return
	}
	*dst = d
}
