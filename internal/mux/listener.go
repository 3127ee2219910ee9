package mux

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/kmelbow/internal/cluster"
	"github.com/dreamware/kmelbow/internal/collector"
	"github.com/dreamware/kmelbow/internal/logging"
	"github.com/dreamware/kmelbow/internal/metrics"
)

// DefaultPortBase is the first callback port handed to a joining worker.
const DefaultPortBase = 11001

// DefaultReadTimeout bounds how long a handler waits for a complete frame.
const DefaultReadTimeout = 30 * time.Second

// ErrRunning is returned by Start on a listener that is already accepting.
var ErrRunning = errors.New("listener already running")

// ErrPortsExhausted is returned for a join once the next callback port would
// not fit in a TCP port number.
var ErrPortsExhausted = errors.New("callback ports exhausted")

// Options configures a Listener. Zero values select defaults.
type Options struct {
	PortBase    int
	ReadTimeout time.Duration
	Logger      logrus.FieldLogger
	Metrics     *metrics.Mux
}

// Listener accepts framed messages from many peers concurrently and records
// join and result messages in a shared store.
//
// One goroutine runs the accept loop. Every accepted connection is handed to
// its own handler goroutine, and the loop only accepts again once that
// handler has taken ownership of the connection. A Listener can be started
// again after Stop; callback ports keep counting up across restarts.
type Listener struct {
	addr    string
	store   collector.Store
	log     logrus.FieldLogger
	metrics *metrics.Mux
	timeout time.Duration

	// lastPort is the most recently issued callback port.
	lastPort atomic.Int64
	stopping atomic.Bool

	mu       sync.Mutex
	ln       net.Listener
	loopDone chan struct{}
	handlers sync.WaitGroup
}

// New creates a Listener for addr that records into store.
func New(addr string, store collector.Store, opts Options) *Listener {
	if opts.PortBase <= 0 {
		opts.PortBase = DefaultPortBase
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMux(nil)
	}
	l := &Listener{
		addr:    addr,
		store:   store,
		log:     opts.Logger.WithField("component", "mux"),
		metrics: opts.Metrics,
		timeout: opts.ReadTimeout,
	}
	l.lastPort.Store(int64(opts.PortBase - 1))
	return l
}

// Start binds the address and runs the accept loop in the background.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return ErrRunning
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}
	// a restart binds the same port even when the first bind picked it
	if host, port, err := net.SplitHostPort(l.addr); err == nil && port == "0" {
		l.addr = net.JoinHostPort(host, strconv.Itoa(ln.Addr().(*net.TCPAddr).Port))
	}
	l.ln = ln
	l.loopDone = make(chan struct{})
	l.stopping.Store(false)

	go l.acceptLoop(ln, l.loopDone)
	l.log.WithField("addr", ln.Addr().String()).Info("listening")
	return nil
}

// Addr returns the bound address, or nil when not running.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Running reports whether the accept loop is active.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ln != nil
}

// Stop ends the accept loop and waits for in-flight handlers. The loop is
// woken with a probe sent to the listener itself; if the probe cannot be
// delivered the socket is closed instead. Stop on a stopped listener is a
// no-op.
func (l *Listener) Stop() error {
	l.mu.Lock()
	ln, done := l.ln, l.loopDone
	l.mu.Unlock()
	if ln == nil {
		return nil
	}

	l.stopping.Store(true)
	if err := l.probe(ln.Addr()); err != nil {
		l.log.WithError(err).Debug("probe failed, closing listener")
		_ = ln.Close()
	}
	<-done
	err := ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	l.handlers.Wait()

	l.mu.Lock()
	l.ln = nil
	l.mu.Unlock()
	l.log.Info("stopped")
	return err
}

func (l *Listener) probe(addr net.Addr) error {
	target := addr.String()
	if tcp, ok := addr.(*net.TCPAddr); ok && (tcp.IP == nil || tcp.IP.IsUnspecified()) {
		target = net.JoinHostPort("127.0.0.1", strconv.Itoa(tcp.Port))
	}
	conn, err := net.DialTimeout("tcp", target, time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	return cluster.WriteFrame(conn, cluster.Probe{})
}

func (l *Listener) acceptLoop(ln net.Listener, done chan<- struct{}) {
	defer close(done)
	for !l.stopping.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if l.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.WithError(err).Warn("accept failed")
			l.metrics.Errors.WithLabelValues("accept").Inc()
			continue
		}

		owned := make(chan struct{})
		l.handlers.Add(1)
		go l.handle(conn, owned)
		<-owned
	}
}

func (l *Listener) handle(conn net.Conn, owned chan<- struct{}) {
	close(owned)
	defer l.handlers.Done()
	defer conn.Close()

	log := l.log.WithFields(logrus.Fields{
		"conn_id": uuid.NewString(),
		"remote":  conn.RemoteAddr().String(),
	})

	_ = conn.SetDeadline(time.Now().Add(l.timeout))
	m, err := cluster.ReadMessage(conn)
	if err != nil {
		l.drop(log, err)
		return
	}
	l.metrics.Messages.WithLabelValues(m.Kind().String()).Inc()

	switch m := m.(type) {
	case cluster.JoinRequest:
		port, err := l.allocatePort()
		if err != nil {
			l.drop(log.WithField("ip", m.IP), err)
			return
		}
		m.Port = port
		l.store.Add(m)
		log.WithFields(logrus.Fields{"ip": m.IP, "port": m.Port}).Info("worker joined")
		l.reply(log, conn, strconv.Itoa(m.Port))

	case cluster.ResultReport:
		l.store.Add(m)
		log.WithFields(logrus.Fields{"k": m.K, "ssd": m.SSD}).Info("result received")
		l.reply(log, conn, cluster.Ack)

	case cluster.StartRequest:
		l.drop(log, fmt.Errorf("%w: start is only accepted on a worker callback port", cluster.ErrProtocol))

	case cluster.Probe:
		log.Debug("probe discarded")
	}
}

// allocatePort issues the next callback port. Ports are strictly increasing
// and never reused for the lifetime of the Listener.
func (l *Listener) allocatePort() (int, error) {
	port := l.lastPort.Add(1)
	if port > math.MaxUint16 {
		return 0, fmt.Errorf("%w: next port %d", ErrPortsExhausted, port)
	}
	return int(port), nil
}

func (l *Listener) reply(log logrus.FieldLogger, conn net.Conn, s string) {
	if _, err := conn.Write([]byte(s)); err != nil {
		log.WithError(err).Warn("reply failed")
		l.metrics.Errors.WithLabelValues("reply").Inc()
	}
}

func (l *Listener) drop(log logrus.FieldLogger, err error) {
	log.WithError(err).Warn("connection dropped")
	l.metrics.Errors.WithLabelValues(reason(err)).Inc()
}

func reason(err error) string {
	switch {
	case errors.Is(err, cluster.ErrProtocol):
		return "protocol"
	case errors.Is(err, cluster.ErrBrokenConnection):
		return "broken_connection"
	case errors.Is(err, ErrPortsExhausted):
		return "ports_exhausted"
	default:
		return "io"
	}
}
