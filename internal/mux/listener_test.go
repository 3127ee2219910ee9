package mux

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kmelbow/internal/cluster"
	"github.com/dreamware/kmelbow/internal/collector"
	"github.com/dreamware/kmelbow/internal/metrics"
)

func startListener(t *testing.T, opts Options) (*Listener, *collector.MemoryStore, string) {
	t.Helper()
	store := collector.NewMemoryStore()
	l := New("127.0.0.1:0", store, opts)
	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Stop() })
	return l, store, l.Addr().String()
}

// rawExchange writes body as-is, half-closes, and returns whatever the peer
// sends back before closing.
func rawExchange(t *testing.T, addr, body string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	reply, _ := io.ReadAll(conn)
	return string(reply)
}

func TestConcurrentJoinsGetDistinctPorts(t *testing.T) {
	_, store, addr := startListener(t, Options{})

	const n = 25
	ports := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			port, err := cluster.Join(context.Background(), addr, fmt.Sprintf("10.0.0.%d", i+1))
			assert.NoError(t, err)
			ports[i] = port
		}(i)
	}
	wg.Wait()

	sort.Ints(ports)
	for i, p := range ports {
		assert.Equal(t, DefaultPortBase+i, p, "ports must be consecutive from the base")
	}

	joins := store.Joins()
	require.Len(t, joins, n)
	seen := map[int]string{}
	for _, j := range joins {
		if prev, dup := seen[j.Port]; dup {
			t.Errorf("port %d issued to %s and %s", j.Port, prev, j.IP)
		}
		seen[j.Port] = j.IP
	}
}

func TestPortsIncreaseAcrossRestart(t *testing.T) {
	store := collector.NewMemoryStore()
	l := New("127.0.0.1:0", store, Options{PortBase: 12000})

	require.NoError(t, l.Start())
	addr := l.Addr().String()
	first, err := cluster.Join(context.Background(), addr, "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, l.Stop())
	assert.False(t, l.Running())

	require.NoError(t, l.Start())
	defer l.Stop()
	assert.Equal(t, addr, l.Addr().String(), "restart binds the same port")
	second, err := cluster.Join(context.Background(), addr, "10.0.0.2")
	require.NoError(t, err)

	assert.Equal(t, 12000, first)
	assert.Equal(t, 12001, second)
}

func TestJoinRefusedPastLastPort(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMux(reg)
	_, store, addr := startListener(t, Options{PortBase: 65535, Metrics: m})

	port, err := cluster.Join(context.Background(), addr, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 65535, port)

	_, err = cluster.Join(context.Background(), addr, "10.0.0.2")
	assert.ErrorIs(t, err, cluster.ErrBrokenConnection, "the join is dropped without a reply")

	joins := store.Joins()
	require.Len(t, joins, 1)
	assert.Equal(t, "10.0.0.1", joins[0].IP)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("ports_exhausted")))

	// results are still accepted
	require.NoError(t, cluster.Submit(context.Background(), addr, cluster.ResultReport{K: 2, SSD: 1}))
	assert.Len(t, store.Results(), 1)
}

func TestResultIsStoredAndAcknowledged(t *testing.T) {
	_, store, addr := startListener(t, Options{})

	require.NoError(t, cluster.Submit(context.Background(), addr, cluster.ResultReport{K: 4, SSD: 17.5}))
	assert.Equal(t, []cluster.ResultReport{{K: 4, SSD: 17.5}}, store.Results())
}

func TestProbeAndBadInputAreNotStored(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMux(reg)
	_, store, addr := startListener(t, Options{Metrics: m})

	assert.Empty(t, rawExchange(t, addr, `{"nd":"nd"}<EOF>`))
	assert.Empty(t, rawExchange(t, addr, `{"command":<EOF>`))
	assert.Empty(t, rawExchange(t, addr, `{"ip":"1.2.3.4"}<EOF>`))
	assert.Empty(t, rawExchange(t, addr, `{"command":"start","kDown":"0","kUp":"2","epsilon":"1","dsDir":"d"}<EOF>`))
	assert.Empty(t, rawExchange(t, addr, `{"command":"result","k":"1"`))

	// the loop keeps serving after errors
	require.NoError(t, cluster.Submit(context.Background(), addr, cluster.ResultReport{K: 1, SSD: 2}))

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues("probe")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Errors.WithLabelValues("protocol")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("broken_connection")))
}

func TestStopUnblocksAccept(t *testing.T) {
	l, _, _ := startListener(t, Options{})

	done := make(chan error, 1)
	go func() { done <- l.Stop() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Nil(t, l.Addr())
	assert.NoError(t, l.Stop(), "second Stop is a no-op")
}

func TestStartTwice(t *testing.T) {
	l, _, _ := startListener(t, Options{})
	assert.ErrorIs(t, l.Start(), ErrRunning)
}

func TestAcceptStart(t *testing.T) {
	t.Run("valid start is acknowledged", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		want := cluster.StartRequest{KDown: 2, KUp: 5, Epsilon: 0.01, DatasetDir: "/data"}
		sent := make(chan error, 1)
		go func() { sent <- cluster.Start(context.Background(), ln.Addr().String(), want) }()

		got, err := AcceptStart(context.Background(), ln)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.NoError(t, <-sent)
	})

	t.Run("other commands are rejected without reply", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		sent := make(chan error, 1)
		go func() {
			sent <- cluster.Submit(context.Background(), ln.Addr().String(), cluster.ResultReport{K: 1, SSD: 1})
		}()

		_, err = AcceptStart(context.Background(), ln)
		assert.ErrorIs(t, err, cluster.ErrProtocol)
		assert.ErrorIs(t, <-sent, cluster.ErrBrokenConnection)
	})

	t.Run("invalid range is rejected", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		go func() {
			_ = cluster.Start(context.Background(), ln.Addr().String(), cluster.StartRequest{KDown: 5, KUp: 2, Epsilon: 1, DatasetDir: "d"})
		}()
		_, err = AcceptStart(context.Background(), ln)
		assert.ErrorIs(t, err, cluster.ErrProtocol)
	})

	t.Run("context cancel aborts the accept", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = AcceptStart(ctx, ln)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestValidateStart(t *testing.T) {
	assert.NoError(t, ValidateStart(cluster.StartRequest{KDown: 0, KUp: 0, Epsilon: 0, DatasetDir: "d"}))
	assert.ErrorIs(t, ValidateStart(cluster.StartRequest{KDown: -1, KUp: 3, Epsilon: 1, DatasetDir: "d"}), cluster.ErrProtocol)
	assert.ErrorIs(t, ValidateStart(cluster.StartRequest{KDown: 1, KUp: 3, Epsilon: -1, DatasetDir: "d"}), cluster.ErrProtocol)
	assert.ErrorIs(t, ValidateStart(cluster.StartRequest{KDown: 1, KUp: 3, Epsilon: 1}), cluster.ErrProtocol)
}
