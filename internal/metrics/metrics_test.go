package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRegistererStillCounts(t *testing.T) {
	m := NewWorker(nil)
	m.Submitted.Inc()
	m.Failed.WithLabelValues("engine").Add(2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Submitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Failed.WithLabelValues("engine")))
}

func TestCollectorsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewEngine(reg)
	NewMux(reg)
	NewCoordinator(reg).Workers.Set(3)
	NewWorker(reg)

	n, err := testutil.GatherAndCount(reg, "kmelbow_coordinator_workers")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCoordinator(reg).Dispatched.Add(9)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "kmelbow_coordinator_k_dispatched_total 9")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	log := logrus.New()
	log.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, prometheus.NewRegistry(), log) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
