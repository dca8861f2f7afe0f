package metrics

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aspnmy/netrecon/internal/models"
	"github.com/aspnmy/netrecon/internal/scanner"
	"github.com/aspnmy/netrecon/pkg/ratelimit"
)

func TestCollector_Attempts(t *testing.T) {
	c := New()

	c.AttemptFinished(true, 5*time.Millisecond)
	c.AttemptFinished(false, 50*time.Millisecond)
	c.AttemptFinished(false, 70*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("open")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.attempts.WithLabelValues("failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.attemptDuration))
}

func TestCollector_Hosts(t *testing.T) {
	c := New()

	c.HostFinished(&models.ScanResult{Target: "a", Open: []uint16{22, 80}})
	c.HostFinished(&models.ScanResult{Target: "b"})
	c.HostFinished(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.hosts.WithLabelValues("open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.hosts.WithLabelValues("closed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.openPorts))
}

func TestCollector_Sweeps(t *testing.T) {
	c := New()
	c.SweepFinished(&models.DiscoveryResult{
		Live: []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")},
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sweeps))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.hostsDiscovered))
}

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.AttemptFinished(true, time.Millisecond)
		c.HostFinished(&models.ScanResult{})
		c.SweepFinished(&models.DiscoveryResult{})
		c.WatchBudget("global", scanner.NewBudget(4))
		c.WatchLimiter(ratelimit.New(ratelimit.Config{Rate: 10}))
	})
	assert.Nil(t, c.Registry())

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCollector_HandlerExposesPacing(t *testing.T) {
	c := New()

	budget := scanner.NewBudget(8)
	require.NoError(t, budget.Acquire(context.Background()))
	require.NoError(t, budget.Acquire(context.Background()))
	budget.Release()

	limiter := ratelimit.New(ratelimit.Config{Rate: 1000})
	require.NoError(t, limiter.Wait(context.Background()))

	c.WatchBudget("global", budget)
	c.WatchLimiter(limiter)
	c.WatchLimiter(nil)
	c.AttemptFinished(true, time.Millisecond)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Contains(t, body, `netrecon_pacing_in_flight{budget="global"} 1`)
	assert.Contains(t, body, `netrecon_pacing_in_flight_peak{budget="global"} 2`)
	assert.Contains(t, body, `netrecon_pacing_capacity{budget="global"} 8`)
	assert.Contains(t, body, `netrecon_pacing_acquired_total{budget="global"} 2`)
	assert.Contains(t, body, "netrecon_pacing_permits_total 1")
	assert.Contains(t, body, `netrecon_scan_attempts_total{result="open"} 1`)
	assert.True(t, strings.Contains(body, "go_goroutines"), "runtime collectors registered")
}

func TestCollector_Serve(t *testing.T) {
	c := New()

	// grab a free port, then hand it to Serve
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Serve(ctx, addr) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + addr + "/metrics") //nolint:noctx // test
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
