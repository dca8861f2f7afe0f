// internal/metrics/metrics.go
// Prometheus collectors for scan runs, served from a private registry

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aspnmy/netrecon/internal/models"
	"github.com/aspnmy/netrecon/internal/scanner"
	"github.com/aspnmy/netrecon/pkg/logger"
	"github.com/aspnmy/netrecon/pkg/ratelimit"
)

const (
	namespace = "netrecon"

	subsystemScan      = "scan"
	subsystemDiscovery = "discovery"
	subsystemPacing    = "pacing"
)

// Collector holds every metric of a process. A nil *Collector records nothing,
// so callers never need to check whether metrics are enabled.
type Collector struct {
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	hosts           *prometheus.CounterVec
	openPorts       prometheus.Counter
	hostsDiscovered prometheus.Counter
	sweeps          prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Collector with its own registry
func New() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystemScan,
				Name:      "attempts_total",
				Help:      "Connection attempts by outcome",
			},
			[]string{"result"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystemScan,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of single connection attempts",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"result"},
		),
		hosts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystemScan,
				Name:      "hosts_total",
				Help:      "Hosts scanned by whether any port was open",
			},
			[]string{"host_status"},
		),
		openPorts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "open_ports_total",
			Help:      "Open ports found across all hosts",
		}),
		hostsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "hosts_live_total",
			Help:      "Hosts found live by discovery sweeps",
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "sweeps_total",
			Help:      "Discovery sweeps completed",
		}),
	}

	registry.MustRegister(
		c.attempts,
		c.attemptDuration,
		c.hosts,
		c.openPorts,
		c.hostsDiscovered,
		c.sweeps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the registry the collectors live in
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// AttemptFinished records one connect attempt
func (c *Collector) AttemptFinished(open bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	result := "failed"
	if open {
		result = "open"
	}
	c.attempts.WithLabelValues(result).Inc()
	c.attemptDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

// HostFinished records one scanned host
func (c *Collector) HostFinished(result *models.ScanResult) {
	if c == nil || result == nil {
		return
	}
	status := "closed"
	if result.HasOpen() {
		status = "open"
	}
	c.hosts.WithLabelValues(status).Inc()
	c.openPorts.Add(float64(len(result.Open)))
}

// SweepFinished records one discovery sweep
func (c *Collector) SweepFinished(result *models.DiscoveryResult) {
	if c == nil || result == nil {
		return
	}
	c.sweeps.Inc()
	c.hostsDiscovered.Add(float64(len(result.Live)))
}

// WatchBudget exposes the in-flight, peak and total permit counts of a connection budget.
// name becomes the "budget" label, so each budget must be watched once.
func (c *Collector) WatchBudget(name string, b *scanner.Budget) {
	if c == nil || b == nil {
		return
	}
	labels := prometheus.Labels{"budget": name}
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystemPacing,
			Name:        "in_flight",
			Help:        "Connection permits currently held",
			ConstLabels: labels,
		}, func() float64 { return float64(b.InFlight()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystemPacing,
			Name:        "in_flight_peak",
			Help:        "Highest number of connection permits held at once",
			ConstLabels: labels,
		}, func() float64 { return float64(b.Peak()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystemPacing,
			Name:        "capacity",
			Help:        "Size of the connection budget",
			ConstLabels: labels,
		}, func() float64 { return float64(b.Size()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystemPacing,
			Name:        "acquired_total",
			Help:        "Connection permits handed out since start",
			ConstLabels: labels,
		}, func() float64 { return float64(b.Acquired()) }),
	)
}

// WatchLimiter exposes token bucket wait statistics. A nil limiter is skipped.
func (c *Collector) WatchLimiter(l *ratelimit.Limiter) {
	if c == nil || l == nil {
		return
	}
	c.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPacing,
			Name:      "permits_total",
			Help:      "Rate limiter permits granted",
		}, func() float64 { return float64(l.GetStats().TotalRequests) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPacing,
			Name:      "permits_delayed_total",
			Help:      "Permits that had to wait for a token",
		}, func() float64 { return float64(l.GetStats().DelayedRequests) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPacing,
			Name:      "wait_seconds_total",
			Help:      "Time spent waiting for rate limiter tokens",
		}, func() float64 { return l.GetStats().TotalWait.Seconds() }),
	)
}

// Handler returns the scrape handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

var _ scanner.Observer = (*Collector)(nil)
