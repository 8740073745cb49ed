package cache

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-addrcache/v1/watchbus"
)

// Option configures an ExpiringCache.
type Option[T any] func(*ExpiringCache[T])

// defaultSweepInterval is the period between two expiry sweeps.
const defaultSweepInterval = time.Second

// WithMaxAge sets the maximum age of an entry. A zero or negative duration
// disables expiry and the background sweeper.
func WithMaxAge[T any](d time.Duration) Option[T] {
	return func(c *ExpiringCache[T]) {
		c.maxAge = d
	}
}

// WithSweepInterval sets the interval at which expired entries are removed.
// Non-positive values keep the default of one second.
func WithSweepInterval[T any](d time.Duration) Option[T] {
	return func(c *ExpiringCache[T]) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithClock replaces the time source used to stamp and expire entries.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *ExpiringCache[T]) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger used for sweeper and event publishing failures.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(c *ExpiringCache[T]) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithWatchBus publishes entry lifecycle events on watchbus.Topic.
func WithWatchBus[T any](bus watchbus.WatchBus) Option[T] {
	return func(c *ExpiringCache[T]) {
		c.bus = bus
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics[T any](reg prometheus.Registerer) Option[T] {
	return func(c *ExpiringCache[T]) {
		c.insertCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addrcache_inserts_total",
			Help: "Total number of inserts that created an entry",
		})
		c.duplicateCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addrcache_duplicate_inserts_total",
			Help: "Total number of inserts of an already present key",
		})
		c.removeCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addrcache_removals_total",
			Help: "Total number of explicit removals",
		})
		c.takeCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addrcache_takes_total",
			Help: "Total number of entries consumed by take",
		})
		c.expireCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addrcache_expirations_total",
			Help: "Total number of entries removed by the sweeper",
		})
		c.sizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "addrcache_entries",
			Help: "Current number of live entries",
		})
		c.waiterGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "addrcache_take_waiters",
			Help: "Current number of blocked take calls",
		})
		c.latencyHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "addrcache_op_latency_seconds",
			Help:    "Latency of cache operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"})
		reg.MustRegister(
			c.insertCounter, c.duplicateCounter, c.removeCounter, c.takeCounter,
			c.expireCounter, c.sizeGauge, c.waiterGauge, c.latencyHist,
		)
	}
}

// WithTracing enables OpenTelemetry tracing for cache operations.
func WithTracing[T any]() Option[T] {
	return func(c *ExpiringCache[T]) {
		c.traceEnabled = true
	}
}
