package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RequestCounter tracks HTTP requests served by the address API.
	RequestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "addrcache_http_requests_total",
		Help: "Total number of address API requests",
	}, []string{"op", "code"})
	// ResolveFailures tracks addresses that could not be resolved.
	ResolveFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "addrcache_resolve_failures_total",
		Help: "Total number of failed address resolutions",
	})
	// WatcherGauge reports the number of active event stream watchers.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "addrcache_event_watchers",
		Help: "Current number of active event stream watchers",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the API metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(RequestCounter, ResolveFailures, WatcherGauge)
}
