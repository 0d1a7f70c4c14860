// Package metrics defines the hub's Prometheus instruments. Everything is
// registered on a private registry so tests get isolated instances and the
// exposition handler serves exactly what the hub owns.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// scanDurationBuckets spans one minute to one day, the default max_duration.
var scanDurationBuckets = []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800, 43200, 86400}

// Metrics holds every instrument the hub emits.
type Metrics struct {
	registry *prometheus.Registry

	// ScansSubmitted counts submissions by scan type, labelled before any
	// lifecycle work starts.
	ScansSubmitted *prometheus.CounterVec
	// ScansCompleted counts scans that reached a terminal GVM status,
	// labelled with that status verbatim.
	ScansCompleted *prometheus.CounterVec
	// ScansFailed counts adapter and connection level failures, not scans
	// the scanner itself ended in Stopped or Interrupted.
	ScansFailed prometheus.Counter
	// ScansActive tracks lifecycles currently in flight.
	ScansActive prometheus.Gauge
	// ProbeScansActive tracks in-flight lifecycles per probe.
	ProbeScansActive *prometheus.GaugeVec
	// ProbeScansRouted counts routing decisions per probe.
	ProbeScansRouted *prometheus.CounterVec
	// ScanDuration observes start-to-terminal wall time in seconds.
	ScanDuration prometheus.Histogram
	// GVMConnectionErrors counts exhausted connect retries per probe.
	GVMConnectionErrors *prometheus.CounterVec
}

// New builds the instrument set on a fresh registry, including the standard
// Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ScansSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scanhub_scans_submitted_total",
			Help: "Total scans submitted.",
		}, []string{"scan_type"}),
		ScansCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scanhub_scans_completed_total",
			Help: "Total scans that reached a terminal state.",
		}, []string{"gvm_status"}),
		ScansFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "scanhub_scans_failed_total",
			Help: "Total scans that failed due to adapter or connection errors.",
		}),
		ScansActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scanhub_scans_active",
			Help: "Number of scans currently in progress.",
		}),
		ProbeScansActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scanhub_probe_scans_active",
			Help: "Number of scans currently in progress per probe.",
		}, []string{"probe"}),
		ProbeScansRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scanhub_probe_scans_routed_total",
			Help: "Total scans routed to each probe.",
		}, []string{"probe"}),
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanhub_scan_duration_seconds",
			Help:    "Scan duration from start to terminal state.",
			Buckets: scanDurationBuckets,
		}),
		GVMConnectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scanhub_gvm_connection_errors_total",
			Help: "Total GVM connection failures.",
		}, []string{"probe"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
