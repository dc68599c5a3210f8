package batch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"shapedesc/internal/models"
)

// MetricsFile is the Prometheus text file written next to the report.
const MetricsFile = "batch_metrics.prom"

// Metrics collects counters for one batch run on its own registry, so
// repeated runs in one process never share state.
type Metrics struct {
	registry *prometheus.Registry

	// scansTotal counts finished scans by terminal state
	scansTotal *prometheus.CounterVec

	// scanDuration tracks per-scan processing time in seconds
	scanDuration *prometheus.HistogramVec

	// surfaceTriangles tracks the size of the kept surface component
	surfaceTriangles prometheus.Histogram

	// workers is the size of the worker pool
	workers prometheus.Gauge
}

// NewMetrics creates and registers the batch metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shapedesc_scans_total",
				Help: "Scans that reached a terminal state, by state",
			},
			[]string{"state"},
		),
		scanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shapedesc_scan_duration_seconds",
				Help:    "Time spent processing one scan",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"state"},
		),
		surfaceTriangles: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shapedesc_surface_triangles",
				Help:    "Triangles in the largest surface component of completed scans",
				Buckets: prometheus.ExponentialBuckets(64, 4, 10),
			},
		),
		workers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "shapedesc_workers",
				Help: "Number of workers in the batch pool",
			},
		),
	}
	m.registry.MustRegister(m.scansTotal, m.scanDuration, m.surfaceTriangles, m.workers)

	// Terminal states always appear in the output, even at zero
	for _, s := range []models.ScanState{models.Completed, models.Skipped, models.Failed} {
		m.scansTotal.WithLabelValues(s.String())
	}
	return m
}

// Observe records a finished scan. It is safe for concurrent use.
func (m *Metrics) Observe(res models.ScanResult) {
	state := res.State.String()
	m.scansTotal.WithLabelValues(state).Inc()
	m.scanDuration.WithLabelValues(state).Observe(res.Duration.Seconds())
	if res.State == models.Completed {
		m.surfaceTriangles.Observe(float64(res.Triangles))
	}
}

// SetWorkers records the pool size.
func (m *Metrics) SetWorkers(n int) {
	m.workers.Set(float64(n))
}

// Registry exposes the run's registry, e.g. for tests or a push gateway.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile dumps the metrics in the Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("error writing metrics: %w", err)
	}
	return nil
}
