package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// IndexMetrics instruments offline index builds.
type IndexMetrics struct {
	registry *prometheus.Registry
	service  string

	buildTotal    *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
	buildChunks   prometheus.Gauge
	lastSuccess   prometheus.Gauge
}

func NewIndexMetrics(service string) *IndexMetrics {
	registry := prometheus.NewRegistry()

	buildTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "builds_total",
			Help:      "Total index builds by status.",
		},
		[]string{"service", "status"},
	)
	buildDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "build_duration_seconds",
			Help:      "Index build duration in seconds by status.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"service", "status"},
	)
	buildChunks := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "chunks",
			Help:      "Chunk count of the most recent successful build.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	lastSuccess := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the most recent successful build.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)

	registry.MustRegister(buildTotal, buildDuration, buildChunks, lastSuccess)

	return &IndexMetrics{
		registry:      registry,
		service:       service,
		buildTotal:    buildTotal,
		buildDuration: buildDuration,
		buildChunks:   buildChunks,
		lastSuccess:   lastSuccess,
	}
}

func (m *IndexMetrics) ObserveBuild(duration time.Duration, chunks int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	m.buildTotal.WithLabelValues(m.service, status).Inc()
	m.buildDuration.WithLabelValues(m.service, status).Observe(duration.Seconds())
	if err == nil {
		m.buildChunks.Set(float64(chunks))
		m.lastSuccess.SetToCurrentTime()
	}
}

// WriteTextfile dumps the registry in the node_exporter textfile format.
func (m *IndexMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
