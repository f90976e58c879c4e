// Package metrics exposes run counters in the Prometheus text format. There is no listener;
// the registry is written to a textfile for node_exporter's textfile collector.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/optimarr/internal/observability"
	"github.com/jmylchreest/optimarr/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "optimarr"

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry
	textfile string
	logger   *slog.Logger

	FilesTotal        *prometheus.CounterVec
	BytesSavedTotal   prometheus.Counter
	EncodeDuration    prometheus.Histogram
	QueuePending      prometheus.Gauge
	LastScanTimestamp prometheus.Gauge
	LastScanFound     prometheus.Gauge
	RunStartTimestamp prometheus.Gauge
}

// New creates the collectors on a private registry. An empty textfile disables writing.
func New(textfile string, logger *slog.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		textfile: textfile,
		logger:   observability.WithComponent(logger, "metrics"),

		FilesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_total",
				Help:      "Files that reached a terminal state, by result kind",
			},
			[]string{"kind"},
		),
		BytesSavedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_saved_total",
			Help:      "Bytes saved by kept encodes",
		}),
		EncodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "encode_duration_seconds",
			Help:      "Wall time of each encode",
			Buckets:   []float64{10, 30, 60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}),
		QueuePending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Files queued and not yet processed",
		}),
		LastScanTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_scan_timestamp_seconds",
			Help:      "Unix time of the last scan of the watched root",
		}),
		LastScanFound: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_scan_new_files",
			Help:      "New files queued by the last scan",
		}),
		RunStartTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_start_timestamp_seconds",
			Help:      "Unix time the current run started",
		}),
	}

	for _, k := range pipeline.AllKinds {
		m.FilesTotal.WithLabelValues(k.String())
	}
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe implements pipeline.Observer.
func (m *Metrics) Observe(_ context.Context, run *pipeline.RunContext, res pipeline.Result) {
	m.FilesTotal.WithLabelValues(res.Kind.String()).Inc()
	if saved := res.Saved(); saved > 0 {
		m.BytesSavedTotal.Add(float64(saved))
	}
	if res.Elapsed > 0 {
		m.EncodeDuration.Observe(res.Elapsed.Seconds())
	}
	m.QueuePending.Set(float64(run.Pending()))
	m.RunStartTimestamp.Set(float64(run.Started.Unix()))
	m.flush()
}

// ObserveScan implements pipeline.ScanObserver.
func (m *Metrics) ObserveScan(run *pipeline.RunContext, found int, at time.Time) {
	m.LastScanTimestamp.Set(float64(at.Unix()))
	m.LastScanFound.Set(float64(found))
	m.QueuePending.Set(float64(run.Pending()))
	m.RunStartTimestamp.Set(float64(run.Started.Unix()))
	m.flush()
}

// WriteTextfile writes the registry to the configured textfile.
func (m *Metrics) WriteTextfile() error {
	if m.textfile == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(m.textfile, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

func (m *Metrics) flush() {
	if err := m.WriteTextfile(); err != nil {
		m.logger.Warn("metrics not written", slog.String("error", err.Error()))
	}
}
