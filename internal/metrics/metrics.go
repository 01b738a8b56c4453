// Package metrics holds the Prometheus metrics of a collector run. Function
// instances are short-lived, so metrics are pushed to a Pushgateway at the end
// of each run instead of being scraped.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "servicerequest"

// Metrics holds all collector metrics.
type Metrics struct {
	Runs              *prometheus.CounterVec
	PagesFetched      prometheus.Counter
	PageRetries       prometheus.Counter
	RecordsFetched    prometheus.Counter
	RecordsDropped    prometheus.Counter
	PartitionsWritten prometheus.Counter
	Checkpoint        prometheus.Gauge
	RunDuration       prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Collector runs by mode and outcome",
		}, []string{"mode", "outcome"}),
		PagesFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Pages retrieved from the open-data API",
		}),
		PageRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_retries_total",
			Help:      "Page requests retried after a busy response",
		}),
		RecordsFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Records retrieved from the open-data API",
		}),
		RecordsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Records excluded for a missing or invalid created_date",
		}),
		PartitionsWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_written_total",
			Help:      "Parquet partition files written",
		}),
		Checkpoint: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_timestamp_seconds",
			Help:      "Unix time of the last committed checkpoint",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of a collector run",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRun records the outcome of one run.
func (m *Metrics) ObserveRun(mode, outcome string, elapsed time.Duration) {
	m.Runs.WithLabelValues(mode, outcome).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
}

// Push sends every metric to the Pushgateway at url under job. An empty url
// disables pushing.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
