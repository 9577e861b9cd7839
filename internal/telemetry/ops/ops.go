// Package ops provides low-overhead self-instrumentation for the telemetry
// pipeline itself, exported in prometheus format on the scraper's
// /internal/metrics endpoint. It answers "is the pipeline healthy", not
// "what do the business metrics say" — the latter is the registry's job.
//
// All functions are safe to call from hot paths; a nil *Metrics is a no-op
// receiver so components can run without instrumentation in tests.
package ops

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's self-telemetry instruments on a dedicated
// prometheus registry, so parallel tests can construct isolated instances.
type Metrics struct {
	reg *prometheus.Registry

	SamplesConsumed  prometheus.Counter
	SamplesDropped   *prometheus.CounterVec
	BucketsFlushed   prometheus.Counter
	BucketsEvicted   prometheus.Counter
	FlushDuration    prometheus.Histogram
	BusDrops         *prometheus.CounterVec
	AlertsFired      prometheus.Counter
	AlertsSuppressed prometheus.Counter
	ReloadsSignalled prometheus.Counter
}

// New builds a Metrics instance with its own registry, including the
// standard process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		SamplesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "njord_pipeline_samples_consumed_total",
			Help: "Metric samples consumed from the bus",
		}),
		SamplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "njord_pipeline_samples_dropped_total",
			Help: "Metric samples dropped, by reason (protocol, late, unregistered)",
		}, []string{"reason"}),
		BucketsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "njord_pipeline_buckets_flushed_total",
			Help: "Aggregation buckets drained into the registry and journal",
		}),
		BucketsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "njord_pipeline_buckets_evicted_total",
			Help: "Aggregation buckets destroyed past retention without a flush",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "njord_pipeline_flush_duration_seconds",
			Help:    "Duration of one aggregator flush pass",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		BusDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "njord_pipeline_bus_drops_total",
			Help: "Messages dropped by the bus for slow subscribers, by topic",
		}, []string{"topic"}),
		AlertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "njord_pipeline_alerts_fired_total",
			Help: "Alerts published on telemetry.alerts",
		}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "njord_pipeline_alerts_suppressed_total",
			Help: "Alert emissions suppressed by the dedup window",
		}),
		ReloadsSignalled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "njord_pipeline_config_reloads_total",
			Help: "Config reload signals published on controller.reload",
		}),
	}
	reg.MustRegister(
		m.SamplesConsumed, m.SamplesDropped, m.BucketsFlushed, m.BucketsEvicted,
		m.FlushDuration, m.BusDrops, m.AlertsFired, m.AlertsSuppressed, m.ReloadsSignalled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the promhttp handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ConsumeSample records one sample pulled off the bus.
func (m *Metrics) ConsumeSample() {
	if m != nil {
		m.SamplesConsumed.Inc()
	}
}

// DropSample records one discarded sample with its reason.
func (m *Metrics) DropSample(reason string) {
	if m != nil {
		m.SamplesDropped.WithLabelValues(reason).Inc()
	}
}

// FlushObserved records a completed flush pass.
func (m *Metrics) FlushObserved(seconds float64, buckets int) {
	if m == nil {
		return
	}
	m.FlushDuration.Observe(seconds)
	m.BucketsFlushed.Add(float64(buckets))
}

// BucketEvicted records buckets destroyed without flushing.
func (m *Metrics) BucketEvicted(n int) {
	if m != nil && n > 0 {
		m.BucketsEvicted.Add(float64(n))
	}
}

// BusDrop records a bus-level drop for topic.
func (m *Metrics) BusDrop(topic string) {
	if m != nil {
		m.BusDrops.WithLabelValues(topic).Inc()
	}
}

// AlertFired records a published alert.
func (m *Metrics) AlertFired() {
	if m != nil {
		m.AlertsFired.Inc()
	}
}

// AlertSuppressed records a dedup-window suppression.
func (m *Metrics) AlertSuppressed() {
	if m != nil {
		m.AlertsSuppressed.Inc()
	}
}

// ReloadSignalled records a published reload signal.
func (m *Metrics) ReloadSignalled() {
	if m != nil {
		m.ReloadsSignalled.Inc()
	}
}
