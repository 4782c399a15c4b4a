package vaudio

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports a device's Metrics to a prometheus registry.
// Values are read from a fresh snapshot on every scrape.
type PrometheusCollector struct {
	metrics *Metrics

	commands      *prometheus.Desc
	commandErrors *prometheus.Desc
	notifications *prometheus.Desc
	buffers       *prometheus.Desc
	bytes         *prometheus.Desc
	rejected      *prometheus.Desc
	inFlight      *prometheus.Desc
	maxInFlight   *prometheus.Desc
	latency       *prometheus.Desc
	segments      *prometheus.Desc
	uptime        *prometheus.Desc
}

// NewPrometheusCollector creates a collector over m. labels are attached to
// every exported series.
func NewPrometheusCollector(m *Metrics, namespace string, labels prometheus.Labels) *PrometheusCollector {
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "audio", name), help, variable, labels)
	}
	return &PrometheusCollector{
		metrics:       m,
		commands:      desc("commands_total", "Control commands submitted to the device"),
		commandErrors: desc("command_errors_total", "Control commands rejected before reaching the device"),
		notifications: desc("notifications_total", "Queue notifications issued to the device"),
		buffers:       desc("buffers_total", "Sample buffers by outcome", "outcome"),
		bytes:         desc("bytes_total", "Sample bytes by outcome", "outcome"),
		rejected:      desc("rejected_total", "Sample buffers rejected at submission", "reason"),
		inFlight:      desc("in_flight", "Sample buffers submitted and not yet drained"),
		maxInFlight:   desc("in_flight_max", "Maximum observed in-flight sample buffers"),
		latency:       desc("completion_latency_seconds", "Submit to drain latency of sample buffers"),
		segments:      desc("buffer_segments", "Scatter-gather segments per sample buffer"),
		uptime:        desc("uptime_seconds", "Time since the device was opened"),
	}
}

// Describe implements prometheus.Collector
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.commands
	ch <- c.commandErrors
	ch <- c.notifications
	ch <- c.buffers
	ch <- c.bytes
	ch <- c.rejected
	ch <- c.inFlight
	ch <- c.maxInFlight
	ch <- c.latency
	ch <- c.segments
	ch <- c.uptime
}

// Collect implements prometheus.Collector
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.commands, snap.Commands)
	counter(c.commandErrors, snap.CommandErrors)
	counter(c.notifications, snap.Notifications)
	counter(c.buffers, snap.BuffersSubmitted, "submitted")
	counter(c.buffers, snap.BuffersCompleted, "completed")
	counter(c.bytes, snap.BytesSubmitted, "submitted")
	counter(c.bytes, snap.BytesCompleted, "completed")
	counter(c.rejected, snap.NotReady, "not_ready")
	counter(c.rejected, snap.SGLOverflows, "too_fragmented")
	counter(c.rejected, snap.SubmitErrors, "other")
	gauge(c.inFlight, float64(snap.InFlight))
	gauge(c.maxInFlight, float64(snap.MaxInFlight))
	gauge(c.uptime, float64(snap.UptimeNs)/1e9)

	latency := make(map[float64]uint64, numLatencyBuckets)
	for i, bound := range LatencyBuckets {
		latency[float64(bound)/1e9] = snap.LatencyHistogram[i]
	}
	ch <- prometheus.MustNewConstHistogram(c.latency,
		c.metrics.LatencyCount.Load(),
		float64(c.metrics.TotalLatencyNs.Load())/1e9,
		latency)

	segments := make(map[float64]uint64, numSegmentBuckets)
	for i, bound := range SegmentBuckets {
		segments[float64(bound)] = snap.SegmentHistogram[i]
	}
	ch <- prometheus.MustNewConstHistogram(c.segments,
		snap.BuffersSubmitted,
		float64(c.metrics.SegmentTotal.Load()),
		segments)
}

var _ prometheus.Collector = (*PrometheusCollector)(nil)
