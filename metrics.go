package vaudio

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the completion latency histogram buckets in nanoseconds.
// Buckets cover from 100us to 10s; an audio period is 10ms.
var LatencyBuckets = []uint64{
	100_000,        // 100us
	1_000_000,      // 1ms
	5_000_000,      // 5ms
	10_000_000,     // 10ms
	20_000_000,     // 20ms
	50_000_000,     // 50ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 9

// SegmentBuckets defines the scatter-gather segments per buffer histogram buckets
var SegmentBuckets = []uint64{1, 2, 4, 8, 16, 32}

const numSegmentBuckets = 6

// Metrics tracks operational statistics for an audio device
type Metrics struct {
	// Control queue
	Commands      atomic.Uint64 // Commands submitted
	CommandErrors atomic.Uint64 // Commands rejected before reaching the device
	ControlReaped atomic.Uint64 // Control completions drained
	StreamStarts  atomic.Uint64 // Start and Resume commands
	StreamStops   atomic.Uint64 // Stop and Pause commands
	Notifications atomic.Uint64 // Device notifications issued on any queue

	// Data queue
	BuffersSubmitted atomic.Uint64 // Sample buffers accepted by the data queue
	BuffersCompleted atomic.Uint64 // Sample buffers returned by the device
	BytesSubmitted   atomic.Uint64 // Bytes in accepted sample buffers
	BytesCompleted   atomic.Uint64 // Bytes reported by the device on completion

	// Rejections
	NotReady     atomic.Uint64 // Submissions rejected for lack of descriptors
	SGLOverflows atomic.Uint64 // Submissions rejected as too fragmented
	SubmitErrors atomic.Uint64 // Other submission failures

	// In-flight depth
	InFlight    atomic.Int64  // Buffers submitted and not yet drained
	MaxInFlight atomic.Uint32 // Maximum observed in-flight depth

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative submit-to-drain latency in nanoseconds
	LatencyCount   atomic.Uint64 // Completions with a measured latency

	// Histograms (cumulative counts)
	// Each bucket[i] contains the count of samples <= the bucket bound
	LatencyBuckets [numLatencyBuckets]atomic.Uint64
	SegmentBuckets [numSegmentBuckets]atomic.Uint64
	SegmentTotal   atomic.Uint64

	// Device lifecycle
	StartTime atomic.Int64 // Device open timestamp (UnixNano)
	StopTime  atomic.Int64 // Device close timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCommand records a control command submission
func (m *Metrics) RecordCommand(cmd string, success bool) {
	if !success {
		m.CommandErrors.Add(1)
		return
	}
	m.Commands.Add(1)
	switch cmd {
	case "START", "RESUME":
		m.StreamStarts.Add(1)
	case "STOP", "PAUSE":
		m.StreamStops.Add(1)
	}
}

// RecordControlReaped records drained control completions
func (m *Metrics) RecordControlReaped(n int) {
	if n > 0 {
		m.ControlReaped.Add(uint64(n))
	}
}

// RecordSubmit records an accepted sample buffer
func (m *Metrics) RecordSubmit(bytes uint64, segments int) {
	m.BuffersSubmitted.Add(1)
	m.BytesSubmitted.Add(bytes)
	m.SegmentTotal.Add(uint64(segments))
	for i, bucket := range SegmentBuckets {
		if uint64(segments) <= bucket {
			m.SegmentBuckets[i].Add(1)
		}
	}
	m.recordInFlight(m.InFlight.Add(1))
}

// RecordSubmitError records a rejected sample buffer
func (m *Metrics) RecordSubmitError(code ErrorCode) {
	switch code {
	case ErrCodeNotReady:
		m.NotReady.Add(1)
	case ErrCodeBufferTooFragmented:
		m.SGLOverflows.Add(1)
	default:
		m.SubmitErrors.Add(1)
	}
}

// RecordCompletion records a sample buffer returned by the device
func (m *Metrics) RecordCompletion(bytes uint64, latencyNs uint64) {
	m.BuffersCompleted.Add(1)
	m.BytesCompleted.Add(bytes)
	if m.InFlight.Add(-1) < 0 {
		m.InFlight.Store(0)
	}
	m.recordLatency(latencyNs)
}

// RecordNotification records a device notification
func (m *Metrics) RecordNotification() {
	m.Notifications.Add(1)
}

func (m *Metrics) recordInFlight(n int64) {
	if n < 0 {
		return
	}
	depth := uint32(n)

	// Update max depth atomically
	for {
		current := m.MaxInFlight.Load()
		if depth <= current {
			break
		}
		if m.MaxInFlight.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records completion latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.LatencyCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as closed
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived statistics
type MetricsSnapshot struct {
	// Control queue
	Commands      uint64
	CommandErrors uint64
	ControlReaped uint64
	StreamStarts  uint64
	StreamStops   uint64
	Notifications uint64

	// Data queue
	BuffersSubmitted uint64
	BuffersCompleted uint64
	BytesSubmitted   uint64
	BytesCompleted   uint64

	// Rejections
	NotReady     uint64
	SGLOverflows uint64
	SubmitErrors uint64

	// In-flight depth
	InFlight    uint64
	MaxInFlight uint32

	// Performance
	AvgLatencyNs  uint64
	AvgSegments   float64
	UptimeNs      uint64
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64
	SegmentHistogram [numSegmentBuckets]uint64

	// Computed statistics
	BuffersPerSecond float64
	Bandwidth        float64 // Completed bytes per second
	RejectRate       float64 // Percentage of submissions rejected
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Commands:         m.Commands.Load(),
		CommandErrors:    m.CommandErrors.Load(),
		ControlReaped:    m.ControlReaped.Load(),
		StreamStarts:     m.StreamStarts.Load(),
		StreamStops:      m.StreamStops.Load(),
		Notifications:    m.Notifications.Load(),
		BuffersSubmitted: m.BuffersSubmitted.Load(),
		BuffersCompleted: m.BuffersCompleted.Load(),
		BytesSubmitted:   m.BytesSubmitted.Load(),
		BytesCompleted:   m.BytesCompleted.Load(),
		NotReady:         m.NotReady.Load(),
		SGLOverflows:     m.SGLOverflows.Load(),
		SubmitErrors:     m.SubmitErrors.Load(),
		MaxInFlight:      m.MaxInFlight.Load(),
	}
	if n := m.InFlight.Load(); n > 0 {
		snap.InFlight = uint64(n)
	}

	latencyCount := m.LatencyCount.Load()
	if latencyCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / latencyCount
	}
	if snap.BuffersSubmitted > 0 {
		snap.AvgSegments = float64(m.SegmentTotal.Load()) / float64(snap.BuffersSubmitted)
	}

	// Calculate uptime
	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.BuffersPerSecond = float64(snap.BuffersCompleted) / uptimeSeconds
		snap.Bandwidth = float64(snap.BytesCompleted) / uptimeSeconds
	}

	rejected := snap.NotReady + snap.SGLOverflows + snap.SubmitErrors
	if attempts := snap.BuffersSubmitted + rejected; attempts > 0 {
		snap.RejectRate = float64(rejected) / float64(attempts) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	for i := 0; i < numSegmentBuckets; i++ {
		snap.SegmentHistogram[i] = m.SegmentBuckets[i].Load()
	}

	if latencyCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.LatencyCount.Load()
	if total == 0 {
		return 0
	}

	targetCount := uint64(float64(total) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// Latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	*m = Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	// ObserveCommand is called for each control command submission
	ObserveCommand(cmd string, success bool)

	// ObserveControlReaped is called with the number of control completions drained
	ObserveControlReaped(n int)

	// ObserveSubmit is called for each accepted sample buffer
	ObserveSubmit(bytes uint64, segments int)

	// ObserveSubmitError is called for each rejected sample buffer
	ObserveSubmitError(code ErrorCode)

	// ObserveCompletion is called for each sample buffer returned by the device
	ObserveCompletion(bytes uint64, latencyNs uint64)

	// ObserveNotification is called each time a queue notifies the device
	ObserveNotification(queueID int)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveCommand(string, bool)      {}
func (NoOpObserver) ObserveControlReaped(int)         {}
func (NoOpObserver) ObserveSubmit(uint64, int)        {}
func (NoOpObserver) ObserveSubmitError(ErrorCode)     {}
func (NoOpObserver) ObserveCompletion(uint64, uint64) {}
func (NoOpObserver) ObserveNotification(int)          {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCommand(cmd string, success bool) {
	o.metrics.RecordCommand(cmd, success)
}

func (o *MetricsObserver) ObserveControlReaped(n int) {
	o.metrics.RecordControlReaped(n)
}

func (o *MetricsObserver) ObserveSubmit(bytes uint64, segments int) {
	o.metrics.RecordSubmit(bytes, segments)
}

func (o *MetricsObserver) ObserveSubmitError(code ErrorCode) {
	o.metrics.RecordSubmitError(code)
}

func (o *MetricsObserver) ObserveCompletion(bytes uint64, latencyNs uint64) {
	o.metrics.RecordCompletion(bytes, latencyNs)
}

func (o *MetricsObserver) ObserveNotification(int) {
	o.metrics.RecordNotification()
}

// multiObserver fans out to the device metrics and a caller supplied observer
type multiObserver []Observer

func (m multiObserver) ObserveCommand(cmd string, success bool) {
	for _, o := range m {
		o.ObserveCommand(cmd, success)
	}
}

func (m multiObserver) ObserveControlReaped(n int) {
	for _, o := range m {
		o.ObserveControlReaped(n)
	}
}

func (m multiObserver) ObserveSubmit(bytes uint64, segments int) {
	for _, o := range m {
		o.ObserveSubmit(bytes, segments)
	}
}

func (m multiObserver) ObserveSubmitError(code ErrorCode) {
	for _, o := range m {
		o.ObserveSubmitError(code)
	}
}

func (m multiObserver) ObserveCompletion(bytes uint64, latencyNs uint64) {
	for _, o := range m {
		o.ObserveCompletion(bytes, latencyNs)
	}
}

func (m multiObserver) ObserveNotification(queueID int) {
	for _, o := range m {
		o.ObserveNotification(queueID)
	}
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
var _ Observer = multiObserver(nil)
