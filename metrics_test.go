package vaudio

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	// Test initial state
	snap := m.Snapshot()
	if snap.BuffersSubmitted != 0 {
		t.Errorf("Expected 0 initial buffers, got %d", snap.BuffersSubmitted)
	}

	// Record some operations
	m.RecordSubmit(1920, 1)
	m.RecordSubmit(1920, 2)
	m.RecordSubmitError(ErrCodeNotReady)
	m.RecordCompletion(1920, 1_000_000)

	snap = m.Snapshot()

	if snap.BuffersSubmitted != 2 {
		t.Errorf("Expected 2 submitted buffers, got %d", snap.BuffersSubmitted)
	}
	if snap.BuffersCompleted != 1 {
		t.Errorf("Expected 1 completed buffer, got %d", snap.BuffersCompleted)
	}
	if snap.BytesSubmitted != 3840 {
		t.Errorf("Expected 3840 submitted bytes, got %d", snap.BytesSubmitted)
	}
	if snap.BytesCompleted != 1920 {
		t.Errorf("Expected 1920 completed bytes, got %d", snap.BytesCompleted)
	}
	if snap.NotReady != 1 {
		t.Errorf("Expected 1 not-ready rejection, got %d", snap.NotReady)
	}
	if snap.InFlight != 1 {
		t.Errorf("Expected 1 buffer in flight, got %d", snap.InFlight)
	}

	// 1 rejection out of 3 attempts
	expectedRejectRate := float64(1) / float64(3) * 100.0
	if snap.RejectRate < expectedRejectRate-0.1 || snap.RejectRate > expectedRejectRate+0.1 {
		t.Errorf("Expected reject rate ~%.1f%%, got %.1f%%", expectedRejectRate, snap.RejectRate)
	}
}

func TestMetricsRejections(t *testing.T) {
	m := NewMetrics()

	m.RecordSubmitError(ErrCodeNotReady)
	m.RecordSubmitError(ErrCodeBufferTooFragmented)
	m.RecordSubmitError(ErrCodeBufferTooFragmented)
	m.RecordSubmitError(ErrCodeInvalidParameters)

	snap := m.Snapshot()
	if snap.NotReady != 1 || snap.SGLOverflows != 2 || snap.SubmitErrors != 1 {
		t.Errorf("Unexpected rejection counts: not_ready=%d sgl=%d other=%d",
			snap.NotReady, snap.SGLOverflows, snap.SubmitErrors)
	}
	if snap.RejectRate != 100.0 {
		t.Errorf("Expected reject rate 100%%, got %.1f%%", snap.RejectRate)
	}
}

func TestMetricsCommands(t *testing.T) {
	m := NewMetrics()

	for _, cmd := range []string{"SET_ENDIAN", "INIT", "START", "PAUSE", "RESUME", "STOP"} {
		m.RecordCommand(cmd, true)
	}
	m.RecordCommand("START", false)
	m.RecordControlReaped(4)
	m.RecordControlReaped(0)

	snap := m.Snapshot()
	if snap.Commands != 6 {
		t.Errorf("Expected 6 commands, got %d", snap.Commands)
	}
	if snap.CommandErrors != 1 {
		t.Errorf("Expected 1 command error, got %d", snap.CommandErrors)
	}
	if snap.StreamStarts != 2 || snap.StreamStops != 2 {
		t.Errorf("Expected 2 starts and 2 stops, got %d and %d", snap.StreamStarts, snap.StreamStops)
	}
	if snap.ControlReaped != 4 {
		t.Errorf("Expected 4 reaped completions, got %d", snap.ControlReaped)
	}
}

func TestMetricsInFlight(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 4; i++ {
		m.RecordSubmit(100, 1)
	}
	for i := 0; i < 3; i++ {
		m.RecordCompletion(100, 0)
	}
	m.RecordSubmit(100, 1)

	snap := m.Snapshot()
	if snap.MaxInFlight != 4 {
		t.Errorf("Expected max in-flight 4, got %d", snap.MaxInFlight)
	}
	if snap.InFlight != 2 {
		t.Errorf("Expected 2 in flight, got %d", snap.InFlight)
	}

	// More completions than submissions never go negative
	for i := 0; i < 5; i++ {
		m.RecordCompletion(100, 0)
	}
	if snap = m.Snapshot(); snap.InFlight != 0 {
		t.Errorf("Expected 0 in flight, got %d", snap.InFlight)
	}
}

func TestMetricsSegments(t *testing.T) {
	m := NewMetrics()

	m.RecordSubmit(4096, 1)
	m.RecordSubmit(8192, 2)
	m.RecordSubmit(16384, 3)

	snap := m.Snapshot()
	if snap.AvgSegments < 1.99 || snap.AvgSegments > 2.01 {
		t.Errorf("Expected avg segments 2.0, got %.2f", snap.AvgSegments)
	}

	// Buckets are cumulative: <=1, <=2, <=4, ...
	want := [numSegmentBuckets]uint64{1, 2, 3, 3, 3, 3}
	if snap.SegmentHistogram != want {
		t.Errorf("Expected segment histogram %v, got %v", want, snap.SegmentHistogram)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordCompletion(1920, 1_000_000) // 1ms
	m.RecordCompletion(1920, 2_000_000) // 2ms

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	// Sleep briefly to generate uptime
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()

	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	// Stop metrics and check stopped uptime
	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()

	// Uptime should not have increased significantly after stop
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordSubmit(1024, 1)
	m.RecordCompletion(1024, 1_000_000)
	m.RecordCommand("START", true)

	snap := m.Snapshot()
	if snap.BuffersSubmitted == 0 {
		t.Error("Expected some buffers before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.BuffersSubmitted != 0 || snap.BuffersCompleted != 0 {
		t.Errorf("Expected 0 buffers after reset, got %d/%d", snap.BuffersSubmitted, snap.BuffersCompleted)
	}
	if snap.Commands != 0 {
		t.Errorf("Expected 0 commands after reset, got %d", snap.Commands)
	}
	if snap.MaxInFlight != 0 {
		t.Errorf("Expected 0 max in-flight after reset, got %d", snap.MaxInFlight)
	}
	if snap.UptimeNs == 0 {
		t.Error("Expected uptime to restart after reset")
	}
}

func TestObserver(t *testing.T) {
	// Test NoOpObserver doesn't panic
	observer := &NoOpObserver{}
	observer.ObserveCommand("START", true)
	observer.ObserveControlReaped(1)
	observer.ObserveSubmit(1024, 1)
	observer.ObserveSubmitError(ErrCodeNotReady)
	observer.ObserveCompletion(1024, 1000000)
	observer.ObserveNotification(0)

	// Test MetricsObserver forwards to metrics
	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveSubmit(1024, 1)
	metricsObserver.ObserveCompletion(1024, 1000000)
	metricsObserver.ObserveNotification(1)
	metricsObserver.ObserveNotification(0)

	snap := m.Snapshot()
	if snap.BuffersSubmitted != 1 {
		t.Errorf("Expected 1 submitted buffer from observer, got %d", snap.BuffersSubmitted)
	}
	if snap.BytesCompleted != 1024 {
		t.Errorf("Expected 1024 completed bytes from observer, got %d", snap.BytesCompleted)
	}
	if snap.Notifications != 2 {
		t.Errorf("Expected 2 notifications from observer, got %d", snap.Notifications)
	}

	// multiObserver fans out to every member
	a, b := NewMetrics(), NewMetrics()
	multi := multiObserver{NewMetricsObserver(a), NewMetricsObserver(b)}
	multi.ObserveCommand("STOP", true)
	if a.Commands.Load() != 1 || b.Commands.Load() != 1 {
		t.Error("Expected both observers to see the command")
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	// Simulate a known time period
	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordSubmit(1920, 1)
	m.RecordSubmit(1920, 1)
	m.RecordCompletion(1920, 1000000)
	m.RecordCompletion(1920, 1000000)

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	if snap.BuffersPerSecond < 1.9 || snap.BuffersPerSecond > 2.1 {
		t.Errorf("Expected BuffersPerSecond ~2.0, got %.2f", snap.BuffersPerSecond)
	}
	if snap.Bandwidth < 3800 || snap.Bandwidth > 3880 {
		t.Errorf("Expected Bandwidth ~3840, got %.2f", snap.Bandwidth)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	// 50 at 500us, 49 at 5ms and 1 at 50ms
	for i := 0; i < 50; i++ {
		m.RecordCompletion(1920, 500_000)
	}
	for i := 0; i < 49; i++ {
		m.RecordCompletion(1920, 5_000_000)
	}
	m.RecordCompletion(1920, 50_000_000)

	snap := m.Snapshot()

	if snap.BuffersCompleted != 100 {
		t.Errorf("Expected 100 completions, got %d", snap.BuffersCompleted)
	}

	// 50 completions fall in the (100us, 1ms] bucket
	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	if snap.LatencyP99Ns < 1_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 1ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	if snap.LatencyHistogram[numLatencyBuckets-1] != 100 {
		t.Errorf("Expected the last cumulative bucket to hold all 100, got %d", snap.LatencyHistogram[numLatencyBuckets-1])
	}
	if snap.LatencyHistogram[0] != 0 {
		t.Errorf("Expected nothing at or below 100us, got %d", snap.LatencyHistogram[0])
	}
}
