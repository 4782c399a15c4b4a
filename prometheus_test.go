package vaudio

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	m := NewMetrics()
	m.RecordCommand("START", true)
	m.RecordSubmit(1920, 1)
	m.RecordSubmit(1920, 3)
	m.RecordSubmitError(ErrCodeNotReady)
	m.RecordCompletion(1920, 2_000_000)
	m.RecordNotification()

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewPrometheusCollector(m, "vaudio", prometheus.Labels{"device": "test"})))

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]int)
	for i, f := range families {
		byName[f.GetName()] = i
	}

	get := func(name string) int {
		i, ok := byName[name]
		require.True(t, ok, "missing %s", name)
		return i
	}

	commands := families[get("vaudio_audio_commands_total")]
	assert.Equal(t, 1.0, commands.GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, "test", commands.GetMetric()[0].GetLabel()[0].GetValue())

	buffers := families[get("vaudio_audio_buffers_total")]
	values := make(map[string]float64)
	for _, metric := range buffers.GetMetric() {
		for _, l := range metric.GetLabel() {
			if l.GetName() == "outcome" {
				values[l.GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, map[string]float64{"submitted": 2, "completed": 1}, values)

	latency := families[get("vaudio_audio_completion_latency_seconds")].GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(1), latency.GetSampleCount())
	assert.InDelta(t, 0.002, latency.GetSampleSum(), 1e-9)

	segments := families[get("vaudio_audio_buffer_segments")].GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(2), segments.GetSampleCount())
	assert.Equal(t, 4.0, segments.GetSampleSum())

	inFlight := families[get("vaudio_audio_in_flight")]
	assert.Equal(t, 1.0, inFlight.GetMetric()[0].GetGauge().GetValue())

	get("vaudio_audio_rejected_total")
	get("vaudio_audio_notifications_total")
	get("vaudio_audio_uptime_seconds")
}
