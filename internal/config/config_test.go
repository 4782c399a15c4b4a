package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-vaudio/internal/uapi"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 128, cfg.Device.QueueSize)
	assert.Equal(t, 10*time.Millisecond, cfg.Device.PollInterval)
	assert.True(t, cfg.Device.ReportedLenFallback)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
device:
  queue_size: 64
  poll_interval: 5ms
  preserve_queue_memory: true
stream:
  direction: record
  channels: 1
  format: pcm16
  frequency: 48000
memory:
  fragment_every: 4
log:
  level: debug
  format: json
metrics:
  listen: 127.0.0.1:9100
`))
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Device.QueueSize)
	assert.Equal(t, 5*time.Millisecond, cfg.Device.PollInterval)
	assert.Equal(t, 100, cfg.Device.PollAttempts, "untouched keys keep defaults")
	assert.True(t, cfg.Device.PreserveQueueMemory)
	assert.Equal(t, 4, cfg.Memory.FragmentEvery)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Listen)

	dir, err := cfg.Direction()
	require.NoError(t, err)
	assert.Equal(t, uapi.DirectionRecord, dir)
	f, err := cfg.Format()
	require.NoError(t, err)
	assert.Equal(t, uapi.FormatS16, f)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "device:\n  queue_depth: 8\n"},
		{"queue size not power of two", "device:\n  queue_size: 100\n"},
		{"sgl larger than queue", "device:\n  queue_size: 4\n  sgl_capacity: 8\n"},
		{"bad direction", "stream:\n  direction: sideways\n"},
		{"bad format", "stream:\n  format: float\n"},
		{"bad endian", "stream:\n  endian: middle\n"},
		{"zero channels", "stream:\n  channels: 0\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"negative poll", "device:\n  poll_attempts: -1\n"},
		{"not yaml", "device: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Stream.Frequency = 22050
	data, err := cfg.Marshal()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "vaudio.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
