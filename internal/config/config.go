// Package config loads the YAML configuration of the vaudio tools
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-vaudio/internal/constants"
	"github.com/ehrlich-b/go-vaudio/internal/uapi"
)

// Config is the root of the configuration file
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Stream  StreamConfig  `yaml:"stream"`
	Memory  MemoryConfig  `yaml:"memory"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type DeviceConfig struct {
	QueueSize           int           `yaml:"queue_size"`
	SGLCapacity         int           `yaml:"sgl_capacity"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	PollAttempts        int           `yaml:"poll_attempts"`
	PreserveQueueMemory bool          `yaml:"preserve_queue_memory"`
	ReportedLenFallback bool          `yaml:"reported_len_fallback"`
	Doorbell            bool          `yaml:"doorbell"`
}

type StreamConfig struct {
	Direction string `yaml:"direction"`
	Channels  int    `yaml:"channels"`
	Format    string `yaml:"format"`
	Frequency int    `yaml:"frequency"`
	Endian    string `yaml:"endian"`
}

type MemoryConfig struct {
	Pages         int `yaml:"pages"`
	FragmentEvery int `yaml:"fragment_every"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			QueueSize:           constants.DefaultQueueSize,
			SGLCapacity:         constants.MaxSGLItemsPerBuffer,
			PollInterval:        constants.StopPollInterval,
			PollAttempts:        constants.StopPollAttempts,
			ReportedLenFallback: true,
		},
		Stream: StreamConfig{
			Direction: "playback",
			Channels:  2,
			Format:    "s16",
			Frequency: 44100,
			Endian:    "little",
		},
		Memory: MemoryConfig{
			Pages: constants.DefaultArenaPages,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	if _, err := uapi.NewLayout(c.Device.QueueSize); err != nil {
		return fmt.Errorf("device.queue_size: %w", err)
	}
	if c.Device.SGLCapacity <= 0 || c.Device.SGLCapacity > c.Device.QueueSize {
		return fmt.Errorf("device.sgl_capacity %d must be in [1, queue_size]", c.Device.SGLCapacity)
	}
	if c.Device.PollInterval <= 0 || c.Device.PollAttempts <= 0 {
		return fmt.Errorf("device.poll_interval and device.poll_attempts must be positive")
	}
	if _, err := c.Direction(); err != nil {
		return err
	}
	if _, err := c.Format(); err != nil {
		return err
	}
	if _, err := c.Endian(); err != nil {
		return err
	}
	if c.Stream.Channels <= 0 {
		return fmt.Errorf("stream.channels %d must be positive", c.Stream.Channels)
	}
	if c.Stream.Frequency <= 0 {
		return fmt.Errorf("stream.frequency %d must be positive", c.Stream.Frequency)
	}
	if c.Memory.Pages <= 0 || c.Memory.FragmentEvery < 0 {
		return fmt.Errorf("memory.pages must be positive and memory.fragment_every non-negative")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// Direction returns the parsed stream direction
func (c *Config) Direction() (uapi.Direction, error) {
	switch c.Stream.Direction {
	case "playback":
		return uapi.DirectionPlayback, nil
	case "record":
		return uapi.DirectionRecord, nil
	default:
		return 0, fmt.Errorf("stream.direction %q must be playback or record", c.Stream.Direction)
	}
}

// Format returns the parsed sample format
func (c *Config) Format() (uapi.Format, error) {
	f, ok := uapi.ParseFormat(c.Stream.Format)
	if !ok {
		return 0, fmt.Errorf("stream.format %q is not a supported sample format", c.Stream.Format)
	}
	return f, nil
}

// Endian returns the parsed sample byte order
func (c *Config) Endian() (uapi.Endian, error) {
	switch c.Stream.Endian {
	case "little", "":
		return uapi.EndianLittle, nil
	case "big":
		return uapi.EndianBig, nil
	default:
		return 0, fmt.Errorf("stream.endian %q must be little or big", c.Stream.Endian)
	}
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
