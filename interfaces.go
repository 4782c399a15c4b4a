package vaudio

import (
	"github.com/ehrlich-b/go-vaudio/internal/interfaces"
	"github.com/ehrlich-b/go-vaudio/internal/logging"
	"github.com/ehrlich-b/go-vaudio/internal/virtq"
)

// Memory is the platform memory capability: contiguous allocation, mapping
// of an existing base, and linear to device address translation.
type Memory = interfaces.Memory

// Transport is the device register interface of a virtio audio function
type Transport = interfaces.Transport

// Region is a span of device-addressable memory
type Region = interfaces.Region

// Token identifies a submitted sample buffer. It comes back unchanged with
// the buffer's completion.
type Token = virtq.Token

// Logger is the structured logger used by the device
type Logger = logging.Logger

// LogConfig configures a Logger
type LogConfig = logging.Config

// NewLogger creates a zerolog backed logger
func NewLogger(cfg *LogConfig) *Logger {
	return logging.NewLogger(cfg)
}
