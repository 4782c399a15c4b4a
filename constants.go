package vaudio

import (
	"github.com/ehrlich-b/go-vaudio/internal/constants"
	"github.com/ehrlich-b/go-vaudio/internal/uapi"
)

// Re-export constants for public API
const (
	DefaultQueueSize     = constants.DefaultQueueSize
	MaxQueueSize         = constants.MaxQueueSize
	ControlQueueID       = constants.ControlQueueID
	DataQueueID          = constants.DataQueueID
	MaxSGLItemsPerBuffer = constants.MaxSGLItemsPerBuffer
	StopPollInterval     = constants.StopPollInterval
	StopPollAttempts     = constants.StopPollAttempts
	ReapInterval         = constants.ReapInterval
)

// Stream parameter types shared with the wire format
type (
	Direction = uapi.Direction
	Format    = uapi.Format
	Endian    = uapi.Endian
)

const (
	DirectionPlayback = uapi.DirectionPlayback
	DirectionRecord   = uapi.DirectionRecord

	FormatU8    = uapi.FormatU8
	FormatS8    = uapi.FormatS8
	FormatU16   = uapi.FormatU16
	FormatS16   = uapi.FormatS16
	FormatU32   = uapi.FormatU32
	FormatS32   = uapi.FormatS32
	FormatPCM16 = uapi.FormatPCM16

	EndianLittle = uapi.EndianLittle
	EndianBig    = uapi.EndianBig
)
