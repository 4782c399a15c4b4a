package constants

import "time"

// Queue configuration defaults
const (
	// DefaultQueueSize is the number of descriptors, avail slots and used slots per virtqueue
	DefaultQueueSize = 128

	// MaxQueueSize is the largest queue size whose 16-bit ring indices wrap consistently
	MaxQueueSize = 32768

	// VirtioAlignment is the platform alignment of the used ring within a queue region
	VirtioAlignment = 4096

	// ControlQueueID is the queue index carrying audio commands
	ControlQueueID = 0

	// DataQueueID is the queue index carrying sample buffers for stream 0
	DataQueueID = 1
)

// Audio session defaults
const (
	// MaxSGLItemsPerBuffer bounds the scatter-gather list built for one sample buffer
	MaxSGLItemsPerBuffer = 8

	// CommandSlots is the number of fixed command templates held by a session
	CommandSlots = 9
)

// Timing constants for the stop workaround and completion draining
const (
	// StopPollInterval is the pause between data-queue checks while waiting for in-flight buffers
	StopPollInterval = 10 * time.Millisecond

	// StopPollAttempts bounds the number of checks before the wait is declared broken
	StopPollAttempts = 100

	// ReapInterval is how often the completion runner looks at the used rings
	ReapInterval = 2 * time.Millisecond
)

// Memory constants
const (
	// PageSize is the page granularity of the memory arena and of scatter-gather translation
	PageSize = 4096

	// DefaultArenaPages sizes the default memory arena (4MB)
	DefaultArenaPages = 1024
)
