package ctrl

import (
	"time"

	"github.com/ehrlich-b/go-vaudio/internal/constants"
	"github.com/ehrlich-b/go-vaudio/internal/uapi"
)

// CommandID selects one of the fixed command templates
type CommandID int

const (
	CmdSetEndian CommandID = iota
	CmdSetChannels
	CmdSetFormat
	CmdSetFrequency
	CmdInit
	CmdStart
	CmdStop
	CmdPause
	CmdResume

	numCommands
)

var commandNames = [numCommands]string{
	CmdSetEndian:    "SET_ENDIAN",
	CmdSetChannels:  "SET_CHANNELS",
	CmdSetFormat:    "SET_FORMAT",
	CmdSetFrequency: "SET_FREQ",
	CmdInit:         "INIT",
	CmdStart:        "START",
	CmdStop:         "STOP",
	CmdPause:        "PAUSE",
	CmdResume:       "RESUME",
}

func (c CommandID) String() string {
	if c.Valid() {
		return commandNames[c]
	}
	return "UNKNOWN"
}

// Valid reports whether c names a template
func (c CommandID) Valid() bool {
	return c >= 0 && c < numCommands
}

// wire returns the protocol code and fixed argument of a template. Setup
// commands get their argument patched per Setup call.
func (c CommandID) wire() (code, arg uint32) {
	switch c {
	case CmdSetEndian:
		return uapi.VIRTIO_AUDIO_CMD_SET_ENDIAN, 0
	case CmdSetChannels:
		return uapi.VIRTIO_AUDIO_CMD_SET_CHANNELS, 0
	case CmdSetFormat:
		return uapi.VIRTIO_AUDIO_CMD_SET_FORMAT, 0
	case CmdSetFrequency:
		return uapi.VIRTIO_AUDIO_CMD_SET_FREQ, 0
	case CmdInit:
		return uapi.VIRTIO_AUDIO_CMD_INIT, 0
	case CmdStart, CmdResume:
		return uapi.VIRTIO_AUDIO_CMD_RUN, uapi.VIRTIO_AUDIO_RUN_START
	default: // CmdStop, CmdPause
		return uapi.VIRTIO_AUDIO_CMD_RUN, uapi.VIRTIO_AUDIO_RUN_STOP
	}
}

// RetryPolicy bounds a polling wait
type RetryPolicy struct {
	Interval time.Duration
	Attempts int
}

// DefaultRetryPolicy polls every 10ms for one second
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Interval: constants.StopPollInterval,
		Attempts: constants.StopPollAttempts,
	}
}
