// Package uapi provides the wire definitions shared with the virtio audio backend
package uapi

// Descriptor flags
const (
	VRING_DESC_F_NEXT  = 1 << 0 // chain continues via the next field
	VRING_DESC_F_WRITE = 1 << 1 // device writes into this buffer
)

// Ring flags
const (
	VRING_AVAIL_F_NO_INTERRUPT = 1 << 0
	VRING_USED_F_NO_NOTIFY     = 1 << 0
)

// Layout constants
const (
	VRING_DESC_SIZE      = 16
	VRING_AVAIL_ELEM     = 2
	VRING_USED_ELEM_SIZE = 8
	VRING_HEADER_SIZE    = 4 // flags u16 + idx u16
	VIRTIO_ALIGNMENT     = 4096
)

// Audio control commands
const (
	VIRTIO_AUDIO_CMD_SET_ENDIAN   = 1
	VIRTIO_AUDIO_CMD_SET_CHANNELS = 2
	VIRTIO_AUDIO_CMD_SET_FORMAT   = 3
	VIRTIO_AUDIO_CMD_SET_FREQ     = 4
	VIRTIO_AUDIO_CMD_INIT         = 5
	VIRTIO_AUDIO_CMD_RUN          = 6
)

// Arguments of VIRTIO_AUDIO_CMD_RUN
const (
	VIRTIO_AUDIO_RUN_STOP  = 0
	VIRTIO_AUDIO_RUN_START = 1
)

// CommandSize is the encoded size of a command; CommandStride is the padded
// power-of-two stride between command templates.
const (
	CommandSize   = 12
	CommandStride = 16
)

// BufferInfoSize is the encoded size of the Init parameter block
const BufferInfoSize = 16

// Direction selects playback or capture for a stream
type Direction uint32

const (
	DirectionPlayback Direction = 0
	DirectionRecord   Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionPlayback:
		return "playback"
	case DirectionRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Format is the PCM sample format
type Format uint32

const (
	FormatU8  Format = 0
	FormatS8  Format = 1
	FormatU16 Format = 2
	FormatS16 Format = 3
	FormatU32 Format = 4
	FormatS32 Format = 5

	// FormatPCM16 is signed 16-bit PCM
	FormatPCM16 = FormatS16
)

var formatNames = map[Format]string{
	FormatU8:  "u8",
	FormatS8:  "s8",
	FormatU16: "u16",
	FormatS16: "s16",
	FormatU32: "u32",
	FormatS32: "s32",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether f is one of the supported formats
func (f Format) Valid() bool {
	_, ok := formatNames[f]
	return ok
}

// SampleBytes returns the size of one sample of format f
func (f Format) SampleBytes() int {
	switch f {
	case FormatU8, FormatS8:
		return 1
	case FormatU16, FormatS16:
		return 2
	case FormatU32, FormatS32:
		return 4
	default:
		return 0
	}
}

// ParseFormat maps a format name back to its Format
func ParseFormat(name string) (Format, bool) {
	if name == "pcm16" {
		return FormatPCM16, true
	}
	for f, n := range formatNames {
		if n == name {
			return f, true
		}
	}
	return 0, false
}

// Endian is the sample byte order
type Endian uint32

const (
	EndianLittle Endian = 0
	EndianBig    Endian = 1
)

func (e Endian) String() string {
	if e == EndianBig {
		return "big"
	}
	return "little"
}
