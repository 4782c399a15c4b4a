package main

import (
	"encoding/binary"
	"math"

	"github.com/ehrlich-b/go-vaudio"
)

// tone generates a sine wave in the stream's sample format, continuing the
// phase across buffers.
type tone struct {
	step     float64
	phase    float64
	amp      float64
	channels int
	format   vaudio.Format
	order    binary.ByteOrder
}

func newTone(sp vaudio.StreamParams, endian vaudio.Endian, hz, amplitude float64) *tone {
	var order binary.ByteOrder = binary.LittleEndian
	if endian == vaudio.EndianBig {
		order = binary.BigEndian
	}
	return &tone{
		step:     2 * math.Pi * hz / float64(sp.Frequency),
		amp:      amplitude,
		channels: sp.Channels,
		format:   sp.Format,
		order:    order,
	}
}

// fill writes whole frames into buf and returns how many bytes it used
func (t *tone) fill(buf []byte) int {
	width := t.format.SampleBytes()
	frame := width * t.channels
	n := len(buf) / frame * frame

	for off := 0; off < n; off += frame {
		v := t.amp * math.Sin(t.phase)
		t.phase += t.step
		if t.phase >= 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
		for ch := 0; ch < t.channels; ch++ {
			t.put(buf[off+ch*width:], v)
		}
	}
	return n
}

// put encodes v in [-1, 1]
func (t *tone) put(b []byte, v float64) {
	switch t.format {
	case vaudio.FormatS8:
		b[0] = byte(int8(v * math.MaxInt8))
	case vaudio.FormatU8:
		b[0] = uint8(128 + v*math.MaxInt8)
	case vaudio.FormatS16:
		t.order.PutUint16(b, uint16(int16(v*math.MaxInt16)))
	case vaudio.FormatU16:
		t.order.PutUint16(b, uint16(32768+v*math.MaxInt16))
	case vaudio.FormatS32:
		t.order.PutUint32(b, uint32(int32(v*math.MaxInt32)))
	case vaudio.FormatU32:
		t.order.PutUint32(b, uint32(2147483648+v*math.MaxInt32))
	}
}
