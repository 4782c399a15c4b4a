package uapi

import (
	"testing"
	"unsafe"
)

func TestStructSizes(t *testing.T) {
	tests := []struct {
		name     string
		size     uintptr
		expected int
	}{
		{"VringDesc", unsafe.Sizeof(VringDesc{}), 16},
		{"VringUsedElem", unsafe.Sizeof(VringUsedElem{}), 8},
		{"AudioCmd", unsafe.Sizeof(AudioCmd{}), 12},
		{"BufferInfo", unsafe.Sizeof(BufferInfo{}), 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if int(tt.size) != tt.expected {
				t.Errorf("%s size = %d, want %d", tt.name, tt.size, tt.expected)
			}
		})
	}
}

func TestCommandStrideIsPowerOfTwo(t *testing.T) {
	if CommandStride&(CommandStride-1) != 0 {
		t.Errorf("CommandStride = %d is not a power of two", CommandStride)
	}
	if CommandStride < CommandSize {
		t.Errorf("CommandStride = %d smaller than CommandSize = %d", CommandStride, CommandSize)
	}
}

func TestNewLayout(t *testing.T) {
	tests := []struct {
		size       int
		availOff   int
		usedOff    int
		total      int
		shouldFail bool
	}{
		{size: 4, availOff: 64, usedOff: 4096, total: 4096 + 4 + 32},
		{size: 128, availOff: 2048, usedOff: 4096, total: 4096 + 4 + 1024},
		{size: 256, availOff: 4096, usedOff: 8192, total: 8192 + 4 + 2048},
		{size: 3, shouldFail: true},
		{size: 0, shouldFail: true},
		{size: 1 << 16, shouldFail: true},
	}

	for _, tt := range tests {
		l, err := NewLayout(tt.size)
		if tt.shouldFail {
			if err == nil {
				t.Errorf("NewLayout(%d) should fail", tt.size)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NewLayout(%d) failed: %v", tt.size, err)
		}
		if l.AvailOffset != tt.availOff || l.UsedOffset != tt.usedOff || l.TotalSize != tt.total {
			t.Errorf("NewLayout(%d) = %+v, want avail=%d used=%d total=%d",
				tt.size, l, tt.availOff, tt.usedOff, tt.total)
		}
	}
}

func TestSlotWraps(t *testing.T) {
	l, _ := NewLayout(8)
	idx := uint16(0xFFFF)
	if l.Slot(idx) != 7 {
		t.Errorf("Slot(0xFFFF) = %d, want 7", l.Slot(idx))
	}
	idx++
	if l.Slot(idx) != 0 {
		t.Errorf("Slot(wrap) = %d, want 0", l.Slot(idx))
	}
}

func TestDescRoundTrip(t *testing.T) {
	l, _ := NewLayout(4)
	mem := make([]byte, l.TotalSize)
	d := VringDesc{Addr: 0x1000_2000, Len: 64, Flags: VRING_DESC_F_NEXT | VRING_DESC_F_WRITE, Next: 3}
	PutDesc(mem, l, 2, d)
	if got := GetDesc(mem, l, 2); got != d {
		t.Errorf("GetDesc = %+v, want %+v", got, d)
	}
	if got := GetDesc(mem, l, 1); got != (VringDesc{}) {
		t.Errorf("neighbouring descriptor modified: %+v", got)
	}
}

func TestRingHeaderLayout(t *testing.T) {
	l, _ := NewLayout(4)
	mem := make([]byte, l.TotalSize)
	StoreHeader(mem, l.AvailOffset, RingHeader{Flags: VRING_AVAIL_F_NO_INTERRUPT, Idx: 0x1234})

	// flags occupy the first two bytes, idx the next two, both little-endian
	raw := mem[l.AvailOffset : l.AvailOffset+4]
	want := []byte{0x01, 0x00, 0x34, 0x12}
	for i := range want {
		if raw[i] != want[i] {
			t.Fatalf("header bytes = %x, want %x", raw, want)
		}
	}

	h := LoadHeader(mem, l.AvailOffset)
	if h.Idx != 0x1234 || h.Flags != VRING_AVAIL_F_NO_INTERRUPT {
		t.Errorf("LoadHeader = %+v", h)
	}
}

func TestCommandEncoding(t *testing.T) {
	cmd := &AudioCmd{Command: VIRTIO_AUDIO_CMD_SET_FREQ, Stream: 0, Arg: 44100}
	data := MarshalCmd(cmd)
	if len(data) != CommandSize {
		t.Fatalf("MarshalCmd length = %d, want %d", len(data), CommandSize)
	}

	var decoded AudioCmd
	if err := UnmarshalCmd(data, &decoded); err != nil {
		t.Fatalf("UnmarshalCmd failed: %v", err)
	}
	if decoded != *cmd {
		t.Errorf("decoded = %+v, want %+v", decoded, *cmd)
	}

	if err := UnmarshalCmd(data[:4], &decoded); err != ErrInsufficientData {
		t.Errorf("short buffer error = %v, want ErrInsufficientData", err)
	}
}

func TestBufferInfoEncoding(t *testing.T) {
	buf := make([]byte, BufferInfoSize)
	PutBufferInfo(buf, &BufferInfo{BufferSize: 4096, Periods: 4})

	var info BufferInfo
	if err := UnmarshalBufferInfo(buf, &info); err != nil {
		t.Fatalf("UnmarshalBufferInfo failed: %v", err)
	}
	if info.BufferSize != 4096 || info.Periods != 4 {
		t.Errorf("info = %+v", info)
	}
}

func TestFormatHelpers(t *testing.T) {
	if FormatPCM16.SampleBytes() != 2 {
		t.Errorf("PCM16 sample bytes = %d, want 2", FormatPCM16.SampleBytes())
	}
	if Format(42).Valid() {
		t.Error("Format(42) should be invalid")
	}
	f, ok := ParseFormat("pcm16")
	if !ok || f != FormatS16 {
		t.Errorf("ParseFormat(pcm16) = %v, %v", f, ok)
	}
	f, ok = ParseFormat("u8")
	if !ok || f != FormatU8 {
		t.Errorf("ParseFormat(u8) = %v, %v", f, ok)
	}
	if _, ok := ParseFormat("flac"); ok {
		t.Error("ParseFormat(flac) should fail")
	}
}
