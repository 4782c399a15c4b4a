package uapi

import (
	"fmt"
	"unsafe"
)

// VringDesc is one entry of the descriptor table (16 bytes):
//
//	struct vring_desc {
//	  __le64 addr;
//	  __le32 len;
//	  __le16 flags;
//	  __le16 next;
//	};
type VringDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

var _ [VRING_DESC_SIZE]byte = [unsafe.Sizeof(VringDesc{})]byte{}

// VringUsedElem is one entry of the used ring
type VringUsedElem struct {
	ID  uint32 // head descriptor index of the completed chain
	Len uint32 // bytes written by the device
}

var _ [VRING_USED_ELEM_SIZE]byte = [unsafe.Sizeof(VringUsedElem{})]byte{}

// AudioCmd is the control queue command block:
//
//	struct virtio_audio_cmd {
//	  __le32 cmd;
//	  __le32 stream;
//	  __le32 arg;
//	};
type AudioCmd struct {
	Command uint32
	Stream  uint32
	Arg     uint32
}

var _ [CommandSize]byte = [unsafe.Sizeof(AudioCmd{})]byte{}

// BufferInfo is filled in by the device when a stream is initialised
type BufferInfo struct {
	BufferSize uint32 // preferred sample buffer size in bytes
	Periods    uint32 // number of buffers the device keeps in flight
	Reserved   uint64
}

var _ [BufferInfoSize]byte = [unsafe.Sizeof(BufferInfo{})]byte{}

// Layout describes where the three regions of a split virtqueue live
// inside one contiguous allocation.
type Layout struct {
	Size        int // descriptors, avail slots and used slots
	AvailOffset int
	UsedOffset  int
	TotalSize   int
}

// NewLayout computes the region offsets for a queue of the given size.
// Size must be a power of two so that 16-bit ring indices wrap onto slots consistently.
func NewLayout(size int) (Layout, error) {
	if size < 2 || size > 1<<15 || size&(size-1) != 0 {
		return Layout{}, fmt.Errorf("queue size %d must be a power of two in [2, 32768]", size)
	}
	descSize := size * VRING_DESC_SIZE
	availSize := VRING_HEADER_SIZE + size*VRING_AVAIL_ELEM
	usedOffset := Align(descSize+availSize, VIRTIO_ALIGNMENT)
	usedSize := VRING_HEADER_SIZE + size*VRING_USED_ELEM_SIZE
	return Layout{
		Size:        size,
		AvailOffset: descSize,
		UsedOffset:  usedOffset,
		TotalSize:   usedOffset + usedSize,
	}, nil
}

// DescOffset returns the byte offset of descriptor i
func (l Layout) DescOffset(i int) int {
	return i * VRING_DESC_SIZE
}

// AvailSlotOffset returns the byte offset of avail ring slot i
func (l Layout) AvailSlotOffset(i int) int {
	return l.AvailOffset + VRING_HEADER_SIZE + i*VRING_AVAIL_ELEM
}

// UsedSlotOffset returns the byte offset of used ring slot i
func (l Layout) UsedSlotOffset(i int) int {
	return l.UsedOffset + VRING_HEADER_SIZE + i*VRING_USED_ELEM_SIZE
}

// Slot maps a free-running ring index onto a slot
func (l Layout) Slot(idx uint16) int {
	return int(idx) & (l.Size - 1)
}

// Align rounds n up to a multiple of align (a power of two)
func Align(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
