package uapi

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// PutDesc encodes d into descriptor slot i of the queue memory
func PutDesc(mem []byte, l Layout, i int, d VringDesc) {
	off := l.DescOffset(i)
	binary.LittleEndian.PutUint64(mem[off:off+8], d.Addr)
	binary.LittleEndian.PutUint32(mem[off+8:off+12], d.Len)
	binary.LittleEndian.PutUint16(mem[off+12:off+14], d.Flags)
	binary.LittleEndian.PutUint16(mem[off+14:off+16], d.Next)
}

// GetDesc decodes descriptor slot i
func GetDesc(mem []byte, l Layout, i int) VringDesc {
	off := l.DescOffset(i)
	return VringDesc{
		Addr:  binary.LittleEndian.Uint64(mem[off : off+8]),
		Len:   binary.LittleEndian.Uint32(mem[off+8 : off+12]),
		Flags: binary.LittleEndian.Uint16(mem[off+12 : off+14]),
		Next:  binary.LittleEndian.Uint16(mem[off+14 : off+16]),
	}
}

// PutAvail writes a chain head into avail ring slot
func PutAvail(mem []byte, l Layout, slot int, head uint16) {
	off := l.AvailSlotOffset(slot)
	binary.LittleEndian.PutUint16(mem[off:off+2], head)
}

// GetAvail reads the chain head stored in avail ring slot
func GetAvail(mem []byte, l Layout, slot int) uint16 {
	off := l.AvailSlotOffset(slot)
	return binary.LittleEndian.Uint16(mem[off : off+2])
}

// PutUsed writes a completion into used ring slot
func PutUsed(mem []byte, l Layout, slot int, e VringUsedElem) {
	off := l.UsedSlotOffset(slot)
	binary.LittleEndian.PutUint32(mem[off:off+4], e.ID)
	binary.LittleEndian.PutUint32(mem[off+4:off+8], e.Len)
}

// GetUsed reads the completion stored in used ring slot
func GetUsed(mem []byte, l Layout, slot int) VringUsedElem {
	off := l.UsedSlotOffset(slot)
	return VringUsedElem{
		ID:  binary.LittleEndian.Uint32(mem[off : off+4]),
		Len: binary.LittleEndian.Uint32(mem[off+4 : off+8]),
	}
}

// RingHeader is the {flags, idx} word at the start of the avail and used rings.
// The word is read and written as one aligned 32-bit atomic so that publishing
// an index orders every ring entry written before it.
type RingHeader struct {
	Flags uint16
	Idx   uint16
}

func headerWord(mem []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// LoadHeader atomically reads the ring header at off
func LoadHeader(mem []byte, off int) RingHeader {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], atomic.LoadUint32(headerWord(mem, off)))
	return RingHeader{
		Flags: binary.LittleEndian.Uint16(b[0:2]),
		Idx:   binary.LittleEndian.Uint16(b[2:4]),
	}
}

// StoreHeader atomically publishes the ring header at off
func StoreHeader(mem []byte, off int, h RingHeader) {
	var b [4]byte
	binary.LittleEndian.PutUint16(b[0:2], h.Flags)
	binary.LittleEndian.PutUint16(b[2:4], h.Idx)
	atomic.StoreUint32(headerWord(mem, off), binary.NativeEndian.Uint32(b[:]))
}

// MarshalCmd encodes an audio command into its 12-byte wire form
func MarshalCmd(cmd *AudioCmd) []byte {
	buf := make([]byte, CommandSize)
	PutCmd(buf, cmd)
	return buf
}

// PutCmd encodes cmd into buf in place
func PutCmd(buf []byte, cmd *AudioCmd) {
	binary.LittleEndian.PutUint32(buf[0:4], cmd.Command)
	binary.LittleEndian.PutUint32(buf[4:8], cmd.Stream)
	binary.LittleEndian.PutUint32(buf[8:12], cmd.Arg)
}

// UnmarshalCmd decodes an audio command
func UnmarshalCmd(data []byte, cmd *AudioCmd) error {
	if len(data) < CommandSize {
		return ErrInsufficientData
	}
	cmd.Command = binary.LittleEndian.Uint32(data[0:4])
	cmd.Stream = binary.LittleEndian.Uint32(data[4:8])
	cmd.Arg = binary.LittleEndian.Uint32(data[8:12])
	return nil
}

// PutBufferInfo encodes info into buf in place
func PutBufferInfo(buf []byte, info *BufferInfo) {
	binary.LittleEndian.PutUint32(buf[0:4], info.BufferSize)
	binary.LittleEndian.PutUint32(buf[4:8], info.Periods)
	binary.LittleEndian.PutUint64(buf[8:16], info.Reserved)
}

// UnmarshalBufferInfo decodes the Init parameter block
func UnmarshalBufferInfo(data []byte, info *BufferInfo) error {
	if len(data) < BufferInfoSize {
		return ErrInsufficientData
	}
	info.BufferSize = binary.LittleEndian.Uint32(data[0:4])
	info.Periods = binary.LittleEndian.Uint32(data[4:8])
	info.Reserved = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

// MarshalError is returned when a wire buffer cannot be decoded
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const ErrInsufficientData MarshalError = "insufficient data for unmarshal"
