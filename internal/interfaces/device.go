package interfaces

// Region is a span of device-addressable memory mapped into the driver.
// Addr is the device (physical) address of Buf[0].
type Region struct {
	Buf  []byte
	Addr uint64
}

// Memory is the platform memory capability consumed by the ring engine and
// the audio session. Implementations own cache attributes and the mapping
// between linear and device addresses.
type Memory interface {
	// AllocContiguous returns zeroed, physically contiguous memory of at least size bytes.
	AllocContiguous(size int) (Region, error)

	// MapContiguous maps size bytes of previously allocated contiguous memory at addr.
	// It is used to reattach to a queue whose base the device still holds.
	MapContiguous(addr uint64, size int) (Region, error)

	// Unmap releases the driver mapping of r without freeing the physical memory.
	Unmap(r Region) error

	// FreeContiguous returns physical memory obtained from AllocContiguous.
	FreeContiguous(addr uint64, size int) error

	// Translate returns the device address of p[0] and the number of bytes,
	// starting at p[0], that are physically contiguous (at most len(p)).
	Translate(p []byte) (addr uint64, n int, err error)
}

// Transport is the device register interface of a virtio audio function.
type Transport interface {
	// SetQueueBase registers the device address of a queue's ring memory.
	SetQueueBase(queueID int, addr uint64)

	// QueueBase returns the registered base of a queue, or 0 if none was ever set.
	QueueBase(queueID int) uint64

	// PostQueue notifies the device that new avail entries were published.
	PostQueue(queueID int)
}
