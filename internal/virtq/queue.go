// Package virtq implements the driver side of a split virtqueue: the
// descriptor table, the available and used rings and the per-chain token
// bookkeeping shared with a virtio device.
package virtq

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-vaudio/internal/interfaces"
	"github.com/ehrlich-b/go-vaudio/internal/logging"
	"github.com/ehrlich-b/go-vaudio/internal/uapi"
)

var (
	// ErrNotReady is returned when too few descriptors are free for a submission
	ErrNotReady = errors.New("virtq: not enough free descriptors")

	// ErrNotFound is returned by DetachBuf when no unsynced submission carries the token
	ErrNotFound = errors.New("virtq: token not found among unsynced submissions")

	// ErrNoMemory is returned when ring memory cannot be obtained
	ErrNoMemory = errors.New("virtq: cannot allocate ring memory")

	// ErrInvalidChain is returned for malformed segment counts
	ErrInvalidChain = errors.New("virtq: invalid descriptor chain")

	ErrClosed = errors.New("virtq: queue closed")
)

// Token is the caller's correlation value for one submitted chain
type Token uint64

// Segment is one physically contiguous piece of a scatter-gather list
type Segment struct {
	Addr uint64
	Len  uint32
}

// Config configures a queue
type Config struct {
	ID        int
	Size      int
	Memory    interfaces.Memory
	Transport interfaces.Transport
	Logger    *logging.Logger

	// PreserveBase reuses the ring memory the device already knows about
	// and never frees it. The backend cannot be told to move a queue once
	// its base is registered.
	PreserveBase bool

	// ReportedLenFallback substitutes the submitted chain length when the
	// device completes a chain with length 0.
	ReportedLenFallback bool
}

type slotState uint8

const (
	slotFree slotState = iota
	slotHead           // first descriptor of a chain; carries total
	slotLink           // any later descriptor of a chain
)

type slot struct {
	state slotState
	token Token
	total uint32
}

// Queue is one split virtqueue. It does no locking: submission (AddBuf,
// DetachBuf, Sync) and drain (GetBuf) must be serialized by the caller.
type Queue struct {
	id       int
	layout   uapi.Layout
	mem      interfaces.Memory
	tr       interfaces.Transport
	region   interfaces.Region
	logger   *logging.Logger
	preserve bool
	fallback bool
	reused   bool

	slots []slot
	free  int

	availIdx        uint16 // private shadow, published by Sync
	nextAvailToSync uint16
	firstEverSynced uint16
	nextUsedToRead  uint16
	firstEverRead   uint16

	closed bool
}

// New allocates (or reattaches to) the ring memory of a queue, initializes
// the descriptor table and rings and registers the base with the device.
func New(cfg Config) (*Queue, error) {
	if cfg.Memory == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("virtq: queue %d: memory and transport are required", cfg.ID)
	}
	layout, err := uapi.NewLayout(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("virtq: queue %d: %w", cfg.ID, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	q := &Queue{
		id:       cfg.ID,
		layout:   layout,
		mem:      cfg.Memory,
		tr:       cfg.Transport,
		logger:   logger.WithQueue(cfg.ID),
		preserve: cfg.PreserveBase,
		fallback: cfg.ReportedLenFallback,
		slots:    make([]slot, layout.Size),
		free:     layout.Size,
	}

	if cfg.PreserveBase {
		if base := cfg.Transport.QueueBase(cfg.ID); base != 0 {
			q.region, err = cfg.Memory.MapContiguous(base, layout.TotalSize)
			if err != nil {
				return nil, fmt.Errorf("%w: queue %d: map base 0x%x: %v", ErrNoMemory, cfg.ID, base, err)
			}
			q.reused = true
		}
	}
	if !q.reused {
		q.region, err = cfg.Memory.AllocContiguous(layout.TotalSize)
		if err != nil {
			return nil, fmt.Errorf("%w: queue %d: %v", ErrNoMemory, cfg.ID, err)
		}
	}

	q.reset()
	cfg.Transport.SetQueueBase(cfg.ID, q.region.Addr)

	q.logger.Info("queue constructed",
		"size", layout.Size,
		"base", fmt.Sprintf("0x%x", q.region.Addr),
		"bytes", layout.TotalSize,
		"reused", q.reused,
		"avail_idx", q.availIdx,
		"used_idx", q.nextUsedToRead)
	return q, nil
}

// reset clears the descriptor table and ring slots. Ring indices are only
// zeroed for fresh memory; reused memory keeps its index continuity.
func (q *Queue) reset() {
	buf := q.region.Buf
	for i := 0; i < q.layout.Size; i++ {
		uapi.PutDesc(buf, q.layout, i, uapi.VringDesc{})
		uapi.PutAvail(buf, q.layout, i, 0)
		uapi.PutUsed(buf, q.layout, i, uapi.VringUsedElem{})
	}

	if !q.reused {
		uapi.StoreHeader(buf, q.layout.AvailOffset, uapi.RingHeader{})
		uapi.StoreHeader(buf, q.layout.UsedOffset, uapi.RingHeader{})
	}

	avail := uapi.LoadHeader(buf, q.layout.AvailOffset).Idx
	used := uapi.LoadHeader(buf, q.layout.UsedOffset).Idx
	if q.reused && avail != used {
		q.logger.Warn("reused queue memory has unreturned entries",
			"avail_idx", avail, "used_idx", used)
	}

	q.availIdx = avail
	q.nextAvailToSync = avail
	q.firstEverSynced = avail
	q.nextUsedToRead = used
	q.firstEverRead = used
}

// ID returns the queue index
func (q *Queue) ID() int { return q.id }

// Size returns the number of descriptors
func (q *Queue) Size() int { return q.layout.Size }

// Free returns the number of unclaimed descriptors
func (q *Queue) Free() int { return q.free }

// Base returns the device address of the ring memory
func (q *Queue) Base() uint64 { return q.region.Addr }

// Reused reports whether construction reattached to memory the device already held
func (q *Queue) Reused() bool { return q.reused }

// AddBuf submits one chain made of the first out+in segments of sg. The
// first out segments are driver-filled, the remaining in segments are
// device-writable. The submission is not visible to the device until Sync.
func (q *Queue) AddBuf(sg []Segment, out, in int, token Token) error {
	if q.closed {
		return ErrClosed
	}
	n := out + in
	if out < 0 || in < 0 || n == 0 || n > len(sg) {
		return fmt.Errorf("%w: out=%d in=%d segments=%d size=%d", ErrInvalidChain, out, in, len(sg), q.layout.Size)
	}
	if q.free < n {
		return ErrNotReady
	}

	ids := q.claim(n)
	if ids == nil {
		return ErrNotReady
	}

	var total uint32
	for k, id := range ids {
		d := uapi.VringDesc{Addr: sg[k].Addr, Len: sg[k].Len}
		if k >= out {
			d.Flags |= uapi.VRING_DESC_F_WRITE
		}
		if k < n-1 {
			d.Flags |= uapi.VRING_DESC_F_NEXT
			d.Next = ids[k+1]
		}
		uapi.PutDesc(q.region.Buf, q.layout, int(id), d)
		total += sg[k].Len

		q.slots[id] = slot{state: slotLink, token: token}
	}

	head := ids[0]
	q.slots[head] = slot{state: slotHead, token: token, total: total}

	uapi.PutAvail(q.region.Buf, q.layout, q.layout.Slot(q.availIdx), head)
	q.availIdx++
	return nil
}

// claim takes the n lowest-indexed free descriptors. If fewer are found
// every provisional claim is returned and nil is the result.
func (q *Queue) claim(n int) []uint16 {
	ids := make([]uint16, 0, n)
	for i := range q.slots {
		if q.slots[i].state != slotFree {
			continue
		}
		q.slots[i].state = slotLink
		ids = append(ids, uint16(i))
		if len(ids) == n {
			q.free -= n
			return ids
		}
	}
	for _, id := range ids {
		q.slots[id].state = slotFree
	}
	return nil
}

// release walks a chain from head, returning every descriptor to the free
// state. Any inconsistency between the chain and the token table is fatal.
func (q *Queue) release(head uint16) {
	token := q.slots[head].token
	i := head
	for steps := 0; ; steps++ {
		if int(i) >= q.layout.Size {
			panic(fmt.Sprintf("virtq: queue %d: descriptor %d out of range", q.id, i))
		}
		if steps >= q.layout.Size {
			panic(fmt.Sprintf("virtq: queue %d: chain at %d longer than the descriptor table", q.id, head))
		}

		s := q.slots[i]
		switch {
		case s.state == slotFree:
			panic(fmt.Sprintf("virtq: queue %d: freeing free descriptor %d", q.id, i))
		case steps == 0 && s.state != slotHead:
			panic(fmt.Sprintf("virtq: queue %d: descriptor %d is not a chain head", q.id, i))
		case steps > 0 && s.state != slotLink:
			panic(fmt.Sprintf("virtq: queue %d: chain at %d runs into head %d", q.id, head, i))
		case s.token != token:
			panic(fmt.Sprintf("virtq: queue %d: token mismatch in chain at %d: %d != %d", q.id, head, s.token, token))
		}

		d := uapi.GetDesc(q.region.Buf, q.layout, int(i))
		q.slots[i] = slot{}
		q.free++
		uapi.PutDesc(q.region.Buf, q.layout, int(i), uapi.VringDesc{})

		if d.Flags&uapi.VRING_DESC_F_NEXT == 0 {
			return
		}
		i = d.Next
	}
}

// GetBuf pops the next completion in used ring order. ok is false when the
// device has completed nothing new.
func (q *Queue) GetBuf() (token Token, length uint32, ok bool) {
	if q.closed {
		return 0, 0, false
	}
	used := q.usedIdx()
	if used == q.nextUsedToRead {
		return 0, 0, false
	}
	if int(used-q.nextUsedToRead) > q.layout.Size {
		panic(fmt.Sprintf("virtq: queue %d: used index %d ran ahead of read cursor %d", q.id, used, q.nextUsedToRead))
	}

	e := uapi.GetUsed(q.region.Buf, q.layout, q.layout.Slot(q.nextUsedToRead))
	if int(e.ID) >= q.layout.Size {
		panic(fmt.Sprintf("virtq: queue %d: completion for descriptor %d out of range", q.id, e.ID))
	}

	head := q.slots[e.ID]
	length = e.Len
	if length == 0 && q.fallback {
		length = head.total
	}
	q.release(uint16(e.ID))
	q.nextUsedToRead++

	return head.token, length, true
}

// DetachBuf removes a submission that has not been synced to the device yet.
// The remaining unsynced entries keep their order.
func (q *Queue) DetachBuf(token Token) error {
	if q.closed {
		return ErrClosed
	}
	for i := q.nextAvailToSync; i != q.availIdx; i++ {
		head := uapi.GetAvail(q.region.Buf, q.layout, q.layout.Slot(i))
		if int(head) >= q.layout.Size || q.slots[head].state != slotHead || q.slots[head].token != token {
			continue
		}

		q.release(head)
		for j := i; j+1 != q.availIdx; j++ {
			next := uapi.GetAvail(q.region.Buf, q.layout, q.layout.Slot(j+1))
			uapi.PutAvail(q.region.Buf, q.layout, q.layout.Slot(j), next)
		}
		q.availIdx--
		return nil
	}
	return ErrNotFound
}

// Sync publishes every submission made since the previous Sync and notifies
// the device. It reports whether a notification was issued.
func (q *Queue) Sync() bool {
	if q.closed || q.availIdx == q.nextAvailToSync {
		return false
	}

	h := uapi.LoadHeader(q.region.Buf, q.layout.AvailOffset)
	h.Idx = q.availIdx
	uapi.StoreHeader(q.region.Buf, q.layout.AvailOffset, h)
	q.nextAvailToSync = q.availIdx

	q.tr.PostQueue(q.id)
	return true
}

// Processing returns the number of chains submitted since construction
// that the device has not completed.
func (q *Queue) Processing() int {
	if q.closed {
		return 0
	}
	submitted := q.availIdx - q.firstEverSynced
	completed := q.usedIdx() - q.firstEverRead
	n := int(submitted - completed)
	if n > q.layout.Size {
		panic(fmt.Sprintf("virtq: queue %d: %d completions for %d submissions", q.id, completed, submitted))
	}
	return n
}

// Completed returns the number of completions not yet drained with GetBuf
func (q *Queue) Completed() int {
	if q.closed {
		return 0
	}
	return int(q.usedIdx() - q.nextUsedToRead)
}

// Unsynced returns the number of submissions waiting for Sync
func (q *Queue) Unsynced() int {
	return int(q.availIdx - q.nextAvailToSync)
}

func (q *Queue) usedIdx() uint16 {
	return uapi.LoadHeader(q.region.Buf, q.layout.UsedOffset).Idx
}

// Close unmaps the ring memory and, unless the base is preserved, frees it
// and clears the registered base.
func (q *Queue) Close() error {
	if q.closed {
		return nil
	}
	q.closed = true

	addr := q.region.Addr
	if err := q.mem.Unmap(q.region); err != nil {
		return fmt.Errorf("virtq: queue %d: unmap: %w", q.id, err)
	}
	q.region = interfaces.Region{}
	if q.preserve {
		return nil
	}

	q.tr.SetQueueBase(q.id, 0)
	if err := q.mem.FreeContiguous(addr, q.layout.TotalSize); err != nil {
		return fmt.Errorf("virtq: queue %d: free: %w", q.id, err)
	}
	return nil
}
