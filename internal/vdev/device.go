// Package vdev is a software virtio audio function. It implements the
// transport registers over shared memory, consumes the avail rings the
// driver publishes and writes completions into the used rings, the way
// the emulated backend does.
package vdev

import (
	"fmt"
	"io"
	"sync"

	"github.com/alitto/pond"

	"github.com/ehrlich-b/go-vaudio/internal/constants"
	"github.com/ehrlich-b/go-vaudio/internal/logging"
	"github.com/ehrlich-b/go-vaudio/internal/uapi"
)

// Backing gives the device access to guest memory by device address
type Backing interface {
	Bytes(addr uint64, n int) ([]byte, error)
}

// Options configures the device
type Options struct {
	// QueueSize is the pre-negotiated size of every queue
	QueueSize int

	// Sync processes notifications inline in PostQueue instead of on the worker pool
	Sync bool

	// Manual holds data queue completions until Complete is called
	Manual bool

	// ZeroLengthCompletions reports length 0 for every completion
	ZeroLengthCompletions bool

	// DropOnStop discards data buffers in flight when the stream is stopped
	// instead of returning them
	DropOnStop bool

	// Sink receives playback samples. Nil discards them.
	Sink io.Writer

	// Workers bounds the notification worker pool
	Workers int

	Logger *logging.Logger
}

// StreamState is what the device knows about stream 0
type StreamState struct {
	Endian    uapi.Endian
	Channels  uint32
	Format    uapi.Format
	Frequency uint32
	Direction uapi.Direction
	Inited    bool
	Running   bool
}

type held struct {
	head   uint16
	length uint32
}

type devQueue struct {
	id        int
	base      uint64
	mem       []byte
	lastAvail uint16
	held      []held
}

// Device is the loopback backend
type Device struct {
	mu      sync.Mutex
	backing Backing
	opts    Options
	layout  uapi.Layout
	logger  *logging.Logger
	pool    *pond.WorkerPool
	wg      sync.WaitGroup

	queues   map[int]*devQueue
	bases    map[int]uint64
	stream   StreamState
	commands []uapi.AudioCmd
	posts    map[int]int

	played   int64
	recorded int64
	dropped  int
	pattern  byte
	closed   bool
}

// New creates a device over backing
func New(backing Backing, opts Options) (*Device, error) {
	if opts.QueueSize == 0 {
		opts.QueueSize = constants.DefaultQueueSize
	}
	layout, err := uapi.NewLayout(opts.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("vdev: %w", err)
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Sink == nil {
		opts.Sink = io.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	d := &Device{
		backing: backing,
		opts:    opts,
		layout:  layout,
		logger:  logger,
		queues:  make(map[int]*devQueue),
		bases:   make(map[int]uint64),
		posts:   make(map[int]int),
	}
	if !opts.Sync {
		d.pool = pond.New(opts.Workers, 64)
	}
	return d, nil
}

// SetQueueBase implements interfaces.Transport
func (d *Device) SetQueueBase(queueID int, addr uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if addr == 0 {
		delete(d.bases, queueID)
		delete(d.queues, queueID)
		return
	}
	d.bases[queueID] = addr
	if q, ok := d.queues[queueID]; ok && q.base == addr {
		// same memory, the device keeps its cursor
		return
	}

	mem, err := d.backing.Bytes(addr, d.layout.TotalSize)
	if err != nil {
		d.logger.Error("queue base not backed", "queue_id", queueID, "base", fmt.Sprintf("0x%x", addr), "error", err)
		delete(d.queues, queueID)
		return
	}
	d.queues[queueID] = &devQueue{
		id:        queueID,
		base:      addr,
		mem:       mem,
		lastAvail: uapi.LoadHeader(mem, d.layout.AvailOffset).Idx,
	}
}

// QueueBase implements interfaces.Transport
func (d *Device) QueueBase(queueID int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bases[queueID]
}

// PostQueue implements interfaces.Transport
func (d *Device) PostQueue(queueID int) {
	d.mu.Lock()
	d.posts[queueID]++
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}

	if d.opts.Sync {
		d.process(queueID)
		return
	}
	d.wg.Add(1)
	d.pool.Submit(func() {
		defer d.wg.Done()
		d.process(queueID)
	})
}

// Flush waits for every notification handed to the worker pool
func (d *Device) Flush() {
	d.wg.Wait()
}

// Close stops the worker pool. Pending work is finished first.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if d.pool != nil {
		d.pool.StopAndWait()
	}
	return nil
}

func (d *Device) process(queueID int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processLocked(queueID)
}

func (d *Device) processLocked(queueID int) {
	q, ok := d.queues[queueID]
	if !ok {
		d.logger.Warn("notification for unregistered queue", "queue_id", queueID)
		return
	}
	if queueID != constants.ControlQueueID && !d.stream.Running {
		// a stopped stream consumes nothing
		return
	}

	avail := uapi.LoadHeader(q.mem, d.layout.AvailOffset).Idx
	for ; q.lastAvail != avail; q.lastAvail++ {
		head := uapi.GetAvail(q.mem, d.layout, d.layout.Slot(q.lastAvail))
		chain, err := d.chain(q, head)
		if err != nil {
			d.logger.Error("bad descriptor chain", "queue_id", queueID, "head", head, "error", err)
			d.push(q, head, 0)
			continue
		}

		if queueID == constants.ControlQueueID {
			d.push(q, head, d.command(chain))
			continue
		}

		n := d.data(chain)
		if d.opts.Manual {
			q.held = append(q.held, held{head: head, length: n})
			continue
		}
		d.push(q, head, n)
	}
}

type segment struct {
	buf   []byte
	write bool
}

func (d *Device) chain(q *devQueue, head uint16) ([]segment, error) {
	var segs []segment
	i := head
	for n := 0; n < d.layout.Size; n++ {
		if int(i) >= d.layout.Size {
			return nil, fmt.Errorf("descriptor %d out of range", i)
		}
		desc := uapi.GetDesc(q.mem, d.layout, int(i))
		buf, err := d.backing.Bytes(desc.Addr, int(desc.Len))
		if err != nil {
			return nil, err
		}
		segs = append(segs, segment{buf: buf, write: desc.Flags&uapi.VRING_DESC_F_WRITE != 0})
		if desc.Flags&uapi.VRING_DESC_F_NEXT == 0 {
			return segs, nil
		}
		i = desc.Next
	}
	return nil, fmt.Errorf("chain at %d does not terminate", head)
}

func (d *Device) push(q *devQueue, head uint16, length uint32) {
	if d.opts.ZeroLengthCompletions {
		length = 0
	}
	h := uapi.LoadHeader(q.mem, d.layout.UsedOffset)
	uapi.PutUsed(q.mem, d.layout, d.layout.Slot(h.Idx), uapi.VringUsedElem{ID: uint32(head), Len: length})
	h.Idx++
	uapi.StoreHeader(q.mem, d.layout.UsedOffset, h)
}

// command executes one control queue chain and returns the bytes written
// into its device-writable segments.
func (d *Device) command(chain []segment) uint32 {
	if len(chain) == 0 || chain[0].write {
		return 0
	}
	var cmd uapi.AudioCmd
	if err := uapi.UnmarshalCmd(chain[0].buf, &cmd); err != nil {
		d.logger.Error("short command", "len", len(chain[0].buf))
		return 0
	}
	d.commands = append(d.commands, cmd)
	d.logger.Debug("device command", "cmd", cmd.Command, "stream_id", cmd.Stream, "arg", cmd.Arg)

	switch cmd.Command {
	case uapi.VIRTIO_AUDIO_CMD_SET_ENDIAN:
		d.stream.Endian = uapi.Endian(cmd.Arg)
	case uapi.VIRTIO_AUDIO_CMD_SET_CHANNELS:
		d.stream.Channels = cmd.Arg
	case uapi.VIRTIO_AUDIO_CMD_SET_FORMAT:
		d.stream.Format = uapi.Format(cmd.Arg)
	case uapi.VIRTIO_AUDIO_CMD_SET_FREQ:
		d.stream.Frequency = cmd.Arg
	case uapi.VIRTIO_AUDIO_CMD_INIT:
		d.stream.Direction = uapi.Direction(cmd.Arg)
		d.stream.Inited = true
		for _, seg := range chain[1:] {
			if seg.write && len(seg.buf) >= uapi.BufferInfoSize {
				info := d.bufferInfo()
				uapi.PutBufferInfo(seg.buf, &info)
				return uapi.BufferInfoSize
			}
		}
	case uapi.VIRTIO_AUDIO_CMD_RUN:
		d.run(cmd.Arg == uapi.VIRTIO_AUDIO_RUN_START)
	default:
		d.logger.Warn("unknown command", "cmd", cmd.Command)
	}
	return 0
}

// bufferInfo proposes 10ms periods, four of them in flight
func (d *Device) bufferInfo() uapi.BufferInfo {
	frame := uint32(d.stream.Format.SampleBytes()) * d.stream.Channels
	size := frame * d.stream.Frequency / 100
	if size == 0 {
		size = constants.PageSize
	}
	return uapi.BufferInfo{BufferSize: size, Periods: 4}
}

func (d *Device) run(start bool) {
	if start == d.stream.Running {
		return
	}
	d.stream.Running = start
	q, ok := d.queues[constants.DataQueueID]
	if !ok {
		return
	}

	if start {
		// buffers queued while stopped are consumed now
		d.processLocked(constants.DataQueueID)
		return
	}

	if d.opts.DropOnStop {
		d.dropped += len(q.held)
		q.held = nil
		return
	}
	for _, h := range q.held {
		d.push(q, h.head, h.length)
	}
	q.held = nil
}

// data moves samples between the chain and the sink or the pattern generator
func (d *Device) data(chain []segment) uint32 {
	var n uint32
	for _, seg := range chain {
		if seg.write {
			for i := range seg.buf {
				seg.buf[i] = d.pattern
				d.pattern++
			}
			d.recorded += int64(len(seg.buf))
		} else {
			if _, err := d.opts.Sink.Write(seg.buf); err != nil {
				d.logger.Warn("sink write failed", "error", err)
			}
			d.played += int64(len(seg.buf))
		}
		n += uint32(len(seg.buf))
	}
	return n
}

// Complete returns up to n held completions of a queue in the order they
// were consumed and reports how many were returned.
func (d *Device) Complete(queueID, n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[queueID]
	if !ok {
		return 0
	}
	d.processLocked(queueID)
	if n > len(q.held) {
		n = len(q.held)
	}
	for _, h := range q.held[:n] {
		d.push(q, h.head, h.length)
	}
	q.held = q.held[n:]
	return n
}

// Held returns the number of consumed but uncompleted chains of a queue
func (d *Device) Held(queueID int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[queueID]; ok {
		return len(q.held)
	}
	return 0
}

// Pending returns the number of published chains the device has not consumed
func (d *Device) Pending(queueID int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[queueID]
	if !ok {
		return 0
	}
	return int(uapi.LoadHeader(q.mem, d.layout.AvailOffset).Idx - q.lastAvail)
}

// Commands returns every command the device executed, oldest first
func (d *Device) Commands() []uapi.AudioCmd {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uapi.AudioCmd(nil), d.commands...)
}

// Stream returns the device's view of the stream
func (d *Device) Stream() StreamState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

// Posts returns the number of notifications received for a queue
func (d *Device) Posts(queueID int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.posts[queueID]
}

// Stats reports sample bytes moved and data buffers dropped on stop
func (d *Device) Stats() (played, recorded int64, dropped int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.played, d.recorded, d.dropped
}
