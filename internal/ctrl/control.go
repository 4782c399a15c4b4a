// Package ctrl drives an audio stream over a control queue and a data queue:
// fixed command templates, setup sequencing and sample buffer submission.
package ctrl

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ehrlich-b/go-vaudio/internal/constants"
	"github.com/ehrlich-b/go-vaudio/internal/interfaces"
	"github.com/ehrlich-b/go-vaudio/internal/logging"
	"github.com/ehrlich-b/go-vaudio/internal/uapi"
	"github.com/ehrlich-b/go-vaudio/internal/virtq"
)

var (
	// ErrSGLOverflow is returned when a sample buffer needs more segments
	// than one buffer may carry. It is a sizing problem, not contention.
	ErrSGLOverflow = errors.New("ctrl: buffer needs too many scatter-gather segments")

	ErrInvalidParams  = errors.New("ctrl: invalid stream parameters")
	ErrInvalidCommand = errors.New("ctrl: invalid command")
)

// bufferInfoOffset is where the Init parameter block follows the templates
const bufferInfoOffset = int(numCommands) * uapi.CommandStride

// Config configures a Controller
type Config struct {
	Control *virtq.Queue
	Data    *virtq.Queue
	Memory  interfaces.Memory
	Logger  *logging.Logger

	Poll        RetryPolicy
	SGLCapacity int
	Endian      uapi.Endian
}

// Controller is the audio control session for one stream. It owns both
// queues. Like the queues it does no locking of its own.
type Controller struct {
	control *virtq.Queue
	data    *virtq.Queue
	mem     interfaces.Memory
	logger  *logging.Logger

	block  interfaces.Region
	stream uint32
	endian uapi.Endian
	dir    uapi.Direction
	poll   RetryPolicy
	sgl    []virtq.Segment
	segs   int

	// the Init template's auxiliary segment
	infoSeg virtq.Segment
}

// NewController allocates the command block and fills in the templates
func NewController(cfg Config) (*Controller, error) {
	if cfg.Control == nil || cfg.Data == nil || cfg.Memory == nil {
		return nil, fmt.Errorf("ctrl: control queue, data queue and memory are required")
	}
	if cfg.Poll.Attempts <= 0 || cfg.Poll.Interval <= 0 {
		cfg.Poll = DefaultRetryPolicy()
	}
	if cfg.SGLCapacity <= 0 {
		cfg.SGLCapacity = constants.MaxSGLItemsPerBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	block, err := cfg.Memory.AllocContiguous(bufferInfoOffset + uapi.BufferInfoSize)
	if err != nil {
		return nil, fmt.Errorf("%w: command block: %v", virtq.ErrNoMemory, err)
	}

	c := &Controller{
		control: cfg.Control,
		data:    cfg.Data,
		mem:     cfg.Memory,
		logger:  logger.WithStream(uint32(cfg.Data.ID() - 1)),
		block:   block,
		stream:  uint32(cfg.Data.ID() - 1),
		endian:  cfg.Endian,
		poll:    cfg.Poll,
		sgl:     make([]virtq.Segment, 0, cfg.SGLCapacity),
		infoSeg: virtq.Segment{
			Addr: block.Addr + uint64(bufferInfoOffset),
			Len:  uapi.BufferInfoSize,
		},
	}
	for id := CommandID(0); id < numCommands; id++ {
		code, arg := id.wire()
		c.patch(id, code, arg)
	}
	return c, nil
}

func (c *Controller) template(id CommandID) []byte {
	off := int(id) * uapi.CommandStride
	return c.block.Buf[off : off+uapi.CommandSize]
}

func (c *Controller) patch(id CommandID, code, arg uint32) {
	uapi.PutCmd(c.template(id), &uapi.AudioCmd{Command: code, Stream: c.stream, Arg: arg})
}

func (c *Controller) setArg(id CommandID, arg uint32) {
	code, _ := id.wire()
	c.patch(id, code, arg)
}

// Template returns the current contents of a command template
func (c *Controller) Template(id CommandID) uapi.AudioCmd {
	var cmd uapi.AudioCmd
	if id.Valid() {
		uapi.UnmarshalCmd(c.template(id), &cmd)
	}
	return cmd
}

// Setup patches the stream parameters into the setup templates and queues
// SetEndian, SetChannels, SetFormat, SetFrequency and Init, publishing them
// with a single Sync. If the control queue runs out of descriptors part way
// the entries already queued are withdrawn and nothing is published.
func (c *Controller) Setup(dir uapi.Direction, channels int, format uapi.Format, freq int) error {
	if channels <= 0 || freq <= 0 || !format.Valid() ||
		(dir != uapi.DirectionPlayback && dir != uapi.DirectionRecord) {
		return fmt.Errorf("%w: %s channels=%d format=%s freq=%d", ErrInvalidParams, dir, channels, format, freq)
	}

	c.setArg(CmdSetEndian, uint32(c.endian))
	c.setArg(CmdSetChannels, uint32(channels))
	c.setArg(CmdSetFormat, uint32(format))
	c.setArg(CmdSetFrequency, uint32(freq))
	c.setArg(CmdInit, uint32(dir))

	c.ReapControl()

	for id := CmdSetEndian; id <= CmdInit; id++ {
		if err := c.queue(id); err != nil {
			for prev := CmdSetEndian; prev < id; prev++ {
				if derr := c.control.DetachBuf(virtq.Token(prev)); derr != nil {
					c.logger.Warn("cannot withdraw setup command", "cmd", prev.String(), "error", derr)
				}
			}
			return fmt.Errorf("ctrl: setup %s: %w", id, err)
		}
	}
	c.control.Sync()
	c.dir = dir

	c.logger.Info("stream setup queued",
		"direction", dir.String(),
		"channels", channels,
		"format", format.String(),
		"frequency", freq)
	return nil
}

// queue adds one template to the control queue without syncing
func (c *Controller) queue(id CommandID) error {
	seg := [2]virtq.Segment{{
		Addr: c.block.Addr + uint64(int(id)*uapi.CommandStride),
		Len:  uapi.CommandSize,
	}, c.infoSeg}

	in := 0
	if id == CmdInit {
		in = 1
	}
	if err := c.control.AddBuf(seg[:1+in], 1, in, virtq.Token(id)); err != nil {
		return err
	}

	if c.logger.Enabled(logging.LevelDebug) {
		cmd := c.Template(id)
		c.logger.WithCommand(id.String()).Debug("command queued", "code", cmd.Command, "arg", cmd.Arg)
	}
	return nil
}

// AddCommand submits one template and publishes it. Stop first waits for
// the data queue to drain since the backend drops buffers in flight at stop.
func (c *Controller) AddCommand(id CommandID) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidCommand, int(id))
	}
	if id == CmdStop {
		c.WaitForCompletion()
	}

	c.ReapControl()
	if err := c.queue(id); err != nil {
		return fmt.Errorf("ctrl: %s: %w", id, err)
	}
	c.control.Sync()
	return nil
}

// WaitForCompletion polls the data queue until the device has completed
// every buffer submitted to it. Running out of attempts means the device
// broke its contract and panics.
func (c *Controller) WaitForCompletion() {
	for attempt := 0; attempt < c.poll.Attempts; attempt++ {
		if c.data.Processing() == 0 {
			return
		}
		time.Sleep(c.poll.Interval)
	}
	if n := c.data.Processing(); n != 0 {
		c.data.Dump()
		panic(fmt.Sprintf("ctrl: %d data buffers still in flight after %d polls of %v", n, c.poll.Attempts, c.poll.Interval))
	}
}

// SendDataBuffer translates buf into device segments and submits it to the
// data queue, outbound for playback and inbound for record.
func (c *Controller) SendDataBuffer(buf []byte, token virtq.Token) error {
	if len(buf) == 0 {
		return fmt.Errorf("%w: empty buffer", ErrInvalidParams)
	}

	sg := c.sgl[:0]
	for p := buf; len(p) > 0; {
		if len(sg) == cap(sg) {
			return fmt.Errorf("%w: %d bytes need more than %d segments", ErrSGLOverflow, len(buf), cap(sg))
		}
		addr, n, err := c.mem.Translate(p)
		if err != nil {
			return fmt.Errorf("ctrl: translate buffer: %w", err)
		}
		if uint64(n) > math.MaxUint32 {
			n = math.MaxUint32
		}
		sg = append(sg, virtq.Segment{Addr: addr, Len: uint32(n)})
		p = p[n:]
	}

	out, in := len(sg), 0
	if c.dir == uapi.DirectionRecord {
		out, in = 0, len(sg)
	}
	if err := c.data.AddBuf(sg, out, in, token); err != nil {
		return err
	}
	c.segs = len(sg)
	c.data.Sync()
	return nil
}

// LastSegments returns the segment count of the last buffer submitted
func (c *Controller) LastSegments() int { return c.segs }

// ReapControl drains control queue completions and returns how many there were
func (c *Controller) ReapControl() int {
	n := 0
	for {
		tok, length, ok := c.control.GetBuf()
		if !ok {
			return n
		}
		n++
		c.logger.WithCommand(CommandID(tok).String()).Debug("command completed", "len", length)
	}
}

// BufferInfo returns the parameter block the device filled in at Init
func (c *Controller) BufferInfo() uapi.BufferInfo {
	var info uapi.BufferInfo
	uapi.UnmarshalBufferInfo(c.block.Buf[bufferInfoOffset:], &info)
	return info
}

// Direction returns the direction of the last Setup
func (c *Controller) Direction() uapi.Direction { return c.dir }

// SGLCapacity returns the segment limit of one sample buffer
func (c *Controller) SGLCapacity() int { return cap(c.sgl) }

// Control returns the control queue
func (c *Controller) Control() *virtq.Queue { return c.control }

// Data returns the data queue
func (c *Controller) Data() *virtq.Queue { return c.data }

// Close releases the command block and both queues
func (c *Controller) Close() error {
	var errs []error
	if c.block.Buf != nil {
		addr := c.block.Addr
		if err := c.mem.Unmap(c.block); err != nil {
			errs = append(errs, err)
		}
		if err := c.mem.FreeContiguous(addr, bufferInfoOffset+uapi.BufferInfoSize); err != nil {
			errs = append(errs, err)
		}
		c.block = interfaces.Region{}
	}
	if err := c.data.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.control.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
