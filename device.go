// Package vaudio provides the main API for driving a virtio audio function:
// two split virtqueues, the audio control session on top of them, and a
// runner that hands sample buffer completions back to the caller.
package vaudio

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/go-vaudio/internal/constants"
	"github.com/ehrlich-b/go-vaudio/internal/ctrl"
	"github.com/ehrlich-b/go-vaudio/internal/logging"
	"github.com/ehrlich-b/go-vaudio/internal/queue"
	"github.com/ehrlich-b/go-vaudio/internal/uapi"
	"github.com/ehrlich-b/go-vaudio/internal/virtq"
)

// DeviceParams contains parameters for opening an audio device
type DeviceParams struct {
	// Queue configuration
	QueueSize      int // Descriptors per queue (default: 128)
	ControlQueueID int // Queue carrying commands (default: 0)
	DataQueueID    int // Queue carrying sample buffers; stream id is DataQueueID-1 (default: 1)

	// Session configuration
	SGLCapacity  int           // Scatter-gather segments per sample buffer (default: 8)
	PollInterval time.Duration // Pause between in-flight checks before Stop (default: 10ms)
	PollAttempts int           // Checks before the Stop wait is declared broken (default: 100)
	Endian       Endian        // Sample byte order sent with SET_ENDIAN

	// Device workarounds
	PreserveQueueMemory bool // Reattach to and never free ring memory the device already knows
	ReportedLenFallback bool // Use the submitted length when the device reports 0
}

// DefaultParams returns default device parameters
func DefaultParams() DeviceParams {
	return DeviceParams{
		QueueSize:      constants.DefaultQueueSize,
		ControlQueueID: constants.ControlQueueID,
		DataQueueID:    constants.DataQueueID,
		SGLCapacity:    constants.MaxSGLItemsPerBuffer,
		PollInterval:   constants.StopPollInterval,
		PollAttempts:   constants.StopPollAttempts,
		Endian:         EndianLittle,

		PreserveQueueMemory: true,
		ReportedLenFallback: true,
	}
}

func (p DeviceParams) validate() error {
	switch {
	case p.QueueSize < 2 || p.QueueSize > constants.MaxQueueSize:
		return NewError("OPEN", ErrCodeInvalidParameters, fmt.Sprintf("queue size %d out of range", p.QueueSize))
	case p.QueueSize&(p.QueueSize-1) != 0:
		return NewError("OPEN", ErrCodeInvalidParameters, fmt.Sprintf("queue size %d is not a power of two", p.QueueSize))
	case p.ControlQueueID < 0:
		return NewError("OPEN", ErrCodeInvalidParameters, "control queue id must not be negative")
	case p.DataQueueID < 1:
		return NewError("OPEN", ErrCodeInvalidParameters, "data queue id must be at least 1")
	case p.ControlQueueID == p.DataQueueID:
		return NewError("OPEN", ErrCodeInvalidParameters, "control and data queue must differ")
	case p.SGLCapacity <= 0:
		return NewError("OPEN", ErrCodeInvalidParameters, "sgl capacity must be positive")
	case p.PollInterval <= 0 || p.PollAttempts <= 0:
		return NewError("OPEN", ErrCodeInvalidParameters, "poll interval and attempts must be positive")
	case p.Endian != EndianLittle && p.Endian != EndianBig:
		return NewError("OPEN", ErrCodeInvalidParameters, "unknown endianness")
	}
	return nil
}

// StreamParams describes the PCM stream set up by Configure
type StreamParams struct {
	Direction Direction
	Channels  int
	Format    Format
	Frequency int
}

// DefaultStreamParams returns 48kHz stereo signed 16-bit playback
func DefaultStreamParams() StreamParams {
	return StreamParams{
		Direction: DirectionPlayback,
		Channels:  2,
		Format:    FormatS16,
		Frequency: 48000,
	}
}

// FrameSize returns the size of one frame in bytes
func (s StreamParams) FrameSize() int {
	return s.Channels * s.Format.SampleBytes()
}

// Options contains additional options for opening a device
type Options struct {
	// Logger for debug/info messages (if nil, uses the default logger)
	Logger *Logger

	// Observer for metrics collection, called in addition to the device's own Metrics
	Observer Observer

	// OnComplete receives every sample buffer completion in device order,
	// outside the device lock. It may call Submit but not Drain or Close.
	OnComplete func(token Token, length uint32)

	// ReapInterval is how often the runner polls the used rings (default: 2ms)
	ReapInterval time.Duration
}

// StreamState is the lifecycle state of the audio stream
type StreamState int32

const (
	// StreamCreated indicates the device is open but the stream was never configured
	StreamCreated StreamState = iota
	// StreamConfigured indicates setup commands were issued
	StreamConfigured
	// StreamRunning indicates the stream was started or resumed
	StreamRunning
	// StreamPaused indicates the stream was paused
	StreamPaused
	// StreamStopped indicates the stream was stopped and may be configured again
	StreamStopped
	// StreamClosed indicates the device was closed
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamCreated:
		return "created"
	case StreamConfigured:
		return "configured"
	case StreamRunning:
		return "running"
	case StreamPaused:
		return "paused"
	case StreamStopped:
		return "stopped"
	case StreamClosed:
		return "closed"
	default:
		return fmt.Sprintf("StreamState(%d)", int32(s))
	}
}

type submission struct {
	at    time.Time
	bytes int
}

type completion struct {
	token  Token
	length uint32
}

// Device is an open virtio audio function with one stream
type Device struct {
	// mu is the driver context: every queue and session call happens under it
	mu sync.Mutex
	// drain serializes Drain calls so deliveries keep device order
	drain sync.Mutex

	ctrl   *ctrl.Controller
	runner *queue.Runner
	params DeviceParams
	stream StreamParams
	state  StreamState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	logger     *logging.Logger
	metrics    *Metrics
	observer   Observer
	onComplete func(Token, uint32)
	pending    map[Token][]submission
}

// notifyingTransport counts notifications before forwarding them
type notifyingTransport struct {
	Transport
	observer Observer
}

func (t *notifyingTransport) PostQueue(queueID int) {
	t.observer.ObserveNotification(queueID)
	t.Transport.PostQueue(queueID)
}

// Open constructs the control and data queues and the audio session on top
// of them, and starts the completion runner. The stream is left in the
// created state.
//
// Example:
//
//	arena, _ := memory.New(memory.Config{Pages: 1024})
//	dev, err := vaudio.Open(ctx, arena, transport, vaudio.DefaultParams(), nil)
//	err = dev.Configure(vaudio.DefaultStreamParams())
//	err = dev.Start()
func Open(ctx context.Context, mem Memory, tr Transport, params DeviceParams, opts *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if mem == nil || tr == nil {
		return nil, NewError("OPEN", ErrCodeInvalidParameters, "memory and transport are required")
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if opts.Observer != nil {
		observer = multiObserver{observer, opts.Observer}
	}
	ntr := &notifyingTransport{Transport: tr, observer: observer}

	control, err := virtq.New(virtq.Config{
		ID:                  params.ControlQueueID,
		Size:                params.QueueSize,
		Memory:              mem,
		Transport:           ntr,
		Logger:              logger,
		PreserveBase:        params.PreserveQueueMemory,
		ReportedLenFallback: params.ReportedLenFallback,
	})
	if err != nil {
		return nil, WrapQueueError("OPEN", params.ControlQueueID, err)
	}

	data, err := virtq.New(virtq.Config{
		ID:                  params.DataQueueID,
		Size:                params.QueueSize,
		Memory:              mem,
		Transport:           ntr,
		Logger:              logger,
		PreserveBase:        params.PreserveQueueMemory,
		ReportedLenFallback: params.ReportedLenFallback,
	})
	if err != nil {
		control.Close()
		return nil, WrapQueueError("OPEN", params.DataQueueID, err)
	}

	session, err := ctrl.NewController(ctrl.Config{
		Control:     control,
		Data:        data,
		Memory:      mem,
		Logger:      logger,
		Poll:        ctrl.RetryPolicy{Interval: params.PollInterval, Attempts: params.PollAttempts},
		SGLCapacity: params.SGLCapacity,
		Endian:      params.Endian,
	})
	if err != nil {
		data.Close()
		control.Close()
		return nil, WrapError("OPEN", err)
	}

	d := &Device{
		ctrl:       session,
		params:     params,
		state:      StreamCreated,
		logger:     logger,
		metrics:    metrics,
		observer:   observer,
		onComplete: opts.OnComplete,
		pending:    make(map[Token][]submission),
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.runner = queue.NewRunner(d.ctx, queue.Config{
		Interval: opts.ReapInterval,
		Drain:    d.Drain,
		Logger:   logger,
	})
	d.runner.Start()

	logger.Info("device opened",
		"control_queue", params.ControlQueueID,
		"data_queue", params.DataQueueID,
		"queue_size", params.QueueSize,
		"reused", control.Reused() || data.Reused())
	return d, nil
}

// Configure issues the stream setup commands. It is allowed on a created,
// configured or stopped stream.
func (d *Device) Configure(sp StreamParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check("CONFIGURE", StreamCreated, StreamConfigured, StreamStopped); err != nil {
		return err
	}

	err := d.ctrl.Setup(sp.Direction, sp.Channels, sp.Format, sp.Frequency)
	for id := ctrl.CmdSetEndian; id <= ctrl.CmdInit; id++ {
		d.observer.ObserveCommand(id.String(), err == nil)
	}
	if err != nil {
		return WrapQueueError("CONFIGURE", d.params.ControlQueueID, err)
	}

	d.stream = sp
	d.transition(StreamConfigured)
	return nil
}

// Start starts a configured stream
func (d *Device) Start() error {
	return d.command("START", ctrl.CmdStart, StreamRunning, StreamConfigured)
}

// Pause pauses a running stream. Buffers in flight stay with the device.
func (d *Device) Pause() error {
	return d.command("PAUSE", ctrl.CmdPause, StreamPaused, StreamRunning)
}

// Resume resumes a paused stream
func (d *Device) Resume() error {
	return d.command("RESUME", ctrl.CmdResume, StreamRunning, StreamPaused)
}

// Stop stops a running or paused stream. It first waits for the device to
// complete every sample buffer in flight.
func (d *Device) Stop() error {
	return d.command("STOP", ctrl.CmdStop, StreamStopped, StreamRunning, StreamPaused)
}

func (d *Device) command(op string, id ctrl.CommandID, to StreamState, from ...StreamState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(op, from...); err != nil {
		return err
	}

	err := d.ctrl.AddCommand(id)
	d.observer.ObserveCommand(id.String(), err == nil)
	if err != nil {
		return WrapQueueError(op, d.params.ControlQueueID, err)
	}
	d.transition(to)
	return nil
}

// check must be called with mu held
func (d *Device) check(op string, allowed ...StreamState) error {
	if d.closed {
		return NewError(op, ErrCodeDeviceClosed, "device is closed")
	}
	if !slices.Contains(allowed, d.state) {
		return NewError(op, ErrCodeInvalidState,
			fmt.Sprintf("cannot %s a %s stream", strings.ToLower(op), d.state))
	}
	return nil
}

func (d *Device) transition(to StreamState) {
	if d.state != to {
		d.logger.WithStream(uint32(d.params.DataQueueID-1)).Info("stream state changed",
			"from", d.state.String(), "to", to.String())
	}
	d.state = to
}

// Submit hands a sample buffer to the device: outbound for playback, to be
// filled for record. buf must stay untouched until its completion is
// delivered. Submit is allowed on a configured or running stream.
func (d *Device) Submit(buf []byte, token Token) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check("SUBMIT", StreamConfigured, StreamRunning); err != nil {
		return err
	}

	if err := d.ctrl.SendDataBuffer(buf, token); err != nil {
		werr := WrapQueueError("SUBMIT", d.params.DataQueueID, err)
		d.observer.ObserveSubmitError(werr.Code)
		return werr
	}

	d.pending[token] = append(d.pending[token], submission{at: time.Now(), bytes: len(buf)})
	d.observer.ObserveSubmit(uint64(len(buf)), d.ctrl.LastSegments())
	return nil
}

// Drain collects completions from both queues and delivers sample buffer
// completions to OnComplete in device order. It returns how many sample
// buffers completed. The runner calls Drain on its own; calling it directly
// is only needed to observe completions without waiting for the next poll.
func (d *Device) Drain() int {
	d.drain.Lock()
	defer d.drain.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0
	}

	d.observer.ObserveControlReaped(d.ctrl.ReapControl())

	var done []completion
	data := d.ctrl.Data()
	for {
		tok, length, ok := data.GetBuf()
		if !ok {
			break
		}
		done = append(done, completion{token: tok, length: length})

		var latency uint64
		if subs := d.pending[tok]; len(subs) > 0 {
			latency = uint64(time.Since(subs[0].at))
			if len(subs) == 1 {
				delete(d.pending, tok)
			} else {
				d.pending[tok] = subs[1:]
			}
		}
		d.observer.ObserveCompletion(uint64(length), latency)
	}

	d.mu.Unlock()

	if d.onComplete != nil {
		for _, c := range done {
			d.onComplete(c.token, c.length)
		}
	}
	return len(done)
}

// State returns the current stream state
func (d *Device) State() StreamState {
	if d == nil {
		return StreamClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// DeviceInfo contains information about an open audio device
type DeviceInfo struct {
	ControlQueue int          `json:"control_queue"`
	DataQueue    int          `json:"data_queue"`
	StreamID     uint32       `json:"stream_id"`
	QueueSize    int          `json:"queue_size"`
	SGLCapacity  int          `json:"sgl_capacity"`
	State        StreamState  `json:"state"`
	Stream       StreamParams `json:"stream"`

	// Reported by the device at Init
	BufferSize uint32 `json:"buffer_size"`
	Periods    uint32 `json:"periods"`

	// Queue occupancy
	ControlFree int  `json:"control_free"`
	DataFree    int  `json:"data_free"`
	InFlight    int  `json:"in_flight"`
	Reused      bool `json:"reused"`
}

// Info returns information about the device
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{State: StreamClosed}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	info := DeviceInfo{
		ControlQueue: d.params.ControlQueueID,
		DataQueue:    d.params.DataQueueID,
		StreamID:     uint32(d.params.DataQueueID - 1),
		QueueSize:    d.params.QueueSize,
		SGLCapacity:  d.ctrl.SGLCapacity(),
		State:        d.state,
		Stream:       d.stream,
	}
	if d.closed {
		return info
	}

	bi := d.ctrl.BufferInfo()
	info.BufferSize = bi.BufferSize
	info.Periods = bi.Periods
	info.ControlFree = d.ctrl.Control().Free()
	info.DataFree = d.ctrl.Data().Free()
	info.InFlight = d.ctrl.Data().Processing()
	info.Reused = d.ctrl.Control().Reused() || d.ctrl.Data().Reused()
	return info
}

// BufferInfo returns the buffer geometry the device reported at Init
func (d *Device) BufferInfo() uapi.BufferInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return uapi.BufferInfo{}
	}
	return d.ctrl.BufferInfo()
}

// Dump logs the pending entries of both queues at debug level
func (d *Device) Dump() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.ctrl.Control().Dump()
	d.ctrl.Data().Dump()
}

// Metrics returns the current metrics for the device
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// Close stops a running or paused stream, delivers the remaining
// completions and releases both queues and the session memory. When ctx is
// already done the stream is not stopped gracefully.
func Close(ctx context.Context, d *Device) error {
	if d == nil {
		return ErrInvalidParameters
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	state := d.state
	d.mu.Unlock()

	if (state == StreamRunning || state == StreamPaused) && ctx.Err() == nil {
		if err := d.Stop(); err != nil {
			d.logger.WithError(err).Warn("stream stop failed during close")
		}
	}

	// The runner drains once more before it exits
	d.runner.Stop()
	d.cancel()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	d.transition(StreamClosed)
	d.metrics.Stop()
	if n := len(d.pending); n > 0 {
		d.logger.Warn("closing with sample buffers outstanding", "tokens", n)
	}
	d.pending = nil

	if err := d.ctrl.Close(); err != nil {
		return WrapError("CLOSE", err)
	}
	return nil
}
