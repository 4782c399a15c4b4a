//go:build linux

// Package doorbell turns queue notifications into eventfd kicks, the way a
// vhost-user backend in another process expects to be woken. Kicks are
// written through an io_uring and reaped before PostQueue returns, so a
// kick has landed on the eventfd once the notifying call completes. The
// eventfds are non-blocking, which keeps that wait short.
package doorbell

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-vaudio/internal/interfaces"
	"github.com/ehrlich-b/go-vaudio/internal/logging"
)

var ErrUnknownQueue = errors.New("doorbell: no eventfd for queue")

// Doorbell decorates a Transport. PostQueue is forwarded to the inner
// transport and then signalled on the queue's eventfd.
type Doorbell struct {
	mu     sync.Mutex
	inner  interfaces.Transport
	ring   *giouring.Ring
	fds    map[int]int
	kicks  map[int]uint64
	failed uint64
	one    [8]byte
	logger *logging.Logger
	closed bool
}

// New creates one eventfd per queue and the ring used to write kicks
func New(inner interfaces.Transport, logger *logging.Logger, queueIDs ...int) (*Doorbell, error) {
	if logger == nil {
		logger = logging.Default()
	}
	entries := uint32(2 * len(queueIDs))
	if entries < 4 {
		entries = 4
	}
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("doorbell: create io_uring: %w", err)
	}

	d := &Doorbell{
		inner:  inner,
		ring:   ring,
		fds:    make(map[int]int, len(queueIDs)),
		kicks:  make(map[int]uint64, len(queueIDs)),
		logger: logger,
	}
	binary.NativeEndian.PutUint64(d.one[:], 1)

	for _, id := range queueIDs {
		fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("doorbell: eventfd for queue %d: %w", id, err)
		}
		d.fds[id] = fd
	}
	return d, nil
}

// SetQueueBase implements interfaces.Transport
func (d *Doorbell) SetQueueBase(queueID int, addr uint64) {
	d.inner.SetQueueBase(queueID, addr)
}

// QueueBase implements interfaces.Transport
func (d *Doorbell) QueueBase(queueID int) uint64 {
	return d.inner.QueueBase(queueID)
}

// PostQueue implements interfaces.Transport
func (d *Doorbell) PostQueue(queueID int) {
	d.inner.PostQueue(queueID)
	if err := d.Kick(queueID); err != nil {
		d.logger.Warn("kick failed", "queue_id", queueID, "error", err)
	}
}

// Kick adds one to the queue's eventfd counter
func (d *Doorbell) Kick(queueID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("doorbell: closed")
	}
	fd, ok := d.fds[queueID]
	if !ok {
		return fmt.Errorf("%w %d", ErrUnknownQueue, queueID)
	}

	sqe := d.ring.GetSQE()
	if sqe == nil {
		d.failed++
		return fmt.Errorf("doorbell: submission queue full")
	}
	sqe.PrepareWrite(fd, uintptr(unsafe.Pointer(&d.one[0])), uint32(len(d.one)), 0)
	sqe.UserData = uint64(queueID)

	if _, err := d.ring.Submit(); err != nil {
		d.failed++
		return fmt.Errorf("doorbell: submit: %w", err)
	}
	cqe, err := d.ring.WaitCQE()
	if err != nil {
		d.failed++
		return fmt.Errorf("doorbell: wait: %w", err)
	}
	res := cqe.Res
	d.ring.CQESeen(cqe)

	if res < 0 {
		d.failed++
		return fmt.Errorf("doorbell: write eventfd: %w", syscall.Errno(-res))
	}
	d.kicks[queueID]++
	return nil
}

// KickFD returns the eventfd a backend waits on for queueID
func (d *Doorbell) KickFD(queueID int) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fd, ok := d.fds[queueID]
	return fd, ok
}

// Take reads and resets the eventfd counter of a queue, as a backend would.
// It returns 0 when no kick is pending.
func (d *Doorbell) Take(queueID int) (uint64, error) {
	fd, ok := d.KickFD(queueID)
	if !ok {
		return 0, fmt.Errorf("%w %d", ErrUnknownQueue, queueID)
	}
	var buf [8]byte
	if _, err := unix.Read(fd, buf[:]); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		return 0, err
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Kicks returns the number of successful kicks per queue and the failure count
func (d *Doorbell) Kicks(queueID int) (ok, failed uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kicks[queueID], d.failed
}

// Close releases the ring and the eventfds
func (d *Doorbell) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.ring.QueueExit()

	var errs []error
	for id, fd := range d.fds {
		if err := unix.Close(fd); err != nil {
			errs = append(errs, err)
		}
		delete(d.fds, id)
	}
	return errors.Join(errs...)
}
