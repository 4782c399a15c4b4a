//go:build !linux

package doorbell

import (
	"errors"

	"github.com/ehrlich-b/go-vaudio/internal/interfaces"
	"github.com/ehrlich-b/go-vaudio/internal/logging"
)

var (
	ErrUnknownQueue = errors.New("doorbell: no eventfd for queue")
	errUnsupported  = errors.New("doorbell: eventfd kicks require linux")
)

// Doorbell is unavailable on this platform
type Doorbell struct {
	interfaces.Transport
}

// New always fails outside linux
func New(inner interfaces.Transport, logger *logging.Logger, queueIDs ...int) (*Doorbell, error) {
	return nil, errUnsupported
}

func (d *Doorbell) Kick(queueID int) error                { return errUnsupported }
func (d *Doorbell) KickFD(queueID int) (int, bool)        { return -1, false }
func (d *Doorbell) Take(queueID int) (uint64, error)      { return 0, errUnsupported }
func (d *Doorbell) Kicks(queueID int) (ok, failed uint64) { return 0, 0 }
func (d *Doorbell) Close() error                          { return nil }
