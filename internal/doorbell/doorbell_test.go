//go:build linux

package doorbell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-vaudio/internal/logging"
)

type countingTransport struct {
	bases map[int]uint64
	posts map[int]int
}

func (c *countingTransport) SetQueueBase(queueID int, addr uint64) { c.bases[queueID] = addr }
func (c *countingTransport) QueueBase(queueID int) uint64          { return c.bases[queueID] }
func (c *countingTransport) PostQueue(queueID int)                 { c.posts[queueID]++ }

func newDoorbell(t *testing.T) (*Doorbell, *countingTransport) {
	t.Helper()
	inner := &countingTransport{bases: map[int]uint64{}, posts: map[int]int{}}
	d, err := New(inner, logging.Nop(), 0, 1)
	if err != nil {
		// io_uring may be disabled by the kernel or a seccomp profile
		t.Skipf("doorbell unavailable: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, inner
}

func TestPostQueueKicks(t *testing.T) {
	d, inner := newDoorbell(t)

	d.PostQueue(1)
	d.PostQueue(1)
	d.PostQueue(0)

	assert.Equal(t, 2, inner.posts[1])
	assert.Equal(t, 1, inner.posts[0])

	n, err := d.Take(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	n, err = d.Take(1)
	require.NoError(t, err)
	assert.Zero(t, n, "counter resets on read")

	ok, failed := d.Kicks(0)
	assert.Equal(t, uint64(1), ok)
	assert.Zero(t, failed)
}

func TestForwardsBase(t *testing.T) {
	d, inner := newDoorbell(t)

	d.SetQueueBase(0, 0x4000)
	assert.Equal(t, uint64(0x4000), inner.bases[0])
	assert.Equal(t, uint64(0x4000), d.QueueBase(0))
}

func TestUnknownQueue(t *testing.T) {
	d, inner := newDoorbell(t)

	assert.ErrorIs(t, d.Kick(7), ErrUnknownQueue)
	_, ok := d.KickFD(7)
	assert.False(t, ok)

	// the inner transport is still notified
	d.PostQueue(7)
	assert.Equal(t, 1, inner.posts[7])
}

func TestClose(t *testing.T) {
	d, _ := newDoorbell(t)

	fd, ok := d.KickFD(0)
	require.True(t, ok)
	assert.GreaterOrEqual(t, fd, 0)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Error(t, d.Kick(0))
}
