package virtq

import (
	"fmt"
	"strings"

	"github.com/ehrlich-b/go-vaudio/internal/logging"
	"github.com/ehrlich-b/go-vaudio/internal/uapi"
)

// Entry describes one chain still known to the driver
type Entry struct {
	Head   uint16
	Token  Token
	Total  uint32
	Chain  []uapi.VringDesc
	Synced bool
}

// Pending returns the chains published to the avail ring (or waiting for
// Sync) that the device has not completed yet, oldest first.
func (q *Queue) Pending() []Entry {
	if q.closed {
		return nil
	}
	var entries []Entry
	for i := q.usedIdx(); i != q.availIdx; i++ {
		head := uapi.GetAvail(q.region.Buf, q.layout, q.layout.Slot(i))
		if int(head) >= q.layout.Size || q.slots[head].state != slotHead {
			continue
		}
		e := Entry{
			Head:   head,
			Token:  q.slots[head].token,
			Total:  q.slots[head].total,
			Synced: int16(i-q.nextAvailToSync) < 0,
		}
		for id, n := head, 0; n < q.layout.Size; n++ {
			d := uapi.GetDesc(q.region.Buf, q.layout, int(id))
			e.Chain = append(e.Chain, d)
			if d.Flags&uapi.VRING_DESC_F_NEXT == 0 {
				break
			}
			id = d.Next
		}
		entries = append(entries, e)
	}
	return entries
}

// Dump logs the ring indices, pending chains and undrained completions at debug level
func (q *Queue) Dump() {
	if q.closed || !q.logger.Enabled(logging.LevelDebug) {
		return
	}

	avail := uapi.LoadHeader(q.region.Buf, q.layout.AvailOffset)
	used := uapi.LoadHeader(q.region.Buf, q.layout.UsedOffset)
	q.logger.Debug("queue state",
		"avail_idx", avail.Idx,
		"avail_shadow", q.availIdx,
		"next_to_sync", q.nextAvailToSync,
		"used_idx", used.Idx,
		"next_to_read", q.nextUsedToRead,
		"free", q.free,
		"processing", q.Processing())

	for _, e := range q.Pending() {
		q.logger.Debug("pending chain",
			"head", e.Head,
			"token", uint64(e.Token),
			"total", e.Total,
			"synced", e.Synced,
			"chain", formatChain(e.Chain))
	}

	for i := q.nextUsedToRead; i != used.Idx; i++ {
		u := uapi.GetUsed(q.region.Buf, q.layout, q.layout.Slot(i))
		q.logger.Debug("undrained completion", "slot", q.layout.Slot(i), "id", u.ID, "len", u.Len)
	}
}

func formatChain(chain []uapi.VringDesc) string {
	var b strings.Builder
	for i, d := range chain {
		if i > 0 {
			b.WriteString(" -> ")
		}
		dir := "out"
		if d.Flags&uapi.VRING_DESC_F_WRITE != 0 {
			dir = "in"
		}
		fmt.Fprintf(&b, "0x%x+%d/%s", d.Addr, d.Len, dir)
	}
	return b.String()
}
