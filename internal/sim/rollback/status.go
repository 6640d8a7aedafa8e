package rollback

import "rollnet.dev/internal/protocol"

// Status is a point-in-time view for metrics and admin endpoints.
type Status struct {
	Role         string         `json:"role"`
	Last         protocol.Frame `json:"last"`
	Oldest       protocol.Frame `json:"oldest"`
	Capacity     int            `json:"capacity"`
	Bound        int            `json:"bound"`
	Live         int            `json:"live"`
	DirtySlots   int            `json:"dirty_slots"`
	QueuedFuture int            `json:"queued_future"`
	Digest       string         `json:"digest"`
	Stats        Stats          `json:"stats"`
}

func (c *Core) Status() Status {
	last := c.ring.Last()
	dirty := 0
	for f := c.ring.Oldest(); f <= last; f++ {
		if c.ring.Slot(f).dirty {
			dirty++
		}
	}
	d, _ := c.Digest(last)
	return Status{
		Role:         c.cfg.Role.String(),
		Last:         last,
		Oldest:       c.ring.Oldest(),
		Capacity:     c.ring.Cap(),
		Bound:        c.reg.Len(),
		Live:         len(c.Live()),
		DirtySlots:   dirty,
		QueuedFuture: c.futureLen,
		Digest:       d,
		Stats:        c.stats,
	}
}

// SlotDump is a detached copy of one slot.
type SlotDump struct {
	Frame   protocol.Frame
	Dirty   bool
	Objects map[protocol.RollbackID]Record
	Inputs  map[protocol.PlayerID]protocol.Input
}

func (c *Core) DumpSlot(f protocol.Frame) (SlotDump, bool) {
	slot := c.ring.Slot(f)
	if slot == nil {
		return SlotDump{}, false
	}
	d := SlotDump{
		Frame:   slot.Frame,
		Dirty:   slot.dirty,
		Objects: make(map[protocol.RollbackID]Record, len(slot.Objects)),
		Inputs:  make(map[protocol.PlayerID]protocol.Input, len(slot.Inputs)),
	}
	for id, rec := range slot.Objects {
		d.Objects[id] = Record{Exists: rec.Exists, State: rec.State.Clone()}
	}
	for p, in := range slot.Inputs {
		d.Inputs[p] = in.Clone()
	}
	return d, true
}
