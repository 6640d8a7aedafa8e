package rollback

import (
	"time"

	"rollnet.dev/internal/protocol"
)

// Tick re-simulates dirty frames, advances to the clock's frame for now, and
// frees handles that are dead across the whole window. Only a
// *DivergenceError is returned.
func (c *Core) Tick(now time.Time) error {
	if err := c.sweep(); err != nil {
		return err
	}
	target := c.clock.Tick(now)
	for n := 0; c.ring.Last() < target && n < c.cfg.MaxFramesPerTick; n++ {
		if err := c.Advance(); err != nil {
			return err
		}
	}
	c.collect()
	return nil
}

// sweep recomputes every frame after a dirty slot, oldest first.
func (c *Core) sweep() error {
	last := c.ring.Last()
	for f := c.ring.Oldest(); f < last; f++ {
		slot := c.ring.Slot(f)
		if !slot.dirty {
			continue
		}
		slot.dirty = false
		c.restore(f)
		if err := c.step(f, slot.Inputs); err != nil {
			return err
		}
		next := c.ring.Slot(f + 1)
		c.save(next)
		c.markDirty(f + 1)
		c.stats.Resimulated++
	}
	return nil
}

// Advance steps the newest frame once and opens the next slot. Queued
// events that became current are delivered afterwards.
func (c *Core) Advance() error {
	last := c.ring.Last()
	if err := c.sweep(); err != nil {
		return err
	}
	next := last + 1
	if old := c.ring.evicting(next); old != nil {
		c.finalize(old)
	}
	slot := c.restore(last)
	if err := c.step(last, slot.Inputs); err != nil {
		return err
	}
	c.save(c.ring.open(next))
	c.stats.Advanced++
	c.drainFuture()
	return nil
}

// finalize journals a slot that is about to leave the window.
func (c *Core) finalize(slot *Slot) {
	if _, nop := c.journal.(nopJournal); nop {
		return
	}
	states := make(map[protocol.RollbackID]protocol.State, len(slot.Objects))
	for id, rec := range slot.Objects {
		if rec.Exists {
			states[id] = rec.State
		}
	}
	inputs := make(map[protocol.PlayerID]protocol.Input, len(slot.Inputs))
	for p, in := range slot.Inputs {
		inputs[p] = in
	}
	c.journal.WriteFrame(FrameEntry{
		Frame:  slot.Frame,
		Digest: digestRecords(slot.Objects),
		States: states,
		Inputs: inputs,
	})
}

// collect frees handles with no existing record anywhere in the window. A
// handle is retired first and freed once the frame at which it was found
// dead has scrolled out, so a late rollback can still rematerialize it.
func (c *Core) collect() {
	oldest, last := c.ring.Oldest(), c.ring.Last()
	for _, id := range c.reg.IDs() {
		o, _ := c.reg.Lookup(id)
		alive := false
		for f := oldest; f <= last; f++ {
			if rec, ok := c.ring.Slot(f).Objects[id]; ok && rec.Exists {
				alive = true
				break
			}
		}
		switch {
		case alive:
			o.retired = false
		case !o.retired:
			o.retired = true
			o.retiredAt = oldest
		case oldest > o.retiredAt:
			c.free(id)
		}
	}
}

func (c *Core) free(id protocol.RollbackID) {
	oldest, last := c.ring.Oldest(), c.ring.Last()
	for f := oldest; f <= last; f++ {
		delete(c.ring.Slot(f).Objects, id)
	}
	c.reg.Unbind(id)
	c.stats.Freed++
	c.view.Freed(id)
}
