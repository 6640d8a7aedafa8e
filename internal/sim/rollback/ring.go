package rollback

import "rollnet.dev/internal/protocol"

// Record is one object's state at one frame. A missing record reads as
// Exists=false.
type Record struct {
	Exists bool
	State  protocol.State
}

type Slot struct {
	Frame   protocol.Frame
	Objects map[protocol.RollbackID]Record
	Inputs  map[protocol.PlayerID]protocol.Input

	used  bool
	dirty bool
}

func (s *Slot) Dirty() bool { return s.dirty }

// Class is the temporal position of an event relative to the newest frame.
type Class uint8

const (
	Future Class = iota
	Now
	Past
	TooOld
)

func (c Class) String() string {
	switch c {
	case Future:
		return "future"
	case Now:
		return "now"
	case Past:
		return "past"
	default:
		return "too_old"
	}
}

// Classify places requested relative to reference for a window of capacity
// frames ending at reference.
func Classify(requested, reference protocol.Frame, capacity int) Class {
	switch {
	case requested > reference:
		return Future
	case requested == reference:
		return Now
	case uint64(reference-requested) < uint64(capacity):
		return Past
	default:
		return TooOld
	}
}

// Ring holds the last Cap() frames. Slot i holds frame f with f%Cap() == i.
type Ring struct {
	slots []Slot
	first protocol.Frame
	last  protocol.Frame
}

// NewRing opens the first slot at start.
func NewRing(capacity int, start protocol.Frame) *Ring {
	if capacity < 2 {
		capacity = 2
	}
	r := &Ring{slots: make([]Slot, capacity), first: start, last: start}
	r.open(start)
	return r
}

func (r *Ring) Cap() int              { return len(r.slots) }
func (r *Ring) Last() protocol.Frame  { return r.last }
func (r *Ring) First() protocol.Frame { return r.first }

func (r *Ring) IndexOf(f protocol.Frame) int { return int(uint64(f) % uint64(len(r.slots))) }

// Oldest is the oldest retained frame.
func (r *Ring) Oldest() protocol.Frame {
	n := protocol.Frame(len(r.slots))
	if r.last-r.first+1 <= n {
		return r.first
	}
	return r.last - n + 1
}

func (r *Ring) SlotIsCurrent(f protocol.Frame) bool {
	if f < r.Oldest() || f > r.last {
		return false
	}
	s := &r.slots[r.IndexOf(f)]
	return s.used && s.Frame == f
}

// Classify places f relative to the newest frame, treating frames before
// the ring was started as too old.
func (r *Ring) Classify(f protocol.Frame) Class {
	c := Classify(f, r.last, len(r.slots))
	if c == Past && f < r.first {
		return TooOld
	}
	return c
}

// Slot returns the slot holding f, or nil when f is not retained.
func (r *Ring) Slot(f protocol.Frame) *Slot {
	if !r.SlotIsCurrent(f) {
		return nil
	}
	return &r.slots[r.IndexOf(f)]
}

// evicting returns the slot that opening f would overwrite, if it holds a
// frame.
func (r *Ring) evicting(f protocol.Frame) *Slot {
	s := &r.slots[r.IndexOf(f)]
	if !s.used || s.Frame == f {
		return nil
	}
	return s
}

func (r *Ring) open(f protocol.Frame) *Slot {
	s := &r.slots[r.IndexOf(f)]
	*s = Slot{
		Frame:   f,
		Objects: map[protocol.RollbackID]Record{},
		Inputs:  map[protocol.PlayerID]protocol.Input{},
		used:    true,
	}
	if f > r.last {
		r.last = f
	}
	return s
}
