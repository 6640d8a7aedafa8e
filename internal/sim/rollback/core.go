package rollback

import (
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"rollnet.dev/internal/protocol"
)

type Role uint8

const (
	RoleAuthority Role = iota
	RolePredictor
)

func (r Role) String() string {
	if r == RoleAuthority {
		return "authority"
	}
	return "predictor"
}

type Config struct {
	Role          Role
	Capacity      int
	TickRateHz    int
	Epoch         time.Time
	StartFrame    protocol.Frame
	IdentitySpace uint16
	LocalPlayer   protocol.PlayerID

	FutureQueueCap   int
	MaxFramesPerTick int
	// CorrectionTolerance is the per-axis bound, in milli-units, for
	// accepting a predictor's correction of its own player body.
	CorrectionTolerance int64
	SummaryMargin       int

	Stepper Stepper
	Logger  *log.Logger
}

// Stats are monotonically increasing counters.
type Stats struct {
	Advanced    uint64
	Resimulated uint64
	Queued      uint64
	Dropped     uint64
	Rejected    uint64
	Conflicts   uint64
	Freed       uint64
}

type pending struct {
	frame    protocol.Frame
	input    *InputEvent
	state    *StateEvent
	presence *PresenceEvent
	summary  *protocol.SummaryMsg
}

// Core owns the snapshot ring, the registry and the world projection. All
// methods must be called from one goroutine.
type Core struct {
	cfg    Config
	logger *log.Logger

	clock *Clock
	reg   *Registry
	ring  *Ring
	world *World

	future    map[protocol.PlayerID][]pending
	futureLen int

	out     Outbox
	view    View
	journal Journal

	stats Stats
}

func New(cfg Config) (*Core, error) {
	if cfg.Stepper == nil {
		return nil, fmt.Errorf("rollback: stepper is required")
	}
	if cfg.Capacity < 2 {
		return nil, fmt.Errorf("rollback: capacity must be >= 2, got %d", cfg.Capacity)
	}
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 50
	}
	if cfg.FutureQueueCap <= 0 {
		cfg.FutureQueueCap = 256
	}
	if cfg.MaxFramesPerTick <= 0 {
		cfg.MaxFramesPerTick = cfg.Capacity
	}
	if cfg.SummaryMargin <= 0 || cfg.SummaryMargin >= cfg.Capacity {
		cfg.SummaryMargin = cfg.Capacity / 4
	}
	if cfg.Epoch.IsZero() {
		cfg.Epoch = time.Now()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	reg := NewRegistry(cfg.IdentitySpace)
	c := &Core{
		cfg:     cfg,
		logger:  logger,
		clock:   NewClock(cfg.Epoch, cfg.TickRateHz),
		reg:     reg,
		ring:    NewRing(cfg.Capacity, cfg.StartFrame),
		world:   &World{reg: reg},
		future:  map[protocol.PlayerID][]pending{},
		out:     nopOutbox{},
		view:    nopView{},
		journal: nopJournal{},
	}
	return c, nil
}

func (c *Core) SetOutbox(o Outbox) {
	if o == nil {
		o = nopOutbox{}
	}
	c.out = o
}

func (c *Core) SetView(v View) {
	if v == nil {
		v = nopView{}
	}
	c.view = v
}

func (c *Core) SetJournal(j Journal) {
	if j == nil {
		j = nopJournal{}
	}
	c.journal = j
}

func (c *Core) Role() Role                     { return c.cfg.Role }
func (c *Core) Clock() *Clock                  { return c.clock }
func (c *Core) Registry() *Registry            { return c.reg }
func (c *Core) Ring() *Ring                    { return c.ring }
func (c *Core) Last() protocol.Frame           { return c.ring.Last() }
func (c *Core) Oldest() protocol.Frame         { return c.ring.Oldest() }
func (c *Core) Capacity() int                  { return c.ring.Cap() }
func (c *Core) LocalPlayer() protocol.PlayerID { return c.cfg.LocalPlayer }
func (c *Core) Stats() Stats                   { return c.stats }
func (c *Core) QueuedFuture() int              { return c.futureLen }

// Allocate mints an id in this participant's identity space.
func (c *Core) Allocate() protocol.RollbackID { return c.reg.Allocate() }

// Slot exposes a retained slot for inspection. Callers must not mutate it.
func (c *Core) Slot(f protocol.Frame) *Slot { return c.ring.Slot(f) }

// Spawn introduces a game object at the newest frame.
func (c *Core) Spawn(id protocol.RollbackID, st protocol.State) error {
	v := c.HandleState(StateEvent{
		Frame:  c.ring.Last(),
		ID:     id,
		Record: Record{Exists: true, State: st},
		Source: Local,
		From:   c.cfg.LocalPlayer,
	})
	switch v {
	case Applied, AppliedDirty, Duplicate:
		return nil
	default:
		return fmt.Errorf("spawn %d: %s", id, v)
	}
}

// DespawnView marks id as not existing from the newest frame on. The handle
// is freed later by collection.
func (c *Core) DespawnView(id protocol.RollbackID) {
	slot := c.ring.Slot(c.ring.Last())
	rec, ok := slot.Objects[id]
	if !ok || !rec.Exists {
		return
	}
	slot.Objects[id] = Record{Exists: false, State: rec.State}
}

// ReadState returns id's state at the newest frame.
func (c *Core) ReadState(id protocol.RollbackID) (protocol.State, bool) {
	rec, ok := c.ring.Slot(c.ring.Last()).Objects[id]
	if !ok || !rec.Exists {
		return protocol.State{}, false
	}
	return rec.State.Clone(), true
}

// Live lists the ids existing at the newest frame, ascending.
func (c *Core) Live() []protocol.RollbackID {
	slot := c.ring.Slot(c.ring.Last())
	out := make([]protocol.RollbackID, 0, len(slot.Objects))
	for id, rec := range slot.Objects {
		if rec.Exists {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Restore projects slot f onto the world. Stepping restores again, so this
// only changes what World reports until then.
func (c *Core) Restore(f protocol.Frame) error {
	if c.ring.Slot(f) == nil {
		return ErrNotCurrent
	}
	c.restore(f)
	return nil
}

// World is the step function's view of the most recently restored frame.
func (c *Core) World() *World { return c.world }

// restore projects slot f onto every bound handle.
func (c *Core) restore(f protocol.Frame) *Slot {
	slot := c.ring.Slot(f)
	for _, id := range c.reg.IDs() {
		o, _ := c.reg.Lookup(id)
		rec, ok := slot.Objects[id]
		if !ok {
			o.Exists = false
			continue
		}
		o.Exists = rec.Exists
		o.State = rec.State.Clone()
	}
	c.world.frame = f
	return slot
}

// save records every bound handle into slot.
func (c *Core) save(slot *Slot) {
	objs := make(map[protocol.RollbackID]Record, c.reg.Len())
	for _, id := range c.reg.IDs() {
		o, _ := c.reg.Lookup(id)
		objs[id] = Record{Exists: o.Exists, State: o.State.Clone()}
	}
	slot.Objects = objs
}

func (c *Core) step(f protocol.Frame, inputs map[protocol.PlayerID]protocol.Input) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &DivergenceError{Frame: f, Err: fmt.Errorf("step panic: %v", r)}
		}
		for _, id := range c.world.born {
			if o, ok := c.reg.Lookup(id); ok {
				c.view.Spawned(id, o.State.Clone())
			}
		}
		c.world.born = c.world.born[:0]
	}()
	if err := c.cfg.Stepper.Step(f, c.world, inputs); err != nil {
		return &DivergenceError{Frame: f, Err: err}
	}
	return nil
}

func (c *Core) markDirty(f protocol.Frame) {
	if f < c.ring.Last() {
		c.ring.Slot(f).dirty = true
	}
}

func (c *Core) drop(kind string, f protocol.Frame, id protocol.RollbackID, player protocol.PlayerID, src Source, from protocol.PlayerID, reason error) Verdict {
	c.stats.Dropped++
	c.logger.Printf("drop %s frame=%d last=%d id=%d player=%d from=%d source=%s: %v", kind, f, c.ring.Last(), id, player, from, src, reason)
	c.journal.WriteDrop(DropEntry{
		Last:   c.ring.Last(),
		Frame:  f,
		Kind:   kind,
		ID:     id,
		Player: player,
		From:   from,
		Source: src.String(),
		Reason: reason.Error(),
	})
	return Dropped
}

func (c *Core) reject(format string, args ...any) Verdict {
	c.stats.Rejected++
	c.logger.Printf("reject "+format, args...)
	return Rejected
}

// enqueue holds a future event for its sender. Overflow drops the event; a
// peer overflowing the host's queue is disconnected.
func (c *Core) enqueue(from protocol.PlayerID, src Source, p pending) Verdict {
	q := c.future[from]
	if len(q) >= c.cfg.FutureQueueCap {
		var id protocol.RollbackID
		var player protocol.PlayerID
		kind := "presence"
		switch {
		case p.input != nil:
			kind, player = "input", p.input.Player
		case p.state != nil:
			kind, id = "state", p.state.ID
		case p.summary != nil:
			kind = "summary"
		}
		if c.cfg.Role == RoleAuthority && src == Peer {
			c.out.Disconnect(from, ErrFutureQueueFull)
		}
		return c.drop(kind, p.frame, id, player, src, from, ErrFutureQueueFull)
	}
	c.future[from] = append(q, p)
	c.futureLen++
	c.stats.Queued++
	return Queued
}

// drainFuture re-delivers queued events that are no longer in the future.
func (c *Core) drainFuture() {
	last := c.ring.Last()
	if c.futureLen == 0 {
		return
	}
	senders := make([]protocol.PlayerID, 0, len(c.future))
	for from := range c.future {
		senders = append(senders, from)
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i] < senders[j] })
	for _, from := range senders {
		q := c.future[from]
		keep := q[:0]
		var ready []pending
		for _, p := range q {
			if p.frame <= last {
				ready = append(ready, p)
			} else {
				keep = append(keep, p)
			}
		}
		c.futureLen -= len(ready)
		if len(keep) == 0 {
			delete(c.future, from)
		} else {
			c.future[from] = keep
		}
		for _, p := range ready {
			switch {
			case p.input != nil:
				c.HandleInput(*p.input)
			case p.state != nil:
				c.HandleState(*p.state)
			case p.presence != nil:
				c.HandlePresence(*p.presence)
			case p.summary != nil:
				c.ApplySummary(*p.summary)
			}
		}
	}
}

// Forget discards queued events from a sender that went away.
func (c *Core) Forget(from protocol.PlayerID) {
	c.futureLen -= len(c.future[from])
	delete(c.future, from)
}
