package rollback

import (
	"fmt"
	"math"
	"sort"

	"rollnet.dev/internal/protocol"
)

// HandleInput merges one player's input for one frame.
func (c *Core) HandleInput(ev InputEvent) Verdict {
	if ev.Input.IsEmpty() {
		return Ignored
	}
	if c.cfg.Role == RoleAuthority && ev.Source == Peer {
		if ev.Player != ev.From {
			return c.reject("input for player %d from player %d", ev.Player, ev.From)
		}
		if err := signalsOwnedBy(ev.Input, ev.From); err != nil {
			c.stats.Conflicts++
			return c.reject("input from player %d: %v", ev.From, err)
		}
	}
	switch c.ring.Classify(ev.Frame) {
	case Future:
		v := c.enqueue(ev.From, ev.Source, pending{frame: ev.Frame, input: &ev})
		if v == Queued && c.cfg.Role == RoleAuthority && ev.Source == Peer {
			c.out.Send(Outbound{Dest: ToPlayer, Player: ev.From, Msg: protocol.SlowDownMsg{LastFrame: c.ring.Last()}})
		}
		return v
	case TooOld:
		return c.drop("input", ev.Frame, 0, ev.Player, ev.Source, ev.From, ErrStaleEvent)
	}

	slot := c.ring.Slot(ev.Frame)
	cur, ok := slot.Inputs[ev.Player]
	if !ok {
		slot.Inputs[ev.Player] = ev.Input.Clone()
		c.relay(ev)
		if ev.Frame < c.ring.Last() {
			c.markDirty(ev.Frame)
			return AppliedDirty
		}
		return Applied
	}
	if cur.Equal(ev.Input) {
		return Duplicate
	}

	if c.cfg.Role == RoleAuthority {
		if ev.Source == Peer {
			c.out.Send(Outbound{Dest: ToPlayer, Player: ev.From, Msg: protocol.InputMsg{Frame: ev.Frame, Player: ev.Player, Input: cur.Clone()}})
		}
		return c.reject("player %d tried to change input at frame %d", ev.Player, ev.Frame)
	}
	if ev.Source != Authority {
		return c.reject("input for player %d at frame %d already recorded", ev.Player, ev.Frame)
	}
	slot.Inputs[ev.Player] = ev.Input.Clone()
	if ev.Frame < c.ring.Last() {
		c.markDirty(ev.Frame)
		return AppliedDirty
	}
	return Applied
}

// relay forwards a newly recorded input: the host sends it to every other
// peer, a predictor sends its own inputs to the host.
func (c *Core) relay(ev InputEvent) {
	msg := protocol.InputMsg{Frame: ev.Frame, Player: ev.Player, Input: ev.Input.Clone()}
	switch {
	case c.cfg.Role == RoleAuthority && ev.Source != Authority:
		c.out.Send(Outbound{Dest: ToAllExcept, Player: ev.From, Msg: msg})
	case c.cfg.Role == RolePredictor && ev.Source == Local:
		c.out.Send(Outbound{Dest: ToAuthority, Msg: msg})
	}
}

// signalsOwnedBy checks that ids minted by an input belong to the sender's
// identity space.
func signalsOwnedBy(in protocol.Input, player protocol.PlayerID) error {
	if (in.Shoot != nil || in.Spawn != nil) && player > math.MaxUint16 {
		return fmt.Errorf("%w: player %d has no identity space", ErrIdentityConflict, player)
	}
	space := uint16(player)
	if in.Shoot != nil && SpaceOf(in.Shoot.ID) != space {
		return fmt.Errorf("%w: shoot id %d outside space %d", ErrIdentityConflict, in.Shoot.ID, space)
	}
	if in.Spawn != nil && (SpaceOf(in.Spawn.Body) != space || SpaceOf(in.Spawn.Gun) != space) {
		return fmt.Errorf("%w: spawn ids outside space %d", ErrIdentityConflict, space)
	}
	return nil
}

// HandleState merges an authoritative record for one object at one frame.
// Peer-sourced states on the host are corrections.
func (c *Core) HandleState(ev StateEvent) Verdict {
	if ev.ID == 0 {
		return c.reject("state with zero id from %d", ev.From)
	}
	if ev.Source == Peer {
		if c.cfg.Role != RoleAuthority {
			return c.reject("state from peer %d on predictor", ev.From)
		}
		return c.acceptCorrection(ev)
	}
	if ev.Record.Exists {
		if err := ev.Record.State.Validate(); err != nil {
			return c.reject("state %d at frame %d: %v", ev.ID, ev.Frame, err)
		}
	}
	switch c.ring.Classify(ev.Frame) {
	case Future:
		return c.enqueue(ev.From, ev.Source, pending{frame: ev.Frame, state: &ev})
	case TooOld:
		return c.drop("state", ev.Frame, ev.ID, 0, ev.Source, ev.From, ErrStaleEvent)
	}

	slot := c.ring.Slot(ev.Frame)
	obj, bound := c.reg.Lookup(ev.ID)
	if !bound {
		if !ev.Record.Exists {
			return Ignored
		}
		obj = &Object{ID: ev.ID, Exists: ev.Frame == c.ring.Last(), State: ev.Record.State.Clone()}
		if err := c.reg.Bind(ev.ID, obj); err != nil {
			c.stats.Conflicts++
			return c.reject("bind %d: %v", ev.ID, err)
		}
		c.view.Spawned(ev.ID, ev.Record.State.Clone())
	} else if obj.retired && ev.Record.Exists {
		obj.retired = false
	}

	cur, had := slot.Objects[ev.ID]
	if sameRecord(cur, had, ev.Record) {
		return Duplicate
	}
	slot.Objects[ev.ID] = Record{Exists: ev.Record.Exists, State: ev.Record.State.Clone()}
	if ev.Frame < c.ring.Last() {
		c.markDirty(ev.Frame)
		return AppliedDirty
	}
	return Applied
}

func sameRecord(cur Record, had bool, next Record) bool {
	if !had {
		return !next.Exists
	}
	if cur.Exists != next.Exists {
		return false
	}
	return !next.Exists || cur.State.Equal(next.State)
}

// HandlePresence marks every bound object that exists at ev.Frame but is
// missing from ev.Live as not existing there.
func (c *Core) HandlePresence(ev PresenceEvent) Verdict {
	if ev.Source == Peer {
		return c.reject("presence from peer %d", ev.From)
	}
	switch c.ring.Classify(ev.Frame) {
	case Future:
		return c.enqueue(ev.From, ev.Source, pending{frame: ev.Frame, presence: &ev})
	case TooOld:
		return c.drop("presence", ev.Frame, 0, 0, ev.Source, ev.From, ErrStaleEvent)
	}
	slot := c.ring.Slot(ev.Frame)
	changed := false
	for _, id := range c.reg.IDs() {
		rec, ok := slot.Objects[id]
		if !ok || !rec.Exists || ev.Live.Contains(id) {
			continue
		}
		slot.Objects[id] = Record{Exists: false, State: rec.State}
		changed = true
	}
	if !changed {
		return Duplicate
	}
	if ev.Frame < c.ring.Last() {
		c.markDirty(ev.Frame)
		return AppliedDirty
	}
	return Applied
}

// acceptCorrection applies a predictor's claim about its own player body
// when the claim is within tolerance of the host's record.
func (c *Core) acceptCorrection(ev StateEvent) Verdict {
	switch c.ring.Classify(ev.Frame) {
	case Future:
		v := c.enqueue(ev.From, ev.Source, pending{frame: ev.Frame, state: &ev})
		if v == Queued {
			c.out.Send(Outbound{Dest: ToPlayer, Player: ev.From, Msg: protocol.SlowDownMsg{LastFrame: c.ring.Last()}})
		}
		return v
	case TooOld:
		return c.drop("correction", ev.Frame, ev.ID, 0, ev.Source, ev.From, ErrStaleEvent)
	}
	if _, bound := c.reg.Lookup(ev.ID); !bound {
		c.stats.Conflicts++
		return c.reject("correction from %d: %v: %d unbound", ev.From, ErrIdentityConflict, ev.ID)
	}
	slot := c.ring.Slot(ev.Frame)
	cur, ok := slot.Objects[ev.ID]
	if !ok || !cur.Exists || cur.State.Kind != protocol.KindPlayer || cur.State.Player == nil {
		return c.reject("correction from %d for non-player %d", ev.From, ev.ID)
	}
	if cur.State.Player.Player != ev.From {
		return c.reject("correction from %d for player %d body", ev.From, cur.State.Player.Player)
	}
	claim := ev.Record.State
	if !ev.Record.Exists || claim.Kind != protocol.KindPlayer {
		return c.reject("correction from %d changes kind or existence of %d", ev.From, ev.ID)
	}
	tol := c.cfg.CorrectionTolerance
	if !within(cur.State.Body.Pos, claim.Body.Pos, tol) || !within(cur.State.Body.Vel, claim.Body.Vel, tol) {
		return c.reject("correction from %d for %d out of tolerance", ev.From, ev.ID)
	}
	if cur.State.Body == claim.Body {
		return Duplicate
	}
	next := cur.State.Clone()
	next.Body = claim.Body
	slot.Objects[ev.ID] = Record{Exists: true, State: next}
	if ev.Frame < c.ring.Last() {
		c.markDirty(ev.Frame)
		return AppliedDirty
	}
	return Applied
}

func within(a, b protocol.Vec3, tol int64) bool {
	d := a.Sub(b)
	return abs(d.X) <= tol && abs(d.Y) <= tol && abs(d.Z) <= tol
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// sortedPlayers returns the keys of m in ascending order.
func sortedPlayers[V any](m map[protocol.PlayerID]V) []protocol.PlayerID {
	out := make([]protocol.PlayerID, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
