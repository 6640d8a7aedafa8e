package rollback

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"rollnet.dev/internal/protocol"
)

// SummaryFrame is the frame the host summarizes next, or false while the
// history is shorter than the summary margin.
func (c *Core) SummaryFrame() (protocol.Frame, bool) {
	margin := protocol.Frame(c.cfg.SummaryMargin)
	last := c.ring.Last()
	if last < c.ring.First()+margin {
		return 0, false
	}
	return last - margin, true
}

// BuildSummary lists every object existing at f and the inputs recorded at f.
func (c *Core) BuildSummary(f protocol.Frame) (protocol.SummaryMsg, error) {
	slot := c.ring.Slot(f)
	if slot == nil {
		return protocol.SummaryMsg{}, ErrNotCurrent
	}
	s := protocol.SummaryMsg{
		Frame:  f,
		States: make(map[protocol.RollbackID]protocol.State, len(slot.Objects)),
		Inputs: make(map[protocol.PlayerID]protocol.Input, len(slot.Inputs)),
	}
	for id, rec := range slot.Objects {
		if rec.Exists {
			s.States[id] = rec.State.Clone()
		}
	}
	for p, in := range slot.Inputs {
		s.Inputs[p] = in.Clone()
	}
	return s, nil
}

// ApplySummary feeds an authoritative summary through the normal entry
// points. A summary ahead of the newest frame is queued with the host's
// other future events and applied once it is reached.
// If the local player's input is missing from the summary it is re-sent;
// if the local player's body differs, a correction is sent.
func (c *Core) ApplySummary(msg protocol.SummaryMsg) {
	last := c.ring.Last()
	if msg.Frame > last {
		c.enqueue(protocol.HostPlayer, Authority, pending{frame: msg.Frame, summary: &msg})
		return
	}
	if c.ring.Classify(msg.Frame) == TooOld {
		c.drop("summary", msg.Frame, 0, 0, Authority, protocol.HostPlayer, ErrStaleEvent)
		return
	}
	slot := c.ring.Slot(msg.Frame)
	local := c.cfg.LocalPlayer

	var corrections []protocol.CorrectionMsg
	var resend *protocol.InputMsg
	if c.cfg.Role == RolePredictor {
		for id, rec := range slot.Objects {
			if !rec.Exists || rec.State.Kind != protocol.KindPlayer || rec.State.Player == nil || rec.State.Player.Player != local {
				continue
			}
			if host, ok := msg.States[id]; ok && host.Body != rec.State.Body {
				corrections = append(corrections, protocol.CorrectionMsg{Frame: msg.Frame, ID: id, State: rec.State.Clone()})
			}
		}
		if in, ok := slot.Inputs[local]; ok {
			if _, have := msg.Inputs[local]; !have {
				resend = &protocol.InputMsg{Frame: msg.Frame, Player: local, Input: in.Clone()}
			}
		}
	}

	ids := make([]protocol.RollbackID, 0, len(msg.States))
	for id := range msg.States {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	live := mapset.NewThreadUnsafeSetWithSize[protocol.RollbackID](len(ids))
	for _, id := range ids {
		live.Add(id)
		c.HandleState(StateEvent{
			Frame:  msg.Frame,
			ID:     id,
			Record: Record{Exists: true, State: msg.States[id]},
			Source: Authority,
			From:   protocol.HostPlayer,
		})
	}
	c.HandlePresence(PresenceEvent{Frame: msg.Frame, Live: live, Source: Authority, From: protocol.HostPlayer})
	for _, p := range sortedPlayers(msg.Inputs) {
		c.HandleInput(InputEvent{Frame: msg.Frame, Player: p, Input: msg.Inputs[p], Source: Authority, From: protocol.HostPlayer})
	}

	sort.Slice(corrections, func(i, j int) bool { return corrections[i].ID < corrections[j].ID })
	for _, m := range corrections {
		c.out.Send(Outbound{Dest: ToAuthority, Msg: m})
	}
	if resend != nil {
		c.out.Send(Outbound{Dest: ToAuthority, Msg: *resend})
	}
}

// Seed loads a summary into the first slot of a fresh Core, binding every
// listed object. Ids in this Core's own space are reserved so allocation
// continues after them.
func (c *Core) Seed(msg protocol.SummaryMsg) error {
	slot := c.ring.Slot(msg.Frame)
	if slot == nil {
		return ErrNotCurrent
	}
	ids := make([]protocol.RollbackID, 0, len(msg.States))
	for id := range msg.States {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		st := msg.States[id]
		if err := st.Validate(); err != nil {
			return err
		}
		o := &Object{ID: id, Exists: true, State: st.Clone()}
		if err := c.reg.Bind(id, o); err != nil {
			return err
		}
		slot.Objects[id] = Record{Exists: true, State: st.Clone()}
		if SpaceOf(id) == c.reg.Space() {
			c.reg.Reserve(SeqOf(id))
		}
		c.view.Spawned(id, st.Clone())
	}
	for p, in := range msg.Inputs {
		if !in.IsEmpty() {
			slot.Inputs[p] = in.Clone()
		}
	}
	return nil
}
