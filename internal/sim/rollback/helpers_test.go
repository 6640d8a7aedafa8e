package rollback

import (
	"testing"
	"time"

	"rollnet.dev/internal/protocol"
)

var epoch = time.Unix(1_700_000_000, 0)

// at returns a wall-clock time inside frame f at 50Hz.
func at(f protocol.Frame) time.Time {
	return epoch.Add(time.Duration(f)*20*time.Millisecond + time.Millisecond)
}

// lineStep moves every object by its velocity, feeds the x sum of all
// objects into each y, and accelerates players holding W.
func lineStep(_ protocol.Frame, w *World, inputs map[protocol.PlayerID]protocol.Input) error {
	ids := w.IDs()
	var sum int64
	for _, id := range ids {
		st, _ := w.Get(id)
		sum += st.Body.Pos.X
	}
	for _, id := range ids {
		st, _ := w.Get(id)
		st.Body.Pos.X += st.Body.Vel.X
		st.Body.Pos.Y = sum
		if st.Player != nil {
			if in, ok := inputs[st.Player.Player]; ok && in.Buttons.Has(protocol.ButtonW) {
				st.Body.Vel.X++
			}
		}
		w.Set(id, st)
	}
	for _, p := range sortedPlayers(inputs) {
		if sp := inputs[p].Spawn; sp != nil {
			_ = w.Spawn(sp.Body, playerState(p, 0))
		}
	}
	return nil
}

func playerState(p protocol.PlayerID, x int64) protocol.State {
	return protocol.State{
		Kind:   protocol.KindPlayer,
		Body:   protocol.Body{Pos: protocol.Vec3{X: x}, Vel: protocol.Vec3{X: 1}},
		Player: &protocol.PlayerPart{Player: p, Health: 100},
	}
}

type recordingOutbox struct {
	sent        []Outbound
	disconnects map[protocol.PlayerID]error
}

func (o *recordingOutbox) Send(m Outbound) { o.sent = append(o.sent, m) }

func (o *recordingOutbox) Disconnect(p protocol.PlayerID, err error) {
	if o.disconnects == nil {
		o.disconnects = map[protocol.PlayerID]error{}
	}
	o.disconnects[p] = err
}

type recordingView struct {
	spawned []protocol.RollbackID
	freed   []protocol.RollbackID
}

func (v *recordingView) Spawned(id protocol.RollbackID, _ protocol.State) {
	v.spawned = append(v.spawned, id)
}
func (v *recordingView) Freed(id protocol.RollbackID) { v.freed = append(v.freed, id) }

type recordingJournal struct {
	frames []FrameEntry
	drops  []DropEntry
}

func (j *recordingJournal) WriteFrame(e FrameEntry) { j.frames = append(j.frames, e) }
func (j *recordingJournal) WriteDrop(e DropEntry)   { j.drops = append(j.drops, e) }

func newCore(t *testing.T, role Role, capacity int, step Stepper) *Core {
	t.Helper()
	if step == nil {
		step = StepFunc(lineStep)
	}
	c, err := New(Config{
		Role:                role,
		Capacity:            capacity,
		TickRateHz:          50,
		Epoch:               epoch,
		CorrectionTolerance: 100,
		Stepper:             step,
	})
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	return c
}

func advanceTo(t *testing.T, c *Core, f protocol.Frame) {
	t.Helper()
	for c.Last() < f {
		if err := c.Advance(); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
}
