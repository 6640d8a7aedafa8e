package rollback

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"rollnet.dev/internal/protocol"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		req, ref protocol.Frame
		want     Class
	}{
		{41, 40, Future},
		{40, 40, Now},
		{39, 40, Past},
		{25, 40, Past},
		{24, 40, TooOld},
		{23, 40, TooOld},
	}
	for _, tc := range cases {
		if got := Classify(tc.req, tc.ref, 16); got != tc.want {
			t.Fatalf("Classify(%d,%d)=%s want %s", tc.req, tc.ref, got, tc.want)
		}
	}
}

func TestRing_WindowAndCurrency(t *testing.T) {
	r := NewRing(4, 10)
	if r.Oldest() != 10 || r.Last() != 10 {
		t.Fatalf("fresh ring: oldest=%d last=%d", r.Oldest(), r.Last())
	}
	if r.Classify(9) != TooOld {
		t.Fatalf("frame before start should be too old")
	}
	for f := protocol.Frame(11); f <= 15; f++ {
		r.open(f)
	}
	if r.Oldest() != 12 {
		t.Fatalf("oldest=%d want 12", r.Oldest())
	}
	if r.SlotIsCurrent(11) || r.Slot(11) != nil {
		t.Fatalf("frame 11 scrolled out but still current")
	}
	if !r.SlotIsCurrent(12) || r.Slot(15).Frame != 15 {
		t.Fatalf("retained frames not current")
	}
	if r.IndexOf(15) != r.IndexOf(11) {
		t.Fatalf("index mismatch")
	}
}

func TestClock_Monotone(t *testing.T) {
	c := NewClock(epoch, 50)
	if got := c.Tick(epoch.Add(-time.Second)); got != 0 {
		t.Fatalf("before epoch: %d", got)
	}
	if got := c.Tick(at(10)); got != 10 {
		t.Fatalf("tick: %d", got)
	}
	if got := c.Tick(at(4)); got != 10 {
		t.Fatalf("clock went backwards: %d", got)
	}
	c.Delay(200 * time.Millisecond)
	if got := c.Tick(at(12)); got != 10 {
		t.Fatalf("delayed clock should hold: %d", got)
	}
	if got := c.Tick(at(25)); got != 15 {
		t.Fatalf("delayed clock: %d", got)
	}
}

func TestRegistry_ConcurrentAllocate(t *testing.T) {
	r := NewRegistry(3)
	const workers, each = 8, 500
	var mu sync.Mutex
	seen := map[protocol.RollbackID]bool{}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]protocol.RollbackID, 0, each)
			for j := 0; j < each; j++ {
				local = append(local, r.Allocate())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				if seen[id] {
					t.Errorf("duplicate id %d", id)
				}
				seen[id] = true
			}
		}()
	}
	wg.Wait()
	if len(seen) != workers*each {
		t.Fatalf("got %d ids", len(seen))
	}
	for id := range seen {
		if id == 0 || SpaceOf(id) != 3 {
			t.Fatalf("bad id %d", id)
		}
	}
}

func TestRegistry_BindConflict(t *testing.T) {
	r := NewRegistry(0)
	id := r.Allocate()
	if err := r.Bind(id, &Object{ID: id}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := r.Bind(id, &Object{ID: id}); !errors.Is(err, ErrIdentityConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	r.Reserve(100)
	if next := r.Allocate(); SeqOf(next) != 101 {
		t.Fatalf("reserve not honored: %d", SeqOf(next))
	}
	r.Unbind(id)
	if _, ok := r.Lookup(id); ok {
		t.Fatalf("unbind failed")
	}
}

// A correction for id 1 at frame 8 re-simulates frames 9 and 10 for every
// object while leaving id 2's frame 8 record alone.
func TestScenario_CorrectionResimulates(t *testing.T) {
	c := newCore(t, RolePredictor, 16, nil)
	if err := c.Spawn(1, playerState(10, 0)); err != nil {
		t.Fatalf("spawn 1: %v", err)
	}
	if err := c.Spawn(2, playerState(11, 1000)); err != nil {
		t.Fatalf("spawn 2: %v", err)
	}
	advanceTo(t, c, 10)

	before8 := c.Slot(8).Objects[2]
	before9 := c.Slot(9).Objects[2]
	before10 := c.Slot(10).Objects[1]

	corrected := playerState(10, 500)
	if v := c.HandleState(StateEvent{Frame: 8, ID: 1, Record: Record{Exists: true, State: corrected}, Source: Authority}); v != AppliedDirty {
		t.Fatalf("verdict=%s", v)
	}
	if !c.Slot(8).Dirty() {
		t.Fatalf("slot 8 not dirty")
	}
	if err := c.Tick(at(10)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if c.Last() != 10 {
		t.Fatalf("last=%d", c.Last())
	}
	if got := c.Stats().Resimulated; got != 2 {
		t.Fatalf("resimulated=%d want 2", got)
	}
	if !reflect.DeepEqual(c.Slot(8).Objects[2], before8) {
		t.Fatalf("id 2 frame 8 changed")
	}
	if reflect.DeepEqual(c.Slot(9).Objects[2], before9) {
		t.Fatalf("id 2 frame 9 not recomputed")
	}
	if got := c.Slot(9).Objects[1].State.Body.Pos.X; got != 501 {
		t.Fatalf("id 1 frame 9 x=%d want 501", got)
	}
	if reflect.DeepEqual(c.Slot(10).Objects[1], before10) {
		t.Fatalf("id 1 frame 10 not recomputed")
	}
	for f := c.Oldest(); f <= c.Last(); f++ {
		if c.Slot(f).Dirty() {
			t.Fatalf("slot %d left dirty", f)
		}
	}
}

// Input for frame 50 at LastFrame 40 is buffered and applied once at 50.
func TestScenario_FutureInputBuffered(t *testing.T) {
	c := newCore(t, RoleAuthority, 16, nil)
	out := &recordingOutbox{}
	c.SetOutbox(out)
	advanceTo(t, c, 40)

	ev := InputEvent{Frame: 50, Player: 1, From: 1, Source: Peer, Input: protocol.Input{Buttons: protocol.ButtonW}}
	if v := c.HandleInput(ev); v != Queued {
		t.Fatalf("verdict=%s", v)
	}
	if len(out.sent) != 1 {
		t.Fatalf("expected slow down, got %d messages", len(out.sent))
	}
	if sd, ok := out.sent[0].Msg.(protocol.SlowDownMsg); !ok || sd.LastFrame != 40 || out.sent[0].Player != 1 {
		t.Fatalf("unexpected message %+v", out.sent[0])
	}

	advanceTo(t, c, 49)
	if _, ok := c.Slot(49).Inputs[1]; ok {
		t.Fatalf("input applied early")
	}
	advanceTo(t, c, 50)
	if _, ok := c.Slot(50).Inputs[1]; !ok {
		t.Fatalf("input not applied at 50")
	}
	if c.Slot(50).Dirty() || c.QueuedFuture() != 0 {
		t.Fatalf("dirty=%v queued=%d", c.Slot(50).Dirty(), c.QueuedFuture())
	}
	if v := c.HandleInput(ev); v != Duplicate {
		t.Fatalf("redelivery verdict=%s", v)
	}
	relays := 0
	for _, m := range out.sent {
		if m.Dest == ToAllExcept {
			relays++
		}
	}
	if relays != 1 {
		t.Fatalf("relayed %d times", relays)
	}
}

// A summary at frame 100 without id 2 marks it not existing at 100; the
// handle survives until frame 100 leaves the window.
func TestScenario_SummaryAbsenceDespawns(t *testing.T) {
	c := newCore(t, RolePredictor, 16, nil)
	view := &recordingView{}
	c.SetView(view)
	for _, id := range []protocol.RollbackID{1, 2, 3} {
		if err := c.Spawn(id, playerState(protocol.PlayerID(10+id), int64(id)*100)); err != nil {
			t.Fatalf("spawn: %v", err)
		}
	}
	advanceTo(t, c, 104)

	s, err := c.BuildSummary(100)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	delete(s.States, 2)
	c.ApplySummary(s)
	if c.Slot(100).Objects[2].Exists {
		t.Fatalf("id 2 still exists at 100")
	}
	if !c.Slot(99).Objects[2].Exists {
		t.Fatalf("id 2 frame 99 touched")
	}
	for f := protocol.Frame(104); f <= 115; f++ {
		if err := c.Tick(at(f)); err != nil {
			t.Fatalf("tick: %v", err)
		}
		if _, ok := c.Registry().Lookup(2); !ok {
			t.Fatalf("id 2 freed early at last=%d oldest=%d", c.Last(), c.Oldest())
		}
	}
	if c.Slot(104).Objects[2].Exists {
		t.Fatalf("absence not carried forward")
	}
	if err := c.Tick(at(116)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if c.Oldest() <= 100 {
		t.Fatalf("oldest=%d", c.Oldest())
	}
	if _, ok := c.Registry().Lookup(2); ok {
		t.Fatalf("id 2 not freed after frame 100 left the window")
	}
	if len(view.freed) != 1 || view.freed[0] != 2 {
		t.Fatalf("freed=%v", view.freed)
	}
	for _, id := range []protocol.RollbackID{1, 3} {
		if _, ok := c.ReadState(id); !ok {
			t.Fatalf("id %d lost", id)
		}
	}
}

// An event at LastFrame-CAPACITY-1 is dropped without touching any slot.
func TestScenario_TooOldDropped(t *testing.T) {
	c := newCore(t, RolePredictor, 16, nil)
	j := &recordingJournal{}
	c.SetJournal(j)
	if err := c.Spawn(1, playerState(1, 0)); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	advanceTo(t, c, 40)
	dump := func() []SlotDump {
		var out []SlotDump
		for f := c.Oldest(); f <= c.Last(); f++ {
			d, _ := c.DumpSlot(f)
			out = append(out, d)
		}
		return out
	}
	before := dump()
	f := c.Last() - protocol.Frame(c.Capacity()) - 1
	if v := c.HandleInput(InputEvent{Frame: f, Player: 1, Source: Authority, Input: protocol.Input{Buttons: protocol.ButtonA}}); v != Dropped {
		t.Fatalf("input verdict=%s", v)
	}
	if v := c.HandleState(StateEvent{Frame: f, ID: 1, Record: Record{Exists: true, State: playerState(1, 9)}, Source: Authority}); v != Dropped {
		t.Fatalf("state verdict=%s", v)
	}
	if !reflect.DeepEqual(before, dump()) {
		t.Fatalf("slots changed")
	}
	if len(j.drops) != 2 || j.drops[0].Kind != "input" || j.drops[0].Frame != f {
		t.Fatalf("drops=%+v", j.drops)
	}
	if c.Stats().Dropped != 2 {
		t.Fatalf("dropped=%d", c.Stats().Dropped)
	}
}

func TestOrderIndependence(t *testing.T) {
	// Frames 14 and 15 are still ahead of the late core when delivered.
	events := []InputEvent{
		{Frame: 3, Player: 10, Input: protocol.Input{Buttons: protocol.ButtonW}},
		{Frame: 5, Player: 11, Input: protocol.Input{Buttons: protocol.ButtonW}},
		{Frame: 6, Player: 10, Input: protocol.Input{Buttons: protocol.ButtonW}},
		{Frame: 9, Player: 11, Input: protocol.Input{Buttons: protocol.ButtonW}},
		{Frame: 14, Player: 10, Input: protocol.Input{Buttons: protocol.ButtonW}},
		{Frame: 15, Player: 11, Input: protocol.Input{Buttons: protocol.ButtonW}},
	}
	setup := func() *Core {
		c := newCore(t, RolePredictor, 16, nil)
		_ = c.Spawn(1, playerState(10, 0))
		_ = c.Spawn(2, playerState(11, 50))
		return c
	}

	timely := setup()
	for f := protocol.Frame(0); f < 16; f++ {
		for _, ev := range events {
			if ev.Frame == f {
				ev.Source = Authority
				timely.HandleInput(ev)
			}
		}
		advanceTo(t, timely, f+1)
	}

	late := setup()
	advanceTo(t, late, 12)
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		ev.Source = Authority
		want := AppliedDirty
		if ev.Frame > 12 {
			want = Queued
		}
		if v := late.HandleInput(ev); v != want {
			t.Fatalf("late frame %d verdict=%s want %s", ev.Frame, v, want)
		}
	}
	if err := late.Tick(at(12)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	a, _ := timely.Digest(12)
	b, _ := late.Digest(12)
	if a != b {
		t.Fatalf("digests differ at 12: %s vs %s", a, b)
	}

	advanceTo(t, late, 16)
	if late.QueuedFuture() != 0 {
		t.Fatalf("queued=%d", late.QueuedFuture())
	}
	a, _ = timely.Digest(16)
	b, _ = late.Digest(16)
	if a != b {
		t.Fatalf("digests differ at 16: %s vs %s", a, b)
	}
}

func TestIdempotentInput(t *testing.T) {
	c := newCore(t, RolePredictor, 16, nil)
	_ = c.Spawn(1, playerState(10, 0))
	advanceTo(t, c, 8)
	ev := InputEvent{Frame: 4, Player: 10, Source: Authority, Input: protocol.Input{Buttons: protocol.ButtonW}}
	if v := c.HandleInput(ev); v != AppliedDirty {
		t.Fatalf("first verdict=%s", v)
	}
	_ = c.Tick(at(8))
	d1, _ := c.Digest(8)
	if v := c.HandleInput(ev); v != Duplicate {
		t.Fatalf("second verdict=%s", v)
	}
	_ = c.Tick(at(8))
	d2, _ := c.Digest(8)
	if d1 != d2 {
		t.Fatalf("duplicate changed state")
	}
	if v := c.HandleInput(InputEvent{Frame: 5, Player: 10, Source: Authority}); v != Ignored {
		t.Fatalf("empty input verdict=%s", v)
	}
}

func TestNotExistingInvisibleToStep(t *testing.T) {
	var seen [][]protocol.RollbackID
	step := StepFunc(func(f protocol.Frame, w *World, in map[protocol.PlayerID]protocol.Input) error {
		seen = append(seen, w.IDs())
		if _, ok := w.Get(2); ok && f > 1 {
			t.Errorf("despawned object visible at %d", f)
		}
		return nil
	})
	c := newCore(t, RolePredictor, 16, step)
	_ = c.Spawn(1, playerState(1, 0))
	_ = c.Spawn(2, playerState(2, 0))
	advanceTo(t, c, 2)
	c.DespawnView(2)
	if _, ok := c.ReadState(2); ok {
		t.Fatalf("ReadState returned despawned object")
	}
	advanceTo(t, c, 4)
	last := seen[len(seen)-1]
	if len(last) != 1 || last[0] != 1 {
		t.Fatalf("step saw %v", last)
	}
	if _, ok := c.Registry().Lookup(2); !ok {
		t.Fatalf("handle freed while older frames still hold it")
	}
}

func TestSummaryRoundTrip(t *testing.T) {
	host := newCore(t, RoleAuthority, 16, nil)
	_ = host.Spawn(1, playerState(0, 0))
	_ = host.Spawn(2, protocol.State{Kind: protocol.KindGun, Gun: &protocol.GunPart{Owner: 1}})
	_ = host.Spawn(3, playerState(1, 300))
	advanceTo(t, host, 20)
	host.DespawnView(3)
	advanceTo(t, host, 21)
	host.HandleInput(InputEvent{Frame: 21, Player: 0, Source: Local, Input: protocol.Input{Buttons: protocol.ButtonW}})

	sum, err := host.BuildSummary(21)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	raw, err := protocol.Encode(sum)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	c, err := New(Config{Role: RolePredictor, Capacity: 16, StartFrame: 21, Epoch: epoch, Stepper: StepFunc(lineStep)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Seed(msg.(protocol.SummaryMsg)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !reflect.DeepEqual(c.Live(), host.Live()) {
		t.Fatalf("live %v vs %v", c.Live(), host.Live())
	}
	for _, id := range host.Live() {
		a, _ := host.ReadState(id)
		b, _ := c.ReadState(id)
		if !a.Equal(b) {
			t.Fatalf("state %d differs", id)
		}
	}
	dh, _ := host.Digest(21)
	dc, _ := c.Digest(21)
	if dh != dc {
		t.Fatalf("digest mismatch")
	}
	if !c.Slot(21).Inputs[0].Equal(sum.Inputs[0]) {
		t.Fatalf("inputs lost")
	}
	advanceTo(t, host, 22)
	advanceTo(t, c, 22)
	dh, _ = host.Digest(22)
	dc, _ = c.Digest(22)
	if dh != dc {
		t.Fatalf("diverged after one step")
	}

	// The applier path reaches the same result on a fresh ring.
	p, err := New(Config{Role: RolePredictor, Capacity: 16, StartFrame: 21, Epoch: epoch, LocalPlayer: 7, Stepper: StepFunc(lineStep)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.ApplySummary(msg.(protocol.SummaryMsg))
	if !reflect.DeepEqual(p.Live(), host.Live()) {
		t.Fatalf("applied live %v vs %v", p.Live(), host.Live())
	}
	dp, _ := p.Digest(21)
	if dh21, _ := host.Digest(21); dp != dh21 {
		t.Fatalf("applied digest mismatch")
	}
	if !p.Slot(21).Inputs[0].Equal(sum.Inputs[0]) {
		t.Fatalf("applied inputs lost")
	}
	advanceTo(t, p, 22)
	if dp, _ = p.Digest(22); dp != dh {
		t.Fatalf("applied core diverged after one step")
	}
}

func TestFutureSummariesAllApplied(t *testing.T) {
	c := newCore(t, RolePredictor, 32, nil)
	advanceTo(t, c, 10)
	c.ApplySummary(protocol.SummaryMsg{Frame: 20, Inputs: map[protocol.PlayerID]protocol.Input{2: {Buttons: protocol.ButtonA}}})
	c.ApplySummary(protocol.SummaryMsg{Frame: 25, Inputs: map[protocol.PlayerID]protocol.Input{3: {Buttons: protocol.ButtonD}}})
	if c.QueuedFuture() != 2 {
		t.Fatalf("queued=%d", c.QueuedFuture())
	}
	advanceTo(t, c, 26)
	if !c.Slot(20).Inputs[2].Buttons.Has(protocol.ButtonA) {
		t.Fatalf("summary at 20 not applied")
	}
	if !c.Slot(25).Inputs[3].Buttons.Has(protocol.ButtonD) {
		t.Fatalf("summary at 25 not applied")
	}
	if c.QueuedFuture() != 0 {
		t.Fatalf("queued=%d after reaching both frames", c.QueuedFuture())
	}
}

func TestFutureCorrectionBuffered(t *testing.T) {
	c := newCore(t, RoleAuthority, 16, nil)
	out := &recordingOutbox{}
	c.SetOutbox(out)
	body := MakeID(1, 1)
	if err := c.Spawn(body, playerState(1, 0)); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	advanceTo(t, c, 10)

	claim := c.Slot(10).Objects[body].State.Clone()
	claim.Body.Pos.X = 11 + 30
	claim.Body.Pos.Y = 10
	ev := StateEvent{Frame: 11, ID: body, From: 1, Source: Peer, Record: Record{Exists: true, State: claim}}
	if v := c.HandleState(ev); v != Queued {
		t.Fatalf("verdict=%s", v)
	}
	var slowed bool
	for _, m := range out.sent {
		if sd, ok := m.Msg.(protocol.SlowDownMsg); ok && m.Dest == ToPlayer && m.Player == 1 && sd.LastFrame == 10 {
			slowed = true
		}
	}
	if !slowed {
		t.Fatalf("no SlowDown sent: %+v", out.sent)
	}

	advanceTo(t, c, 11)
	st, _ := c.ReadState(body)
	if st.Body.Pos.X != 41 {
		t.Fatalf("x=%d want 41", st.Body.Pos.X)
	}
	if c.QueuedFuture() != 0 {
		t.Fatalf("queued=%d", c.QueuedFuture())
	}
}

func TestFutureQueueCap(t *testing.T) {
	c, err := New(Config{Role: RoleAuthority, Capacity: 16, Epoch: epoch, FutureQueueCap: 2, Stepper: StepFunc(lineStep)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out := &recordingOutbox{}
	c.SetOutbox(out)
	for i, want := range []Verdict{Queued, Queued, Dropped} {
		v := c.HandleInput(InputEvent{Frame: protocol.Frame(5 + i), Player: 1, From: 1, Source: Peer, Input: protocol.Input{Buttons: protocol.ButtonS}})
		if v != want {
			t.Fatalf("event %d verdict=%s want %s", i, v, want)
		}
	}
	if !errors.Is(out.disconnects[1], ErrFutureQueueFull) {
		t.Fatalf("expected disconnect, got %v", out.disconnects)
	}
	c.Forget(1)
	if c.QueuedFuture() != 0 {
		t.Fatalf("forget left %d", c.QueuedFuture())
	}
}

func TestCorrectionPolicy(t *testing.T) {
	c := newCore(t, RoleAuthority, 16, nil)
	body := MakeID(1, 1)
	if err := c.Spawn(body, playerState(1, 0)); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	advanceTo(t, c, 10)

	claim := func(dx int64) protocol.State {
		st := c.Slot(5).Objects[body].State.Clone()
		st.Body.Pos.X += dx
		return st
	}
	cases := []struct {
		name string
		ev   StateEvent
		want Verdict
	}{
		{"other player", StateEvent{Frame: 5, ID: body, From: 2, Record: Record{Exists: true, State: claim(10)}}, Rejected},
		{"out of tolerance", StateEvent{Frame: 5, ID: body, From: 1, Record: Record{Exists: true, State: claim(101)}}, Rejected},
		{"unbound", StateEvent{Frame: 5, ID: MakeID(1, 99), From: 1, Record: Record{Exists: true, State: claim(0)}}, Rejected},
		{"despawn claim", StateEvent{Frame: 5, ID: body, From: 1, Record: Record{Exists: false, State: claim(0)}}, Rejected},
		{"same", StateEvent{Frame: 5, ID: body, From: 1, Record: Record{Exists: true, State: claim(0)}}, Duplicate},
		{"accepted", StateEvent{Frame: 5, ID: body, From: 1, Record: Record{Exists: true, State: claim(40)}}, AppliedDirty},
	}
	for _, tc := range cases {
		tc.ev.Source = Peer
		if got := c.HandleState(tc.ev); got != tc.want {
			t.Fatalf("%s: verdict=%s want %s", tc.name, got, tc.want)
		}
	}
	if c.Stats().Conflicts != 1 {
		t.Fatalf("conflicts=%d", c.Stats().Conflicts)
	}
	if err := c.Tick(at(10)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	st, _ := c.ReadState(body)
	if st.Body.Pos.X != 40+10 {
		t.Fatalf("x=%d want 50", st.Body.Pos.X)
	}
}

func TestHostKeepsFirstInput(t *testing.T) {
	c := newCore(t, RoleAuthority, 16, nil)
	out := &recordingOutbox{}
	c.SetOutbox(out)
	advanceTo(t, c, 6)
	first := protocol.Input{Buttons: protocol.ButtonW}
	if v := c.HandleInput(InputEvent{Frame: 5, Player: 1, From: 1, Source: Peer, Input: first}); v != AppliedDirty {
		t.Fatalf("verdict=%s", v)
	}
	if v := c.HandleInput(InputEvent{Frame: 5, Player: 1, From: 1, Source: Peer, Input: protocol.Input{Buttons: protocol.ButtonS}}); v != Rejected {
		t.Fatalf("verdict=%s", v)
	}
	lastMsg := out.sent[len(out.sent)-1]
	in, ok := lastMsg.Msg.(protocol.InputMsg)
	if !ok || lastMsg.Dest != ToPlayer || lastMsg.Player != 1 || !in.Input.Equal(first) {
		t.Fatalf("host did not answer with its value: %+v", lastMsg)
	}
	if v := c.HandleInput(InputEvent{Frame: 5, Player: 2, From: 1, Source: Peer, Input: first}); v != Rejected {
		t.Fatalf("input for another player verdict=%s", v)
	}
	spawn := protocol.Input{Spawn: &protocol.SpawnSignal{Body: MakeID(2, 1), Gun: MakeID(2, 2)}}
	if v := c.HandleInput(InputEvent{Frame: 6, Player: 1, From: 1, Source: Peer, Input: spawn}); v != Rejected {
		t.Fatalf("foreign id space verdict=%s", v)
	}
}

func TestPredictorAuthorityOverwritesInput(t *testing.T) {
	c := newCore(t, RolePredictor, 16, nil)
	out := &recordingOutbox{}
	c.SetOutbox(out)
	advanceTo(t, c, 6)
	if v := c.HandleInput(InputEvent{Frame: 6, Player: 0, Source: Local, Input: protocol.Input{Buttons: protocol.ButtonW}}); v != Applied {
		t.Fatalf("verdict=%s", v)
	}
	if len(out.sent) != 1 || out.sent[0].Dest != ToAuthority {
		t.Fatalf("local input not sent to host: %+v", out.sent)
	}
	advanceTo(t, c, 8)
	if v := c.HandleInput(InputEvent{Frame: 6, Player: 0, Source: Authority, Input: protocol.Input{Buttons: protocol.ButtonA}}); v != AppliedDirty {
		t.Fatalf("verdict=%s", v)
	}
	if !c.Slot(6).Inputs[0].Buttons.Has(protocol.ButtonA) {
		t.Fatalf("authority value not stored")
	}
}

func TestLateSpawnCarriedForward(t *testing.T) {
	c := newCore(t, RolePredictor, 16, nil)
	advanceTo(t, c, 10)
	if v := c.HandleState(StateEvent{Frame: 7, ID: 42, Record: Record{Exists: true, State: playerState(3, 0)}, Source: Authority}); v != AppliedDirty {
		t.Fatalf("verdict=%s", v)
	}
	if v := c.HandleState(StateEvent{Frame: 7, ID: 43, Record: Record{Exists: false}, Source: Authority}); v != Ignored {
		t.Fatalf("unbound not-existing verdict=%s", v)
	}
	if err := c.Tick(at(10)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	st, ok := c.ReadState(42)
	if !ok || st.Body.Pos.X != 3 {
		t.Fatalf("state=%+v ok=%v", st, ok)
	}
}

func TestPresenceFromPeerRejected(t *testing.T) {
	c := newCore(t, RoleAuthority, 16, nil)
	v := c.HandlePresence(PresenceEvent{Frame: 0, Live: mapset.NewSet[protocol.RollbackID](), Source: Peer, From: 1})
	if v != Rejected {
		t.Fatalf("verdict=%s", v)
	}
}

func TestStepPanicIsDivergence(t *testing.T) {
	step := StepFunc(func(f protocol.Frame, w *World, in map[protocol.PlayerID]protocol.Input) error {
		if f == 3 {
			panic("boom")
		}
		return nil
	})
	c := newCore(t, RolePredictor, 16, step)
	err := c.Tick(at(10))
	var div *DivergenceError
	if !errors.As(err, &div) || div.Frame != 3 {
		t.Fatalf("expected divergence at 3, got %v", err)
	}
	if Code(err) != protocol.ErrDivergence {
		t.Fatalf("code=%s", Code(err))
	}
}

func TestJournalOnEviction(t *testing.T) {
	c := newCore(t, RoleAuthority, 4, nil)
	j := &recordingJournal{}
	c.SetJournal(j)
	_ = c.Spawn(1, playerState(0, 0))
	advanceTo(t, c, 3)
	want, _ := c.Digest(0)
	advanceTo(t, c, 5)
	if len(j.frames) != 2 || j.frames[0].Frame != 0 || j.frames[1].Frame != 1 {
		t.Fatalf("frames=%+v", j.frames)
	}
	if j.frames[0].Digest != want {
		t.Fatalf("journal digest mismatch")
	}
	if DigestOf(j.frames[0].States) != want {
		t.Fatalf("DigestOf disagrees with slot digest")
	}
}

func TestTickCatchUpCapped(t *testing.T) {
	c, err := New(Config{Role: RoleAuthority, Capacity: 16, Epoch: epoch, MaxFramesPerTick: 5, Stepper: StepFunc(lineStep)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Tick(at(100)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if c.Last() != 5 {
		t.Fatalf("last=%d want 5", c.Last())
	}
	if f, ok := c.SummaryFrame(); !ok || f != 1 {
		t.Fatalf("summary frame=%d ok=%v", f, ok)
	}
}

func TestRestoreProjectsSlot(t *testing.T) {
	c := newCore(t, RoleAuthority, 16, nil)
	_ = c.Spawn(1, playerState(0, 0))
	_ = c.Spawn(2, playerState(1, 0))
	advanceTo(t, c, 3)
	c.DespawnView(2)
	advanceTo(t, c, 5)

	if err := c.Restore(2); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if ids := c.World().IDs(); len(ids) != 2 {
		t.Fatalf("frame 2 ids=%v", ids)
	}
	if st, _ := c.World().Get(1); st.Body.Pos.X != 2 {
		t.Fatalf("frame 2 x=%d", st.Body.Pos.X)
	}
	if err := c.Restore(4); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if ids := c.World().IDs(); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("frame 4 ids=%v", ids)
	}
	if err := c.Restore(100); !errors.Is(err, ErrNotCurrent) {
		t.Fatalf("err=%v", err)
	}

	advanceTo(t, c, 6)
	if st, _ := c.ReadState(1); st.Body.Pos.X != 6 {
		t.Fatalf("x after restore=%d", st.Body.Pos.X)
	}
}

func TestSignalsOwnedBy(t *testing.T) {
	cases := []struct {
		name   string
		in     protocol.Input
		player protocol.PlayerID
		ok     bool
	}{
		{"own shoot", protocol.Input{Shoot: &protocol.ShootSignal{ID: MakeID(3, 1)}}, 3, true},
		{"foreign shoot", protocol.Input{Shoot: &protocol.ShootSignal{ID: MakeID(0, 1)}}, 3, false},
		{"foreign gun", protocol.Input{Spawn: &protocol.SpawnSignal{Body: MakeID(3, 1), Gun: MakeID(4, 1)}}, 3, false},
		{"buttons past range", protocol.Input{Buttons: protocol.ButtonW}, 1 << 16, true},
		{"spawn past range", protocol.Input{Spawn: &protocol.SpawnSignal{Body: MakeID(0, 1), Gun: MakeID(0, 2)}}, 1 << 16, false},
	}
	for _, tc := range cases {
		err := signalsOwnedBy(tc.in, tc.player)
		if tc.ok != (err == nil) {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
		if err != nil && !errors.Is(err, ErrIdentityConflict) {
			t.Fatalf("%s: err=%v not an identity conflict", tc.name, err)
		}
	}
}
