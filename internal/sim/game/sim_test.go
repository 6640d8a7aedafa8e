package game_test

import (
	"testing"
	"time"

	"rollnet.dev/internal/protocol"
	"rollnet.dev/internal/sim/game"
	"rollnet.dev/internal/sim/rollback"
)

func newCore(t *testing.T) *rollback.Core {
	t.Helper()
	c, err := rollback.New(rollback.Config{
		Role:       rollback.RoleAuthority,
		Capacity:   32,
		TickRateHz: 50,
		Epoch:      time.Unix(1_700_000_000, 0),
		Stepper:    game.Sim{},
	})
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	return c
}

func input(t *testing.T, c *rollback.Core, p protocol.PlayerID, in protocol.Input) {
	t.Helper()
	v := c.HandleInput(rollback.InputEvent{Frame: c.Last(), Player: p, Input: in, Source: rollback.Local, From: p})
	if v != rollback.Applied {
		t.Fatalf("input verdict=%s", v)
	}
}

func advance(t *testing.T, c *rollback.Core) {
	t.Helper()
	if err := c.Advance(); err != nil {
		t.Fatalf("advance: %v", err)
	}
}

func spawn(t *testing.T, c *rollback.Core, p protocol.PlayerID) (body, gun protocol.RollbackID) {
	t.Helper()
	body, gun = c.Allocate(), c.Allocate()
	input(t, c, p, protocol.Input{Spawn: &protocol.SpawnSignal{Body: body, Gun: gun}})
	return body, gun
}

func TestSpawnSignalCreatesBodyAndGun(t *testing.T) {
	c := newCore(t)
	body, gun := spawn(t, c, 2)
	advance(t, c)

	bs, ok := c.ReadState(body)
	if !ok || bs.Kind != protocol.KindPlayer || bs.Player.Player != 2 || bs.Player.Health != game.MaxHealth {
		t.Fatalf("body=%+v ok=%v", bs, ok)
	}
	if bs.Body.Pos != game.SpawnPoint(2) {
		t.Fatalf("pos=%+v", bs.Body.Pos)
	}
	gs, ok := c.ReadState(gun)
	if !ok || gs.Gun.Owner != body {
		t.Fatalf("gun=%+v ok=%v", gs, ok)
	}
	if !game.HasBody(c, 2) {
		t.Fatalf("HasBody false")
	}
	owned := game.Owned(c, 2)
	if len(owned) != 2 || owned[0] != body || owned[1] != gun {
		t.Fatalf("owned=%v", owned)
	}

	// A second spawn request for a living player is ignored.
	spawn(t, c, 2)
	advance(t, c)
	if n := len(c.Live()); n != 2 {
		t.Fatalf("live=%d", n)
	}
}

func TestMovementAndDamping(t *testing.T) {
	c := newCore(t)
	body, _ := spawn(t, c, 0)
	advance(t, c)
	input(t, c, 0, protocol.Input{Buttons: protocol.ButtonW | protocol.ButtonShift})
	advance(t, c)
	st, _ := c.ReadState(body)
	want := int64(game.MoveAccel * game.SprintFactor)
	if st.Body.Pos.Y != want {
		t.Fatalf("y=%d want %d", st.Body.Pos.Y, want)
	}
	if st.Body.Vel.Y != want*game.DampNum/game.DampDen {
		t.Fatalf("vel=%d", st.Body.Vel.Y)
	}
}

func TestFacing(t *testing.T) {
	cases := []struct {
		yaw  int32
		want protocol.Vec3
	}{
		{0, protocol.Vec3{Y: 1}},
		{1570, protocol.Vec3{X: 1}},
		{3142, protocol.Vec3{Y: -1}},
		{-1571, protocol.Vec3{X: -1}},
	}
	for _, tc := range cases {
		if got := game.Facing(tc.yaw); got != tc.want {
			t.Fatalf("Facing(%d)=%+v want %+v", tc.yaw, got, tc.want)
		}
	}
}

func TestBulletHitsOtherPlayer(t *testing.T) {
	c := newCore(t)
	spawn(t, c, 0)
	target, _ := spawn(t, c, 1)
	advance(t, c)

	bullet := c.Allocate()
	input(t, c, 0, protocol.Input{Mouse: [][2]int16{{785, 0}}, Shoot: &protocol.ShootSignal{ID: bullet}})
	advance(t, c)
	bs, ok := c.ReadState(bullet)
	if !ok || bs.Body.Pos.X != game.BulletSpeed || bs.Bullet.TTL != game.BulletTTL-1 {
		t.Fatalf("bullet=%+v ok=%v", bs, ok)
	}
	advance(t, c)
	if _, ok := c.ReadState(bullet); ok {
		t.Fatalf("bullet survived the hit")
	}
	ts, _ := c.ReadState(target)
	if ts.Player.Health != game.MaxHealth-game.BulletDamage {
		t.Fatalf("health=%d", ts.Player.Health)
	}
}

func TestGunCooldown(t *testing.T) {
	c := newCore(t)
	_, gun := spawn(t, c, 0)
	advance(t, c)
	first, second := c.Allocate(), c.Allocate()
	input(t, c, 0, protocol.Input{Shoot: &protocol.ShootSignal{ID: first}})
	advance(t, c)
	input(t, c, 0, protocol.Input{Shoot: &protocol.ShootSignal{ID: second}})
	advance(t, c)
	if _, ok := c.ReadState(first); !ok {
		t.Fatalf("first bullet missing")
	}
	if _, ok := c.ReadState(second); ok {
		t.Fatalf("second bullet fired during cooldown")
	}
	gs, _ := c.ReadState(gun)
	if gs.Gun.Cooldown != game.GunCooldown-2 {
		t.Fatalf("cooldown=%d", gs.Gun.Cooldown)
	}
}

func TestDeterministicAcrossCores(t *testing.T) {
	a, b := newCore(t), newCore(t)
	wa := &game.Wander{Player: 0, Allocate: a.Allocate, ShootEvery: 7}
	wb := &game.Wander{Player: 0, Allocate: b.Allocate, ShootEvery: 7}
	for f := 0; f < 200; f++ {
		if in := wa.Next(a.Last(), game.HasBody(a, 0)); !in.IsEmpty() {
			input(t, a, 0, in)
		}
		if in := wb.Next(b.Last(), game.HasBody(b, 0)); !in.IsEmpty() {
			input(t, b, 0, in)
		}
		advance(t, a)
		advance(t, b)
	}
	da, _ := a.Digest(a.Last())
	db, _ := b.Digest(b.Last())
	if da != db {
		t.Fatalf("digests differ")
	}
	if !game.HasBody(a, 0) {
		t.Fatalf("wander never spawned")
	}
}
