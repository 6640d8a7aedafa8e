// Package game is the deterministic step function for the arena: player
// bodies, the guns attached to them, and bullets. All arithmetic is integer
// so every participant computes bit-identical frames.
package game

import (
	"rollnet.dev/internal/protocol"
	"rollnet.dev/internal/sim/rollback"
)

const (
	MaxHealth    = 100
	MoveAccel    = 40
	SprintFactor = 2
	Gravity      = 30
	JumpSpeed    = 400
	// Damping is applied to player velocity each frame as v*DampNum/DampDen.
	DampNum = 9
	DampDen = 10

	TurnRate      = 50 // milliradians per frame for Q/E
	MouseScale    = 2  // milliradians per mouse count
	MaxPitch      = 1570
	FullTurn      = 6283
	QuarterTurn   = 1571
	BulletSpeed   = 800
	BulletTTL     = 100
	GunCooldown   = 10
	HitRadius     = 500
	BulletDamage  = 25
	SpawnSpacing  = 2000
	ArenaHalfSize = 50_000
)

// Sim implements rollback.Stepper.
type Sim struct{}

func (Sim) Step(_ protocol.Frame, w *rollback.World, inputs map[protocol.PlayerID]protocol.Input) error {
	players := sortedPlayers(inputs)
	for _, p := range players {
		if sp := inputs[p].Spawn; sp != nil {
			spawnPlayer(w, p, sp)
		}
	}
	for _, p := range players {
		in := inputs[p]
		body, ok := BodyOf(w, p)
		if !ok {
			continue
		}
		st, _ := w.Get(body)
		control(&st, in)
		w.Set(body, st)
		if in.Shoot != nil {
			shoot(w, p, body, st, in.Shoot.ID)
		}
	}
	integrate(w)
	collide(w)
	return nil
}

func spawnPlayer(w *rollback.World, p protocol.PlayerID, sp *protocol.SpawnSignal) {
	if _, ok := BodyOf(w, p); ok {
		return
	}
	pos := SpawnPoint(p)
	if err := w.Spawn(sp.Body, protocol.State{
		Kind:   protocol.KindPlayer,
		Body:   protocol.Body{Pos: pos},
		Player: &protocol.PlayerPart{Player: p, Health: MaxHealth},
	}); err != nil {
		return
	}
	_ = w.Spawn(sp.Gun, protocol.State{
		Kind: protocol.KindGun,
		Body: protocol.Body{Pos: pos},
		Gun:  &protocol.GunPart{Owner: sp.Body},
	})
}

// SpawnPoint spreads players along the x axis.
func SpawnPoint(p protocol.PlayerID) protocol.Vec3 {
	return protocol.Vec3{X: int64(p) * SpawnSpacing}
}

func control(st *protocol.State, in protocol.Input) {
	accel := int64(MoveAccel)
	if in.Buttons.Has(protocol.ButtonShift) {
		accel *= SprintFactor
	}
	b := &st.Body
	if in.Buttons.Has(protocol.ButtonW) {
		b.Vel.Y += accel
	}
	if in.Buttons.Has(protocol.ButtonS) {
		b.Vel.Y -= accel
	}
	if in.Buttons.Has(protocol.ButtonD) {
		b.Vel.X += accel
	}
	if in.Buttons.Has(protocol.ButtonA) {
		b.Vel.X -= accel
	}
	if in.Buttons.Has(protocol.ButtonQ) {
		b.Yaw -= TurnRate
	}
	if in.Buttons.Has(protocol.ButtonE) {
		b.Yaw += TurnRate
	}
	if in.Buttons.Has(protocol.ButtonSpace) && b.Pos.Z == 0 {
		b.Vel.Z = JumpSpeed
	}
	for _, d := range in.Mouse {
		b.Yaw += int32(d[0]) * MouseScale
		b.Pitch -= int32(d[1]) * MouseScale
	}
	b.Yaw = normYaw(b.Yaw)
	if b.Pitch > MaxPitch {
		b.Pitch = MaxPitch
	}
	if b.Pitch < -MaxPitch {
		b.Pitch = -MaxPitch
	}
}

func normYaw(y int32) int32 {
	y %= FullTurn
	if y < 0 {
		y += FullTurn
	}
	return y
}

// Facing maps a yaw to one of four axis directions.
func Facing(yaw int32) protocol.Vec3 {
	switch ((normYaw(yaw) + QuarterTurn/2) / QuarterTurn) % 4 {
	case 0:
		return protocol.Vec3{Y: 1}
	case 1:
		return protocol.Vec3{X: 1}
	case 2:
		return protocol.Vec3{Y: -1}
	default:
		return protocol.Vec3{X: -1}
	}
}

func shoot(w *rollback.World, p protocol.PlayerID, body protocol.RollbackID, st protocol.State, id protocol.RollbackID) {
	gun, ok := GunOf(w, body)
	if !ok {
		return
	}
	gs, _ := w.Get(gun)
	if gs.Gun.Cooldown > 0 {
		return
	}
	dir := Facing(st.Body.Yaw)
	err := w.Spawn(id, protocol.State{
		Kind: protocol.KindBullet,
		Body: protocol.Body{
			Pos: st.Body.Pos,
			Vel: protocol.Vec3{X: dir.X * BulletSpeed, Y: dir.Y * BulletSpeed},
			Yaw: st.Body.Yaw,
		},
		Bullet: &protocol.BulletPart{Shooter: p, TTL: BulletTTL},
	})
	if err != nil {
		return
	}
	gs.Gun.Cooldown = GunCooldown
	w.Set(gun, gs)
}

func integrate(w *rollback.World) {
	for _, id := range w.IDs() {
		st, ok := w.Get(id)
		if !ok {
			continue
		}
		switch st.Kind {
		case protocol.KindPlayer:
			b := &st.Body
			b.Pos = b.Pos.Add(b.Vel)
			b.Pos.X = clamp(b.Pos.X, -ArenaHalfSize, ArenaHalfSize)
			b.Pos.Y = clamp(b.Pos.Y, -ArenaHalfSize, ArenaHalfSize)
			if b.Pos.Z > 0 {
				b.Vel.Z -= Gravity
			} else {
				b.Pos.Z, b.Vel.Z = 0, 0
			}
			b.Vel.X = b.Vel.X * DampNum / DampDen
			b.Vel.Y = b.Vel.Y * DampNum / DampDen
			w.Set(id, st)
		case protocol.KindBullet:
			st.Body.Pos = st.Body.Pos.Add(st.Body.Vel)
			st.Bullet.TTL--
			if st.Bullet.TTL <= 0 {
				w.Despawn(id)
				continue
			}
			w.Set(id, st)
		case protocol.KindGun:
			owner, ok := w.Get(st.Gun.Owner)
			if !ok {
				w.Despawn(id)
				continue
			}
			if st.Gun.Cooldown > 0 {
				st.Gun.Cooldown--
			}
			st.Body.Pos = owner.Body.Pos
			st.Body.Yaw = owner.Body.Yaw
			w.Set(id, st)
		}
	}
}

func collide(w *rollback.World) {
	ids := w.IDs()
	for _, bid := range ids {
		bs, ok := w.Get(bid)
		if !ok || bs.Kind != protocol.KindBullet {
			continue
		}
		for _, pid := range ids {
			ps, ok := w.Get(pid)
			if !ok || ps.Kind != protocol.KindPlayer || ps.Player.Player == bs.Bullet.Shooter {
				continue
			}
			d := ps.Body.Pos.Sub(bs.Body.Pos)
			if abs(d.X) > HitRadius || abs(d.Y) > HitRadius || abs(d.Z) > HitRadius {
				continue
			}
			w.Despawn(bid)
			ps.Player.Health -= BulletDamage
			if ps.Player.Health <= 0 {
				w.Despawn(pid)
			} else {
				w.Set(pid, ps)
			}
			break
		}
	}
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
