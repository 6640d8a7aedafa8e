package protocol

import (
	"errors"
	"fmt"
)

// Buttons is a bitmask of held buttons.
type Buttons uint16

const (
	ButtonW Buttons = 1 << iota
	ButtonS
	ButtonA
	ButtonD
	ButtonQ
	ButtonE
	ButtonShift
	ButtonSpace
)

func (b Buttons) Has(x Buttons) bool { return b&x == x }

type ShootSignal struct {
	ID RollbackID `msgpack:"id"`
}

// SpawnSignal asks the simulation to create a player body and its gun under
// ids minted by the issuing participant.
type SpawnSignal struct {
	Body RollbackID `msgpack:"body"`
	Gun  RollbackID `msgpack:"gun"`
}

// Input is what one player did during one frame. An empty Input means
// "no new input" and is never stored.
type Input struct {
	Buttons Buttons      `msgpack:"b,omitempty"`
	Mouse   [][2]int16   `msgpack:"m,omitempty"`
	Shoot   *ShootSignal `msgpack:"s,omitempty"`
	Spawn   *SpawnSignal `msgpack:"sp,omitempty"`
}

func (in Input) IsEmpty() bool {
	return in.Buttons == 0 && len(in.Mouse) == 0 && in.Shoot == nil && in.Spawn == nil
}

func (in Input) Equal(o Input) bool {
	if in.Buttons != o.Buttons || len(in.Mouse) != len(o.Mouse) {
		return false
	}
	for i := range in.Mouse {
		if in.Mouse[i] != o.Mouse[i] {
			return false
		}
	}
	if (in.Shoot == nil) != (o.Shoot == nil) || (in.Shoot != nil && *in.Shoot != *o.Shoot) {
		return false
	}
	if (in.Spawn == nil) != (o.Spawn == nil) || (in.Spawn != nil && *in.Spawn != *o.Spawn) {
		return false
	}
	return true
}

func (in Input) Clone() Input {
	out := Input{Buttons: in.Buttons}
	if len(in.Mouse) > 0 {
		out.Mouse = append([][2]int16(nil), in.Mouse...)
	}
	if in.Shoot != nil {
		s := *in.Shoot
		out.Shoot = &s
	}
	if in.Spawn != nil {
		s := *in.Spawn
		out.Spawn = &s
	}
	return out
}

// Vec3 is a fixed-point vector in thousandths of a world unit.
type Vec3 struct {
	X int64 `msgpack:"x"`
	Y int64 `msgpack:"y"`
	Z int64 `msgpack:"z"`
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z} }

// Body is the kinematic part shared by every kind. Angles are milliradians.
type Body struct {
	Pos   Vec3  `msgpack:"pos"`
	Vel   Vec3  `msgpack:"vel"`
	Yaw   int32 `msgpack:"yaw"`
	Pitch int32 `msgpack:"pitch"`
}

// Kind is the closed set of networked object types.
type Kind uint8

const (
	KindPlayer Kind = iota + 1
	KindGun
	KindBullet
)

func (k Kind) String() string {
	switch k {
	case KindPlayer:
		return "player"
	case KindGun:
		return "gun"
	case KindBullet:
		return "bullet"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type PlayerPart struct {
	Player PlayerID `msgpack:"p"`
	Health int32    `msgpack:"hp"`
}

// GunPart is attached to a player body.
type GunPart struct {
	Owner    RollbackID `msgpack:"owner"`
	Cooldown int32      `msgpack:"cd"`
}

type BulletPart struct {
	Shooter PlayerID `msgpack:"by"`
	TTL     int32    `msgpack:"ttl"`
}

// State is everything needed to rebuild one object at one frame. Exactly the
// payload matching Kind is set.
type State struct {
	Kind   Kind        `msgpack:"k"`
	Body   Body        `msgpack:"body"`
	Player *PlayerPart `msgpack:"pl,omitempty"`
	Gun    *GunPart    `msgpack:"gun,omitempty"`
	Bullet *BulletPart `msgpack:"bu,omitempty"`
}

var ErrBadState = errors.New("invalid state payload")

func (s State) Validate() error {
	n := 0
	if s.Player != nil {
		n++
	}
	if s.Gun != nil {
		n++
	}
	if s.Bullet != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("%w: %s carries %d payloads", ErrBadState, s.Kind, n)
	}
	switch s.Kind {
	case KindPlayer:
		if s.Player == nil {
			return fmt.Errorf("%w: player without player payload", ErrBadState)
		}
	case KindGun:
		if s.Gun == nil {
			return fmt.Errorf("%w: gun without gun payload", ErrBadState)
		}
	case KindBullet:
		if s.Bullet == nil {
			return fmt.Errorf("%w: bullet without bullet payload", ErrBadState)
		}
	default:
		return fmt.Errorf("%w: unknown %s", ErrBadState, s.Kind)
	}
	return nil
}

func (s State) Equal(o State) bool {
	if s.Kind != o.Kind || s.Body != o.Body {
		return false
	}
	if (s.Player == nil) != (o.Player == nil) || (s.Player != nil && *s.Player != *o.Player) {
		return false
	}
	if (s.Gun == nil) != (o.Gun == nil) || (s.Gun != nil && *s.Gun != *o.Gun) {
		return false
	}
	if (s.Bullet == nil) != (o.Bullet == nil) || (s.Bullet != nil && *s.Bullet != *o.Bullet) {
		return false
	}
	return true
}

func (s State) Clone() State {
	out := State{Kind: s.Kind, Body: s.Body}
	if s.Player != nil {
		p := *s.Player
		out.Player = &p
	}
	if s.Gun != nil {
		g := *s.Gun
		out.Gun = &g
	}
	if s.Bullet != nil {
		b := *s.Bullet
		out.Bullet = &b
	}
	return out
}
