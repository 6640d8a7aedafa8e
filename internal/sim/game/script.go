package game

import "rollnet.dev/internal/protocol"

// Wander produces scripted input for a headless participant: it spawns once,
// then walks a square, turns with the mouse and fires periodically.
type Wander struct {
	Player     protocol.PlayerID
	Allocate   func() protocol.RollbackID
	ShootEvery protocol.Frame

	spawnedAt protocol.Frame
	spawned   bool
}

// Next returns the input for frame f. alive reports whether the player
// currently has a body; a dead player asks to respawn.
func (s *Wander) Next(f protocol.Frame, alive bool) protocol.Input {
	if !alive {
		// Wait a second between spawn requests so an in-flight spawn is not
		// duplicated before it becomes visible.
		if s.spawned && f < s.spawnedAt+50 {
			return protocol.Input{}
		}
		s.spawned, s.spawnedAt = true, f
		return protocol.Input{Spawn: &protocol.SpawnSignal{Body: s.Allocate(), Gun: s.Allocate()}}
	}
	var in protocol.Input
	switch (f / 40) % 4 {
	case 0:
		in.Buttons = protocol.ButtonW
	case 1:
		in.Buttons = protocol.ButtonD
	case 2:
		in.Buttons = protocol.ButtonS
	default:
		in.Buttons = protocol.ButtonA
	}
	if f%40 == 0 {
		in.Mouse = [][2]int16{{int16(QuarterTurn / MouseScale / 4), 0}}
	}
	every := s.ShootEvery
	if every == 0 {
		every = 25
	}
	if f%every == 0 {
		in.Shoot = &protocol.ShootSignal{ID: s.Allocate()}
	}
	return in
}
