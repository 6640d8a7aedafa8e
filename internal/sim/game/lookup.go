package game

import (
	"sort"

	"rollnet.dev/internal/protocol"
	"rollnet.dev/internal/sim/rollback"
)

// BodyOf finds player p's existing body.
func BodyOf(w *rollback.World, p protocol.PlayerID) (protocol.RollbackID, bool) {
	for _, id := range w.IDs() {
		st, _ := w.Get(id)
		if st.Kind == protocol.KindPlayer && st.Player != nil && st.Player.Player == p {
			return id, true
		}
	}
	return 0, false
}

// GunOf finds the gun attached to body.
func GunOf(w *rollback.World, body protocol.RollbackID) (protocol.RollbackID, bool) {
	for _, id := range w.IDs() {
		st, _ := w.Get(id)
		if st.Kind == protocol.KindGun && st.Gun != nil && st.Gun.Owner == body {
			return id, true
		}
	}
	return 0, false
}

// StateReader is the read side of rollback.Core used by game code.
type StateReader interface {
	Live() []protocol.RollbackID
	ReadState(id protocol.RollbackID) (protocol.State, bool)
}

// Owned lists the live objects that belong to player p: its bodies and the
// guns attached to them. Bullets already in flight are left alone.
func Owned(r StateReader, p protocol.PlayerID) []protocol.RollbackID {
	live := r.Live()
	bodies := map[protocol.RollbackID]bool{}
	var out []protocol.RollbackID
	for _, id := range live {
		st, ok := r.ReadState(id)
		if ok && st.Kind == protocol.KindPlayer && st.Player.Player == p {
			bodies[id] = true
			out = append(out, id)
		}
	}
	for _, id := range live {
		st, ok := r.ReadState(id)
		if ok && st.Kind == protocol.KindGun && bodies[st.Gun.Owner] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasBody reports whether p has a live body.
func HasBody(r StateReader, p protocol.PlayerID) bool {
	for _, id := range r.Live() {
		if st, ok := r.ReadState(id); ok && st.Kind == protocol.KindPlayer && st.Player.Player == p {
			return true
		}
	}
	return false
}

func sortedPlayers(m map[protocol.PlayerID]protocol.Input) []protocol.PlayerID {
	out := make([]protocol.PlayerID, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
