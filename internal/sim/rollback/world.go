package rollback

import (
	"fmt"

	"rollnet.dev/internal/protocol"
)

// Stepper advances the world by one frame. It must depend only on w and
// inputs; inputs is read-only.
type Stepper interface {
	Step(frame protocol.Frame, w *World, inputs map[protocol.PlayerID]protocol.Input) error
}

type StepFunc func(frame protocol.Frame, w *World, inputs map[protocol.PlayerID]protocol.Input) error

func (f StepFunc) Step(frame protocol.Frame, w *World, inputs map[protocol.PlayerID]protocol.Input) error {
	return f(frame, w, inputs)
}

// World is the projection of one slot that the step function mutates.
// Objects with Exists=false are invisible through it.
type World struct {
	frame protocol.Frame
	reg   *Registry
	born  []protocol.RollbackID
}

func (w *World) Frame() protocol.Frame { return w.frame }

// IDs lists existing objects in ascending id order.
func (w *World) IDs() []protocol.RollbackID {
	all := w.reg.IDs()
	out := all[:0]
	for _, id := range all {
		if o, ok := w.reg.Lookup(id); ok && o.Exists {
			out = append(out, id)
		}
	}
	return out
}

// Get returns a copy of an existing object's state.
func (w *World) Get(id protocol.RollbackID) (protocol.State, bool) {
	o, ok := w.reg.Lookup(id)
	if !ok || !o.Exists {
		return protocol.State{}, false
	}
	return o.State.Clone(), true
}

// Set replaces an existing object's state.
func (w *World) Set(id protocol.RollbackID, st protocol.State) bool {
	o, ok := w.reg.Lookup(id)
	if !ok || !o.Exists {
		return false
	}
	o.State = st
	return true
}

// Spawn makes id exist with st. An id that is bound but not existing at
// this frame (a re-simulated spawn) is rematerialized.
func (w *World) Spawn(id protocol.RollbackID, st protocol.State) error {
	if err := st.Validate(); err != nil {
		return err
	}
	if o, ok := w.reg.Lookup(id); ok {
		if o.Exists {
			return fmt.Errorf("%w: spawn of live id %d", ErrIdentityConflict, id)
		}
		o.Exists = true
		o.State = st
		o.retired = false
		return nil
	}
	o := &Object{ID: id, Exists: true, State: st}
	if err := w.reg.Bind(id, o); err != nil {
		return err
	}
	w.born = append(w.born, id)
	return nil
}

func (w *World) Despawn(id protocol.RollbackID) {
	if o, ok := w.reg.Lookup(id); ok {
		o.Exists = false
	}
}
