package rollback

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"rollnet.dev/internal/protocol"
)

const (
	spaceShift = 48
	seqMask    = 1<<spaceShift - 1
)

// MakeID builds a rollback id from an identity space and a sequence number.
func MakeID(space uint16, seq uint64) protocol.RollbackID {
	return protocol.RollbackID(uint64(space)<<spaceShift | seq&seqMask)
}

func SpaceOf(id protocol.RollbackID) uint16 { return uint16(uint64(id) >> spaceShift) }
func SeqOf(id protocol.RollbackID) uint64   { return uint64(id) & seqMask }

// Object is the local handle for a networked object. Its fields are the
// projection of whichever slot was restored last.
type Object struct {
	ID     protocol.RollbackID
	Exists bool
	State  protocol.State

	retired   bool
	retiredAt protocol.Frame
}

// Registry allocates ids within one identity space and maps bound ids to
// local handles. Allocate is safe from any goroutine.
type Registry struct {
	space uint16
	next  atomic.Uint64

	mu   sync.Mutex
	live map[protocol.RollbackID]*Object
}

func NewRegistry(space uint16) *Registry {
	return &Registry{space: space, live: map[protocol.RollbackID]*Object{}}
}

func (r *Registry) Space() uint16 { return r.space }

// Allocate mints a fresh id. Ids are never reused within a registry.
func (r *Registry) Allocate() protocol.RollbackID {
	seq := r.next.Add(1)
	if seq > seqMask {
		panic(fmt.Sprintf("rollback: identity space %d exhausted", r.space))
	}
	return MakeID(r.space, seq)
}

// Reserve makes sure later allocations come after seq.
func (r *Registry) Reserve(seq uint64) {
	for {
		cur := r.next.Load()
		if cur >= seq || r.next.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Next is the last sequence number handed out.
func (r *Registry) Next() uint64 { return r.next.Load() }

func (r *Registry) Bind(id protocol.RollbackID, obj *Object) error {
	if id == 0 {
		return fmt.Errorf("%w: zero id", ErrIdentityConflict)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[id]; ok {
		return fmt.Errorf("%w: %d already bound", ErrIdentityConflict, id)
	}
	r.live[id] = obj
	return nil
}

func (r *Registry) Unbind(id protocol.RollbackID) {
	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
}

func (r *Registry) Lookup(id protocol.RollbackID) (*Object, bool) {
	r.mu.Lock()
	o, ok := r.live[id]
	r.mu.Unlock()
	return o, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// IDs returns the bound ids in ascending order.
func (r *Registry) IDs() []protocol.RollbackID {
	r.mu.Lock()
	out := make([]protocol.RollbackID, 0, len(r.live))
	for id := range r.live {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
