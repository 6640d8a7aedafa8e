package rollback

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"rollnet.dev/internal/protocol"
)

// Digest hashes the existing records of frame f in id order.
func (c *Core) Digest(f protocol.Frame) (string, error) {
	slot := c.ring.Slot(f)
	if slot == nil {
		return "", ErrNotCurrent
	}
	return digestRecords(slot.Objects), nil
}

func digestRecords(objs map[protocol.RollbackID]Record) string {
	ids := make([]protocol.RollbackID, 0, len(objs))
	for id, rec := range objs {
		if rec.Exists {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return DigestStates(ids, func(id protocol.RollbackID) protocol.State { return objs[id].State })
}

// DigestStates hashes states for ids, which must be sorted.
func DigestStates(ids []protocol.RollbackID, get func(protocol.RollbackID) protocol.State) string {
	h := sha256.New()
	var idb [8]byte
	for _, id := range ids {
		binary.BigEndian.PutUint64(idb[:], uint64(id))
		h.Write(idb[:])
		b, err := msgpack.Marshal(get(id))
		if err != nil {
			// States are plain structs; this cannot fail.
			panic(err)
		}
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DigestOf hashes a state map the way Digest hashes a slot.
func DigestOf(states map[protocol.RollbackID]protocol.State) string {
	ids := make([]protocol.RollbackID, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return DigestStates(ids, func(id protocol.RollbackID) protocol.State { return states[id] })
}
