package rollback

import (
	mapset "github.com/deckarep/golang-set/v2"

	"rollnet.dev/internal/protocol"
)

// Source says who produced an event.
type Source uint8

const (
	// Local events come from this participant's own game code.
	Local Source = iota
	// Authority events come from the host.
	Authority
	// Peer events come from a predictor connected to this host.
	Peer
)

func (s Source) String() string {
	switch s {
	case Local:
		return "local"
	case Authority:
		return "authority"
	default:
		return "peer"
	}
}

type InputEvent struct {
	Frame  protocol.Frame
	Player protocol.PlayerID
	Input  protocol.Input
	Source Source
	From   protocol.PlayerID
}

type StateEvent struct {
	Frame  protocol.Frame
	ID     protocol.RollbackID
	Record Record
	Source Source
	From   protocol.PlayerID
}

// PresenceEvent asserts that exactly the ids in Live exist at Frame.
type PresenceEvent struct {
	Frame  protocol.Frame
	Live   mapset.Set[protocol.RollbackID]
	Source Source
	From   protocol.PlayerID
}

// Verdict is the outcome of handling one event.
type Verdict uint8

const (
	Applied Verdict = iota
	AppliedDirty
	Duplicate
	Queued
	Ignored
	Dropped
	Rejected
)

func (v Verdict) String() string {
	switch v {
	case Applied:
		return "applied"
	case AppliedDirty:
		return "applied_dirty"
	case Duplicate:
		return "duplicate"
	case Queued:
		return "queued"
	case Ignored:
		return "ignored"
	case Dropped:
		return "dropped"
	default:
		return "rejected"
	}
}

// Dest selects the recipients of an outbound message.
type Dest uint8

const (
	ToAuthority Dest = iota
	ToPlayer
	ToAllExcept
)

type Outbound struct {
	Dest   Dest
	Player protocol.PlayerID
	Msg    any
}

// Outbox receives messages produced while handling events. Calls happen on
// the goroutine that owns the Core and must not block.
type Outbox interface {
	Send(Outbound)
	Disconnect(player protocol.PlayerID, err error)
}

// View is told when handles are bound and freed.
type View interface {
	Spawned(id protocol.RollbackID, st protocol.State)
	Freed(id protocol.RollbackID)
}

// FrameEntry describes a finalized frame: the frame is leaving the ring and
// can no longer change on this participant.
type FrameEntry struct {
	Frame  protocol.Frame                         `json:"frame"`
	Digest string                                 `json:"digest"`
	States map[protocol.RollbackID]protocol.State `json:"states"`
	Inputs map[protocol.PlayerID]protocol.Input   `json:"inputs,omitempty"`
}

type DropEntry struct {
	Last   protocol.Frame      `json:"last"`
	Frame  protocol.Frame      `json:"frame"`
	Kind   string              `json:"kind"`
	ID     protocol.RollbackID `json:"id,omitempty"`
	Player protocol.PlayerID   `json:"player"`
	From   protocol.PlayerID   `json:"from"`
	Source string              `json:"source"`
	Reason string              `json:"reason"`
}

type Journal interface {
	WriteFrame(FrameEntry)
	WriteDrop(DropEntry)
}

type nopOutbox struct{}

func (nopOutbox) Send(Outbound)                       {}
func (nopOutbox) Disconnect(protocol.PlayerID, error) {}

type nopView struct{}

func (nopView) Spawned(protocol.RollbackID, protocol.State) {}
func (nopView) Freed(protocol.RollbackID)                   {}

type nopJournal struct{}

func (nopJournal) WriteFrame(FrameEntry) {}
func (nopJournal) WriteDrop(DropEntry)   {}
