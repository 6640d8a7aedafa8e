package observerproto

import "rollnet.dev/internal/protocol"

// Version is the observer protocol version (separate from the peer protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeStatus    = "STATUS"
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to change settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	IntervalMs      int    `json:"interval_ms"`
	// Objects asks for the live objects at the newest frame in every status.
	Objects bool `json:"objects,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string         `json:"protocol_version"`
	SessionID       string         `json:"session_id"`
	Role            string         `json:"role"`
	Player          uint64         `json:"player"`
	Frame           protocol.Frame `json:"frame"`
	TickRateHz      int            `json:"tick_rate_hz"`
	Capacity        int            `json:"capacity"`
}

// Server -> Client, every IntervalMs.
type StatusMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Frame           protocol.Frame `json:"frame"`
	Oldest          protocol.Frame `json:"oldest"`
	Live            int            `json:"live"`
	Bound           int            `json:"bound"`
	DirtySlots      int            `json:"dirty_slots"`
	QueuedFuture    int            `json:"queued_future"`
	Peers           int            `json:"peers"`
	Digest          string         `json:"digest"`
	Resimulated     uint64         `json:"resimulated"`
	Dropped         uint64         `json:"dropped"`
	Rejected        uint64         `json:"rejected"`
	StepMillis      float64        `json:"step_ms"`

	Objects []ObjectView `json:"objects,omitempty"`
}

type ObjectView struct {
	ID     protocol.RollbackID `json:"id"`
	Kind   string              `json:"kind"`
	Pos    [3]int64            `json:"pos"`
	Yaw    int32               `json:"yaw"`
	Player uint64              `json:"player,omitempty"`
	Health int32               `json:"health,omitempty"`
}
