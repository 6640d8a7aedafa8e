package protocol

// HELLO (predictor -> host), first text frame on a connection.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Name            string `json:"name"`
	MaxQueue        int    `json:"max_queue,omitempty"`
}

// REJECT (host -> predictor) precedes a close when a HELLO is refused.
type RejectMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

// Input carries one player's captured input for one frame.
type InputMsg struct {
	Frame  Frame    `msgpack:"f"`
	Player PlayerID `msgpack:"p"`
	Input  Input    `msgpack:"i"`
}

// Correction is a predictor's claim about its own object's state at a frame.
// The host applies it only under its acceptance policy.
type CorrectionMsg struct {
	Frame Frame      `msgpack:"f"`
	ID    RollbackID `msgpack:"id"`
	State State      `msgpack:"s"`
}

// SummaryMsg is a full snapshot of one frame. Every listed state is alive at
// Frame; a bound id missing from States is dead at Frame.
type SummaryMsg struct {
	Frame  Frame                `msgpack:"f"`
	States map[RollbackID]State `msgpack:"s"`
	Inputs map[PlayerID]Input   `msgpack:"i"`
}

// GrantedMsg answers a HELLO. The predictor starts its history at LastFrame
// from Initial and maps wall clock to frames using EpochUnixNano.
type GrantedMsg struct {
	SessionID     string     `msgpack:"sid"`
	Player        PlayerID   `msgpack:"p"`
	IdentitySpace uint16     `msgpack:"space"`
	LastFrame     Frame      `msgpack:"last"`
	EpochUnixNano int64      `msgpack:"epoch"`
	TickRateHz    int        `msgpack:"hz"`
	Capacity      int        `msgpack:"cap"`
	Initial       SummaryMsg `msgpack:"init"`
}

type ConnectedMsg struct {
	Player PlayerID `msgpack:"p"`
	Name   string   `msgpack:"n,omitempty"`
}

type DisconnectedMsg struct {
	Player PlayerID `msgpack:"p"`
}

// SlowDownMsg tells a predictor that it sent input from the host's future.
type SlowDownMsg struct {
	LastFrame Frame `msgpack:"last"`
}
