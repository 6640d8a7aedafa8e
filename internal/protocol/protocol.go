package protocol

import "encoding/json"

const Version = "1.0"

// Handshake message types (JSON text frames).
const (
	TypeHello  = "HELLO"
	TypeReject = "REJECT"
)

// Binary message types (msgpack envelopes).
const (
	MsgInput        = "input"
	MsgCorrection   = "correction"
	MsgSummary      = "summary"
	MsgGranted      = "granted"
	MsgConnected    = "connected"
	MsgDisconnected = "disconnected"
	MsgSlowDown     = "slow_down"
)

// Frame is a simulation frame number. Frames are never reused.
type Frame uint64

// RollbackID names a networked object for the lifetime of a session.
// Zero is never issued.
type RollbackID uint64

// PlayerID is the connection-assigned player number. The host is player 0.
type PlayerID uint64

const HostPlayer PlayerID = 0

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
