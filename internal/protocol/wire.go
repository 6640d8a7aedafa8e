package protocol

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxBodyBytes bounds a decompressed body.
const MaxBodyBytes = 16 << 20

var ErrUnknownMessage = errors.New("unknown message type")

// envelope is the outer frame of every binary websocket message.
type envelope struct {
	T string `msgpack:"t"`
	B []byte `msgpack:"b"`
	Z bool   `msgpack:"z,omitempty"`
}

var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zdec, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBodyBytes), zstd.WithDecoderConcurrency(0))
)

func typeOf(msg any) (string, bool, error) {
	switch msg.(type) {
	case InputMsg, *InputMsg:
		return MsgInput, false, nil
	case CorrectionMsg, *CorrectionMsg:
		return MsgCorrection, false, nil
	case SummaryMsg, *SummaryMsg:
		return MsgSummary, true, nil
	case GrantedMsg, *GrantedMsg:
		return MsgGranted, true, nil
	case ConnectedMsg, *ConnectedMsg:
		return MsgConnected, false, nil
	case DisconnectedMsg, *DisconnectedMsg:
		return MsgDisconnected, false, nil
	case SlowDownMsg, *SlowDownMsg:
		return MsgSlowDown, false, nil
	default:
		return "", false, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
}

// Encode wraps msg in an envelope. Summary and Granted bodies are compressed.
func Encode(msg any) ([]byte, error) {
	t, compress, err := typeOf(msg)
	if err != nil {
		return nil, err
	}
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	env := envelope{T: t, B: body}
	if compress {
		env.B = zenc.EncodeAll(body, make([]byte, 0, len(body)/2))
		env.Z = true
	}
	return msgpack.Marshal(&env)
}

// Decode returns the typed message value (not a pointer).
func Decode(b []byte) (any, error) {
	var env envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	body := env.B
	if env.Z {
		raw, err := zdec.DecodeAll(env.B, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", env.T, err)
		}
		body = raw
	}
	switch env.T {
	case MsgInput:
		var m InputMsg
		return m, unmarshal(env.T, body, &m)
	case MsgCorrection:
		var m CorrectionMsg
		if err := unmarshal(env.T, body, &m); err != nil {
			return nil, err
		}
		return m, m.State.Validate()
	case MsgSummary:
		var m SummaryMsg
		if err := unmarshal(env.T, body, &m); err != nil {
			return nil, err
		}
		return m, m.validate()
	case MsgGranted:
		var m GrantedMsg
		if err := unmarshal(env.T, body, &m); err != nil {
			return nil, err
		}
		return m, m.Initial.validate()
	case MsgConnected:
		var m ConnectedMsg
		return m, unmarshal(env.T, body, &m)
	case MsgDisconnected:
		var m DisconnectedMsg
		return m, unmarshal(env.T, body, &m)
	case MsgSlowDown:
		var m SlowDownMsg
		return m, unmarshal(env.T, body, &m)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.T)
	}
}

func unmarshal(t string, body []byte, v any) error {
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", t, err)
	}
	return nil
}

func (m SummaryMsg) validate() error {
	for id, st := range m.States {
		if id == 0 {
			return fmt.Errorf("%w: zero rollback id in summary", ErrBadState)
		}
		if err := st.Validate(); err != nil {
			return fmt.Errorf("summary id %d: %w", id, err)
		}
	}
	return nil
}
