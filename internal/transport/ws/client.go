package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"rollnet.dev/internal/protocol"
	"rollnet.dev/internal/sim/session"
)

// RejectError is returned by Dial when the host refuses the HELLO.
type RejectError struct {
	Code    string
	Message string
}

func (e *RejectError) Error() string {
	if e.Message == "" {
		return "rejected: " + e.Code
	}
	return fmt.Sprintf("rejected: %s: %s", e.Code, e.Message)
}

// Link is a predictor's connection to the host.
type Link struct {
	Granted protocol.GrantedMsg
	// Uplink carries encoded messages to the host.
	Uplink chan []byte

	conn *websocket.Conn
	log  *log.Logger
}

// Dial connects to a host, sends HELLO and waits for the grant.
func Dial(ctx context.Context, url, name string, queue int, logger *log.Logger) (*Link, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	hello := protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Name: name, MaxQueue: queue}
	if err := writeJSON(conn, hello); err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	mt, b, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read grant: %w", err)
	}
	if mt == websocket.TextMessage {
		conn.Close()
		var rej protocol.RejectMsg
		if err := json.Unmarshal(b, &rej); err != nil || rej.Type != protocol.TypeReject {
			return nil, fmt.Errorf("unexpected handshake reply %q", b)
		}
		return nil, &RejectError{Code: rej.Code, Message: rej.Message}
	}
	msg, err := protocol.Decode(b)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode grant: %w", err)
	}
	g, ok := msg.(protocol.GrantedMsg)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("expected grant, got %T", msg)
	}
	if queue <= 0 {
		queue = 256
	}
	return &Link{Granted: g, Uplink: make(chan []byte, queue), conn: conn, log: logger}, nil
}

// Run pumps messages between the connection and sess until either side
// stops. The session is told the host left when the connection ends.
func (l *Link) Run(ctx context.Context, sess *session.Session) error {
	defer l.conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = l.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = l.conn.Close()
				return
			case b := <-l.Uplink:
				_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := l.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	var runErr error
	for {
		_ = l.conn.SetReadDeadline(time.Now().Add(readWait))
		mt, b, err := l.conn.ReadMessage()
		if err != nil {
			if runErr == nil && ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				runErr = err
			}
			break
		}
		if mt != websocket.BinaryMessage {
			var rej protocol.RejectMsg
			if json.Unmarshal(b, &rej) == nil && rej.Type == protocol.TypeReject {
				runErr = &RejectError{Code: rej.Code, Message: rej.Message}
			}
			continue
		}
		msg, err := protocol.Decode(b)
		if err != nil {
			if l.log != nil {
				l.log.Printf("host: %v", err)
			}
			continue
		}
		select {
		case sess.Inbox() <- session.Envelope{From: protocol.HostPlayer, Msg: msg}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	cancel()

	select {
	case sess.Leave() <- protocol.HostPlayer:
	case <-sess.Done():
	case <-time.After(time.Second):
	}
	return runErr
}

// IsReject reports whether err is a host rejection with the given code.
func IsReject(err error, code string) bool {
	var rej *RejectError
	return errors.As(err, &rej) && rej.Code == code
}
