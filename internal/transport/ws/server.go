package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"rollnet.dev/internal/protocol"
	"rollnet.dev/internal/sim/session"
	"rollnet.dev/internal/sim/tuning"
)

const (
	writeWait     = 5 * time.Second
	readWait      = 60 * time.Second
	handshakeWait = 5 * time.Second
)

// Server accepts predictor connections for a host session.
type Server struct {
	sess   *session.Session
	log    *log.Logger
	tuning tuning.Tuning

	upgrader websocket.Upgrader
}

func NewServer(sess *session.Session, t tuning.Tuning, logger *log.Logger) *Server {
	return &Server{
		sess:   sess,
		log:    logger,
		tuning: t,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		player, out, kick, ok := s.handshake(conn)
		if !ok {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-kick:
					closeWith(conn, protocol.ErrQueueFull, "kicked")
					_ = conn.Close()
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
						cancel()
						_ = conn.Close()
						return
					}
				}
			}
		}()

		limiter := rate.NewLimiter(rate.Limit(s.tuning.RateLimits.MessagesPerSecond), s.tuning.RateLimits.Burst)

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			mt, b, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			if !limiter.Allow() {
				s.logf("player %d exceeded %.0f msg/s", player, s.tuning.RateLimits.MessagesPerSecond)
				_ = writeJSON(conn, protocol.RejectMsg{Type: protocol.TypeReject, ProtocolVersion: protocol.Version, Code: protocol.ErrRateLimit, Message: "rate limit"})
				closeWith(conn, protocol.ErrRateLimit, "rate limit")
				break
			}
			msg, err := protocol.Decode(b)
			if err != nil {
				s.logf("player %d: %v", player, err)
				continue
			}
			select {
			case s.sess.Inbox() <- session.Envelope{From: player, Msg: msg}:
			case <-s.sess.Done():
				cancel()
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
		cancel()

		s.leave(player)
	}
}

func (s *Server) leave(player protocol.PlayerID) {
	select {
	case s.sess.Leave() <- player:
	case <-s.sess.Done():
	case <-time.After(time.Second):
	}
}

func (s *Server) handshake(conn *websocket.Conn) (player protocol.PlayerID, out chan []byte, kick chan struct{}, ok bool) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	mt, msg, err := conn.ReadMessage()
	if err != nil {
		return 0, nil, nil, false
	}
	if mt != websocket.TextMessage {
		reject(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return 0, nil, nil, false
	}
	hello, err := protocol.ParseHello(msg)
	if err != nil {
		reject(conn, protocol.ErrProtoBadRequest, err.Error())
		return 0, nil, nil, false
	}
	if hello.ProtocolVersion != s.tuning.ProtocolVersion {
		reject(conn, protocol.ErrProtoVersion, "bad protocol_version")
		return 0, nil, nil, false
	}

	size := s.tuning.OutboxSize
	if hello.MaxQueue > 0 && hello.MaxQueue < size {
		size = hello.MaxQueue
	}
	out = make(chan []byte, size)
	kick = make(chan struct{})

	respCh := make(chan session.JoinResponse, 1)
	timeout := time.NewTimer(handshakeWait)
	defer timeout.Stop()
	select {
	case s.sess.Join() <- session.JoinRequest{Name: hello.Name, Out: out, Kick: kick, Resp: respCh}:
	case <-s.sess.Done():
		reject(conn, protocol.ErrInternal, "session stopped")
		return 0, nil, nil, false
	case <-timeout.C:
		reject(conn, protocol.ErrInternal, "join timed out")
		return 0, nil, nil, false
	}
	var resp session.JoinResponse
	select {
	case resp = <-respCh:
	case <-s.sess.Done():
		reject(conn, protocol.ErrInternal, "session stopped")
		return 0, nil, nil, false
	case <-timeout.C:
		// A late grant still needs a leave.
		go func() {
			select {
			case r := <-respCh:
				if r.Err == nil {
					s.leave(r.Player)
				}
			case <-s.sess.Done():
			}
		}()
		reject(conn, protocol.ErrInternal, "join timed out")
		return 0, nil, nil, false
	}
	if resp.Err != nil {
		reject(conn, resp.Code, resp.Err.Error())
		return 0, nil, nil, false
	}

	// Granted goes out before anything queued on out.
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, resp.Granted); err != nil {
		s.leave(resp.Player)
		return 0, nil, nil, false
	}
	s.logf("player %d connected from %s", resp.Player, conn.RemoteAddr())
	return resp.Player, out, kick, true
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func reject(conn *websocket.Conn, code, message string) {
	_ = writeJSON(conn, protocol.RejectMsg{
		Type:            protocol.TypeReject,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
	closeWith(conn, code, message)
}

func closeWith(conn *websocket.Conn, code, message string) {
	reason := code
	if message != "" {
		reason += ": " + message
	}
	// Control frame payloads are limited to 125 bytes, 2 of them the code.
	if len(reason) > 123 {
		reason = reason[:123]
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
