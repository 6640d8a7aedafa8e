package observer

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"rollnet.dev/internal/observerproto"
	"rollnet.dev/internal/protocol"
	"rollnet.dev/internal/sim/rollback"
	"rollnet.dev/internal/sim/session"
)

// Source is the read side of a running session.
type Source interface {
	SessionID() string
	TickDuration() time.Duration
	Metrics() session.Metrics
	DumpSlot(ctx context.Context, f protocol.Frame) (rollback.SlotDump, bool, error)
}

type Server struct {
	src Source
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(src Source, logger *log.Logger) *Server {
	return &Server{
		src: src,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		m := s.src.Metrics()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			SessionID:       s.src.SessionID(),
			Role:            m.Role,
			Player:          m.Player,
			Frame:           m.Last,
			TickRateHz:      int(time.Second / s.src.TickDuration()),
			Capacity:        m.Capacity,
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// The first message must be SUBSCRIBE.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		subs := make(chan observerproto.SubscribeMsg, 1)
		subs <- sub

		writeErr := make(chan error, 1)
		go func() {
			writeErr <- s.stream(ctx, conn, subs)
		}()

		// Later SUBSCRIBE messages change the interval or the object flag.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			sub, ok := parseSubscribe(msg)
			if !ok {
				continue
			}
			select {
			case subs <- sub:
			default:
				// A pending update is still unread; this one is dropped.
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, subs <-chan observerproto.SubscribeMsg) error {
	sub := <-subs
	ticker := time.NewTicker(time.Duration(sub.IntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next := <-subs:
			if next.IntervalMs != sub.IntervalMs {
				ticker.Reset(time.Duration(next.IntervalMs) * time.Millisecond)
			}
			sub = next
		case <-ticker.C:
			st := s.status(ctx, sub.Objects)
			b, err := json.Marshal(st)
			if err != nil {
				return err
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return err
			}
		}
	}
}

func (s *Server) status(ctx context.Context, objects bool) observerproto.StatusMsg {
	m := s.src.Metrics()
	st := observerproto.StatusMsg{
		Type:            observerproto.TypeStatus,
		ProtocolVersion: observerproto.Version,
		Frame:           m.Last,
		Oldest:          m.Oldest,
		Live:            m.Live,
		Bound:           m.Bound,
		DirtySlots:      m.DirtySlots,
		QueuedFuture:    m.QueuedFuture,
		Peers:           m.Peers,
		Digest:          m.Digest,
		Resimulated:     m.Stats.Resimulated,
		Dropped:         m.Stats.Dropped,
		Rejected:        m.Stats.Rejected,
		StepMillis:      m.StepMillis,
	}
	if !objects {
		return st
	}
	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	dump, ok, err := s.src.DumpSlot(dctx, m.Last)
	if err != nil || !ok {
		return st
	}
	st.Objects = objectViews(dump)
	return st
}

func objectViews(d rollback.SlotDump) []observerproto.ObjectView {
	out := make([]observerproto.ObjectView, 0, len(d.Objects))
	for id, rec := range d.Objects {
		if !rec.Exists {
			continue
		}
		b := rec.State.Body
		v := observerproto.ObjectView{
			ID:   id,
			Kind: rec.State.Kind.String(),
			Pos:  [3]int64{b.Pos.X, b.Pos.Y, b.Pos.Z},
			Yaw:  b.Yaw,
		}
		if p := rec.State.Player; p != nil {
			v.Player = uint64(p.Player)
			v.Health = p.Health
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	if sub.IntervalMs <= 0 {
		sub.IntervalMs = 250
	}
	if sub.IntervalMs < 20 {
		sub.IntervalMs = 20
	}
	if sub.IntervalMs > 10_000 {
		sub.IntervalMs = 10_000
	}
	return sub, true
}

// IsLoopbackRemote reports whether an http.Request.RemoteAddr is a loopback
// address.
func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
