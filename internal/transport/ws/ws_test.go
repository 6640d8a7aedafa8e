package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"rollnet.dev/internal/protocol"
	"rollnet.dev/internal/sim/game"
	"rollnet.dev/internal/sim/session"
	"rollnet.dev/internal/sim/tuning"
)

func startHost(t *testing.T, mutate func(*tuning.Tuning)) (*session.Session, string) {
	t.Helper()
	tu := tuning.Defaults()
	if mutate != nil {
		mutate(&tu)
	}
	h, err := session.NewHost(session.Config{SessionID: "ws-test", Tuning: tu, Stepper: game.Sim{}}, nil)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = h.Run(ctx) }()

	srv := httptest.NewServer(NewServer(h, tu, nil).Handler())
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func rawHello(t *testing.T, url string, hello string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	return conn
}

func expectReject(t *testing.T, conn *websocket.Conn, code string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read reject: %v", err)
	}
	var rej protocol.RejectMsg
	if mt != websocket.TextMessage || json.Unmarshal(b, &rej) != nil || rej.Code != code {
		t.Fatalf("got %d %s, want REJECT %s", mt, b, code)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("close err=%v", err)
	}
}

func TestHandshakeRejects(t *testing.T) {
	_, url := startHost(t, nil)
	cases := []struct {
		hello string
		code  string
	}{
		{`{"type":"HELLO","protocol_version":"9.9","name":"x"}`, protocol.ErrProtoVersion},
		{`{"type":"HELLO","protocol_version":"1.0"}`, protocol.ErrProtoBadRequest},
		{`{"type":"HELLO","protocol_version":"1.0","name":"x","extra":1}`, protocol.ErrProtoBadRequest},
		{`not json`, protocol.ErrProtoBadRequest},
	}
	for _, tc := range cases {
		conn := rawHello(t, url, tc.hello)
		expectReject(t, conn, tc.code)
	}
}

func TestHandshakeRejectsAfterSessionStops(t *testing.T) {
	tu := tuning.Defaults()
	h, err := session.NewHost(session.Config{SessionID: "ws-stopped", Tuning: tu, Stepper: game.Sim{}}, nil)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()
	cancel()
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session loop did not stop")
	}

	srv := httptest.NewServer(NewServer(h, tu, nil).Handler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn := rawHello(t, url, `{"type":"HELLO","protocol_version":"1.0","name":"late"}`)
	expectReject(t, conn, protocol.ErrInternal)
}

func TestDialRejectedWhenFull(t *testing.T) {
	_, url := startHost(t, func(tu *tuning.Tuning) { tu.MaxPeers = 1 })
	ctx := context.Background()
	first, err := Dial(ctx, url, "a", 64, nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer first.conn.Close()
	_, err = Dial(ctx, url, "b", 64, nil)
	if !IsReject(err, protocol.ErrSessionFull) {
		t.Fatalf("err=%v", err)
	}
}

func TestPredictorOverWebsocket(t *testing.T) {
	h, url := startHost(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link, err := Dial(ctx, url, "bot", 256, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if link.Granted.Player != 1 || link.Granted.IdentitySpace != 1 || link.Granted.SessionID != "ws-test" {
		t.Fatalf("granted=%+v", link.Granted)
	}
	p, err := session.NewPredictor(session.Config{Tuning: tuning.Defaults(), Stepper: game.Sim{}}, link.Granted, link.Uplink)
	if err != nil {
		t.Fatalf("predictor: %v", err)
	}
	p.SetInput(&game.Wander{Player: p.Player(), Allocate: p.Allocate})
	go func() { _ = link.Run(ctx, p) }()
	go func() { _ = p.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		m := h.Metrics()
		if m.Peers == 1 && m.Live >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("host never saw the predictor's body: %+v", m)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRateLimitClosesConnection(t *testing.T) {
	_, url := startHost(t, func(tu *tuning.Tuning) {
		tu.RateLimits.MessagesPerSecond = 1
		tu.RateLimits.Burst = 1
	})
	conn := rawHello(t, url, `{"type":"HELLO","protocol_version":"1.0","name":"spam"}`)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if mt, _, err := conn.ReadMessage(); err != nil || mt != websocket.BinaryMessage {
		t.Fatalf("grant: %d %v", mt, err)
	}
	b, err := protocol.Encode(protocol.InputMsg{Frame: 0, Player: 1, Input: protocol.Input{Buttons: protocol.ButtonW}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
			break
		}
	}
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("close err=%v", err)
			}
			return
		}
		if mt == websocket.TextMessage {
			var rej protocol.RejectMsg
			if json.Unmarshal(msg, &rej) != nil || rej.Code != protocol.ErrRateLimit {
				t.Fatalf("reply %s", msg)
			}
		}
	}
}
