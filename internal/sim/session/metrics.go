package session

import (
	"errors"
	"time"

	"rollnet.dev/internal/sim/rollback"
)

var errSlowConsumer = errors.New("outbound queue full")

type counters struct {
	sent  uint64
	bytes uint64
	drops uint64
	kicks uint64
}

// Metrics is published by the loop after every tick and read from any
// goroutine.
type Metrics struct {
	rollback.Status

	SessionID     string  `json:"session_id"`
	Player        uint64  `json:"player"`
	Peers         int     `json:"peers"`
	Summaries     uint64  `json:"summaries"`
	SentMessages  uint64  `json:"sent_messages"`
	SentBytes     uint64  `json:"sent_bytes"`
	OutboundDrops uint64  `json:"outbound_drops"`
	Kicks         uint64  `json:"kicks"`
	StepMillis    float64 `json:"step_ms"`
}

func (s *Session) publish(took time.Duration) {
	peers := len(s.peers)
	if s.role == rollback.RolePredictor {
		peers = len(s.names)
	}
	s.metrics.Store(Metrics{
		Status:        s.core.Status(),
		SessionID:     s.cfg.SessionID,
		Player:        uint64(s.player),
		Peers:         peers,
		Summaries:     s.summaries,
		SentMessages:  s.counters.sent,
		SentBytes:     s.counters.bytes,
		OutboundDrops: s.counters.drops,
		Kicks:         s.counters.kicks,
		StepMillis:    float64(took.Microseconds()) / 1000,
	})
}

func (s *Session) Metrics() Metrics {
	m, _ := s.metrics.Load().(Metrics)
	return m
}
