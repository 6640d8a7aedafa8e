package session

import (
	"rollnet.dev/internal/protocol"
	"rollnet.dev/internal/sim/rollback"
)

// Send implements rollback.Outbox.
func (s *Session) Send(m rollback.Outbound) {
	b, err := protocol.Encode(m.Msg)
	if err != nil {
		s.logger.Printf("encode %T: %v", m.Msg, err)
		return
	}
	if s.role == rollback.RolePredictor {
		if m.Dest != rollback.ToAuthority {
			return
		}
		select {
		case s.uplink <- b:
			s.counters.sent++
			s.counters.bytes += uint64(len(b))
		default:
			s.counters.drops++
			s.logger.Printf("uplink full; dropped %T", m.Msg)
		}
		return
	}
	switch m.Dest {
	case rollback.ToPlayer:
		if p, ok := s.peers[m.Player]; ok {
			s.write(p, b)
		}
	case rollback.ToAllExcept:
		for _, p := range s.sortedPeers() {
			if p.player != m.Player {
				s.write(p, b)
			}
		}
	}
}

// Disconnect implements rollback.Outbox.
func (s *Session) Disconnect(player protocol.PlayerID, err error) {
	if p, ok := s.peers[player]; ok {
		s.kick(p, err)
	}
}

func (s *Session) deliver(p *peer, msg any) {
	b, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Printf("encode %T: %v", msg, err)
		return
	}
	s.write(p, b)
}

// write queues b for p without blocking. A peer that cannot keep up is
// kicked, and its transport reports the leave.
func (s *Session) write(p *peer, b []byte) {
	if p.kicked || p.out == nil {
		return
	}
	select {
	case p.out <- b:
		s.counters.sent++
		s.counters.bytes += uint64(len(b))
	default:
		s.counters.drops++
		s.kick(p, errSlowConsumer)
	}
}

func (s *Session) kick(p *peer, err error) {
	if p.kicked {
		return
	}
	p.kicked = true
	s.counters.kicks++
	s.logger.Printf("kick player %d: %v", p.player, err)
	if p.kick != nil {
		close(p.kick)
	}
}
