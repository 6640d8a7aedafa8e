package session

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"rollnet.dev/internal/persistence/snapshot"
	"rollnet.dev/internal/protocol"
	"rollnet.dev/internal/sim/game"
	"rollnet.dev/internal/sim/rollback"
)

var (
	ErrSessionFull   = errors.New("session full")
	ErrNotAuthority  = errors.New("joins are only accepted by the host")
	ErrAuthorityGone = errors.New("host connection lost")
	ErrStopped       = errors.New("session stopped")
)

func (s *Session) step(now time.Time, joins []JoinRequest, leaves []protocol.PlayerID, msgs []Envelope) error {
	start := time.Now()

	for _, p := range leaves {
		if err := s.handleLeave(p); err != nil {
			return err
		}
	}
	for _, req := range joins {
		s.handleJoin(req)
	}
	for _, env := range msgs {
		s.dispatch(now, env)
	}

	if s.input != nil {
		last := s.core.Last()
		in := s.input.Next(last, game.HasBody(s.core, s.player))
		if !in.IsEmpty() {
			s.core.HandleInput(rollback.InputEvent{
				Frame:  last,
				Player: s.player,
				Input:  in,
				Source: rollback.Local,
				From:   s.player,
			})
		}
	}

	if err := s.core.Tick(now); err != nil {
		s.logger.Printf("simulation stopped: %v", err)
		return err
	}
	s.publish(time.Since(start))
	return nil
}

func (s *Session) handleLeave(p protocol.PlayerID) error {
	if s.role == rollback.RolePredictor {
		if p == protocol.HostPlayer {
			return ErrAuthorityGone
		}
		return nil
	}
	if _, ok := s.peers[p]; !ok {
		return nil
	}
	delete(s.peers, p)
	owned := game.Owned(s.core, p)
	for _, id := range owned {
		s.core.DespawnView(id)
	}
	s.core.Forget(p)
	s.logger.Printf("player %d left; despawned %d objects", p, len(owned))
	s.Send(rollback.Outbound{Dest: rollback.ToAllExcept, Player: p, Msg: protocol.DisconnectedMsg{Player: p}})
	return nil
}

func (s *Session) handleJoin(req JoinRequest) {
	respond := func(r JoinResponse) {
		if req.Resp == nil {
			return
		}
		select {
		case req.Resp <- r:
		default:
		}
	}
	if s.role != rollback.RoleAuthority {
		respond(JoinResponse{Code: protocol.ErrProtoBadRequest, Err: ErrNotAuthority})
		return
	}
	// Player ids double as identity spaces, so they stop at the uint16 range.
	if len(s.peers) >= s.cfg.Tuning.MaxPeers || s.nextPlayer > math.MaxUint16 {
		respond(JoinResponse{Code: protocol.ErrSessionFull, Err: ErrSessionFull})
		return
	}
	last := s.core.Last()
	initial, err := s.core.BuildSummary(last)
	if err != nil {
		respond(JoinResponse{Code: protocol.ErrInternal, Err: err})
		return
	}
	p := s.nextPlayer
	t := s.cfg.Tuning
	granted, err := protocol.Encode(protocol.GrantedMsg{
		SessionID:     s.cfg.SessionID,
		Player:        p,
		IdentitySpace: uint16(p),
		LastFrame:     last,
		EpochUnixNano: s.core.Clock().Epoch().UnixNano(),
		TickRateHz:    t.TickRateHz,
		Capacity:      t.Capacity,
		Initial:       initial,
	})
	if err != nil {
		respond(JoinResponse{Code: protocol.ErrInternal, Err: err})
		return
	}
	s.nextPlayer++

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("P%d", p)
	}
	np := &peer{player: p, name: name, out: req.Out, kick: req.Kick}
	for _, other := range s.sortedPeers() {
		s.deliver(np, protocol.ConnectedMsg{Player: other.player, Name: other.name})
	}
	s.peers[p] = np
	s.Send(rollback.Outbound{Dest: rollback.ToAllExcept, Player: p, Msg: protocol.ConnectedMsg{Player: p, Name: name}})
	s.logger.Printf("player %d (%s) joined at frame %d", p, name, last)
	respond(JoinResponse{Player: p, Granted: granted})
}

func (s *Session) dispatch(now time.Time, env Envelope) {
	if s.role == rollback.RoleAuthority {
		s.dispatchHost(env)
		return
	}
	s.dispatchPredictor(now, env)
}

func (s *Session) dispatchHost(env Envelope) {
	if _, ok := s.peers[env.From]; !ok {
		return
	}
	switch m := env.Msg.(type) {
	case protocol.InputMsg:
		s.core.HandleInput(rollback.InputEvent{
			Frame:  m.Frame,
			Player: m.Player,
			Input:  m.Input,
			Source: rollback.Peer,
			From:   env.From,
		})
	case protocol.CorrectionMsg:
		s.core.HandleState(rollback.StateEvent{
			Frame:  m.Frame,
			ID:     m.ID,
			Record: rollback.Record{Exists: true, State: m.State},
			Source: rollback.Peer,
			From:   env.From,
		})
	default:
		s.logger.Printf("player %d sent unexpected %T", env.From, env.Msg)
	}
}

func (s *Session) dispatchPredictor(now time.Time, env Envelope) {
	switch m := env.Msg.(type) {
	case protocol.InputMsg:
		s.core.HandleInput(rollback.InputEvent{
			Frame:  m.Frame,
			Player: m.Player,
			Input:  m.Input,
			Source: rollback.Authority,
			From:   protocol.HostPlayer,
		})
	case protocol.SummaryMsg:
		s.core.ApplySummary(m)
	case protocol.SlowDownMsg:
		s.slowDown(now, m)
	case protocol.ConnectedMsg:
		s.names[m.Player] = m.Name
	case protocol.DisconnectedMsg:
		delete(s.names, m.Player)
	default:
		s.logger.Printf("host sent unexpected %T", env.Msg)
	}
}

// slowDown holds the predictor's clock back by how far it ran ahead of the
// host. Further requests are ignored until the delay has elapsed.
func (s *Session) slowDown(now time.Time, m protocol.SlowDownMsg) {
	last := s.core.Last()
	if last <= m.LastFrame || now.Before(s.slowUntil) {
		return
	}
	d := time.Duration(last-m.LastFrame) * s.core.Clock().TickDuration()
	s.core.Clock().Delay(d)
	s.slowUntil = now.Add(d)
	s.logger.Printf("slow down: %d frames ahead of host, delaying %s", last-m.LastFrame, d)
}

// Summarize broadcasts the host's summary frame to every peer, and hands a
// snapshot to the snapshot sink when one is due.
func (s *Session) Summarize() {
	if s.role != rollback.RoleAuthority {
		return
	}
	f, ok := s.core.SummaryFrame()
	if !ok {
		return
	}
	sum, err := s.core.BuildSummary(f)
	if err != nil {
		s.logger.Printf("summary frame %d: %v", f, err)
		return
	}
	b, err := protocol.Encode(sum)
	if err != nil {
		s.logger.Printf("encode summary frame %d: %v", f, err)
		return
	}
	for _, p := range s.sortedPeers() {
		s.write(p, b)
	}
	s.summaries++

	every := uint64(s.cfg.Tuning.SnapshotEverySummaries)
	if s.cfg.Snapshots == nil || every == 0 || s.summaries%every != 0 {
		return
	}
	c := s.core.Clock()
	snap := snapshot.SnapshotV1{
		Header:        snapshot.Header{Version: snapshot.Version, SessionID: s.cfg.SessionID, Frame: f},
		TickRateHz:    s.cfg.Tuning.TickRateHz,
		Capacity:      s.cfg.Tuning.Capacity,
		EpochUnixNano: c.Epoch().UnixNano(),
		NextSeq:       s.core.Registry().Next(),
		NextPlayer:    s.nextPlayer,
		Summary:       sum,
	}
	select {
	case s.cfg.Snapshots <- snap:
	default:
		s.logger.Printf("snapshot writer busy; skipped frame %d", f)
	}
}

func (s *Session) sortedPeers() []*peer {
	out := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].player < out[j].player })
	return out
}
