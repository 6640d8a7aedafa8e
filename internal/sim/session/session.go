// Package session runs one participant of a rollback session: it owns the
// rollback.Core, drains network input once per tick and routes outbound
// messages to peers.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync/atomic"
	"time"

	"rollnet.dev/internal/persistence/snapshot"
	"rollnet.dev/internal/protocol"
	"rollnet.dev/internal/sim/rollback"
	"rollnet.dev/internal/sim/tuning"
)

// Envelope is one decoded wire message and the player whose connection it
// arrived on.
type Envelope struct {
	From protocol.PlayerID
	Msg  any
}

type JoinRequest struct {
	Name string
	// Out receives encoded messages for the peer. The session never blocks
	// on it; a full channel gets the peer kicked.
	Out  chan []byte
	Kick chan struct{}
	Resp chan JoinResponse
}

type JoinResponse struct {
	Player  protocol.PlayerID
	Granted []byte
	Code    string
	Err     error
}

// InputSource produces the local player's input for a frame. alive reports
// whether the player currently has a body.
type InputSource interface {
	Next(f protocol.Frame, alive bool) protocol.Input
}

type Config struct {
	SessionID string
	Tuning    tuning.Tuning
	Stepper   rollback.Stepper

	// Epoch is the host's frame zero. Zero means now.
	Epoch time.Time

	Logger  *log.Logger
	Journal rollback.Journal
	View    rollback.View

	// Snapshots receives a resumable snapshot every
	// Tuning.SnapshotEverySummaries summaries. Sends never block.
	Snapshots chan<- snapshot.SnapshotV1
}

type peer struct {
	player protocol.PlayerID
	name   string
	out    chan []byte
	kick   chan struct{}
	kicked bool
}

type slotReq struct {
	frame protocol.Frame
	resp  chan slotResp
}

type slotResp struct {
	dump rollback.SlotDump
	ok   bool
}

type Session struct {
	cfg    Config
	logger *log.Logger

	core   *rollback.Core
	role   rollback.Role
	player protocol.PlayerID

	inbox   chan Envelope
	join    chan JoinRequest
	leave   chan protocol.PlayerID
	slotReq chan slotReq
	stop    chan struct{}
	done    chan struct{}

	// host side
	peers      map[protocol.PlayerID]*peer
	nextPlayer protocol.PlayerID
	summaries  uint64

	// predictor side
	uplink    chan []byte
	names     map[protocol.PlayerID]string
	slowUntil time.Time

	input InputSource

	counters counters
	metrics  atomic.Value // Metrics
}

func newSession(cfg Config, role rollback.Role) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	t := cfg.Tuning
	s := &Session{
		cfg:     cfg,
		logger:  logger,
		role:    role,
		inbox:   make(chan Envelope, t.InboxSize),
		join:    make(chan JoinRequest, 16),
		leave:   make(chan protocol.PlayerID, 16),
		slotReq: make(chan slotReq, 4),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		peers:   map[protocol.PlayerID]*peer{},
		names:   map[protocol.PlayerID]string{},
	}
	return s
}

func (s *Session) coreConfig(space uint16, player protocol.PlayerID, epoch time.Time, start protocol.Frame, capacity, hz int) rollback.Config {
	t := s.cfg.Tuning
	return rollback.Config{
		Role:                s.role,
		Capacity:            capacity,
		TickRateHz:          hz,
		Epoch:               epoch,
		StartFrame:          start,
		IdentitySpace:       space,
		LocalPlayer:         player,
		FutureQueueCap:      t.FutureQueueCap,
		MaxFramesPerTick:    t.MaxFramesPerTick,
		CorrectionTolerance: t.CorrectionToleranceMilli,
		SummaryMargin:       t.SummaryMargin,
		Stepper:             s.cfg.Stepper,
		Logger:              s.logger,
	}
}

func (s *Session) attach(core *rollback.Core) {
	s.core = core
	core.SetOutbox(s)
	core.SetView(s.cfg.View)
	core.SetJournal(s.cfg.Journal)
	s.publish(0)
}

// NewHost creates the authority. With resume set, the history restarts at
// the snapshot's frame and the clock is rebased so that frame is now.
func NewHost(cfg Config, resume *snapshot.SnapshotV1) (*Session, error) {
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, err
	}
	s := newSession(cfg, rollback.RoleAuthority)
	s.player = protocol.HostPlayer
	s.nextPlayer = protocol.HostPlayer + 1

	t := cfg.Tuning
	epoch := cfg.Epoch
	if epoch.IsZero() {
		epoch = time.Now()
	}
	var start protocol.Frame
	if resume != nil {
		if resume.NextPlayer > math.MaxUint16+1 {
			return nil, fmt.Errorf("resume: next player %d exceeds identity space range", resume.NextPlayer)
		}
		start = resume.Summary.Frame
		tick := time.Second / time.Duration(t.TickRateHz)
		epoch = epoch.Add(-time.Duration(start) * tick)
	}
	core, err := rollback.New(s.coreConfig(0, protocol.HostPlayer, epoch, start, t.Capacity, t.TickRateHz))
	if err != nil {
		return nil, err
	}
	s.attach(core)
	if resume != nil {
		if err := core.Seed(resume.Summary); err != nil {
			return nil, fmt.Errorf("resume frame %d: %w", start, err)
		}
		core.Registry().Reserve(resume.NextSeq)
		if resume.NextPlayer > s.nextPlayer {
			s.nextPlayer = resume.NextPlayer
		}
		s.logger.Printf("resumed session %s at frame %d (%d objects)", resume.Header.SessionID, start, len(resume.Summary.States))
	}
	return s, nil
}

// NewPredictor creates a predictor from the host's grant. Messages for the
// host are written to uplink.
func NewPredictor(cfg Config, g protocol.GrantedMsg, uplink chan []byte) (*Session, error) {
	if uplink == nil {
		return nil, errors.New("session: predictor needs an uplink")
	}
	s := newSession(cfg, rollback.RolePredictor)
	s.player = g.Player
	s.uplink = uplink
	if g.SessionID != "" {
		s.cfg.SessionID = g.SessionID
	}
	epoch := time.Unix(0, g.EpochUnixNano)
	core, err := rollback.New(s.coreConfig(g.IdentitySpace, g.Player, epoch, g.LastFrame, g.Capacity, g.TickRateHz))
	if err != nil {
		return nil, err
	}
	s.attach(core)
	if err := core.Seed(g.Initial); err != nil {
		return nil, fmt.Errorf("seed frame %d: %w", g.LastFrame, err)
	}
	return s, nil
}

func (s *Session) Inbox() chan<- Envelope          { return s.inbox }
func (s *Session) Join() chan<- JoinRequest        { return s.join }
func (s *Session) Leave() chan<- protocol.PlayerID { return s.leave }
func (s *Session) Player() protocol.PlayerID       { return s.player }
func (s *Session) Role() rollback.Role             { return s.role }
func (s *Session) SessionID() string               { return s.cfg.SessionID }
func (s *Session) Allocate() protocol.RollbackID   { return s.core.Allocate() }
func (s *Session) TickDuration() time.Duration     { return s.core.Clock().TickDuration() }
func (s *Session) Core() *rollback.Core            { return s.core }
func (s *Session) SetInput(src InputSource)        { s.input = src }
func (s *Session) Stop()                           { close(s.stop) }

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// DumpSlot asks the loop for a copy of slot f.
func (s *Session) DumpSlot(ctx context.Context, f protocol.Frame) (rollback.SlotDump, bool, error) {
	req := slotReq{frame: f, resp: make(chan slotResp, 1)}
	select {
	case s.slotReq <- req:
	case <-s.done:
		return rollback.SlotDump{}, false, ErrStopped
	case <-ctx.Done():
		return rollback.SlotDump{}, false, ctx.Err()
	}
	select {
	case r := <-req.resp:
		return r.dump, r.ok, nil
	case <-s.done:
		return rollback.SlotDump{}, false, ErrStopped
	case <-ctx.Done():
		return rollback.SlotDump{}, false, ctx.Err()
	}
}

// Run drives the session until ctx ends, Stop is called or the simulation
// diverges.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	ticker := time.NewTicker(s.core.Clock().TickDuration())
	defer ticker.Stop()

	var summaryC <-chan time.Time
	if s.role == rollback.RoleAuthority {
		st := time.NewTicker(time.Duration(s.cfg.Tuning.SummaryEveryMs) * time.Millisecond)
		defer st.Stop()
		summaryC = st.C
	}

	var pendingMsgs []Envelope
	var pendingJoins []JoinRequest
	var pendingLeaves []protocol.PlayerID

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case req := <-s.join:
			pendingJoins = append(pendingJoins, req)
		case p := <-s.leave:
			pendingLeaves = append(pendingLeaves, p)
		case env := <-s.inbox:
			pendingMsgs = append(pendingMsgs, env)
		case req := <-s.slotReq:
			d, ok := s.core.DumpSlot(req.frame)
			req.resp <- slotResp{dump: d, ok: ok}
		case <-summaryC:
			s.Summarize()
		case now := <-ticker.C:
			if err := s.step(now, pendingJoins, pendingLeaves, pendingMsgs); err != nil {
				return err
			}
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingMsgs = pendingMsgs[:0]
		}
	}
}

// StepOnce runs one tick at now with the given pending work, in the same
// order as Run.
func (s *Session) StepOnce(now time.Time, joins []JoinRequest, leaves []protocol.PlayerID, msgs []Envelope) error {
	return s.step(now, joins, leaves, msgs)
}
