package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	persistlog "rollnet.dev/internal/persistence/log"
	"rollnet.dev/internal/sim/game"
	"rollnet.dev/internal/sim/rollback"
	"rollnet.dev/internal/sim/session"
	"rollnet.dev/internal/sim/tuning"
	"rollnet.dev/internal/transport/ws"
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "host ws url")
		name       = flag.String("name", "peer", "player name")
		queue      = flag.Int("max_queue", 256, "outbound queue the host may hold for us")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: built-in defaults)")
		journalDir = flag.String("journal", "", "write the local frame journal under this directory (optional)")
		idle       = flag.Bool("idle", false, "connect without sending scripted input")
		statusEvry = flag.Duration("status_every", 10*time.Second, "log a status line this often (0 disables)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[peer] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(strings.TrimSpace(*tuningPath))
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	if err := tune.ApplyEnv(); err != nil {
		logger.Fatalf("tuning env: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	link, err := ws.Dial(dialCtx, *url, *name, *queue, logger)
	cancelDial()
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	g := link.Granted
	logger.Printf("GRANTED session=%s player=%d frame=%d tick_rate=%d", g.SessionID, g.Player, g.LastFrame, g.TickRateHz)

	cfg := session.Config{
		SessionID: g.SessionID,
		Tuning:    tune,
		Stepper:   game.Sim{},
		Logger:    logger,
	}
	if dir := strings.TrimSpace(*journalDir); dir != "" {
		j, closeJournal := persistlog.NewJournal(dir, logger)
		defer closeJournal()
		cfg.Journal = j
	}
	sess, err := session.NewPredictor(cfg, g, link.Uplink)
	if err != nil {
		logger.Fatalf("predictor: %v", err)
	}
	if !*idle {
		sess.SetInput(&game.Wander{Player: sess.Player(), Allocate: sess.Allocate, ShootEvery: 25})
	}

	go func() {
		if err := link.Run(ctx, sess); err != nil && ctx.Err() == nil {
			logger.Printf("link closed: %v", err)
		}
		cancel()
	}()
	if *statusEvry > 0 {
		go logStatus(ctx, logger, sess, *statusEvry)
	}

	if err := sess.Run(ctx); err != nil && err != context.Canceled {
		logger.Printf("session stopped (%s): %v", rollback.Code(err), err)
		os.Exit(1)
	}
}

func logStatus(ctx context.Context, logger *log.Logger, sess *session.Session, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m := sess.Metrics()
			logger.Printf("frame=%d live=%d peers=%d resim=%d dropped=%d step_ms=%.3f",
				m.Last, m.Live, m.Peers, m.Stats.Resimulated, m.Stats.Dropped, m.StepMillis)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
