package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	persistlog "rollnet.dev/internal/persistence/log"
	"rollnet.dev/internal/persistence/snapshot"
	"rollnet.dev/internal/protocol"
	"rollnet.dev/internal/sim/game"
	"rollnet.dev/internal/sim/rollback"
	"rollnet.dev/internal/sim/session"
	"rollnet.dev/internal/sim/tuning"
	"rollnet.dev/internal/transport/observer"
	"rollnet.dev/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: built-in defaults)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite frame/drop index")
		noJournal  = flag.Bool("disable_journal", false, "disable the JSONL frame journal and drop audit")
		hostBot    = flag.Bool("host_bot", false, "drive the host's own player with scripted input")

		snapPath   = flag.String("snapshot", "", "path to snapshot to resume from (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "resume from the latest snapshot in the data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(strings.TrimSpace(*tuningPath))
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	if err := tune.ApplyEnv(); err != nil {
		logger.Fatalf("tuning env: %v", err)
	}
	if err := tune.Validate(); err != nil {
		logger.Fatalf("tuning: %v", err)
	}
	_ = os.MkdirAll(*dataDir, 0o755)

	var resume *snapshot.SnapshotV1
	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = snapshot.Latest(filepath.Join(*dataDir, "snapshots"))
	}
	sessionID := ulid.Make().String()
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if snap.TickRateHz != tune.TickRateHz || snap.Capacity != tune.Capacity {
			logger.Printf("snapshot tuning differs (hz=%d cap=%d); using the snapshot's", snap.TickRateHz, snap.Capacity)
			tune.TickRateHz, tune.Capacity = snap.TickRateHz, snap.Capacity
		}
		if snap.Header.SessionID != "" {
			sessionID = snap.Header.SessionID
		}
		resume = &snap
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Optional: read-model index backend (does not affect sim determinism).
	idx, err := openRuntimeIndex(*dataDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertMeta(sessionID, tune); err != nil {
			logger.Printf("index backend: upsert meta: %v", err)
		}
	}

	var journal persistlog.Fanout
	if !*noJournal {
		j, closeJournal := persistlog.NewJournal(*dataDir, logger)
		defer closeJournal()
		journal = append(journal, j)
	}
	if idx != nil {
		journal = append(journal, idx)
	}

	// Snapshot writer.
	snapCh := make(chan snapshot.SnapshotV1, 2)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				path := filepath.Join(*dataDir, "snapshots", snapshot.FileName(snap.Header.Frame))
				if err := snapshot.WriteSnapshot(path, snap); err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				if idx != nil {
					idx.RecordSnapshot(path, snap)
				}
			}
		}
	}()

	cfg := session.Config{
		SessionID: sessionID,
		Tuning:    tune,
		Stepper:   game.Sim{},
		Logger:    logger,
		Snapshots: snapCh,
	}
	if len(journal) > 0 {
		cfg.Journal = journal
	}
	sess, err := session.NewHost(cfg, resume)
	if err != nil {
		logger.Fatalf("session: %v", err)
	}
	if *hostBot {
		sess.SetInput(&game.Wander{Player: protocol.HostPlayer, Allocate: sess.Allocate})
	}
	logger.Printf("session %s: %d Hz, %d frames retained", sessionID, tune.TickRateHz, tune.Capacity)

	go func() {
		err := sess.Run(ctx)
		if err != nil && err != context.Canceled {
			logger.Printf("session stopped (%s): %v", rollback.Code(err), err)
		}
		cancel()
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	admin := &adminHandlers{sess: sess, idx: idx}
	mux.HandleFunc("/metrics", admin.metrics())

	enableAdminHTTP := envBool("RN_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("RN_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		// Local-only admin endpoints (do not affect simulation determinism).
		mux.HandleFunc("/admin/v1/state", admin.state())
		mux.HandleFunc("/admin/v1/slot", admin.slot())
		mux.HandleFunc("/admin/v1/drops", admin.drops())

		obsSrv := observer.NewServer(sess, logger)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	} else {
		logger.Printf("admin endpoints disabled (RN_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (RN_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(sess, tune, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
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

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
