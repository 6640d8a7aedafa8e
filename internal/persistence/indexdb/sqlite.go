package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"rollnet.dev/internal/persistence/snapshot"
	"rollnet.dev/internal/protocol"
	"rollnet.dev/internal/sim/rollback"
	"rollnet.dev/internal/sim/tuning"
)

// SQLiteIndex is a queryable copy of the frame journal, the drop audit and
// the snapshot list. Writes are queued and batched on one goroutine; the
// JSONL journal remains the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropFrame    atomic.Uint64
	dropDrop     atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqFrame reqKind = iota + 1
	reqDrop
	reqSnapshot
)

type req struct {
	kind reqKind

	frame    rollback.FrameEntry
	drop     rollback.DropEntry
	snapshot snapshotRow
}

type snapshotRow struct {
	Frame     protocol.Frame
	Path      string
	SessionID string
	Objects   int
	NextSeq   uint64
}

// Stats counts entries dropped because the queue was full.
type Stats struct {
	DropFrameTotal    uint64 `json:"drop_frame_total"`
	DropDropTotal     uint64 `json:"drop_drop_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS frames (
			frame INTEGER PRIMARY KEY,
			digest TEXT NOT NULL,
			objects INTEGER NOT NULL,
			inputs INTEGER NOT NULL,
			inputs_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS drops (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			last INTEGER NOT NULL,
			frame INTEGER NOT NULL,
			kind TEXT NOT NULL,
			rollback_id INTEGER NOT NULL,
			player INTEGER NOT NULL,
			from_player INTEGER NOT NULL,
			source TEXT NOT NULL,
			reason TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_drops_from_frame ON drops(from_player, frame);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			frame INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			session_id TEXT NOT NULL,
			objects INTEGER NOT NULL,
			next_seq INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteFrame implements rollback.Journal.
func (s *SQLiteIndex) WriteFrame(e rollback.FrameEntry) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqFrame, frame: e}:
	default:
		s.dropFrame.Add(1)
	}
}

// WriteDrop implements rollback.Journal.
func (s *SQLiteIndex) WriteDrop(e rollback.DropEntry) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqDrop, drop: e}:
	default:
		s.dropDrop.Add(1)
	}
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Frame:     snap.Header.Frame,
		Path:      path,
		SessionID: snap.Header.SessionID,
		Objects:   len(snap.Summary.States),
		NextSeq:   snap.NextSeq,
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		DropFrameTotal:    s.dropFrame.Load(),
		DropDropTotal:     s.dropDrop.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
	}
}

// UpsertMeta stores the session id and the tuning in effect, with a digest
// of the tuning for quick comparison between runs.
func (s *SQLiteIndex) UpsertMeta(sessionID string, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, kv := range [][2]string{
		{"schema_version", "1"},
		{"session_id", sessionID},
		{"tuning", string(b)},
		{"tuning_digest", hex.EncodeToString(sum[:])},
		{"updated_at", time.Now().UTC().Format(time.RFC3339Nano)},
	} {
		if _, err := stmt.Exec(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertFrame, _ := s.db.Prepare(`INSERT OR REPLACE INTO frames(frame,digest,objects,inputs,inputs_json) VALUES(?,?,?,?,?)`)
	insertDrop, _ := s.db.Prepare(`INSERT INTO drops(last,frame,kind,rollback_id,player,from_player,source,reason) VALUES(?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(frame,path,session_id,objects,next_seq) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertFrame, insertDrop, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqFrame:
			f := r.frame
			b, _ := json.Marshal(f.Inputs)
			exec(insertFrame, int64(f.Frame), f.Digest, len(f.States), len(f.Inputs), string(b))
		case reqDrop:
			d := r.drop
			exec(insertDrop, int64(d.Last), int64(d.Frame), d.Kind, int64(d.ID), int64(d.Player), int64(d.From), d.Source, d.Reason)
		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, int64(sn.Frame), sn.Path, sn.SessionID, sn.Objects, int64(sn.NextSeq))
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
