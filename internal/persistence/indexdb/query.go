package indexdb

import (
	"context"
	"database/sql"
	"errors"

	"rollnet.dev/internal/persistence/snapshot"
	"rollnet.dev/internal/protocol"
	"rollnet.dev/internal/sim/rollback"
)

type FrameRow struct {
	Frame   protocol.Frame `json:"frame"`
	Digest  string         `json:"digest"`
	Objects int            `json:"objects"`
	Inputs  int            `json:"inputs"`
}

// FrameDigest returns the journaled digest of f.
func (s *SQLiteIndex) FrameDigest(ctx context.Context, f protocol.Frame) (FrameRow, bool, error) {
	var r FrameRow
	err := s.db.QueryRowContext(ctx, `SELECT frame,digest,objects,inputs FROM frames WHERE frame=?`, int64(f)).
		Scan(&r.Frame, &r.Digest, &r.Objects, &r.Inputs)
	if errors.Is(err, sql.ErrNoRows) {
		return r, false, nil
	}
	return r, err == nil, err
}

// Drops lists drop audit rows after seq, oldest first.
func (s *SQLiteIndex) Drops(ctx context.Context, afterSeq int64, limit int) ([]int64, []rollback.DropEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq,last,frame,kind,rollback_id,player,from_player,source,reason FROM drops WHERE seq>? ORDER BY seq LIMIT ?`,
		afterSeq, limit)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var seqs []int64
	var out []rollback.DropEntry
	for rows.Next() {
		var seq int64
		var d rollback.DropEntry
		if err := rows.Scan(&seq, &d.Last, &d.Frame, &d.Kind, &d.ID, &d.Player, &d.From, &d.Source, &d.Reason); err != nil {
			return nil, nil, err
		}
		seqs = append(seqs, seq)
		out = append(out, d)
	}
	return seqs, out, rows.Err()
}

// LatestSnapshot is the newest indexed snapshot path and frame.
func (s *SQLiteIndex) LatestSnapshot(ctx context.Context) (string, snapshot.Header, bool, error) {
	var h snapshot.Header
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT path,frame,session_id FROM snapshots ORDER BY frame DESC LIMIT 1`).
		Scan(&path, &h.Frame, &h.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", h, false, nil
	}
	if err != nil {
		return "", h, false, err
	}
	h.Version = snapshot.Version
	return path, h, true, nil
}
