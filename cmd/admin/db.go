package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type dbQuery struct {
	From  uint64
	To    uint64
	Limit int
	Kind  string
}

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	from := fs.Uint64("from", 0, "first frame (frames, drops)")
	to := fs.Uint64("to", 0, "last frame, inclusive (optional)")
	limit := fs.Int("limit", 20, "result limit")
	kind := fs.String("kind", "", "drop kind filter: input|state|presence (drops)")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "session.sqlite")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	err = runQuery(db, q, dbQuery{From: *from, To: *to, Limit: *limit, Kind: strings.TrimSpace(*kind)}, printJSON)
	if err == errUnknownQuery {
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] [-from F] [-to F] [-limit N] meta|snapshots|frames|drops")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
}

var errUnknownQuery = fmt.Errorf("unknown query")

func runQuery(db *sql.DB, q string, o dbQuery, emit func(any)) error {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	to := int64(o.To)
	if o.To == 0 {
		to = -1
	}

	switch q {
	case "meta":
		rows, err := db.Query(`SELECT key,value FROM meta ORDER BY key`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out := map[string]string{}
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				return err
			}
			out[k] = v
		}
		if err := rows.Err(); err != nil {
			return err
		}
		emit(out)
		return nil

	case "snapshots":
		rows, err := db.Query(`SELECT frame,path,session_id,objects,next_seq FROM snapshots ORDER BY frame DESC LIMIT ?`, o.Limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Frame     uint64 `json:"frame"`
				Path      string `json:"path"`
				SessionID string `json:"session_id"`
				Objects   int    `json:"objects"`
				NextSeq   uint64 `json:"next_seq"`
			}
			if err := rows.Scan(&r.Frame, &r.Path, &r.SessionID, &r.Objects, &r.NextSeq); err != nil {
				return err
			}
			emit(r)
		}
		return rows.Err()

	case "frames":
		rows, err := db.Query(`SELECT frame,digest,objects,inputs,inputs_json FROM frames WHERE frame>=? AND (?<0 OR frame<=?) ORDER BY frame LIMIT ?`, int64(o.From), to, to, o.Limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Frame   uint64          `json:"frame"`
				Digest  string          `json:"digest"`
				Objects int             `json:"objects"`
				Inputs  int             `json:"inputs"`
				Detail  json.RawMessage `json:"inputs_detail,omitempty"`
			}
			var detail string
			if err := rows.Scan(&r.Frame, &r.Digest, &r.Objects, &r.Inputs, &detail); err != nil {
				return err
			}
			if detail != "" && detail != "null" && detail != "{}" {
				r.Detail = json.RawMessage(detail)
			}
			emit(r)
		}
		return rows.Err()

	case "drops":
		query := `SELECT seq,last,frame,kind,rollback_id,player,from_player,source,reason FROM drops WHERE frame>=? AND (?<0 OR frame<=?)`
		args := []any{int64(o.From), to, to}
		if o.Kind != "" {
			query += ` AND kind=?`
			args = append(args, o.Kind)
		}
		query += ` ORDER BY seq LIMIT ?`
		args = append(args, o.Limit)
		rows, err := db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Seq    int64  `json:"seq"`
				Last   uint64 `json:"last"`
				Frame  uint64 `json:"frame"`
				Kind   string `json:"kind"`
				ID     uint64 `json:"id,omitempty"`
				Player uint64 `json:"player"`
				From   uint64 `json:"from"`
				Source string `json:"source"`
				Reason string `json:"reason"`
			}
			if err := rows.Scan(&r.Seq, &r.Last, &r.Frame, &r.Kind, &r.ID, &r.Player, &r.From, &r.Source, &r.Reason); err != nil {
				return err
			}
			emit(r)
		}
		return rows.Err()

	default:
		return errUnknownQuery
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
