package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"rollnet.dev/internal/persistence/snapshot"
	"rollnet.dev/internal/protocol"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "slot":
			slotCmd(os.Args[2:])
			return
		case "drops":
			dropsCmd(os.Args[2:])
			return
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the snapshot files in the data dir, newest first.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "snapshots"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".snap.zst") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, n := range names {
		fmt.Println(n)
	}
}

type snapshotInfo struct {
	Version    int                 `json:"version"`
	SessionID  string              `json:"session_id"`
	Frame      protocol.Frame      `json:"frame"`
	TickRateHz int                 `json:"tick_rate_hz"`
	Capacity   int                 `json:"capacity"`
	NextSeq    uint64              `json:"next_seq"`
	NextPlayer protocol.PlayerID   `json:"next_player"`
	Objects    map[string]int      `json:"objects"`
	Players    []protocol.PlayerID `json:"players"`
}

func describe(snap snapshot.SnapshotV1) snapshotInfo {
	info := snapshotInfo{
		Version:    snap.Header.Version,
		SessionID:  snap.Header.SessionID,
		Frame:      snap.Header.Frame,
		TickRateHz: snap.TickRateHz,
		Capacity:   snap.Capacity,
		NextSeq:    snap.NextSeq,
		NextPlayer: snap.NextPlayer,
		Objects:    map[string]int{},
	}
	for _, st := range snap.Summary.States {
		info.Objects[st.Kind.String()]++
		if st.Player != nil {
			info.Players = append(info.Players, st.Player.Player)
		}
	}
	sort.Slice(info.Players, func(i, j int) bool { return info.Players[i] < info.Players[j] })
	return info
}

// inspectCmd summarizes a snapshot file; without -snapshot it picks the
// latest one in the data dir.
func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		path = snapshot.Latest(filepath.Join(*dataDir, "snapshots"))
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "no snapshots found")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	printJSON(describe(snap))
}
