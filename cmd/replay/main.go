package main

import (
	"flag"
	"fmt"
	"os"

	persistlog "rollnet.dev/internal/persistence/log"
	"rollnet.dev/internal/persistence/snapshot"
	"rollnet.dev/internal/protocol"
	"rollnet.dev/internal/sim/game"
	"rollnet.dev/internal/sim/rollback"
)

func main() {
	var (
		dataDir   = flag.String("data", "./data", "session data dir containing frames/*.jsonl.zst")
		snapPath  = flag.String("snapshot", "", "also check this snapshot against the journal (optional)")
		fromFrame = flag.Uint64("from_frame", 0, "start verifying from frame (inclusive, optional)")
		toFrame   = flag.Uint64("to_frame", 0, "stop at frame (inclusive, optional)")
	)
	flag.Parse()

	var snap *snapshot.SnapshotV1
	if *snapPath != "" {
		s, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot v%d session=%s frame=%d objects=%d next_seq=%d next_player=%d\n",
			s.Header.Version, s.Header.SessionID, s.Header.Frame, len(s.Summary.States), s.NextSeq, s.NextPlayer)
		snap = &s
	}

	v := &verifier{from: protocol.Frame(*fromFrame), to: protocol.Frame(*toFrame)}
	if snap != nil {
		v.snapFrame = snap.Summary.Frame
		v.snapDigest = rollback.DigestOf(snap.Summary.States)
	}
	err := persistlog.ReadFrames(*dataDir, v.visit)
	if err == nil {
		err = v.err
	}
	fmt.Printf("frames=%d verified=%d gaps=%d\n", v.frames, v.verified, v.gaps)
	if snap != nil && !v.snapChecked {
		fmt.Printf("snapshot frame %d not in journal\n", v.snapFrame)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

// verifier re-steps every journaled frame whose successor is also in the
// journal and compares the result against the recorded digest.
type verifier struct {
	from, to protocol.Frame

	snapFrame   protocol.Frame
	snapDigest  string
	snapChecked bool

	prev     *rollback.FrameEntry
	frames   int
	verified int
	gaps     int
	err      error
}

func (v *verifier) visit(e rollback.FrameEntry) bool {
	if v.to != 0 && e.Frame > v.to {
		return false
	}
	if e.Frame < v.from {
		return true
	}
	v.frames++
	if got := rollback.DigestOf(e.States); got != e.Digest {
		v.err = fmt.Errorf("frame %d: stored digest %s, states hash to %s", e.Frame, e.Digest, got)
		return false
	}
	if v.snapDigest != "" && e.Frame == v.snapFrame {
		v.snapChecked = true
		if e.Digest != v.snapDigest {
			v.err = fmt.Errorf("snapshot frame %d: journal digest %s, snapshot %s", e.Frame, e.Digest, v.snapDigest)
			return false
		}
	}
	if v.prev != nil {
		if v.prev.Frame+1 != e.Frame {
			v.gaps++
		} else {
			got, err := restep(*v.prev)
			if err != nil {
				v.err = fmt.Errorf("frame %d: %w", v.prev.Frame, err)
				return false
			}
			if got != e.Digest {
				v.err = fmt.Errorf("frame %d: re-stepped digest %s, journal has %s", e.Frame, got, e.Digest)
				return false
			}
			v.verified++
		}
	}
	entry := e
	v.prev = &entry
	return true
}

// restep seeds a fresh core with one journaled frame, steps it once and
// returns the digest of the frame that follows.
func restep(e rollback.FrameEntry) (string, error) {
	c, err := rollback.New(rollback.Config{
		Role:       rollback.RoleAuthority,
		Capacity:   2,
		StartFrame: e.Frame,
		Stepper:    game.Sim{},
	})
	if err != nil {
		return "", err
	}
	if err := c.Seed(protocol.SummaryMsg{Frame: e.Frame, States: e.States, Inputs: e.Inputs}); err != nil {
		return "", err
	}
	if err := c.Advance(); err != nil {
		return "", err
	}
	return c.Digest(e.Frame + 1)
}
