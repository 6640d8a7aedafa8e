package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"rollnet.dev/internal/persistence/indexdb"
	"rollnet.dev/internal/persistence/snapshot"
	"rollnet.dev/internal/protocol"
	"rollnet.dev/internal/sim/rollback"
	"rollnet.dev/internal/sim/tuning"
)

type runtimeIndex interface {
	rollback.Journal
	Close() error
	UpsertMeta(sessionID string, tune tuning.Tuning) error
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
	Stats() indexdb.Stats
	FrameDigest(ctx context.Context, f protocol.Frame) (indexdb.FrameRow, bool, error)
	Drops(ctx context.Context, afterSeq int64, limit int) ([]int64, []rollback.DropEntry, error)
}

func openRuntimeIndex(dataDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("RN_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(dataDir, "index", "session.sqlite")
		idx, err := indexdb.OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported RN_INDEX_BACKEND: %s", backend)
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
