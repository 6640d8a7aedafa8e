package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sanity-io/litter"

	"rollnet.dev/internal/persistence/indexdb"
	"rollnet.dev/internal/protocol"
	"rollnet.dev/internal/sim/rollback"
	"rollnet.dev/internal/sim/session"
	"rollnet.dev/internal/transport/observer"
)

type sessionSource interface {
	SessionID() string
	Metrics() session.Metrics
	DumpSlot(ctx context.Context, f protocol.Frame) (rollback.SlotDump, bool, error)
}

type dropSource interface {
	Stats() indexdb.Stats
	Drops(ctx context.Context, afterSeq int64, limit int) ([]int64, []rollback.DropEntry, error)
}

type adminHandlers struct {
	sess sessionSource
	idx  dropSource
}

var slotDumper = litter.Options{HidePrivateFields: true, StripPackageNames: true}

func (a *adminHandlers) metrics() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := a.sess.Metrics()
		id := m.SessionID

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP rollnet_frame Newest frame in the window.\n")
		fmt.Fprintf(rw, "# TYPE rollnet_frame gauge\n")
		fmt.Fprintf(rw, "rollnet_frame{session=%q,role=%q} %d\n", id, m.Role, m.Last)

		fmt.Fprintf(rw, "# HELP rollnet_oldest_frame Oldest frame still retained.\n")
		fmt.Fprintf(rw, "# TYPE rollnet_oldest_frame gauge\n")
		fmt.Fprintf(rw, "rollnet_oldest_frame{session=%q} %d\n", id, m.Oldest)

		fmt.Fprintf(rw, "# HELP rollnet_objects Object counts.\n")
		fmt.Fprintf(rw, "# TYPE rollnet_objects gauge\n")
		fmt.Fprintf(rw, "rollnet_objects{session=%q,kind=%q} %d\n", id, "live", m.Live)
		fmt.Fprintf(rw, "rollnet_objects{session=%q,kind=%q} %d\n", id, "bound", m.Bound)

		fmt.Fprintf(rw, "# HELP rollnet_peers Connected peers.\n")
		fmt.Fprintf(rw, "# TYPE rollnet_peers gauge\n")
		fmt.Fprintf(rw, "rollnet_peers{session=%q} %d\n", id, m.Peers)

		fmt.Fprintf(rw, "# HELP rollnet_pending Slots awaiting re-simulation and queued future events.\n")
		fmt.Fprintf(rw, "# TYPE rollnet_pending gauge\n")
		fmt.Fprintf(rw, "rollnet_pending{session=%q,kind=%q} %d\n", id, "dirty_slots", m.DirtySlots)
		fmt.Fprintf(rw, "rollnet_pending{session=%q,kind=%q} %d\n", id, "future", m.QueuedFuture)

		fmt.Fprintf(rw, "# HELP rollnet_step_ms Last loop step duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE rollnet_step_ms gauge\n")
		fmt.Fprintf(rw, "rollnet_step_ms{session=%q} %.3f\n", id, m.StepMillis)

		fmt.Fprintf(rw, "# HELP rollnet_frames_total Frames stepped.\n")
		fmt.Fprintf(rw, "# TYPE rollnet_frames_total counter\n")
		fmt.Fprintf(rw, "rollnet_frames_total{session=%q,kind=%q} %d\n", id, "advanced", m.Stats.Advanced)
		fmt.Fprintf(rw, "rollnet_frames_total{session=%q,kind=%q} %d\n", id, "resimulated", m.Stats.Resimulated)

		fmt.Fprintf(rw, "# HELP rollnet_events_total Events by outcome.\n")
		fmt.Fprintf(rw, "# TYPE rollnet_events_total counter\n")
		fmt.Fprintf(rw, "rollnet_events_total{session=%q,outcome=%q} %d\n", id, "queued", m.Stats.Queued)
		fmt.Fprintf(rw, "rollnet_events_total{session=%q,outcome=%q} %d\n", id, "dropped", m.Stats.Dropped)
		fmt.Fprintf(rw, "rollnet_events_total{session=%q,outcome=%q} %d\n", id, "rejected", m.Stats.Rejected)
		fmt.Fprintf(rw, "rollnet_events_total{session=%q,outcome=%q} %d\n", id, "conflict", m.Stats.Conflicts)

		fmt.Fprintf(rw, "# HELP rollnet_freed_total Handles returned to the registry.\n")
		fmt.Fprintf(rw, "# TYPE rollnet_freed_total counter\n")
		fmt.Fprintf(rw, "rollnet_freed_total{session=%q} %d\n", id, m.Stats.Freed)

		fmt.Fprintf(rw, "# HELP rollnet_outbound_total Outbound traffic.\n")
		fmt.Fprintf(rw, "# TYPE rollnet_outbound_total counter\n")
		fmt.Fprintf(rw, "rollnet_outbound_total{session=%q,kind=%q} %d\n", id, "messages", m.SentMessages)
		fmt.Fprintf(rw, "rollnet_outbound_total{session=%q,kind=%q} %d\n", id, "bytes", m.SentBytes)
		fmt.Fprintf(rw, "rollnet_outbound_total{session=%q,kind=%q} %d\n", id, "drops", m.OutboundDrops)
		fmt.Fprintf(rw, "rollnet_outbound_total{session=%q,kind=%q} %d\n", id, "kicks", m.Kicks)

		fmt.Fprintf(rw, "# HELP rollnet_summaries_total Summaries broadcast.\n")
		fmt.Fprintf(rw, "# TYPE rollnet_summaries_total counter\n")
		fmt.Fprintf(rw, "rollnet_summaries_total{session=%q} %d\n", id, m.Summaries)

		if a.idx == nil {
			return
		}
		s := a.idx.Stats()
		fmt.Fprintf(rw, "# HELP rollnet_index_queue_depth Current index writer queue depth.\n")
		fmt.Fprintf(rw, "# TYPE rollnet_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "rollnet_index_queue_depth{session=%q} %d\n", id, s.QueueDepth)
		fmt.Fprintf(rw, "# HELP rollnet_index_queue_capacity Index writer queue capacity.\n")
		fmt.Fprintf(rw, "# TYPE rollnet_index_queue_capacity gauge\n")
		fmt.Fprintf(rw, "rollnet_index_queue_capacity{session=%q} %d\n", id, s.QueueCapacity)
		fmt.Fprintf(rw, "# HELP rollnet_index_dropped_total Index entries dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE rollnet_index_dropped_total counter\n")
		fmt.Fprintf(rw, "rollnet_index_dropped_total{session=%q,kind=%q} %d\n", id, "frame", s.DropFrameTotal)
		fmt.Fprintf(rw, "rollnet_index_dropped_total{session=%q,kind=%q} %d\n", id, "drop", s.DropDropTotal)
		fmt.Fprintf(rw, "rollnet_index_dropped_total{session=%q,kind=%q} %d\n", id, "snapshot", s.DropSnapshotTotal)
	}
}

func (a *adminHandlers) state() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !observer.IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			SessionID string          `json:"session_id"`
			Metrics   session.Metrics `json:"metrics"`
		}{
			SessionID: a.sess.SessionID(),
			Metrics:   a.sess.Metrics(),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

// slot dumps one retained slot as text. Without ?frame= it dumps the newest.
func (a *adminHandlers) slot() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !observer.IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		f := a.sess.Metrics().Last
		if v := r.URL.Query().Get("frame"); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				http.Error(rw, "bad frame", http.StatusBadRequest)
				return
			}
			f = protocol.Frame(n)
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		dump, ok, err := a.sess.DumpSlot(ctx, f)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if !ok {
			http.Error(rw, "frame not retained", http.StatusNotFound)
			return
		}
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = rw.Write([]byte(slotDumper.Sdump(dump)))
		_, _ = rw.Write([]byte("\n"))
	}
}

func (a *adminHandlers) drops() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !observer.IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		if a.idx == nil {
			http.Error(rw, "index disabled", http.StatusNotFound)
			return
		}
		q := r.URL.Query()
		after, _ := strconv.ParseInt(q.Get("after"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))
		if limit <= 0 || limit > 1000 {
			limit = 100
		}
		seqs, entries, err := a.idx.Drops(r.Context(), after, limit)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		type row struct {
			Seq int64 `json:"seq"`
			rollback.DropEntry
		}
		rows := make([]row, 0, len(entries))
		for i, e := range entries {
			rows = append(rows, row{Seq: seqs[i], DropEntry: e})
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(struct {
			Drops []row `json:"drops"`
		}{Drops: rows})
	}
}
