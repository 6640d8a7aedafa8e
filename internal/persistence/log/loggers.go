package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"rollnet.dev/internal/sim/rollback"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// FrameLogger journals finalized frames (compressed).
type FrameLogger struct {
	w      *JSONLZstdWriter
	logger Printer
}

// Printer is the subset of *log.Logger used to report write failures.
type Printer interface {
	Printf(format string, v ...any)
}

func NewFrameLogger(sessionDir string, logger Printer) *FrameLogger {
	return &FrameLogger{w: NewJSONLZstdWriter(filepath.Join(sessionDir, "frames"), "frames"), logger: logger}
}

func (l *FrameLogger) WriteFrame(e rollback.FrameEntry) {
	if err := l.w.Write(e); err != nil && l.logger != nil {
		l.logger.Printf("frame journal: %v", err)
	}
}
func (l *FrameLogger) Close() error { return l.w.Close() }

// DropLogger writes one audit line per dropped event (compressed).
type DropLogger struct {
	w      *JSONLZstdWriter
	logger Printer
}

func NewDropLogger(sessionDir string, logger Printer) *DropLogger {
	return &DropLogger{w: NewJSONLZstdWriter(filepath.Join(sessionDir, "audit"), "drops"), logger: logger}
}

func (l *DropLogger) WriteDrop(e rollback.DropEntry) {
	if err := l.w.Write(e); err != nil && l.logger != nil {
		l.logger.Printf("drop audit: %v", err)
	}
}
func (l *DropLogger) Close() error { return l.w.Close() }

// Fanout sends every entry to each journal in order.
type Fanout []rollback.Journal

func (f Fanout) WriteFrame(e rollback.FrameEntry) {
	for _, j := range f {
		if j != nil {
			j.WriteFrame(e)
		}
	}
}

func (f Fanout) WriteDrop(e rollback.DropEntry) {
	for _, j := range f {
		if j != nil {
			j.WriteDrop(e)
		}
	}
}

// frameJournal combines a FrameLogger and a DropLogger.
type frameJournal struct {
	*FrameLogger
	*DropLogger
}

// NewJournal returns a journal writing frames and drops under sessionDir,
// and a function that closes both.
func NewJournal(sessionDir string, logger Printer) (rollback.Journal, func() error) {
	fl, dl := NewFrameLogger(sessionDir, logger), NewDropLogger(sessionDir, logger)
	return frameJournal{fl, dl}, func() error {
		err1 := fl.Close()
		if err2 := dl.Close(); err1 == nil {
			err1 = err2
		}
		return err1
	}
}

// ReadFrames decodes every frame journal file under sessionDir in file
// order and calls fn for each entry until fn returns false.
func ReadFrames(sessionDir string, fn func(rollback.FrameEntry) bool) error {
	dir := filepath.Join(sessionDir, "frames")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl.zst") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		more, err := readFile(filepath.Join(dir, name), fn)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if !more {
			return nil
		}
	}
	return nil
}

func readFile(path string, fn func(rollback.FrameEntry) bool) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return false, err
	}
	defer dec.Close()
	jd := json.NewDecoder(dec)
	for {
		var e rollback.FrameEntry
		if err := jd.Decode(&e); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return true, nil
			}
			return false, err
		}
		if !fn(e) {
			return false, nil
		}
	}
}
