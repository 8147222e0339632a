// Package log writes machine-readable run telemetry as hourly rotated,
// zstd-compressed JSONL files.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string

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

	hour := time.Now().UTC().Format("2006-01-02-15")
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
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
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
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ProgressEntry is one recording progress sample of a tile.
type ProgressEntry struct {
	RunID     string    `json:"run_id"`
	Tile      int       `json:"tile"`
	Tiles     int       `json:"tiles"`
	Frames    int64     `json:"frames"`
	Remaining int64     `json:"remaining"`
	FPS       float64   `json:"fps"`
	ElapsedMs int64     `json:"elapsed_ms"`
	At        time.Time `json:"at"`
}

// TileEvent records a tile state transition or a notable outcome.
type TileEvent struct {
	RunID  string    `json:"run_id"`
	Tile   int       `json:"tile"`
	State  string    `json:"state"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// ProgressLogger writes progress samples and tile events (compressed).
type ProgressLogger struct {
	progress *JSONLZstdWriter
	events   *JSONLZstdWriter
}

func NewProgressLogger(runDir string) *ProgressLogger {
	return &ProgressLogger{
		progress: NewJSONLZstdWriter(filepath.Join(runDir, "telemetry"), "progress"),
		events:   NewJSONLZstdWriter(filepath.Join(runDir, "telemetry"), "events"),
	}
}

func (l *ProgressLogger) WriteProgress(v ProgressEntry) error { return l.progress.Write(v) }
func (l *ProgressLogger) WriteEvent(v TileEvent) error        { return l.events.Write(v) }

func (l *ProgressLogger) Close() error {
	return errors.Join(l.progress.Close(), l.events.Close())
}
