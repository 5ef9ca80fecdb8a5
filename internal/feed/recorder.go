package feed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

const recorderFlushEvery = 100

// Recorder appends snapshots to one JSONL file per local trading day,
// in the format Replay reads.
type Recorder struct {
	dir    string
	loc    *time.Location
	logger *slog.Logger

	mu      sync.Mutex
	day     string
	file    *os.File
	w       *bufio.Writer
	pending int
}

// NewRecorder writes under dir, which is created if missing. Day
// boundaries follow loc.
func NewRecorder(dir string, loc *time.Location, logger *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("feed: recorder dir: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Recorder{dir: dir, loc: loc, logger: logger.With(slog.String("component", "recorder"))}, nil
}

// Path returns the file holding the snapshots of day.
func (r *Recorder) Path(day time.Time) string {
	return filepath.Join(r.dir, "books-"+day.In(r.loc).Format("20060102")+".jsonl")
}

// Record is a Tap. Write failures are logged, never returned, so a full
// disk cannot stall trading.
func (r *Recorder) Record(book domain.OrderbookSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	day := book.Timestamp.In(r.loc).Format(time.DateOnly)
	if day != r.day {
		r.closeLocked()
		f, err := os.OpenFile(r.Path(book.Timestamp), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			r.logger.Error("open recording failed", slog.String("error", err.Error()))
			return
		}
		r.day, r.file, r.w = day, f, bufio.NewWriter(f)
	}
	if r.w == nil {
		return
	}

	raw, err := json.Marshal(book)
	if err != nil {
		return
	}
	raw = append(raw, '\n')
	if _, err := r.w.Write(raw); err != nil {
		r.logger.Error("write recording failed", slog.String("error", err.Error()))
		return
	}
	r.pending++
	if r.pending >= recorderFlushEvery {
		r.flushLocked()
	}
}

// Close flushes and closes the current file. It returns the file path, or
// "" when nothing was open. A later Record reopens it in append mode.
func (r *Recorder) Close() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return "", nil
	}
	path := r.file.Name()
	return path, r.closeLocked()
}

func (r *Recorder) flushLocked() {
	if r.w == nil {
		return
	}
	if err := r.w.Flush(); err != nil {
		r.logger.Error("flush recording failed", slog.String("error", err.Error()))
	}
	r.pending = 0
}

func (r *Recorder) closeLocked() error {
	if r.file == nil {
		return nil
	}
	r.flushLocked()
	err := r.file.Close()
	r.day, r.file, r.w = "", nil, nil
	if err != nil {
		return fmt.Errorf("feed: close recording: %w", err)
	}
	return nil
}
