package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

const maxReplayLine = 4 << 20

// Replay reads JSONL snapshots (one domain.OrderbookSnapshot per line) and
// emits them in file order. With speed > 0 the gaps between snapshot
// timestamps are replayed divided by speed; otherwise as fast as the
// consumer reads.
type Replay struct {
	r      io.Reader
	speed  float64
	out    chan domain.OrderbookSnapshot
	logger *slog.Logger
}

// NewReplay creates a Replay over r.
func NewReplay(r io.Reader, speed float64, logger *slog.Logger) *Replay {
	return &Replay{
		r:      r,
		speed:  speed,
		out:    make(chan domain.OrderbookSnapshot, 64),
		logger: logger.With(slog.String("component", "replay")),
	}
}

// Books is closed once the input is exhausted.
func (p *Replay) Books() <-chan domain.OrderbookSnapshot {
	return p.out
}

// Run emits every decodable line. Malformed lines are logged and skipped;
// read errors end the replay with an error.
func (p *Replay) Run(ctx context.Context) error {
	defer close(p.out)

	sc := bufio.NewScanner(p.r)
	sc.Buffer(make([]byte, 0, 64<<10), maxReplayLine)

	var (
		line, sent, bad int
		prev            time.Time
	)
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var book domain.OrderbookSnapshot
		if err := json.Unmarshal(raw, &book); err != nil || book.Symbol == "" {
			bad++
			p.logger.WarnContext(ctx, "replay line skipped", slog.Int("line", line))
			continue
		}
		if p.speed > 0 && !prev.IsZero() && book.Timestamp.After(prev) {
			wait := time.Duration(float64(book.Timestamp.Sub(prev)) / p.speed)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
		}
		prev = book.Timestamp

		select {
		case p.out <- book:
			sent++
		case <-ctx.Done():
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("feed: replay line %d: %w", line+1, err)
	}
	p.logger.InfoContext(ctx, "replay finished", slog.Int("snapshots", sent), slog.Int("skipped", bad))
	return nil
}
