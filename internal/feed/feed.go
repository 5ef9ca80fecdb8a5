// Package feed moves order book snapshots from a source (gateway or replay)
// to the strategy engine, letting taps such as the paper broker and the
// recorder see each snapshot first.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

// Tap observes every forwarded snapshot before the engine does.
type Tap func(domain.OrderbookSnapshot)

// Stats counts what the feed did with incoming snapshots.
type Stats struct {
	Forwarded int64 `json:"forwarded"`
	Invalid   int64 `json:"invalid"`
	Stale     int64 `json:"stale"`
	Filtered  int64 `json:"filtered"`
}

// Feed forwards snapshots for the configured symbols in timestamp order per
// symbol. Invalid books are still forwarded; the strategy decides what an
// invalid book means.
type Feed struct {
	src     <-chan domain.OrderbookSnapshot
	out     chan domain.OrderbookSnapshot
	symbols map[string]struct{}
	taps    []Tap
	logger  *slog.Logger

	mu    sync.Mutex
	last  map[string]time.Time
	stats Stats
}

// New creates a Feed reading src. An empty symbols list forwards everything.
func New(src <-chan domain.OrderbookSnapshot, symbols []string, logger *slog.Logger) *Feed {
	f := &Feed{
		src:    src,
		out:    make(chan domain.OrderbookSnapshot, 64),
		logger: logger.With(slog.String("component", "feed")),
		last:   make(map[string]time.Time),
	}
	if len(symbols) > 0 {
		f.symbols = make(map[string]struct{}, len(symbols))
		for _, s := range symbols {
			f.symbols[s] = struct{}{}
		}
	}
	return f
}

// Tap registers t. Call before Run.
func (f *Feed) Tap(t Tap) {
	f.taps = append(f.taps, t)
}

// Books is the engine-facing channel. It is closed when Run returns.
func (f *Feed) Books() <-chan domain.OrderbookSnapshot {
	return f.out
}

// Stats returns a copy of the counters.
func (f *Feed) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Run forwards until the source closes or ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	defer close(f.out)
	f.logger.InfoContext(ctx, "feed started")
	defer f.logger.Info("feed stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case book, ok := <-f.src:
			if !ok {
				s := f.Stats()
				f.logger.InfoContext(ctx, "feed source ended",
					slog.Int64("forwarded", s.Forwarded),
					slog.Int64("stale", s.Stale),
				)
				return nil
			}
			if !f.accept(book) {
				continue
			}
			for _, t := range f.taps {
				t(book)
			}
			select {
			case f.out <- book:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (f *Feed) accept(book domain.OrderbookSnapshot) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.symbols != nil {
		if _, ok := f.symbols[book.Symbol]; !ok {
			f.stats.Filtered++
			return false
		}
	}
	if prev, ok := f.last[book.Symbol]; ok && book.Timestamp.Before(prev) {
		f.stats.Stale++
		return false
	}
	f.last[book.Symbol] = book.Timestamp
	if !book.Valid() {
		f.stats.Invalid++
	}
	f.stats.Forwarded++
	return true
}
