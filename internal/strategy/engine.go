// Package strategy hosts the elephant strategy and the single event loop
// that drives it.
package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/elephantbot/internal/domain"
	"github.com/alanyoungcy/elephantbot/internal/executor"
	"github.com/alanyoungcy/elephantbot/internal/metrics"
)

const (
	defaultTickInterval = 500 * time.Millisecond
	shutdownTimeout     = 5 * time.Second
)

// DailyTicker fires end-of-day work. service.SessionClock implements it.
type DailyTicker interface {
	Tick(ctx context.Context, now time.Time) bool
}

// Engine is the one goroutine that mutates trading state. It selects on
// book snapshots, order events and a ticker and processes each to
// completion, so no two updates ever interleave.
type Engine struct {
	strategy *Elephant
	exec     *executor.Engine
	daily    DailyTicker
	metrics  *metrics.Metrics
	logger   *slog.Logger

	books  <-chan domain.OrderbookSnapshot
	events <-chan domain.OrderEvent

	tickInterval time.Duration
	clock        func() time.Time
	bookTime     bool
	lastBookTime time.Time
}

// NewEngine creates an Engine reading from books and events.
func NewEngine(
	strat *Elephant,
	exec *executor.Engine,
	books <-chan domain.OrderbookSnapshot,
	events <-chan domain.OrderEvent,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		strategy:     strat,
		exec:         exec,
		books:        books,
		events:       events,
		tickInterval: defaultTickInterval,
		clock:        time.Now,
		logger:       logger.With(slog.String("component", "strategy_engine")),
	}
}

// SetDailyTicker installs the end-of-day hook runner.
func (e *Engine) SetDailyTicker(t DailyTicker) { e.daily = t }

// SetMetrics installs the collectors updated on every tick.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// SetTickInterval changes how often timeouts are polled.
func (e *Engine) SetTickInterval(d time.Duration) {
	if d > 0 {
		e.tickInterval = d
	}
}

// UseBookTime makes snapshot timestamps the clock, for replays.
func (e *Engine) UseBookTime() { e.bookTime = true }

func (e *Engine) now() time.Time {
	if e.bookTime && !e.lastBookTime.IsZero() {
		return e.lastBookTime
	}
	return e.clock()
}

// Run processes events until ctx is cancelled. When the book channel is
// closed (end of a replay) it keeps going until every cycle has finished,
// then returns nil. On cancellation working orders are cancelled before
// returning.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "strategy engine started", slog.String("strategy", e.strategy.Name()))
	defer e.logger.Info("strategy engine stopped")

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	books := e.books
	events := e.events
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()

		case book, ok := <-books:
			if !ok {
				books = nil
				e.logger.InfoContext(ctx, "book feed ended")
				if len(e.exec.Snapshot()) == 0 {
					return nil
				}
				continue
			}
			if e.bookTime && book.Timestamp.After(e.lastBookTime) {
				e.lastBookTime = book.Timestamp
			}
			e.strategy.OnBook(ctx, book, e.now())

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := e.exec.HandleEvent(ctx, ev, e.now()); err != nil {
				e.logger.WarnContext(ctx, "order event discarded",
					slog.String("order_id", ev.OrderID),
					slog.String("kind", string(ev.Kind)),
					slog.String("error", err.Error()),
				)
			}

		case <-ticker.C:
			e.tick(ctx)
			if books == nil && len(e.exec.Snapshot()) == 0 {
				return nil
			}
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	now := e.now()
	e.exec.Tick(ctx, now)
	if e.daily != nil && e.daily.Tick(ctx, now) {
		e.strategy.ResetDaily()
	}
	e.metrics.SetActiveCycles(len(e.exec.Snapshot()))
}

func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.exec.CancelAll(ctx, e.now()); err != nil {
		e.logger.ErrorContext(ctx, "cancel on shutdown failed", slog.String("error", err.Error()))
	}
}
