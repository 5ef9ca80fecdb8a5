package strategy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/elephantbot/internal/detector"
	"github.com/alanyoungcy/elephantbot/internal/domain"
	"github.com/alanyoungcy/elephantbot/internal/executor"
	"github.com/alanyoungcy/elephantbot/internal/metrics"
)

// SessionGate reports whether new cycles may start.
type SessionGate interface {
	IsOpen(now time.Time) bool
}

// DailyHalt reports whether the day's loss limit is already used up.
type DailyHalt interface {
	DailyLimitBreached() bool
}

// Elephant turns order-book updates into cycle decisions: disappearance
// checks for symbols with a cycle in flight, detection for the rest.
type Elephant struct {
	detector *detector.Detector
	exec     *executor.Engine
	session  SessionGate
	halt     DailyHalt
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu          sync.Mutex
	lastRefusal map[string]string
	haltLogged  map[string]bool
}

// NewElephant creates the strategy. session, halt and m may be nil.
func NewElephant(
	d *detector.Detector,
	exec *executor.Engine,
	session SessionGate,
	halt DailyHalt,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Elephant {
	return &Elephant{
		detector:    d,
		exec:        exec,
		session:     session,
		halt:        halt,
		metrics:     m,
		logger:      logger.With(slog.String("component", "elephant_strategy")),
		lastRefusal: make(map[string]string),
		haltLogged:  make(map[string]bool),
	}
}

// Name identifies the strategy in logs and status output.
func (s *Elephant) Name() string { return "elephant" }

// OnBook processes one snapshot to completion.
func (s *Elephant) OnBook(ctx context.Context, book domain.OrderbookSnapshot, now time.Time) {
	sym := book.Symbol
	if sym == "" {
		return
	}
	s.exec.UpdateBook(book)

	if view, ok := s.exec.Cycle(sym); ok {
		s.watch(ctx, view, book, now)
		return
	}

	found := s.detector.ScanBoth(sym, book, now)
	need := s.detector.Config(sym).ConfirmationCount
	for _, el := range found {
		if s.detector.Confirmations(sym, el.Side) == need {
			s.metrics.ElephantDetected(string(el.Side))
		}
	}
	for _, el := range found {
		if !s.detector.IsStable(sym, el.Side, now) {
			continue
		}
		if s.tryStart(ctx, el, now) {
			return
		}
	}
}

// watch keeps the detector records current for a symbol with a cycle in
// flight and forces the exit when the cycle's elephant is gone.
func (s *Elephant) watch(ctx context.Context, view domain.CycleView, book domain.OrderbookSnapshot, now time.Time) {
	sym := view.Symbol
	if !book.Valid() {
		// Absence cannot be confirmed from a broken book.
		return
	}
	gone := s.detector.HasDisappeared(sym, view.Side, book)
	// The record can be replaced by a nearer candidate mid-cycle; the
	// elephant the cycle was opened against must still be there too.
	if view.Elephant.Price > 0 && detector.Vanished(view.Elephant, book) {
		gone = true
	}
	s.detector.ScanBoth(sym, book, now)
	if _, ok := s.detector.Record(sym, view.Side); !ok {
		gone = true
	}
	if gone && view.State != domain.CycleHalted {
		s.exec.OnDisappearance(ctx, sym, now)
	}
}

// tryStart asks the execution engine for a cycle. It reports whether a cycle
// was started.
func (s *Elephant) tryStart(ctx context.Context, el domain.Elephant, now time.Time) bool {
	sym := el.Symbol
	if s.halt != nil && s.halt.DailyLimitBreached() {
		s.logHaltOnce(ctx, sym)
		return false
	}
	if s.session != nil && !s.session.IsOpen(now) {
		s.refused(ctx, sym, "session_closed", nil)
		return false
	}
	if s.exec.Cooldown().IsBlocked(sym, now) {
		return false
	}

	err := s.exec.StartCycle(ctx, el, now)
	switch {
	case err == nil:
		s.mu.Lock()
		delete(s.lastRefusal, sym)
		s.mu.Unlock()
		s.metrics.CycleStarted(string(el.Side))
		return true
	case errors.Is(err, domain.ErrRiskDenied):
		s.refused(ctx, sym, "risk", err)
	case errors.Is(err, domain.ErrNoInventory):
		s.refused(ctx, sym, "inventory", err)
	case errors.Is(err, domain.ErrCooldown), errors.Is(err, domain.ErrCycleActive), errors.Is(err, domain.ErrHalted):
		s.logger.DebugContext(ctx, "cycle not started", slog.String("symbol", sym), slog.String("error", err.Error()))
	default:
		// Submission failure; the engine already aborted into cooldown.
		s.logger.ErrorContext(ctx, "cycle start failed", slog.String("symbol", sym), slog.String("error", err.Error()))
		return true
	}
	return false
}

// refused counts and logs a refusal once per change of reason.
func (s *Elephant) refused(ctx context.Context, sym, reason string, err error) {
	s.mu.Lock()
	same := s.lastRefusal[sym] == reason
	s.lastRefusal[sym] = reason
	s.mu.Unlock()
	if same {
		return
	}
	s.metrics.CycleRefused(reason)
	attrs := []any{slog.String("symbol", sym), slog.String("reason", reason)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.logger.InfoContext(ctx, "cycle refused", attrs...)
}

func (s *Elephant) logHaltOnce(ctx context.Context, sym string) {
	s.mu.Lock()
	logged := s.haltLogged[sym]
	s.haltLogged[sym] = true
	s.mu.Unlock()
	if logged {
		return
	}
	s.metrics.CycleRefused("daily_halt")
	s.logger.WarnContext(ctx, "daily loss limit breached, no new cycles", slog.String("symbol", sym))
}

// ResetDaily clears the once-per-day log suppression.
func (s *Elephant) ResetDaily() {
	s.mu.Lock()
	s.haltLogged = make(map[string]bool)
	s.lastRefusal = make(map[string]string)
	s.mu.Unlock()
}
