// Package executor runs the per-symbol trade cycle: entry near an elephant,
// exit a few ticks away, forced flatten when the elephant disappears.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

// OrderTransport submits and cancels orders. Fills, cancel confirmations and
// rejections come back asynchronously as domain.OrderEvent values.
type OrderTransport interface {
	SubmitLimit(ctx context.Context, symbol string, side domain.OrderSide, price, qty float64) (string, error)
	SubmitMarket(ctx context.Context, symbol string, side domain.OrderSide, qty float64) (string, error)
	Cancel(ctx context.Context, orderID string) error
}

// Holdings reports settled inventory that can be sold today.
type Holdings interface {
	Sellable(symbol string) float64
}

// RiskAuthorizer gates new cycles and receives realized P&L.
type RiskAuthorizer interface {
	Authorize(symbol string, projectedLoss *float64) (bool, string)
	RecordPnL(symbol string, pnl float64)
}

// CycleSink receives finished cycles and escalations. Implementations must
// not call back into the Engine.
type CycleSink interface {
	CycleFinished(ctx context.Context, rec domain.CycleRecord)
	Escalate(ctx context.Context, view domain.CycleView, reason string)
}

const (
	qtyEps = 1e-9
	// closedRetention is how long order ids of finished cycles are kept so
	// late notifications for them are recognized and dropped quietly.
	closedRetention = time.Hour
)

type legRole int

const (
	roleEntry legRole = iota
	roleExit
	roleFlatten
)

func (r legRole) String() string {
	switch r {
	case roleEntry:
		return "entry"
	case roleExit:
		return "exit"
	default:
		return "flatten"
	}
}

type cancelReason int

const (
	cancelNone cancelReason = iota
	cancelTimeout
	cancelDisappeared
	cancelShutdown
)

// leg is one working order of a cycle.
type leg struct {
	orderID     string
	role        legRole
	side        domain.OrderSide
	typ         domain.OrderType
	price       float64
	qty         float64
	filled      float64
	submittedAt time.Time
	retried     bool
	cancelAt    time.Time
	cancelWhy   cancelReason
	done        bool
}

func (l *leg) working() bool { return l != nil && !l.done }

type cycle struct {
	id       string
	symbol   string
	side     domain.BookSide
	elephant domain.Elephant
	params   Params
	plan     plan
	state    domain.CycleState
	active   *leg
	legs     map[string]*leg // every order the cycle ever placed

	bought, boughtNotional float64
	sold, soldNotional     float64

	startedAt  time.Time
	haltReason string
}

// exposure is the open quantity not yet offset.
func (c *cycle) exposure() float64 {
	return math.Abs(c.bought - c.sold)
}

func (c *cycle) entryFilled() float64 {
	if c.side == domain.BookSideAsk {
		return c.sold
	}
	return c.bought
}

func (c *cycle) vwap(side domain.OrderSide) float64 {
	if side == domain.OrderSideBuy {
		if c.bought <= 0 {
			return 0
		}
		return c.boughtNotional / c.bought
	}
	if c.sold <= 0 {
		return 0
	}
	return c.soldNotional / c.sold
}

// flattenState is where a cycle waits while its exposure is forced out.
func (c *cycle) flattenState() domain.CycleState {
	if c.side == domain.BookSideAsk {
		return domain.CycleEmergencyFlattenPending
	}
	return domain.CycleStopLossPending
}

func (c *cycle) view() domain.CycleView {
	v := domain.CycleView{
		ID:         c.id,
		Symbol:     c.symbol,
		State:      c.state,
		Side:       c.side,
		Elephant:   c.elephant,
		EntryPrice: c.plan.entryPrice,
		EntryQty:   c.entryFilled(),
		ExitPrice:  c.plan.exitPrice,
		StopPrice:  c.plan.stopPrice,
		StartedAt:  c.startedAt,
	}
	if c.side == domain.BookSideAsk {
		v.ExitQty = c.bought
	} else {
		v.ExitQty = c.sold
	}
	if c.active.working() {
		v.OpenOrderID = c.active.orderID
	}
	return v
}

// Engine owns every symbol's trade cycle. Methods are serialized by a mutex;
// the strategy event loop is the only writer, status readers only take
// snapshots.
type Engine struct {
	mu        sync.Mutex
	params    Params
	overrides map[string]Params
	cycles    map[string]*cycle
	orders    map[string]string // orderID -> symbol
	closed    *Dedup            // orderIDs of finished cycles
	books     map[string]domain.OrderbookSnapshot
	cooldown  *Cooldown

	transport OrderTransport
	risk      RiskAuthorizer
	holdings  Holdings
	sink      CycleSink
	logger    *slog.Logger
}

// NewEngine creates an Engine. holdings and sink may be nil; without
// holdings the ask pattern and T+1 checks always fail.
func NewEngine(
	params Params,
	transport OrderTransport,
	risk RiskAuthorizer,
	holdings Holdings,
	sink CycleSink,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		params:    params,
		overrides: make(map[string]Params),
		cycles:    make(map[string]*cycle),
		orders:    make(map[string]string),
		closed:    NewDedup(closedRetention),
		books:     make(map[string]domain.OrderbookSnapshot),
		cooldown:  NewCooldown(),
		transport: transport,
		risk:      risk,
		holdings:  holdings,
		sink:      sink,
		logger:    logger.With(slog.String("component", "execution_engine")),
	}
}

// ApplyConfig swaps the default parameters for cycles started from now on.
func (e *Engine) ApplyConfig(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.params = p
	e.mu.Unlock()
	return nil
}

// ApplySymbolConfig installs parameters that apply only to symbol.
func (e *Engine) ApplySymbolConfig(symbol string, p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.overrides[symbol] = p
	e.mu.Unlock()
	return nil
}

func (e *Engine) paramsFor(symbol string) Params {
	if p, ok := e.overrides[symbol]; ok {
		return p
	}
	return e.params
}

// Cooldown exposes the cooldown table.
func (e *Engine) Cooldown() *Cooldown {
	return e.cooldown
}

// UpdateBook records the latest book for symbol. It is used to price retries.
func (e *Engine) UpdateBook(book domain.OrderbookSnapshot) {
	e.mu.Lock()
	e.books[book.Symbol] = book
	e.mu.Unlock()
}

// HasCycle reports whether symbol has a cycle in flight (including halted).
func (e *Engine) HasCycle(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cycles[symbol]
	return ok
}

// Cycle returns a copy of symbol's cycle.
func (e *Engine) Cycle(symbol string) (domain.CycleView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cycles[symbol]
	if !ok {
		return domain.CycleView{}, false
	}
	return c.view(), true
}

// Snapshot lists every in-flight cycle ordered by symbol.
func (e *Engine) Snapshot() []domain.CycleView {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.CycleView, 0, len(e.cycles))
	for _, c := range e.cycles {
		out = append(out, c.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// StartCycle opens a cycle against a confirmed, stable elephant. Refusals
// (cycle in flight, cooldown, risk denial, no inventory) are reported with
// the matching domain sentinel error. A submission failure aborts the cycle
// into cooldown and is returned wrapped.
func (e *Engine) StartCycle(ctx context.Context, el domain.Elephant, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sym := el.Symbol
	if c, ok := e.cycles[sym]; ok {
		if c.state == domain.CycleHalted {
			return fmt.Errorf("executor: start %s: %w", sym, domain.ErrHalted)
		}
		return fmt.Errorf("executor: start %s: %w", sym, domain.ErrCycleActive)
	}
	if e.cooldown.IsBlocked(sym, now) {
		return fmt.Errorf("executor: start %s: %w", sym, domain.ErrCooldown)
	}

	p := e.paramsFor(sym)
	pl := planCycle(el, p)

	if el.Side == domain.BookSideAsk || p.EnforceT1 {
		sellable := 0.0
		if e.holdings != nil {
			sellable = e.holdings.Sellable(sym)
		}
		if sellable < p.TradeQuantity {
			return fmt.Errorf("executor: start %s: %w (have %.0f, need %.0f)", sym, domain.ErrNoInventory, sellable, p.TradeQuantity)
		}
	}

	loss := pl.projectedLoss
	if ok, reason := e.risk.Authorize(sym, &loss); !ok {
		return fmt.Errorf("executor: start %s: %w: %s", sym, domain.ErrRiskDenied, reason)
	}

	c := &cycle{
		id:        uuid.New().String(),
		symbol:    sym,
		side:      el.Side,
		elephant:  el,
		params:    p,
		plan:      pl,
		legs:      make(map[string]*leg),
		startedAt: now,
	}
	e.cycles[sym] = c

	log := e.logger.With(slog.String("symbol", sym), slog.String("cycle_id", c.id))
	log.InfoContext(ctx, "cycle started",
		slog.String("elephant_side", string(el.Side)),
		slog.Float64("elephant_price", el.Price),
		slog.Float64("entry_price", pl.entryPrice),
		slog.Float64("exit_price", pl.exitPrice),
		slog.Float64("stop_price", pl.stopPrice),
	)

	if err := e.submitLimit(ctx, c, roleEntry, pl.entrySide, pl.entryPrice, p.TradeQuantity, now); err != nil {
		e.finish(ctx, c, domain.OutcomeRejected, "entry submission failed: "+err.Error(), now)
		return fmt.Errorf("executor: submit entry %s: %w", sym, err)
	}
	if pl.entrySide == domain.OrderSideBuy {
		c.state = domain.CycleBuyPending
	} else {
		c.state = domain.CycleSellPending
	}
	return nil
}

func (e *Engine) submitLimit(ctx context.Context, c *cycle, role legRole, side domain.OrderSide, price, qty float64, now time.Time) error {
	id, err := e.transport.SubmitLimit(ctx, c.symbol, side, price, qty)
	if err != nil {
		return err
	}
	e.track(c, &leg{
		orderID:     id,
		role:        role,
		side:        side,
		typ:         domain.OrderTypeLimit,
		price:       price,
		qty:         qty,
		submittedAt: now,
	})
	return nil
}

func (e *Engine) submitMarket(ctx context.Context, c *cycle, side domain.OrderSide, qty float64, now time.Time) error {
	id, err := e.transport.SubmitMarket(ctx, c.symbol, side, qty)
	if err != nil {
		return err
	}
	e.track(c, &leg{
		orderID:     id,
		role:        roleFlatten,
		side:        side,
		typ:         domain.OrderTypeMarket,
		qty:         qty,
		submittedAt: now,
	})
	return nil
}

func (e *Engine) track(c *cycle, l *leg) {
	c.active = l
	c.legs[l.orderID] = l
	e.orders[l.orderID] = c.symbol
}

// requestCancel asks the transport to cancel the working leg. The leg stays
// working until the cancel is confirmed or a fill completes it.
func (e *Engine) requestCancel(ctx context.Context, c *cycle, why cancelReason, now time.Time) error {
	l := c.active
	if !l.working() {
		return nil
	}
	l.cancelWhy = why
	if !l.cancelAt.IsZero() {
		return nil
	}
	l.cancelAt = now
	if err := e.transport.Cancel(ctx, l.orderID); err != nil {
		e.logger.WarnContext(ctx, "cancel request failed",
			slog.String("symbol", c.symbol),
			slog.String("order_id", l.orderID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("executor: cancel %s: %w", l.orderID, err)
	}
	return nil
}

// OnDisappearance reacts to the detector losing the elephant behind symbol's
// cycle. Before the entry fills the entry is cancelled; once exposed the
// position is forced flat.
func (e *Engine) OnDisappearance(ctx context.Context, symbol string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.cycles[symbol]
	if !ok {
		return
	}
	switch c.state {
	case domain.CycleStopLossPending, domain.CycleEmergencyFlattenPending, domain.CycleHalted:
		return
	}

	e.logger.WarnContext(ctx, "elephant disappeared",
		slog.String("symbol", symbol),
		slog.String("cycle_id", c.id),
		slog.String("state", string(c.state)),
	)

	if c.active.working() && c.active.role == roleEntry {
		_ = e.requestCancel(ctx, c, cancelDisappeared, now)
		return
	}
	e.forceFlatten(ctx, c, "elephant disappeared", now)
}

// forceFlatten moves c into its flatten state. A working limit order is
// cancelled first; the market order goes out once the cancel is confirmed so
// the two can never both fill.
func (e *Engine) forceFlatten(ctx context.Context, c *cycle, reason string, now time.Time) {
	if c.active.working() && c.active.typ == domain.OrderTypeLimit {
		c.state = c.flattenState()
		_ = e.requestCancel(ctx, c, cancelDisappeared, now)
		return
	}
	if c.active.working() {
		// A market order is already out.
		return
	}

	qty := c.exposure()
	if qty <= qtyEps {
		outcome := domain.OutcomeAborted
		if c.entryFilled() > qtyEps {
			outcome = domain.OutcomeStopLoss
		}
		e.finish(ctx, c, outcome, reason, now)
		return
	}

	side := domain.OrderSideSell
	if c.sold > c.bought {
		side = domain.OrderSideBuy
	}
	c.state = c.flattenState()
	if err := e.submitMarket(ctx, c, side, qty, now); err != nil {
		e.escalate(ctx, c, "flatten submission failed: "+err.Error())
		return
	}
	e.logger.WarnContext(ctx, "forced flatten submitted",
		slog.String("symbol", c.symbol),
		slog.String("cycle_id", c.id),
		slog.String("side", string(side)),
		slog.Float64("qty", qty),
		slog.String("reason", reason),
	)
}

// escalate halts the symbol and hands the problem to the operator. The cycle
// stays in place so no new cycle can start until Release.
func (e *Engine) escalate(ctx context.Context, c *cycle, reason string) {
	c.state = domain.CycleHalted
	c.haltReason = reason
	e.logger.ErrorContext(ctx, "cycle halted, operator action required",
		slog.String("symbol", c.symbol),
		slog.String("cycle_id", c.id),
		slog.Float64("exposure", c.exposure()),
		slog.String("reason", reason),
	)
	if e.sink != nil {
		e.sink.Escalate(ctx, c.view(), reason)
	}
}

// Release closes a halted cycle after the operator reconciled the position
// by hand. Matched P&L is recorded and the cooldown applies.
func (e *Engine) Release(ctx context.Context, symbol string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cycles[symbol]
	if !ok {
		return fmt.Errorf("executor: release %s: %w", symbol, domain.ErrNotFound)
	}
	if c.state != domain.CycleHalted {
		return fmt.Errorf("executor: release %s: %w", symbol, domain.ErrCycleActive)
	}
	e.finish(ctx, c, domain.OutcomeReleased, "released by operator: "+c.haltReason, now)
	return nil
}

// finish records the cycle and returns symbol to idle. Any exposure left
// over is forced out first.
func (e *Engine) finish(ctx context.Context, c *cycle, outcome domain.CycleOutcome, reason string, now time.Time) {
	if outcome != domain.OutcomeReleased && c.exposure() > qtyEps {
		e.forceFlatten(ctx, c, "residual exposure: "+reason, now)
		return
	}
	c.state = domain.CycleCompleted

	matched := math.Min(c.bought, c.sold)
	buyPx, sellPx := c.vwap(domain.OrderSideBuy), c.vwap(domain.OrderSideSell)
	rec := domain.CycleRecord{
		ID:          c.id,
		Symbol:      c.symbol,
		Side:        c.side,
		Outcome:     outcome,
		Reason:      reason,
		ElephantPx:  c.elephant.Price,
		BuyPrice:    buyPx,
		BuyQty:      c.bought,
		SellPrice:   sellPx,
		SellQty:     c.sold,
		MatchedQty:  matched,
		StartedAt:   c.startedAt,
		CompletedAt: now,
	}
	if matched > qtyEps {
		rec.GrossPnL, rec.Fees, rec.NetPnL = cyclePnL(buyPx, sellPx, matched, c.params.FeeRate)
		e.risk.RecordPnL(c.symbol, rec.NetPnL)
	}

	e.cooldown.Start(c.symbol, now, c.params.Cooldown)
	delete(e.cycles, c.symbol)
	for id := range c.legs {
		delete(e.orders, id)
		e.closed.Mark(id, now)
	}

	e.logger.InfoContext(ctx, "cycle completed",
		slog.String("symbol", c.symbol),
		slog.String("cycle_id", c.id),
		slog.String("outcome", string(outcome)),
		slog.Float64("matched_qty", matched),
		slog.Float64("net_pnl", rec.NetPnL),
		slog.String("reason", reason),
	)
	if e.sink != nil {
		e.sink.CycleFinished(ctx, rec)
	}
}

// Tick polls working orders for timeouts. It never blocks.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range e.cycles {
		if c.state == domain.CycleHalted {
			continue
		}
		l := c.active
		if !l.working() {
			continue
		}
		wait := c.params.WaitTime
		if !l.cancelAt.IsZero() {
			if now.Sub(l.cancelAt) >= c.params.cancelWait(c.state == c.flattenState()) {
				e.escalate(ctx, c, fmt.Sprintf("cancel of %s order %s not confirmed", l.role, l.orderID))
			}
			continue
		}
		if now.Sub(l.submittedAt) < wait {
			continue
		}
		if l.typ == domain.OrderTypeMarket {
			e.escalate(ctx, c, fmt.Sprintf("flatten order %s not filled within %s", l.orderID, wait))
			continue
		}
		e.logger.InfoContext(ctx, "order timed out, cancelling",
			slog.String("symbol", c.symbol),
			slog.String("order_id", l.orderID),
			slog.String("role", l.role.String()),
			slog.Bool("retried", l.retried),
		)
		_ = e.requestCancel(ctx, c, cancelTimeout, now)
	}
	e.closed.Cleanup(now)
	e.cooldown.Cleanup(now)
}

// CancelAll cancels every working limit order, used on shutdown. Cycles stay
// in place; their exposure is reported in the logs.
func (e *Engine) CancelAll(ctx context.Context, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for _, c := range e.cycles {
		if c.active.working() && c.active.typ == domain.OrderTypeLimit {
			if err := e.requestCancel(ctx, c, cancelShutdown, now); err != nil {
				errs = append(errs, err)
			}
		}
		if c.exposure() > qtyEps {
			e.logger.WarnContext(ctx, "open exposure at shutdown",
				slog.String("symbol", c.symbol),
				slog.String("state", string(c.state)),
				slog.Float64("exposure", c.exposure()),
			)
		}
	}
	return errors.Join(errs...)
}
