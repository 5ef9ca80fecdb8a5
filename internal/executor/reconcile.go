package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

// HandleEvent dispatches an order-transport notification.
func (e *Engine) HandleEvent(ctx context.Context, ev domain.OrderEvent, now time.Time) error {
	switch ev.Kind {
	case domain.OrderEventFill:
		return e.OnFill(ctx, ev.OrderID, ev.Price, ev.Qty, now)
	case domain.OrderEventCancel:
		return e.OnCancel(ctx, ev.OrderID, now)
	case domain.OrderEventReject:
		return e.OnReject(ctx, ev.OrderID, ev.Reason, now)
	default:
		return fmt.Errorf("executor: event kind %q: %w", ev.Kind, domain.ErrInvalidOrder)
	}
}

// errClosedOrder marks a notification for an order of a finished cycle.
var errClosedOrder = errors.New("order belongs to a finished cycle")

func (e *Engine) lookup(orderID string) (*cycle, *leg, error) {
	sym, ok := e.orders[orderID]
	if !ok {
		if e.closed.Seen(orderID) {
			return nil, nil, errClosedOrder
		}
		return nil, nil, fmt.Errorf("executor: order %s: %w", orderID, domain.ErrUnknownOrder)
	}
	c, ok := e.cycles[sym]
	if !ok {
		delete(e.orders, orderID)
		return nil, nil, fmt.Errorf("executor: order %s: %w", orderID, domain.ErrUnknownOrder)
	}
	return c, c.legs[orderID], nil
}

// OnFill applies an incremental fill. Fills always count, even for an order
// whose cancel is in flight or that has been superseded by a retry.
func (e *Engine) OnFill(ctx context.Context, orderID string, price, qty float64, now time.Time) error {
	if price <= 0 || qty <= 0 || math.IsNaN(price) || math.IsNaN(qty) {
		return fmt.Errorf("executor: fill %s price=%g qty=%g: %w", orderID, price, qty, domain.ErrInvalidOrder)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, l, err := e.lookup(orderID)
	if errors.Is(err, errClosedOrder) {
		e.logger.DebugContext(ctx, "notification for finished cycle ignored", slog.String("order_id", orderID))
		return nil
	}
	if err != nil {
		return err
	}

	if l.side == domain.OrderSideBuy {
		c.bought += qty
		c.boughtNotional += price * qty
	} else {
		c.sold += qty
		c.soldNotional += price * qty
	}
	l.filled += qty

	if l != c.active {
		e.logger.WarnContext(ctx, "fill on superseded order",
			slog.String("symbol", c.symbol),
			slog.String("order_id", orderID),
			slog.Float64("qty", qty),
			slog.Float64("exposure", c.exposure()),
		)
		return nil
	}
	if l.filled+qtyEps < l.qty {
		e.logger.DebugContext(ctx, "partial fill",
			slog.String("symbol", c.symbol),
			slog.String("order_id", orderID),
			slog.Float64("filled", l.filled),
			slog.Float64("qty", l.qty),
		)
		return nil
	}
	if l.done {
		return nil
	}
	l.done = true
	e.legCompleted(ctx, c, l, now)
	return nil
}

func (e *Engine) legCompleted(ctx context.Context, c *cycle, l *leg, now time.Time) {
	e.logger.InfoContext(ctx, "order filled",
		slog.String("symbol", c.symbol),
		slog.String("order_id", l.orderID),
		slog.String("role", l.role.String()),
		slog.Float64("vwap", c.vwap(l.side)),
	)

	if c.state == domain.CycleHalted {
		if c.exposure() <= qtyEps {
			e.finish(ctx, c, domain.OutcomeStopLoss, "flat after halt: "+c.haltReason, now)
		}
		return
	}

	switch l.role {
	case roleEntry:
		switch l.cancelWhy {
		case cancelDisappeared:
			e.forceFlatten(ctx, c, "entry filled after elephant disappeared", now)
		case cancelShutdown:
			e.logger.WarnContext(ctx, "entry filled during shutdown", slog.String("symbol", c.symbol))
		default:
			e.enterExit(ctx, c, now)
		}
	case roleExit:
		e.finish(ctx, c, domain.OutcomeExited, "exit filled", now)
	case roleFlatten:
		e.finish(ctx, c, domain.OutcomeStopLoss, "forced flatten filled", now)
	}
}

// enterExit places the limit exit for the filled entry quantity.
func (e *Engine) enterExit(ctx context.Context, c *cycle, now time.Time) {
	side := domain.OrderSideSell
	pending := domain.CycleSellPending
	c.state = domain.CycleHolding
	if c.side == domain.BookSideAsk {
		side = domain.OrderSideBuy
		pending = domain.CycleBuybackPending
		c.state = domain.CycleSoldAwaitingBuyback
	}

	if err := e.submitLimit(ctx, c, roleExit, side, c.plan.exitPrice, c.exposure(), now); err != nil {
		e.logger.ErrorContext(ctx, "exit submission failed",
			slog.String("symbol", c.symbol),
			slog.String("error", err.Error()),
		)
		e.forceFlatten(ctx, c, "exit submission failed", now)
		return
	}
	c.state = pending
}

// OnCancel handles a cancel confirmation. Confirmations for orders that are
// already filled or superseded are no-ops.
func (e *Engine) OnCancel(ctx context.Context, orderID string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, l, err := e.lookup(orderID)
	if errors.Is(err, errClosedOrder) {
		e.logger.DebugContext(ctx, "notification for finished cycle ignored", slog.String("order_id", orderID))
		return nil
	}
	if err != nil {
		return err
	}
	if l != c.active || l.done {
		e.logger.DebugContext(ctx, "cancel ignored",
			slog.String("symbol", c.symbol),
			slog.String("order_id", orderID),
		)
		return nil
	}
	l.done = true
	if c.state == domain.CycleHalted {
		return nil
	}

	switch l.cancelWhy {
	case cancelTimeout:
		if l.retried {
			e.legFailed(ctx, c, l, domain.OutcomeAborted, "second fill timeout", now)
			return nil
		}
		e.retry(ctx, c, l, now)
	case cancelDisappeared:
		e.legFailed(ctx, c, l, domain.OutcomeAborted, "elephant disappeared", now)
	case cancelShutdown:
		if l.role == roleEntry && c.entryFilled() <= qtyEps {
			e.finish(ctx, c, domain.OutcomeAborted, "cancelled on shutdown", now)
		}
	default:
		e.legFailed(ctx, c, l, domain.OutcomeAborted, "cancelled by venue", now)
	}
	return nil
}

// OnReject handles a rejection of the working order.
func (e *Engine) OnReject(ctx context.Context, orderID, reason string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, l, err := e.lookup(orderID)
	if errors.Is(err, errClosedOrder) {
		e.logger.DebugContext(ctx, "notification for finished cycle ignored", slog.String("order_id", orderID))
		return nil
	}
	if err != nil {
		return err
	}
	if l != c.active || l.done {
		return nil
	}
	l.done = true
	e.logger.WarnContext(ctx, "order rejected",
		slog.String("symbol", c.symbol),
		slog.String("order_id", orderID),
		slog.String("role", l.role.String()),
		slog.String("reason", reason),
	)
	if c.state == domain.CycleHalted {
		return nil
	}
	e.legFailed(ctx, c, l, domain.OutcomeRejected, "rejected: "+reason, now)
	return nil
}

// retry resubmits a timed-out limit leg once at the current best price of
// its own book side.
func (e *Engine) retry(ctx context.Context, c *cycle, l *leg, now time.Time) {
	remaining := c.exposure()
	if l.role == roleEntry {
		remaining = c.params.TradeQuantity - c.entryFilled()
	}
	if remaining <= qtyEps {
		e.legCompleted(ctx, c, l, now)
		return
	}

	price := l.price
	if book, ok := e.books[c.symbol]; ok {
		if best, ok := book.Best(l.side.BookSide()); ok {
			price = best.Price
		}
	}
	if err := e.submitLimit(ctx, c, l.role, l.side, price, remaining, now); err != nil {
		e.legFailed(ctx, c, l, domain.OutcomeAborted, "retry submission failed: "+err.Error(), now)
		return
	}
	c.active.retried = true
	e.logger.InfoContext(ctx, "order retried at best price",
		slog.String("symbol", c.symbol),
		slog.String("order_id", c.active.orderID),
		slog.String("role", l.role.String()),
		slog.Float64("price", price),
		slog.Float64("qty", remaining),
	)
}

// legFailed ends a leg that will not fill. An unfilled entry aborts the
// cycle; anything that leaves exposure goes to the forced flatten; a failed
// flatten is escalated.
func (e *Engine) legFailed(ctx context.Context, c *cycle, l *leg, outcome domain.CycleOutcome, reason string, now time.Time) {
	switch l.role {
	case roleEntry:
		if c.entryFilled() > qtyEps {
			e.forceFlatten(ctx, c, reason, now)
			return
		}
		e.finish(ctx, c, outcome, reason, now)
	case roleExit:
		e.forceFlatten(ctx, c, reason, now)
	default:
		e.escalate(ctx, c, "forced flatten failed: "+reason)
	}
}
