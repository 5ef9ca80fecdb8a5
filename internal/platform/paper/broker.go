// Package paper simulates an exchange account against live or replayed
// order books. Resting limit orders fill when the opposite side crosses
// their price; market orders walk the book. Inventory follows T+1: shares
// bought today become sellable after RollDay.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/elephantbot/internal/domain"
	"github.com/alanyoungcy/elephantbot/internal/executor"
)

var (
	_ executor.OrderTransport = (*Broker)(nil)
	_ executor.Holdings       = (*Broker)(nil)
)

const qtyEps = 1e-9

// Position is one symbol's inventory.
type Position struct {
	Symbol      string  `json:"symbol"`
	Settled     float64 `json:"settled"`
	BoughtToday float64 `json:"bought_today"`
	SoldToday   float64 `json:"sold_today"`
}

// Broker is a paper trading account.
type Broker struct {
	mu        sync.Mutex
	books     map[string]domain.OrderbookSnapshot
	orders    map[string]*domain.Order
	positions map[string]*Position
	pending   []domain.OrderEvent
	wake      chan struct{}
	out       chan domain.OrderEvent
	clock     func() time.Time
	logger    *slog.Logger
}

// NewBroker creates a Broker holding the given settled inventory.
func NewBroker(holdings map[string]float64, logger *slog.Logger) *Broker {
	b := &Broker{
		books:     make(map[string]domain.OrderbookSnapshot),
		orders:    make(map[string]*domain.Order),
		positions: make(map[string]*Position),
		wake:      make(chan struct{}, 1),
		out:       make(chan domain.OrderEvent, 64),
		clock:     time.Now,
		logger:    logger.With(slog.String("component", "paper_broker")),
	}
	for sym, qty := range holdings {
		b.positions[sym] = &Position{Symbol: sym, Settled: qty}
	}
	return b
}

// Events returns the channel fills, cancels and rejects are delivered on.
// Run must be running for events to flow.
func (b *Broker) Events() <-chan domain.OrderEvent { return b.out }

// Run delivers queued events in order until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	for {
		b.mu.Lock()
		batch := b.pending
		b.pending = nil
		b.mu.Unlock()

		for _, ev := range batch {
			select {
			case b.out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-b.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Broker) emit(ev domain.OrderEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock()
	}
	b.pending = append(b.pending, ev)
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Broker) position(symbol string) *Position {
	p, ok := b.positions[symbol]
	if !ok {
		p = &Position{Symbol: symbol}
		b.positions[symbol] = p
	}
	return p
}

// committedSells is the open sell quantity already reserved against
// settled inventory.
func (b *Broker) committedSells(symbol string) float64 {
	var q float64
	for _, o := range b.orders {
		if o.Symbol == symbol && o.Side == domain.OrderSideSell {
			q += o.Remaining()
		}
	}
	return q
}

// Sellable reports settled shares not yet committed to open sell orders.
func (b *Broker) Sellable(symbol string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sellableLocked(symbol)
}

func (b *Broker) sellableLocked(symbol string) float64 {
	p, ok := b.positions[symbol]
	if !ok {
		return 0
	}
	return math.Max(p.Settled-b.committedSells(symbol), 0)
}

func (b *Broker) validate(symbol string, side domain.OrderSide, qty float64) error {
	if symbol == "" || qty <= 0 || math.IsNaN(qty) {
		return fmt.Errorf("paper: order %s %s qty=%g: %w", side, symbol, qty, domain.ErrInvalidOrder)
	}
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		return fmt.Errorf("paper: side %q: %w", side, domain.ErrInvalidOrder)
	}
	if side == domain.OrderSideSell && b.sellableLocked(symbol)+qtyEps < qty {
		return fmt.Errorf("paper: sell %s qty=%g: %w", symbol, qty, domain.ErrNoInventory)
	}
	return nil
}

// SubmitLimit rests a limit order and matches it against the current book.
func (b *Broker) SubmitLimit(ctx context.Context, symbol string, side domain.OrderSide, price, qty float64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if price <= 0 || math.IsNaN(price) {
		return "", fmt.Errorf("paper: limit price %g: %w", price, domain.ErrInvalidOrder)
	}
	if err := b.validate(symbol, side, qty); err != nil {
		return "", err
	}
	o := &domain.Order{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Side:      side,
		Type:      domain.OrderTypeLimit,
		Price:     price,
		Qty:       qty,
		CreatedAt: b.clock(),
	}
	b.orders[o.ID] = o
	b.logger.DebugContext(ctx, "limit order accepted",
		slog.String("order_id", o.ID),
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.Float64("price", price),
		slog.Float64("qty", qty),
	)
	if book, ok := b.books[symbol]; ok {
		b.match(o, book)
	}
	return o.ID, nil
}

// SubmitMarket fills immediately against the current book. Quantity the
// book cannot absorb is left working until the next snapshot.
func (b *Broker) SubmitMarket(ctx context.Context, symbol string, side domain.OrderSide, qty float64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.validate(symbol, side, qty); err != nil {
		return "", err
	}
	book, ok := b.books[symbol]
	if !ok || !book.Valid() {
		return "", fmt.Errorf("paper: market %s: no book: %w", symbol, domain.ErrInvalidBook)
	}
	o := &domain.Order{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Side:      side,
		Type:      domain.OrderTypeMarket,
		Qty:       qty,
		CreatedAt: b.clock(),
	}
	b.orders[o.ID] = o
	b.logger.InfoContext(ctx, "market order accepted",
		slog.String("order_id", o.ID),
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.Float64("qty", qty),
	)
	b.match(o, book)
	return o.ID, nil
}

// Cancel removes an open order and confirms it. Cancelling a finished or
// already cancelled order is a no-op.
func (b *Broker) Cancel(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return nil
	}
	delete(b.orders, orderID)
	b.emit(domain.OrderEvent{Kind: domain.OrderEventCancel, OrderID: orderID, Symbol: o.Symbol})
	return nil
}

// OnBook stores the snapshot and fills whatever it crosses.
func (b *Broker) OnBook(book domain.OrderbookSnapshot) {
	if !book.Valid() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.books[book.Symbol] = book

	ids := make([]string, 0, len(b.orders))
	for id, o := range b.orders {
		if o.Symbol == book.Symbol {
			ids = append(ids, id)
		}
	}
	// Oldest first, like a price-time queue.
	sort.Slice(ids, func(i, j int) bool {
		return b.orders[ids[i]].CreatedAt.Before(b.orders[ids[j]].CreatedAt)
	})
	for _, id := range ids {
		b.match(b.orders[id], book)
	}
}

// match fills o against the opposite side of book. Limit orders trade at
// their own price, market orders at each level's price.
func (b *Broker) match(o *domain.Order, book domain.OrderbookSnapshot) {
	levels := book.Levels(o.Side.BookSide().Opposite())
	for _, lvl := range levels {
		rem := o.Remaining()
		if rem <= qtyEps {
			break
		}
		if lvl.Price <= 0 || lvl.Size <= 0 {
			continue
		}
		if o.Type == domain.OrderTypeLimit {
			if o.Side == domain.OrderSideBuy && lvl.Price > o.Price+qtyEps {
				break
			}
			if o.Side == domain.OrderSideSell && lvl.Price < o.Price-qtyEps {
				break
			}
		}
		qty := math.Min(rem, lvl.Size)
		px := lvl.Price
		if o.Type == domain.OrderTypeLimit {
			px = o.Price
		}
		b.fill(o, px, qty)
	}
	if o.Remaining() <= qtyEps {
		delete(b.orders, o.ID)
	}
}

func (b *Broker) fill(o *domain.Order, price, qty float64) {
	o.FilledQty += qty
	p := b.position(o.Symbol)
	if o.Side == domain.OrderSideBuy {
		p.BoughtToday += qty
	} else {
		p.Settled -= qty
		p.SoldToday += qty
	}
	b.emit(domain.OrderEvent{
		Kind:    domain.OrderEventFill,
		OrderID: o.ID,
		Symbol:  o.Symbol,
		Price:   price,
		Qty:     qty,
	})
}

// RollDay settles today's purchases so they can be sold from tomorrow.
func (b *Broker) RollDay(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.positions {
		p.Settled += p.BoughtToday
		p.BoughtToday = 0
		p.SoldToday = 0
	}
	b.logger.InfoContext(ctx, "paper positions settled", slog.Int("symbols", len(b.positions)))
}

// Positions returns every position ordered by symbol.
func (b *Broker) Positions() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenOrders returns how many orders are working.
func (b *Broker) OpenOrders() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}
