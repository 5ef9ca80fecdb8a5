package paper

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

func book(sym string, bids, asks [][2]float64) domain.OrderbookSnapshot {
	s := domain.OrderbookSnapshot{Symbol: sym, Timestamp: time.Now()}
	for _, l := range bids {
		s.Bids = append(s.Bids, domain.PriceLevel{Price: l[0], Size: l[1]})
	}
	for _, l := range asks {
		s.Asks = append(s.Asks, domain.PriceLevel{Price: l[0], Size: l[1]})
	}
	return s
}

func startBroker(t *testing.T, holdings map[string]float64) *Broker {
	t.Helper()
	b := NewBroker(holdings, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = b.Run(ctx) }()
	return b
}

func next(t *testing.T, b *Broker) domain.OrderEvent {
	t.Helper()
	select {
	case ev := <-b.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return domain.OrderEvent{}
	}
}

func TestLimitBuyFillsWhenAskCrosses(t *testing.T) {
	b := startBroker(t, nil)
	ctx := context.Background()
	b.OnBook(book("600000", [][2]float64{{10.00, 500}}, [][2]float64{{10.05, 500}}))

	id, err := b.SubmitLimit(ctx, "600000", domain.OrderSideBuy, 9.96, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, b.OpenOrders())

	b.OnBook(book("600000", [][2]float64{{9.95, 500}}, [][2]float64{{9.96, 60}, {9.97, 500}}))
	ev := next(t, b)
	assert.Equal(t, domain.OrderEventFill, ev.Kind)
	assert.Equal(t, id, ev.OrderID)
	assert.InDelta(t, 60, ev.Qty, 1e-9)
	assert.InDelta(t, 9.96, ev.Price, 1e-9)
	assert.Equal(t, 1, b.OpenOrders())

	b.OnBook(book("600000", [][2]float64{{9.95, 500}}, [][2]float64{{9.96, 500}}))
	ev = next(t, b)
	assert.InDelta(t, 40, ev.Qty, 1e-9)
	assert.Equal(t, 0, b.OpenOrders())

	// Bought today is not sellable until the day rolls.
	assert.Zero(t, b.Sellable("600000"))
	b.RollDay(ctx)
	assert.InDelta(t, 100, b.Sellable("600000"), 1e-9)
}

func TestSellNeedsSettledInventory(t *testing.T) {
	b := startBroker(t, map[string]float64{"600000": 150})
	ctx := context.Background()

	_, err := b.SubmitLimit(ctx, "600000", domain.OrderSideSell, 10.10, 100)
	require.NoError(t, err)
	assert.InDelta(t, 50, b.Sellable("600000"), 1e-9)

	_, err = b.SubmitLimit(ctx, "600000", domain.OrderSideSell, 10.10, 100)
	assert.ErrorIs(t, err, domain.ErrNoInventory)

	_, err = b.SubmitLimit(ctx, "000001", domain.OrderSideSell, 10.10, 1)
	assert.ErrorIs(t, err, domain.ErrNoInventory)
}

func TestMarketOrderWalksBook(t *testing.T) {
	b := startBroker(t, map[string]float64{"600000": 100})
	ctx := context.Background()

	_, err := b.SubmitMarket(ctx, "600000", domain.OrderSideSell, 100)
	assert.ErrorIs(t, err, domain.ErrInvalidBook)

	b.OnBook(book("600000", [][2]float64{{9.90, 30}, {9.89, 500}}, [][2]float64{{9.95, 10}}))
	id, err := b.SubmitMarket(ctx, "600000", domain.OrderSideSell, 100)
	require.NoError(t, err)

	first, second := next(t, b), next(t, b)
	assert.Equal(t, id, first.OrderID)
	assert.InDelta(t, 9.90, first.Price, 1e-9)
	assert.InDelta(t, 30, first.Qty, 1e-9)
	assert.InDelta(t, 9.89, second.Price, 1e-9)
	assert.InDelta(t, 70, second.Qty, 1e-9)

	pos := b.Positions()
	require.Len(t, pos, 1)
	assert.InDelta(t, 0, pos[0].Settled, 1e-9)
	assert.InDelta(t, 100, pos[0].SoldToday, 1e-9)
}

func TestCancelIsIdempotent(t *testing.T) {
	b := startBroker(t, nil)
	ctx := context.Background()

	id, err := b.SubmitLimit(ctx, "600000", domain.OrderSideBuy, 9.96, 100)
	require.NoError(t, err)
	require.NoError(t, b.Cancel(ctx, id))
	ev := next(t, b)
	assert.Equal(t, domain.OrderEventCancel, ev.Kind)
	assert.Equal(t, id, ev.OrderID)

	require.NoError(t, b.Cancel(ctx, id))
	require.NoError(t, b.Cancel(ctx, "unknown"))
	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestInvalidOrders(t *testing.T) {
	b := NewBroker(nil, slog.New(slog.DiscardHandler))
	ctx := context.Background()
	_, err := b.SubmitLimit(ctx, "600000", domain.OrderSideBuy, 0, 100)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	_, err = b.SubmitLimit(ctx, "", domain.OrderSideBuy, 10, 100)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	_, err = b.SubmitLimit(ctx, "600000", domain.OrderSideBuy, 10, -1)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}
