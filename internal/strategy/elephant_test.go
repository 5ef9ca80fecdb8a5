package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/elephantbot/internal/detector"
	"github.com/alanyoungcy/elephantbot/internal/domain"
	"github.com/alanyoungcy/elephantbot/internal/executor"
	"github.com/alanyoungcy/elephantbot/internal/service"
)

type sentOrder struct {
	id    string
	side  domain.OrderSide
	typ   domain.OrderType
	price float64
	qty   float64
}

type stubTransport struct {
	seq     int
	orders  []sentOrder
	cancels []string
}

func (s *stubTransport) SubmitLimit(_ context.Context, _ string, side domain.OrderSide, price, qty float64) (string, error) {
	s.seq++
	id := fmt.Sprintf("L%d", s.seq)
	s.orders = append(s.orders, sentOrder{id: id, side: side, typ: domain.OrderTypeLimit, price: price, qty: qty})
	return id, nil
}

func (s *stubTransport) SubmitMarket(_ context.Context, _ string, side domain.OrderSide, qty float64) (string, error) {
	s.seq++
	id := fmt.Sprintf("M%d", s.seq)
	s.orders = append(s.orders, sentOrder{id: id, side: side, typ: domain.OrderTypeMarket, qty: qty})
	return id, nil
}

func (s *stubTransport) Cancel(_ context.Context, id string) error {
	s.cancels = append(s.cancels, id)
	return nil
}

func (s *stubTransport) last() sentOrder { return s.orders[len(s.orders)-1] }

type holdings map[string]float64

func (h holdings) Sellable(sym string) float64 { return h[sym] }

type gate bool

func (g gate) IsOpen(time.Time) bool { return bool(g) }

type fixture struct {
	strat     *Elephant
	exec      *executor.Engine
	risk      *service.RiskGate
	det       *detector.Detector
	transport *stubTransport
	t0        time.Time
}

func newFixture(t *testing.T, session SessionGate) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	det := detector.New(detector.DefaultConfig(), logger)
	risk := service.NewRiskGate(service.DefaultRiskLimits(), 1_000_000, logger)
	tr := &stubTransport{}
	exec := executor.NewEngine(executor.DefaultParams(), tr, risk, holdings{"600000": 1000}, nil, logger)
	return &fixture{
		strat:     NewElephant(det, exec, session, risk, nil, logger),
		exec:      exec,
		risk:      risk,
		det:       det,
		transport: tr,
		t0:        time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

// elephantBook has a 199,000-share bid at 9.95 behind a thin best bid.
func elephantBook() domain.OrderbookSnapshot {
	return domain.OrderbookSnapshot{
		Symbol: "600000",
		Bids:   []domain.PriceLevel{{Price: 10.00, Size: 1000}, {Price: 9.95, Size: 199_000}},
		Asks:   []domain.PriceLevel{{Price: 10.05, Size: 1000}},
	}
}

func goneBook() domain.OrderbookSnapshot {
	return domain.OrderbookSnapshot{
		Symbol: "600000",
		Bids:   []domain.PriceLevel{{Price: 10.00, Size: 1000}, {Price: 9.94, Size: 800}},
		Asks:   []domain.PriceLevel{{Price: 10.05, Size: 1000}},
	}
}

func (f *fixture) feedUntilStarted(t *testing.T) time.Time {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.strat.OnBook(ctx, elephantBook(), f.t0.Add(time.Duration(i)*time.Second))
	}
	require.False(t, f.exec.HasCycle("600000"), "confirmed but not yet stable")

	now := f.t0.Add(6 * time.Second)
	f.strat.OnBook(ctx, elephantBook(), now)
	require.True(t, f.exec.HasCycle("600000"))
	return now
}

func TestElephantDisappearanceWhileHoldingForcesMarketSell(t *testing.T) {
	f := newFixture(t, gate(true))
	ctx := context.Background()
	now := f.feedUntilStarted(t)

	entry := f.transport.last()
	assert.Equal(t, domain.OrderSideBuy, entry.side)
	assert.InDelta(t, 9.96, entry.price, 1e-9)
	assert.InDelta(t, 100, entry.qty, 1e-9)

	require.NoError(t, f.exec.OnFill(ctx, entry.id, 9.96, 100, now.Add(time.Second)))
	exit := f.transport.last()
	assert.Equal(t, domain.OrderSideSell, exit.side)
	assert.InDelta(t, 9.97, exit.price, 1e-9)

	f.strat.OnBook(ctx, goneBook(), now.Add(2*time.Second))
	view, ok := f.exec.Cycle("600000")
	require.True(t, ok)
	assert.Equal(t, domain.CycleStopLossPending, view.State)
	assert.Equal(t, []string{exit.id}, f.transport.cancels)

	require.NoError(t, f.exec.OnCancel(ctx, exit.id, now.Add(3*time.Second)))
	flatten := f.transport.last()
	assert.Equal(t, domain.OrderTypeMarket, flatten.typ)
	assert.Equal(t, domain.OrderSideSell, flatten.side)
	assert.InDelta(t, 100, flatten.qty, 1e-9)

	require.NoError(t, f.exec.OnFill(ctx, flatten.id, 9.94, 100, now.Add(4*time.Second)))
	assert.False(t, f.exec.HasCycle("600000"))

	c := f.risk.Counters()
	assert.Equal(t, 1, c.DailyTrades)
	assert.Less(t, c.DailyPnL, 0.0)
}

func TestElephantInvalidBookDoesNotTriggerDisappearance(t *testing.T) {
	f := newFixture(t, gate(true))
	ctx := context.Background()
	now := f.feedUntilStarted(t)

	entry := f.transport.last()
	require.NoError(t, f.exec.OnFill(ctx, entry.id, 9.96, 100, now))

	f.strat.OnBook(ctx, domain.OrderbookSnapshot{Symbol: "600000"}, now.Add(time.Second))
	f.strat.OnBook(ctx, elephantBook(), now.Add(2*time.Second))

	view, ok := f.exec.Cycle("600000")
	require.True(t, ok)
	assert.Equal(t, domain.CycleSellPending, view.State)
	assert.Empty(t, f.transport.cancels)
}

func TestElephantReplacedRecordStillWatchesCycleElephant(t *testing.T) {
	f := newFixture(t, gate(true))
	ctx := context.Background()
	now := f.feedUntilStarted(t)

	entry := f.transport.last()
	require.NoError(t, f.exec.OnFill(ctx, entry.id, 9.96, 100, now))
	exit := f.transport.last()

	// A nearer elephant appears at the best bid and takes over the record.
	nearer := elephantBook()
	nearer.Bids[0].Size = 150_000
	f.strat.OnBook(ctx, nearer, now.Add(time.Second))
	rec, ok := f.det.Record("600000", domain.BookSideBid)
	require.True(t, ok)
	require.Equal(t, 10.00, rec.Price)
	assert.Empty(t, f.transport.cancels)

	// The cycle's own elephant at 9.95 goes away while the new one stays.
	vanished := nearer
	vanished.Bids = []domain.PriceLevel{{Price: 10.00, Size: 150_000}, {Price: 9.90, Size: 500}}
	f.strat.OnBook(ctx, vanished, now.Add(2*time.Second))

	view, ok := f.exec.Cycle("600000")
	require.True(t, ok)
	assert.Equal(t, domain.CycleStopLossPending, view.State)
	assert.Equal(t, []string{exit.id}, f.transport.cancels)
}

func TestElephantLevelShrinkingBelowThresholdCountsAsGone(t *testing.T) {
	f := newFixture(t, gate(true))
	ctx := context.Background()
	now := f.feedUntilStarted(t)

	// Still 60% of the recorded size but now under the notional threshold.
	shrunk := elephantBook()
	shrunk.Bids[1].Size = 100_000
	f.strat.OnBook(ctx, shrunk, now.Add(time.Second))

	// The entry was not filled yet: it is cancelled, no flatten.
	assert.Equal(t, []string{f.transport.orders[0].id}, f.transport.cancels)
}

func TestElephantNoStartWhenSessionClosed(t *testing.T) {
	f := newFixture(t, gate(false))
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		f.strat.OnBook(ctx, elephantBook(), f.t0.Add(time.Duration(i)*time.Second))
	}
	assert.False(t, f.exec.HasCycle("600000"))
	assert.Empty(t, f.transport.orders)
}

func TestElephantNoStartAfterDailyLimitBreached(t *testing.T) {
	f := newFixture(t, nil)
	f.risk.RecordPnL("000001", -50_000)
	require.True(t, f.risk.DailyLimitBreached())

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		f.strat.OnBook(ctx, elephantBook(), f.t0.Add(time.Duration(i)*time.Second))
	}
	assert.False(t, f.exec.HasCycle("600000"))

	f.risk.ResetDaily()
	f.strat.ResetDaily()
	f.strat.OnBook(ctx, elephantBook(), f.t0.Add(9*time.Second))
	assert.True(t, f.exec.HasCycle("600000"))
}
