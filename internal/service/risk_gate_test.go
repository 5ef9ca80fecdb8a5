package service

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

func ptr(v float64) *float64 { return &v }

func newGate(t *testing.T) *RiskGate {
	t.Helper()
	limits := RiskLimits{
		SingleTradeMaxLossRatio: 0.001,
		SymbolMaxLossRatio:      0.005,
		DailyMaxLossRatio:       0.01,
		SymbolMaxTrades:         10,
		DailyMaxTrades:          100,
	}
	require.NoError(t, limits.Validate())
	return NewRiskGate(limits, 1_000_000, slog.New(slog.DiscardHandler))
}

func TestAuthorizeSingleTradeBoundary(t *testing.T) {
	g := newGate(t)

	ok, reason := g.Authorize("600000", ptr(-1000))
	assert.True(t, ok, reason)

	ok, reason = g.Authorize("600000", ptr(-1001))
	assert.False(t, ok)
	assert.Contains(t, reason, "single trade")
}

func TestAuthorizeSymbolLoss(t *testing.T) {
	g := newGate(t)
	g.RecordPnL("000001", -4500)

	ok, _ := g.Authorize("000001", ptr(-500))
	assert.True(t, ok)

	ok, reason := g.Authorize("000001", ptr(-600))
	assert.False(t, ok)
	assert.Contains(t, reason, "symbol loss")

	// Another symbol is unaffected by 000001's losses.
	ok, _ = g.Authorize("000002", ptr(-1000))
	assert.True(t, ok)
}

func TestAuthorizeDailyLoss(t *testing.T) {
	g := newGate(t)
	g.RecordPnL("000001", -5000)
	g.RecordPnL("000002", -4500)

	ok, _ := g.Authorize("000003", ptr(-500))
	assert.True(t, ok)

	ok, reason := g.Authorize("000003", ptr(-600))
	assert.False(t, ok)
	assert.Contains(t, reason, "daily loss")
}

func TestAuthorizeProfitsDoNotOffsetProjectedLoss(t *testing.T) {
	g := newGate(t)
	g.RecordPnL("000001", 50_000)

	ok, _ := g.Authorize("000001", ptr(500))
	assert.True(t, ok, "positive projection counts as zero loss")

	ok, _ = g.Authorize("000001", nil)
	assert.True(t, ok)
}

func TestAuthorizeTradeCounts(t *testing.T) {
	g := newGate(t)
	for i := 0; i < 9; i++ {
		g.RecordPnL("000001", 100)
	}
	ok, _ := g.Authorize("000001", nil)
	assert.True(t, ok)

	g.RecordPnL("000001", 100)
	ok, reason := g.Authorize("000001", nil)
	assert.False(t, ok)
	assert.Contains(t, reason, "symbol trade count")

	limits := DefaultRiskLimits()
	limits.DailyMaxTrades = 10
	limits.SymbolMaxTrades = 20
	require.NoError(t, g.ApplyConfig(limits))
	ok, reason = g.Authorize("000002", nil)
	assert.False(t, ok)
	assert.Contains(t, reason, "daily trade count")
	assert.True(t, g.DailyLimitBreached())
}

func TestAuthorizeUnknownAssets(t *testing.T) {
	g := newGate(t)
	g.UpdateTotalAssets(0)
	ok, reason := g.Authorize("000001", nil)
	assert.False(t, ok)
	assert.Equal(t, "total assets unknown", reason)
}

func TestRecordPnLAndResetDaily(t *testing.T) {
	g := newGate(t)
	g.RecordPnL("000001", 1000)
	g.RecordPnL("000001", -500)

	c := g.Counters()
	assert.Equal(t, 500.0, c.DailyPnL)
	assert.Equal(t, 500.0, c.SymbolPnL["000001"])
	assert.Equal(t, 2, c.DailyTrades)
	assert.Equal(t, 2, c.SymbolTrades["000001"])

	g.UpdateTotalAssets(2_000_000)
	g.ResetDaily()
	c = g.Counters()
	assert.Zero(t, c.DailyPnL)
	assert.Zero(t, c.DailyTrades)
	assert.Empty(t, c.SymbolTrades)
	assert.Equal(t, 2_000_000.0, c.TotalAssets)
}

func TestRestoreSkipsUnmatchedCycles(t *testing.T) {
	g := newGate(t)
	n := g.Restore([]domain.CycleRecord{
		{Symbol: "000001", MatchedQty: 100, NetPnL: -20},
		{Symbol: "000001", MatchedQty: 0, NetPnL: 0},
		{Symbol: "000002", MatchedQty: 100, NetPnL: 5},
	})
	assert.Equal(t, 2, n)
	c := g.Counters()
	assert.Equal(t, 2, c.DailyTrades)
	assert.Equal(t, 1, c.SymbolTrades["000001"])
	assert.InDelta(t, -15, c.DailyPnL, 1e-9)
}

func TestRiskLimitsValidate(t *testing.T) {
	assert.NoError(t, DefaultRiskLimits().Validate())

	bad := DefaultRiskLimits()
	bad.DailyMaxLossRatio = 0
	bad.SymbolMaxTrades = 0
	err := bad.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "daily_max_loss_ratio")
	assert.Contains(t, err.Error(), "symbol_max_trades")
}
