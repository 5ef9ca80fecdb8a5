package service

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/alanyoungcy/elephantbot/internal/domain"
	"github.com/alanyoungcy/elephantbot/internal/executor"
)

var _ executor.RiskAuthorizer = (*RiskGate)(nil)

// RiskLimits holds the tunable loss ratios and trade-count caps.
type RiskLimits struct {
	SingleTradeMaxLossRatio float64
	SymbolMaxLossRatio      float64
	DailyMaxLossRatio       float64
	SymbolMaxTrades         int
	DailyMaxTrades          int
}

// DefaultRiskLimits returns the stock limits.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		SingleTradeMaxLossRatio: 0.01,
		SymbolMaxLossRatio:      0.03,
		DailyMaxLossRatio:       0.05,
		SymbolMaxTrades:         10,
		DailyMaxTrades:          50,
	}
}

// Validate reports every out-of-range limit.
func (l RiskLimits) Validate() error {
	var errs []string
	for name, v := range map[string]float64{
		"single_trade_max_loss_ratio": l.SingleTradeMaxLossRatio,
		"symbol_max_loss_ratio":       l.SymbolMaxLossRatio,
		"daily_max_loss_ratio":        l.DailyMaxLossRatio,
	} {
		if v <= 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("%s must be in (0, 1], got %g", name, v))
		}
	}
	if l.SymbolMaxTrades < 1 {
		errs = append(errs, "symbol_max_trades must be >= 1")
	}
	if l.DailyMaxTrades < 1 {
		errs = append(errs, "daily_max_trades must be >= 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("risk_gate: %w: %s", domain.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// RiskCounters is a snapshot of the gate's running totals.
type RiskCounters struct {
	SymbolTrades map[string]int     `json:"symbol_trades"`
	SymbolPnL    map[string]float64 `json:"symbol_pnl"`
	DailyTrades  int                `json:"daily_trades"`
	DailyPnL     float64            `json:"daily_pnl"`
	TotalAssets  float64            `json:"total_assets"`
}

// RiskGate authorizes new trade cycles against loss and trade-count limits.
// It holds counters only; every method is safe for concurrent use.
type RiskGate struct {
	mu           sync.Mutex
	limits       RiskLimits
	symbolTrades map[string]int
	symbolPnL    map[string]float64
	dailyTrades  int
	dailyPnL     float64
	totalAssets  float64
	logger       *slog.Logger
}

// NewRiskGate creates a RiskGate. limits must already be validated.
func NewRiskGate(limits RiskLimits, totalAssets float64, logger *slog.Logger) *RiskGate {
	return &RiskGate{
		limits:       limits,
		symbolTrades: make(map[string]int),
		symbolPnL:    make(map[string]float64),
		totalAssets:  totalAssets,
		logger:       logger.With(slog.String("component", "risk_gate")),
	}
}

// ApplyConfig swaps the limits. Counters are untouched.
func (g *RiskGate) ApplyConfig(limits RiskLimits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.limits = limits
	g.mu.Unlock()
	return nil
}

// Authorize decides whether a new cycle on symbol may start. projectedLoss,
// when given, is the worst-case P&L of the cycle (normally negative).
//
// Checks performed, in order, stopping at the first failure:
//  1. Projected loss within the single-trade ratio
//  2. Symbol loss plus projected loss within the symbol ratio
//  3. Daily loss plus projected loss within the daily ratio
//  4. Symbol trade count below its cap
//  5. Daily trade count below its cap
//
// Ratio comparisons are inclusive.
func (g *RiskGate) Authorize(symbol string, projectedLoss *float64) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.totalAssets <= 0 {
		return g.deny(symbol, "total assets unknown")
	}

	projected := 0.0
	if projectedLoss != nil {
		// Check 1: single trade.
		ratio := math.Abs(*projectedLoss) / g.totalAssets
		if ratio > g.limits.SingleTradeMaxLossRatio {
			return g.deny(symbol, fmt.Sprintf("single trade loss ratio %.6f exceeds %.6f", ratio, g.limits.SingleTradeMaxLossRatio))
		}
		projected = lossOnly(*projectedLoss)
	}

	// Check 2: symbol cumulative loss.
	symbolLoss := lossOnly(g.symbolPnL[symbol]) + projected
	if ratio := symbolLoss / g.totalAssets; ratio > g.limits.SymbolMaxLossRatio {
		return g.deny(symbol, fmt.Sprintf("symbol loss ratio %.6f exceeds %.6f", ratio, g.limits.SymbolMaxLossRatio))
	}

	// Check 3: daily cumulative loss.
	dailyLoss := lossOnly(g.dailyPnL) + projected
	if ratio := dailyLoss / g.totalAssets; ratio > g.limits.DailyMaxLossRatio {
		return g.deny(symbol, fmt.Sprintf("daily loss ratio %.6f exceeds %.6f", ratio, g.limits.DailyMaxLossRatio))
	}

	// Check 4: symbol trade count.
	if n := g.symbolTrades[symbol]; n >= g.limits.SymbolMaxTrades {
		return g.deny(symbol, fmt.Sprintf("symbol trade count %d reached limit %d", n, g.limits.SymbolMaxTrades))
	}

	// Check 5: daily trade count.
	if g.dailyTrades >= g.limits.DailyMaxTrades {
		return g.deny(symbol, fmt.Sprintf("daily trade count %d reached limit %d", g.dailyTrades, g.limits.DailyMaxTrades))
	}

	return true, ""
}

func (g *RiskGate) deny(symbol, reason string) (bool, string) {
	g.logger.Warn("risk_gate: denied",
		slog.String("symbol", symbol),
		slog.String("reason", reason),
	)
	return false, reason
}

// lossOnly returns the magnitude of v when negative, else zero.
func lossOnly(v float64) float64 {
	if v < 0 {
		return -v
	}
	return 0
}

// DailyLimitBreached reports whether the daily loss ratio is already at or
// over its limit, so no cycle can be authorized until the next reset.
func (g *RiskGate) DailyLimitBreached() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.totalAssets <= 0 {
		return false
	}
	return lossOnly(g.dailyPnL)/g.totalAssets >= g.limits.DailyMaxLossRatio ||
		g.dailyTrades >= g.limits.DailyMaxTrades
}

// RecordPnL counts one completed trade on symbol.
func (g *RiskGate) RecordPnL(symbol string, pnl float64) {
	g.mu.Lock()
	g.symbolTrades[symbol]++
	g.symbolPnL[symbol] += pnl
	g.dailyTrades++
	g.dailyPnL += pnl
	daily := g.dailyPnL
	g.mu.Unlock()

	g.logger.Info("risk_gate: pnl recorded",
		slog.String("symbol", symbol),
		slog.Float64("pnl", pnl),
		slog.Float64("daily_pnl", daily),
	)
}

// UpdateTotalAssets replaces the capital base used by the ratio checks.
func (g *RiskGate) UpdateTotalAssets(v float64) {
	g.mu.Lock()
	g.totalAssets = v
	g.mu.Unlock()
}

// ResetDaily zeroes every counter except total assets.
func (g *RiskGate) ResetDaily() {
	g.mu.Lock()
	g.symbolTrades = make(map[string]int)
	g.symbolPnL = make(map[string]float64)
	g.dailyTrades = 0
	g.dailyPnL = 0
	g.mu.Unlock()
	g.logger.Info("risk_gate: daily counters reset")
}

// Counters returns a copy of the running totals.
func (g *RiskGate) Counters() RiskCounters {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := RiskCounters{
		SymbolTrades: make(map[string]int, len(g.symbolTrades)),
		SymbolPnL:    make(map[string]float64, len(g.symbolPnL)),
		DailyTrades:  g.dailyTrades,
		DailyPnL:     g.dailyPnL,
		TotalAssets:  g.totalAssets,
	}
	for k, v := range g.symbolTrades {
		out.SymbolTrades[k] = v
	}
	for k, v := range g.symbolPnL {
		out.SymbolPnL[k] = v
	}
	return out
}

// Restore replays finished cycles of the current session into the counters.
// Cycles without a matched quantity never reached the gate and are skipped.
func (g *RiskGate) Restore(records []domain.CycleRecord) int {
	n := 0
	g.mu.Lock()
	for _, rec := range records {
		if rec.MatchedQty <= 0 {
			continue
		}
		g.symbolTrades[rec.Symbol]++
		g.symbolPnL[rec.Symbol] += rec.NetPnL
		g.dailyTrades++
		g.dailyPnL += rec.NetPnL
		n++
	}
	g.mu.Unlock()
	if n > 0 {
		g.logger.Info("risk_gate: counters restored", slog.Int("cycles", n))
	}
	return n
}
