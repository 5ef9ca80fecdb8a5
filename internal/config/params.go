package config

import (
	"time"

	"github.com/alanyoungcy/elephantbot/internal/detector"
	"github.com/alanyoungcy/elephantbot/internal/executor"
	"github.com/alanyoungcy/elephantbot/internal/service"
)

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// DetectorParams converts the [detector] section.
func (c *Config) DetectorParams() detector.Config {
	d := c.Detector
	return detector.Config{
		NotionalThreshold:    d.NotionalThreshold,
		AskNotionalThreshold: d.AskNotionalThreshold,
		MaxSpreadLevels:      d.MaxSpread,
		FarLevelMultiplier:   d.FarLevelMultiplier,
		NearFarBoundaryLevel: d.NearFarBoundaryLevel,
		ConfirmationCount:    d.ConfirmationCount,
		Stability:            seconds(d.StabilitySeconds),
		SkipBestLevel:        d.SkipBestLevel,
		EnableAskSide:        d.EnableAskSide,
	}
}

// ExecutionParams converts the [execution] section.
func (c *Config) ExecutionParams() executor.Params {
	e := c.Execution
	return executor.Params{
		PriceIncrement:       e.PriceIncrement,
		BuyOffsetMultiplier:  e.BuyOffsetMultiplier,
		SellOffsetMultiplier: e.SellOffsetMultiplier,
		WaitTime:             seconds(e.WaitTimeSeconds),
		FlattenCancelWait:    seconds(e.FlattenCancelSeconds),
		Cooldown:             seconds(e.CooldownSeconds),
		StopLossRatio:        e.StopLossRatio,
		TradeQuantity:        e.TradeQuantity,
		FeeRate:              e.FeeRate,
		EnforceT1:            e.EnforceT1,
	}
}

// RiskLimits converts the [risk] section.
func (c *Config) RiskLimits() service.RiskLimits {
	r := c.Risk
	return service.RiskLimits{
		SingleTradeMaxLossRatio: r.SingleTradeMaxLossRatio,
		SymbolMaxLossRatio:      r.SymbolMaxLossRatio,
		DailyMaxLossRatio:       r.DailyMaxLossRatio,
		SymbolMaxTrades:         r.SymbolMaxTrades,
		DailyMaxTrades:          r.DailyMaxTrades,
	}
}

// SessionParams converts the [session] section.
func (c *Config) SessionParams() service.SessionConfig {
	return service.SessionConfig{
		Enabled:  c.Session.Enabled,
		Location: c.Session.Timezone,
		Windows:  append([]string(nil), c.Session.Windows...),
		CloseAt:  c.Session.CloseAt,
	}
}

// SymbolDetectorParams returns the detector parameters for sym with its
// overrides applied.
func (c *Config) SymbolDetectorParams(sym string) detector.Config {
	d := c.DetectorParams()
	o, ok := c.Overrides[sym]
	if !ok {
		return d
	}
	if o.NotionalThreshold != nil {
		d.NotionalThreshold = *o.NotionalThreshold
	}
	if o.AskNotionalThreshold != nil {
		d.AskNotionalThreshold = *o.AskNotionalThreshold
	}
	if o.MaxSpread != nil {
		d.MaxSpreadLevels = *o.MaxSpread
	}
	if o.ConfirmationCount != nil {
		d.ConfirmationCount = *o.ConfirmationCount
	}
	if o.StabilitySeconds != nil {
		d.Stability = seconds(*o.StabilitySeconds)
	}
	if o.EnableAskSide != nil {
		d.EnableAskSide = *o.EnableAskSide
	}
	return d
}

// SymbolExecutionParams returns the execution parameters for sym with its
// overrides applied.
func (c *Config) SymbolExecutionParams(sym string) executor.Params {
	p := c.ExecutionParams()
	o, ok := c.Overrides[sym]
	if !ok {
		return p
	}
	if o.PriceIncrement != nil {
		p.PriceIncrement = *o.PriceIncrement
	}
	if o.TradeQuantity != nil {
		p.TradeQuantity = *o.TradeQuantity
	}
	if o.StopLossRatio != nil {
		p.StopLossRatio = *o.StopLossRatio
	}
	if o.WaitTimeSeconds != nil {
		p.WaitTime = seconds(*o.WaitTimeSeconds)
	}
	if o.CooldownSeconds != nil {
		p.Cooldown = seconds(*o.CooldownSeconds)
	}
	return p
}
