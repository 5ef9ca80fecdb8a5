package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

// Params holds the execution parameters. A cycle keeps the Params it was
// started with even if new ones are applied while it is in flight.
type Params struct {
	PriceIncrement       float64
	BuyOffsetMultiplier  float64
	SellOffsetMultiplier float64
	WaitTime             time.Duration
	// FlattenCancelWait bounds how long a forced flatten waits for the
	// resting limit order's cancel confirmation. Zero means WaitTime.
	FlattenCancelWait    time.Duration
	Cooldown             time.Duration
	StopLossRatio        float64
	TradeQuantity        float64
	FeeRate              float64
	// EnforceT1 makes the bid pattern require settled inventory too, since
	// its sell leg cannot use shares bought the same day.
	EnforceT1 bool
}

// DefaultParams returns the stock execution parameters.
func DefaultParams() Params {
	return Params{
		PriceIncrement:       0.01,
		BuyOffsetMultiplier:  1.0,
		SellOffsetMultiplier: 2.0,
		WaitTime:             30 * time.Second,
		FlattenCancelWait:    5 * time.Second,
		Cooldown:             300 * time.Second,
		StopLossRatio:        0.5,
		TradeQuantity:        100,
		FeeRate:              0.0003,
		EnforceT1:            true,
	}
}

// cancelWait is the cancel confirmation deadline. A cancel issued to make
// way for a forced flatten gets the shorter FlattenCancelWait.
func (p Params) cancelWait(flattening bool) time.Duration {
	if flattening && p.FlattenCancelWait > 0 && p.FlattenCancelWait < p.WaitTime {
		return p.FlattenCancelWait
	}
	return p.WaitTime
}

// Validate reports every out-of-range parameter.
func (p Params) Validate() error {
	var errs []string
	if p.PriceIncrement <= 0 {
		errs = append(errs, "price increment must be > 0")
	}
	if p.BuyOffsetMultiplier < 0 {
		errs = append(errs, "buy offset multiplier must be >= 0")
	}
	if p.SellOffsetMultiplier <= p.BuyOffsetMultiplier {
		errs = append(errs, "sell offset multiplier must exceed buy offset multiplier")
	}
	if p.WaitTime <= 0 {
		errs = append(errs, "wait time must be > 0")
	}
	if p.FlattenCancelWait < 0 {
		errs = append(errs, "flatten cancel wait must be >= 0")
	}
	if p.Cooldown < 0 {
		errs = append(errs, "cooldown must be >= 0")
	}
	if p.StopLossRatio < 0 {
		errs = append(errs, "stop loss ratio must be >= 0")
	}
	if p.TradeQuantity <= 0 {
		errs = append(errs, "trade quantity must be > 0")
	}
	if p.FeeRate < 0 || p.FeeRate >= 0.01 {
		errs = append(errs, "fee rate must be in [0, 0.01)")
	}
	if len(errs) > 0 {
		return fmt.Errorf("executor: %w: %s", domain.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
