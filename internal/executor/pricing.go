package executor

import (
	"math"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

// roundToTick snaps price to the nearest multiple of tick. When tick is the
// reciprocal of an integer (0.01, 0.001) the result is computed as a
// division so 9.95+0.01 yields exactly 9.96.
func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	ticks := math.Round(price / tick)
	inv := 1 / tick
	if r := math.Round(inv); math.Abs(inv-r) < 1e-9 {
		return ticks / r
	}
	return ticks * tick
}

// plan is the price schedule of a cycle, fixed at entry.
type plan struct {
	entrySide     domain.OrderSide
	entryPrice    float64
	exitPrice     float64
	stopPrice     float64
	projectedLoss float64
}

// planCycle prices a cycle against el using p.
//
// Bid side: buy at E+inc*buyOff, sell at E+inc*sellOff, stop at
// E-spread*ratio. Ask side: sell at E-inc*sellOff, buy back
// inc*(sellOff-buyOff) lower, stop at E+spread*ratio.
func planCycle(el domain.Elephant, p Params) plan {
	inc := p.PriceIncrement
	if el.Side == domain.BookSideAsk {
		entry := roundToTick(el.Price-inc*p.SellOffsetMultiplier, inc)
		exit := roundToTick(entry-inc*(p.SellOffsetMultiplier-p.BuyOffsetMultiplier), inc)
		stop := el.Price + el.Spread*p.StopLossRatio
		return plan{
			entrySide:     domain.OrderSideSell,
			entryPrice:    entry,
			exitPrice:     exit,
			stopPrice:     stop,
			projectedLoss: math.Min((entry-stop)*p.TradeQuantity, 0),
		}
	}
	entry := roundToTick(el.Price+inc*p.BuyOffsetMultiplier, inc)
	exit := roundToTick(el.Price+inc*p.SellOffsetMultiplier, inc)
	stop := el.Price - el.Spread*p.StopLossRatio
	return plan{
		entrySide:     domain.OrderSideBuy,
		entryPrice:    entry,
		exitPrice:     exit,
		stopPrice:     stop,
		projectedLoss: math.Min((stop-entry)*p.TradeQuantity, 0),
	}
}

// cyclePnL computes realized P&L on the matched quantity.
func cyclePnL(buyPx, sellPx, matched, feeRate float64) (gross, fees, net float64) {
	gross = (sellPx - buyPx) * matched
	fees = feeRate * (sellPx + buyPx) * matched
	return gross, fees, gross - fees
}
