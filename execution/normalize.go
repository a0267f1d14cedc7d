package execution

import (
	"github.com/shopspring/decimal"

	"capital-gate/trading"
)

type rounding int

const (
	roundNearest rounding = iota
	roundDown
	roundUp
)

func roundToTick(v, tick decimal.Decimal, mode rounding) decimal.Decimal {
	if !tick.IsPositive() {
		return v
	}
	n := v.Div(tick)
	switch mode {
	case roundDown:
		n = n.Floor()
	case roundUp:
		n = n.Ceil()
	default:
		n = n.Round(0)
	}
	return n.Mul(tick)
}

// FloorToStep floors v to a multiple of step. A non-positive step leaves v
// unchanged.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	return roundToTick(v, step, roundDown)
}

// NormalizeLevels rounds the stop-loss and take-profit to the instrument's
// tick size and moves any level closer to price than the minimum stop
// distance outward to exactly that distance. A zero level means "none" and is
// returned unchanged.
func NormalizeLevels(side trading.Side, price, stopLoss, takeProfit decimal.Decimal, inst trading.Instrument) (decimal.Decimal, decimal.Decimal) {
	// For a buy the stop sits below price and the target above; a sell
	// mirrors that.
	below := func(level decimal.Decimal) decimal.Decimal {
		level = roundToTick(level, inst.TickSize, roundNearest)
		if price.Sub(level).LessThan(inst.MinStopDistance) {
			level = roundToTick(price.Sub(inst.MinStopDistance), inst.TickSize, roundDown)
		}
		return level
	}
	above := func(level decimal.Decimal) decimal.Decimal {
		level = roundToTick(level, inst.TickSize, roundNearest)
		if level.Sub(price).LessThan(inst.MinStopDistance) {
			level = roundToTick(price.Add(inst.MinStopDistance), inst.TickSize, roundUp)
		}
		return level
	}

	sl, tp := stopLoss, takeProfit
	if side == trading.SideBuy {
		if !sl.IsZero() {
			sl = below(sl)
		}
		if !tp.IsZero() {
			tp = above(tp)
		}
	} else {
		if !sl.IsZero() {
			sl = above(sl)
		}
		if !tp.IsZero() {
			tp = below(tp)
		}
	}
	return sl, tp
}
