package governor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"capital-gate/config"
	"capital-gate/trading"
)

var hundred = decimal.NewFromInt(100)

// Hard holds the capital-preservation limits.
type Hard struct {
	limits config.HardLimits
}

func NewHard(limits config.HardLimits) Hard {
	return Hard{limits: limits}
}

// Check returns the first tripped hard limit for acc, or nil.
func (h Hard) Check(acc trading.AccountState) error {
	l := h.limits

	if acc.DailyPnL.LessThanOrEqual(l.DailyLossLimit) {
		return h.reject("daily_loss", acc.DailyPnL, l.DailyLossLimit, "daily PnL at or below limit", false)
	}
	if acc.TotalPnL.LessThanOrEqual(l.TotalLossLimit) {
		return h.reject("total_loss", acc.TotalPnL, l.TotalLossLimit, "total PnL at or below limit", l.TotalLossDisablesSession)
	}
	if acc.Equity.LessThan(l.EquityDisableFloor) {
		return h.reject("equity_floor", acc.Equity, l.EquityDisableFloor, "equity below disable floor", false)
	}
	if acc.TotalPnL.GreaterThanOrEqual(l.ProfitTarget) {
		return h.reject("profit_target", acc.TotalPnL, l.ProfitTarget, "profit target reached", false)
	}
	if acc.Equity.IsPositive() {
		pct := acc.DailyPnL.Div(acc.Equity).Mul(hundred)
		if pct.GreaterThanOrEqual(l.DailyProfitCapPct) {
			return h.reject("daily_profit_cap", pct, l.DailyProfitCapPct, fmt.Sprintf("daily PnL %s on equity %s", acc.DailyPnL, acc.Equity), false)
		}
	}
	return nil
}

func (h Hard) reject(rule string, measured, limit decimal.Decimal, detail string, closeAll bool) *trading.Rejection {
	return &trading.Rejection{
		Category: trading.CategoryHard,
		Rule:     rule,
		Measured: measured,
		Limit:    limit,
		Detail:   detail,
		CloseAll: closeAll,
	}
}
