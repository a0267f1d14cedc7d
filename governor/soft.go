package governor

import (
	"time"

	"github.com/shopspring/decimal"

	"capital-gate/config"
	"capital-gate/trading"
)

// Soft holds the self-clearing behavioral limits.
type Soft struct {
	limits config.SoftLimits
}

func NewSoft(limits config.SoftLimits) Soft {
	return Soft{limits: limits}
}

// Check returns the first active soft veto, or nil. totalPnL is compared with
// the locked profit floor.
func (s Soft) Check(state State, totalPnL decimal.Decimal, now time.Time) error {
	if !state.LastLoss.IsZero() && s.limits.Cooldown > 0 {
		elapsed := now.Sub(state.LastLoss)
		if elapsed < s.limits.Cooldown {
			return &trading.Rejection{
				Category: trading.CategorySoft,
				Rule:     "cooldown",
				Measured: seconds(elapsed),
				Limit:    seconds(s.limits.Cooldown),
				Detail:   "seconds since last loss",
			}
		}
	}

	if state.ConsecutiveLosses >= s.limits.MaxConsecutiveLosses {
		return &trading.Rejection{
			Category: trading.CategorySoft,
			Rule:     "consecutive_losses",
			Measured: decimal.NewFromInt(int64(state.ConsecutiveLosses)),
			Limit:    decimal.NewFromInt(int64(s.limits.MaxConsecutiveLosses)),
			Detail:   "losing closes without an intervening win",
		}
	}

	if state.ProfitLockArmed && totalPnL.LessThan(state.LockedFloor) {
		return &trading.Rejection{
			Category: trading.CategorySoft,
			Rule:     "profit_lock",
			Measured: totalPnL,
			Limit:    state.LockedFloor,
			Detail:   "total PnL below locked floor",
		}
	}

	return nil
}

func seconds(d time.Duration) decimal.Decimal {
	return decimal.NewFromFloat(d.Seconds()).Round(3)
}
