// Package governor implements the entry vetoes: capital-based hard limits,
// behavioral soft limits and calendar-based time windows, evaluated in a
// fixed order by Chain.
package governor

import (
	"time"

	"github.com/shopspring/decimal"

	"capital-gate/config"
)

// State is the behavioral memory of the governors. It changes only through
// RecordClose, ResetIfNewDay and Disable.
type State struct {
	ConsecutiveLosses int             `json:"consecutive_losses"`
	LastLoss          time.Time       `json:"last_loss"`
	ProfitLockArmed   bool            `json:"profit_lock_armed"`
	LockedFloor       decimal.Decimal `json:"locked_floor"`
	Day               time.Time       `json:"day"`
	Disabled          bool            `json:"disabled"`
	DisabledReason    string          `json:"disabled_reason,omitempty"`
}

// RecordClose folds one realized close into the state. totalPnL is the
// lifetime PnL observed at the close. A zero result is neither a win nor a
// loss.
func (s *State) RecordClose(pnl, totalPnL decimal.Decimal, at time.Time, soft config.SoftLimits) {
	switch {
	case pnl.IsNegative():
		s.ConsecutiveLosses++
		s.LastLoss = at
	case pnl.IsPositive():
		s.ConsecutiveLosses = 0
	}

	floor := totalPnL.Mul(soft.ProfitLockRatio)
	switch {
	case !s.ProfitLockArmed && totalPnL.GreaterThan(soft.ProfitLockArm):
		s.ProfitLockArmed = true
		s.LockedFloor = floor
	case s.ProfitLockArmed && soft.ProfitLockTrailing && floor.GreaterThan(s.LockedFloor):
		s.LockedFloor = floor
	}
}

// ResetIfNewDay clears the daily behavioral counters the first time it sees
// a new UTC calendar day. The profit lock and the disabled latch survive.
func (s *State) ResetIfNewDay(now time.Time) bool {
	day := utcDay(now)
	if s.Day.IsZero() {
		s.Day = day
		return false
	}
	if !day.After(s.Day) {
		return false
	}

	s.Day = day
	s.ConsecutiveLosses = 0
	s.LastLoss = time.Time{}
	return true
}

// Disable latches the session off until the process restarts.
func (s *State) Disable(reason string) {
	if s.Disabled {
		return
	}
	s.Disabled = true
	s.DisabledReason = reason
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
