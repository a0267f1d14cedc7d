// Package risk tracks the account state read from the venue and validates
// and sizes positions against the venue's instrument constraints.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"capital-gate/config"
	"capital-gate/governor"
	"capital-gate/indicators"
	"capital-gate/trading"
)

// AccountSource reports the account as seen by the venue.
type AccountSource interface {
	Account(ctx context.Context) (trading.AccountSnapshot, error)
}

// PositionCounter reports how many positions the strategy holds.
type PositionCounter interface {
	Count() int
}

// Manager owns no state of its own beyond the spread baselines; the account
// it updates belongs to the session.
type Manager struct {
	cfg       config.RiskConfig
	starting  decimal.Decimal
	hard      governor.Hard
	source    AccountSource
	account   *trading.AccountState
	positions PositionCounter
	spreads   map[string]*indicators.RollingWindow
	logger    *zap.Logger
	now       func() time.Time
}

func NewManager(cfg config.Config, source AccountSource, account *trading.AccountState, positions PositionCounter, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg.Risk,
		starting:  cfg.Account.StartingBalance,
		hard:      governor.NewHard(cfg.Hard),
		source:    source,
		account:   account,
		positions: positions,
		spreads:   make(map[string]*indicators.RollingWindow),
		logger:    logger.With(zap.String("component", "risk")),
		now:       time.Now,
	}
}

// Account returns a copy of the current account state.
func (m *Manager) Account() trading.AccountState {
	return *m.account
}

// Update refreshes the account from the venue. Daily PnL mirrors the venue's
// running profit except on the tick that crosses a UTC day boundary, where it
// resets to zero.
func (m *Manager) Update(ctx context.Context) error {
	snap, err := m.source.Account(ctx)
	if err != nil {
		return fmt.Errorf("refresh account: %w", err)
	}

	now := m.now().UTC()
	acc := m.account

	if acc.StartingBalance.IsZero() {
		acc.StartingBalance = m.starting
		if acc.StartingBalance.IsZero() {
			acc.StartingBalance = snap.Balance
		}
		m.logger.Info("Starting balance fixed", zap.Stringer("starting_balance", acc.StartingBalance))
	}

	rolled := !acc.LastUpdate.IsZero() && !sameDay(acc.LastUpdate, now)

	acc.Equity = snap.Equity
	acc.Balance = snap.Balance
	acc.FreeMargin = snap.FreeMargin
	acc.TotalPnL = snap.Equity.Sub(acc.StartingBalance)

	switch {
	case rolled:
		m.logger.Info("Day rollover, daily PnL reset",
			zap.Stringer("previous_daily_pnl", acc.DailyPnL),
			zap.Time("last_update", acc.LastUpdate))
		acc.DailyPnL = decimal.Zero
		acc.LastReset = now
	default:
		if acc.LastReset.IsZero() {
			acc.LastReset = now
		}
		acc.DailyPnL = snap.DailyProfit
	}
	acc.LastUpdate = now

	m.logger.Debug("Account updated",
		zap.Stringer("equity", acc.Equity),
		zap.Stringer("balance", acc.Balance),
		zap.Stringer("free_margin", acc.FreeMargin),
		zap.Stringer("daily_pnl", acc.DailyPnL),
		zap.Stringer("total_pnl", acc.TotalPnL))
	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// IsWithinRiskLimits refreshes the account and applies the hard governors.
func (m *Manager) IsWithinRiskLimits(ctx context.Context) error {
	if err := m.Update(ctx); err != nil {
		return err
	}
	return m.hard.Check(*m.account)
}

// CanTakeNewPosition is IsWithinRiskLimits plus the open-position limit.
func (m *Manager) CanTakeNewPosition(ctx context.Context) error {
	if err := m.IsWithinRiskLimits(ctx); err != nil {
		return err
	}
	return m.CheckPositionCount()
}

func (m *Manager) CheckPositionCount() error {
	open := m.positions.Count()
	if open >= m.cfg.MaxOpenPositions {
		return &trading.Rejection{
			Category: trading.CategoryPositions,
			Rule:     "max_open_positions",
			Measured: decimal.NewFromInt(int64(open)),
			Limit:    decimal.NewFromInt(int64(m.cfg.MaxOpenPositions)),
		}
	}
	return nil
}

// ValidateSignal rejects malformed or low-confidence signals and signals
// whose volume fails ValidatePositionSize.
func (m *Manager) ValidateSignal(sig trading.Signal, inst trading.Instrument) error {
	if sig.Symbol == "" {
		return invalid("symbol", decimal.Zero, decimal.Zero, "empty symbol")
	}
	if sig.Action.Normalize() == "" {
		return invalid("action", decimal.Zero, decimal.Zero, "empty action")
	}
	if sig.Confidence.LessThan(m.cfg.MinConfidence) {
		return invalid("confidence", sig.Confidence, m.cfg.MinConfidence, "confidence below minimum")
	}
	return m.ValidatePositionSize(sig.Volume, inst)
}

// ValidatePositionSize checks volume against the instrument bounds, its
// volume step and the margin it would consume. It has no side effects.
func (m *Manager) ValidatePositionSize(volume decimal.Decimal, inst trading.Instrument) error {
	if volume.LessThan(inst.MinVolume) || !volume.IsPositive() {
		return invalid("volume_min", volume, inst.MinVolume, inst.Symbol)
	}
	if inst.MaxVolume.IsPositive() && volume.GreaterThan(inst.MaxVolume) {
		return invalid("volume_max", volume, inst.MaxVolume, inst.Symbol)
	}

	if inst.VolumeStep.IsPositive() {
		steps := volume.Div(inst.VolumeStep)
		off := steps.Sub(steps.Round(0)).Abs()
		if off.GreaterThan(m.cfg.StepTolerance) {
			return invalid("volume_step", volume, inst.VolumeStep, fmt.Sprintf("%s steps", steps.StringFixed(4)))
		}
	}

	required := volume.Mul(inst.MarginPerVolume)
	allowed := m.account.FreeMargin.Mul(m.cfg.MarginUsageCap)
	if required.GreaterThan(allowed) {
		return invalid("margin", required, allowed, fmt.Sprintf("free margin %s", m.account.FreeMargin))
	}
	return nil
}

// CalculatePositionSize sizes a position so that a stop-out loses about
// riskBudget. It falls back to the instrument minimum when the stop distance
// or tick value is not positive.
func (m *Manager) CalculatePositionSize(riskBudget, stopDistance decimal.Decimal, inst trading.Instrument) decimal.Decimal {
	if !stopDistance.IsPositive() || !inst.TickValue.IsPositive() {
		return inst.MinVolume
	}

	ticks := stopDistance
	if inst.TickSize.IsPositive() {
		ticks = stopDistance.Div(inst.TickSize)
	}

	size := riskBudget.Div(ticks.Mul(inst.TickValue))
	if inst.VolumeStep.IsPositive() {
		size = size.Div(inst.VolumeStep).Floor().Mul(inst.VolumeStep)
	}

	if size.LessThan(inst.MinVolume) {
		size = inst.MinVolume
	}
	if inst.MaxVolume.IsPositive() && size.GreaterThan(inst.MaxVolume) {
		size = inst.MaxVolume
	}
	return size
}

// CheckExecutionQuality vetoes untradeable instruments and spreads wider than
// the configured multiple of the symbol's rolling average. The spread joins
// the baseline after the comparison.
func (m *Manager) CheckExecutionQuality(inst trading.Instrument, spread decimal.Decimal) error {
	if !inst.Tradeable {
		return &trading.Rejection{
			Category: trading.CategoryExecution,
			Rule:     "not_tradeable",
			Measured: decimal.Zero,
			Limit:    decimal.NewFromInt(1),
			Detail:   inst.Symbol,
		}
	}

	window, ok := m.spreads[inst.Symbol]
	if !ok {
		window = indicators.NewRollingWindow(m.cfg.SpreadWindow)
		m.spreads[inst.Symbol] = window
	}

	baseline, err := window.Average()
	samples := window.Count()
	window.Add(spread)
	if err != nil {
		return nil
	}

	limit := baseline.Mul(m.cfg.SpreadMultiplier)
	if spread.GreaterThan(limit) {
		return &trading.Rejection{
			Category: trading.CategoryExecution,
			Rule:     "spread",
			Measured: spread,
			Limit:    limit,
			Detail:   fmt.Sprintf("%s baseline %s over %d samples", inst.Symbol, baseline.Round(8), samples),
		}
	}
	return nil
}

func invalid(rule string, measured, limit decimal.Decimal, detail string) *trading.Rejection {
	return &trading.Rejection{
		Category: trading.CategoryValidation,
		Rule:     rule,
		Measured: measured,
		Limit:    limit,
		Detail:   detail,
	}
}
