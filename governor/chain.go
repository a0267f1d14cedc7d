package governor

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"capital-gate/config"
	"capital-gate/trading"
)

// RiskGate is the part of the risk manager the chain consults.
type RiskGate interface {
	Account() trading.AccountState
	ValidateSignal(sig trading.Signal, inst trading.Instrument) error
	CheckPositionCount() error
	CheckExecutionQuality(inst trading.Instrument, spread decimal.Decimal) error
}

// VetoRecorder counts rejections. metrics.Collectors implements it.
type VetoRecorder interface {
	Veto(category, rule string)
}

// Chain evaluates every entry rule in a fixed order and reports only the
// first failure.
type Chain struct {
	risk     RiskGate
	hard     Hard
	soft     Soft
	schedule Schedule
	state    *State
	recorder VetoRecorder
	logger   *zap.Logger
}

// NewChain wires the governors around state, which stays owned by the
// caller. recorder may be nil.
func NewChain(cfg config.Config, risk RiskGate, state *State, recorder VetoRecorder, logger *zap.Logger) (*Chain, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	schedule, err := NewSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &Chain{
		risk:     risk,
		hard:     NewHard(cfg.Hard),
		soft:     NewSoft(cfg.Soft),
		schedule: schedule,
		state:    state,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "governor")),
	}, nil
}

// Evaluate decides whether sig may open a position. The order is signal
// validation, position count, hard, soft, time, then execution quality. It
// returns nil or a *trading.Rejection.
func (c *Chain) Evaluate(sig trading.Signal, inst trading.Instrument, quote trading.Quote, now time.Time) error {
	acc := c.risk.Account()

	checks := []func() error{
		func() error { return c.disabled() },
		func() error { return c.risk.ValidateSignal(sig, inst) },
		c.risk.CheckPositionCount,
		func() error { return c.hard.Check(acc) },
		func() error { return c.soft.Check(*c.state, acc.TotalPnL, now) },
		func() error { return c.schedule.Check(now) },
		func() error { return c.risk.CheckExecutionQuality(inst, quote.Spread()) },
	}

	for _, check := range checks {
		if err := check(); err != nil {
			c.report(sig, err)
			return err
		}
	}
	return nil
}

// CloseWindow reports whether open positions must be flattened now.
func (c *Chain) CloseWindow(now time.Time) (*trading.Rejection, bool) {
	return c.schedule.CloseWindow(now)
}

func (c *Chain) disabled() error {
	if !c.state.Disabled {
		return nil
	}
	return &trading.Rejection{
		Category: trading.CategoryHard,
		Rule:     "session_disabled",
		Measured: decimal.NewFromInt(1),
		Limit:    decimal.Zero,
		Detail:   c.state.DisabledReason,
	}
}

func (c *Chain) report(sig trading.Signal, err error) {
	fields := []zap.Field{
		zap.String("symbol", sig.Symbol),
		zap.String("action", string(sig.Action)),
		zap.String("strategy_id", sig.StrategyID),
	}

	r, ok := trading.AsRejection(err)
	if !ok {
		c.logger.Warn("Entry blocked", append(fields, zap.Error(err))...)
		if c.recorder != nil {
			c.recorder.Veto("error", "unclassified")
		}
		return
	}

	c.logger.Info("Entry rejected", append(fields, r.Fields()...)...)
	if c.recorder != nil {
		c.recorder.Veto(string(r.Category), r.Rule)
	}
}
