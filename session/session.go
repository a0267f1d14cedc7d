// Package session runs the polling loop. A Session owns the account state,
// the governor state and the position book; all of them are mutated only from
// Tick, one tick at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"capital-gate/comm"
	"capital-gate/config"
	"capital-gate/execution"
	"capital-gate/governor"
	"capital-gate/risk"
	"capital-gate/trading"
)

// State is the mutable state carried from tick to tick.
type State struct {
	Account  trading.AccountState
	Governor governor.State
}

// SignalSource is the external signal service.
type SignalSource interface {
	FetchSignals(ctx context.Context) ([]trading.Signal, error)
	ReportExecution(ctx context.Context, report comm.ExecutionReport) error
	ReportClose(ctx context.Context, report comm.CloseReport) error
}

// Recorder receives metrics. *metrics.Collectors implements it.
type Recorder interface {
	governor.VetoRecorder
	Order(side trading.Side, outcome string)
	Close(reason, outcome string)
	Tick(d time.Duration, outcome string)
	Observe(acc trading.AccountState, state governor.State, open int)
}

// Publisher receives the status snapshot after every tick.
type Publisher interface {
	Publish(status interface{})
}

type Session struct {
	cfg       config.Config
	state     *State
	venue     execution.Venue
	signals   SignalSource
	risk      *risk.Manager
	chain     *governor.Chain
	engine    *execution.Engine
	book      *execution.Book
	recorder  Recorder
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// New wires a session. recorder and publisher may be nil.
func New(cfg config.Config, venue execution.Venue, signals SignalSource, recorder Recorder, publisher Publisher, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	s := &Session{
		cfg:       cfg,
		state:     &State{},
		venue:     venue,
		signals:   signals,
		recorder:  recorder,
		publisher: publisher,
		logger:    logger.With(zap.String("strategy_id", cfg.Account.StrategyID)),
		now:       time.Now,
	}

	s.book = execution.NewBook(cfg.Account.StrategyID, logger)
	s.engine = execution.NewEngine(venue, s.book, cfg.Account.StrategyID, cfg.Execution.LogOnly, logger)
	s.risk = risk.NewManager(cfg, venue, &s.state.Account, s.book, logger)

	chain, err := governor.NewChain(cfg, s.risk, &s.state.Governor, recorder, logger)
	if err != nil {
		return nil, fmt.Errorf("build governor chain: %w", err)
	}
	s.chain = chain

	return s, nil
}

// State returns a copy of the session state.
func (s *Session) State() State {
	return *s.state
}

// Run ticks every poll interval until ctx is cancelled. A tick that overruns
// the interval causes the next ticks to be dropped, not queued.
func (s *Session) Run(ctx context.Context) error {
	interval := s.cfg.Loop.PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Polling loop started",
		zap.Duration("poll_interval", interval),
		zap.Bool("log_only", s.cfg.Execution.LogOnly))

	s.runTick(ctx, interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Polling loop stopped", zap.Error(ctx.Err()))
			return nil
		case <-ticker.C:
			s.runTick(ctx, interval)
		}
	}
}

func (s *Session) runTick(ctx context.Context, deadline time.Duration) {
	start := s.now()
	outcome := "ok"

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Tick panic recovered", zap.Any("panic", r), zap.Stack("stack"))
			outcome = "panic"
		}
		s.recorder.Tick(s.now().Sub(start), outcome)
	}()

	tickCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if err := s.Tick(tickCtx); err != nil {
		outcome = "error"
		s.logger.Warn("Tick ended early", zap.Error(err))
	}
}

// Tick runs one decision cycle: refresh the account, reconcile positions,
// apply forced closes, then evaluate and execute the current signals. An
// error means no entry was attempted this tick.
func (s *Session) Tick(ctx context.Context) error {
	now := s.now().UTC()
	defer s.publish(now)

	if s.state.Governor.ResetIfNewDay(now) {
		s.logger.Info("New trading day, governor counters reset", zap.Time("day", s.state.Governor.Day))
	}

	// A hard-limit rejection here does not end the tick: entries are vetoed by
	// the chain and the rejection drives the session latch.
	var hardVeto *trading.Rejection
	accountErr := s.risk.IsWithinRiskLimits(ctx)
	if r, ok := trading.AsRejection(accountErr); ok {
		hardVeto, accountErr = r, nil
	}
	if accountErr != nil {
		s.logger.Error("Account refresh failed", zap.Error(accountErr))
	}

	syncErr := s.syncPositions(ctx, now)
	if syncErr != nil {
		s.logger.Error("Position sync failed", zap.Error(syncErr))
	}

	s.forcedCloses(ctx, now, hardVeto)

	if err := errors.Join(accountErr, syncErr); err != nil {
		return err
	}

	signals, err := s.signals.FetchSignals(ctx)
	if err != nil {
		return fmt.Errorf("fetch signals: %w", err)
	}

	for _, sig := range signals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.handleSignal(ctx, sig, now)
	}
	return nil
}

func (s *Session) syncPositions(ctx context.Context, now time.Time) error {
	closed, err := s.book.Sync(ctx, s.venue)
	if err != nil {
		return err
	}

	for _, c := range closed {
		s.state.Governor.RecordClose(c.RealizedPnL, s.state.Account.TotalPnL, closeTime(c, now), s.cfg.Soft)
		s.logger.Info("Position closed at venue",
			zap.String("position_id", c.ID),
			zap.String("symbol", c.Symbol),
			zap.Stringer("realized_pnl", c.RealizedPnL),
			zap.String("reason", c.Reason),
			zap.Int("consecutive_losses", s.state.Governor.ConsecutiveLosses))

		report := comm.CloseReport{
			PositionID:  c.ID,
			Symbol:      c.Symbol,
			Side:        c.Side,
			Volume:      c.Volume,
			EntryPrice:  c.EntryPrice,
			ClosePrice:  c.ClosePrice,
			RealizedPnL: c.RealizedPnL,
			Reason:      c.Reason,
			StrategyID:  s.cfg.Account.StrategyID,
			Timestamp:   closeTime(c, now),
		}
		if err := s.signals.ReportClose(ctx, report); err != nil {
			s.logger.Warn("Close report failed", zap.String("position_id", c.ID), zap.Error(err))
		}
	}
	return nil
}

func closeTime(c trading.ClosedPosition, fallback time.Time) time.Time {
	if c.CloseTime.IsZero() {
		return fallback
	}
	return c.CloseTime
}

// forcedCloses flattens positions required by a disabled session or an active
// close window, then applies the time-stop to whatever is still open.
func (s *Session) forcedCloses(ctx context.Context, now time.Time, hardVeto *trading.Rejection) {
	if hardVeto != nil && hardVeto.CloseAll && !s.state.Governor.Disabled {
		s.logger.Error("Session disabled by hard governor", hardVeto.Fields()...)
		s.state.Governor.Disable(string(hardVeto.Category) + "/" + hardVeto.Rule)
	}

	if s.book.Count() == 0 {
		return
	}

	if s.state.Governor.Disabled {
		_, _ = s.CloseAll(ctx, "session_disabled")
		return
	}

	if r, ok := s.chain.CloseWindow(now); ok {
		_, _ = s.CloseAll(ctx, r.Rule)
		return
	}

	for _, pos := range s.book.Overdue(now, s.cfg.Execution.MaxHold) {
		s.logger.Info("Time-stop reached",
			zap.String("position_id", pos.ID),
			zap.Time("open_time", pos.OpenTime),
			zap.Duration("max_hold", s.cfg.Execution.MaxHold))
		_, err := s.engine.ClosePosition(ctx, pos.ID, "time_stop")
		s.recorder.Close("time_stop", outcome(err))
	}
}

// CloseAll flattens every position owned by the strategy and returns the
// per-position outcomes. The error is set only when positions could not be
// listed.
func (s *Session) CloseAll(ctx context.Context, reason string) ([]execution.CloseOutcome, error) {
	outcomes, err := s.engine.CloseAllPositions(ctx, reason)
	if err != nil {
		s.logger.Error("Close-all could not list positions", zap.String("reason", reason), zap.Error(err))
		s.recorder.Close(reason, "error")
		return nil, err
	}
	for _, o := range outcomes {
		s.recorder.Close(reason, outcome(o.Err))
	}
	return outcomes, nil
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

func (s *Session) handleSignal(ctx context.Context, sig trading.Signal, now time.Time) {
	sig.Action = sig.Action.Normalize()
	if sig.Action == trading.ActionHold {
		s.logger.Debug("Hold signal", zap.String("symbol", sig.Symbol))
		return
	}

	log := s.logger.With(zap.String("symbol", sig.Symbol), zap.String("action", string(sig.Action)), zap.String("signal_id", sig.ID))

	var (
		inst  trading.Instrument
		quote trading.Quote
	)
	if sig.Symbol != "" {
		var err error
		inst, err = s.venue.Instrument(ctx, sig.Symbol)
		if err != nil {
			log.Warn("Instrument lookup failed, signal skipped", zap.Error(err))
			return
		}
		quote, err = s.venue.Quote(ctx, sig.Symbol)
		if err != nil {
			log.Warn("Quote unavailable, signal skipped", zap.Error(err))
			return
		}
	}

	if !sig.Volume.IsPositive() && sig.Symbol != "" {
		sig.Volume = s.sizeFor(sig, inst, quote)
		log.Info("Signal sized from risk budget",
			zap.Stringer("volume", sig.Volume),
			zap.Stringer("risk_budget", s.cfg.Risk.RiskBudget),
			zap.Stringer("stop_loss", sig.StopLoss))
	}

	if err := s.chain.Evaluate(sig, inst, quote, now); err != nil {
		return
	}

	res, err := s.engine.ExecuteSignal(ctx, sig, inst, quote)
	if res == nil && err == nil {
		return
	}

	side := trading.SideBuy
	if sig.Action == trading.ActionSell {
		side = trading.SideSell
	}

	report := comm.ExecutionReport{
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		Side:       side,
		Volume:     sig.Volume,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit1,
		StrategyID: s.cfg.Account.StrategyID,
		Timestamp:  now,
	}
	if res != nil {
		report.ClientOrderID = res.OrderID
		report.PositionID = res.PositionID
		report.Price = res.Price
		report.Code = res.Code
		report.Description = res.Description
		report.Simulated = res.Simulated
		if res.Volume.IsPositive() {
			report.Volume = res.Volume
		}
	}

	var oe *execution.OrderError
	switch {
	case err == nil:
		report.Success = true
		if res.Simulated {
			s.recorder.Order(side, "simulated")
		} else {
			s.recorder.Order(side, "placed")
		}
	case errors.As(err, &oe):
		report.Code = oe.Code
		report.Description = oe.Description
		s.recorder.Order(side, "rejected")
	default:
		report.Description = err.Error()
		s.recorder.Order(side, "failed")
	}

	if err := s.signals.ReportExecution(ctx, report); err != nil {
		log.Warn("Execution report failed", zap.Error(err))
	}
}

// sizeFor sizes an unsized signal so that a stop-out loses about the
// configured risk budget. Without a stop it falls back to the minimum volume.
func (s *Session) sizeFor(sig trading.Signal, inst trading.Instrument, quote trading.Quote) decimal.Decimal {
	price := quote.Ask
	if sig.Action == trading.ActionSell {
		price = quote.Bid
	}
	distance := decimal.Zero
	if sig.StopLoss.IsPositive() && price.IsPositive() {
		distance = price.Sub(sig.StopLoss).Abs()
	}
	return s.risk.CalculatePositionSize(s.cfg.Risk.RiskBudget, distance, inst)
}

func (s *Session) publish(now time.Time) {
	s.recorder.Observe(s.state.Account, s.state.Governor, s.book.Count())
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(Status{
		Time:          now,
		LogOnly:       s.engine.LogOnly(),
		Account:       s.state.Account,
		Governor:      s.state.Governor,
		OpenPositions: s.book.Positions(),
		Pending:       s.book.Pending(),
		Journal:       len(s.engine.Journal()),
	})
}

// Status is the document served on /status.
type Status struct {
	Time          time.Time            `json:"time"`
	LogOnly       bool                 `json:"log_only"`
	Account       trading.AccountState `json:"account"`
	Governor      governor.State       `json:"governor"`
	OpenPositions []trading.Position   `json:"open_positions"`
	Pending       int                  `json:"pending_orders"`
	Journal       int                  `json:"journal_entries"`
}

type nopRecorder struct{}

func (nopRecorder) Veto(string, string)                               {}
func (nopRecorder) Order(trading.Side, string)                        {}
func (nopRecorder) Close(string, string)                              {}
func (nopRecorder) Tick(time.Duration, string)                        {}
func (nopRecorder) Observe(trading.AccountState, governor.State, int) {}
