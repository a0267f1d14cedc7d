package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"capital-gate/trading"
)

// JournalEntry records a mutation suppressed by log-only mode.
type JournalEntry struct {
	Time       time.Time       `json:"time"`
	Kind       string          `json:"kind"` // open, close
	Order      *OrderRequest   `json:"order,omitempty"`
	PositionID string          `json:"position_id,omitempty"`
	Volume     decimal.Decimal `json:"volume"`
	Reason     string          `json:"reason,omitempty"`
}

// CloseOutcome is the per-position result of a bulk close.
type CloseOutcome struct {
	Position trading.Position
	Result   OrderResult
	Err      error
}

// Engine turns accepted entries into venue orders and performs closes. Every
// accepted entry is recorded in the book so it counts against the position
// limit straight away. In log-only mode the engine never calls the venue:
// entries are priced from the quote the caller supplies and closes are served
// from the book.
type Engine struct {
	venue       Venue
	book        *Book
	strategyID  string
	logOnly     bool
	journal     []JournalEntry
	instruments map[string]trading.Instrument
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
}

func NewEngine(venue Venue, book *Book, strategyID string, logOnly bool, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if book == nil {
		book = NewBook(strategyID, logger)
	}
	return &Engine{
		venue:       venue,
		book:        book,
		strategyID:  strategyID,
		logOnly:     logOnly,
		instruments: make(map[string]trading.Instrument),
		logger:      logger.With(zap.String("component", "engine"), zap.Bool("log_only", logOnly)),
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
	}
}

func (e *Engine) LogOnly() bool { return e.logOnly }

// Journal returns the mutations suppressed so far in log-only mode.
func (e *Engine) Journal() []JournalEntry {
	out := make([]JournalEntry, len(e.journal))
	copy(out, e.journal)
	return out
}

// ExecuteBuy opens a long position at the ask of quote. A live engine fetches
// the quote from the venue when the supplied one is not valid.
func (e *Engine) ExecuteBuy(ctx context.Context, inst trading.Instrument, quote trading.Quote, volume, stopLoss, takeProfit decimal.Decimal) (OrderResult, error) {
	return e.execute(ctx, trading.SideBuy, inst, quote, volume, stopLoss, takeProfit)
}

func (e *Engine) ExecuteSell(ctx context.Context, inst trading.Instrument, quote trading.Quote, volume, stopLoss, takeProfit decimal.Decimal) (OrderResult, error) {
	return e.execute(ctx, trading.SideSell, inst, quote, volume, stopLoss, takeProfit)
}

// ExecuteSignal dispatches on the signal's action. HOLD and unknown actions
// return (nil, nil).
func (e *Engine) ExecuteSignal(ctx context.Context, sig trading.Signal, inst trading.Instrument, quote trading.Quote) (*OrderResult, error) {
	var (
		res OrderResult
		err error
	)
	switch sig.Action.Normalize() {
	case trading.ActionBuy:
		res, err = e.ExecuteBuy(ctx, inst, quote, sig.Volume, sig.StopLoss, sig.TakeProfit1)
	case trading.ActionSell:
		res, err = e.ExecuteSell(ctx, inst, quote, sig.Volume, sig.StopLoss, sig.TakeProfit1)
	default:
		e.logger.Debug("No order for action", zap.String("symbol", sig.Symbol), zap.String("action", string(sig.Action)))
		return nil, nil
	}
	return &res, err
}

func (e *Engine) execute(ctx context.Context, side trading.Side, inst trading.Instrument, quote trading.Quote, volume, stopLoss, takeProfit decimal.Decimal) (OrderResult, error) {
	if volume.LessThan(inst.MinVolume) || !volume.IsPositive() {
		return OrderResult{}, fmt.Errorf("%s %s %s: %w", side, volume, inst.Symbol, ErrVolumeBelowMinimum)
	}
	e.instruments[inst.Symbol] = inst

	if !quote.Valid() && !e.logOnly {
		var err error
		quote, err = e.venue.Quote(ctx, inst.Symbol)
		if err != nil {
			return OrderResult{}, fmt.Errorf("quote %s: %w", inst.Symbol, err)
		}
	}

	var price decimal.Decimal
	if quote.Valid() {
		price = quote.Ask
		if side == trading.SideSell {
			price = quote.Bid
		}
	}

	sl, tp := stopLoss, takeProfit
	if price.IsPositive() {
		sl, tp = NormalizeLevels(side, price, stopLoss, takeProfit, inst)
	}
	if !sl.Equal(stopLoss) || !tp.Equal(takeProfit) {
		e.logger.Info("Adjusted protective levels",
			zap.String("symbol", inst.Symbol),
			zap.String("side", string(side)),
			zap.Stringer("price", price),
			zap.Stringer("stop_loss_requested", stopLoss),
			zap.Stringer("stop_loss", sl),
			zap.Stringer("take_profit_requested", takeProfit),
			zap.Stringer("take_profit", tp),
			zap.Stringer("min_stop_distance", inst.MinStopDistance))
	}

	req := OrderRequest{
		ClientOrderID: e.newID(),
		Symbol:        inst.Symbol,
		Side:          side,
		Volume:        volume,
		Price:         price,
		StopLoss:      sl,
		TakeProfit:    tp,
		StrategyID:    e.strategyID,
	}

	fields := []zap.Field{
		zap.String("client_order_id", req.ClientOrderID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(side)),
		zap.Stringer("volume", volume),
		zap.Stringer("price", price),
		zap.Stringer("stop_loss", sl),
		zap.Stringer("take_profit", tp),
	}

	pos := trading.Position{
		Symbol:     inst.Symbol,
		Side:       side,
		Volume:     volume,
		EntryPrice: price,
		StopLoss:   sl,
		TakeProfit: tp,
		OpenTime:   e.now(),
		StrategyID: e.strategyID,
	}

	if e.logOnly {
		e.journal = append(e.journal, JournalEntry{Time: e.now(), Kind: "open", Order: &req, Volume: volume})
		pos.ID = "sim-" + req.ClientOrderID
		pos.Simulated = true
		e.book.Track(pos)
		e.logger.Info("Log-only: order not sent", fields...)
		return OrderResult{
			Code:        CodeDone,
			Description: "simulated",
			OrderID:     req.ClientOrderID,
			PositionID:  pos.ID,
			Price:       price,
			Volume:      volume,
			Simulated:   true,
		}, nil
	}

	res, err := e.venue.PlaceMarketOrder(ctx, req)
	if err == nil && !res.OK() {
		err = &OrderError{Op: "place order", Code: res.Code, Description: res.Description}
	}
	if err != nil {
		e.logger.Error("Order placement failed", append(fields, zap.Int("code", res.Code), zap.Error(err))...)
		return res, err
	}

	if res.Price.IsPositive() {
		pos.EntryPrice = res.Price
	}
	if res.Volume.IsPositive() {
		pos.Volume = res.Volume
	}
	if res.PositionID != "" {
		pos.ID = res.PositionID
		e.book.Track(pos)
	} else {
		orderID := res.OrderID
		if orderID == "" {
			orderID = req.ClientOrderID
		}
		e.book.TrackPending(orderID, pos)
	}

	e.logger.Info("Order placed", append(fields,
		zap.String("order_id", res.OrderID),
		zap.String("position_id", res.PositionID),
		zap.Stringer("fill_price", res.Price))...)
	return res, nil
}

// CloseAllPositions closes every open position owned by the strategy. A
// failure on one position does not stop the others. The returned error is set
// only when the positions could not be listed.
func (e *Engine) CloseAllPositions(ctx context.Context, reason string) ([]CloseOutcome, error) {
	var positions []trading.Position
	if e.logOnly {
		positions = e.book.Positions()
	} else {
		var err error
		positions, err = e.venue.Positions(ctx)
		if err != nil {
			return nil, fmt.Errorf("list positions: %w", err)
		}
	}

	var outcomes []CloseOutcome
	for _, pos := range positions {
		if pos.StrategyID != e.strategyID {
			continue
		}
		res, err := e.closeVolume(ctx, pos, pos.Volume, reason)
		outcomes = append(outcomes, CloseOutcome{Position: pos, Result: res, Err: err})
	}

	failed := Failed(outcomes)
	e.logger.Info("Close-all finished",
		zap.String("reason", reason),
		zap.Int("attempted", len(outcomes)),
		zap.Int("failed", len(failed)))
	return outcomes, nil
}

// Failed returns the outcomes that carry an error.
func Failed(outcomes []CloseOutcome) []CloseOutcome {
	var out []CloseOutcome
	for _, o := range outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// ClosePosition fully closes one position.
func (e *Engine) ClosePosition(ctx context.Context, positionID, reason string) (OrderResult, error) {
	pos, err := e.openPosition(ctx, positionID)
	if err != nil {
		return OrderResult{}, err
	}
	return e.closeVolume(ctx, pos, pos.Volume, reason)
}

// PartialClose closes fraction (0, 1] of a position, floored to the volume
// step. It fails with ErrVolumeBelowMinimum when the result is below the
// instrument minimum.
func (e *Engine) PartialClose(ctx context.Context, positionID string, fraction decimal.Decimal) (OrderResult, error) {
	if !fraction.IsPositive() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return OrderResult{}, fmt.Errorf("partial close fraction %s outside (0,1]", fraction)
	}

	pos, err := e.openPosition(ctx, positionID)
	if err != nil {
		return OrderResult{}, err
	}

	inst, err := e.instrument(ctx, pos.Symbol)
	if err != nil {
		return OrderResult{}, err
	}

	volume := FloorToStep(pos.Volume.Mul(fraction), inst.VolumeStep)
	if volume.LessThan(inst.MinVolume) || !volume.IsPositive() {
		return OrderResult{}, fmt.Errorf("close %s of %s (%s): %w", volume, positionID, pos.Volume, ErrVolumeBelowMinimum)
	}

	return e.closeVolume(ctx, pos, volume, "partial")
}

func (e *Engine) instrument(ctx context.Context, symbol string) (trading.Instrument, error) {
	if e.logOnly {
		inst, ok := e.instruments[symbol]
		if !ok {
			return trading.Instrument{}, fmt.Errorf("instrument %s not seen in log-only mode", symbol)
		}
		return inst, nil
	}
	inst, err := e.venue.Instrument(ctx, symbol)
	if err != nil {
		return trading.Instrument{}, fmt.Errorf("instrument %s: %w", symbol, err)
	}
	e.instruments[symbol] = inst
	return inst, nil
}

func (e *Engine) openPosition(ctx context.Context, positionID string) (trading.Position, error) {
	if e.logOnly {
		pos, ok := e.book.Get(positionID)
		if !ok {
			return trading.Position{}, fmt.Errorf("%s: %w", positionID, ErrPositionNotFound)
		}
		return pos, nil
	}

	status, err := e.venue.QueryPosition(ctx, positionID)
	if err != nil {
		return trading.Position{}, fmt.Errorf("query position %s: %w", positionID, err)
	}
	if !status.Open {
		return trading.Position{}, fmt.Errorf("%s already closed: %w", positionID, ErrPositionNotFound)
	}
	if status.Position.ID == "" {
		status.Position.ID = positionID
	}
	return status.Position, nil
}

func (e *Engine) closeVolume(ctx context.Context, pos trading.Position, volume decimal.Decimal, reason string) (OrderResult, error) {
	fields := []zap.Field{
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.Stringer("volume", volume),
		zap.String("reason", reason),
	}

	if e.logOnly {
		e.journal = append(e.journal, JournalEntry{Time: e.now(), Kind: "close", PositionID: pos.ID, Volume: volume, Reason: reason})
		if pos.Simulated {
			e.book.Reduce(pos.ID, volume)
		}
		e.logger.Info("Log-only: close not sent", fields...)
		return OrderResult{Code: CodeDone, Description: "simulated", PositionID: pos.ID, Volume: volume, Simulated: true}, nil
	}

	res, err := e.venue.ClosePosition(ctx, pos.ID, volume)
	if err == nil && !res.OK() {
		err = &OrderError{Op: "close position", Code: res.Code, Description: res.Description}
	}
	if err != nil {
		var oe *OrderError
		if errors.As(err, &oe) {
			fields = append(fields, zap.Int("code", oe.Code))
		}
		e.logger.Error("Close failed", append(fields, zap.Error(err))...)
		return res, err
	}

	e.logger.Info("Position closed", append(fields, zap.Stringer("price", res.Price))...)
	return res, nil
}
