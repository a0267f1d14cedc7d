// Package executiontest provides an in-memory execution.Venue for tests.
package executiontest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"capital-gate/execution"
	"capital-gate/trading"
)

// CloseCall records one ClosePosition request.
type CloseCall struct {
	PositionID string
	Volume     decimal.Decimal
}

// Venue is a scriptable in-memory venue. Set the exported fields before use;
// the recorded calls can be inspected afterwards.
type Venue struct {
	mu sync.Mutex

	Instruments map[string]trading.Instrument
	Quotes      map[string]trading.Quote
	Snapshot    trading.AccountSnapshot
	StrategyID  string

	PlaceErr     error
	PlaceResult  *execution.OrderResult // overrides the default fill
	CloseErrs    map[string]error
	AccountErr   error
	PositionsErr error
	QueryErrs    map[string]error

	Placed []execution.OrderRequest
	Closes []CloseCall

	open   map[string]trading.Position
	closed map[string]execution.PositionStatus
	seq    int
	Now    func() time.Time
}

func NewVenue(strategyID string) *Venue {
	return &Venue{
		Instruments: make(map[string]trading.Instrument),
		Quotes:      make(map[string]trading.Quote),
		StrategyID:  strategyID,
		CloseErrs:   make(map[string]error),
		QueryErrs:   make(map[string]error),
		open:        make(map[string]trading.Position),
		closed:      make(map[string]execution.PositionStatus),
		Now:         time.Now,
	}
}

// AddPosition opens a position directly at the venue.
func (v *Venue) AddPosition(p trading.Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.open[p.ID] = p
}

// CloseExternally simulates a stop-loss or take-profit fill at the venue.
func (v *Venue) CloseExternally(id string, pnl decimal.Decimal, reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.open[id]
	if !ok {
		return
	}
	delete(v.open, id)
	v.closed[id] = execution.PositionStatus{Position: p, RealizedPnL: pnl, CloseTime: v.Now(), Reason: reason}
}

// Forget removes every trace of a position, as if the venue lost it.
func (v *Venue) Forget(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.open, id)
	delete(v.closed, id)
}

func (v *Venue) PlaceMarketOrder(ctx context.Context, req execution.OrderRequest) (execution.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.Placed = append(v.Placed, req)
	if v.PlaceErr != nil {
		return execution.OrderResult{}, v.PlaceErr
	}
	if v.PlaceResult != nil {
		return *v.PlaceResult, nil
	}

	v.seq++
	id := fmt.Sprintf("P%d", v.seq)
	v.open[id] = trading.Position{
		ID:         id,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     req.Volume,
		EntryPrice: req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenTime:   v.Now(),
		StrategyID: req.StrategyID,
	}
	return execution.OrderResult{
		Code:        execution.CodeDone,
		Description: "done",
		OrderID:     fmt.Sprintf("O%d", v.seq),
		PositionID:  id,
		Price:       req.Price,
		Volume:      req.Volume,
	}, nil
}

func (v *Venue) ClosePosition(ctx context.Context, id string, volume decimal.Decimal) (execution.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.Closes = append(v.Closes, CloseCall{PositionID: id, Volume: volume})
	if err := v.CloseErrs[id]; err != nil {
		return execution.OrderResult{}, err
	}
	p, ok := v.open[id]
	if !ok {
		return execution.OrderResult{}, fmt.Errorf("%s: %w", id, execution.ErrPositionNotFound)
	}

	if volume.GreaterThanOrEqual(p.Volume) {
		delete(v.open, id)
		v.closed[id] = execution.PositionStatus{Position: p, CloseTime: v.Now(), Reason: "manual"}
	} else {
		p.Volume = p.Volume.Sub(volume)
		v.open[id] = p
	}
	return execution.OrderResult{Code: execution.CodeDone, Description: "done", PositionID: id, Volume: volume}, nil
}

func (v *Venue) QueryPosition(ctx context.Context, id string) (execution.PositionStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.QueryErrs[id]; err != nil {
		return execution.PositionStatus{}, err
	}
	if p, ok := v.open[id]; ok {
		return execution.PositionStatus{Position: p, Open: true}, nil
	}
	if s, ok := v.closed[id]; ok {
		return s, nil
	}
	return execution.PositionStatus{}, fmt.Errorf("%s: %w", id, execution.ErrPositionNotFound)
}

func (v *Venue) Positions(ctx context.Context) ([]trading.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.PositionsErr != nil {
		return nil, v.PositionsErr
	}
	out := make([]trading.Position, 0, len(v.open))
	for _, p := range v.open {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *Venue) Instrument(ctx context.Context, symbol string) (trading.Instrument, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	inst, ok := v.Instruments[symbol]
	if !ok {
		return trading.Instrument{}, fmt.Errorf("unknown instrument %s", symbol)
	}
	return inst, nil
}

func (v *Venue) Quote(ctx context.Context, symbol string) (trading.Quote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	q, ok := v.Quotes[symbol]
	if !ok {
		return trading.Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return q, nil
}

func (v *Venue) Account(ctx context.Context) (trading.AccountSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.AccountErr != nil {
		return trading.AccountSnapshot{}, v.AccountErr
	}
	return v.Snapshot, nil
}

// SetAccount replaces the account snapshot.
func (v *Venue) SetAccount(s trading.AccountSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Snapshot = s
}

// EURUSD returns a typical FX instrument: 0.01 lots step, 0.00001 tick,
// 10 points minimum stop.
func EURUSD() trading.Instrument {
	return trading.Instrument{
		Symbol:          "EURUSD",
		MinVolume:       decimal.RequireFromString("0.01"),
		MaxVolume:       decimal.RequireFromString("5"),
		VolumeStep:      decimal.RequireFromString("0.01"),
		TickSize:        decimal.RequireFromString("0.00001"),
		TickValue:       decimal.RequireFromString("1"),
		MinStopDistance: decimal.RequireFromString("0.00100"),
		MarginPerVolume: decimal.RequireFromString("1000"),
		Tradeable:       true,
	}
}
