// Package execution places and closes orders at the venue on behalf of one
// strategy and keeps the book of that strategy's open positions.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"capital-gate/trading"
)

// Venue result codes.
const (
	CodePlaced = 10008
	CodeDone   = 10009
)

var (
	ErrPositionNotFound   = errors.New("position not found")
	ErrVolumeBelowMinimum = errors.New("volume below instrument minimum")
	ErrNoSigner           = errors.New("venue signing key not configured")
)

// Venue is the brokerage execution venue. Reads may be retried by the
// implementation; PlaceMarketOrder and ClosePosition are sent exactly once.
type Venue interface {
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ClosePosition(ctx context.Context, positionID string, volume decimal.Decimal) (OrderResult, error)
	QueryPosition(ctx context.Context, positionID string) (PositionStatus, error)
	Positions(ctx context.Context) ([]trading.Position, error)
	Instrument(ctx context.Context, symbol string) (trading.Instrument, error)
	Quote(ctx context.Context, symbol string) (trading.Quote, error)
	Account(ctx context.Context) (trading.AccountSnapshot, error)
}

// OrderRequest is a market order as sent to the venue.
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          trading.Side    `json:"side"`
	Volume        decimal.Decimal `json:"volume"`
	Price         decimal.Decimal `json:"price"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	TakeProfit    decimal.Decimal `json:"take_profit"`
	StrategyID    string          `json:"strategy_id"`
}

// OrderResult is the venue's answer to a placement or close.
type OrderResult struct {
	Code        int             `json:"code"`
	Description string          `json:"description"`
	OrderID     string          `json:"order_id"`
	PositionID  string          `json:"position_id"`
	Price       decimal.Decimal `json:"price"`
	Volume      decimal.Decimal `json:"volume"`
	Simulated   bool            `json:"simulated"`
}

// OK reports whether the venue accepted the request.
func (r OrderResult) OK() bool {
	return r.Code == CodeDone || r.Code == CodePlaced
}

// OrderError carries the venue's native result code for a refused request.
type OrderError struct {
	Op          string
	Code        int
	Description string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("%s rejected by venue: code %d: %s", e.Op, e.Code, e.Description)
}

// PositionStatus is the venue's view of a single position.
type PositionStatus struct {
	Position    trading.Position `json:"position"`
	Open        bool             `json:"open"`
	ClosePrice  decimal.Decimal  `json:"close_price"`
	RealizedPnL decimal.Decimal  `json:"realized_pnl"`
	CloseTime   time.Time        `json:"close_time"`
	Reason      string           `json:"reason"`
}
