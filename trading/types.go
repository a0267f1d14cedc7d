// Package trading holds the domain types shared by the risk, governor and
// execution layers.
package trading

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SIGNALS
// =============================================================================

// Action is the instruction carried by a signal.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Normalize upper-cases and trims the action as received from the wire.
func (a Action) Normalize() Action {
	return Action(strings.ToUpper(strings.TrimSpace(string(a))))
}

// Signal is a single trading instruction produced by the signal service.
// It is immutable and consumed once per decision cycle.
type Signal struct {
	ID            string          `json:"id,omitempty"`
	Symbol        string          `json:"symbol"`
	Action        Action          `json:"action"`      // BUY, SELL, HOLD
	Confidence    decimal.Decimal `json:"confidence"`  // 0-1
	ModelScore    decimal.Decimal `json:"model_score"` // opaque to this core
	PredictedRisk decimal.Decimal `json:"predicted_risk"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	TakeProfit1   decimal.Decimal `json:"take_profit_1"`
	TakeProfit2   decimal.Decimal `json:"take_profit_2"`
	Volume        decimal.Decimal `json:"volume"`
	StrategyID    string          `json:"strategy_id"`
	Regime        string          `json:"regime"`
	Timestamp     time.Time       `json:"timestamp,omitempty"`
}

// =============================================================================
// ACCOUNT AND POSITIONS
// =============================================================================

// AccountState is the session's view of the funded account. Figures are read
// from the venue; only TotalPnL is derived (equity minus starting balance).
type AccountState struct {
	Equity          decimal.Decimal `json:"equity"`
	Balance         decimal.Decimal `json:"balance"`
	FreeMargin      decimal.Decimal `json:"free_margin"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
	DailyPnL        decimal.Decimal `json:"daily_pnl"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	LastReset       time.Time       `json:"last_reset"`
	LastUpdate      time.Time       `json:"last_update"`
}

// AccountSnapshot is what the venue reports for the account at a point in time.
type AccountSnapshot struct {
	Equity      decimal.Decimal `json:"equity"`
	Balance     decimal.Decimal `json:"balance"`
	FreeMargin  decimal.Decimal `json:"free_margin"`
	DailyProfit decimal.Decimal `json:"daily_profit"`
}

// Side is a position or order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that offsets s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Position is an open position held at the venue.
type Position struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Volume     decimal.Decimal `json:"volume"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	OpenTime   time.Time       `json:"open_time"`
	StrategyID string          `json:"strategy_id"`
	Simulated  bool            `json:"simulated,omitempty"` // opened in log-only mode, unknown to the venue
}

// ClosedPosition describes a position the venue reports as no longer open.
type ClosedPosition struct {
	Position
	ClosePrice  decimal.Decimal `json:"close_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	CloseTime   time.Time       `json:"close_time"`
	Reason      string          `json:"reason"` // stop_loss, take_profit, time_stop, governor, ...
}

// =============================================================================
// INSTRUMENTS AND QUOTES
// =============================================================================

// Instrument carries the venue constraints for a tradeable symbol.
type Instrument struct {
	Symbol          string          `json:"symbol"`
	MinVolume       decimal.Decimal `json:"min_volume"`
	MaxVolume       decimal.Decimal `json:"max_volume"`
	VolumeStep      decimal.Decimal `json:"volume_step"`
	TickSize        decimal.Decimal `json:"tick_size"`
	TickValue       decimal.Decimal `json:"tick_value"`
	MinStopDistance decimal.Decimal `json:"min_stop_distance"` // price units
	MarginPerVolume decimal.Decimal `json:"margin_per_volume"`
	Tradeable       bool            `json:"tradeable"`
}

// Quote is a best bid/offer snapshot.
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Time   time.Time       `json:"time"`
}

// Spread returns ask minus bid.
func (q Quote) Spread() decimal.Decimal {
	return q.Ask.Sub(q.Bid)
}

// Valid reports whether both sides are priced and not crossed.
func (q Quote) Valid() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive() && !q.Ask.LessThan(q.Bid)
}
