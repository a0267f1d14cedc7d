package comm

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"capital-gate/trading"
)

// ExecutionReport is sent to the signal service after every order placement
// attempt, successful or not.
type ExecutionReport struct {
	SignalID      string          `json:"signal_id,omitempty"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          trading.Side    `json:"side"`
	Volume        decimal.Decimal `json:"volume"`
	Price         decimal.Decimal `json:"price"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	TakeProfit    decimal.Decimal `json:"take_profit"`
	PositionID    string          `json:"position_id,omitempty"`
	StrategyID    string          `json:"strategy_id"`
	Success       bool            `json:"success"`
	Code          int             `json:"code"`
	Description   string          `json:"description"`
	Simulated     bool            `json:"simulated"`
	Timestamp     time.Time       `json:"timestamp"`
}

// CloseReport is sent to the signal service for every position close.
type CloseReport struct {
	PositionID  string          `json:"position_id"`
	Symbol      string          `json:"symbol"`
	Side        trading.Side    `json:"side"`
	Volume      decimal.Decimal `json:"volume"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ClosePrice  decimal.Decimal `json:"close_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason"`
	StrategyID  string          `json:"strategy_id"`
	Timestamp   time.Time       `json:"timestamp"`
}

// SignalClient pulls signals from and pushes reports to the signal service.
type SignalClient struct {
	client *Client
	logger *zap.Logger
}

func NewSignalClient(client *Client, logger *zap.Logger) *SignalClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalClient{client: client, logger: logger}
}

type signalBatch struct {
	Signals []trading.Signal `json:"signals"`
}

// FetchSignals returns the current batch of signals.
func (s *SignalClient) FetchSignals(ctx context.Context) ([]trading.Signal, error) {
	var batch signalBatch
	err := s.client.Do(ctx, Request{Method: http.MethodGet, Path: "/signals", Retry: true}, &batch)
	if err != nil {
		return nil, err
	}

	for i := range batch.Signals {
		batch.Signals[i].Action = batch.Signals[i].Action.Normalize()
	}

	s.logger.Debug("Fetched signals", zap.Int("count", len(batch.Signals)))
	return batch.Signals, nil
}

func (s *SignalClient) ReportExecution(ctx context.Context, report ExecutionReport) error {
	return s.client.Do(ctx, Request{Method: http.MethodPost, Path: "/reports/execution", Body: report, Retry: true}, nil)
}

func (s *SignalClient) ReportClose(ctx context.Context, report CloseReport) error {
	return s.client.Do(ctx, Request{Method: http.MethodPost, Path: "/reports/close", Body: report, Retry: true}, nil)
}
