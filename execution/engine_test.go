package execution_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"capital-gate/execution"
	"capital-gate/execution/executiontest"
	"capital-gate/trading"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newVenue() *executiontest.Venue {
	v := executiontest.NewVenue("gate")
	v.Instruments["EURUSD"] = executiontest.EURUSD()
	v.Quotes["EURUSD"] = trading.Quote{Symbol: "EURUSD", Bid: d("1.10000"), Ask: d("1.10020"), Time: time.Now()}
	return v
}

func TestExecuteBuyClampsStopToMinimumDistance(t *testing.T) {
	v := newVenue()
	e := execution.NewEngine(v, nil, "gate", false, zap.NewNop())
	inst := executiontest.EURUSD()

	res, err := e.ExecuteBuy(context.Background(), inst, trading.Quote{}, d("0.10"), d("1.09990"), d("1.10050"))
	require.NoError(t, err)
	assert.True(t, res.OK())
	require.Len(t, v.Placed, 1)

	req := v.Placed[0]
	assert.True(t, req.Price.Equal(d("1.10020")), "buys fill at the ask")
	assert.True(t, req.StopLoss.Equal(d("1.09920")), "got %s", req.StopLoss)
	assert.True(t, req.Price.Sub(req.StopLoss).Equal(inst.MinStopDistance))
	assert.True(t, req.TakeProfit.Equal(d("1.10120")), "got %s", req.TakeProfit)
	assert.Equal(t, "gate", req.StrategyID)
	assert.NotEmpty(t, req.ClientOrderID)
}

func TestExecuteSellClampsAboveBid(t *testing.T) {
	v := newVenue()
	e := execution.NewEngine(v, nil, "gate", false, zap.NewNop())

	_, err := e.ExecuteSell(context.Background(), executiontest.EURUSD(), trading.Quote{}, d("0.10"), d("1.10050"), d("1.09500"))
	require.NoError(t, err)

	req := v.Placed[0]
	assert.True(t, req.Price.Equal(d("1.10000")), "sells fill at the bid")
	assert.True(t, req.StopLoss.Equal(d("1.10100")), "got %s", req.StopLoss)
	assert.True(t, req.TakeProfit.Equal(d("1.09500")), "far enough, unchanged")
}

func TestNormalizeLevelsNeverCloserThanMinimum(t *testing.T) {
	inst := executiontest.EURUSD()
	price := d("1.23457")

	for _, sl := range []string{"1.23456", "1.23400", "1.23358", "1.23357", "1.30000"} {
		got, _ := execution.NormalizeLevels(trading.SideBuy, price, d(sl), decimal.Zero, inst)
		assert.True(t, price.Sub(got).GreaterThanOrEqual(inst.MinStopDistance), "sl %s -> %s", sl, got)
		assert.True(t, got.Mod(inst.TickSize).IsZero(), "sl %s -> %s off tick", sl, got)
	}

	sl, tp := execution.NormalizeLevels(trading.SideBuy, price, decimal.Zero, decimal.Zero, inst)
	assert.True(t, sl.IsZero())
	assert.True(t, tp.IsZero())
}

func TestExecuteVenueRejectionIsNotRetried(t *testing.T) {
	v := newVenue()
	v.PlaceErr = &execution.OrderError{Op: "place order", Code: 10019, Description: "no money"}
	e := execution.NewEngine(v, nil, "gate", false, zap.NewNop())

	_, err := e.ExecuteBuy(context.Background(), executiontest.EURUSD(), trading.Quote{}, d("0.10"), decimal.Zero, decimal.Zero)

	var oe *execution.OrderError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, 10019, oe.Code)
	assert.Equal(t, "no money", oe.Description)
	assert.Len(t, v.Placed, 1)
}

func TestExecuteNonSuccessCodeBecomesOrderError(t *testing.T) {
	v := newVenue()
	v.PlaceResult = &execution.OrderResult{Code: 10006, Description: "request rejected"}
	e := execution.NewEngine(v, nil, "gate", false, zap.NewNop())

	res, err := e.ExecuteSell(context.Background(), executiontest.EURUSD(), trading.Quote{}, d("0.10"), decimal.Zero, decimal.Zero)

	var oe *execution.OrderError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, 10006, oe.Code)
	assert.Equal(t, 10006, res.Code)
}

func TestExecuteBelowMinimumVolume(t *testing.T) {
	v := newVenue()
	e := execution.NewEngine(v, nil, "gate", false, zap.NewNop())

	_, err := e.ExecuteBuy(context.Background(), executiontest.EURUSD(), trading.Quote{}, d("0.001"), decimal.Zero, decimal.Zero)
	assert.ErrorIs(t, err, execution.ErrVolumeBelowMinimum)
	assert.Empty(t, v.Placed)
}

func TestLogOnlyNeverCallsVenue(t *testing.T) {
	// no quotes, no instruments, and every listing fails
	v := executiontest.NewVenue("gate")
	v.PositionsErr = errors.New("unreachable")
	v.AccountErr = errors.New("unreachable")

	book := execution.NewBook("gate", zap.NewNop())
	e := execution.NewEngine(v, book, "gate", true, zap.NewNop())
	quote := trading.Quote{Symbol: "EURUSD", Bid: d("1.10000"), Ask: d("1.10020")}

	res, err := e.ExecuteBuy(context.Background(), executiontest.EURUSD(), quote, d("0.10"), d("1.09990"), d("1.11000"))
	require.NoError(t, err)
	assert.True(t, res.Simulated)
	assert.True(t, res.OK())
	assert.True(t, res.Price.Equal(d("1.10020")), "intent carries the supplied quote")

	require.Equal(t, 1, book.Count(), "simulated entries hold a position slot")
	pos := book.Positions()[0]
	assert.True(t, pos.Simulated)
	assert.Equal(t, res.PositionID, pos.ID)
	assert.True(t, pos.StopLoss.Equal(d("1.09920")), "levels are still clamped, got %s", pos.StopLoss)

	_, err = e.PartialClose(context.Background(), pos.ID, d("0.5"))
	require.NoError(t, err)
	reduced, ok := book.Get(pos.ID)
	require.True(t, ok)
	assert.True(t, reduced.Volume.Equal(d("0.05")))

	outcomes, err := e.CloseAllPositions(context.Background(), "test")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Result.Simulated)
	assert.Equal(t, 0, book.Count())

	_, err = e.ClosePosition(context.Background(), pos.ID, "time_stop")
	assert.ErrorIs(t, err, execution.ErrPositionNotFound)

	assert.Empty(t, v.Placed)
	assert.Empty(t, v.Closes)

	journal := e.Journal()
	require.Len(t, journal, 3)
	assert.Equal(t, "open", journal[0].Kind)
	assert.True(t, journal[1].Volume.Equal(d("0.05")))
	assert.Equal(t, "close", journal[2].Kind)
}

func TestLogOnlyWithoutQuoteJournalsUnpriced(t *testing.T) {
	v := executiontest.NewVenue("gate")
	e := execution.NewEngine(v, nil, "gate", true, zap.NewNop())

	res, err := e.ExecuteBuy(context.Background(), executiontest.EURUSD(), trading.Quote{}, d("0.10"), d("1.09000"), d("1.11000"))
	require.NoError(t, err)
	assert.True(t, res.Simulated)
	assert.True(t, res.Price.IsZero())
	require.Len(t, e.Journal(), 1)
	assert.True(t, e.Journal()[0].Order.StopLoss.Equal(d("1.09000")))
}

func TestLiveUsesSuppliedQuote(t *testing.T) {
	v := executiontest.NewVenue("gate")
	v.Instruments["EURUSD"] = executiontest.EURUSD()
	book := execution.NewBook("gate", zap.NewNop())
	e := execution.NewEngine(v, book, "gate", false, zap.NewNop())
	quote := trading.Quote{Symbol: "EURUSD", Bid: d("1.20000"), Ask: d("1.20010")}

	res, err := e.ExecuteSell(context.Background(), executiontest.EURUSD(), quote, d("0.10"), decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, v.Placed[0].Price.Equal(d("1.20000")))

	tracked, ok := book.Get(res.PositionID)
	require.True(t, ok, "a filled entry is tracked immediately")
	assert.Equal(t, trading.SideSell, tracked.Side)
}

func TestLiveWithoutPositionIDIsPending(t *testing.T) {
	v := newVenue()
	v.PlaceResult = &execution.OrderResult{Code: execution.CodePlaced, OrderID: "O1"}
	book := execution.NewBook("gate", zap.NewNop())
	e := execution.NewEngine(v, book, "gate", false, zap.NewNop())

	_, err := e.ExecuteBuy(context.Background(), executiontest.EURUSD(), trading.Quote{}, d("0.10"), decimal.Zero, decimal.Zero)
	require.NoError(t, err)

	assert.Equal(t, 1, book.Count())
	assert.Equal(t, 1, book.Pending())
	assert.Empty(t, book.Positions())
}

func TestExecuteSignalDispatch(t *testing.T) {
	v := newVenue()
	e := execution.NewEngine(v, nil, "gate", false, zap.NewNop())
	inst := executiontest.EURUSD()

	res, err := e.ExecuteSignal(context.Background(), trading.Signal{Symbol: "EURUSD", Action: trading.ActionHold, Volume: d("0.1")}, inst, trading.Quote{})
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = e.ExecuteSignal(context.Background(), trading.Signal{Symbol: "EURUSD", Action: "noise", Volume: d("0.1")}, inst, trading.Quote{})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, v.Placed)

	res, err = e.ExecuteSignal(context.Background(), trading.Signal{
		Symbol:      "EURUSD",
		Action:      "sell",
		Volume:      d("0.20"),
		StopLoss:    d("1.11000"),
		TakeProfit1: d("1.09000"),
		TakeProfit2: d("1.08000"),
	}, inst, trading.Quote{})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Len(t, v.Placed, 1)
	assert.Equal(t, trading.SideSell, v.Placed[0].Side)
	assert.True(t, v.Placed[0].TakeProfit.Equal(d("1.09000")))
}

func TestCloseAllContinuesPastFailures(t *testing.T) {
	v := newVenue()
	for _, id := range []string{"A", "B", "C", "D"} {
		v.AddPosition(trading.Position{ID: id, Symbol: "EURUSD", Volume: d("0.10"), StrategyID: "gate"})
	}
	v.AddPosition(trading.Position{ID: "X", Symbol: "EURUSD", Volume: d("0.10"), StrategyID: "someone-else"})
	v.CloseErrs["B"] = errors.New("connection reset")

	e := execution.NewEngine(v, nil, "gate", false, zap.NewNop())
	outcomes, err := e.CloseAllPositions(context.Background(), "daily_close")
	require.NoError(t, err)

	require.Len(t, outcomes, 4)
	require.Len(t, v.Closes, 4, "every owned position is attempted")
	for _, o := range outcomes {
		if o.Position.ID == "B" {
			assert.Error(t, o.Err)
		} else {
			assert.NoError(t, o.Err, o.Position.ID)
		}
	}

	failed := execution.Failed(outcomes)
	require.Len(t, failed, 1)
	assert.Equal(t, "B", failed[0].Position.ID)

	remaining, _ := v.Positions(context.Background())
	ids := []string{}
	for _, p := range remaining {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{"B", "X"}, ids)
}

func TestCloseAllListingFailure(t *testing.T) {
	v := newVenue()
	v.PositionsErr = errors.New("timeout")
	e := execution.NewEngine(v, nil, "gate", false, zap.NewNop())

	_, err := e.CloseAllPositions(context.Background(), "test")
	assert.Error(t, err)
}

func TestPartialClose(t *testing.T) {
	v := newVenue()
	v.AddPosition(trading.Position{ID: "A", Symbol: "EURUSD", Volume: d("0.05"), StrategyID: "gate"})
	e := execution.NewEngine(v, nil, "gate", false, zap.NewNop())

	res, err := e.PartialClose(context.Background(), "A", d("0.5"))
	require.NoError(t, err)
	assert.True(t, res.Volume.Equal(d("0.02")), "0.025 floors to the 0.01 step, got %s", res.Volume)

	_, err = e.PartialClose(context.Background(), "A", d("0.1"))
	assert.ErrorIs(t, err, execution.ErrVolumeBelowMinimum)

	_, err = e.PartialClose(context.Background(), "A", d("1.5"))
	assert.Error(t, err)

	_, err = e.PartialClose(context.Background(), "missing", d("0.5"))
	assert.ErrorIs(t, err, execution.ErrPositionNotFound)

	require.Len(t, v.Closes, 1)
}

func TestClosePosition(t *testing.T) {
	v := newVenue()
	v.AddPosition(trading.Position{ID: "A", Symbol: "EURUSD", Volume: d("0.30"), StrategyID: "gate"})
	e := execution.NewEngine(v, nil, "gate", false, zap.NewNop())

	res, err := e.ClosePosition(context.Background(), "A", "time_stop")
	require.NoError(t, err)
	assert.True(t, res.Volume.Equal(d("0.30")))

	_, err = e.ClosePosition(context.Background(), "A", "time_stop")
	assert.ErrorIs(t, err, execution.ErrPositionNotFound)
}
