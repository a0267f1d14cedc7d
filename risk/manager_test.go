package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"capital-gate/config"
	"capital-gate/trading"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeSource struct {
	snap trading.AccountSnapshot
	err  error
}

func (f *fakeSource) Account(context.Context) (trading.AccountSnapshot, error) { return f.snap, f.err }

type fixedCount int

func (c fixedCount) Count() int { return int(c) }

func instrument() trading.Instrument {
	return trading.Instrument{
		Symbol:          "EURUSD",
		MinVolume:       d("0.01"),
		MaxVolume:       d("5"),
		VolumeStep:      d("0.01"),
		TickSize:        d("0.00001"),
		TickValue:       d("1"),
		MinStopDistance: d("0.001"),
		MarginPerVolume: d("1000"),
		Tradeable:       true,
	}
}

func newManager(t *testing.T, snap trading.AccountSnapshot, open int) (*Manager, *fakeSource, *trading.AccountState) {
	t.Helper()
	cfg := config.Default()
	cfg.Account.StartingBalance = d("1000")
	src := &fakeSource{snap: snap}
	acc := &trading.AccountState{}
	m := NewManager(cfg, src, acc, fixedCount(open), zap.NewNop())
	m.now = func() time.Time { return time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, m.Update(context.Background()))
	return m, src, acc
}

func snapshot(equity, daily string) trading.AccountSnapshot {
	return trading.AccountSnapshot{Equity: d(equity), Balance: d(equity), FreeMargin: d("1000"), DailyProfit: d(daily)}
}

func requireRule(t *testing.T, err error, rule string) {
	t.Helper()
	r, ok := trading.AsRejection(err)
	require.True(t, ok, "expected rejection, got %v", err)
	assert.Equal(t, rule, r.Rule)
}

func TestUpdateDerivesTotalPnL(t *testing.T) {
	m, _, acc := newManager(t, snapshot("1012.5", "7"), 0)

	assert.True(t, acc.TotalPnL.Equal(d("12.5")))
	assert.True(t, acc.DailyPnL.Equal(d("7")))
	assert.True(t, m.Account().Equity.Equal(d("1012.5")))
	assert.False(t, acc.LastReset.IsZero())
}

func TestUpdateFirstBalanceBecomesStart(t *testing.T) {
	cfg := config.Default()
	acc := &trading.AccountState{}
	m := NewManager(cfg, &fakeSource{snap: trading.AccountSnapshot{Equity: d("2010"), Balance: d("2000")}}, acc, fixedCount(0), zap.NewNop())

	require.NoError(t, m.Update(context.Background()))
	assert.True(t, acc.StartingBalance.Equal(d("2000")))
	assert.True(t, acc.TotalPnL.Equal(d("10")))
}

func TestUpdateResetsDailyPnLAtDayBoundary(t *testing.T) {
	m, src, acc := newManager(t, snapshot("1000", "-30"), 0)

	now := time.Date(2024, 3, 4, 23, 59, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	require.NoError(t, m.Update(context.Background()))
	assert.True(t, acc.DailyPnL.Equal(d("-30")))

	now = time.Date(2024, 3, 5, 0, 0, 5, 0, time.UTC)
	require.NoError(t, m.Update(context.Background()))
	assert.True(t, acc.DailyPnL.IsZero())
	assert.Equal(t, now, acc.LastReset)

	src.snap.DailyProfit = d("4")
	now = now.Add(time.Minute)
	require.NoError(t, m.Update(context.Background()))
	assert.True(t, acc.DailyPnL.Equal(d("4")))
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 5, 0, time.UTC), acc.LastReset, "reset happens once")
}

func TestUpdateError(t *testing.T) {
	m, src, acc := newManager(t, snapshot("1000", "0"), 0)
	src.err = errors.New("timeout")

	assert.Error(t, m.Update(context.Background()))
	assert.True(t, acc.Equity.Equal(d("1000")), "state is untouched on failure")
	assert.Error(t, m.IsWithinRiskLimits(context.Background()))
}

func TestValidateSignalConfidence(t *testing.T) {
	m, _, _ := newManager(t, snapshot("1000", "0"), 0)
	inst := instrument()

	for _, c := range []string{"0", "0.1", "0.49", "0.4999999"} {
		err := m.ValidateSignal(trading.Signal{Symbol: "EURUSD", Action: "BUY", Confidence: d(c), Volume: d("0.1")}, inst)
		requireRule(t, err, "confidence")
	}

	assert.NoError(t, m.ValidateSignal(trading.Signal{Symbol: "EURUSD", Action: "BUY", Confidence: d("0.5"), Volume: d("0.1")}, inst))
}

func TestValidateSignalShape(t *testing.T) {
	m, _, _ := newManager(t, snapshot("1000", "0"), 0)
	inst := instrument()

	requireRule(t, m.ValidateSignal(trading.Signal{Action: "BUY", Confidence: d("0.9"), Volume: d("0.1")}, inst), "symbol")
	requireRule(t, m.ValidateSignal(trading.Signal{Symbol: "EURUSD", Action: " ", Confidence: d("0.9"), Volume: d("0.1")}, inst), "action")
	requireRule(t, m.ValidateSignal(trading.Signal{Symbol: "EURUSD", Action: "SELL", Confidence: d("0.9"), Volume: d("0.015")}, inst), "volume_step")
}

func TestValidatePositionSize(t *testing.T) {
	m, _, _ := newManager(t, snapshot("1000", "0"), 0)
	inst := instrument()

	tests := []struct {
		volume string
		rule   string
	}{
		{"0.01", ""},
		{"0.5", ""},
		{"0.8", ""},
		{"0.0999", ""}, // 9.99 steps, inside 1%
		{"0.1001", ""},
		{"0.005", "volume_min"},
		{"0", "volume_min"},
		{"6", "volume_max"},
		{"0.015", "volume_step"},
		{"0.0198", "volume_step"}, // 1.98 steps
		{"0.81", "margin"},        // 810 > 80% of 1000
	}

	for _, tt := range tests {
		err := m.ValidatePositionSize(d(tt.volume), inst)
		if tt.rule == "" {
			assert.NoError(t, err, tt.volume)
			continue
		}
		requireRule(t, err, tt.rule)
	}
}

func TestCalculatePositionSize(t *testing.T) {
	m, _, _ := newManager(t, snapshot("1000", "0"), 0)
	inst := instrument()

	// 20 / (200 ticks x 1) = 0.1
	assert.True(t, m.CalculatePositionSize(d("20"), d("0.002"), inst).Equal(d("0.1")))
	// 10 / 300 = 0.0333 floors to 0.03
	assert.True(t, m.CalculatePositionSize(d("10"), d("0.003"), inst).Equal(d("0.03")))
	// tiny budget clamps up to the minimum
	assert.True(t, m.CalculatePositionSize(d("0.1"), d("0.005"), inst).Equal(d("0.01")))
	// huge budget clamps to the maximum
	assert.True(t, m.CalculatePositionSize(d("100000"), d("0.001"), inst).Equal(d("5")))

	assert.True(t, m.CalculatePositionSize(d("20"), decimal.Zero, inst).Equal(inst.MinVolume))
	inst.TickValue = decimal.Zero
	assert.True(t, m.CalculatePositionSize(d("20"), d("0.002"), inst).Equal(inst.MinVolume))
}

func TestCanTakeNewPositionTotalLossScenario(t *testing.T) {
	// equity 1000 on a 1100 start: totalPnL -100 equals the limit
	cfg := config.Default()
	cfg.Account.StartingBalance = d("1100")
	m := NewManager(cfg, &fakeSource{snap: snapshot("1000", "0")}, &trading.AccountState{}, fixedCount(0), zap.NewNop())

	err := m.CanTakeNewPosition(context.Background())
	requireRule(t, err, "total_loss")
	assert.True(t, m.Account().TotalPnL.Equal(d("-100")))
}

func TestCanTakeNewPositionDailyCapScenario(t *testing.T) {
	m, _, _ := newManager(t, snapshot("1000", "18"), 0)
	requireRule(t, m.CanTakeNewPosition(context.Background()), "daily_profit_cap")
}

func TestCanTakeNewPositionCount(t *testing.T) {
	m, _, _ := newManager(t, snapshot("1000", "0"), 3)
	requireRule(t, m.CanTakeNewPosition(context.Background()), "max_open_positions")

	m, _, _ = newManager(t, snapshot("1000", "0"), 2)
	assert.NoError(t, m.CanTakeNewPosition(context.Background()))
}

func TestCheckExecutionQuality(t *testing.T) {
	m, _, _ := newManager(t, snapshot("1000", "0"), 0)
	inst := instrument()

	assert.NoError(t, m.CheckExecutionQuality(inst, d("0.0005")), "empty baseline passes")
	assert.NoError(t, m.CheckExecutionQuality(inst, d("0.0001")))
	// baseline 0.0003, limit 0.0006
	assert.NoError(t, m.CheckExecutionQuality(inst, d("0.0006")))
	// baseline (0.0005+0.0001+0.0006)/3 = 0.0004, limit 0.0008
	requireRule(t, m.CheckExecutionQuality(inst, d("0.00081")), "spread")

	other := instrument()
	other.Symbol = "GBPUSD"
	assert.NoError(t, m.CheckExecutionQuality(other, d("0.01")), "baselines are per symbol")

	inst.Tradeable = false
	requireRule(t, m.CheckExecutionQuality(inst, d("0.0001")), "not_tradeable")
}
