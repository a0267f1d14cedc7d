package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// chdirTemp keeps Load from picking up a stray .env in the package directory.
func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Execution.LogOnly)
	assert.True(t, cfg.Hard.TotalLossLimit.Equal(decimal.NewFromInt(-100)))
	assert.False(t, cfg.Hard.TotalLossDisablesSession)
	assert.False(t, cfg.Soft.ProfitLockTrailing)
}

func TestLoadYAMLOverrides(t *testing.T) {
	chdirTemp(t)
	path := writeConfig(t, `
account:
  strategy_id: ftmo-1
  starting_balance: "10000"
hard:
  daily_loss_limit: -500
  total_loss_limit: -1000
  total_loss_disables_session: true
soft:
  cooldown: 30m
  profit_lock_trailing: true
schedule:
  daily_close: "21:00"
  sessions:
    - start: "22:00"
      end: "06:00"
execution:
  log_only: false
  max_hold: 4h
transport:
  symbols: [EURUSD, GBPUSD]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ftmo-1", cfg.Account.StrategyID)
	assert.True(t, cfg.Account.StartingBalance.Equal(decimal.NewFromInt(10000)))
	assert.True(t, cfg.Hard.DailyLossLimit.Equal(decimal.NewFromInt(-500)))
	assert.True(t, cfg.Hard.TotalLossDisablesSession)
	assert.Equal(t, 30*time.Minute, cfg.Soft.Cooldown)
	assert.True(t, cfg.Soft.ProfitLockTrailing)
	assert.Equal(t, "21:00", cfg.Schedule.DailyClose)
	assert.Equal(t, []Window{{Start: "22:00", End: "06:00"}}, cfg.Schedule.Sessions)
	assert.False(t, cfg.Execution.LogOnly)
	assert.Equal(t, 4*time.Hour, cfg.Execution.MaxHold)
	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, cfg.Transport.Symbols)

	// untouched sections keep their defaults
	assert.Equal(t, Default().Risk.MaxOpenPositions, cfg.Risk.MaxOpenPositions)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CAPITAL_GATE_PRIVATE_KEY", `"0xabc123"`)
	t.Setenv("CAPITAL_GATE_SIGNAL_URL", "http://signals:8000")
	t.Setenv("CAPITAL_GATE_LOG_ONLY", "false")
	t.Setenv("CAPITAL_GATE_STARTING_BALANCE", "1100")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0xabc123", cfg.Transport.PrivateKeyHex)
	assert.Equal(t, "http://signals:8000", cfg.Transport.SignalURL)
	assert.False(t, cfg.Execution.LogOnly)
	assert.True(t, cfg.Account.StartingBalance.Equal(decimal.NewFromInt(1100)))
}

func TestLoadRejectsBadEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CAPITAL_GATE_LOG_ONLY", "maybe")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CAPITAL_GATE_LOG_ONLY")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Account.StrategyID = ""
	cfg.Hard.DailyLossLimit = decimal.NewFromInt(10)
	cfg.Soft.ProfitLockRatio = decimal.NewFromFloat(1.5)
	cfg.Schedule.DailyClose = "25:00"
	cfg.Schedule.Sessions = []Window{{Start: "07:00"}}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "account.strategy_id")
	assert.Contains(t, msg, "hard.daily_loss_limit")
	assert.Contains(t, msg, "soft.profit_lock_ratio")
	assert.Contains(t, msg, "schedule.daily_close")
	assert.Contains(t, msg, "schedule.sessions[0].end")
}

func TestValidateTransportBudget(t *testing.T) {
	cfg := Default()
	cfg.Transport.Timeout = 10 * time.Second
	cfg.Transport.Attempts = 3
	cfg.Loop.PollInterval = 30 * time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not fit poll interval")
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "", want: -1},
		{in: "00:00", want: 0},
		{in: "20:45", want: 20*time.Hour + 45*time.Minute},
		{in: "24:00", wantErr: true},
		{in: "noon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClock(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
