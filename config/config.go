// Package config loads the immutable runtime configuration of the gate.
//
// A Config is built once at startup (defaults, then the YAML file, then the
// environment) and is passed by value afterwards. Nothing in the process
// mutates it at runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete set of named thresholds and endpoints.
type Config struct {
	Account   AccountConfig   `yaml:"account"`
	Hard      HardLimits      `yaml:"hard"`
	Soft      SoftLimits      `yaml:"soft"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Risk      RiskConfig      `yaml:"risk"`
	Execution ExecutionConfig `yaml:"execution"`
	Transport TransportConfig `yaml:"transport"`
	Loop      LoopConfig      `yaml:"loop"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type AccountConfig struct {
	StrategyID      string          `yaml:"strategy_id"`      // tags every position this core owns
	StartingBalance decimal.Decimal `yaml:"starting_balance"` // zero: first observed balance
}

// HardLimits are the capital-preservation thresholds. Loss limits are negative
// PnL values; all comparisons are inclusive.
type HardLimits struct {
	DailyLossLimit           decimal.Decimal `yaml:"daily_loss_limit"`
	TotalLossLimit           decimal.Decimal `yaml:"total_loss_limit"`
	EquityDisableFloor       decimal.Decimal `yaml:"equity_disable_floor"`
	ProfitTarget             decimal.Decimal `yaml:"profit_target"`
	DailyProfitCapPct        decimal.Decimal `yaml:"daily_profit_cap_pct"`
	TotalLossDisablesSession bool            `yaml:"total_loss_disables_session"`
}

type SoftLimits struct {
	Cooldown             time.Duration   `yaml:"cooldown"`
	MaxConsecutiveLosses int             `yaml:"max_consecutive_losses"`
	ProfitLockArm        decimal.Decimal `yaml:"profit_lock_arm"`
	ProfitLockRatio      decimal.Decimal `yaml:"profit_lock_ratio"`
	ProfitLockTrailing   bool            `yaml:"profit_lock_trailing"`
}

// Window is a UTC time-of-day range written as "HH:MM". End before Start
// wraps past midnight.
type Window struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type ScheduleConfig struct {
	DailyClose     string         `yaml:"daily_close"`      // "HH:MM" UTC, empty disables
	WeeklyClose    string         `yaml:"weekly_close"`     // "HH:MM" UTC on WeeklyCloseDay
	WeeklyCloseDay time.Weekday   `yaml:"weekly_close_day"` // last trading day of the week
	TradingDays    []time.Weekday `yaml:"trading_days"`
	Sessions       []Window       `yaml:"sessions"` // empty: entries allowed all day
}

type RiskConfig struct {
	MaxOpenPositions int             `yaml:"max_open_positions"`
	MinConfidence    decimal.Decimal `yaml:"min_confidence"`
	MarginUsageCap   decimal.Decimal `yaml:"margin_usage_cap"`  // fraction of free margin
	StepTolerance    decimal.Decimal `yaml:"step_tolerance"`    // relative, 0.01 = 1%
	SpreadMultiplier decimal.Decimal `yaml:"spread_multiplier"` // veto above N x baseline
	SpreadWindow     int             `yaml:"spread_window"`     // samples in the baseline
	RiskBudget       decimal.Decimal `yaml:"risk_budget"`       // loss at the stop for unsized signals
}

type ExecutionConfig struct {
	LogOnly bool          `yaml:"log_only"`
	MaxHold time.Duration `yaml:"max_hold"` // zero disables the time-stop
}

type TransportConfig struct {
	SignalURL     string        `yaml:"signal_url"`
	VenueURL      string        `yaml:"venue_url"`
	VenueWSURL    string        `yaml:"venue_ws_url"`
	PrivateKeyHex string        `yaml:"-"` // environment only
	Timeout       time.Duration `yaml:"timeout"`
	Attempts      int           `yaml:"attempts"`
	Backoff       time.Duration `yaml:"backoff"`
	RateLimitRPS  float64       `yaml:"rate_limit_rps"`
	Symbols       []string      `yaml:"symbols"` // quote stream subscriptions
}

type LoopConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the status server
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration of a small funded account.
func Default() Config {
	return Config{
		Account: AccountConfig{
			StrategyID: "capital-gate",
		},
		Hard: HardLimits{
			DailyLossLimit:     decimal.NewFromInt(-50),
			TotalLossLimit:     decimal.NewFromInt(-100),
			EquityDisableFloor: decimal.NewFromInt(900),
			ProfitTarget:       decimal.NewFromInt(100),
			DailyProfitCapPct:  decimal.NewFromFloat(1.8),
		},
		Soft: SoftLimits{
			Cooldown:             15 * time.Minute,
			MaxConsecutiveLosses: 3,
			ProfitLockArm:        decimal.NewFromInt(50),
			ProfitLockRatio:      decimal.NewFromFloat(0.7),
		},
		Schedule: ScheduleConfig{
			DailyClose:     "20:45",
			WeeklyClose:    "19:00",
			WeeklyCloseDay: time.Friday,
			TradingDays:    []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			Sessions:       []Window{{Start: "07:00", End: "20:30"}},
		},
		Risk: RiskConfig{
			MaxOpenPositions: 3,
			MinConfidence:    decimal.NewFromFloat(0.5),
			MarginUsageCap:   decimal.NewFromFloat(0.8),
			StepTolerance:    decimal.NewFromFloat(0.01),
			SpreadMultiplier: decimal.NewFromInt(2),
			SpreadWindow:     50,
			RiskBudget:       decimal.NewFromInt(10),
		},
		Execution: ExecutionConfig{
			LogOnly: true,
			MaxHold: 8 * time.Hour,
		},
		Transport: TransportConfig{
			SignalURL:    "http://127.0.0.1:8000",
			VenueURL:     "http://127.0.0.1:9000",
			Timeout:      5 * time.Second,
			Attempts:     3,
			Backoff:      500 * time.Millisecond,
			RateLimitRPS: 10,
		},
		Loop: LoopConfig{
			PollInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9102",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path,
// a .env file in the working directory, and CAPITAL_GATE_* variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// A missing .env is normal in production.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if key := os.Getenv("CAPITAL_GATE_PRIVATE_KEY"); key != "" {
		key = strings.TrimSpace(key)
		key = strings.Trim(key, "\"'")
		cfg.Transport.PrivateKeyHex = key
	}

	if v := os.Getenv("CAPITAL_GATE_SIGNAL_URL"); v != "" {
		cfg.Transport.SignalURL = v
	}

	if v := os.Getenv("CAPITAL_GATE_VENUE_URL"); v != "" {
		cfg.Transport.VenueURL = v
	}

	if v := os.Getenv("CAPITAL_GATE_VENUE_WS_URL"); v != "" {
		cfg.Transport.VenueWSURL = v
	}

	if v := os.Getenv("CAPITAL_GATE_STRATEGY_ID"); v != "" {
		cfg.Account.StrategyID = v
	}

	if v := os.Getenv("CAPITAL_GATE_LOG_ONLY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CAPITAL_GATE_LOG_ONLY: %w", err)
		}
		cfg.Execution.LogOnly = b
	}

	if v := os.Getenv("CAPITAL_GATE_STARTING_BALANCE"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("CAPITAL_GATE_STARTING_BALANCE: %w", err)
		}
		cfg.Account.StartingBalance = d
	}

	return nil
}

// Validate rejects configurations that would make a governor meaningless.
func (c Config) Validate() error {
	var errs []error

	if c.Account.StrategyID == "" {
		errs = append(errs, errors.New("account.strategy_id is required"))
	}
	if !c.Hard.DailyLossLimit.IsNegative() {
		errs = append(errs, errors.New("hard.daily_loss_limit must be negative"))
	}
	if !c.Hard.TotalLossLimit.IsNegative() {
		errs = append(errs, errors.New("hard.total_loss_limit must be negative"))
	}
	if !c.Hard.ProfitTarget.IsPositive() {
		errs = append(errs, errors.New("hard.profit_target must be positive"))
	}
	if !c.Hard.DailyProfitCapPct.IsPositive() {
		errs = append(errs, errors.New("hard.daily_profit_cap_pct must be positive"))
	}
	if c.Soft.MaxConsecutiveLosses < 1 {
		errs = append(errs, errors.New("soft.max_consecutive_losses must be at least 1"))
	}
	if c.Soft.ProfitLockRatio.IsNegative() || c.Soft.ProfitLockRatio.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("soft.profit_lock_ratio must be within [0,1]"))
	}
	if c.Risk.MaxOpenPositions < 1 {
		errs = append(errs, errors.New("risk.max_open_positions must be at least 1"))
	}
	if !c.Risk.RiskBudget.IsPositive() {
		errs = append(errs, errors.New("risk.risk_budget must be positive"))
	}
	if c.Risk.SpreadWindow < 1 {
		errs = append(errs, errors.New("risk.spread_window must be at least 1"))
	}
	if c.Transport.Attempts < 1 {
		errs = append(errs, errors.New("transport.attempts must be at least 1"))
	}
	if c.Loop.PollInterval <= 0 {
		errs = append(errs, errors.New("loop.poll_interval must be positive"))
	}
	// Worst-case tick latency is timeout x attempts plus backoff; it has to fit
	// in the poll interval or every tick overruns.
	worst := c.Transport.Timeout*time.Duration(c.Transport.Attempts) + c.Transport.Backoff*time.Duration(c.Transport.Attempts*(c.Transport.Attempts-1)/2)
	if c.Transport.Attempts >= 1 && worst >= c.Loop.PollInterval {
		errs = append(errs, fmt.Errorf("transport worst case %s does not fit poll interval %s", worst, c.Loop.PollInterval))
	}

	if _, err := ParseClock(c.Schedule.DailyClose); err != nil {
		errs = append(errs, fmt.Errorf("schedule.daily_close: %w", err))
	}
	if _, err := ParseClock(c.Schedule.WeeklyClose); err != nil {
		errs = append(errs, fmt.Errorf("schedule.weekly_close: %w", err))
	}
	for i, w := range c.Schedule.Sessions {
		if _, err := ParseClock(w.Start); err != nil || w.Start == "" {
			errs = append(errs, fmt.Errorf("schedule.sessions[%d].start: invalid %q", i, w.Start))
		}
		if _, err := ParseClock(w.End); err != nil || w.End == "" {
			errs = append(errs, fmt.Errorf("schedule.sessions[%d].end: invalid %q", i, w.End))
		}
	}

	return errors.Join(errs...)
}

// ParseClock parses "HH:MM" into an offset from midnight. The empty string
// parses to -1, meaning "not configured".
func ParseClock(s string) (time.Duration, error) {
	if s == "" {
		return -1, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
