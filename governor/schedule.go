package governor

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"capital-gate/config"
	"capital-gate/trading"
)

type window struct {
	start, end time.Duration
}

// contains reports whether tod falls in [start, end), wrapping past midnight
// when end is before start.
func (w window) contains(tod time.Duration) bool {
	if w.end > w.start {
		return tod >= w.start && tod < w.end
	}
	return tod >= w.start || tod < w.end
}

// Schedule holds the calendar rules. All times are UTC.
type Schedule struct {
	dailyClose     time.Duration // -1 disables
	weeklyClose    time.Duration // -1 disables
	weeklyCloseDay time.Weekday
	tradingDays    map[time.Weekday]bool
	sessions       []window
}

func NewSchedule(cfg config.ScheduleConfig) (Schedule, error) {
	daily, err := config.ParseClock(cfg.DailyClose)
	if err != nil {
		return Schedule{}, fmt.Errorf("daily close: %w", err)
	}
	weekly, err := config.ParseClock(cfg.WeeklyClose)
	if err != nil {
		return Schedule{}, fmt.Errorf("weekly close: %w", err)
	}

	s := Schedule{
		dailyClose:     daily,
		weeklyClose:    weekly,
		weeklyCloseDay: cfg.WeeklyCloseDay,
	}

	if len(cfg.TradingDays) > 0 {
		s.tradingDays = make(map[time.Weekday]bool, len(cfg.TradingDays))
		for _, d := range cfg.TradingDays {
			s.tradingDays[d] = true
		}
	}

	for i, w := range cfg.Sessions {
		start, err := config.ParseClock(w.Start)
		if err != nil || start < 0 {
			return Schedule{}, fmt.Errorf("session %d start %q invalid", i, w.Start)
		}
		end, err := config.ParseClock(w.End)
		if err != nil || end < 0 {
			return Schedule{}, fmt.Errorf("session %d end %q invalid", i, w.End)
		}
		s.sessions = append(s.sessions, window{start: start, end: end})
	}

	return s, nil
}

func timeOfDay(t time.Time) time.Duration {
	t = t.UTC()
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
}

func minutes(d time.Duration) decimal.Decimal {
	return decimal.NewFromFloat(d.Minutes()).Round(2)
}

// CloseWindow reports the close window active at now, if any. Once a close
// time has passed the window stays active until midnight UTC.
func (s Schedule) CloseWindow(now time.Time) (*trading.Rejection, bool) {
	now = now.UTC()
	tod := timeOfDay(now)

	if s.weeklyClose >= 0 && now.Weekday() == s.weeklyCloseDay && tod >= s.weeklyClose {
		return &trading.Rejection{
			Category: trading.CategoryTime,
			Rule:     "weekly_close",
			Measured: minutes(tod),
			Limit:    minutes(s.weeklyClose),
			Detail:   fmt.Sprintf("%s after weekly close", now.Format("Mon 15:04")),
			CloseAll: true,
		}, true
	}

	if s.dailyClose >= 0 && tod >= s.dailyClose {
		return &trading.Rejection{
			Category: trading.CategoryTime,
			Rule:     "daily_close",
			Measured: minutes(tod),
			Limit:    minutes(s.dailyClose),
			Detail:   fmt.Sprintf("%s after daily close", now.Format("15:04")),
			CloseAll: true,
		}, true
	}

	return nil, false
}

// Check returns the time veto active at now, or nil. Close windows take
// precedence over session gating.
func (s Schedule) Check(now time.Time) error {
	if r, ok := s.CloseWindow(now); ok {
		return r
	}

	now = now.UTC()
	if s.tradingDays != nil && !s.tradingDays[now.Weekday()] {
		return &trading.Rejection{
			Category: trading.CategoryTime,
			Rule:     "trading_day",
			Measured: decimal.NewFromInt(int64(now.Weekday())),
			Limit:    decimal.Zero,
			Detail:   now.Weekday().String() + " is not a trading day",
		}
	}

	if len(s.sessions) == 0 {
		return nil
	}
	tod := timeOfDay(now)
	for _, w := range s.sessions {
		if w.contains(tod) {
			return nil
		}
	}

	first := s.sessions[0]
	return &trading.Rejection{
		Category: trading.CategoryTime,
		Rule:     "session",
		Measured: minutes(tod),
		Limit:    minutes(first.start),
		Detail:   fmt.Sprintf("%s outside trading sessions", now.Format("15:04")),
	}
}
