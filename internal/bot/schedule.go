package bot

import (
	"time"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

// InTradingWindow reports whether now (taken in UTC) falls inside the
// account's trading hours. The window is [start, end) and does not wrap.
func InTradingWindow(cfg types.BotConfig, now time.Time) bool {
	now = now.UTC()
	if !cfg.TradeOnWeekends {
		if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}
	h := now.Hour()
	return h >= cfg.TradingStartHour && h < cfg.TradingEndHour
}
