// Package news implements the economic-calendar blackout filter. The
// calendar source itself is a collaborator behind the Calendar interface.
package news

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
	"go.uber.org/zap"
)

// refreshInterval is the floor between calendar fetches.
const refreshInterval = time.Hour

// Calendar supplies upcoming economic events.
type Calendar interface {
	FetchEvents(ctx context.Context) ([]types.NewsEvent, error)
}

// Filter answers should-avoid-trading queries against the cached calendar.
type Filter struct {
	logger   *zap.Logger
	calendar Calendar
	settings types.NewsFilterSettings
	clock    func() time.Time

	mu        sync.RWMutex
	events    []types.NewsEvent
	lastFetch time.Time
}

// NewFilter creates a blackout filter over the given calendar.
func NewFilter(logger *zap.Logger, calendar Calendar, settings types.NewsFilterSettings) *Filter {
	return &Filter{
		logger:   logger.Named("news"),
		calendar: calendar,
		settings: settings,
		clock:    time.Now,
	}
}

// SetClock replaces the time source for tests.
func (f *Filter) SetClock(clock func() time.Time) { f.clock = clock }

// RefreshIfDue fetches the calendar when the hourly window has passed. A
// fetch failure keeps the previous events and does not bump the window,
// so the next tick retries.
func (f *Filter) RefreshIfDue(ctx context.Context) {
	if !f.settings.Enabled || f.calendar == nil {
		return
	}
	f.mu.RLock()
	due := f.clock().Sub(f.lastFetch) >= refreshInterval
	f.mu.RUnlock()
	if !due {
		return
	}

	events, err := f.calendar.FetchEvents(ctx)
	if err != nil {
		f.logger.Warn("Calendar fetch failed, keeping previous events", zap.Error(err))
		return
	}
	f.mu.Lock()
	f.events = events
	f.lastFetch = f.clock()
	f.mu.Unlock()
	f.logger.Info("News calendar refreshed", zap.Int("events", len(events)))
}

// ShouldAvoidTrading reports whether the symbol sits inside a blackout
// window, returning the blocking event when so.
func (f *Filter) ShouldAvoidTrading(symbol string) (bool, *types.NewsEvent) {
	if !f.settings.Enabled {
		return false, nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	now := f.clock()
	before := time.Duration(f.settings.MinutesBefore) * time.Minute
	after := time.Duration(f.settings.MinutesAfter) * time.Minute
	for i := range f.events {
		ev := &f.events[i]
		if !impactAtLeast(ev.Impact, f.settings.MinImpact) {
			continue
		}
		if !affects(symbol, ev.Currency) {
			continue
		}
		if now.After(ev.EventTime.Add(-before)) && now.Before(ev.EventTime.Add(after)) {
			return true, ev
		}
	}
	return false, nil
}

var impactRank = map[types.NewsImpact]int{
	types.NewsImpactLow:    1,
	types.NewsImpactMedium: 2,
	types.NewsImpactHigh:   3,
}

func impactAtLeast(impact, min types.NewsImpact) bool {
	if min == "" {
		return true
	}
	return impactRank[impact] >= impactRank[min]
}

// affects reports whether an event currency touches a canonical symbol.
// USD events also hit USD-denominated metals, indices and energy.
func affects(symbol, currency string) bool {
	if currency == "" {
		return false
	}
	currency = strings.ToUpper(currency)
	if strings.Contains(symbol, currency) {
		return true
	}
	if currency == "USD" && !strings.Contains(symbol, "_") {
		// Index and commodity codes (US30, NAS100, WTI) trade in USD.
		return true
	}
	return false
}
