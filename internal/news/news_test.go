package news

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
	"go.uber.org/zap"
)

type stubCalendar struct {
	events []types.NewsEvent
	err    error
	calls  atomic.Int64
}

func (s *stubCalendar) FetchEvents(ctx context.Context) ([]types.NewsEvent, error) {
	s.calls.Add(1)
	return s.events, s.err
}

func settings() types.NewsFilterSettings {
	return types.NewsFilterSettings{
		Enabled:       true,
		MinImpact:     types.NewsImpactHigh,
		MinutesBefore: 30,
		MinutesAfter:  15,
	}
}

func TestBlackoutWindow(t *testing.T) {
	eventTime := time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)
	cal := &stubCalendar{events: []types.NewsEvent{
		{Title: "NFP", Currency: "USD", Impact: types.NewsImpactHigh, EventTime: eventTime},
	}}
	f := NewFilter(zap.NewNop(), cal, settings())

	// 20 minutes before a high-impact USD event: EUR_USD is blocked.
	now := eventTime.Add(-20 * time.Minute)
	f.SetClock(func() time.Time { return now })
	f.RefreshIfDue(context.Background())

	blocked, ev := f.ShouldAvoidTrading("EUR_USD")
	if !blocked || ev == nil || ev.Title != "NFP" {
		t.Fatalf("expected blackout, got blocked=%v ev=%+v", blocked, ev)
	}

	// Symbols without the currency pass.
	if blocked, _ := f.ShouldAvoidTrading("EUR_GBP"); blocked {
		t.Fatal("EUR_GBP must not be blocked by a USD event")
	}

	// USD-denominated index codes are blocked too.
	if blocked, _ := f.ShouldAvoidTrading("US30"); !blocked {
		t.Fatal("US30 must be blocked by a USD event")
	}

	// Outside the window nothing blocks.
	now = eventTime.Add(-45 * time.Minute)
	if blocked, _ := f.ShouldAvoidTrading("EUR_USD"); blocked {
		t.Fatal("45 minutes ahead is outside the 30-minute window")
	}
	now = eventTime.Add(20 * time.Minute)
	if blocked, _ := f.ShouldAvoidTrading("EUR_USD"); blocked {
		t.Fatal("20 minutes after is outside the 15-minute tail")
	}
}

func TestImpactThreshold(t *testing.T) {
	eventTime := time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)
	cal := &stubCalendar{events: []types.NewsEvent{
		{Title: "PMI", Currency: "EUR", Impact: types.NewsImpactMedium, EventTime: eventTime},
	}}
	f := NewFilter(zap.NewNop(), cal, settings())
	f.SetClock(func() time.Time { return eventTime.Add(-5 * time.Minute) })
	f.RefreshIfDue(context.Background())

	if blocked, _ := f.ShouldAvoidTrading("EUR_USD"); blocked {
		t.Fatal("medium impact must not trip a HIGH threshold")
	}

	cfg := settings()
	cfg.MinImpact = types.NewsImpactMedium
	f2 := NewFilter(zap.NewNop(), cal, cfg)
	f2.SetClock(func() time.Time { return eventTime.Add(-5 * time.Minute) })
	f2.RefreshIfDue(context.Background())
	if blocked, _ := f2.ShouldAvoidTrading("EUR_USD"); !blocked {
		t.Fatal("medium impact must trip a MEDIUM threshold")
	}
}

func TestRefreshAtMostHourly(t *testing.T) {
	cal := &stubCalendar{}
	f := NewFilter(zap.NewNop(), cal, settings())
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	f.SetClock(func() time.Time { return now })

	f.RefreshIfDue(context.Background())
	f.RefreshIfDue(context.Background())
	if cal.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 inside the hour", cal.calls.Load())
	}

	now = now.Add(61 * time.Minute)
	f.RefreshIfDue(context.Background())
	if cal.calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2 after the hour", cal.calls.Load())
	}
}

func TestRefreshFailureKeepsEventsAndRetries(t *testing.T) {
	eventTime := time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)
	cal := &stubCalendar{events: []types.NewsEvent{
		{Title: "CPI", Currency: "USD", Impact: types.NewsImpactHigh, EventTime: eventTime},
	}}
	f := NewFilter(zap.NewNop(), cal, settings())
	now := eventTime.Add(-10 * time.Minute)
	f.SetClock(func() time.Time { return now })
	f.RefreshIfDue(context.Background())

	cal.err = errors.New("calendar down")
	now = now.Add(2 * time.Hour)
	f.RefreshIfDue(context.Background())
	// Failure keeps the old events and leaves the window open for retry.
	f.RefreshIfDue(context.Background())
	if cal.calls.Load() != 3 {
		t.Fatalf("calls = %d, want retry on every tick after failure", cal.calls.Load())
	}
}

func TestDisabledFilterNeverBlocks(t *testing.T) {
	cfg := settings()
	cfg.Enabled = false
	cal := &stubCalendar{}
	f := NewFilter(zap.NewNop(), cal, cfg)
	f.RefreshIfDue(context.Background())
	if cal.calls.Load() != 0 {
		t.Fatal("disabled filter must not fetch")
	}
	if blocked, _ := f.ShouldAvoidTrading("EUR_USD"); blocked {
		t.Fatal("disabled filter must not block")
	}
}
