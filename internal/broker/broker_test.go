package broker_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
	"go.uber.org/zap"
)

func catalogue(symbols ...string) []types.Instrument {
	out := make([]types.Instrument, len(symbols))
	for i, s := range symbols {
		out[i] = types.Instrument{BrokerSymbol: s}
	}
	return out
}

func TestResolverDirectAndAlias(t *testing.T) {
	r := broker.NewResolver(zap.NewNop(), catalogue("EURUSD", "GBPUSD", "GOLD", "US30"))

	got, err := r.Resolve("EUR_USD")
	if err != nil || got != "EURUSD" {
		t.Fatalf("Resolve(EUR_USD) = %q, %v", got, err)
	}
	got, err = r.Resolve("XAU_USD")
	if err != nil || got != "GOLD" {
		t.Fatalf("Resolve(XAU_USD) = %q, %v; want GOLD", got, err)
	}
}

func TestResolverSuffixVariants(t *testing.T) {
	r := broker.NewResolver(zap.NewNop(), catalogue("EURUSD.RAW", "XAUUSD+", "GBPUSDM"))

	got, err := r.Resolve("EUR_USD")
	if err != nil || got != "EURUSD.RAW" {
		t.Fatalf("Resolve(EUR_USD) = %q, %v; want EURUSD.RAW", got, err)
	}
	got, err = r.Resolve("XAU_USD")
	if err != nil || got != "XAUUSD+" {
		t.Fatalf("Resolve(XAU_USD) = %q, %v; want XAUUSD+", got, err)
	}
	got, err = r.Resolve("GBP_USD")
	if err != nil || got != "GBPUSDM" {
		t.Fatalf("Resolve(GBP_USD) = %q, %v; want GBPUSDM", got, err)
	}
}

func TestResolverMemoizes(t *testing.T) {
	r := broker.NewResolver(zap.NewNop(), catalogue("EURUSD"))
	if _, err := r.Resolve("EUR_USD"); err != nil {
		t.Fatal(err)
	}
	if m := r.Memoized(); m["EUR_USD"] != "EURUSD" {
		t.Errorf("memoized map = %v", m)
	}
}

func TestResolverNegativeCache(t *testing.T) {
	r := broker.NewResolver(zap.NewNop(), catalogue("EURUSD"))
	now := time.Now()
	r.SetClock(func() time.Time { return now })

	if _, err := r.Resolve("ZZZ_XXX"); err == nil {
		t.Fatal("expected resolution failure")
	}
	if _, err := r.Resolve("ZZZ_XXX"); broker.KindOf(err) != broker.KindSymbolNotFound {
		t.Fatalf("expected cached SymbolNotFound, got %v", err)
	}
	now = now.Add(11 * time.Minute)
	if _, err := r.Resolve("ZZZ_XXX"); err == nil {
		t.Fatal("still unknown after window, expected failure")
	}
}

func TestResolverUntradableWindow(t *testing.T) {
	r := broker.NewResolver(zap.NewNop(), catalogue("US30"))
	now := time.Now()
	r.SetClock(func() time.Time { return now })

	r.MarkUntradable("US30", types.DirectionShort)
	if !r.Untradable("US30", types.DirectionShort) {
		t.Error("expected short side marked untradable")
	}
	if r.Untradable("US30", types.DirectionLong) {
		t.Error("long side must be unaffected")
	}
	now = now.Add(11 * time.Minute)
	if r.Untradable("US30", types.DirectionShort) {
		t.Error("mark should expire after ten minutes")
	}
}

func TestTTLCacheStaleServing(t *testing.T) {
	c := broker.NewTTLCache[int](30 * time.Second)
	now := time.Now()
	c.SetClock(func() time.Time { return now })

	c.Put("account", 42)
	if v, ok := c.Get("account"); !ok || v != 42 {
		t.Fatalf("fresh get = %d, %v", v, ok)
	}
	now = now.Add(time.Minute)
	if _, ok := c.Get("account"); ok {
		t.Error("expired entry served as fresh")
	}
	v, present, fresh := c.GetStale("account")
	if !present || fresh || v != 42 {
		t.Errorf("GetStale = %d present=%v fresh=%v", v, present, fresh)
	}
}

func TestRateGate(t *testing.T) {
	g := broker.NewRateGate()
	now := time.Now()
	g.SetClock(func() time.Time { return now })

	if g.Blocked() {
		t.Fatal("new gate must be open")
	}
	g.BlockUntil(now.Add(10 * time.Second))
	if !g.Blocked() {
		t.Fatal("gate should be closed")
	}
	// An earlier deadline never shortens the blackout.
	g.BlockUntil(now.Add(2 * time.Second))
	now = now.Add(5 * time.Second)
	if !g.Blocked() {
		t.Error("earlier deadline shortened the blackout")
	}
	now = now.Add(6 * time.Second)
	if g.Blocked() {
		t.Error("gate should have reopened")
	}
}

func TestPickWalksPaths(t *testing.T) {
	var payload map[string]any
	raw := `{"data":{"accessToken":"abc"},"margin_free":"120.5","account":{"leverage":30}}`
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatal(err)
	}

	if s, ok := broker.PickString(payload, "access_token", "token", "data.accessToken"); !ok || s != "abc" {
		t.Errorf("PickString = %q, %v", s, ok)
	}
	if f, ok := broker.PickFloat(payload, "marginFree", "margin_free"); !ok || f != 120.5 {
		t.Errorf("PickFloat = %v, %v", f, ok)
	}
	if n, ok := broker.PickInt(payload, "account.leverage"); !ok || n != 30 {
		t.Errorf("PickInt = %d, %v", n, ok)
	}
	if _, ok := broker.Pick(payload, "missing.path"); ok {
		t.Error("missing path reported as present")
	}
}

func TestClassifyRetcode(t *testing.T) {
	cases := map[int]broker.ErrorKind{
		broker.RetcodeInvalidStops: broker.KindInvalidStops,
		broker.RetcodeNoMoney:      broker.KindNoMoney,
		broker.RetcodeInvalidFill:  broker.KindInvalidFilling,
		broker.RetcodeMarketClosed: broker.KindMarketClosed,
		99999:                      broker.KindUnknown,
	}
	for code, want := range cases {
		if got := broker.ClassifyRetcode(code); got != want {
			t.Errorf("ClassifyRetcode(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestClassifyMessage(t *testing.T) {
	cases := map[string]broker.ErrorKind{
		"Invalid stops for order":   broker.KindInvalidStops,
		"insufficient margin":       broker.KindNoMoney,
		"Unsupported filling mode":  broker.KindInvalidFilling,
		"429 Too Many Requests":     broker.KindRateLimited,
		"request timed out":         broker.KindTimeout,
		"something else went wrong": broker.KindUnknown,
	}
	for msg, want := range cases {
		if got := broker.ClassifyMessage(msg); got != want {
			t.Errorf("ClassifyMessage(%q) = %s, want %s", msg, got, want)
		}
	}
}
