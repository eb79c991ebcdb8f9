package instrument_test

import (
	"testing"
	"time"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/instrument"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
	"go.uber.org/zap"
)

func TestCanonical(t *testing.T) {
	cases := map[string]string{
		"EUR/USD":  "EUR_USD",
		"EURUSD":   "EUR_USD",
		"EUR_USD":  "EUR_USD",
		" eurusd ": "EUR_USD",
		"GOLD":     "XAU_USD",
		"XAUUSD":   "XAU_USD",
		"USOIL":    "WTI_USD",
		"GER40":    "DE40",
		"DAX":      "DE40",
		"US30":     "US30",
		"NAS100":   "NAS100",
		"USDJPY":   "USD_JPY",
		"BTCUSD":   "BTC_USD",
	}
	for raw, want := range cases {
		if got := instrument.Canonical(raw); got != want {
			t.Errorf("Canonical(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestCanonicalStripsTradeableSuffixes(t *testing.T) {
	cases := map[string]string{
		"EURUSD+":    "EUR_USD",
		"EURUSDm":    "EUR_USD",
		"eurusd.":    "EUR_USD",
		"XAUUSD.raw": "XAU_USD",
		"GBPUSD.pro": "GBP_USD",
		"US500.stp":  "US500",
		"XAUUSDm":    "XAU_USD",
		"US30m":      "US30",
		// A bare trailing M that is part of the quote currency stays.
		"EURBAM": "EUR_BAM",
	}
	for raw, want := range cases {
		if got := instrument.Canonical(raw); got != want {
			t.Errorf("Canonical(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestCanonicalIdempotent(t *testing.T) {
	for _, sym := range []string{"EUR/USD", "GOLD", "US30", "WTI_USD", "NATGAS_USD", "XPT_USD", "USDJPY", "EURUSD+", "XAUUSD.raw"} {
		once := instrument.Canonical(sym)
		twice := instrument.Canonical(once)
		if once != twice {
			t.Errorf("Canonical not idempotent for %q: %q != %q", sym, once, twice)
		}
	}
}

func TestPipSizeAndDecimals(t *testing.T) {
	cases := []struct {
		sym      string
		pip      float64
		decimals int
	}{
		{"EUR_USD", 0.0001, 5},
		{"USD_JPY", 0.01, 3},
		{"XAU_USD", 0.10, 2},
		{"XAG_USD", 0.01, 2},
		{"WTI_USD", 0.01, 2},
		{"US30", 1.0, 1},
	}
	for _, c := range cases {
		if got := instrument.PipSize(c.sym); got != c.pip {
			t.Errorf("PipSize(%s) = %g, want %g", c.sym, got, c.pip)
		}
		if got := instrument.Decimals(c.sym); got != c.decimals {
			t.Errorf("Decimals(%s) = %d, want %d", c.sym, got, c.decimals)
		}
	}
}

func TestRoundPrice(t *testing.T) {
	if got := instrument.RoundPrice("EUR_USD", 1.084404999); got != 1.08440 {
		t.Errorf("RoundPrice = %v, want 1.08440", got)
	}
	if got := instrument.RoundPrice("US30", 42100.26); got != 42100.3 {
		t.Errorf("RoundPrice = %v, want 42100.3", got)
	}
}

func tick(bid, ask float64) types.Tick {
	return types.Tick{Bid: bid, Ask: ask, Time: time.Now()}
}

func TestGuardRejectsWrongSymbolPrice(t *testing.T) {
	g := instrument.NewGuard(zap.NewNop())
	// S5: bid=35.0 ask=35.1 for EUR_USD is far outside FX bounds.
	if err := g.Check("EUR_USD", tick(35.0, 35.1)); err == nil {
		t.Fatal("expected out-of-bounds rejection")
	}
	// Rejection must not poison the reference cache: a sane tick then passes.
	if err := g.Check("EUR_USD", tick(1.07998, 1.08002)); err != nil {
		t.Fatalf("sane tick rejected after prior rejection: %v", err)
	}
}

func TestGuardRejectsCrossedAndWideQuotes(t *testing.T) {
	g := instrument.NewGuard(zap.NewNop())
	if err := g.Check("EUR_USD", tick(1.0810, 1.0800)); err == nil {
		t.Error("expected crossed-quote rejection")
	}
	// 6% spread on FX exceeds the 5% cap.
	if err := g.Check("EUR_USD", tick(1.00, 1.062)); err == nil {
		t.Error("expected wide-spread rejection")
	}
}

func TestGuardMidRatioWindow(t *testing.T) {
	g := instrument.NewGuard(zap.NewNop())
	now := time.Now()
	g.SetClock(func() time.Time { return now })

	if err := g.Check("EUR_USD", tick(1.0799, 1.0801)); err != nil {
		t.Fatalf("baseline tick rejected: %v", err)
	}
	// 4x jump within the window exceeds the 3x FX limit.
	if err := g.Check("EUR_USD", tick(4.3199, 4.3201)); err == nil {
		t.Error("expected mid-ratio rejection inside window")
	}
	// After the window lapses the reference is discarded.
	now = now.Add(2 * time.Hour)
	if err := g.Check("EUR_USD", tick(4.3199, 4.3201)); err != nil {
		t.Errorf("stale reference should not reject: %v", err)
	}
}
