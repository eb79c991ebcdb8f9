package risk

import (
	"errors"
	"math"
	"testing"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

func approx(t *testing.T, got, want, tol float64, label string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Fatalf("%s = %v, want %v", label, got, want)
	}
}

func TestFixGeometryFlipsInvertedStops(t *testing.T) {
	g := Geometry{Side: types.DirectionLong, Entry: 1.08000, StopLoss: 1.08500, TakeProfit: 1.07500}
	fixed, changed := FixGeometry(g, 1.5, "EUR_USD")
	if !changed {
		t.Fatal("inverted geometry must be flagged as changed")
	}
	if fixed.StopLoss >= fixed.Entry {
		t.Fatalf("SL still on the wrong side: %+v", fixed)
	}
	approx(t, fixed.Entry-fixed.StopLoss, 1.08*HardStopFraction, 1e-4, "default SL distance")
	if fixed.TakeProfit <= fixed.Entry {
		t.Fatalf("TP still on the wrong side: %+v", fixed)
	}
}

func TestFixGeometryClipsWideStop(t *testing.T) {
	// 200 pips on EURUSD is ~1.85% of price, past the 0.5% ceiling.
	g := Geometry{Side: types.DirectionShort, Entry: 1.08000, StopLoss: 1.10000, TakeProfit: 1.06000}
	fixed, changed := FixGeometry(g, 1.5, "EUR_USD")
	if !changed {
		t.Fatal("over-wide SL must be clipped")
	}
	approx(t, fixed.StopLoss-fixed.Entry, 1.08*HardStopFraction, 1e-4, "clipped SL distance")
}

func TestClampRiskRewardToBracketEdge(t *testing.T) {
	// Seed: entry 1.08, SL 1.078, TP 1.086 → R:R 3 with max 2.2 → TP 1.08440.
	g := Geometry{Side: types.DirectionLong, Entry: 1.08000, StopLoss: 1.07800, TakeProfit: 1.08600}
	clamped, changed := ClampRiskReward(g, 1.5, 2.2, "EUR_USD")
	if !changed {
		t.Fatal("R:R 3.0 must be clamped at max 2.2")
	}
	approx(t, clamped.TakeProfit, 1.08440, 1e-5, "clamped TP")

	// Inside the bracket nothing moves.
	if _, changed := ClampRiskReward(clamped, 1.5, 2.2, "EUR_USD"); changed {
		t.Fatal("in-bracket geometry must not change")
	}
}

func TestMinStopDistance(t *testing.T) {
	spec := types.InstrumentSpec{Symbol: "EUR_USD", PointSize: 0.00001, StopsLevel: 50, FreezeLevel: 20}
	// stops 50pt = 0.0005, spread 0.0004*1.5 = 0.0006 wins.
	d := MinStopDistance(spec, 0.0004, 1.0)
	approx(t, d, 0.0006, 1e-9, "min distance")

	// Retry multiplier scales the whole floor.
	d = MinStopDistance(spec, 0.0004, 1.35)
	approx(t, d, 0.0006*1.35, 1e-9, "widened distance")

	// Empty spec still yields the 10-point floor from the derived point.
	d = MinStopDistance(types.InstrumentSpec{Symbol: "EUR_USD"}, 0, 1.0)
	if d <= 0 {
		t.Fatalf("min distance with empty spec = %v", d)
	}
}

func TestFallbackWiden(t *testing.T) {
	// Attempt 1 on a 42100 index: price fraction dominates 12 pips.
	d := FallbackWiden(42100, 1.0, 1)
	approx(t, d, 42100*0.0022, 1e-6, "fallback attempt 1")
	// The fraction saturates at 0.008.
	d = FallbackWiden(42100, 1.0, 20)
	approx(t, d, 42100*0.008, 1e-6, "fallback saturation")
	// EURUSD at attempt 1: the price fraction still beats the 12-pip floor.
	d = FallbackWiden(1.08, 0.0001, 1)
	approx(t, d, 1.08*0.0022, 1e-9, "fallback fx attempt 1")
	// Low-priced pair at attempt 0: the 12-pip floor dominates.
	d = FallbackWiden(0.65, 0.0001, 0)
	approx(t, d, 12*0.0001, 1e-9, "fallback pip floor")
}

func TestEnforceBrokerMinimumPushesStops(t *testing.T) {
	spec := types.InstrumentSpec{Symbol: "US30", PointSize: 1, StopsLevel: 10}
	tick := types.Tick{Symbol: "US30", Bid: 42100, Ask: 42103}
	g := Geometry{Side: types.DirectionShort, Entry: 42100, StopLoss: 42105, TakeProfit: 41950}

	minDist := MinStopDistance(spec, tick.Spread(), 1.0)
	fixed, changed := EnforceBrokerMinimum(g, tick, minDist, spec)
	if !changed {
		t.Fatal("too-tight SL must be pushed out")
	}
	if fixed.StopLoss < tick.Ask+minDist {
		t.Fatalf("SL %v still inside min distance %v from ask %v", fixed.StopLoss, minDist, tick.Ask)
	}
	// TP at 150 points is far outside the floor and must not move.
	approx(t, fixed.TakeProfit, 41950, 1e-9, "TP untouched")
}

func TestSizeSeedScenario(t *testing.T) {
	// balance 10000, risk 1%, entry 1.08, SL 1.078 → 20 pips, $10/pip → 0.50 lots.
	out, err := Size(Inputs{
		Symbol:          "EUR_USD",
		Geometry:        Geometry{Side: types.DirectionLong, Entry: 1.08000, StopLoss: 1.07800, TakeProfit: 1.08440},
		Balance:         10000,
		MarginAvailable: 9800,
		RiskPercent:     1,
		Spec:            types.InstrumentSpec{Symbol: "EUR_USD", MinVolume: 0.01, VolumeStep: 0.01, ContractSize: 100000},
		Leverage:        100,
	})
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	approx(t, out.RiskAmount, 100, 1e-9, "risk amount")
	approx(t, out.SLPips, 20, 1e-6, "sl pips")
	approx(t, out.Lots, 0.50, 1e-9, "lots")
	if !out.PipFallback {
		t.Fatal("spec without tick data must take the pip-value fallback")
	}
	if out.SLTightened || out.MarginCapped {
		t.Fatalf("no adjustment expected: %+v", out)
	}
}

func TestSizeUsesSpecTickValue(t *testing.T) {
	out, err := Size(Inputs{
		Symbol:   "EUR_USD",
		Geometry: Geometry{Side: types.DirectionLong, Entry: 1.08000, StopLoss: 1.07800},
		Balance:  10000, MarginAvailable: 9800, RiskPercent: 1,
		Spec: types.InstrumentSpec{
			Symbol: "EUR_USD", MinVolume: 0.01, VolumeStep: 0.01,
			TickSize: 0.00001, TickValue: 1.0, ContractSize: 100000,
		},
		Leverage: 100,
	})
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if out.PipFallback {
		t.Fatal("tick data present, fallback must not trigger")
	}
	approx(t, out.PipValuePerLot, 10, 1e-9, "pip value from tick data")
}

func TestSizeTightensStopBelowMinLot(t *testing.T) {
	// Tiny balance: raw lot under 0.01 → SL tightened, risk held at budget.
	out, err := Size(Inputs{
		Symbol:   "EUR_USD",
		Geometry: Geometry{Side: types.DirectionLong, Entry: 1.08000, StopLoss: 1.07500, TakeProfit: 1.09000},
		Balance:  100, MarginAvailable: 95, RiskPercent: 1,
		Spec:     types.InstrumentSpec{Symbol: "EUR_USD", MinVolume: 0.01, VolumeStep: 0.01, ContractSize: 1000},
		Leverage: 100,
	})
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if !out.SLTightened {
		t.Fatal("expected SL tightening")
	}
	approx(t, out.Lots, 0.01, 1e-9, "minimum lot")
	// 1.00 risk at min lot and $10/pip → 10 pips.
	approx(t, out.SLPips, 10, 1e-6, "tightened pips")
	if out.Geometry.StopLoss >= 1.08000 || out.Geometry.StopLoss <= 1.07500 {
		t.Fatalf("tightened SL out of range: %v", out.Geometry.StopLoss)
	}
}

func TestSizeMarginCap(t *testing.T) {
	// Seed: margin_available 50, margin_per_lot 200 → cap 50·0.9/200 = 0.225,
	// floored to 0.22 on the step grid so the budget is never exceeded.
	spec := types.InstrumentSpec{Symbol: "EUR_USD", MinVolume: 0.01, VolumeStep: 0.01, ContractSize: 20000}
	out, err := Size(Inputs{
		Symbol:   "EUR_USD",
		Geometry: Geometry{Side: types.DirectionLong, Entry: 1.00000, StopLoss: 0.99800},
		Balance:  10000, MarginAvailable: 50, RiskPercent: 1,
		Spec:     spec,
		Leverage: 100, // 20000 * 1.0 / 100 = 200 margin per lot
	})
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if !out.MarginCapped {
		t.Fatal("expected margin cap")
	}
	approx(t, out.Lots, 0.22, 1e-9, "margin-capped lots")
}

func TestSizeRejectsCapBelowMinLot(t *testing.T) {
	// margin_available 9, margin_per_lot 1080 → cap 9·0.9/1080 = 0.0075.
	// Rounding up would submit the minimum lot at over 2× the budget; the
	// floored cap lands at zero and the order is rejected instead.
	_, err := Size(Inputs{
		Symbol:   "EUR_USD",
		Geometry: Geometry{Side: types.DirectionLong, Entry: 1.08000, StopLoss: 1.07800},
		Balance:  10000, MarginAvailable: 9, RiskPercent: 1,
		Spec:     types.InstrumentSpec{Symbol: "EUR_USD", MinVolume: 0.01, VolumeStep: 0.01, ContractSize: 100000},
		Leverage: 100,
	})
	if !errors.Is(err, ErrInsufficientMargin) {
		t.Fatalf("err = %v, want ErrInsufficientMargin", err)
	}
}

func TestFloorToStepKeepsExactSteps(t *testing.T) {
	approx(t, floorToStep(0.01, 0.01), 0.01, 1e-12, "exact step survives")
	approx(t, floorToStep(0.0075, 0.01), 0, 1e-12, "partial step floors")
	approx(t, floorToStep(0.225, 0.01), 0.22, 1e-12, "half step floors")
}

func TestSizeInsufficientMargin(t *testing.T) {
	spec := types.InstrumentSpec{Symbol: "EUR_USD", MinVolume: 0.01, VolumeStep: 0.01, ContractSize: 20000}
	_, err := Size(Inputs{
		Symbol:   "EUR_USD",
		Geometry: Geometry{Side: types.DirectionLong, Entry: 1.00000, StopLoss: 0.99800},
		Balance:  10000, MarginAvailable: 1, RiskPercent: 1, // cap 0.9/200 = 0.0045 < 0.01
		Spec:     spec,
		Leverage: 100,
	})
	if !errors.Is(err, ErrInsufficientMargin) {
		t.Fatalf("err = %v, want ErrInsufficientMargin", err)
	}
	if err.Error() != "margine insufficiente" {
		t.Fatalf("rejection reason = %q", err.Error())
	}
}

func TestSizeMaxLotCeiling(t *testing.T) {
	out, err := Size(Inputs{
		Symbol:   "EUR_USD",
		Geometry: Geometry{Side: types.DirectionLong, Entry: 1.08000, StopLoss: 1.07990}, // 1 pip
		Balance:  1000000, MarginAvailable: 1000000, RiskPercent: 5,
		Spec:     types.InstrumentSpec{Symbol: "EUR_USD", MinVolume: 0.01, VolumeStep: 0.01, ContractSize: 100000},
		Leverage: 500,
	})
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	approx(t, out.Lots, MaxLot, 1e-9, "lot ceiling")
}
