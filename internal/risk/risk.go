// Package risk holds the order pipeline's pure math: stop/target geometry,
// broker minimum distances, pip values and position sizing.
package risk

import (
	"errors"
	"math"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/instrument"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

const (
	// MaxLot is the absolute lot ceiling regardless of account size.
	MaxLot = 5.0
	// MinLot is the floor every sizing result respects.
	MinLot = 0.01
	// HardStopFraction caps SL distance at this fraction of price,
	// uniform across asset classes.
	HardStopFraction = 0.005
	// MarginSafety keeps a slice of free margin unspent.
	MarginSafety = 0.90
)

// ErrInsufficientMargin is returned when even the minimum lot does not fit
// the margin budget. The message is the user-facing rejection reason.
var ErrInsufficientMargin = errors.New("margine insufficiente")

// Geometry carries entry/SL/TP through the pipeline's adjustment stages.
type Geometry struct {
	Side       types.Direction
	Entry      float64
	StopLoss   float64
	TakeProfit float64
}

// RR returns the geometry's risk-reward ratio, 0 when degenerate.
func (g Geometry) RR() float64 {
	riskDist := math.Abs(g.Entry - g.StopLoss)
	rewardDist := math.Abs(g.TakeProfit - g.Entry)
	if riskDist <= 0 {
		return 0
	}
	return rewardDist / riskDist
}

// FixGeometry validates that SL/TP sit on the correct side of entry,
// flipping inverted legs to a default distance of HardStopFraction of price
// and rebuilding TP at minRR. An SL farther than the hard ceiling is
// clipped to it. Returns the fixed geometry and whether anything changed.
func FixGeometry(g Geometry, minRR float64, symbol string) (Geometry, bool) {
	defaultDist := g.Entry * HardStopFraction
	changed := false

	switch g.Side {
	case types.DirectionLong:
		if g.StopLoss <= 0 || g.StopLoss >= g.Entry {
			g.StopLoss = g.Entry - defaultDist
			g.TakeProfit = g.Entry + minRR*defaultDist
			changed = true
		}
		if g.Entry-g.StopLoss > defaultDist {
			g.StopLoss = g.Entry - defaultDist
			changed = true
		}
		if g.TakeProfit <= g.Entry {
			g.TakeProfit = g.Entry + minRR*(g.Entry-g.StopLoss)
			changed = true
		}
	case types.DirectionShort:
		if g.StopLoss <= 0 || g.StopLoss <= g.Entry {
			g.StopLoss = g.Entry + defaultDist
			g.TakeProfit = g.Entry - minRR*defaultDist
			changed = true
		}
		if g.StopLoss-g.Entry > defaultDist {
			g.StopLoss = g.Entry + defaultDist
			changed = true
		}
		if g.TakeProfit >= g.Entry || g.TakeProfit <= 0 {
			g.TakeProfit = g.Entry - minRR*(g.StopLoss-g.Entry)
			changed = true
		}
	}
	if changed {
		g = RoundGeometry(g, symbol)
	}
	return g, changed
}

// ClampRiskReward moves TP to the nearest bracket edge when R:R falls
// outside [minRR, maxRR].
func ClampRiskReward(g Geometry, minRR, maxRR float64, symbol string) (Geometry, bool) {
	rr := g.RR()
	if rr == 0 {
		return g, false
	}
	const eps = 1e-9
	target := rr
	if rr < minRR-eps {
		target = minRR
	} else if rr > maxRR+eps {
		target = maxRR
	}
	if target == rr {
		return g, false
	}
	riskDist := math.Abs(g.Entry - g.StopLoss)
	if g.Side == types.DirectionLong {
		g.TakeProfit = g.Entry + target*riskDist
	} else {
		g.TakeProfit = g.Entry - target*riskDist
	}
	return RoundGeometry(g, symbol), true
}

// MinStopDistance computes the broker's effective minimum stop distance in
// price units: max(stops_level, freeze_level, 1.5·spread, 10·point) scaled
// by the retry multiplier. Missing spec fields contribute zero.
func MinStopDistance(spec types.InstrumentSpec, spread float64, multiplier float64) float64 {
	point := spec.PointSize
	if point <= 0 {
		point = instrument.PipSize(spec.Symbol) / 10
	}
	dist := math.Max(spec.StopsLevel*point, spec.FreezeLevel*point)
	dist = math.Max(dist, 1.5*spread)
	dist = math.Max(dist, 10*point)
	if multiplier > 1 {
		dist *= multiplier
	}
	return dist
}

// FallbackWiden returns the stop-widening floor applied when the regular
// min-distance bump would not move the stops.
func FallbackWiden(price, pip float64, attempt int) float64 {
	frac := math.Min(0.008, 0.0015+0.0007*float64(attempt))
	return math.Max(12*pip, price*frac)
}

// EnforceBrokerMinimum pushes SL/TP out past the minimum distance measured
// from the reference side of the book (bid for LONG-SL, ask for SHORT-SL),
// overshooting by one point. Returns whether anything moved.
func EnforceBrokerMinimum(g Geometry, tick types.Tick, minDist float64, spec types.InstrumentSpec) (Geometry, bool) {
	point := spec.PointSize
	if point <= 0 {
		point = instrument.PipSize(spec.Symbol) / 10
	}
	changed := false
	if g.Side == types.DirectionLong {
		if g.StopLoss > tick.Bid-minDist {
			g.StopLoss = tick.Bid - minDist - point
			changed = true
		}
		if g.TakeProfit < tick.Ask+minDist {
			g.TakeProfit = tick.Ask + minDist + point
			changed = true
		}
	} else {
		if g.StopLoss < tick.Ask+minDist {
			g.StopLoss = tick.Ask + minDist + point
			changed = true
		}
		if g.TakeProfit > tick.Bid-minDist {
			g.TakeProfit = tick.Bid - minDist - point
			changed = true
		}
	}
	if changed {
		g = RoundGeometry(g, spec.Symbol)
	}
	return g, changed
}

// RoundGeometry snaps SL/TP to the symbol's quote precision.
func RoundGeometry(g Geometry, symbol string) Geometry {
	g.StopLoss = instrument.RoundPrice(symbol, g.StopLoss)
	g.TakeProfit = instrument.RoundPrice(symbol, g.TakeProfit)
	return g
}

// pipValueDefaults are conservative per-symbol cash values of one pip for
// one standard lot, used when the broker spec lacks tick data.
var pipValueDefaults = map[string]float64{
	"XAU_USD": 10,
	"XAG_USD": 50,
	"US30":    5,
	"NAS100":  10,
	"US500":   10,
	"DE40":    25,
	"UK100":   10,
	"JP225":   10,
	"WTI":     10,
	"BRENT":   10,
}

// PipValuePerLot derives the cash value of one pip per standard lot from
// the spec's tick data, falling back to per-class defaults. The second
// return reports whether the fallback path was taken.
func PipValuePerLot(symbol string, spec types.InstrumentSpec) (float64, bool) {
	pip := instrument.PipSize(symbol)
	if spec.TickValue > 0 && spec.TickSize > 0 {
		return spec.TickValue * pip / spec.TickSize, false
	}
	if v, ok := pipValueDefaults[symbol]; ok {
		return v, true
	}
	// FX default: $10 per pip per standard lot for USD-quoted pairs and a
	// usable approximation for the rest.
	return 10, true
}

// MarginPerLot estimates the margin one lot consumes: spec-derived when
// contract size is present, per-class conservative otherwise.
func MarginPerLot(symbol string, spec types.InstrumentSpec, price float64, leverage int) float64 {
	if leverage <= 0 {
		leverage = 100
	}
	if spec.ContractSize > 0 && price > 0 {
		return spec.ContractSize * price / float64(leverage)
	}
	switch instrument.Classify(symbol) {
	case instrument.ClassMetal:
		return 100 * price / float64(leverage)
	case instrument.ClassIndex, instrument.ClassEnergy:
		return 10 * price / float64(leverage)
	default:
		return 100000 * price / float64(leverage)
	}
}

// Inputs feeds one sizing computation.
type Inputs struct {
	Symbol          string
	Geometry        Geometry
	Balance         float64
	MarginAvailable float64
	RiskPercent     float64
	Spec            types.InstrumentSpec
	Leverage        int
}

// Sizing is the outcome of the lot computation.
type Sizing struct {
	Lots           float64
	Geometry       Geometry // SL may have been tightened
	RiskAmount     float64
	SLPips         float64
	PipValuePerLot float64
	PipFallback    bool
	MarginCapped   bool
	SLTightened    bool
}

// Size computes the lot for the given risk budget. SL is tightened rather
// than risk inflated when the raw lot lands under the minimum, and the
// result is clamped to MaxLot and the margin budget. ErrInsufficientMargin
// is returned when even the minimum lot does not fit.
func Size(in Inputs) (Sizing, error) {
	pip := instrument.PipSize(in.Symbol)
	g := in.Geometry

	out := Sizing{Geometry: g}
	out.RiskAmount = in.Balance * in.RiskPercent / 100
	out.PipValuePerLot, out.PipFallback = PipValuePerLot(in.Symbol, in.Spec)

	slDist := math.Abs(g.Entry - g.StopLoss)
	if slDist <= 0 || out.RiskAmount <= 0 || out.PipValuePerLot <= 0 {
		return out, errors.New("degenerate sizing inputs")
	}
	out.SLPips = slDist / pip

	step := in.Spec.VolumeStep
	if step <= 0 {
		step = MinLot
	}
	minLot := math.Max(in.Spec.MinVolume, MinLot)

	lot := roundToStep(out.RiskAmount/(out.SLPips*out.PipValuePerLot), step)
	if lot < minLot {
		// Tighten the stop so the minimum lot carries exactly the risk
		// budget, preserving the original R:R on the target.
		rr := g.RR()
		out.SLPips = out.RiskAmount / (minLot * out.PipValuePerLot)
		newDist := out.SLPips * pip
		if g.Side == types.DirectionLong {
			g.StopLoss = g.Entry - newDist
			g.TakeProfit = g.Entry + rr*newDist
		} else {
			g.StopLoss = g.Entry + newDist
			g.TakeProfit = g.Entry - rr*newDist
		}
		out.Geometry = RoundGeometry(g, in.Symbol)
		out.SLTightened = true
		lot = minLot
	}

	if lot > MaxLot {
		lot = MaxLot
	}
	// The cap is floored onto the step grid: rounding up here would let the
	// order exceed the margin budget it is supposed to bound.
	marginCap := floorToStep(in.MarginAvailable*MarginSafety/MarginPerLot(in.Symbol, in.Spec, g.Entry, in.Leverage), step)
	if marginCap < minLot {
		return out, ErrInsufficientMargin
	}
	if lot > marginCap {
		lot = marginCap
		out.MarginCapped = true
	}
	if in.Spec.MaxVolume > 0 && lot > in.Spec.MaxVolume {
		lot = roundToStep(in.Spec.MaxVolume, step)
	}

	out.Lots = lot
	return out, nil
}

// SnapLot rounds a lot onto the broker's volume step grid.
func SnapLot(lot, step float64) float64 { return roundToStep(lot, step) }

func roundToStep(lot, step float64) float64 {
	if step <= 0 {
		step = MinLot
	}
	steps := math.Round(lot / step)
	v := steps * step
	// Strip binary noise so 0.22500000000000003 rounds cleanly.
	return math.Round(v*1e8) / 1e8
}

func floorToStep(lot, step float64) float64 {
	if step <= 0 {
		step = MinLot
	}
	// Nudge before flooring so 0.01/0.01 = 0.9999999999999999 still counts
	// as a whole step.
	steps := math.Floor(lot/step + 1e-9)
	v := steps * step
	return math.Round(v*1e8) / 1e8
}
