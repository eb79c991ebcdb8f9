// Package consensus aggregates per-model AI opinions into a single
// tradable verdict and applies the entry criteria.
package consensus

import (
	"math"
	"time"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/instrument"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

const (
	strongSignalAgree      = 4
	strongSignalConfidence = 70.0
	alignmentThreshold     = 80.0
)

// Aggregate reduces the opinion set to a consensus. Errored and HOLD
// opinions are dropped before tallying; a tie between LONG and SHORT goes
// to the side with the higher mean confidence.
func Aggregate(symbol string, opinions []types.Opinion) types.Consensus {
	c := types.Consensus{
		Symbol:    symbol,
		Direction: types.DirectionHold,
		Opinions:  opinions,
		Timestamp: time.Now().UTC(),
	}

	var valid []types.Opinion
	for _, op := range opinions {
		if op.Valid() {
			valid = append(valid, op)
		}
	}
	c.TotalModels = len(valid)
	if len(valid) == 0 {
		return c
	}

	var long, short []types.Opinion
	for _, op := range valid {
		if op.Direction == types.DirectionLong {
			long = append(long, op)
		} else {
			short = append(short, op)
		}
	}

	winner := long
	c.Direction = types.DirectionLong
	switch {
	case len(short) > len(long):
		winner, c.Direction = short, types.DirectionShort
	case len(short) == len(long):
		if meanConfidence(short) > meanConfidence(long) {
			winner, c.Direction = short, types.DirectionShort
		}
	}

	c.ModelsAgree = len(winner)
	c.Confidence = meanConfidence(winner)
	c.IsStrongSignal = c.ModelsAgree >= strongSignalAgree && c.Confidence >= strongSignalConfidence

	decimals := instrument.Decimals(symbol)
	c.Entry = meanField(winner, decimals, func(op types.Opinion) *float64 { return op.Entry })
	c.StopLoss = meanField(winner, decimals, func(op types.Opinion) *float64 { return op.StopLoss })
	c.TakeProfit = meanField(winner, decimals, func(op types.Opinion) *float64 { return firstTakeProfit(op) })
	c.BreakEvenTrigger = meanField(winner, decimals, func(op types.Opinion) *float64 { return op.BreakEvenTrigger })
	c.TrailingStopPips = meanField(winner, 1, func(op types.Opinion) *float64 { return op.TrailingStopPips })
	return c
}

// AggregateMultiTimeframe computes per-timeframe consensus and the
// alignment of the per-TF winners with the overall verdict. The overall
// consensus is aggregated over all opinions together.
func AggregateMultiTimeframe(symbol string, byTF map[types.Timeframe][]types.Opinion) types.Consensus {
	var all []types.Opinion
	for _, ops := range byTF {
		all = append(all, ops...)
	}
	c := Aggregate(symbol, all)
	if len(byTF) < 2 || c.Direction == types.DirectionHold {
		return c
	}

	nonHold, agreeing := 0, 0
	for tf, ops := range byTF {
		sub := Aggregate(symbol, ops)
		if sub.Direction == types.DirectionHold {
			continue
		}
		nonHold++
		if sub.Direction == c.Direction {
			agreeing++
			c.Timeframes = append(c.Timeframes, tf)
		}
	}
	if nonHold > 0 {
		c.TimeframeAlignment = float64(agreeing) / float64(nonHold) * 100
		c.IsAligned = c.TimeframeAlignment >= alignmentThreshold
	}
	return c
}

// EntryDecision is the verdict of the entry criteria with the first
// failing reason, empty when the trade may proceed.
type EntryDecision struct {
	Enter  bool
	Reason string
}

// ShouldEnter applies the entry criteria in order, returning the first
// failure. multiTF marks a multi-timeframe analysis, which additionally
// requires alignment.
func ShouldEnter(c types.Consensus, cfg types.BotConfig, multiTF bool) EntryDecision {
	if c.Direction == types.DirectionHold {
		return EntryDecision{Reason: "no directional consensus"}
	}
	if c.Confidence < cfg.MinConfidence {
		return EntryDecision{Reason: "confidence below threshold"}
	}
	needAgree := cfg.MinModelsAgree
	if c.TotalModels < needAgree {
		needAgree = c.TotalModels
	}
	if c.ModelsAgree < needAgree {
		return EntryDecision{Reason: "insufficient model agreement"}
	}
	if c.StopLoss == nil || c.TakeProfit == nil {
		return EntryDecision{Reason: "missing stop loss or take profit"}
	}
	if multiTF && !c.IsAligned {
		return EntryDecision{Reason: "timeframes not aligned"}
	}
	return EntryDecision{Enter: true}
}

func meanConfidence(ops []types.Opinion) float64 {
	if len(ops) == 0 {
		return 0
	}
	sum := 0.0
	for _, op := range ops {
		sum += op.Confidence
	}
	return sum / float64(len(ops))
}

// meanField averages the non-null values of one field over the agreeing
// set, rounded to the given decimals. Nil when no opinion carried it.
func meanField(ops []types.Opinion, decimals int, get func(types.Opinion) *float64) *float64 {
	sum, n := 0.0, 0
	for _, op := range ops {
		if v := get(op); v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	scale := math.Pow(10, float64(decimals))
	mean := math.Round(sum/float64(n)*scale) / scale
	return &mean
}

func firstTakeProfit(op types.Opinion) *float64 {
	if len(op.TakeProfits) == 0 {
		return nil
	}
	return &op.TakeProfits[0]
}
