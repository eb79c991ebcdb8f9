// Package pipeline turns a consensus signal into a protected broker order.
// Stages run in a fixed order: exposure gate, tradability, tick sanity,
// geometry repair, R:R clamp, broker minimums, sizing, margin caps, submit
// with adaptive retries, post-fill protection check.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/instrument"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/metrics"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/risk"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

const (
	// maxAttempts bounds the submit loop, first try included.
	maxAttempts = 6
	// noMoneyShrink is applied to the lot on each NO_MONEY rejection.
	noMoneyShrink = 0.75
	// stopWidenPerRetry grows the broker minimum distance per INVALID_STOPS.
	stopWidenPerRetry = 0.35
)

// RejectError carries the stage and human-readable reason a trade was not
// placed. Callers log it and move on; it is not a transport failure.
type RejectError struct {
	Stage  string
	Reason string
}

func (e *RejectError) Error() string { return e.Stage + ": " + e.Reason }

func reject(stage, reason string) *RejectError { return &RejectError{Stage: stage, Reason: reason} }

// Intent is what the bot hands over once a consensus clears entry criteria.
type Intent struct {
	Symbol    string
	Consensus types.Consensus
	Config    types.BotConfig
	// LocalOpen is the count of trades the bot itself tracks as open.
	LocalOpen int
	// Exposed holds the canonical symbols of locally-open trades.
	Exposed map[string]bool
}

// Pipeline drives order placement for one account.
type Pipeline struct {
	logger  *zap.Logger
	adapter broker.Adapter
	guard   *instrument.Guard
	metrics *metrics.Metrics
	account string
}

func New(logger *zap.Logger, adapter broker.Adapter, guard *instrument.Guard, m *metrics.Metrics, account string) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		logger:  logger.Named("pipeline"),
		adapter: adapter,
		guard:   guard,
		metrics: m,
		account: account,
	}
}

// Execute runs the full pipeline and returns the recorded trade on fill.
func (p *Pipeline) Execute(ctx context.Context, in Intent) (*types.TradeRecord, error) {
	sym := instrument.Canonical(in.Symbol)

	if err := p.exposureGate(ctx, sym, in); err != nil {
		return nil, err
	}

	ok, reason, _ := p.adapter.CanTradeSymbol(ctx, sym, in.Consensus.Direction)
	if !ok {
		return nil, reject("tradability", reason)
	}

	tick, err := p.adapter.CurrentPrice(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("tick fetch: %w", err)
	}
	if p.guard != nil {
		if err := p.guard.Check(sym, tick); err != nil {
			return nil, reject("price sanity", err.Error())
		}
	}

	g := p.geometry(sym, in.Consensus, tick, in.Config)

	spec, err := p.adapter.SymbolSpec(ctx, sym)
	if err != nil {
		p.logger.Warn("symbol spec unavailable, using conservative defaults",
			zap.String("symbol", sym), zap.Error(err))
		spec = types.InstrumentSpec{Symbol: sym}
	}

	minDist := risk.MinStopDistance(spec, tick.Spread(), 1.0)
	if adjusted, changed := risk.EnforceBrokerMinimum(g, tick, minDist, spec); changed {
		p.logger.Info("stops pushed to broker minimum",
			zap.String("symbol", sym),
			zap.Float64("min_distance", minDist),
			zap.Float64("sl", adjusted.StopLoss),
			zap.Float64("tp", adjusted.TakeProfit))
		g = adjusted
	}

	info, err := p.adapter.AccountInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("account info: %w", err)
	}

	sizing, err := p.size(sym, g, info, spec, in.Config)
	if err != nil {
		return nil, err
	}
	g = sizing.Geometry

	// The market may have moved while we were computing; deny late rather
	// than hold a stale claim.
	if err := p.exposureGate(ctx, sym, in); err != nil {
		return nil, err
	}

	return p.submit(ctx, sym, in, g, sizing, tick, spec, info)
}

// exposureGate denies when the effective open count or per-symbol dedup
// would be violated. Broker reads degrade to local knowledge on failure.
func (p *Pipeline) exposureGate(ctx context.Context, sym string, in Intent) error {
	brokerOpen := 0
	positions, err := p.adapter.Positions(ctx)
	if err != nil {
		p.logger.Warn("positions unavailable for exposure gate", zap.Error(err))
	} else {
		brokerOpen = len(positions)
		for _, pos := range positions {
			if instrument.Canonical(pos.Symbol) == sym {
				return reject("exposure", "symbol already has an open position")
			}
		}
	}
	if in.Exposed[sym] {
		return reject("exposure", "symbol already has an open position")
	}

	pending := 0
	if orders, err := p.adapter.OpenOrders(ctx, ""); err == nil {
		for _, o := range orders {
			if o.OrderType == "" || o.OrderType == "market" {
				pending++
			}
		}
	}

	effective := in.LocalOpen
	if brokerOpen > effective {
		effective = brokerOpen
	}
	effective += pending

	limit := in.Config.MaxOpenPositions
	if limit > 0 && effective >= limit {
		return reject("exposure", fmt.Sprintf("open positions %d at limit %d", effective, limit))
	}
	return nil
}

// geometry builds the initial bracket from the consensus levels anchored on
// the side price, then repairs and clamps it.
func (p *Pipeline) geometry(sym string, c types.Consensus, tick types.Tick, cfg types.BotConfig) risk.Geometry {
	entry := tick.Ask
	if c.Direction == types.DirectionShort {
		entry = tick.Bid
	}
	g := risk.Geometry{Side: c.Direction, Entry: entry}
	if c.StopLoss != nil {
		g.StopLoss = *c.StopLoss
	}
	if c.TakeProfit != nil {
		g.TakeProfit = *c.TakeProfit
	}

	if fixed, changed := risk.FixGeometry(g, cfg.MinRiskReward, sym); changed {
		p.logger.Warn("consensus geometry repaired",
			zap.String("symbol", sym),
			zap.Float64("sl", fixed.StopLoss),
			zap.Float64("tp", fixed.TakeProfit))
		g = fixed
	}
	if clamped, changed := risk.ClampRiskReward(g, cfg.MinRiskReward, cfg.MaxRiskReward, sym); changed {
		p.logger.Info("take profit moved to risk-reward bracket",
			zap.String("symbol", sym), zap.Float64("tp", clamped.TakeProfit))
		g = clamped
	}
	return g
}

func (p *Pipeline) size(sym string, g risk.Geometry, info types.AccountInfo, spec types.InstrumentSpec, cfg types.BotConfig) (risk.Sizing, error) {
	sizing, err := risk.Size(risk.Inputs{
		Symbol:          sym,
		Geometry:        g,
		Balance:         info.Balance.InexactFloat64(),
		MarginAvailable: info.MarginAvailable.InexactFloat64(),
		RiskPercent:     cfg.RiskPerTradePercent,
		Spec:            spec,
		Leverage:        info.Leverage,
	})
	if errors.Is(err, risk.ErrInsufficientMargin) {
		p.metrics.OrdersRejected.WithLabelValues(p.account, string(broker.KindNoMoney)).Inc()
		return sizing, reject("margin", risk.ErrInsufficientMargin.Error())
	}
	if err != nil {
		return sizing, reject("sizing", err.Error())
	}
	if sizing.PipFallback {
		p.metrics.PipValueFallbacks.WithLabelValues(p.account, sym).Inc()
	}
	if sizing.SLTightened {
		p.logger.Info("stop tightened to fit minimum lot",
			zap.String("symbol", sym),
			zap.Float64("sl", sizing.Geometry.StopLoss),
			zap.Float64("sl_pips", sizing.SLPips))
	}
	return sizing, nil
}

// submit runs the adaptive retry loop. Each attempt adjusts at most one
// dimension: lot on NO_MONEY, stop distance on INVALID_STOPS, nothing on the
// transient kinds which get a single blind retry.
func (p *Pipeline) submit(ctx context.Context, sym string, in Intent, g risk.Geometry, sizing risk.Sizing, tick types.Tick, spec types.InstrumentSpec, info types.AccountInfo) (*types.TradeRecord, error) {
	pip := instrument.PipSize(sym)
	minLot := math.Max(spec.MinVolume, risk.MinLot)
	lot := sizing.Lots
	retriedBlind := false

	var last types.OrderResult
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req := types.OrderRequest{
			Symbol:        sym,
			Side:          g.Side,
			Units:         lot,
			StopLoss:      g.StopLoss,
			TakeProfit:    g.TakeProfit,
			ClientOrderID: uuid.NewString(),
			Comment:       "falange",
		}
		p.metrics.OrdersSubmitted.WithLabelValues(p.account, sym).Inc()
		p.logger.Info("submitting order",
			zap.String("symbol", sym),
			zap.Int("attempt", attempt+1),
			zap.Float64("lot", lot),
			zap.Float64("sl", g.StopLoss),
			zap.Float64("tp", g.TakeProfit))

		res := p.adapter.PlaceOrder(ctx, req)
		if res.Status == types.OrderFilled {
			return p.afterFill(ctx, sym, in, g, lot, res)
		}
		last = res

		kind := broker.ClassifyRetcode(res.Retcode)
		if kind == broker.KindUnknown && res.ErrorMessage != "" {
			kind = broker.ClassifyMessage(res.ErrorMessage)
		}
		p.logger.Warn("order attempt failed",
			zap.String("symbol", sym),
			zap.Int("attempt", attempt+1),
			zap.String("kind", string(kind)),
			zap.Int("retcode", res.Retcode),
			zap.String("message", res.ErrorMessage))

		switch kind {
		case broker.KindNoMoney:
			lot = risk.SnapLot(lot*noMoneyShrink, spec.VolumeStep)
			if lot < minLot {
				p.metrics.OrdersRejected.WithLabelValues(p.account, string(kind)).Inc()
				return nil, reject("margin", risk.ErrInsufficientMargin.Error())
			}
		case broker.KindInvalidStops:
			mult := 1 + stopWidenPerRetry*float64(attempt+1)
			widened := risk.MinStopDistance(spec, tick.Spread(), mult)
			next, changed := risk.EnforceBrokerMinimum(g, tick, widened, spec)
			if !changed {
				next = fallbackGeometry(g, tick, risk.FallbackWiden(g.Entry, pip, attempt+1), sym)
			}
			g = next
			resized, err := p.size(sym, g, info, spec, in.Config)
			if err != nil {
				return nil, err
			}
			g = resized.Geometry
			if resized.Lots < lot {
				lot = resized.Lots
			}
		case broker.KindInvalidFilling, broker.KindConnection, broker.KindTimeout, broker.KindUnknown:
			if retriedBlind {
				p.metrics.OrdersRejected.WithLabelValues(p.account, string(kind)).Inc()
				return nil, fmt.Errorf("order rejected after blind retry: %s", res.ErrorMessage)
			}
			retriedBlind = true
		default:
			p.metrics.OrdersRejected.WithLabelValues(p.account, string(kind)).Inc()
			return nil, fmt.Errorf("order rejected (%s): %s", kind, res.ErrorMessage)
		}
		p.metrics.OrderRetries.WithLabelValues(p.account, string(kind)).Inc()
	}

	p.metrics.OrdersRejected.WithLabelValues(p.account, string(broker.KindUnknown)).Inc()
	return nil, fmt.Errorf("order not filled after %d attempts: %s", maxAttempts, last.ErrorMessage)
}

// afterFill verifies protection made it onto the position and builds the
// trade record. A fill without stops gets one modify; if that fails too the
// naked position is closed immediately.
func (p *Pipeline) afterFill(ctx context.Context, sym string, in Intent, g risk.Geometry, lot float64, res types.OrderResult) (*types.TradeRecord, error) {
	protected := res.StopLoss != 0 || g.StopLoss == 0
	if !protected {
		p.logger.Warn("fill confirmed without protection, modifying position",
			zap.String("symbol", sym), zap.String("order_id", res.OrderID))
		if ok, err := p.adapter.ModifyPosition(ctx, sym, g.StopLoss, g.TakeProfit); !ok || err != nil {
			closeRes := p.adapter.ClosePosition(ctx, sym, res.FilledUnits)
			p.logger.Error("unprotected position closed for safety",
				zap.String("symbol", sym),
				zap.String("order_id", res.OrderID),
				zap.String("close_status", string(closeRes.Status)),
				zap.Error(err))
			p.metrics.OrdersRejected.WithLabelValues(p.account, string(broker.KindProtectionUnset)).Inc()
			return nil, reject("protection", "stops could not be attached, position closed")
		}
	}

	entry := res.FilledPrice
	if entry == 0 {
		entry = g.Entry
	}
	units := math.Abs(res.FilledUnits)
	if units == 0 {
		units = lot
	}
	opened := res.Time
	if opened.IsZero() {
		opened = time.Now().UTC()
	}

	c := in.Consensus
	rec := &types.TradeRecord{
		ID:                 res.OrderID,
		Symbol:             sym,
		Direction:          c.Direction,
		EntryPrice:         entry,
		InitialStopLoss:    g.StopLoss,
		StopLoss:           g.StopLoss,
		TakeProfit:         g.TakeProfit,
		Units:              units,
		OpenedAt:           opened,
		Confidence:         c.Confidence,
		TimeframesAnalyzed: c.Timeframes,
		ModelsAgreed:       c.ModelsAgree,
		TotalModels:        c.TotalModels,
		Status:             types.TradeStatusOpen,
		ExtremePrice:       entry,
	}
	if c.BreakEvenTrigger != nil && *c.BreakEvenTrigger > 0 {
		rec.BreakEvenTrigger = *c.BreakEvenTrigger
	} else {
		rec.BreakEvenTrigger = instrument.RoundPrice(sym, entry+0.5*(g.TakeProfit-entry))
	}
	if c.TrailingStopPips != nil && *c.TrailingStopPips > 0 {
		rec.TrailingStopPips = *c.TrailingStopPips
	} else {
		rec.TrailingStopPips = 15
	}

	p.logger.Info("trade opened",
		zap.String("symbol", sym),
		zap.String("order_id", rec.ID),
		zap.String("direction", string(rec.Direction)),
		zap.Float64("entry", rec.EntryPrice),
		zap.Float64("units", rec.Units),
		zap.Float64("sl", rec.StopLoss),
		zap.Float64("tp", rec.TakeProfit))
	return rec, nil
}

// fallbackGeometry pushes both legs out from the side prices when the
// broker keeps rejecting stops yet the computed minimum thinks they are
// fine.
func fallbackGeometry(g risk.Geometry, tick types.Tick, dist float64, sym string) risk.Geometry {
	switch g.Side {
	case types.DirectionLong:
		if sl := tick.Bid - dist; sl < g.StopLoss {
			g.StopLoss = sl
		}
		if tp := tick.Ask + dist; tp > g.TakeProfit {
			g.TakeProfit = tp
		}
	case types.DirectionShort:
		if sl := tick.Ask + dist; sl > g.StopLoss {
			g.StopLoss = sl
		}
		if tp := tick.Bid - dist; tp < g.TakeProfit {
			g.TakeProfit = tp
		}
	}
	return risk.RoundGeometry(g, sym)
}
