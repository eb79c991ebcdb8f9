// Package supervisor manages open trades between analysis rounds:
// reconciliation against the broker's position book, break-even promotion,
// trailing stops and the drawdown-based smart exit.
package supervisor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/instrument"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/metrics"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/risk"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

// Notifier receives fire-and-forget trade event messages.
type Notifier interface {
	Notify(text string)
}

// Supervisor runs the per-tick management pass for one account's trades.
// Every broker call is best-effort: failures are logged, reported through
// OnError, and never abort the pass for the remaining trades.
type Supervisor struct {
	logger    *zap.Logger
	adapter   broker.Adapter
	metrics   *metrics.Metrics
	notifier  Notifier
	account   string
	smartExit types.SmartExitSettings

	// OnError, when set, receives every best-effort failure. The bot wires
	// it to its error ring.
	OnError func(err error)
}

func New(logger *zap.Logger, adapter broker.Adapter, m *metrics.Metrics, notifier Notifier, account string, smartExit types.SmartExitSettings) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		logger:    logger.Named("supervisor"),
		adapter:   adapter,
		metrics:   m,
		notifier:  notifier,
		account:   account,
		smartExit: smartExit,
	}
}

// Result partitions the managed trades.
type Result struct {
	Open   []*types.TradeRecord
	Closed []*types.TradeRecord
}

// Manage reconciles the local book against the broker and applies the
// management rules to each surviving trade. Records are mutated in place.
func (s *Supervisor) Manage(ctx context.Context, open []*types.TradeRecord) Result {
	var out Result
	if len(open) == 0 {
		return out
	}

	bySym := map[string]types.Position{}
	positions, err := s.adapter.Positions(ctx)
	reconcile := err == nil
	if err != nil {
		s.reportError(fmt.Errorf("positions fetch: %w", err))
	} else {
		for _, pos := range positions {
			bySym[instrument.Canonical(pos.Symbol)] = pos
		}
	}

	for _, tr := range open {
		sym := instrument.Canonical(tr.Symbol)
		pos, present := bySym[sym]

		if reconcile && !present {
			s.markClosed(ctx, tr)
			out.Closed = append(out.Closed, tr)
			continue
		}

		current := pos.CurrentPrice
		if current == 0 {
			current = s.sidePrice(ctx, sym, tr.Direction)
		}
		if current == 0 {
			// No usable price this round; try again next tick.
			out.Open = append(out.Open, tr)
			continue
		}

		if s.manageTrade(ctx, tr, sym, current) {
			out.Closed = append(out.Closed, tr)
		} else {
			out.Open = append(out.Open, tr)
		}
	}
	return out
}

// sidePrice fetches the tick and returns the closing side for the trade's
// direction, 0 when unavailable.
func (s *Supervisor) sidePrice(ctx context.Context, sym string, dir types.Direction) float64 {
	tick, err := s.adapter.CurrentPrice(ctx, sym)
	if err != nil {
		s.reportError(fmt.Errorf("tick fetch %s: %w", sym, err))
		return 0
	}
	if dir == types.DirectionLong {
		return tick.Bid
	}
	return tick.Ask
}

// markClosed finalizes a trade whose position vanished from the broker.
func (s *Supervisor) markClosed(ctx context.Context, tr *types.TradeRecord) {
	now := time.Now().UTC()
	tr.ExitTimestamp = &now

	sym := instrument.Canonical(tr.Symbol)
	if exit := s.sidePrice(ctx, sym, tr.Direction); exit > 0 {
		tr.ExitPrice = exit
	} else {
		tr.ExitPrice = tr.EntryPrice
	}
	tr.ProfitLoss = s.profitLoss(ctx, tr, tr.ExitPrice)
	tr.Status = closedStatus(tr)

	s.logger.Info("position closed at broker, reconciled",
		zap.String("symbol", tr.Symbol),
		zap.String("trade_id", tr.ID),
		zap.String("status", string(tr.Status)),
		zap.Float64("exit", tr.ExitPrice),
		zap.String("pnl", tr.ProfitLoss.StringFixed(2)))
	s.send(fmt.Sprintf("%s %s chiuso a %.5f (P&L %s)", tr.Symbol, tr.Direction, tr.ExitPrice, tr.ProfitLoss.StringFixed(2)))
}

// closedStatus infers how a reconciled trade ended from where it exited.
func closedStatus(tr *types.TradeRecord) types.TradeStatus {
	initRisk := math.Abs(tr.EntryPrice - tr.InitialStopLoss)
	if initRisk <= 0 {
		return types.TradeStatusClosedManual
	}
	tol := initRisk * 0.1
	switch tr.Direction {
	case types.DirectionLong:
		if tr.TakeProfit > 0 && tr.ExitPrice >= tr.TakeProfit-tol {
			return types.TradeStatusClosedTP
		}
		if tr.IsBreakEven && math.Abs(tr.ExitPrice-tr.EntryPrice) <= tol {
			return types.TradeStatusClosedBreakEven
		}
		if tr.StopLoss > 0 && tr.ExitPrice <= tr.StopLoss+tol {
			return types.TradeStatusClosedSL
		}
	case types.DirectionShort:
		if tr.TakeProfit > 0 && tr.ExitPrice <= tr.TakeProfit+tol {
			return types.TradeStatusClosedTP
		}
		if tr.IsBreakEven && math.Abs(tr.ExitPrice-tr.EntryPrice) <= tol {
			return types.TradeStatusClosedBreakEven
		}
		if tr.StopLoss > 0 && tr.ExitPrice >= tr.StopLoss-tol {
			return types.TradeStatusClosedSL
		}
	}
	return types.TradeStatusClosedManual
}

// profitLoss converts a price move into account currency via the pip value,
// falling back to per-class defaults when the spec is unavailable.
func (s *Supervisor) profitLoss(ctx context.Context, tr *types.TradeRecord, exit float64) decimal.Decimal {
	sym := instrument.Canonical(tr.Symbol)
	spec, err := s.adapter.SymbolSpec(ctx, sym)
	if err != nil {
		spec = types.InstrumentSpec{Symbol: sym}
	}
	pipValue, _ := risk.PipValuePerLot(sym, spec)
	pip := instrument.PipSize(sym)
	move := exit - tr.EntryPrice
	if tr.Direction == types.DirectionShort {
		move = -move
	}
	return decimal.NewFromFloat(move / pip * pipValue * tr.Units).Round(2)
}

// manageTrade applies extreme tracking, break-even, trailing and smart exit
// to one live trade. Returns true when the trade was closed here.
func (s *Supervisor) manageTrade(ctx context.Context, tr *types.TradeRecord, sym string, current float64) bool {
	long := tr.Direction == types.DirectionLong

	// Track the extreme before any R-multiple math so a spike and pullback
	// inside one tick still counts toward the peak.
	if tr.ExtremePrice == 0 {
		tr.ExtremePrice = tr.EntryPrice
	}
	if long && current > tr.ExtremePrice {
		tr.ExtremePrice = current
	}
	if !long && current < tr.ExtremePrice {
		tr.ExtremePrice = current
	}

	initRisk := math.Abs(tr.EntryPrice - tr.InitialStopLoss)
	favorableNow := current - tr.EntryPrice
	bestMove := tr.ExtremePrice - tr.EntryPrice
	if !long {
		favorableNow, bestMove = -favorableNow, -bestMove
	}
	if favorableNow < 0 {
		favorableNow = 0
	}
	if initRisk > 0 {
		if rr := bestMove / initRisk; rr > tr.MaxFavorableRR {
			tr.MaxFavorableRR = rr
		}
	}

	s.promoteBreakEven(ctx, tr, sym, current, long)
	s.trailStop(ctx, tr, sym, current, long)
	return s.smartExitCheck(ctx, tr, sym, favorableNow, bestMove)
}

func (s *Supervisor) promoteBreakEven(ctx context.Context, tr *types.TradeRecord, sym string, current float64, long bool) {
	if tr.IsBreakEven || tr.BreakEvenTrigger <= 0 {
		return
	}
	crossed := (long && current >= tr.BreakEvenTrigger) || (!long && current <= tr.BreakEvenTrigger)
	if !crossed {
		return
	}
	ok, err := s.adapter.ModifyPosition(ctx, sym, tr.EntryPrice, tr.TakeProfit)
	if !ok || err != nil {
		s.reportError(fmt.Errorf("break-even modify %s: %v", sym, err))
		return
	}
	tr.StopLoss = tr.EntryPrice
	tr.IsBreakEven = true
	s.metrics.BreakEvenPromotions.WithLabelValues(s.account, sym).Inc()
	s.logger.Info("stop moved to break-even",
		zap.String("symbol", sym),
		zap.String("trade_id", tr.ID),
		zap.Float64("sl", tr.StopLoss))
	s.send(fmt.Sprintf("%s %s: stop a break-even (%.5f)", sym, tr.Direction, tr.EntryPrice))
}

func (s *Supervisor) trailStop(ctx context.Context, tr *types.TradeRecord, sym string, current float64, long bool) {
	if !tr.IsBreakEven || tr.TrailingStopPips <= 0 {
		return
	}
	trail := tr.TrailingStopPips * instrument.PipSize(sym)
	candidate := current - trail
	better := candidate > tr.StopLoss
	if !long {
		candidate = current + trail
		better = candidate < tr.StopLoss
	}
	if !better {
		return
	}
	candidate = instrument.RoundPrice(sym, candidate)
	ok, err := s.adapter.ModifyPosition(ctx, sym, candidate, tr.TakeProfit)
	if !ok || err != nil {
		s.reportError(fmt.Errorf("trailing modify %s: %v", sym, err))
		return
	}
	s.logger.Debug("trailing stop advanced",
		zap.String("symbol", sym),
		zap.Float64("from", tr.StopLoss),
		zap.Float64("to", candidate))
	tr.StopLoss = candidate
}

// smartExitCheck closes a trade that armed past the minimum R-multiple and
// then gave back too much of its peak move.
func (s *Supervisor) smartExitCheck(ctx context.Context, tr *types.TradeRecord, sym string, favorableNow, bestMove float64) bool {
	se := s.smartExit
	if !se.Enabled || !tr.IsBreakEven || tr.MaxFavorableRR < se.MinRR || favorableNow <= 0 || bestMove <= 0 {
		return false
	}
	drawdown := (bestMove - favorableNow) / bestMove
	if drawdown < se.DrawdownPercent/100 {
		return false
	}

	res := s.adapter.ClosePosition(ctx, sym, tr.Units)
	if res.Status != types.OrderFilled {
		// Some brokers reject explicit sizes on full closes; let the broker
		// pick the size on the second try.
		res = s.adapter.ClosePosition(ctx, sym, 0)
	}
	if res.Status != types.OrderFilled {
		s.reportError(fmt.Errorf("smart exit close %s failed: %s", sym, res.ErrorMessage))
		return false
	}

	now := time.Now().UTC()
	tr.ExitTimestamp = &now
	tr.ExitPrice = res.FilledPrice
	if tr.ExitPrice == 0 {
		tr.ExitPrice = tr.EntryPrice + favorableSign(tr.Direction)*favorableNow
	}
	tr.ProfitLoss = s.profitLoss(ctx, tr, tr.ExitPrice)
	tr.Status = types.TradeStatusClosedSmartExit
	s.metrics.SmartExits.WithLabelValues(s.account, sym).Inc()
	s.logger.Info("smart exit",
		zap.String("symbol", sym),
		zap.String("trade_id", tr.ID),
		zap.Float64("drawdown", drawdown),
		zap.Float64("max_rr", tr.MaxFavorableRR),
		zap.String("pnl", tr.ProfitLoss.StringFixed(2)))
	s.send(fmt.Sprintf("%s %s: smart exit a %.5f (P&L %s)", sym, tr.Direction, tr.ExitPrice, tr.ProfitLoss.StringFixed(2)))
	return true
}

func favorableSign(dir types.Direction) float64 {
	if dir == types.DirectionShort {
		return -1
	}
	return 1
}

func (s *Supervisor) send(text string) {
	if s.notifier != nil {
		s.notifier.Notify(text)
	}
}

func (s *Supervisor) reportError(err error) {
	s.logger.Warn("best-effort broker call failed", zap.Error(err))
	if s.OnError != nil {
		s.OnError(err)
	}
}
