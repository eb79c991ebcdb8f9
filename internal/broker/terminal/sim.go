package terminal

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
	"github.com/shopspring/decimal"
)

// Sim is an in-memory Runtime used for paper trading and tests. It honors
// the terminal retcode contract: margin shortfalls, stop distances and
// volume limits are rejected with the native codes a live terminal returns.
type Sim struct {
	mu        sync.Mutex
	loggedIn  bool
	balance   float64
	currency  string
	leverage  int
	symbols   map[string]types.InstrumentSpec
	ticks     map[string]types.Tick
	candles   map[string][]types.Candle
	positions map[string]*types.Position
	nextID    int
	// marginPerLot approximates required margin per lot per symbol.
	marginPerLot map[string]float64
}

// NewSim creates a simulator with the given starting balance.
func NewSim(balance float64) *Sim {
	return &Sim{
		balance:      balance,
		currency:     "USD",
		leverage:     100,
		symbols:      make(map[string]types.InstrumentSpec),
		ticks:        make(map[string]types.Tick),
		candles:      make(map[string][]types.Candle),
		positions:    make(map[string]*types.Position),
		marginPerLot: make(map[string]float64),
		nextID:       1000,
	}
}

// AddSymbol registers an instrument with its spec and current tick.
func (s *Sim) AddSymbol(spec types.InstrumentSpec, tick types.Tick, marginPerLot float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[spec.Symbol] = spec
	tick.Symbol = spec.Symbol
	s.ticks[spec.Symbol] = tick
	s.marginPerLot[spec.Symbol] = marginPerLot
}

// SetTick moves a symbol's price.
func (s *Sim) SetTick(tick types.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[tick.Symbol] = tick
	if pos, ok := s.positions[tick.Symbol]; ok {
		pos.CurrentPrice = tick.Mid()
	}
}

// SetCandles seeds bar history for a symbol.
func (s *Sim) SetCandles(symbol string, candles []types.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[symbol] = candles
}

func (s *Sim) Login(account, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedIn = true
	return nil
}

func (s *Sim) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedIn = false
}

func (s *Sim) Account() (types.AccountInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := 0.0
	for sym, pos := range s.positions {
		used += s.marginPerLot[sym] * pos.Units
	}
	balance := decimal.NewFromFloat(s.balance)
	return types.AccountInfo{
		Balance:         balance,
		Equity:          balance,
		MarginUsed:      decimal.NewFromFloat(used),
		MarginAvailable: decimal.NewFromFloat(s.balance - used),
		Currency:        s.currency,
		Leverage:        s.leverage,
	}, nil
}

func (s *Sim) Symbols() ([]types.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Instrument, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, types.Instrument{BrokerSymbol: sym})
	}
	return out, nil
}

func (s *Sim) SymbolInfo(symbol string) (types.InstrumentSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.symbols[symbol]
	if !ok {
		return types.InstrumentSpec{}, fmt.Errorf("unknown symbol %s", symbol)
	}
	return spec, nil
}

func (s *Sim) Tick(symbol string) (types.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tick, ok := s.ticks[symbol]
	if !ok {
		return types.Tick{}, fmt.Errorf("no tick for %s", symbol)
	}
	return tick, nil
}

func (s *Sim) Rates(symbol string, periodMinutes, count int) ([]types.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bars := s.candles[symbol]
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	out := make([]types.Candle, len(bars))
	copy(out, bars)
	return out, nil
}

// OrderSend fills a market order or rejects it with a native retcode.
func (s *Sim) OrderSend(req types.OrderRequest, symbol string) types.OrderResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := types.OrderResult{Time: time.Now().UTC(), Status: types.OrderRejected}
	spec, ok := s.symbols[symbol]
	if !ok {
		res.ErrorMessage = "unknown symbol " + symbol
		return res
	}
	tick, ok := s.ticks[symbol]
	if !ok {
		res.ErrorMessage = "no market price for " + symbol
		return res
	}

	if req.Units < spec.MinVolume || (spec.MaxVolume > 0 && req.Units > spec.MaxVolume) {
		res.Retcode = broker.RetcodeInvalidVolume
		res.ErrorMessage = "invalid volume"
		return res
	}

	used := 0.0
	for sym, pos := range s.positions {
		used += s.marginPerLot[sym] * pos.Units
	}
	if used+s.marginPerLot[symbol]*req.Units > s.balance {
		res.Retcode = broker.RetcodeNoMoney
		res.ErrorMessage = "not enough money"
		return res
	}

	fill := tick.Ask
	if req.Side == types.DirectionShort {
		fill = tick.Bid
	}
	minDist := spec.StopsLevel * spec.PointSize
	if req.StopLoss > 0 && math.Abs(fill-req.StopLoss) < minDist {
		res.Retcode = broker.RetcodeInvalidStops
		res.ErrorMessage = "invalid stops"
		return res
	}
	if req.TakeProfit > 0 && math.Abs(req.TakeProfit-fill) < minDist {
		res.Retcode = broker.RetcodeInvalidStops
		res.ErrorMessage = "invalid stops"
		return res
	}

	s.nextID++
	res.Status = types.OrderFilled
	res.Retcode = broker.RetcodeDone
	res.OrderID = strconv.Itoa(s.nextID)
	res.FilledPrice = fill
	res.FilledUnits = req.Units
	res.StopLoss = req.StopLoss
	res.TakeProfit = req.TakeProfit

	s.positions[symbol] = &types.Position{
		Symbol:       symbol,
		Side:         req.Side,
		Units:        req.Units,
		EntryPrice:   fill,
		CurrentPrice: tick.Mid(),
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		OpenedAt:     res.Time,
	}
	return res
}

func (s *Sim) OrderCancel(ticket string) bool { return false }

func (s *Sim) Orders() ([]types.PendingOrder, error) { return nil, nil }

func (s *Sim) Positions() ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (s *Sim) PositionClose(symbol string, volume float64) types.OrderResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := types.OrderResult{Time: time.Now().UTC(), Status: types.OrderRejected}
	pos, ok := s.positions[symbol]
	if !ok {
		res.ErrorMessage = "no open position for " + symbol
		return res
	}
	tick := s.ticks[symbol]
	fill := tick.Bid
	if pos.Side == types.DirectionShort {
		fill = tick.Ask
	}
	if volume <= 0 || volume >= pos.Units {
		delete(s.positions, symbol)
	} else {
		pos.Units -= volume
	}
	s.nextID++
	res.Status = types.OrderFilled
	res.Retcode = broker.RetcodeDone
	res.OrderID = strconv.Itoa(s.nextID)
	res.FilledPrice = fill
	return res
}

func (s *Sim) PositionModify(symbol string, sl, tp float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[symbol]
	if !ok {
		return broker.RetcodeReject, nil
	}
	spec := s.symbols[symbol]
	tick := s.ticks[symbol]
	minDist := spec.StopsLevel * spec.PointSize
	if sl > 0 && math.Abs(tick.Mid()-sl) < minDist {
		return broker.RetcodeInvalidStops, nil
	}
	if sl > 0 {
		pos.StopLoss = sl
	}
	if tp > 0 {
		pos.TakeProfit = tp
	}
	return broker.RetcodeDone, nil
}
