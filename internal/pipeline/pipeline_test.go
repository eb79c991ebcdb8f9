package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/instrument"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/metrics"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

// fakeBroker is a scripted adapter: queued order results are popped per
// PlaceOrder call; an empty queue fills at the side price echoing the stops.
type fakeBroker struct {
	tick      types.Tick
	spec      types.InstrumentSpec
	info      types.AccountInfo
	positions []types.Position
	pending   []types.PendingOrder
	results   []types.OrderResult
	requests  []types.OrderRequest
	modifyErr error
	modified  int
	closed    int
}

func (f *fakeBroker) Name() string                      { return "fake" }
func (f *fakeBroker) Connect(context.Context) error     { return nil }
func (f *fakeBroker) Disconnect() error                 { return nil }
func (f *fakeBroker) IsConnected() bool                 { return true }
func (f *fakeBroker) AccountInfo(context.Context) (types.AccountInfo, error) {
	return f.info, nil
}
func (f *fakeBroker) Instruments(context.Context) ([]types.Instrument, error) { return nil, nil }
func (f *fakeBroker) SymbolSpec(context.Context, string) (types.InstrumentSpec, error) {
	return f.spec, nil
}
func (f *fakeBroker) CurrentPrice(context.Context, string) (types.Tick, error) {
	return f.tick, nil
}
func (f *fakeBroker) Prices(context.Context, []string) (map[string]types.Tick, error) {
	return nil, nil
}
func (f *fakeBroker) StreamPrices(context.Context, []string) (<-chan types.Tick, error) {
	return nil, errors.New("not streaming")
}
func (f *fakeBroker) Candles(context.Context, string, types.Timeframe, int) ([]types.Candle, error) {
	return nil, nil
}

func (f *fakeBroker) PlaceOrder(_ context.Context, req types.OrderRequest) types.OrderResult {
	f.requests = append(f.requests, req)
	if len(f.results) > 0 {
		res := f.results[0]
		f.results = f.results[1:]
		return res
	}
	price := f.tick.Ask
	if req.Side == types.DirectionShort {
		price = f.tick.Bid
	}
	return types.OrderResult{
		OrderID:     "ORD-1",
		Status:      types.OrderFilled,
		FilledPrice: price,
		FilledUnits: req.Units,
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		Retcode:     broker.RetcodeDone,
		Time:        time.Now(),
	}
}

func (f *fakeBroker) CancelOrder(context.Context, string) bool { return false }
func (f *fakeBroker) GetOrder(context.Context, string) (*types.OrderResult, error) {
	return nil, errors.New("not found")
}
func (f *fakeBroker) OpenOrders(context.Context, string) ([]types.PendingOrder, error) {
	return f.pending, nil
}
func (f *fakeBroker) Positions(context.Context) ([]types.Position, error) {
	return f.positions, nil
}
func (f *fakeBroker) Position(context.Context, string) (*types.Position, error) { return nil, nil }

func (f *fakeBroker) ClosePosition(_ context.Context, sym string, units float64) types.OrderResult {
	f.closed++
	return types.OrderResult{Status: types.OrderFilled, FilledUnits: units}
}

func (f *fakeBroker) ModifyPosition(context.Context, string, float64, float64) (bool, error) {
	f.modified++
	if f.modifyErr != nil {
		return false, f.modifyErr
	}
	return true, nil
}

func (f *fakeBroker) CanTradeSymbol(_ context.Context, sym string, _ types.Direction) (bool, string, string) {
	return true, "", sym
}

func newFake() *fakeBroker {
	return &fakeBroker{
		tick: types.Tick{Symbol: "EURUSD", Bid: 1.07990, Ask: 1.08000, Time: time.Now()},
		spec: types.InstrumentSpec{
			Symbol:     "EURUSD",
			PointSize:  0.00001,
			MinVolume:  0.01,
			MaxVolume:  100,
			VolumeStep: 0.01,
			TradeMode:  types.TradeModeFull,
		},
		info: types.AccountInfo{
			Balance:         decimal.NewFromInt(10000),
			Equity:          decimal.NewFromInt(10000),
			MarginAvailable: decimal.NewFromInt(10000),
			Currency:        "USD",
			Leverage:        100,
		},
	}
}

func fp(v float64) *float64 { return &v }

func longIntent() Intent {
	return Intent{
		Symbol: "EUR_USD",
		Consensus: types.Consensus{
			Symbol:      "EUR_USD",
			Direction:   types.DirectionLong,
			Confidence:  78,
			ModelsAgree: 4,
			TotalModels: 6,
			StopLoss:    fp(1.07800),
			TakeProfit:  fp(1.08600),
		},
		Config: types.BotConfig{
			RiskPerTradePercent: 1.0,
			MaxOpenPositions:    3,
			MinRiskReward:       1.5,
			MaxRiskReward:       2.2,
		},
	}
}

func newPipeline(f *fakeBroker) *Pipeline {
	return New(zap.NewNop(), f, instrument.NewGuard(zap.NewNop()), metrics.New(), "acct-1")
}

func approx(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}

func TestExecuteFillsAndRecordsTrade(t *testing.T) {
	f := newFake()
	p := newPipeline(f)

	rec, err := p.Execute(context.Background(), longIntent())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(f.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(f.requests))
	}
	req := f.requests[0]
	approx(t, "units", req.Units, 0.50, 1e-9)
	approx(t, "tp clamped", req.TakeProfit, 1.08440, 1e-9)
	approx(t, "sl", req.StopLoss, 1.07800, 1e-9)
	if req.ClientOrderID == "" {
		t.Fatal("client order id not set")
	}

	if rec.Status != types.TradeStatusOpen {
		t.Fatalf("status = %q", rec.Status)
	}
	approx(t, "entry", rec.EntryPrice, 1.08000, 1e-9)
	approx(t, "break-even trigger", rec.BreakEvenTrigger, 1.08220, 1e-9)
	approx(t, "trailing pips", rec.TrailingStopPips, 15, 1e-9)
	approx(t, "extreme price", rec.ExtremePrice, rec.EntryPrice, 1e-9)
	if rec.ModelsAgreed != 4 || rec.TotalModels != 6 {
		t.Fatalf("model tally = %d/%d", rec.ModelsAgreed, rec.TotalModels)
	}
}

func TestExecuteHonorsConsensusManagementLevels(t *testing.T) {
	f := newFake()
	p := newPipeline(f)

	in := longIntent()
	in.Consensus.BreakEvenTrigger = fp(1.08150)
	in.Consensus.TrailingStopPips = fp(8)

	rec, err := p.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	approx(t, "break-even trigger", rec.BreakEvenTrigger, 1.08150, 1e-9)
	approx(t, "trailing pips", rec.TrailingStopPips, 8, 1e-9)
}

func TestExposureGateDeniesAtLimit(t *testing.T) {
	f := newFake()
	f.positions = []types.Position{
		{Symbol: "GBPUSD", Side: types.DirectionLong, Units: 1},
		{Symbol: "USDJPY", Side: types.DirectionShort, Units: 1},
		{Symbol: "XAUUSD", Side: types.DirectionLong, Units: 1},
	}
	p := newPipeline(f)

	_, err := p.Execute(context.Background(), longIntent())
	var rej *RejectError
	if !errors.As(err, &rej) || rej.Stage != "exposure" {
		t.Fatalf("err = %v, want exposure reject", err)
	}
	if len(f.requests) != 0 {
		t.Fatal("order submitted despite exposure limit")
	}
}

func TestExposureGateDeniesDuplicateSymbol(t *testing.T) {
	f := newFake()
	f.positions = []types.Position{{Symbol: "EURUSD+", Side: types.DirectionLong, Units: 0.3}}
	p := newPipeline(f)

	_, err := p.Execute(context.Background(), longIntent())
	var rej *RejectError
	if !errors.As(err, &rej) || !strings.Contains(rej.Reason, "open position") {
		t.Fatalf("err = %v, want duplicate-symbol reject", err)
	}
}

func TestExposureGateCountsPendingMarketOrders(t *testing.T) {
	f := newFake()
	f.positions = []types.Position{
		{Symbol: "GBPUSD", Side: types.DirectionLong, Units: 1},
		{Symbol: "USDJPY", Side: types.DirectionShort, Units: 1},
	}
	f.pending = []types.PendingOrder{{ID: "p1", Symbol: "AUDUSD", OrderType: "market"}}
	p := newPipeline(f)

	_, err := p.Execute(context.Background(), longIntent())
	var rej *RejectError
	if !errors.As(err, &rej) || rej.Stage != "exposure" {
		t.Fatalf("err = %v, want exposure reject", err)
	}
}

func TestNoMoneyShrinksLot(t *testing.T) {
	f := newFake()
	f.results = []types.OrderResult{
		{Status: types.OrderRejected, Retcode: broker.RetcodeNoMoney, ErrorMessage: "no money"},
	}
	p := newPipeline(f)

	rec, err := p.Execute(context.Background(), longIntent())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(f.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(f.requests))
	}
	approx(t, "first lot", f.requests[0].Units, 0.50, 1e-9)
	approx(t, "shrunk lot", f.requests[1].Units, 0.38, 1e-9)
	approx(t, "recorded units", rec.Units, 0.38, 1e-9)
}

func TestInvalidStopsWidensGeometry(t *testing.T) {
	f := newFake()
	f.results = []types.OrderResult{
		{Status: types.OrderRejected, Retcode: broker.RetcodeInvalidStops, ErrorMessage: "invalid stops"},
	}
	p := newPipeline(f)

	_, err := p.Execute(context.Background(), longIntent())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(f.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(f.requests))
	}
	first, second := f.requests[0], f.requests[1]
	if second.StopLoss >= first.StopLoss {
		t.Fatalf("stop not widened: %v -> %v", first.StopLoss, second.StopLoss)
	}
	// Wider stop means more pips at the same risk budget, so fewer lots.
	if second.Units >= first.Units {
		t.Fatalf("lot not resized after widening: %v -> %v", first.Units, second.Units)
	}
}

func TestTransientKindRetriesExactlyOnce(t *testing.T) {
	f := newFake()
	f.results = []types.OrderResult{
		{Status: types.OrderRejected, Retcode: broker.RetcodeNoConnection, ErrorMessage: "no connection"},
		{Status: types.OrderRejected, Retcode: broker.RetcodeNoConnection, ErrorMessage: "no connection"},
	}
	p := newPipeline(f)

	_, err := p.Execute(context.Background(), longIntent())
	if err == nil {
		t.Fatal("expected failure after blind retry")
	}
	if len(f.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(f.requests))
	}

	// A single transient failure recovers.
	f2 := newFake()
	f2.results = []types.OrderResult{
		{Status: types.OrderRejected, Retcode: broker.RetcodeNoConnection, ErrorMessage: "no connection"},
	}
	if _, err := newPipeline(f2).Execute(context.Background(), longIntent()); err != nil {
		t.Fatalf("Execute after transient: %v", err)
	}
}

func TestMarketClosedFailsFast(t *testing.T) {
	f := newFake()
	f.results = []types.OrderResult{
		{Status: types.OrderRejected, Retcode: broker.RetcodeMarketClosed, ErrorMessage: "market closed"},
	}
	p := newPipeline(f)

	_, err := p.Execute(context.Background(), longIntent())
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(f.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(f.requests))
	}
}

func TestInsufficientMarginRejectsWithReason(t *testing.T) {
	f := newFake()
	f.info.MarginAvailable = decimal.NewFromInt(5)
	p := newPipeline(f)

	_, err := p.Execute(context.Background(), longIntent())
	if err == nil || !strings.Contains(err.Error(), "margine insufficiente") {
		t.Fatalf("err = %v, want margine insufficiente", err)
	}
	if len(f.requests) != 0 {
		t.Fatal("order submitted despite margin reject")
	}
}

func TestUnprotectedFillTriggersModify(t *testing.T) {
	f := newFake()
	f.results = []types.OrderResult{{
		OrderID:     "ORD-9",
		Status:      types.OrderFilled,
		FilledPrice: 1.08000,
		FilledUnits: 0.50,
		Retcode:     broker.RetcodeDone,
		Time:        time.Now(),
	}}
	p := newPipeline(f)

	rec, err := p.Execute(context.Background(), longIntent())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if f.modified != 1 {
		t.Fatalf("modified = %d, want 1", f.modified)
	}
	if f.closed != 0 {
		t.Fatal("position closed despite successful modify")
	}
	approx(t, "sl", rec.StopLoss, 1.07800, 1e-9)
}

func TestUnprotectedFillClosesWhenModifyFails(t *testing.T) {
	f := newFake()
	f.modifyErr = errors.New("modify refused")
	f.results = []types.OrderResult{{
		OrderID:     "ORD-9",
		Status:      types.OrderFilled,
		FilledPrice: 1.08000,
		FilledUnits: 0.50,
		Retcode:     broker.RetcodeDone,
		Time:        time.Now(),
	}}
	p := newPipeline(f)

	_, err := p.Execute(context.Background(), longIntent())
	var rej *RejectError
	if !errors.As(err, &rej) || rej.Stage != "protection" {
		t.Fatalf("err = %v, want protection reject", err)
	}
	if f.closed != 1 {
		t.Fatalf("closed = %d, want 1", f.closed)
	}
}
