package bot

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/metrics"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/pipeline"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/supervisor"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

type fakeAdapter struct{ disconnects int }

func (f *fakeAdapter) Name() string                  { return "fake" }
func (f *fakeAdapter) Connect(context.Context) error { return nil }
func (f *fakeAdapter) Disconnect() error             { f.disconnects++; return nil }
func (f *fakeAdapter) IsConnected() bool             { return true }
func (f *fakeAdapter) AccountInfo(context.Context) (types.AccountInfo, error) {
	return types.AccountInfo{Balance: decimal.NewFromInt(10000)}, nil
}
func (f *fakeAdapter) Instruments(context.Context) ([]types.Instrument, error) { return nil, nil }
func (f *fakeAdapter) SymbolSpec(context.Context, string) (types.InstrumentSpec, error) {
	return types.InstrumentSpec{}, nil
}
func (f *fakeAdapter) CurrentPrice(context.Context, string) (types.Tick, error) {
	return types.Tick{}, errors.New("no tick")
}
func (f *fakeAdapter) Prices(context.Context, []string) (map[string]types.Tick, error) {
	return nil, nil
}
func (f *fakeAdapter) StreamPrices(context.Context, []string) (<-chan types.Tick, error) {
	return nil, errors.New("not streaming")
}
func (f *fakeAdapter) Candles(context.Context, string, types.Timeframe, int) ([]types.Candle, error) {
	return nil, nil
}
func (f *fakeAdapter) PlaceOrder(context.Context, types.OrderRequest) types.OrderResult {
	return types.OrderResult{Status: types.OrderRejected}
}
func (f *fakeAdapter) CancelOrder(context.Context, string) bool { return false }
func (f *fakeAdapter) GetOrder(context.Context, string) (*types.OrderResult, error) {
	return nil, errors.New("not found")
}
func (f *fakeAdapter) OpenOrders(context.Context, string) ([]types.PendingOrder, error) {
	return nil, nil
}
func (f *fakeAdapter) Positions(context.Context) ([]types.Position, error) { return nil, nil }
func (f *fakeAdapter) Position(context.Context, string) (*types.Position, error) {
	return nil, nil
}
func (f *fakeAdapter) ClosePosition(context.Context, string, float64) types.OrderResult {
	return types.OrderResult{Status: types.OrderRejected}
}
func (f *fakeAdapter) ModifyPosition(context.Context, string, float64, float64) (bool, error) {
	return true, nil
}
func (f *fakeAdapter) CanTradeSymbol(_ context.Context, sym string, _ types.Direction) (bool, string, string) {
	return true, "", sym
}

type fakeTrader struct {
	intents []pipeline.Intent
	rec     *types.TradeRecord
	err     error
}

func (f *fakeTrader) Execute(_ context.Context, in pipeline.Intent) (*types.TradeRecord, error) {
	f.intents = append(f.intents, in)
	if f.err != nil {
		return nil, f.err
	}
	rec := *f.rec
	rec.Symbol = in.Symbol
	return &rec, nil
}

type fakeManager struct {
	calls  int
	result supervisor.Result
	echo   bool // return the input as still open
}

func (f *fakeManager) Manage(_ context.Context, open []*types.TradeRecord) supervisor.Result {
	f.calls++
	if f.echo {
		return supervisor.Result{Open: open}
	}
	return f.result
}

type fakeAnalyzer struct {
	calls    int
	opinions []types.Opinion
}

func (f *fakeAnalyzer) AnalyzeAll(_ context.Context, symbol string, tf types.Timeframe, _ types.AnalysisMode, _ []string) []types.Opinion {
	f.calls++
	out := make([]types.Opinion, len(f.opinions))
	for i, o := range f.opinions {
		o.Symbol = symbol
		o.Timeframe = tf
		out[i] = o
	}
	return out
}

func (f *fakeAnalyzer) AnalyzeTimeframes(ctx context.Context, symbol string, tfs []types.Timeframe, mode types.AnalysisMode, models []string) map[types.Timeframe][]types.Opinion {
	out := make(map[types.Timeframe][]types.Opinion, len(tfs))
	for _, tf := range tfs {
		out[tf] = f.AnalyzeAll(ctx, symbol, tf, mode, models)
	}
	return out
}

type fakeNews struct {
	refreshes int
	blocked   bool
	event     *types.NewsEvent
}

func (f *fakeNews) RefreshIfDue(context.Context) { f.refreshes++ }
func (f *fakeNews) ShouldAvoidTrading(string) (bool, *types.NewsEvent) {
	return f.blocked, f.event
}

func validConfig() types.BotConfig {
	return types.BotConfig{
		WatchList:           []string{"EUR_USD"},
		EnabledModels:       []string{"m1", "m2", "m3"},
		AnalysisMode:        types.AnalysisStandard,
		IntervalSeconds:     60,
		MinConfidence:       70,
		MinModelsAgree:      3,
		RiskPerTradePercent: 1.0,
		MaxOpenPositions:    3,
		TradingStartHour:    0,
		TradingEndHour:      24,
		TradeOnWeekends:     true,
		MinRiskReward:       1.5,
		MaxRiskReward:       2.2,
	}
}

func agreeingOpinions(n int) []types.Opinion {
	out := make([]types.Opinion, n)
	for i := range out {
		out[i] = types.Opinion{
			Model:       fmt.Sprintf("model-%d", i),
			Direction:   types.DirectionLong,
			Confidence:  80,
			Entry:       types.Float64Ptr(1.08000),
			StopLoss:    types.Float64Ptr(1.07800),
			TakeProfits: []float64{1.08440},
		}
	}
	return out
}

func openRecord(sym string) *types.TradeRecord {
	return &types.TradeRecord{
		ID:         "T-1",
		Symbol:     sym,
		Direction:  types.DirectionLong,
		EntryPrice: 1.08,
		Units:      0.5,
		Status:     types.TradeStatusOpen,
	}
}

type fixture struct {
	bot      *Bot
	adapter  *fakeAdapter
	trader   *fakeTrader
	manager  *fakeManager
	analyzer *fakeAnalyzer
	news     *fakeNews
}

func newFixture(cfg types.BotConfig) *fixture {
	f := &fixture{
		adapter:  &fakeAdapter{},
		trader:   &fakeTrader{rec: openRecord("EUR_USD")},
		manager:  &fakeManager{echo: true},
		analyzer: &fakeAnalyzer{opinions: agreeingOpinions(4)},
		news:     &fakeNews{},
	}
	build := func(context.Context, *zap.Logger, types.BotConfig) (*Runtime, error) {
		return &Runtime{
			Adapter:  f.adapter,
			Trader:   f.trader,
			Manager:  f.manager,
			Analyzer: f.analyzer,
			News:     f.news,
		}, nil
	}
	f.bot = New(zap.NewNop(), "acct-1", cfg, metrics.New(), build)
	f.bot.sleep = func(ctx context.Context, _ time.Duration) bool {
		return sleepCtx(ctx, time.Millisecond)
	}
	return f
}

// runtimeForTick wires the fake runtime without spawning the loop.
func (f *fixture) runtimeForTick() *Runtime {
	rt := &Runtime{
		Adapter:  f.adapter,
		Trader:   f.trader,
		Manager:  f.manager,
		Analyzer: f.analyzer,
		News:     f.news,
	}
	f.bot.mu.Lock()
	f.bot.rt = rt
	f.bot.status = StatusRunning
	f.bot.mu.Unlock()
	return rt
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Add(types.LogEntry{Message: fmt.Sprintf("m%d", i)})
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
	last := r.Last(10)
	if len(last) != 3 || last[0].Message != "m2" || last[2].Message != "m4" {
		t.Fatalf("last = %+v", last)
	}
	if last[0].ID == "" {
		t.Fatal("entry id not stamped")
	}
}

func TestInTradingWindow(t *testing.T) {
	cfg := validConfig()
	cfg.TradingStartHour = 7
	cfg.TradingEndHour = 21
	cfg.TradeOnWeekends = false

	monday10 := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	if !InTradingWindow(cfg, monday10) {
		t.Fatal("monday 10:00 should be inside the window")
	}
	if InTradingWindow(cfg, time.Date(2025, 6, 2, 6, 59, 0, 0, time.UTC)) {
		t.Fatal("before start hour")
	}
	if InTradingWindow(cfg, time.Date(2025, 6, 2, 21, 0, 0, 0, time.UTC)) {
		t.Fatal("end hour is exclusive")
	}
	saturday := time.Date(2025, 6, 7, 10, 0, 0, 0, time.UTC)
	if InTradingWindow(cfg, saturday) {
		t.Fatal("saturday blocked when weekends disabled")
	}
	cfg.TradeOnWeekends = true
	if !InTradingWindow(cfg, saturday) {
		t.Fatal("saturday allowed when weekends enabled")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(validConfig())
	ctx := context.Background()

	if err := f.bot.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := f.bot.Status().Status; got != StatusRunning {
		t.Fatalf("status = %q", got)
	}
	if err := f.bot.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}

	if err := f.bot.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := f.bot.Status().Status; got != StatusStopped {
		t.Fatalf("status = %q", got)
	}
	if f.adapter.disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", f.adapter.disconnects)
	}
	if err := f.bot.Stop(); !errors.Is(err, ErrAlreadyStopped) {
		t.Fatalf("second Stop = %v, want ErrAlreadyStopped", err)
	}
}

func TestBuilderFailureSetsError(t *testing.T) {
	f := newFixture(validConfig())
	f.bot.build = func(context.Context, *zap.Logger, types.BotConfig) (*Runtime, error) {
		return nil, errors.New("credenziali non valide")
	}

	if err := f.bot.Start(context.Background()); err == nil {
		t.Fatal("expected builder failure")
	}
	snap := f.bot.Status()
	if snap.Status != StatusError {
		t.Fatalf("status = %q, want ERROR", snap.Status)
	}
	if len(snap.Errors) == 0 {
		t.Fatal("error ring empty")
	}
	// An errored bot can be brought down cleanly.
	if err := f.bot.Stop(); err != nil {
		t.Fatalf("Stop after error: %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	f := newFixture(validConfig())
	ctx := context.Background()

	if err := f.bot.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Pause while stopped = %v", err)
	}
	if err := f.bot.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.bot.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := f.bot.Status().Status; got != StatusPaused {
		t.Fatalf("status = %q", got)
	}
	if err := f.bot.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("double Pause = %v", err)
	}
	if err := f.bot.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := f.bot.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("double Resume = %v", err)
	}
	if err := f.bot.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestResetClearsState(t *testing.T) {
	f := newFixture(validConfig())
	f.runtimeForTick()
	f.bot.mu.Lock()
	f.bot.open = []*types.TradeRecord{openRecord("EUR_USD")}
	f.bot.today.Trades = 3
	f.bot.mu.Unlock()
	f.bot.logInfo("", "qualcosa")

	if err := f.bot.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	snap := f.bot.Status()
	if snap.Status != StatusStopped || len(snap.OpenTrades) != 0 || snap.Today.Trades != 0 || len(snap.Logs) != 0 {
		t.Fatalf("state not cleared: %+v", snap)
	}
}

func TestTickOpensTrade(t *testing.T) {
	f := newFixture(validConfig())
	f.runtimeForTick()
	f.bot.sleep = func(context.Context, time.Duration) bool { return true }

	f.bot.tick(context.Background(), validConfig())

	if len(f.trader.intents) != 1 {
		t.Fatalf("trades = %d, want 1", len(f.trader.intents))
	}
	if f.trader.intents[0].Symbol != "EUR_USD" {
		t.Fatalf("symbol = %q", f.trader.intents[0].Symbol)
	}
	if f.news.refreshes != 1 {
		t.Fatalf("news refreshes = %d, want 1", f.news.refreshes)
	}
	snap := f.bot.Status()
	if len(snap.OpenTrades) != 1 || snap.Today.Trades != 1 || snap.Today.Analyses != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	var found bool
	for _, e := range snap.Logs {
		if e.Type == types.LogTrade {
			found = true
		}
	}
	if !found {
		t.Fatal("no trade log entry")
	}
}

func TestTickSkipsOnWeakConsensus(t *testing.T) {
	f := newFixture(validConfig())
	f.analyzer.opinions = []types.Opinion{
		{Model: "a", Direction: types.DirectionLong, Confidence: 40, StopLoss: types.Float64Ptr(1.078), TakeProfits: []float64{1.084}},
		{Model: "b", Direction: types.DirectionShort, Confidence: 45, StopLoss: types.Float64Ptr(1.082), TakeProfits: []float64{1.076}},
	}
	f.runtimeForTick()
	f.bot.sleep = func(context.Context, time.Duration) bool { return true }

	f.bot.tick(context.Background(), validConfig())

	if len(f.trader.intents) != 0 {
		t.Fatal("trade placed on weak consensus")
	}
	snap := f.bot.Status()
	var skipped bool
	for _, e := range snap.Logs {
		if e.Type == types.LogAnalysis {
			skipped = true
		}
	}
	if !skipped {
		t.Fatal("no analysis log entry for the rejection")
	}
}

func TestTickSkipsOnNewsBlackout(t *testing.T) {
	f := newFixture(validConfig())
	f.news.blocked = true
	f.news.event = &types.NewsEvent{Title: "Non-Farm Payrolls", Currency: "USD", Impact: types.NewsImpactHigh}
	f.runtimeForTick()
	f.bot.sleep = func(context.Context, time.Duration) bool { return true }

	f.bot.tick(context.Background(), validConfig())

	if f.analyzer.calls != 0 {
		t.Fatal("analysis ran during blackout")
	}
	var news bool
	for _, e := range f.bot.Status().Logs {
		if e.Type == types.LogNews {
			news = true
		}
	}
	if !news {
		t.Fatal("no news log entry")
	}
}

func TestTickSkipsSymbolAlreadyOpen(t *testing.T) {
	f := newFixture(validConfig())
	f.runtimeForTick()
	f.bot.mu.Lock()
	f.bot.open = []*types.TradeRecord{openRecord("EURUSD+")}
	f.bot.mu.Unlock()
	f.bot.sleep = func(context.Context, time.Duration) bool { return true }

	f.bot.tick(context.Background(), validConfig())

	if f.analyzer.calls != 0 {
		t.Fatal("analysis ran for an already-open symbol")
	}
}

func TestSupervisionMovesClosedTradesToHistory(t *testing.T) {
	f := newFixture(validConfig())
	closed := openRecord("EUR_USD")
	closed.Status = types.TradeStatusClosedSL
	closed.ProfitLoss = decimal.NewFromInt(-50)
	f.manager.echo = false
	f.manager.result = supervisor.Result{Closed: []*types.TradeRecord{closed}}
	f.runtimeForTick()
	f.bot.mu.Lock()
	f.bot.open = []*types.TradeRecord{closed}
	f.bot.mu.Unlock()
	f.bot.sleep = func(context.Context, time.Duration) bool { return true }
	// Already exposed, so no new entries this tick.
	f.trader.err = errors.New("unexpected")

	f.bot.tick(context.Background(), validConfig())

	snap := f.bot.Status()
	if len(snap.OpenTrades) != 0 {
		t.Fatalf("open = %d, want 0", len(snap.OpenTrades))
	}
	if got := snap.Today.RealizedPnL.StringFixed(2); got != "-50.00" {
		t.Fatalf("realized pnl = %s", got)
	}
	if f.manager.calls != 1 {
		t.Fatalf("manager calls = %d", f.manager.calls)
	}
}

func TestDailyLimits(t *testing.T) {
	f := newFixture(validConfig())
	cfg := validConfig()
	cfg.MaxDailyTrades = 2

	f.bot.mu.Lock()
	f.bot.today.Trades = 2
	f.bot.mu.Unlock()
	if reason, reached := f.bot.dailyLimitReached(cfg); !reached || reason == "" {
		t.Fatal("trade limit not detected")
	}

	cfg.MaxDailyTrades = 0
	cfg.MaxDailyLossPercent = 3
	f.bot.mu.Lock()
	f.bot.dayBalance = 10000
	f.bot.today.RealizedPnL = decimal.NewFromInt(-300)
	f.bot.mu.Unlock()
	if _, reached := f.bot.dailyLimitReached(cfg); !reached {
		t.Fatal("loss limit not detected")
	}

	f.bot.mu.Lock()
	f.bot.today.RealizedPnL = decimal.NewFromInt(-299)
	f.bot.mu.Unlock()
	if _, reached := f.bot.dailyLimitReached(cfg); reached {
		t.Fatal("loss limit fired early")
	}
}

func TestRollDayResetsCounters(t *testing.T) {
	f := newFixture(validConfig())
	f.runtimeForTick()
	f.bot.mu.Lock()
	f.bot.today = DayCounters{Date: "2025-06-01", Trades: 4, Analyses: 9}
	f.bot.mu.Unlock()

	f.bot.rollDay(context.Background(), time.Date(2025, 6, 2, 0, 1, 0, 0, time.UTC))

	f.bot.mu.Lock()
	today := f.bot.today
	balance := f.bot.dayBalance
	f.bot.mu.Unlock()
	if today.Date != "2025-06-02" || today.Trades != 0 || today.Analyses != 0 {
		t.Fatalf("counters not reset: %+v", today)
	}
	if balance != 10000 {
		t.Fatalf("day balance = %v, want 10000", balance)
	}
}

func TestConfigureRejectsWhileRunning(t *testing.T) {
	f := newFixture(validConfig())
	if err := f.bot.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.bot.Stop()

	if err := f.bot.Configure(validConfig()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Configure while running = %v", err)
	}
}
