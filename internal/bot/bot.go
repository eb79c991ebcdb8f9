// Package bot runs one account's autonomous trading loop: a single-writer
// goroutine that manages open positions, gates new entries through schedule,
// exposure and news checks, and drives the analysis-to-order flow.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/consensus"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/instrument"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/metrics"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/pipeline"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/supervisor"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

// Status is the bot lifecycle state.
type Status string

const (
	StatusStopped  Status = "STOPPED"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusPaused   Status = "PAUSED"
	StatusError    Status = "ERROR"
)

// Lifecycle operation outcomes the manager maps to API responses.
var (
	ErrAlreadyRunning = errors.New("bot already running")
	ErrAlreadyStopped = errors.New("bot already stopped")
	ErrNotRunning     = errors.New("bot not running")
	ErrNotPaused      = errors.New("bot not paused")
)

const (
	logRingSize   = 500
	errRingSize   = 16
	historyBound  = 200
	offHoursSleep = time.Minute
	limitSleep    = 5 * time.Minute
	antiBurst     = 2 * time.Second
)

// Trader places one trade from a consensus signal.
type Trader interface {
	Execute(ctx context.Context, in pipeline.Intent) (*types.TradeRecord, error)
}

// PositionManager runs the per-tick supervision pass.
type PositionManager interface {
	Manage(ctx context.Context, open []*types.TradeRecord) supervisor.Result
}

// Analyzer produces model opinions for a symbol.
type Analyzer interface {
	AnalyzeAll(ctx context.Context, symbol string, tf types.Timeframe, mode types.AnalysisMode, models []string) []types.Opinion
	AnalyzeTimeframes(ctx context.Context, symbol string, tfs []types.Timeframe, mode types.AnalysisMode, models []string) map[types.Timeframe][]types.Opinion
}

// NewsGate is the economic-calendar blackout check.
type NewsGate interface {
	RefreshIfDue(ctx context.Context)
	ShouldAvoidTrading(symbol string) (bool, *types.NewsEvent)
}

// Runtime bundles the live collaborators a bot drives. It is assembled by
// the Builder on every start so configuration edits take effect.
type Runtime struct {
	Adapter  broker.Adapter
	Trader   Trader
	Manager  PositionManager
	Analyzer Analyzer
	News     NewsGate
}

// Builder assembles a Runtime for the account's current configuration,
// connecting the broker session. Called under the lifecycle lock.
type Builder func(ctx context.Context, logger *zap.Logger, cfg types.BotConfig) (*Runtime, error)

// DayCounters are the rolling per-UTC-day totals.
type DayCounters struct {
	Date        string          `json:"date"`
	Analyses    int             `json:"analyses"`
	Trades      int             `json:"trades"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
}

// Snapshot is the deep status view returned to the admin surface.
type Snapshot struct {
	AccountID      string              `json:"accountId"`
	Status         Status              `json:"status"`
	StartedAt      *time.Time          `json:"startedAt,omitempty"`
	LastAnalysisAt *time.Time          `json:"lastAnalysisAt,omitempty"`
	Today          DayCounters         `json:"today"`
	OpenTrades     []types.TradeRecord `json:"openTrades"`
	Logs           []types.LogEntry    `json:"logs"`
	Errors         []types.LogEntry    `json:"errors"`
}

// Bot is one account's trading loop plus its lifecycle shell.
type Bot struct {
	logger    *zap.Logger
	accountID string
	metrics   *metrics.Metrics
	build     Builder

	// lifecycle lock serializes start/stop/pause/resume/reset.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	// mu guards everything below; the loop is the single writer of trade
	// state, lifecycle ops only flip status.
	mu             sync.Mutex
	status         Status
	cfg            types.BotConfig
	rt             *Runtime
	open           []*types.TradeRecord
	history        []*types.TradeRecord
	today          DayCounters
	dayBalance     float64
	startedAt      time.Time
	lastAnalysisAt time.Time

	logs *Ring
	errs *Ring

	clock func() time.Time
	// sleep returns false when the context was cancelled mid-wait.
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(logger *zap.Logger, accountID string, cfg types.BotConfig, m *metrics.Metrics, build Builder) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		logger:    logger.Named("bot").With(zap.String("account", accountID)),
		accountID: accountID,
		metrics:   m,
		build:     build,
		status:    StatusStopped,
		cfg:       cfg,
		logs:      NewRing(logRingSize),
		errs:      NewRing(errRingSize),
		clock:     func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Configure replaces the bot's configuration. Allowed only while stopped
// (the manager stops, reconfigures, restarts).
func (b *Bot) Configure(cfg types.BotConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusRunning || b.status == StatusStarting || b.status == StatusPaused {
		return ErrAlreadyRunning
	}
	b.cfg = cfg
	return nil
}

// Start builds the runtime and spawns the loop.
func (b *Bot) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	switch b.getStatus() {
	case StatusRunning, StatusStarting, StatusPaused:
		return ErrAlreadyRunning
	}
	if err := b.snapshotConfig().Validate(); err != nil {
		b.setStatus(StatusError)
		b.logError("", fmt.Sprintf("configurazione non valida: %v", err))
		return err
	}

	b.setStatus(StatusStarting)
	rt, err := b.build(ctx, b.logger, b.snapshotConfig())
	if err != nil {
		b.setStatus(StatusError)
		b.logError("", fmt.Sprintf("avvio fallito: %v", err))
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})

	b.mu.Lock()
	b.rt = rt
	b.startedAt = b.clock()
	b.status = StatusRunning
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.BotsRunning.Inc()
	}
	b.logInfo("", "bot avviato")
	go b.loop(loopCtx)
	return nil
}

// Stop signals the loop and joins it.
func (b *Bot) Stop() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	return b.stopLocked()
}

func (b *Bot) stopLocked() error {
	switch b.getStatus() {
	case StatusStopped:
		return ErrAlreadyStopped
	case StatusError:
		b.setStatus(StatusStopped)
		return nil
	}
	if b.cancel != nil {
		b.cancel()
		<-b.done
		b.cancel = nil
	}
	b.mu.Lock()
	rt := b.rt
	b.rt = nil
	b.status = StatusStopped
	b.mu.Unlock()

	if rt != nil && rt.Adapter != nil {
		if err := rt.Adapter.Disconnect(); err != nil {
			b.logger.Warn("disconnect on stop", zap.Error(err))
		}
	}
	if b.metrics != nil {
		b.metrics.BotsRunning.Dec()
	}
	b.logInfo("", "bot fermato")
	return nil
}

// Pause halts new analysis without tearing the loop down.
func (b *Bot) Pause() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return ErrNotRunning
	}
	b.status = StatusPaused
	return nil
}

// Resume restarts analysis after a pause.
func (b *Bot) Resume() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusPaused {
		return ErrNotPaused
	}
	b.status = StatusRunning
	return nil
}

// Reset forces the bot down regardless of loop state and clears the
// accumulated trade state and rings.
func (b *Bot) Reset() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if err := b.stopLocked(); err != nil && !errors.Is(err, ErrAlreadyStopped) {
		return err
	}
	b.mu.Lock()
	b.open = nil
	b.history = nil
	b.today = DayCounters{}
	b.startedAt = time.Time{}
	b.lastAnalysisAt = time.Time{}
	b.mu.Unlock()
	b.logs = NewRing(logRingSize)
	b.errs = NewRing(errRingSize)
	return nil
}

// Status returns a deep copy of the bot's observable state.
func (b *Bot) Status() Snapshot {
	b.mu.Lock()
	snap := Snapshot{
		AccountID: b.accountID,
		Status:    b.status,
		Today:     b.today,
	}
	if !b.startedAt.IsZero() {
		t := b.startedAt
		snap.StartedAt = &t
	}
	if !b.lastAnalysisAt.IsZero() {
		t := b.lastAnalysisAt
		snap.LastAnalysisAt = &t
	}
	snap.OpenTrades = make([]types.TradeRecord, 0, len(b.open))
	for _, tr := range b.open {
		snap.OpenTrades = append(snap.OpenTrades, *tr)
	}
	b.mu.Unlock()

	snap.Logs = b.logs.Last(30)
	snap.Errors = b.errs.Last(5)
	return snap
}

// OpenTrades returns copies of the currently open trade records.
func (b *Bot) OpenTrades() []types.TradeRecord {
	return b.Status().OpenTrades
}

func (b *Bot) AccountID() string { return b.accountID }

// loop is the single-writer main loop.
func (b *Bot) loop(ctx context.Context) {
	defer close(b.done)
	for {
		if ctx.Err() != nil {
			return
		}
		now := b.clock()
		b.rollDay(ctx, now)

		cfg := b.snapshotConfig()
		if !InTradingWindow(cfg, now) {
			if !b.sleep(ctx, offHoursSleep) {
				return
			}
			continue
		}
		if reason, reached := b.dailyLimitReached(cfg); reached {
			b.logSkip("", reason)
			if !b.sleep(ctx, limitSleep) {
				return
			}
			continue
		}

		if b.getStatus() == StatusRunning {
			b.tick(ctx, cfg)
			b.mu.Lock()
			b.lastAnalysisAt = b.clock()
			b.mu.Unlock()
		}

		if !b.sleep(ctx, time.Duration(cfg.IntervalSeconds)*time.Second) {
			return
		}
	}
}

// tick runs one full analysis round: supervision, news refresh, then the
// per-symbol entry flow.
func (b *Bot) tick(ctx context.Context, cfg types.BotConfig) {
	rt := b.runtime()
	if rt == nil {
		return
	}

	b.superviseOpenTrades(ctx, rt)
	rt.News.RefreshIfDue(ctx)

	multiTF := len(cfg.Timeframes) > 1
	for _, raw := range cfg.WatchList {
		if ctx.Err() != nil {
			return
		}
		sym := instrument.Canonical(raw)

		if reason, blocked := b.cannotOpenNew(sym, cfg); blocked {
			b.logSkip(sym, reason)
			continue
		}
		if avoid, event := rt.News.ShouldAvoidTrading(sym); avoid {
			msg := "blackout notizie"
			if event != nil {
				msg = fmt.Sprintf("blackout notizie: %s (%s)", event.Title, event.Currency)
			}
			b.logNews(sym, msg)
			continue
		}

		cons := b.analyze(ctx, rt, sym, cfg)
		b.bumpAnalyses()
		if b.metrics != nil {
			b.metrics.AnalysisRounds.WithLabelValues(b.accountID).Inc()
		}

		decision := consensus.ShouldEnter(cons, cfg, multiTF)
		if !decision.Enter {
			b.logAnalysis(sym, fmt.Sprintf("nessun ingresso: %s", decision.Reason), cons)
			if !b.sleep(ctx, antiBurst) {
				return
			}
			continue
		}

		b.enter(ctx, rt, sym, cons, cfg)
		if !b.sleep(ctx, antiBurst) {
			return
		}
	}
}

func (b *Bot) superviseOpenTrades(ctx context.Context, rt *Runtime) {
	open := b.openRefs()
	if len(open) == 0 {
		return
	}
	res := rt.Manager.Manage(ctx, open)

	b.mu.Lock()
	b.open = res.Open
	for _, tr := range res.Closed {
		b.history = append(b.history, tr)
		b.today.RealizedPnL = b.today.RealizedPnL.Add(tr.ProfitLoss)
	}
	if len(b.history) > historyBound {
		b.history = b.history[len(b.history)-historyBound:]
	}
	b.mu.Unlock()

	for _, tr := range res.Closed {
		b.log(types.LogEntry{
			Symbol:  tr.Symbol,
			Type:    types.LogTrade,
			Message: fmt.Sprintf("trade chiuso (%s, P&L %s)", tr.Status, tr.ProfitLoss.StringFixed(2)),
			Details: map[string]any{"trade_id": tr.ID, "exit": tr.ExitPrice},
		})
	}
}

func (b *Bot) analyze(ctx context.Context, rt *Runtime, sym string, cfg types.BotConfig) types.Consensus {
	if len(cfg.Timeframes) > 1 {
		byTF := rt.Analyzer.AnalyzeTimeframes(ctx, sym, cfg.Timeframes, cfg.AnalysisMode, cfg.EnabledModels)
		return consensus.AggregateMultiTimeframe(sym, byTF)
	}
	tf := types.Timeframe1h
	if len(cfg.Timeframes) == 1 {
		tf = cfg.Timeframes[0]
	}
	opinions := rt.Analyzer.AnalyzeAll(ctx, sym, tf, cfg.AnalysisMode, cfg.EnabledModels)
	return consensus.Aggregate(sym, opinions)
}

func (b *Bot) enter(ctx context.Context, rt *Runtime, sym string, cons types.Consensus, cfg types.BotConfig) {
	intent := pipeline.Intent{
		Symbol:    sym,
		Consensus: cons,
		Config:    cfg,
		LocalOpen: b.openCount(),
		Exposed:   b.exposedSymbols(),
	}
	rec, err := rt.Trader.Execute(ctx, intent)
	if err != nil {
		var rej *pipeline.RejectError
		if errors.As(err, &rej) {
			b.logSkip(sym, rej.Error())
		} else {
			b.logError(sym, fmt.Sprintf("ordine fallito: %v", err))
		}
		return
	}

	b.mu.Lock()
	b.open = append(b.open, rec)
	b.today.Trades++
	b.mu.Unlock()

	b.log(types.LogEntry{
		Symbol:  sym,
		Type:    types.LogTrade,
		Message: fmt.Sprintf("trade aperto %s %.2f lotti @ %.5f", rec.Direction, rec.Units, rec.EntryPrice),
		Details: map[string]any{
			"trade_id":   rec.ID,
			"sl":         rec.StopLoss,
			"tp":         rec.TakeProfit,
			"confidence": rec.Confidence,
		},
	})
}

// cannotOpenNew is the cheap local pre-check; the pipeline repeats it
// against live broker state.
func (b *Bot) cannotOpenNew(sym string, cfg types.BotConfig) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.MaxOpenPositions > 0 && len(b.open) >= cfg.MaxOpenPositions {
		return fmt.Sprintf("posizioni aperte al limite (%d)", cfg.MaxOpenPositions), true
	}
	for _, tr := range b.open {
		if instrument.Canonical(tr.Symbol) == sym {
			return "posizione già aperta sul simbolo", true
		}
	}
	return "", false
}

func (b *Bot) dailyLimitReached(cfg types.BotConfig) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.MaxDailyTrades > 0 && b.today.Trades >= cfg.MaxDailyTrades {
		return fmt.Sprintf("limite giornaliero di %d trade raggiunto", cfg.MaxDailyTrades), true
	}
	if cfg.MaxDailyLossPercent > 0 && b.dayBalance > 0 {
		loss := b.today.RealizedPnL.Neg().InexactFloat64()
		if loss >= b.dayBalance*cfg.MaxDailyLossPercent/100 {
			return fmt.Sprintf("perdita giornaliera massima raggiunta (%.2f)", loss), true
		}
	}
	return "", false
}

// rollDay resets the counters at the UTC day boundary and re-baselines the
// loss limit on the fresh balance.
func (b *Bot) rollDay(ctx context.Context, now time.Time) {
	day := now.Format("2006-01-02")
	b.mu.Lock()
	if b.today.Date == day {
		b.mu.Unlock()
		return
	}
	b.today = DayCounters{Date: day}
	rt := b.rt
	b.mu.Unlock()

	var balance float64
	if rt != nil && rt.Adapter != nil {
		if info, err := rt.Adapter.AccountInfo(ctx); err == nil {
			balance = info.Balance.InexactFloat64()
		}
	}
	b.mu.Lock()
	b.dayBalance = balance
	b.mu.Unlock()
}

func (b *Bot) runtime() *Runtime {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rt
}

func (b *Bot) snapshotConfig() types.BotConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

func (b *Bot) getStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Bot) setStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *Bot) openRefs() []*types.TradeRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.TradeRecord, len(b.open))
	copy(out, b.open)
	return out
}

func (b *Bot) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

func (b *Bot) exposedSymbols() map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]bool, len(b.open))
	for _, tr := range b.open {
		out[instrument.Canonical(tr.Symbol)] = true
	}
	return out
}

func (b *Bot) bumpAnalyses() {
	b.mu.Lock()
	b.today.Analyses++
	b.mu.Unlock()
}

func (b *Bot) log(e types.LogEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock()
	}
	b.logs.Add(e)
	if e.Type == types.LogError {
		b.errs.Add(e)
	}
}

func (b *Bot) logInfo(sym, msg string) {
	b.log(types.LogEntry{Symbol: sym, Type: types.LogInfo, Message: msg})
}

func (b *Bot) logSkip(sym, msg string) {
	b.log(types.LogEntry{Symbol: sym, Type: types.LogSkip, Message: msg})
}

func (b *Bot) logNews(sym, msg string) {
	b.log(types.LogEntry{Symbol: sym, Type: types.LogNews, Message: msg})
}

func (b *Bot) logError(sym, msg string) {
	b.logger.Error(msg, zap.String("symbol", sym))
	b.log(types.LogEntry{Symbol: sym, Type: types.LogError, Message: msg})
}

func (b *Bot) logAnalysis(sym, msg string, cons types.Consensus) {
	b.log(types.LogEntry{
		Symbol:  sym,
		Type:    types.LogAnalysis,
		Message: msg,
		Details: map[string]any{
			"direction":  string(cons.Direction),
			"confidence": cons.Confidence,
			"agree":      cons.ModelsAgree,
			"total":      cons.TotalModels,
		},
	})
}

// RecordError exposes the error ring to collaborators wired via callbacks.
func (b *Bot) RecordError(err error) {
	b.log(types.LogEntry{Type: types.LogError, Message: err.Error()})
}
