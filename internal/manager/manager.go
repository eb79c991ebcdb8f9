// Package manager is the fleet supervisor: it owns the account → bot map,
// serializes lifecycle operations, and is the only writer of the persisted
// "connected" flag.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/bot"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/instrument"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/metrics"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/news"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/notify"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/oracle"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/pipeline"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/supervisor"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

// Outcome is the exit condition of a lifecycle operation.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeAlreadyRunning Outcome = "already_running"
	OutcomeAlreadyStopped Outcome = "already_stopped"
	OutcomeError          Outcome = "error"
)

// LifecycleResult reports one account's lifecycle operation.
type LifecycleResult struct {
	AccountID string  `json:"accountId"`
	Outcome   Outcome `json:"outcome"`
	Error     string  `json:"error,omitempty"`
}

// AccountStore is the persistence surface the manager needs.
type AccountStore interface {
	LoadAccounts(ctx context.Context) ([]types.Account, error)
	GetAccount(ctx context.Context, id string) (*types.Account, error)
	UpdateConnected(ctx context.Context, id string, connected bool, at time.Time) error
}

// Manager runs the bot fleet.
type Manager struct {
	logger   *zap.Logger
	store    AccountStore
	registry *broker.Registry
	metrics  *metrics.Metrics
	notifier notify.Sink
	calendar news.Calendar
	models   []oracle.Model

	mu        sync.Mutex
	bots      map[string]*bot.Bot
	reporting map[string]broker.Adapter
}

func New(logger *zap.Logger, store AccountStore, registry *broker.Registry, m *metrics.Metrics, notifier notify.Sink, calendar news.Calendar, models []oracle.Model) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Manager{
		logger:    logger.Named("manager"),
		store:     store,
		registry:  registry,
		metrics:   m,
		notifier:  notifier,
		calendar:  calendar,
		models:    models,
		bots:      make(map[string]*bot.Bot),
		reporting: make(map[string]broker.Adapter),
	}
}

// Start reloads the account row, reconfigures or creates its bot, and
// starts it.
func (m *Manager) Start(ctx context.Context, accountID string) LifecycleResult {
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return LifecycleResult{AccountID: accountID, Outcome: OutcomeError, Error: fmt.Sprintf("account non trovato: %v", err)}
	}

	b := m.ensureBot(acct)
	if err := b.Configure(acct.Config); err != nil {
		if errors.Is(err, bot.ErrAlreadyRunning) {
			return LifecycleResult{AccountID: accountID, Outcome: OutcomeAlreadyRunning}
		}
		return LifecycleResult{AccountID: accountID, Outcome: OutcomeError, Error: err.Error()}
	}

	if err := b.Start(ctx); err != nil {
		if errors.Is(err, bot.ErrAlreadyRunning) {
			return LifecycleResult{AccountID: accountID, Outcome: OutcomeAlreadyRunning}
		}
		return LifecycleResult{AccountID: accountID, Outcome: OutcomeError, Error: err.Error()}
	}

	if err := m.store.UpdateConnected(ctx, accountID, true, time.Now().UTC()); err != nil {
		m.logger.Warn("connected flag not persisted", zap.String("account", accountID), zap.Error(err))
	}
	return LifecycleResult{AccountID: accountID, Outcome: OutcomeSuccess}
}

// Stop brings one bot down.
func (m *Manager) Stop(ctx context.Context, accountID string) LifecycleResult {
	m.mu.Lock()
	b, ok := m.bots[accountID]
	m.mu.Unlock()
	if !ok {
		return LifecycleResult{AccountID: accountID, Outcome: OutcomeAlreadyStopped}
	}

	if err := b.Stop(); err != nil {
		if errors.Is(err, bot.ErrAlreadyStopped) {
			return LifecycleResult{AccountID: accountID, Outcome: OutcomeAlreadyStopped}
		}
		return LifecycleResult{AccountID: accountID, Outcome: OutcomeError, Error: err.Error()}
	}

	if err := m.store.UpdateConnected(ctx, accountID, false, time.Now().UTC()); err != nil {
		m.logger.Warn("connected flag not persisted", zap.String("account", accountID), zap.Error(err))
	}
	return LifecycleResult{AccountID: accountID, Outcome: OutcomeSuccess}
}

// Pause suspends analysis for one bot.
func (m *Manager) Pause(accountID string) LifecycleResult {
	return m.simpleOp(accountID, func(b *bot.Bot) error { return b.Pause() })
}

// Resume restarts analysis for a paused bot.
func (m *Manager) Resume(accountID string) LifecycleResult {
	return m.simpleOp(accountID, func(b *bot.Bot) error { return b.Resume() })
}

// Reset force-stops a bot and clears its state.
func (m *Manager) Reset(ctx context.Context, accountID string) LifecycleResult {
	res := m.simpleOp(accountID, func(b *bot.Bot) error { return b.Reset() })
	if res.Outcome == OutcomeSuccess {
		if err := m.store.UpdateConnected(ctx, accountID, false, time.Now().UTC()); err != nil {
			m.logger.Warn("connected flag not persisted", zap.String("account", accountID), zap.Error(err))
		}
	}
	return res
}

func (m *Manager) simpleOp(accountID string, op func(*bot.Bot) error) LifecycleResult {
	m.mu.Lock()
	b, ok := m.bots[accountID]
	m.mu.Unlock()
	if !ok {
		return LifecycleResult{AccountID: accountID, Outcome: OutcomeError, Error: "bot sconosciuto"}
	}
	if err := op(b); err != nil {
		return LifecycleResult{AccountID: accountID, Outcome: OutcomeError, Error: err.Error()}
	}
	return LifecycleResult{AccountID: accountID, Outcome: OutcomeSuccess}
}

// StartAllEnabled starts every enabled account, accumulating per-account
// results instead of failing the batch.
func (m *Manager) StartAllEnabled(ctx context.Context) []LifecycleResult {
	accounts, err := m.store.LoadAccounts(ctx)
	if err != nil {
		return []LifecycleResult{{Outcome: OutcomeError, Error: err.Error()}}
	}
	var out []LifecycleResult
	for _, acct := range accounts {
		if !acct.Enabled {
			continue
		}
		out = append(out, m.Start(ctx, acct.ID))
	}
	return out
}

// StopAll stops every known bot.
func (m *Manager) StopAll(ctx context.Context) []LifecycleResult {
	m.mu.Lock()
	ids := make([]string, 0, len(m.bots))
	for id := range m.bots {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var out []LifecycleResult
	for _, id := range ids {
		out = append(out, m.Stop(ctx, id))
	}
	return out
}

// Status returns the bot's deep snapshot.
func (m *Manager) Status(accountID string) (bot.Snapshot, error) {
	m.mu.Lock()
	b, ok := m.bots[accountID]
	m.mu.Unlock()
	if !ok {
		return bot.Snapshot{AccountID: accountID, Status: bot.StatusStopped}, nil
	}
	return b.Status(), nil
}

// Accounts lists the persisted account rows.
func (m *Manager) Accounts(ctx context.Context) ([]types.Account, error) {
	return m.store.LoadAccounts(ctx)
}

// AccountInfo reports balance and margin via a read-only connection.
func (m *Manager) AccountInfo(ctx context.Context, accountID string) (types.AccountInfo, error) {
	adapter, err := m.ensureBrokerConnection(ctx, accountID)
	if err != nil {
		return types.AccountInfo{}, err
	}
	return adapter.AccountInfo(ctx)
}

// OpenPositions reports broker positions via a read-only connection.
func (m *Manager) OpenPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	adapter, err := m.ensureBrokerConnection(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return adapter.Positions(ctx)
}

// Logs returns up to limit recent log entries for the account's bot.
func (m *Manager) Logs(accountID string, limit int) []types.LogEntry {
	m.mu.Lock()
	b, ok := m.bots[accountID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if limit <= 0 {
		limit = 30
	}
	snap := b.Status()
	logs := snap.Logs
	if limit < len(logs) {
		logs = logs[len(logs)-limit:]
	}
	return logs
}

// ensureBot returns the account's bot, creating it on first reference.
func (m *Manager) ensureBot(acct *types.Account) *bot.Bot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bots[acct.ID]; ok {
		return b
	}
	b := bot.New(m.logger, acct.ID, acct.Config, m.metrics, m.builder(acct.ID))
	m.bots[acct.ID] = b
	return b
}

// builder assembles a bot's runtime from the freshest account row. Invoked
// on every start so credential and config edits take effect.
func (m *Manager) builder(accountID string) bot.Builder {
	return func(ctx context.Context, logger *zap.Logger, cfg types.BotConfig) (*bot.Runtime, error) {
		acct, err := m.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("reload account: %w", err)
		}
		adapter, err := m.registry.Create(acct.BrokerType, logger, acct.Credentials)
		if err != nil {
			return nil, fmt.Errorf("create adapter: %w", err)
		}
		if err := adapter.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect %s: %w", acct.BrokerType, err)
		}

		guard := instrument.NewGuard(logger)
		sup := supervisor.New(logger, adapter, m.metrics, m.notifier, accountID, cfg.SmartExit)
		m.mu.Lock()
		if b, ok := m.bots[accountID]; ok {
			sup.OnError = b.RecordError
		}
		m.mu.Unlock()

		return &bot.Runtime{
			Adapter:  adapter,
			Trader:   pipeline.New(logger, adapter, guard, m.metrics, accountID),
			Manager:  sup,
			Analyzer: oracle.New(logger, m.models, oracle.NewAdapterPrefetcher(logger, adapter)),
			News:     news.NewFilter(logger, m.calendar, cfg.NewsFilter),
		}, nil
	}
}

// ensureBrokerConnection lazily opens a reporting-only adapter for the
// account. This path never places orders.
func (m *Manager) ensureBrokerConnection(ctx context.Context, accountID string) (broker.Adapter, error) {
	m.mu.Lock()
	if adapter, ok := m.reporting[accountID]; ok && adapter.IsConnected() {
		m.mu.Unlock()
		return adapter, nil
	}
	m.mu.Unlock()

	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	adapter, err := m.registry.Create(acct.BrokerType, m.logger, acct.Credentials)
	if err != nil {
		return nil, err
	}
	if err := adapter.Connect(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.reporting[accountID] = adapter
	m.mu.Unlock()
	return adapter, nil
}

// Shutdown stops all bots and closes reporting connections.
func (m *Manager) Shutdown(ctx context.Context) {
	m.StopAll(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, adapter := range m.reporting {
		if err := adapter.Disconnect(); err != nil {
			m.logger.Warn("reporting disconnect", zap.String("account", id), zap.Error(err))
		}
		delete(m.reporting, id)
	}
}
