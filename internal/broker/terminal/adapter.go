// Package terminal implements the broker adapter for an in-process MT4/MT5
// terminal bridge. The terminal itself sits behind the Runtime interface;
// the adapter owns session state, symbol resolution and retcode mapping.
package terminal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runtime is the native terminal surface the bridge drives. Implementations
// wrap a local MT4/MT5 install; Sim provides an in-memory one.
type Runtime interface {
	Login(account, password string) error
	Logout()
	Account() (types.AccountInfo, error)
	Symbols() ([]types.Instrument, error)
	SymbolInfo(symbol string) (types.InstrumentSpec, error)
	Tick(symbol string) (types.Tick, error)
	Rates(symbol string, periodMinutes, count int) ([]types.Candle, error)
	OrderSend(req types.OrderRequest, symbol string) types.OrderResult
	OrderCancel(ticket string) bool
	Orders() ([]types.PendingOrder, error)
	Positions() ([]types.Position, error)
	PositionClose(symbol string, volume float64) types.OrderResult
	PositionModify(symbol string, sl, tp float64) (int, error) // returns retcode
}

var timeframeMinutes = map[types.Timeframe]int{
	types.Timeframe1m: 1, types.Timeframe5m: 5, types.Timeframe15m: 15,
	types.Timeframe30m: 30, types.Timeframe1h: 60, types.Timeframe4h: 240,
	types.Timeframe1d: 1440,
}

// Adapter bridges the orchestrator to a local terminal runtime.
type Adapter struct {
	logger  *zap.Logger
	runtime Runtime
	account string
	pass    string

	mu        sync.RWMutex
	sessionID string
	resolver  *broker.Resolver
	specs     *broker.SpecCache
}

// New creates a terminal adapter over the given runtime.
func New(logger *zap.Logger, runtime Runtime, creds types.CredentialsBundle) (*Adapter, error) {
	if runtime == nil {
		return nil, fmt.Errorf("terminal: runtime is required")
	}
	if creds.AccountID == "" {
		return nil, fmt.Errorf("terminal: account id is required")
	}
	return &Adapter{
		logger:  logger.Named("terminal"),
		runtime: runtime,
		account: creds.AccountID,
		pass:    creds.Password,
		specs:   broker.NewSpecCache(5 * time.Minute),
	}, nil
}

// Name identifies the adapter.
func (a *Adapter) Name() string { return "terminal" }

// Connect logs into the terminal, assigns a session id and loads symbols.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.runtime.Login(a.account, a.pass); err != nil {
		return broker.NewOrderError(broker.KindCredentials, 0, fmt.Sprintf("terminal login failed: %v", err))
	}
	instruments, err := a.runtime.Symbols()
	if err != nil {
		a.runtime.Logout()
		return broker.NewOrderError(broker.KindConnection, 0, fmt.Sprintf("symbol load failed: %v", err))
	}
	a.mu.Lock()
	a.sessionID = uuid.NewString()
	a.resolver = broker.NewResolver(a.logger, instruments)
	a.mu.Unlock()
	a.logger.Info("Terminal session opened",
		zap.String("account", a.account), zap.String("session", a.SessionID()))
	return nil
}

// SessionID returns the current session identifier, empty when disconnected.
func (a *Adapter) SessionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessionID
}

// Disconnect logs out and drops the session. Idempotent.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	wasOpen := a.sessionID != ""
	a.sessionID = ""
	a.mu.Unlock()
	if wasOpen {
		a.runtime.Logout()
	}
	return nil
}

// IsConnected reports session state.
func (a *Adapter) IsConnected() bool { return a.SessionID() != "" }

// AccountInfo returns the terminal's account snapshot.
func (a *Adapter) AccountInfo(ctx context.Context) (types.AccountInfo, error) {
	if !a.IsConnected() {
		return types.AccountInfo{}, broker.NewOrderError(broker.KindConnection, 0, "no terminal session")
	}
	return a.runtime.Account()
}

// Instruments lists the terminal's symbol catalogue.
func (a *Adapter) Instruments(ctx context.Context) ([]types.Instrument, error) {
	return a.runtime.Symbols()
}

// SymbolSpec returns the cached spec, fetching from the terminal on miss.
func (a *Adapter) SymbolSpec(ctx context.Context, sym string) (types.InstrumentSpec, error) {
	if spec, ok := a.specs.Get(sym); ok {
		return spec, nil
	}
	resolved, err := a.resolve(sym)
	if err != nil {
		return types.InstrumentSpec{}, err
	}
	spec, err := a.runtime.SymbolInfo(resolved)
	if err != nil {
		return types.InstrumentSpec{}, broker.NewOrderError(broker.KindSymbolNotFound, 0, err.Error())
	}
	spec.Symbol = sym
	a.specs.Put(sym, spec)
	return spec, nil
}

// CurrentPrice fetches the terminal's latest tick.
func (a *Adapter) CurrentPrice(ctx context.Context, sym string) (types.Tick, error) {
	resolved, err := a.resolve(sym)
	if err != nil {
		return types.Tick{}, err
	}
	tick, err := a.runtime.Tick(resolved)
	if err != nil {
		return types.Tick{}, broker.NewOrderError(broker.KindTransport, 0, err.Error())
	}
	tick.Symbol = sym
	return tick, nil
}

// Prices fetches ticks for several symbols; partial results are fine.
func (a *Adapter) Prices(ctx context.Context, syms []string) (map[string]types.Tick, error) {
	out := make(map[string]types.Tick, len(syms))
	for _, sym := range syms {
		tick, err := a.CurrentPrice(ctx, sym)
		if err != nil {
			continue
		}
		out[sym] = tick
	}
	return out, nil
}

// StreamPrices polls the terminal's tick feed until the context ends.
func (a *Adapter) StreamPrices(ctx context.Context, syms []string) (<-chan types.Tick, error) {
	ch := make(chan types.Tick, len(syms)*2)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			ticks, _ := a.Prices(ctx, syms)
			for _, tick := range ticks {
				select {
				case ch <- tick:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Candles fetches up to count bars from the terminal's history.
func (a *Adapter) Candles(ctx context.Context, sym string, tf types.Timeframe, count int) ([]types.Candle, error) {
	resolved, err := a.resolve(sym)
	if err != nil {
		return nil, err
	}
	minutes, ok := timeframeMinutes[tf]
	if !ok {
		return nil, fmt.Errorf("terminal: unsupported timeframe %q", tf)
	}
	return a.runtime.Rates(resolved, minutes, count)
}

// PlaceOrder forwards the order to the terminal. The terminal's native
// retcode travels back on the result for the pipeline's retry taxonomy.
func (a *Adapter) PlaceOrder(ctx context.Context, req types.OrderRequest) types.OrderResult {
	resolved, err := a.resolve(req.Symbol)
	if err != nil {
		return types.OrderResult{
			Status:       types.OrderRejected,
			ErrorMessage: err.Error(),
			Time:         time.Now().UTC(),
		}
	}
	res := a.runtime.OrderSend(req, resolved)
	if res.Time.IsZero() {
		res.Time = time.Now().UTC()
	}
	return res
}

// CancelOrder cancels a pending order. Never raises.
func (a *Adapter) CancelOrder(ctx context.Context, id string) bool {
	return a.runtime.OrderCancel(id)
}

// GetOrder fetches one order's state, nil when unknown.
func (a *Adapter) GetOrder(ctx context.Context, id string) (*types.OrderResult, error) {
	orders, err := a.runtime.Orders()
	if err != nil {
		return nil, broker.NewOrderError(broker.KindTransport, 0, err.Error())
	}
	for _, o := range orders {
		if o.ID == id {
			return &types.OrderResult{
				OrderID:     o.ID,
				Status:      types.OrderPending,
				FilledUnits: o.Units,
				Time:        time.Now().UTC(),
			}, nil
		}
	}
	return nil, nil
}

// OpenOrders lists pending orders, optionally filtered by canonical symbol.
func (a *Adapter) OpenOrders(ctx context.Context, sym string) ([]types.PendingOrder, error) {
	orders, err := a.runtime.Orders()
	if err != nil {
		return nil, broker.NewOrderError(broker.KindTransport, 0, err.Error())
	}
	if sym == "" {
		return orders, nil
	}
	resolved, err := a.resolve(sym)
	if err != nil {
		return nil, err
	}
	var out []types.PendingOrder
	for _, o := range orders {
		if strings.EqualFold(o.Symbol, resolved) {
			out = append(out, o)
		}
	}
	return out, nil
}

// Positions lists the terminal's open positions.
func (a *Adapter) Positions(ctx context.Context) ([]types.Position, error) {
	positions, err := a.runtime.Positions()
	if err != nil {
		return nil, broker.NewOrderError(broker.KindTransport, 0, err.Error())
	}
	return positions, nil
}

// Position returns the open position for a canonical symbol, nil when flat.
func (a *Adapter) Position(ctx context.Context, sym string) (*types.Position, error) {
	positions, err := a.Positions(ctx)
	if err != nil {
		return nil, err
	}
	resolved, err := a.resolve(sym)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if strings.EqualFold(positions[i].Symbol, resolved) {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// ClosePosition closes the position, optionally partially (units > 0).
func (a *Adapter) ClosePosition(ctx context.Context, sym string, units float64) types.OrderResult {
	resolved, err := a.resolve(sym)
	if err != nil {
		return types.OrderResult{
			Status:       types.OrderRejected,
			ErrorMessage: err.Error(),
			Time:         time.Now().UTC(),
		}
	}
	res := a.runtime.PositionClose(resolved, units)
	if res.Time.IsZero() {
		res.Time = time.Now().UTC()
	}
	return res
}

// ModifyPosition updates SL/TP, translating the native retcode.
func (a *Adapter) ModifyPosition(ctx context.Context, sym string, stopLoss, takeProfit float64) (bool, error) {
	resolved, err := a.resolve(sym)
	if err != nil {
		return false, err
	}
	retcode, err := a.runtime.PositionModify(resolved, stopLoss, takeProfit)
	if err != nil {
		return false, broker.NewOrderError(broker.KindTransport, 0, err.Error())
	}
	if retcode != broker.RetcodeDone {
		return false, broker.NewOrderError(broker.ClassifyRetcode(retcode), retcode,
			fmt.Sprintf("modify rejected for %s", sym))
	}
	return true, nil
}

// CanTradeSymbol checks resolution and the terminal's trade mode.
func (a *Adapter) CanTradeSymbol(ctx context.Context, sym string, side types.Direction) (bool, string, string) {
	resolved, err := a.resolve(sym)
	if err != nil {
		if broker.KindOf(err) == broker.KindSymbolNotFound {
			return false, "symbol not offered by this terminal", ""
		}
		return true, "tradability check skipped: " + err.Error(), sym
	}
	spec, err := a.SymbolSpec(ctx, sym)
	if err != nil {
		return true, "spec unavailable, assuming tradable: " + err.Error(), resolved
	}
	switch spec.TradeMode {
	case types.TradeModeDisabled, types.TradeModeCloseOnly:
		return false, fmt.Sprintf("trade mode %s", spec.TradeMode), resolved
	case types.TradeModeLongOnly:
		if side == types.DirectionShort {
			return false, "short side disabled", resolved
		}
	case types.TradeModeShortOnly:
		if side == types.DirectionLong {
			return false, "long side disabled", resolved
		}
	}
	return true, "", resolved
}

func (a *Adapter) resolve(sym string) (string, error) {
	a.mu.RLock()
	resolver := a.resolver
	a.mu.RUnlock()
	if resolver == nil {
		return "", broker.NewOrderError(broker.KindConnection, 0, "adapter not connected")
	}
	return resolver.Resolve(sym)
}

// Resolver exposes the session resolver for the pipeline's untradable marks.
func (a *Adapter) Resolver() *broker.Resolver {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.resolver
}
