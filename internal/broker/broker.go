// Package broker defines the uniform adapter contract every broker driver
// implements, plus the shared plumbing they all need: the error taxonomy,
// TTL response caching, symbol resolution and payload field extraction.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
	"go.uber.org/zap"
)

// Adapter is the uniform broker contract. All methods honor the passed
// context; PlaceOrder never returns an error for a normal broker rejection —
// it reports status REJECTED with the broker's message instead.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	AccountInfo(ctx context.Context) (types.AccountInfo, error)
	Instruments(ctx context.Context) ([]types.Instrument, error)
	SymbolSpec(ctx context.Context, sym string) (types.InstrumentSpec, error)

	CurrentPrice(ctx context.Context, sym string) (types.Tick, error)
	Prices(ctx context.Context, syms []string) (map[string]types.Tick, error)
	StreamPrices(ctx context.Context, syms []string) (<-chan types.Tick, error)
	Candles(ctx context.Context, sym string, tf types.Timeframe, count int) ([]types.Candle, error)

	PlaceOrder(ctx context.Context, req types.OrderRequest) types.OrderResult
	CancelOrder(ctx context.Context, id string) bool
	GetOrder(ctx context.Context, id string) (*types.OrderResult, error)
	OpenOrders(ctx context.Context, sym string) ([]types.PendingOrder, error)

	Positions(ctx context.Context) ([]types.Position, error)
	Position(ctx context.Context, sym string) (*types.Position, error)
	ClosePosition(ctx context.Context, sym string, units float64) types.OrderResult
	ModifyPosition(ctx context.Context, sym string, stopLoss, takeProfit float64) (bool, error)

	// CanTradeSymbol resolves the symbol and checks tradability for the given
	// side. Transient failures report tradable with a note rather than block.
	CanTradeSymbol(ctx context.Context, sym string, side types.Direction) (ok bool, reason string, resolved string)
}

// Factory builds an adapter from an account's credential bundle.
type Factory func(logger *zap.Logger, creds types.CredentialsBundle) (Adapter, error)

// Registry maps broker types to adapter factories. It is created once at boot
// and passed by reference; there is no ambient global registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[types.BrokerType]Factory
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[types.BrokerType]Factory)}
}

// Register installs a factory under a broker type key.
func (r *Registry) Register(bt types.BrokerType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[bt] = f
}

// Create builds an adapter for the given broker type.
func (r *Registry) Create(bt types.BrokerType, logger *zap.Logger, creds types.CredentialsBundle) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[bt]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("broker: unknown broker type %q", bt)
	}
	return f(logger, creds)
}

// Types returns the registered broker type keys.
func (r *Registry) Types() []types.BrokerType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.BrokerType, 0, len(r.factories))
	for bt := range r.factories {
		out = append(out, bt)
	}
	return out
}
