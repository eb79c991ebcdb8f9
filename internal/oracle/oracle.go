// Package oracle dispatches market analysis to AI models. Model inference
// itself lives behind the Model interface; the oracle owns prefetching,
// parallel fan-out, timeouts and error-to-HOLD conversion.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
	"go.uber.org/zap"
)

// DefaultCallTimeout bounds a single model call.
const DefaultCallTimeout = 120 * time.Second

// prefetchTTL keeps shared market data warm across the timeframes of one
// analysis round without refetching per model.
const prefetchTTL = 30 * time.Second

// MarketData is the prefetched context shared by all models of one round.
type MarketData struct {
	Tick    types.Tick
	Candles map[types.Timeframe][]types.Candle
}

// Request is one analysis task.
type Request struct {
	Symbol    string
	Timeframe types.Timeframe
	Mode      types.AnalysisMode
	Market    *MarketData
}

// Model produces an opinion for a request. Implementations wrap an
// inference backend and may ignore the prefetched market data.
type Model interface {
	Name() string
	Analyze(ctx context.Context, req Request) (types.Opinion, error)
}

// Prefetcher supplies the market data handed to every model.
type Prefetcher interface {
	Prefetch(ctx context.Context, symbol string, timeframes []types.Timeframe) (*MarketData, error)
}

// Oracle fans analysis out to the enabled models.
type Oracle struct {
	logger      *zap.Logger
	models      map[string]Model
	prefetcher  Prefetcher
	callTimeout time.Duration

	prefetchCache *broker.TTLCache[*MarketData]
}

// New creates an oracle over the given models. prefetcher may be nil, in
// which case models receive requests without market data.
func New(logger *zap.Logger, models []Model, prefetcher Prefetcher) *Oracle {
	byName := make(map[string]Model, len(models))
	for _, m := range models {
		byName[m.Name()] = m
	}
	return &Oracle{
		logger:        logger.Named("oracle"),
		models:        byName,
		prefetcher:    prefetcher,
		callTimeout:   DefaultCallTimeout,
		prefetchCache: broker.NewTTLCache[*MarketData](prefetchTTL),
	}
}

// SetCallTimeout overrides the per-model timeout; tests use short values.
func (o *Oracle) SetCallTimeout(d time.Duration) { o.callTimeout = d }

// Analyze runs a single model. Failure comes back as a HOLD opinion
// carrying the error text, never as a raised error.
func (o *Oracle) Analyze(ctx context.Context, model string, req Request) types.Opinion {
	m, ok := o.models[model]
	if !ok {
		return holdOpinion(model, req, fmt.Sprintf("unknown model %q", model))
	}
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	op, err := m.Analyze(callCtx, req)
	if err != nil {
		o.logger.Warn("Model analysis failed",
			zap.String("model", model), zap.String("symbol", req.Symbol), zap.Error(err))
		return holdOpinion(model, req, err.Error())
	}
	op.Model = model
	op.Symbol = req.Symbol
	op.Timeframe = req.Timeframe
	return op
}

// AnalyzeAll prefetches once and runs the named models in parallel,
// returning one opinion per requested model in request order.
func (o *Oracle) AnalyzeAll(ctx context.Context, symbol string, tf types.Timeframe, mode types.AnalysisMode, models []string) []types.Opinion {
	req := Request{Symbol: symbol, Timeframe: tf, Mode: mode}
	req.Market = o.prefetch(ctx, symbol, []types.Timeframe{tf})

	out := make([]types.Opinion, len(models))
	var wg sync.WaitGroup
	for i, name := range models {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			out[i] = o.Analyze(ctx, name, req)
		}(i, name)
	}
	wg.Wait()
	return out
}

// AnalyzeTimeframes runs AnalyzeAll per timeframe with one shared prefetch.
func (o *Oracle) AnalyzeTimeframes(ctx context.Context, symbol string, tfs []types.Timeframe, mode types.AnalysisMode, models []string) map[types.Timeframe][]types.Opinion {
	o.prefetch(ctx, symbol, tfs)
	out := make(map[types.Timeframe][]types.Opinion, len(tfs))
	for _, tf := range tfs {
		out[tf] = o.AnalyzeAll(ctx, symbol, tf, mode, models)
	}
	return out
}

// Models lists the registered model names.
func (o *Oracle) Models() []string {
	names := make([]string, 0, len(o.models))
	for name := range o.models {
		names = append(names, name)
	}
	return names
}

func (o *Oracle) prefetch(ctx context.Context, symbol string, tfs []types.Timeframe) *MarketData {
	if o.prefetcher == nil {
		return nil
	}
	if md, ok := o.prefetchCache.Get(symbol); ok {
		covered := true
		for _, tf := range tfs {
			if _, ok := md.Candles[tf]; !ok {
				covered = false
				break
			}
		}
		if covered {
			return md
		}
	}
	md, err := o.prefetcher.Prefetch(ctx, symbol, tfs)
	if err != nil {
		o.logger.Warn("Market data prefetch failed", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	o.prefetchCache.Put(symbol, md)
	return md
}

func holdOpinion(model string, req Request, errText string) types.Opinion {
	return types.Opinion{
		Model:     model,
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Direction: types.DirectionHold,
		Error:     errText,
	}
}
