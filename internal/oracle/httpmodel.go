package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
	"go.uber.org/zap"
)

// HTTPModel calls an inference gateway that turns market context into a
// structured opinion. One instance per upstream model name.
type HTTPModel struct {
	logger     *zap.Logger
	name       string
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPModel wires a model name to an inference endpoint. The client
// carries no timeout of its own; the oracle's per-call context bounds it.
func NewHTTPModel(logger *zap.Logger, name, endpoint, apiKey string) *HTTPModel {
	return &HTTPModel{
		logger:     logger.Named("model").With(zap.String("model", name)),
		name:       name,
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// Name returns the upstream model identifier.
func (m *HTTPModel) Name() string { return m.name }

type analyzeRequest struct {
	Model     string                               `json:"model"`
	Symbol    string                               `json:"symbol"`
	Timeframe types.Timeframe                      `json:"timeframe"`
	Mode      types.AnalysisMode                   `json:"mode"`
	Tick      *types.Tick                          `json:"tick,omitempty"`
	Candles   map[types.Timeframe][]types.Candle   `json:"candles,omitempty"`
}

// Analyze posts the request and decodes the structured opinion.
func (m *HTTPModel) Analyze(ctx context.Context, req Request) (types.Opinion, error) {
	body := analyzeRequest{
		Model:     m.name,
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Mode:      req.Mode,
	}
	if req.Market != nil {
		tick := req.Market.Tick
		body.Tick = &tick
		body.Candles = req.Market.Candles
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return types.Opinion{}, fmt.Errorf("marshal analyze request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+"/v1/analyze", bytes.NewReader(buf))
	if err != nil {
		return types.Opinion{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return types.Opinion{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Opinion{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return types.Opinion{}, fmt.Errorf("inference gateway %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var op types.Opinion
	if err := json.Unmarshal(payload, &op); err != nil {
		return types.Opinion{}, fmt.Errorf("bad opinion payload: %w", err)
	}
	op.Direction = types.Direction(strings.ToUpper(string(op.Direction)))
	switch op.Direction {
	case types.DirectionLong, types.DirectionShort, types.DirectionHold:
	default:
		return types.Opinion{}, fmt.Errorf("unknown direction %q in opinion", op.Direction)
	}
	return op, nil
}

// AdapterPrefetcher feeds models from a broker adapter: one tick plus the
// requested candle histories.
type AdapterPrefetcher struct {
	logger      *zap.Logger
	adapter     broker.Adapter
	candleCount int
}

// NewAdapterPrefetcher wires the prefetcher to an adapter.
func NewAdapterPrefetcher(logger *zap.Logger, adapter broker.Adapter) *AdapterPrefetcher {
	return &AdapterPrefetcher{logger: logger.Named("prefetch"), adapter: adapter, candleCount: 200}
}

// Prefetch collects a tick and candles; candle failures degrade to partial
// data, a missing tick fails the prefetch.
func (p *AdapterPrefetcher) Prefetch(ctx context.Context, symbol string, timeframes []types.Timeframe) (*MarketData, error) {
	tick, err := p.adapter.CurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("prefetch tick for %s: %w", symbol, err)
	}
	md := &MarketData{Tick: tick, Candles: make(map[types.Timeframe][]types.Candle, len(timeframes))}
	for _, tf := range timeframes {
		candles, err := p.adapter.Candles(ctx, symbol, tf, p.candleCount)
		if err != nil {
			p.logger.Debug("Candle prefetch failed",
				zap.String("symbol", symbol), zap.String("timeframe", string(tf)), zap.Error(err))
			continue
		}
		md.Candles[tf] = candles
	}
	return md, nil
}
