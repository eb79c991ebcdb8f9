// Package gatewayrest implements the broker adapter for REST MetaTrader
// gateways (MT4/MT5 accounts exposed over an HTTP bridge).
package gatewayrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Cache TTLs per endpoint class.
const (
	accountTTL   = 30 * time.Second
	positionsTTL = 15 * time.Second
	pricesTTL    = 8 * time.Second
	ordersTTL    = 10 * time.Second

	restTimeout = 30 * time.Second

	// Batch pacing for the polling price stream. Lowering the gap requires
	// recomputing the gateway's rate budget first.
	streamBatchSize = 5
	streamBatchGap  = 300 * time.Millisecond
)

// Adapter drives a MetaTrader account through a REST gateway.
type Adapter struct {
	logger     *zap.Logger
	baseURL    string
	token      string
	accountID  string
	httpClient *http.Client

	mu        sync.RWMutex
	connected bool
	resolver  *broker.Resolver
	specs     *broker.SpecCache

	accountCache   *broker.TTLCache[types.AccountInfo]
	positionsCache *broker.TTLCache[[]types.Position]
	pricesCache    *broker.TTLCache[types.Tick]
	ordersCache    *broker.TTLCache[[]types.PendingOrder]
	gate           *broker.RateGate
}

// New creates a gateway-REST adapter from a credentials bundle.
func New(logger *zap.Logger, creds types.CredentialsBundle) (*Adapter, error) {
	if creds.AccessToken == "" || creds.AccountID == "" || creds.BaseURL == "" {
		return nil, fmt.Errorf("gatewayrest: access token, account id and base url are required")
	}
	return &Adapter{
		logger:         logger.Named("gateway-rest"),
		baseURL:        strings.TrimRight(creds.BaseURL, "/"),
		token:          creds.AccessToken,
		accountID:      creds.AccountID,
		httpClient:     &http.Client{Timeout: restTimeout},
		specs:          broker.NewSpecCache(5 * time.Minute),
		accountCache:   broker.NewTTLCache[types.AccountInfo](accountTTL),
		positionsCache: broker.NewTTLCache[[]types.Position](positionsTTL),
		pricesCache:    broker.NewTTLCache[types.Tick](pricesTTL),
		ordersCache:    broker.NewTTLCache[[]types.PendingOrder](ordersTTL),
		gate:           broker.NewRateGate(),
	}, nil
}

// Name identifies the adapter.
func (a *Adapter) Name() string { return "gateway-rest" }

// Connect validates credentials and warms the symbol catalogue.
func (a *Adapter) Connect(ctx context.Context) error {
	a.logger.Info("Connecting to MetaTrader gateway", zap.String("account", a.accountID))

	instruments, err := a.Instruments(ctx)
	if err != nil {
		return broker.NewOrderError(broker.KindConnection, 0, fmt.Sprintf("gateway connect failed: %v", err))
	}

	a.mu.Lock()
	a.resolver = broker.NewResolver(a.logger, instruments)
	a.connected = true
	a.mu.Unlock()
	return nil
}

// Disconnect tears the session down. Idempotent.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

// IsConnected reports session state.
func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// AccountInfo returns the account snapshot, serving cache within its TTL and
// stale values during rate-limit blackouts.
func (a *Adapter) AccountInfo(ctx context.Context) (types.AccountInfo, error) {
	if v, ok := a.accountCache.Get("account"); ok {
		return v, nil
	}
	if a.gate.Blocked() {
		if v, present, _ := a.accountCache.GetStale("account"); present {
			a.logger.Debug("Serving stale account info during rate-limit blackout")
			return v, nil
		}
		return types.AccountInfo{}, broker.NewOrderError(broker.KindRateLimited, 0, "gateway rate limited, no cached account info")
	}

	payload, err := a.getJSON(ctx, "/api/accounts/"+a.accountID)
	if err != nil {
		if broker.KindOf(err) == broker.KindRateLimited {
			if v, present, _ := a.accountCache.GetStale("account"); present {
				return v, nil
			}
		}
		return types.AccountInfo{}, err
	}

	info := parseAccount(payload)
	a.accountCache.Put("account", info)
	return info, nil
}

func parseAccount(m map[string]any) types.AccountInfo {
	dec := func(paths ...string) decimal.Decimal {
		f, _ := broker.PickFloat(m, paths...)
		return decimal.NewFromFloat(f)
	}
	currency, _ := broker.PickString(m, "currency", "account_currency", "account.currency")
	leverage, _ := broker.PickInt(m, "leverage", "account.leverage")
	return types.AccountInfo{
		Balance:          dec("balance", "account.balance"),
		Equity:           dec("equity", "account.equity"),
		MarginUsed:       dec("margin", "margin_used", "account.margin"),
		MarginAvailable:  dec("marginFree", "margin_free", "free_margin", "account.margin_free"),
		UnrealizedPnL:    dec("profit", "unrealized_pnl", "floating_profit"),
		RealizedPnLToday: dec("realized_pnl_today", "today_profit"),
		Currency:         currency,
		Leverage:         leverage,
	}
}

// Instruments fetches the full symbol catalogue.
func (a *Adapter) Instruments(ctx context.Context) ([]types.Instrument, error) {
	raw, err := a.getRaw(ctx, "/api/accounts/"+a.accountID+"/symbols")
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		// Some gateways wrap the list.
		var wrapped map[string]any
		if err2 := json.Unmarshal(raw, &wrapped); err2 != nil {
			return nil, broker.NewOrderError(broker.KindTransport, 0, fmt.Sprintf("bad symbols payload: %v", err))
		}
		if list, ok := wrapped["symbols"].([]any); ok {
			for _, item := range list {
				if m, ok := item.(map[string]any); ok {
					rows = append(rows, m)
				}
			}
		}
	}
	out := make([]types.Instrument, 0, len(rows))
	for _, row := range rows {
		name, ok := broker.PickString(row, "symbol", "name")
		if !ok {
			continue
		}
		desc, _ := broker.PickString(row, "description", "desc")
		cat, _ := broker.PickString(row, "category", "path", "group")
		out = append(out, types.Instrument{BrokerSymbol: name, Description: desc, Category: cat})
	}
	return out, nil
}

// SymbolSpec returns the cached instrument spec, fetching on miss. An
// unresolvable or spec-less symbol yields an empty spec, never a panic.
func (a *Adapter) SymbolSpec(ctx context.Context, sym string) (types.InstrumentSpec, error) {
	if spec, ok := a.specs.Get(sym); ok {
		return spec, nil
	}
	resolved, err := a.resolve(sym)
	if err != nil {
		return types.InstrumentSpec{}, err
	}
	payload, err := a.getJSON(ctx, "/api/accounts/"+a.accountID+"/symbols/"+url.PathEscape(resolved))
	if err != nil {
		return types.InstrumentSpec{}, err
	}
	spec := parseSpec(sym, payload)
	a.specs.Put(sym, spec)
	return spec, nil
}

func parseSpec(sym string, m map[string]any) types.InstrumentSpec {
	f := func(paths ...string) float64 {
		v, _ := broker.PickFloat(m, paths...)
		return v
	}
	spec := types.InstrumentSpec{
		Symbol:       sym,
		PointSize:    f("point", "point_size", "pointSize"),
		TickSize:     f("tick_size", "tickSize", "trade_tick_size"),
		TickValue:    f("tick_value", "tickValue", "trade_tick_value"),
		ContractSize: f("contract_size", "contractSize", "trade_contract_size"),
		MinVolume:    f("volume_min", "min_volume", "minVolume"),
		MaxVolume:    f("volume_max", "max_volume", "maxVolume"),
		VolumeStep:   f("volume_step", "volumeStep"),
		StopsLevel:   f("stops_level", "stopsLevel", "trade_stops_level"),
		FreezeLevel:  f("freeze_level", "freezeLevel", "trade_freeze_level"),
	}
	if mode, ok := broker.PickString(m, "trade_mode", "tradeMode"); ok {
		spec.TradeMode = normalizeTradeMode(mode)
	}
	if modes, ok := broker.Pick(m, "filling_modes", "fillingModes"); ok {
		if list, ok := modes.([]any); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					spec.FillingModes = append(spec.FillingModes, s)
				}
			}
		}
	}
	return spec
}

func normalizeTradeMode(mode string) types.TradeMode {
	switch strings.ToUpper(mode) {
	case "FULL", "SYMBOL_TRADE_MODE_FULL", "4":
		return types.TradeModeFull
	case "LONGONLY", "LONG_ONLY", "SYMBOL_TRADE_MODE_LONGONLY":
		return types.TradeModeLongOnly
	case "SHORTONLY", "SHORT_ONLY", "SYMBOL_TRADE_MODE_SHORTONLY":
		return types.TradeModeShortOnly
	case "CLOSEONLY", "CLOSE_ONLY", "SYMBOL_TRADE_MODE_CLOSEONLY":
		return types.TradeModeCloseOnly
	case "DISABLED", "SYMBOL_TRADE_MODE_DISABLED", "0":
		return types.TradeModeDisabled
	default:
		return types.TradeModeFull
	}
}

// CurrentPrice fetches the latest tick for a canonical symbol.
func (a *Adapter) CurrentPrice(ctx context.Context, sym string) (types.Tick, error) {
	if tick, ok := a.pricesCache.Get(sym); ok {
		return tick, nil
	}
	if a.gate.Blocked() {
		if tick, present, _ := a.pricesCache.GetStale(sym); present {
			return tick, nil
		}
		return types.Tick{}, broker.NewOrderError(broker.KindRateLimited, 0, "gateway rate limited, no cached tick for "+sym)
	}
	resolved, err := a.resolve(sym)
	if err != nil {
		return types.Tick{}, err
	}
	payload, err := a.getJSON(ctx, "/api/accounts/"+a.accountID+"/ticks/"+url.PathEscape(resolved))
	if err != nil {
		return types.Tick{}, err
	}
	tick, perr := parseTick(sym, payload)
	if perr != nil {
		return types.Tick{}, perr
	}
	a.pricesCache.Put(sym, tick)
	return tick, nil
}

func parseTick(sym string, m map[string]any) (types.Tick, error) {
	bid, okBid := broker.PickFloat(m, "bid", "tick.bid")
	ask, okAsk := broker.PickFloat(m, "ask", "tick.ask")
	if !okBid || !okAsk {
		return types.Tick{}, broker.NewOrderError(broker.KindTransport, 0, "tick payload missing bid/ask for "+sym)
	}
	ts := time.Now()
	if sec, ok := broker.PickFloat(m, "time", "tick.time", "timestamp"); ok && sec > 0 {
		ts = time.Unix(int64(sec), 0).UTC()
	}
	return types.Tick{Symbol: sym, Bid: bid, Ask: ask, Time: ts}, nil
}

// Prices fetches ticks for several symbols; partial results are fine.
func (a *Adapter) Prices(ctx context.Context, syms []string) (map[string]types.Tick, error) {
	out := make(map[string]types.Tick, len(syms))
	for _, sym := range syms {
		tick, err := a.CurrentPrice(ctx, sym)
		if err != nil {
			a.logger.Debug("Price fetch failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		out[sym] = tick
	}
	return out, nil
}

// StreamPrices polls the gateway in small paced batches and emits ticks on
// the returned channel until the context is cancelled.
func (a *Adapter) StreamPrices(ctx context.Context, syms []string) (<-chan types.Tick, error) {
	ch := make(chan types.Tick, len(syms)*2)
	go func() {
		defer close(ch)
		for {
			for start := 0; start < len(syms); start += streamBatchSize {
				end := start + streamBatchSize
				if end > len(syms) {
					end = len(syms)
				}
				ticks, err := a.Prices(ctx, syms[start:end])
				if err == nil {
					for _, tick := range ticks {
						select {
						case ch <- tick:
						case <-ctx.Done():
							return
						}
					}
				}
				select {
				case <-time.After(streamBatchGap):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

var timeframeMinutes = map[types.Timeframe]int{
	types.Timeframe1m: 1, types.Timeframe5m: 5, types.Timeframe15m: 15,
	types.Timeframe30m: 30, types.Timeframe1h: 60, types.Timeframe4h: 240,
	types.Timeframe1d: 1440,
}

// Candles fetches up to count bars, oldest first.
func (a *Adapter) Candles(ctx context.Context, sym string, tf types.Timeframe, count int) ([]types.Candle, error) {
	resolved, err := a.resolve(sym)
	if err != nil {
		return nil, err
	}
	minutes, ok := timeframeMinutes[tf]
	if !ok {
		return nil, fmt.Errorf("gatewayrest: unsupported timeframe %q", tf)
	}
	path := fmt.Sprintf("/api/accounts/%s/candles/%s?period=%d&count=%d", a.accountID, url.PathEscape(resolved), minutes, count)
	raw, err := a.getRaw(ctx, path)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, broker.NewOrderError(broker.KindTransport, 0, fmt.Sprintf("bad candles payload: %v", err))
	}
	out := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		c := types.Candle{}
		c.Open, _ = broker.PickFloat(row, "open", "o")
		c.High, _ = broker.PickFloat(row, "high", "h")
		c.Low, _ = broker.PickFloat(row, "low", "l")
		c.Close, _ = broker.PickFloat(row, "close", "c")
		c.Volume, _ = broker.PickFloat(row, "volume", "tick_volume", "v")
		if sec, ok := broker.PickFloat(row, "time", "t", "timestamp"); ok {
			c.Time = time.Unix(int64(sec), 0).UTC()
		}
		out = append(out, c)
	}
	// Gateways disagree on ordering; the contract is ascending by time.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		if out[i].Time.After(out[j].Time) {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// fillingModes tried in order when the gateway rejects the requested one.
var fillingModes = []string{"IOC", "FOK", "RETURN"}

// PlaceOrder submits a market order with the caller's stops untouched. On an
// unsupported-filling rejection it retries the remaining filling modes; all
// other rejections are returned as-is with the broker's message. Stop and
// size adjustments belong to the order pipeline, not here.
func (a *Adapter) PlaceOrder(ctx context.Context, req types.OrderRequest) types.OrderResult {
	resolved, err := a.resolve(req.Symbol)
	if err != nil {
		return rejected(err)
	}

	modes := fillingModes
	if req.FillingMode != "" {
		modes = append([]string{req.FillingMode}, fillingModes...)
	}

	var last types.OrderResult
	for i, mode := range modes {
		body := map[string]any{
			"symbol":          resolved,
			"side":            strings.ToLower(string(req.Side)),
			"volume":          req.Units,
			"type":            "market",
			"stop_loss":       req.StopLoss,
			"take_profit":     req.TakeProfit,
			"filling":         mode,
			"client_order_id": req.ClientOrderID,
			"comment":         req.Comment,
		}
		payload, err := a.postJSON(ctx, "/api/accounts/"+a.accountID+"/orders", body)
		if err != nil {
			return rejected(err)
		}
		last = parseOrderResult(payload)
		if last.Status != types.OrderRejected {
			return last
		}
		kind := broker.ClassifyRetcode(last.Retcode)
		if kind == broker.KindUnknown {
			kind = broker.ClassifyMessage(last.ErrorMessage)
		}
		if kind != broker.KindInvalidFilling || i == len(modes)-1 {
			return last
		}
		a.logger.Debug("Filling mode rejected, trying next",
			zap.String("symbol", req.Symbol), zap.String("mode", mode))
	}
	return last
}

func parseOrderResult(m map[string]any) types.OrderResult {
	res := types.OrderResult{Time: time.Now().UTC()}
	res.OrderID, _ = broker.PickString(m, "order_id", "orderId", "order", "ticket", "deal")
	if res.OrderID == "" {
		if n, ok := broker.PickFloat(m, "order_id", "orderId", "ticket", "deal"); ok && n > 0 {
			res.OrderID = strconv.FormatInt(int64(n), 10)
		}
	}
	res.Retcode, _ = broker.PickInt(m, "retcode", "return_code", "code")
	res.FilledPrice, _ = broker.PickFloat(m, "price", "fill_price", "deal_price")
	res.FilledUnits, _ = broker.PickFloat(m, "volume", "filled_volume")
	res.StopLoss, _ = broker.PickFloat(m, "sl", "stop_loss")
	res.TakeProfit, _ = broker.PickFloat(m, "tp", "take_profit")
	res.ErrorMessage, _ = broker.PickString(m, "message", "error", "comment")

	switch {
	case res.Retcode == broker.RetcodeDone, res.Retcode == 0 && res.OrderID != "":
		res.Status = types.OrderFilled
	default:
		res.Status = types.OrderRejected
	}
	return res
}

func rejected(err error) types.OrderResult {
	var retcode int
	if oe, ok := err.(*broker.OrderError); ok {
		retcode = oe.Retcode
	}
	return types.OrderResult{
		Status:       types.OrderRejected,
		ErrorMessage: err.Error(),
		Retcode:      retcode,
		Time:         time.Now().UTC(),
	}
}

// CancelOrder cancels a pending order. Never raises.
func (a *Adapter) CancelOrder(ctx context.Context, id string) bool {
	_, err := a.deleteJSON(ctx, "/api/accounts/"+a.accountID+"/orders/"+url.PathEscape(id))
	if err != nil {
		a.logger.Warn("Cancel order failed", zap.String("order", id), zap.Error(err))
		return false
	}
	a.ordersCache.Invalidate("orders")
	return true
}

// GetOrder fetches one order's state, nil when unknown.
func (a *Adapter) GetOrder(ctx context.Context, id string) (*types.OrderResult, error) {
	payload, err := a.getJSON(ctx, "/api/accounts/"+a.accountID+"/orders/"+url.PathEscape(id))
	if err != nil {
		if broker.KindOf(err) == broker.KindSymbolNotFound {
			return nil, nil
		}
		return nil, err
	}
	res := parseOrderResult(payload)
	return &res, nil
}

// OpenOrders lists pending orders, optionally filtered by canonical symbol.
func (a *Adapter) OpenOrders(ctx context.Context, sym string) ([]types.PendingOrder, error) {
	orders, ok := a.ordersCache.Get("orders")
	if !ok {
		if a.gate.Blocked() {
			if stale, present, _ := a.ordersCache.GetStale("orders"); present {
				orders = stale
			} else {
				return nil, nil
			}
		} else {
			raw, err := a.getRaw(ctx, "/api/accounts/"+a.accountID+"/orders")
			if err != nil {
				return nil, err
			}
			var rows []map[string]any
			if err := json.Unmarshal(raw, &rows); err != nil {
				return nil, broker.NewOrderError(broker.KindTransport, 0, fmt.Sprintf("bad orders payload: %v", err))
			}
			orders = make([]types.PendingOrder, 0, len(rows))
			for _, row := range rows {
				orders = append(orders, parsePendingOrder(row))
			}
			a.ordersCache.Put("orders", orders)
		}
	}
	if sym == "" {
		return orders, nil
	}
	resolved, err := a.resolve(sym)
	if err != nil {
		return nil, err
	}
	var filtered []types.PendingOrder
	for _, o := range orders {
		if strings.EqualFold(o.Symbol, resolved) {
			filtered = append(filtered, o)
		}
	}
	return filtered, nil
}

func parsePendingOrder(m map[string]any) types.PendingOrder {
	o := types.PendingOrder{}
	o.ID, _ = broker.PickString(m, "order_id", "ticket", "id")
	if o.ID == "" {
		if n, ok := broker.PickFloat(m, "order_id", "ticket", "id"); ok {
			o.ID = strconv.FormatInt(int64(n), 10)
		}
	}
	o.Symbol, _ = broker.PickString(m, "symbol")
	side, _ := broker.PickString(m, "side", "type")
	if strings.Contains(strings.ToLower(side), "sell") {
		o.Side = types.DirectionShort
	} else {
		o.Side = types.DirectionLong
	}
	o.Units, _ = broker.PickFloat(m, "volume", "units")
	o.OrderType, _ = broker.PickString(m, "order_type", "type")
	o.Price, _ = broker.PickFloat(m, "price", "price_open")
	if sec, ok := broker.PickFloat(m, "time_setup", "created_at"); ok {
		o.CreatedAt = time.Unix(int64(sec), 0).UTC()
	}
	return o
}

// Positions lists open positions; stale cache is acceptable under rate limit.
func (a *Adapter) Positions(ctx context.Context) ([]types.Position, error) {
	if v, ok := a.positionsCache.Get("positions"); ok {
		return v, nil
	}
	if a.gate.Blocked() {
		if v, present, _ := a.positionsCache.GetStale("positions"); present {
			a.logger.Debug("Serving stale positions during rate-limit blackout")
			return v, nil
		}
		return nil, broker.NewOrderError(broker.KindRateLimited, 0, "gateway rate limited, no cached positions")
	}
	raw, err := a.getRaw(ctx, "/api/accounts/"+a.accountID+"/positions")
	if err != nil {
		if broker.KindOf(err) == broker.KindRateLimited {
			if v, present, _ := a.positionsCache.GetStale("positions"); present {
				return v, nil
			}
		}
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, broker.NewOrderError(broker.KindTransport, 0, fmt.Sprintf("bad positions payload: %v", err))
	}
	out := make([]types.Position, 0, len(rows))
	for _, row := range rows {
		out = append(out, parsePosition(row))
	}
	a.positionsCache.Put("positions", out)
	return out, nil
}

func parsePosition(m map[string]any) types.Position {
	p := types.Position{}
	p.Symbol, _ = broker.PickString(m, "symbol")
	side, _ := broker.PickString(m, "side", "type")
	if strings.Contains(strings.ToLower(side), "sell") || strings.Contains(strings.ToLower(side), "short") {
		p.Side = types.DirectionShort
	} else {
		p.Side = types.DirectionLong
	}
	p.Units, _ = broker.PickFloat(m, "volume", "units")
	p.EntryPrice, _ = broker.PickFloat(m, "price_open", "open_price", "entry_price")
	p.CurrentPrice, _ = broker.PickFloat(m, "price_current", "current_price")
	p.StopLoss, _ = broker.PickFloat(m, "sl", "stop_loss")
	p.TakeProfit, _ = broker.PickFloat(m, "tp", "take_profit")
	if f, ok := broker.PickFloat(m, "profit", "unrealized_pnl"); ok {
		p.UnrealizedPnL = decimal.NewFromFloat(f)
	}
	if sec, ok := broker.PickFloat(m, "time", "opened_at"); ok {
		p.OpenedAt = time.Unix(int64(sec), 0).UTC()
	}
	return p
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
		return rejected(err)
	}
	body := map[string]any{"symbol": resolved}
	if units > 0 {
		body["volume"] = units
	}
	payload, err := a.postJSON(ctx, "/api/accounts/"+a.accountID+"/positions/close", body)
	if err != nil {
		return rejected(err)
	}
	a.positionsCache.Invalidate("positions")
	return parseOrderResult(payload)
}

// ModifyPosition updates SL/TP on an open position. Zero leaves a leg as-is.
func (a *Adapter) ModifyPosition(ctx context.Context, sym string, stopLoss, takeProfit float64) (bool, error) {
	resolved, err := a.resolve(sym)
	if err != nil {
		return false, err
	}
	body := map[string]any{"symbol": resolved}
	if stopLoss > 0 {
		body["stop_loss"] = stopLoss
	}
	if takeProfit > 0 {
		body["take_profit"] = takeProfit
	}
	payload, err := a.postJSON(ctx, "/api/accounts/"+a.accountID+"/positions/modify", body)
	if err != nil {
		return false, err
	}
	a.positionsCache.Invalidate("positions")
	res := parseOrderResult(payload)
	if res.Status == types.OrderRejected {
		return false, broker.NewOrderError(broker.ClassifyRetcode(res.Retcode), res.Retcode, res.ErrorMessage)
	}
	return true, nil
}

// CanTradeSymbol checks resolution and trade mode for the side. Transient
// failures never block: they return tradable with a note.
func (a *Adapter) CanTradeSymbol(ctx context.Context, sym string, side types.Direction) (bool, string, string) {
	resolved, err := a.resolve(sym)
	if err != nil {
		if broker.KindOf(err) == broker.KindSymbolNotFound {
			return false, "symbol not offered by this broker", ""
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
			return false, "short side disabled by broker", resolved
		}
	case types.TradeModeShortOnly:
		if side == types.DirectionLong {
			return false, "long side disabled by broker", resolved
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

// --- HTTP plumbing ---

func (a *Adapter) getRaw(ctx context.Context, path string) (json.RawMessage, error) {
	return a.do(ctx, http.MethodGet, path, nil)
}

func (a *Adapter) getJSON(ctx context.Context, path string) (map[string]any, error) {
	raw, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeObject(raw)
}

func (a *Adapter) postJSON(ctx context.Context, path string, body any) (map[string]any, error) {
	raw, err := a.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	return decodeObject(raw)
}

func (a *Adapter) deleteJSON(ctx context.Context, path string) (map[string]any, error) {
	raw, err := a.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeObject(raw)
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, broker.NewOrderError(broker.KindTransport, 0, fmt.Sprintf("bad gateway payload: %v", err))
	}
	return m, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("gatewayrest: marshal body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, broker.NewOrderError(broker.KindTransport, 0, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, broker.NewOrderError(broker.KindTimeout, 0, err.Error())
		}
		return nil, broker.NewOrderError(broker.KindTransport, 0, err.Error())
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, broker.NewOrderError(broker.KindTransport, 0, err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		a.gate.BlockFor(retryAfter)
		a.logger.Warn("Gateway rate limited", zap.Duration("blackout", retryAfter))
		return nil, broker.NewOrderError(broker.KindRateLimited, 0, "gateway returned 429")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, broker.NewOrderError(broker.KindCredentials, 0, fmt.Sprintf("gateway auth failed: %s", strings.TrimSpace(string(payload))))
	case resp.StatusCode == http.StatusNotFound:
		return nil, broker.NewOrderError(broker.KindSymbolNotFound, 0, fmt.Sprintf("gateway 404: %s", path))
	case resp.StatusCode >= 400:
		return nil, broker.NewOrderError(broker.KindTransport, 0, fmt.Sprintf("gateway %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}
	return payload, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return time.Minute
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return time.Minute
}
