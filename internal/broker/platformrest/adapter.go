// Package platformrest implements a broker adapter for prop-firm platform
// REST bridges (cTrader, DXtrade, MatchTrader). The platforms share one
// request shape and differ only in endpoint templates and login payloads.
package platformrest

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

const restTimeout = 30 * time.Second

// endpoints holds a platform's path templates. {account} is substituted at
// request time; symbols are query or path parameters per template.
type endpoints struct {
	login     string
	account   string
	symbols   string
	quote     string // + symbol path segment
	candles   string // fmt: symbol, period minutes, count
	order     string
	orders    string
	positions string
	close     string
	modify    string
}

var platformEndpoints = map[string]endpoints{
	"ctrader": {
		login:     "/connect/token",
		account:   "/v2/accounts/{account}",
		symbols:   "/v2/accounts/{account}/symbols",
		quote:     "/v2/accounts/{account}/quotes/",
		candles:   "/v2/accounts/{account}/candles/%s?periodMinutes=%d&count=%d",
		order:     "/v2/accounts/{account}/orders",
		orders:    "/v2/accounts/{account}/orders/pending",
		positions: "/v2/accounts/{account}/positions",
		close:     "/v2/accounts/{account}/positions/close",
		modify:    "/v2/accounts/{account}/positions/modify",
	},
	"dxtrade": {
		login:     "/dxsca-web/login",
		account:   "/dxsca-web/accounts/{account}/metrics",
		symbols:   "/dxsca-web/accounts/{account}/instruments",
		quote:     "/dxsca-web/marketdata/quotes/",
		candles:   "/dxsca-web/marketdata/candles/%s?period=%dm&count=%d",
		order:     "/dxsca-web/accounts/{account}/orders",
		orders:    "/dxsca-web/accounts/{account}/orders",
		positions: "/dxsca-web/accounts/{account}/positions",
		close:     "/dxsca-web/accounts/{account}/positions/close",
		modify:    "/dxsca-web/accounts/{account}/positions/modify",
	},
	"matchtrader": {
		login:     "/manager/co-login",
		account:   "/mtr-api/{account}/balance",
		symbols:   "/mtr-api/{account}/instruments",
		quote:     "/mtr-api/{account}/quotations/",
		candles:   "/mtr-api/{account}/candles/%s?interval=%d&limit=%d",
		order:     "/mtr-api/{account}/position/open",
		orders:    "/mtr-api/{account}/orders/active",
		positions: "/mtr-api/{account}/open-positions",
		close:     "/mtr-api/{account}/position/close",
		modify:    "/mtr-api/{account}/position/edit",
	},
}

// tokenPaths are the response locations a login token may live at,
// checked in order.
var tokenPaths = []string{
	"access_token", "accessToken", "token", "jwt", "sessionToken",
	"data.access_token", "data.token", "result.access_token", "result.token",
}

// Adapter drives a platform REST bridge session.
type Adapter struct {
	logger     *zap.Logger
	platform   string
	baseURL    string
	username   string
	password   string
	accountID  string
	eps        endpoints
	httpClient *http.Client

	mu        sync.RWMutex
	token     string
	connected bool
	resolver  *broker.Resolver
	specs     *broker.SpecCache
}

// New creates a platform-REST adapter. PlatformID selects the endpoint
// set; unknown platforms are rejected at construction.
func New(logger *zap.Logger, creds types.CredentialsBundle) (*Adapter, error) {
	platform := strings.ToLower(creds.PlatformID)
	eps, ok := platformEndpoints[platform]
	if !ok {
		return nil, fmt.Errorf("platformrest: unknown platform %q", creds.PlatformID)
	}
	if creds.BaseURL == "" || creds.Username == "" || creds.Password == "" || creds.AccountID == "" {
		return nil, fmt.Errorf("platformrest: base url, username, password and account id are required")
	}
	return &Adapter{
		logger:     logger.Named("platform-rest").With(zap.String("platform", platform)),
		platform:   platform,
		baseURL:    strings.TrimRight(creds.BaseURL, "/"),
		username:   creds.Username,
		password:   creds.Password,
		accountID:  creds.AccountID,
		eps:        eps,
		httpClient: &http.Client{Timeout: restTimeout},
		specs:      broker.NewSpecCache(5 * time.Minute),
	}, nil
}

// Name identifies the adapter.
func (a *Adapter) Name() string { return "platform-rest:" + a.platform }

// Connect logs in, stores the bearer token and warms the symbol catalogue.
func (a *Adapter) Connect(ctx context.Context) error {
	a.logger.Info("Connecting to platform bridge", zap.String("account", a.accountID))
	if err := a.login(ctx); err != nil {
		return err
	}
	instruments, err := a.Instruments(ctx)
	if err != nil {
		return broker.NewOrderError(broker.KindConnection, 0, fmt.Sprintf("symbol catalogue fetch failed: %v", err))
	}
	a.mu.Lock()
	a.resolver = broker.NewResolver(a.logger, instruments)
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) login(ctx context.Context) error {
	body := map[string]string{
		"username": a.username,
		"password": a.password,
		"email":    a.username,
		"login":    a.username,
	}
	payload, err := a.doRaw(ctx, http.MethodPost, a.eps.login, body, false)
	if err != nil {
		if broker.KindOf(err) == broker.KindCredentials {
			return err
		}
		return broker.NewOrderError(broker.KindConnection, 0, fmt.Sprintf("login failed: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return broker.NewOrderError(broker.KindTransport, 0, fmt.Sprintf("bad login payload: %v", err))
	}
	token, ok := broker.PickString(m, tokenPaths...)
	if !ok || token == "" {
		return broker.NewOrderError(broker.KindCredentials, 0, "login response carried no token")
	}
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
	return nil
}

// Disconnect forgets the session token. Idempotent.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = ""
	a.connected = false
	return nil
}

// IsConnected reports session state.
func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected && a.token != ""
}

// AccountInfo returns the account snapshot.
func (a *Adapter) AccountInfo(ctx context.Context) (types.AccountInfo, error) {
	m, err := a.getJSON(ctx, a.path(a.eps.account))
	if err != nil {
		return types.AccountInfo{}, err
	}
	dec := func(paths ...string) decimal.Decimal {
		f, _ := broker.PickFloat(m, paths...)
		return decimal.NewFromFloat(f)
	}
	currency, _ := broker.PickString(m, "currency", "data.currency", "account.currency")
	leverage, _ := broker.PickInt(m, "leverage", "data.leverage")
	return types.AccountInfo{
		Balance:         dec("balance", "data.balance", "account.balance"),
		Equity:          dec("equity", "data.equity", "account.equity"),
		MarginUsed:      dec("margin", "marginUsed", "data.margin"),
		MarginAvailable: dec("freeMargin", "marginFree", "marginAvailable", "data.freeMargin"),
		UnrealizedPnL:   dec("profit", "openPnl", "data.profit"),
		Currency:        currency,
		Leverage:        leverage,
	}, nil
}

// Instruments fetches the symbol catalogue.
func (a *Adapter) Instruments(ctx context.Context) ([]types.Instrument, error) {
	payload, err := a.doRaw(ctx, http.MethodGet, a.path(a.eps.symbols), nil, true)
	if err != nil {
		return nil, err
	}
	rows := decodeList(payload, "symbols", "instruments", "data")
	out := make([]types.Instrument, 0, len(rows))
	for _, row := range rows {
		name, ok := broker.PickString(row, "symbol", "name", "instrument")
		if !ok {
			continue
		}
		desc, _ := broker.PickString(row, "description", "displayName")
		cat, _ := broker.PickString(row, "category", "type", "group")
		out = append(out, types.Instrument{BrokerSymbol: name, Description: desc, Category: cat})
	}
	return out, nil
}

// decodeList accepts either a bare JSON array or an object wrapping one
// under any of the given keys.
func decodeList(payload json.RawMessage, keys ...string) []map[string]any {
	var rows []map[string]any
	if err := json.Unmarshal(payload, &rows); err == nil {
		return rows
	}
	var wrapped map[string]any
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil
	}
	for _, key := range keys {
		list, ok := wrapped[key].([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
		return rows
	}
	return nil
}

// SymbolSpec derives a spec from the catalogue row. Platform bridges do
// not expose stops/freeze levels; the pipeline's floors cover that.
func (a *Adapter) SymbolSpec(ctx context.Context, sym string) (types.InstrumentSpec, error) {
	if spec, ok := a.specs.Get(sym); ok {
		return spec, nil
	}
	resolved, err := a.resolve(sym)
	if err != nil {
		return types.InstrumentSpec{}, err
	}
	payload, err := a.doRaw(ctx, http.MethodGet, a.path(a.eps.symbols), nil, true)
	if err != nil {
		return types.InstrumentSpec{}, err
	}
	for _, row := range decodeList(payload, "symbols", "instruments", "data") {
		name, _ := broker.PickString(row, "symbol", "name", "instrument")
		if !strings.EqualFold(name, resolved) {
			continue
		}
		f := func(paths ...string) float64 {
			v, _ := broker.PickFloat(row, paths...)
			return v
		}
		spec := types.InstrumentSpec{
			Symbol:       sym,
			PointSize:    f("point", "pointSize", "tickSize"),
			TickSize:     f("tickSize", "point"),
			TickValue:    f("tickValue", "pipValue"),
			ContractSize: f("contractSize", "lotSize"),
			MinVolume:    f("minVolume", "volumeMin", "minLot"),
			MaxVolume:    f("maxVolume", "volumeMax", "maxLot"),
			VolumeStep:   f("volumeStep", "lotStep"),
			TradeMode:    types.TradeModeFull,
		}
		if enabled, ok := broker.PickBool(row, "tradingEnabled", "enabled", "tradable"); ok && !enabled {
			spec.TradeMode = types.TradeModeDisabled
		}
		a.specs.Put(sym, spec)
		return spec, nil
	}
	return types.InstrumentSpec{}, broker.NewOrderError(broker.KindSymbolNotFound, 0, "no catalogue entry for "+sym)
}

// CurrentPrice fetches the latest quote.
func (a *Adapter) CurrentPrice(ctx context.Context, sym string) (types.Tick, error) {
	resolved, err := a.resolve(sym)
	if err != nil {
		return types.Tick{}, err
	}
	m, err := a.getJSON(ctx, a.path(a.eps.quote)+url.PathEscape(resolved))
	if err != nil {
		return types.Tick{}, err
	}
	bid, okBid := broker.PickFloat(m, "bid", "data.bid", "quote.bid")
	ask, okAsk := broker.PickFloat(m, "ask", "data.ask", "quote.ask")
	if !okBid || !okAsk {
		return types.Tick{}, broker.NewOrderError(broker.KindTransport, 0, "quote payload missing bid/ask for "+sym)
	}
	ts := time.Now().UTC()
	if ms, ok := broker.PickFloat(m, "timestamp", "time", "data.timestamp"); ok && ms > 1e12 {
		ts = time.UnixMilli(int64(ms)).UTC()
	}
	return types.Tick{Symbol: sym, Bid: bid, Ask: ask, Time: ts}, nil
}

// Prices fetches quotes one by one; partial results are fine.
func (a *Adapter) Prices(ctx context.Context, syms []string) (map[string]types.Tick, error) {
	out := make(map[string]types.Tick, len(syms))
	for _, sym := range syms {
		tick, err := a.CurrentPrice(ctx, sym)
		if err != nil {
			a.logger.Debug("Quote fetch failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		out[sym] = tick
	}
	return out, nil
}

// StreamPrices polls quotes on a short interval; platform bridges have no
// public streaming channel.
func (a *Adapter) StreamPrices(ctx context.Context, syms []string) (<-chan types.Tick, error) {
	ch := make(chan types.Tick, len(syms)*2)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			ticks, err := a.Prices(ctx, syms)
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
			case <-ticker.C:
			case <-ctx.Done():
				return
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
		return nil, fmt.Errorf("platformrest: unsupported timeframe %q", tf)
	}
	path := a.path(fmt.Sprintf(a.eps.candles, url.PathEscape(resolved), minutes, count))
	payload, err := a.doRaw(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	rows := decodeList(payload, "candles", "data", "bars")
	out := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		c := types.Candle{}
		c.Open, _ = broker.PickFloat(row, "open", "o")
		c.High, _ = broker.PickFloat(row, "high", "h")
		c.Low, _ = broker.PickFloat(row, "low", "l")
		c.Close, _ = broker.PickFloat(row, "close", "c")
		c.Volume, _ = broker.PickFloat(row, "volume", "v")
		if ts, ok := broker.PickFloat(row, "time", "timestamp", "t"); ok {
			if ts > 1e12 {
				c.Time = time.UnixMilli(int64(ts)).UTC()
			} else {
				c.Time = time.Unix(int64(ts), 0).UTC()
			}
		}
		out = append(out, c)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		if out[i].Time.After(out[j].Time) {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// PlaceOrder submits a market order.
func (a *Adapter) PlaceOrder(ctx context.Context, req types.OrderRequest) types.OrderResult {
	resolved, err := a.resolve(req.Symbol)
	if err != nil {
		return rejected(err)
	}
	body := map[string]any{
		"symbol":     resolved,
		"instrument": resolved,
		"side":       strings.ToUpper(string(req.Side)),
		"volume":     req.Units,
		"orderType":  "MARKET",
		"slPrice":    req.StopLoss,
		"tpPrice":    req.TakeProfit,
		"comment":    req.Comment,
	}
	if req.ClientOrderID != "" {
		body["clientOrderId"] = req.ClientOrderID
	}
	m, err := a.postJSON(ctx, a.path(a.eps.order), body)
	if err != nil {
		return rejected(err)
	}
	return parseOrderResult(m, req)
}

func parseOrderResult(m map[string]any, req types.OrderRequest) types.OrderResult {
	res := types.OrderResult{Time: time.Now().UTC()}
	res.OrderID, _ = broker.PickString(m, "orderId", "positionId", "id", "data.orderId", "data.positionId")
	if res.OrderID == "" {
		if n, ok := broker.PickFloat(m, "orderId", "positionId", "id"); ok && n > 0 {
			res.OrderID = strconv.FormatInt(int64(n), 10)
		}
	}
	res.FilledPrice, _ = broker.PickFloat(m, "price", "openPrice", "data.price")
	res.FilledUnits, _ = broker.PickFloat(m, "volume", "data.volume")
	if res.FilledUnits == 0 {
		res.FilledUnits = req.Units
	}
	res.StopLoss = req.StopLoss
	res.TakeProfit = req.TakeProfit
	res.ErrorMessage, _ = broker.PickString(m, "errorMessage", "error", "message")

	status, _ := broker.PickString(m, "status", "state", "data.status")
	switch {
	case res.OrderID != "" && !strings.EqualFold(status, "REJECTED"):
		res.Status = types.OrderFilled
	default:
		res.Status = types.OrderRejected
		if res.ErrorMessage == "" {
			res.ErrorMessage = "order rejected by platform"
		}
	}
	return res
}

func rejected(err error) types.OrderResult {
	return types.OrderResult{
		Status:       types.OrderRejected,
		ErrorMessage: err.Error(),
		Time:         time.Now().UTC(),
	}
}

// CancelOrder cancels a pending order. Never raises.
func (a *Adapter) CancelOrder(ctx context.Context, id string) bool {
	_, err := a.doRaw(ctx, http.MethodDelete, a.path(a.eps.orders)+"/"+url.PathEscape(id), nil, true)
	if err != nil {
		a.logger.Warn("Cancel order failed", zap.String("order", id), zap.Error(err))
		return false
	}
	return true
}

// GetOrder fetches one order's state, nil when unknown.
func (a *Adapter) GetOrder(ctx context.Context, id string) (*types.OrderResult, error) {
	m, err := a.getJSON(ctx, a.path(a.eps.orders)+"/"+url.PathEscape(id))
	if err != nil {
		if broker.KindOf(err) == broker.KindSymbolNotFound {
			return nil, nil
		}
		return nil, err
	}
	res := parseOrderResult(m, types.OrderRequest{})
	return &res, nil
}

// OpenOrders lists pending orders, optionally filtered by canonical symbol.
func (a *Adapter) OpenOrders(ctx context.Context, sym string) ([]types.PendingOrder, error) {
	payload, err := a.doRaw(ctx, http.MethodGet, a.path(a.eps.orders), nil, true)
	if err != nil {
		return nil, err
	}
	want := ""
	if sym != "" {
		if want, err = a.resolve(sym); err != nil {
			return nil, err
		}
	}
	var out []types.PendingOrder
	for _, row := range decodeList(payload, "orders", "data") {
		symbol, _ := broker.PickString(row, "symbol", "instrument")
		if want != "" && !strings.EqualFold(symbol, want) {
			continue
		}
		o := types.PendingOrder{Symbol: symbol}
		o.ID, _ = broker.PickString(row, "orderId", "id")
		side, _ := broker.PickString(row, "side", "type")
		if strings.Contains(strings.ToLower(side), "sell") || strings.Contains(strings.ToLower(side), "short") {
			o.Side = types.DirectionShort
		} else {
			o.Side = types.DirectionLong
		}
		o.Units, _ = broker.PickFloat(row, "volume", "units")
		o.OrderType, _ = broker.PickString(row, "orderType", "type")
		o.Price, _ = broker.PickFloat(row, "price", "openPrice")
		out = append(out, o)
	}
	return out, nil
}

// Positions lists open positions.
func (a *Adapter) Positions(ctx context.Context) ([]types.Position, error) {
	payload, err := a.doRaw(ctx, http.MethodGet, a.path(a.eps.positions), nil, true)
	if err != nil {
		return nil, err
	}
	rows := decodeList(payload, "positions", "data", "openPositions")
	out := make([]types.Position, 0, len(rows))
	for _, row := range rows {
		p := types.Position{}
		p.Symbol, _ = broker.PickString(row, "symbol", "instrument")
		side, _ := broker.PickString(row, "side", "type")
		if strings.Contains(strings.ToLower(side), "sell") || strings.Contains(strings.ToLower(side), "short") {
			p.Side = types.DirectionShort
		} else {
			p.Side = types.DirectionLong
		}
		p.Units, _ = broker.PickFloat(row, "volume", "units")
		p.EntryPrice, _ = broker.PickFloat(row, "openPrice", "entryPrice", "price")
		p.CurrentPrice, _ = broker.PickFloat(row, "currentPrice", "marketPrice")
		p.StopLoss, _ = broker.PickFloat(row, "slPrice", "stopLoss", "sl")
		p.TakeProfit, _ = broker.PickFloat(row, "tpPrice", "takeProfit", "tp")
		if f, ok := broker.PickFloat(row, "profit", "unrealizedPnl", "openPnl"); ok {
			p.UnrealizedPnL = decimal.NewFromFloat(f)
		}
		if ms, ok := broker.PickFloat(row, "openTime", "openedAt"); ok && ms > 1e12 {
			p.OpenedAt = time.UnixMilli(int64(ms)).UTC()
		}
		out = append(out, p)
	}
	return out, nil
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
	body := map[string]any{"symbol": resolved, "instrument": resolved}
	if units > 0 {
		body["volume"] = units
	}
	m, err := a.postJSON(ctx, a.path(a.eps.close), body)
	if err != nil {
		return rejected(err)
	}
	return parseOrderResult(m, types.OrderRequest{Symbol: sym, Units: units})
}

// ModifyPosition updates SL/TP on an open position.
func (a *Adapter) ModifyPosition(ctx context.Context, sym string, stopLoss, takeProfit float64) (bool, error) {
	resolved, err := a.resolve(sym)
	if err != nil {
		return false, err
	}
	body := map[string]any{"symbol": resolved, "instrument": resolved}
	if stopLoss > 0 {
		body["slPrice"] = stopLoss
	}
	if takeProfit > 0 {
		body["tpPrice"] = takeProfit
	}
	if _, err := a.postJSON(ctx, a.path(a.eps.modify), body); err != nil {
		return false, err
	}
	return true, nil
}

// CanTradeSymbol checks resolution and the catalogue's enabled flag.
func (a *Adapter) CanTradeSymbol(ctx context.Context, sym string, side types.Direction) (bool, string, string) {
	resolved, err := a.resolve(sym)
	if err != nil {
		if broker.KindOf(err) == broker.KindSymbolNotFound {
			return false, "symbol not offered by this platform", ""
		}
		return true, "tradability check skipped: " + err.Error(), sym
	}
	spec, err := a.SymbolSpec(ctx, sym)
	if err != nil {
		return true, "spec unavailable, assuming tradable: " + err.Error(), resolved
	}
	if spec.TradeMode == types.TradeModeDisabled {
		return false, "trading disabled for symbol", resolved
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

// path substitutes the account placeholder into an endpoint template.
func (a *Adapter) path(template string) string {
	return strings.ReplaceAll(template, "{account}", url.PathEscape(a.accountID))
}

// --- HTTP plumbing ---

func (a *Adapter) getJSON(ctx context.Context, path string) (map[string]any, error) {
	payload, err := a.doRaw(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeObject(payload)
}

func (a *Adapter) postJSON(ctx context.Context, path string, body any) (map[string]any, error) {
	payload, err := a.doRaw(ctx, http.MethodPost, path, body, true)
	if err != nil {
		return nil, err
	}
	return decodeObject(payload)
}

func decodeObject(payload json.RawMessage) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, broker.NewOrderError(broker.KindTransport, 0, fmt.Sprintf("bad platform payload: %v", err))
	}
	return m, nil
}

// doRaw performs a request. Authenticated calls that come back 401/403
// clear the token, log in again and retry once.
func (a *Adapter) doRaw(ctx context.Context, method, path string, body any, authed bool) (json.RawMessage, error) {
	payload, err := a.doOnce(ctx, method, path, body, authed)
	if authed && err != nil && broker.KindOf(err) == broker.KindCredentials {
		a.logger.Info("Session token expired, re-authenticating")
		a.mu.Lock()
		a.token = ""
		a.mu.Unlock()
		if lerr := a.login(ctx); lerr != nil {
			return nil, lerr
		}
		return a.doOnce(ctx, method, path, body, authed)
	}
	return payload, err
}

func (a *Adapter) doOnce(ctx context.Context, method, path string, body any, authed bool) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("platformrest: marshal body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, broker.NewOrderError(broker.KindTransport, 0, err.Error())
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		a.mu.RLock()
		token := a.token
		a.mu.RUnlock()
		if token == "" {
			return nil, broker.NewOrderError(broker.KindCredentials, 0, "no session token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
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
		return nil, broker.NewOrderError(broker.KindRateLimited, 0, "platform returned 429")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, broker.NewOrderError(broker.KindCredentials, 0, fmt.Sprintf("platform auth failed: %s", strings.TrimSpace(string(payload))))
	case resp.StatusCode == http.StatusNotFound:
		return nil, broker.NewOrderError(broker.KindSymbolNotFound, 0, fmt.Sprintf("platform 404: %s", path))
	case resp.StatusCode >= 400:
		return nil, broker.NewOrderError(broker.KindTransport, 0, fmt.Sprintf("platform %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}
	return payload, nil
}
