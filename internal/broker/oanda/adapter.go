// Package oanda implements the broker adapter for the OANDA v20 REST API,
// including the line-delimited JSON pricing stream.
package oanda

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/instrument"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	liveAPI      = "https://api-fxtrade.oanda.com"
	practiceAPI  = "https://api-fxpractice.oanda.com"
	liveStream   = "https://stream-fxtrade.oanda.com"
	practiceStr  = "https://stream-fxpractice.oanda.com"
	restTimeout  = 30 * time.Second
	streamBackoff = 5 * time.Second
)

// symbolMap translates canonical symbols that OANDA names differently.
// Plain FX pairs already use the canonical BASE_QUOTE form.
var symbolMap = map[string]string{
	"US30":    "US30_USD",
	"NAS100":  "NAS100_USD",
	"US500":   "SPX500_USD",
	"DE40":    "DE30_EUR",
	"UK100":   "UK100_GBP",
	"JP225":   "JP225_USD",
	"WTI":     "WTICO_USD",
	"BRENT":   "BCO_USD",
	"NATGAS":  "NATGAS_USD",
	"BTC_USD": "BTC_USD",
}

var granularity = map[types.Timeframe]string{
	types.Timeframe1m:  "M1",
	types.Timeframe5m:  "M5",
	types.Timeframe15m: "M15",
	types.Timeframe30m: "M30",
	types.Timeframe1h:  "H1",
	types.Timeframe4h:  "H4",
	types.Timeframe1d:  "D",
}

// Adapter drives an OANDA v20 account.
type Adapter struct {
	logger    *zap.Logger
	apiURL    string
	streamURL string
	token     string
	accountID string

	restClient   *http.Client
	streamClient *http.Client // no timeout: the stream is long-lived

	mu        sync.RWMutex
	connected bool
}

// New creates an OANDA adapter. Environment "practice" selects the demo
// endpoints; explicit BaseURL/StreamURL in the bundle win.
func New(logger *zap.Logger, creds types.CredentialsBundle) (*Adapter, error) {
	if creds.AccessToken == "" || creds.AccountID == "" {
		return nil, fmt.Errorf("oanda: access token and account id are required")
	}
	apiURL, streamURL := liveAPI, liveStream
	if strings.EqualFold(creds.Environment, "practice") || strings.EqualFold(creds.Environment, "demo") {
		apiURL, streamURL = practiceAPI, practiceStr
	}
	if creds.BaseURL != "" {
		apiURL = strings.TrimRight(creds.BaseURL, "/")
	}
	if creds.StreamURL != "" {
		streamURL = strings.TrimRight(creds.StreamURL, "/")
	}
	return &Adapter{
		logger:       logger.Named("oanda"),
		apiURL:       apiURL,
		streamURL:    streamURL,
		token:        creds.AccessToken,
		accountID:    creds.AccountID,
		restClient:   &http.Client{Timeout: restTimeout},
		streamClient: &http.Client{},
	}, nil
}

// Name identifies the adapter.
func (a *Adapter) Name() string { return "oanda" }

// Connect verifies the token by fetching the account summary.
func (a *Adapter) Connect(ctx context.Context) error {
	a.logger.Info("Connecting to OANDA", zap.String("account", a.accountID))
	if _, err := a.AccountInfo(ctx); err != nil {
		return broker.NewOrderError(broker.KindConnection, 0, fmt.Sprintf("oanda connect failed: %v", err))
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

// Disconnect clears session state. Idempotent.
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

// AccountInfo returns the account summary.
func (a *Adapter) AccountInfo(ctx context.Context) (types.AccountInfo, error) {
	var payload struct {
		Account struct {
			Balance       string `json:"balance"`
			NAV           string `json:"NAV"`
			MarginUsed    string `json:"marginUsed"`
			MarginAvail   string `json:"marginAvailable"`
			UnrealizedPL  string `json:"unrealizedPL"`
			PL            string `json:"pl"`
			Currency      string `json:"currency"`
			MarginRate    string `json:"marginRate"`
		} `json:"account"`
	}
	if err := a.get(ctx, "/v3/accounts/"+a.accountID+"/summary", &payload); err != nil {
		return types.AccountInfo{}, err
	}
	acc := payload.Account
	info := types.AccountInfo{
		Balance:         dec(acc.Balance),
		Equity:          dec(acc.NAV),
		MarginUsed:      dec(acc.MarginUsed),
		MarginAvailable: dec(acc.MarginAvail),
		UnrealizedPnL:   dec(acc.UnrealizedPL),
		Currency:        acc.Currency,
	}
	if rate, err := strconv.ParseFloat(acc.MarginRate, 64); err == nil && rate > 0 {
		info.Leverage = int(math.Round(1 / rate))
	}
	return info, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Instruments lists the account's tradable instruments.
func (a *Adapter) Instruments(ctx context.Context) ([]types.Instrument, error) {
	var payload struct {
		Instruments []struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
			Type        string `json:"type"`
		} `json:"instruments"`
	}
	if err := a.get(ctx, "/v3/accounts/"+a.accountID+"/instruments", &payload); err != nil {
		return nil, err
	}
	out := make([]types.Instrument, 0, len(payload.Instruments))
	for _, inst := range payload.Instruments {
		out = append(out, types.Instrument{
			BrokerSymbol: inst.Name,
			Description:  inst.DisplayName,
			Category:     inst.Type,
		})
	}
	return out, nil
}

// SymbolSpec builds an instrument spec from OANDA instrument metadata.
// OANDA has no stops/freeze levels; those stay zero and the pipeline's
// own distance floors take over.
func (a *Adapter) SymbolSpec(ctx context.Context, sym string) (types.InstrumentSpec, error) {
	oandaSym := a.translate(sym)
	var payload struct {
		Instruments []struct {
			Name               string `json:"name"`
			PipLocation        int    `json:"pipLocation"`
			DisplayPrecision   int    `json:"displayPrecision"`
			MinimumTradeSize   string `json:"minimumTradeSize"`
			MaximumOrderUnits  string `json:"maximumOrderUnits"`
			TradeUnitsPrecision int   `json:"tradeUnitsPrecision"`
		} `json:"instruments"`
	}
	path := "/v3/accounts/" + a.accountID + "/instruments?instruments=" + url.QueryEscape(oandaSym)
	if err := a.get(ctx, path, &payload); err != nil {
		return types.InstrumentSpec{}, err
	}
	if len(payload.Instruments) == 0 {
		return types.InstrumentSpec{}, broker.NewOrderError(broker.KindSymbolNotFound, 0, "oanda does not offer "+sym)
	}
	inst := payload.Instruments[0]
	point := math.Pow(10, float64(-inst.DisplayPrecision))
	minSize, _ := strconv.ParseFloat(inst.MinimumTradeSize, 64)
	maxUnits, _ := strconv.ParseFloat(inst.MaximumOrderUnits, 64)
	step := math.Pow(10, float64(-inst.TradeUnitsPrecision))
	return types.InstrumentSpec{
		Symbol:       sym,
		PointSize:    point,
		TickSize:     point,
		MinVolume:    minSize,
		MaxVolume:    maxUnits,
		VolumeStep:   step,
		TradeMode:    types.TradeModeFull,
		FillingModes: []string{"DEFAULT"},
	}, nil
}

// CurrentPrice fetches the latest pricing snapshot for one symbol.
func (a *Adapter) CurrentPrice(ctx context.Context, sym string) (types.Tick, error) {
	ticks, err := a.Prices(ctx, []string{sym})
	if err != nil {
		return types.Tick{}, err
	}
	tick, ok := ticks[sym]
	if !ok {
		return types.Tick{}, broker.NewOrderError(broker.KindSymbolNotFound, 0, "no price returned for "+sym)
	}
	return tick, nil
}

// Prices fetches pricing for several symbols in one call.
func (a *Adapter) Prices(ctx context.Context, syms []string) (map[string]types.Tick, error) {
	if len(syms) == 0 {
		return map[string]types.Tick{}, nil
	}
	oandaSyms := make([]string, len(syms))
	back := make(map[string]string, len(syms))
	for i, sym := range syms {
		oandaSyms[i] = a.translate(sym)
		back[oandaSyms[i]] = sym
	}
	var payload struct {
		Prices []priceMsg `json:"prices"`
	}
	path := "/v3/accounts/" + a.accountID + "/pricing?instruments=" + url.QueryEscape(strings.Join(oandaSyms, ","))
	if err := a.get(ctx, path, &payload); err != nil {
		return nil, err
	}
	out := make(map[string]types.Tick, len(payload.Prices))
	for _, p := range payload.Prices {
		canonical, ok := back[p.Instrument]
		if !ok {
			continue
		}
		if tick, ok := p.tick(canonical); ok {
			out[canonical] = tick
		}
	}
	return out, nil
}

type priceMsg struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument"`
	Time       string `json:"time"`
	Bids       []struct {
		Price string `json:"price"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
	} `json:"asks"`
}

func (p priceMsg) tick(canonical string) (types.Tick, bool) {
	if len(p.Bids) == 0 || len(p.Asks) == 0 {
		return types.Tick{}, false
	}
	bid, err1 := strconv.ParseFloat(p.Bids[0].Price, 64)
	ask, err2 := strconv.ParseFloat(p.Asks[0].Price, 64)
	if err1 != nil || err2 != nil {
		return types.Tick{}, false
	}
	ts := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339Nano, p.Time); err == nil {
		ts = t
	}
	return types.Tick{Symbol: canonical, Bid: bid, Ask: ask, Time: ts}, true
}

// StreamPrices opens the v20 pricing stream. The stream emits one JSON
// object per line; only type=PRICE messages become ticks, heartbeats are
// discarded. The stream restarts with backoff until the context ends.
func (a *Adapter) StreamPrices(ctx context.Context, syms []string) (<-chan types.Tick, error) {
	oandaSyms := make([]string, len(syms))
	back := make(map[string]string, len(syms))
	for i, sym := range syms {
		oandaSyms[i] = a.translate(sym)
		back[oandaSyms[i]] = sym
	}
	streamPath := a.streamURL + "/v3/accounts/" + a.accountID + "/pricing/stream?instruments=" +
		url.QueryEscape(strings.Join(oandaSyms, ","))

	ch := make(chan types.Tick, len(syms)*2)
	go func() {
		defer close(ch)
		for ctx.Err() == nil {
			if err := a.consumeStream(ctx, streamPath, back, ch); err != nil && ctx.Err() == nil {
				a.logger.Warn("Pricing stream dropped, reconnecting", zap.Error(err))
			}
			select {
			case <-time.After(streamBackoff):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (a *Adapter) consumeStream(ctx context.Context, streamPath string, back map[string]string, ch chan<- types.Tick) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	resp, err := a.streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("stream status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg priceMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			continue // malformed line, keep the stream alive
		}
		if msg.Type != "PRICE" {
			continue
		}
		canonical, ok := back[msg.Instrument]
		if !ok {
			continue
		}
		tick, ok := msg.tick(canonical)
		if !ok {
			continue
		}
		select {
		case ch <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}

// Candles fetches up to count completed bars, oldest first (OANDA's order).
func (a *Adapter) Candles(ctx context.Context, sym string, tf types.Timeframe, count int) ([]types.Candle, error) {
	gran, ok := granularity[tf]
	if !ok {
		return nil, fmt.Errorf("oanda: unsupported timeframe %q", tf)
	}
	var payload struct {
		Candles []struct {
			Time     string `json:"time"`
			Volume   float64 `json:"volume"`
			Complete bool   `json:"complete"`
			Mid      struct {
				O string `json:"o"`
				H string `json:"h"`
				L string `json:"l"`
				C string `json:"c"`
			} `json:"mid"`
		} `json:"candles"`
	}
	path := fmt.Sprintf("/v3/instruments/%s/candles?granularity=%s&count=%d&price=M",
		url.PathEscape(a.translate(sym)), gran, count)
	if err := a.get(ctx, path, &payload); err != nil {
		return nil, err
	}
	out := make([]types.Candle, 0, len(payload.Candles))
	for _, c := range payload.Candles {
		candle := types.Candle{Volume: c.Volume}
		candle.Open, _ = strconv.ParseFloat(c.Mid.O, 64)
		candle.High, _ = strconv.ParseFloat(c.Mid.H, 64)
		candle.Low, _ = strconv.ParseFloat(c.Mid.L, 64)
		candle.Close, _ = strconv.ParseFloat(c.Mid.C, 64)
		if t, err := time.Parse(time.RFC3339Nano, c.Time); err == nil {
			candle.Time = t
		}
		out = append(out, candle)
	}
	return out, nil
}

// PlaceOrder submits a market order. OANDA sizes in units with sign
// encoding the side; lots arrive here already converted by the pipeline.
func (a *Adapter) PlaceOrder(ctx context.Context, req types.OrderRequest) types.OrderResult {
	units := req.Units
	if req.Side == types.DirectionShort {
		units = -units
	}
	order := map[string]any{
		"type":         "MARKET",
		"instrument":   a.translate(req.Symbol),
		"units":        strconv.FormatFloat(units, 'f', -1, 64),
		"timeInForce":  "FOK",
		"positionFill": "DEFAULT",
	}
	prec := instrument.Decimals(req.Symbol)
	if req.StopLoss > 0 {
		order["stopLossOnFill"] = map[string]string{"price": strconv.FormatFloat(req.StopLoss, 'f', prec, 64)}
	}
	if req.TakeProfit > 0 {
		order["takeProfitOnFill"] = map[string]string{"price": strconv.FormatFloat(req.TakeProfit, 'f', prec, 64)}
	}
	if req.ClientOrderID != "" {
		order["clientExtensions"] = map[string]string{"id": req.ClientOrderID, "comment": req.Comment}
	}

	var payload struct {
		OrderFillTransaction *struct {
			ID    string `json:"id"`
			Price string `json:"price"`
			Units string `json:"units"`
		} `json:"orderFillTransaction"`
		OrderCancelTransaction *struct {
			Reason string `json:"reason"`
		} `json:"orderCancelTransaction"`
		OrderRejectTransaction *struct {
			RejectReason string `json:"rejectReason"`
		} `json:"orderRejectTransaction"`
		ErrorMessage string `json:"errorMessage"`
	}
	err := a.post(ctx, "/v3/accounts/"+a.accountID+"/orders", map[string]any{"order": order}, &payload)
	res := types.OrderResult{Time: time.Now().UTC()}
	if err != nil {
		res.Status = types.OrderRejected
		res.ErrorMessage = err.Error()
		return res
	}
	if fill := payload.OrderFillTransaction; fill != nil {
		res.Status = types.OrderFilled
		res.OrderID = fill.ID
		res.FilledPrice, _ = strconv.ParseFloat(fill.Price, 64)
		filled, _ := strconv.ParseFloat(fill.Units, 64)
		res.FilledUnits = math.Abs(filled)
		res.StopLoss = req.StopLoss
		res.TakeProfit = req.TakeProfit
		return res
	}
	res.Status = types.OrderRejected
	switch {
	case payload.OrderRejectTransaction != nil:
		res.ErrorMessage = payload.OrderRejectTransaction.RejectReason
	case payload.OrderCancelTransaction != nil:
		res.ErrorMessage = payload.OrderCancelTransaction.Reason
	default:
		res.ErrorMessage = payload.ErrorMessage
	}
	return res
}

// CancelOrder cancels a pending order. Never raises.
func (a *Adapter) CancelOrder(ctx context.Context, id string) bool {
	var payload map[string]any
	err := a.put(ctx, "/v3/accounts/"+a.accountID+"/orders/"+url.PathEscape(id)+"/cancel", nil, &payload)
	if err != nil {
		a.logger.Warn("Cancel order failed", zap.String("order", id), zap.Error(err))
		return false
	}
	return true
}

// GetOrder fetches one order's state, nil when unknown.
func (a *Adapter) GetOrder(ctx context.Context, id string) (*types.OrderResult, error) {
	var payload struct {
		Order struct {
			ID    string `json:"id"`
			State string `json:"state"`
			Price string `json:"price"`
			Units string `json:"units"`
		} `json:"order"`
	}
	err := a.get(ctx, "/v3/accounts/"+a.accountID+"/orders/"+url.PathEscape(id), &payload)
	if err != nil {
		if broker.KindOf(err) == broker.KindSymbolNotFound {
			return nil, nil
		}
		return nil, err
	}
	res := types.OrderResult{OrderID: payload.Order.ID, Time: time.Now().UTC()}
	switch payload.Order.State {
	case "FILLED":
		res.Status = types.OrderFilled
	case "PENDING":
		res.Status = types.OrderPending
	default:
		res.Status = types.OrderRejected
	}
	res.FilledPrice, _ = strconv.ParseFloat(payload.Order.Price, 64)
	units, _ := strconv.ParseFloat(payload.Order.Units, 64)
	res.FilledUnits = math.Abs(units)
	return &res, nil
}

// OpenOrders lists pending orders, optionally filtered by canonical symbol.
func (a *Adapter) OpenOrders(ctx context.Context, sym string) ([]types.PendingOrder, error) {
	var payload struct {
		Orders []struct {
			ID         string `json:"id"`
			Instrument string `json:"instrument"`
			Units      string `json:"units"`
			Type       string `json:"type"`
			Price      string `json:"price"`
			CreateTime string `json:"createTime"`
		} `json:"orders"`
	}
	if err := a.get(ctx, "/v3/accounts/"+a.accountID+"/pendingOrders", &payload); err != nil {
		return nil, err
	}
	want := ""
	if sym != "" {
		want = a.translate(sym)
	}
	var out []types.PendingOrder
	for _, o := range payload.Orders {
		if want != "" && o.Instrument != want {
			continue
		}
		units, _ := strconv.ParseFloat(o.Units, 64)
		side := types.DirectionLong
		if units < 0 {
			side = types.DirectionShort
		}
		po := types.PendingOrder{
			ID:        o.ID,
			Symbol:    o.Instrument,
			Side:      side,
			Units:     math.Abs(units),
			OrderType: strings.ToLower(o.Type),
		}
		po.Price, _ = strconv.ParseFloat(o.Price, 64)
		if t, err := time.Parse(time.RFC3339Nano, o.CreateTime); err == nil {
			po.CreatedAt = t
		}
		out = append(out, po)
	}
	return out, nil
}

type oandaPosition struct {
	Instrument    string `json:"instrument"`
	UnrealizedPL  string `json:"unrealizedPL"`
	Long          oandaSide `json:"long"`
	Short         oandaSide `json:"short"`
}

type oandaSide struct {
	Units        string   `json:"units"`
	AveragePrice string   `json:"averagePrice"`
	TradeIDs     []string `json:"tradeIDs"`
}

// Positions lists open positions.
func (a *Adapter) Positions(ctx context.Context) ([]types.Position, error) {
	var payload struct {
		Positions []oandaPosition `json:"positions"`
	}
	if err := a.get(ctx, "/v3/accounts/"+a.accountID+"/openPositions", &payload); err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(payload.Positions))
	for _, p := range payload.Positions {
		if pos, ok := p.position(); ok {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (p oandaPosition) position() (types.Position, bool) {
	longUnits, _ := strconv.ParseFloat(p.Long.Units, 64)
	shortUnits, _ := strconv.ParseFloat(p.Short.Units, 64)
	pos := types.Position{Symbol: p.Instrument, UnrealizedPnL: dec(p.UnrealizedPL)}
	switch {
	case longUnits > 0:
		pos.Side = types.DirectionLong
		pos.Units = longUnits
		pos.EntryPrice, _ = strconv.ParseFloat(p.Long.AveragePrice, 64)
	case shortUnits < 0:
		pos.Side = types.DirectionShort
		pos.Units = -shortUnits
		pos.EntryPrice, _ = strconv.ParseFloat(p.Short.AveragePrice, 64)
	default:
		return types.Position{}, false
	}
	return pos, true
}

// Position returns the open position for a canonical symbol, nil when flat.
func (a *Adapter) Position(ctx context.Context, sym string) (*types.Position, error) {
	positions, err := a.Positions(ctx)
	if err != nil {
		return nil, err
	}
	want := a.translate(sym)
	for i := range positions {
		if positions[i].Symbol == want {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// ClosePosition flattens the position on both sides; units > 0 closes
// partially on whichever side is open.
func (a *Adapter) ClosePosition(ctx context.Context, sym string, units float64) types.OrderResult {
	pos, err := a.Position(ctx, sym)
	res := types.OrderResult{Time: time.Now().UTC()}
	if err != nil {
		res.Status = types.OrderRejected
		res.ErrorMessage = err.Error()
		return res
	}
	if pos == nil {
		res.Status = types.OrderRejected
		res.ErrorMessage = "no open position for " + sym
		return res
	}

	amount := "ALL"
	if units > 0 {
		amount = strconv.FormatFloat(units, 'f', -1, 64)
	}
	body := map[string]any{}
	if pos.Side == types.DirectionLong {
		body["longUnits"] = amount
	} else {
		body["shortUnits"] = amount
	}

	var payload struct {
		LongOrderFillTransaction  *struct{ ID, Price string } `json:"longOrderFillTransaction"`
		ShortOrderFillTransaction *struct{ ID, Price string } `json:"shortOrderFillTransaction"`
		ErrorMessage              string                      `json:"errorMessage"`
	}
	err = a.put(ctx, "/v3/accounts/"+a.accountID+"/positions/"+url.PathEscape(a.translate(sym))+"/close", body, &payload)
	if err != nil {
		res.Status = types.OrderRejected
		res.ErrorMessage = err.Error()
		return res
	}
	fill := payload.LongOrderFillTransaction
	if fill == nil {
		fill = payload.ShortOrderFillTransaction
	}
	if fill == nil {
		res.Status = types.OrderRejected
		res.ErrorMessage = payload.ErrorMessage
		return res
	}
	res.Status = types.OrderFilled
	res.OrderID = fill.ID
	res.FilledPrice, _ = strconv.ParseFloat(fill.Price, 64)
	return res
}

// ModifyPosition replaces SL/TP on the position's trades. OANDA attaches
// stops per trade, so each open trade ID is updated.
func (a *Adapter) ModifyPosition(ctx context.Context, sym string, stopLoss, takeProfit float64) (bool, error) {
	var payload struct {
		Positions []oandaPosition `json:"positions"`
	}
	if err := a.get(ctx, "/v3/accounts/"+a.accountID+"/openPositions", &payload); err != nil {
		return false, err
	}
	want := a.translate(sym)
	var tradeIDs []string
	for _, p := range payload.Positions {
		if p.Instrument != want {
			continue
		}
		tradeIDs = append(tradeIDs, p.Long.TradeIDs...)
		tradeIDs = append(tradeIDs, p.Short.TradeIDs...)
	}
	if len(tradeIDs) == 0 {
		return false, broker.NewOrderError(broker.KindSymbolNotFound, 0, "no open trades for "+sym)
	}

	prec := instrument.Decimals(sym)
	body := map[string]any{}
	if stopLoss > 0 {
		body["stopLoss"] = map[string]string{"price": strconv.FormatFloat(stopLoss, 'f', prec, 64), "timeInForce": "GTC"}
	}
	if takeProfit > 0 {
		body["takeProfit"] = map[string]string{"price": strconv.FormatFloat(takeProfit, 'f', prec, 64), "timeInForce": "GTC"}
	}
	for _, id := range tradeIDs {
		var out map[string]any
		if err := a.put(ctx, "/v3/accounts/"+a.accountID+"/trades/"+url.PathEscape(id)+"/orders", body, &out); err != nil {
			return false, err
		}
	}
	return true, nil
}

// CanTradeSymbol checks whether OANDA offers the symbol. OANDA has no
// per-side trade modes, so a translatable symbol is tradable.
func (a *Adapter) CanTradeSymbol(ctx context.Context, sym string, side types.Direction) (bool, string, string) {
	oandaSym := a.translate(sym)
	_, err := a.SymbolSpec(ctx, sym)
	if err != nil {
		if broker.KindOf(err) == broker.KindSymbolNotFound {
			return false, "symbol not offered by oanda", ""
		}
		return true, "tradability check skipped: " + err.Error(), oandaSym
	}
	return true, "", oandaSym
}

// translate maps a canonical symbol to OANDA's instrument name.
func (a *Adapter) translate(sym string) string {
	if mapped, ok := symbolMap[sym]; ok {
		return mapped
	}
	return sym
}

// --- HTTP plumbing ---

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	return a.do(ctx, http.MethodGet, path, nil, out)
}

func (a *Adapter) post(ctx context.Context, path string, body, out any) error {
	return a.do(ctx, http.MethodPost, path, body, out)
}

func (a *Adapter) put(ctx context.Context, path string, body, out any) error {
	return a.do(ctx, http.MethodPut, path, body, out)
}

func (a *Adapter) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("oanda: marshal body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.apiURL+path, reader)
	if err != nil {
		return broker.NewOrderError(broker.KindTransport, 0, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.restClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return broker.NewOrderError(broker.KindTimeout, 0, err.Error())
		}
		return broker.NewOrderError(broker.KindTransport, 0, err.Error())
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return broker.NewOrderError(broker.KindTransport, 0, err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return broker.NewOrderError(broker.KindRateLimited, 0, "oanda returned 429")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return broker.NewOrderError(broker.KindCredentials, 0, fmt.Sprintf("oanda auth failed: %s", strings.TrimSpace(string(payload))))
	case resp.StatusCode == http.StatusNotFound:
		return broker.NewOrderError(broker.KindSymbolNotFound, 0, fmt.Sprintf("oanda 404: %s", path))
	case resp.StatusCode >= 400:
		return broker.NewOrderError(broker.KindTransport, 0, fmt.Sprintf("oanda %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return broker.NewOrderError(broker.KindTransport, 0, fmt.Sprintf("bad oanda payload: %v", err))
	}
	return nil
}
