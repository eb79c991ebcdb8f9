// Package types provides shared type definitions for the trading orchestrator.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction represents a trade direction or an abstain.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionHold  Direction = "HOLD"
)

// TradeStatus represents the lifecycle state of a trade record.
type TradeStatus string

const (
	TradeStatusOpen            TradeStatus = "open"
	TradeStatusClosedTP        TradeStatus = "closed_tp"
	TradeStatusClosedSL        TradeStatus = "closed_sl"
	TradeStatusClosedManual    TradeStatus = "closed_manual"
	TradeStatusClosedBreakEven TradeStatus = "closed_be"
	TradeStatusClosedSmartExit TradeStatus = "closed_smart_exit"
)

// OrderResultStatus is the terminal status reported by a broker for an order.
type OrderResultStatus string

const (
	OrderFilled   OrderResultStatus = "FILLED"
	OrderPending  OrderResultStatus = "PENDING"
	OrderRejected OrderResultStatus = "REJECTED"
)

// TradeMode mirrors the broker's tradability flag for an instrument.
type TradeMode string

const (
	TradeModeFull      TradeMode = "FULL"
	TradeModeLongOnly  TradeMode = "LONG_ONLY"
	TradeModeShortOnly TradeMode = "SHORT_ONLY"
	TradeModeCloseOnly TradeMode = "CLOSE_ONLY"
	TradeModeDisabled  TradeMode = "DISABLED"
)

// Timeframe represents analysis timeframes accepted throughout.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// AnalysisMode selects the depth of an AI analysis pass.
type AnalysisMode string

const (
	AnalysisQuick    AnalysisMode = "quick"
	AnalysisStandard AnalysisMode = "standard"
	AnalysisPremium  AnalysisMode = "premium"
	AnalysisUltra    AnalysisMode = "ultra"
)

// Tick is a single bid/ask quote.
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Mid returns the bid/ask midpoint.
func (t Tick) Mid() float64 { return (t.Bid + t.Ask) / 2 }

// Spread returns the ask-bid distance.
func (t Tick) Spread() float64 { return t.Ask - t.Bid }

// Candle is a single OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// AccountInfo is a snapshot of broker account state. Money fields use decimal
// to avoid drift when accumulating P&L; price math converts at the boundary.
type AccountInfo struct {
	Balance          decimal.Decimal `json:"balance"`
	Equity           decimal.Decimal `json:"equity"`
	MarginUsed       decimal.Decimal `json:"marginUsed"`
	MarginAvailable  decimal.Decimal `json:"marginAvailable"`
	UnrealizedPnL    decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnLToday decimal.Decimal `json:"realizedPnlToday"`
	Currency         string          `json:"currency"`
	Leverage         int             `json:"leverage"`
}

// Instrument is one entry of a broker's instrument catalogue.
type Instrument struct {
	BrokerSymbol string `json:"brokerSymbol"`
	Description  string `json:"description,omitempty"`
	Category     string `json:"category,omitempty"`
}

// InstrumentSpec carries per-symbol trading constraints. Zero values mean the
// broker did not report the field; consumers fall back conservatively.
type InstrumentSpec struct {
	Symbol       string    `json:"symbol"`
	PointSize    float64   `json:"pointSize"`
	TickSize     float64   `json:"tickSize"`
	TickValue    float64   `json:"tickValue"`
	ContractSize float64   `json:"contractSize"`
	MinVolume    float64   `json:"minVolume"`
	MaxVolume    float64   `json:"maxVolume"`
	VolumeStep   float64   `json:"volumeStep"`
	StopsLevel   float64   `json:"stopsLevel"`  // points
	FreezeLevel  float64   `json:"freezeLevel"` // points
	FillingModes []string  `json:"fillingModes,omitempty"`
	TradeMode    TradeMode `json:"tradeMode,omitempty"`
}

// Empty reports whether the broker returned no usable spec at all.
func (s InstrumentSpec) Empty() bool {
	return s.PointSize == 0 && s.TickSize == 0 && s.ContractSize == 0 && s.MinVolume == 0
}

// OrderRequest describes a market order with protective stops attached.
type OrderRequest struct {
	Symbol        string    `json:"symbol"` // canonical
	Side          Direction `json:"side"`
	Units         float64   `json:"units"` // lots
	Price         float64   `json:"price,omitempty"`
	StopLoss      float64   `json:"stopLoss,omitempty"`
	TakeProfit    float64   `json:"takeProfit,omitempty"`
	FillingMode   string    `json:"fillingMode,omitempty"`
	ClientOrderID string    `json:"clientOrderId,omitempty"`
	Comment       string    `json:"comment,omitempty"`
}

// OrderResult is the broker's final word on an order attempt. PlaceOrder
// always returns one of these; rejections carry the broker's message.
type OrderResult struct {
	OrderID      string            `json:"orderId"`
	Status       OrderResultStatus `json:"status"`
	FilledPrice  float64           `json:"filledPrice,omitempty"`
	FilledUnits  float64           `json:"filledUnits,omitempty"`
	StopLoss     float64           `json:"stopLoss,omitempty"`
	TakeProfit   float64           `json:"takeProfit,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Retcode      int               `json:"retcode,omitempty"`
	Time         time.Time         `json:"time"`
}

// PendingOrder is a broker order that has not reached a terminal state.
type PendingOrder struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"` // broker-native
	Side      Direction `json:"side"`
	Units     float64   `json:"units"`
	OrderType string    `json:"orderType"` // "market", "limit", "stop"
	Price     float64   `json:"price,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Position is an open broker position.
type Position struct {
	Symbol        string          `json:"symbol"` // broker-native
	Side          Direction       `json:"side"`
	Units         float64         `json:"units"`
	EntryPrice    float64         `json:"entryPrice"`
	CurrentPrice  float64         `json:"currentPrice,omitempty"`
	StopLoss      float64         `json:"stopLoss,omitempty"`
	TakeProfit    float64         `json:"takeProfit,omitempty"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	OpenedAt      time.Time       `json:"openedAt"`
}

// TradeRecord is the orchestrator's view of one managed trade.
type TradeRecord struct {
	ID                 string      `json:"id"` // broker order id
	Symbol             string      `json:"symbol"`
	Direction          Direction   `json:"direction"`
	EntryPrice         float64     `json:"entryPrice"`
	InitialStopLoss    float64     `json:"initialStopLoss"`
	StopLoss           float64     `json:"stopLoss"`
	TakeProfit         float64     `json:"takeProfit"`
	Units              float64     `json:"units"`
	OpenedAt           time.Time   `json:"openedAt"`
	Confidence         float64     `json:"confidence"`
	TimeframesAnalyzed []Timeframe `json:"timeframesAnalyzed,omitempty"`
	ModelsAgreed       int         `json:"modelsAgreed"`
	TotalModels        int         `json:"totalModels"`

	Status        TradeStatus     `json:"status"`
	ExitPrice     float64         `json:"exitPrice,omitempty"`
	ExitTimestamp *time.Time      `json:"exitTimestamp,omitempty"`
	ProfitLoss    decimal.Decimal `json:"profitLoss"`

	BreakEvenTrigger float64 `json:"breakEvenTrigger,omitempty"`
	TrailingStopPips float64 `json:"trailingStopPips,omitempty"`
	PartialTPPercent float64 `json:"partialTpPercent,omitempty"`
	IsBreakEven      bool    `json:"isBreakEven"`
	ExtremePrice     float64 `json:"extremePrice"`
	MaxFavorableRR   float64 `json:"maxFavorableRr"`
}

// Opinion is one AI model's view of a symbol. Errors never raise; they arrive
// as a HOLD opinion with Error set.
type Opinion struct {
	Model            string    `json:"model"`
	Symbol           string    `json:"symbol"`
	Timeframe        Timeframe `json:"timeframe"`
	Direction        Direction `json:"direction"`
	Confidence       float64   `json:"confidence"` // 0-100
	Entry            *float64  `json:"entry,omitempty"`
	StopLoss         *float64  `json:"stopLoss,omitempty"`
	TakeProfits      []float64 `json:"takeProfits,omitempty"`
	BreakEvenTrigger *float64  `json:"breakEvenTrigger,omitempty"`
	TrailingStopPips *float64  `json:"trailingStopPips,omitempty"`
	Style            string    `json:"style,omitempty"`
	Indicators       []string  `json:"indicators,omitempty"`
	Reasoning        string    `json:"reasoning,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// Valid reports whether the opinion contributes to a consensus tally.
func (o Opinion) Valid() bool {
	return o.Error == "" && (o.Direction == DirectionLong || o.Direction == DirectionShort)
}

// Consensus is the aggregate of N model opinions.
type Consensus struct {
	Symbol             string      `json:"symbol"`
	Direction          Direction   `json:"direction"`
	Confidence         float64     `json:"confidence"` // mean of agreeing models
	ModelsAgree        int         `json:"modelsAgree"`
	TotalModels        int         `json:"totalModels"` // valid (non-HOLD, non-error)
	Entry              *float64    `json:"entry,omitempty"`
	StopLoss           *float64    `json:"stopLoss,omitempty"`
	TakeProfit         *float64    `json:"takeProfit,omitempty"`
	BreakEvenTrigger   *float64    `json:"breakEvenTrigger,omitempty"`
	TrailingStopPips   *float64    `json:"trailingStopPips,omitempty"`
	IsStrongSignal     bool        `json:"isStrongSignal"`
	TimeframeAlignment float64     `json:"timeframeAlignment,omitempty"` // 0-100
	IsAligned          bool        `json:"isAligned"`
	Timeframes         []Timeframe `json:"timeframes,omitempty"`
	Opinions           []Opinion   `json:"opinions,omitempty"`
	Timestamp          time.Time   `json:"timestamp"`
}

// NewsImpact grades the expected market impact of a calendar event.
type NewsImpact string

const (
	NewsImpactHigh   NewsImpact = "HIGH"
	NewsImpactMedium NewsImpact = "MEDIUM"
	NewsImpactLow    NewsImpact = "LOW"
)

// NewsEvent is one economic-calendar entry.
type NewsEvent struct {
	Title     string     `json:"title"`
	Currency  string     `json:"currency"`
	Impact    NewsImpact `json:"impact"`
	EventTime time.Time  `json:"eventTime"`
}

// LogType classifies a bot log entry.
type LogType string

const (
	LogInfo     LogType = "info"
	LogAnalysis LogType = "analysis"
	LogTrade    LogType = "trade"
	LogSkip     LogType = "skip"
	LogError    LogType = "error"
	LogNews     LogType = "news"
)

// LogEntry is one structured decision-point record. Fields are never mutated
// after being written to the ring.
type LogEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Symbol    string         `json:"symbol,omitempty"`
	Type      LogType        `json:"type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Float64Ptr returns a pointer to v. Convenience for optional numeric fields.
func Float64Ptr(v float64) *float64 { return &v }
