// Package types provides configuration types for the trading orchestrator.
package types

import (
	"fmt"
	"time"
)

// BrokerType identifies which adapter drives an account.
type BrokerType string

const (
	BrokerGatewayREST  BrokerType = "gateway_rest"
	BrokerOANDA        BrokerType = "oanda"
	BrokerPlatformREST BrokerType = "platform_rest"
	BrokerTerminal     BrokerType = "terminal"
)

// CredentialsBundle is the adapter-agnostic credential set resolved by the
// manager from an account row. Adapters pick the fields they need.
type CredentialsBundle struct {
	AccessToken string `json:"accessToken,omitempty" mapstructure:"access_token"`
	AccountID   string `json:"accountId,omitempty" mapstructure:"account_id"`
	BaseURL     string `json:"baseUrl,omitempty" mapstructure:"base_url"`
	StreamURL   string `json:"streamUrl,omitempty" mapstructure:"stream_url"`
	Username    string `json:"username,omitempty" mapstructure:"username"`
	Password    string `json:"password,omitempty" mapstructure:"password"`
	PlatformID  string `json:"platformId,omitempty" mapstructure:"platform_id"`
	Environment string `json:"environment,omitempty" mapstructure:"environment"` // "live" | "demo"
}

// SmartExitSettings controls the retrace-based exit of winning trades.
type SmartExitSettings struct {
	Enabled         bool    `json:"enabled" mapstructure:"enabled"`
	MinRR           float64 `json:"minRr" mapstructure:"min_rr"`                       // R-multiples before arming
	DrawdownPercent float64 `json:"drawdownPercent" mapstructure:"drawdown_percent"` // 0-100, fraction of peak move given back
}

// NewsFilterSettings controls the economic-calendar blackout.
type NewsFilterSettings struct {
	Enabled       bool       `json:"enabled" mapstructure:"enabled"`
	MinImpact     NewsImpact `json:"minImpact" mapstructure:"min_impact"`
	MinutesBefore int        `json:"minutesBefore" mapstructure:"minutes_before"`
	MinutesAfter  int        `json:"minutesAfter" mapstructure:"minutes_after"`
}

// BotConfig is the complete per-account bot configuration. Mutable only via
// Bot.Configure; the loop reads an immutable copy.
type BotConfig struct {
	WatchList           []string           `json:"watchList" mapstructure:"watch_list"`
	AnalysisMode        AnalysisMode       `json:"analysisMode" mapstructure:"analysis_mode"`
	IntervalSeconds     int                `json:"intervalSeconds" mapstructure:"interval_seconds"`
	EnabledModels       []string           `json:"enabledModels" mapstructure:"enabled_models"`
	Timeframes          []Timeframe        `json:"timeframes,omitempty" mapstructure:"timeframes"`
	MinConfidence       float64            `json:"minConfidence" mapstructure:"min_confidence"` // 0-100
	MinModelsAgree      int                `json:"minModelsAgree" mapstructure:"min_models_agree"`
	MinConfluence       float64            `json:"minConfluence" mapstructure:"min_confluence"` // 0-100
	RiskPerTradePercent float64            `json:"riskPerTradePercent" mapstructure:"risk_per_trade_percent"`
	MaxOpenPositions    int                `json:"maxOpenPositions" mapstructure:"max_open_positions"`
	MaxDailyTrades      int                `json:"maxDailyTrades" mapstructure:"max_daily_trades"`
	MaxDailyLossPercent float64            `json:"maxDailyLossPercent" mapstructure:"max_daily_loss_percent"`
	TradingStartHour    int                `json:"tradingStartHour" mapstructure:"trading_start_hour"`
	TradingEndHour      int                `json:"tradingEndHour" mapstructure:"trading_end_hour"`
	TradeOnWeekends     bool               `json:"tradeOnWeekends" mapstructure:"trade_on_weekends"`
	MinRiskReward       float64            `json:"minRiskReward" mapstructure:"min_risk_reward"`
	MaxRiskReward       float64            `json:"maxRiskReward" mapstructure:"max_risk_reward"`
	SmartExit           SmartExitSettings  `json:"smartExit" mapstructure:"smart_exit"`
	NewsFilter          NewsFilterSettings `json:"newsFilter" mapstructure:"news_filter"`
	BrokerType          BrokerType         `json:"brokerType" mapstructure:"broker_type"`
	Credentials         CredentialsBundle  `json:"credentials" mapstructure:"credentials"`
}

// DefaultBotConfig returns conservative defaults for a new account.
func DefaultBotConfig() BotConfig {
	return BotConfig{
		WatchList:           []string{"EUR_USD", "GBP_USD", "XAU_USD"},
		AnalysisMode:        AnalysisStandard,
		IntervalSeconds:     300,
		EnabledModels:       []string{"model-a", "model-b", "model-c"},
		Timeframes:          []Timeframe{Timeframe15m, Timeframe1h, Timeframe4h},
		MinConfidence:       65,
		MinModelsAgree:      2,
		MinConfluence:       60,
		RiskPerTradePercent: 1.0,
		MaxOpenPositions:    3,
		MaxDailyTrades:      10,
		MaxDailyLossPercent: 5.0,
		TradingStartHour:    7,
		TradingEndHour:      21,
		TradeOnWeekends:     false,
		MinRiskReward:       1.5,
		MaxRiskReward:       3.0,
		SmartExit: SmartExitSettings{
			Enabled:         true,
			MinRR:           1.0,
			DrawdownPercent: 45,
		},
		NewsFilter: NewsFilterSettings{
			Enabled:       true,
			MinImpact:     NewsImpactHigh,
			MinutesBefore: 30,
			MinutesAfter:  30,
		},
	}
}

// Validate checks the configuration invariants. It refuses to start a bot on
// the first violation found.
func (c BotConfig) Validate() error {
	if len(c.WatchList) == 0 {
		return fmt.Errorf("config: watch list is empty")
	}
	if c.IntervalSeconds < 60 {
		return fmt.Errorf("config: interval_seconds must be >= 60, got %d", c.IntervalSeconds)
	}
	if c.RiskPerTradePercent <= 0 || c.RiskPerTradePercent > 10 {
		return fmt.Errorf("config: risk_per_trade_percent must be in (0,10], got %.2f", c.RiskPerTradePercent)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 100 {
		return fmt.Errorf("config: min_confidence must be in [0,100], got %.1f", c.MinConfidence)
	}
	if c.MinConfluence < 0 || c.MinConfluence > 100 {
		return fmt.Errorf("config: min_confluence must be in [0,100], got %.1f", c.MinConfluence)
	}
	if c.MinRiskReward > c.MaxRiskReward {
		return fmt.Errorf("config: min_risk_reward %.2f exceeds max_risk_reward %.2f", c.MinRiskReward, c.MaxRiskReward)
	}
	if c.TradingStartHour < 0 || c.TradingEndHour > 24 || c.TradingStartHour >= c.TradingEndHour {
		return fmt.Errorf("config: trading window must satisfy 0 <= start < end <= 24, got [%d,%d)", c.TradingStartHour, c.TradingEndHour)
	}
	if c.MaxOpenPositions <= 0 {
		return fmt.Errorf("config: max_open_positions must be positive, got %d", c.MaxOpenPositions)
	}
	if c.SmartExit.Enabled {
		if c.SmartExit.DrawdownPercent <= 0 || c.SmartExit.DrawdownPercent > 100 {
			return fmt.Errorf("config: smart_exit.drawdown_percent must be in (0,100], got %.1f", c.SmartExit.DrawdownPercent)
		}
		if c.SmartExit.MinRR <= 0 {
			return fmt.Errorf("config: smart_exit.min_rr must be positive, got %.2f", c.SmartExit.MinRR)
		}
	}
	if len(c.EnabledModels) == 0 {
		return fmt.Errorf("config: no AI models enabled")
	}
	return nil
}

// Interval returns the analysis interval as a duration.
func (c BotConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Account is one persisted brokerage account row.
type Account struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Enabled         bool              `json:"enabled"`
	BrokerType      BrokerType        `json:"brokerType"`
	Credentials     CredentialsBundle `json:"credentials"`
	Config          BotConfig         `json:"config"`
	Connected       bool              `json:"connected"`
	LastConnectedAt *time.Time        `json:"lastConnectedAt,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}
