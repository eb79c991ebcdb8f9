package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(zap.NewNop(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleAccount(id string) *types.Account {
	return &types.Account{
		ID:         id,
		Name:       "Demo " + id,
		Enabled:    true,
		BrokerType: types.BrokerOANDA,
		Credentials: types.CredentialsBundle{
			AccessToken: "tok-" + id,
			AccountID:   "001-" + id,
			Environment: "demo",
		},
		Config: types.BotConfig{
			WatchList:           []string{"EUR_USD", "XAU_USD"},
			AnalysisMode:        types.AnalysisStandard,
			RiskPerTradePercent: 1.0,
			MaxOpenPositions:    3,
			MinRiskReward:       1.5,
			MaxRiskReward:       2.2,
		},
	}
}

func TestSaveAndLoadAccounts(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.SaveAccount(ctx, sampleAccount("a1")); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
	if err := s.SaveAccount(ctx, sampleAccount("a2")); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	accounts, err := s.LoadAccounts(ctx)
	if err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(accounts))
	}

	got, err := s.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Credentials.AccessToken != "tok-a1" {
		t.Fatalf("credentials not round-tripped: %+v", got.Credentials)
	}
	if got.Config.MaxRiskReward != 2.2 || len(got.Config.WatchList) != 2 {
		t.Fatalf("config not round-tripped: %+v", got.Config)
	}
	if !got.Enabled {
		t.Fatal("enabled flag lost")
	}
}

func TestSaveAccountUpserts(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	acct := sampleAccount("a1")
	if err := s.SaveAccount(ctx, acct); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
	acct.Config.RiskPerTradePercent = 2.0
	if err := s.SaveAccount(ctx, acct); err != nil {
		t.Fatalf("SaveAccount update: %v", err)
	}

	got, err := s.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Config.RiskPerTradePercent != 2.0 {
		t.Fatalf("risk = %v, want 2.0", got.Config.RiskPerTradePercent)
	}
	accounts, _ := s.LoadAccounts(ctx)
	if len(accounts) != 1 {
		t.Fatalf("accounts = %d, want 1", len(accounts))
	}
}

func TestGetAccountNotFound(t *testing.T) {
	s := openTest(t)
	if _, err := s.GetAccount(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateConnected(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.SaveAccount(ctx, sampleAccount("a1")); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.UpdateConnected(ctx, "a1", true, at); err != nil {
		t.Fatalf("UpdateConnected: %v", err)
	}

	got, err := s.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !got.Connected {
		t.Fatal("connected flag not set")
	}
	if got.LastConnectedAt == nil || !got.LastConnectedAt.Equal(at) {
		t.Fatalf("last connected = %v, want %v", got.LastConnectedAt, at)
	}

	if err := s.UpdateConnected(ctx, "missing", true, at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBotConfigBlobRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if _, err := s.LoadBotConfig(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	cfg := &types.BotConfig{
		WatchList:        []string{"US30"},
		AnalysisMode:     types.AnalysisPremium,
		MaxDailyTrades:   5,
		TradingStartHour: 7,
		TradingEndHour:   21,
		SmartExit:        types.SmartExitSettings{Enabled: true, MinRR: 1.5, DrawdownPercent: 50},
	}
	if err := s.SaveBotConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveBotConfig: %v", err)
	}

	got, err := s.LoadBotConfig(ctx)
	if err != nil {
		t.Fatalf("LoadBotConfig: %v", err)
	}
	if got.AnalysisMode != types.AnalysisPremium || !got.SmartExit.Enabled {
		t.Fatalf("config not round-tripped: %+v", got)
	}
}

func TestSettings(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.PutSetting(ctx, "news_api_key", "k1"); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}
	if err := s.PutSetting(ctx, "news_api_key", "k2"); err != nil {
		t.Fatalf("PutSetting update: %v", err)
	}
	got, err := s.GetSetting(ctx, "news_api_key")
	if err != nil || got != "k2" {
		t.Fatalf("GetSetting = %q, %v", got, err)
	}
}
