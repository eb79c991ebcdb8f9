// Package main runs the multi-account trading orchestrator: the account
// store, the bot fleet manager, the background jobs and the admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/api"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker/gatewayrest"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker/oanda"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker/platformrest"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/broker/terminal"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/config"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/manager"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/metrics"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/news"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/notify"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/oracle"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/store"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "config file path (default: ./config.yaml)")
	startAll := flag.Bool("start-all", false, "start every enabled account at boot")
	paper := flag.Bool("paper", false, "register the simulated terminal broker for paper trading")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging.Level)
	defer logger.Sync()

	logger.Info("avvio orchestratore",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("db", cfg.Database.Path),
		zap.Int("models", len(cfg.Oracle.Models)),
		zap.Bool("paper", *paper),
	)

	st, err := store.Open(logger, cfg.Database.Path)
	if err != nil {
		logger.Fatal("apertura store fallita", zap.Error(err))
	}
	defer st.Close()

	registry := buildRegistry(*paper)
	models := buildModels(logger, cfg)

	var calendar news.Calendar
	if cfg.News.FeedURL != "" {
		calendar = news.NewHTTPCalendar(logger, cfg.News.FeedURL, cfg.News.APIKey)
	}

	notifier := notify.NewWebhook(logger, cfg.Notify.WebhookURL)
	m := metrics.New()
	mgr := manager.New(logger, st, registry, m, notifier, calendar, models)
	server := api.NewServer(logger, mgr, m)

	scheduler := cron.New()
	scheduleJobs(logger, scheduler, cfg, mgr, calendar, notifier)
	scheduler.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *startAll {
		for _, res := range mgr.StartAllEnabled(ctx) {
			logger.Info("avvio account",
				zap.String("account", res.AccountID),
				zap.String("outcome", string(res.Outcome)),
				zap.String("error", res.Error),
			)
		}
	}

	go func() {
		if err := server.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server API terminato", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("segnale di arresto ricevuto")

	cancel()
	<-scheduler.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	mgr.Shutdown(shutdownCtx)
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("arresto del server fallito", zap.Error(err))
	}
	logger.Info("orchestratore arrestato")
}

// buildRegistry registers every supported broker. The simulated terminal is
// only exposed in paper mode so a misconfigured account cannot silently
// trade against the sim.
func buildRegistry(paper bool) *broker.Registry {
	registry := broker.NewRegistry()
	registry.Register(types.BrokerGatewayREST, func(logger *zap.Logger, creds types.CredentialsBundle) (broker.Adapter, error) {
		return gatewayrest.New(logger, creds)
	})
	registry.Register(types.BrokerOANDA, func(logger *zap.Logger, creds types.CredentialsBundle) (broker.Adapter, error) {
		return oanda.New(logger, creds)
	})
	registry.Register(types.BrokerPlatformREST, func(logger *zap.Logger, creds types.CredentialsBundle) (broker.Adapter, error) {
		return platformrest.New(logger, creds)
	})
	if paper {
		sim := paperSim()
		registry.Register(types.BrokerTerminal, func(logger *zap.Logger, creds types.CredentialsBundle) (broker.Adapter, error) {
			return terminal.New(logger, sim, creds)
		})
	}
	return registry
}

// paperSim seeds the simulated terminal with a handful of majors.
func paperSim() *terminal.Sim {
	sim := terminal.NewSim(10000)
	now := time.Now()
	seeds := []struct {
		symbol    string
		bid, ask  float64
		pointSize float64
		margin    float64
	}{
		{"EURUSD", 1.07990, 1.08000, 0.00001, 1000},
		{"GBPUSD", 1.26990, 1.27003, 0.00001, 1000},
		{"USDJPY", 149.250, 149.262, 0.001, 1000},
	}
	for _, s := range seeds {
		sim.AddSymbol(types.InstrumentSpec{
			Symbol:     s.symbol,
			PointSize:  s.pointSize,
			MinVolume:  0.01,
			MaxVolume:  100,
			VolumeStep: 0.01,
			TradeMode:  types.TradeModeFull,
		}, types.Tick{Symbol: s.symbol, Bid: s.bid, Ask: s.ask, Time: now}, s.margin)
	}
	return sim
}

func buildModels(logger *zap.Logger, cfg *config.Config) []oracle.Model {
	models := make([]oracle.Model, 0, len(cfg.Oracle.Models))
	for _, mc := range cfg.Oracle.Models {
		models = append(models, oracle.NewHTTPModel(logger, mc.Name, mc.Endpoint, mc.APIKey))
	}
	return models
}

// scheduleJobs wires the background cron jobs: a calendar feed refresh and the
// daily fleet report.
func scheduleJobs(logger *zap.Logger, scheduler *cron.Cron, cfg *config.Config, mgr *manager.Manager, calendar news.Calendar, notifier notify.Sink) {
	if calendar != nil && cfg.Jobs.NewsRefresh != "" {
		_, err := scheduler.AddFunc(cfg.Jobs.NewsRefresh, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			events, err := calendar.FetchEvents(ctx)
			if err != nil {
				logger.Warn("aggiornamento del calendario fallito", zap.Error(err))
				return
			}
			logger.Info("calendario raggiungibile", zap.Int("events", len(events)))
		})
		if err != nil {
			logger.Fatal("cron news_refresh non valido", zap.Error(err))
		}
	}

	if cfg.Jobs.DailyReport != "" {
		_, err := scheduler.AddFunc(cfg.Jobs.DailyReport, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			dailyReport(ctx, logger, mgr, notifier)
		})
		if err != nil {
			logger.Fatal("cron daily_report non valido", zap.Error(err))
		}
	}
}

// dailyReport sends one message per account with yesterday's counters.
func dailyReport(ctx context.Context, logger *zap.Logger, mgr *manager.Manager, notifier notify.Sink) {
	accounts, err := mgr.Accounts(ctx)
	if err != nil {
		logger.Warn("report giornaliero: lettura account fallita", zap.Error(err))
		return
	}
	for _, acct := range accounts {
		snap, err := mgr.Status(acct.ID)
		if err != nil {
			continue
		}
		notifier.Notify(fmt.Sprintf("[%s] stato %s, analisi %d, trade %d, P&L %s",
			acct.ID, snap.Status, snap.Today.Analyses, snap.Today.Trades, snap.Today.RealizedPnL.StringFixed(2)))
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
