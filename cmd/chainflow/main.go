// Chainflow - Trade Lifecycle & Recovery Orchestration Engine
//
// Tracks every open position through a multi-stage lifecycle
// (entry → profit booking → stop-loss recovery → pyramid scaling →
// termination), runs a recurring reconciliation loop against live market
// price, and autonomously places follow-up orders under strict safety
// limits.
//
// Lifecycle per position:
// 1. A strategy entry signal opens the original order and seeds a chain
// 2. Each tick re-checks stop/target against a fresh price snapshot
// 3. A stop hit arms an SL-hunt watch at the computed recovery price
// 4. A recovered price plus an aligned trend re-enters one level up
// 5. Profit-trailing legs pyramid: book at a fixed target, double the batch
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/traderops/chainflow/bot"
	"github.com/traderops/chainflow/broker"
	"github.com/traderops/chainflow/core"
	"github.com/traderops/chainflow/feeds"
	"github.com/traderops/chainflow/internal/config"
	"github.com/traderops/chainflow/metrics"
	"github.com/traderops/chainflow/pyramid"
	"github.com/traderops/chainflow/recovery"
	"github.com/traderops/chainflow/registry"
	"github.com/traderops/chainflow/risk"
	"github.com/traderops/chainflow/storage"
)

const version = "1.2.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Strs("symbols", cfg.Symbols).
		Dur("tick_interval", cfg.TickInterval).
		Msg("🚀 Chainflow starting")

	// Database
	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	// Price feed (also the trend source)
	feed := feeds.NewBinanceFeed(cfg.Symbols)
	feed.Start()
	defer feed.Stop()

	// Broker
	client := broker.NewPaper(feed, int64(cfg.SlippageBps))

	// Safety & recovery manager
	safety := recovery.NewManager(recovery.Config{
		RecoveryFraction:         cfg.RecoveryFraction,
		RecoveryWindow:           cfg.RecoveryWindow,
		ReductionPerLevel:        cfg.StopReductionPerLevel,
		StopDistanceFloor:        cfg.StopDistanceFloor,
		MaxDailyAttempts:         cfg.MaxDailyRecoveries,
		MaxDailyLoss:             cfg.MaxDailyLoss,
		MaxConcurrent:            cfg.MaxConcurrentRecoveries,
		ProfitProtectionMultiple: cfg.ProfitProtectionMultiple,
		MaxChainLevel:            cfg.MaxChainLevel,
	})

	// Notification sink: Telegram when configured, structured log otherwise.
	// The bot needs the engine for status commands, so wire it afterwards.
	var notifier core.Notifier = bot.LogNotifier{}

	// Pyramid manager
	pyramids := pyramid.NewManager(pyramid.Config{
		Enabled:              cfg.PyramidEnabled,
		Multipliers:          cfg.PyramidMultipliers,
		ProfitTarget:         cfg.ProfitTargetUSD,
		Strict:               cfg.PyramidStrict,
		MaxReconcileAttempts: cfg.MaxReconcileAttempts,
		PipSize:              cfg.PipSize,
		PipValue:             cfg.PipValue,
		RetryAttempts:        cfg.RetryAttempts,
	}, client, db, bot.LogNotifier{})
	safety.SetProfitChainResolver(pyramids)

	// Execution gate
	gate := risk.NewGate(safety, pyramids, safety, feed)

	// Engine
	engine := core.NewEngine(core.Config{
		TickInterval:         cfg.TickInterval,
		MaxTickFailures:      cfg.MaxTickFailures,
		EnableTPContinuation: cfg.EnableTPContinuation,
		FollowUpDelay:        cfg.FollowUpDelay,
		PipSize:              cfg.PipSize,
		PipValue:             cfg.PipValue,
		RetryAttempts:        cfg.RetryAttempts,
		DefaultLot:           cfg.DefaultLot,
	}, client, registry.NewRegistry(), pyramids, safety, gate, db, notifier)

	// Telegram (optional)
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, engine)
		if err != nil {
			log.Error().Err(err).Msg("Telegram disabled, falling back to log notifications")
		} else {
			tg.Start()
			defer tg.Stop()
			engine.SetNotifier(tg)
			pyramids.SetNotifier(tg)
		}
	}

	// Metrics endpoint
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("📊 Metrics endpoint listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	// Run
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("🛑 Received shutdown signal")
	cancel()
	engine.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	log.Info().Msg("👋 Chainflow stopped")
}
