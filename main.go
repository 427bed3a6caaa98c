// Command peakexec runs the single-position tick engine described in
// the package docs of internal/tickengine: one exchange adapter, one
// margin coordinator, one anomaly detector, wired from the flat
// environment configuration in package config, driven by a ticker
// until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"peakexec/config"
	"peakexec/internal/dedup"
	"peakexec/internal/eventlog"
	"peakexec/internal/exchange"
	"peakexec/internal/invariant"
	"peakexec/internal/margin"
	"peakexec/internal/notify"
	"peakexec/internal/safety"
	"peakexec/internal/tickengine"
	"peakexec/internal/trail"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.With().Caller().Logger()

	cfg := config.Load()

	client := exchange.NewMarginClient(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.BinanceTestnet, cfg.MarginIsolated)

	var coordinator *margin.Coordinator
	if cfg.TradeMode == "margin" {
		var bridge margin.BridgeRateLookup
		if cfg.MarginBridgeAsset != "" {
			bridge = margin.USDCBridgeLookup{Client: client, QuoteRefSymbol: "BTCUSDT", BridgeRefSymbol: "BTCUSDC"}
		}
		var err error
		coordinator, err = margin.New(margin.Config{
			Mode:            cfg.MarginMode(),
			QuoteAsset:      cfg.MarginQuoteAsset,
			BaseAsset:       cfg.MarginBaseAsset,
			BorrowBufferPct: decimal.NewFromFloat(cfg.MarginBorrowBufferPct),
			BridgeAsset:     cfg.MarginBridgeAsset,
		}, client, bridge)
		if err != nil {
			log.Fatal().Err(err).Msg("main: margin coordinator config invalid")
		}
	}

	sideEffect := exchange.SideEffectNone
	if coordinator != nil {
		sideEffect = coordinator.SideEffectForEntry()
	}

	detector := invariant.New(invariant.Config{
		Enabled:          cfg.InvarEnabled,
		ThrottleInterval: time.Duration(cfg.InvarThrottleSec) * time.Second,
		GraceInterval:    time.Duration(cfg.InvarGraceSec) * time.Second,
		FeedStaleAfter:   time.Duration(cfg.TrailFeedStaleSec) * time.Second,
		Tick:             decimal.NewFromFloat(cfg.TickSize),
		MarginEnabled:    cfg.TradeMode == "margin",
		MarginBorrowMode: cfg.MarginBorrowMode,
		MarginSideEffect: sideEffect,
		I13Grace:         time.Duration(cfg.I13GraceSec) * time.Second,
		I13Escalate:      time.Duration(cfg.I13EscalateSec) * time.Second,
	})

	events := eventlog.New(cfg.EventLogPath, cfg.LogMaxLines)
	webhook := notify.NewWebhook(cfg.WebhookURL, cfg.WebhookUsername, cfg.WebhookPassword)

	engineCfg := tickengine.Config{
		Symbol:      cfg.Symbol,
		QtyUSD:      decimal.NewFromFloat(cfg.QtyUSD),
		QtyStep:     decimal.NewFromFloat(cfg.QtyStep),
		TickSize:    decimal.NewFromFloat(cfg.TickSize),
		MinQty:      decimal.NewFromFloat(cfg.MinQty),
		MinNotional: decimal.NewFromFloat(cfg.MinNotional),

		SLPct:   decimal.NewFromFloat(cfg.SLPct),
		TPRList: floatsToDecimals(cfg.TPRList),

		EntryOffsetUSD:   decimal.NewFromFloat(cfg.EntryOffsetUSD),
		EntryMode:        cfg.EntryMode,
		LiveEntryTimeout: time.Duration(cfg.LiveEntryTimeoutSec) * time.Second,
		PlanBMaxDevUSD:   decimal.NewFromFloat(cfg.PlanBMaxDevUSD),
		PlanBMaxDevRMult: decimal.NewFromFloat(cfg.PlanBMaxDevRMult),

		ManageEvery:      cfg.ManageEvery(),
		CooldownDuration: time.Duration(cfg.CooldownSec) * time.Second,
		LockDuration:     time.Duration(cfg.LockSec) * time.Second,
		TrailUpdateEvery: time.Duration(cfg.TrailUpdateEverySec) * time.Second,
		ExitsRetryEvery:  time.Duration(cfg.ExitsRetryEverySec) * time.Second,
		FailsafeMaxTries: cfg.FailsafeExitsMaxTries,
		FailsafeFlatten:  cfg.FailsafeFlatten,

		TrailStepUSD: decimal.NewFromFloat(cfg.TrailStepUSD),

		TP1BEMaxAttempts: cfg.TP1BEMaxAttempts,
		TP1BECooldown:    time.Duration(cfg.TP1BECooldownSec) * time.Second,
		SLWatchdogGrace:  time.Duration(cfg.SLWatchdogGraceSec) * time.Second,
		SLWatchdogRetry:  time.Duration(cfg.SLWatchdogRetrySec) * time.Second,
		CleanupRetry:     time.Duration(cfg.CloseCleanupRetrySec) * time.Second,
		SyncThrottle:     time.Duration(cfg.SyncBinanceThrottleSec) * time.Second,

		TailLines:     cfg.TailLines,
		MaxPeakAge:    time.Duration(cfg.MaxPeakAgeSec) * time.Second,
		SignalLogPath: cfg.SignalLogPath,

		PollInterval:        time.Duration(cfg.PollSec) * time.Second,
		SnapshotMinInterval: time.Duration(cfg.SnapshotMinSec) * time.Second,

		MarginEnabled:    cfg.TradeMode == "margin",
		MarginQuoteAsset: cfg.MarginQuoteAsset,

		EmergencyFlagPath:        cfg.EmergencyFlagPath,
		WakeFlagPath:             cfg.WakeFlagPath,
		EmergencyBackupStatePath: cfg.EmergencyBackupStatePath,

		InvarEvery:    time.Duration(cfg.InvarEverySec) * time.Second,
		I13KillOnDebt: cfg.I13KillOnDebt,
	}

	dedupCfg := dedup.Config{
		PriceDecimals: cfg.DedupPriceDecimals,
		SeenKeysMax:   cfg.SeenKeysMax,
		StrictSource:  cfg.StrictSource,
	}

	safetyCfg := safety.Config{
		MinQty:        decimal.NewFromFloat(cfg.MinQty),
		MinNotional:   decimal.NewFromFloat(cfg.MinNotional),
		QtyStep:       decimal.NewFromFloat(cfg.QtyStep),
		WatchdogGrace: time.Duration(cfg.SLWatchdogGraceSec) * time.Second,
	}

	trailCfg := trail.Config{
		AggCSVPath:        cfg.AggCSVPath,
		SwingLookback:     cfg.TrailSwingLookback,
		SwingRadius:       cfg.TrailSwingLR,
		SwingBuffer:       decimal.NewFromFloat(cfg.TrailSwingBufferUSD),
		ConfirmBufferUSD:  decimal.NewFromFloat(cfg.TrailConfirmBufferUSD),
		RequireBarConfirm: cfg.TrailRequireBarConfirm,
	}

	// The operator bot needs the engine's Status method as a closure,
	// but the engine needs the bot to deliver alerts — New() takes both,
	// so the bot is constructed first with a forwarding closure that
	// reads the engine pointer once it is set.
	var eng *tickengine.Engine
	statusFn := func() string {
		if eng == nil {
			return "starting up"
		}
		return eng.Status()
	}

	var bot *notify.Bot
	if cfg.TelegramToken != "" {
		var err error
		bot, err = notify.New(cfg.TelegramToken, cfg.AuthorizedUserID, cfg.EmergencyFlagPath, cfg.WakeFlagPath, cfg.EventLogPath, statusFn)
		if err != nil {
			log.Fatal().Err(err).Msg("main: telegram bot init failed")
		}
	} else {
		log.Warn().Msg("main: TELEGRAM_BOT_TOKEN unset, operator bot disabled")
	}

	var err error
	eng, err = tickengine.New(engineCfg, dedupCfg, safetyCfg, trailCfg, client, coordinator, detector, events, webhook, bot, cfg.StateFilePath, cfg.TradeReportsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("main: tick engine init failed")
	}

	metricsSrv := startMetricsServer(cfg.MetricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	if bot != nil {
		go bot.Start()
	}

	log.Info().Str("symbol", cfg.Symbol).Str("trade_mode", cfg.TradeMode).Msg("main: peakexec running")

	<-ctx.Done()
	log.Info().Msg("main: shutdown signal received")

	eng.Stop()
	if bot != nil {
		bot.Stop()
	}
	if err := metricsSrv.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("main: metrics server shutdown failed")
	}
}

func floatsToDecimals(fs []float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(fs))
	for i, f := range fs {
		out[i] = decimal.NewFromFloat(f)
	}
	return out
}

// startMetricsServer serves Prometheus /metrics and a liveness
// /healthz, grounded on chidi150c-coinbase's metrics-server idiom.
func startMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		log.Info().Int("port", port).Msg("main: serving /metrics and /healthz")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("main: metrics server failed")
		}
	}()
	return srv
}
