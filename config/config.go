// Package config loads the flat environment-variable configuration
// surface described in §6 EXTERNAL INTERFACES. It keeps the teacher's
// godotenv-plus-os.Getenv loading idiom: missing optional keys fall
// back to documented defaults, the operator id is merely warned about
// rather than fatal, since the engine runs fine with the bot disabled.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"peakexec/internal/margin"
)

// Config is every tunable named in §6, grouped roughly by the
// component that consumes it.
type Config struct {
	// Exchange connectivity and operator control surface.
	BinanceAPIKey    string
	BinanceSecretKey string
	BinanceTestnet   bool
	TelegramToken    string
	AuthorizedUserID int64
	WebhookURL       string
	WebhookUsername  string
	WebhookPassword  string

	// Instrument (§4.1, §4.11).
	Symbol      string
	QtyUSD      float64
	QtyStep     float64
	TickSize    float64
	MinQty      float64
	MinNotional float64

	// Exit plan (§4.11, §4.12).
	SLPct     float64
	TPRList   []float64
	SwingMins int

	// Entry flow (§4.11).
	EntryOffsetUSD      float64
	EntryMode           string // LIMIT_ONLY | LIMIT_THEN_MARKET | MARKET_ONLY
	LiveEntryTimeoutSec int
	PlanBMaxDevUSD      float64
	PlanBMaxDevRMult    float64

	// MetricsPort serves Prometheus /metrics and /healthz, grounded on
	// the teacher's metrics-server idiom (§6 ambient observability).
	MetricsPort int

	// Tick cadence and throttles (§4.10).
	PollSec               int
	CooldownSec           int
	LockSec               int
	ManageEverySec        int
	TrailUpdateEverySec   int
	ExitsRetryEverySec    int
	FailsafeExitsMaxTries int
	FailsafeFlatten       bool

	// Swing trailing engine (§4.7).
	TrailSource           string // AGG | BOOK
	TrailSwingLookback    int
	TrailSwingLR          int
	TrailSwingBufferUSD   float64
	TrailConfirmBufferUSD float64
	TrailStepUSD          float64
	TrailRequireBarConfirm bool
	TrailFeedStaleSec     int
	AggCSVPath            string

	// Margin coordinator (§4.6).
	TradeMode             string // spot | margin
	MarginIsolated        bool
	MarginBorrowMode      string // auto | manual
	MarginBorrowBufferPct float64
	MarginQuoteAsset      string // borrowed for LONG entries, e.g. USDT
	MarginBaseAsset       string // borrowed for SHORT entries, e.g. BTC
	MarginBridgeAsset     string // non-empty only when the margin asset differs from Symbol's quote asset

	// Anomaly detectors (§4.8).
	InvarEnabled     bool
	InvarEverySec    int
	InvarThrottleSec int
	InvarGraceSec    int
	I13GraceSec      int
	I13EscalateSec   int
	I13KillOnDebt    bool

	// Break-even / watchdog retry policy (§4.10).
	TP1BEMaxAttempts       int
	TP1BECooldownSec       int
	SLReconFreshSec        int
	SLWatchdogGraceSec     int
	SLWatchdogRetrySec     int
	CloseCleanupRetrySec   int
	SnapshotMinSec         int
	SyncBinanceThrottleSec int

	// Dedup (§4.3).
	DedupPriceDecimals int
	SeenKeysMax        int
	StrictSource       bool

	// Event log / signal / bar feed (§6).
	LogMaxLines       int
	TailLines         int
	MaxPeakAgeSec     int
	SignalLogPath     string
	StateFilePath     string
	EventLogPath      string
	DetectorStatePath string
	TradeReportsPath  string

	// Emergency shutdown (§4.14).
	EmergencyFlagPath        string
	WakeFlagPath             string
	EmergencyBackupStatePath string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("config: no .env file found, using process environment")
	}

	cfg := &Config{
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceSecretKey: os.Getenv("BINANCE_SECRET_KEY"),
		BinanceTestnet:   envBool("BINANCE_TESTNET", false),
		TelegramToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		AuthorizedUserID: envInt64("AUTHORIZED_USER_ID", 0),
		WebhookURL:       os.Getenv("WEBHOOK_URL"),
		WebhookUsername:  os.Getenv("WEBHOOK_USERNAME"),
		WebhookPassword:  os.Getenv("WEBHOOK_PASSWORD"),

		Symbol:      envStr("SYMBOL", "BTCUSDT"),
		QtyUSD:      envFloat("QTY_USD", 100),
		QtyStep:     envFloat("QTY_STEP", 0.0001),
		TickSize:    envFloat("TICK_SIZE", 0.01),
		MinQty:      envFloat("MIN_QTY", 0.0001),
		MinNotional: envFloat("MIN_NOTIONAL", 5),

		SLPct:     envFloat("SL_PCT", 0.01),
		TPRList:   envFloatList("TP_R_LIST", []float64{1, 2}),
		SwingMins: envInt("SWING_MINS", 60),

		EntryOffsetUSD:      envFloat("ENTRY_OFFSET_USD", 0.5),
		EntryMode:           envStr("ENTRY_MODE", "LIMIT_THEN_MARKET"),
		LiveEntryTimeoutSec: envInt("LIVE_ENTRY_TIMEOUT_SEC", 30),
		PlanBMaxDevUSD:      envFloat("PLANB_MAX_DEV_USD", 50),
		PlanBMaxDevRMult:    envFloat("PLANB_MAX_DEV_R_MULT", 0.5),
		MetricsPort:         envInt("METRICS_PORT", 9090),

		PollSec:               envInt("POLL_SEC", 5),
		CooldownSec:           envInt("COOLDOWN_SEC", 60),
		LockSec:               envInt("LOCK_SEC", 30),
		ManageEverySec:        envInt("MANAGE_EVERY_SEC", 5),
		TrailUpdateEverySec:   envInt("TRAIL_UPDATE_EVERY_SEC", 30),
		ExitsRetryEverySec:    envInt("EXITS_RETRY_EVERY_SEC", 15),
		FailsafeExitsMaxTries: envInt("FAILSAFE_EXITS_MAX_TRIES", 5),
		FailsafeFlatten:       envBool("FAILSAFE_FLATTEN", true),

		TrailSource:           envStr("TRAIL_SOURCE", "AGG"),
		TrailSwingLookback:    envInt("TRAIL_SWING_LOOKBACK", 180),
		TrailSwingLR:          envInt("TRAIL_SWING_LR", 3),
		TrailSwingBufferUSD:   envFloat("TRAIL_SWING_BUFFER_USD", 5),
		TrailConfirmBufferUSD: envFloat("TRAIL_CONFIRM_BUFFER_USD", 2),
		TrailStepUSD:          envFloat("TRAIL_STEP_USD", 10),
		TrailRequireBarConfirm: envBool("TRAIL_REQUIRE_BAR_CONFIRM", true),
		TrailFeedStaleSec:     envInt("TRAIL_FEED_STALE_SEC", 300),
		AggCSVPath:            envStr("AGG_CSV_PATH", "data/agg_bars.csv"),

		TradeMode:             envStr("TRADE_MODE", "margin"),
		MarginIsolated:        envBool("MARGIN_ISOLATED", false),
		MarginBorrowMode:      envStr("MARGIN_BORROW_MODE", "auto"),
		MarginBorrowBufferPct: envFloat("MARGIN_BORROW_BUFFER_PCT", 0.003),
		MarginQuoteAsset:      envStr("MARGIN_QUOTE_ASSET", "USDT"),
		MarginBaseAsset:       envStr("MARGIN_BASE_ASSET", "BTC"),
		MarginBridgeAsset:     envStr("MARGIN_BRIDGE_ASSET", ""),

		InvarEnabled:     envBool("INVAR_ENABLED", true),
		InvarEverySec:    envInt("INVAR_EVERY_SEC", 30),
		InvarThrottleSec: envInt("INVAR_THROTTLE_SEC", 60),
		InvarGraceSec:    envInt("INVAR_GRACE_SEC", 10),
		I13GraceSec:      envInt("I13_GRACE_SEC", 60),
		I13EscalateSec:   envInt("I13_ESCALATE_SEC", 600),
		I13KillOnDebt:    envBool("I13_KILL_ON_DEBT", false),

		TP1BEMaxAttempts:       envInt("TP1_BE_MAX_ATTEMPTS", 5),
		TP1BECooldownSec:       envInt("TP1_BE_COOLDOWN_SEC", 3600),
		SLReconFreshSec:        envInt("SL_RECON_FRESH_SEC", 30),
		SLWatchdogGraceSec:     envInt("SL_WATCHDOG_GRACE_SEC", 15),
		SLWatchdogRetrySec:     envInt("SL_WATCHDOG_RETRY_SEC", 10),
		CloseCleanupRetrySec:   envInt("CLOSE_CLEANUP_RETRY_SEC", 30),
		SnapshotMinSec:         envInt("SNAPSHOT_MIN_SEC", 5),
		SyncBinanceThrottleSec: envInt("SYNC_BINANCE_THROTTLE_SEC", 20),

		DedupPriceDecimals: envInt("DEDUP_PRICE_DECIMALS", 2),
		SeenKeysMax:        envInt("SEEN_KEYS_MAX", 500),
		StrictSource:       envBool("STRICT_SOURCE", false),

		LogMaxLines:       envInt("LOG_MAX_LINES", 200),
		TailLines:         envInt("TAIL_LINES", 300),
		MaxPeakAgeSec:     envInt("MAX_PEAK_AGE_SEC", 120),
		SignalLogPath:     envStr("SIGNAL_LOG_PATH", "data/signals.jsonl"),
		StateFilePath:     envStr("STATE_FILE_PATH", "data/state.json"),
		EventLogPath:      envStr("EVENT_LOG_PATH", "data/events.jsonl"),
		DetectorStatePath: envStr("DETECTOR_STATE_PATH", "data/detector_state.json"),
		TradeReportsPath:  envStr("TRADE_REPORTS_PATH", "data/trade_reports.jsonl"),

		EmergencyFlagPath:        envStr("EMERGENCY_FLAG_PATH", "data/emergency_shutdown.flag"),
		WakeFlagPath:             envStr("WAKE_FLAG_PATH", "data/wake_up.flag"),
		EmergencyBackupStatePath: envStr("EMERGENCY_BACKUP_STATE_PATH", "data/state.emergency_backup.json"),
	}

	if cfg.AuthorizedUserID == 0 {
		log.Println("config: AUTHORIZED_USER_ID not set; the operator bot will reject every command")
	}

	return cfg
}

// ManageEvery returns ManageEverySec as a time.Duration for direct use
// by the tick loop's ticker.
func (c *Config) ManageEvery() time.Duration { return time.Duration(c.ManageEverySec) * time.Second }

// MarginMode translates the flat MARGIN_BORROW_MODE string into the
// margin package's closed sum type, matching §4.6's "auto|manual"
// mapping onto exchange-managed vs. explicit hooks.
func (c *Config) MarginMode() margin.Mode {
	if c.MarginBorrowMode == "manual" {
		return margin.ModeExplicit
	}
	return margin.ModeExchangeManaged
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("config: invalid bool for %s=%q, using default %v", key, v, def)
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: invalid int for %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Printf("config: invalid int64 for %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("config: invalid float for %s=%q, using default %v", key, v, def)
		return def
	}
	return f
}

// envFloatList parses a comma-separated list, e.g. TP_R_LIST=1,2 for
// two take-profit legs at 1R and 2R.
func envFloatList(key string, def []float64) []float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []float64
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			tok := v[start:i]
			start = i + 1
			if tok == "" {
				continue
			}
			f, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				log.Printf("config: invalid float in list %s=%q, using default", key, v)
				return def
			}
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
