package tickengine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"peakexec/internal/dedup"
	"peakexec/internal/eventlog"
	"peakexec/internal/exchange"
	"peakexec/internal/invariant"
	"peakexec/internal/notify"
	"peakexec/internal/position"
	"peakexec/internal/safety"
	"peakexec/internal/snapshot"
	"peakexec/internal/statestore"
	"peakexec/internal/trail"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// newTestEngine builds an Engine wired to an in-memory exchange double
// and throwaway files under t.TempDir(), bypassing New/statestore.Load
// so tests can seed e.state directly without a round trip through disk.
func newTestEngine(t *testing.T, mid decimal.Decimal) (*Engine, *exchange.MemoryClient) {
	t.Helper()
	dir := t.TempDir()
	client := exchange.NewMemoryClient(mid)

	cfg := Config{
		Symbol:      "BTCUSDT",
		QtyUSD:      d(1000),
		QtyStep:     d(0.001),
		TickSize:    d(0.01),
		MinQty:      d(0.001),
		MinNotional: d(5),

		SLPct:   d(0.01),
		TPRList: []decimal.Decimal{d(1), d(2)},

		EntryOffsetUSD:   d(0),
		EntryMode:        "LIMIT_THEN_MARKET",
		LiveEntryTimeout: 5 * time.Second,
		PlanBMaxDevUSD:   d(50),
		PlanBMaxDevRMult: d(0.5),

		ManageEvery:      time.Second,
		CooldownDuration: time.Minute,
		LockDuration:     time.Minute,
		TrailUpdateEvery: time.Second,
		ExitsRetryEvery:  time.Millisecond,
		FailsafeMaxTries: 3,
		FailsafeFlatten:  true,

		TrailStepUSD: d(10),

		TP1BEMaxAttempts: 5,
		TP1BECooldown:    time.Hour,
		SLWatchdogGrace:  30 * time.Second,
		SLWatchdogRetry:  0,
		CleanupRetry:     time.Minute,
		SyncThrottle:     time.Minute,

		TailLines:     50,
		MaxPeakAge:    time.Hour,
		SignalLogPath: filepath.Join(dir, "signals.jsonl"),

		MarginEnabled: false,

		EmergencyFlagPath:        filepath.Join(dir, "emergency.flag"),
		WakeFlagPath:             filepath.Join(dir, "wake.flag"),
		EmergencyBackupStatePath: filepath.Join(dir, "state.backup.json"),
	}

	e := &Engine{
		cfg:        cfg,
		dedup:      dedup.Config{PriceDecimals: 2, SeenKeysMax: 100, StrictSource: false},
		safety:     safety.Config{MinQty: cfg.MinQty, MinNotional: cfg.MinNotional, QtyStep: cfg.QtyStep, WatchdogGrace: cfg.SLWatchdogGrace},
		trail:      trail.Config{AggCSVPath: filepath.Join(dir, "bars.csv")},
		client:     client,
		margin:     nil,
		detector:   invariant.New(invariant.Config{Enabled: false}),
		events:     eventlog.New(filepath.Join(dir, "events.jsonl"), 200),
		webhook:    notify.NewWebhook("", "", ""),
		bot:        nil,
		store:      statestore.New(filepath.Join(dir, "state.json")),
		openOrders: snapshot.NewOpenOrders(client),
		midPrice:   snapshot.NewMidPrice(client),
		stopChan:   make(chan struct{}),
	}
	e.state = State{}
	return e, client
}

func writeSignal(t *testing.T, cfg Config, kind string, price float64, ts time.Time) {
	t.Helper()
	line := fmt.Sprintf(`{"action":"PEAK","source":"DeltaScout","kind":%q,"price":%f,"ts":%q}`,
		kind, price, ts.UTC().Format(time.RFC3339))
	f, err := os.OpenFile(cfg.SignalLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("writeSignal: open: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatalf("writeSignal: write: %v", err)
	}
}

func openFilledLong(tradeKey string) *position.Position {
	p := position.New(tradeKey, "BTCUSDT", position.Long)
	p.Status = position.OpenFilled
	p.QtyTotal = d(1)
	p.Entry = d(100)
	p.SL = d(95)
	p.TP1 = d(105)
	p.TP2 = d(110)
	p.Qty1, p.Qty2, p.Qty3 = d(0.33), d(0.33), d(0.34)
	return p
}
