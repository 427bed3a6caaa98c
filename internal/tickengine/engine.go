package tickengine

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"peakexec/internal/dedup"
	"peakexec/internal/eventlog"
	"peakexec/internal/exchange"
	"peakexec/internal/invariant"
	"peakexec/internal/margin"
	"peakexec/internal/metrics"
	"peakexec/internal/notify"
	"peakexec/internal/position"
	"peakexec/internal/reporting"
	"peakexec/internal/safety"
	"peakexec/internal/snapshot"
	"peakexec/internal/statestore"
	"peakexec/internal/trail"
)

// Config is the subset of the flat configuration surface the tick
// engine itself consumes, assembled by main.go from config.Config
// the same way internal/margin, internal/safety, and internal/trail
// each carry their own narrowed Config rather than the full struct.
type Config struct {
	Symbol      string
	QtyUSD      decimal.Decimal
	QtyStep     decimal.Decimal
	TickSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal

	SLPct   decimal.Decimal
	TPRList []decimal.Decimal

	EntryOffsetUSD      decimal.Decimal
	EntryMode           string
	LiveEntryTimeout    time.Duration
	PlanBMaxDevUSD      decimal.Decimal
	PlanBMaxDevRMult    decimal.Decimal

	ManageEvery         time.Duration
	CooldownDuration    time.Duration
	LockDuration        time.Duration
	TrailUpdateEvery    time.Duration
	ExitsRetryEvery     time.Duration
	FailsafeMaxTries    int
	FailsafeFlatten     bool

	TrailStepUSD decimal.Decimal

	TP1BEMaxAttempts   int
	TP1BECooldown      time.Duration
	SLWatchdogGrace    time.Duration
	SLWatchdogRetry    time.Duration
	CleanupRetry       time.Duration
	SyncThrottle       time.Duration

	TailLines     int
	MaxPeakAge    time.Duration
	SignalLogPath string

	// PollInterval paces the entry-fill await loop (§6 POLL_SEC).
	PollInterval time.Duration
	// SnapshotMinInterval is the open-orders cache's throttle (§6
	// SNAPSHOT_MIN_SEC), handed to internal/snapshot.OpenOrders.
	SnapshotMinInterval time.Duration

	MarginEnabled bool

	EmergencyFlagPath        string
	WakeFlagPath             string
	EmergencyBackupStatePath string

	// MarginQuoteAsset is the asset I13's post-close debt check and
	// reconciliation's debt snapshot query against — the quote asset
	// for the common LONG-biased case. A symbol traded in both
	// directions against different borrow assets is out of scope.
	MarginQuoteAsset string

	// InvarEvery throttles invariant evaluation (§6 INVAR_EVERY_SEC),
	// independent of the tick's own ManageEvery cadence so detector
	// reads (margin debt snapshot in particular) don't fire every tick.
	InvarEvery time.Duration
	// I13KillOnDebt is the one named exception to this system's
	// otherwise fail-aware-not-fail-loud philosophy (§7): when an I13
	// alert escalates to ERROR and this is set, the process halts
	// rather than continuing to run with unrepaid margin debt.
	I13KillOnDebt bool
}

// Engine owns the exclusive mutable position lifecycle (§3
// "Ownership"). One Engine runs one symbol's one position at a time,
// matching the process-wide single-position guard of §4.10.
type Engine struct {
	cfg    Config
	dedup  dedup.Config
	safety safety.Config
	trail  trail.Config

	client   exchange.Client
	margin   *margin.Coordinator
	detector *invariant.Detector
	events   *eventlog.Log
	webhook  *notify.Webhook
	bot      *notify.Bot
	store    *statestore.Store
	reports  *reporting.Writer

	openOrders *snapshot.OpenOrders
	midPrice   *snapshot.MidPrice

	mu    sync.Mutex
	state State

	running  bool
	stopChan chan struct{}
}

// New constructs an Engine and loads persisted state. A malformed state
// file is fatal per §4.2; callers should treat a non-nil error as
// unrecoverable.
func New(
	cfg Config, dedupCfg dedup.Config, safetyCfg safety.Config, trailCfg trail.Config,
	client exchange.Client, coordinator *margin.Coordinator, detector *invariant.Detector,
	events *eventlog.Log, webhook *notify.Webhook, bot *notify.Bot, statePath string, reportsPath string,
) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		dedup:      dedupCfg,
		safety:     safetyCfg,
		trail:      trailCfg,
		client:     client,
		margin:     coordinator,
		detector:   detector,
		events:     events,
		webhook:    webhook,
		bot:        bot,
		store:      statestore.New(statePath),
		reports:    reporting.NewWriter(reportsPath),
		openOrders: snapshot.NewOpenOrders(client),
		midPrice:   snapshot.NewMidPrice(client),
		stopChan:   make(chan struct{}),
	}
	if cfg.SnapshotMinInterval > 0 {
		e.openOrders.RefreshInterval = cfg.SnapshotMinInterval
	}
	if err := statestore.Load(e.store, &e.state); err != nil {
		return nil, err
	}
	return e, nil
}

// pollInterval paces the entry-fill await loop; POLL_SEC's default of
// 5s is the spec default, but unset (zero) falls back to 1s so a test
// engine built without New() doesn't busy-loop.
func (e *Engine) pollInterval() time.Duration {
	if e.cfg.PollInterval > 0 {
		return e.cfg.PollInterval
	}
	return time.Second
}

// Start runs the tick loop on a ticker of cfg.ManageEvery, grounded on
// the teacher's monitorPositions goroutine-plus-ticker shape.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopChan = make(chan struct{})
	e.mu.Unlock()

	go e.loop(ctx)
}

func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	close(e.stopChan)
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ManageEvery)
	defer ticker.Stop()

	e.Reconcile(ctx, "boot")

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			start := time.Now()
			e.Tick(ctx)
			metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}
}

// logEvent appends to the event log and best-effort forwards to the
// webhook, matching §7's "every state transition and every error is
// emitted as a structured event in the event log and optionally to the
// webhook".
func (e *Engine) logEvent(ctx context.Context, action string, fields map[string]any) {
	if err := e.events.Append(action, fields); err != nil {
		log.Error().Err(err).Str("action", action).Msg("tickengine: event log append failed")
	}
	payload := map[string]any{"action": action}
	for k, v := range fields {
		payload[k] = v
	}
	e.webhook.Send(ctx, payload)
}

func (e *Engine) alert(ctx context.Context, action, message string) {
	e.logEvent(ctx, action, map[string]any{"message": message})
	if e.bot != nil {
		e.bot.NotifyAlert(message)
	}
}

func (e *Engine) save() {
	if !statestore.Save(e.store, &e.state) {
		e.alert(context.Background(), "STATE_SAVE_FAILED",
			"state save failed; consider emergency shutdown to force a reconcile")
		if ok := statestore.SaveBackup(e.cfg.EmergencyBackupStatePath, &e.state); !ok {
			log.Error().Msg("tickengine: backup state save also failed")
		}
	}
}

// Tick advances the position at most one step (§4.10). It is the sole
// entry point the loop and tests call; every sub-flow below assumes
// e.mu is held for its whole duration because the position is single-
// writer for the life of one tick.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.checkEmergencyFlags(ctx) {
		return
	}
	if e.state.Sleeping {
		return
	}

	pos := e.state.Position
	if pos == nil {
		e.runInvariants(ctx, nil, time.Now())
		e.tickFlat(ctx)
		return
	}

	now := time.Now()

	// Finalization-first ordering (§4.10): manual-close-by-exchange and
	// terminal-stop detection strictly precede every watchdog and
	// trailing path.
	if e.finalizeIfManualClose(ctx, pos) {
		return
	}
	slStatus, slExecQty := e.pollOrder(ctx, pos, position.KeySL, &pos.NextSLPollAt, e.cfg.SLWatchdogRetry)
	if plan := safety.TerminalDetection(slStatus); plan != nil {
		e.finalizeClosed(ctx, pos, "SL_FILLED")
		return
	}

	e.runWatchdogs(ctx, pos, now, slStatus, slExecQty)
	if e.state.Position == nil {
		// A dust-remainder fallback inside runWatchdogs already closed
		// and saved the slot; pos is a detached snapshot now.
		return
	}
	e.runBreakEven(ctx, pos, now)
	e.runTrailing(ctx, pos, now)
	e.runInvariants(ctx, pos, now)

	e.save()
}

// pollOrder fetches an order's live status if the per-key throttle
// allows it, otherwise returns the last reconciliation-cache entry
// (§4.10 "Throttling").
func (e *Engine) pollOrder(ctx context.Context, pos *position.Position, key position.OrderKey, nextAt *time.Time, interval time.Duration) (position.OrderStatus, decimal.Decimal) {
	id := orderIDFor(pos, key)
	if id == 0 {
		return position.StatusMissing, decimal.Zero
	}
	now := time.Now()
	if now.Before(*nextAt) {
		if entry, ok := pos.Recon[key]; ok {
			return entry.Status, decimal.Zero
		}
		return position.StatusNew, decimal.Zero
	}
	*nextAt = now.Add(interval)

	st, err := e.client.Status(ctx, e.cfg.Symbol, id)
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues("status").Inc()
		log.Error().Err(err).Int64("order_id", id).Msg("tickengine: status poll failed")
		if entry, ok := pos.Recon[key]; ok {
			return entry.Status, decimal.Zero
		}
		return position.StatusNew, decimal.Zero
	}
	pos.Recon[key] = position.ReconEntry{Status: st.Status, ObservedAt: now}
	pos.Fills[key] = position.OrderFill{
		OrderID: st.OrderID, Status: st.Status, ExecutedQty: st.ExecutedQty,
		CummulativeQuoteQty: st.CummulativeQuoteQty, AvgFillPrice: st.AvgFillPrice, LastUpdateTs: st.UpdateTime,
	}
	return st.Status, st.ExecutedQty
}

func orderIDFor(pos *position.Position, key position.OrderKey) int64 {
	switch key {
	case position.KeyEntry:
		return pos.EntryID
	case position.KeySL:
		return pos.SLID
	case position.KeySLPrev:
		return pos.SLPrevID
	case position.KeyTP1:
		return pos.TP1ID
	case position.KeyTP2:
		return pos.TP2ID
	default:
		return 0
	}
}

// checkEmergencyFlags implements §4.14: a reconciliation-first shutdown
// on emergency_shutdown.flag, and a resume on wake_up.flag. Both flags
// are consumed (removed) once acted on so they trigger exactly once.
func (e *Engine) checkEmergencyFlags(ctx context.Context) bool {
	if fileExists(e.cfg.WakeFlagPath) {
		os.Remove(e.cfg.WakeFlagPath)
		if e.state.Sleeping {
			e.state.Sleeping = false
			e.logEvent(ctx, "EMERGENCY_WAKE", nil)
			e.save()
		}
	}
	if !fileExists(e.cfg.EmergencyFlagPath) {
		return false
	}
	os.Remove(e.cfg.EmergencyFlagPath)
	e.enterEmergencyShutdown(ctx)
	return true
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// Status renders a one-line operator-facing summary for
// internal/notify.Bot's /status command, the generalization of the
// teacher bot's position-query handler onto this system's single
// position slot.
func (e *Engine) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Sleeping {
		return "sleeping (emergency shutdown active; touch the wake flag to resume)"
	}
	pos := e.state.Position
	if pos == nil {
		if time.Now().Before(e.state.CooldownUntil) {
			return "flat, cooldown until " + e.state.CooldownUntil.Format(time.RFC3339)
		}
		return "flat, no position"
	}
	return "symbol=" + pos.Symbol + " side=" + string(pos.Side) + " status=" + string(pos.Status) +
		" entry=" + pos.Entry.String() + " sl=" + pos.SL.String() +
		" tp1_done=" + boolStr(pos.TP1Done) + " tp2_done=" + boolStr(pos.TP2Done) +
		" trail_active=" + boolStr(pos.TrailActive)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// tickFlat runs the single-position guard and, when no cooldown/lock
// deadline blocks it, the entry flow (§4.11).
func (e *Engine) tickFlat(ctx context.Context) {
	now := time.Now()
	if now.Before(e.state.CooldownUntil) || now.Before(e.state.LockUntil) {
		return
	}
	e.tryEnter(ctx, now)
}
