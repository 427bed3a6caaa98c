// Package invariant implements the thirteen read-only anomaly
// detectors from §4.8, grounded on executor_mod/invariants.py. These
// detectors only log events and emit alerts — they never mutate
// position state or place orders. Each alert is throttled by
// (invariant_id, position_key).
package invariant

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"peakexec/internal/exchange"
	"peakexec/internal/position"
)

// Severity mirrors invariants.py's WARN/ERROR escalation.
type Severity string

const (
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Alert is one detector firing, ready for the caller to log and
// forward to the notification layer (internal/notify).
type Alert struct {
	InvariantID string
	Severity    Severity
	Message     string
	Details     map[string]any
}

// Config is the subset of the flat configuration surface the
// detectors need, grounded on invariants.py's INVAR_* env keys.
type Config struct {
	Enabled          bool
	ThrottleInterval time.Duration
	GraceInterval    time.Duration
	FeedStaleAfter   time.Duration
	Tick             decimal.Decimal

	MarginEnabled    bool
	MarginBorrowMode string // "manual" or "auto"
	MarginSideEffect exchange.SideEffect

	// I13Grace is how long after a close no debt alert fires at all
	// (repay may still be in flight); I13Escalate is the elapsed time
	// after which a still-outstanding debt alert escalates WARN->ERROR
	// (§6 I13_GRACE_SEC / I13_ESCALATE_SEC).
	I13Grace    time.Duration
	I13Escalate time.Duration
}

// Detector holds the per-(invariant,position) throttle cache. One
// Detector is shared across ticks for the life of the process.
type Detector struct {
	cfg      Config
	lastEmit map[string]time.Time
}

func New(cfg Config) *Detector {
	return &Detector{cfg: cfg, lastEmit: make(map[string]time.Time)}
}

func posKey(symbol string, p *position.Position) string {
	if p == nil {
		return symbol + ":none"
	}
	return fmt.Sprintf("%s:%s:%s", symbol, p.Side, p.TradeKey)
}

func (d *Detector) emit(now time.Time, invariantID, posK string, sev Severity, msg string, details map[string]any) *Alert {
	if !d.cfg.Enabled {
		return nil
	}
	key := invariantID + ":" + posK
	if last, ok := d.lastEmit[key]; ok && d.cfg.ThrottleInterval > 0 && now.Sub(last) < d.cfg.ThrottleInterval {
		return nil
	}
	d.lastEmit[key] = now
	return &Alert{InvariantID: invariantID, Severity: sev, Message: msg, Details: details}
}

func severityByAge(age, grace time.Duration) Severity {
	if age < grace {
		return SeverityWarn
	}
	return SeverityError
}

// Run evaluates every invariant against the current position and
// returns whatever alerts fired (nil entries are omitted).
func (d *Detector) Run(now time.Time, symbol string, p *position.Position, trailFeedAge time.Duration, debt exchange.DebtSnapshot, closedAt time.Time) []Alert {
	if !d.cfg.Enabled {
		return nil
	}
	pk := posKey(symbol, p)
	var alerts []Alert
	collect := func(a *Alert) {
		if a != nil {
			alerts = append(alerts, *a)
		}
	}

	collect(d.checkI1ProtectionPresent(now, pk, p))
	collect(d.checkI2ExitPriceSanity(now, pk, p))
	collect(d.checkI3QuantityAccounting(now, pk, p))
	collect(d.checkI4EntryStateConsistency(now, pk, p))
	collect(d.checkI5TrailStateSane(now, pk, p))
	collect(d.checkI6FeedFreshness(now, pk, p, trailFeedAge))
	collect(d.checkI7TPOrdersAfterFill(now, pk, p))
	collect(d.checkI8StateShape(now, pk, p))
	collect(d.checkI9TrailActiveSLMissing(now, pk, p))
	collect(d.checkI10RepeatedTrailErrors(now, pk, p))
	collect(d.checkI11MarginConfigCoherence(now, pk))
	collect(d.checkI13PostCloseDebt(now, pk, p, debt, closedAt))
	return alerts
}

// I1: once OPEN_FILLED, a stop-loss order id and price must exist.
func (d *Detector) checkI1ProtectionPresent(now time.Time, pk string, p *position.Position) *Alert {
	if p == nil || p.Status != position.OpenFilled {
		return nil
	}
	if p.SLID > 0 && p.SL.Sign() > 0 {
		return nil
	}
	age := now.Sub(p.OpenedAt)
	return d.emit(now, "I1", pk, severityByAge(age, d.cfg.GraceInterval), "OPEN_FILLED but SL missing",
		map[string]any{"sl_id": p.SLID, "sl_price": p.SL, "age": age})
}

// I2: price hierarchy, as validated by position.ValidateExitPlan.
func (d *Detector) checkI2ExitPriceSanity(now time.Time, pk string, p *position.Position) *Alert {
	if p == nil {
		return nil
	}
	if p.Entry.Sign() <= 0 || p.SL.Sign() <= 0 || p.TP1.Sign() <= 0 || p.TP2.Sign() <= 0 {
		if p.Status == position.OpenFilled {
			return d.emit(now, "I2", pk, SeverityWarn, "exit prices incomplete",
				map[string]any{"entry": p.Entry, "sl": p.SL, "tp1": p.TP1, "tp2": p.TP2})
		}
		return nil
	}
	if err := position.ValidateExitPlan(p.Side, p.Entry, p.SL, p.TP1, p.TP2, d.cfg.Tick); err != nil {
		return d.emit(now, "I2", pk, SeverityError, "exit price hierarchy violated", map[string]any{"error": err.Error()})
	}
	return nil
}

// I3: leg quantities sum to total in step-units.
func (d *Detector) checkI3QuantityAccounting(now time.Time, pk string, p *position.Position) *Alert {
	if p == nil || p.QtyTotal.Sign() <= 0 {
		return nil
	}
	sum := p.Qty1.Add(p.Qty2).Add(p.Qty3)
	if sum.Equal(p.QtyTotal) {
		return nil
	}
	return d.emit(now, "I3", pk, SeverityError, "leg quantities do not sum to total",
		map[string]any{"qty1": p.Qty1, "qty2": p.Qty2, "qty3": p.Qty3, "total": p.QtyTotal, "sum": sum})
}

// I4: entry state consistency — a position with an entry order id must
// have a non-zero entry price once it has left PENDING.
func (d *Detector) checkI4EntryStateConsistency(now time.Time, pk string, p *position.Position) *Alert {
	if p == nil || p.Status == position.Pending {
		return nil
	}
	if p.EntryID > 0 && p.Entry.Sign() <= 0 {
		return d.emit(now, "I4", pk, SeverityError, "entry order recorded without an entry price",
			map[string]any{"entry_id": p.EntryID, "status": p.Status})
	}
	return nil
}

// I5/I9: trailing coherence — if trailing is active, a stop must
// exist and trail-update timestamps must be advancing.
func (d *Detector) checkI5TrailStateSane(now time.Time, pk string, p *position.Position) *Alert {
	if p == nil || !p.TrailActive {
		return nil
	}
	if !p.NextTrailUpdateAt.IsZero() && now.After(p.NextTrailUpdateAt.Add(d.cfg.FeedStaleAfter)) {
		return d.emit(now, "I5", pk, SeverityWarn, "trailing active but update timestamps have stalled",
			map[string]any{"next_trail_update_at": p.NextTrailUpdateAt})
	}
	return nil
}

func (d *Detector) checkI9TrailActiveSLMissing(now time.Time, pk string, p *position.Position) *Alert {
	if p == nil || !p.TrailActive {
		return nil
	}
	if p.SLID > 0 && p.SL.Sign() > 0 {
		return nil
	}
	age := now.Sub(p.OpenedAt)
	return d.emit(now, "I9", pk, severityByAge(age, d.cfg.GraceInterval), "trailing active but stop-loss missing",
		map[string]any{"sl_id": p.SLID, "age": age})
}

// I6: trailing feed (bar CSV) must not be stale beyond threshold.
func (d *Detector) checkI6FeedFreshness(now time.Time, pk string, p *position.Position, feedAge time.Duration) *Alert {
	if p == nil || !p.TrailActive {
		return nil
	}
	if feedAge <= d.cfg.FeedStaleAfter {
		return nil
	}
	return d.emit(now, "I6", pk, SeverityWarn, "trailing feed is stale",
		map[string]any{"feed_age": feedAge, "threshold": d.cfg.FeedStaleAfter})
}

// I7: TP orders must exist once the entry has filled (unless trailing
// has already taken over exit management).
func (d *Detector) checkI7TPOrdersAfterFill(now time.Time, pk string, p *position.Position) *Alert {
	if p == nil || p.Status != position.OpenFilled || p.TrailActive {
		return nil
	}
	if p.TP1ID > 0 || p.TP1Done {
		if p.TP2ID > 0 || p.TP2Done {
			return nil
		}
	}
	age := now.Sub(p.OpenedAt)
	return d.emit(now, "I7", pk, severityByAge(age, d.cfg.GraceInterval), "take-profit orders missing after fill",
		map[string]any{"tp1_id": p.TP1ID, "tp2_id": p.TP2ID, "age": age})
}

// I8: coarse state-shape sanity for a live OPEN_FILLED position —
// every exit price must be populated.
func (d *Detector) checkI8StateShape(now time.Time, pk string, p *position.Position) *Alert {
	if p == nil || p.Status != position.OpenFilled {
		return nil
	}
	if p.Entry.Sign() > 0 && p.SL.Sign() > 0 && p.TP1.Sign() > 0 && p.TP2.Sign() > 0 {
		return nil
	}
	age := now.Sub(p.OpenedAt)
	if p.OpenedAt.IsZero() {
		age = d.cfg.GraceInterval // unknown open time defaults to WARN, matching the original's fallback
	}
	return d.emit(now, "I8", pk, severityByAge(age, d.cfg.GraceInterval+time.Second), "live position state is incomplete",
		map[string]any{"entry": p.Entry, "sl": p.SL, "tp1": p.TP1, "tp2": p.TP2})
}

// I10: a trailing-stop replacement error recorded within the last
// throttle interval. A single recorded error of any code is enough: the
// check does not count repetitions and does not tell rate-limit errors
// from others. Throttled like every other detector so a persistent
// error does not spam alerts.
func (d *Detector) checkI10RepeatedTrailErrors(now time.Time, pk string, p *position.Position) *Alert {
	if p == nil || !p.TrailActive || p.TrailLastErrorCode == 0 {
		return nil
	}
	if now.Sub(p.TrailLastErrorAt) > d.cfg.ThrottleInterval {
		return nil
	}
	return d.emit(now, "I10", pk, SeverityWarn, "repeated trailing-stop replacement errors",
		map[string]any{"code": p.TrailLastErrorCode, "last_error_at": p.TrailLastErrorAt})
}

// I11: margin-mode config coherence — the borrow mode and the
// exchange-side flag must agree (manual ⇒ NO_SIDE_EFFECT, auto ⇒ an
// auto flag), mirroring the margin coordinator's own refusal to start
// in a mixed configuration, surfaced here for a process that was
// reconfigured without restarting.
func (d *Detector) checkI11MarginConfigCoherence(now time.Time, pk string) *Alert {
	if !d.cfg.MarginEnabled {
		return nil
	}
	manual := d.cfg.MarginBorrowMode == "manual"
	autoFlag := d.cfg.MarginSideEffect != exchange.SideEffectNone
	if manual == !autoFlag {
		return nil
	}
	return d.emit(now, "I11", pk, SeverityError, "margin borrow mode and side-effect flag disagree",
		map[string]any{"borrow_mode": d.cfg.MarginBorrowMode, "side_effect": d.cfg.MarginSideEffect})
}

// CheckI12 checks that the margin ledger's active trade key matches
// the position actually carrying the borrow. It is called directly by
// the tick orchestrator (rather than from Run) since it needs the
// MarginLedger, which Run's signature does not carry.
func (d *Detector) CheckI12(now time.Time, symbol string, p *position.Position, ledger *position.MarginLedger) *Alert {
	if !d.cfg.MarginEnabled || p == nil || ledger == nil || ledger.ActiveTradeKey == "" {
		return nil
	}
	if ledger.ActiveTradeKey == p.TradeKey {
		return nil
	}
	if _, ok := ledger.BorrowedByTrade[ledger.ActiveTradeKey]; !ok {
		return nil
	}
	return d.emit(now, "I12", posKey(symbol, p), SeverityError, "active trade key mismatch across margin hooks",
		map[string]any{"ledger_active": ledger.ActiveTradeKey, "position_trade_key": p.TradeKey})
}

// I13: after a position closes, exchange debt for its margin asset
// must be empty.
func (d *Detector) checkI13PostCloseDebt(now time.Time, pk string, p *position.Position, debt exchange.DebtSnapshot, closedAt time.Time) *Alert {
	if !d.cfg.MarginEnabled || p == nil || p.Status != position.Closed {
		return nil
	}
	if debt.Borrowed.Sign() <= 0 {
		return nil
	}
	age := now.Sub(closedAt)
	if age < d.cfg.I13Grace {
		return nil
	}
	return d.emit(now, "I13", pk, severityByAge(age, d.cfg.I13Escalate), "outstanding margin debt after position close",
		map[string]any{"asset": debt.Asset, "borrowed": debt.Borrowed, "age": age})
}
