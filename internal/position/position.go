// Package position defines the single mutable trading position entity
// and the small closed sum types (order key, order status, side, status)
// the rest of the engine switches over.
package position

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the position direction.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Status is the position lifecycle status, monotonically advancing.
type Status string

const (
	Pending    Status = "PENDING"
	Open       Status = "OPEN"
	OpenFilled Status = "OPEN_FILLED"
	Closing    Status = "CLOSING"
	Closed     Status = "CLOSED"
)

// OrderKey identifies one of the position's five tracked order slots.
// SLPrev is an orphan slot used while the stop is mid-replacement.
type OrderKey string

const (
	KeyEntry  OrderKey = "entry"
	KeySL     OrderKey = "sl"
	KeyTP1    OrderKey = "tp1"
	KeyTP2    OrderKey = "tp2"
	KeySLPrev OrderKey = "sl_prev"
)

// OrderStatus is the closed sum type every order-status call returns.
// Missing is a synthetic terminal state produced by the exchange
// adapter's error normalization (§4.4) — it is never an error value the
// caller has to unwrap.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	// StatusMissing normalizes every "no such order" response family
	// (unknown order sent, order does not exist, ...) to one terminal
	// value so planners never pattern-match on transport error text.
	StatusMissing OrderStatus = "MISSING"
)

// IsTerminal reports whether further polling of this order is pointless.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusMissing:
		return true
	default:
		return false
	}
}

// IsCancelAcceptable reports whether this status is one of the
// acceptable terminal outcomes of a cancel-verify step (§4.10 step 3).
// FILLED is deliberately excluded: it means the old order won the race
// against the cancel, which the caller must treat as a distinct case.
func (s OrderStatus) IsCancelAcceptable() bool {
	switch s {
	case StatusCanceled, StatusRejected, StatusExpired, StatusMissing:
		return true
	default:
		return false
	}
}

// OrderFill is the reporting-grade execution record kept per order key,
// independent of the boolean *_done progress flags.
type OrderFill struct {
	OrderID              int64
	Status               OrderStatus
	ExecutedQty          decimal.Decimal
	CummulativeQuoteQty  decimal.Decimal
	AvgFillPrice         decimal.Decimal
	LastUpdateTs         int64
}

// WatchdogState is the per-order-family cancel-verify-replace substate
// described in §4.9 and the cancel-first sequence of §4.10.
type WatchdogState struct {
	Attempts           int
	NextAttemptAt      time.Time
	CooldownUntil      time.Time
	ExecutedBeforeCancel decimal.Decimal
	LastObservedStatus OrderStatus
	LastError          string
}

// Reset clears attempt bookkeeping after a successful transition or a
// cooldown expiry (§8: "attempts reset to zero").
func (w *WatchdogState) Reset() {
	w.Attempts = 0
	w.NextAttemptAt = time.Time{}
	w.CooldownUntil = time.Time{}
	w.ExecutedBeforeCancel = decimal.Zero
	w.LastError = ""
}

// ReconEntry is the per-order freshness cache described in §3
// "Reconciliation cache" / §9 "typed struct indexed by an enum".
type ReconEntry struct {
	Status     OrderStatus
	ObservedAt time.Time
}

// OneShotFlags are the "*_wd_*_logged" style flags from §4.9 that keep
// detection events from being re-logged every tick while a condition
// persists. Action events are never gated this way.
type OneShotFlags struct {
	SLWatchdogFired     bool
	TP1MissingLogged    bool
	TP2MissingLogged    bool
	OpenOrdersSkipLogged bool
}

// Position is the single mutable entity the tick owns exclusively.
type Position struct {
	TradeKey string
	Symbol   string
	Side     Side
	Status   Status

	QtyTotal, Qty1, Qty2, Qty3 decimal.Decimal
	// QtyDegraded is true when the 33/33/34 split fell back to 50/50/0;
	// trailing must then be forbidden (§9 open question resolution: the
	// degraded-split/trailing inconsistency is resolved by forbidding
	// trailing outright rather than carrying an ambiguous qty3=0 leg).
	QtyDegraded bool

	Entry, SL, TP1, TP2 decimal.Decimal

	EntryID, SLID, TP1ID, TP2ID, SLPrevID int64

	TP1Done, TP2Done, SLDone   bool
	TrailActive, TP2Synthetic bool

	TP1BEPending    bool
	TP1BEOldSL      int64
	TP1BEWatchdog   WatchdogState
	SLWatchdog      WatchdogState
	TrailWatchdog   WatchdogState

	TrailSLPrice       decimal.Decimal
	TrailRefPrice      decimal.Decimal
	// TrailQty overrides QtyRemaining() as the size of the next trailing
	// stop replacement when set (Sign() > 0). Synthetic trailing
	// activated on a TP2-missing-crossed plan needs qty2+qty3 even
	// though TP2 never filled to shrink QtyRemaining() down from
	// QtyTotal; normal TP2-filled trailing activation leaves this zero
	// and QtyRemaining() already resolves correctly.
	TrailQty           decimal.Decimal
	TrailWaitConfirm   bool
	TrailConfirmed     bool
	SLWatchdogFirstTriggerAt time.Time

	// TrailLastErrorCode/At track the most recent exchange error seen
	// while replacing the trailing stop, for the repeated-error
	// anomaly detector (§4.8 I10).
	TrailLastErrorCode int64
	TrailLastErrorAt   time.Time

	Fills map[OrderKey]OrderFill
	Recon map[OrderKey]ReconEntry
	Flags OneShotFlags

	// Throttle timestamps (§4.10 "Throttling"): next-allowed time for
	// each expensive, repeated operation.
	NextTP1PollAt, NextTP2PollAt, NextSLPollAt time.Time
	NextCleanupAt, NextTrailUpdateAt           time.Time
	NextReconAt                                time.Time
	NextWatchdogFallbackAt                     time.Time

	OpenedAt  time.Time
	CreatedAt time.Time
}

// New constructs a fresh PENDING position with empty fill/recon maps.
func New(tradeKey, symbol string, side Side) *Position {
	return &Position{
		TradeKey:  tradeKey,
		Symbol:    symbol,
		Side:      side,
		Status:    Pending,
		Fills:     make(map[OrderKey]OrderFill),
		Recon:     make(map[OrderKey]ReconEntry),
		CreatedAt: time.Now(),
	}
}

// ValidatePriceHierarchy enforces the §3 invariant: sl < entry < tp1 <
// tp2 for LONG, reversed for SHORT, each separated by at least one tick.
func (p *Position) ValidatePriceHierarchy(tick decimal.Decimal) error {
	return ValidateExitPlan(p.Side, p.Entry, p.SL, p.TP1, p.TP2, tick)
}

// ValidateExitPlan is the pure price-hierarchy check used both by a
// live position and by the entry flow before placing orders (§4.12).
func ValidateExitPlan(side Side, entry, sl, tp1, tp2, tick decimal.Decimal) error {
	minSep := tick
	ordered := func(lo, hi decimal.Decimal, label string) error {
		if hi.Sub(lo).LessThan(minSep) {
			return errInvalidPlan(label, lo, hi, minSep)
		}
		return nil
	}
	if side == Long {
		if err := ordered(sl, entry, "sl<entry"); err != nil {
			return err
		}
		if err := ordered(entry, tp1, "entry<tp1"); err != nil {
			return err
		}
		if err := ordered(tp1, tp2, "tp1<tp2"); err != nil {
			return err
		}
		return nil
	}
	// SHORT: reversed hierarchy sl > entry > tp1 > tp2
	if err := ordered(entry, sl, "entry<sl"); err != nil {
		return err
	}
	if err := ordered(tp1, entry, "tp1<entry"); err != nil {
		return err
	}
	if err := ordered(tp2, tp1, "tp2<tp1"); err != nil {
		return err
	}
	return nil
}

type invalidPlanError struct {
	label       string
	lo, hi, min decimal.Decimal
}

func (e *invalidPlanError) Error() string {
	return "position: invalid exit plan ordering " + e.label +
		": hi-lo=" + e.hi.Sub(e.lo).String() + " < min_sep=" + e.min.String()
}

func errInvalidPlan(label string, lo, hi, min decimal.Decimal) error {
	return &invalidPlanError{label: label, lo: lo, hi: hi, min: min}
}

// QtyRemaining returns the quantity still exposed given which legs have
// filled, mirroring the original's fallback chain in
// exit_safety.py::_position_qty.
func (p *Position) QtyRemaining() decimal.Decimal {
	if p.TP2Done {
		return p.Qty3
	}
	if p.TP1Done {
		return p.Qty2.Add(p.Qty3)
	}
	return p.QtyTotal
}

// SeenKeys is the bounded FIFO deduplication set described in §3.
type SeenKeys struct {
	Keys        []string
	Fingerprint string
	Max         int
}

// Add inserts key if absent, evicting the oldest entry when the bound
// is exceeded. Returns true if the key was newly added (not a dup).
func (s *SeenKeys) Add(key string) bool {
	for _, k := range s.Keys {
		if k == key {
			return false
		}
	}
	s.Keys = append(s.Keys, key)
	if s.Max > 0 && len(s.Keys) > s.Max {
		s.Keys = s.Keys[len(s.Keys)-s.Max:]
	}
	return true
}

// Contains reports whether key has already been seen.
func (s *SeenKeys) Contains(key string) bool {
	for _, k := range s.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// MarginLedger is the per-trade borrow bookkeeping described in §3.
type MarginLedger struct {
	BorrowedByTrade map[string]map[string]decimal.Decimal
	RepaidTradeKeys []string
	ActiveTradeKey  string
	IsIsolated      bool
}

// HasOutstandingDebt reports whether tradeKey has a borrow entry that
// has not yet been repaid — the no-debt invariant described in §3.
func (m *MarginLedger) HasOutstandingDebt(tradeKey string) bool {
	assets, ok := m.BorrowedByTrade[tradeKey]
	if !ok {
		return false
	}
	for _, amt := range assets {
		if amt.Sign() > 0 {
			return true
		}
	}
	return false
}

// LastClosed keeps the previous position's terminal state for reporting
// while position is nil and the cooldown is active (§3).
type LastClosed struct {
	TradeKey    string
	Symbol      string
	Side        Side
	Reason      string
	Entry, Exit decimal.Decimal
	ClosedAt    time.Time
}
