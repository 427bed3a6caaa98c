// Package safety implements the pure exit-safety planner from §4.9,
// grounded on executor_mod/exit_safety.py::sl_watchdog_tick. Every
// function here is side-effect free: it inspects a position snapshot
// plus freshly observed order state and returns a Plan describing what
// the impure tick orchestrator (internal/tickengine) should do. No
// function in this package touches the exchange, the filesystem, or a
// clock other than the one passed in.
package safety

import (
	"time"

	"github.com/shopspring/decimal"

	"peakexec/internal/position"
	"peakexec/internal/stepmath"
)

// Action is the closed sum type of everything a Plan can recommend.
type Action string

const (
	ActionCancelOrder       Action = "CANCEL_ORDER"
	ActionMarketFlatten     Action = "MARKET_FLATTEN"
	ActionDustRemainder     Action = "DUST_REMAINDER"
	ActionMarketCloseQty    Action = "MARKET_CLOSE_QTY"
	ActionActivateTrailing  Action = "ACTIVATE_SYNTHETIC_TRAILING"
	ActionMoveStopBreakeven Action = "MOVE_STOP_TO_BREAKEVEN"
	ActionFinalize          Action = "FINALIZE"
)

// Step is one recommended action. Fields not relevant to Action are
// left zero.
type Step struct {
	Action    Action
	OrderID   int64
	Qty       decimal.Decimal
	Side      position.Side
	StopPrice decimal.Decimal
	Reason    string
}

// Plan is the planner's full output for one detection call: the
// recommended steps plus the names of any detection events the caller
// should log. Events is separate from Steps because action events
// (e.g. "fallback placed") are always logged, while detection events
// are one-shot per §4.9 and the caller consults the position's
// OneShotFlags before emitting them.
type Plan struct {
	Steps  []Step
	Events []string
}

func (p *Plan) addStep(s Step) { p.Steps = append(p.Steps, s) }
func (p *Plan) addEvent(name string) { p.Events = append(p.Events, name) }

// Config is the subset of the flat configuration surface the planner
// needs — lot/notional minimums and watchdog grace, grounded on the
// env keys exit_safety.py reads (MIN_QTY, MIN_NOTIONAL, QTY_STEP,
// SL_WATCHDOG_GRACE_SEC).
type Config struct {
	MinQty           decimal.Decimal
	MinNotional      decimal.Decimal
	QtyStep          decimal.Decimal
	WatchdogGrace    time.Duration
}

func oppositeSide(side position.Side) position.Side {
	if side == position.Long {
		return position.Short
	}
	return position.Long
}

func notional(qty, price decimal.Decimal) decimal.Decimal {
	if qty.Sign() <= 0 || price.Sign() <= 0 {
		return decimal.Zero
	}
	return qty.Mul(price)
}

// collectCancelIDs mirrors exit_safety.py::_collect_cancel_ids: the
// stop's own order plus any orphaned previous-stop and take-profit
// orders still resting.
func collectCancelIDs(pos *position.Position) []int64 {
	var ids []int64
	seen := map[int64]bool{}
	add := func(id int64) {
		if id != 0 && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	add(pos.SLID)
	add(pos.SLPrevID)
	add(pos.TP1ID)
	add(pos.TP2ID)
	return ids
}

// quantizeRemainder lot/notional-quantizes a raw remaining quantity
// and reports whether the result is small enough that the exchange
// would reject a market order for it — the shared "is this dust"
// check behind every dust-or-flatten decision in this file.
func (cfg Config) quantizeRemainder(qtyRemainingRaw, priceNow decimal.Decimal) (qtyQuantized decimal.Decimal, impossible bool) {
	qtyQuantized = stepmath.FloorToStep(qtyRemainingRaw, cfg.QtyStep)
	remainingNotionalRaw := notional(qtyRemainingRaw, priceNow)
	impossible = qtyRemainingRaw.Sign() > 0 && (qtyQuantized.Sign() <= 0 ||
		(qtyQuantized.Sign() > 0 && qtyQuantized.LessThan(cfg.MinQty)) ||
		(cfg.MinNotional.Sign() > 0 && remainingNotionalRaw.Sign() > 0 && remainingNotionalRaw.LessThan(cfg.MinNotional)))
	return qtyQuantized, impossible
}

// dustOrMarketFlatten applies the dust-remainder policy shared by the
// partial-fill and full-stop-loss branches of SLWatchdogTick: if the
// lot/notional-quantized remaining quantity cannot actually be market
// closed, the plan accepts leaving the dust behind and finalizing the
// slot instead of retrying forever.
func (cfg Config) dustOrMarketFlatten(pos *position.Position, qtyRemainingRaw, priceNow decimal.Decimal, reason string) *Plan {
	qtyQuantized, impossible := cfg.quantizeRemainder(qtyRemainingRaw, priceNow)

	plan := &Plan{}
	if impossible {
		plan.addStep(Step{Action: ActionCancelOrder, Reason: reason})
		for _, id := range collectCancelIDs(pos) {
			plan.addStep(Step{Action: ActionCancelOrder, OrderID: id, Reason: reason})
		}
		plan.addStep(Step{Action: ActionDustRemainder, Reason: reason})
		plan.addEvent("SL_DUST_REMAINDER")
		return plan
	}
	for _, id := range collectCancelIDs(pos) {
		plan.addStep(Step{Action: ActionCancelOrder, OrderID: id, Reason: reason})
	}
	plan.addStep(Step{
		Action: ActionMarketFlatten, Qty: qtyQuantized, Side: oppositeSide(pos.Side), Reason: reason,
	})
	plan.addEvent("SL_MARKET_FALLBACK")
	return plan
}

// SLWatchdogTick is the Go port of sl_watchdog_tick: only meaningful
// once the position has reached OPEN_FILLED and a stop order exists.
// now is the caller's clock reading; slStatus/slExecutedQty are the
// freshly observed order state for pos.SLID.
func SLWatchdogTick(cfg Config, pos *position.Position, now time.Time, priceNow decimal.Decimal, slStatus position.OrderStatus, slExecutedQty decimal.Decimal) *Plan {
	if pos == nil || pos.Status != position.OpenFilled || pos.SLID == 0 {
		return nil
	}
	qtyRemaining := pos.QtyRemaining()
	if qtyRemaining.Sign() <= 0 || qtyRemaining.LessThanOrEqual(decimal.Max(cfg.MinQty, decimal.Zero)) {
		return nil
	}
	if pos.SL.Sign() <= 0 || priceNow.Sign() <= 0 {
		return nil
	}

	if slStatus == position.StatusFilled {
		pos.SLWatchdogFirstTriggerAt = time.Time{}
		return nil
	}

	if slExecutedQty.Sign() > 0 && slStatus != position.StatusFilled && !pos.Flags.SLWatchdogFired {
		plan := cfg.dustOrMarketFlatten(pos, qtyRemaining.Sub(slExecutedQty), priceNow, "SL_PARTIAL_FALLBACK")
		plan.Events = append([]string{"SL_PARTIAL_DETECTED"}, plan.Events...)
		return plan
	}

	triggered := priceNow.LessThanOrEqual(pos.SL)
	if pos.Side == position.Short {
		triggered = priceNow.GreaterThanOrEqual(pos.SL)
	}

	if !triggered {
		pos.SLWatchdogFirstTriggerAt = time.Time{}
		return nil
	}
	if pos.SLWatchdogFirstTriggerAt.IsZero() {
		pos.SLWatchdogFirstTriggerAt = now
		return nil
	}
	if now.Sub(pos.SLWatchdogFirstTriggerAt) < cfg.WatchdogGrace || pos.Flags.SLWatchdogFired {
		return nil
	}
	return cfg.dustOrMarketFlatten(pos, qtyRemaining, priceNow, "SL_WATCHDOG")
}

// tp1Resolve builds the plan shared by every way TP1 can end up
// resolved out-of-band (partial fill left stranded, or the order gone
// missing after price already crossed it): market-close whatever of
// the remainder quantizes to an acceptable lot, or leave dust behind
// when it doesn't, and either way mark TP1 done and move the stop to
// breakeven over qty2+qty3. Grounded on
// test_tp1_partial_triggers_cancel_and_market_remaining,
// test_tp1_partial_dust_does_not_market_close,
// test_tp1_missing_price_crossed_triggers_market_qty1_and_sets_tp1_done,
// and test_tp1_missing_dust_does_not_market_close — all four pair
// "set_tp1_done" with "move_sl_to_be", so one helper covers both the
// partial-fill and missing-and-crossed entry points below.
func (cfg Config) tp1Resolve(pos *position.Position, remainingRaw decimal.Decimal, priceNow decimal.Decimal, cancelTP1Order bool, reason, dustEvent, detectedEvent, marketEvent string) *Plan {
	qtyQuantized, impossible := cfg.quantizeRemainder(remainingRaw, priceNow)
	trailingQty := pos.Qty2.Add(pos.Qty3)

	plan := &Plan{}
	if cancelTP1Order && pos.TP1ID != 0 {
		plan.addStep(Step{Action: ActionCancelOrder, OrderID: pos.TP1ID, Reason: reason})
	}
	if detectedEvent != "" {
		plan.addEvent(detectedEvent)
	}
	if impossible {
		plan.addStep(Step{Action: ActionMoveStopBreakeven, Qty: trailingQty, StopPrice: pos.Entry})
		plan.addEvent(dustEvent)
		return plan
	}
	plan.addStep(Step{Action: ActionMarketCloseQty, Qty: qtyQuantized, Side: oppositeSide(pos.Side), Reason: reason})
	plan.addStep(Step{Action: ActionMoveStopBreakeven, Qty: trailingQty, StopPrice: pos.Entry})
	plan.addEvent(marketEvent)
	return plan
}

// TP1PartialTick detects a TP1 order observed PARTIALLY_FILLED and
// resolves the unfilled remainder through tp1Resolve rather than
// leaving it resting forever, mirroring the partial-fill branch
// SLWatchdogTick already applies to the stop. Grounded on
// test_tp1_partial_triggers_cancel_and_market_remaining and
// test_tp1_partial_dust_does_not_market_close (SHORT-side equivalent:
// test_short_position_tp1_partial).
func TP1PartialTick(cfg Config, pos *position.Position, tp1Status position.OrderStatus, tp1ExecutedQty, priceNow decimal.Decimal) *Plan {
	if pos == nil || pos.Status != position.OpenFilled {
		return nil
	}
	if pos.TP1Done || pos.Flags.TP1MissingLogged {
		return nil
	}
	if tp1Status != position.StatusPartiallyFilled || tp1ExecutedQty.Sign() <= 0 {
		return nil
	}
	remaining := pos.Qty1.Sub(tp1ExecutedQty)
	if remaining.Sign() <= 0 || priceNow.Sign() <= 0 {
		return nil
	}
	return cfg.tp1Resolve(pos, remaining, priceNow, true,
		"TP1_PARTIAL_FALLBACK", "TP1_PARTIAL_DUST", "TP1_PARTIAL_DETECTED", "TP1_MARKET_FALLBACK_PARTIAL")
}

// TPCrossedTick detects a missing TP order whose price has already
// been crossed (§4.9 "TP1/TP2 missing + price crossed"). key must be
// KeyTP1 or KeyTP2. TP1-missing resolves through the same tp1Resolve
// dust-or-flatten policy TP1PartialTick uses, over the full qty1 (the
// order never filled at all, so nothing has been subtracted from it)
// rather than unconditionally market-closing an un-quantized qty1.
// TP2-missing never market-closes anything: TP2 never filled to
// shrink exposure, so the plan only activates synthetic trailing over
// qty2+qty3 (no cancel step: the TP2 order is already terminal),
// whether or not TP1 has already filled; a degraded split
// (QtyDegraded) gets no trailing step.
func TPCrossedTick(cfg Config, pos *position.Position, key position.OrderKey, tpStatus position.OrderStatus, priceNow decimal.Decimal) *Plan {
	if pos == nil || !tpStatus.IsTerminal() || tpStatus == position.StatusFilled {
		return nil
	}
	var tpPrice, trailingQty decimal.Decimal
	switch key {
	case position.KeyTP1:
		if pos.TP1Done || pos.Flags.TP1MissingLogged {
			return nil
		}
		tpPrice = pos.TP1
	case position.KeyTP2:
		if pos.TP2Done || pos.Flags.TP2MissingLogged {
			return nil
		}
		tpPrice, trailingQty = pos.TP2, pos.Qty2.Add(pos.Qty3)
	default:
		return nil
	}
	if tpPrice.Sign() <= 0 {
		return nil
	}
	crossed := priceNow.GreaterThanOrEqual(tpPrice)
	if pos.Side == position.Short {
		crossed = priceNow.LessThanOrEqual(tpPrice)
	}
	if !crossed {
		return nil
	}

	if key == position.KeyTP1 {
		return cfg.tp1Resolve(pos, pos.Qty1, priceNow, false,
			"TP1_MISSING_CROSSED", "TP1_MISSING_DUST", "", "TP1_MISSING_CROSSED")
	}

	plan := &Plan{}
	if !pos.QtyDegraded {
		plan.addStep(Step{Action: ActionActivateTrailing, Qty: trailingQty})
	}
	plan.addEvent("TP2_MISSING_CROSSED")
	return plan
}

// TerminalDetection returns a finalize plan the instant the stop
// order is observed FILLED — §4.9's "terminal detection" branch, which
// must run ahead of every other watchdog check in the tick (§4.10's
// finalization-first ordering).
func TerminalDetection(slStatus position.OrderStatus) *Plan {
	if slStatus != position.StatusFilled {
		return nil
	}
	return &Plan{Steps: []Step{{Action: ActionFinalize, Reason: "SL_FILLED"}}}
}
