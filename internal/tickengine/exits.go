package tickengine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"peakexec/internal/exchange"
	"peakexec/internal/metrics"
	"peakexec/internal/position"
	"peakexec/internal/reporting"
	"peakexec/internal/safety"
	"peakexec/internal/stepmath"
)

func oppositeSide(side position.Side) position.Side {
	if side == position.Long {
		return position.Short
	}
	return position.Long
}

func (e *Engine) marginSideEffectForClose() exchange.SideEffect {
	if !e.cfg.MarginEnabled || e.margin == nil {
		return exchange.SideEffectNone
	}
	return e.margin.SideEffectForClose()
}

// stopLimitPriceFor derives the STOP_LOSS_LIMIT order's limit price
// from its trigger price: one tick through the trigger in the
// direction that keeps the order marketable once it fires.
func (e *Engine) stopLimitPriceFor(pos *position.Position, stopPrice decimal.Decimal) decimal.Decimal {
	if pos.Side == position.Long {
		return stopPrice.Sub(e.cfg.TickSize)
	}
	return stopPrice.Add(e.cfg.TickSize)
}

func watchdogClientID(tradeKey string, action safety.Action) string {
	return fmt.Sprintf("wd-%s-%s-%d", tradeKey, action, time.Now().UnixNano())
}

// placeExits validates and places the three reduce-only exit legs for
// a freshly filled entry (§4.11 step 7, §4.12). Placement retries on
// failure every ExitsRetryEvery up to FailsafeMaxTries; exhausting the
// budget either flattens the position (FailsafeFlatten) or halts it
// for the operator.
func (e *Engine) placeExits(ctx context.Context, pos *position.Position) error {
	sl, tp1, tp2 := e.computeExitPrices(pos)
	if err := position.ValidateExitPlan(pos.Side, pos.Entry, sl, tp1, tp2, e.cfg.TickSize); err != nil {
		return fmt.Errorf("tickengine: invalid exit plan: %w", err)
	}
	split, err := stepmath.SplitQty3Legs(pos.QtyTotal, e.cfg.QtyStep)
	if err != nil {
		return fmt.Errorf("tickengine: exit qty split: %w", err)
	}
	pos.SL, pos.TP1, pos.TP2 = sl, tp1, tp2
	pos.Qty1, pos.Qty2, pos.Qty3 = split.Qty1, split.Qty2, split.Qty3
	pos.QtyDegraded = split.Degraded

	var lastErr error
	for attempt := 0; attempt < e.cfg.FailsafeMaxTries; attempt++ {
		if lastErr = e.placeExitLegs(ctx, pos); lastErr == nil {
			return nil
		}
		e.logEvent(ctx, "EXIT_PLACEMENT_RETRY", map[string]any{"attempt": attempt, "error": lastErr.Error()})
		time.Sleep(e.cfg.ExitsRetryEvery)
	}

	if e.cfg.FailsafeFlatten {
		e.marketFlattenAll(ctx, pos, "EXIT_PLACEMENT_EXHAUSTED")
		return fmt.Errorf("tickengine: exit placement exhausted, flattened: %w", lastErr)
	}
	e.alert(ctx, "EXIT_PLACEMENT_HALTED", "exit placement exhausted its retry budget; position left for the operator")
	return fmt.Errorf("tickengine: exit placement exhausted: %w", lastErr)
}

// placeExitLegs is idempotent: only legs not yet carrying an order id
// are (re)placed, so a retry after a partial failure does not double
// up orders already resting on the exchange.
func (e *Engine) placeExitLegs(ctx context.Context, pos *position.Position) error {
	closeSide := oppositeSide(pos.Side)
	sideEffect := e.marginSideEffectForClose()

	if pos.SLID == 0 {
		req := exchange.OrderRequest{
			Symbol: e.cfg.Symbol, Side: closeSide, Qty: pos.QtyRemaining(),
			Price: e.stopLimitPriceFor(pos, pos.SL), StopPrice: pos.SL,
			ClientID: watchdogClientID(pos.TradeKey, "sl"), SideEffect: sideEffect,
		}
		st, err := e.client.PlaceStopLimit(ctx, req)
		if err != nil {
			return fmt.Errorf("place sl: %w", err)
		}
		pos.SLID = st.OrderID
	}
	if pos.TP1ID == 0 && pos.Qty1.Sign() > 0 {
		req := exchange.OrderRequest{
			Symbol: e.cfg.Symbol, Side: closeSide, Qty: pos.Qty1, Price: pos.TP1,
			ClientID: watchdogClientID(pos.TradeKey, "tp1"), SideEffect: sideEffect,
		}
		st, err := e.client.PlaceLimit(ctx, req)
		if err != nil {
			return fmt.Errorf("place tp1: %w", err)
		}
		pos.TP1ID = st.OrderID
	}
	if pos.TP2ID == 0 && pos.Qty2.Add(pos.Qty3).Sign() > 0 {
		req := exchange.OrderRequest{
			Symbol: e.cfg.Symbol, Side: closeSide, Qty: pos.Qty2, Price: pos.TP2,
			ClientID: watchdogClientID(pos.TradeKey, "tp2"), SideEffect: sideEffect,
		}
		st, err := e.client.PlaceLimit(ctx, req)
		if err != nil {
			return fmt.Errorf("place tp2: %w", err)
		}
		pos.TP2ID = st.OrderID
	}
	return nil
}

// marketFlattenAll is the failsafe path: cancel every tracked order
// and close the whole remaining position with a single market order.
func (e *Engine) marketFlattenAll(ctx context.Context, pos *position.Position, reason string) {
	for _, id := range []int64{pos.SLID, pos.TP1ID, pos.TP2ID, pos.SLPrevID} {
		if id == 0 {
			continue
		}
		if err := e.client.Cancel(ctx, e.cfg.Symbol, id); err != nil {
			log.Warn().Err(err).Int64("order_id", id).Msg("tickengine: flatten-all cancel failed")
		}
	}
	qty := pos.QtyRemaining()
	if qty.Sign() <= 0 {
		return
	}
	req := exchange.OrderRequest{
		Symbol: e.cfg.Symbol, Side: oppositeSide(pos.Side), Qty: qty,
		ClientID: watchdogClientID(pos.TradeKey, safety.ActionMarketFlatten), SideEffect: e.marginSideEffectForClose(),
	}
	if _, err := e.client.PlaceMarket(ctx, req); err != nil {
		metrics.ExchangeErrors.WithLabelValues("place_market").Inc()
		e.alert(ctx, "FLATTEN_FAILED", reason+": "+err.Error())
	}
}

// cancelVerifyReplace is the cancel-first sequence of §4.10 steps 1-5:
// record executedQty, cancel, verify an acceptable terminal status,
// place the replacement, then re-poll the old order once more and
// flatten any race-fill overshoot with a reverse-side market order.
// ws carries the per-family attempt/cooldown bookkeeping so a stuck
// exchange cannot be retried forever.
func (e *Engine) cancelVerifyReplace(
	ctx context.Context, pos *position.Position, oldOrderID int64, ws *position.WatchdogState,
	place func() (exchange.OrderState, error),
) (exchange.OrderState, bool) {
	now := time.Now()
	if now.Before(ws.CooldownUntil) || now.Before(ws.NextAttemptAt) {
		return exchange.OrderState{}, false
	}

	before, err := e.client.Status(ctx, e.cfg.Symbol, oldOrderID)
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues("status").Inc()
		e.bumpWatchdogAttempt(ws, err)
		return exchange.OrderState{}, false
	}
	ws.ExecutedBeforeCancel = before.ExecutedQty

	if err := e.client.Cancel(ctx, e.cfg.Symbol, oldOrderID); err != nil {
		metrics.ExchangeErrors.WithLabelValues("cancel").Inc()
		e.bumpWatchdogAttempt(ws, err)
		return exchange.OrderState{}, false
	}

	verify, err := e.client.Status(ctx, e.cfg.Symbol, oldOrderID)
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues("status").Inc()
		e.bumpWatchdogAttempt(ws, err)
		return exchange.OrderState{}, false
	}
	if verify.Status == position.StatusFilled {
		// The old order won the race against our cancel. Abort the
		// transition; finalization-first ordering on the next tick
		// will pick this up as a terminal stop.
		ws.Reset()
		return exchange.OrderState{}, false
	}
	if !verify.Status.IsCancelAcceptable() {
		e.bumpWatchdogAttempt(ws, fmt.Errorf("cancel not yet confirmed: %s", verify.Status))
		return exchange.OrderState{}, false
	}

	replacement, err := place()
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues("place").Inc()
		e.bumpWatchdogAttempt(ws, err)
		return exchange.OrderState{}, false
	}

	if post, err := e.client.Status(ctx, e.cfg.Symbol, oldOrderID); err == nil {
		if post.Status == position.StatusFilled && post.ExecutedQty.GreaterThan(ws.ExecutedBeforeCancel) {
			e.rebalance(ctx, pos, post.ExecutedQty.Sub(ws.ExecutedBeforeCancel))
		}
	}

	ws.Reset()
	return replacement, true
}

// bumpWatchdogAttempt advances the per-family attempt counter,
// entering a cooldown once TP1BEMaxAttempts is reached (§4.10: "hard
// cap ... and a cooldown after the cap"). The same cap/cooldown pair
// is shared by every cancel-replace family since the spec names only
// one such policy.
func (e *Engine) bumpWatchdogAttempt(ws *position.WatchdogState, err error) {
	ws.LastError = err.Error()
	ws.Attempts++
	if ws.Attempts >= e.cfg.TP1BEMaxAttempts {
		ws.CooldownUntil = time.Now().Add(e.cfg.TP1BECooldown)
		ws.Attempts = 0
		return
	}
	ws.NextAttemptAt = time.Now().Add(e.cfg.SLWatchdogRetry)
}

// rebalance flattens the unintended opposite-side exposure created
// when the exchange race-fills an order between our cancel-send and
// cancel-confirm (§4.10 step 5).
func (e *Engine) rebalance(ctx context.Context, pos *position.Position, qty decimal.Decimal) {
	if qty.Sign() <= 0 {
		return
	}
	req := exchange.OrderRequest{
		Symbol: e.cfg.Symbol, Side: oppositeSide(pos.Side), Qty: stepmath.RoundQty(qty, e.cfg.QtyStep),
		ClientID: watchdogClientID(pos.TradeKey, "rebalance"), SideEffect: e.marginSideEffectForClose(),
	}
	if _, err := e.client.PlaceMarket(ctx, req); err != nil {
		metrics.ExchangeErrors.WithLabelValues("place_market").Inc()
		e.alert(ctx, "REBALANCE_FAILED", err.Error())
		return
	}
	e.logEvent(ctx, "REBALANCED", map[string]any{"trade_key": pos.TradeKey, "qty": qty})
}

// runWatchdogs consults the pure exit-safety planner and executes
// whatever plan it returns. Both SL-side and TP-missing detections are
// checked every tick once the position is OPEN_FILLED.
func (e *Engine) runWatchdogs(ctx context.Context, pos *position.Position, now time.Time, slStatus position.OrderStatus, slExecQty decimal.Decimal) {
	if pos.Status != position.OpenFilled {
		return
	}
	priceNow, err := e.midPrice.Refresh(ctx, e.cfg.Symbol)
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues("mid_price").Inc()
		return
	}

	if plan := safety.SLWatchdogTick(e.safety, pos, now, priceNow, slStatus, slExecQty); plan != nil {
		pos.Flags.SLWatchdogFired = true
		e.executePlan(ctx, pos, plan)
		if e.state.Position == nil {
			// The dust-remainder branch finalizes the slot inline; pos is
			// now a detached snapshot, not the live position, so nothing
			// past this point (TP polling, break-even, trailing) should
			// run against it.
			return
		}
	}

	tp1Status, tp1ExecQty := e.pollOrder(ctx, pos, position.KeyTP1, &pos.NextTP1PollAt, e.cfg.SLWatchdogRetry)
	if plan := safety.TP1PartialTick(e.safety, pos, tp1Status, tp1ExecQty, priceNow); plan != nil {
		pos.Flags.TP1MissingLogged = true
		e.executePlan(ctx, pos, plan)
	} else if plan := safety.TPCrossedTick(e.safety, pos, position.KeyTP1, tp1Status, priceNow); plan != nil {
		pos.Flags.TP1MissingLogged = true
		e.executePlan(ctx, pos, plan)
	}
	tp2Status, _ := e.pollOrder(ctx, pos, position.KeyTP2, &pos.NextTP2PollAt, e.cfg.SLWatchdogRetry)
	if plan := safety.TPCrossedTick(e.safety, pos, position.KeyTP2, tp2Status, priceNow); plan != nil {
		pos.Flags.TP2MissingLogged = true
		e.executePlan(ctx, pos, plan)
	}

	if tp1Status == position.StatusFilled && !pos.TP1Done {
		pos.TP1Done = true
		e.logEvent(ctx, "TP1_DONE", map[string]any{"trade_key": pos.TradeKey})
		pos.TP1BEPending = true
		pos.TP1BEOldSL = pos.SLID
	}
	if tp2Status == position.StatusFilled && !pos.TP2Done {
		pos.TP2Done = true
		e.logEvent(ctx, "TP2_DONE", map[string]any{"trade_key": pos.TradeKey})
		if !pos.QtyDegraded {
			pos.TrailActive = true
			pos.TrailRefPrice = priceNow
		}
	}
}

// executePlan runs every cancel step first (collecting pre-cancel
// executed quantities), then every non-cancel step, then re-polls the
// canceled orders once more to catch a race-fill the plan's own cancel
// step couldn't see coming — the generalized form of the cancel-first
// sequence for plans that bundle several cancels ahead of one
// replacement (§4.9's dust/market-flatten branches).
func (e *Engine) executePlan(ctx context.Context, pos *position.Position, plan *safety.Plan) {
	if plan == nil {
		return
	}
	beforeQty := map[int64]decimal.Decimal{}
	for _, step := range plan.Steps {
		if step.Action != safety.ActionCancelOrder || step.OrderID == 0 {
			continue
		}
		if st, err := e.client.Status(ctx, e.cfg.Symbol, step.OrderID); err == nil {
			beforeQty[step.OrderID] = st.ExecutedQty
		}
		if err := e.client.Cancel(ctx, e.cfg.Symbol, step.OrderID); err != nil {
			metrics.ExchangeErrors.WithLabelValues("cancel").Inc()
			log.Warn().Err(err).Int64("order_id", step.OrderID).Msg("tickengine: plan cancel step failed")
		}
	}
	for _, step := range plan.Steps {
		e.executeStep(ctx, pos, step)
	}
	for orderID, before := range beforeQty {
		post, err := e.client.Status(ctx, e.cfg.Symbol, orderID)
		if err != nil {
			continue
		}
		if post.Status == position.StatusFilled && post.ExecutedQty.GreaterThan(before) {
			e.rebalance(ctx, pos, post.ExecutedQty.Sub(before))
		}
	}
	for _, evtName := range plan.Events {
		e.logEvent(ctx, evtName, map[string]any{"trade_key": pos.TradeKey})
	}
}

func (e *Engine) executeStep(ctx context.Context, pos *position.Position, step safety.Step) {
	switch step.Action {
	case safety.ActionCancelOrder:
		return // already handled by executePlan's first pass
	case safety.ActionMarketFlatten, safety.ActionMarketCloseQty:
		if step.Qty.Sign() <= 0 {
			return
		}
		metrics.WatchdogActions.WithLabelValues(string(step.Action), step.Reason).Inc()
		req := exchange.OrderRequest{
			Symbol: e.cfg.Symbol, Side: step.Side, Qty: stepmath.RoundQty(step.Qty, e.cfg.QtyStep),
			ClientID: watchdogClientID(pos.TradeKey, step.Action), SideEffect: e.marginSideEffectForClose(),
		}
		if _, err := e.client.PlaceMarket(ctx, req); err != nil {
			metrics.ExchangeErrors.WithLabelValues("place_market").Inc()
			log.Error().Err(err).Str("action", string(step.Action)).Msg("tickengine: market step failed")
		}
	case safety.ActionDustRemainder:
		metrics.WatchdogActions.WithLabelValues(string(step.Action), step.Reason).Inc()
		pos.SLDone = true
		e.finalizeClosed(ctx, pos, step.Reason)
	case safety.ActionActivateTrailing:
		if pos.QtyDegraded {
			return
		}
		metrics.WatchdogActions.WithLabelValues(string(step.Action), step.Reason).Inc()
		pos.TrailActive = true
		pos.TrailRefPrice = pos.Entry
		pos.TrailQty = step.Qty
	case safety.ActionMoveStopBreakeven:
		// Every caller of this step is a TP1 resolution path (filled,
		// partial-fallback, or missing-and-crossed) — it always implies
		// TP1 is done, the same way a fresh StatusFilled poll does.
		pos.TP1Done = true
		pos.TP1BEPending = true
		if pos.TP1BEOldSL == 0 {
			pos.TP1BEOldSL = pos.SLID
		}
	case safety.ActionFinalize:
		e.finalizeClosed(ctx, pos, step.Reason)
	}
}

// runBreakEven advances the decoupled break-even state machine (§4.10
// "Break-even transition"): once TP1_DONE has been recorded, keep
// retrying the stop replacement independently of that fact until it
// succeeds or the watchdog's own cooldown kicks in.
func (e *Engine) runBreakEven(ctx context.Context, pos *position.Position, now time.Time) {
	if !pos.TP1BEPending || pos.TP1BEOldSL == 0 {
		return
	}
	qty := pos.QtyRemaining()
	newStop := pos.Entry
	replacement, ok := e.cancelVerifyReplace(ctx, pos, pos.TP1BEOldSL, &pos.TP1BEWatchdog, func() (exchange.OrderState, error) {
		req := exchange.OrderRequest{
			Symbol: e.cfg.Symbol, Side: oppositeSide(pos.Side), Qty: qty,
			Price: e.stopLimitPriceFor(pos, newStop), StopPrice: newStop,
			ClientID: watchdogClientID(pos.TradeKey, "be"), SideEffect: e.marginSideEffectForClose(),
		}
		return e.client.PlaceStopLimit(ctx, req)
	})
	if !ok {
		return
	}
	pos.SLPrevID = pos.TP1BEOldSL
	pos.SLID = replacement.OrderID
	pos.SL = newStop
	pos.TP1BEPending = false
	pos.TP1BEOldSL = 0
	pos.NextSLPollAt = time.Time{} // force an immediate re-check, no throttle delay
	e.logEvent(ctx, "BREAKEVEN_DONE", map[string]any{"trade_key": pos.TradeKey, "stop": newStop})
}

// runTrailing advances the stop every TrailUpdateEvery once trailing
// is active, replacing it via the same cancel-first sequence whenever
// the swing engine's desired stop has moved favorably by at least
// TrailStepUSD (§4.10 "Trailing maintenance").
func (e *Engine) runTrailing(ctx context.Context, pos *position.Position, now time.Time) {
	if !pos.TrailActive || now.Before(pos.NextTrailUpdateAt) {
		return
	}
	pos.NextTrailUpdateAt = now.Add(e.cfg.TrailUpdateEvery)

	desired, ok, err := e.desiredTrailStop(pos)
	if err != nil || !ok {
		return
	}
	desired = stepmath.RoundNearestToStep(desired, e.cfg.TickSize)

	favorable := desired.GreaterThanOrEqual(pos.TrailSLPrice.Add(e.cfg.TrailStepUSD))
	if pos.Side == position.Short {
		favorable = desired.LessThanOrEqual(pos.TrailSLPrice.Sub(e.cfg.TrailStepUSD))
	}
	if pos.TrailSLPrice.Sign() <= 0 {
		favorable = true
	}
	if !favorable || pos.SLID == 0 {
		return
	}

	qty := trailingStopQty(pos)
	replacement, ok := e.cancelVerifyReplace(ctx, pos, pos.SLID, &pos.TrailWatchdog, func() (exchange.OrderState, error) {
		req := exchange.OrderRequest{
			Symbol: e.cfg.Symbol, Side: oppositeSide(pos.Side), Qty: qty,
			Price: e.stopLimitPriceFor(pos, desired), StopPrice: desired,
			ClientID: watchdogClientID(pos.TradeKey, "trail"), SideEffect: e.marginSideEffectForClose(),
		}
		return e.client.PlaceStopLimit(ctx, req)
	})
	if !ok {
		return
	}
	pos.SLPrevID = pos.SLID
	pos.SLID = replacement.OrderID
	pos.SL = desired
	pos.TrailSLPrice = desired
	e.logEvent(ctx, "TRAIL_UPDATED", map[string]any{"trade_key": pos.TradeKey, "stop": desired})
}

// trailingStopQty resolves the size of the next trailing stop
// replacement. pos.TrailQty, set by ActivateSyntheticTrailing when the
// plan's activation quantity differs from QtyRemaining() (TP2 missing
// before it ever filled, so QtyRemaining() would still report the
// pre-TP2 remainder rather than qty2+qty3), takes precedence; the
// normal TP2-filled activation path never sets it, so QtyRemaining()
// resolves as before.
func trailingStopQty(pos *position.Position) decimal.Decimal {
	if pos.TrailQty.Sign() > 0 {
		return pos.TrailQty
	}
	return pos.QtyRemaining()
}

func (e *Engine) desiredTrailStop(pos *position.Position) (decimal.Decimal, bool, error) {
	return trailDesiredStop(e.trail, pos)
}

// runInvariants forwards the position, trailing feed age, and margin
// debt to the shared anomaly detector and surfaces whatever fires.
// pos is nil while flat; I13's post-close debt check still needs to
// run against the last-closed record in that case, so a synthetic
// Closed-status view stands in for the cleared position (§3's atomic
// clear means there is no live Position object to inspect once a
// trade is done).
func (e *Engine) runInvariants(ctx context.Context, pos *position.Position, now time.Time) {
	if e.cfg.InvarEvery > 0 {
		if now.Before(e.state.NextInvariantAt) {
			return
		}
		e.state.NextInvariantAt = now.Add(e.cfg.InvarEvery)
	}

	feedAge := e.trailFeedAge()
	var debt exchange.DebtSnapshot
	if e.cfg.MarginEnabled && e.cfg.MarginQuoteAsset != "" {
		debt, _ = e.client.DebtSnapshot(ctx, e.cfg.MarginQuoteAsset)
	}

	checkPos := pos
	var closedAt time.Time
	if checkPos == nil && e.state.LastClosed != nil {
		checkPos = &position.Position{
			TradeKey: e.state.LastClosed.TradeKey,
			Symbol:   e.state.LastClosed.Symbol,
			Side:     e.state.LastClosed.Side,
			Status:   position.Closed,
		}
		closedAt = e.state.LastClosed.ClosedAt
	}

	alerts := e.detector.Run(now, e.cfg.Symbol, checkPos, feedAge, debt, closedAt)
	if e.cfg.MarginEnabled && pos != nil {
		if a := e.detector.CheckI12(now, e.cfg.Symbol, pos, &e.state.MarginLedger); a != nil {
			alerts = append(alerts, *a)
		}
	}
	for _, a := range alerts {
		metrics.InvariantFailures.WithLabelValues(a.InvariantID, string(a.Severity)).Inc()
		e.logEvent(ctx, "INVARIANT_"+a.InvariantID, map[string]any{"severity": a.Severity, "message": a.Message})
		if a.Severity == "ERROR" {
			e.alert(ctx, "INVARIANT_"+a.InvariantID, a.Message)
		}
		if a.InvariantID == "I13" && a.Severity == "ERROR" && e.cfg.I13KillOnDebt {
			e.alert(ctx, "I13_KILL_ON_DEBT", "halting: outstanding margin debt after close exceeded the escalation window")
			e.save()
			log.Fatal().Str("invariant", "I13").Msg("tickengine: halting process per I13_KILL_ON_DEBT")
		}
	}
}

// finalizeIfManualClose implements the manual-close half of
// finalization-first ordering (§4.10): if the exchange shows no open
// orders for a position we still believe is live, the operator (or
// the exchange itself) closed it out-of-band.
func (e *Engine) finalizeIfManualClose(ctx context.Context, pos *position.Position) bool {
	if pos.Status != position.OpenFilled {
		return false
	}
	openOrders, err := e.openOrders.Get(ctx, e.cfg.Symbol)
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues("open_orders").Inc()
		return false
	}
	if len(openOrders) > 0 {
		return false
	}
	if pos.SLID != 0 || pos.TP1ID != 0 || pos.TP2ID != 0 {
		// We still believe legs are resting but the snapshot disagrees;
		// confirm with a direct status poll before trusting it.
		for _, id := range []int64{pos.SLID, pos.TP1ID, pos.TP2ID} {
			if id == 0 {
				continue
			}
			st, err := e.client.Status(ctx, e.cfg.Symbol, id)
			if err != nil {
				return false
			}
			if !st.Status.IsTerminal() {
				return false
			}
		}
	}
	e.finalizeClosed(ctx, pos, "MANUAL_CLOSE_DETECTED")
	return true
}

// finalizeClosed is the single atomic-clear path (§3 "Lifecycle"):
// repay outstanding margin, record the last-closed report, clear the
// position, and enter cooldown. reason is carried through to the
// event log and the last-closed record.
func (e *Engine) finalizeClosed(ctx context.Context, pos *position.Position, reason string) {
	now := time.Now()
	if e.cfg.MarginEnabled {
		if err := e.margin.RepayAfterClose(ctx, &e.state.MarginLedger, pos.TradeKey); err != nil {
			e.alert(ctx, "REPAY_FAILED", err.Error())
		}
	}
	exitPrice := pos.SL
	if pos.TP2Done {
		exitPrice = pos.TP2
	} else if pos.TP1Done {
		exitPrice = pos.TP1
	}
	e.state.LastClosed = &position.LastClosed{
		TradeKey: pos.TradeKey, Symbol: pos.Symbol, Side: pos.Side,
		Reason: reason, Entry: pos.Entry, Exit: exitPrice, ClosedAt: now,
	}
	e.state.Position = nil
	e.state.CooldownUntil = now.Add(e.cfg.CooldownDuration)
	metrics.OpenPositions.Set(0)
	e.logEvent(ctx, "POSITION_CLOSED", map[string]any{"trade_key": pos.TradeKey, "reason": reason, "exit": exitPrice})
	if e.reports != nil {
		if err := e.reports.Append(reporting.Build(pos, now, reason)); err != nil {
			log.Error().Err(err).Str("trade_key", pos.TradeKey).Msg("tickengine: trade report append failed")
		}
	}
	e.save()
}
