package tickengine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"peakexec/internal/exchange"
	"peakexec/internal/metrics"
	"peakexec/internal/position"
	"peakexec/internal/signal"
	"peakexec/internal/stepmath"
	"peakexec/internal/trail"
)

// tryEnter runs the entry flow of §4.11. It holds e.mu for its whole
// duration, same as the rest of Tick, since it mutates e.state
// directly rather than returning a plan for a separate apply step —
// unlike the exit-safety planner, entry has no pure/impure split in
// the original design.
func (e *Engine) tryEnter(ctx context.Context, now time.Time) {
	lines, err := signal.ReadTailLines(e.cfg.SignalLogPath, e.cfg.TailLines)
	if err != nil {
		log.Error().Err(err).Msg("tickengine: signal tail read failed")
		return
	}
	sig, key, ok := signal.ReadLatestUnseen(e.dedup, lines, &e.state.SeenKeys)
	if !ok {
		return
	}
	if e.cfg.MaxPeakAge > 0 && now.Sub(sig.TS) > e.cfg.MaxPeakAge {
		e.state.SeenKeys.Add(key)
		e.logEvent(ctx, "PEAK_STALE_SKIPPED", map[string]any{"age": now.Sub(sig.TS).String()})
		return
	}
	e.state.SeenKeys.Add(key)
	metrics.SignalsDeduped.Inc()

	side := position.Long
	if sig.Kind == "short" {
		side = position.Short
	}

	entryPrice := decimal.NewFromFloat(sig.Price)
	if side == position.Long {
		entryPrice = entryPrice.Add(e.cfg.EntryOffsetUSD)
	} else {
		entryPrice = entryPrice.Sub(e.cfg.EntryOffsetUSD)
	}
	entryPrice = stepmath.RoundNearestToStep(entryPrice, e.cfg.TickSize)

	rawQty := e.cfg.QtyUSD.Div(entryPrice)
	qty := stepmath.RoundQty(rawQty, e.cfg.QtyStep)
	notional := qty.Mul(entryPrice)
	if qty.LessThan(e.cfg.MinQty) || notional.LessThan(e.cfg.MinNotional) {
		e.alert(ctx, "ENTRY_BELOW_MINIMUM",
			fmt.Sprintf("computed entry qty %s (notional %s) is below exchange minimums", qty, notional))
		return
	}

	tradeKey := uuid.NewString()
	pos := position.New(tradeKey, e.cfg.Symbol, side)
	pos.QtyTotal = qty
	pos.Entry = entryPrice

	if e.cfg.MarginEnabled {
		if err := e.margin.BorrowBeforeEntry(ctx, side, entryPrice, qty); err != nil {
			metrics.ExchangeErrors.WithLabelValues("borrow").Inc()
			e.alert(ctx, "ENTRY_BORROW_FAILED", err.Error())
			return
		}
	}

	clientID := entryClientID(tradeKey)
	entryState, err := e.placeEntry(ctx, pos, side, qty, entryPrice, clientID)
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues("place_entry").Inc()
		e.alert(ctx, "ENTRY_PLACE_FAILED", err.Error())
		return
	}
	pos.EntryID = entryState.OrderID
	pos.Status = position.Open
	pos.CreatedAt = now
	// Attach to state before waiting on the fill: a crash mid-await
	// must leave the live entry order visible to boot reconciliation,
	// not silently orphaned on the exchange.
	e.state.Position = pos
	e.state.LockUntil = now.Add(e.cfg.LockDuration)
	e.logEvent(ctx, "ENTRY_PLACED", map[string]any{"trade_key": tradeKey, "side": side, "qty": qty, "price": entryPrice, "order_id": pos.EntryID})
	e.save()

	filled, execPrice := e.awaitEntryFill(ctx, pos, side, qty, entryPrice, now)
	if !filled {
		e.logEvent(ctx, "ENTRY_ABORTED", map[string]any{"trade_key": tradeKey})
		e.state.Position = nil
		e.save()
		return
	}

	pos.Entry = execPrice
	pos.Status = position.OpenFilled
	pos.OpenedAt = time.Now()

	if e.cfg.MarginEnabled {
		e.margin.AfterEntryOpened(&e.state.MarginLedger, tradeKey, side, qty.Mul(execPrice))
	}

	if err := e.placeExits(ctx, pos); err != nil {
		e.alert(ctx, "EXIT_PLACEMENT_FAILED", err.Error())
	}

	metrics.OpenPositions.Set(1)
	e.save()
}

func entryClientID(tradeKey string) string {
	return "entry-" + tradeKey
}

// placeEntry sends the preferred LIMIT order per §4.11 step 5.
// MARKET_ONLY mode skips straight to a market order, matching the
// entry-mode enum described in §6.
func (e *Engine) placeEntry(ctx context.Context, pos *position.Position, side position.Side, qty, price decimal.Decimal, clientID string) (exchange.OrderState, error) {
	req := exchange.OrderRequest{
		Symbol: e.cfg.Symbol, Side: side, Qty: qty, ClientID: clientID,
		SideEffect: e.marginSideEffectForEntry(),
	}
	if e.cfg.EntryMode == "MARKET_ONLY" {
		req.Price = decimal.Zero
		return e.client.PlaceMarket(ctx, req)
	}
	req.Price = price
	return e.client.PlaceLimit(ctx, req)
}

func (e *Engine) marginSideEffectForEntry() exchange.SideEffect {
	if !e.cfg.MarginEnabled || e.margin == nil {
		return exchange.SideEffectNone
	}
	return e.margin.SideEffectForEntry()
}

// awaitEntryFill polls the entry order until it fills, times out into
// Plan B, or is deemed unrecoverable, per §4.11 step 6. It returns the
// execution price actually achieved.
func (e *Engine) awaitEntryFill(ctx context.Context, pos *position.Position, side position.Side, qty, limitPrice decimal.Decimal, start time.Time) (bool, decimal.Decimal) {
	if e.cfg.EntryMode == "MARKET_ONLY" {
		st, err := e.client.Status(ctx, e.cfg.Symbol, pos.EntryID)
		if err != nil || st.Status != position.StatusFilled {
			return false, decimal.Zero
		}
		return true, st.AvgFillPrice
	}

	deadline := start.Add(e.cfg.LiveEntryTimeout)
	for time.Now().Before(deadline) {
		st, err := e.client.Status(ctx, e.cfg.Symbol, pos.EntryID)
		if err != nil {
			metrics.ExchangeErrors.WithLabelValues("status").Inc()
			time.Sleep(e.pollInterval())
			continue
		}
		if st.Status == position.StatusFilled {
			return true, st.AvgFillPrice
		}
		if st.Status.IsTerminal() {
			return false, decimal.Zero
		}
		time.Sleep(e.pollInterval())
	}

	if err := e.client.Cancel(ctx, e.cfg.Symbol, pos.EntryID); err != nil {
		log.Warn().Err(err).Int64("order_id", pos.EntryID).Msg("tickengine: entry cancel on timeout failed")
	}
	if e.cfg.EntryMode != "LIMIT_THEN_MARKET" {
		return false, decimal.Zero
	}
	return e.planBFallback(ctx, pos, side, qty, limitPrice)
}

// planBFallback implements §4.11 step 6's deviation guard: abort the
// entry rather than chase price if the market has moved past the
// configured thresholds or already crossed where TP1 would land.
func (e *Engine) planBFallback(ctx context.Context, pos *position.Position, side position.Side, qty, limitPrice decimal.Decimal) (bool, decimal.Decimal) {
	mid, err := e.midPrice.Refresh(ctx, e.cfg.Symbol)
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues("mid_price").Inc()
		e.logEvent(ctx, "PLANB_ABORT", map[string]any{"reason": "mid_price_unavailable"})
		return false, decimal.Zero
	}

	dev := mid.Sub(limitPrice).Abs()
	rUnit := e.riskUnit(limitPrice)
	devR := decimal.Zero
	if rUnit.Sign() > 0 {
		devR = dev.Div(rUnit)
	}

	exceeded := e.cfg.PlanBMaxDevUSD.Sign() > 0 && dev.GreaterThan(e.cfg.PlanBMaxDevUSD)
	if e.cfg.PlanBMaxDevRMult.Sign() > 0 && devR.GreaterThan(e.cfg.PlanBMaxDevRMult) {
		exceeded = true
	}

	tp1 := e.firstTakeProfit(side, limitPrice, rUnit)
	crossedTP1 := mid.GreaterThanOrEqual(tp1)
	if side == position.Short {
		crossedTP1 = mid.LessThanOrEqual(tp1)
	}

	if exceeded || crossedTP1 {
		e.logEvent(ctx, "PLANB_ABORT", map[string]any{"mid": mid, "dev": dev, "dev_r": devR, "crossed_tp1": crossedTP1})
		return false, decimal.Zero
	}

	clientID := entryClientID(pos.TradeKey) + "-planb"
	req := exchange.OrderRequest{
		Symbol: e.cfg.Symbol, Side: side, Qty: qty, ClientID: clientID,
		SideEffect: e.marginSideEffectForEntry(),
	}
	st, err := e.client.PlaceMarket(ctx, req)
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues("place_market").Inc()
		e.logEvent(ctx, "PLANB_MARKET_FAILED", map[string]any{"error": err.Error()})
		return false, decimal.Zero
	}
	pos.EntryID = st.OrderID
	e.logEvent(ctx, "PLANB_MARKET_FILLED", map[string]any{"order_id": st.OrderID, "price": st.AvgFillPrice})
	return true, st.AvgFillPrice
}

// riskUnit is the percentage-fallback SL distance (entry × SLPct, 1R)
// used by the R-multiple take-profit ladder and the Plan B deviation
// guard, also when the placed SL comes from the swing engine.
func (e *Engine) riskUnit(entryPrice decimal.Decimal) decimal.Decimal {
	return entryPrice.Mul(e.cfg.SLPct)
}

func (e *Engine) firstTakeProfit(side position.Side, entryPrice, rUnit decimal.Decimal) decimal.Decimal {
	mult := decimal.NewFromInt(1)
	if len(e.cfg.TPRList) > 0 {
		mult = e.cfg.TPRList[0]
	}
	if side == position.Long {
		return entryPrice.Add(rUnit.Mul(mult))
	}
	return entryPrice.Sub(rUnit.Mul(mult))
}

// computeExitPrices implements §4.11 step 7: SL from the swing engine
// when available, otherwise the percentage fallback; TPs from the
// R-multiple ladder measured off riskUnit (entry × SLPct), whichever
// way the SL was derived.
func (e *Engine) computeExitPrices(pos *position.Position) (sl, tp1, tp2 decimal.Decimal) {
	rUnit := e.riskUnit(pos.Entry)

	sl = decimal.Zero
	if desired, ok, err := trail.DesiredStop(e.trail, pos.Side); err == nil && ok {
		sl = stepmath.RoundNearestToStep(desired, e.cfg.TickSize)
	}
	if sl.Sign() <= 0 {
		if pos.Side == position.Long {
			sl = pos.Entry.Sub(rUnit)
		} else {
			sl = pos.Entry.Add(rUnit)
		}
		sl = stepmath.RoundNearestToStep(sl, e.cfg.TickSize)
	}

	tp1Mult := decimal.NewFromInt(1)
	tp2Mult := decimal.NewFromInt(2)
	if len(e.cfg.TPRList) > 0 {
		tp1Mult = e.cfg.TPRList[0]
	}
	if len(e.cfg.TPRList) > 1 {
		tp2Mult = e.cfg.TPRList[1]
	}
	if pos.Side == position.Long {
		tp1 = pos.Entry.Add(rUnit.Mul(tp1Mult))
		tp2 = pos.Entry.Add(rUnit.Mul(tp2Mult))
	} else {
		tp1 = pos.Entry.Sub(rUnit.Mul(tp1Mult))
		tp2 = pos.Entry.Sub(rUnit.Mul(tp2Mult))
	}
	tp1 = stepmath.RoundNearestToStep(tp1, e.cfg.TickSize)
	tp2 = stepmath.RoundNearestToStep(tp2, e.cfg.TickSize)
	return sl, tp1, tp2
}
