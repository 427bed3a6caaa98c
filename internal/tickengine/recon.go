package tickengine

import (
	"context"
	"time"

	"peakexec/internal/exchange"
	"peakexec/internal/metrics"
	"peakexec/internal/position"
)

// Reconcile attaches persisted state to live exchange state (§4.13).
// It must only ever be called at well-defined event boundaries — boot
// is the one the tick loop itself triggers; emergency shutdown polls
// order statuses on its own — never on a periodic schedule, since racing it against an
// in-flight tick's mutations would corrupt the single-writer position.
func (e *Engine) Reconcile(ctx context.Context, trigger string) {
	pos := e.state.Position
	if pos == nil {
		return
	}

	anyOpen := false
	for _, key := range []position.OrderKey{position.KeyEntry, position.KeySL, position.KeyTP1, position.KeyTP2} {
		id := orderIDFor(pos, key)
		if id == 0 {
			continue
		}
		st, err := e.client.Status(ctx, e.cfg.Symbol, id)
		if err != nil {
			metrics.ExchangeErrors.WithLabelValues("status").Inc()
			continue
		}
		// Preserve the in-memory status only while the leg is still
		// relevant: still open, or open-filled and not already done.
		legDone := (key == position.KeyTP1 && pos.TP1Done) ||
			(key == position.KeyTP2 && pos.TP2Done) ||
			(key == position.KeySL && pos.SLDone)
		if (!st.Status.IsTerminal() || pos.Status == position.OpenFilled) && !legDone {
			pos.Recon[key] = position.ReconEntry{Status: st.Status, ObservedAt: time.Now()}
		}
		if !st.Status.IsTerminal() {
			anyOpen = true
		}
		switch key {
		case position.KeyTP1:
			if st.Status == position.StatusFilled {
				pos.TP1Done = true
			}
		case position.KeyTP2:
			if st.Status == position.StatusFilled {
				pos.TP2Done = true
			}
		case position.KeySL:
			if st.Status == position.StatusFilled {
				pos.SLDone = true
			}
		}
	}

	openOrders, err := e.openOrders.Get(ctx, e.cfg.Symbol)
	exchangeEmpty := err == nil && len(openOrders) == 0 && !anyOpen

	var debt exchange.DebtSnapshot
	if e.cfg.MarginEnabled && e.cfg.MarginQuoteAsset != "" {
		debt, _ = e.client.DebtSnapshot(ctx, e.cfg.MarginQuoteAsset)
	}
	noDebt := !e.cfg.MarginEnabled || debt.Borrowed.Sign() <= 0

	if exchangeEmpty && noDebt {
		e.logEvent(ctx, "POSITION_CLEARED_BY_EXCHANGE", map[string]any{"trigger": trigger, "trade_key": pos.TradeKey})
		e.state.LastClosed = &position.LastClosed{
			TradeKey: pos.TradeKey, Symbol: pos.Symbol, Side: pos.Side,
			Reason: "POSITION_CLEARED_BY_EXCHANGE", Entry: pos.Entry, ClosedAt: time.Now(),
		}
		e.state.Position = nil
		e.state.CooldownUntil = time.Now().Add(e.cfg.CooldownDuration)
		metrics.OpenPositions.Set(0)
		e.save()
		return
	}
	metrics.OpenPositions.Set(1)
	e.save()
}
