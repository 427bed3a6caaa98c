package tickengine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"peakexec/internal/metrics"
	"peakexec/internal/position"
	"peakexec/internal/reporting"
	"peakexec/internal/statestore"
)

// enterEmergencyShutdown implements §4.14's operator-triggered path: a
// reconciliation-first shutdown that only clears the position once
// every tracked order has reached a terminal status, so the operator
// is never left holding an exchange-side position the bot believes is
// gone.
func (e *Engine) enterEmergencyShutdown(ctx context.Context) {
	pos := e.state.Position
	if pos == nil {
		e.state.Sleeping = true
		e.logEvent(ctx, "EMERGENCY_SHUTDOWN", map[string]any{"position": "none"})
		e.save()
		return
	}

	allTerminal := true
	for _, key := range []position.OrderKey{position.KeyEntry, position.KeySL, position.KeyTP1, position.KeyTP2} {
		id := orderIDFor(pos, key)
		if id == 0 {
			continue
		}
		st, err := e.client.Status(ctx, e.cfg.Symbol, id)
		if err != nil {
			metrics.ExchangeErrors.WithLabelValues("status").Inc()
			allTerminal = false
			continue
		}
		pos.Recon[key] = position.ReconEntry{Status: st.Status, ObservedAt: time.Now()}
		if !st.Status.IsTerminal() {
			allTerminal = false
		}
	}

	if allTerminal {
		if e.cfg.MarginEnabled {
			if err := e.margin.RepayAfterClose(ctx, &e.state.MarginLedger, pos.TradeKey); err != nil {
				e.alert(ctx, "EMERGENCY_REPAY_FAILED", err.Error())
			}
		}
		closedAt := time.Now()
		e.state.LastClosed = &position.LastClosed{
			TradeKey: pos.TradeKey, Symbol: pos.Symbol, Side: pos.Side,
			Reason: "EMERGENCY_SHUTDOWN", Entry: pos.Entry, ClosedAt: closedAt,
		}
		if e.reports != nil {
			if err := e.reports.Append(reporting.Build(pos, closedAt, "EMERGENCY_SHUTDOWN")); err != nil {
				log.Error().Err(err).Str("trade_key", pos.TradeKey).Msg("tickengine: trade report append failed")
			}
		}
		e.state.Position = nil
		e.state.CooldownUntil = time.Now().Add(e.cfg.CooldownDuration)
		metrics.OpenPositions.Set(0)
	}

	e.state.Sleeping = true
	e.logEvent(ctx, "EMERGENCY_SHUTDOWN", map[string]any{"all_terminal": allTerminal})

	if !statestore.Save(e.store, &e.state) {
		e.alert(ctx, "STATE_SAVE_FAILED", "emergency shutdown could not persist primary state, writing backup")
		if ok := statestore.SaveBackup(e.cfg.EmergencyBackupStatePath, &e.state); !ok {
			log.Error().Msg("tickengine: emergency backup save also failed")
		}
	}
}
