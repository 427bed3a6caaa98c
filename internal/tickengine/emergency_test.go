package tickengine

import (
	"context"
	"testing"
	"time"

	"peakexec/internal/exchange"
	"peakexec/internal/position"
)

func TestEnterEmergencyShutdownNoPositionJustSleeps(t *testing.T) {
	e, _ := newTestEngine(t, d(100))
	e.enterEmergencyShutdown(context.Background())
	if !e.state.Sleeping {
		t.Fatal("expected Sleeping set even with no live position")
	}
}

func TestEnterEmergencyShutdownClearsPositionOnceAllTerminal(t *testing.T) {
	e, client := newTestEngine(t, d(100))
	pos := openFilledLong("t1")
	sl, _ := client.PlaceLimit(context.Background(), exchange.OrderRequest{Symbol: e.cfg.Symbol, Side: position.Short, Qty: d(1), Price: d(95)})
	pos.SLID = sl.OrderID
	client.Cancel(context.Background(), e.cfg.Symbol, sl.OrderID)
	e.state.Position = pos

	e.enterEmergencyShutdown(context.Background())

	if !e.state.Sleeping {
		t.Fatal("expected Sleeping set")
	}
	if e.state.Position != nil {
		t.Fatal("expected the position cleared once every tracked order is terminal")
	}
	if !e.state.CooldownUntil.After(time.Now()) {
		t.Fatal("expected a cooldown window set after the shutdown clears the position")
	}
}

func TestEnterEmergencyShutdownLeavesPositionWhenOrdersStillLive(t *testing.T) {
	e, client := newTestEngine(t, d(100))
	pos := openFilledLong("t1")
	sl, _ := client.PlaceLimit(context.Background(), exchange.OrderRequest{Symbol: e.cfg.Symbol, Side: position.Short, Qty: d(1), Price: d(95)})
	pos.SLID = sl.OrderID
	e.state.Position = pos

	e.enterEmergencyShutdown(context.Background())

	if !e.state.Sleeping {
		t.Fatal("expected Sleeping set regardless of reconciliation outcome")
	}
	if e.state.Position == nil {
		t.Fatal("expected the position preserved while an order is still live, so the operator isn't left guessing")
	}
}
