package tickengine

import (
	"context"
	"testing"

	"peakexec/internal/exchange"
	"peakexec/internal/position"
)

func TestReconcileNoopWhenFlat(t *testing.T) {
	e, _ := newTestEngine(t, d(100))
	e.Reconcile(context.Background(), "boot")
	if e.state.Position != nil {
		t.Fatal("expected Reconcile to remain a no-op with no live position")
	}
}

func TestReconcileClearsPositionWhenExchangeShowsNothing(t *testing.T) {
	e, client := newTestEngine(t, d(100))
	pos := openFilledLong("t1")
	sl, _ := client.PlaceLimit(context.Background(), exchange.OrderRequest{Symbol: e.cfg.Symbol, Side: position.Short, Qty: d(1), Price: d(95)})
	pos.SLID = sl.OrderID
	client.Cancel(context.Background(), e.cfg.Symbol, sl.OrderID)
	e.state.Position = pos

	e.Reconcile(context.Background(), "boot")

	if e.state.Position != nil {
		t.Fatal("expected the position cleared once the exchange shows nothing")
	}
	if e.state.LastClosed == nil || e.state.LastClosed.Reason != "POSITION_CLEARED_BY_EXCHANGE" {
		t.Fatalf("expected a POSITION_CLEARED_BY_EXCHANGE record, got %+v", e.state.LastClosed)
	}
}

func TestReconcileKeepsLivePositionWithOpenOrders(t *testing.T) {
	e, client := newTestEngine(t, d(100))
	pos := openFilledLong("t1")
	sl, _ := client.PlaceLimit(context.Background(), exchange.OrderRequest{Symbol: e.cfg.Symbol, Side: position.Short, Qty: d(1), Price: d(95)})
	pos.SLID = sl.OrderID
	e.state.Position = pos

	e.Reconcile(context.Background(), "boot")

	if e.state.Position == nil {
		t.Fatal("expected the position to remain live while an SL order is still resting")
	}
}

func TestReconcileWaitsForDebtRepaymentWhenMarginEnabled(t *testing.T) {
	e, client := newTestEngine(t, d(100))
	e.cfg.MarginEnabled = true
	e.cfg.MarginQuoteAsset = "USDT"
	client.Borrow(context.Background(), "USDT", d(500))
	pos := openFilledLong("t1")
	sl, _ := client.PlaceLimit(context.Background(), exchange.OrderRequest{Symbol: e.cfg.Symbol, Side: position.Short, Qty: d(1), Price: d(95)})
	pos.SLID = sl.OrderID
	client.Cancel(context.Background(), e.cfg.Symbol, sl.OrderID)
	e.state.Position = pos

	e.Reconcile(context.Background(), "boot")

	if e.state.Position == nil {
		t.Fatal("expected outstanding margin debt to block clearing the position even with no open orders")
	}
}
