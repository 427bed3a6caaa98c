package exchange

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"peakexec/internal/position"
)

func TestMemoryClientMarketOrderFillsImmediately(t *testing.T) {
	c := NewMemoryClient(decimal.NewFromInt(100))
	st, err := c.PlaceMarket(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: position.Long, Qty: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != position.StatusFilled {
		t.Fatalf("expected market order to fill immediately, got %s", st.Status)
	}
}

func TestMemoryClientLimitOrderStaysNewUntilFilled(t *testing.T) {
	c := NewMemoryClient(decimal.NewFromInt(100))
	st, err := c.PlaceLimit(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: position.Long, Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(99),
	})
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != position.StatusNew {
		t.Fatalf("expected limit order to stay NEW, got %s", st.Status)
	}
}

func TestMemoryClientStatusOfUnknownOrderIsMissing(t *testing.T) {
	c := NewMemoryClient(decimal.NewFromInt(100))
	st, err := c.Status(context.Background(), "BTCUSDT", 9999)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != position.StatusMissing {
		t.Fatalf("expected MISSING for unknown order, got %s", st.Status)
	}
}

func TestMemoryClientCancelOnMissingOrderIsNoop(t *testing.T) {
	c := NewMemoryClient(decimal.NewFromInt(100))
	if err := c.Cancel(context.Background(), "BTCUSDT", 12345); err != nil {
		t.Fatalf("expected cancel-of-missing to be a no-op, got error: %v", err)
	}
}

func TestMemoryClientBorrowThenRepayClearsDebt(t *testing.T) {
	c := NewMemoryClient(decimal.NewFromInt(100))
	ctx := context.Background()
	if err := c.Borrow(ctx, "USDT", decimal.NewFromInt(500)); err != nil {
		t.Fatal(err)
	}
	snap, err := c.DebtSnapshot(ctx, "USDT")
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Borrowed.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected 500 borrowed, got %s", snap.Borrowed)
	}
	if err := c.Repay(ctx, "USDT", decimal.NewFromInt(500)); err != nil {
		t.Fatal(err)
	}
	snap, _ = c.DebtSnapshot(ctx, "USDT")
	if !snap.Borrowed.IsZero() {
		t.Fatalf("expected debt cleared after repay, got %s", snap.Borrowed)
	}
}

func TestMemoryClientOpenOrdersExcludesTerminal(t *testing.T) {
	c := NewMemoryClient(decimal.NewFromInt(100))
	ctx := context.Background()
	limitOrder, _ := c.PlaceLimit(ctx, OrderRequest{Symbol: "BTCUSDT", Side: position.Long, Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(99)})
	marketOrder, _ := c.PlaceMarket(ctx, OrderRequest{Symbol: "BTCUSDT", Side: position.Long, Qty: decimal.NewFromInt(1)})

	open, err := c.OpenOrders(ctx, "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].OrderID != limitOrder.OrderID {
		t.Fatalf("expected only the unfilled limit order open, got %+v (market order id %d)", open, marketOrder.OrderID)
	}
}

func TestMemoryClientScriptedStatusOverridesFill(t *testing.T) {
	c := NewMemoryClient(decimal.NewFromInt(100))
	ctx := context.Background()
	order, _ := c.PlaceLimit(ctx, OrderRequest{Symbol: "BTCUSDT", Side: position.Long, Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(99)})
	c.ScriptedStatuses[order.OrderID] = position.StatusMissing

	st, err := c.Status(ctx, "BTCUSDT", order.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != position.StatusMissing {
		t.Fatalf("expected scripted MISSING status, got %s", st.Status)
	}
}
