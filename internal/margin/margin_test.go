package margin

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"peakexec/internal/exchange"
	"peakexec/internal/position"
)

func TestNewRejectsBridgeAssetUnderExchangeManaged(t *testing.T) {
	client := exchange.NewMemoryClient(decimal.NewFromInt(100))
	_, err := New(Config{Mode: ModeExchangeManaged, BridgeAsset: "USDC"}, client, nil)
	if err == nil {
		t.Fatal("expected error for bridge asset under exchange-managed mode")
	}
}

func TestExchangeManagedSideEffects(t *testing.T) {
	client := exchange.NewMemoryClient(decimal.NewFromInt(100))
	c, err := New(Config{Mode: ModeExchangeManaged, QuoteAsset: "USDT"}, client, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.SideEffectForEntry() != exchange.SideEffectMarginBuy {
		t.Fatalf("expected MARGIN_BUY, got %s", c.SideEffectForEntry())
	}
	if c.SideEffectForClose() != exchange.SideEffectAutoRepay {
		t.Fatalf("expected AUTO_REPAY, got %s", c.SideEffectForClose())
	}
}

func TestExplicitBorrowBeforeEntryAppliesBuffer(t *testing.T) {
	client := exchange.NewMemoryClient(decimal.NewFromInt(100))
	c, err := New(Config{Mode: ModeExplicit, QuoteAsset: "USDT", BorrowBufferPct: decimal.NewFromFloat(0.003)}, client, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := c.BorrowBeforeEntry(ctx, position.Long, decimal.NewFromInt(100), decimal.NewFromInt(10)); err != nil {
		t.Fatal(err)
	}
	snap, _ := client.DebtSnapshot(ctx, "USDT")
	want := decimal.NewFromInt(1000).Mul(decimal.NewFromFloat(1.003))
	if !snap.Borrowed.Equal(want) {
		t.Fatalf("expected borrowed %s, got %s", want, snap.Borrowed)
	}
}

func TestExplicitRepayAfterCloseSettlesLedger(t *testing.T) {
	client := exchange.NewMemoryClient(decimal.NewFromInt(100))
	c, err := New(Config{Mode: ModeExplicit, QuoteAsset: "USDT"}, client, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	ledger := &position.MarginLedger{}
	c.AfterEntryOpened(ledger, "trade-1", position.Long, decimal.NewFromInt(1000))
	client.Borrow(ctx, "USDT", decimal.NewFromInt(1000))

	if !ledger.HasOutstandingDebt("trade-1") {
		t.Fatal("expected outstanding debt recorded")
	}
	if err := c.RepayAfterClose(ctx, ledger, "trade-1"); err != nil {
		t.Fatal(err)
	}
	if ledger.HasOutstandingDebt("trade-1") {
		t.Fatal("expected debt cleared after repay")
	}
}

func TestUSDCBridgeLookupComputesRatio(t *testing.T) {
	client := exchange.NewMemoryClient(decimal.NewFromInt(100))
	lookup := USDCBridgeLookup{Client: client, QuoteRefSymbol: "BTCUSDT", BridgeRefSymbol: "BTCUSDC"}
	k, err := lookup.USDTtoUSDCRate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !k.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected ratio 1 against a shared mid price, got %s", k)
	}
}

func TestUSDCBridgeLookupPropagatesMidPriceError(t *testing.T) {
	client := exchange.NewMemoryClient(decimal.Zero)
	lookup := USDCBridgeLookup{Client: client, QuoteRefSymbol: "BTCUSDT", BridgeRefSymbol: "BTCUSDC"}
	if _, err := lookup.USDTtoUSDCRate(context.Background()); err == nil {
		t.Fatal("expected error when mid price is unseeded")
	}
}

func TestExchangeManagedHooksAreNoops(t *testing.T) {
	client := exchange.NewMemoryClient(decimal.NewFromInt(100))
	c, err := New(Config{Mode: ModeExchangeManaged, QuoteAsset: "USDT"}, client, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := c.BorrowBeforeEntry(ctx, position.Long, decimal.NewFromInt(100), decimal.NewFromInt(10)); err != nil {
		t.Fatal(err)
	}
	snap, _ := client.DebtSnapshot(ctx, "USDT")
	if !snap.Borrowed.IsZero() {
		t.Fatalf("expected no borrow under exchange-managed mode, got %s", snap.Borrowed)
	}
}
