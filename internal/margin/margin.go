// Package margin implements the four-hook margin coordinator from
// §4.6, grounded on margin_policy.py/margin_guard.py: validate config
// at startup, borrow before entry, record the active trade after
// entry, repay after close. Exchange-managed and explicit modes are
// mutually exclusive by construction — Coordinator refuses to start in
// a mixed configuration.
package margin

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"peakexec/internal/exchange"
	"peakexec/internal/position"
	"peakexec/internal/stepmath"
)

// Mode selects who performs the borrow/repay side effect.
type Mode string

const (
	ModeExchangeManaged Mode = "exchange_managed"
	ModeExplicit        Mode = "explicit"
)

// Config is the subset of the flat configuration surface the
// coordinator needs.
type Config struct {
	Mode Mode
	// QuoteAsset is borrowed for LONG entries; BaseAsset for SHORT.
	QuoteAsset, BaseAsset string
	// BorrowBufferPct absorbs fee/rounding slippage between the
	// formatted order notional and the actual borrow requirement
	// (§4.6 default 0.3%).
	BorrowBufferPct decimal.Decimal
	// BridgeAsset, when non-empty, is a stable asset the borrow amount
	// must be converted into via the USDT/USDC bridge rate lookup
	// before being requested, because the margin asset differs from
	// the traded symbol's quote asset (SUPPLEMENTED FEATURES item 6).
	BridgeAsset string
}

// BridgeRateLookup fetches the USDT/USDC conversion factor k such that
// amount_in_bridge_asset = amount_in_quote_asset * k, grounded on
// executor.py::get_usdt_usdc_k.
type BridgeRateLookup interface {
	USDTtoUSDCRate(ctx context.Context) (decimal.Decimal, error)
}

// USDCBridgeLookup implements BridgeRateLookup against the exchange's
// own book, directly grounded on get_usdt_usdc_k: the USDT->USDC ratio
// is read as the quotient of two independent BTC mid prices rather
// than a direct USDT/USDC market, since the original calls out that it
// "needs two different symbols simultaneously" and this system's
// MidPrice snapshot, like the original's PriceSnapshot, is one symbol
// at a time.
type USDCBridgeLookup struct {
	Client         exchange.Client
	QuoteRefSymbol string // e.g. BTCUSDT
	BridgeRefSymbol string // e.g. BTCUSDC
}

func (u USDCBridgeLookup) USDTtoUSDCRate(ctx context.Context) (decimal.Decimal, error) {
	midUSDT, err := u.Client.MidPrice(ctx, u.QuoteRefSymbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("margin: bridge rate %s mid price: %w", u.QuoteRefSymbol, err)
	}
	midUSDC, err := u.Client.MidPrice(ctx, u.BridgeRefSymbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("margin: bridge rate %s mid price: %w", u.BridgeRefSymbol, err)
	}
	if midUSDT.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("margin: bridge rate %s mid price is non-positive", u.QuoteRefSymbol)
	}
	return midUSDC.Div(midUSDT), nil
}

// Coordinator is the stateful margin hook set, one per running process
// (margin mode and asset pair do not vary per position).
type Coordinator struct {
	cfg    Config
	client exchange.Client
	bridge BridgeRateLookup
}

// New validates cfg and constructs a Coordinator. An empty Mode, or a
// BridgeAsset set while Mode is ModeExchangeManaged (the exchange
// handles its own asset conversion, the bridge lookup is only needed
// for explicit-mode borrow sizing), is a configuration error.
func New(cfg Config, client exchange.Client, bridge BridgeRateLookup) (*Coordinator, error) {
	if cfg.Mode != ModeExchangeManaged && cfg.Mode != ModeExplicit {
		return nil, fmt.Errorf("margin: unknown mode %q", cfg.Mode)
	}
	if cfg.Mode == ModeExchangeManaged && cfg.BridgeAsset != "" {
		return nil, fmt.Errorf("margin: bridge asset is only meaningful in explicit mode")
	}
	if cfg.BorrowBufferPct.IsZero() {
		cfg.BorrowBufferPct = decimal.NewFromFloat(0.003)
	}
	return &Coordinator{cfg: cfg, client: client, bridge: bridge}, nil
}

// SideEffectForEntry returns the exchange-side flag an entry order
// should carry. Under ModeExplicit this is always SideEffectNone: the
// coordinator itself calls Borrow before the order is placed.
func (c *Coordinator) SideEffectForEntry() exchange.SideEffect {
	if c.cfg.Mode == ModeExchangeManaged {
		return exchange.SideEffectMarginBuy
	}
	return exchange.SideEffectNone
}

// SideEffectForClose returns the exchange-side flag a closing order
// should carry.
func (c *Coordinator) SideEffectForClose() exchange.SideEffect {
	if c.cfg.Mode == ModeExchangeManaged {
		return exchange.SideEffectAutoRepay
	}
	return exchange.SideEffectNone
}

// borrowAssetFor returns the asset a given side's entry borrows:
// quote for LONG (buying on margin against borrowed stablecoin),
// base for SHORT (selling borrowed base).
func (c *Coordinator) borrowAssetFor(side position.Side) string {
	if side == position.Long {
		return c.cfg.QuoteAsset
	}
	return c.cfg.BaseAsset
}

// BorrowBeforeEntry computes and requests the borrow needed to cover a
// formatted (already tick/lot-rounded) order price and quantity, per
// §4.6: "must be computed from the formatted order price and quantity
// ... not pre-format values". A no-op under exchange-managed mode.
func (c *Coordinator) BorrowBeforeEntry(ctx context.Context, side position.Side, formattedPrice, formattedQty decimal.Decimal) error {
	if c.cfg.Mode == ModeExchangeManaged {
		return nil
	}
	notional := formattedPrice.Mul(formattedQty)
	buffered := notional.Mul(decimal.NewFromInt(1).Add(c.cfg.BorrowBufferPct))

	if c.cfg.BridgeAsset != "" {
		if c.bridge == nil {
			return fmt.Errorf("margin: bridge asset %q configured without a rate lookup", c.cfg.BridgeAsset)
		}
		k, err := c.bridge.USDTtoUSDCRate(ctx)
		if err != nil {
			return fmt.Errorf("margin: bridge rate lookup: %w", err)
		}
		buffered = buffered.Mul(k)
	}

	asset := c.borrowAssetFor(side)
	return c.client.Borrow(ctx, asset, buffered)
}

// AfterEntryOpened records tradeKey as the ledger's active trade once
// the entry has actually opened exposure.
func (c *Coordinator) AfterEntryOpened(ledger *position.MarginLedger, tradeKey string, side position.Side, borrowed decimal.Decimal) {
	if c.cfg.Mode == ModeExchangeManaged {
		ledger.ActiveTradeKey = tradeKey
		return
	}
	if ledger.BorrowedByTrade == nil {
		ledger.BorrowedByTrade = make(map[string]map[string]decimal.Decimal)
	}
	asset := c.borrowAssetFor(side)
	if ledger.BorrowedByTrade[tradeKey] == nil {
		ledger.BorrowedByTrade[tradeKey] = make(map[string]decimal.Decimal)
	}
	ledger.BorrowedByTrade[tradeKey][asset] = borrowed
	ledger.ActiveTradeKey = tradeKey
}

// RepayAfterClose repays any outstanding borrow recorded for tradeKey.
// A no-op under exchange-managed mode, where AUTO_REPAY on the closing
// order already settled the debt.
func (c *Coordinator) RepayAfterClose(ctx context.Context, ledger *position.MarginLedger, tradeKey string) error {
	if c.cfg.Mode == ModeExchangeManaged {
		return nil
	}
	assets, ok := ledger.BorrowedByTrade[tradeKey]
	if !ok {
		return nil
	}
	for asset, amount := range assets {
		if amount.Sign() <= 0 {
			continue
		}
		if err := c.client.Repay(ctx, asset, amount); err != nil {
			return fmt.Errorf("margin: repay %s %s: %w", amount, asset, err)
		}
		assets[asset] = decimal.Zero
	}
	ledger.RepaidTradeKeys = append(ledger.RepaidTradeKeys, tradeKey)
	return nil
}

// FormattedBorrowAmount is a standalone helper exposed for callers that
// need to preview the borrow size before committing to BorrowBeforeEntry
// (e.g. a pre-entry sufficient-balance check), mirroring §4.6's
// formatted-price/qty requirement without performing the network call.
func FormattedBorrowAmount(price, qty, tick, step, bufferPct decimal.Decimal) decimal.Decimal {
	formattedPrice := stepmath.RoundNearestToStep(price, tick)
	formattedQty := stepmath.RoundQty(qty, step)
	notional := formattedPrice.Mul(formattedQty)
	return notional.Mul(decimal.NewFromInt(1).Add(bufferPct))
}
