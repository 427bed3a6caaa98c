// Package exchange defines the signed margin-trading adapter described
// in §4.4, grounded on the FuturesClient/SpotClient pair's shape but
// collapsed to the single margin-account surface this system needs:
// limit/market orders, cancel, status polling, open-orders, mid price,
// and the borrow/repay/debt trio §4.6's margin coordinator drives.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"peakexec/internal/position"
)

// SideEffect carries the exchange's own margin side-effect flag on an
// order, per §4.6. NoSideEffect leaves borrowing/repaying to the margin
// coordinator's explicit Borrow/Repay calls; MarginBuy and AutoRepay
// are the exchange-managed mode's entry and exit flags respectively.
// The two modes must never be mixed at runtime — see internal/margin
// for the config-time guard.
type SideEffect string

const (
	SideEffectNone      SideEffect = "NO_SIDE_EFFECT"
	SideEffectMarginBuy SideEffect = "MARGIN_BUY"
	SideEffectAutoRepay SideEffect = "AUTO_REPAY"
)

// OrderRequest is the common shape of a limit, market, or stop order.
// ClientID must embed trade_key so fills can be reconciled back to a
// position even after a restart loses in-memory order-ID maps (§4.11).
// StopPrice is only read by PlaceStopLimit.
type OrderRequest struct {
	Symbol     string
	Side       position.Side
	Qty        decimal.Decimal
	Price      decimal.Decimal // zero for market orders
	StopPrice  decimal.Decimal // STOP_LOSS_LIMIT trigger price
	ClientID   string
	SideEffect SideEffect
}

// OrderState is the normalized result of placing or polling an order.
type OrderState struct {
	OrderID             int64
	Status              position.OrderStatus
	ExecutedQty         decimal.Decimal
	CummulativeQuoteQty decimal.Decimal
	AvgFillPrice        decimal.Decimal
	UpdateTime          int64
}

// OpenOrder is one entry of the open-orders snapshot (§4.5).
type OpenOrder struct {
	OrderID  int64
	ClientID string
	Status   position.OrderStatus
}

// DebtSnapshot reports outstanding margin debt for one asset.
type DebtSnapshot struct {
	Asset    string
	Free     decimal.Decimal
	Locked   decimal.Decimal
	Borrowed decimal.Decimal
	Interest decimal.Decimal
}

// Client is the signed trading adapter every tickengine/margin/snapshot
// component depends on. Implementations normalize "no such order"
// responses to position.StatusMissing from Status (§4.4); every other
// transport failure propagates as an error so callers never have to
// pattern-match on error text.
type Client interface {
	PlaceLimit(ctx context.Context, req OrderRequest) (OrderState, error)
	PlaceMarket(ctx context.Context, req OrderRequest) (OrderState, error)
	PlaceStopLimit(ctx context.Context, req OrderRequest) (OrderState, error)
	Cancel(ctx context.Context, symbol string, orderID int64) error
	Status(ctx context.Context, symbol string, orderID int64) (OrderState, error)
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	MidPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	Borrow(ctx context.Context, asset string, amount decimal.Decimal) error
	Repay(ctx context.Context, asset string, amount decimal.Decimal) error
	DebtSnapshot(ctx context.Context, asset string) (DebtSnapshot, error)

	ServerTime(ctx context.Context) (time.Time, error)
}
