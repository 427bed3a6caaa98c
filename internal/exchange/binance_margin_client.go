package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"peakexec/internal/position"
)

// knownMissingOrderCodes are Binance API error codes meaning "no such
// order" across its several wordings, normalized to position.StatusMissing
// per §4.4. -2011/-2013 additionally get the cancel-path tolerance
// described by the unknown-order-on-cancel supplement.
var knownMissingOrderCodes = map[int64]bool{
	-2011: true, // Unknown order sent.
	-2013: true, // Order does not exist.
}

// MarginClient is the real signed adapter, wrapping go-binance/v2's
// margin-account REST surface the way DiegoAmoralez-TradeBot-2.0's
// SpotClient wraps the plain spot surface — same client construction
// and error handling idiom, generalized to margin orders, cancel,
// status, open-orders, book ticker, and the borrow/repay/debt trio.
type MarginClient struct {
	client  *binance.Client
	isolated bool
	// retry computes the spacing between transient-transport retries
	// (jpillora/backoff); withRetry's maxAttempts bounds their number.
	retry *backoff.Backoff
}

// NewMarginClient constructs a real adapter. testnet switches the
// underlying client to Binance's testnet base URL.
func NewMarginClient(apiKey, secretKey string, testnet, isolated bool) *MarginClient {
	if testnet {
		binance.UseTestnet = true
	}
	client := binance.NewClient(apiKey, secretKey)
	return &MarginClient{
		client:   client,
		isolated: isolated,
		retry:    &backoff.Backoff{Min: 200 * time.Millisecond, Max: 3 * time.Second, Factor: 2, Jitter: true},
	}
}

// withRetry runs fn at most maxAttempts times in total, retrying on transient
// transport errors (never on a well-formed API error response — those
// are terminal, including the MISSING normalization, which Status/Cancel
// compute without retrying).
func withRetry(ctx context.Context, b *backoff.Backoff, maxAttempts int, fn func() error) error {
	b.Reset()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if _, ok := lastErr.(*common.APIError); ok {
			return lastErr
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func apiErrorCode(err error) (int64, bool) {
	apiErr, ok := err.(*common.APIError)
	if !ok {
		return 0, false
	}
	return apiErr.Code, true
}

func sideOf(s position.Side) binance.SideType {
	if s == position.Long {
		return binance.SideTypeBuy
	}
	return binance.SideTypeSell
}

func statusOf(s binance.OrderStatusType) position.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return position.StatusNew
	case binance.OrderStatusTypePartiallyFilled:
		return position.StatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return position.StatusFilled
	case binance.OrderStatusTypeCanceled:
		return position.StatusCanceled
	case binance.OrderStatusTypeRejected:
		return position.StatusRejected
	case binance.OrderStatusTypeExpired:
		return position.StatusExpired
	default:
		return position.StatusNew
	}
}

func (m *MarginClient) PlaceLimit(ctx context.Context, req OrderRequest) (OrderState, error) {
	var out OrderState
	err := withRetry(ctx, m.retry, 3, func() error {
		svc := m.client.NewCreateMarginOrderService().
			Symbol(req.Symbol).
			Side(sideOf(req.Side)).
			Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(req.Qty.String()).
			Price(req.Price.String()).
			NewClientOrderID(req.ClientID).
			SideEffectType(binance.SideEffectType(req.SideEffect)).
			IsIsolated(m.isolated)
		res, err := svc.Do(ctx)
		if err != nil {
			return err
		}
		out = orderStateFromResponse(res.OrderID, statusOf(res.Status), res.ExecutedQuantity, res.CummulativeQuoteQuantity)
		return nil
	})
	return out, err
}

func (m *MarginClient) PlaceMarket(ctx context.Context, req OrderRequest) (OrderState, error) {
	var out OrderState
	err := withRetry(ctx, m.retry, 3, func() error {
		svc := m.client.NewCreateMarginOrderService().
			Symbol(req.Symbol).
			Side(sideOf(req.Side)).
			Type(binance.OrderTypeMarket).
			Quantity(req.Qty.String()).
			NewClientOrderID(req.ClientID).
			SideEffectType(binance.SideEffectType(req.SideEffect)).
			IsIsolated(m.isolated)
		res, err := svc.Do(ctx)
		if err != nil {
			return err
		}
		out = orderStateFromResponse(res.OrderID, statusOf(res.Status), res.ExecutedQuantity, res.CummulativeQuoteQuantity)
		return nil
	})
	return out, err
}

// PlaceStopLimit places a STOP_LOSS_LIMIT order: it rests untriggered
// until the market trades through StopPrice, then behaves as a limit
// order at Price. Required by §6's endpoint list alongside LIMIT/MARKET.
func (m *MarginClient) PlaceStopLimit(ctx context.Context, req OrderRequest) (OrderState, error) {
	var out OrderState
	err := withRetry(ctx, m.retry, 3, func() error {
		svc := m.client.NewCreateMarginOrderService().
			Symbol(req.Symbol).
			Side(sideOf(req.Side)).
			Type(binance.OrderType("STOP_LOSS_LIMIT")).
			TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(req.Qty.String()).
			Price(req.Price.String()).
			StopPrice(req.StopPrice.String()).
			NewClientOrderID(req.ClientID).
			SideEffectType(binance.SideEffectType(req.SideEffect)).
			IsIsolated(m.isolated)
		res, err := svc.Do(ctx)
		if err != nil {
			return err
		}
		out = orderStateFromResponse(res.OrderID, statusOf(res.Status), res.ExecutedQuantity, res.CummulativeQuoteQuantity)
		return nil
	})
	return out, err
}

func orderStateFromResponse(orderID int64, status position.OrderStatus, executedQty, cumQuote string) OrderState {
	return OrderState{
		OrderID:             orderID,
		Status:              status,
		ExecutedQty:         parseDecimal(executedQty),
		CummulativeQuoteQty: parseDecimal(cumQuote),
	}
}

// Cancel normalizes -2011 ("Unknown order sent") to a no-op success:
// the order is already gone, which is the caller's desired end state
// (the unknown-order-on-cancel tolerance).
func (m *MarginClient) Cancel(ctx context.Context, symbol string, orderID int64) error {
	_, err := m.client.NewCancelMarginOrderService().
		Symbol(symbol).
		OrderID(orderID).
		IsIsolated(m.isolated).
		Do(ctx)
	if err == nil {
		return nil
	}
	if code, ok := apiErrorCode(err); ok && knownMissingOrderCodes[code] {
		log.Debug().Str("symbol", symbol).Int64("order_id", orderID).Msg("cancel: order already missing, treating as success")
		return nil
	}
	return err
}

func (m *MarginClient) Status(ctx context.Context, symbol string, orderID int64) (OrderState, error) {
	res, err := m.client.NewGetMarginOrderService().
		Symbol(symbol).
		OrderID(orderID).
		IsIsolated(m.isolated).
		Do(ctx)
	if err != nil {
		if code, ok := apiErrorCode(err); ok && knownMissingOrderCodes[code] {
			return OrderState{OrderID: orderID, Status: position.StatusMissing}, nil
		}
		return OrderState{}, err
	}
	return OrderState{
		OrderID:             res.OrderID,
		Status:              statusOf(res.Status),
		ExecutedQty:         parseDecimal(res.ExecutedQuantity),
		CummulativeQuoteQty: parseDecimal(res.CummulativeQuoteQuantity),
		UpdateTime:          res.UpdateTime,
	}, nil
}

func (m *MarginClient) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	res, err := m.client.NewListMarginOpenOrdersService().
		Symbol(symbol).
		IsIsolated(m.isolated).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]OpenOrder, 0, len(res))
	for _, o := range res {
		out = append(out, OpenOrder{OrderID: o.OrderID, ClientID: o.ClientOrderID, Status: statusOf(o.Status)})
	}
	return out, nil
}

func (m *MarginClient) MidPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	res, err := m.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if len(res) == 0 {
		return decimal.Zero, fmt.Errorf("exchange: no book ticker for %s", symbol)
	}
	bid := parseDecimal(res[0].BidPrice)
	ask := parseDecimal(res[0].AskPrice)
	return bid.Add(ask).Div(decimal.NewFromInt(2)), nil
}

func (m *MarginClient) Borrow(ctx context.Context, asset string, amount decimal.Decimal) error {
	_, err := m.client.NewMarginLoanService().
		Asset(asset).
		Amount(amount.String()).
		IsIsolated(m.isolated).
		Do(ctx)
	return err
}

func (m *MarginClient) Repay(ctx context.Context, asset string, amount decimal.Decimal) error {
	_, err := m.client.NewMarginRepayService().
		Asset(asset).
		Amount(amount.String()).
		IsIsolated(m.isolated).
		Do(ctx)
	return err
}

func (m *MarginClient) DebtSnapshot(ctx context.Context, asset string) (DebtSnapshot, error) {
	acct, err := m.client.NewGetMarginAccountService().Do(ctx)
	if err != nil {
		return DebtSnapshot{}, err
	}
	for _, a := range acct.UserAssets {
		if a.Asset == asset {
			return DebtSnapshot{
				Asset:    asset,
				Free:     parseDecimal(a.Free),
				Locked:   parseDecimal(a.Locked),
				Borrowed: parseDecimal(a.Borrowed),
				Interest: parseDecimal(a.Interest),
			}, nil
		}
	}
	return DebtSnapshot{Asset: asset}, nil
}

// ServerTime is used to track signature-timestamp drift (§4.4): the
// caller compares this against its own clock and folds the offset into
// subsequent request timestamps.
func (m *MarginClient) ServerTime(ctx context.Context) (time.Time, error) {
	ms, err := m.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
