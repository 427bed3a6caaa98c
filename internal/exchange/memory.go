package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"peakexec/internal/position"
)

// MemoryClient is an in-memory Client double for tests and for the
// tick state machine's own unit tests — it never touches the network.
// Market orders fill instantly at a single settable mid price; limit
// and stop orders rest as NEW until canceled. ScriptedStatuses pins the
// status Status reports for a given order ID.
type MemoryClient struct {
	mu sync.Mutex

	nextOrderID int64
	orders      map[int64]OrderState
	mid         decimal.Decimal
	debts       map[string]DebtSnapshot

	// ScriptedStatuses lets a test force an order into a specific status
	// (e.g. position.StatusMissing) without depending on fill timing.
	ScriptedStatuses map[int64]position.OrderStatus
}

// NewMemoryClient constructs a double seeded with the given mid price.
func NewMemoryClient(mid decimal.Decimal) *MemoryClient {
	return &MemoryClient{
		orders:           make(map[int64]OrderState),
		mid:              mid,
		debts:            make(map[string]DebtSnapshot),
		ScriptedStatuses: make(map[int64]position.OrderStatus),
	}
}

// SetMidPrice updates the price MidPrice and market-order fills use.
func (m *MemoryClient) SetMidPrice(p decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mid = p
}

func (m *MemoryClient) place(req OrderRequest, fillNow bool, fillPrice decimal.Decimal) OrderState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOrderID++
	id := m.nextOrderID
	status := position.StatusNew
	executed := decimal.Zero
	cumQuote := decimal.Zero
	if fillNow {
		status = position.StatusFilled
		executed = req.Qty
		cumQuote = req.Qty.Mul(fillPrice)
	}
	st := OrderState{OrderID: id, Status: status, ExecutedQty: executed, CummulativeQuoteQty: cumQuote, AvgFillPrice: fillPrice}
	m.orders[id] = st
	return st
}

func (m *MemoryClient) PlaceLimit(ctx context.Context, req OrderRequest) (OrderState, error) {
	return m.place(req, false, req.Price), nil
}

func (m *MemoryClient) PlaceMarket(ctx context.Context, req OrderRequest) (OrderState, error) {
	m.mu.Lock()
	price := m.mid
	m.mu.Unlock()
	return m.place(req, true, price), nil
}

// PlaceStopLimit never fills immediately in the double: a real stop
// order only triggers once the market trades through StopPrice, and
// this double has no order book to trade against. Tests that need a
// triggered stop use ScriptedStatuses instead.
func (m *MemoryClient) PlaceStopLimit(ctx context.Context, req OrderRequest) (OrderState, error) {
	return m.place(req, false, req.Price), nil
}

func (m *MemoryClient) Cancel(ctx context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.orders[orderID]
	if !ok {
		return nil // already-missing orders cancel as a no-op, like the real adapter
	}
	if st.Status.IsTerminal() {
		return nil
	}
	st.Status = position.StatusCanceled
	m.orders[orderID] = st
	return nil
}

func (m *MemoryClient) Status(ctx context.Context, symbol string, orderID int64) (OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if scripted, ok := m.ScriptedStatuses[orderID]; ok {
		st := m.orders[orderID]
		st.Status = scripted
		return st, nil
	}
	st, ok := m.orders[orderID]
	if !ok {
		return OrderState{OrderID: orderID, Status: position.StatusMissing}, nil
	}
	return st, nil
}

func (m *MemoryClient) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OpenOrder
	for id, st := range m.orders {
		if !st.Status.IsTerminal() {
			out = append(out, OpenOrder{OrderID: id, Status: st.Status})
		}
	}
	return out, nil
}

func (m *MemoryClient) MidPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mid.IsZero() {
		return decimal.Zero, fmt.Errorf("exchange: no mid price seeded for %s", symbol)
	}
	return m.mid, nil
}

func (m *MemoryClient) Borrow(ctx context.Context, asset string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.debts[asset]
	d.Asset = asset
	d.Borrowed = d.Borrowed.Add(amount)
	m.debts[asset] = d
	return nil
}

func (m *MemoryClient) Repay(ctx context.Context, asset string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.debts[asset]
	d.Borrowed = d.Borrowed.Sub(amount)
	if d.Borrowed.IsNegative() {
		d.Borrowed = decimal.Zero
	}
	m.debts[asset] = d
	return nil
}

func (m *MemoryClient) DebtSnapshot(ctx context.Context, asset string) (DebtSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debts[asset], nil
}

func (m *MemoryClient) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}
