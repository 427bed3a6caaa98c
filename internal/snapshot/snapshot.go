// Package snapshot implements the two throttled exchange caches from
// §4.5: open orders and mid price. Both expose a freshness age and a
// boolean predicate; status polls and debt checks never go through
// them (§4.4's Status/DebtSnapshot always hit the exchange directly).
package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"peakexec/internal/exchange"
)

// OpenOrders caches a position's open-orders list, refreshed at most
// once per RefreshInterval (default 5s per §4.5).
type OpenOrders struct {
	mu              sync.Mutex
	client          exchange.Client
	RefreshInterval time.Duration

	orders     []exchange.OpenOrder
	fetchedAt  time.Time
}

func NewOpenOrders(client exchange.Client) *OpenOrders {
	return &OpenOrders{client: client, RefreshInterval: 5 * time.Second}
}

// Get returns the cached list, refreshing it first if stale.
func (o *OpenOrders) Get(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	o.mu.Lock()
	stale := time.Since(o.fetchedAt) >= o.RefreshInterval
	o.mu.Unlock()
	if !stale {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.orders, nil
	}
	orders, err := o.client.OpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.orders = orders
	o.fetchedAt = time.Now()
	out := o.orders
	o.mu.Unlock()
	return out, nil
}

// Age reports how long ago the cache was last refreshed.
func (o *OpenOrders) Age() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fetchedAt.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(o.fetchedAt)
}

// FreshWithin reports whether the cache was refreshed within d.
func (o *OpenOrders) FreshWithin(d time.Duration) bool {
	return o.Age() < d
}

// MidPrice caches the last observed mid price, refreshed on demand by
// callers (the stop watchdog and the Plan B entry fallback) rather than on a
// fixed schedule — §4.5: "refreshed on demand by consumers".
type MidPrice struct {
	mu        sync.Mutex
	client    exchange.Client
	price     decimal.Decimal
	fetchedAt time.Time
}

func NewMidPrice(client exchange.Client) *MidPrice {
	return &MidPrice{client: client}
}

// Refresh unconditionally re-fetches the mid price from the exchange.
func (m *MidPrice) Refresh(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := m.client.MidPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	m.mu.Lock()
	m.price = price
	m.fetchedAt = time.Now()
	m.mu.Unlock()
	return price, nil
}

// Last returns the last cached value without touching the exchange.
func (m *MidPrice) Last() (decimal.Decimal, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.price, m.fetchedAt
}

func (m *MidPrice) Age() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchedAt.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(m.fetchedAt)
}

func (m *MidPrice) FreshWithin(d time.Duration) bool {
	return m.Age() < d
}
