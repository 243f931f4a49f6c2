// Package stocktest provides an in-memory stock.Ledger with transactional
// rollback semantics, used to exercise the stock managers and the sweeper
// without a database.
package stocktest

import (
	"context"
	"sort"
	"sync"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/stock"
)

// Ledger is an in-memory implementation of stock.Ledger. Transactions are
// serialized by a single mutex and rolled back by snapshot on error, which
// mirrors the commit/rollback boundary of the SQL store closely enough for
// the engine's invariants to be tested against it.
type Ledger struct {
	mu       sync.Mutex
	products map[int64]*models.Product
	orders   map[int64]*models.Order
	items    map[int64]*models.OrderItem
}

// NewLedger creates an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{
		products: make(map[int64]*models.Product),
		orders:   make(map[int64]*models.Order),
		items:    make(map[int64]*models.OrderItem),
	}
}

// AddProduct seeds a product row.
func (l *Ledger) AddProduct(p models.Product) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.products[p.ID] = &p
}

// AddOrder seeds an order row together with its items.
func (l *Ledger) AddOrder(o models.Order, items ...models.OrderItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[o.ID] = &o
	for i := range items {
		item := items[i]
		l.items[item.ID] = &item
	}
}

// Product returns a copy of the product row for assertions.
func (l *Ledger) Product(id int64) models.Product {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.products[id]
}

// Order returns a copy of the order row for assertions.
func (l *Ledger) Order(id int64) models.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.orders[id]
}

// Item returns a copy of the order item row for assertions.
func (l *Ledger) Item(id int64) models.OrderItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.items[id]
}

// GetOrderByID implements stock.Ledger.
func (l *Ledger) GetOrderByID(ctx context.Context, orderID int64) (*models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[orderID]
	if !ok {
		return nil, stock.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

// GetOrderItemsByOrderID implements stock.Ledger.
func (l *Ledger) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var items []models.OrderItem
	for _, item := range l.items {
		if item.OrderID == orderID {
			items = append(items, *item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// SelectExpiredOrders implements stock.Ledger.
func (l *Ledger) SelectExpiredOrders(ctx context.Context, now time.Time, limit int) ([]models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []models.Order
	for _, o := range l.orders {
		if o.ReservationExpiresAt == nil || !o.ReservationExpiresAt.Before(now) {
			continue
		}
		if !models.HoldsReservation(o.Status) {
			continue
		}
		expired = append(expired, *o)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// WithinTx implements stock.Ledger. The whole ledger is snapshotted before fn
// runs and restored if fn fails, so a failed multi-row transaction leaves
// every row unchanged.
func (l *Ledger) WithinTx(ctx context.Context, fn stock.TxFn) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := l.snapshot()
	if err := fn(ctx, &memTx{ledger: l}); err != nil {
		l.restore(snapshot)
		return err
	}
	return nil
}

type ledgerState struct {
	products map[int64]*models.Product
	orders   map[int64]*models.Order
	items    map[int64]*models.OrderItem
}

func (l *Ledger) snapshot() ledgerState {
	s := ledgerState{
		products: make(map[int64]*models.Product, len(l.products)),
		orders:   make(map[int64]*models.Order, len(l.orders)),
		items:    make(map[int64]*models.OrderItem, len(l.items)),
	}
	for id, p := range l.products {
		cp := *p
		s.products[id] = &cp
	}
	for id, o := range l.orders {
		cp := *o
		s.orders[id] = &cp
	}
	for id, item := range l.items {
		cp := *item
		s.items[id] = &cp
	}
	return s
}

func (l *Ledger) restore(s ledgerState) {
	l.products = s.products
	l.orders = s.orders
	l.items = s.items
}

// memTx operates on the live maps while the ledger mutex is held by WithinTx.
type memTx struct {
	ledger *Ledger
}

func (t *memTx) LockProduct(ctx context.Context, productID int64) (*models.Product, error) {
	p, ok := t.ledger.products[productID]
	if !ok {
		return nil, stock.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) UpdateProductCounters(ctx context.Context, productID int64, onHand, reserved int) error {
	p, ok := t.ledger.products[productID]
	if !ok {
		return stock.ErrProductNotFound
	}
	p.OnHand = onHand
	p.Reserved = reserved
	p.UpdatedAt = time.Now()
	return nil
}

func (t *memTx) SetItemAllocated(ctx context.Context, itemID int64, allocated bool) error {
	item, ok := t.ledger.items[itemID]
	if !ok {
		return stock.ErrOrderNotFound
	}
	item.Allocated = allocated
	return nil
}

func (t *memTx) SetOrderExpiry(ctx context.Context, orderID int64, expiresAt *time.Time) error {
	o, ok := t.ledger.orders[orderID]
	if !ok {
		return stock.ErrOrderNotFound
	}
	o.ReservationExpiresAt = expiresAt
	o.UpdatedAt = time.Now()
	return nil
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	o, ok := t.ledger.orders[orderID]
	if !ok {
		return stock.ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	return nil
}

func (t *memTx) UpdateOrderStatusIf(ctx context.Context, orderID int64, from, to string) (bool, error) {
	o, ok := t.ledger.orders[orderID]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	return true, nil
}
