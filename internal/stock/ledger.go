package stock

import (
	"context"
	"sort"
	"time"

	"inventory-service/internal/models"
)

// Tx is the set of row operations available inside one ledger transaction.
// LockProduct takes an exclusive lock on the product row (SELECT ... FOR
// UPDATE in the SQL implementation); every counter decision must be made
// against the freshly locked read, never a cached value.
type Tx interface {
	LockProduct(ctx context.Context, productID int64) (*models.Product, error)
	UpdateProductCounters(ctx context.Context, productID int64, onHand, reserved int) error
	SetItemAllocated(ctx context.Context, itemID int64, allocated bool) error
	SetOrderExpiry(ctx context.Context, orderID int64, expiresAt *time.Time) error
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	UpdateOrderStatusIf(ctx context.Context, orderID int64, from, to string) (bool, error)
}

// TxFn runs inside a transaction. Returning an error rolls the whole
// transaction back; returning nil commits it.
type TxFn func(ctx context.Context, tx Tx) error

// Ledger is the persistence port the stock managers operate against.
type Ledger interface {
	GetOrderByID(ctx context.Context, orderID int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	SelectExpiredOrders(ctx context.Context, now time.Time, limit int) ([]models.Order, error)
	WithinTx(ctx context.Context, fn TxFn) error
}

// sortedByProduct returns a copy of items ordered by ascending product id.
// Every multi-item operation locks products in this order so two concurrent
// orders touching the same products cannot deadlock.
func sortedByProduct(items []models.OrderItem) []models.OrderItem {
	sorted := make([]models.OrderItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ProductID < sorted[j].ProductID
	})
	return sorted
}
