package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/stock"

	"github.com/jmoiron/sqlx"
)

// Tx implements stock.Tx on top of a database transaction. Counter decisions
// must always follow LockProduct within the same Tx; the row lock is what
// prevents lost updates under concurrent checkouts.
type Tx struct {
	tx *sqlx.Tx
}

// LockProduct takes an exclusive row lock on the product and returns the
// freshly read counters.
func (t *Tx) LockProduct(ctx context.Context, productID int64) (*models.Product, error) {
	var product models.Product
	err := t.tx.GetContext(ctx, &product,
		"SELECT * FROM products WHERE id = $1 FOR UPDATE", productID)
	if err == sql.ErrNoRows {
		return nil, stock.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock product %d: %w", productID, err)
	}
	return &product, nil
}

// UpdateProductCounters writes both stock counters for a locked product row.
func (t *Tx) UpdateProductCounters(ctx context.Context, productID int64, onHand, reserved int) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE products SET on_hand = $1, reserved = $2, updated_at = NOW() WHERE id = $3",
		onHand, reserved, productID)
	return err
}

// SetItemAllocated flips the allocated flag on an order item.
func (t *Tx) SetItemAllocated(ctx context.Context, itemID int64, allocated bool) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE order_items SET allocated = $1 WHERE id = $2",
		allocated, itemID)
	return err
}

// SetOrderExpiry sets or clears the order's reservation expiry timestamp.
func (t *Tx) SetOrderExpiry(ctx context.Context, orderID int64, expiresAt *time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET reservation_expires_at = $1, updated_at = NOW() WHERE id = $2",
		expiresAt, orderID)
	return err
}

// UpdateOrderStatus updates the order status within the transaction.
func (t *Tx) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}

// UpdateOrderStatusIf moves the order to a new status only when it is still
// in the expected one, and reports whether the transition was applied. This
// is the claim primitive that keeps the sweeper and the allocation callers
// from racing each other past a status check.
func (t *Tx) UpdateOrderStatusIf(ctx context.Context, orderID int64, from, to string) (bool, error) {
	result, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, orderID, from)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}
