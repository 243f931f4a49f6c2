package stock

import (
	"context"
	"fmt"

	"inventory-service/internal/models"
	"inventory-service/internal/util"

	"go.uber.org/zap"
)

// AllocationManager promotes reservations into firm deductions from on-hand
// stock. Allocation is idempotent: lines already allocated are skipped, so
// retries and at-least-once job delivery are safe.
type AllocationManager struct {
	ledger Ledger
	logger *zap.Logger
}

// NewAllocationManager creates a new allocation manager
func NewAllocationManager(ledger Ledger) *AllocationManager {
	return &AllocationManager{
		ledger: ledger,
		logger: util.GetLogger(),
	}
}

// Allocate deducts every unallocated line of the order from on-hand stock and
// clears the order's reservation expiry. Each line runs in its own
// transaction: a failure aborts only that line, leaving earlier lines
// allocated and visible, so a retry resumes from the first unallocated item.
func (m *AllocationManager) Allocate(ctx context.Context, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "AllocationManager.Allocate")
	defer span.End()

	order, err := m.ledger.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	items, err := m.ledger.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	for _, item := range sortedByProduct(items) {
		if item.Allocated {
			continue
		}

		if err := m.AllocateOrderItem(ctx, item); err != nil {
			util.AllocationsFailedTotal.Inc()
			return nil, fmt.Errorf("failed to allocate item %d: %w", item.ID, err)
		}
	}

	err = m.ledger.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SetOrderExpiry(ctx, orderID, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clear reservation expiry: %w", err)
	}

	order.ReservationExpiresAt = nil

	util.AllocationsTotal.Inc()
	m.logger.Info("Order allocated",
		zap.Int64("order_id", orderID),
		zap.Int("items", len(items)))

	return order, nil
}

// AllocateOrderItem deducts a single line from on-hand stock. It is the
// primitive behind Allocate and is also exposed for manual orders that never
// went through a reservation. A line that bypassed reservation has nothing
// held, so reserved is decremented with a floor of zero. Already-allocated
// lines are a no-op.
func (m *AllocationManager) AllocateOrderItem(ctx context.Context, item models.OrderItem) error {
	ctx, span := util.StartSpan(ctx, "AllocationManager.AllocateOrderItem")
	defer span.End()

	if item.Allocated {
		return nil
	}

	return m.ledger.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		product, err := tx.LockProduct(ctx, item.ProductID)
		if err != nil {
			return err
		}

		if product.Available() < item.Quantity || product.OnHand < item.Quantity {
			return &InsufficientStockError{
				ProductID: product.ID,
				Requested: item.Quantity,
				Available: product.Available(),
			}
		}

		onHand := product.OnHand - item.Quantity
		reserved := product.Reserved - item.Quantity
		if reserved < 0 {
			reserved = 0
		}

		if err := tx.UpdateProductCounters(ctx, product.ID, onHand, reserved); err != nil {
			return err
		}

		return tx.SetItemAllocated(ctx, item.ID, true)
	})
}
