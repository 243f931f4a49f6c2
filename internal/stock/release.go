package stock

import (
	"context"
	"fmt"

	"inventory-service/internal/models"
	"inventory-service/internal/util"

	"go.uber.org/zap"
)

// ReleaseManager reverses holds and allocations, returning stock to the
// ledger. Releases only move counters back toward their invariant bounds and
// floor at zero, so re-releasing is a no-op rather than an error.
type ReleaseManager struct {
	ledger Ledger
	logger *zap.Logger
}

// NewReleaseManager creates a new release manager
func NewReleaseManager(ledger Ledger) *ReleaseManager {
	return &ReleaseManager{
		ledger: ledger,
		logger: util.GetLogger(),
	}
}

// ReleaseReservation gives back the hold for every item of an order that was
// abandoned before payment. Each item runs in its own transaction; the
// order's expiry is cleared after the last item.
func (m *ReleaseManager) ReleaseReservation(ctx context.Context, order *models.Order) error {
	ctx, span := util.StartSpan(ctx, "ReleaseManager.ReleaseReservation")
	defer span.End()

	items, err := m.ledger.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return err
	}

	for _, item := range sortedByProduct(items) {
		item := item
		err := m.ledger.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			product, err := tx.LockProduct(ctx, item.ProductID)
			if err != nil {
				return err
			}

			reserved := product.Reserved - item.Quantity
			if reserved < 0 {
				reserved = 0
			}

			return tx.UpdateProductCounters(ctx, product.ID, product.OnHand, reserved)
		})
		if err != nil {
			return fmt.Errorf("failed to release reservation for item %d: %w", item.ID, err)
		}
	}

	if err := m.clearExpiry(ctx, order); err != nil {
		return err
	}

	util.ReleasesTotal.WithLabelValues("reservation").Inc()
	m.logger.Info("Reservation released",
		zap.Int64("order_id", order.ID),
		zap.Int("items", len(items)))

	return nil
}

// ReleaseAllocation reverses an order after payment confirmation, e.g. a
// cancellation or return. Allocated lines physically return to saleable
// stock (on_hand), lines that were never fulfilled just give back their hold
// (reserved). Every line ends with allocated = false.
func (m *ReleaseManager) ReleaseAllocation(ctx context.Context, order *models.Order) error {
	ctx, span := util.StartSpan(ctx, "ReleaseManager.ReleaseAllocation")
	defer span.End()

	items, err := m.ledger.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return err
	}

	for _, item := range sortedByProduct(items) {
		item := item
		err := m.ledger.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			product, err := tx.LockProduct(ctx, item.ProductID)
			if err != nil {
				return err
			}

			onHand := product.OnHand
			reserved := product.Reserved

			if item.Allocated {
				onHand += item.Quantity
			} else {
				reserved -= item.Quantity
				if reserved < 0 {
					reserved = 0
				}
			}

			if err := tx.UpdateProductCounters(ctx, product.ID, onHand, reserved); err != nil {
				return err
			}

			return tx.SetItemAllocated(ctx, item.ID, false)
		})
		if err != nil {
			return fmt.Errorf("failed to release allocation for item %d: %w", item.ID, err)
		}
	}

	if err := m.clearExpiry(ctx, order); err != nil {
		return err
	}

	util.ReleasesTotal.WithLabelValues("allocation").Inc()
	m.logger.Info("Allocation released",
		zap.Int64("order_id", order.ID),
		zap.Int("items", len(items)))

	return nil
}

func (m *ReleaseManager) clearExpiry(ctx context.Context, order *models.Order) error {
	err := m.ledger.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SetOrderExpiry(ctx, order.ID, nil)
	})
	if err != nil {
		return fmt.Errorf("failed to clear reservation expiry: %w", err)
	}

	order.ReservationExpiresAt = nil
	return nil
}
