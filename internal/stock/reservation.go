package stock

import (
	"context"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/util"

	"go.uber.org/zap"
)

// ReservationManager converts an order's line items into holds against the
// stock ledger. A reservation is all-or-nothing: if any line cannot be
// covered, no counter for any line is mutated.
type ReservationManager struct {
	ledger Ledger
	logger *zap.Logger
}

// NewReservationManager creates a new reservation manager
func NewReservationManager(ledger Ledger) *ReservationManager {
	return &ReservationManager{
		ledger: ledger,
		logger: util.GetLogger(),
	}
}

// ReserveForOrder places a hold for every item of the order and stamps the
// order with an expiry of now + ttl. All product locks are taken inside a
// single transaction, in ascending product-id order. On any failure the
// transaction rolls back wholesale and an *InsufficientStockError names the
// product that could not be covered.
func (m *ReservationManager) ReserveForOrder(ctx context.Context, order *models.Order, ttl time.Duration) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.ReserveForOrder")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReserveLatency.Observe(time.Since(start).Seconds())
	}()

	items, err := m.ledger.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(ttl)

	err = m.ledger.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, item := range sortedByProduct(items) {
			product, err := tx.LockProduct(ctx, item.ProductID)
			if err != nil {
				return err
			}

			if product.Available() < item.Quantity {
				return &InsufficientStockError{
					ProductID: product.ID,
					Requested: item.Quantity,
					Available: product.Available(),
				}
			}

			if err := tx.UpdateProductCounters(ctx, product.ID, product.OnHand, product.Reserved+item.Quantity); err != nil {
				return err
			}
		}

		return tx.SetOrderExpiry(ctx, order.ID, &expiresAt)
	})
	if err != nil {
		if IsInsufficientStock(err) {
			util.ReservationsFailedTotal.WithLabelValues("insufficient_stock").Inc()
		} else {
			util.ReservationsFailedTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	order.ReservationExpiresAt = &expiresAt

	util.ReservationsTotal.Inc()
	m.logger.Info("Reservation placed",
		zap.Int64("order_id", order.ID),
		zap.Int("items", len(items)),
		zap.Time("expires_at", expiresAt))

	return order, nil
}
