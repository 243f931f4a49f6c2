package worker

import (
	"context"
	"encoding/json"
	"time"

	"inventory-service/internal/broker"
	"inventory-service/internal/models"
	"inventory-service/internal/stock"
	"inventory-service/internal/store"
	"inventory-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// AllocationWorker consumes payment-confirmed events and promotes the
// corresponding reservations into firm stock deductions. Delivery is
// at-least-once; Allocate skips already-allocated lines and the processed
// events table drops exact replays, so duplicates are harmless.
type AllocationWorker struct {
	consumer  *broker.Consumer
	store     *store.Store
	allocator *stock.AllocationManager
	publisher *broker.EventPublisher
	logger    *zap.Logger
}

// NewAllocationWorker creates a new allocation worker
func NewAllocationWorker(
	consumer *broker.Consumer,
	st *store.Store,
	allocator *stock.AllocationManager,
	publisher *broker.EventPublisher,
) *AllocationWorker {
	return &AllocationWorker{
		consumer:  consumer,
		store:     st,
		allocator: allocator,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// Start starts the worker
func (w *AllocationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting allocation worker")
	return w.consumer.StartConsuming(ctx, w.handleMessage)
}

// Stop stops the worker
func (w *AllocationWorker) Stop() error {
	w.logger.Info("Stopping allocation worker")
	return w.consumer.Close()
}

func (w *AllocationWorker) handleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		w.logger.Error("Failed to unmarshal event", zap.Error(err))
		return nil
	}

	if baseEvent.EventType != models.EventTypePaymentConfirmed {
		return nil
	}

	var event models.PaymentConfirmedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		w.logger.Error("Failed to unmarshal PaymentConfirmed event", zap.Error(err))
		return nil
	}

	processed, err := w.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	if err := w.handlePaymentConfirmed(ctx, &event); err != nil {
		return err
	}

	return w.store.MarkEventProcessed(ctx, event.EventID, event.EventType)
}

func (w *AllocationWorker) handlePaymentConfirmed(ctx context.Context, event *models.PaymentConfirmedEvent) error {
	order, err := w.store.GetOrderByID(ctx, event.OrderID)
	if err != nil {
		w.logger.Error("Order for confirmed payment not found",
			zap.Int64("order_id", event.OrderID),
			zap.Error(err))
		return nil
	}

	if !models.CanTransition(order.Status, models.OrderStatusProcessing) {
		// Expired, cancelled or already processing; an expired order must
		// never be allocated.
		w.logger.Warn("Skipping allocation for order not awaiting confirmation",
			zap.Int64("order_id", order.ID),
			zap.String("status", order.Status))
		return nil
	}

	// Claim the order before allocating. The conditional update loses when
	// the sweeper expired the order after the read above, in which case the
	// event is dropped instead of allocating an expired order.
	claimed, err := w.store.UpdateOrderStatusIf(ctx, order.ID, order.Status, models.OrderStatusProcessing)
	if err != nil {
		return err
	}
	if !claimed {
		w.logger.Warn("Order status changed before allocation, skipping",
			zap.Int64("order_id", order.ID))
		return nil
	}

	if _, err := w.allocator.Allocate(ctx, order.ID); err != nil {
		if _, revertErr := w.store.UpdateOrderStatusIf(ctx, order.ID, models.OrderStatusProcessing, order.Status); revertErr != nil {
			w.logger.Error("Failed to revert order status after allocation failure",
				zap.Int64("order_id", order.ID),
				zap.Error(revertErr))
		}
		if stock.IsInsufficientStock(err) {
			w.logger.Error("Allocation failed, manual intervention required",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
			return nil
		}
		return err
	}

	items, err := w.store.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return err
	}

	allocated := &models.OrderAllocatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderAllocated,
			Timestamp: time.Now(),
		},
		OrderID: order.ID,
		Items:   stockItems(items),
	}
	if err := w.publisher.PublishOrderAllocated(ctx, allocated); err != nil {
		w.logger.Error("Failed to publish OrderAllocated event",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}

	w.logger.Info("Payment confirmed, order allocated",
		zap.Int64("order_id", order.ID),
		zap.String("tx_id", event.TxID))

	return nil
}

func stockItems(items []models.OrderItem) []models.StockItemData {
	data := make([]models.StockItemData, 0, len(items))
	for _, item := range items {
		data = append(data, models.StockItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}
	return data
}
