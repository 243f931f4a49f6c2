package sweeper

import (
	"context"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/stock"
	"inventory-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const lockKey = "stock:sweep"

// LockClient is the distributed mutex that keeps overlapping sweep
// invocations from releasing the same order twice.
type LockClient interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// EventSink receives expiry notifications after each order's release has
// committed.
type EventSink interface {
	PublishOrderExpired(ctx context.Context, event *models.OrderExpiredEvent) error
}

// Sweeper periodically finds orders whose reservation hold has lapsed,
// releases the hold and marks the order expired. Each order is handled in its
// own transactions so one bad order does not block the batch.
type Sweeper struct {
	ledger    stock.Ledger
	releaser  *stock.ReleaseManager
	locker    LockClient
	events    EventSink
	interval  time.Duration
	lockTTL   time.Duration
	batchSize int
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a sweeper. events may be nil when no broker is wired.
func New(ledger stock.Ledger, releaser *stock.ReleaseManager, locker LockClient, events EventSink, interval, lockTTL time.Duration, batchSize int) *Sweeper {
	return &Sweeper{
		ledger:    ledger,
		releaser:  releaser,
		locker:    locker,
		events:    events,
		interval:  interval,
		lockTTL:   lockTTL,
		batchSize: batchSize,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// Run sweeps once per interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Starting expiry sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs a single pass and returns how many orders were actually
// expired. Invocations self-exclude through the distributed lock: a pass that
// cannot take the lock returns immediately without error.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	acquired, err := s.locker.AcquireLock(ctx, lockKey, s.lockTTL)
	if err != nil {
		return 0, err
	}
	if !acquired {
		s.logger.Debug("Sweep already running elsewhere, skipping")
		return 0, nil
	}
	defer func() {
		if err := s.locker.ReleaseLock(ctx, lockKey); err != nil {
			s.logger.Error("Failed to release sweep lock", zap.Error(err))
		}
	}()

	start := time.Now()
	defer func() {
		util.SweepDuration.Observe(time.Since(start).Seconds())
	}()
	util.SweepRunsTotal.Inc()

	now := s.now()
	orders, err := s.ledger.SelectExpiredOrders(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range orders {
		order := orders[i]
		if !models.HoldsReservation(order.Status) {
			continue
		}

		ok, err := s.expireOrder(ctx, &order, now)
		if err != nil {
			s.logger.Error("Failed to expire order",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}

	if expired > 0 {
		s.logger.Info("Sweep completed",
			zap.Int("expired", expired),
			zap.Int("scanned", len(orders)),
			zap.Duration("took", time.Since(start)))
	}

	return expired, nil
}

// expireOrder claims the expired status first, then releases the hold. The
// conditional claim loses when payment confirmation moved the order to
// PROCESSING between the scan and now; a lost claim leaves the order alone.
func (s *Sweeper) expireOrder(ctx context.Context, order *models.Order, now time.Time) (bool, error) {
	var claimed bool
	err := s.ledger.WithinTx(ctx, func(ctx context.Context, tx stock.Tx) error {
		var err error
		claimed, err = tx.UpdateOrderStatusIf(ctx, order.ID, order.Status, models.OrderStatusExpired)
		return err
	})
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	if err := s.releaser.ReleaseReservation(ctx, order); err != nil {
		// Put the order back so the next sweep retries the release.
		revertErr := s.ledger.WithinTx(ctx, func(ctx context.Context, tx stock.Tx) error {
			_, err := tx.UpdateOrderStatusIf(ctx, order.ID, models.OrderStatusExpired, order.Status)
			return err
		})
		if revertErr != nil {
			s.logger.Error("Failed to revert expiry claim",
				zap.Int64("order_id", order.ID),
				zap.Error(revertErr))
		}
		return false, err
	}

	util.OrdersExpiredTotal.Inc()

	if s.events != nil {
		event := &models.OrderExpiredEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderExpired,
				Timestamp: now,
			},
			OrderID:   order.ID,
			ExpiredAt: now,
		}
		if err := s.events.PublishOrderExpired(ctx, event); err != nil {
			s.logger.Error("Failed to publish OrderExpired event",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		}
	}

	return true, nil
}

// WithClock overrides the sweeper's time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}
