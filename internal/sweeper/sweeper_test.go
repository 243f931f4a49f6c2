package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/stock"
	"inventory-service/internal/stock/stocktest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLock struct {
	mu       sync.Mutex
	held     bool
	denyNext bool
	acquires int
	releases int
}

func (f *fakeLock) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.denyNext || f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) ReleaseLock(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = false
	f.releases++
	return nil
}

type fakeSink struct {
	events []*models.OrderExpiredEvent
}

func (f *fakeSink) PublishOrderExpired(ctx context.Context, event *models.OrderExpiredEvent) error {
	f.events = append(f.events, event)
	return nil
}

func newSweeper(ledger *stocktest.Ledger, locker LockClient, sink EventSink) *Sweeper {
	releaser := stock.NewReleaseManager(ledger)
	return New(ledger, releaser, locker, sink, time.Minute, 30*time.Second, 100)
}

func TestSweepReleasesLapsedReservation(t *testing.T) {
	reservedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	expiry := reservedAt.Add(30 * time.Minute)

	ledger := stocktest.NewLedger()
	ledger.AddProduct(models.Product{ID: 10, OnHand: 10, Reserved: 3})
	ledger.AddOrder(
		models.Order{ID: 1, Status: models.OrderStatusAwaitingPayment, ReservationExpiresAt: &expiry},
		models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 3},
	)

	sink := &fakeSink{}
	s := newSweeper(ledger, &fakeLock{}, sink)

	// Clock advanced past the hold's TTL.
	s.WithClock(func() time.Time { return expiry.Add(time.Minute) })

	expired, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	p := ledger.Product(10)
	assert.Equal(t, 10, p.OnHand)
	assert.Equal(t, 0, p.Reserved)

	order := ledger.Order(1)
	assert.Equal(t, models.OrderStatusExpired, order.Status)
	assert.Nil(t, order.ReservationExpiresAt)

	require.Len(t, sink.events, 1)
	assert.Equal(t, int64(1), sink.events[0].OrderID)
	assert.Equal(t, models.EventTypeOrderExpired, sink.events[0].EventType)
}

func TestSweepSkipsUnexpiredAndNonAwaitingOrders(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	ledger := stocktest.NewLedger()
	ledger.AddProduct(models.Product{ID: 10, OnHand: 10, Reserved: 6})
	ledger.AddOrder(
		models.Order{ID: 1, Status: models.OrderStatusAwaitingPayment, ReservationExpiresAt: &future},
		models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 3},
	)
	// Already processing: a lapsed timestamp on it must not trigger a release.
	ledger.AddOrder(
		models.Order{ID: 2, Status: models.OrderStatusProcessing, ReservationExpiresAt: &past},
		models.OrderItem{ID: 2, OrderID: 2, ProductID: 10, Quantity: 3},
	)

	s := newSweeper(ledger, &fakeLock{}, nil)
	s.WithClock(func() time.Time { return now })

	expired, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, expired)

	assert.Equal(t, 6, ledger.Product(10).Reserved)
	assert.Equal(t, models.OrderStatusAwaitingPayment, ledger.Order(1).Status)
	assert.Equal(t, models.OrderStatusProcessing, ledger.Order(2).Status)
}

func TestSweepSelfExcludes(t *testing.T) {
	past := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	expiry := past.Add(-time.Minute)

	ledger := stocktest.NewLedger()
	ledger.AddProduct(models.Product{ID: 10, OnHand: 10, Reserved: 3})
	ledger.AddOrder(
		models.Order{ID: 1, Status: models.OrderStatusAwaitingPayment, ReservationExpiresAt: &expiry},
		models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 3},
	)

	locker := &fakeLock{denyNext: true}
	s := newSweeper(ledger, locker, nil)
	s.WithClock(func() time.Time { return past })

	// Another invocation holds the lock: this pass must do nothing.
	expired, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, expired)
	assert.Equal(t, 3, ledger.Product(10).Reserved)
	assert.Equal(t, models.OrderStatusAwaitingPayment, ledger.Order(1).Status)
	assert.Equal(t, 0, locker.releases)

	// Lock free again: the same pass now releases the hold exactly once.
	locker.denyNext = false
	expired, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, ledger.Product(10).Reserved)
	assert.Equal(t, models.OrderStatusExpired, ledger.Order(1).Status)
	assert.Equal(t, 1, locker.releases)
}

func TestSweepReleasesLockAfterRun(t *testing.T) {
	ledger := stocktest.NewLedger()
	locker := &fakeLock{}
	s := newSweeper(ledger, locker, nil)

	_, err := s.Sweep(context.Background())
	require.NoError(t, err)
	_, err = s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, locker.acquires)
	assert.Equal(t, 2, locker.releases)
	assert.False(t, locker.held)
}

// confirmDuringScanLedger moves every scanned order to PROCESSING right after
// the scan returns, reproducing a payment confirmation that lands between the
// sweeper's read and its expiry write.
type confirmDuringScanLedger struct {
	*stocktest.Ledger
	confirmed bool
}

func (l *confirmDuringScanLedger) SelectExpiredOrders(ctx context.Context, now time.Time, limit int) ([]models.Order, error) {
	orders, err := l.Ledger.SelectExpiredOrders(ctx, now, limit)
	if err != nil || l.confirmed {
		return orders, err
	}
	l.confirmed = true
	for _, o := range orders {
		o := o
		txErr := l.Ledger.WithinTx(ctx, func(ctx context.Context, tx stock.Tx) error {
			return tx.UpdateOrderStatus(ctx, o.ID, models.OrderStatusProcessing)
		})
		if txErr != nil {
			return nil, txErr
		}
	}
	return orders, nil
}

func TestSweepLosesRaceToConfirmation(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	expiry := now.Add(-time.Minute)

	inner := stocktest.NewLedger()
	inner.AddProduct(models.Product{ID: 10, OnHand: 10, Reserved: 3})
	inner.AddOrder(
		models.Order{ID: 1, Status: models.OrderStatusAwaitingConfirmation, ReservationExpiresAt: &expiry},
		models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 3},
	)
	ledger := &confirmDuringScanLedger{Ledger: inner}

	releaser := stock.NewReleaseManager(ledger)
	s := New(ledger, releaser, &fakeLock{}, nil, time.Minute, 30*time.Second, 100)
	s.WithClock(func() time.Time { return now })

	expired, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, expired)

	// The confirmed order keeps its status and its hold; it must not be
	// stamped EXPIRED or have its reservation released out from under the
	// allocation in flight.
	assert.Equal(t, models.OrderStatusProcessing, inner.Order(1).Status)
	assert.Equal(t, 3, inner.Product(10).Reserved)
	assert.Equal(t, 10, inner.Product(10).OnHand)
}
