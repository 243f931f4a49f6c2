package stock_test

import (
	"context"
	"testing"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/stock"
	"inventory-service/internal/stock/stocktest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T, products ...models.Product) *stocktest.Ledger {
	t.Helper()
	ledger := stocktest.NewLedger()
	for _, p := range products {
		ledger.AddProduct(p)
	}
	return ledger
}

func assertInvariant(t *testing.T, ledger *stocktest.Ledger, productID int64) {
	t.Helper()
	p := ledger.Product(productID)
	assert.GreaterOrEqual(t, p.Reserved, 0, "reserved must not go negative")
	assert.LessOrEqual(t, p.Reserved, p.OnHand, "reserved must not exceed on_hand")
}

func awaitingOrder(id int64) models.Order {
	return models.Order{ID: id, UserID: 1, Status: models.OrderStatusAwaitingPayment}
}

func TestReserveForOrder(t *testing.T) {
	ledger := newLedger(t, models.Product{ID: 10, OnHand: 10, Reserved: 0})
	ledger.AddOrder(awaitingOrder(1), models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 4})

	mgr := stock.NewReservationManager(ledger)
	order := ledger.Order(1)

	updated, err := mgr.ReserveForOrder(context.Background(), &order, 30*time.Minute)
	require.NoError(t, err)

	p := ledger.Product(10)
	assert.Equal(t, 10, p.OnHand)
	assert.Equal(t, 4, p.Reserved)
	assert.Equal(t, 6, p.Available())
	assertInvariant(t, ledger, 10)

	require.NotNil(t, updated.ReservationExpiresAt)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), *updated.ReservationExpiresAt, 5*time.Second)

	stored := ledger.Order(1)
	require.NotNil(t, stored.ReservationExpiresAt)
}

func TestReserveForOrderInsufficientStock(t *testing.T) {
	ledger := newLedger(t, models.Product{ID: 10, OnHand: 10, Reserved: 4})
	ledger.AddOrder(awaitingOrder(2), models.OrderItem{ID: 1, OrderID: 2, ProductID: 10, Quantity: 7})

	mgr := stock.NewReservationManager(ledger)
	order := ledger.Order(2)

	updated, err := mgr.ReserveForOrder(context.Background(), &order, 30*time.Minute)
	require.Error(t, err)
	// No order comes back on failure; callers must keep their own reference
	// and never dereference the result before checking the error.
	assert.Nil(t, updated)

	var ise *stock.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, int64(10), ise.ProductID)
	assert.Equal(t, 7, ise.Requested)
	assert.Equal(t, 6, ise.Available)

	p := ledger.Product(10)
	assert.Equal(t, 10, p.OnHand)
	assert.Equal(t, 4, p.Reserved)
	assert.Nil(t, ledger.Order(2).ReservationExpiresAt)
}

func TestReserveForOrderAllOrNothing(t *testing.T) {
	// Second product cannot cover its line; the first product's counters
	// must come back untouched.
	ledger := newLedger(t,
		models.Product{ID: 10, OnHand: 10, Reserved: 0},
		models.Product{ID: 20, OnHand: 2, Reserved: 0},
	)
	ledger.AddOrder(awaitingOrder(1),
		models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 4},
		models.OrderItem{ID: 2, OrderID: 1, ProductID: 20, Quantity: 5},
	)

	mgr := stock.NewReservationManager(ledger)
	order := ledger.Order(1)

	_, err := mgr.ReserveForOrder(context.Background(), &order, time.Minute)
	require.Error(t, err)
	assert.True(t, stock.IsInsufficientStock(err))

	assert.Equal(t, 0, ledger.Product(10).Reserved)
	assert.Equal(t, 0, ledger.Product(20).Reserved)
	assert.Nil(t, ledger.Order(1).ReservationExpiresAt)
}

func TestReserveForOrderBoundary(t *testing.T) {
	t.Run("exactly available succeeds", func(t *testing.T) {
		ledger := newLedger(t, models.Product{ID: 10, OnHand: 8, Reserved: 3})
		ledger.AddOrder(awaitingOrder(1), models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 5})

		mgr := stock.NewReservationManager(ledger)
		order := ledger.Order(1)

		_, err := mgr.ReserveForOrder(context.Background(), &order, time.Minute)
		require.NoError(t, err)

		p := ledger.Product(10)
		assert.Equal(t, 0, p.Available())
		assertInvariant(t, ledger, 10)
	})

	t.Run("available plus one fails and changes nothing", func(t *testing.T) {
		ledger := newLedger(t, models.Product{ID: 10, OnHand: 8, Reserved: 3})
		ledger.AddOrder(awaitingOrder(1), models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 6})

		mgr := stock.NewReservationManager(ledger)
		order := ledger.Order(1)

		_, err := mgr.ReserveForOrder(context.Background(), &order, time.Minute)
		require.Error(t, err)

		p := ledger.Product(10)
		assert.Equal(t, 8, p.OnHand)
		assert.Equal(t, 3, p.Reserved)
	})
}

func TestReserveForOrderProductMissing(t *testing.T) {
	ledger := newLedger(t)
	ledger.AddOrder(awaitingOrder(1), models.OrderItem{ID: 1, OrderID: 1, ProductID: 99, Quantity: 1})

	mgr := stock.NewReservationManager(ledger)
	order := ledger.Order(1)

	_, err := mgr.ReserveForOrder(context.Background(), &order, time.Minute)
	assert.ErrorIs(t, err, stock.ErrProductNotFound)
}

func TestAllocate(t *testing.T) {
	expiry := time.Now().Add(30 * time.Minute)
	ledger := newLedger(t, models.Product{ID: 10, OnHand: 10, Reserved: 4})
	ledger.AddOrder(
		models.Order{ID: 1, Status: models.OrderStatusAwaitingConfirmation, ReservationExpiresAt: &expiry},
		models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 4},
	)

	mgr := stock.NewAllocationManager(ledger)

	order, err := mgr.Allocate(context.Background(), 1)
	require.NoError(t, err)

	p := ledger.Product(10)
	assert.Equal(t, 6, p.OnHand)
	assert.Equal(t, 0, p.Reserved)
	assertInvariant(t, ledger, 10)

	assert.True(t, ledger.Item(1).Allocated)
	assert.Nil(t, order.ReservationExpiresAt)
	assert.Nil(t, ledger.Order(1).ReservationExpiresAt)
}

func TestAllocateIdempotent(t *testing.T) {
	ledger := newLedger(t, models.Product{ID: 10, OnHand: 10, Reserved: 4})
	ledger.AddOrder(
		models.Order{ID: 1, Status: models.OrderStatusAwaitingConfirmation},
		models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 4},
	)

	mgr := stock.NewAllocationManager(ledger)

	_, err := mgr.Allocate(context.Background(), 1)
	require.NoError(t, err)

	// Retry under at-least-once delivery: counters must not move again.
	_, err = mgr.Allocate(context.Background(), 1)
	require.NoError(t, err)

	p := ledger.Product(10)
	assert.Equal(t, 6, p.OnHand)
	assert.Equal(t, 0, p.Reserved)
}

func TestAllocatePartialThenRetry(t *testing.T) {
	// Per-item transactions: the line that fails leaves the earlier line
	// allocated, and a retry resumes from the failed line only.
	ledger := newLedger(t,
		models.Product{ID: 10, OnHand: 10, Reserved: 3},
		models.Product{ID: 20, OnHand: 1, Reserved: 0},
	)
	ledger.AddOrder(
		models.Order{ID: 1, Status: models.OrderStatusAwaitingConfirmation},
		models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 3},
		models.OrderItem{ID: 2, OrderID: 1, ProductID: 20, Quantity: 2},
	)

	mgr := stock.NewAllocationManager(ledger)

	_, err := mgr.Allocate(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, stock.IsInsufficientStock(err))

	assert.True(t, ledger.Item(1).Allocated)
	assert.False(t, ledger.Item(2).Allocated)
	assert.Equal(t, 7, ledger.Product(10).OnHand)
	assert.Equal(t, 0, ledger.Product(10).Reserved)
	assert.Equal(t, 1, ledger.Product(20).OnHand)

	// Restock the failing product and retry.
	ledger.AddProduct(models.Product{ID: 20, OnHand: 3, Reserved: 0})

	_, err = mgr.Allocate(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, ledger.Item(2).Allocated)
	assert.Equal(t, 7, ledger.Product(10).OnHand, "already-allocated line must not be deducted twice")
	assert.Equal(t, 1, ledger.Product(20).OnHand)
}

func TestAllocateOrderItemUnreserved(t *testing.T) {
	// Manual order that bypassed reservation: nothing to give back from
	// reserved, the deduction comes straight out of on_hand.
	ledger := newLedger(t, models.Product{ID: 10, OnHand: 5, Reserved: 0})
	ledger.AddOrder(
		models.Order{ID: 1, Status: models.OrderStatusAwaitingConfirmation},
		models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 3},
	)

	mgr := stock.NewAllocationManager(ledger)

	err := mgr.AllocateOrderItem(context.Background(), ledger.Item(1))
	require.NoError(t, err)

	p := ledger.Product(10)
	assert.Equal(t, 2, p.OnHand)
	assert.Equal(t, 0, p.Reserved)
	assert.True(t, ledger.Item(1).Allocated)
}

func TestAllocateOrderItemInsufficient(t *testing.T) {
	ledger := newLedger(t, models.Product{ID: 10, OnHand: 2, Reserved: 0})
	ledger.AddOrder(
		models.Order{ID: 1, Status: models.OrderStatusAwaitingConfirmation},
		models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 3},
	)

	mgr := stock.NewAllocationManager(ledger)

	err := mgr.AllocateOrderItem(context.Background(), ledger.Item(1))
	require.Error(t, err)
	assert.True(t, stock.IsInsufficientStock(err))

	assert.Equal(t, 2, ledger.Product(10).OnHand)
	assert.False(t, ledger.Item(1).Allocated)
}

func TestAllocateOrderNotFound(t *testing.T) {
	ledger := newLedger(t)
	mgr := stock.NewAllocationManager(ledger)

	_, err := mgr.Allocate(context.Background(), 42)
	assert.ErrorIs(t, err, stock.ErrOrderNotFound)
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	ledger := newLedger(t, models.Product{ID: 10, OnHand: 10, Reserved: 2})
	ledger.AddOrder(awaitingOrder(1), models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 5})

	reservations := stock.NewReservationManager(ledger)
	releases := stock.NewReleaseManager(ledger)

	order := ledger.Order(1)
	_, err := reservations.ReserveForOrder(context.Background(), &order, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 7, ledger.Product(10).Reserved)

	err = releases.ReleaseReservation(context.Background(), &order)
	require.NoError(t, err)

	p := ledger.Product(10)
	assert.Equal(t, 10, p.OnHand, "on_hand untouched by reserve/release")
	assert.Equal(t, 2, p.Reserved, "reserved back at its prior value")
	assert.Nil(t, ledger.Order(1).ReservationExpiresAt)
}

func TestReserveAllocateReleaseRoundTrip(t *testing.T) {
	ledger := newLedger(t, models.Product{ID: 10, OnHand: 10, Reserved: 0})
	ledger.AddOrder(awaitingOrder(1), models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 4})

	reservations := stock.NewReservationManager(ledger)
	allocations := stock.NewAllocationManager(ledger)
	releases := stock.NewReleaseManager(ledger)

	order := ledger.Order(1)
	_, err := reservations.ReserveForOrder(context.Background(), &order, time.Minute)
	require.NoError(t, err)

	_, err = allocations.Allocate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 6, ledger.Product(10).OnHand)

	err = releases.ReleaseAllocation(context.Background(), &order)
	require.NoError(t, err)

	p := ledger.Product(10)
	assert.Equal(t, 10, p.OnHand, "on_hand round-trips to its prior value")
	assert.Equal(t, 0, p.Reserved)
	assert.False(t, ledger.Item(1).Allocated)
	assertInvariant(t, ledger, 10)
}

func TestReleaseAllocationMixedItems(t *testing.T) {
	// One line consumed on_hand, the other still only holds a reservation.
	ledger := newLedger(t, models.Product{ID: 10, OnHand: 6, Reserved: 3})
	ledger.AddOrder(
		models.Order{ID: 1, Status: models.OrderStatusProcessing},
		models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 2, Allocated: true},
		models.OrderItem{ID: 2, OrderID: 1, ProductID: 10, Quantity: 3},
	)

	releases := stock.NewReleaseManager(ledger)
	order := ledger.Order(1)

	err := releases.ReleaseAllocation(context.Background(), &order)
	require.NoError(t, err)

	p := ledger.Product(10)
	assert.Equal(t, 8, p.OnHand, "allocated line returns to on_hand")
	assert.Equal(t, 0, p.Reserved, "unallocated line gives back its hold")
	assert.False(t, ledger.Item(1).Allocated)
	assert.False(t, ledger.Item(2).Allocated)
	assertInvariant(t, ledger, 10)
}

func TestReleaseReservationFloorsAtZero(t *testing.T) {
	ledger := newLedger(t, models.Product{ID: 10, OnHand: 10, Reserved: 1})
	ledger.AddOrder(awaitingOrder(1), models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 5})

	releases := stock.NewReleaseManager(ledger)
	order := ledger.Order(1)

	// Releasing more than is held is a no-op beyond zero, not an error.
	err := releases.ReleaseReservation(context.Background(), &order)
	require.NoError(t, err)
	assert.Equal(t, 0, ledger.Product(10).Reserved)

	err = releases.ReleaseReservation(context.Background(), &order)
	require.NoError(t, err)
	assert.Equal(t, 0, ledger.Product(10).Reserved)
	assertInvariant(t, ledger, 10)
}

func TestConcurrentReservationsSameProduct(t *testing.T) {
	// Two orders racing for the last units: exactly one wins, and the
	// invariant holds either way.
	ledger := newLedger(t, models.Product{ID: 10, OnHand: 5, Reserved: 0})
	ledger.AddOrder(awaitingOrder(1), models.OrderItem{ID: 1, OrderID: 1, ProductID: 10, Quantity: 4})
	ledger.AddOrder(awaitingOrder(2), models.OrderItem{ID: 2, OrderID: 2, ProductID: 10, Quantity: 4})

	mgr := stock.NewReservationManager(ledger)

	errs := make(chan error, 2)
	for _, id := range []int64{1, 2} {
		go func(orderID int64) {
			order := ledger.Order(orderID)
			_, err := mgr.ReserveForOrder(context.Background(), &order, time.Minute)
			errs <- err
		}(id)
	}

	var failures int
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			assert.True(t, stock.IsInsufficientStock(err))
			failures++
		}
	}

	assert.Equal(t, 1, failures, "only one of the two racing orders can win")
	assert.Equal(t, 4, ledger.Product(10).Reserved)
	assertInvariant(t, ledger, 10)
}
