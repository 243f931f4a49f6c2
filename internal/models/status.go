package models

// Order statuses
const (
	OrderStatusAwaitingPayment      = "AWAITING_PAYMENT"
	OrderStatusAwaitingConfirmation = "AWAITING_CONFIRMATION"
	OrderStatusProcessing           = "PROCESSING"
	OrderStatusShipped              = "SHIPPED"
	OrderStatusCompleted            = "COMPLETED"
	OrderStatusExpired              = "EXPIRED"
	OrderStatusCancelled            = "CANCELLED"
)

// orderTransitions lists the legal forward moves. The stock managers never
// consult this table themselves; it is for the order-management callers that
// drive them.
var orderTransitions = map[string][]string{
	OrderStatusAwaitingPayment:      {OrderStatusAwaitingConfirmation, OrderStatusExpired, OrderStatusCancelled},
	OrderStatusAwaitingConfirmation: {OrderStatusProcessing, OrderStatusExpired, OrderStatusCancelled},
	OrderStatusProcessing:           {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:              {OrderStatusCompleted, OrderStatusCancelled},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing transitions.
func IsTerminal(status string) bool {
	return len(orderTransitions[status]) == 0
}

// HoldsReservation reports whether an order in this status may still be
// carrying an unexpired stock hold. The sweeper only touches these.
func HoldsReservation(status string) bool {
	return status == OrderStatusAwaitingPayment || status == OrderStatusAwaitingConfirmation
}

// HoldsAllocation reports whether an order in this status has had its lines
// deducted from on-hand stock, so cancelling it must reverse an allocation
// rather than a reservation.
func HoldsAllocation(status string) bool {
	return status == OrderStatusProcessing || status == OrderStatusShipped
}
