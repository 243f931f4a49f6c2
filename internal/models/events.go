package models

import "time"

// Event types
const (
	EventTypeStockReserved    = "STOCK_RESERVED"
	EventTypeOrderAllocated   = "ORDER_ALLOCATED"
	EventTypeStockReleased    = "STOCK_RELEASED"
	EventTypeOrderExpired     = "ORDER_EXPIRED"
	EventTypeOrderCancelled   = "ORDER_CANCELLED"
	EventTypePaymentConfirmed = "PAYMENT_CONFIRMED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// StockReservedEvent published after a reservation commits
type StockReservedEvent struct {
	BaseEvent
	OrderID   int64           `json:"order_id"`
	ExpiresAt time.Time       `json:"expires_at"`
	Items     []StockItemData `json:"items"`
}

// OrderAllocatedEvent published after an order's lines are deducted from on-hand stock
type OrderAllocatedEvent struct {
	BaseEvent
	OrderID int64           `json:"order_id"`
	Items   []StockItemData `json:"items"`
}

// StockReleasedEvent published after a reservation or allocation is reversed
type StockReleasedEvent struct {
	BaseEvent
	OrderID int64           `json:"order_id"`
	Reason  string          `json:"reason"`
	Items   []StockItemData `json:"items"`
}

// OrderExpiredEvent published by the sweeper after a lapsed hold is released
type OrderExpiredEvent struct {
	BaseEvent
	OrderID   int64     `json:"order_id"`
	ExpiredAt time.Time `json:"expired_at"`
}

// PaymentConfirmedEvent consumed by the allocation worker. Delivery is
// at-least-once; allocation tolerates replays.
type PaymentConfirmedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	TxID    string `json:"tx_id"`
}

// StockItemData represents item data in events
type StockItemData struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}
