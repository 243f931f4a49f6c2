package models

import "time"

// Product is the stock-bearing entity. OnHand counts physical units owned,
// Reserved counts units held against unpaid orders. Both counters are mutated
// only inside a row-locked transaction.
type Product struct {
	ID        int64     `db:"id" json:"id"`
	SKU       string    `db:"sku" json:"sku"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	OnHand    int       `db:"on_hand" json:"on_hand"`
	Reserved  int       `db:"reserved" json:"reserved"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Available is the quantity that can still be reserved.
func (p *Product) Available() int {
	return p.OnHand - p.Reserved
}

// Order represents a customer order
type Order struct {
	ID                   int64      `db:"id" json:"id"`
	UserID               int64      `db:"user_id" json:"user_id"`
	TotalAmount          int64      `db:"total_amount" json:"total_amount"`
	Status               string     `db:"status" json:"status"`
	ReservationExpiresAt *time.Time `db:"reservation_expires_at" json:"reservation_expires_at,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// OrderItem represents one line of an order. Allocated marks whether the line
// has already consumed OnHand; it is what makes allocation idempotent and
// tells release which counter to restore.
type OrderItem struct {
	ID        int64 `db:"id" json:"id"`
	OrderID   int64 `db:"order_id" json:"order_id"`
	ProductID int64 `db:"product_id" json:"product_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
	UnitPrice int64 `db:"unit_price" json:"unit_price"`
	Allocated bool  `db:"allocated" json:"allocated"`
}
