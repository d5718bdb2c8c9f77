package events

import "time"

// OrderCreated is published by the order service when a checkout completes.
// Each line becomes an independent reservation attempt.
type OrderCreated struct {
	OrderID    string      `json:"orderId"`
	UserID     string      `json:"userId"`
	Items      []OrderLine `json:"items"`
	TTLSeconds int         `json:"ttlSeconds,omitempty"`
}

type OrderLine struct {
	ResourceID string `json:"resourceId"`
	Quantity   int    `json:"quantity"`
}

// OrderCompleted confirms every pending reservation held for the order.
type OrderCompleted struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId,omitempty"`
}

// OrderCancelled releases every reservation held for the order.
type OrderCancelled struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ProductCreated seeds a ledger entry for a newly listed resource.
type ProductCreated struct {
	ResourceID       string `json:"resourceId"`
	Name             string `json:"name,omitempty"`
	InitialStock     int    `json:"initialStock"`
	ReorderThreshold int    `json:"reorderThreshold,omitempty"`
}

// StockReserved announces a successful reserve. Available is the post-reserve
// figure so subscribers can render availability without a read.
type StockReserved struct {
	ReservationID string    `json:"reservationId"`
	OrderRef      string    `json:"orderRef"`
	ResourceID    string    `json:"resourceId"`
	UserID        string    `json:"userId,omitempty"`
	Quantity      int       `json:"quantity"`
	Available     int       `json:"available"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// StockReleased announces stock returning to the pool. Reason is one of
// "cancelled", "expired" or "reversal".
type StockReleased struct {
	ReservationID string `json:"reservationId"`
	OrderRef      string `json:"orderRef"`
	ResourceID    string `json:"resourceId"`
	UserID        string `json:"userId,omitempty"`
	Quantity      int    `json:"quantity"`
	Available     int    `json:"available"`
	Reason        string `json:"reason,omitempty"`
}

// LowStock fires when a reserve drops availability below the entry's
// reorder threshold.
type LowStock struct {
	ResourceID string `json:"resourceId"`
	Available  int    `json:"available"`
	Threshold  int    `json:"threshold"`
}
