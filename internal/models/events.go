package models

import "time"

// Event types
const (
	EventTypeOrderCreated      = "ORDER_CREATED"
	EventTypeOrderConfirmed    = "ORDER_CONFIRMED"
	EventTypeOrderCancelled    = "ORDER_CANCELLED"
	EventTypeOrderAdvanced     = "ORDER_ADVANCED"
	EventTypeStockChanged      = "STOCK_CHANGED"
	EventTypePaymentReconciled = "PAYMENT_RECONCILED"
	EventTypePaymentFailed     = "PAYMENT_FAILED"
	EventTypeSLAEscalated      = "SLA_ESCALATED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order is persisted at checkout
type OrderCreatedEvent struct {
	BaseEvent
	OrderID       int64           `json:"order_id"`
	CustomerRef   string          `json:"customer_ref"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	GrandTotal    int64           `json:"grand_total"`
	Items         []OrderItemData `json:"items"`
}

// OrderConfirmedEvent published when payment settles and inventory commits
type OrderConfirmedEvent struct {
	BaseEvent
	OrderID     int64  `json:"order_id"`
	CustomerRef string `json:"customer_ref"`
}

// OrderCancelledEvent published when an order is cancelled
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderAdvancedEvent published on each seller-driven lifecycle advance
type OrderAdvancedEvent struct {
	BaseEvent
	OrderID int64       `json:"order_id"`
	Status  OrderStatus `json:"status"`
}

// StockChangedEvent published after every successful stock mutation
type StockChangedEvent struct {
	BaseEvent
	ProductID int64 `json:"product_id"`
	NewStock  int   `json:"new_stock"`
	IsActive  bool  `json:"is_active"`
}

// PaymentReconciledEvent published after a provider confirmation is applied
type PaymentReconciledEvent struct {
	BaseEvent
	OrderID     int64  `json:"order_id"`
	Provider    string `json:"provider"`
	ProviderRef string `json:"provider_ref"`
	Duplicate   bool   `json:"duplicate"`
}

// PaymentFailedEvent published when a provider reports settlement failure
type PaymentFailedEvent struct {
	BaseEvent
	OrderID     int64  `json:"order_id"`
	Provider    string `json:"provider"`
	ProviderRef string `json:"provider_ref"`
	Reason      string `json:"reason"`
}

// SLAEscalatedEvent published when a pending notification escalates into
// CRITICAL or BREACHED
type SLAEscalatedEvent struct {
	BaseEvent
	NotificationID int64        `json:"notification_id"`
	OrderID        int64        `json:"order_id"`
	SellerRef      string       `json:"seller_ref"`
	Stage          StageType    `json:"stage"`
	Priority       Priority     `json:"priority"`
	Indicator      SLAIndicator `json:"indicator"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}
