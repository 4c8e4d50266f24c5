package models

import (
	"database/sql"
	"time"
)

// OrderStatus is the fulfillment lifecycle axis of an order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusPacked     OrderStatus = "PACKED"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// orderTransitions is the closed transition table. Terminal states
// (DELIVERED, CANCELLED) have no outgoing edges.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusPacked},
	OrderStatusPacked:     {OrderStatusShipped},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// CanTransitionTo reports whether next is a legal transition from s.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are defined from s.
func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// Cancellable reports whether a customer may still cancel at this stage.
// Once shipping preparation starts the order can no longer be cancelled.
func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusPending || s == OrderStatusConfirmed
}

// PaymentStatus is the settlement axis, independent from OrderStatus.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// PaymentMethod identifies how an order is settled.
type PaymentMethod string

const (
	PaymentMethodCOD    PaymentMethod = "COD"
	PaymentMethodCard   PaymentMethod = "CARD"
	PaymentMethodPayPal PaymentMethod = "PAYPAL"
)

// Deferred reports whether settlement happens asynchronously through an
// external provider. Deferred methods do not commit inventory at checkout.
func (m PaymentMethod) Deferred() bool {
	return m == PaymentMethodCard || m == PaymentMethodPayPal
}

// PricingBreakdown is the authoritative total for an order. All amounts are
// in minor units (cents).
type PricingBreakdown struct {
	Subtotal           int64 `db:"subtotal" json:"subtotal"`
	ShippingCost       int64 `db:"shipping_cost" json:"shipping_cost"`
	TaxRateBasisPoints int64 `db:"tax_rate_bp" json:"tax_rate_bp"`
	TaxAmount          int64 `db:"tax_amount" json:"tax_amount"`
	DiscountAmount     int64 `db:"discount_amount" json:"discount_amount"`
	GrandTotal         int64 `db:"grand_total" json:"grand_total"`
}

// Product is the catalog read model used for pricing and stock checks.
type Product struct {
	ID        int64     `db:"id" json:"id"`
	SKU       string    `db:"sku" json:"sku"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	SellerRef string    `db:"seller_ref" json:"seller_ref"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// InventoryRecord holds per-product stock. stock_count never goes negative;
// is_active is false exactly when stock_count is zero.
type InventoryRecord struct {
	ProductID  int64     `db:"product_id" json:"product_id"`
	StockCount int       `db:"stock_count" json:"stock_count"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Order is the authoritative order record.
type Order struct {
	ID             int64          `db:"id" json:"id"`
	CustomerRef    string         `db:"customer_ref" json:"customer_ref"`
	Status         OrderStatus    `db:"status" json:"status"`
	PaymentStatus  PaymentStatus  `db:"payment_status" json:"payment_status"`
	PaymentMethod  PaymentMethod  `db:"payment_method" json:"payment_method"`
	ProviderRef    sql.NullString `db:"provider_ref" json:"provider_ref,omitempty"`
	CouponID       sql.NullInt64  `db:"coupon_id" json:"coupon_id,omitempty"`
	IdempotencyKey string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	PricingBreakdown
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// OrderItem snapshots the unit price at checkout time.
type OrderItem struct {
	ID        int64  `db:"id" json:"id"`
	OrderID   int64  `db:"order_id" json:"order_id"`
	ProductID int64  `db:"product_id" json:"product_id"`
	SellerRef string `db:"seller_ref" json:"seller_ref"`
	Quantity  int    `db:"quantity" json:"quantity"`
	UnitPrice int64  `db:"unit_price" json:"unit_price"`
}

// DiscountType enumerates coupon discount kinds.
type DiscountType string

const (
	DiscountTypePercentage DiscountType = "PERCENTAGE"
	DiscountTypeFixed      DiscountType = "FIXED"
)

// Coupon is a redeemable discount code. used_count is incremented
// atomically with order creation.
type Coupon struct {
	ID            int64         `db:"id" json:"id"`
	Code          string        `db:"code" json:"code"`
	DiscountType  DiscountType  `db:"discount_type" json:"discount_type"`
	DiscountValue int64         `db:"discount_value" json:"discount_value"`
	MaxDiscount   sql.NullInt64 `db:"max_discount" json:"max_discount,omitempty"`
	MinCartValue  sql.NullInt64 `db:"min_cart_value" json:"min_cart_value,omitempty"`
	UsageLimit    sql.NullInt64 `db:"usage_limit" json:"usage_limit,omitempty"`
	UsedCount     int64         `db:"used_count" json:"used_count"`
	ExpiresAt     time.Time     `db:"expires_at" json:"expires_at"`
	IsActive      bool          `db:"is_active" json:"is_active"`
}

// StageType enumerates the fulfillment stages that carry their own SLA
// policy. Stages chain in the order listed.
type StageType string

const (
	StageProcessing   StageType = "PROCESSING"
	StageConfirmation StageType = "CONFIRMATION"
	StageShippingPrep StageType = "SHIPPING_PREP"
	StageShipped      StageType = "SHIPPED"
	StageDelivered    StageType = "DELIVERED"
)

// StageOrder is the fixed chaining order of fulfillment stages.
var StageOrder = []StageType{
	StageProcessing,
	StageConfirmation,
	StageShippingPrep,
	StageShipped,
	StageDelivered,
}

// NextStage returns the stage that follows s, or "" if s is the last one.
func (s StageType) NextStage() StageType {
	for i, stage := range StageOrder {
		if stage == s && i+1 < len(StageOrder) {
			return StageOrder[i+1]
		}
	}
	return ""
}

// Index returns the position of s in the stage chain, or -1.
func (s StageType) Index() int {
	for i, stage := range StageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

// NotificationStatus is the lifecycle of a fulfillment notification.
type NotificationStatus string

const (
	NotificationPending    NotificationStatus = "PENDING"
	NotificationInProgress NotificationStatus = "IN_PROGRESS"
	NotificationCompleted  NotificationStatus = "COMPLETED"
)

// Priority escalates monotonically while a notification is pending.
type Priority string

const (
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

var priorityRank = map[Priority]int{
	PriorityMedium: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Rank returns the escalation rank of p; higher means more urgent.
func (p Priority) Rank() int {
	return priorityRank[p]
}

// SLAIndicator classifies how a pending notification stands against its
// stage deadlines.
type SLAIndicator string

const (
	SLAOnTime   SLAIndicator = "ON_TIME"
	SLAWarning  SLAIndicator = "WARNING"
	SLACritical SLAIndicator = "CRITICAL"
	SLABreached SLAIndicator = "BREACHED"
)

// FulfillmentNotification is the per-order, per-stage SLA work item for a
// seller. The deadline is fixed at creation and never re-extended.
type FulfillmentNotification struct {
	ID             int64              `db:"id" json:"id"`
	OrderID        int64              `db:"order_id" json:"order_id"`
	SellerRef      string             `db:"seller_ref" json:"seller_ref"`
	Stage          StageType          `db:"stage" json:"stage"`
	Priority       Priority           `db:"priority" json:"priority"`
	Status         NotificationStatus `db:"status" json:"status"`
	SLADeadline    time.Time          `db:"sla_deadline" json:"sla_deadline"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
	AcknowledgedAt sql.NullTime       `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	CompletedAt    sql.NullTime       `db:"completed_at" json:"completed_at,omitempty"`
}

// ReconciliationOutcome records how a payment confirmation signal was
// resolved against the order store.
type ReconciliationOutcome string

const (
	ReconciliationApplied      ReconciliationOutcome = "APPLIED"
	ReconciliationDuplicate    ReconciliationOutcome = "DUPLICATE"
	ReconciliationFailed       ReconciliationOutcome = "FAILED"
	ReconciliationManualReview ReconciliationOutcome = "MANUAL_REVIEW"
)

// Reconciliation is the audit record of one confirmPayment attempt.
type Reconciliation struct {
	ID          int64                 `db:"id" json:"id"`
	ProviderRef string                `db:"provider_ref" json:"provider_ref"`
	Provider    string                `db:"provider" json:"provider"`
	OrderID     sql.NullInt64         `db:"order_id" json:"order_id,omitempty"`
	Outcome     ReconciliationOutcome `db:"outcome" json:"outcome"`
	Detail      string                `db:"detail" json:"detail,omitempty"`
	CreatedAt   time.Time             `db:"created_at" json:"created_at"`
}

// CartItem is one line of the external cart snapshot handed to checkout.
type CartItem struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}
