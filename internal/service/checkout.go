package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"marketplace-core/internal/broker"
	"marketplace-core/internal/models"
	"marketplace-core/internal/pricing"
	"marketplace-core/internal/store"
	"marketplace-core/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CheckoutStore is the persistence surface checkout needs.
type CheckoutStore interface {
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	CreateOrder(ctx context.Context, params store.CreateOrderParams) (*models.Order, []store.StockChange, error)
}

// Pricer computes authoritative totals from the current catalog.
type Pricer interface {
	ComputeTotals(ctx context.Context, items []models.CartItem, shippingMethod string, coupon *models.Coupon) (*models.PricingBreakdown, map[int64]models.Product, error)
}

// StockReserver is the ledger surface checkout touches: soft holds for
// deferred payments and event emission for committed decrements.
type StockReserver interface {
	Reserve(ctx context.Context, productID int64, qty int) error
	Release(ctx context.Context, productID int64, qty int) error
	PublishStockChange(change store.StockChange)
}

// IntentCreator opens a pending transaction at an external provider.
type IntentCreator interface {
	CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (string, error)
}

// StageOpener starts the fulfillment SLA clock for a confirmed order.
type StageOpener interface {
	CreateNotification(ctx context.Context, orderID int64, sellerRef string, stage models.StageType) (*models.FulfillmentNotification, error)
}

// OrderEventPublisher publishes order lifecycle events.
type OrderEventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
}

// CheckoutService turns a cart snapshot into a financially consistent
// order.
type CheckoutService struct {
	store     CheckoutStore
	pricer    Pricer
	ledger    StockReserver
	providers map[models.PaymentMethod]IntentCreator
	sla       StageOpener
	publisher OrderEventPublisher
	logger    *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	checkoutStore CheckoutStore,
	pricer Pricer,
	ledger StockReserver,
	providers map[models.PaymentMethod]IntentCreator,
	slaEngine StageOpener,
	publisher OrderEventPublisher,
) *CheckoutService {
	return &CheckoutService{
		store:     checkoutStore,
		pricer:    pricer,
		ledger:    ledger,
		providers: providers,
		sla:       slaEngine,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// CheckoutRequest is the external cart snapshot plus selected options.
type CheckoutRequest struct {
	CustomerRef    string               `json:"customer_ref" binding:"required"`
	Items          []models.CartItem    `json:"items" binding:"required,min=1"`
	ShippingMethod string               `json:"shipping_method" binding:"required"`
	PaymentMethod  models.PaymentMethod `json:"payment_method" binding:"required"`
	CouponCode     string               `json:"coupon_code,omitempty"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
}

// CheckoutResponse reports the created order and, for deferred payment
// methods, the provider reference the client completes payment against.
type CheckoutResponse struct {
	OrderID       int64                   `json:"order_id"`
	Status        models.OrderStatus      `json:"status"`
	PaymentStatus models.PaymentStatus    `json:"payment_status"`
	ProviderRef   string                  `json:"provider_ref,omitempty"`
	Pricing       models.PricingBreakdown `json:"pricing"`
	Duplicate     bool                    `json:"duplicate,omitempty"`
}

// CreateOrder validates the cart, prices it against the current catalog
// and persists the order. Immediate-settlement methods commit inventory
// inside the order transaction; deferred methods take a soft hold and
// leave the commit to payment reconciliation.
func (s *CheckoutService) CreateOrder(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CreateOrder")
	defer span.End()

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	existing, err := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		s.logger.Info("Duplicate checkout request",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("order_id", existing.ID))
		return &CheckoutResponse{
			OrderID:       existing.ID,
			Status:        existing.Status,
			PaymentStatus: existing.PaymentStatus,
			ProviderRef:   existing.ProviderRef.String,
			Pricing:       existing.PricingBreakdown,
			Duplicate:     true,
		}, nil
	}

	var coupon *models.Coupon
	if req.CouponCode != "" {
		coupon, err = s.store.GetCouponByCode(ctx, req.CouponCode)
		if errors.Is(err, store.ErrCouponNotFound) {
			util.CouponRejectionsTotal.WithLabelValues(string(pricing.CouponNotFound)).Inc()
			return nil, &pricing.CouponError{Code: req.CouponCode, Reason: pricing.CouponNotFound}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load coupon: %w", err)
		}
	}

	breakdown, products, err := s.pricer.ComputeTotals(ctx, req.Items, req.ShippingMethod, coupon)
	if err != nil {
		if ce, ok := pricing.AsCouponError(err); ok {
			util.CouponRejectionsTotal.WithLabelValues(string(ce.Reason)).Inc()
		}
		util.CheckoutFailedTotal.WithLabelValues("pricing").Inc()
		return nil, err
	}

	orderItems := make([]models.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		product := products[item.ProductID]
		orderItems = append(orderItems, models.OrderItem{
			ProductID: item.ProductID,
			SellerRef: product.SellerRef,
			Quantity:  item.Quantity,
			UnitPrice: product.Price,
		})
	}

	var order *models.Order
	if req.PaymentMethod.Deferred() {
		order, err = s.createDeferredOrder(ctx, req, coupon, breakdown, orderItems)
	} else {
		order, err = s.createImmediateOrder(ctx, req, coupon, breakdown, orderItems)
	}
	if err != nil {
		return nil, err
	}

	util.OrdersCreatedTotal.WithLabelValues(string(req.PaymentMethod)).Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("payment_method", string(req.PaymentMethod)),
		zap.Int64("grand_total", order.GrandTotal))

	event := &models.OrderCreatedEvent{
		BaseEvent:     broker.NewBaseEvent(models.EventTypeOrderCreated),
		OrderID:       order.ID,
		CustomerRef:   order.CustomerRef,
		PaymentMethod: order.PaymentMethod,
		GrandTotal:    order.GrandTotal,
		Items:         toItemData(orderItems),
	}
	if err := s.publisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return &CheckoutResponse{
		OrderID:       order.ID,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		ProviderRef:   order.ProviderRef.String,
		Pricing:       order.PricingBreakdown,
	}, nil
}

// createImmediateOrder handles settlement-at-checkout methods: order,
// items, coupon redemption and stock decrements commit in one
// transaction, so the order surfaces fully paid or not at all.
func (s *CheckoutService) createImmediateOrder(ctx context.Context, req *CheckoutRequest, coupon *models.Coupon, breakdown *models.PricingBreakdown, items []models.OrderItem) (*models.Order, error) {
	params := store.CreateOrderParams{
		CustomerRef:    req.CustomerRef,
		Status:         models.OrderStatusConfirmed,
		PaymentStatus:  models.PaymentStatusPaid,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: req.IdempotencyKey,
		Pricing:        *breakdown,
		Items:          items,
		CommitStock:    true,
	}
	if coupon != nil {
		params.CouponID = coupon.ID
	}

	order, changes, err := s.store.CreateOrder(ctx, params)
	if err != nil {
		return nil, s.classifyCreateError(err)
	}

	for _, change := range changes {
		s.ledger.PublishStockChange(change)
	}

	// Settlement is complete, so the fulfillment SLA clock starts now.
	if len(items) > 0 {
		if _, err := s.sla.CreateNotification(ctx, order.ID, items[0].SellerRef, models.StageProcessing); err != nil {
			s.logger.Error("Failed to open fulfillment stage",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		}
	}
	return order, nil
}

// createDeferredOrder handles card/PayPal checkouts: a soft hold plus a
// provider intent; inventory is only committed when the payment settles.
func (s *CheckoutService) createDeferredOrder(ctx context.Context, req *CheckoutRequest, coupon *models.Coupon, breakdown *models.PricingBreakdown, items []models.OrderItem) (*models.Order, error) {
	reserved := make([]models.OrderItem, 0, len(items))
	for _, item := range items {
		if err := s.ledger.Reserve(ctx, item.ProductID, item.Quantity); err != nil {
			s.releaseHolds(ctx, reserved)
			if errors.Is(err, store.ErrInsufficientStock) {
				util.CheckoutFailedTotal.WithLabelValues("insufficient_stock").Inc()
			}
			return nil, err
		}
		reserved = append(reserved, item)
	}

	intents, ok := s.providers[req.PaymentMethod]
	if !ok {
		s.releaseHolds(ctx, reserved)
		return nil, fmt.Errorf("no provider configured for %s", req.PaymentMethod)
	}

	providerRef, err := intents.CreateIntent(ctx, breakdown.GrandTotal, "USD", map[string]string{
		"customer_ref":    req.CustomerRef,
		"idempotency_key": req.IdempotencyKey,
		"item_count":      strconv.Itoa(len(items)),
	})
	if err != nil {
		s.releaseHolds(ctx, reserved)
		util.CheckoutFailedTotal.WithLabelValues("intent_failed").Inc()
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	params := store.CreateOrderParams{
		CustomerRef:    req.CustomerRef,
		Status:         models.OrderStatusConfirmed,
		PaymentStatus:  models.PaymentStatusPending,
		PaymentMethod:  req.PaymentMethod,
		ProviderRef:    providerRef,
		IdempotencyKey: req.IdempotencyKey,
		Pricing:        *breakdown,
		Items:          items,
		CommitStock:    false,
	}
	if coupon != nil {
		params.CouponID = coupon.ID
	}

	order, _, err := s.store.CreateOrder(ctx, params)
	if err != nil {
		s.releaseHolds(ctx, reserved)
		return nil, s.classifyCreateError(err)
	}
	return order, nil
}

func (s *CheckoutService) releaseHolds(ctx context.Context, items []models.OrderItem) {
	for _, item := range items {
		if err := s.ledger.Release(ctx, item.ProductID, item.Quantity); err != nil {
			s.logger.Error("Failed to release hold during checkout compensation",
				zap.Int64("product_id", item.ProductID),
				zap.Error(err))
		}
	}
}

func (s *CheckoutService) classifyCreateError(err error) error {
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		util.CheckoutFailedTotal.WithLabelValues("insufficient_stock").Inc()
		util.OversellConflictsTotal.Inc()
		return err
	case errors.Is(err, store.ErrCouponExhausted):
		util.CouponRejectionsTotal.WithLabelValues(string(pricing.CouponUsageLimitReached)).Inc()
		return &pricing.CouponError{Reason: pricing.CouponUsageLimitReached}
	default:
		util.CheckoutFailedTotal.WithLabelValues("db_error").Inc()
		return fmt.Errorf("failed to create order: %w", err)
	}
}

func toItemData(items []models.OrderItem) []models.OrderItemData {
	out := make([]models.OrderItemData, 0, len(items))
	for _, item := range items {
		out = append(out, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return out
}
