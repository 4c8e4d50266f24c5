package service

import (
	"context"
	"fmt"
	"strconv"

	"marketplace-core/internal/broker"
	"marketplace-core/internal/models"
	"marketplace-core/internal/notify"
	"marketplace-core/internal/util"

	"go.uber.org/zap"
)

// LifecycleStore is the persistence surface order lifecycle needs.
type LifecycleStore interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrdersByCustomer(ctx context.Context, customerRef string) ([]models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) error
	CancelOrder(ctx context.Context, orderID int64) (bool, error)
}

// StageTracker is the SLA surface lifecycle transitions drive.
type StageTracker interface {
	Complete(ctx context.Context, orderID int64, sellerRef string, stage models.StageType) error
	CloseAll(ctx context.Context, orderID int64) error
}

// HoldReleaser returns soft holds when a deferred-payment order dies
// before settlement.
type HoldReleaser interface {
	Release(ctx context.Context, productID int64, qty int) error
}

// LifecyclePublisher publishes lifecycle events.
type LifecyclePublisher interface {
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishOrderAdvanced(ctx context.Context, event *models.OrderAdvancedEvent) error
}

// stageForStatus maps a seller-driven status to the fulfillment stage
// that status completes; completing a stage opens the next one's window.
// Entering PROCESSING closes processing and opens confirmation, PACKED
// closes confirmation and opens shipping_prep, SHIPPED closes
// shipping_prep and opens shipped. DELIVERED closes whatever is left and
// opens nothing.
var stageForStatus = map[models.OrderStatus]models.StageType{
	models.OrderStatusProcessing: models.StageProcessing,
	models.OrderStatusPacked:     models.StageConfirmation,
	models.OrderStatusShipped:    models.StageShippingPrep,
	models.OrderStatusDelivered:  models.StageDelivered,
}

// LifecycleService reads orders and drives the seller-facing status
// machine, keeping the SLA stage chain in step with every transition.
type LifecycleService struct {
	store      LifecycleStore
	sla        StageTracker
	ledger     HoldReleaser
	dispatcher AlertSender
	publisher  LifecyclePublisher
	logger     *zap.Logger
}

// NewLifecycleService creates a new lifecycle service
func NewLifecycleService(
	lifecycleStore LifecycleStore,
	slaEngine StageTracker,
	ledger HoldReleaser,
	dispatcher AlertSender,
	publisher LifecyclePublisher,
) *LifecycleService {
	return &LifecycleService{
		store:      lifecycleStore,
		sla:        slaEngine,
		ledger:     ledger,
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     util.GetLogger(),
	}
}

// OrderDetail is an order plus its line items.
type OrderDetail struct {
	Order models.Order       `json:"order"`
	Items []models.OrderItem `json:"items"`
}

// GetOrder retrieves one order with its items.
func (s *LifecycleService) GetOrder(ctx context.Context, orderID int64) (*OrderDetail, error) {
	ctx, span := util.StartSpan(ctx, "LifecycleService.GetOrder")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderDetail{Order: *order, Items: items}, nil
}

// ListOrders retrieves a customer's orders, newest first.
func (s *LifecycleService) ListOrders(ctx context.Context, customerRef string) ([]models.Order, error) {
	return s.store.GetOrdersByCustomer(ctx, customerRef)
}

// Cancel cancels an order that has not entered fulfillment. For
// deferred-payment orders still awaiting settlement the soft holds go
// back; committed stock is a restock concern, not handled here.
func (s *LifecycleService) Cancel(ctx context.Context, orderID int64, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "LifecycleService.Cancel")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.Cancellable() {
		return nil, fmt.Errorf("order %d in status %s: %w", orderID, order.Status, ErrInvalidTransition)
	}

	cancelled, err := s.store.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		// A concurrent advance won; re-read to report the live status.
		return nil, fmt.Errorf("order %d advanced concurrently: %w", orderID, ErrInvalidTransition)
	}

	if order.PaymentMethod.Deferred() && order.PaymentStatus == models.PaymentStatusPending {
		items, err := s.store.GetOrderItems(ctx, orderID)
		if err != nil {
			s.logger.Error("Failed to load items for hold release",
				zap.Int64("order_id", orderID),
				zap.Error(err))
		}
		for _, item := range items {
			if err := s.ledger.Release(ctx, item.ProductID, item.Quantity); err != nil {
				s.logger.Error("Failed to release hold on cancel",
					zap.Int64("product_id", item.ProductID),
					zap.Error(err))
			}
		}
	}

	if err := s.sla.CloseAll(ctx, orderID); err != nil {
		s.logger.Error("Failed to close notifications on cancel",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}

	util.OrdersCancelledTotal.Inc()
	s.logger.Info("Order cancelled",
		zap.Int64("order_id", orderID),
		zap.String("reason", reason))

	event := &models.OrderCancelledEvent{
		BaseEvent: broker.NewBaseEvent(models.EventTypeOrderCancelled),
		OrderID:   orderID,
		Reason:    reason,
	}
	if err := s.publisher.PublishOrderCancelled(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
	}

	s.dispatcher.Send(ctx, notify.ChannelEmail, order.CustomerRef, "order_cancelled", map[string]string{
		"order_id": strconv.FormatInt(orderID, 10),
		"reason":   reason,
	})

	order.Status = models.OrderStatusCancelled
	return order, nil
}

// Advance moves an order one step along the fulfillment status machine.
// The store guard on the expected current status makes concurrent
// advances race-safe; the SLA stage chain follows the transition.
func (s *LifecycleService) Advance(ctx context.Context, orderID int64, next models.OrderStatus) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "LifecycleService.Advance")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("order %d cannot move %s -> %s: %w",
			orderID, order.Status, next, ErrInvalidTransition)
	}
	if next != models.OrderStatusCancelled && order.PaymentStatus != models.PaymentStatusPaid {
		return nil, fmt.Errorf("order %d payment not settled: %w", orderID, ErrPaymentPending)
	}

	if err := s.store.UpdateOrderStatus(ctx, orderID, order.Status, next); err != nil {
		return nil, err
	}

	if stage, ok := stageForStatus[next]; ok {
		sellerRef := ""
		items, itemsErr := s.store.GetOrderItems(ctx, orderID)
		if itemsErr == nil && len(items) > 0 {
			sellerRef = items[0].SellerRef
		}
		if err := s.sla.Complete(ctx, orderID, sellerRef, stage); err != nil {
			s.logger.Error("Failed to advance fulfillment stage",
				zap.Int64("order_id", orderID),
				zap.String("stage", string(stage)),
				zap.Error(err))
		}
	}

	s.logger.Info("Order advanced",
		zap.Int64("order_id", orderID),
		zap.String("from", string(order.Status)),
		zap.String("to", string(next)))

	event := &models.OrderAdvancedEvent{
		BaseEvent: broker.NewBaseEvent(models.EventTypeOrderAdvanced),
		OrderID:   orderID,
		Status:    next,
	}
	if err := s.publisher.PublishOrderAdvanced(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderAdvanced event", zap.Error(err))
	}

	order.Status = next
	return order, nil
}
