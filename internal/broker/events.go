package broker

import (
	"context"
	"fmt"
	"time"

	"marketplace-core/internal/models"

	"github.com/google/uuid"
)

// EventPublisher fans domain events out to their topics. Order lifecycle
// events are keyed by order so one order's history stays in partition
// order; stock events are keyed by product.
type EventPublisher struct {
	orders *Producer
	stock  *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(orders, stock *Producer) *EventPublisher {
	return &EventPublisher{orders: orders, stock: stock}
}

// NewBaseEvent stamps a fresh event envelope.
func NewBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// PublishOrderCreated publishes an OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderConfirmed publishes an OrderConfirmed event
func (ep *EventPublisher) PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error {
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderCancelled publishes an OrderCancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderAdvanced publishes an OrderAdvanced event
func (ep *EventPublisher) PublishOrderAdvanced(ctx context.Context, event *models.OrderAdvancedEvent) error {
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentReconciled publishes a PaymentReconciled event
func (ep *EventPublisher) PublishPaymentReconciled(ctx context.Context, event *models.PaymentReconciledEvent) error {
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentFailed publishes a PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishSLAEscalated publishes an SLAEscalated event
func (ep *EventPublisher) PublishSLAEscalated(ctx context.Context, event *models.SLAEscalatedEvent) error {
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishStockChanged publishes a StockChanged event
func (ep *EventPublisher) PublishStockChanged(ctx context.Context, event *models.StockChangedEvent) error {
	return ep.stock.PublishEvent(ctx, fmt.Sprintf("product-%d", event.ProductID), event)
}
