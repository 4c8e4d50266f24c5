package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"marketplace-core/internal/broker"
	"marketplace-core/internal/models"
	"marketplace-core/internal/notify"
	"marketplace-core/internal/provider"
	"marketplace-core/internal/store"
	"marketplace-core/internal/util"

	"go.uber.org/zap"
)

// ReconcilerStore is the persistence surface payment reconciliation needs.
type ReconcilerStore interface {
	GetOrderByProviderRef(ctx context.Context, providerRef string) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	ApplyPayment(ctx context.Context, orderID int64, customerRef string, items []models.OrderItem) (bool, []store.StockChange, error)
	MarkPaymentFailed(ctx context.Context, orderID int64) (bool, error)
	RecordReconciliation(ctx context.Context, r *models.Reconciliation) error
}

// ProviderRegistry resolves payment providers by name.
type ProviderRegistry interface {
	Get(name string) (provider.PaymentProvider, error)
}

// StockSettler finalizes inventory effects once a payment resolves:
// settled holds after a commit, released holds after a failure.
type StockSettler interface {
	SettleHold(ctx context.Context, productID int64, qty int)
	Release(ctx context.Context, productID int64, qty int) error
	PublishStockChange(change store.StockChange)
}

// ReconcilerPublisher publishes payment reconciliation events.
type ReconcilerPublisher interface {
	PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error
	PublishPaymentReconciled(ctx context.Context, event *models.PaymentReconciledEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

// ReconcileResult reports how one confirmation signal was resolved.
type ReconcileResult struct {
	OrderID   int64                        `json:"order_id"`
	Outcome   models.ReconciliationOutcome `json:"outcome"`
	Duplicate bool                         `json:"duplicate"`
}

// Reconciler resolves provider payment signals against the order store.
// The provider is always re-verified; the caller's claim about the
// payment outcome is treated as a hint only.
type Reconciler struct {
	store      ReconcilerStore
	providers  ProviderRegistry
	ledger     StockSettler
	sla        StageOpener
	dispatcher AlertSender
	publisher  ReconcilerPublisher
	logger     *zap.Logger
}

// AlertSender fires best-effort notifications.
type AlertSender interface {
	Send(ctx context.Context, channel notify.Channel, recipient, templateID string, payload map[string]string)
}

// NewReconciler creates a new payment reconciler
func NewReconciler(
	reconcilerStore ReconcilerStore,
	providers ProviderRegistry,
	ledger StockSettler,
	slaEngine StageOpener,
	dispatcher AlertSender,
	publisher ReconcilerPublisher,
) *Reconciler {
	return &Reconciler{
		store:      reconcilerStore,
		providers:  providers,
		ledger:     ledger,
		sla:        slaEngine,
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     util.GetLogger(),
	}
}

// ConfirmPayment verifies a settlement claim with the provider and, when
// it checks out, applies the payment: marks the order paid, commits the
// stock decrements and clears the cart in one transaction. Replays of
// the same reference are absorbed as duplicates with no side effects.
func (r *Reconciler) ConfirmPayment(ctx context.Context, providerName, providerRef string) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.ConfirmPayment")
	defer span.End()

	p, err := r.providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := p.Verify(ctx, providerRef)
	util.PaymentVerifyLatency.WithLabelValues(providerName).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to verify payment: %w", err)
	}

	order, err := r.store.GetOrderByProviderRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case provider.VerifyPending:
		return nil, ErrPaymentPending
	case provider.VerifyFailed:
		return r.failPayment(ctx, order, providerName, providerRef, "provider reported failure")
	}

	if result.Amount != 0 && result.Amount != order.GrandTotal {
		detail := fmt.Sprintf("amount mismatch: provider %d, order %d", result.Amount, order.GrandTotal)
		return r.flagManualReview(ctx, order, providerName, providerRef, detail)
	}

	items, err := r.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	applied, changes, err := r.store.ApplyPayment(ctx, order.ID, order.CustomerRef, items)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			// Money moved but stock ran out under the soft hold. The order
			// stays pending and an operator sorts out refund or restock.
			util.OversellConflictsTotal.Inc()
			return r.flagManualReview(ctx, order, providerName, providerRef, "insufficient stock at settlement")
		}
		return nil, fmt.Errorf("failed to apply payment: %w", err)
	}

	if !applied {
		r.recordOutcome(ctx, order, providerName, providerRef, models.ReconciliationDuplicate, "already applied")
		util.ReconciliationsTotal.WithLabelValues(string(models.ReconciliationDuplicate)).Inc()
		r.logger.Info("Duplicate payment confirmation absorbed",
			zap.Int64("order_id", order.ID),
			zap.String("provider_ref", providerRef))
		return &ReconcileResult{OrderID: order.ID, Outcome: models.ReconciliationDuplicate, Duplicate: true}, nil
	}

	for _, item := range items {
		r.ledger.SettleHold(ctx, item.ProductID, item.Quantity)
	}
	for _, change := range changes {
		r.ledger.PublishStockChange(change)
	}

	r.recordOutcome(ctx, order, providerName, providerRef, models.ReconciliationApplied, "")
	util.ReconciliationsTotal.WithLabelValues(string(models.ReconciliationApplied)).Inc()
	util.OrdersConfirmedTotal.Inc()
	r.logger.Info("Payment reconciled",
		zap.Int64("order_id", order.ID),
		zap.String("provider", providerName),
		zap.String("provider_ref", providerRef))

	r.publishConfirmed(ctx, order, providerName, providerRef)

	sellerRef := ""
	if len(items) > 0 {
		sellerRef = items[0].SellerRef
	}
	if _, err := r.sla.CreateNotification(ctx, order.ID, sellerRef, models.StageProcessing); err != nil {
		r.logger.Error("Failed to open fulfillment stage",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}

	r.dispatcher.Send(ctx, notify.ChannelEmail, order.CustomerRef, "order_confirmed", map[string]string{
		"order_id":    strconv.FormatInt(order.ID, 10),
		"grand_total": strconv.FormatInt(order.GrandTotal, 10),
	})

	return &ReconcileResult{OrderID: order.ID, Outcome: models.ReconciliationApplied}, nil
}

// FailPayment records a provider-reported settlement failure for a
// reference without a full verification round trip. Used when the
// provider pushes an explicit failure signal.
func (r *Reconciler) FailPayment(ctx context.Context, providerName, providerRef, reason string) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.FailPayment")
	defer span.End()

	order, err := r.store.GetOrderByProviderRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	return r.failPayment(ctx, order, providerName, providerRef, reason)
}

func (r *Reconciler) failPayment(ctx context.Context, order *models.Order, providerName, providerRef, reason string) (*ReconcileResult, error) {
	marked, err := r.store.MarkPaymentFailed(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark payment failed: %w", err)
	}
	if !marked {
		// The payment already settled one way or the other; the late
		// failure signal is noise.
		r.logger.Warn("Ignoring failure signal for settled payment",
			zap.Int64("order_id", order.ID),
			zap.String("provider_ref", providerRef))
		return &ReconcileResult{OrderID: order.ID, Outcome: models.ReconciliationDuplicate, Duplicate: true}, nil
	}

	// The soft holds from checkout go back to the pool; the payment is
	// dead and nothing will commit them.
	if order.PaymentMethod.Deferred() {
		r.releaseHolds(ctx, order.ID)
	}

	r.recordOutcome(ctx, order, providerName, providerRef, models.ReconciliationFailed, reason)
	util.ReconciliationsTotal.WithLabelValues(string(models.ReconciliationFailed)).Inc()

	event := &models.PaymentFailedEvent{
		BaseEvent:   broker.NewBaseEvent(models.EventTypePaymentFailed),
		OrderID:     order.ID,
		Provider:    providerName,
		ProviderRef: providerRef,
		Reason:      reason,
	}
	if err := r.publisher.PublishPaymentFailed(ctx, event); err != nil {
		r.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
	}

	r.dispatcher.Send(ctx, notify.ChannelEmail, order.CustomerRef, "payment_failed", map[string]string{
		"order_id": strconv.FormatInt(order.ID, 10),
	})

	return &ReconcileResult{OrderID: order.ID, Outcome: models.ReconciliationFailed}, ErrPaymentFailed
}

func (r *Reconciler) releaseHolds(ctx context.Context, orderID int64) {
	items, err := r.store.GetOrderItems(ctx, orderID)
	if err != nil {
		r.logger.Error("Failed to load items for hold release",
			zap.Int64("order_id", orderID),
			zap.Error(err))
		return
	}
	for _, item := range items {
		if err := r.ledger.Release(ctx, item.ProductID, item.Quantity); err != nil {
			r.logger.Error("Failed to release hold after payment failure",
				zap.Int64("product_id", item.ProductID),
				zap.Error(err))
		}
	}
}

func (r *Reconciler) flagManualReview(ctx context.Context, order *models.Order, providerName, providerRef, detail string) (*ReconcileResult, error) {
	r.recordOutcome(ctx, order, providerName, providerRef, models.ReconciliationManualReview, detail)
	util.ReconciliationsTotal.WithLabelValues(string(models.ReconciliationManualReview)).Inc()
	util.ManualReviewTotal.Inc()
	r.logger.Error("Payment flagged for manual review",
		zap.Int64("order_id", order.ID),
		zap.String("provider_ref", providerRef),
		zap.String("detail", detail))

	r.dispatcher.Send(ctx, notify.ChannelEmail, "ops", "payment_manual_review", map[string]string{
		"order_id": strconv.FormatInt(order.ID, 10),
		"detail":   detail,
	})

	return &ReconcileResult{OrderID: order.ID, Outcome: models.ReconciliationManualReview}, ErrManualReview
}

func (r *Reconciler) recordOutcome(ctx context.Context, order *models.Order, providerName, providerRef string, outcome models.ReconciliationOutcome, detail string) {
	rec := &models.Reconciliation{
		ProviderRef: providerRef,
		Provider:    providerName,
		OrderID:     sql.NullInt64{Int64: order.ID, Valid: true},
		Outcome:     outcome,
		Detail:      detail,
	}
	if err := r.store.RecordReconciliation(ctx, rec); err != nil {
		r.logger.Error("Failed to record reconciliation",
			zap.String("provider_ref", providerRef),
			zap.Error(err))
	}
}

func (r *Reconciler) publishConfirmed(ctx context.Context, order *models.Order, providerName, providerRef string) {
	confirmed := &models.OrderConfirmedEvent{
		BaseEvent:   broker.NewBaseEvent(models.EventTypeOrderConfirmed),
		OrderID:     order.ID,
		CustomerRef: order.CustomerRef,
	}
	if err := r.publisher.PublishOrderConfirmed(ctx, confirmed); err != nil {
		r.logger.Error("Failed to publish OrderConfirmed event", zap.Error(err))
	}

	reconciled := &models.PaymentReconciledEvent{
		BaseEvent:   broker.NewBaseEvent(models.EventTypePaymentReconciled),
		OrderID:     order.ID,
		Provider:    providerName,
		ProviderRef: providerRef,
	}
	if err := r.publisher.PublishPaymentReconciled(ctx, reconciled); err != nil {
		r.logger.Error("Failed to publish PaymentReconciled event", zap.Error(err))
	}
}
