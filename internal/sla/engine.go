package sla

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"marketplace-core/internal/broker"
	"marketplace-core/internal/models"
	"marketplace-core/internal/notify"
	"marketplace-core/internal/util"

	"go.uber.org/zap"
)

// NotificationStore is the persistence contract the engine drives.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.FulfillmentNotification) error
	GetNotificationByID(ctx context.Context, id int64) (*models.FulfillmentNotification, error)
	ListPendingNotifications(ctx context.Context) ([]models.FulfillmentNotification, error)
	ListSellerNotifications(ctx context.Context, sellerRef string) ([]models.FulfillmentNotification, error)
	EscalatePriority(ctx context.Context, id int64, priority models.Priority) error
	AcknowledgeNotification(ctx context.Context, id int64) (bool, error)
	CompleteNotificationsThrough(ctx context.Context, orderID int64, stageIndex int) ([]models.FulfillmentNotification, error)
	HasNotificationForStage(ctx context.Context, orderID int64, stage models.StageType) (bool, error)
	PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AlertDispatcher fires best-effort notifications. Failures never block
// the engine.
type AlertDispatcher interface {
	Send(ctx context.Context, channel notify.Channel, recipient, templateID string, payload map[string]string)
}

// EscalationPublisher publishes escalation events for external dashboards.
type EscalationPublisher interface {
	PublishSLAEscalated(ctx context.Context, event *models.SLAEscalatedEvent) error
}

// Engine drives per-order, per-stage SLA deadlines: it creates stage
// notifications, re-evaluates them on a sweep, escalates priority
// monotonically and chains the next stage when one completes.
type Engine struct {
	store      NotificationStore
	dispatcher AlertDispatcher
	publisher  EscalationPublisher
	policies   map[models.StageType]Policy
	retention  time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewEngine creates an SLA engine with the given policy table and
// retention window for completed notifications.
func NewEngine(store NotificationStore, dispatcher AlertDispatcher, publisher EscalationPublisher, policies map[models.StageType]Policy, retention time.Duration) *Engine {
	if policies == nil {
		policies = DefaultPolicies
	}
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		publisher:  publisher,
		policies:   policies,
		retention:  retention,
		logger:     util.GetLogger(),
		now:        time.Now,
	}
}

// CreateNotification opens the SLA clock for a stage. The deadline is
// fixed at creation from the stage's breach threshold and is never
// re-extended. Duplicate creation for the same order and stage is a
// no-op.
func (e *Engine) CreateNotification(ctx context.Context, orderID int64, sellerRef string, stage models.StageType) (*models.FulfillmentNotification, error) {
	ctx, span := util.StartSpan(ctx, "SLAEngine.CreateNotification")
	defer span.End()

	exists, err := e.store.HasNotificationForStage(ctx, orderID, stage)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing notification: %w", err)
	}
	if exists {
		return nil, nil
	}

	policy, ok := e.policies[stage]
	if !ok {
		return nil, fmt.Errorf("no SLA policy for stage %s", stage)
	}

	n := &models.FulfillmentNotification{
		OrderID:     orderID,
		SellerRef:   sellerRef,
		Stage:       stage,
		Priority:    models.PriorityMedium,
		Status:      models.NotificationPending,
		SLADeadline: e.now().Add(policy.Breach),
	}
	if err := e.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}

	util.SLANotificationsCreated.WithLabelValues(string(stage)).Inc()
	e.logger.Info("Fulfillment notification created",
		zap.Int64("order_id", orderID),
		zap.String("seller", sellerRef),
		zap.String("stage", string(stage)),
		zap.Time("deadline", n.SLADeadline))

	// Best-effort heads-up to the seller; failure does not block creation.
	e.dispatcher.Send(ctx, notify.ChannelEmail, sellerRef, "fulfillment_stage_opened", map[string]string{
		"order_id": strconv.FormatInt(orderID, 10),
		"stage":    string(stage),
		"deadline": n.SLADeadline.Format(time.RFC3339),
	})

	return n, nil
}

// Sweep re-evaluates every pending notification, persisting priority
// escalations and alerting on new CRITICAL or BREACHED standings.
// Priority never moves down, so repeated sweeps cannot flap.
func (e *Engine) Sweep(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "SLAEngine.Sweep")
	defer span.End()

	start := time.Now()
	defer func() {
		util.SLASweepLatency.Observe(time.Since(start).Seconds())
	}()

	pending, err := e.store.ListPendingNotifications(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending notifications: %w", err)
	}

	now := e.now()
	var escalated int
	for i := range pending {
		n := &pending[i]
		eval := Evaluate(n, e.policies, now)
		if eval.Priority.Rank() <= n.Priority.Rank() {
			continue
		}

		if err := e.store.EscalatePriority(ctx, n.ID, eval.Priority); err != nil {
			e.logger.Error("Failed to escalate notification priority",
				zap.Int64("notification_id", n.ID),
				zap.Error(err))
			continue
		}
		escalated++
		util.SLAEscalationsTotal.WithLabelValues(string(eval.Indicator)).Inc()

		// Alert only on an escalation into CRITICAL or BREACHED; a plain
		// move to WARNING just raises the persisted priority.
		if eval.Indicator == models.SLACritical || eval.Indicator == models.SLABreached {
			e.alertEscalation(ctx, n, eval)
		}
	}

	if escalated > 0 {
		e.logger.Info("SLA sweep escalated notifications",
			zap.Int("pending", len(pending)),
			zap.Int("escalated", escalated))
	}
	return nil
}

func (e *Engine) alertEscalation(ctx context.Context, n *models.FulfillmentNotification, eval Evaluation) {
	payload := map[string]string{
		"order_id":  strconv.FormatInt(n.OrderID, 10),
		"stage":     string(n.Stage),
		"indicator": string(eval.Indicator),
		"deadline":  n.SLADeadline.Format(time.RFC3339),
	}
	e.dispatcher.Send(ctx, notify.ChannelEmail, n.SellerRef, "sla_escalation", payload)
	e.dispatcher.Send(ctx, notify.ChannelSMS, n.SellerRef, "sla_escalation", payload)

	event := &models.SLAEscalatedEvent{
		BaseEvent:      broker.NewBaseEvent(models.EventTypeSLAEscalated),
		NotificationID: n.ID,
		OrderID:        n.OrderID,
		SellerRef:      n.SellerRef,
		Stage:          n.Stage,
		Priority:       eval.Priority,
		Indicator:      eval.Indicator,
	}
	if err := e.publisher.PublishSLAEscalated(ctx, event); err != nil {
		e.logger.Error("Failed to publish escalation event",
			zap.Int64("notification_id", n.ID),
			zap.Error(err))
	}
}

// Acknowledge moves a notification to IN_PROGRESS. Acknowledging twice is
// a no-op, not an error.
func (e *Engine) Acknowledge(ctx context.Context, notificationID int64) error {
	ctx, span := util.StartSpan(ctx, "SLAEngine.Acknowledge")
	defer span.End()

	changed, err := e.store.AcknowledgeNotification(ctx, notificationID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge notification: %w", err)
	}
	if !changed {
		e.logger.Debug("Notification already acknowledged",
			zap.Int64("notification_id", notificationID))
	}
	return nil
}

// Complete closes the stage's notifications (and any earlier stage still
// open for the order) when the order's lifecycle advances past it, then
// chains the next stage's notification per the fixed stage map.
func (e *Engine) Complete(ctx context.Context, orderID int64, sellerRef string, stage models.StageType) error {
	ctx, span := util.StartSpan(ctx, "SLAEngine.Complete")
	defer span.End()

	idx := stage.Index()
	if idx < 0 {
		return fmt.Errorf("unknown fulfillment stage: %s", stage)
	}

	completed, err := e.store.CompleteNotificationsThrough(ctx, orderID, idx)
	if err != nil {
		return fmt.Errorf("failed to complete notifications: %w", err)
	}
	for _, n := range completed {
		e.logger.Info("Fulfillment stage completed",
			zap.Int64("order_id", orderID),
			zap.String("stage", string(n.Stage)))
	}

	next := stage.NextStage()
	if next == "" {
		return nil
	}
	if _, err := e.CreateNotification(ctx, orderID, sellerRef, next); err != nil {
		return fmt.Errorf("failed to chain next stage notification: %w", err)
	}
	return nil
}

// CloseAll completes every open notification for an order without
// chaining. Used when the order is cancelled or delivered.
func (e *Engine) CloseAll(ctx context.Context, orderID int64) error {
	lastIdx := len(models.StageOrder) - 1
	if _, err := e.store.CompleteNotificationsThrough(ctx, orderID, lastIdx); err != nil {
		return fmt.Errorf("failed to close notifications: %w", err)
	}
	return nil
}

// Purge deletes completed notifications older than the retention window.
func (e *Engine) Purge(ctx context.Context) error {
	cutoff := e.now().Add(-e.retention)
	purged, err := e.store.PurgeCompletedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge notifications: %w", err)
	}
	if purged > 0 {
		e.logger.Info("Purged completed notifications",
			zap.Int64("count", purged),
			zap.Time("cutoff", cutoff))
	}
	return nil
}

// SellerDashboard returns a seller's open notifications with their
// current evaluation, most urgent first.
func (e *Engine) SellerDashboard(ctx context.Context, sellerRef string) ([]DashboardEntry, error) {
	notifications, err := e.store.ListSellerNotifications(ctx, sellerRef)
	if err != nil {
		return nil, err
	}

	now := e.now()
	entries := make([]DashboardEntry, 0, len(notifications))
	for i := range notifications {
		entries = append(entries, DashboardEntry{
			Notification: notifications[i],
			Evaluation:   Evaluate(&notifications[i], e.policies, now),
		})
	}
	sortDashboard(entries)
	return entries, nil
}

// DashboardEntry pairs a notification with its live evaluation.
type DashboardEntry struct {
	Notification models.FulfillmentNotification `json:"notification"`
	Evaluation   Evaluation                     `json:"evaluation"`
}

// sortDashboard orders by urgency level descending, then deadline.
func sortDashboard(entries []DashboardEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Evaluation.UrgencyLevel != entries[j].Evaluation.UrgencyLevel {
			return entries[i].Evaluation.UrgencyLevel > entries[j].Evaluation.UrgencyLevel
		}
		return entries[i].Notification.SLADeadline.Before(entries[j].Notification.SLADeadline)
	})
}
