package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"marketplace-core/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateNotification persists a fulfillment notification with its fixed
// SLA deadline.
func (s *Store) CreateNotification(ctx context.Context, n *models.FulfillmentNotification) error {
	return s.db.GetContext(ctx, n, `
		INSERT INTO fulfillment_notifications
			(order_id, seller_ref, stage, priority, status, sla_deadline)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *`,
		n.OrderID, n.SellerRef, n.Stage, n.Priority, n.Status, n.SLADeadline)
}

// GetNotificationByID retrieves a notification by ID
func (s *Store) GetNotificationByID(ctx context.Context, id int64) (*models.FulfillmentNotification, error) {
	var n models.FulfillmentNotification
	err := s.db.GetContext(ctx, &n, "SELECT * FROM fulfillment_notifications WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("notification not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ListPendingNotifications loads every notification the sweep has to
// re-evaluate.
func (s *Store) ListPendingNotifications(ctx context.Context) ([]models.FulfillmentNotification, error) {
	var out []models.FulfillmentNotification
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM fulfillment_notifications WHERE status = $1 ORDER BY sla_deadline",
		models.NotificationPending)
	return out, err
}

// ListSellerNotifications lists open notifications for a seller dashboard,
// most urgent first.
func (s *Store) ListSellerNotifications(ctx context.Context, sellerRef string) ([]models.FulfillmentNotification, error) {
	var out []models.FulfillmentNotification
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM fulfillment_notifications
		WHERE seller_ref = $1 AND status <> $2
		ORDER BY sla_deadline ASC, created_at ASC`,
		sellerRef, models.NotificationCompleted)
	return out, err
}

// EscalatePriority raises a pending notification's priority. The status
// guard keeps escalation from touching acknowledged or completed rows,
// and the rank guard makes the write monotonic: a stale sweep carrying a
// lower priority matches no row instead of downgrading a concurrent
// escalation.
func (s *Store) EscalatePriority(ctx context.Context, id int64, priority models.Priority) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE fulfillment_notifications SET priority = $1
		WHERE id = $2 AND status = $3
		  AND array_position(ARRAY['MEDIUM','HIGH','URGENT'], priority)
		    < array_position(ARRAY['MEDIUM','HIGH','URGENT'], $1::text)`,
		priority, id, models.NotificationPending)
	return err
}

// AcknowledgeNotification moves PENDING -> IN_PROGRESS. Acknowledging an
// already-acknowledged notification matches no row, which callers treat
// as a no-op.
func (s *Store) AcknowledgeNotification(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fulfillment_notifications
		SET status = $1, acknowledged_at = NOW()
		WHERE id = $2 AND status = $3`,
		models.NotificationInProgress, id, models.NotificationPending)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// CompleteNotificationsThrough completes every open notification for the
// order whose stage is at or before the given position in the stage chain.
// Returns the completed rows so the engine can chain the next stage.
func (s *Store) CompleteNotificationsThrough(ctx context.Context, orderID int64, stageIndex int) ([]models.FulfillmentNotification, error) {
	stages := make([]string, 0, stageIndex+1)
	for i, stage := range models.StageOrder {
		if i > stageIndex {
			break
		}
		stages = append(stages, string(stage))
	}

	query, args, err := sqlx.In(`
		UPDATE fulfillment_notifications
		SET status = ?, completed_at = NOW()
		WHERE order_id = ? AND status IN (?, ?) AND stage IN (?)
		RETURNING *`,
		models.NotificationCompleted, orderID,
		models.NotificationPending, models.NotificationInProgress, stages)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var completed []models.FulfillmentNotification
	if err := s.db.SelectContext(ctx, &completed, query, args...); err != nil {
		return nil, err
	}
	return completed, nil
}

// HasNotificationForStage reports whether a notification already exists
// for the order and stage, so chaining never creates duplicates.
func (s *Store) HasNotificationForStage(ctx context.Context, orderID int64, stage models.StageType) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM fulfillment_notifications
			WHERE order_id = $1 AND stage = $2)`,
		orderID, stage)
	return exists, err
}

// PurgeCompletedBefore deletes completed notifications older than the
// retention cutoff. Returns the number of purged rows.
func (s *Store) PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM fulfillment_notifications
		WHERE status = $1 AND completed_at < $2`,
		models.NotificationCompleted, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
