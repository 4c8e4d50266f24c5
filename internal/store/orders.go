package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marketplace-core/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateOrderParams carries everything the checkout transaction persists.
type CreateOrderParams struct {
	CustomerRef    string
	Status         models.OrderStatus
	PaymentStatus  models.PaymentStatus
	PaymentMethod  models.PaymentMethod
	ProviderRef    string
	CouponID       int64
	IdempotencyKey string
	Pricing        models.PricingBreakdown
	Items          []models.OrderItem
	CommitStock    bool
}

// ErrConflict is returned when a guarded status update matched no row,
// meaning a concurrent writer got there first.
var ErrConflict = errors.New("conflicting concurrent update")

// CreateOrder persists an order, its items and the coupon redemption in one
// transaction. When CommitStock is set (immediate-settlement methods) the
// per-item stock decrements join the same transaction, so a partial order
// is never visible. Returns the created order and, when stock was
// committed, the resulting stock changes for event emission.
func (s *Store) CreateOrder(ctx context.Context, params CreateOrderParams) (*models.Order, []StockChange, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	var order models.Order
	err = tx.GetContext(ctx, &order, `
		INSERT INTO orders (customer_ref, status, payment_status, payment_method,
		                    provider_ref, coupon_id, idempotency_key,
		                    subtotal, shipping_cost, tax_rate_bp, tax_amount,
		                    discount_amount, grand_total)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, 0), $7,
		        $8, $9, $10, $11, $12, $13)
		RETURNING *`,
		params.CustomerRef, params.Status, params.PaymentStatus, params.PaymentMethod,
		params.ProviderRef, params.CouponID, params.IdempotencyKey,
		params.Pricing.Subtotal, params.Pricing.ShippingCost, params.Pricing.TaxRateBasisPoints,
		params.Pricing.TaxAmount, params.Pricing.DiscountAmount, params.Pricing.GrandTotal)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range params.Items {
		item := &params.Items[i]
		item.OrderID = order.ID
		err = tx.GetContext(ctx, &item.ID, `
			INSERT INTO order_items (order_id, product_id, seller_ref, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			item.OrderID, item.ProductID, item.SellerRef, item.Quantity, item.UnitPrice)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if params.CouponID != 0 {
		if err := redeemCouponTx(ctx, tx, params.CouponID); err != nil {
			return nil, nil, err
		}
	}

	var changes []StockChange
	if params.CommitStock {
		for _, item := range params.Items {
			change, err := decrementStockTx(ctx, tx, item.ProductID, item.Quantity)
			if err != nil {
				return nil, nil, err
			}
			changes = append(changes, *change)
		}
		if err := clearCartTx(ctx, tx, params.CustomerRef); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return &order, changes, nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByProviderRef retrieves the single order bound to an external
// payment reference. provider_ref carries a unique constraint, which is
// what makes the reconciliation mapping one-to-one.
func (s *Store) GetOrderByProviderRef(ctx context.Context, providerRef string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE provider_ref = $1", providerRef)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: provider ref %s", ErrOrderNotFound, providerRef)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey returns nil without error when no order exists
// for the key.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE idempotency_key = $1", key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByCustomer retrieves orders for a customer
func (s *Store) GetOrdersByCustomer(ctx context.Context, customerRef string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE customer_ref = $1 ORDER BY created_at DESC", customerRef)
	return orders, err
}

// GetOrderItems retrieves all items for an order
func (s *Store) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1", orderID)
	return items, err
}

// UpdateOrderStatus advances the order status with an optimistic guard on
// the expected current status. Returns ErrConflict when a concurrent
// writer already moved the order.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, orderID, from)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("order %d no longer in status %s: %w", orderID, from, ErrConflict)
	}
	return nil
}

// CancelOrder marks the order cancelled while it is still cancellable.
// The guard makes cancellation race-safe against a concurrent advance.
func (s *Store) CancelOrder(ctx context.Context, orderID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)`,
		models.OrderStatusCancelled, orderID,
		models.OrderStatusPending, models.OrderStatusConfirmed)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ApplyPayment commits the effects of a verified payment in a single
// transaction: the one-way PENDING->PAID edge, the per-item stock
// decrements and the cart clear. The conditional mark-paid is the
// idempotency guard: when it matches no row the payment was already
// applied and the transaction performs no side effects.
func (s *Store) ApplyPayment(ctx context.Context, orderID int64, customerRef string, items []models.OrderItem) (bool, []StockChange, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET payment_status = $1, updated_at = NOW()
		WHERE id = $2 AND payment_status <> $1`,
		models.PaymentStatusPaid, orderID)
	if err != nil {
		return false, nil, fmt.Errorf("failed to mark order paid: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if rows == 0 {
		return false, nil, nil
	}

	changes := make([]StockChange, 0, len(items))
	for _, item := range items {
		change, err := decrementStockTx(ctx, tx, item.ProductID, item.Quantity)
		if err != nil {
			// Rolls back the whole payment commit, mark-paid included.
			return false, nil, err
		}
		changes = append(changes, *change)
	}

	if err := clearCartTx(ctx, tx, customerRef); err != nil {
		return false, nil, err
	}

	if err := tx.Commit(); err != nil {
		return false, nil, err
	}
	return true, changes, nil
}

// MarkPaymentFailed records a provider-reported settlement failure.
// Inventory is untouched; the guard keeps a late failure signal from
// clobbering an already-applied payment.
func (s *Store) MarkPaymentFailed(ctx context.Context, orderID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET payment_status = $1, updated_at = NOW()
		WHERE id = $2 AND payment_status = $3`,
		models.PaymentStatusFailed, orderID, models.PaymentStatusPending)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func clearCartTx(ctx context.Context, tx *sqlx.Tx, customerRef string) error {
	_, err := tx.ExecContext(ctx, "DELETE FROM cart_items WHERE customer_ref = $1", customerRef)
	if err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}
