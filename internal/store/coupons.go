package store

import (
	"context"
	"database/sql"
	"fmt"

	"marketplace-core/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetCouponByCode retrieves an active-or-not coupon by its code. Validity
// checks are the pricing engine's job; the store only resolves the row.
func (s *Store) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	err := s.db.GetContext(ctx, &coupon, "SELECT * FROM coupons WHERE code = $1", code)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrCouponNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	return &coupon, nil
}

// redeemCouponTx increments used_count inside the checkout transaction.
// The usage-limit guard lives in the WHERE clause, so two concurrent
// checkouts racing for the last redemption cannot both succeed.
func redeemCouponTx(ctx context.Context, tx *sqlx.Tx, couponID int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE coupons SET used_count = used_count + 1
		WHERE id = $1
		  AND is_active
		  AND expires_at > NOW()
		  AND (usage_limit IS NULL OR used_count < usage_limit)`,
		couponID)
	if err != nil {
		return fmt.Errorf("failed to redeem coupon: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("coupon %d: %w", couponID, ErrCouponExhausted)
	}
	return nil
}
