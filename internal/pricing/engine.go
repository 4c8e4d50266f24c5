package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-core/internal/models"
)

var (
	ErrInvalidShippingMethod = errors.New("invalid shipping method")
	ErrInsufficientCartData  = errors.New("insufficient cart data")
)

// CouponRejectReason is the stable reason code surfaced to callers when a
// coupon cannot be applied.
type CouponRejectReason string

const (
	CouponNotFound          CouponRejectReason = "not_found"
	CouponInactive          CouponRejectReason = "inactive"
	CouponExpired           CouponRejectReason = "expired"
	CouponUsageLimitReached CouponRejectReason = "usage_limit_reached"
	CouponBelowMinCart      CouponRejectReason = "below_min_cart_value"
)

// CouponError rejects a coupon with a specific reason. Rejection is an
// error, never a silent skip.
type CouponError struct {
	Code   string
	Reason CouponRejectReason
}

func (e *CouponError) Error() string {
	return fmt.Sprintf("coupon %q rejected: %s", e.Code, e.Reason)
}

// AsCouponError unwraps err into a *CouponError if it is one.
func AsCouponError(err error) (*CouponError, bool) {
	var ce *CouponError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// TaxPolicy configures tax computation. Rate is in basis points so that
// fractional percentages stay in integer math.
type TaxPolicy struct {
	RateBasisPoints  int64
	IncludesShipping bool
}

// CatalogReader supplies current persisted prices. Client-supplied prices
// are never trusted.
type CatalogReader interface {
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
}

// Engine computes authoritative order totals. It has no side effects
// beyond catalog price reads.
type Engine struct {
	catalog         CatalogReader
	shippingMethods map[string]int64
	taxPolicy       TaxPolicy
}

// NewEngine creates a pricing engine with the given shipping price table
// and tax policy.
func NewEngine(catalog CatalogReader, shippingMethods map[string]int64, taxPolicy TaxPolicy) *Engine {
	return &Engine{
		catalog:         catalog,
		shippingMethods: shippingMethods,
		taxPolicy:       taxPolicy,
	}
}

// ComputeTotals derives the full pricing breakdown for a cart snapshot.
// All math is in minor units; tax and percentage discounts round half up.
func (e *Engine) ComputeTotals(ctx context.Context, items []models.CartItem, shippingMethod string, coupon *models.Coupon) (*models.PricingBreakdown, map[int64]models.Product, error) {
	if len(items) == 0 {
		return nil, nil, ErrInsufficientCartData
	}
	for _, item := range items {
		if item.ProductID <= 0 || item.Quantity <= 0 {
			return nil, nil, ErrInsufficientCartData
		}
	}

	shippingCost, ok := e.shippingMethods[shippingMethod]
	if !ok {
		return nil, nil, ErrInvalidShippingMethod
	}

	products, err := e.lookupProducts(ctx, items)
	if err != nil {
		return nil, nil, err
	}

	var subtotal int64
	for _, item := range items {
		subtotal += products[item.ProductID].Price * int64(item.Quantity)
	}

	var discount int64
	if coupon != nil {
		discount, err = ApplyCoupon(coupon, subtotal, time.Now())
		if err != nil {
			return nil, nil, err
		}
	}

	taxBase := subtotal
	if e.taxPolicy.IncludesShipping {
		taxBase += shippingCost
	}
	taxAmount := roundHalfUp(taxBase*e.taxPolicy.RateBasisPoints, 10000)

	breakdown := &models.PricingBreakdown{
		Subtotal:           subtotal,
		ShippingCost:       shippingCost,
		TaxRateBasisPoints: e.taxPolicy.RateBasisPoints,
		TaxAmount:          taxAmount,
		DiscountAmount:     discount,
		GrandTotal:         subtotal + shippingCost + taxAmount - discount,
	}
	return breakdown, products, nil
}

// ApplyCoupon validates the coupon against the subtotal and returns the
// discount amount in minor units.
func ApplyCoupon(coupon *models.Coupon, subtotal int64, now time.Time) (int64, error) {
	switch {
	case !coupon.IsActive:
		return 0, &CouponError{Code: coupon.Code, Reason: CouponInactive}
	case now.After(coupon.ExpiresAt):
		return 0, &CouponError{Code: coupon.Code, Reason: CouponExpired}
	case coupon.UsageLimit.Valid && coupon.UsedCount >= coupon.UsageLimit.Int64:
		return 0, &CouponError{Code: coupon.Code, Reason: CouponUsageLimitReached}
	case coupon.MinCartValue.Valid && subtotal < coupon.MinCartValue.Int64:
		return 0, &CouponError{Code: coupon.Code, Reason: CouponBelowMinCart}
	}

	var discount int64
	switch coupon.DiscountType {
	case models.DiscountTypePercentage:
		discount = roundHalfUp(subtotal*coupon.DiscountValue, 100)
		if coupon.MaxDiscount.Valid && discount > coupon.MaxDiscount.Int64 {
			discount = coupon.MaxDiscount.Int64
		}
	case models.DiscountTypeFixed:
		discount = coupon.DiscountValue
	default:
		return 0, fmt.Errorf("unknown discount type: %s", coupon.DiscountType)
	}

	// Discount never exceeds the order value.
	if discount > subtotal {
		discount = subtotal
	}
	return discount, nil
}

func (e *Engine) lookupProducts(ctx context.Context, items []models.CartItem) (map[int64]models.Product, error) {
	ids := make([]int64, 0, len(items))
	seen := make(map[int64]bool, len(items))
	for _, item := range items {
		if !seen[item.ProductID] {
			seen[item.ProductID] = true
			ids = append(ids, item.ProductID)
		}
	}

	products, err := e.catalog.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog prices: %w", err)
	}
	if len(products) != len(ids) {
		return nil, ErrInsufficientCartData
	}

	productMap := make(map[int64]models.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}
	return productMap, nil
}

// roundHalfUp divides num by den rounding half away from zero. num is a
// scaled integer (cents times a rate factor), den the scale.
func roundHalfUp(num, den int64) int64 {
	return (num + den/2) / den
}
