package service

import "errors"

var (
	// ErrInvalidTransition is returned when a requested order status
	// change is not in the transition table, or the order is terminal.
	ErrInvalidTransition = errors.New("invalid order status transition")

	// ErrPaymentPending means the provider has not settled the payment
	// yet. A later webhook or poll resolves it; nothing was changed.
	ErrPaymentPending = errors.New("payment still pending at provider")

	// ErrPaymentFailed means the provider reported settlement failure.
	ErrPaymentFailed = errors.New("payment failed at provider")

	// ErrManualReview means the payment was verified as succeeded but
	// its effects could not be committed; the order is flagged for an
	// operator.
	ErrManualReview = errors.New("payment flagged for manual reconciliation")
)
