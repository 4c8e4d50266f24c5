package store

import (
	"context"

	"marketplace-core/internal/models"
)

// RecordReconciliation appends one confirmPayment outcome to the audit
// trail. Manual-review rows are what operators work from when a paid
// order failed to commit.
func (s *Store) RecordReconciliation(ctx context.Context, r *models.Reconciliation) error {
	return s.db.GetContext(ctx, r, `
		INSERT INTO reconciliations (provider_ref, provider, order_id, outcome, detail)
		VALUES ($1, $2, NULLIF($3, 0), $4, $5)
		RETURNING *`,
		r.ProviderRef, r.Provider, r.OrderID.Int64, r.Outcome, r.Detail)
}

// ListManualReviewReconciliations lists reconciliations awaiting an
// operator, oldest first.
func (s *Store) ListManualReviewReconciliations(ctx context.Context) ([]models.Reconciliation, error) {
	var out []models.Reconciliation
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM reconciliations
		WHERE outcome = $1 ORDER BY created_at`,
		models.ReconciliationManualReview)
	return out, err
}
