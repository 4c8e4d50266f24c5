package service

import (
	"context"
	"sync"
	"testing"

	"marketplace-core/internal/models"
	"marketplace-core/internal/notify"
	"marketplace-core/internal/provider"
	"marketplace-core/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReconStore struct {
	mu              sync.Mutex
	order           *models.Order
	items           []models.OrderItem
	applied         bool
	applyErr        error
	alreadyApplied  bool
	markFailedNoop  bool
	markedFailed    bool
	reconciliations []models.Reconciliation
}

func (f *fakeReconStore) GetOrderByProviderRef(_ context.Context, providerRef string) (*models.Order, error) {
	if f.order == nil || f.order.ProviderRef.String != providerRef {
		return nil, store.ErrOrderNotFound
	}
	return f.order, nil
}

func (f *fakeReconStore) GetOrderItems(_ context.Context, _ int64) ([]models.OrderItem, error) {
	return f.items, nil
}

func (f *fakeReconStore) ApplyPayment(_ context.Context, _ int64, _ string, items []models.OrderItem) (bool, []store.StockChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return false, nil, f.applyErr
	}
	if f.alreadyApplied {
		return false, nil, nil
	}
	f.applied = true
	changes := make([]store.StockChange, 0, len(items))
	for _, item := range items {
		changes = append(changes, store.StockChange{ProductID: item.ProductID, NewStock: 3, IsActive: true})
	}
	return true, changes, nil
}

func (f *fakeReconStore) MarkPaymentFailed(_ context.Context, _ int64) (bool, error) {
	if f.markFailedNoop {
		return false, nil
	}
	f.markedFailed = true
	return true, nil
}

func (f *fakeReconStore) RecordReconciliation(_ context.Context, r *models.Reconciliation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciliations = append(f.reconciliations, *r)
	return nil
}

type scriptedProvider struct {
	name    string
	result  *provider.VerifyResult
	err     error
	verifys int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) CreateIntent(_ context.Context, _ int64, _ string, _ map[string]string) (string, error) {
	return "ref", nil
}

func (p *scriptedProvider) Verify(_ context.Context, _ string) (*provider.VerifyResult, error) {
	p.verifys++
	return p.result, p.err
}

type fakeSettler struct {
	mu        sync.Mutex
	settled   map[int64]int
	released  map[int64]int
	published []store.StockChange
}

func newFakeSettler() *fakeSettler {
	return &fakeSettler{settled: make(map[int64]int), released: make(map[int64]int)}
}

func (f *fakeSettler) SettleHold(_ context.Context, productID int64, qty int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled[productID] += qty
}

func (f *fakeSettler) Release(_ context.Context, productID int64, qty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[productID] += qty
	return nil
}

func (f *fakeSettler) PublishStockChange(change store.StockChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, change)
}

type recordingAlerts struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingAlerts) Send(_ context.Context, _ notify.Channel, _, templateID string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, templateID)
}

type fakeReconPublisher struct {
	mu         sync.Mutex
	confirmed  []*models.OrderConfirmedEvent
	reconciled []*models.PaymentReconciledEvent
	failed     []*models.PaymentFailedEvent
}

func (f *fakeReconPublisher) PublishOrderConfirmed(_ context.Context, e *models.OrderConfirmedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, e)
	return nil
}

func (f *fakeReconPublisher) PublishPaymentReconciled(_ context.Context, e *models.PaymentReconciledEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = append(f.reconciled, e)
	return nil
}

func (f *fakeReconPublisher) PublishPaymentFailed(_ context.Context, e *models.PaymentFailedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, e)
	return nil
}

func pendingCardOrder() *models.Order {
	order := &models.Order{
		ID:            42,
		CustomerRef:   "cust-1",
		Status:        models.OrderStatusConfirmed,
		PaymentStatus: models.PaymentStatusPending,
		PaymentMethod: models.PaymentMethodCard,
	}
	order.ProviderRef.String = "pi_abc"
	order.ProviderRef.Valid = true
	order.GrandTotal = 12100
	return order
}

func newReconcilerFixture(result *provider.VerifyResult) (*Reconciler, *fakeReconStore, *fakeSettler, *fakeStageOpener, *recordingAlerts, *fakeReconPublisher, *scriptedProvider) {
	reconStore := &fakeReconStore{
		order: pendingCardOrder(),
		items: []models.OrderItem{
			{ProductID: 1, SellerRef: "seller-a", Quantity: 2, UnitPrice: 2500},
			{ProductID: 2, SellerRef: "seller-a", Quantity: 1, UnitPrice: 5000},
		},
	}
	p := &scriptedProvider{name: "card", result: result}
	settler := newFakeSettler()
	opener := &fakeStageOpener{}
	alerts := &recordingAlerts{}
	publisher := &fakeReconPublisher{}
	rec := NewReconciler(reconStore, provider.NewRegistry(p), settler, opener, alerts, publisher)
	return rec, reconStore, settler, opener, alerts, publisher, p
}

func TestConfirmPaymentApplied(t *testing.T) {
	rec, reconStore, settler, opener, alerts, publisher, p := newReconcilerFixture(
		&provider.VerifyResult{Status: provider.VerifySucceeded, Amount: 12100})

	result, err := rec.ConfirmPayment(context.Background(), "card", "pi_abc")
	require.NoError(t, err)

	assert.Equal(t, models.ReconciliationApplied, result.Outcome)
	assert.Equal(t, 1, p.verifys)
	assert.True(t, reconStore.applied)

	assert.Equal(t, 2, settler.settled[1])
	assert.Equal(t, 1, settler.settled[2])
	assert.Len(t, settler.published, 2)

	require.Len(t, opener.opened, 1)
	assert.Equal(t, models.StageProcessing, opener.opened[0])
	assert.Equal(t, int64(42), opener.orders[0])

	require.Len(t, reconStore.reconciliations, 1)
	assert.Equal(t, models.ReconciliationApplied, reconStore.reconciliations[0].Outcome)

	assert.Len(t, publisher.confirmed, 1)
	assert.Len(t, publisher.reconciled, 1)
	assert.Contains(t, alerts.sent, "order_confirmed")
}

func TestConfirmPaymentDuplicateAbsorbed(t *testing.T) {
	rec, reconStore, settler, opener, _, publisher, _ := newReconcilerFixture(
		&provider.VerifyResult{Status: provider.VerifySucceeded, Amount: 12100})
	reconStore.alreadyApplied = true

	result, err := rec.ConfirmPayment(context.Background(), "card", "pi_abc")
	require.NoError(t, err)

	assert.True(t, result.Duplicate)
	assert.Equal(t, models.ReconciliationDuplicate, result.Outcome)
	assert.Empty(t, settler.settled)
	assert.Empty(t, settler.published)
	assert.Empty(t, opener.opened)
	assert.Empty(t, publisher.confirmed)

	require.Len(t, reconStore.reconciliations, 1)
	assert.Equal(t, models.ReconciliationDuplicate, reconStore.reconciliations[0].Outcome)
}

func TestConfirmPaymentPendingChangesNothing(t *testing.T) {
	rec, reconStore, settler, _, _, _, _ := newReconcilerFixture(
		&provider.VerifyResult{Status: provider.VerifyPending})

	_, err := rec.ConfirmPayment(context.Background(), "card", "pi_abc")
	require.ErrorIs(t, err, ErrPaymentPending)

	assert.False(t, reconStore.applied)
	assert.Empty(t, settler.settled)
	assert.Empty(t, reconStore.reconciliations)
}

func TestConfirmPaymentFailedMarksOrder(t *testing.T) {
	rec, reconStore, settler, _, alerts, publisher, _ := newReconcilerFixture(
		&provider.VerifyResult{Status: provider.VerifyFailed})

	result, err := rec.ConfirmPayment(context.Background(), "card", "pi_abc")
	require.ErrorIs(t, err, ErrPaymentFailed)

	assert.Equal(t, models.ReconciliationFailed, result.Outcome)
	assert.True(t, reconStore.markedFailed)
	assert.False(t, reconStore.applied)
	assert.Len(t, publisher.failed, 1)
	assert.Contains(t, alerts.sent, "payment_failed")

	// The checkout holds go back so the stock is sellable again.
	assert.Equal(t, 2, settler.released[1])
	assert.Equal(t, 1, settler.released[2])
	assert.Empty(t, settler.settled)
}

func TestConfirmPaymentLateFailureSignalIgnored(t *testing.T) {
	rec, reconStore, settler, _, _, publisher, _ := newReconcilerFixture(
		&provider.VerifyResult{Status: provider.VerifyFailed})
	reconStore.markFailedNoop = true

	result, err := rec.ConfirmPayment(context.Background(), "card", "pi_abc")
	require.NoError(t, err)

	assert.True(t, result.Duplicate)
	assert.Empty(t, publisher.failed)
	assert.Empty(t, reconStore.reconciliations)
	// The payment already settled; there are no holds left to release.
	assert.Empty(t, settler.released)
}

func TestConfirmPaymentAmountMismatchFlagsReview(t *testing.T) {
	rec, reconStore, _, _, alerts, _, _ := newReconcilerFixture(
		&provider.VerifyResult{Status: provider.VerifySucceeded, Amount: 9999})

	result, err := rec.ConfirmPayment(context.Background(), "card", "pi_abc")
	require.ErrorIs(t, err, ErrManualReview)

	assert.Equal(t, models.ReconciliationManualReview, result.Outcome)
	assert.False(t, reconStore.applied)
	require.Len(t, reconStore.reconciliations, 1)
	assert.Equal(t, models.ReconciliationManualReview, reconStore.reconciliations[0].Outcome)
	assert.Contains(t, alerts.sent, "payment_manual_review")
}

func TestConfirmPaymentStockoutFlagsReview(t *testing.T) {
	rec, reconStore, settler, opener, _, publisher, _ := newReconcilerFixture(
		&provider.VerifyResult{Status: provider.VerifySucceeded, Amount: 12100})
	reconStore.applyErr = store.ErrInsufficientStock

	_, err := rec.ConfirmPayment(context.Background(), "card", "pi_abc")
	require.ErrorIs(t, err, ErrManualReview)

	assert.Empty(t, settler.settled)
	assert.Empty(t, opener.opened)
	assert.Empty(t, publisher.confirmed)
	require.Len(t, reconStore.reconciliations, 1)
	assert.Equal(t, models.ReconciliationManualReview, reconStore.reconciliations[0].Outcome)
}

func TestFailPaymentWithoutVerify(t *testing.T) {
	rec, reconStore, settler, _, _, publisher, p := newReconcilerFixture(
		&provider.VerifyResult{Status: provider.VerifySucceeded, Amount: 12100})

	result, err := rec.FailPayment(context.Background(), "card", "pi_abc", "card declined")
	require.ErrorIs(t, err, ErrPaymentFailed)

	assert.Equal(t, models.ReconciliationFailed, result.Outcome)
	assert.True(t, reconStore.markedFailed)
	assert.Zero(t, p.verifys)
	require.Len(t, publisher.failed, 1)
	assert.Equal(t, "card declined", publisher.failed[0].Reason)
	assert.Equal(t, 2, settler.released[1])
	assert.Equal(t, 1, settler.released[2])
}

func TestConfirmPaymentUnknownProvider(t *testing.T) {
	rec, _, _, _, _, _, _ := newReconcilerFixture(
		&provider.VerifyResult{Status: provider.VerifySucceeded})

	_, err := rec.ConfirmPayment(context.Background(), "bitcoin", "pi_abc")
	require.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestConfirmPaymentUnknownReference(t *testing.T) {
	rec, _, _, _, _, _, _ := newReconcilerFixture(
		&provider.VerifyResult{Status: provider.VerifySucceeded, Amount: 12100})

	_, err := rec.ConfirmPayment(context.Background(), "card", "pi_missing")
	require.ErrorIs(t, err, store.ErrOrderNotFound)
}
