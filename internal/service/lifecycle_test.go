package service

import (
	"context"
	"sync"
	"testing"

	"marketplace-core/internal/models"
	"marketplace-core/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLifecycleStore struct {
	mu     sync.Mutex
	orders map[int64]*models.Order
	items  map[int64][]models.OrderItem
}

func newFakeLifecycleStore() *fakeLifecycleStore {
	return &fakeLifecycleStore{
		orders: make(map[int64]*models.Order),
		items:  make(map[int64][]models.OrderItem),
	}
}

func (f *fakeLifecycleStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (f *fakeLifecycleStore) GetOrdersByCustomer(_ context.Context, customerRef string) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.orders {
		if o.CustomerRef == customerRef {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeLifecycleStore) GetOrderItems(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[orderID], nil
}

func (f *fakeLifecycleStore) UpdateOrderStatus(_ context.Context, orderID int64, from, to models.OrderStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok || order.Status != from {
		return store.ErrConflict
	}
	order.Status = to
	return nil
}

func (f *fakeLifecycleStore) CancelOrder(_ context.Context, orderID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok || !order.Status.Cancellable() {
		return false, nil
	}
	order.Status = models.OrderStatusCancelled
	return true, nil
}

type fakeStageTracker struct {
	mu        sync.Mutex
	completed []models.StageType
	closedAll []int64
}

func (f *fakeStageTracker) Complete(_ context.Context, _ int64, _ string, stage models.StageType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, stage)
	return nil
}

func (f *fakeStageTracker) CloseAll(_ context.Context, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedAll = append(f.closedAll, orderID)
	return nil
}

type fakeReleaser struct {
	mu       sync.Mutex
	released map[int64]int
}

func (f *fakeReleaser) Release(_ context.Context, productID int64, qty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released == nil {
		f.released = make(map[int64]int)
	}
	f.released[productID] += qty
	return nil
}

type fakeLifecyclePublisher struct {
	mu        sync.Mutex
	cancelled []*models.OrderCancelledEvent
	advanced  []*models.OrderAdvancedEvent
}

func (f *fakeLifecyclePublisher) PublishOrderCancelled(_ context.Context, e *models.OrderCancelledEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, e)
	return nil
}

func (f *fakeLifecyclePublisher) PublishOrderAdvanced(_ context.Context, e *models.OrderAdvancedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanced = append(f.advanced, e)
	return nil
}

func newLifecycleFixture() (*LifecycleService, *fakeLifecycleStore, *fakeStageTracker, *fakeReleaser, *fakeLifecyclePublisher) {
	lifecycleStore := newFakeLifecycleStore()
	tracker := &fakeStageTracker{}
	releaser := &fakeReleaser{}
	publisher := &fakeLifecyclePublisher{}
	svc := NewLifecycleService(lifecycleStore, tracker, releaser, &recordingAlerts{}, publisher)
	return svc, lifecycleStore, tracker, releaser, publisher
}

func seedOrder(s *fakeLifecycleStore, status models.OrderStatus, paymentStatus models.PaymentStatus, method models.PaymentMethod) *models.Order {
	order := &models.Order{
		ID:            7,
		CustomerRef:   "cust-1",
		Status:        status,
		PaymentStatus: paymentStatus,
		PaymentMethod: method,
	}
	s.orders[order.ID] = order
	s.items[order.ID] = []models.OrderItem{
		{ProductID: 1, SellerRef: "seller-a", Quantity: 2},
	}
	return order
}

func TestAdvanceCompletesStage(t *testing.T) {
	svc, lifecycleStore, tracker, _, publisher := newLifecycleFixture()
	seedOrder(lifecycleStore, models.OrderStatusConfirmed, models.PaymentStatusPaid, models.PaymentMethodCOD)

	order, err := svc.Advance(context.Background(), 7, models.OrderStatusProcessing)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusProcessing, order.Status)
	require.Len(t, tracker.completed, 1)
	assert.Equal(t, models.StageProcessing, tracker.completed[0])
	require.Len(t, publisher.advanced, 1)
	assert.Equal(t, models.OrderStatusProcessing, publisher.advanced[0].Status)
}

func TestAdvanceFullChain(t *testing.T) {
	svc, lifecycleStore, tracker, _, _ := newLifecycleFixture()
	seedOrder(lifecycleStore, models.OrderStatusConfirmed, models.PaymentStatusPaid, models.PaymentMethodCOD)

	for _, next := range []models.OrderStatus{
		models.OrderStatusProcessing,
		models.OrderStatusPacked,
		models.OrderStatusShipped,
		models.OrderStatusDelivered,
	} {
		_, err := svc.Advance(context.Background(), 7, next)
		require.NoError(t, err, "advancing to %s", next)
	}

	// Each transition completes the stage whose window it closes, so the
	// chain opens confirmation, shipping_prep and shipped in turn.
	assert.Equal(t, []models.StageType{
		models.StageProcessing,
		models.StageConfirmation,
		models.StageShippingPrep,
		models.StageDelivered,
	}, tracker.completed)
}

func TestAdvancePackedCompletesConfirmation(t *testing.T) {
	svc, lifecycleStore, tracker, _, _ := newLifecycleFixture()
	seedOrder(lifecycleStore, models.OrderStatusProcessing, models.PaymentStatusPaid, models.PaymentMethodCOD)

	_, err := svc.Advance(context.Background(), 7, models.OrderStatusPacked)
	require.NoError(t, err)

	require.Len(t, tracker.completed, 1)
	assert.Equal(t, models.StageConfirmation, tracker.completed[0])
}

func TestAdvanceRejectsSkippedStatus(t *testing.T) {
	svc, lifecycleStore, _, _, _ := newLifecycleFixture()
	seedOrder(lifecycleStore, models.OrderStatusConfirmed, models.PaymentStatusPaid, models.PaymentMethodCOD)

	_, err := svc.Advance(context.Background(), 7, models.OrderStatusShipped)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAdvanceRequiresSettledPayment(t *testing.T) {
	svc, lifecycleStore, tracker, _, _ := newLifecycleFixture()
	seedOrder(lifecycleStore, models.OrderStatusConfirmed, models.PaymentStatusPending, models.PaymentMethodCard)

	_, err := svc.Advance(context.Background(), 7, models.OrderStatusProcessing)
	require.ErrorIs(t, err, ErrPaymentPending)
	assert.Empty(t, tracker.completed)
}

func TestAdvanceTerminalOrder(t *testing.T) {
	svc, lifecycleStore, _, _, _ := newLifecycleFixture()
	seedOrder(lifecycleStore, models.OrderStatusDelivered, models.PaymentStatusPaid, models.PaymentMethodCOD)

	_, err := svc.Advance(context.Background(), 7, models.OrderStatusProcessing)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelPendingDeferredReleasesHolds(t *testing.T) {
	svc, lifecycleStore, tracker, releaser, publisher := newLifecycleFixture()
	seedOrder(lifecycleStore, models.OrderStatusConfirmed, models.PaymentStatusPending, models.PaymentMethodCard)

	order, err := svc.Cancel(context.Background(), 7, "customer request")
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Equal(t, 2, releaser.released[1])
	assert.Equal(t, []int64{7}, tracker.closedAll)
	require.Len(t, publisher.cancelled, 1)
	assert.Equal(t, "customer request", publisher.cancelled[0].Reason)
}

func TestCancelPaidOrderKeepsStock(t *testing.T) {
	svc, lifecycleStore, _, releaser, _ := newLifecycleFixture()
	seedOrder(lifecycleStore, models.OrderStatusConfirmed, models.PaymentStatusPaid, models.PaymentMethodCOD)

	_, err := svc.Cancel(context.Background(), 7, "changed mind")
	require.NoError(t, err)

	// Committed stock is a restock flow, not a hold release.
	assert.Empty(t, releaser.released)
}

func TestCancelRejectedOnceFulfilling(t *testing.T) {
	svc, lifecycleStore, tracker, _, _ := newLifecycleFixture()
	seedOrder(lifecycleStore, models.OrderStatusShipped, models.PaymentStatusPaid, models.PaymentMethodCOD)

	_, err := svc.Cancel(context.Background(), 7, "too late")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, tracker.closedAll)
}

func TestGetOrderDetail(t *testing.T) {
	svc, lifecycleStore, _, _, _ := newLifecycleFixture()
	seedOrder(lifecycleStore, models.OrderStatusConfirmed, models.PaymentStatusPaid, models.PaymentMethodCOD)

	detail, err := svc.GetOrder(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), detail.Order.ID)
	require.Len(t, detail.Items, 1)
	assert.Equal(t, int64(1), detail.Items[0].ProductID)
}

func TestGetOrderNotFound(t *testing.T) {
	svc, _, _, _, _ := newLifecycleFixture()

	_, err := svc.GetOrder(context.Background(), 99)
	require.ErrorIs(t, err, store.ErrOrderNotFound)
}
