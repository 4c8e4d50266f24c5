package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"marketplace-core/internal/models"
	"marketplace-core/internal/pricing"
	"marketplace-core/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCheckoutStore struct {
	mu         sync.Mutex
	byIdemKey  map[string]*models.Order
	coupons    map[string]*models.Coupon
	created    []store.CreateOrderParams
	nextID     int64
	createErr  error
	commitFail bool
}

func newFakeCheckoutStore() *fakeCheckoutStore {
	return &fakeCheckoutStore{
		byIdemKey: make(map[string]*models.Order),
		coupons:   make(map[string]*models.Coupon),
		nextID:    100,
	}
}

func (f *fakeCheckoutStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byIdemKey[key], nil
}

func (f *fakeCheckoutStore) GetCouponByCode(_ context.Context, code string) (*models.Coupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.coupons[code]
	if !ok {
		return nil, store.ErrCouponNotFound
	}
	return c, nil
}

func (f *fakeCheckoutStore) CreateOrder(_ context.Context, params store.CreateOrderParams) (*models.Order, []store.StockChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, nil, f.createErr
	}
	if params.CommitStock && f.commitFail {
		return nil, nil, store.ErrInsufficientStock
	}
	f.created = append(f.created, params)
	f.nextID++
	order := &models.Order{
		ID:               f.nextID,
		CustomerRef:      params.CustomerRef,
		Status:           params.Status,
		PaymentStatus:    params.PaymentStatus,
		PaymentMethod:    params.PaymentMethod,
		IdempotencyKey:   params.IdempotencyKey,
		PricingBreakdown: params.Pricing,
	}
	if params.ProviderRef != "" {
		order.ProviderRef.String = params.ProviderRef
		order.ProviderRef.Valid = true
	}
	f.byIdemKey[params.IdempotencyKey] = order

	var changes []store.StockChange
	if params.CommitStock {
		for _, item := range params.Items {
			changes = append(changes, store.StockChange{ProductID: item.ProductID, NewStock: 5, IsActive: true})
		}
	}
	return order, changes, nil
}

type fakePricer struct {
	breakdown models.PricingBreakdown
	products  map[int64]models.Product
	err       error
}

func (f *fakePricer) ComputeTotals(_ context.Context, _ []models.CartItem, _ string, _ *models.Coupon) (*models.PricingBreakdown, map[int64]models.Product, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	b := f.breakdown
	return &b, f.products, nil
}

type fakeReserver struct {
	mu        sync.Mutex
	reserved  map[int64]int
	released  map[int64]int
	published []store.StockChange
	failOn    int64
}

func newFakeReserver() *fakeReserver {
	return &fakeReserver{reserved: make(map[int64]int), released: make(map[int64]int)}
}

func (f *fakeReserver) Reserve(_ context.Context, productID int64, qty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if productID == f.failOn {
		return store.ErrInsufficientStock
	}
	f.reserved[productID] += qty
	return nil
}

func (f *fakeReserver) Release(_ context.Context, productID int64, qty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[productID] += qty
	return nil
}

func (f *fakeReserver) PublishStockChange(change store.StockChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, change)
}

type fakeIntents struct {
	ref string
	err error
}

func (f *fakeIntents) CreateIntent(_ context.Context, _ int64, _ string, _ map[string]string) (string, error) {
	return f.ref, f.err
}

type fakeStageOpener struct {
	mu     sync.Mutex
	opened []models.StageType
	orders []int64
}

func (f *fakeStageOpener) CreateNotification(_ context.Context, orderID int64, _ string, stage models.StageType) (*models.FulfillmentNotification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, stage)
	f.orders = append(f.orders, orderID)
	return &models.FulfillmentNotification{OrderID: orderID, Stage: stage}, nil
}

type fakeCheckoutPublisher struct {
	mu      sync.Mutex
	created []*models.OrderCreatedEvent
}

func (f *fakeCheckoutPublisher) PublishOrderCreated(_ context.Context, event *models.OrderCreatedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, event)
	return nil
}

func testCatalog() map[int64]models.Product {
	return map[int64]models.Product{
		1: {ID: 1, SellerRef: "seller-a", Price: 2500},
		2: {ID: 2, SellerRef: "seller-a", Price: 5000},
	}
}

func testBreakdown() models.PricingBreakdown {
	return models.PricingBreakdown{
		Subtotal:     10000,
		ShippingCost: 1000,
		TaxAmount:    1100,
		GrandTotal:   12100,
	}
}

func newCheckoutFixture() (*CheckoutService, *fakeCheckoutStore, *fakeReserver, *fakeStageOpener, *fakeCheckoutPublisher, *fakeIntents) {
	checkoutStore := newFakeCheckoutStore()
	reserver := newFakeReserver()
	opener := &fakeStageOpener{}
	publisher := &fakeCheckoutPublisher{}
	intents := &fakeIntents{ref: "pi_123"}
	pricer := &fakePricer{breakdown: testBreakdown(), products: testCatalog()}
	svc := NewCheckoutService(checkoutStore, pricer, reserver,
		map[models.PaymentMethod]IntentCreator{
			models.PaymentMethodCard:   intents,
			models.PaymentMethodPayPal: intents,
		},
		opener, publisher)
	return svc, checkoutStore, reserver, opener, publisher, intents
}

func codRequest() *CheckoutRequest {
	return &CheckoutRequest{
		CustomerRef:    "cust-1",
		Items:          []models.CartItem{{ProductID: 1, Quantity: 2}, {ProductID: 2, Quantity: 1}},
		ShippingMethod: "standard",
		PaymentMethod:  models.PaymentMethodCOD,
		IdempotencyKey: "key-cod",
	}
}

func TestCheckoutImmediateSettlement(t *testing.T) {
	svc, checkoutStore, reserver, opener, publisher, _ := newCheckoutFixture()

	resp, err := svc.CreateOrder(context.Background(), codRequest())
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusConfirmed, resp.Status)
	assert.Equal(t, models.PaymentStatusPaid, resp.PaymentStatus)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, int64(12100), resp.Pricing.GrandTotal)

	require.Len(t, checkoutStore.created, 1)
	params := checkoutStore.created[0]
	assert.True(t, params.CommitStock)
	require.Len(t, params.Items, 2)
	assert.Equal(t, int64(2500), params.Items[0].UnitPrice)
	assert.Equal(t, "seller-a", params.Items[0].SellerRef)

	// Stock committed inside the transaction, so no soft holds taken.
	assert.Empty(t, reserver.reserved)
	assert.Len(t, reserver.published, 2)

	require.Len(t, opener.opened, 1)
	assert.Equal(t, models.StageProcessing, opener.opened[0])

	require.Len(t, publisher.created, 1)
	assert.Equal(t, models.EventTypeOrderCreated, publisher.created[0].EventType)
}

func TestCheckoutDeferredSettlement(t *testing.T) {
	svc, checkoutStore, reserver, opener, _, _ := newCheckoutFixture()

	req := codRequest()
	req.PaymentMethod = models.PaymentMethodCard
	req.IdempotencyKey = "key-card"

	resp, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusPending, resp.PaymentStatus)
	assert.Equal(t, "pi_123", resp.ProviderRef)

	require.Len(t, checkoutStore.created, 1)
	assert.False(t, checkoutStore.created[0].CommitStock)

	assert.Equal(t, 2, reserver.reserved[1])
	assert.Equal(t, 1, reserver.reserved[2])
	assert.Empty(t, reserver.released)

	// SLA clock starts at settlement, not at intent creation.
	assert.Empty(t, opener.opened)
}

func TestCheckoutIdempotentReplay(t *testing.T) {
	svc, checkoutStore, _, _, publisher, _ := newCheckoutFixture()

	req := codRequest()
	first, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	second, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Len(t, checkoutStore.created, 1)
	assert.Len(t, publisher.created, 1)
}

func TestCheckoutIntentFailureReleasesHolds(t *testing.T) {
	svc, checkoutStore, reserver, _, _, intents := newCheckoutFixture()
	intents.err = errors.New("gateway down")

	req := codRequest()
	req.PaymentMethod = models.PaymentMethodCard

	_, err := svc.CreateOrder(context.Background(), req)
	require.Error(t, err)

	assert.Empty(t, checkoutStore.created)
	assert.Equal(t, 2, reserver.released[1])
	assert.Equal(t, 1, reserver.released[2])
}

func TestCheckoutPartialReserveRollsBack(t *testing.T) {
	svc, _, reserver, _, _, _ := newCheckoutFixture()
	reserver.failOn = 2

	req := codRequest()
	req.PaymentMethod = models.PaymentMethodPayPal

	_, err := svc.CreateOrder(context.Background(), req)
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	// Only the hold that succeeded is compensated.
	assert.Equal(t, 2, reserver.released[1])
	assert.Zero(t, reserver.released[2])
}

func TestCheckoutInsufficientStockAtCommit(t *testing.T) {
	svc, checkoutStore, _, opener, _, _ := newCheckoutFixture()
	checkoutStore.commitFail = true

	_, err := svc.CreateOrder(context.Background(), codRequest())
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Empty(t, opener.opened)
}

func TestCheckoutUnknownCouponRejected(t *testing.T) {
	svc, _, _, _, _, _ := newCheckoutFixture()

	req := codRequest()
	req.CouponCode = "NOPE"

	_, err := svc.CreateOrder(context.Background(), req)
	ce, ok := pricing.AsCouponError(err)
	require.True(t, ok)
	assert.Equal(t, pricing.CouponNotFound, ce.Reason)
}

func TestCheckoutGeneratesIdempotencyKey(t *testing.T) {
	svc, checkoutStore, _, _, _, _ := newCheckoutFixture()

	req := codRequest()
	req.IdempotencyKey = ""

	resp, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.Duplicate)
	require.Len(t, checkoutStore.created, 1)
	assert.NotEmpty(t, checkoutStore.created[0].IdempotencyKey)
}
