package inventory

import (
	"context"
	"errors"
	"time"

	"marketplace-core/internal/broker"
	"marketplace-core/internal/models"
	"marketplace-core/internal/store"
	"marketplace-core/internal/util"

	"go.uber.org/zap"
)

// ErrInsufficientStock is returned when a reserve or decrement would
// underflow. It aliases the store sentinel so both layers compare equal.
var ErrInsufficientStock = store.ErrInsufficientStock

// StockStore is the authoritative stock storage. Decrements are
// conditional writes enforced by the database, never read-then-write.
type StockStore interface {
	DecrementStock(ctx context.Context, productID int64, qty int) (*store.StockChange, error)
	GetInventory(ctx context.Context, productID int64) (*models.InventoryRecord, error)
}

// FastPath is the redis soft-reservation layer. It fails fast on
// obviously depleted stock without touching the database.
type FastPath interface {
	ReserveStock(ctx context.Context, productID int64, quantity int) (bool, error)
	ReleaseStock(ctx context.Context, productID int64, quantity int) error
	CommitStock(ctx context.Context, productID int64, quantity int) error
	SyncStock(ctx context.Context, productID int64, available int) error
	InitStock(ctx context.Context, productID int64, available int) error
}

// StockEventPublisher receives the stock-changed events every mutation
// emits.
type StockEventPublisher interface {
	PublishStockChanged(ctx context.Context, event *models.StockChangedEvent) error
}

// Ledger coordinates soft reservations, authoritative decrements and
// stock-changed event emission. Every code path that mutates stock goes
// through here, so the emission is uniform.
type Ledger struct {
	store     StockStore
	fastPath  FastPath
	publisher StockEventPublisher
	logger    *zap.Logger
}

// NewLedger creates a new inventory ledger
func NewLedger(stockStore StockStore, fastPath FastPath, publisher StockEventPublisher) *Ledger {
	return &Ledger{
		store:     stockStore,
		fastPath:  fastPath,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// Reserve places a soft hold on stock for a deferred-payment checkout.
// The hold is advisory; the database decrement at settlement is what
// actually prevents oversell.
func (l *Ledger) Reserve(ctx context.Context, productID int64, qty int) error {
	ctx, span := util.StartSpan(ctx, "Ledger.Reserve")
	defer span.End()

	ok, err := l.fastPath.ReserveStock(ctx, productID, qty)
	if err != nil {
		l.logger.Warn("Fast-path reservation unavailable, checking database",
			zap.Int64("product_id", productID),
			zap.Error(err))
		return l.reserveFromStore(ctx, productID, qty)
	}
	if !ok {
		return ErrInsufficientStock
	}
	return nil
}

// reserveFromStore is the fallback availability check when redis is down.
// Read-only: the conditional decrement at commit time remains the guard.
func (l *Ledger) reserveFromStore(ctx context.Context, productID int64, qty int) error {
	inv, err := l.store.GetInventory(ctx, productID)
	if err != nil {
		return err
	}
	if !inv.IsActive || inv.StockCount < qty {
		return ErrInsufficientStock
	}
	return nil
}

// Release returns a soft hold, compensating a failed or abandoned
// payment. Best effort: a lost release self-corrects at the next sync.
func (l *Ledger) Release(ctx context.Context, productID int64, qty int) error {
	ctx, span := util.StartSpan(ctx, "Ledger.Release")
	defer span.End()

	if err := l.fastPath.ReleaseStock(ctx, productID, qty); err != nil {
		l.logger.Error("Failed to release soft hold",
			zap.Int64("product_id", productID),
			zap.Error(err))
		return err
	}
	return nil
}

// CommitDecrement performs the authoritative conditional decrement and
// emits the stock-changed event. Used for standalone adjustments; the
// checkout and reconciliation transactions run the same conditional
// update inside their own transaction and then call PublishStockChange.
func (l *Ledger) CommitDecrement(ctx context.Context, productID int64, qty int) (*store.StockChange, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.CommitDecrement")
	defer span.End()

	change, err := l.store.DecrementStock(ctx, productID, qty)
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			util.OversellConflictsTotal.Inc()
		}
		return nil, err
	}

	if err := l.fastPath.CommitStock(ctx, productID, qty); err != nil {
		l.logger.Warn("Failed to commit fast-path reservation",
			zap.Int64("product_id", productID),
			zap.Error(err))
	}

	l.PublishStockChange(*change)
	return change, nil
}

// SettleHold drops a fast-path reservation after the authoritative
// decrement committed inside a checkout or reconciliation transaction.
// Best effort: counters re-sync on the next stock-changed emission.
func (l *Ledger) SettleHold(ctx context.Context, productID int64, qty int) {
	if err := l.fastPath.CommitStock(ctx, productID, qty); err != nil {
		l.logger.Warn("Failed to settle fast-path hold",
			zap.Int64("product_id", productID),
			zap.Error(err))
	}
}

// PublishStockChange emits a stock-changed event and refreshes the
// fast-path counter. Fire-and-forget: it never fails or delays the
// mutation that triggered it.
func (l *Ledger) PublishStockChange(change store.StockChange) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := l.fastPath.SyncStock(ctx, change.ProductID, change.NewStock); err != nil {
			l.logger.Warn("Failed to sync fast-path stock",
				zap.Int64("product_id", change.ProductID),
				zap.Error(err))
		}

		event := &models.StockChangedEvent{
			BaseEvent: broker.NewBaseEvent(models.EventTypeStockChanged),
			ProductID: change.ProductID,
			NewStock:  change.NewStock,
			IsActive:  change.IsActive,
		}
		if err := l.publisher.PublishStockChanged(ctx, event); err != nil {
			l.logger.Error("Failed to publish stock-changed event",
				zap.Int64("product_id", change.ProductID),
				zap.Error(err))
		}
	}()
}

// SyncToFastPath seeds redis counters from the database at startup.
func (l *Ledger) SyncToFastPath(ctx context.Context, productIDs []int64) {
	for _, id := range productIDs {
		inv, err := l.store.GetInventory(ctx, id)
		if err != nil {
			l.logger.Error("Failed to load inventory for sync",
				zap.Int64("product_id", id),
				zap.Error(err))
			continue
		}
		if err := l.fastPath.InitStock(ctx, id, inv.StockCount); err != nil {
			l.logger.Error("Failed to seed fast-path stock",
				zap.Int64("product_id", id),
				zap.Error(err))
		}
	}
}
