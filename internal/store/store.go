package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketplace-core/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrCouponNotFound    = errors.New("coupon not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrCouponExhausted   = errors.New("coupon usage limit reached")
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrProductNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// GetInventory retrieves the inventory record for a product
func (s *Store) GetInventory(ctx context.Context, productID int64) (*models.InventoryRecord, error) {
	var inv models.InventoryRecord
	err := s.db.GetContext(ctx, &inv, "SELECT * FROM inventory WHERE product_id = $1", productID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("inventory not found for product %d: %w", productID, ErrProductNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// ListActiveProductIDs returns every product with a tracked inventory row,
// used to seed the fast-path counters at startup.
func (s *Store) ListActiveProductIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, "SELECT product_id FROM inventory")
	return ids, err
}

// StockChange reports the state of an inventory row after a mutation, used
// to emit stock-changed events.
type StockChange struct {
	ProductID int64 `db:"product_id"`
	NewStock  int   `db:"stock_count"`
	IsActive  bool  `db:"is_active"`
}

// decrementStockQuery is the single-row conditional decrement that guards
// against oversell. It only succeeds while stock_count >= qty and flips
// is_active off in the same write when stock reaches zero.
const decrementStockQuery = `
	UPDATE inventory
	SET stock_count = stock_count - $1,
	    is_active   = (stock_count - $1) > 0,
	    updated_at  = NOW()
	WHERE product_id = $2 AND stock_count >= $1
	RETURNING product_id, stock_count, is_active`

// DecrementStock atomically decrements stock for a product. Returns
// ErrInsufficientStock when the conditional write matches no row.
func (s *Store) DecrementStock(ctx context.Context, productID int64, qty int) (*StockChange, error) {
	var change StockChange
	err := s.db.GetContext(ctx, &change, decrementStockQuery, qty, productID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %d: %w", productID, ErrInsufficientStock)
	}
	if err != nil {
		return nil, err
	}
	return &change, nil
}

// decrementStockTx is the in-transaction variant of DecrementStock.
func decrementStockTx(ctx context.Context, tx *sqlx.Tx, productID int64, qty int) (*StockChange, error) {
	var change StockChange
	err := tx.GetContext(ctx, &change, decrementStockQuery, qty, productID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %d: %w", productID, ErrInsufficientStock)
	}
	if err != nil {
		return nil, err
	}
	return &change, nil
}

// RestockProduct adds stock back and reactivates the product. Used by
// admin tooling and inventory seeds, not by the order flow.
func (s *Store) RestockProduct(ctx context.Context, productID int64, qty int) (*StockChange, error) {
	var change StockChange
	err := s.db.GetContext(ctx, &change, `
		UPDATE inventory
		SET stock_count = stock_count + $1,
		    is_active   = TRUE,
		    updated_at  = NOW()
		WHERE product_id = $2
		RETURNING product_id, stock_count, is_active`,
		qty, productID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, err
	}
	return &change, nil
}
