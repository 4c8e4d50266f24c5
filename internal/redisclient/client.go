package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

//go:embed scripts/commit_stock.lua
var commitStockScript string

type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	commitScript  *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveStockScript),
		releaseScript: redis.NewScript(releaseStockScript),
		commitScript:  redis.NewScript(commitStockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func stockKey(productID int64) string {
	return fmt.Sprintf("stock:%d", productID)
}

// ReserveStock atomically places a soft hold on stock using a Lua script.
// Returns true on success, false on insufficient stock. Untracked
// products are an error so callers can fall back to the database.
func (c *Client) ReserveStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	result, err := c.reserveScript.Run(ctx, c.rdb, []string{stockKey(productID)}, quantity).Result()
	if err != nil {
		return false, fmt.Errorf("reserve stock script failed: %w", err)
	}

	code, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type %T", result)
	}
	if code == -1 {
		return false, fmt.Errorf("stock not tracked for product %d", productID)
	}
	return code == 1, nil
}

// ReleaseStock atomically returns a soft hold to the available pool.
func (c *Client) ReleaseStock(ctx context.Context, productID int64, quantity int) error {
	if _, err := c.releaseScript.Run(ctx, c.rdb, []string{stockKey(productID)}, quantity).Result(); err != nil {
		return fmt.Errorf("release stock script failed: %w", err)
	}
	return nil
}

// CommitStock atomically drops the reserved portion once the database
// decrement has settled.
func (c *Client) CommitStock(ctx context.Context, productID int64, quantity int) error {
	if _, err := c.commitScript.Run(ctx, c.rdb, []string{stockKey(productID)}, quantity).Result(); err != nil {
		return fmt.Errorf("commit stock script failed: %w", err)
	}
	return nil
}

// InitStock seeds the fast-path counters from the database.
func (c *Client) InitStock(ctx context.Context, productID int64, available int) error {
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, stockKey(productID), "available", available)
	pipe.HSetNX(ctx, stockKey(productID), "reserved", 0)

	_, err := pipe.Exec(ctx)
	return err
}

// SyncStock overwrites the available counter after an authoritative
// database mutation.
func (c *Client) SyncStock(ctx context.Context, productID int64, available int) error {
	return c.rdb.HSet(ctx, stockKey(productID), "available", available).Err()
}
