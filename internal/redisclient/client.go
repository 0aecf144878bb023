package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

//go:embed scripts/deduct_stock.lua
var deductStockScript string

type Client struct {
	rdb          *redis.Client
	deductScript *redis.Script
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
		rdb:          rdb,
		deductScript: redis.NewScript(deductStockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func inventoryKey(productID int64) string {
	return fmt.Sprintf("inventory:%d", productID)
}

// SetStock overwrites the mirrored stock of a product
func (c *Client) SetStock(ctx context.Context, productID int64, inStock, minimum decimal.Decimal) error {
	key := inventoryKey(productID)

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, "in_stock", inStock.String())
	pipe.HSet(ctx, key, "minimum_stock", minimum.String())

	_, err := pipe.Exec(ctx)
	return err
}

// DeductStock atomically lowers the mirrored stock, clamping at zero.
// found is false when the product has not been mirrored yet.
func (c *Client) DeductStock(ctx context.Context, productID int64, amount decimal.Decimal) (decimal.Decimal, bool, error) {
	result, err := c.deductScript.Run(ctx, c.rdb, []string{inventoryKey(productID)}, amount.String()).Result()
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("deduct stock script failed: %w", err)
	}
	return parseDeductResult(result)
}

func parseDeductResult(result interface{}) (decimal.Decimal, bool, error) {
	switch v := result.(type) {
	case int64:
		if v < 0 {
			return decimal.Zero, false, nil
		}
		return decimal.NewFromInt(v), true, nil
	case string:
		remaining, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("unexpected script result %q: %w", v, err)
		}
		return remaining, true, nil
	default:
		return decimal.Zero, false, fmt.Errorf("unexpected script result type %T", result)
	}
}

// GetStock retrieves the mirrored stock of a product
func (c *Client) GetStock(ctx context.Context, productID int64) (inStock, minimum decimal.Decimal, err error) {
	result, err := c.rdb.HGetAll(ctx, inventoryKey(productID)).Result()
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	if len(result) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("inventory not found for product %d", productID)
	}

	inStock, err = decimal.NewFromString(result["in_stock"])
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("invalid in_stock for product %d: %w", productID, err)
	}
	minimum, _ = decimal.NewFromString(result["minimum_stock"])
	return inStock, minimum, nil
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
