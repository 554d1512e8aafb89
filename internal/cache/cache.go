// Package cache provides a Redis-backed read cache for Order objects.
//
// Cache-aside pattern:
//   - On read: the API checks Redis first (cache HIT). On a miss it falls
//     back to Postgres and back-fills the cache for subsequent requests.
//   - On write: the ingest consumer invalidates the order's key after its
//     transaction commits, so a read after the commit never serves the
//     pre-transition state for longer than one miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"ordersync/internal/models"
)

const (
	orderKeyPrefix = "order:"
	orderTTL       = 1 * time.Hour
)

// ErrNotFound is returned when a key does not exist in the cache.
var ErrNotFound = errors.New("cache: key not found")

// Client wraps the Redis client and exposes domain-level operations.
type Client struct {
	rdb *redis.Client
}

// New creates a Redis client and verifies the connection with a PING.
func New(addr string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Client{rdb: rdb}, nil
}

// Close shuts down the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetOrder serialises an Order (including nested shipments) and stores it
// under its business id with a fixed TTL.
func (c *Client) SetOrder(ctx context.Context, order *models.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, orderKeyPrefix+order.OrderID, data, orderTTL).Err()
}

// GetOrder fetches an Order by business id.
// Returns ErrNotFound when the key does not exist or has expired.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	data, err := c.rdb.Get(ctx, orderKeyPrefix+orderID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var order models.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// InvalidateOrder drops the cached entry after a committed mutation.
// Deleting a key that is not cached is a no-op.
func (c *Client) InvalidateOrder(ctx context.Context, orderID string) error {
	return c.rdb.Del(ctx, orderKeyPrefix+orderID).Err()
}
